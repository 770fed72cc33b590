// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, Dim and associated tools.
//
// A Shape represents the element type (DType) and the dimensions of a tensor in the compiler's graph.
// Dimensions can be static or bounded-dynamic (see Dim), and dynamic dimensions can be named, in which
// case the name is shared across tensors: e.g., a "batch" dimension used by inputs and outputs alike.
//
// ## Glossary
//
//   - Rank: number of axes of a tensor.
//   - Axis: the index of a dimension.
//   - Dim: the extent of an axis, static or dynamic in [Min, Max].
//   - Symbol: the name of a dynamic dimension, resolved to a concrete value with Bindings.
//   - Concrete: a shape with all dimensions resolved to integers, used for profiling and at runtime.
package shapes

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a tensor in the graph: its DType and dimensions.
type Shape struct {
	DType dtypes.DType
	Dims  []Dim
}

// Make returns a static Shape with the given dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dims: make([]Dim, len(dimensions))}
	for ii, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s, %v): cannot create a shape with an axis with dimension <= 0", dtype, dimensions)
		}
		s.Dims[ii] = Static(dim)
	}
	return s
}

// MakeDims returns a Shape with the given, possibly dynamic, dimensions.
func MakeDims(dtype dtypes.DType, dims ...Dim) Shape {
	return Shape{DType: dtype, Dims: slices.Clone(dims)}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.Check() == nil }

// Check returns an error describing why the shape is invalid, or nil.
func (s Shape) Check() error {
	if s.DType == dtypes.InvalidDType {
		return errors.New("invalid dtype")
	}
	for axis, d := range s.Dims {
		if err := d.Check(); err != nil {
			return errors.WithMessagef(err, "axis %d", axis)
		}
	}
	return nil
}

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dims) }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) Dim {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dims[adjusted]
}

// IsStatic returns whether all dimensions are static.
func (s Shape) IsStatic() bool {
	for _, d := range s.Dims {
		if !d.IsStatic() {
			return false
		}
	}
	return true
}

// Symbols returns the names of the dynamic dimensions used by the shape, in order of first appearance.
func (s Shape) Symbols() []string {
	var symbols []string
	for _, d := range s.Dims {
		if d.Symbol != "" && !slices.Contains(symbols, d.Symbol) {
			symbols = append(symbols, d.Symbol)
		}
	}
	return symbols
}

// Dimensions returns the static dimensions. It panics if the shape is dynamic.
func (s Shape) Dimensions() []int {
	dims := make([]int, len(s.Dims))
	for ii, d := range s.Dims {
		dims[ii] = d.Value()
	}
	return dims
}

// MaxDimensions returns the dimensions at their upper bounds.
func (s Shape) MaxDimensions() []int {
	dims := make([]int, len(s.Dims))
	for ii, d := range s.Dims {
		dims[ii] = d.Max
	}
	return dims
}

// Size returns the number of elements of a static shape. Scalars have size 1.
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dims {
		size *= d.Value()
	}
	return size
}

// MaxSize returns the number of elements with all dimensions at their upper bound.
func (s Shape) MaxSize() int {
	size := 1
	for _, d := range s.Dims {
		size *= d.Max
	}
	return size
}

// MaxMemory returns the number of bytes needed to hold the shape at its upper bounds.
func (s Shape) MaxMemory() uintptr {
	return uintptr(s.MaxSize()) * uintptr(s.DType.Size())
}

// Concrete resolves all dynamic dimensions with the given bindings.
// It returns an error if any dynamic dimension is not bound or is out of its bounds.
func (s Shape) Concrete(bindings Bindings) ([]int, error) {
	dims := make([]int, len(s.Dims))
	for ii, d := range s.Dims {
		v, ok := d.Resolve(bindings)
		if !ok {
			return nil, errors.Errorf("can't resolve axis #%d (%s) of shape %s with bindings {%s}", ii, d, s, bindings.Key())
		}
		dims[ii] = v
	}
	return dims, nil
}

// Equal compares two shapes for equality: dtype and dimensions (including bounds and symbols).
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dims, s2.Dims)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dims: slices.Clone(s.Dims)}
}

// String implements fmt.Stringer, e.g.: "(Float16)[batch:1..64 1024]".
func (s Shape) String() string {
	parts := make([]string, len(s.Dims))
	for ii, d := range s.Dims {
		parts[ii] = d.String()
	}
	return "(" + s.DType.String() + ")[" + strings.Join(parts, " ") + "]"
}

// ContiguousStrides returns the row-major strides, in elements, for the given dimensions.
func ContiguousStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// supportedDTypes lists the element types the compiler handles, and is used to parse dtype names.
var supportedDTypes = []dtypes.DType{
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	dtypes.Int8, dtypes.Int32, dtypes.Int64, dtypes.Uint8, dtypes.Bool,
}

// ParseDType parses a dtype name (case-insensitive), e.g.: "float16" or "Float32".
func ParseDType(name string) (dtypes.DType, error) {
	for _, dtype := range supportedDTypes {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown or unsupported dtype %q", name)
}

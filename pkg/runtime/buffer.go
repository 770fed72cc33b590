// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Buffer holds the data of one tensor bound to a module: a concrete shape and a flat slice of values
// in row-major order.
//
// Flat is a []float32, []float16.Float16 or []bfloat16.BFloat16, matching Shape.DType.
type Buffer struct {
	Shape shapes.Shape
	Flat  any
}

// NewBuffer allocates a zero-initialized buffer. It panics for unsupported dtypes.
func NewBuffer(dtype dtypes.DType, dimensions ...int) *Buffer {
	shape := shapes.Make(dtype, dimensions...)
	size := shape.Size()
	b := &Buffer{Shape: shape}
	switch dtype {
	case dtypes.Float32:
		b.Flat = make([]float32, size)
	case dtypes.Float16:
		b.Flat = make([]float16.Float16, size)
	case dtypes.BFloat16:
		b.Flat = make([]bfloat16.BFloat16, size)
	default:
		exceptions.Panicf("runtime.NewBuffer: unsupported dtype %s", dtype)
	}
	return b
}

// NewBufferFromFloat32s allocates a buffer and sets its contents from float32 values, rounding to the dtype.
func NewBufferFromFloat32s(dtype dtypes.DType, dimensions []int, values []float32) *Buffer {
	b := NewBuffer(dtype, dimensions...)
	b.SetFloat32s(values)
	return b
}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.Shape.DType }

// Len returns the number of elements in the flat slice.
func (b *Buffer) Len() int {
	switch flat := b.Flat.(type) {
	case []float32:
		return len(flat)
	case []float16.Float16:
		return len(flat)
	case []bfloat16.BFloat16:
		return len(flat)
	}
	return 0
}

// Check that the flat slice matches the shape.
func (b *Buffer) Check() error {
	if b == nil {
		return errors.New("nil buffer")
	}
	if !b.Shape.IsStatic() {
		return errors.Errorf("buffer shape %s must be concrete", b.Shape)
	}
	var ok bool
	switch b.Shape.DType {
	case dtypes.Float32:
		_, ok = b.Flat.([]float32)
	case dtypes.Float16:
		_, ok = b.Flat.([]float16.Float16)
	case dtypes.BFloat16:
		_, ok = b.Flat.([]bfloat16.BFloat16)
	}
	if !ok {
		return errors.Errorf("buffer of shape %s holds incompatible data of type %T", b.Shape, b.Flat)
	}
	if b.Len() != b.Shape.Size() {
		return errors.Errorf("buffer of shape %s holds %d elements, expected %d", b.Shape, b.Len(), b.Shape.Size())
	}
	return nil
}

// Get returns the element at the flat index, converted to float32.
func (b *Buffer) Get(idx int) float32 {
	switch flat := b.Flat.(type) {
	case []float32:
		return flat[idx]
	case []float16.Float16:
		return flat[idx].Float32()
	case []bfloat16.BFloat16:
		return flat[idx].Float32()
	}
	exceptions.Panicf("Buffer.Get: unsupported data type %T", b.Flat)
	return 0
}

// Set the element at the flat index, rounding to the buffer's dtype.
func (b *Buffer) Set(idx int, value float32) {
	switch flat := b.Flat.(type) {
	case []float32:
		flat[idx] = value
	case []float16.Float16:
		flat[idx] = float16.Fromfloat32(value)
	case []bfloat16.BFloat16:
		flat[idx] = bfloat16.FromFloat32(value)
	default:
		exceptions.Panicf("Buffer.Set: unsupported data type %T", b.Flat)
	}
}

// Float32s returns a copy of the contents converted to float32.
func (b *Buffer) Float32s() []float32 {
	if flat, ok := b.Flat.([]float32); ok {
		return append([]float32(nil), flat...)
	}
	values := make([]float32, b.Len())
	for ii := range values {
		values[ii] = b.Get(ii)
	}
	return values
}

// SetFloat32s sets the contents from float32 values, rounding to the buffer's dtype.
func (b *Buffer) SetFloat32s(values []float32) {
	if len(values) != b.Len() {
		exceptions.Panicf("Buffer.SetFloat32s: got %d values for buffer of shape %s", len(values), b.Shape)
	}
	if flat, ok := b.Flat.([]float32); ok {
		copy(flat, values)
		return
	}
	for ii, v := range values {
		b.Set(ii, v)
	}
}

// Tolerances used to compare a compiled module's results against a float32 reference, per dtype.
var Tolerances = map[dtypes.DType]float64{
	dtypes.Float16:  1e-1,
	dtypes.Float32:  1e-1,
	dtypes.BFloat16: 3e-1,
}

// AllClose reports whether got and want have the same length and |got-want| <= atol + rtol*|want|
// element-wise. If not, it returns the index of the first mismatch, or -1 on a length mismatch.
func AllClose(got, want []float32, atol, rtol float64) (bool, int) {
	if len(got) != len(want) {
		return false, -1
	}
	for ii := range got {
		g, w := float64(got[ii]), float64(want[ii])
		if math.IsNaN(g) || math.Abs(g-w) > atol+rtol*math.Abs(w) {
			return false, ii
		}
	}
	return true, 0
}

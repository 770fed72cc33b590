// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/pkg/errors"
)

// OpKind identifies an operator kind, e.g. "gemm_bias_fast_gelu". Together with the target platform
// it's the key into the backends registry.
type OpKind string

// Family groups operator kinds sharing the same attributes type.
type Family string

const (
	FamilyGemm             Family = "gemm"
	FamilyBmm              Family = "bmm"
	FamilyConv2d           Family = "conv2d"
	FamilyTransposedConv2d Family = "transposed_conv2d"
	FamilyElementwise      Family = "elementwise"
	FamilyReshape          Family = "reshape"
	FamilyFlatten          Family = "flatten"
)

// Attributes are the kind-specific parameters of an Operator.
// Each family has its own struct, carrying exactly the fields the kind needs.
type Attributes interface {
	// Family of the operator.
	Family() Family

	// Kind of the operator. For families with epilogues it includes the epilogue, e.g. "gemm_bias_relu".
	Kind() OpKind

	// InferShapes validates the input shapes and returns the output shapes.
	InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error)

	// Clone returns a deep copy.
	Clone() Attributes

	// String returns a canonical description, used in operator signatures.
	String() string
}

// AccessorAcceptor is implemented by attributes of operators that can read their inputs through
// an Accessor (offset + strides), instead of requiring a dense tensor of their own.
type AccessorAcceptor interface {
	AcceptsInputAccessors() bool
}

// Viewer is implemented by attributes of operators whose output aliases their input's storage.
type Viewer interface {
	IsView() bool
}

// Layout of the operands of a matrix multiplication: R for row-major, C for column-major, for A, B and C
// respectively. E.g.: RCR means c[m, n] = a[m, k] * b[n, k].
type Layout string

const (
	LayoutRCR Layout = "rcr"
	LayoutRRR Layout = "rrr"
)

// Epilogue is the elementwise computation fused after the main computation of an operator.
type Epilogue string

const (
	EpilogueNone         Epilogue = ""
	EpilogueBias         Epilogue = "bias"
	EpilogueBiasRelu     Epilogue = "bias_relu"
	EpilogueBiasFastGelu Epilogue = "bias_fast_gelu"
	EpilogueBiasSwish    Epilogue = "bias_swish"
	EpilogueBiasSigmoid  Epilogue = "bias_sigmoid"
	EpilogueBiasTanh     Epilogue = "bias_tanh"
	EpilogueBiasAdd      Epilogue = "bias_add"
	EpilogueBiasAddRelu  Epilogue = "bias_add_relu"
	EpilogueAdd          Epilogue = "add"
)

// HasBias returns whether the epilogue takes a bias operand.
func (e Epilogue) HasBias() bool { return strings.HasPrefix(string(e), "bias") }

// HasResidual returns whether the epilogue takes a residual operand of the output's shape.
func (e Epilogue) HasResidual() bool {
	return e == EpilogueAdd || e == EpilogueBiasAdd || e == EpilogueBiasAddRelu
}

// Activation returns the activation applied last by the epilogue, or "" if none.
func (e Epilogue) Activation() ElementwiseFunc {
	switch e {
	case EpilogueBiasRelu, EpilogueBiasAddRelu:
		return FuncRelu
	case EpilogueBiasFastGelu:
		return FuncFastGelu
	case EpilogueBiasSwish:
		return FuncSwish
	case EpilogueBiasSigmoid:
		return FuncSigmoid
	case EpilogueBiasTanh:
		return FuncTanh
	}
	return ""
}

// KindWithEpilogue returns the kind of a family's operator with the given fused epilogue, e.g. "gemm_bias_relu".
func KindWithEpilogue(family Family, epilogue Epilogue) OpKind {
	if epilogue == EpilogueNone {
		return OpKind(family)
	}
	return OpKind(string(family) + "_" + string(epilogue))
}

// GemmAttrs describe a matrix multiplication with an optional fused epilogue.
//
// Inputs: a, b, [bias (N)], [residual (M, N)].
type GemmAttrs struct {
	Layout   Layout   `json:"layout"`
	Epilogue Epilogue `json:"epilogue,omitempty"`
}

var gemmEpilogues = []Epilogue{EpilogueNone, EpilogueBias, EpilogueBiasRelu, EpilogueBiasFastGelu,
	EpilogueBiasSwish, EpilogueBiasSigmoid, EpilogueBiasTanh, EpilogueBiasAdd, EpilogueBiasAddRelu}

func (a *GemmAttrs) Family() Family              { return FamilyGemm }
func (a *GemmAttrs) Kind() OpKind                { return KindWithEpilogue(FamilyGemm, a.Epilogue) }
func (a *GemmAttrs) Clone() Attributes           { c := *a; return &c }
func (a *GemmAttrs) AcceptsInputAccessors() bool { return true }
func (a *GemmAttrs) String() string              { return fmt.Sprintf("layout=%s", a.Layout) }

// NumInputs returns the expected number of inputs.
func (a *GemmAttrs) NumInputs() int {
	n := 2
	if a.Epilogue.HasBias() {
		n++
	}
	if a.Epilogue.HasResidual() {
		n++
	}
	return n
}

func (a *GemmAttrs) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if !slices.Contains(gemmEpilogues, a.Epilogue) {
		return nil, errors.Errorf("%s: unsupported epilogue %q", a.Kind(), a.Epilogue)
	}
	if len(inputs) != a.NumInputs() {
		return nil, errors.Errorf("%s: expected %d inputs, got %d", a.Kind(), a.NumInputs(), len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return nil, errors.Errorf("%s: operands must be rank 2, got %s and %s", a.Kind(), lhs, rhs)
	}
	m, k := lhs.Dims[0], lhs.Dims[1]
	var n, kB shapes.Dim
	switch a.Layout {
	case LayoutRCR:
		n, kB = rhs.Dims[0], rhs.Dims[1]
	case LayoutRRR:
		kB, n = rhs.Dims[0], rhs.Dims[1]
	default:
		return nil, errors.Errorf("%s: unknown layout %q", a.Kind(), a.Layout)
	}
	if k != kB {
		return nil, errors.Errorf("%s(%s): contracting dimensions don't match for %s and %s", a.Kind(), a.Layout, lhs, rhs)
	}
	if lhs.DType != rhs.DType {
		return nil, errors.Errorf("%s: dtypes don't match for %s and %s", a.Kind(), lhs, rhs)
	}
	output := shapes.MakeDims(lhs.DType, m, n)
	if err := checkEpilogueOperands(a.Kind(), a.Epilogue, output, inputs[2:]); err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// checkEpilogueOperands validates the bias (sized as the last axis of output) and residual (same
// shape as output) operands.
func checkEpilogueOperands(kind OpKind, epilogue Epilogue, output shapes.Shape, operands []shapes.Shape) error {
	idx := 0
	if epilogue.HasBias() {
		bias := operands[idx]
		idx++
		if bias.Rank() != 1 || bias.Dims[0] != output.Dim(-1) || bias.DType != output.DType {
			return errors.Errorf("%s: bias shape %s doesn't match output %s", kind, bias, output)
		}
	}
	if epilogue.HasResidual() {
		residual := operands[idx]
		if !residual.Equal(output) {
			return errors.Errorf("%s: residual shape %s doesn't match output %s", kind, residual, output)
		}
	}
	return nil
}

// BmmAttrs describe a batched matrix multiplication, with an optional fused residual add.
//
// Inputs: a (B, M, K), b ((B, K, N) for RRR or (B, N, K) for RCR), [residual (B, M, N)].
type BmmAttrs struct {
	Layout   Layout   `json:"layout"`
	Epilogue Epilogue `json:"epilogue,omitempty"`
}

func (a *BmmAttrs) Family() Family              { return FamilyBmm }
func (a *BmmAttrs) Kind() OpKind                { return KindWithEpilogue(FamilyBmm, a.Epilogue) }
func (a *BmmAttrs) Clone() Attributes           { c := *a; return &c }
func (a *BmmAttrs) AcceptsInputAccessors() bool { return true }
func (a *BmmAttrs) String() string              { return fmt.Sprintf("layout=%s", a.Layout) }

func (a *BmmAttrs) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if a.Epilogue != EpilogueNone && a.Epilogue != EpilogueAdd {
		return nil, errors.Errorf("%s: unsupported epilogue %q", a.Kind(), a.Epilogue)
	}
	want := 2
	if a.Epilogue == EpilogueAdd {
		want = 3
	}
	if len(inputs) != want {
		return nil, errors.Errorf("%s: expected %d inputs, got %d", a.Kind(), want, len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	if lhs.Rank() != 3 || rhs.Rank() != 3 {
		return nil, errors.Errorf("%s: operands must be rank 3, got %s and %s", a.Kind(), lhs, rhs)
	}
	if lhs.Dims[0] != rhs.Dims[0] || lhs.DType != rhs.DType {
		return nil, errors.Errorf("%s: batch or dtype mismatch for %s and %s", a.Kind(), lhs, rhs)
	}
	var n, kB shapes.Dim
	switch a.Layout {
	case LayoutRRR:
		kB, n = rhs.Dims[1], rhs.Dims[2]
	case LayoutRCR:
		n, kB = rhs.Dims[1], rhs.Dims[2]
	default:
		return nil, errors.Errorf("%s: unknown layout %q", a.Kind(), a.Layout)
	}
	if lhs.Dims[2] != kB {
		return nil, errors.Errorf("%s(%s): contracting dimensions don't match for %s and %s", a.Kind(), a.Layout, lhs, rhs)
	}
	output := shapes.MakeDims(lhs.DType, lhs.Dims[0], lhs.Dims[1], n)
	if err := checkEpilogueOperands(a.Kind(), a.Epilogue, output, inputs[2:]); err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// Conv2dAttrs describe a 2D convolution (or transposed convolution) in NHWC layout, with the
// filters laid out as (C_out, K_h, K_w, C_in/groups).
//
// Inputs: x, w, [bias (C_out)].
type Conv2dAttrs struct {
	Transposed bool     `json:"transposed,omitempty"`
	Stride     int      `json:"stride"`
	Pad        int      `json:"pad"`
	Dilate     int      `json:"dilate"`
	Group      int      `json:"group"`
	Epilogue   Epilogue `json:"epilogue,omitempty"`
}

func (a *Conv2dAttrs) Family() Family {
	if a.Transposed {
		return FamilyTransposedConv2d
	}
	return FamilyConv2d
}

func (a *Conv2dAttrs) Kind() OpKind      { return KindWithEpilogue(a.Family(), a.Epilogue) }
func (a *Conv2dAttrs) Clone() Attributes { c := *a; return &c }
func (a *Conv2dAttrs) String() string {
	return fmt.Sprintf("stride=%d,pad=%d,dilate=%d,group=%d", a.Stride, a.Pad, a.Dilate, a.Group)
}

// OutputSpatial returns the output spatial size for the given input size and kernel size.
func (a *Conv2dAttrs) OutputSpatial(in, kernel int) int {
	if a.Transposed {
		return (in-1)*a.Stride - 2*a.Pad + a.Dilate*(kernel-1) + 1
	}
	return (in+2*a.Pad-a.Dilate*(kernel-1)-1)/a.Stride + 1
}

func (a *Conv2dAttrs) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	allowed := []Epilogue{EpilogueNone, EpilogueBias, EpilogueBiasRelu}
	if !a.Transposed {
		allowed = append(allowed, EpilogueBiasFastGelu)
	}
	if !slices.Contains(allowed, a.Epilogue) {
		return nil, errors.Errorf("%s: unsupported epilogue %q", a.Kind(), a.Epilogue)
	}
	if a.Stride <= 0 || a.Dilate <= 0 || a.Group <= 0 || a.Pad < 0 {
		return nil, errors.Errorf("%s: invalid parameters %s", a.Kind(), a)
	}
	if a.Transposed && a.Group != 1 {
		return nil, errors.Errorf("%s: groups are not supported for transposed convolutions", a.Kind())
	}
	want := 2
	if a.Epilogue.HasBias() {
		want = 3
	}
	if len(inputs) != want {
		return nil, errors.Errorf("%s: expected %d inputs, got %d", a.Kind(), want, len(inputs))
	}
	x, w := inputs[0], inputs[1]
	if x.Rank() != 4 || w.Rank() != 4 {
		return nil, errors.Errorf("%s: input and filters must be rank 4 (NHWC), got %s and %s", a.Kind(), x, w)
	}
	for _, axis := range []int{1, 2, 3} {
		if !x.Dims[axis].IsStatic() {
			return nil, errors.Errorf("%s: only the batch axis of the input can be dynamic, got %s", a.Kind(), x)
		}
	}
	if !w.IsStatic() {
		return nil, errors.Errorf("%s: filters must be static, got %s", a.Kind(), w)
	}
	cIn, cOut := x.Dims[3].Value(), w.Dims[0].Value()
	if w.Dims[3].Value()*a.Group != cIn || cOut%a.Group != 0 {
		return nil, errors.Errorf("%s: input channels of %s don't match filters %s with %d groups", a.Kind(), x, w, a.Group)
	}
	hOut := a.OutputSpatial(x.Dims[1].Value(), w.Dims[1].Value())
	wOut := a.OutputSpatial(x.Dims[2].Value(), w.Dims[2].Value())
	if hOut <= 0 || wOut <= 0 {
		return nil, errors.Errorf("%s: empty output for input %s and filters %s", a.Kind(), x, w)
	}
	output := shapes.MakeDims(x.DType, x.Dims[0], shapes.Static(hOut), shapes.Static(wOut), shapes.Static(cOut))
	if err := checkEpilogueOperands(a.Kind(), a.Epilogue, output, inputs[2:]); err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// ElementwiseFunc is the function computed by an elementwise operator.
type ElementwiseFunc string

const (
	FuncAdd      ElementwiseFunc = "add"
	FuncSub      ElementwiseFunc = "sub"
	FuncMul      ElementwiseFunc = "mul"
	FuncRelu     ElementwiseFunc = "relu"
	FuncFastGelu ElementwiseFunc = "fast_gelu"
	FuncSwish    ElementwiseFunc = "swish"
	FuncSigmoid  ElementwiseFunc = "sigmoid"
	FuncTanh     ElementwiseFunc = "tanh"
)

// Arity returns the number of operands of the function, or 0 for an unknown function.
func (f ElementwiseFunc) Arity() int {
	switch f {
	case FuncAdd, FuncSub, FuncMul:
		return 2
	case FuncRelu, FuncFastGelu, FuncSwish, FuncSigmoid, FuncTanh:
		return 1
	}
	return 0
}

// ElementwiseAttrs describe an elementwise operator. Binary functions broadcast the operand with the
// smaller rank over the leading axes of the other.
type ElementwiseAttrs struct {
	Func ElementwiseFunc `json:"func"`
}

func (a *ElementwiseAttrs) Family() Family              { return FamilyElementwise }
func (a *ElementwiseAttrs) Kind() OpKind                { return OpKind(FamilyElementwise) }
func (a *ElementwiseAttrs) Clone() Attributes           { c := *a; return &c }
func (a *ElementwiseAttrs) AcceptsInputAccessors() bool { return true }
func (a *ElementwiseAttrs) String() string              { return "func=" + string(a.Func) }

func (a *ElementwiseAttrs) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	arity := a.Func.Arity()
	if arity == 0 {
		return nil, errors.Errorf("elementwise: unknown function %q", a.Func)
	}
	if len(inputs) != arity {
		return nil, errors.Errorf("elementwise(%s): expected %d inputs, got %d", a.Func, arity, len(inputs))
	}
	if arity == 1 {
		return []shapes.Shape{inputs[0].Clone()}, nil
	}
	large, small := inputs[0], inputs[1]
	if small.Rank() > large.Rank() {
		large, small = small, large
	}
	if large.DType != small.DType {
		return nil, errors.Errorf("elementwise(%s): dtypes don't match for %s and %s", a.Func, inputs[0], inputs[1])
	}
	offset := large.Rank() - small.Rank()
	for axis, dim := range small.Dims {
		if large.Dims[offset+axis] != dim {
			return nil, errors.Errorf("elementwise(%s): can't broadcast %s to %s", a.Func, small, large)
		}
	}
	return []shapes.Shape{large.Clone()}, nil
}

// ReshapeAttrs describe a reshape to Dims, where at most one axis (UnknownIdx) is inferred
// from the number of elements. UnknownIdx is -1 when all target dimensions are given.
type ReshapeAttrs struct {
	Dims       []shapes.Dim `json:"dims"`
	UnknownIdx int          `json:"unknown_idx"`
}

func (a *ReshapeAttrs) Family() Family { return FamilyReshape }
func (a *ReshapeAttrs) Kind() OpKind   { return OpKind(FamilyReshape) }
func (a *ReshapeAttrs) IsView() bool   { return true }
func (a *ReshapeAttrs) Clone() Attributes {
	return &ReshapeAttrs{Dims: slices.Clone(a.Dims), UnknownIdx: a.UnknownIdx}
}
func (a *ReshapeAttrs) String() string {
	return fmt.Sprintf("dims=%v,unknown_idx=%d", a.Dims, a.UnknownIdx)
}

// staticProductAndSymbols returns the product of the static dimensions and the multiset of dynamic ones.
func staticProductAndSymbols(dims []shapes.Dim, skip int) (int, []shapes.Dim) {
	product := 1
	var dynamic []shapes.Dim
	for axis, d := range dims {
		if axis == skip {
			continue
		}
		if d.IsStatic() {
			product *= d.Min
		} else {
			dynamic = append(dynamic, d)
		}
	}
	return product, dynamic
}

func sameDynamicDims(a, b []shapes.Dim) bool {
	if len(a) != len(b) {
		return false
	}
	remaining := slices.Clone(b)
	for _, d := range a {
		idx := slices.Index(remaining, d)
		if idx < 0 {
			return false
		}
		remaining = slices.Delete(remaining, idx, idx+1)
	}
	return true
}

func (a *ReshapeAttrs) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("reshape: expected 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if a.UnknownIdx >= len(a.Dims) || a.UnknownIdx < -1 {
		return nil, errors.Errorf("reshape: invalid unknown_idx %d for %d dimensions", a.UnknownIdx, len(a.Dims))
	}
	inProduct, inDynamic := staticProductAndSymbols(x.Dims, -1)
	outProduct, outDynamic := staticProductAndSymbols(a.Dims, a.UnknownIdx)
	if !sameDynamicDims(inDynamic, outDynamic) {
		return nil, errors.Errorf("reshape: dynamic dimensions of %s must be preserved in target %v", x, a.Dims)
	}
	dims := slices.Clone(a.Dims)
	if a.UnknownIdx >= 0 {
		if inProduct%outProduct != 0 {
			return nil, errors.Errorf("reshape: can't infer axis %d reshaping %s to %v", a.UnknownIdx, x, a.Dims)
		}
		dims[a.UnknownIdx] = shapes.Static(inProduct / outProduct)
	} else if inProduct != outProduct {
		return nil, errors.Errorf("reshape: can't reshape %s to %v: sizes differ", x, a.Dims)
	}
	return []shapes.Shape{shapes.MakeDims(x.DType, dims...)}, nil
}

// FlattenAttrs describe the merge of axes [StartDim, EndDim] into one. Merged axes must be static.
type FlattenAttrs struct {
	StartDim int `json:"start_dim"`
	EndDim   int `json:"end_dim"`
}

func (a *FlattenAttrs) Family() Family    { return FamilyFlatten }
func (a *FlattenAttrs) Kind() OpKind      { return OpKind(FamilyFlatten) }
func (a *FlattenAttrs) IsView() bool      { return true }
func (a *FlattenAttrs) Clone() Attributes { c := *a; return &c }
func (a *FlattenAttrs) String() string {
	return fmt.Sprintf("start_dim=%d,end_dim=%d", a.StartDim, a.EndDim)
}

func (a *FlattenAttrs) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("flatten: expected 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	end := a.EndDim
	if end < 0 {
		end += x.Rank()
	}
	if a.StartDim < 0 || a.StartDim > end || end >= x.Rank() {
		return nil, errors.Errorf("flatten: invalid axes [%d, %d] for %s", a.StartDim, a.EndDim, x)
	}
	merged := 1
	for _, d := range x.Dims[a.StartDim : end+1] {
		if !d.IsStatic() {
			return nil, errors.Errorf("flatten: merged axes of %s must be static", x)
		}
		merged *= d.Min
	}
	dims := slices.Clone(x.Dims[:a.StartDim])
	dims = append(dims, shapes.Static(merged))
	dims = append(dims, x.Dims[end+1:]...)
	return []shapes.Shape{shapes.MakeDims(x.DType, dims...)}, nil
}

// UnknownIdx of a flatten is always -1: all output dimensions are known.
func (a *FlattenAttrs) UnknownIdx() int { return -1 }

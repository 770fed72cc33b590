// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
)

// This file holds the convenience builders for the supported operators.
// All of them panic on invalid arguments.

func single(op *Operator) *Tensor { return op.Output(0) }

// Gemm returns lhs x rhs, where lhs is [M, K] and rhs is [N, K] (LayoutRCR) or [K, N] (LayoutRRR).
func Gemm(layout Layout, lhs, rhs *Tensor) *Tensor {
	return single(lhs.graph.AddOperator(&GemmAttrs{Layout: layout}, lhs, rhs))
}

// GemmWithEpilogue returns the gemm of lhs and rhs with a fused epilogue. operands are the bias and/or
// residual, as required by the epilogue.
func GemmWithEpilogue(layout Layout, epilogue Epilogue, lhs, rhs *Tensor, operands ...*Tensor) *Tensor {
	inputs := append([]*Tensor{lhs, rhs}, operands...)
	return single(lhs.graph.AddOperator(&GemmAttrs{Layout: layout, Epilogue: epilogue}, inputs...))
}

// Bmm returns the batched matrix multiplication of lhs [B, M, K] and rhs.
func Bmm(layout Layout, lhs, rhs *Tensor) *Tensor {
	return single(lhs.graph.AddOperator(&BmmAttrs{Layout: layout}, lhs, rhs))
}

// Conv2d returns the NHWC convolution of x with filters w (C_out, K_h, K_w, C_in/group).
func Conv2d(x, w *Tensor, stride, pad, dilate, group int) *Tensor {
	attrs := &Conv2dAttrs{Stride: stride, Pad: pad, Dilate: dilate, Group: group}
	return single(x.graph.AddOperator(attrs, x, w))
}

// TransposedConv2d returns the NHWC transposed convolution of x with filters w (C_out, K_h, K_w, C_in).
func TransposedConv2d(x, w *Tensor, stride, pad, dilate int) *Tensor {
	attrs := &Conv2dAttrs{Transposed: true, Stride: stride, Pad: pad, Dilate: dilate, Group: 1}
	return single(x.graph.AddOperator(attrs, x, w))
}

// Elementwise applies fn to the operands.
func Elementwise(fn ElementwiseFunc, operands ...*Tensor) *Tensor {
	if len(operands) == 0 {
		exceptions.Panicf("Elementwise(%s) requires at least one operand", fn)
	}
	return single(operands[0].graph.AddOperator(&ElementwiseAttrs{Func: fn}, operands...))
}

// Add returns x + y, broadcasting the lower rank operand over the leading axes of the other.
func Add(x, y *Tensor) *Tensor { return Elementwise(FuncAdd, x, y) }

// Sub returns x - y.
func Sub(x, y *Tensor) *Tensor { return Elementwise(FuncSub, x, y) }

// Mul returns x * y.
func Mul(x, y *Tensor) *Tensor { return Elementwise(FuncMul, x, y) }

// Relu returns max(x, 0).
func Relu(x *Tensor) *Tensor { return Elementwise(FuncRelu, x) }

// FastGelu returns the tanh approximation of the Gaussian Error Linear Unit.
func FastGelu(x *Tensor) *Tensor { return Elementwise(FuncFastGelu, x) }

// Swish returns x * sigmoid(x).
func Swish(x *Tensor) *Tensor { return Elementwise(FuncSwish, x) }

// Sigmoid returns 1 / (1 + exp(-x)).
func Sigmoid(x *Tensor) *Tensor { return Elementwise(FuncSigmoid, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Tensor) *Tensor { return Elementwise(FuncTanh, x) }

// Reshape x to the given dimensions. At most one dimension can be -1, and it's inferred from the
// number of elements. Dynamic dimensions of x are carried over by passing them with ReshapeDims.
func Reshape(x *Tensor, dimensions ...int) *Tensor {
	dims := make([]shapes.Dim, len(dimensions))
	unknownIdx := -1
	for ii, d := range dimensions {
		if d == -1 {
			if unknownIdx != -1 {
				exceptions.Panicf("Reshape(%s, %v): only one dimension can be -1", x, dimensions)
			}
			unknownIdx = ii
			dims[ii] = shapes.Dim{}
			continue
		}
		dims[ii] = shapes.Static(d)
	}
	return single(x.graph.AddOperator(&ReshapeAttrs{Dims: dims, UnknownIdx: unknownIdx}, x))
}

// ReshapeDims reshapes x to the given dimensions, which may include dynamic ones present in x.
func ReshapeDims(x *Tensor, dims ...shapes.Dim) *Tensor {
	return single(x.graph.AddOperator(&ReshapeAttrs{Dims: dims, UnknownIdx: -1}, x))
}

// Flatten merges the axes [startDim, endDim] of x. endDim can be negative, counting from the end.
func Flatten(x *Tensor, startDim, endDim int) *Tensor {
	return single(x.graph.AddOperator(&FlattenAttrs{StartDim: startDim, EndDim: endDim}, x))
}

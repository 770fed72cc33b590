// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMLP builds x[M,K] x w[N,K] + bias, followed by fast_gelu: the canonical fusion candidate.
func buildMLP(m, k, n int) *Graph {
	g := New("mlp")
	x := g.Input("x", shapes.Make(dtypes.Float16, m, k))
	w := g.Input("w", shapes.Make(dtypes.Float16, n, k))
	bias := g.Input("bias", shapes.Make(dtypes.Float16, n))
	y := FastGelu(Add(Gemm(LayoutRCR, x, w), bias))
	g.MarkOutput(y, "y")
	return g
}

func TestBuild(t *testing.T) {
	g := buildMLP(128, 1024, 64)
	require.NoError(t, g.Validate())
	ops := g.SortedOperators()
	require.Len(t, ops, 3)
	assert.Equal(t, OpKind("gemm"), ops[0].Kind())
	assert.Equal(t, OpKind("elementwise"), ops[1].Kind())
	assert.Equal(t, "gemm_0", ops[0].Name())
	assert.Equal(t, []int{128, 64}, ops[0].Output(0).Shape().Dimensions())

	y := g.TensorByName("y")
	require.NotNil(t, y)
	assert.True(t, y.IsOutput())
	assert.Equal(t, ops[2], y.Src())
	assert.Equal(t, []*Tensor{y}, g.Outputs())
	assert.Len(t, g.Inputs(), 3)
	assert.Equal(t, 1, g.TensorByName("x").NumUses())
}

func TestShapeInferenceErrors(t *testing.T) {
	g := New("errors")
	x := g.Input("x", shapes.Make(dtypes.Float16, 4, 8))
	w := g.Input("w", shapes.Make(dtypes.Float16, 16, 7))
	err := exceptions.TryCatch[error](func() { Gemm(LayoutRCR, x, w) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contracting dimensions")

	w32 := g.Input("w32", shapes.Make(dtypes.Float32, 16, 8))
	err = exceptions.TryCatch[error](func() { Gemm(LayoutRCR, x, w32) })
	require.Error(t, err)

	// Duplicate input names are rejected.
	err = exceptions.TryCatch[error](func() { g.Input("x", shapes.Make(dtypes.Float16, 1)) })
	require.Error(t, err)

	// Unknown epilogue.
	wOk := g.Input("w_ok", shapes.Make(dtypes.Float16, 16, 8))
	err = exceptions.TryCatch[error](func() {
		g.AddOperator(&GemmAttrs{Layout: LayoutRCR, Epilogue: "bias_softmax"}, x, wOk)
	})
	require.Error(t, err)

	// Conflicting dynamic bounds.
	g.Input("a", shapes.MakeDims(dtypes.Float16, shapes.Dynamic("batch", 1, 8)))
	err = exceptions.TryCatch[error](func() {
		g.Input("b", shapes.MakeDims(dtypes.Float16, shapes.Dynamic("batch", 1, 16)))
	})
	require.Error(t, err)

	// Dynamic dimensions without a symbol can't be bound, so they are rejected.
	err = exceptions.TryCatch[error](func() {
		g.Input("anonymous", shapes.MakeDims(dtypes.Float32, shapes.Dim{Min: 1, Max: 8}, shapes.Static(4)))
	})
	require.ErrorContains(t, err, "no symbol")
}

func TestAttributes(t *testing.T) {
	g := New("attrs")
	x := g.Input("x", shapes.MakeDims(dtypes.Float32, shapes.Dynamic("batch", 1, 4), shapes.Static(8), shapes.Static(8), shapes.Static(4)))
	w := g.Input("w", shapes.Make(dtypes.Float32, 6, 3, 3, 4))
	conv := Conv2d(x, w, 1, 1, 1, 1)
	assert.Equal(t, "(Float32)[batch:1..4 8 8 6]", conv.Shape().String())

	strided := Conv2d(x, w, 2, 0, 1, 1)
	assert.Equal(t, []int{3, 3, 6}, strided.Shape().MaxDimensions()[1:])

	wt := g.Input("wt", shapes.Make(dtypes.Float32, 2, 2, 2, 4))
	up := TransposedConv2d(x, wt, 2, 0, 1)
	assert.Equal(t, []int{16, 16, 2}, up.Shape().MaxDimensions()[1:])

	flat := Flatten(conv, 1, -1)
	assert.Equal(t, "(Float32)[batch:1..4 384]", flat.Shape().String())
	assert.Equal(t, conv, flat.ViewOf())

	m := g.Input("m", shapes.Make(dtypes.Float32, 2, 3, 4))
	r := Reshape(m, 6, -1)
	assert.Equal(t, []int{6, 4}, r.Shape().Dimensions())
	assert.Equal(t, m, r.StorageRoot())
	err := exceptions.TryCatch[error](func() { Reshape(m, 5, -1) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { Reshape(m, 5, 5) })
	require.Error(t, err)

	lhs := g.Input("lhs", shapes.Make(dtypes.Float32, 2, 3, 5))
	rhs := g.Input("rhs", shapes.Make(dtypes.Float32, 2, 5, 7))
	assert.Equal(t, []int{2, 3, 7}, Bmm(LayoutRRR, lhs, rhs).Shape().Dimensions())

	assert.Equal(t, OpKind("transposed_conv2d_bias_relu"), (&Conv2dAttrs{Transposed: true, Epilogue: EpilogueBiasRelu}).Kind())
	assert.Equal(t, OpKind("gemm_bias_add_relu"), (&GemmAttrs{Epilogue: EpilogueBiasAddRelu}).Kind())
	assert.Equal(t, FuncRelu, EpilogueBiasAddRelu.Activation())
	assert.True(t, EpilogueBiasAdd.HasResidual())
	assert.False(t, EpilogueAdd.HasBias())
	require.NoError(t, g.Validate())
}

func TestTopoSortTieBreak(t *testing.T) {
	g := New("order")
	x := g.Input("x", shapes.Make(dtypes.Float32, 4))
	a := Relu(x)
	b := Tanh(x)
	c := Add(b, a)
	g.MarkOutput(c, "c")
	names := []string{}
	for _, op := range g.SortedOperators() {
		names = append(names, op.Name())
	}
	assert.Equal(t, []string{"elementwise_0", "elementwise_1", "elementwise_2"}, names)
	pos := g.Position()
	assert.Equal(t, 2, pos[c.Src().ID()])
}

func TestRewrite(t *testing.T) {
	g := New("rewrite")
	x := g.Input("x", shapes.Make(dtypes.Float32, 2, 6))
	r := Reshape(x, 3, 4)
	y := Relu(r)
	unused := Tanh(x)
	g.MarkOutput(y, "y")
	assert.Equal(t, 2, x.NumUses())

	// Unreachable operators are pruned, inputs kept.
	assert.Equal(t, 1, g.PruneUnreachable())
	assert.Nil(t, g.TensorByName(unused.Name()))
	assert.Equal(t, 1, x.NumUses())
	require.NoError(t, g.Validate())

	// Replace the reshape's output by a view over x.
	reluOp := y.Src()
	g.ReplaceTensorUseWithView(reluOp, r, x, &Accessor{ViewShape: r.Shape(), Original: r.Name()})
	assert.Equal(t, 0, r.NumUses())
	assert.Equal(t, x, reluOp.Input(0))
	assert.Equal(t, []int{3, 4}, reluOp.InputShape(0).Dimensions())
	g.RemoveOperator(r.Src())
	require.NoError(t, g.Validate())
	assert.Equal(t, 1, g.NumOperators())

	// Removing an operator still in use panics.
	require.Error(t, exceptions.TryCatch[error](func() { g.RemoveOperator(reluOp) }))
}

func TestCloneIsIndependent(t *testing.T) {
	g := buildMLP(8, 16, 4)
	c := g.Clone()
	require.NoError(t, c.Validate())
	gemm := c.SortedOperators()[0]
	gemm.SetExecPaths([]ExecPath{{Kernel: "naive"}})
	assert.Empty(t, g.SortedOperators()[0].ExecPaths())
	assert.Equal(t, g.String(), c.String())
	assert.Same(t, c, gemm.Input(0).Graph())
}

func TestSerialize(t *testing.T) {
	g := New("ser")
	x := g.Input("x", shapes.MakeDims(dtypes.Float16, shapes.Dynamic("batch", 1, 32), shapes.Static(6)))
	bias := g.Input("bias", shapes.Make(dtypes.Float16, 4))
	w := g.Constant("w", shapes.Make(dtypes.Float16, 4, 6), make([]float32, 24))
	y := GemmWithEpilogue(LayoutRCR, EpilogueBiasRelu, x, w, bias)
	g.MarkOutput(y, "y")
	y.Src().SetExecPaths([]ExecPath{{Bindings: shapes.Bindings{"batch": 1}, Kernel: "blocked"}})

	var buf bytes.Buffer
	require.NoError(t, g.Write(&buf))
	decoded, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, g.String(), decoded.String())
	dy := decoded.TensorByName("y")
	require.NotNil(t, dy)
	assert.Equal(t, OpKind("gemm_bias_relu"), dy.Src().Kind())
	assert.Equal(t, "blocked", dy.Src().ExecPaths()[0].Kernel)
	assert.True(t, decoded.TensorByName("w").IsConstant())
	assert.Same(t, decoded, dy.Graph())

	_, err = Read(bytes.NewBufferString(`{"name":"bad","inputs":[],"operators":[{"family":"softmax","attrs":{}}]}`))
	require.Error(t, err)
}

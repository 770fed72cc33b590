// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func allRegistered(graph.OpKind) bool { return true }

// mlpGraph: y = fast_gelu(x . w^T + bias).
func mlpGraph() *graph.Graph {
	g := graph.New("mlp")
	x := g.Input("x", shapes.Make(dtypes.Float16, 128, 1024))
	w := g.Input("w", shapes.Make(dtypes.Float16, 64, 1024))
	bias := g.Input("bias", shapes.Make(dtypes.Float16, 64))
	y := graph.FastGelu(graph.Add(graph.Gemm(graph.LayoutRCR, x, w), bias))
	g.MarkOutput(y, "y")
	return g
}

func kinds(g *graph.Graph) []graph.OpKind {
	var result []graph.OpKind
	for _, op := range g.SortedOperators() {
		result = append(result, op.Kind())
	}
	return result
}

func TestFusion(t *testing.T) {
	g := mlpGraph()
	fused, err := RunPass(FuseEpilogues{IsRegistered: allRegistered}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"gemm_bias_fast_gelu"}, kinds(fused))
	y := fused.TensorByName("y")
	require.NotNil(t, y)
	assert.True(t, y.IsOutput())
	op := y.Src()
	require.NotNil(t, op)
	assert.Equal(t, []string{"x", "w", "bias"}, []string{op.Input(0).Name(), op.Input(1).Name(), op.Input(2).Name()})

	// The input graph is untouched.
	assert.Len(t, kinds(g), 3)

	// Only fuse into registered kinds: gemm_bias is available, but not gemm_bias_fast_gelu.
	partial, err := RunPass(FuseEpilogues{IsRegistered: func(kind graph.OpKind) bool {
		return kind == "gemm_bias"
	}}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"gemm_bias", "elementwise"}, kinds(partial))

	// Idempotent.
	again, err := RunPass(FuseEpilogues{IsRegistered: allRegistered}, fused)
	require.NoError(t, err)
	assert.Equal(t, fused.String(), again.String())
}

func TestFusionResidualChain(t *testing.T) {
	g := graph.New("residual")
	x := g.Input("x", shapes.Make(dtypes.Float32, 8, 16))
	w := g.Input("w", shapes.Make(dtypes.Float32, 16, 16))
	bias := g.Input("bias", shapes.Make(dtypes.Float32, 16))
	skip := graph.Tanh(x)
	y := graph.Relu(graph.Add(skip, graph.Add(graph.Gemm(graph.LayoutRRR, x, w), bias)))
	g.MarkOutput(y, "")

	fused, err := RunPass(FuseEpilogues{IsRegistered: allRegistered}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"elementwise", "gemm_bias_add_relu"}, kinds(fused))

	// A gemm whose output is also used elsewhere is not fused.
	g2 := graph.New("fanout")
	x2 := g2.Input("x", shapes.Make(dtypes.Float32, 8, 16))
	w2 := g2.Input("w", shapes.Make(dtypes.Float32, 16, 16))
	b2 := g2.Input("bias", shapes.Make(dtypes.Float32, 16))
	mm := graph.Gemm(graph.LayoutRRR, x2, w2)
	g2.MarkOutput(graph.Add(mm, b2), "biased")
	g2.MarkOutput(graph.Relu(mm), "relu")
	kept, err := RunPass(FuseEpilogues{IsRegistered: allRegistered}, g2)
	require.NoError(t, err)
	assert.Equal(t, kinds(g2), kinds(kept))
}

func TestFusionConv(t *testing.T) {
	g := graph.New("conv")
	x := g.Input("x", shapes.Make(dtypes.Float32, 1, 8, 8, 4))
	w := g.Input("w", shapes.Make(dtypes.Float32, 6, 3, 3, 4))
	bias := g.Input("bias", shapes.Make(dtypes.Float32, 6))
	y := graph.FastGelu(graph.Add(graph.Conv2d(x, w, 1, 1, 1, 1), bias))
	wt := g.Input("wt", shapes.Make(dtypes.Float32, 2, 2, 2, 6))
	bt := g.Input("bt", shapes.Make(dtypes.Float32, 2))
	z := graph.Relu(graph.Add(graph.TransposedConv2d(y, wt, 2, 0, 1), bt))
	g.MarkOutput(z, "z")

	fused, err := RunPass(FuseEpilogues{IsRegistered: allRegistered}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"conv2d_bias_fast_gelu", "transposed_conv2d_bias_relu"}, kinds(fused))
}

// reshapeGraph: y = relu(reshape(tanh(x))), the reshape's consumer accepts accessors.
func reshapeGraph() *graph.Graph {
	g := graph.New("views")
	x := g.Input("x", shapes.Make(dtypes.Float32, 4, 6))
	h := graph.Tanh(x)
	r := graph.Reshape(h, 2, 12)
	g.MarkOutput(graph.Relu(r), "y")
	return g
}

func TestElideViews(t *testing.T) {
	g := reshapeGraph()
	elided, err := RunPass(ElideViews{}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"elementwise", "elementwise"}, kinds(elided))
	assert.Nil(t, elided.TensorByName("reshape_0"), "reshape output must be removed")

	relu := elided.TensorByName("y").Src()
	acc := relu.InputAccessor(0)
	require.NotNil(t, acc)
	assert.Equal(t, "elementwise_0", relu.Input(0).Name())
	assert.Equal(t, []int{2, 12}, acc.ViewShape.Dimensions())
	assert.Equal(t, 0, acc.Offset)
	assert.Nil(t, acc.Strides)
	assert.Equal(t, "reshape_0", acc.Original)

	// Idempotent.
	again, err := RunPass(ElideViews{}, elided)
	require.NoError(t, err)
	assert.Equal(t, elided.String(), again.String())
}

func TestElideViewsIsAtomic(t *testing.T) {
	g := graph.New("atomic")
	x := g.Input("x", shapes.Make(dtypes.Float32, 4, 6))
	h := graph.Tanh(x)
	r := graph.Reshape(h, 24)
	// A reshape doesn't accept accessors, so the first reshape is kept for both of its consumers.
	g.MarkOutput(graph.Relu(r), "a")
	g.MarkOutput(graph.Reshape(r, 3, 8), "b")
	result, err := RunPass(ElideViews{}, g)
	require.NoError(t, err)
	assert.Equal(t, kinds(g), kinds(result))
	for _, op := range result.Operators() {
		for ii := range op.NumInputs() {
			assert.Nil(t, op.InputAccessor(ii))
		}
	}

	// Views of graph inputs and reshapes with an inferred axis are kept.
	g2 := graph.New("kept")
	x2 := g2.Input("x", shapes.Make(dtypes.Float32, 4, 6))
	g2.MarkOutput(graph.Relu(graph.Reshape(x2, 24)), "a")
	g2.MarkOutput(graph.Relu(graph.Reshape(graph.Tanh(x2), -1)), "b")
	result, err = RunPass(ElideViews{}, g2)
	require.NoError(t, err)
	assert.Equal(t, kinds(g2), kinds(result))
}

func TestElideViewChain(t *testing.T) {
	g := graph.New("chain")
	x := g.Input("x", shapes.Make(dtypes.Float32, 2, 3, 4))
	h := graph.Tanh(x)
	f := graph.Flatten(h, 0, 1)
	r := graph.Reshape(f, 24)
	g.MarkOutput(graph.Relu(r), "y")
	elided, err := RunPass(ElideViews{}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"elementwise", "elementwise"}, kinds(elided))
	relu := elided.TensorByName("y").Src()
	assert.Equal(t, []int{24}, relu.InputShape(0).Dimensions())
	assert.Equal(t, h.Name(), relu.Input(0).Name())
}

func TestEliminateDeadOps(t *testing.T) {
	g := graph.New("dead")
	x := g.Input("x", shapes.Make(dtypes.Float32, 4, 6))
	h := graph.Tanh(x)
	same := graph.Reshape(h, 4, 6)
	graph.Sigmoid(x) // Unreachable.
	g.MarkOutput(graph.Relu(same), "y")

	result, err := RunPass(EliminateDeadOps{}, g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"elementwise", "elementwise"}, kinds(result))
	relu := result.TensorByName("y").Src()
	assert.Equal(t, h.Name(), relu.Input(0).Name())
	assert.Nil(t, relu.InputAccessor(0))

	again, err := RunPass(EliminateDeadOps{}, result)
	require.NoError(t, err)
	assert.Equal(t, result.String(), again.String())
}

// simulateLiveness executes the graph in order, tracking which tensor occupies each slot, and fails
// if a slot is overwritten while its previous tenant is still going to be read.
func simulateLiveness(t *testing.T, g *graph.Graph) {
	intervals := Lifetimes(g)
	plan := g.MemoryPlan()
	require.NotNil(t, plan)
	occupant := make(map[int]graph.TensorID)
	for pos, op := range g.SortedOperators() {
		for _, input := range op.Inputs() {
			root := input.StorageRoot()
			if root.Slot() < 0 {
				continue
			}
			assert.Equal(t, root.ID(), occupant[root.Slot()], "slot %d was overwritten before %s was read", root.Slot(), root)
		}
		for _, output := range op.Outputs() {
			if output.Slot() < 0 {
				continue
			}
			if previous, found := occupant[output.Slot()]; found {
				assert.Less(t, intervals[previous].End, pos, "%s overwrites a live tensor", output)
			}
			occupant[output.Slot()] = output.ID()
			assert.LessOrEqual(t, int64(output.Shape().MaxMemory()), plan.Slots[output.Slot()].Size)
		}
	}
	for ii, slot := range plan.Slots {
		assert.Zero(t, slot.Offset%plan.Alignment)
		if ii > 0 {
			assert.Equal(t, plan.Slots[ii-1].Offset+plan.Slots[ii-1].Size, slot.Offset)
		}
	}
}

func TestPlanMemory(t *testing.T) {
	g := graph.New("memory")
	x := g.Input("x", shapes.MakeDims(dtypes.Float32, shapes.Dynamic("batch", 1, 8), shapes.Static(16)))
	a := graph.Tanh(x)    // a: [0, 2]
	b := graph.Relu(a)    // b: [1, 3]
	c := graph.Sigmoid(a) // c: [2, 3]
	d := graph.Add(b, c)  // d: [3, 6], extended by its views
	v := graph.ReshapeDims(d, shapes.Dynamic("batch", 1, 8), shapes.Static(4), shapes.Static(4))
	e := graph.Swish(graph.Flatten(v, 1, 2)) // e: [6, 7]
	g.MarkOutput(graph.Mul(e, e), "y")

	planned, err := RunPass(PlanMemory{Alignment: 128}, g)
	require.NoError(t, err)
	simulateLiveness(t, planned)
	plan := planned.MemoryPlan()
	assert.Equal(t, int64(128), plan.Alignment)
	// a and d can share a slot, as can b and e: at most 3 slots of 8*16*4 bytes.
	assert.Len(t, plan.Slots, 3)
	assert.Equal(t, int64(3*512), plan.TotalBytes)

	// Views take no slot, the view's base lives until the view's last consumer.
	assert.Equal(t, -1, planned.TensorByName(v.Name()).Slot())
	assert.Equal(t, 6, Lifetimes(planned)[d.ID()].End)
	assert.Equal(t, -1, planned.TensorByName("y").Slot())
	assert.Equal(t, -1, planned.TensorByName("x").Slot())

	again, err := RunPass(PlanMemory{Alignment: 128}, planned)
	require.NoError(t, err)
	assert.Equal(t, plan, again.MemoryPlan())
}

func TestPipeline(t *testing.T) {
	g := mlpGraph()
	p := NewPipeline(allRegistered, 0)
	assert.Equal(t, []string{"EliminateDeadOps", "ElideViews", "FuseEpilogues", "PlanMemory", "Sanitize"}, p.Passes())
	result, err := p.Run(g)
	require.NoError(t, err)
	assert.Equal(t, []graph.OpKind{"gemm_bias_fast_gelu"}, kinds(result))
	require.NotNil(t, result.MemoryPlan())

	unfused, err := p.WithoutFusion().Run(g)
	require.NoError(t, err)
	assert.Len(t, kinds(unfused), 3)
	simulateLiveness(t, unfused)

	// Re-running the pipeline on its own output doesn't change it.
	again, err := p.Run(result)
	require.NoError(t, err)
	assert.Equal(t, result.String(), again.String())
	assert.Equal(t, result.MemoryPlan(), again.MemoryPlan())
}

// randomGraph builds a DAG of gemms, elementwise ops and reshape round trips over tensors of shape
// [batch, 16], and marks a few of them as outputs. Unmarked branches are left dangling.
func randomGraph(rng *rand.Rand, name string) *graph.Graph {
	g := graph.New(name)
	batch := shapes.Dynamic("batch", 1, 8)
	if rng.IntN(2) == 0 {
		batch = shapes.Static(4)
	}
	pool := []*graph.Tensor{g.Input("x", shapes.MakeDims(dtypes.Float32, batch, shapes.Static(16)))}
	pick := func() *graph.Tensor { return pool[rng.IntN(len(pool))] }
	numOps := 3 + rng.IntN(12)
	for ii := range numOps {
		var t *graph.Tensor
		switch rng.IntN(7) {
		case 0:
			w := g.Input(fmt.Sprintf("w%d", ii), shapes.Make(dtypes.Float32, 16, 16))
			t = graph.Gemm(graph.LayoutRCR, pick(), w)
		case 1:
			bias := g.Input(fmt.Sprintf("bias%d", ii), shapes.Make(dtypes.Float32, 16))
			t = graph.Add(pick(), bias)
		case 2:
			t = graph.Add(pick(), pick())
		case 3:
			t = graph.Mul(pick(), pick())
		case 4:
			v := graph.ReshapeDims(pick(), batch, shapes.Static(4), shapes.Static(4))
			t = graph.Flatten(v, 1, 2)
		default:
			unary := []func(*graph.Tensor) *graph.Tensor{graph.Relu, graph.FastGelu, graph.Swish, graph.Sigmoid, graph.Tanh}
			t = unary[rng.IntN(len(unary))](pick())
		}
		pool = append(pool, t)
	}
	produced := pool[1:]
	g.MarkOutput(produced[len(produced)-1], "out")
	for ii := range rng.IntN(3) {
		g.MarkOutput(produced[rng.IntN(len(produced))], fmt.Sprintf("extra%d", ii))
	}
	return g
}

func outputNames(g *graph.Graph) []string {
	var names []string
	for _, t := range g.Outputs() {
		names = append(names, t.Name())
	}
	return names
}

func TestPipelineRandomGraphs(t *testing.T) {
	for seed := range uint64(200) {
		rng := rand.New(rand.NewPCG(seed, 0x5eed))
		g := randomGraph(rng, fmt.Sprintf("random_%d", seed))
		require.NoError(t, g.Validate(), "seed %d", seed)
		for _, p := range []*Pipeline{NewPipeline(allRegistered, 0), NewPipeline(allRegistered, 64).WithoutFusion()} {
			result, err := p.Run(g)
			require.NoError(t, err, "seed %d:\n%s", seed, g)
			require.NoError(t, result.Validate(), "seed %d", seed)
			assert.ElementsMatch(t, outputNames(g), outputNames(result), "seed %d", seed)

			// Producers run before their consumers.
			position := make(map[graph.OperatorID]int)
			for pos, op := range result.SortedOperators() {
				position[op.ID()] = pos
				for _, input := range op.Inputs() {
					if src := input.Src(); src != nil {
						srcPos, found := position[src.ID()]
						require.True(t, found, "seed %d: %s runs before its input %s is produced", seed, op.Name(), input)
						assert.Less(t, srcPos, pos)
					}
				}
			}

			// Deterministic and idempotent.
			rerun, err := p.Run(g)
			require.NoError(t, err)
			assert.Equal(t, result.String(), rerun.String(), "seed %d", seed)
			again, err := p.Run(result)
			require.NoError(t, err, "seed %d", seed)
			assert.Equal(t, result.String(), again.String(), "seed %d", seed)
			assert.Equal(t, result.MemoryPlan(), again.MemoryPlan(), "seed %d", seed)

			simulateLiveness(t, result)
		}
	}
}

type panickyPass struct{}

func (panickyPass) Name() string { return "Panicky" }
func (panickyPass) Run(g *graph.Graph) (*graph.Graph, error) {
	g = g.Clone()
	op := g.SortedOperators()[0]
	g.RemoveOperator(op) // Output still in use: invariant violation.
	return g, nil
}

func TestRunPassConvertsPanics(t *testing.T) {
	_, err := RunPass(panickyPass{}, mlpGraph())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Panicky")
	assert.Contains(t, err.Error(), "still in use")
}

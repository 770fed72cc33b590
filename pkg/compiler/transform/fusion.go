// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"k8s.io/klog/v2"
)

// FuseEpilogues merges elementwise epilogues (bias add, activation, residual add) into the preceding
// gemm, bmm or convolution, by switching the operator to the fused kind. E.g.: gemm followed by a bias add
// and fast_gelu becomes one "gemm_bias_fast_gelu" operator.
//
// Fusion is only applied when the compute operator's output has a single consumer (the epilogue), is not a
// graph output, and when the fused kind is registered for the active target. Chains are fused to a fixed point.
type FuseEpilogues struct {
	// IsRegistered reports whether a kernel is available for the fused kind. If nil, all kinds are accepted.
	IsRegistered func(graph.OpKind) bool
}

// Name implements Pass.
func (FuseEpilogues) Name() string { return "FuseEpilogues" }

// transitions lists, per family and current epilogue, the epilogue reached by absorbing an
// activation (keyed by function) or a binary add (keyed by "bias" or "residual").
var transitions = map[graph.Family]map[graph.Epilogue]map[string]graph.Epilogue{
	graph.FamilyGemm: {
		graph.EpilogueNone: {"bias": graph.EpilogueBias},
		graph.EpilogueBias: {
			string(graph.FuncRelu):     graph.EpilogueBiasRelu,
			string(graph.FuncFastGelu): graph.EpilogueBiasFastGelu,
			string(graph.FuncSwish):    graph.EpilogueBiasSwish,
			string(graph.FuncSigmoid):  graph.EpilogueBiasSigmoid,
			string(graph.FuncTanh):     graph.EpilogueBiasTanh,
			"residual":                 graph.EpilogueBiasAdd,
		},
		graph.EpilogueBiasAdd: {string(graph.FuncRelu): graph.EpilogueBiasAddRelu},
	},
	graph.FamilyBmm: {
		graph.EpilogueNone: {"residual": graph.EpilogueAdd},
	},
	graph.FamilyConv2d: {
		graph.EpilogueNone: {"bias": graph.EpilogueBias},
		graph.EpilogueBias: {
			string(graph.FuncRelu):     graph.EpilogueBiasRelu,
			string(graph.FuncFastGelu): graph.EpilogueBiasFastGelu,
		},
	},
	graph.FamilyTransposedConv2d: {
		graph.EpilogueNone: {"bias": graph.EpilogueBias},
		graph.EpilogueBias: {string(graph.FuncRelu): graph.EpilogueBiasRelu},
	},
}

// epilogueOf returns the current epilogue of a fusable compute operator.
func epilogueOf(attrs graph.Attributes) (graph.Epilogue, bool) {
	switch a := attrs.(type) {
	case *graph.GemmAttrs:
		return a.Epilogue, true
	case *graph.BmmAttrs:
		return a.Epilogue, true
	case *graph.Conv2dAttrs:
		return a.Epilogue, true
	}
	return "", false
}

// withEpilogue returns a copy of the attributes with the epilogue changed.
func withEpilogue(attrs graph.Attributes, epilogue graph.Epilogue) graph.Attributes {
	c := attrs.Clone()
	switch a := c.(type) {
	case *graph.GemmAttrs:
		a.Epilogue = epilogue
	case *graph.BmmAttrs:
		a.Epilogue = epilogue
	case *graph.Conv2dAttrs:
		a.Epilogue = epilogue
	}
	return c
}

// fusion is a planned rewrite of producer absorbing the epilogue operator.
type fusion struct {
	producer, epilogue *graph.Operator
	attrs              graph.Attributes
	operand            *graph.Tensor // nil for activations.
}

// planFusion checks whether the epilogue operator can be absorbed by the producer of its input.
func (p FuseEpilogues) planFusion(epilogue *graph.Operator) *fusion {
	ew, ok := epilogue.Attributes().(*graph.ElementwiseAttrs)
	if !ok {
		return nil
	}
	for ii := range epilogue.NumInputs() {
		if epilogue.InputAccessor(ii) != nil {
			return nil
		}
	}
	for ii, candidate := range epilogue.Inputs() {
		producer := candidate.Src()
		if producer == nil || candidate.IsOutput() || candidate.NumUses() != 1 {
			continue
		}
		current, ok := epilogueOf(producer.Attributes())
		if !ok {
			continue
		}
		table := transitions[producer.Attributes().Family()][current]
		var key string
		var operand *graph.Tensor
		switch {
		case ew.Func.Arity() == 1:
			key = string(ew.Func)
		case ew.Func == graph.FuncAdd:
			operand = epilogue.Input(1 - ii)
			outShape := candidate.Shape()
			if operand.Shape().Rank() == 1 && operand.Shape().Dims[0] == outShape.Dim(-1) &&
				(operand.IsInput() || operand.IsConstant()) && operand.DType() == outShape.DType {
				key = "bias"
			} else if operand.Shape().Equal(outShape) {
				key = "residual"
			}
		}
		next, found := table[key]
		if !found || key == "" {
			continue
		}
		attrs := withEpilogue(producer.Attributes(), next)
		if p.IsRegistered != nil && !p.IsRegistered(attrs.Kind()) {
			klog.V(2).Infof("FuseEpilogues: %s not registered, not fusing %s into %s", attrs.Kind(), epilogue.Name(), producer.Name())
			continue
		}
		return &fusion{producer: producer, epilogue: epilogue, attrs: attrs, operand: operand}
	}
	return nil
}

func (f *fusion) apply(g *graph.Graph) {
	inputs := f.producer.Inputs()
	if f.operand != nil {
		inputs = append(inputs, f.operand)
	}
	g.SetAttributes(f.producer, f.attrs, inputs...)
	g.ReplaceOutputs(f.epilogue.Output(0), f.producer.Output(0))
	g.RemoveOperator(f.epilogue)
}

// Run implements Pass.
func (p FuseEpilogues) Run(g *graph.Graph) (*graph.Graph, error) {
	g = g.Clone()
	fused := 0
	for {
		var next *fusion
		for _, op := range g.SortedOperators() {
			if next = p.planFusion(op); next != nil {
				break
			}
		}
		if next == nil {
			break
		}
		klog.V(2).Infof("%s: %s absorbs %s, now %s", p.Name(), next.producer.Name(), next.epilogue.Name(), next.attrs.Kind())
		next.apply(g)
		fused++
	}
	if fused > 0 {
		klog.V(1).Infof("%s: fused %d epilogues", p.Name(), fused)
	}
	g.TopoSort()
	return g, nil
}

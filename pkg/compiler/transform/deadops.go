// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"k8s.io/klog/v2"
)

// EliminateDeadOps removes operators that don't contribute to any graph output, and view operators
// (reshape, flatten) with fully known target dimensions that don't change the shape of their input:
// their consumers are rerouted to the original input.
type EliminateDeadOps struct{}

// Name implements Pass.
func (EliminateDeadOps) Name() string { return "EliminateDeadOps" }

// isNoOpView returns whether op is a reshape-like operator that leaves its input unchanged.
func isNoOpView(op *graph.Operator) bool {
	if !op.IsView() {
		return false
	}
	if reshape, ok := op.Attributes().(*graph.ReshapeAttrs); ok && reshape.UnknownIdx != -1 {
		return false
	}
	return op.Output(0).Shape().Equal(op.Input(0).Shape())
}

// Run implements Pass.
func (p EliminateDeadOps) Run(g *graph.Graph) (*graph.Graph, error) {
	g = g.Clone()
	pruned := g.PruneUnreachable()
	removed := 0
	for _, op := range g.SortedOperators() {
		if !isNoOpView(op) {
			continue
		}
		input, output := op.Input(0), op.Output(0)
		if output.IsOutput() {
			// Outputs are bound by name, the operator stays to provide the tensor.
			continue
		}
		// Dst lists an operator once per use, and ReplaceTensorUse rewires all its uses at once.
		for _, consumer := range output.Dst() {
			if containsInput(consumer, output) {
				g.ReplaceTensorUse(consumer, output, input)
			}
		}
		g.RemoveOperator(op)
		removed++
	}
	if pruned+removed > 0 {
		klog.V(1).Infof("%s: pruned %d unreachable operators, removed %d no-op views", p.Name(), pruned, removed)
	}
	g.TopoSort()
	return g, nil
}

func containsInput(op *graph.Operator, t *graph.Tensor) bool {
	for _, input := range op.Inputs() {
		if input == t {
			return true
		}
	}
	return false
}

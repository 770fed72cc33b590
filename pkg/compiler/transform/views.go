// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"slices"

	"github.com/gomlx/tensorforge/pkg/core/graph"
	"k8s.io/klog/v2"
)

// ElideViews removes view operators (reshape, flatten) whose consumers can all read their input through
// an accessor: each consumer is rewired to read the view's input directly, with an Accessor describing
// the view, and the view operator and its output tensor are deleted.
//
// A view is elided atomically: if any consumer can't take an accessor, it is kept as is. Views of graph
// inputs, views that are graph outputs and reshapes with an inferred dimension are also kept.
type ElideViews struct{}

// Name implements Pass.
func (ElideViews) Name() string { return "ElideViews" }

// canElide returns whether the view operator can be removed.
func canElide(op *graph.Operator) bool {
	if !op.IsView() {
		return false
	}
	if reshape, ok := op.Attributes().(*graph.ReshapeAttrs); ok && reshape.UnknownIdx != -1 {
		return false
	}
	input, output := op.Input(0), op.Output(0)
	if input.IsInput() || output.IsOutput() || output.NumUses() == 0 {
		return false
	}
	for _, consumer := range output.Dst() {
		if !consumer.AcceptsInputAccessors() {
			return false
		}
	}
	return true
}

// Run implements Pass.
func (p ElideViews) Run(g *graph.Graph) (*graph.Graph, error) {
	g = g.Clone()
	elided := 0
	for {
		// Views are visited from the last one, so chains of views collapse into composed accessors.
		changed := false
		for _, op := range slices.Backward(g.SortedOperators()) {
			if !canElide(op) {
				continue
			}
			input, output := op.Input(0), op.Output(0)
			accessor := &graph.Accessor{
				ViewShape: output.Shape().Clone(),
				Original:  output.Name(),
			}
			consumers := slices.Compact(slices.SortedFunc(slices.Values(output.Dst()),
				func(a, b *graph.Operator) int { return int(a.ID() - b.ID()) }))
			for _, consumer := range consumers {
				g.ReplaceTensorUseWithView(consumer, output, input, accessor)
			}
			klog.V(2).Infof("%s: elided %s, %d consumers read %s through an accessor", p.Name(), op.Name(), len(consumers), input.Name())
			g.RemoveOperator(op)
			elided++
			changed = true
			break
		}
		if !changed {
			break
		}
	}
	if elided > 0 {
		g.PruneUnreachable()
		klog.V(1).Infof("%s: elided %d views", p.Name(), elided)
	}
	g.TopoSort()
	return g, nil
}

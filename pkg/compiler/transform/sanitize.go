// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/gomlx/tensorforge/pkg/core/graph"
)

// Sanitize restores the invariants expected by code generation: unreachable operators are pruned,
// the execution order is recomputed and the graph is validated. If pruning invalidated the memory
// plan, it is recomputed with the same alignment.
type Sanitize struct{}

// Name implements Pass.
func (Sanitize) Name() string { return "Sanitize" }

// Run implements Pass.
func (Sanitize) Run(g *graph.Graph) (*graph.Graph, error) {
	g = g.Clone()
	plan := g.MemoryPlan()
	if g.PruneUnreachable() > 0 && plan != nil {
		var err error
		g, err = PlanMemory{Alignment: plan.Alignment}.Run(g)
		if err != nil {
			return nil, err
		}
	}
	g.TopoSort()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

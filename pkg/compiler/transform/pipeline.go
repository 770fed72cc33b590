// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform implements the rewrite passes applied to a graph before kernel selection.
//
// Each Pass is pure: it clones the given graph and returns the rewritten copy, leaving its input
// untouched. Passes are idempotent: running a pass on a graph already in its post-condition
// returns an equivalent graph.
//
// The Pipeline runs, in order: EliminateDeadOps, ElideViews, FuseEpilogues, PlanMemory and Sanitize.
package transform

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is one graph rewrite.
type Pass interface {
	// Name of the pass, for logging and error messages.
	Name() string

	// Run returns the rewritten graph. The input graph is not modified.
	Run(g *graph.Graph) (*graph.Graph, error)
}

// Pipeline is the fixed, ordered list of passes run once per compilation.
type Pipeline struct {
	passes []Pass
}

// NewPipeline returns the default pipeline. isRegistered reports whether a (fused) operator kind
// has a kernel registered for the active target, and gates fusion.
func NewPipeline(isRegistered func(graph.OpKind) bool, alignment int64) *Pipeline {
	return &Pipeline{passes: []Pass{
		EliminateDeadOps{},
		ElideViews{},
		FuseEpilogues{IsRegistered: isRegistered},
		PlanMemory{Alignment: alignment},
		Sanitize{},
	}}
}

// WithoutFusion returns a copy of the pipeline without the fusion pass. Used for diagnostics and
// for computing unfused reference results.
func (p *Pipeline) WithoutFusion() *Pipeline {
	c := &Pipeline{}
	for _, pass := range p.passes {
		if _, isFusion := pass.(FuseEpilogues); isFusion {
			continue
		}
		c.passes = append(c.passes, pass)
	}
	return c
}

// Passes returns the names of the passes, in order.
func (p *Pipeline) Passes() []string {
	names := make([]string, len(p.passes))
	for ii, pass := range p.passes {
		names[ii] = pass.Name()
	}
	return names
}

// Run all passes in order. The resulting graph is validated after each pass, and any invariant violation
// (returned or raised as a panic by the graph) is returned as an error naming the pass.
func (p *Pipeline) Run(g *graph.Graph) (*graph.Graph, error) {
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid input graph")
	}
	current := g
	for _, pass := range p.passes {
		klog.V(1).Infof("transform: running %s on %q (%d operators)", pass.Name(), current.Name(), current.NumOperators())
		next, err := RunPass(pass, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// RunPass runs a single pass, converting panics to errors and validating the result.
func RunPass(pass Pass, g *graph.Graph) (result *graph.Graph, err error) {
	var runErr error
	err = exceptions.TryCatch[error](func() {
		result, runErr = pass.Run(g)
	})
	if err == nil {
		err = runErr
	}
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "transform pass %s", pass.Name())
	}
	return result, nil
}

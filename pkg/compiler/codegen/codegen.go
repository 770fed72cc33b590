// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codegen turns a transformed and profiled graph into a backends.Program, and builds the program
// into a loadable artifact with the target's toolchain.
package codegen

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CallIndent is the indentation, in spaces, of the call statements in the entry point.
const CallIndent = 4

// Generate walks the sorted graph once and renders, for every operator, its declaration, one function
// body per selected candidate and its call statement.
//
// Operators must have been profiled (see profiler.Engine.Profile) and the graph's memory planned. Every
// selected candidate is checked again against the filter of its kernel for the shapes it was selected
// for: a failure is fatal.
func Generate(g *graph.Graph, target backends.Target) (*backends.Program, error) {
	platform := target.Platform()
	prog := &backends.Program{
		Name:     g.Name(),
		BuildID:  uuid.NewString(),
		Target:   target.Name(),
		Variant:  target.Variant(),
		Platform: platform,
		Memory:   g.MemoryPlan().Clone(),
	}
	for _, t := range g.Inputs() {
		prog.Inputs = append(prog.Inputs, t.Name())
	}
	for _, t := range g.Outputs() {
		prog.Outputs = append(prog.Outputs, t.Name())
	}
	for _, t := range g.Tensors() {
		pt, err := programTensor(t, prog.Memory)
		if err != nil {
			return nil, err
		}
		prog.Tensors = append(prog.Tensors, pt)
	}
	for _, op := range g.SortedOperators() {
		fn, err := generateFunction(op, platform)
		if err != nil {
			return nil, err
		}
		for _, path := range fn.ExecPaths {
			prog.Workspace = max(prog.Workspace, path.Workspace)
		}
		prog.Functions = append(prog.Functions, fn)
	}
	klog.V(1).Infof("codegen: program %s for %s: %d functions, %d tensors (build %s)",
		prog.Name, platform, len(prog.Functions), len(prog.Tensors), prog.BuildID)
	return prog, nil
}

// programTensor describes the storage of the tensor.
func programTensor(t *graph.Tensor, plan *graph.MemoryPlan) (*backends.ProgramTensor, error) {
	pt := &backends.ProgramTensor{Name: t.Name(), Shape: t.Shape().Clone(), Slot: -1}
	switch {
	case t.IsInput():
		pt.Role = backends.RoleInput
	case t.IsConstant():
		pt.Role = backends.RoleConstant
		data, ok := t.ConstantData().([]float32)
		if !ok {
			return nil, errors.Errorf("constant %q holds %T, expected []float32", t.Name(), t.ConstantData())
		}
		pt.Data = data
	case t.IsOutput():
		pt.Role = backends.RoleOutput
	case t.ViewOf() != nil:
		pt.Role = backends.RoleView
		pt.ViewOf = t.StorageRoot().Name()
	default:
		pt.Role = backends.RoleIntermediate
		if plan == nil || t.Slot() < 0 || t.Slot() >= len(plan.Slots) {
			return nil, errors.Errorf("intermediate tensor %q has no memory slot, was the memory planned?", t.Name())
		}
		pt.Slot = t.Slot()
	}
	return pt, nil
}

// generateFunction renders the code of one operator.
func generateFunction(op *graph.Operator, platform string) (*backends.Function, error) {
	kernel, err := backends.LookupKernel(platform, op.Kind())
	if err != nil {
		return nil, errors.WithMessagef(err, "generating %s", op.Name())
	}
	paths := slices.Clone(op.ExecPaths())
	if len(paths) == 0 {
		return nil, errors.Errorf("operator %s (%s) has no execution path, it must be profiled first", op.Name(), op.Kind())
	}
	slices.SortStableFunc(paths, func(a, b graph.ExecPath) int { return compareBindings(a.Bindings, b.Bindings) })

	candidates, err := kernel.Config(op)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuring candidates of %s", op.Name())
	}
	selected := sets.Make[string]()
	for _, path := range paths {
		idx := slices.IndexFunc(candidates, func(c backends.KernelCandidate) bool { return c.Name == path.Kernel })
		if idx < 0 {
			return nil, errors.Errorf("operator %s: selected candidate %q is not a candidate of %s on %s",
				op.Name(), path.Kernel, op.Kind(), platform)
		}
		concrete, err := backends.ConcreteShapes(op, path.Bindings)
		if err != nil {
			return nil, err
		}
		if !kernel.Filter(candidates[idx], op, concrete) {
			return nil, errors.Errorf("operator %s: candidate %s can't run shapes %s",
				op.Name(), path.Kernel, backends.ShapeSignature(concrete))
		}
		selected.Insert(path.Kernel)
	}

	attrs, err := json.Marshal(op.Attributes())
	if err != nil {
		return nil, errors.Wrapf(err, "serializing attributes of %s", op.Name())
	}
	fn := &backends.Function{
		Name:      op.Name(),
		Kind:      op.Kind(),
		Family:    op.Attributes().Family(),
		Attrs:     attrs,
		Bodies:    make(map[string]string),
		ExecPaths: paths,
	}
	hasAccessors := false
	for ii, input := range op.Inputs() {
		fn.Inputs = append(fn.Inputs, input.Name())
		fn.Accessors = append(fn.Accessors, op.InputAccessor(ii).Clone())
		hasAccessors = hasAccessors || op.InputAccessor(ii) != nil
	}
	if !hasAccessors {
		fn.Accessors = nil
	}
	for _, output := range op.Outputs() {
		fn.Outputs = append(fn.Outputs, output.Name())
	}
	if fn.Decl, err = kernel.GenFunctionDecl(op); err != nil {
		return nil, errors.WithMessagef(err, "declaring %s", op.Name())
	}
	if fn.Call, err = kernel.GenFunctionCall(op, CallIndent); err != nil {
		return nil, errors.WithMessagef(err, "calling %s", op.Name())
	}
	for _, c := range candidates {
		if !selected.Has(c.Name) {
			continue
		}
		body, err := kernel.GenFunction(op, c)
		if err != nil {
			return nil, errors.WithMessagef(err, "generating %s with candidate %s", op.Name(), c.Name)
		}
		fn.Bodies[c.Name] = body
		fn.Candidates = append(fn.Candidates, c)
	}
	return fn, nil
}

// compareBindings orders bindings by their values, in the order of their sorted symbols.
func compareBindings(a, b shapes.Bindings) int {
	symbols := slices.Sorted(maps.Keys(a))
	for _, symbol := range symbols {
		if a[symbol] != b[symbol] {
			return a[symbol] - b[symbol]
		}
	}
	return len(a) - len(b)
}

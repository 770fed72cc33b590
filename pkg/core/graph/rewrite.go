// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// ReplaceTensorUse redirects every input slot of op that reads oldT to read newT instead.
// The shapes must be equal. Consumer lists of both tensors are updated.
func (g *Graph) ReplaceTensorUse(op *Operator, oldT, newT *Tensor) {
	g.checkOwned(oldT)
	g.checkOwned(newT)
	if !oldT.shape.Equal(newT.shape) {
		exceptions.Panicf("graph %q: can't replace %s by %s in %s: shapes differ", g.name, oldT, newT, op.name)
	}
	g.replaceInput(op, oldT, newT, nil, false)
}

// ReplaceTensorUseWithView redirects every input slot of op reading oldT to read newT through the
// given accessor, whose ViewShape must equal oldT's shape. The operator must accept input accessors.
func (g *Graph) ReplaceTensorUseWithView(op *Operator, oldT, newT *Tensor, accessor *Accessor) {
	g.checkOwned(oldT)
	g.checkOwned(newT)
	if !op.AcceptsInputAccessors() {
		exceptions.Panicf("graph %q: operator %s doesn't accept input accessors", g.name, op.name)
	}
	if !accessor.ViewShape.Equal(oldT.shape) {
		exceptions.Panicf("graph %q: accessor shape %s doesn't match replaced tensor %s", g.name, accessor.ViewShape, oldT)
	}
	if accessor.ViewShape.MaxSize() > newT.shape.MaxSize() {
		exceptions.Panicf("graph %q: accessor %s is larger than storage tensor %s", g.name, accessor, newT)
	}
	g.replaceInput(op, oldT, newT, accessor, true)
}

func (g *Graph) replaceInput(op *Operator, oldT, newT *Tensor, accessor *Accessor, setAccessor bool) {
	replaced := 0
	for ii, id := range op.inputs {
		if id != oldT.id {
			continue
		}
		op.inputs[ii] = newT.id
		if setAccessor {
			op.accessors[ii] = composeAccessors(op.accessors[ii], accessor)
		}
		newT.dst = append(newT.dst, op.id)
		replaced++
	}
	if replaced == 0 {
		exceptions.Panicf("graph %q: operator %s doesn't use tensor %s", g.name, op.name, oldT)
	}
	oldT.dst = slices.DeleteFunc(oldT.dst, func(dst OperatorID) bool { return dst == op.id })
	g.invalidate()
}

// composeAccessors returns the accessor for reading through slot (a view over the old tensor) when the
// old tensor is itself a view over the new storage. A nil slot accessor means the old tensor was read densely.
func composeAccessors(slot, view *Accessor) *Accessor {
	if slot == nil {
		return view.Clone()
	}
	if view.Strides != nil {
		exceptions.Panicf("can't compose accessor %s over strided accessor %s", slot, view)
	}
	composed := slot.Clone()
	composed.Offset += view.Offset
	return composed
}

// ReplaceOutputs makes every consumer of oldT (and the graph output list, if oldT is an output) use newT.
// Shapes must be equal. oldT is left unused.
func (g *Graph) ReplaceOutputs(oldT, newT *Tensor) {
	for _, dst := range slices.Compact(slices.Sorted(slices.Values(oldT.dst))) {
		g.ReplaceTensorUse(g.operators[dst], oldT, newT)
	}
	if oldT.isOutput {
		idx := slices.Index(g.outputs, oldT.id)
		g.outputs[idx] = newT.id
		oldT.isOutput = false
		newT.isOutput = true
		// Outputs are bound by name, so newT takes over the name.
		delete(g.tensorNames, oldT.name)
		delete(g.tensorNames, newT.name)
		newT.name, oldT.name = oldT.name, newT.name
		g.tensorNames[newT.name] = newT.id
		g.tensorNames[oldT.name] = oldT.id
	}
	g.invalidate()
}

// SetAttributes replaces the attributes of op (e.g. to change its epilogue) and its inputs.
// Output shapes must not change.
func (g *Graph) SetAttributes(op *Operator, attrs Attributes, inputs ...*Tensor) {
	for _, input := range inputs {
		g.checkOwned(input)
	}
	previous := op.Inputs()
	previousAccessors := op.accessors
	for _, input := range previous {
		input.dst = slices.DeleteFunc(input.dst, func(dst OperatorID) bool { return dst == op.id })
	}
	op.inputs = make([]TensorID, len(inputs))
	op.accessors = make([]*Accessor, len(inputs))
	for ii, input := range inputs {
		op.inputs[ii] = input.id
		input.dst = append(input.dst, op.id)
		// Keep the accessor of slots that still read the same tensor.
		if ii < len(previous) && previous[ii] == input {
			op.accessors[ii] = previousAccessors[ii]
		}
	}
	op.attrs = attrs
	outputShapes, err := attrs.InferShapes(op.InputShapes())
	if err != nil {
		panic(err)
	}
	for ii, output := range op.Outputs() {
		if !output.shape.Equal(outputShapes[ii]) {
			exceptions.Panicf("graph %q: changing attributes of %s changed output shape from %s to %s",
				g.name, op.name, output.shape, outputShapes[ii])
		}
	}
	g.invalidate()
}

// RemoveOperator removes op and its outputs from the graph. Its outputs must have no consumers
// and must not be graph outputs.
func (g *Graph) RemoveOperator(op *Operator) {
	if g.operators[op.id] != op {
		exceptions.Panicf("graph %q: operator %s doesn't belong to the graph", g.name, op.name)
	}
	for _, output := range op.Outputs() {
		if len(output.dst) > 0 || output.isOutput {
			exceptions.Panicf("graph %q: can't remove %s, output %s is still in use", g.name, op.name, output)
		}
	}
	for _, input := range op.Inputs() {
		input.dst = slices.DeleteFunc(input.dst, func(dst OperatorID) bool { return dst == op.id })
	}
	for _, output := range op.Outputs() {
		g.removeTensor(output)
	}
	g.operators[op.id] = nil
	g.invalidate()
}

func (g *Graph) removeTensor(t *Tensor) {
	delete(g.tensorNames, t.name)
	g.tensors[t.id] = nil
}

// PruneUnreachable removes operators that don't contribute to any graph output, and their tensors.
// Inputs and constants are never removed. It returns the number of removed operators.
func (g *Graph) PruneUnreachable() int {
	reachable := make([]bool, len(g.operators))
	stack := slices.Clone(g.outputs)
	seen := make([]bool, len(g.tensors))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		t := g.tensors[id]
		if t.src == NoOperator || reachable[t.src] {
			continue
		}
		reachable[t.src] = true
		stack = append(stack, g.operators[t.src].inputs...)
	}

	// Remove in reverse topological order, so consumers go before producers.
	ops, err := g.topoSort()
	if err != nil {
		panic(err)
	}
	removed := 0
	for _, op := range slices.Backward(ops) {
		if reachable[op.id] {
			continue
		}
		g.RemoveOperator(op)
		removed++
	}
	return removed
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the intermediate representation of a tensor program: a directed acyclic graph
// of Operator nodes connected by Tensor values.
//
// Tensors and operators live in arenas owned by the Graph and refer to each other by ids, so a Graph can be
// cloned cheaply and rewritten by the transform passes without dangling pointers. Removed nodes leave a
// hole in the arena, and ids are never reused.
//
// Builder methods (Graph.Input, Graph.AddOperator, Gemm, ...) panic with an error on invalid
// arguments, following the exceptions package convention. Use exceptions.TryCatch to convert them.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Graph holds a tensor program.
type Graph struct {
	name string

	tensors   []*Tensor   // Indexed by TensorID, nil for removed tensors.
	operators []*Operator // Indexed by OperatorID, nil for removed operators.
	outputs   []TensorID

	tensorNames map[string]TensorID
	opNames     map[string]int

	symbols *shapes.SymbolTable

	// sorted is the cached topological order, invalidated by any mutation.
	sorted []OperatorID

	memoryPlan *MemoryPlan
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:        name,
		tensorNames: make(map[string]TensorID),
		opNames:     make(map[string]int),
		symbols:     shapes.NewSymbolTable(),
	}
}

// Name of the graph, used to name the generated artifacts.
func (g *Graph) Name() string { return g.name }

// Symbols returns the table of dynamic dimensions used in the graph.
func (g *Graph) Symbols() *shapes.SymbolTable { return g.symbols }

// MemoryPlan returns the plan computed by the memory planning pass, or nil.
func (g *Graph) MemoryPlan() *MemoryPlan { return g.memoryPlan }

// SetMemoryPlan is used by the memory planning pass.
func (g *Graph) SetMemoryPlan(plan *MemoryPlan) { g.memoryPlan = plan }

func (g *Graph) invalidate() {
	g.sorted = nil
	g.memoryPlan = nil
}

// uniqueTensorName returns name if it is not taken, otherwise name with a numeric suffix.
func (g *Graph) uniqueTensorName(name string) string {
	if _, found := g.tensorNames[name]; !found {
		return name
	}
	for ii := 1; ; ii++ {
		candidate := fmt.Sprintf("%s_%d", name, ii)
		if _, found := g.tensorNames[candidate]; !found {
			return candidate
		}
	}
}

func (g *Graph) newTensor(name string, shape shapes.Shape) *Tensor {
	if err := shape.Check(); err != nil {
		exceptions.Panicf("graph %q: invalid shape %s for tensor %q: %v", g.name, shape, name, err)
	}
	if err := g.symbols.Register(shape); err != nil {
		panic(errors.WithMessagef(err, "graph %q: tensor %q", g.name, name))
	}
	t := &Tensor{
		graph:  g,
		id:     TensorID(len(g.tensors)),
		name:   g.uniqueTensorName(name),
		shape:  shape.Clone(),
		src:    NoOperator,
		viewOf: NoTensor,
		slot:   -1,
	}
	g.tensors = append(g.tensors, t)
	g.tensorNames[t.name] = t.id
	g.invalidate()
	return t
}

// Input creates a new graph input. Input names must be unique, since inputs are bound by name at runtime.
func (g *Graph) Input(name string, shape shapes.Shape) *Tensor {
	if _, found := g.tensorNames[name]; found {
		exceptions.Panicf("graph %q: tensor name %q already used", g.name, name)
	}
	t := g.newTensor(name, shape)
	t.isInput = true
	return t
}

// Constant creates a constant tensor with the given flat data, which must be a []float32 with
// shape.Size() elements. Constants must have static shapes.
func (g *Graph) Constant(name string, shape shapes.Shape, data []float32) *Tensor {
	if !shape.IsStatic() {
		exceptions.Panicf("graph %q: constant %q must have a static shape, got %s", g.name, name, shape)
	}
	if len(data) != shape.Size() {
		exceptions.Panicf("graph %q: constant %q of shape %s given %d values", g.name, name, shape, len(data))
	}
	t := g.newTensor(name, shape)
	t.isConstant = true
	t.data = slices.Clone(data)
	return t
}

// MarkOutput marks the tensor as a graph output, optionally renaming it (if name != "").
// Output names must be unique among tensors.
func (g *Graph) MarkOutput(t *Tensor, name string) {
	g.checkOwned(t)
	if t.isOutput {
		return
	}
	if name != "" && name != t.name {
		if _, found := g.tensorNames[name]; found {
			exceptions.Panicf("graph %q: tensor name %q already used", g.name, name)
		}
		delete(g.tensorNames, t.name)
		t.name = name
		g.tensorNames[name] = t.id
	}
	t.isOutput = true
	g.outputs = append(g.outputs, t.id)
	g.invalidate()
}

func (g *Graph) checkOwned(t *Tensor) {
	if t == nil || t.graph != g || int(t.id) >= len(g.tensors) || g.tensors[t.id] != t {
		exceptions.Panicf("graph %q: tensor %v doesn't belong to the graph", g.name, t)
	}
}

// AddOperator creates a new operator with the given attributes and inputs, and returns it.
// Output shapes are inferred from the attributes.
func (g *Graph) AddOperator(attrs Attributes, inputs ...*Tensor) *Operator {
	return g.addOperator(attrs, inputs, nil)
}

// addOperator creates the operator, reading inputs through the given accessors (which may be nil).
func (g *Graph) addOperator(attrs Attributes, inputs []*Tensor, accessors []*Accessor) *Operator {
	if accessors == nil {
		accessors = make([]*Accessor, len(inputs))
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		g.checkOwned(input)
		inputShapes[ii] = input.shape
		if accessors[ii] != nil {
			inputShapes[ii] = accessors[ii].ViewShape
		}
	}
	outputShapes, err := attrs.InferShapes(inputShapes)
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q", g.name))
	}
	kind := string(attrs.Kind())
	count := g.opNames[kind]
	g.opNames[kind] = count + 1
	op := &Operator{
		graph:     g,
		id:        OperatorID(len(g.operators)),
		name:      fmt.Sprintf("%s_%d", kind, count),
		attrs:     attrs,
		inputs:    make([]TensorID, len(inputs)),
		accessors: accessors,
	}
	g.operators = append(g.operators, op)
	for ii, input := range inputs {
		op.inputs[ii] = input.id
		input.dst = append(input.dst, op.id)
	}
	for ii, shape := range outputShapes {
		name := op.name
		if len(outputShapes) > 1 {
			name = fmt.Sprintf("%s_out%d", op.name, ii)
		}
		output := g.newTensor(name, shape)
		output.src = op.id
		if op.IsView() {
			output.viewOf = op.inputs[0]
		}
		op.outputs = append(op.outputs, output.id)
	}
	g.invalidate()
	return op
}

// Tensor returns the tensor with the given id, or nil if it was removed.
func (g *Graph) Tensor(id TensorID) *Tensor {
	if id < 0 || int(id) >= len(g.tensors) {
		return nil
	}
	return g.tensors[id]
}

// TensorByName returns the tensor with the given name, or nil.
func (g *Graph) TensorByName(name string) *Tensor {
	id, found := g.tensorNames[name]
	if !found {
		return nil
	}
	return g.tensors[id]
}

// Operator returns the operator with the given id, or nil if it was removed.
func (g *Graph) Operator(id OperatorID) *Operator {
	if id < 0 || int(id) >= len(g.operators) {
		return nil
	}
	return g.operators[id]
}

// Tensors returns all live tensors, in creation order.
func (g *Graph) Tensors() []*Tensor {
	result := make([]*Tensor, 0, len(g.tensors))
	for _, t := range g.tensors {
		if t != nil {
			result = append(result, t)
		}
	}
	return result
}

// Operators returns all live operators, in creation order. See SortedOperators for the execution order.
func (g *Graph) Operators() []*Operator {
	result := make([]*Operator, 0, len(g.operators))
	for _, op := range g.operators {
		if op != nil {
			result = append(result, op)
		}
	}
	return result
}

// NumOperators returns the number of live operators.
func (g *Graph) NumOperators() int {
	n := 0
	for _, op := range g.operators {
		if op != nil {
			n++
		}
	}
	return n
}

// Inputs returns the graph inputs, in creation order.
func (g *Graph) Inputs() []*Tensor {
	var result []*Tensor
	for _, t := range g.tensors {
		if t != nil && t.isInput {
			result = append(result, t)
		}
	}
	return result
}

// Constants returns the constant tensors, in creation order.
func (g *Graph) Constants() []*Tensor {
	var result []*Tensor
	for _, t := range g.tensors {
		if t != nil && t.isConstant {
			result = append(result, t)
		}
	}
	return result
}

// Outputs returns the graph outputs, in the order they were marked.
func (g *Graph) Outputs() []*Tensor {
	result := make([]*Tensor, len(g.outputs))
	for ii, id := range g.outputs {
		result[ii] = g.tensors[id]
	}
	return result
}

// Clone returns a deep copy of the graph. Ids are preserved.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		name:        g.name,
		tensors:     make([]*Tensor, len(g.tensors)),
		operators:   make([]*Operator, len(g.operators)),
		outputs:     slices.Clone(g.outputs),
		tensorNames: make(map[string]TensorID, len(g.tensorNames)),
		opNames:     make(map[string]int, len(g.opNames)),
		symbols:     shapes.NewSymbolTable(),
		sorted:      slices.Clone(g.sorted),
		memoryPlan:  g.memoryPlan.Clone(),
	}
	for name, id := range g.tensorNames {
		c.tensorNames[name] = id
	}
	for kind, count := range g.opNames {
		c.opNames[kind] = count
	}
	for ii, t := range g.tensors {
		if t == nil {
			continue
		}
		ct := *t
		ct.graph = c
		ct.shape = t.shape.Clone()
		ct.dst = slices.Clone(t.dst)
		if data, ok := t.data.([]float32); ok {
			ct.data = slices.Clone(data)
		}
		c.tensors[ii] = &ct
		_ = c.symbols.Register(ct.shape)
	}
	for ii, op := range g.operators {
		if op == nil {
			continue
		}
		cop := *op
		cop.graph = c
		cop.attrs = op.attrs.Clone()
		cop.inputs = slices.Clone(op.inputs)
		cop.outputs = slices.Clone(op.outputs)
		cop.accessors = make([]*Accessor, len(op.accessors))
		for jj, acc := range op.accessors {
			cop.accessors[jj] = acc.Clone()
		}
		cop.execPaths = make([]ExecPath, len(op.execPaths))
		for jj, path := range op.execPaths {
			path.Bindings = path.Bindings.Clone()
			cop.execPaths[jj] = path
		}
		c.operators[ii] = &cop
	}
	return c
}

// Validate checks the structural invariants of the graph:
//
//   - Every live tensor is an input, a constant, or has a live producer listing it as an output.
//   - Every consumer reference is matched by an input slot of the consumer, and vice-versa.
//   - Every operator's inputs and outputs are live, and shapes agree with shape inference.
//   - The graph is acyclic and outputs are live.
func (g *Graph) Validate() error {
	for _, t := range g.Tensors() {
		if t.isInput || t.isConstant {
			if t.src != NoOperator {
				return errors.Errorf("graph %q: input/constant %s has a producer", g.name, t)
			}
		} else {
			src := g.Operator(t.src)
			if src == nil || !slices.Contains(src.outputs, t.id) {
				return errors.Errorf("graph %q: tensor %s has no valid producer", g.name, t)
			}
		}
		for _, dstID := range t.dst {
			dst := g.Operator(dstID)
			if dst == nil {
				return errors.Errorf("graph %q: tensor %s is used by removed operator #%d", g.name, t, dstID)
			}
			if countOf(dst.inputs, t.id) != countOf(t.dst, dstID) {
				return errors.Errorf("graph %q: tensor %s and operator %s disagree on uses", g.name, t, dst.name)
			}
		}
		if t.viewOf != NoTensor && g.Tensor(t.viewOf) == nil {
			return errors.Errorf("graph %q: tensor %s is a view of a removed tensor", g.name, t)
		}
	}
	for _, op := range g.Operators() {
		for ii, id := range op.inputs {
			input := g.Tensor(id)
			if input == nil {
				return errors.Errorf("graph %q: operator %s input #%d was removed", g.name, op.name, ii)
			}
			if !slices.Contains(input.dst, op.id) {
				return errors.Errorf("graph %q: operator %s not listed as a consumer of %s", g.name, op.name, input)
			}
		}
		outputShapes, err := op.attrs.InferShapes(op.InputShapes())
		if err != nil {
			return errors.WithMessagef(err, "graph %q: operator %s", g.name, op.name)
		}
		if len(outputShapes) != len(op.outputs) {
			return errors.Errorf("graph %q: operator %s has %d outputs, expected %d",
				g.name, op.name, len(op.outputs), len(outputShapes))
		}
		for ii, id := range op.outputs {
			output := g.Tensor(id)
			if output == nil || output.src != op.id {
				return errors.Errorf("graph %q: operator %s output #%d is invalid", g.name, op.name, ii)
			}
			if !output.shape.Equal(outputShapes[ii]) {
				return errors.Errorf("graph %q: operator %s output %s doesn't match inferred shape %s",
					g.name, op.name, output, outputShapes[ii])
			}
		}
	}
	for _, id := range g.outputs {
		if t := g.Tensor(id); t == nil || !t.isOutput {
			return errors.Errorf("graph %q: output #%d was removed", g.name, id)
		}
	}
	if _, err := g.topoSort(); err != nil {
		return err
	}
	return nil
}

func countOf[T comparable](values []T, v T) int {
	n := 0
	for _, x := range values {
		if x == v {
			n++
		}
	}
	return n
}

// String returns a multi-line description of the graph, operators in execution order.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q:\n", g.name)
	for _, t := range g.Inputs() {
		fmt.Fprintf(&sb, "  input %s\n", t)
	}
	for _, t := range g.Constants() {
		fmt.Fprintf(&sb, "  constant %s\n", t)
	}
	ops, err := g.topoSort()
	if err != nil {
		fmt.Fprintf(&sb, "  <%v>\n", err)
		ops = g.Operators()
	}
	for _, op := range ops {
		fmt.Fprintf(&sb, "  %s\n", op)
	}
	for _, t := range g.Outputs() {
		fmt.Fprintf(&sb, "  output %s\n", t)
	}
	return sb.String()
}

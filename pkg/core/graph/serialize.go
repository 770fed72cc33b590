// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/json"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/pkg/errors"
)

// jsonGraph is the serialized form of a Graph. Operators are listed in execution order and refer
// to tensors by name.
type jsonGraph struct {
	Name      string         `json:"name"`
	Inputs    []jsonTensor   `json:"inputs"`
	Constants []jsonTensor   `json:"constants,omitempty"`
	Operators []jsonOperator `json:"operators"`
	Outputs   []string       `json:"outputs"`
}

type jsonTensor struct {
	Name  string       `json:"name"`
	Shape shapes.Shape `json:"shape"`
	Data  []float32    `json:"data,omitempty"`
}

type jsonOperator struct {
	Family    Family          `json:"family"`
	Attrs     json.RawMessage `json:"attrs"`
	Inputs    []string        `json:"inputs"`
	Accessors []*Accessor     `json:"accessors,omitempty"`
	Outputs   []string        `json:"outputs"`
	ExecPaths []ExecPath      `json:"exec_paths,omitempty"`
}

// NewAttributes returns an empty attributes struct for the family.
func NewAttributes(family Family) (Attributes, error) {
	switch family {
	case FamilyGemm:
		return &GemmAttrs{}, nil
	case FamilyBmm:
		return &BmmAttrs{}, nil
	case FamilyConv2d, FamilyTransposedConv2d:
		return &Conv2dAttrs{Transposed: family == FamilyTransposedConv2d}, nil
	case FamilyElementwise:
		return &ElementwiseAttrs{}, nil
	case FamilyReshape:
		return &ReshapeAttrs{}, nil
	case FamilyFlatten:
		return &FlattenAttrs{}, nil
	}
	return nil, errors.Errorf("unknown operator family %q", family)
}

// MarshalJSON implements json.Marshaler.
func (g *Graph) MarshalJSON() ([]byte, error) {
	ops, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	jg := jsonGraph{Name: g.name, Operators: make([]jsonOperator, 0, len(ops))}
	for _, t := range g.Inputs() {
		jg.Inputs = append(jg.Inputs, jsonTensor{Name: t.name, Shape: t.shape})
	}
	for _, t := range g.Constants() {
		data, _ := t.data.([]float32)
		jg.Constants = append(jg.Constants, jsonTensor{Name: t.name, Shape: t.shape, Data: data})
	}
	for _, op := range ops {
		attrs, err := json.Marshal(op.attrs)
		if err != nil {
			return nil, errors.Wrapf(err, "serializing attributes of %s", op.name)
		}
		jop := jsonOperator{Family: op.attrs.Family(), Attrs: attrs, ExecPaths: op.execPaths}
		hasAccessor := false
		for ii, input := range op.Inputs() {
			jop.Inputs = append(jop.Inputs, input.name)
			hasAccessor = hasAccessor || op.accessors[ii] != nil
		}
		if hasAccessor {
			jop.Accessors = op.accessors
		}
		for _, output := range op.Outputs() {
			jop.Outputs = append(jop.Outputs, output.name)
		}
		jg.Operators = append(jg.Operators, jop)
	}
	for _, t := range g.Outputs() {
		jg.Outputs = append(jg.Outputs, t.name)
	}
	return json.Marshal(jg)
}

// UnmarshalJSON implements json.Unmarshaler. The receiver is reset to the decoded graph.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var jg jsonGraph
	if err := json.Unmarshal(data, &jg); err != nil {
		return errors.Wrap(err, "decoding graph")
	}
	var decoded *Graph
	err := exceptions.TryCatch[error](func() { decoded = jg.build() })
	if err != nil {
		return errors.WithMessage(err, "building decoded graph")
	}
	*g = *decoded
	// Re-point the nodes to the receiver, since they were built for the temporary graph.
	for _, t := range g.tensors {
		if t != nil {
			t.graph = g
		}
	}
	for _, op := range g.operators {
		if op != nil {
			op.graph = g
		}
	}
	return nil
}

func (jg *jsonGraph) build() *Graph {
	g := New(jg.Name)
	lookup := func(name string) *Tensor {
		t := g.TensorByName(name)
		if t == nil {
			exceptions.Panicf("unknown tensor %q", name)
		}
		return t
	}
	for _, jt := range jg.Inputs {
		g.Input(jt.Name, jt.Shape)
	}
	for _, jt := range jg.Constants {
		g.Constant(jt.Name, jt.Shape, jt.Data)
	}
	for _, jop := range jg.Operators {
		attrs, err := NewAttributes(jop.Family)
		if err != nil {
			panic(err)
		}
		if err := json.Unmarshal(jop.Attrs, attrs); err != nil {
			panic(errors.Wrapf(err, "decoding %s attributes", jop.Family))
		}
		inputs := make([]*Tensor, len(jop.Inputs))
		for ii, name := range jop.Inputs {
			inputs[ii] = lookup(name)
		}
		var accessors []*Accessor
		if jop.Accessors != nil {
			if len(jop.Accessors) != len(inputs) {
				exceptions.Panicf("operator %s: %d accessors for %d inputs", jop.Family, len(jop.Accessors), len(inputs))
			}
			accessors = jop.Accessors
		}
		op := g.addOperator(attrs, inputs, accessors)
		if len(jop.Outputs) != len(op.outputs) {
			exceptions.Panicf("operator %s: %d outputs listed, %d inferred", op.name, len(jop.Outputs), len(op.outputs))
		}
		for ii, output := range op.Outputs() {
			g.rename(output, jop.Outputs[ii])
		}
		op.execPaths = jop.ExecPaths
	}
	for _, name := range jg.Outputs {
		g.MarkOutput(lookup(name), "")
	}
	return g
}

func (g *Graph) rename(t *Tensor, name string) {
	if t.name == name {
		return
	}
	if _, found := g.tensorNames[name]; found {
		exceptions.Panicf("graph %q: tensor name %q already used", g.name, name)
	}
	delete(g.tensorNames, t.name)
	t.name = name
	g.tensorNames[name] = t.id
}

// Write serializes the graph as indented JSON.
func (g *Graph) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}

// Read decodes a graph serialized with Write (or MarshalJSON).
func Read(r io.Reader) (*Graph, error) {
	g := New("")
	if err := json.NewDecoder(r).Decode(g); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

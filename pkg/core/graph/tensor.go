// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
)

// TensorID is the index of a Tensor in its Graph's arena. It's stable across Graph.Clone.
type TensorID int

// NoTensor marks the absence of a tensor reference.
const NoTensor TensorID = -1

// Tensor is a typed, shaped value in the graph: either a graph input, a constant, or the
// output of exactly one Operator.
//
// Links to operators are ids into the Graph arena: the producing operator owns the tensor,
// the consumers are non-owning back-references.
type Tensor struct {
	graph *Graph
	id    TensorID
	name  string
	shape shapes.Shape

	isInput, isOutput, isConstant bool

	// data is the flat content of constant tensors ([]float32 or []float16.Float16).
	data any

	src OperatorID   // NoOperator for inputs and constants.
	dst []OperatorID // Consumers, non-unique: an operator using the tensor twice appears twice.

	// viewOf is set for outputs of reshape-like operators, which alias their input's storage.
	viewOf TensorID

	// slot is the memory plan buffer slot, or -1 if not planned.
	slot int
}

// Graph that owns the tensor.
func (t *Tensor) Graph() *Graph { return t.graph }

// ID of the tensor within its graph.
func (t *Tensor) ID() TensorID { return t.id }

// Name of the tensor. Inputs and outputs are bound by name at runtime.
func (t *Tensor) Name() string { return t.name }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// IsInput returns whether the tensor is a graph input.
func (t *Tensor) IsInput() bool { return t.isInput }

// IsOutput returns whether the tensor is a graph output.
func (t *Tensor) IsOutput() bool { return t.isOutput }

// IsConstant returns whether the tensor is a constant.
func (t *Tensor) IsConstant() bool { return t.isConstant }

// ConstantData returns the flat data of a constant tensor, or nil.
func (t *Tensor) ConstantData() any { return t.data }

// Src returns the operator producing this tensor, or nil for inputs and constants.
func (t *Tensor) Src() *Operator {
	if t.src == NoOperator {
		return nil
	}
	return t.graph.operators[t.src]
}

// Dst returns the consuming operators. An operator using the tensor more than once is listed more than once.
func (t *Tensor) Dst() []*Operator {
	ops := make([]*Operator, len(t.dst))
	for ii, id := range t.dst {
		ops[ii] = t.graph.operators[id]
	}
	return ops
}

// NumUses returns the number of input references to this tensor.
func (t *Tensor) NumUses() int { return len(t.dst) }

// ViewOf returns the tensor whose storage this tensor aliases, or nil.
func (t *Tensor) ViewOf() *Tensor {
	if t.viewOf == NoTensor {
		return nil
	}
	return t.graph.tensors[t.viewOf]
}

// StorageRoot follows ViewOf links to the tensor that owns the storage.
func (t *Tensor) StorageRoot() *Tensor {
	root := t
	for root.viewOf != NoTensor {
		root = root.graph.tensors[root.viewOf]
	}
	return root
}

// Slot returns the buffer slot assigned by memory planning, or -1.
func (t *Tensor) Slot() int { return t.slot }

// SetSlot is used by memory planning.
func (t *Tensor) SetSlot(slot int) { t.slot = slot }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var flags string
	switch {
	case t.isInput:
		flags = " input"
	case t.isConstant:
		flags = " constant"
	}
	if t.isOutput {
		flags += " output"
	}
	return fmt.Sprintf("%q#%d%s %s", t.name, t.id, flags, t.shape)
}

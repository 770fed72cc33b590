// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/tensorforge/pkg/core/shapes"
)

// OperatorID is the index of an Operator in its Graph's arena. Ids follow insertion order,
// which is also the tie-break order for topological sorting.
type OperatorID int

// NoOperator marks the absence of an operator reference.
const NoOperator OperatorID = -1

// Accessor describes how an operator reads one of its inputs: as a strided, offset view over the
// storage of the actual tensor, instead of the tensor's own dense layout.
//
// It's attached to the consumer's input slot when a view operator (reshape, flatten) is elided.
type Accessor struct {
	// ViewShape is the shape the operator sees, i.e. the shape of the elided view's output.
	ViewShape shapes.Shape `json:"view_shape"`

	// Offset in elements into the storage of the underlying tensor.
	Offset int `json:"offset,omitempty"`

	// Strides in elements for each axis of ViewShape. Nil means contiguous (row-major) over ViewShape.
	Strides []int `json:"strides,omitempty"`

	// Original is the name of the elided tensor, kept for diagnostics.
	Original string `json:"original,omitempty"`
}

// Clone returns a deep copy of the accessor.
func (a *Accessor) Clone() *Accessor {
	if a == nil {
		return nil
	}
	c := *a
	c.ViewShape = a.ViewShape.Clone()
	c.Strides = slices.Clone(a.Strides)
	return &c
}

// String implements fmt.Stringer.
func (a *Accessor) String() string {
	return fmt.Sprintf("view%s+%d", a.ViewShape, a.Offset)
}

// ExecPath maps a concrete binding of the dynamic dimensions to the chosen kernel candidate.
type ExecPath struct {
	Bindings shapes.Bindings `json:"bindings,omitempty"`
	Kernel   string          `json:"kernel"`
	Latency  time.Duration   `json:"latency"`

	// Workspace is the extra scratch memory, in bytes, the kernel requested.
	Workspace int64 `json:"workspace,omitempty"`
}

// Operator is a node of the graph: a kind (given by its attributes), ordered input tensors and
// ordered output tensors.
type Operator struct {
	graph *Graph
	id    OperatorID
	name  string
	attrs Attributes

	inputs    []TensorID
	accessors []*Accessor // Parallel to inputs, nil entries mean dense access.
	outputs   []TensorID

	execPaths []ExecPath
}

// Graph that owns the operator.
func (op *Operator) Graph() *Graph { return op.graph }

// ID of the operator within its graph.
func (op *Operator) ID() OperatorID { return op.id }

// Name of the operator, unique within the graph.
func (op *Operator) Name() string { return op.name }

// Kind of the operator, e.g. "gemm_bias_relu".
func (op *Operator) Kind() OpKind { return op.attrs.Kind() }

// Attributes of the operator.
func (op *Operator) Attributes() Attributes { return op.attrs }

// NumInputs returns the number of input slots.
func (op *Operator) NumInputs() int { return len(op.inputs) }

// Input returns the tensor at input slot idx.
func (op *Operator) Input(idx int) *Tensor { return op.graph.tensors[op.inputs[idx]] }

// Inputs returns the input tensors, in slot order.
func (op *Operator) Inputs() []*Tensor {
	tensors := make([]*Tensor, len(op.inputs))
	for ii, id := range op.inputs {
		tensors[ii] = op.graph.tensors[id]
	}
	return tensors
}

// InputAccessor returns the accessor for input slot idx, or nil if the input is read densely.
func (op *Operator) InputAccessor(idx int) *Accessor { return op.accessors[idx] }

// InputShape returns the shape the operator sees for input slot idx: the accessor's view shape
// if there is one, otherwise the tensor's shape.
func (op *Operator) InputShape(idx int) shapes.Shape {
	if acc := op.accessors[idx]; acc != nil {
		return acc.ViewShape
	}
	return op.Input(idx).shape
}

// InputShapes returns InputShape for all input slots.
func (op *Operator) InputShapes() []shapes.Shape {
	result := make([]shapes.Shape, len(op.inputs))
	for ii := range op.inputs {
		result[ii] = op.InputShape(ii)
	}
	return result
}

// Output returns the tensor at output slot idx.
func (op *Operator) Output(idx int) *Tensor { return op.graph.tensors[op.outputs[idx]] }

// Outputs returns the output tensors, in slot order.
func (op *Operator) Outputs() []*Tensor {
	tensors := make([]*Tensor, len(op.outputs))
	for ii, id := range op.outputs {
		tensors[ii] = op.graph.tensors[id]
	}
	return tensors
}

// AcceptsInputAccessors returns whether the operator can read inputs through an Accessor.
func (op *Operator) AcceptsInputAccessors() bool {
	acceptor, ok := op.attrs.(AccessorAcceptor)
	return ok && acceptor.AcceptsInputAccessors()
}

// IsView returns whether the operator's output aliases its input storage.
func (op *Operator) IsView() bool {
	viewer, ok := op.attrs.(Viewer)
	return ok && viewer.IsView()
}

// ExecPaths returns the profiled execution paths, one per binding of the profiling grid.
func (op *Operator) ExecPaths() []ExecPath { return op.execPaths }

// SetExecPaths replaces the profiled execution paths.
func (op *Operator) SetExecPaths(paths []ExecPath) { op.execPaths = slices.Clone(paths) }

// Symbols returns the sorted, unique symbols of the dynamic dimensions of the operator's inputs and outputs.
func (op *Operator) Symbols() []string {
	var symbols []string
	for ii := range op.inputs {
		symbols = append(symbols, op.InputShape(ii).Symbols()...)
	}
	for _, t := range op.Outputs() {
		symbols = append(symbols, t.shape.Symbols()...)
	}
	slices.Sort(symbols)
	return slices.Compact(symbols)
}

// Signature identifies the operator's workload independently of its name and position in the graph:
// kind, attributes and input shapes (including accessor views). Used as the profiling cache key prefix.
func (op *Operator) Signature() string {
	var sb strings.Builder
	sb.WriteString(string(op.Kind()))
	sb.WriteString("(")
	sb.WriteString(op.attrs.String())
	sb.WriteString(")")
	for ii := range op.inputs {
		sb.WriteString(";")
		sb.WriteString(op.InputShape(ii).String())
		if acc := op.accessors[ii]; acc != nil && (acc.Offset != 0 || acc.Strides != nil) {
			fmt.Fprintf(&sb, "@%d%v", acc.Offset, acc.Strides)
		}
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (op *Operator) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s#%d = %s(", op.name, op.id, op.Kind())
	for ii, input := range op.Inputs() {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(input.name)
		if acc := op.accessors[ii]; acc != nil {
			sb.WriteString(" as ")
			sb.WriteString(acc.String())
		}
	}
	sb.WriteString(") -> ")
	for ii, output := range op.Outputs() {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(output.String())
	}
	return sb.String()
}

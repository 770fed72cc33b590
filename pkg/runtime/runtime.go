// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime defines the interface of compiled modules: the boundary between the compiler and
// the code that runs the generated artifacts.
//
// Modules are synchronous: Run returns only after every kernel of the program has been issued and
// has completed, for every operator. There is no asynchronous handle.
package runtime

import (
	"fmt"

	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/support/sets"
	"github.com/pkg/errors"
)

// TensorSpec declares one named input or output of a module. Its shape may have dynamic dimensions.
type TensorSpec struct {
	Name  string       `json:"name"`
	Shape shapes.Shape `json:"shape"`
}

// Module is a loaded artifact.
type Module interface {
	// Run the program on the given named buffers. Every declared input and output must be bound with a
	// compatible shape and dtype, otherwise a *BindingError is returned and nothing is executed.
	// Outputs are written in place.
	Run(inputs, outputs map[string]*Buffer) error

	// Inputs of the module, in declaration order.
	Inputs() []TensorSpec

	// Outputs of the module, in declaration order.
	Outputs() []TensorSpec

	// Close releases the resources of the module. Run fails after Close.
	Close() error
}

// ErrClosed is returned when running a closed module.
var ErrClosed = errors.New("module is closed")

// BindingError is returned when the buffers given to Module.Run don't match the module declarations.
type BindingError struct {
	// Role is "input" or "output".
	Role string

	// Name of the tensor, possibly empty if the error is not specific to one tensor.
	Name   string
	Reason string
}

// Error implements error.
func (e *BindingError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invalid %s bindings: %s", e.Role, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Role, e.Name, e.Reason)
}

// ValidateBindings checks that the buffers match exactly the specs: same names, same dtypes, and concrete
// dimensions within the declared bounds, with dynamic dimensions of the same name bound to the same value.
// It returns the resolved values of the dynamic dimensions, merged into bindings (which may be nil).
func ValidateBindings(specs []TensorSpec, buffers map[string]*Buffer, role string, bindings shapes.Bindings) (shapes.Bindings, error) {
	if bindings == nil {
		bindings = make(shapes.Bindings)
	}
	declared := sets.Make[string](len(specs))
	for _, spec := range specs {
		declared.Insert(spec.Name)
		buf, found := buffers[spec.Name]
		if !found || buf == nil {
			return nil, &BindingError{Role: role, Name: spec.Name, Reason: "missing"}
		}
		if err := buf.Check(); err != nil {
			return nil, &BindingError{Role: role, Name: spec.Name, Reason: err.Error()}
		}
		if buf.Shape.DType != spec.Shape.DType {
			return nil, &BindingError{Role: role, Name: spec.Name,
				Reason: fmt.Sprintf("dtype %s doesn't match declared %s", buf.Shape.DType, spec.Shape.DType)}
		}
		b, err := shapes.ExtractBindings(spec.Shape, buf.Shape.Dimensions())
		if err == nil {
			err = bindings.Merge(b)
		}
		if err != nil {
			return nil, &BindingError{Role: role, Name: spec.Name,
				Reason: fmt.Sprintf("shape %s incompatible with declared %s: %v", buf.Shape, spec.Shape, err)}
		}
	}
	if undeclared := sets.Sorted(sets.FromKeys(buffers).Sub(declared)); len(undeclared) > 0 {
		return nil, &BindingError{Role: role, Name: undeclared[0], Reason: "not declared by the module"}
	}
	return bindings, nil
}

// NewOutputs allocates buffers for the outputs of a module, resolving dynamic dimensions with bindings,
// usually returned by ValidateBindings on the inputs.
func NewOutputs(specs []TensorSpec, bindings shapes.Bindings) (map[string]*Buffer, error) {
	outputs := make(map[string]*Buffer, len(specs))
	for _, spec := range specs {
		dims, err := spec.Shape.Concrete(bindings)
		if err != nil {
			return nil, errors.WithMessagef(err, "allocating output %q", spec.Name)
		}
		outputs[spec.Name] = NewBuffer(spec.Shape.DType, dims...)
	}
	return outputs, nil
}

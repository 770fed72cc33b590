// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/pkg/errors"
)

// TensorRole of a tensor in a Program.
type TensorRole string

const (
	RoleInput        TensorRole = "input"
	RoleOutput       TensorRole = "output"
	RoleConstant     TensorRole = "constant"
	RoleIntermediate TensorRole = "intermediate"

	// RoleView is a tensor that aliases the storage of another one (see ProgramTensor.ViewOf).
	RoleView TensorRole = "view"
)

// ProgramTensor describes the storage of one tensor of a Program.
type ProgramTensor struct {
	Name  string       `json:"name"`
	Shape shapes.Shape `json:"shape"`
	Role  TensorRole   `json:"role"`

	// Slot in the memory plan, for intermediate tensors. -1 otherwise.
	Slot int `json:"slot"`

	// ViewOf is the name of the tensor whose storage a view tensor aliases.
	ViewOf string `json:"view_of,omitempty"`

	// Data of constants.
	Data []float32 `json:"data,omitempty"`
}

// Function is the generated code of one operator, in execution order.
type Function struct {
	// Name of the operator, which is also the name of its function.
	Name   string          `json:"name"`
	Kind   graph.OpKind    `json:"kind"`
	Family graph.Family    `json:"family"`
	Attrs  json.RawMessage `json:"attrs"`

	Inputs    []string          `json:"inputs"`
	Accessors []*graph.Accessor `json:"accessors,omitempty"`
	Outputs   []string          `json:"outputs"`

	Decl string `json:"decl"`
	Call string `json:"call"`

	// Bodies holds one rendered function body per selected candidate, keyed by candidate name.
	Bodies map[string]string `json:"bodies"`

	// Candidates selected by at least one execution path, in the order of the kernel's config.
	Candidates []KernelCandidate `json:"candidates"`

	// ExecPaths from profiling, sorted by increasing values of the dynamic dimensions.
	ExecPaths []graph.ExecPath `json:"exec_paths"`
}

// Attributes decodes the operator's attributes.
func (f *Function) Attributes() (graph.Attributes, error) {
	attrs, err := graph.NewAttributes(f.Family)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(f.Attrs, attrs); err != nil {
		return nil, errors.Wrapf(err, "decoding attributes of %s", f.Name)
	}
	return attrs, nil
}

// Candidate returns the selected candidate with the given name.
func (f *Function) Candidate(name string) (KernelCandidate, bool) {
	for _, c := range f.Candidates {
		if c.Name == name {
			return c, true
		}
	}
	return KernelCandidate{}, false
}

// SelectPath returns the execution path for the concrete values of the dynamic dimensions: the first
// path whose profiled values are all greater or equal to the actual ones. If none, it's the last path,
// profiled at the upper bounds.
func (f *Function) SelectPath(bindings shapes.Bindings) (graph.ExecPath, error) {
	if len(f.ExecPaths) == 0 {
		return graph.ExecPath{}, errors.Errorf("function %s has no execution path", f.Name)
	}
	for _, path := range f.ExecPaths {
		covers := true
		for symbol, value := range path.Bindings {
			if actual, found := bindings[symbol]; found && actual > value {
				covers = false
				break
			}
		}
		if covers {
			return path, nil
		}
	}
	return f.ExecPaths[len(f.ExecPaths)-1], nil
}

// Program is everything the Emitter and the Toolchain need to produce an artifact: the tensors and their
// storage, and the generated functions in execution order.
//
// It's also written as a manifest (ProgramFileName) next to the artifact, for diagnostics and for
// targets that interpret it.
type Program struct {
	Name     string `json:"name"`
	BuildID  string `json:"build_id"`
	Target   string `json:"target"`
	Variant  string `json:"variant,omitempty"`
	Platform string `json:"platform"`

	Tensors   []*ProgramTensor `json:"tensors"`
	Inputs    []string         `json:"inputs"`
	Outputs   []string         `json:"outputs"`
	Functions []*Function      `json:"functions"`

	Memory *graph.MemoryPlan `json:"memory,omitempty"`

	// Workspace is the largest scratch memory, in bytes, requested by any selected kernel.
	Workspace int64 `json:"workspace,omitempty"`
}

// ProgramFileName is the name of the manifest written in the build directory.
const ProgramFileName = "program.json"

// Tensor returns the tensor with the given name, or nil.
func (p *Program) Tensor(name string) *ProgramTensor {
	for _, t := range p.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (p *Program) specs(names []string) []runtime.TensorSpec {
	specs := make([]runtime.TensorSpec, 0, len(names))
	for _, name := range names {
		if t := p.Tensor(name); t != nil {
			specs = append(specs, runtime.TensorSpec{Name: name, Shape: t.Shape})
		}
	}
	return specs
}

// InputSpecs returns the declared inputs of the program's entry point.
func (p *Program) InputSpecs() []runtime.TensorSpec { return p.specs(p.Inputs) }

// OutputSpecs returns the declared outputs of the program's entry point.
func (p *Program) OutputSpecs() []runtime.TensorSpec { return p.specs(p.Outputs) }

// WriteFile writes the program manifest into dir.
func (p *Program) WriteFile(dir string) (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "serializing program %s", p.Name)
	}
	path := filepath.Join(dir, ProgramFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing program manifest")
	}
	return path, nil
}

// ReadProgram reads a program manifest written by Program.WriteFile.
func ReadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading program manifest")
	}
	p := &Program{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrapf(err, "decoding program manifest %q", path)
	}
	return p, nil
}

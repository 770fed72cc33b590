// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/gomlx/tensorforge/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Module implements runtime.Module by interpreting a Program.
//
// Intermediate tensors live in one workspace, at the offsets of the program's memory plan. Run is
// synchronous and calls are serialized, since they share the workspace.
type Module struct {
	prog      *backends.Program
	functions []*loadedFunction
	constants map[string]*runtime.Buffer

	mu        sync.Mutex
	workspace []byte
	closed    bool
}

var _ runtime.Module = (*Module)(nil)

type loadedFunction struct {
	fn     *backends.Function
	attrs  graph.Attributes
	kernel *kernel

	// aliased is true for views whose output shares the storage of their input: nothing to execute.
	aliased bool
}

// NewModule prepares the program to run.
func NewModule(prog *backends.Program) (*Module, error) {
	m := &Module{prog: prog, constants: make(map[string]*runtime.Buffer)}
	for _, fn := range prog.Functions {
		attrs, err := fn.Attributes()
		if err != nil {
			return nil, err
		}
		k, err := lookupKernel(prog.Platform, fn.Kind)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading function %s", fn.Name)
		}
		for _, path := range fn.ExecPaths {
			if k.candidate(path.Kernel) == nil {
				return nil, errors.Errorf("function %s: unknown candidate %q", fn.Name, path.Kernel)
			}
		}
		aliased := true
		for _, name := range fn.Outputs {
			t := prog.Tensor(name)
			if t == nil {
				return nil, errors.Errorf("function %s: unknown output tensor %q", fn.Name, name)
			}
			aliased = aliased && t.Role == backends.RoleView
		}
		m.functions = append(m.functions, &loadedFunction{fn: fn, attrs: attrs, kernel: k, aliased: aliased})
	}
	for _, t := range prog.Tensors {
		switch t.Role {
		case backends.RoleConstant:
			m.constants[t.Name] = runtime.NewBufferFromFloat32s(t.Shape.DType, t.Shape.Dimensions(), t.Data)
		case backends.RoleIntermediate:
			if prog.Memory == nil || t.Slot < 0 || t.Slot >= len(prog.Memory.Slots) {
				return nil, errors.Errorf("intermediate tensor %q has no memory slot", t.Name)
			}
		case backends.RoleView:
			if prog.Tensor(t.ViewOf) == nil {
				return nil, errors.Errorf("view tensor %q aliases unknown tensor %q", t.Name, t.ViewOf)
			}
		}
	}
	if prog.Memory != nil && prog.Memory.TotalBytes > 0 {
		// Backed by uint64 so every slot offset (a multiple of the plan's alignment) is aligned.
		words := make([]uint64, (prog.Memory.TotalBytes+7)/8)
		m.workspace = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	}
	klog.V(1).Infof("simplego: loaded module %s (%d functions, %d bytes workspace)",
		prog.Name, len(m.functions), len(m.workspace))
	return m, nil
}

// Inputs implements runtime.Module.
func (m *Module) Inputs() []runtime.TensorSpec { return m.prog.InputSpecs() }

// Outputs implements runtime.Module.
func (m *Module) Outputs() []runtime.TensorSpec { return m.prog.OutputSpecs() }

// Close implements runtime.Module.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.workspace = nil
	return nil
}

// Run implements runtime.Module.
func (m *Module) Run(inputs, outputs map[string]*runtime.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return runtime.ErrClosed
	}
	bindings, err := runtime.ValidateBindings(m.Inputs(), inputs, "input", nil)
	if err != nil {
		return err
	}
	bindings, err = runtime.ValidateBindings(m.Outputs(), outputs, "output", bindings)
	if err != nil {
		return err
	}
	storage, err := m.storage(bindings, inputs, outputs)
	if err != nil {
		return err
	}
	for _, lf := range m.functions {
		if lf.aliased {
			continue
		}
		err := exceptions.TryCatch[error](func() { m.execute(lf, bindings, storage) })
		if err != nil {
			return errors.WithMessagef(err, "running %s (%s)", lf.fn.Name, lf.fn.Kind)
		}
	}
	return nil
}

// storage maps every tensor name to its buffer for one run.
func (m *Module) storage(bindings shapes.Bindings, inputs, outputs map[string]*runtime.Buffer) (map[string]*runtime.Buffer, error) {
	storage := make(map[string]*runtime.Buffer, len(m.prog.Tensors))
	var views []*backends.ProgramTensor
	for _, t := range m.prog.Tensors {
		switch t.Role {
		case backends.RoleInput:
			storage[t.Name] = inputs[t.Name]
		case backends.RoleOutput:
			storage[t.Name] = outputs[t.Name]
		case backends.RoleConstant:
			storage[t.Name] = m.constants[t.Name]
		case backends.RoleIntermediate:
			dims, err := t.Shape.Concrete(bindings)
			if err != nil {
				return nil, err
			}
			slot := m.prog.Memory.Slots[t.Slot]
			storage[t.Name] = workspaceBuffer(m.workspace, slot, t.Shape.DType, dims)
		case backends.RoleView:
			views = append(views, t)
		}
	}
	for _, t := range views {
		root := storage[t.ViewOf]
		if root == nil {
			return nil, errors.Errorf("view %q: storage of %q not available", t.Name, t.ViewOf)
		}
		dims, err := t.Shape.Concrete(bindings)
		if err != nil {
			return nil, err
		}
		storage[t.Name] = &runtime.Buffer{Shape: shapes.Make(t.Shape.DType, dims...), Flat: root.Flat}
	}
	return storage, nil
}

// workspaceBuffer returns a buffer over the slot's bytes of the workspace.
func workspaceBuffer(workspace []byte, slot graph.Slot, dtype dtypes.DType, dims []int) *runtime.Buffer {
	size := xslices.Product(dims)
	if int64(size)*int64(dtype.Size()) > slot.Size {
		exceptions.Panicf("tensor of %d elements of %s doesn't fit in its slot of %d bytes", size, dtype, slot.Size)
	}
	buf := &runtime.Buffer{Shape: shapes.Make(dtype, dims...)}
	if size == 0 {
		buf.Flat = runtime.NewBuffer(dtype, dims...).Flat
		return buf
	}
	ptr := unsafe.Pointer(&workspace[slot.Offset])
	switch dtype {
	case dtypes.Float32:
		buf.Flat = unsafe.Slice((*float32)(ptr), size)
	case dtypes.Float16:
		buf.Flat = unsafe.Slice((*float16.Float16)(ptr), size)
	case dtypes.BFloat16:
		buf.Flat = unsafe.Slice((*bfloat16.BFloat16)(ptr), size)
	default:
		exceptions.Panicf("simplego: unsupported dtype %s", dtype)
	}
	return buf
}

// execute one function, panicking on errors.
func (m *Module) execute(lf *loadedFunction, bindings shapes.Bindings, storage map[string]*runtime.Buffer) {
	path, err := lf.fn.SelectPath(bindings)
	if err != nil {
		panic(err)
	}
	c := lf.kernel.candidate(path.Kernel)
	inputs := make([]operand, len(lf.fn.Inputs))
	for ii, name := range lf.fn.Inputs {
		var accessor *graph.Accessor
		if ii < len(lf.fn.Accessors) {
			accessor = lf.fn.Accessors[ii]
		}
		inputs[ii] = gather(storage[name], accessor, bindings)
	}
	out := storage[lf.fn.Outputs[0]]
	output := operand{dims: out.Shape.Dimensions(), data: make([]float32, out.Shape.Size())}
	c.run(lf.attrs, inputs, output)
	out.SetFloat32s(output.data)
}

// gather reads a dense copy of the input, through its accessor if any.
func gather(buf *runtime.Buffer, accessor *graph.Accessor, bindings shapes.Bindings) operand {
	if accessor == nil {
		return operand{dims: buf.Shape.Dimensions(), data: buf.Float32s()}
	}
	dims, err := accessor.ViewShape.Concrete(bindings)
	if err != nil {
		panic(err)
	}
	size := xslices.Product(dims)
	if accessor.Strides == nil {
		if accessor.Offset+size > buf.Len() {
			exceptions.Panicf("accessor %s reads past the end of its tensor (%d elements)", accessor, buf.Len())
		}
		data := make([]float32, size)
		for ii := range data {
			data[ii] = buf.Get(accessor.Offset + ii)
		}
		return operand{dims: dims, data: data}
	}
	data := make([]float32, size)
	for flatIdx, indices := range shapes.Iter(dims) {
		idx := accessor.Offset
		for axis, i := range indices {
			idx += i * accessor.Strides[axis]
		}
		data[flatIdx] = buf.Get(idx)
	}
	return operand{dims: dims, data: data}
}

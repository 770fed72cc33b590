// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nativebuild

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Artifact is a linked executable.
type Artifact struct {
	path string
	prog *backends.Program
}

var _ backends.Artifact = (*Artifact)(nil)

// NewArtifact returns the artifact at path, built from prog.
func NewArtifact(path string, prog *backends.Program) *Artifact {
	return &Artifact{path: path, prog: prog}
}

// Path implements backends.Artifact.
func (a *Artifact) Path() string { return a.path }

// Load implements backends.Artifact.
func (a *Artifact) Load() (runtime.Module, error) {
	if _, err := os.Stat(a.path); err != nil {
		return nil, errors.Wrapf(err, "loading %s", a.path)
	}
	return &ProcessModule{path: a.path, prog: a.prog}, nil
}

// ProcessModule implements runtime.Module by running the artifact executable once per call:
//
//	<artifact> <in_dir> <out_dir> [<symbol>=<value> ...]
//
// Every input is written to "<in_dir>/<name>.bin", and every output is read back from "<out_dir>/<name>.bin",
// as the raw little-endian elements of the tensor in row-major order. The values of the dynamic dimensions
// are passed as arguments, sorted by symbol. The executable exits with a non-zero status on failure.
//
// Calls are serialized, and Run returns after the executable exits.
type ProcessModule struct {
	path string
	prog *backends.Program

	mu     sync.Mutex
	closed bool
}

var _ runtime.Module = (*ProcessModule)(nil)

// Inputs implements runtime.Module.
func (m *ProcessModule) Inputs() []runtime.TensorSpec { return m.prog.InputSpecs() }

// Outputs implements runtime.Module.
func (m *ProcessModule) Outputs() []runtime.TensorSpec { return m.prog.OutputSpecs() }

// Close implements runtime.Module.
func (m *ProcessModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Run implements runtime.Module.
func (m *ProcessModule) Run(inputs, outputs map[string]*runtime.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return runtime.ErrClosed
	}
	bindings, err := runtime.ValidateBindings(m.Inputs(), inputs, "input", nil)
	if err != nil {
		return err
	}
	if bindings, err = runtime.ValidateBindings(m.Outputs(), outputs, "output", bindings); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "tensorforge-run-")
	if err != nil {
		return errors.Wrap(err, "creating run directory")
	}
	defer func() { _ = os.RemoveAll(dir) }()
	inDir, outDir := filepath.Join(dir, "in"), filepath.Join(dir, "out")
	for _, d := range []string{inDir, outDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", d)
		}
	}
	for name, buf := range inputs {
		if err := writeBuffer(filepath.Join(inDir, name+".bin"), buf); err != nil {
			return err
		}
	}
	args := []string{m.path, inDir, outDir}
	args = append(args, bindingArgs(bindings)...)
	if _, err := run(context.Background(), dir, nil, args); err != nil {
		return errors.WithMessagef(err, "running module %s", m.prog.Name)
	}
	for name, buf := range outputs {
		if err := readBuffer(filepath.Join(outDir, name+".bin"), buf); err != nil {
			return errors.WithMessagef(err, "module %s output %q", m.prog.Name, name)
		}
	}
	klog.V(2).Infof("nativebuild: ran %s with %v", m.prog.Name, bindings)
	return nil
}

func bindingArgs(bindings shapes.Bindings) []string {
	var args []string
	for _, symbol := range slices.Sorted(maps.Keys(bindings)) {
		args = append(args, fmt.Sprintf("%s=%d", symbol, bindings[symbol]))
	}
	return args
}

// writeBuffer writes the raw little-endian elements of buf.
func writeBuffer(path string, buf *runtime.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, buf.Flat)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "writing %s", path)
}

// readBuffer reads the raw little-endian elements of buf, which must be exactly the size of the file.
func readBuffer(path string, buf *runtime.Buffer) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "output not written")
	}
	want := int64(buf.Len()) * int64(buf.DType().Size())
	if info.Size() != want {
		return errors.Errorf("%s has %d bytes, expected %d", path, info.Size(), want)
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = f.Close() }()
	return errors.Wrapf(binary.Read(bufio.NewReader(f), binary.LittleEndian, buf.Flat), "reading %s", path)
}

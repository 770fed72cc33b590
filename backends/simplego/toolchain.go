// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/gomlx/tensorforge/pkg/support/fsutil"
	"github.com/gomlx/tensorforge/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// toolchain implements backends.Toolchain in-process.
type toolchain struct {
	target *Target
}

// BuildProfiler implements backends.Toolchain: it decodes the profiler spec and binds it to the kernel.
func (tc *toolchain) BuildProfiler(_ context.Context, src *backends.ProfilerSource, workDir string) (backends.ProfilerBinary, error) {
	var spec profilerSpec
	if err := json.Unmarshal([]byte(src.Source), &spec); err != nil {
		return nil, errors.Wrapf(err, "simplego: invalid profiler source %s", src.Name)
	}
	k, err := lookupKernel(spec.Platform, spec.Kind)
	if err != nil {
		return nil, err
	}
	attrs, err := graph.NewAttributes(spec.Family)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec.Attrs, attrs); err != nil {
		return nil, errors.Wrapf(err, "simplego: decoding attributes in profiler %s", src.Name)
	}
	if workDir != "" {
		path := filepath.Join(workDir, src.Name+".json")
		if err := os.WriteFile(path, []byte(src.Source), 0o644); err != nil {
			return nil, errors.Wrapf(err, "simplego: writing profiler %s", src.Name)
		}
	}
	klog.V(2).Infof("simplego: built profiler %s for %s", src.Name, spec.Kind)
	return &profiler{spec: spec, kernel: k, attrs: attrs}, nil
}

// Compile implements backends.Toolchain: units are listings, written as they are.
func (tc *toolchain) Compile(ctx context.Context, unit *backends.Unit, workDir string) (*backends.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(unit.Source) == "" {
		return nil, errors.Errorf("simplego: unit %s is empty", unit.Name)
	}
	path := filepath.Join(workDir, unit.Name)
	if err := os.WriteFile(path, []byte(unit.Source), 0o644); err != nil {
		return nil, errors.Wrapf(err, "simplego: compiling unit %s", unit.Name)
	}
	return &backends.Object{Unit: unit.Name, Path: path}, nil
}

// Link implements backends.Toolchain: it checks every function was compiled, and writes the linked
// module, which is the program itself.
func (tc *toolchain) Link(ctx context.Context, prog *backends.Program, objects []*backends.Object, workDir string) (backends.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, obj := range objects {
		if exists, err := fsutil.FileExists(obj.Path); err != nil {
			return nil, errors.WithMessagef(err, "simplego: linking %s", prog.Name)
		} else if !exists {
			return nil, errors.Errorf("simplego: missing object %s for unit %s", obj.Path, obj.Unit)
		}
	}
	for _, fn := range prog.Functions {
		if _, err := lookupKernel(prog.Platform, fn.Kind); err != nil {
			return nil, errors.WithMessagef(err, "simplego: linking %s", fn.Name)
		}
	}
	data, err := json.Marshal(prog)
	if err != nil {
		return nil, errors.Wrapf(err, "simplego: linking %s", prog.Name)
	}
	path := filepath.Join(workDir, prog.Name+".simplego.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "simplego: writing module %s", path)
	}
	return &Artifact{path: path}, nil
}

// Artifact is a linked simplego module.
type Artifact struct {
	path string
}

// NewArtifact returns the artifact at path, as written by the simplego toolchain.
func NewArtifact(path string) *Artifact { return &Artifact{path: path} }

// Path implements backends.Artifact.
func (a *Artifact) Path() string { return a.path }

// Load implements backends.Artifact.
func (a *Artifact) Load() (runtime.Module, error) {
	prog, err := backends.ReadProgram(a.path)
	if err != nil {
		return nil, err
	}
	return NewModule(prog)
}

// profiler runs the candidates of one operator in-process.
type profiler struct {
	spec   profilerSpec
	kernel *kernel
	attrs  graph.Attributes
}

// runningCandidates is the number of candidates being benchmarked in-process.
var runningCandidates atomic.Int64

// Run implements backends.ProfilerBinary. The device is ignored: the host has a single memory space.
//
// In-process candidates can't be interrupted: when ctx is done, Run still waits for the candidate to
// finish before returning the error, so the caller's device slot is never shared with a stray benchmark.
func (p *profiler) Run(ctx context.Context, _ int, args []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "profiler %s", p.spec.Kind)
	}
	ranks := append(append([]int(nil), p.spec.InputRanks...), p.spec.OutputRanks...)
	want := 1
	for _, rank := range ranks {
		want += rank
	}
	if len(args) != want {
		return nil, errors.Errorf("profiler %s: expected %d arguments, got %d", p.spec.Kind, want, len(args))
	}
	var concrete [][]int
	pos := 0
	for _, rank := range ranks {
		dims := make([]int, rank)
		for axis := range dims {
			d, err := strconv.Atoi(args[pos])
			if err != nil || d <= 0 {
				return nil, errors.Errorf("profiler %s: invalid dimension %q", p.spec.Kind, args[pos])
			}
			dims[axis] = d
			pos++
		}
		concrete = append(concrete, dims)
	}
	name := args[pos]
	c := p.kernel.candidate(name)
	if c == nil {
		return nil, errors.Errorf("profiler %s: unknown candidate %q", p.spec.Kind, name)
	}

	numInputs := len(p.spec.InputRanks)
	rng := rand.New(rand.NewPCG(42, uint64(len(args))))
	inputs := make([]operand, numInputs)
	for ii := range inputs {
		inputs[ii] = randomOperand(rng, concrete[ii])
	}
	output := operand{dims: concrete[numInputs]}
	output.data = make([]float32, xslices.Product(output.dims))

	type result struct {
		elapsed time.Duration
		err     error
	}
	done := make(chan result, 1)
	runningCandidates.Add(1)
	go func() {
		var r result
		r.err = exceptions.TryCatch[error](func() {
			start := time.Now()
			c.run(p.attrs, inputs, output)
			r.elapsed = time.Since(start)
		})
		runningCandidates.Add(-1)
		done <- r
	}()
	select {
	case <-ctx.Done():
		<-done
		return nil, errors.Wrapf(ctx.Err(), "profiler %s: candidate %s", p.spec.Kind, name)
	case r := <-done:
		if r.err != nil {
			return nil, errors.WithMessagef(r.err, "profiler %s: candidate %s failed", p.spec.Kind, name)
		}
		var ws int64
		if c.workspace != nil {
			ws = c.workspace(p.attrs, inputs, output)
		}
		line := backends.FormatProfileResult(backends.ProfileResult{Candidate: name, Time: r.elapsed, Workspace: ws})
		return []byte(line + "\n"), nil
	}
}

func randomOperand(rng *rand.Rand, dims []int) operand {
	data := make([]float32, xslices.Product(dims))
	for ii := range data {
		data[ii] = rng.Float32()*2 - 1
	}
	return operand{dims: dims, data: data}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codegen

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorforge/backends"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// BuildOptions configure Build.
type BuildOptions struct {
	// Dir where units, objects, the artifact and the program manifest are written. Required.
	Dir string

	// Jobs is the maximum number of units compiled in parallel. Defaults to the number of CPUs.
	Jobs int

	// SingleUnit renders the whole program into one unit, instead of one unit per operator.
	SingleUnit bool
}

// BuildError is a failure of the target's toolchain. No artifact is produced.
type BuildError struct {
	// Stage is "render", "compile" or "link".
	Stage string

	// Unit that failed to compile, if Stage is "compile".
	Unit string

	// Diagnostics printed by the toolchain, if any.
	Diagnostics string

	Err error
}

// Error implements error.
func (e *BuildError) Error() string {
	msg := "build failed at " + e.Stage
	if e.Unit != "" {
		msg += " of unit " + e.Unit
	}
	msg += ": " + e.Err.Error()
	if e.Diagnostics != "" {
		msg += "\n" + e.Diagnostics
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BuildError) Unwrap() error { return e.Err }

// diagnoser is implemented by toolchain errors carrying the output of the failed command.
type diagnoser interface {
	Diagnostics() string
}

func newBuildError(stage, unit string, err error) *BuildError {
	be := &BuildError{Stage: stage, Unit: unit, Err: err}
	var d diagnoser
	if errors.As(err, &d) {
		be.Diagnostics = d.Diagnostics()
	}
	return be
}

// Build renders the program into units, compiles them in parallel, links all objects once into the
// artifact and writes the program manifest (backends.ProgramFileName) next to it.
func Build(ctx context.Context, prog *backends.Program, target backends.Target, opts BuildOptions) (backends.Artifact, error) {
	if opts.Dir == "" {
		return nil, errors.New("codegen: a build directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating build directory %q", opts.Dir)
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	start := time.Now()
	units, err := target.Emitter().RenderUnits(prog, !opts.SingleUnit)
	if err != nil {
		return nil, newBuildError("render", "", err)
	}

	toolchain := target.Toolchain()
	objects := make([]*backends.Object, len(units))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(jobs)
	for ii, unit := range units {
		eg.Go(func() error {
			obj, err := toolchain.Compile(egCtx, unit, opts.Dir)
			if err != nil {
				return newBuildError("compile", unit.Name, err)
			}
			objects[ii] = obj
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("codegen: compiled %d units of %s in %s (%d jobs)", len(units), prog.Name, time.Since(start), jobs)

	artifact, err := toolchain.Link(ctx, prog, objects, opts.Dir)
	if err != nil {
		return nil, newBuildError("link", "", err)
	}
	if _, err := prog.WriteFile(opts.Dir); err != nil {
		return nil, err
	}
	var workspace uint64
	if prog.Memory != nil {
		workspace = uint64(prog.Memory.TotalBytes)
	}
	klog.V(1).Infof("codegen: built %s in %s: %s (intermediates %s, kernel workspace %s)", prog.Name,
		time.Since(start), artifact.Path(), humanize.Bytes(workspace), humanize.Bytes(uint64(prog.Workspace)))
	return artifact, nil
}

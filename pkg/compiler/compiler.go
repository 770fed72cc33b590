// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler is the entry point of tensorforge: it compiles a graph of tensor operators into a
// loadable module for a target.
//
// Compilation runs, in order: the check that every operator kind has a kernel on the target, the
// transform pipeline, profiling (kernel selection), code generation, the build, and the load of the
// artifact. Any failure aborts the compilation, and no artifact is returned.
//
// Example:
//
//	g := graph.New("mlp")
//	x := g.Input("x", shapes.Make(dtypes.Float16, 128, 1024))
//	w := g.Input("w", shapes.Make(dtypes.Float16, 64, 1024))
//	bias := g.Input("bias", shapes.Make(dtypes.Float16, 64))
//	y := graph.FastGelu(graph.Add(graph.Gemm(graph.LayoutRCR, x, w), bias))
//	compiled, err := compiler.Compile(ctx, []*graph.Tensor{y}, must.M1(compiler.ConfigFromEnv()))
//	...
//	err = compiled.Module.Run(inputs, outputs)
package compiler

import (
	"context"
	"os"
	"time"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/compiler/codegen"
	"github.com/gomlx/tensorforge/pkg/compiler/profiler"
	"github.com/gomlx/tensorforge/pkg/compiler/transform"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiled is the result of a compilation.
type Compiled struct {
	Target backends.Target

	// Graph after the transform pipeline, with the profiled execution paths of every operator.
	Graph *graph.Graph

	Program  *backends.Program
	Artifact backends.Artifact

	// Module is the loaded artifact, ready to run.
	Module runtime.Module

	// ProfileStats of the profiling of this compilation.
	ProfileStats profiler.Stats
}

// Close the loaded module.
func (c *Compiled) Close() error {
	return c.Module.Close()
}

// Compile the graph of the given output tensors. They are compiled as outputs, in addition to the outputs
// already marked in their graph, which is not modified.
func Compile(ctx context.Context, outputs []*graph.Tensor, cfg Config) (*Compiled, error) {
	if len(outputs) == 0 {
		return nil, errors.New("compiler: no outputs given")
	}
	g := outputs[0].Graph()
	for _, output := range outputs {
		if output.Graph() != g {
			return nil, errors.Errorf("compiler: output %q belongs to a different graph than %q", output.Name(), outputs[0].Name())
		}
	}
	// Clones keep the tensor ids.
	c := g.Clone()
	for _, output := range outputs {
		c.MarkOutput(c.Tensor(output.ID()), "")
	}
	return CompileGraph(ctx, c, cfg)
}

// CompileGraph compiles the graph, whose outputs must have been marked. The graph itself is not modified.
//
// If cfg.BuildDir is empty, a temporary build directory is created. It holds the artifact, and it is
// removed if the compilation fails.
func CompileGraph(ctx context.Context, g *graph.Graph, cfg Config) (compiled *Compiled, err error) {
	start := time.Now()
	target, err := newTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	if len(g.Outputs()) == 0 {
		return nil, errors.Errorf("compiler: graph %q has no outputs", g.Name())
	}
	if err := backends.CheckSupport(g, target); err != nil {
		return nil, err
	}

	platform := target.Platform()
	pipeline := transform.NewPipeline(func(kind graph.OpKind) bool { return backends.IsRegistered(platform, kind) }, cfg.Alignment)
	if cfg.DisableFusion {
		pipeline = pipeline.WithoutFusion()
	}
	transformed, err := pipeline.Run(g)
	if err != nil {
		return nil, err
	}

	cache, err := profiler.OpenCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	options := []profiler.Option{profiler.WithGrid(cfg.Grid)}
	if cfg.ProfilerTimeout > 0 {
		options = append(options, profiler.WithTimeout(cfg.ProfilerTimeout))
	}
	if cfg.ProfilerRepeats > 0 {
		options = append(options, profiler.WithRepeats(cfg.ProfilerRepeats))
	}
	if cfg.ProfilingProgress != nil {
		options = append(options, profiler.WithProgress(cfg.ProfilingProgress))
	}
	engine := profiler.New(target, cache, options...)
	if err := engine.Profile(ctx, transformed); err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", g.Name())
	}

	prog, err := codegen.Generate(transformed, target)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", g.Name())
	}
	buildDir := cfg.BuildDir
	if buildDir == "" {
		if buildDir, err = os.MkdirTemp("", "tensorforge-"+g.Name()+"-"); err != nil {
			return nil, errors.Wrap(err, "creating build directory")
		}
		defer func() {
			if err != nil {
				_ = os.RemoveAll(buildDir)
			}
		}()
	}
	artifact, err := codegen.Build(ctx, prog, target, codegen.BuildOptions{Dir: buildDir, Jobs: cfg.BuildJobs, SingleUnit: cfg.SingleUnit})
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", g.Name())
	}
	module, err := artifact.Load()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s", artifact.Path())
	}
	stats := engine.Stats()
	klog.V(1).Infof("compiler: %q compiled for %s in %s: %d functions, %d profiling jobs (%d cached, %d benchmark runs)",
		g.Name(), platform, time.Since(start), len(prog.Functions), stats.Jobs, stats.CacheHits, stats.Executions)
	return &Compiled{
		Target:       target,
		Graph:        transformed,
		Program:      prog,
		Artifact:     artifact,
		Module:       module,
		ProfileStats: stats,
	}, nil
}

func newTarget(config string) (backends.Target, error) {
	if config == "" {
		return backends.New()
	}
	return backends.NewWithConfig(config)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorforge/pkg/compiler"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/gomlx/tensorforge/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

func compileCmd(args []string) error {
	cfg, err := compiler.ConfigFromEnv()
	if err != nil {
		return err
	}
	flags := flag.NewFlagSet("compile", flag.ExitOnError)
	flags.StringVar(&cfg.Target, "target", cfg.Target, "Target as \"<name>[:<variant>]\". Defaults to $TENSORFORGE_TARGET or the default target.")
	flags.StringVar(&cfg.BuildDir, "out", "", "Build directory. If empty, a temporary directory is used and removed at the end.")
	flags.StringVar(&cfg.CacheDir, "cache", cfg.CacheDir, "Directory of the profiling cache.")
	flags.DurationVar(&cfg.ProfilerTimeout, "timeout", cfg.ProfilerTimeout, "Timeout of each candidate benchmark.")
	flags.IntVar(&cfg.BuildJobs, "jobs", cfg.BuildJobs, "Maximum number of units compiled in parallel, 0 for the number of CPUs.")
	flags.BoolVar(&cfg.SingleUnit, "single_unit", cfg.SingleUnit, "Render the program into a single unit.")
	flags.BoolVar(&cfg.DisableFusion, "no_fusion", cfg.DisableFusion, "Disable the fusion of epilogues.")
	grid := flags.String("grid", cfg.Grid.String(), "Values of dynamic dimensions profiled: \"minmax\" or \"pow2\".")
	quiet := flags.Bool("quiet", false, "Don't display the progress bar.")
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return errors.New("compile takes exactly one serialized graph, see \"tensorforge compile -help\"")
	}
	if cfg.Grid, err = shapes.ParseGridMode(*grid); err != nil {
		return err
	}

	g, err := readGraph(flags.Arg(0))
	if err != nil {
		return err
	}
	progress := newProfilingProgress()
	defer progress.finish()
	if !*quiet {
		cfg.ProfilingProgress = progress.update
	}
	if cfg.BuildDir == "" {
		if cfg.BuildDir, err = os.MkdirTemp("", "tensorforge-"+g.Name()+"-"); err != nil {
			return errors.Wrap(err, "creating build directory")
		}
		defer func() { _ = os.RemoveAll(cfg.BuildDir) }()
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	start := time.Now()
	compiled, err := compiler.CompileGraph(ctx, g, cfg)
	progress.finish()
	if err != nil {
		return err
	}
	defer func() {
		if err := compiled.Close(); err != nil {
			klog.Warningf("closing module: %v", err)
		}
	}()
	report(compiled, time.Since(start))
	return nil
}

func readGraph(path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening graph")
	}
	defer func() { _ = f.Close() }()
	g, err := graph.Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading graph from %s", path)
	}
	return g, nil
}

// profilingProgress displays a progress bar of the profiling jobs.
type profilingProgress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProfilingProgress() *profilingProgress {
	return &profilingProgress{}
}

// update is called by the profiler, possibly concurrently, every time a job finishes.
func (p *profilingProgress) update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		output.HideCursor()
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Profiling"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("jobs"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = p.bar.Set(done)
}

func (p *profilingProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
		output.ShowCursor()
		p.bar = nil
	}
}

// report prints the selected kernels and the statistics of the compilation.
func report(compiled *compiler.Compiled, elapsed time.Duration) {
	prog := compiled.Program
	fmt.Println(titleStyle.Render(fmt.Sprintf("Program %s", prog.Name)))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("target", fmt.Sprintf("%s (%s)", compiled.Target.Description(), prog.Platform))
	table.Row("build id", prog.BuildID)
	table.Row("artifact", compiled.Artifact.Path())
	table.Row("inputs", specsString(prog.InputSpecs()))
	table.Row("outputs", specsString(prog.OutputSpecs()))
	if prog.Memory != nil {
		table.Row("intermediates", humanize.IBytes(uint64(prog.Memory.TotalBytes)))
	}
	table.Row("workspace", humanize.IBytes(uint64(prog.Workspace)))
	stats := compiled.ProfileStats
	table.Row("profiling jobs", fmt.Sprintf("%s (%s cached)", humanize.Comma(stats.Jobs), humanize.Comma(stats.CacheHits)))
	table.Row("benchmarks", fmt.Sprintf("%s runs of %s profilers, %s failed",
		humanize.Comma(stats.Executions), humanize.Comma(stats.Builds), humanize.Comma(stats.Failures)))
	table.Row("elapsed", elapsed.Round(time.Millisecond).String())
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Kernels"))
	table = newPlainTable(lipgloss.Left)
	table.Headers("Operator", "Kind", "Bindings", "Kernel", "Latency")
	for _, fn := range prog.Functions {
		for _, path := range fn.ExecPaths {
			bindings := "static"
			if len(path.Bindings) > 0 {
				bindings = path.Bindings.Key()
			}
			table.Row(fn.Name, string(fn.Kind), bindings, path.Kernel, path.Latency.String())
		}
	}
	fmt.Println(table.Render())
}

func specsString(specs []runtime.TensorSpec) string {
	return strings.Join(xslices.Map(specs, func(spec runtime.TensorSpec) string {
		return fmt.Sprintf("%s: %s", spec.Name, spec.Shape)
	}), ", ")
}

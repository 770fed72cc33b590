// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler selects, for every operator of a graph, the fastest kernel candidate of the target
// for each representative binding of its dynamic dimensions.
//
// Candidates are measured by profilers built from the kernels' GenProfiler sources. Profilers are only
// built on a cache miss, and at most once per source. Benchmarks run concurrently, at most one per
// device of the target. Selections are stored in a Cache, so profiling an unchanged graph again
// doesn't run any benchmark.
package profiler

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/internal/workerspool"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// ErrNoCandidates is returned (wrapped with the operator and shapes) when no kernel candidate survives
// filtering, or every surviving candidate failed.
var ErrNoCandidates = errors.New("no kernel candidate left after filtering")

const (
	// DefaultTimeout for each candidate benchmark.
	DefaultTimeout = 30 * time.Second

	// DefaultRepeats is the number of times each candidate is measured: its median time is used.
	DefaultRepeats = 3
)

// Stats of the work done by an Engine.
type Stats struct {
	// Jobs is the number of distinct (operator, shapes) profiling jobs.
	Jobs int64

	// CacheHits is the number of jobs resolved from the cache.
	CacheHits int64

	// Builds is the number of profilers built.
	Builds int64

	// Executions is the number of candidate benchmark runs.
	Executions int64

	// Failures is the number of candidate runs that failed or timed out.
	Failures int64
}

// Engine profiles the operators of graphs for one target.
type Engine struct {
	target   backends.Target
	platform string // Kernels registry key.
	cacheNS  string // Platform of the cache keys.
	cache    *Cache
	pool     *workerspool.Pool

	timeout  time.Duration
	repeats  int
	gridMode shapes.GridMode
	workDir  string
	progress func(done, total int)

	builds      singleflight.Group
	jobs        singleflight.Group
	muProfilers sync.Mutex
	profilers   map[string]backends.ProfilerBinary // Per source hash.

	numJobs, numHits, numBuilds, numRuns, numFailures atomic.Int64
}

// Option configures an Engine.
type Option func(e *Engine)

// WithTimeout sets the timeout of each candidate benchmark. Timed out candidates are excluded.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.timeout = timeout }
}

// WithRepeats sets how many times each candidate is measured.
func WithRepeats(n int) Option {
	return func(e *Engine) { e.repeats = max(n, 1) }
}

// WithGrid sets how the representative values of dynamic dimensions are chosen.
func WithGrid(mode shapes.GridMode) Option {
	return func(e *Engine) { e.gridMode = mode }
}

// WithWorkDir sets the directory where profilers are built. The default is a "profilers" subdirectory
// of the cache.
func WithWorkDir(dir string) Option {
	return func(e *Engine) { e.workDir = dir }
}

// WithProgress sets a function called every time a profiling job finishes.
// It may be called concurrently.
func WithProgress(fn func(done, total int)) Option {
	return func(e *Engine) { e.progress = fn }
}

// New creates a profiling Engine for the target, storing selections in cache.
func New(target backends.Target, cache *Cache, options ...Option) *Engine {
	e := &Engine{
		target:    target,
		platform:  target.Platform(),
		cacheNS:   backends.ProfilingPlatform(target),
		cache:     cache,
		pool:      workerspool.New(target.NumDevices()),
		timeout:   DefaultTimeout,
		repeats:   DefaultRepeats,
		workDir:   filepath.Join(cache.Dir(), "profilers"),
		profilers: make(map[string]backends.ProfilerBinary),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Stats returns a snapshot of the work done so far.
func (e *Engine) Stats() Stats {
	return Stats{
		Jobs:       e.numJobs.Load(),
		CacheHits:  e.numHits.Load(),
		Builds:     e.numBuilds.Load(),
		Executions: e.numRuns.Load(),
		Failures:   e.numFailures.Load(),
	}
}

// MaxConcurrentBenchmarks returns the highest number of benchmarks that ran at the same time.
func (e *Engine) MaxConcurrentBenchmarks() int { return e.pool.MaxRunning() }

// job profiles one operator for one binding of its dynamic dimensions.
type job struct {
	op         *graph.Operator
	kernel     backends.Kernel
	candidates []backends.KernelCandidate
	bindings   shapes.Bindings
	path       *graph.ExecPath
}

// Profile selects a kernel candidate for every operator of g, for every point of the representative grid
// of its dynamic dimensions, and stores them as the operators' ExecPaths.
//
// It returns an error wrapping ErrNoCandidates if for some operator and shapes no candidate survives.
// g must be sorted, as returned by the transform pipeline.
func (e *Engine) Profile(ctx context.Context, g *graph.Graph) error {
	var jobs []*job
	opPaths := make(map[*graph.Operator][]graph.ExecPath)
	var ops []*graph.Operator
	for _, op := range g.SortedOperators() {
		kernel, err := backends.LookupKernel(e.platform, op.Kind())
		if err != nil {
			return errors.WithMessagef(err, "profiling %s", op.Name())
		}
		candidates, err := kernel.Config(op)
		if err != nil {
			return errors.WithMessagef(err, "configuring candidates of %s", op.Name())
		}
		grid, err := g.Symbols().Grid(op.Symbols(), e.gridMode)
		if err != nil {
			return errors.WithMessagef(err, "profiling %s", op.Name())
		}
		paths := make([]graph.ExecPath, len(grid))
		for ii, bindings := range grid {
			paths[ii].Bindings = bindings
			jobs = append(jobs, &job{op: op, kernel: kernel, candidates: candidates, bindings: bindings, path: &paths[ii]})
		}
		opPaths[op] = paths
		ops = append(ops, op)
	}

	klog.V(1).Infof("profiler: %d operators, %d jobs on %s", len(ops), len(jobs), e.platform)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4 * e.pool.NumDevices())
	var done atomic.Int64
	for _, j := range jobs {
		eg.Go(func() error {
			rec, err := e.profileJob(egCtx, j)
			if err != nil {
				return err
			}
			j.path.Kernel = rec.Candidate
			j.path.Latency = rec.Latency
			j.path.Workspace = rec.Workspace
			if e.progress != nil {
				e.progress(int(done.Add(1)), len(jobs))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for _, op := range ops {
		op.SetExecPaths(opPaths[op])
	}
	return nil
}

// profileJob returns the record for the job, from the cache or by profiling it. Identical jobs
// (same key) running concurrently are merged.
func (e *Engine) profileJob(ctx context.Context, j *job) (*Record, error) {
	concrete, err := backends.ConcreteShapes(j.op, j.bindings)
	if err != nil {
		return nil, errors.WithMessagef(err, "profiling %s", j.op.Name())
	}
	key := Key{Signature: j.op.Signature(), Shape: backends.ShapeSignature(concrete), Platform: e.cacheNS}
	result, err, _ := e.jobs.Do(key.String(), func() (any, error) {
		e.numJobs.Add(1)
		if rec, found := e.cache.Get(key); found {
			if e.isValidSelection(j, rec.Candidate, concrete) {
				e.numHits.Add(1)
				klog.V(2).Infof("profiler: cache hit for %s %s: %s", j.op.Name(), key.Shape, rec.Candidate)
				return rec, nil
			}
			// Records are only removed explicitly: the new selection is used but not stored.
			klog.Warningf("profiler: cached selection %q for %s %s is no longer valid, profiling again "+
				"(delete record %s to store the new selection)", rec.Candidate, j.op.Name(), key.Shape, key.Hash())
			return e.measure(ctx, j, key, concrete)
		}
		rec, err := e.measure(ctx, j, key, concrete)
		if err != nil {
			return nil, err
		}
		return e.cache.Put(rec)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Record), nil
}

func (e *Engine) isValidSelection(j *job, name string, concrete [][]int) bool {
	idx := slices.IndexFunc(j.candidates, func(c backends.KernelCandidate) bool { return c.Name == name })
	return idx >= 0 && j.kernel.Filter(j.candidates[idx], j.op, concrete)
}

// measure filters the candidates for the concrete shapes and benchmarks the survivors.
func (e *Engine) measure(ctx context.Context, j *job, key Key, concrete [][]int) (*Record, error) {
	var survivors []backends.KernelCandidate
	for _, c := range j.candidates {
		if j.kernel.Filter(c, j.op, concrete) {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return nil, errors.Wrapf(ErrNoCandidates, "operator %s (%s) with shapes %s on %s",
			j.op.Name(), j.op.Kind(), key.Shape, e.platform)
	}
	if len(survivors) == 1 {
		klog.V(1).Infof("profiler: %s %s: single candidate %s", j.op.Name(), key.Shape, survivors[0].Name)
		return &Record{Key: key, Candidate: survivors[0].Name}, nil
	}

	bin, err := e.profiler(ctx, j)
	if err != nil {
		return nil, err
	}
	var best *Record
	err = e.pool.Run(ctx, func(device int) error {
		for _, c := range survivors {
			latency, workspace, err := e.benchmark(ctx, bin, device, c, concrete)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.numFailures.Add(1)
				klog.Warningf("profiler: excluding candidate %s of %s %s: %v", c.Name, j.op.Name(), key.Shape, err)
				continue
			}
			klog.V(2).Infof("profiler: %s %s: %s took %s (workspace %s)",
				j.op.Name(), key.Shape, c.Name, latency, humanize.Bytes(uint64(workspace)))
			// Strictly faster only: ties keep the earlier candidate.
			if best == nil || latency < best.Latency {
				best = &Record{Key: key, Candidate: c.Name, Latency: latency, Workspace: workspace, Benchmarked: true}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, errors.Wrapf(ErrNoCandidates, "operator %s (%s) with shapes %s on %s: all %d candidates failed",
			j.op.Name(), j.op.Kind(), key.Shape, e.platform, len(survivors))
	}
	klog.V(1).Infof("profiler: %s %s: selected %s (%s)", j.op.Name(), key.Shape, best.Candidate, best.Latency)
	return best, nil
}

// benchmark runs the candidate e.repeats times on the device, and returns its median latency.
func (e *Engine) benchmark(ctx context.Context, bin backends.ProfilerBinary, device int,
	c backends.KernelCandidate, concrete [][]int) (time.Duration, int64, error) {
	args := backends.ProfilerArgs(concrete, c.Name)
	samples := make([]float64, 0, e.repeats)
	var workspace int64
	for range e.repeats {
		runCtx, cancel := context.WithTimeout(ctx, e.timeout)
		output, err := bin.Run(runCtx, device, args)
		cancel()
		e.numRuns.Add(1)
		if err != nil {
			return 0, 0, err
		}
		results, err := backends.ParseProfilerOutput(output)
		if err != nil {
			return 0, 0, err
		}
		idx := slices.IndexFunc(results, func(r backends.ProfileResult) bool { return r.Candidate == c.Name })
		if idx < 0 {
			return 0, 0, errors.Errorf("profiler reported no result for candidate %s", c.Name)
		}
		samples = append(samples, float64(results[idx].Time))
		workspace = max(workspace, results[idx].Workspace)
	}
	slices.Sort(samples)
	median := stat.Quantile(0.5, stat.Empirical, samples, nil)
	return time.Duration(median), workspace, nil
}

// profiler returns the built profiler of the job's operator, building it at most once per source.
func (e *Engine) profiler(ctx context.Context, j *job) (backends.ProfilerBinary, error) {
	src, err := j.kernel.GenProfiler(j.op, j.candidates)
	if err != nil {
		return nil, errors.WithMessagef(err, "generating profiler for %s", j.op.Name())
	}
	hash := src.Hash()
	e.muProfilers.Lock()
	bin, found := e.profilers[hash]
	e.muProfilers.Unlock()
	if found {
		return bin, nil
	}
	result, err, _ := e.builds.Do(hash, func() (any, error) {
		e.muProfilers.Lock()
		bin, found := e.profilers[hash]
		e.muProfilers.Unlock()
		if found {
			return bin, nil
		}
		if err := os.MkdirAll(e.workDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating profilers directory %q", e.workDir)
		}
		start := time.Now()
		bin, err := e.target.Toolchain().BuildProfiler(ctx, src, e.workDir)
		if err != nil {
			return nil, errors.WithMessagef(err, "building profiler %s for %s", src.Name, j.op.Name())
		}
		e.numBuilds.Add(1)
		klog.V(1).Infof("profiler: built %s in %s", src.Name, time.Since(start))
		e.muProfilers.Lock()
		e.profilers[hash] = bin
		e.muProfilers.Unlock()
		return bin, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(backends.ProfilerBinary), nil
}

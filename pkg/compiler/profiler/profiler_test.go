// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/backends/simplego"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	os.Exit(m.Run())
}

const fakePlatform = "profilertest"

// fakeTarget benchmarks candidates with scripted behaviors.
type fakeTarget struct {
	numDevices int
	variant    string
	builds     atomic.Int64

	mu      sync.Mutex
	running map[int]bool
	overlap bool // Set if two benchmarks ever ran on the same device at the same time.
}

func newFakeTarget(numDevices int) *fakeTarget {
	return &fakeTarget{numDevices: numDevices, running: make(map[int]bool)}
}

func (t *fakeTarget) Name() string                  { return fakePlatform }
func (t *fakeTarget) Variant() string               { return t.variant }
func (t *fakeTarget) Platform() string              { return fakePlatform }
func (t *fakeTarget) Description() string           { return "scripted profiling target" }
func (t *fakeTarget) NumDevices() int               { return t.numDevices }
func (t *fakeTarget) Toolchain() backends.Toolchain { return fakeToolchain{t} }
func (t *fakeTarget) Emitter() backends.Emitter     { return nil }

type fakeToolchain struct{ t *fakeTarget }

func (tc fakeToolchain) BuildProfiler(_ context.Context, _ *backends.ProfilerSource, _ string) (backends.ProfilerBinary, error) {
	tc.t.builds.Add(1)
	return &fakeBinary{t: tc.t}, nil
}

func (tc fakeToolchain) Compile(context.Context, *backends.Unit, string) (*backends.Object, error) {
	return nil, errors.New("not supported")
}

func (tc fakeToolchain) Link(context.Context, *backends.Program, []*backends.Object, string) (backends.Artifact, error) {
	return nil, errors.New("not supported")
}

// candidateTimes are the scripted latencies: candidates not listed fail, "hang" waits for its timeout.
var candidateTimes = map[string]time.Duration{
	"fast_a": time.Millisecond,
	"fast_b": time.Millisecond,
	"slow":   5 * time.Millisecond,
}

type fakeBinary struct{ t *fakeTarget }

func (b *fakeBinary) Run(ctx context.Context, device int, args []string) ([]byte, error) {
	b.t.mu.Lock()
	if b.t.running[device] {
		b.t.overlap = true
	}
	b.t.running[device] = true
	b.t.mu.Unlock()
	defer func() {
		b.t.mu.Lock()
		b.t.running[device] = false
		b.t.mu.Unlock()
	}()

	name := args[len(args)-1]
	if name == "hang" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	elapsed, found := candidateTimes[name]
	if !found {
		return nil, errors.Errorf("candidate %s crashed", name)
	}
	time.Sleep(time.Millisecond)
	return []byte("profiling " + name + "\n" +
		backends.FormatProfileResult(backends.ProfileResult{Candidate: name, Time: elapsed, Workspace: 128}) + "\n"), nil
}

// fakeKernel offers the listed candidates; those named in rejected never pass the filter.
type fakeKernel struct {
	candidates []string
	rejected   map[string]bool
}

func (k *fakeKernel) Config(*graph.Operator) ([]backends.KernelCandidate, error) {
	var candidates []backends.KernelCandidate
	for _, name := range k.candidates {
		candidates = append(candidates, backends.KernelCandidate{Name: name})
	}
	return candidates, nil
}

func (k *fakeKernel) GenProfiler(op *graph.Operator, candidates []backends.KernelCandidate) (*backends.ProfilerSource, error) {
	return &backends.ProfilerSource{Platform: fakePlatform, Kind: op.Kind(), Name: "profiler_" + string(op.Kind()),
		Source: fmt.Sprint(k.candidates), Candidates: candidates}, nil
}

func (k *fakeKernel) Filter(c backends.KernelCandidate, _ *graph.Operator, _ [][]int) bool {
	return !k.rejected[c.Name]
}

func (k *fakeKernel) GenFunction(*graph.Operator, backends.KernelCandidate) (string, error) {
	return "", nil
}
func (k *fakeKernel) GenFunctionDecl(*graph.Operator) (string, error)      { return "", nil }
func (k *fakeKernel) GenFunctionCall(*graph.Operator, int) (string, error) { return "", nil }

func init() {
	backends.RegisterKernel(fakePlatform, "elementwise", &fakeKernel{
		candidates: []string{"broken", "hang", "slow", "fast_a", "fast_b", "rejected"},
		rejected:   map[string]bool{"rejected": true},
	})
	backends.RegisterKernel(fakePlatform, "gemm", &fakeKernel{
		candidates: []string{"vec8", "vec16"},
		rejected:   map[string]bool{"vec8": true, "vec16": true},
	})
	backends.RegisterKernel(fakePlatform, "bmm", &fakeKernel{
		candidates: []string{"lonely", "rejected"},
		rejected:   map[string]bool{"rejected": true},
	})
}

// newElementwiseGraph returns relu(x) and sigmoid(x) over a dynamic batch, both selected among the
// scripted candidates.
func newElementwiseGraph() *graph.Graph {
	g := graph.New("elementwise")
	x := g.Input("x", shapes.MakeDims(dtypes.Float32, shapes.Dynamic("batch", 1, 64), shapes.Static(16)))
	g.MarkOutput(graph.Relu(x), "y")
	g.MarkOutput(graph.Sigmoid(x), "z")
	return g
}

func TestProfileSelection(t *testing.T) {
	target := newFakeTarget(2)
	cache := must.M1(OpenCache(t.TempDir()))
	var progress atomic.Int64
	engine := New(target, cache, WithTimeout(50*time.Millisecond), WithRepeats(3),
		WithProgress(func(done, total int) { progress.Store(int64(total)) }))
	g := newElementwiseGraph()
	require.NoError(t, engine.Profile(context.Background(), g))

	for _, op := range g.SortedOperators() {
		paths := op.ExecPaths()
		require.Len(t, paths, 2, "operator %s", op.Name())
		assert.Equal(t, shapes.Bindings{"batch": 1}, paths[0].Bindings)
		assert.Equal(t, shapes.Bindings{"batch": 64}, paths[1].Bindings)
		for _, path := range paths {
			// Ties break by configuration order; failures and timeouts are excluded.
			assert.Equal(t, "fast_a", path.Kernel)
			assert.Equal(t, time.Millisecond, path.Latency)
			assert.Equal(t, int64(128), path.Workspace)
		}
	}
	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.Builds, "one profiler per source")
	assert.Equal(t, int64(1), target.builds.Load())
	// 4 jobs: 2 operators x 2 grid points. Each runs "broken" and "hang" once, the others 3 times.
	assert.Equal(t, int64(4), stats.Jobs)
	assert.Equal(t, int64(4*(2+3*3)), stats.Executions)
	assert.Equal(t, int64(4*2), stats.Failures)
	assert.Equal(t, int64(4), progress.Load())
	assert.False(t, target.overlap, "benchmarks must have exclusive use of their device")
	assert.LessOrEqual(t, engine.MaxConcurrentBenchmarks(), 2)

	// Every selection is stored.
	records := must.M1(cache.List())
	require.Len(t, records, 4)
	for _, rec := range records {
		assert.Equal(t, "fast_a", rec.Candidate)
		assert.True(t, rec.Benchmarked)
		assert.Equal(t, fakePlatform, rec.Key.Platform)
	}
}

func TestProfileCacheReuse(t *testing.T) {
	dir := t.TempDir()
	g := newElementwiseGraph()
	first := New(newFakeTarget(1), must.M1(OpenCache(dir)), WithTimeout(50*time.Millisecond), WithRepeats(1))
	require.NoError(t, first.Profile(context.Background(), g))

	// A new engine and cache over the same directory: nothing is built nor run.
	target := newFakeTarget(1)
	second := New(target, must.M1(OpenCache(dir)), WithTimeout(50*time.Millisecond))
	g2 := newElementwiseGraph()
	require.NoError(t, second.Profile(context.Background(), g2))
	stats := second.Stats()
	assert.Equal(t, int64(0), stats.Builds)
	assert.Equal(t, int64(0), stats.Executions)
	assert.Equal(t, int64(4), stats.CacheHits)
	assert.Equal(t, int64(0), target.builds.Load())
	for ii, op := range g2.SortedOperators() {
		assert.Equal(t, g.SortedOperators()[ii].ExecPaths(), op.ExecPaths())
	}

	// Deleting one record forces only its key to be profiled again.
	records := must.M1(second.cache.List())
	require.NoError(t, second.cache.Delete(records[0].Key.Hash()))
	third := New(newFakeTarget(1), must.M1(OpenCache(dir)), WithTimeout(50*time.Millisecond), WithRepeats(1))
	require.NoError(t, third.Profile(context.Background(), newElementwiseGraph()))
	assert.Equal(t, int64(3), third.Stats().CacheHits)
	assert.Equal(t, int64(1), third.Stats().Builds)
}

func TestProfileNoCandidates(t *testing.T) {
	g := graph.New("gemm")
	a := g.Input("a", shapes.Make(dtypes.Float16, 16, 1020))
	b := g.Input("b", shapes.Make(dtypes.Float16, 8, 1020))
	g.MarkOutput(graph.Gemm(graph.LayoutRCR, a, b), "c")

	target := newFakeTarget(1)
	engine := New(target, must.M1(OpenCache(t.TempDir())))
	err := engine.Profile(context.Background(), g)
	require.ErrorIs(t, err, ErrNoCandidates)
	assert.Contains(t, err.Error(), "gemm_0")
	assert.Contains(t, err.Error(), "[16 1020]")
	assert.Equal(t, int64(0), target.builds.Load())
	assert.Empty(t, g.SortedOperators()[0].ExecPaths())
}

func TestProfileSingleCandidate(t *testing.T) {
	g := graph.New("bmm")
	a := g.Input("a", shapes.Make(dtypes.Float32, 2, 4, 8))
	b := g.Input("b", shapes.Make(dtypes.Float32, 2, 8, 4))
	g.MarkOutput(graph.Bmm(graph.LayoutRRR, a, b), "c")

	engine := New(newFakeTarget(1), must.M1(OpenCache(t.TempDir())))
	require.NoError(t, engine.Profile(context.Background(), g))
	paths := g.SortedOperators()[0].ExecPaths()
	require.Len(t, paths, 1)
	assert.Equal(t, "lonely", paths[0].Kernel)
	assert.Equal(t, int64(0), engine.Stats().Executions)
	assert.Equal(t, int64(0), engine.Stats().Builds)
}

func TestProfileSimpleGo(t *testing.T) {
	g := graph.New("gemm")
	a := g.Input("a", shapes.Make(dtypes.Float32, 16, 64))
	b := g.Input("b", shapes.Make(dtypes.Float32, 8, 64))
	g.MarkOutput(graph.Gemm(graph.LayoutRCR, a, b), "c")

	target := must.M1(simplego.New(simplego.VariantAligned8))
	engine := New(target, must.M1(OpenCache(t.TempDir())), WithRepeats(1))
	require.NoError(t, engine.Profile(context.Background(), g))
	op := g.SortedOperators()[0]
	require.Len(t, op.ExecPaths(), 1)
	assert.Contains(t, []string{"vec8", "blocked_64_a8"}, op.ExecPaths()[0].Kernel)
	assert.Equal(t, int64(2), engine.Stats().Executions)

	// Scenario: K=1020 isn't a multiple of 8, so no aligned8 candidate is left.
	g = graph.New("gemm_unaligned")
	a = g.Input("a", shapes.Make(dtypes.Float32, 16, 1020))
	b = g.Input("b", shapes.Make(dtypes.Float32, 8, 1020))
	g.MarkOutput(graph.Gemm(graph.LayoutRCR, a, b), "c")
	require.ErrorIs(t, engine.Profile(context.Background(), g), ErrNoCandidates)
}

func TestProfileCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := New(newFakeTarget(1), must.M1(OpenCache(t.TempDir())))
	err := engine.Profile(ctx, newElementwiseGraph())
	require.ErrorIs(t, err, context.Canceled)
}

func TestProfileCacheIsPerVariant(t *testing.T) {
	dir := t.TempDir()
	gen1 := newFakeTarget(1)
	gen1.variant = "gen1"
	first := New(gen1, must.M1(OpenCache(dir)), WithTimeout(50*time.Millisecond), WithRepeats(1))
	require.NoError(t, first.Profile(context.Background(), newElementwiseGraph()))
	for _, rec := range must.M1(first.cache.List()) {
		assert.Equal(t, fakePlatform+".gen1", rec.Key.Platform)
	}

	// Same kernels, different hardware: nothing measured on gen1 is reused.
	gen2 := newFakeTarget(1)
	gen2.variant = "gen2"
	second := New(gen2, must.M1(OpenCache(dir)), WithTimeout(50*time.Millisecond), WithRepeats(1))
	require.NoError(t, second.Profile(context.Background(), newElementwiseGraph()))
	assert.Equal(t, int64(0), second.Stats().CacheHits)
	assert.Equal(t, int64(1), second.Stats().Builds)
	assert.Len(t, must.M1(second.cache.List()), 8)

	again := New(gen1, must.M1(OpenCache(dir)), WithTimeout(50*time.Millisecond))
	require.NoError(t, again.Profile(context.Background(), newElementwiseGraph()))
	assert.Equal(t, int64(4), again.Stats().CacheHits)
}

func TestProfileInvalidCachedSelection(t *testing.T) {
	g := graph.New("bmm")
	a := g.Input("a", shapes.Make(dtypes.Float32, 2, 4, 8))
	b := g.Input("b", shapes.Make(dtypes.Float32, 2, 8, 4))
	g.MarkOutput(graph.Bmm(graph.LayoutRRR, a, b), "c")
	op := g.SortedOperators()[0]
	concrete := must.M1(backends.ConcreteShapes(op, nil))
	key := Key{Signature: op.Signature(), Shape: backends.ShapeSignature(concrete), Platform: fakePlatform}

	// A record selecting a candidate that no longer passes the filter.
	cache := must.M1(OpenCache(t.TempDir()))
	must.M1(cache.Put(&Record{Key: key, Candidate: "rejected", CreatedAt: time.Now()}))

	engine := New(newFakeTarget(1), cache)
	require.NoError(t, engine.Profile(context.Background(), g))
	assert.Equal(t, "lonely", op.ExecPaths()[0].Kernel)
	assert.Equal(t, int64(0), engine.Stats().CacheHits)

	// The cache is left untouched.
	rec, found := cache.Get(key)
	require.True(t, found)
	assert.Equal(t, "rejected", rec.Candidate)
	assert.Len(t, must.M1(cache.List()), 1)
}

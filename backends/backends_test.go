// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct{ variant string }

func (t *fakeTarget) Name() string        { return "fake" }
func (t *fakeTarget) Variant() string     { return t.variant }
func (t *fakeTarget) Platform() string    { return PlatformName("fake", t.variant) }
func (t *fakeTarget) Description() string { return "fake target" }
func (t *fakeTarget) NumDevices() int     { return 1 }
func (t *fakeTarget) Toolchain() Toolchain {
	return nil
}
func (t *fakeTarget) Emitter() Emitter { return nil }

type fakeKernel struct{}

func (fakeKernel) Config(*graph.Operator) ([]KernelCandidate, error) {
	return []KernelCandidate{{Name: "only"}}, nil
}
func (fakeKernel) GenProfiler(*graph.Operator, []KernelCandidate) (*ProfilerSource, error) {
	return nil, nil
}
func (fakeKernel) Filter(KernelCandidate, *graph.Operator, [][]int) bool { return true }
func (fakeKernel) GenFunction(*graph.Operator, KernelCandidate) (string, error) {
	return "", nil
}
func (fakeKernel) GenFunctionDecl(*graph.Operator) (string, error)      { return "", nil }
func (fakeKernel) GenFunctionCall(*graph.Operator, int) (string, error) { return "", nil }

func init() {
	Register("fake", func(variant string) (Target, error) { return &fakeTarget{variant: variant}, nil })
}

func TestNewWithConfig(t *testing.T) {
	target, err := NewWithConfig("fake:v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", target.Variant())
	assert.Equal(t, "fake.v2", target.Platform())

	t.Setenv(ConfigEnvVar, "fake")
	target, err = New()
	require.NoError(t, err)
	assert.Equal(t, "fake", target.Platform())

	_, err = NewWithConfig("unknown:x")
	require.Error(t, err)
	assert.Contains(t, List(), "fake")
}

func TestKernelRegistry(t *testing.T) {
	g := graph.New("registry")
	a := g.Input("a", shapes.Make(dtypes.Float32, 4, 8))
	b := g.Input("b", shapes.Make(dtypes.Float32, 2, 8))
	y := graph.Relu(graph.Gemm(graph.LayoutRCR, a, b))
	g.MarkOutput(y, "y")

	target := &fakeTarget{}
	RegisterKernel("fake", "gemm", fakeKernel{})
	_, err := LookupKernel("fake", "elementwise")
	require.ErrorIs(t, err, ErrKernelNotRegistered)

	err = CheckSupport(g, target)
	require.ErrorIs(t, err, ErrKernelNotRegistered)
	assert.Contains(t, err.Error(), "elementwise")
	assert.NotContains(t, err.Error(), "gemm (")

	RegisterKernel("fake", "elementwise", fakeKernel{})
	require.NoError(t, CheckSupport(g, target))
	assert.Equal(t, []graph.OpKind{"elementwise", "gemm"}, RegisteredKinds("fake"))

	gemm := g.SortedOperators()[0]
	concrete, err := ConcreteShapes(gemm, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{4, 8}, {2, 8}, {4, 2}}, concrete)
	assert.Equal(t, []string{"4", "8", "2", "8", "4", "2", "naive"}, ProfilerArgs(concrete, "naive"))
}

func TestProfilerOutput(t *testing.T) {
	line := FormatProfileResult(ProfileResult{Candidate: "blocked", Time: 1500 * time.Microsecond, Workspace: 64})
	assert.Equal(t, "OP: blocked TIME: 1.5 WS: 64", line)
	results, err := ParseProfilerOutput([]byte("warming up\n" + line + "\nOP: naive TIME: 3 WS: 0\n"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1500*time.Microsecond, results[0].Time)
	assert.Equal(t, int64(64), results[0].Workspace)
	assert.Equal(t, "naive", results[1].Candidate)

	_, err = ParseProfilerOutput([]byte("OP: naive TIME: x WS: 0"))
	require.Error(t, err)
}

func TestSelectPath(t *testing.T) {
	f := &Function{Name: "gemm_0", ExecPaths: []graph.ExecPath{
		{Bindings: shapes.Bindings{"batch": 1}, Kernel: "small"},
		{Bindings: shapes.Bindings{"batch": 64}, Kernel: "large"},
	}}
	path, err := f.SelectPath(shapes.Bindings{"batch": 1})
	require.NoError(t, err)
	assert.Equal(t, "small", path.Kernel)
	path, err = f.SelectPath(shapes.Bindings{"batch": 17})
	require.NoError(t, err)
	assert.Equal(t, "large", path.Kernel)

	_, err = (&Function{Name: "empty"}).SelectPath(nil)
	require.Error(t, err)
}

func TestKernelCandidate(t *testing.T) {
	c := KernelCandidate{Name: "vec8", Alignment: 8}
	assert.True(t, c.Aligned(1024, 64))
	assert.False(t, c.Aligned(1020))
	assert.Equal(t, "vec8(align=8)", c.String())
	assert.True(t, KernelCandidate{Name: "naive"}.Aligned(3))

	src := &ProfilerSource{Platform: "fake", Kind: "gemm", Name: "p", Source: "x"}
	other := *src
	other.Source = "y"
	assert.Equal(t, src.Hash(), (&ProfilerSource{Platform: "fake", Kind: "gemm", Name: "p", Source: "x"}).Hash())
	assert.NotEqual(t, src.Hash(), other.Hash())
}

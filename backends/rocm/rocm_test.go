// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rocm

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/backends/nativebuild"
	"github.com/gomlx/tensorforge/pkg/compiler/codegen"
	"github.com/gomlx/tensorforge/pkg/compiler/transform"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestNew(t *testing.T) {
	target := must.M1(backends.NewWithConfig("rocm"))
	assert.Equal(t, DefaultArch, target.Variant())
	assert.Equal(t, TargetName, target.Platform())
	assert.Equal(t, 1, target.NumDevices())

	t.Setenv(DevicesEnvVar, "4")
	t.Setenv(HIPCCEnvVar, "/opt/rocm/bin/hipcc")
	target = must.M1(New("gfx942"))
	assert.Equal(t, "gfx942", target.Variant())
	assert.Equal(t, TargetName, target.Platform(), "all architectures share kernels")
	assert.Equal(t, "rocm.gfx942", backends.ProfilingPlatform(target))
	assert.NotEqual(t, backends.ProfilingPlatform(target), backends.ProfilingPlatform(must.M1(New("gfx90a"))))
	assert.Equal(t, 4, target.NumDevices())
	cfg := target.Toolchain().(*nativebuild.Toolchain).Config()
	assert.True(t, strings.HasPrefix(cfg.CompileCommand, "/opt/rocm/bin/hipcc "))
	assert.Contains(t, cfg.CompileCommand, "--offload-arch=gfx942")
	assert.Equal(t, "HIP_VISIBLE_DEVICES", cfg.DeviceEnvVar)

	_, err := New("gfx000")
	require.Error(t, err)
	t.Setenv(DevicesEnvVar, "0")
	_, err = New("")
	require.ErrorContains(t, err, DevicesEnvVar)
}

func newGemmOp(t *testing.T, dtype dtypes.DType, k int, epilogue graph.Epilogue) *graph.Operator {
	g := graph.New("gemm")
	a := g.Input("a", shapes.Make(dtype, 16, k))
	b := g.Input("b", shapes.Make(dtype, 8, k))
	var operands []*graph.Tensor
	if epilogue.HasBias() {
		operands = append(operands, g.Input("bias", shapes.Make(dtype, 8)))
	}
	if epilogue.HasResidual() {
		operands = append(operands, g.Input("residual", shapes.Make(dtype, 16, 8)))
	}
	g.MarkOutput(graph.GemmWithEpilogue(graph.LayoutRCR, epilogue, a, b, operands...), "c")
	ops := g.SortedOperators()
	require.Len(t, ops, 1)
	return ops[0]
}

func TestKernelCandidates(t *testing.T) {
	k := must.M1(backends.LookupKernel(TargetName, "gemm"))
	for _, tc := range []struct {
		k        int
		accepted []string
	}{
		{64, []string{"tile_128x128x32_v", "tile_64x64x16_v", "tile_32x32x8"}},
		{1020, []string{"tile_32x32x8"}},
	} {
		op := newGemmOp(t, dtypes.Float16, tc.k, graph.EpilogueNone)
		candidates := must.M1(k.Config(op))
		require.Len(t, candidates, 3)
		assert.Equal(t, 8, candidates[0].Alignment)
		assert.Equal(t, 0, candidates[2].Alignment)
		concrete := must.M1(backends.ConcreteShapes(op, nil))
		var accepted []string
		for _, c := range candidates {
			assert.Equal(t, graph.LayoutRCR, c.Layout)
			if k.Filter(c, op, concrete) {
				accepted = append(accepted, c.Name)
			}
		}
		assert.Equal(t, tc.accepted, accepted, "K=%d", tc.k)
	}

	// Float32 vectors hold 4 elements.
	op := newGemmOp(t, dtypes.Float32, 1020, graph.EpilogueNone)
	candidates := must.M1(k.Config(op))
	assert.Equal(t, 4, candidates[0].Alignment)
	assert.True(t, k.Filter(candidates[0], op, must.M1(backends.ConcreteShapes(op, nil))))

	_, err := k.Config(newGemmOp(t, dtypes.Float64, 16, graph.EpilogueNone))
	require.Error(t, err)
	assert.False(t, k.Filter(backends.KernelCandidate{Name: "unknown"}, op, must.M1(backends.ConcreteShapes(op, nil))))
}

func TestGenFunction(t *testing.T) {
	op := newGemmOp(t, dtypes.Float16, 64, graph.EpilogueBiasAddRelu)
	k := must.M1(backends.LookupKernel(TargetName, op.Kind()))
	assert.Equal(t,
		"void gemm_bias_add_relu_0(const half* in0, const half* in1, const half* in2, const half* in3, half* out0, "+
			"const int64_t* dims, void* workspace, hipStream_t stream)",
		must.M1(k.GenFunctionDecl(op)))
	assert.Equal(t, "  gemm_bias_add_relu_0(t_a, t_b, t_bias, t_residual, t_c, dims_gemm_bias_add_relu_0, workspace, stream);",
		must.M1(k.GenFunctionCall(op, 2)))

	candidates := must.M1(k.Config(op))
	body := must.M1(k.GenFunction(op, candidates[1]))
	for _, want := range []string{
		"gemm_bias_add_relu_0__tile_64x64x16_v_kernel",
		"static void gemm_bias_add_relu_0__tile_64x64x16_v(const half* in0,",
		"constexpr int BM = 64, BN = 64, BK = 16;",
		"b[n * K + k]",
		"v += tf::to_float(bias[col]);",
		"v += tf::to_float(residual[idx]);",
		"v = fmaxf(x, 0.0f);",
		"const int64_t M = dims[0], K = dims[1], N = dims[8];",
		"in0, in1, in2, in3, out0, M, N, K);",
	} {
		assert.Contains(t, body, want)
	}
	assert.NotContains(t, body, "b += z * N * K;")

	// Elementwise.
	g := graph.New("add")
	x := g.Input("x", shapes.Make(dtypes.BFloat16, 4, 8))
	y := g.Input("y", shapes.Make(dtypes.BFloat16, 8))
	g.MarkOutput(graph.Add(x, y), "z")
	op = g.SortedOperators()[0]
	k = must.M1(backends.LookupKernel(TargetName, op.Kind()))
	body = must.M1(k.GenFunction(op, must.M1(k.Config(op))[0]))
	assert.Contains(t, body, "tf::store(&out0[i], x + y);")
	assert.Contains(t, body, "const float y = tf::to_float(in1[i % in1_numel]);")
	assert.Contains(t, body, "in0, dims[0] * dims[1], in1, dims[2], out0, numel);")
	assert.Contains(t, body, "const hip_bfloat16* __restrict__ in0")

	// Convolution.
	g = graph.New("conv")
	img := g.Input("img", shapes.Make(dtypes.Float16, 1, 8, 8, 16))
	w := g.Input("w", shapes.Make(dtypes.Float16, 8, 3, 3, 16))
	g.MarkOutput(graph.Conv2d(img, w, 2, 1, 1, 1), "out")
	op = g.SortedOperators()[0]
	k = must.M1(backends.LookupKernel(TargetName, op.Kind()))
	candidates = must.M1(k.Config(op))
	require.Len(t, candidates, 2)
	body = must.M1(k.GenFunction(op, candidates[0]))
	assert.Contains(t, body, "constexpr int64_t S = 2, P = 1, D = 1, G = 1;")
	assert.Contains(t, body, "#pragma unroll 8")
	assert.Contains(t, body, "const int64_t CO = dims[4], KH = dims[5], KW = dims[6];")
}

func TestGenProfiler(t *testing.T) {
	op := newGemmOp(t, dtypes.Float16, 64, graph.EpilogueNone)
	k := must.M1(backends.LookupKernel(TargetName, op.Kind()))
	candidates := must.M1(k.Config(op))
	src := must.M1(k.GenProfiler(op, candidates))
	assert.Equal(t, "profiler_gemm", src.Name)
	assert.Equal(t, TargetName, src.Platform)
	assert.Equal(t, []string{"in0_dim0", "in0_dim1", "in1_dim0", "in1_dim1", "out0_dim0", "out0_dim1", "candidate"},
		src.ArgNames)
	for _, c := range candidates {
		assert.Contains(t, src.Source, `if (strcmp(candidate, "`+c.Name+`") == 0) {`)
		assert.Contains(t, src.Source, "gemm_0__"+c.Name+"(in0, in1, out0, dims, workspace, stream);")
	}
	assert.Contains(t, src.Source, "constexpr int kNumDims = 6;")
	assert.Contains(t, src.Source, `printf("OP: %s TIME: %f WS: 0\n"`)
	assert.Contains(t, src.Source, "half* in1 = tf::random_operand<half>(dims[2] * dims[3], 1);")

	// Profilers of the same kind with different candidates differ.
	other := must.M1(k.GenProfiler(op, candidates[2:]))
	assert.NotEqual(t, src.Hash(), other.Hash())

	_, err := k.GenProfiler(op, nil)
	require.Error(t, err)
}

// newTestProgram returns the program of y = tanh(relu(x . w^T + bias)), with the gemm using the 64x64 tiles
// up to batch 16.
func newTestProgram(t *testing.T) *backends.Program {
	target := must.M1(New(""))
	g := graph.New("mlp")
	x := g.Input("x", shapes.MakeDims(dtypes.Float16, shapes.Dynamic("batch", 1, 64), shapes.Static(64)))
	w := g.Constant("w", shapes.Make(dtypes.Float16, 32, 64), make([]float32, 32*64))
	bias := g.Constant("bias", shapes.Make(dtypes.Float16, 32), make([]float32, 32))
	h := graph.Relu(graph.Add(graph.Gemm(graph.LayoutRCR, x, w), bias))
	g.MarkOutput(graph.Tanh(h), "y")

	pipeline := transform.NewPipeline(func(kind graph.OpKind) bool {
		return backends.IsRegistered(target.Platform(), kind)
	}, transform.DefaultAlignment)
	g = must.M1(pipeline.Run(g))
	for _, op := range g.SortedOperators() {
		if op.Attributes().Family() == graph.FamilyGemm {
			op.SetExecPaths([]graph.ExecPath{
				{Bindings: shapes.Bindings{"batch": 64}, Kernel: "tile_128x128x32_v"},
				{Bindings: shapes.Bindings{"batch": 16}, Kernel: "tile_64x64x16_v"},
			})
		} else {
			op.SetExecPaths([]graph.ExecPath{{Bindings: shapes.Bindings{"batch": 64}, Kernel: "grid_stride_256"}})
		}
	}
	return must.M1(codegen.Generate(g, target))
}

func TestEmitter(t *testing.T) {
	prog := newTestProgram(t)
	require.Len(t, prog.Functions, 2)
	gemm, tanh := prog.Functions[0], prog.Functions[1]
	assert.Equal(t, graph.OpKind("gemm_bias_relu"), gemm.Kind)

	target := must.M1(New(""))
	units := must.M1(target.Emitter().RenderUnits(prog, true))
	require.Len(t, units, 3)
	assert.Equal(t, gemm.Name+".cpp", units[0].Name)
	assert.Equal(t, []string{gemm.Name}, units[0].Operators)
	assert.Equal(t, "main.cpp", units[2].Name)
	assert.Empty(t, units[2].Operators)

	// The gemm dispatches on the batch size, the first dimension of its first input.
	source := units[0].Source
	assert.Contains(t, source, "#include <hip/hip_runtime.h>")
	assert.Contains(t, source, gemm.Decl+" {")
	assert.Contains(t, source, "  if (dims[0] <= 16) {\n    "+gemm.Name+"__tile_64x64x16_v(in0, in1, in2, out0, dims, workspace, stream);")
	assert.Contains(t, source, "  "+gemm.Name+"__tile_128x128x32_v(in0, in1, in2, out0, dims, workspace, stream);\n}")
	assert.NotContains(t, source, "int main(")

	source = units[1].Source
	assert.Contains(t, source, tanh.Name+"__grid_stride_256(in0, out0, dims, workspace, stream);\n}")
	assert.NotContains(t, source, "if (dims")
	assert.Contains(t, source, "tanhf(x)")

	main := units[2].Source
	for _, want := range []string{
		"int main(int argc, char** argv) {",
		gemm.Decl + ";",
		tanh.Decl + ";",
		`const int64_t sym_batch = tf::binding(argc, argv, "batch");`,
		`half* t_x = tf::read_input<half>(in_dir, "x", int64_t(1) * sym_batch * 64);`,
		"static const float c_w[] = {0, 0,",
		"half* t_w = tf::upload<half>(c_w, 2048);",
		"half* t_y = tf::device_alloc<half>(int64_t(1) * sym_batch * 32);",
		"const int64_t dims_" + gemm.Name + "[] = { sym_batch, 64,",
		"reinterpret_cast<half*>(arena + ",
		`tf::write_output(out_dir, "y", t_y, int64_t(1) * sym_batch * 32);`,
	} {
		assert.Contains(t, main, want)
	}
	assert.Less(t, strings.Index(main, gemm.Call), strings.Index(main, tanh.Call))
	assert.Less(t, strings.Index(main, tanh.Call), strings.Index(main, "hipStreamSynchronize"))

	units = must.M1(target.Emitter().RenderUnits(prog, false))
	require.Len(t, units, 1)
	assert.Equal(t, "mlp.cpp", units[0].Name)
	assert.Equal(t, []string{gemm.Name, tanh.Name}, units[0].Operators)
	assert.Contains(t, units[0].Source, prog.BuildID)
	assert.Equal(t, 1, strings.Count(units[0].Source, "int main("))

	// Bodies are required for every selected candidate.
	delete(gemm.Bodies, "tile_64x64x16_v")
	_, err := target.Emitter().RenderUnits(prog, true)
	require.Error(t, err)
}

func TestIdent(t *testing.T) {
	assert.Equal(t, "layer_1_out", ident("layer.1/out"))
	assert.Equal(t, "1, 0.5, -2, NAN, INFINITY", floatList([]float32{1, 0.5, -2, float32(math.NaN()), float32(math.Inf(1))}))
}

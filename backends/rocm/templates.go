// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rocm

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// Generated functions all have the same signature: device pointers to the inputs (offset by their accessors)
// and to the output, the concrete dimensions of the inputs and the output flattened in one array (the same
// order as the profiler arguments), the kernel workspace and the stream.

var templates = template.Must(template.New("rocm").Funcs(template.FuncMap{
	"join":   strings.Join,
	"indent": func(n int) string { return strings.Repeat(" ", n) },
	"ident":  ident,
	"sub":    func(a, b int) int { return a - b },
}).Parse(`
{{- define "preamble" -}}
// Generated by tensorforge. Do not edit.
#include <hip/hip_runtime.h>
#include <hip/hip_fp16.h>
#include <hip/hip_bfloat16.h>
#include <algorithm>
#include <cmath>
#include <cstdint>
#include <cstdio>
#include <cstdlib>
#include <cstring>

#define TF_CHECK(expr)                                                                                \
  do {                                                                                                \
    const hipError_t err_ = (expr);                                                                   \
    if (err_ != hipSuccess) {                                                                         \
      fprintf(stderr, "%s:%d: %s failed: %s\n", __FILE__, __LINE__, #expr, hipGetErrorString(err_)); \
      exit(1);                                                                                        \
    }                                                                                                 \
  } while (0)

namespace tf {
static __host__ __device__ __forceinline__ float to_float(float v) { return v; }
static __host__ __device__ __forceinline__ float to_float(half v) { return __half2float(v); }
static __host__ __device__ __forceinline__ float to_float(hip_bfloat16 v) { return static_cast<float>(v); }
static __host__ __device__ __forceinline__ void store(float* p, float v) { *p = v; }
static __host__ __device__ __forceinline__ void store(half* p, float v) { *p = __float2half(v); }
static __host__ __device__ __forceinline__ void store(hip_bfloat16* p, float v) { *p = hip_bfloat16(v); }
static __device__ __forceinline__ float sigmoid(float x) { return 1.0f / (1.0f + expf(-x)); }
static __device__ __forceinline__ float fast_gelu(float x) {
  return 0.5f * x * (1.0f + tanhf(0.7978845608f * (x + 0.044715f * x * x * x)));
}
}  // namespace tf
{{- end}}

{{- define "host" -}}
namespace tf {
template <typename T>
static T* device_alloc(int64_t numel) {
  T* p = nullptr;
  TF_CHECK(hipMalloc(&p, sizeof(T) * std::max<int64_t>(numel, 1)));
  return p;
}

template <typename T>
static T* upload(const float* values, int64_t numel) {
  T* host = static_cast<T*>(malloc(sizeof(T) * std::max<int64_t>(numel, 1)));
  for (int64_t i = 0; i < numel; ++i) store(&host[i], values[i]);
  T* p = device_alloc<T>(numel);
  TF_CHECK(hipMemcpy(p, host, sizeof(T) * numel, hipMemcpyHostToDevice));
  free(host);
  return p;
}

template <typename T>
static T* random_operand(int64_t numel, unsigned seed) {
  float* values = static_cast<float*>(malloc(sizeof(float) * std::max<int64_t>(numel, 1)));
  srand(seed);
  for (int64_t i = 0; i < numel; ++i) values[i] = 2.0f * float(rand()) / float(RAND_MAX) - 1.0f;
  T* p = upload<T>(values, numel);
  free(values);
  return p;
}

template <typename T>
static T* read_input(const char* dir, const char* name, int64_t numel) {
  char path[4096];
  snprintf(path, sizeof(path), "%s/%s.bin", dir, name);
  FILE* f = fopen(path, "rb");
  if (f == nullptr) {
    fprintf(stderr, "can't open input %s\n", path);
    exit(1);
  }
  T* host = static_cast<T*>(malloc(sizeof(T) * std::max<int64_t>(numel, 1)));
  if (fread(host, sizeof(T), numel, f) != size_t(numel)) {
    fprintf(stderr, "input %s: expected %lld elements\n", path, static_cast<long long>(numel));
    exit(1);
  }
  fclose(f);
  T* p = device_alloc<T>(numel);
  TF_CHECK(hipMemcpy(p, host, sizeof(T) * numel, hipMemcpyHostToDevice));
  free(host);
  return p;
}

template <typename T>
static void write_output(const char* dir, const char* name, const T* p, int64_t numel) {
  char path[4096];
  snprintf(path, sizeof(path), "%s/%s.bin", dir, name);
  T* host = static_cast<T*>(malloc(sizeof(T) * std::max<int64_t>(numel, 1)));
  TF_CHECK(hipMemcpy(host, p, sizeof(T) * numel, hipMemcpyDeviceToHost));
  FILE* f = fopen(path, "wb");
  if (f == nullptr || fwrite(host, sizeof(T), numel, f) != size_t(numel)) {
    fprintf(stderr, "can't write output %s\n", path);
    exit(1);
  }
  fclose(f);
  free(host);
}

// binding returns the value given as "<symbol>=<value>" in the arguments after the directories.
static int64_t binding(int argc, char** argv, const char* symbol) {
  const size_t len = strlen(symbol);
  for (int i = 3; i < argc; ++i) {
    if (strncmp(argv[i], symbol, len) == 0 && argv[i][len] == '=') return atoll(argv[i] + len + 1);
  }
  fprintf(stderr, "missing value of dynamic dimension %s\n", symbol);
  exit(2);
}

// benchmark runs fn once to warm up, then prints the average time of iterations runs.
template <typename Fn>
static int benchmark(const char* name, int iterations, hipStream_t stream, Fn fn) {
  fn();
  TF_CHECK(hipStreamSynchronize(stream));
  hipEvent_t start, stop;
  TF_CHECK(hipEventCreate(&start));
  TF_CHECK(hipEventCreate(&stop));
  TF_CHECK(hipEventRecord(start, stream));
  for (int i = 0; i < iterations; ++i) fn();
  TF_CHECK(hipEventRecord(stop, stream));
  TF_CHECK(hipEventSynchronize(stop));
  float ms = 0;
  TF_CHECK(hipEventElapsedTime(&ms, start, stop));
  printf("OP: %s TIME: %f WS: 0\n", name, ms / iterations);
  return 0;
}
}  // namespace tf
{{- end}}

{{- define "decl"}}{{.Signature .Name}}{{end}}

{{- define "call" -}}
{{indent .Indent}}{{.Name}}({{range .Inputs}}t_{{ident .Tensor}}{{if .Offset}} + {{.Offset}}{{end}}, {{end}}t_{{ident .Output.Tensor}}, dims_{{ident .Name}}, workspace, stream);
{{- end}}

{{- define "epilogue" -}}
{{- if .Bias}}
    v += tf::to_float(bias[col]);
{{- end}}
{{- if .Residual}}
    v += tf::to_float(residual[idx]);
{{- end}}
{{- if .Activation}}
    {
      const float x = v;
      v = {{.Activation}};
    }
{{- end}}
{{- end}}

{{- define "gemm" -}}
{{- $k := printf "%s__%s" .Name .Candidate}}{{$a := index .Inputs 0 -}}
// {{.Name}}: {{.Kind}} ({{.Attrs}}) with candidate {{.Candidate}}, {{.Param "block_m"}}x{{.Param "block_n"}}x{{.Param "block_k"}} tiles.
__global__ void __launch_bounds__({{.Param "threads"}}) {{$k}}_kernel(
    const {{.CType}}* __restrict__ a, const {{.CType}}* __restrict__ b,
    {{- if .Bias}} const {{.CType}}* __restrict__ bias,{{end}}
    {{- if .Residual}} const {{.CType}}* __restrict__ residual,{{end}}
    {{.CType}}* __restrict__ c, int64_t M, int64_t N, int64_t K) {
  constexpr int BM = {{.Param "block_m"}}, BN = {{.Param "block_n"}}, BK = {{.Param "block_k"}};
  constexpr int THREADS = {{.Param "threads"}}, PER_THREAD = BM * BN / THREADS;
  __shared__ float a_tile[BM][BK + 1];
  __shared__ float b_tile[BK][BN + 1];
  const int64_t z = blockIdx.z;
  a += z * M * K;
{{- if .BatchedB}}
  b += z * N * K;
{{- end}}
  c += z * M * N;
{{- if .Residual}}
  residual += z * M * N;
{{- end}}
  const int64_t m0 = int64_t(blockIdx.y) * BM, n0 = int64_t(blockIdx.x) * BN;
  float acc[PER_THREAD] = {};
  for (int64_t k0 = 0; k0 < K; k0 += BK) {
    for (int i = threadIdx.x; i < BM * BK; i += THREADS) {
      const int64_t m = m0 + i / BK, k = k0 + i % BK;
      a_tile[i / BK][i % BK] = (m < M && k < K) ? tf::to_float(a[m * K + k]) : 0.0f;
    }
    for (int i = threadIdx.x; i < BK * BN; i += THREADS) {
      const int64_t k = k0 + i / BN, n = n0 + i % BN;
      b_tile[i / BN][i % BN] = (k < K && n < N) ? tf::to_float(b[{{if .TransposedB}}n * K + k{{else}}k * N + n{{end}}]) : 0.0f;
    }
    __syncthreads();
#pragma unroll
    for (int t = 0; t < PER_THREAD; ++t) {
      const int i = (threadIdx.x + t * THREADS) / BN, j = (threadIdx.x + t * THREADS) % BN;
      float sum = acc[t];
      for (int kk = 0; kk < BK; ++kk) sum += a_tile[i][kk] * b_tile[kk][j];
      acc[t] = sum;
    }
    __syncthreads();
  }
  for (int t = 0; t < PER_THREAD; ++t) {
    const int64_t row = m0 + (threadIdx.x + t * THREADS) / BN, col = n0 + (threadIdx.x + t * THREADS) % BN;
    if (row >= M || col >= N) continue;
    const int64_t idx = row * N + col;
    float v = acc[t];
{{- template "epilogue" .}}
    tf::store(&c[idx], v);
  }
}

static {{.Signature $k}} {
  const int64_t batch = {{if eq $a.Rank 3}}{{$a.Dim 0}}{{else}}1{{end}};
  const int64_t M = {{$a.Dim (sub $a.Rank 2)}}, K = {{$a.Dim (sub $a.Rank 1)}}, N = {{.Output.Dim (sub .Output.Rank 1)}};
  const dim3 grid((N + {{.Param "block_n"}} - 1) / {{.Param "block_n"}}, (M + {{.Param "block_m"}} - 1) / {{.Param "block_m"}}, batch);
  hipLaunchKernelGGL({{$k}}_kernel, grid, dim3({{.Param "threads"}}), 0, stream, in0, in1,
                     {{- with .Bias}} {{.Param}},{{end}}{{with .Residual}} {{.Param}},{{end}} out0, M, N, K);
  TF_CHECK(hipGetLastError());
}
{{- end}}

{{- define "bmm"}}{{template "gemm" .}}{{end}}

{{- define "conv2d" -}}
{{- $k := printf "%s__%s" .Name .Candidate}}{{$x := index .Inputs 0}}{{$w := index .Inputs 1 -}}
// {{.Name}}: {{.Kind}} ({{.Attrs}}) with candidate {{.Candidate}}, one thread per output element.
__global__ void __launch_bounds__({{.Param "threads"}}) {{$k}}_kernel(
    const {{.CType}}* __restrict__ x, const {{.CType}}* __restrict__ w,
    {{- if .Bias}} const {{.CType}}* __restrict__ bias,{{end}}
    {{.CType}}* __restrict__ out, int64_t N, int64_t H, int64_t W, int64_t C, int64_t KH, int64_t KW, int64_t CO,
    int64_t HO, int64_t WO) {
  constexpr int64_t S = {{.Stride}}, P = {{.Pad}}, D = {{.Dilate}}, G = {{.Group}};
  const int64_t idx = int64_t(blockIdx.x) * blockDim.x + threadIdx.x;
  if (idx >= N * HO * WO * CO) return;
  const int64_t col = idx % CO;
  const int64_t ow = (idx / CO) % WO, oh = (idx / (CO * WO)) % HO, n = idx / (CO * WO * HO);
  const int64_t cig = C / G, g = col / (CO / G);
  float sum = 0.0f;
  for (int64_t kh = 0; kh < KH; ++kh) {
    const int64_t ih = oh * S - P + kh * D;
    if (ih < 0 || ih >= H) continue;
    for (int64_t kw = 0; kw < KW; ++kw) {
      const int64_t iw = ow * S - P + kw * D;
      if (iw < 0 || iw >= W) continue;
      const {{.CType}}* xp = x + ((n * H + ih) * W + iw) * C + g * cig;
      const {{.CType}}* wp = w + ((col * KH + kh) * KW + kw) * cig;
#pragma unroll {{.Param "unroll"}}
      for (int64_t ci = 0; ci < cig; ++ci) sum += tf::to_float(xp[ci]) * tf::to_float(wp[ci]);
    }
  }
  {
    float v = sum;
{{- template "epilogue" .}}
    tf::store(&out[idx], v);
  }
}
{{template "conv_launcher" .}}
{{- end}}

{{- define "transposed_conv2d" -}}
{{- $k := printf "%s__%s" .Name .Candidate -}}
// {{.Name}}: {{.Kind}} ({{.Attrs}}) with candidate {{.Candidate}}, gathering the contributions of each output element.
__global__ void __launch_bounds__({{.Param "threads"}}) {{$k}}_kernel(
    const {{.CType}}* __restrict__ x, const {{.CType}}* __restrict__ w,
    {{- if .Bias}} const {{.CType}}* __restrict__ bias,{{end}}
    {{.CType}}* __restrict__ out, int64_t N, int64_t H, int64_t W, int64_t C, int64_t KH, int64_t KW, int64_t CO,
    int64_t HO, int64_t WO) {
  constexpr int64_t S = {{.Stride}}, P = {{.Pad}}, D = {{.Dilate}};
  const int64_t idx = int64_t(blockIdx.x) * blockDim.x + threadIdx.x;
  if (idx >= N * HO * WO * CO) return;
  const int64_t col = idx % CO;
  const int64_t ow = (idx / CO) % WO, oh = (idx / (CO * WO)) % HO, n = idx / (CO * WO * HO);
  float sum = 0.0f;
  for (int64_t kh = 0; kh < KH; ++kh) {
    const int64_t th = oh + P - kh * D;
    if (th < 0 || th % S != 0 || th / S >= H) continue;
    for (int64_t kw = 0; kw < KW; ++kw) {
      const int64_t tw = ow + P - kw * D;
      if (tw < 0 || tw % S != 0 || tw / S >= W) continue;
      const {{.CType}}* xp = x + ((n * H + th / S) * W + tw / S) * C;
      const {{.CType}}* wp = w + ((col * KH + kh) * KW + kw) * C;
      for (int64_t ci = 0; ci < C; ++ci) sum += tf::to_float(xp[ci]) * tf::to_float(wp[ci]);
    }
  }
  {
    float v = sum;
{{- template "epilogue" .}}
    tf::store(&out[idx], v);
  }
}
{{template "conv_launcher" .}}
{{- end}}

{{- define "conv_launcher" -}}
{{- $k := printf "%s__%s" .Name .Candidate}}{{$x := index .Inputs 0}}{{$w := index .Inputs 1 -}}
static {{.Signature $k}} {
  const int64_t N = {{$x.Dim 0}}, H = {{$x.Dim 1}}, W = {{$x.Dim 2}}, C = {{$x.Dim 3}};
  const int64_t CO = {{$w.Dim 0}}, KH = {{$w.Dim 1}}, KW = {{$w.Dim 2}};
  const int64_t HO = {{.Output.Dim 1}}, WO = {{.Output.Dim 2}};
  const int64_t total = N * HO * WO * CO;
  constexpr int threads = {{.Param "threads"}};
  hipLaunchKernelGGL({{$k}}_kernel, dim3((total + threads - 1) / threads), dim3(threads), 0, stream, in0, in1,
                     {{- with .Bias}} {{.Param}},{{end}} out0, N, H, W, C, KH, KW, CO, HO, WO);
  TF_CHECK(hipGetLastError());
}
{{- end}}

{{- define "elementwise" -}}
{{- $k := printf "%s__%s" .Name .Candidate -}}
// {{.Name}}: {{.Attrs}} with candidate {{.Candidate}}. Operands broadcast over the leading axes.
__global__ void __launch_bounds__({{.Param "threads"}}) {{$k}}_kernel(
    {{range .Inputs}}const {{$.CType}}* __restrict__ {{.Param}}, int64_t {{.Param}}_numel, {{end}}{{.CType}}* __restrict__ out0, int64_t numel) {
  for (int64_t i = int64_t(blockIdx.x) * blockDim.x + threadIdx.x; i < numel; i += int64_t(gridDim.x) * blockDim.x) {
    const float x = tf::to_float(in0[i % in0_numel]);
{{- if gt (len .Inputs) 1}}
    const float y = tf::to_float(in1[i % in1_numel]);
{{- end}}
    tf::store(&out0[i], {{.Expr}});
  }
}

static {{.Signature $k}} {
  const int64_t numel = {{.Output.Numel}};
  constexpr int threads = {{.Param "threads"}};
  const int64_t blocks = std::min<int64_t>((numel + threads - 1) / threads, {{.Param "max_blocks"}});
  hipLaunchKernelGGL({{$k}}_kernel, dim3(blocks), dim3(threads), 0, stream,
                     {{range .Inputs}}{{.Param}}, {{.Numel}}, {{end}}out0, numel);
  TF_CHECK(hipGetLastError());
}
{{- end}}

{{- define "reshape" -}}
// {{.Name}}: {{.Kind}} ({{.Attrs}}), copied since its output can't alias its input.
static {{.Signature (printf "%s__%s" .Name .Candidate)}} {
  TF_CHECK(hipMemcpyAsync(out0, in0, sizeof({{.CType}}) * ({{.Output.Numel}}), hipMemcpyDeviceToDevice, stream));
}
{{- end}}

{{- define "flatten"}}{{template "reshape" .}}{{end}}

{{- define "profiler" -}}
{{template "preamble" .}}

{{template "host" .}}
{{range .Bodies}}
{{.}}
{{end}}
// Profiler of {{.Function.Kind}} ({{.Function.Attrs}}).
int main(int argc, char** argv) {
  constexpr int kNumDims = {{len .ArgNames}};
  if (argc != kNumDims + 2) {
    fprintf(stderr, "usage: %s{{range .ArgNames}} <{{.}}>{{end}} <candidate>\n", argv[0]);
    return 2;
  }
  int64_t dims[kNumDims];
  for (int i = 0; i < kNumDims; ++i) dims[i] = atoll(argv[i + 1]);
  const char* candidate = argv[kNumDims + 1];
{{- with .Function}}
{{- range $ii, $in := .Inputs}}
  {{$.Function.CType}}* {{$in.Param}} = tf::random_operand<{{$.Function.CType}}>({{$in.Numel}}, {{$ii}});
{{- end}}
  {{.CType}}* out0 = tf::device_alloc<{{.CType}}>({{.Output.Numel}});
{{- end}}
  hipStream_t stream;
  TF_CHECK(hipStreamCreate(&stream));
  void* workspace = nullptr;
{{- range .Candidates}}
  if (strcmp(candidate, "{{.}}") == 0) {
    return tf::benchmark("{{.}}", {{$.Iterations}}, stream, [&] { {{$.Function.Name}}__{{.}}({{$.Function.Args}}); });
  }
{{- end}}
  fprintf(stderr, "unknown candidate %s\n", candidate);
  return 1;
}
{{end}}

{{- define "unit" -}}
{{template "preamble" .}}

// Unit {{.Name}} of program {{.Program}} for {{.Arch}} (build {{.BuildID}}).
{{- range .Functions}}
{{$fn := .}}
{{- range .Bodies}}
{{.}}
{{end}}
{{.Decl}} {
{{- range .Cases}}
  if ({{.Cond}}) {
    {{$fn.Name}}__{{.Candidate}}({{$fn.Args}});
    return;
  }
{{- end}}
  {{.Name}}__{{.Fallback}}({{.Args}});
}
{{end}}
{{- if .Main}}{{template "main" .Main}}{{end}}
{{- end}}

{{- define "main"}}
{{template "host" .}}

{{range .Decls}}{{.}};
{{end}}
// Entry point of {{.Program}}: inputs {{join .Inputs ", "}}; outputs {{join .Outputs ", "}}.
int main(int argc, char** argv) {
  if (argc < 3) {
    fprintf(stderr, "usage: %s <in_dir> <out_dir>{{range .Symbols}} {{.}}=<value>{{end}}\n", argv[0]);
    return 2;
  }
  const char* in_dir = argv[1];
  const char* out_dir = argv[2];
{{- range .Symbols}}
  const int64_t sym_{{ident .}} = tf::binding(argc, argv, "{{.}}");
{{- end}}
  hipStream_t stream;
  TF_CHECK(hipStreamCreate(&stream));
  char* arena = {{if .ArenaBytes}}tf::device_alloc<char>({{.ArenaBytes}}){{else}}nullptr{{end}};
  void* workspace = {{if .Workspace}}tf::device_alloc<char>({{.Workspace}}){{else}}nullptr{{end}};
{{- range .Tensors}}
{{.}}
{{- end}}
{{- range .Dims}}
  const int64_t dims_{{.Name}}[] = { {{join .Values ", "}} };
{{- end}}
{{range .Calls}}{{.}}
{{end -}}
  TF_CHECK(hipStreamSynchronize(stream));
{{- range .Outputs}}
  tf::write_output(out_dir, "{{.}}", t_{{ident .}}, {{index $.Numels .}});
{{- end}}
  (void)arena;
  return 0;
}
{{end}}
`))

// profilerData is the data rendered by the "profiler" template.
type profilerData struct {
	Function   *functionData
	Bodies     []string
	Candidates []string
	ArgNames   []string
	Iterations int
}

// Signature returns the declaration of a function with the given name and the arguments of the operator.
func (d *functionData) Signature(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "void %s(", name)
	for _, in := range d.Inputs {
		fmt.Fprintf(&sb, "const %s* %s, ", d.CType, in.Param)
	}
	fmt.Fprintf(&sb, "%s* %s, const int64_t* dims, void* workspace, hipStream_t stream)", d.CType, d.Output.Param)
	return sb.String()
}

// Args returns the arguments of a call forwarding the parameters of Signature.
func (d *functionData) Args() string {
	return argsList(len(d.Inputs))
}

func argsList(numInputs int) string {
	args := make([]string, 0, numInputs+4)
	for ii := range numInputs {
		args = append(args, fmt.Sprintf("in%d", ii))
	}
	return strings.Join(append(args, "out0", "dims", "workspace", "stream"), ", ")
}

// ident converts a tensor or operator name to a C identifier.
func ident(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", errors.Wrapf(err, "rendering rocm template %q", name)
	}
	return sb.String(), nil
}

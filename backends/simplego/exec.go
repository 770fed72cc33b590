// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorforge/pkg/core/graph"
)

// Kernels compute in float32 on dense row-major slices. Values are rounded to the tensor's dtype only
// when stored.

// gemmProblem is one (batched) matrix multiplication c[b, m, n] = sum_k a[b, m, k] * b'[b, k, n].
type gemmProblem struct {
	batch, m, n, k int
	layout         graph.Layout
}

// rhsIndex returns the flat index of b'[batch, k, n] for the layout.
func (p gemmProblem) rhsIndex(batch, k, n int) int {
	if p.layout == graph.LayoutRCR {
		return batch*p.n*p.k + n*p.k + k
	}
	return batch*p.k*p.n + k*p.n + n
}

// gemmNaive is the reference triple loop.
func gemmNaive(p gemmProblem, lhs, rhs, out []float32) {
	for b := range p.batch {
		for m := range p.m {
			for n := range p.n {
				var sum float32
				for k := range p.k {
					sum += lhs[b*p.m*p.k+m*p.k+k] * rhs[p.rhsIndex(b, k, n)]
				}
				out[b*p.m*p.n+m*p.n+n] = sum
			}
		}
	}
}

// gemmBlocked iterates over tiles of the output and of the contracting axis, to improve cache locality.
func gemmBlocked(p gemmProblem, tile int, lhs, rhs, out []float32) {
	clear(out[:p.batch*p.m*p.n])
	for b := range p.batch {
		outBase, lhsBase := b*p.m*p.n, b*p.m*p.k
		for m0 := 0; m0 < p.m; m0 += tile {
			for n0 := 0; n0 < p.n; n0 += tile {
				for k0 := 0; k0 < p.k; k0 += tile {
					for m := m0; m < min(m0+tile, p.m); m++ {
						for n := n0; n < min(n0+tile, p.n); n++ {
							sum := out[outBase+m*p.n+n]
							for k := k0; k < min(k0+tile, p.k); k++ {
								sum += lhs[lhsBase+m*p.k+k] * rhs[p.rhsIndex(b, k, n)]
							}
							out[outBase+m*p.n+n] = sum
						}
					}
				}
			}
		}
	}
}

// gemmVec8 unrolls the contracting loop by 8, with independent accumulators. It requires k to be a
// multiple of 8.
func gemmVec8(p gemmProblem, lhs, rhs, out []float32) {
	if p.k%8 != 0 {
		exceptions.Panicf("gemmVec8 requires the contracting dimension to be a multiple of 8, got %d", p.k)
	}
	for b := range p.batch {
		for m := range p.m {
			row := lhs[b*p.m*p.k+m*p.k : b*p.m*p.k+(m+1)*p.k]
			for n := range p.n {
				var acc [8]float32
				for k := 0; k < p.k; k += 8 {
					for ii := range 8 {
						acc[ii] += row[k+ii] * rhs[p.rhsIndex(b, k+ii, n)]
					}
				}
				var sum float32
				for _, v := range acc {
					sum += v
				}
				out[b*p.m*p.n+m*p.n+n] = sum
			}
		}
	}
}

// convProblem is a 2D convolution in NHWC, with filters (C_out, K_h, K_w, C_in/groups).
type convProblem struct {
	n, h, w, cIn     int
	kh, kw, cOut     int
	hOut, wOut       int
	stride, pad, dil int
	groups           int
}

func newConvProblem(attrs *graph.Conv2dAttrs, x, w []int) convProblem {
	return convProblem{
		n: x[0], h: x[1], w: x[2], cIn: x[3],
		cOut: w[0], kh: w[1], kw: w[2],
		hOut:   attrs.OutputSpatial(x[1], w[1]),
		wOut:   attrs.OutputSpatial(x[2], w[2]),
		stride: attrs.Stride, pad: attrs.Pad, dil: attrs.Dilate, groups: attrs.Group,
	}
}

// conv2dDirect computes the convolution directly from its definition.
func conv2dDirect(p convProblem, x, w, out []float32) {
	cInPerGroup, cOutPerGroup := p.cIn/p.groups, p.cOut/p.groups
	for n := range p.n {
		for oh := range p.hOut {
			for ow := range p.wOut {
				for co := range p.cOut {
					g := co / cOutPerGroup
					var sum float32
					for kh := range p.kh {
						ih := oh*p.stride - p.pad + kh*p.dil
						if ih < 0 || ih >= p.h {
							continue
						}
						for kw := range p.kw {
							iw := ow*p.stride - p.pad + kw*p.dil
							if iw < 0 || iw >= p.w {
								continue
							}
							xBase := ((n*p.h+ih)*p.w+iw)*p.cIn + g*cInPerGroup
							wBase := ((co*p.kh+kh)*p.kw + kw) * cInPerGroup
							for ci := range cInPerGroup {
								sum += x[xBase+ci] * w[wBase+ci]
							}
						}
					}
					out[((n*p.hOut+oh)*p.wOut+ow)*p.cOut+co] = sum
				}
			}
		}
	}
}

// conv2dIm2col lowers the convolution to a matrix multiplication over extracted patches, one group at a time.
func conv2dIm2col(p convProblem, x, w, out []float32) {
	cInPerGroup, cOutPerGroup := p.cIn/p.groups, p.cOut/p.groups
	rows := p.n * p.hOut * p.wOut
	patchSize := p.kh * p.kw * cInPerGroup
	patches := make([]float32, rows*patchSize)
	groupOut := make([]float32, rows*cOutPerGroup)
	for g := range p.groups {
		clear(patches)
		for row := range rows {
			n, rem := row/(p.hOut*p.wOut), row%(p.hOut*p.wOut)
			oh, ow := rem/p.wOut, rem%p.wOut
			for kh := range p.kh {
				ih := oh*p.stride - p.pad + kh*p.dil
				if ih < 0 || ih >= p.h {
					continue
				}
				for kw := range p.kw {
					iw := ow*p.stride - p.pad + kw*p.dil
					if iw < 0 || iw >= p.w {
						continue
					}
					src := ((n*p.h+ih)*p.w+iw)*p.cIn + g*cInPerGroup
					dst := row*patchSize + (kh*p.kw+kw)*cInPerGroup
					copy(patches[dst:dst+cInPerGroup], x[src:src+cInPerGroup])
				}
			}
		}
		// Filters of the group are laid out as (C_out/groups, patchSize): an RCR multiplication.
		groupW := w[g*cOutPerGroup*patchSize : (g+1)*cOutPerGroup*patchSize]
		gemmNaive(gemmProblem{batch: 1, m: rows, n: cOutPerGroup, k: patchSize, layout: graph.LayoutRCR},
			patches, groupW, groupOut)
		for row := range rows {
			copy(out[row*p.cOut+g*cOutPerGroup:row*p.cOut+(g+1)*cOutPerGroup],
				groupOut[row*cOutPerGroup:(row+1)*cOutPerGroup])
		}
	}
}

// transposedConv2dScatter computes the transposed convolution by scattering each input element
// into the output.
func transposedConv2dScatter(p convProblem, x, w, out []float32) {
	clear(out[:p.n*p.hOut*p.wOut*p.cOut])
	for n := range p.n {
		for ih := range p.h {
			for iw := range p.w {
				xBase := ((n*p.h+ih)*p.w + iw) * p.cIn
				for kh := range p.kh {
					oh := ih*p.stride - p.pad + kh*p.dil
					if oh < 0 || oh >= p.hOut {
						continue
					}
					for kw := range p.kw {
						ow := iw*p.stride - p.pad + kw*p.dil
						if ow < 0 || ow >= p.wOut {
							continue
						}
						outBase := ((n*p.hOut+oh)*p.wOut + ow) * p.cOut
						for co := range p.cOut {
							wBase := ((co*p.kh+kh)*p.kw + kw) * p.cIn
							var sum float32
							for ci := range p.cIn {
								sum += x[xBase+ci] * w[wBase+ci]
							}
							out[outBase+co] += sum
						}
					}
				}
			}
		}
	}
}

// unaryFuncs implement the activations.
var unaryFuncs = map[graph.ElementwiseFunc]func(float32) float32{
	graph.FuncRelu: func(x float32) float32 { return max(x, 0) },
	graph.FuncFastGelu: func(x float32) float32 {
		const sqrt2OverPi = 0.7978845608028654
		x64 := float64(x)
		return float32(0.5 * x64 * (1 + math.Tanh(sqrt2OverPi*(x64+0.044715*x64*x64*x64))))
	},
	graph.FuncSwish:   func(x float32) float32 { return x * sigmoid(x) },
	graph.FuncSigmoid: sigmoid,
	graph.FuncTanh:    func(x float32) float32 { return float32(math.Tanh(float64(x))) },
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

var binaryFuncs = map[graph.ElementwiseFunc]func(a, b float32) float32{
	graph.FuncAdd: func(a, b float32) float32 { return a + b },
	graph.FuncSub: func(a, b float32) float32 { return a - b },
	graph.FuncMul: func(a, b float32) float32 { return a * b },
}

// elementwise applies fn to the operands, broadcasting the smaller one over the leading axes of
// the larger one.
func elementwise(fn graph.ElementwiseFunc, operands [][]float32, out []float32) {
	if unary, found := unaryFuncs[fn]; found {
		for ii, v := range operands[0] {
			out[ii] = unary(v)
		}
		return
	}
	binary, found := binaryFuncs[fn]
	if !found {
		exceptions.Panicf("unknown elementwise function %q", fn)
	}
	a, b := operands[0], operands[1]
	for ii := range out {
		out[ii] = binary(a[ii%len(a)], b[ii%len(b)])
	}
}

// applyEpilogue applies the bias (broadcast over the last axis), the residual and the activation, in
// this order, in place.
func applyEpilogue(epilogue graph.Epilogue, out, bias, residual []float32) {
	if epilogue.HasBias() {
		for ii := range out {
			out[ii] += bias[ii%len(bias)]
		}
	}
	if epilogue.HasResidual() {
		for ii := range out {
			out[ii] += residual[ii]
		}
	}
	if act := epilogue.Activation(); act != "" {
		unary := unaryFuncs[act]
		for ii, v := range out {
			out[ii] = unary(v)
		}
	}
}

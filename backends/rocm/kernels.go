// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rocm

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/pkg/errors"
)

// candidateSpec is a candidate before being instantiated for an operator.
type candidateSpec struct {
	name string

	// vectorized candidates require 16 bytes aligned contiguous dimensions.
	vectorized bool

	params map[string]int
}

// familyCandidates lists the candidates of each family, in order of preference.
var familyCandidates = map[graph.Family][]candidateSpec{
	graph.FamilyGemm: {
		{"tile_128x128x32_v", true, map[string]int{"block_m": 128, "block_n": 128, "block_k": 32, "threads": 256}},
		{"tile_64x64x16_v", true, map[string]int{"block_m": 64, "block_n": 64, "block_k": 16, "threads": 256}},
		{"tile_32x32x8", false, map[string]int{"block_m": 32, "block_n": 32, "block_k": 8, "threads": 128}},
	},
	graph.FamilyConv2d: {
		{"direct_v", true, map[string]int{"unroll": 8, "threads": 256}},
		{"direct", false, map[string]int{"unroll": 1, "threads": 256}},
	},
	graph.FamilyTransposedConv2d: {
		{"gather", false, map[string]int{"unroll": 1, "threads": 256}},
	},
	graph.FamilyElementwise: {
		{"grid_stride_256", false, map[string]int{"threads": 256, "max_blocks": 1024}},
		{"grid_stride_1024", false, map[string]int{"threads": 1024, "max_blocks": 256}},
	},
	graph.FamilyReshape: {{"memcpy", false, nil}},
	graph.FamilyFlatten: {{"memcpy", false, nil}},
}

func init() {
	familyCandidates[graph.FamilyBmm] = familyCandidates[graph.FamilyGemm]
}

// familyEpilogues lists the fused epilogues with a kernel, per family.
var familyEpilogues = map[graph.Family][]graph.Epilogue{
	graph.FamilyGemm: {graph.EpilogueNone, graph.EpilogueBias, graph.EpilogueBiasRelu, graph.EpilogueBiasFastGelu,
		graph.EpilogueBiasSwish, graph.EpilogueBiasSigmoid, graph.EpilogueBiasTanh, graph.EpilogueBiasAdd,
		graph.EpilogueBiasAddRelu},
	graph.FamilyBmm:              {graph.EpilogueNone, graph.EpilogueAdd},
	graph.FamilyConv2d:           {graph.EpilogueNone, graph.EpilogueBias, graph.EpilogueBiasRelu, graph.EpilogueBiasFastGelu},
	graph.FamilyTransposedConv2d: {graph.EpilogueNone, graph.EpilogueBias, graph.EpilogueBiasRelu},
	graph.FamilyElementwise:      {graph.EpilogueNone},
	graph.FamilyReshape:          {graph.EpilogueNone},
	graph.FamilyFlatten:          {graph.EpilogueNone},
}

func init() {
	for family, epilogues := range familyEpilogues {
		for _, epilogue := range epilogues {
			kind := graph.KindWithEpilogue(family, epilogue)
			backends.RegisterKernel(TargetName, kind, &kernel{kind: kind, family: family})
		}
	}
}

// kernel implements backends.Kernel for one operator kind.
type kernel struct {
	kind   graph.OpKind
	family graph.Family
}

var _ backends.Kernel = (*kernel)(nil)

func (k *kernel) checkOperator(op *graph.Operator) error {
	if op.Kind() != k.kind {
		return errors.Errorf("rocm kernel for %q can't handle operator %s of kind %q", k.kind, op.Name(), op.Kind())
	}
	if _, err := cType(op.Output(0).DType()); err != nil {
		return errors.WithMessagef(err, "operator %s", op.Name())
	}
	for ii := range op.NumInputs() {
		if acc := op.InputAccessor(ii); acc != nil && acc.Strides != nil {
			return errors.Errorf("rocm: operator %s reads input #%d through a strided view, which is not supported", op.Name(), ii)
		}
	}
	return nil
}

// vectorAlignment is the number of elements in 16 bytes.
func vectorAlignment(dtype dtypes.DType) int {
	return 16 / dtype.Size()
}

// Config implements backends.Kernel.
func (k *kernel) Config(op *graph.Operator) ([]backends.KernelCandidate, error) {
	if err := k.checkOperator(op); err != nil {
		return nil, err
	}
	layout := layoutOf(op.Attributes())
	var result []backends.KernelCandidate
	for _, spec := range familyCandidates[k.family] {
		c := backends.KernelCandidate{Name: spec.name, Layout: layout, Params: spec.params}
		if spec.vectorized {
			c.Alignment = vectorAlignment(op.Output(0).DType())
		}
		result = append(result, c)
	}
	return result, nil
}

// alignedDims returns the concrete dimensions that must be multiples of a candidate's alignment.
func (k *kernel) alignedDims(attrs graph.Attributes, concrete [][]int) []int {
	switch k.family {
	case graph.FamilyGemm, graph.FamilyBmm:
		lhs, out := concrete[0], concrete[len(concrete)-1]
		return []int{lhs[len(lhs)-1], out[len(out)-1]}
	case graph.FamilyConv2d, graph.FamilyTransposedConv2d:
		x, out := concrete[0], concrete[len(concrete)-1]
		return []int{x[3] / attrs.(*graph.Conv2dAttrs).Group, out[3]}
	}
	return nil
}

// Filter implements backends.Kernel.
func (k *kernel) Filter(c backends.KernelCandidate, op *graph.Operator, concrete [][]int) bool {
	found := false
	for _, spec := range familyCandidates[k.family] {
		found = found || spec.name == c.Name
	}
	if !found {
		return false
	}
	for _, dims := range concrete {
		for _, d := range dims {
			if d <= 0 {
				return false
			}
		}
	}
	return c.Aligned(k.alignedDims(op.Attributes(), concrete)...)
}

// GenFunction implements backends.Kernel.
func (k *kernel) GenFunction(op *graph.Operator, c backends.KernelCandidate) (string, error) {
	data, err := k.functionData(op, c)
	if err != nil {
		return "", err
	}
	return render(string(k.family), data)
}

// GenFunctionDecl implements backends.Kernel.
func (k *kernel) GenFunctionDecl(op *graph.Operator) (string, error) {
	data, err := k.functionData(op, backends.KernelCandidate{})
	if err != nil {
		return "", err
	}
	return render("decl", data)
}

// GenFunctionCall implements backends.Kernel.
func (k *kernel) GenFunctionCall(op *graph.Operator, indent int) (string, error) {
	data, err := k.functionData(op, backends.KernelCandidate{})
	if err != nil {
		return "", err
	}
	data.Indent = indent
	return render("call", data)
}

// GenProfiler implements backends.Kernel.
func (k *kernel) GenProfiler(op *graph.Operator, candidates []backends.KernelCandidate) (*backends.ProfilerSource, error) {
	if len(candidates) == 0 {
		return nil, errors.Errorf("rocm: no candidates to profile for %s", op.Name())
	}
	data, err := k.functionData(op, backends.KernelCandidate{})
	if err != nil {
		return nil, err
	}
	prof := &profilerData{Function: data, Iterations: profilerIterations}
	for _, c := range candidates {
		body, err := k.GenFunction(op, c)
		if err != nil {
			return nil, err
		}
		prof.Bodies = append(prof.Bodies, body)
		prof.Candidates = append(prof.Candidates, c.Name)
	}
	for _, arg := range append(append([]*argData(nil), data.Inputs...), data.Output) {
		for axis := range arg.Rank {
			prof.ArgNames = append(prof.ArgNames, fmt.Sprintf("%s_dim%d", arg.Param, axis))
		}
	}
	source, err := render("profiler", prof)
	if err != nil {
		return nil, err
	}
	return &backends.ProfilerSource{
		Platform:   TargetName,
		Kind:       k.kind,
		Name:       "profiler_" + string(k.kind),
		Source:     source,
		Candidates: candidates,
		ArgNames:   append(prof.ArgNames, "candidate"),
	}, nil
}

// profilerIterations is the number of timed runs of a candidate in a profiler, after one warm-up run.
const profilerIterations = 10

// argData describes one tensor argument of a generated function.
type argData struct {
	// Param is the name of the parameter: in0, in1, ..., out0.
	Param string

	// Tensor is the name of the tensor in the program, Offset its accessor's offset, if any.
	Tensor string
	Offset int

	// DimStart is the position of its first dimension in the dims array, and Rank its number of dimensions.
	DimStart, Rank int
}

// Dim returns the C expression of the dimension axis.
func (a *argData) Dim(axis int) string { return fmt.Sprintf("dims[%d]", a.DimStart+axis) }

// Numel returns the C expression of the number of elements.
func (a *argData) Numel() string {
	if a.Rank == 0 {
		return "int64_t(1)"
	}
	parts := make([]string, a.Rank)
	for axis := range a.Rank {
		parts[axis] = a.Dim(axis)
	}
	return strings.Join(parts, " * ")
}

// functionData is the data rendered by the kernel templates.
type functionData struct {
	Name, Kind, Attrs, Candidate string
	CType                        string
	Params                       map[string]int
	Indent                       int

	Inputs []*argData
	Output *argData

	// Gemm.
	TransposedB, BatchedB bool

	// Epilogue.
	Bias, Residual *argData
	Activation     string

	// Convolutions.
	Stride, Pad, Dilate, Group int

	// Elementwise.
	Expr string
}

// Param returns a candidate parameter.
func (d *functionData) Param(name string) int { return d.Params[name] }

func (k *kernel) functionData(op *graph.Operator, c backends.KernelCandidate) (*functionData, error) {
	if err := k.checkOperator(op); err != nil {
		return nil, err
	}
	ctype, _ := cType(op.Output(0).DType())
	data := &functionData{
		Name:      op.Name(),
		Kind:      string(op.Kind()),
		Attrs:     op.Attributes().String(),
		Candidate: c.Name,
		CType:     ctype,
		Params:    c.Params,
	}
	pos := 0
	for ii, shape := range op.InputShapes() {
		arg := &argData{Param: fmt.Sprintf("in%d", ii), Tensor: op.Input(ii).Name(), DimStart: pos, Rank: shape.Rank()}
		if acc := op.InputAccessor(ii); acc != nil {
			arg.Offset = acc.Offset
		}
		data.Inputs = append(data.Inputs, arg)
		pos += shape.Rank()
	}
	if n := len(op.Outputs()); n != 1 {
		return nil, errors.Errorf("rocm: operator %s has %d outputs, only 1 is supported", op.Name(), n)
	}
	data.Output = &argData{Param: "out0", Tensor: op.Output(0).Name(), DimStart: pos, Rank: op.Output(0).Shape().Rank()}

	epilogue := graph.EpilogueNone
	switch attrs := op.Attributes().(type) {
	case *graph.GemmAttrs:
		epilogue = attrs.Epilogue
		data.TransposedB = attrs.Layout == graph.LayoutRCR
	case *graph.BmmAttrs:
		epilogue = attrs.Epilogue
		data.TransposedB = attrs.Layout == graph.LayoutRCR
		data.BatchedB = true
	case *graph.Conv2dAttrs:
		epilogue = attrs.Epilogue
		data.Stride, data.Pad, data.Dilate, data.Group = attrs.Stride, attrs.Pad, attrs.Dilate, attrs.Group
	case *graph.ElementwiseAttrs:
		expr, found := elementwiseExprs[attrs.Func]
		if !found {
			return nil, errors.Errorf("rocm: elementwise function %q not supported", attrs.Func)
		}
		data.Expr = expr
	}
	operand := 2
	if epilogue.HasBias() {
		data.Bias = data.Inputs[operand]
		operand++
	}
	if epilogue.HasResidual() {
		data.Residual = data.Inputs[operand]
	}
	if act := epilogue.Activation(); act != "" {
		expr, found := elementwiseExprs[act]
		if !found {
			return nil, errors.Errorf("rocm: activation %q not supported", act)
		}
		data.Activation = expr
	}
	return data, nil
}

// elementwiseExprs are the C expressions of the elementwise functions, of x (and y for binary ones).
var elementwiseExprs = map[graph.ElementwiseFunc]string{
	graph.FuncRelu:     "fmaxf(x, 0.0f)",
	graph.FuncFastGelu: "tf::fast_gelu(x)",
	graph.FuncSwish:    "x * tf::sigmoid(x)",
	graph.FuncSigmoid:  "tf::sigmoid(x)",
	graph.FuncTanh:     "tanhf(x)",
	graph.FuncAdd:      "x + y",
	graph.FuncSub:      "x - y",
	graph.FuncMul:      "x * y",
}

func layoutOf(attrs graph.Attributes) graph.Layout {
	switch a := attrs.(type) {
	case *graph.GemmAttrs:
		return a.Layout
	case *graph.BmmAttrs:
		return a.Layout
	}
	return ""
}

// cType returns the HIP type of the dtype.
func cType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float32:
		return "float", nil
	case dtypes.Float16:
		return "half", nil
	case dtypes.BFloat16:
		return "hip_bfloat16", nil
	}
	return "", errors.Errorf("rocm: dtype %s not supported", dtype)
}

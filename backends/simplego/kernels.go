// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"encoding/json"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/pkg/errors"
)

// operand is a dense float32 tensor.
type operand struct {
	dims []int
	data []float32
}

// runFn computes an operator, including its epilogue, writing into output.data.
type runFn func(attrs graph.Attributes, inputs []operand, output operand)

// workspaceFn returns the scratch memory, in bytes, a candidate uses.
type workspaceFn func(attrs graph.Attributes, inputs []operand, output operand) int64

// candidate is a KernelCandidate with its implementation.
type candidate struct {
	backends.KernelCandidate
	run       runFn
	workspace workspaceFn
}

// kernel implements backends.Kernel for one operator kind on one platform.
type kernel struct {
	platform   string
	kind       graph.OpKind
	family     graph.Family
	candidates []*candidate

	// alignedDims returns the concrete dimensions that must be multiples of a candidate's alignment.
	alignedDims func(attrs graph.Attributes, concrete [][]int) []int
}

var _ backends.Kernel = (*kernel)(nil)

// candidate returns the candidate with the given name, or nil.
func (k *kernel) candidate(name string) *candidate {
	for _, c := range k.candidates {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (k *kernel) checkOperator(op *graph.Operator) error {
	if op.Kind() != k.kind {
		return errors.Errorf("simplego kernel for %q can't handle operator %s of kind %q", k.kind, op.Name(), op.Kind())
	}
	return nil
}

// Config implements backends.Kernel.
func (k *kernel) Config(op *graph.Operator) ([]backends.KernelCandidate, error) {
	if err := k.checkOperator(op); err != nil {
		return nil, err
	}
	layout := layoutOf(op.Attributes())
	result := make([]backends.KernelCandidate, 0, len(k.candidates))
	for _, c := range k.candidates {
		kc := c.KernelCandidate
		kc.Layout = layout
		result = append(result, kc)
	}
	return result, nil
}

// profilerSpec is the source of a simplego profiler: the operator to benchmark, to be run in-process.
type profilerSpec struct {
	Platform    string          `json:"platform"`
	Kind        graph.OpKind    `json:"kind"`
	Family      graph.Family    `json:"family"`
	Attrs       json.RawMessage `json:"attrs"`
	DType       string          `json:"dtype"`
	InputRanks  []int           `json:"input_ranks"`
	OutputRanks []int           `json:"output_ranks"`
	Candidates  []string        `json:"candidates"`
}

// GenProfiler implements backends.Kernel.
func (k *kernel) GenProfiler(op *graph.Operator, candidates []backends.KernelCandidate) (*backends.ProfilerSource, error) {
	if err := k.checkOperator(op); err != nil {
		return nil, err
	}
	attrs, err := json.Marshal(op.Attributes())
	if err != nil {
		return nil, errors.Wrapf(err, "serializing attributes of %s", op.Name())
	}
	spec := profilerSpec{
		Platform: k.platform,
		Kind:     k.kind,
		Family:   k.family,
		Attrs:    attrs,
		DType:    op.Output(0).DType().String(),
	}
	var argNames []string
	for ii, shape := range op.InputShapes() {
		spec.InputRanks = append(spec.InputRanks, shape.Rank())
		argNames = append(argNames, dimArgNames("input", ii, shape.Rank())...)
	}
	for ii, output := range op.Outputs() {
		spec.OutputRanks = append(spec.OutputRanks, output.Shape().Rank())
		argNames = append(argNames, dimArgNames("output", ii, output.Shape().Rank())...)
	}
	for _, c := range candidates {
		if k.candidate(c.Name) == nil {
			return nil, errors.Errorf("unknown candidate %q for %s on %s", c.Name, k.kind, k.platform)
		}
		spec.Candidates = append(spec.Candidates, c.Name)
	}
	source, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "rendering profiler for %s", op.Name())
	}
	return &backends.ProfilerSource{
		Platform:   k.platform,
		Kind:       k.kind,
		Name:       "profiler_" + string(k.kind),
		Source:     string(source),
		Candidates: candidates,
		ArgNames:   append(argNames, "candidate"),
	}, nil
}

// Filter implements backends.Kernel.
func (k *kernel) Filter(c backends.KernelCandidate, op *graph.Operator, concrete [][]int) bool {
	impl := k.candidate(c.Name)
	if impl == nil {
		return false
	}
	for _, dims := range concrete {
		for _, d := range dims {
			if d <= 0 {
				return false
			}
		}
	}
	if k.alignedDims == nil {
		return true
	}
	return impl.Aligned(k.alignedDims(op.Attributes(), concrete)...)
}

// GenFunction implements backends.Kernel.
func (k *kernel) GenFunction(op *graph.Operator, c backends.KernelCandidate) (string, error) {
	if err := k.checkOperator(op); err != nil {
		return "", err
	}
	if k.candidate(c.Name) == nil {
		return "", errors.Errorf("unknown candidate %q for %s on %s", c.Name, k.kind, k.platform)
	}
	return render("function", newFunctionData(op, c.Name))
}

// GenFunctionDecl implements backends.Kernel.
func (k *kernel) GenFunctionDecl(op *graph.Operator) (string, error) {
	if err := k.checkOperator(op); err != nil {
		return "", err
	}
	return render("decl", newFunctionData(op, ""))
}

// GenFunctionCall implements backends.Kernel.
func (k *kernel) GenFunctionCall(op *graph.Operator, indent int) (string, error) {
	if err := k.checkOperator(op); err != nil {
		return "", err
	}
	data := newFunctionData(op, "")
	data.Indent = indent
	return render("call", data)
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

func epilogueOf(attrs graph.Attributes) graph.Epilogue {
	switch a := attrs.(type) {
	case *graph.GemmAttrs:
		return a.Epilogue
	case *graph.BmmAttrs:
		return a.Epilogue
	case *graph.Conv2dAttrs:
		return a.Epilogue
	}
	return graph.EpilogueNone
}

// withEpilogue wraps the main computation of an operator, which uses the first two inputs, with its epilogue.
func withEpilogue(main func(attrs graph.Attributes, inputs []operand, output operand)) runFn {
	return func(attrs graph.Attributes, inputs []operand, output operand) {
		main(attrs, inputs, output)
		epilogue := epilogueOf(attrs)
		var bias, residual []float32
		idx := 2
		if epilogue.HasBias() {
			bias = inputs[idx].data
			idx++
		}
		if epilogue.HasResidual() {
			residual = inputs[idx].data
		}
		applyEpilogue(epilogue, output.data, bias, residual)
	}
}

func gemmProblemOf(attrs graph.Attributes, inputs []operand, output operand) gemmProblem {
	lhs := inputs[0].dims
	if len(lhs) == 2 {
		return gemmProblem{batch: 1, m: lhs[0], k: lhs[1], n: output.dims[1], layout: layoutOf(attrs)}
	}
	return gemmProblem{batch: lhs[0], m: lhs[1], k: lhs[2], n: output.dims[2], layout: layoutOf(attrs)}
}

func gemmRun(impl func(p gemmProblem, lhs, rhs, out []float32)) runFn {
	return withEpilogue(func(attrs graph.Attributes, inputs []operand, output operand) {
		impl(gemmProblemOf(attrs, inputs, output), inputs[0].data, inputs[1].data, output.data)
	})
}

func gemmBlockedRun(tile int) runFn {
	return gemmRun(func(p gemmProblem, lhs, rhs, out []float32) { gemmBlocked(p, tile, lhs, rhs, out) })
}

func convRun(impl func(p convProblem, x, w, out []float32)) runFn {
	return withEpilogue(func(attrs graph.Attributes, inputs []operand, output operand) {
		p := newConvProblem(attrs.(*graph.Conv2dAttrs), inputs[0].dims, inputs[1].dims)
		impl(p, inputs[0].data, inputs[1].data, output.data)
	})
}

// im2colWorkspace is the size of the patches matrix.
func im2colWorkspace(attrs graph.Attributes, inputs []operand, _ operand) int64 {
	p := newConvProblem(attrs.(*graph.Conv2dAttrs), inputs[0].dims, inputs[1].dims)
	return int64(p.n*p.hOut*p.wOut) * int64(p.kh*p.kw*p.cIn/p.groups) * 4
}

func runElementwise(attrs graph.Attributes, inputs []operand, output operand) {
	data := make([][]float32, len(inputs))
	for ii, input := range inputs {
		data[ii] = input.data
	}
	elementwise(attrs.(*graph.ElementwiseAttrs).Func, data, output.data)
}

// runView copies its input: views executed as operators are those whose output can't alias the input.
func runView(_ graph.Attributes, inputs []operand, output operand) {
	copy(output.data, inputs[0].data)
}

func gemmAlignedDims(_ graph.Attributes, concrete [][]int) []int {
	lhs, out := concrete[0], concrete[len(concrete)-1]
	return []int{lhs[len(lhs)-1], out[len(out)-1]}
}

func convAlignedDims(attrs graph.Attributes, concrete [][]int) []int {
	x, out := concrete[0], concrete[len(concrete)-1]
	return []int{x[3] / attrs.(*graph.Conv2dAttrs).Group, out[3]}
}

func newCandidate(name string, alignment int, params map[string]int, run runFn) *candidate {
	return &candidate{
		KernelCandidate: backends.KernelCandidate{Name: name, Alignment: alignment, Params: params},
		run:             run,
	}
}

// familyCandidates returns the candidates of a family for the platform variant, in order of preference.
func familyCandidates(family graph.Family, variant string) []*candidate {
	aligned := variant == VariantAligned8
	switch family {
	case graph.FamilyGemm, graph.FamilyBmm:
		if aligned {
			return []*candidate{
				newCandidate("vec8", 8, nil, gemmRun(gemmVec8)),
				newCandidate("blocked_64_a8", 8, map[string]int{"tile": 64}, gemmBlockedRun(64)),
			}
		}
		return []*candidate{
			newCandidate("naive", 0, nil, gemmRun(gemmNaive)),
			newCandidate("blocked_32", 0, map[string]int{"tile": 32}, gemmBlockedRun(32)),
			newCandidate("blocked_64", 0, map[string]int{"tile": 64}, gemmBlockedRun(64)),
			newCandidate("vec8", 8, nil, gemmRun(gemmVec8)),
		}
	case graph.FamilyConv2d:
		im2col := newCandidate("im2col", 0, nil, convRun(conv2dIm2col))
		im2col.workspace = im2colWorkspace
		if aligned {
			im2col.Name, im2col.Alignment = "im2col_a8", 8
			return []*candidate{im2col}
		}
		return []*candidate{newCandidate("direct", 0, nil, convRun(conv2dDirect)), im2col}
	case graph.FamilyTransposedConv2d:
		if aligned {
			return []*candidate{newCandidate("scatter_a8", 8, nil, convRun(transposedConv2dScatter))}
		}
		return []*candidate{newCandidate("scatter", 0, nil, convRun(transposedConv2dScatter))}
	case graph.FamilyElementwise:
		return []*candidate{newCandidate("loop", 0, nil, runElementwise)}
	case graph.FamilyReshape, graph.FamilyFlatten:
		return []*candidate{newCandidate("copy", 0, nil, runView)}
	}
	return nil
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

// newKernels creates the kernels of a platform variant, keyed by kind.
func newKernels(variant string) map[graph.OpKind]*kernel {
	platform := backends.PlatformName(TargetName, variant)
	kernels := make(map[graph.OpKind]*kernel)
	for family, epilogues := range familyEpilogues {
		var alignedDims func(graph.Attributes, [][]int) []int
		switch family {
		case graph.FamilyGemm, graph.FamilyBmm:
			alignedDims = gemmAlignedDims
		case graph.FamilyConv2d, graph.FamilyTransposedConv2d:
			alignedDims = convAlignedDims
		}
		for _, epilogue := range epilogues {
			kind := graph.KindWithEpilogue(family, epilogue)
			kernels[kind] = &kernel{
				platform:    platform,
				kind:        kind,
				family:      family,
				candidates:  familyCandidates(family, variant),
				alignedDims: alignedDims,
			}
		}
	}
	return kernels
}

func init() {
	for _, variant := range Variants {
		platform := backends.PlatformName(TargetName, variant)
		for kind, k := range newKernels(variant) {
			backends.RegisterKernel(platform, kind, k)
		}
	}
}

// lookupKernel returns the simplego kernel registered for the kind on the platform.
func lookupKernel(platform string, kind graph.OpKind) (*kernel, error) {
	k, err := backends.LookupKernel(platform, kind)
	if err != nil {
		return nil, err
	}
	sk, ok := k.(*kernel)
	if !ok {
		return nil, errors.Errorf("kernel registered for %q on %q is not a simplego kernel (%T)", kind, platform, k)
	}
	return sk, nil
}

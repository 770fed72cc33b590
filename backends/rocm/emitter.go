// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rocm

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/support/sets"
	"github.com/gomlx/tensorforge/pkg/support/xslices"
	"github.com/pkg/errors"
)

// emitter implements backends.Emitter, rendering HIP C++ units. The entry point is a main function
// following the protocol of nativebuild.ProcessModule.
type emitter struct {
	arch string
}

var _ backends.Emitter = emitter{}

type dispatchCase struct {
	Cond, Candidate string
}

// unitFunction is one operator of a unit: the bodies of its candidates and the dispatcher between them.
type unitFunction struct {
	Name, Decl, Args string
	Bodies           []string
	Cases            []dispatchCase
	Fallback         string
}

type dimsData struct {
	Name   string
	Values []string
}

type mainData struct {
	Program         string
	Decls           []string
	Inputs, Outputs []string
	Symbols         []string
	ArenaBytes      int64
	Workspace       int64
	Tensors         []string
	Dims            []dimsData
	Calls           []string
	Numels          map[string]string
}

type unitData struct {
	Name, Program, Arch, BuildID string
	Functions                    []*unitFunction
	Main                         *mainData
}

// RenderUnits implements backends.Emitter.
func (e emitter) RenderUnits(prog *backends.Program, perOperator bool) ([]*backends.Unit, error) {
	functions := make([]*unitFunction, 0, len(prog.Functions))
	for _, fn := range prog.Functions {
		uf, err := newUnitFunction(prog, fn)
		if err != nil {
			return nil, err
		}
		functions = append(functions, uf)
	}
	main, err := newMainData(prog)
	if err != nil {
		return nil, err
	}

	newUnit := func(name string, functions []*unitFunction, main *mainData) (*backends.Unit, error) {
		data := &unitData{Name: name, Program: prog.Name, Arch: e.arch, BuildID: prog.BuildID, Functions: functions, Main: main}
		source, err := render("unit", data)
		if err != nil {
			return nil, err
		}
		unit := &backends.Unit{Name: name, Source: source}
		for _, fn := range functions {
			unit.Operators = append(unit.Operators, fn.Name)
		}
		return unit, nil
	}
	if !perOperator {
		unit, err := newUnit(prog.Name+".cpp", functions, main)
		if err != nil {
			return nil, err
		}
		return []*backends.Unit{unit}, nil
	}
	units := make([]*backends.Unit, 0, len(functions)+1)
	for _, fn := range functions {
		unit, err := newUnit(fn.Name+".cpp", []*unitFunction{fn}, nil)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	unit, err := newUnit("main.cpp", nil, main)
	if err != nil {
		return nil, err
	}
	return append(units, unit), nil
}

// argShapes returns the shapes of the inputs, as seen through their accessors, followed by the output's.
func argShapes(prog *backends.Program, fn *backends.Function) ([]shapes.Shape, error) {
	var result []shapes.Shape
	for ii, name := range fn.Inputs {
		if ii < len(fn.Accessors) && fn.Accessors[ii] != nil {
			result = append(result, fn.Accessors[ii].ViewShape)
			continue
		}
		t := prog.Tensor(name)
		if t == nil {
			return nil, errors.Errorf("rocm: function %s reads unknown tensor %q", fn.Name, name)
		}
		result = append(result, t.Shape)
	}
	if len(fn.Outputs) != 1 {
		return nil, errors.Errorf("rocm: function %s has %d outputs, only 1 is supported", fn.Name, len(fn.Outputs))
	}
	t := prog.Tensor(fn.Outputs[0])
	if t == nil {
		return nil, errors.Errorf("rocm: function %s writes unknown tensor %q", fn.Name, fn.Outputs[0])
	}
	return append(result, t.Shape), nil
}

// dimExpr returns the C expression of a dimension in the entry point.
func dimExpr(d shapes.Dim) (string, error) {
	if d.IsStatic() {
		return strconv.Itoa(d.Min), nil
	}
	if d.Symbol == "" {
		return "", errors.Errorf("rocm: anonymous dynamic dimension %s can't be resolved", d)
	}
	return "sym_" + ident(d.Symbol), nil
}

// numelExpr returns the C expression of the number of elements of a shape in the entry point.
func numelExpr(shape shapes.Shape) (string, error) {
	parts := []string{"int64_t(1)"}
	for _, d := range shape.Dims {
		expr, err := dimExpr(d)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, " * "), nil
}

func newUnitFunction(prog *backends.Program, fn *backends.Function) (*unitFunction, error) {
	if len(fn.ExecPaths) == 0 {
		return nil, errors.Errorf("rocm: function %s has no execution path", fn.Name)
	}
	shapesOfArgs, err := argShapes(prog, fn)
	if err != nil {
		return nil, err
	}
	// Position in the dims array of the first dimension of each symbol.
	symbolPos := make(map[string]int)
	pos := 0
	for _, shape := range shapesOfArgs {
		for _, d := range shape.Dims {
			if _, found := symbolPos[d.Symbol]; d.Symbol != "" && !found {
				symbolPos[d.Symbol] = pos
			}
			pos++
		}
	}

	uf := &unitFunction{Name: fn.Name, Decl: fn.Decl, Args: argsList(len(fn.Inputs))}
	for _, c := range fn.Candidates {
		body, found := fn.Bodies[c.Name]
		if !found {
			return nil, errors.Errorf("rocm: function %s has no body for candidate %q", fn.Name, c.Name)
		}
		uf.Bodies = append(uf.Bodies, body)
	}
	for _, path := range fn.ExecPaths {
		if _, found := fn.Bodies[path.Kernel]; !found {
			return nil, errors.Errorf("rocm: function %s selects candidate %q without a body", fn.Name, path.Kernel)
		}
		var conds []string
		for _, symbol := range slices.Sorted(maps.Keys(path.Bindings)) {
			if p, found := symbolPos[symbol]; found {
				conds = append(conds, fmt.Sprintf("dims[%d] <= %d", p, path.Bindings[symbol]))
			}
		}
		if len(conds) == 0 {
			uf.Fallback = path.Kernel
			break
		}
		uf.Cases = append(uf.Cases, dispatchCase{Cond: strings.Join(conds, " && "), Candidate: path.Kernel})
	}
	if uf.Fallback == "" {
		// Values above the last profiled path use its kernel.
		var last dispatchCase
		last, uf.Cases = xslices.Pop(uf.Cases)
		uf.Fallback = last.Candidate
	}
	return uf, nil
}

func newMainData(prog *backends.Program) (*mainData, error) {
	data := &mainData{
		Program:   prog.Name,
		Inputs:    prog.Inputs,
		Outputs:   prog.Outputs,
		Workspace: prog.Workspace,
		Numels:    make(map[string]string),
	}
	if prog.Memory != nil {
		data.ArenaBytes = prog.Memory.TotalBytes
	}
	symbols := sets.Make[string]()
	var views []string
	for _, t := range prog.Tensors {
		for _, symbol := range t.Shape.Symbols() {
			symbols.Insert(symbol)
		}
		ctype, err := cType(t.Shape.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", t.Name)
		}
		numel, err := numelExpr(t.Shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", t.Name)
		}
		data.Numels[t.Name] = numel
		name := ident(t.Name)
		switch t.Role {
		case backends.RoleInput:
			data.Tensors = append(data.Tensors, fmt.Sprintf("  %s* t_%s = tf::read_input<%s>(in_dir, %q, %s);",
				ctype, name, ctype, t.Name, numel))
		case backends.RoleOutput:
			data.Tensors = append(data.Tensors, fmt.Sprintf("  %s* t_%s = tf::device_alloc<%s>(%s);", ctype, name, ctype, numel))
		case backends.RoleConstant:
			data.Tensors = append(data.Tensors,
				fmt.Sprintf("  static const float c_%s[] = {%s};", name, floatList(t.Data)),
				fmt.Sprintf("  %s* t_%s = tf::upload<%s>(c_%s, %d);", ctype, name, ctype, name, len(t.Data)))
		case backends.RoleIntermediate:
			if prog.Memory == nil || t.Slot < 0 || t.Slot >= len(prog.Memory.Slots) {
				return nil, errors.Errorf("rocm: intermediate tensor %q has no memory slot", t.Name)
			}
			data.Tensors = append(data.Tensors, fmt.Sprintf("  %s* t_%s = reinterpret_cast<%s*>(arena + %d);",
				ctype, name, ctype, prog.Memory.Slots[t.Slot].Offset))
		case backends.RoleView:
			views = append(views, fmt.Sprintf("  %s* t_%s = t_%s;", ctype, name, ident(t.ViewOf)))
		default:
			return nil, errors.Errorf("rocm: tensor %q has unknown role %q", t.Name, t.Role)
		}
	}
	data.Tensors = append(data.Tensors, views...)
	data.Symbols = sets.Sorted(symbols)

	for _, fn := range prog.Functions {
		shapesOfArgs, err := argShapes(prog, fn)
		if err != nil {
			return nil, err
		}
		dims := dimsData{Name: ident(fn.Name)}
		for _, shape := range shapesOfArgs {
			for _, d := range shape.Dims {
				expr, err := dimExpr(d)
				if err != nil {
					return nil, errors.WithMessagef(err, "function %s", fn.Name)
				}
				dims.Values = append(dims.Values, expr)
			}
		}
		if len(dims.Values) == 0 {
			dims.Values = []string{"0"}
		}
		data.Dims = append(data.Dims, dims)
		data.Decls = append(data.Decls, fn.Decl)
		data.Calls = append(data.Calls, fn.Call)
	}
	return data, nil
}

// floatList formats values as a C initializer list.
func floatList(values []float32) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		switch {
		case math.IsNaN(float64(v)):
			parts[ii] = "NAN"
		case math.IsInf(float64(v), 1):
			parts[ii] = "INFINITY"
		case math.IsInf(float64(v), -1):
			parts[ii] = "-INFINITY"
		default:
			parts[ii] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
	}
	return strings.Join(parts, ", ")
}

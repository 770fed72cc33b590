// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/tensorforge/backends"
)

// emitter implements backends.Emitter, rendering listings.
type emitter struct{}

type unitData struct {
	Name, Program, BuildID, Package string
	Functions                       []*backends.Function
	Calls                           []string
	Inputs, Outputs                 []string
}

// RenderUnits implements backends.Emitter.
func (emitter) RenderUnits(prog *backends.Program, perOperator bool) ([]*backends.Unit, error) {
	newUnit := func(name string, functions []*backends.Function, withEntryPoint bool) (*backends.Unit, error) {
		data := &unitData{Name: name, Program: prog.Name, BuildID: prog.BuildID, Package: "module", Functions: functions}
		if withEntryPoint {
			data.Inputs, data.Outputs = prog.Inputs, prog.Outputs
			for _, fn := range prog.Functions {
				data.Calls = append(data.Calls, fn.Call)
			}
		}
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
		unit, err := newUnit(prog.Name+".sgo", prog.Functions, true)
		if err != nil {
			return nil, err
		}
		return []*backends.Unit{unit}, nil
	}
	units := make([]*backends.Unit, 0, len(prog.Functions)+1)
	for _, fn := range prog.Functions {
		unit, err := newUnit(fn.Name+".sgo", []*backends.Function{fn}, false)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	unit, err := newUnit("main.sgo", nil, true)
	if err != nil {
		return nil, err
	}
	return append(units, unit), nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"

	"github.com/pkg/errors"
)

// GridMode selects which bound values of a dynamic dimension are used as representative values
// when profiling.
type GridMode int

const (
	// GridMinMax uses only the lower and upper bounds.
	GridMinMax GridMode = iota

	// GridPow2 uses the bounds plus every power of 2 strictly between them.
	GridPow2
)

// ParseGridMode parses "minmax" or "pow2".
func ParseGridMode(name string) (GridMode, error) {
	switch name {
	case "", "minmax":
		return GridMinMax, nil
	case "pow2":
		return GridPow2, nil
	}
	return GridMinMax, errors.Errorf("unknown profiling grid mode %q, valid values are \"minmax\" and \"pow2\"", name)
}

// String implements fmt.Stringer.
func (m GridMode) String() string {
	if m == GridPow2 {
		return "pow2"
	}
	return "minmax"
}

// GridPoints returns the representative values of the dimension, in increasing order.
// Static dimensions yield their single value.
func GridPoints(d Dim, mode GridMode) []int {
	if d.Min == d.Max {
		return []int{d.Min}
	}
	points := []int{d.Min}
	if mode == GridPow2 {
		for p := 1; p < d.Max; p *= 2 {
			if p > d.Min {
				points = append(points, p)
			}
		}
	}
	points = append(points, d.Max)
	return slices.Compact(points)
}

// Grid returns the cartesian product of the grid points of the given symbols, in a deterministic order
// (symbols sorted, last symbol varying fastest). With no dynamic symbols it returns a single empty binding.
func (t *SymbolTable) Grid(symbols []string, mode GridMode) ([]Bindings, error) {
	symbols = slices.Sorted(slices.Values(symbols))
	symbols = slices.Compact(symbols)
	grid := []Bindings{{}}
	for _, symbol := range symbols {
		dim, found := t.Lookup(symbol)
		if !found {
			return nil, errors.Errorf("dynamic dimension %q was not registered", symbol)
		}
		points := GridPoints(dim, mode)
		next := make([]Bindings, 0, len(grid)*len(points))
		for _, b := range grid {
			for _, p := range points {
				nb := b.Clone()
				nb[symbol] = p
				next = append(next, nb)
			}
		}
		grid = next
	}
	return grid, nil
}

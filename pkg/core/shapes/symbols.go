// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// SymbolTable records the bounds of every named dynamic dimension seen in a graph.
//
// All uses of the same symbol must agree on (Min, Max).
type SymbolTable struct {
	bounds map[string]Dim
}

// NewSymbolTable returns an empty SymbolTable.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{bounds: make(map[string]Dim)}
}

// Register the named dynamic dimensions of the shape.
// It returns an error if a symbol was previously registered with different bounds.
func (t *SymbolTable) Register(shape Shape) error {
	for _, dim := range shape.Dims {
		if dim.Symbol == "" {
			continue
		}
		if previous, found := t.bounds[dim.Symbol]; found {
			if previous.Min != dim.Min || previous.Max != dim.Max {
				return errors.Errorf("dynamic dimension %q used with bounds [%d, %d] and [%d, %d]",
					dim.Symbol, previous.Min, previous.Max, dim.Min, dim.Max)
			}
			continue
		}
		t.bounds[dim.Symbol] = dim
	}
	return nil
}

// Lookup returns the registered dimension for the symbol.
func (t *SymbolTable) Lookup(symbol string) (Dim, bool) {
	d, found := t.bounds[symbol]
	return d, found
}

// Symbols returns the sorted list of registered symbols.
func (t *SymbolTable) Symbols() []string {
	return slices.Sorted(maps.Keys(t.bounds))
}

// Len returns the number of registered symbols.
func (t *SymbolTable) Len() int { return len(t.bounds) }

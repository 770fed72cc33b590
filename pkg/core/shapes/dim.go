// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Dim is the extent of one axis of a shape.
//
// A Dim is either static (Min == Max, no symbol) or dynamic, in which case it is bounded by [Min, Max]
// and named by a Symbol. All uses of the same Symbol across a graph must agree on the bounds,
// see SymbolTable.
type Dim struct {
	Min    int    `json:"min"`
	Max    int    `json:"max"`
	Symbol string `json:"symbol,omitempty"`
}

// Static returns a fixed dimension of size n.
func Static(n int) Dim {
	if n <= 0 {
		exceptions.Panicf("shapes.Static(%d): dimensions must be > 0", n)
	}
	return Dim{Min: n, Max: n}
}

// Dynamic returns a bounded dynamic dimension named symbol. The symbol is required: it's how the
// dimension is bound to a value when profiling and running.
func Dynamic(symbol string, minValue, maxValue int) Dim {
	d := Dim{Min: minValue, Max: maxValue, Symbol: symbol}
	if err := d.Check(); err != nil {
		exceptions.Panicf("shapes.Dynamic(%q, %d, %d): %v", symbol, minValue, maxValue, err)
	}
	return d
}

// Check returns an error if the bounds are invalid, or if the dimension is dynamic but has no symbol.
func (d Dim) Check() error {
	if d.Min <= 0 || d.Max < d.Min {
		return errors.Errorf("invalid bounds [%d, %d]", d.Min, d.Max)
	}
	if d.Symbol == "" && d.Min != d.Max {
		return errors.Errorf("dynamic dimension with bounds [%d, %d] has no symbol", d.Min, d.Max)
	}
	return nil
}

// IsStatic returns whether the dimension has a fixed value.
func (d Dim) IsStatic() bool { return d.Symbol == "" && d.Min == d.Max }

// Value returns the static value. It panics for dynamic dimensions.
func (d Dim) Value() int {
	if !d.IsStatic() {
		exceptions.Panicf("Dim.Value() called on dynamic dimension %s", d)
	}
	return d.Min
}

// Resolve returns the concrete value of the dimension given the bindings.
// It returns false if the dimension is dynamic and not bound, or if the bound value is out of range.
func (d Dim) Resolve(bindings Bindings) (int, bool) {
	if d.IsStatic() {
		return d.Min, true
	}
	if d.Symbol == "" {
		return 0, false
	}
	v, found := bindings[d.Symbol]
	if !found || v < d.Min || v > d.Max {
		return 0, false
	}
	return v, true
}

// String implements fmt.Stringer.
func (d Dim) String() string {
	if d.IsStatic() {
		return fmt.Sprintf("%d", d.Min)
	}
	return fmt.Sprintf("%s:%d..%d", d.Symbol, d.Min, d.Max)
}

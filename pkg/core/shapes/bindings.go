// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Bindings maps dynamic dimension symbols to concrete values.
// Used to resolve dynamic shapes to concrete shapes when profiling and at execution time.
type Bindings map[string]int

// Key returns a canonical string representation for map keying.
// Format: "name1=val1,name2=val2" with names sorted alphabetically.
// Returns empty string for empty or nil bindings.
func (b Bindings) Key() string {
	if len(b) == 0 {
		return ""
	}
	names := slices.Sorted(maps.Keys(b))
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, b[name])
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of the bindings.
func (b Bindings) Clone() Bindings {
	if b == nil {
		return nil
	}
	return maps.Clone(b)
}

// Merge combines bindings from other into b.
// Returns an error if there are conflicting values for the same symbol.
func (b Bindings) Merge(other Bindings) error {
	for name, val := range other {
		if existing, ok := b[name]; ok && existing != val {
			return errors.Errorf("conflicting values for dimension %q: %d vs %d", name, existing, val)
		}
		b[name] = val
	}
	return nil
}

// ExtractBindings gets the bindings from concrete dimensions matching a (possibly dynamic) pattern shape.
//
// Returns error if:
//   - Ranks differ.
//   - Static dimensions don't match.
//   - A dynamic value falls outside of its bounds.
//   - The same symbol has conflicting values.
func ExtractBindings(pattern Shape, concrete []int) (Bindings, error) {
	if pattern.Rank() != len(concrete) {
		return nil, errors.Errorf("rank mismatch: pattern %s has rank %d, concrete dimensions %v have rank %d",
			pattern, pattern.Rank(), concrete, len(concrete))
	}
	bindings := make(Bindings)
	for axis, dim := range pattern.Dims {
		value := concrete[axis]
		if dim.IsStatic() {
			if dim.Min != value {
				return nil, errors.Errorf("axis %d mismatch: shape %s has %d, got %d", axis, pattern, dim.Min, value)
			}
			continue
		}
		if value < dim.Min || value > dim.Max {
			return nil, errors.Errorf("axis %d of shape %s: value %d out of bounds [%d, %d]",
				axis, pattern, value, dim.Min, dim.Max)
		}
		if dim.Symbol == "" {
			continue
		}
		if existing, ok := bindings[dim.Symbol]; ok && existing != value {
			return nil, errors.Errorf("dimension %q has conflicting values at axis %d: %d vs %d",
				dim.Symbol, axis, existing, value)
		}
		bindings[dim.Symbol] = value
	}
	return bindings, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/pkg/errors"
)

// IterOn iterates sequentially over all indices of the given concrete dimensions, in row-major order.
//
// It yields the flat index (counter) and a slice of indices for each axis.
// The yielded indices are owned by the iterator, and are updated in the given indices slice:
// don't change it inside the loop.
//
// It expects len(indices) == len(dims). It will panic otherwise.
func IterOn(dims, indices []int) iter.Seq2[int, []int] {
	if len(indices) != len(dims) {
		panic(errors.Errorf("shapes.IterOn given len(indices) == %d, want it to be equal to the rank %d", len(indices), len(dims)))
	}
	return func(yield func(int, []int) bool) {
		for _, dim := range dims {
			if dim <= 0 {
				return
			}
		}
		for i := range indices {
			indices[i] = 0
		}
		rank := len(dims)
		flatIdx := 0
	yielder:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++

			// Increment indices to the next set of coordinates: the last index changes fastest.
			for axis := rank - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < dims[axis] {
					continue yielder
				}
				indices[axis] = 0
			}
			return
		}
	}
}

// Iter is like IterOn, but allocates the indices slice.
func Iter(dims []int) iter.Seq2[int, []int] {
	return IterOn(dims, make([]int, len(dims)))
}

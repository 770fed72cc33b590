// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
)

// Interval is a closed lifetime interval [Start, End] in positions of the execution order.
type Interval struct {
	Start, End int
}

// Overlaps returns whether two closed intervals share any position.
func (i Interval) Overlaps(other Interval) bool {
	return !(i.End < other.Start || other.End < i.Start)
}

// Slot is a region of the shared intermediate buffer.
type Slot struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// MemoryPlan assigns every intermediate tensor (neither input, output, constant nor view) to a slot
// of one shared buffer. Tensors whose lifetimes overlap never share bytes.
type MemoryPlan struct {
	Slots      []Slot `json:"slots"`
	TotalBytes int64  `json:"total_bytes"`
	Alignment  int64  `json:"alignment"`
}

// Clone returns a deep copy of the plan, or nil.
func (p *MemoryPlan) Clone() *MemoryPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Slots = slices.Clone(p.Slots)
	return &c
}

// String implements fmt.Stringer.
func (p *MemoryPlan) String() string {
	return fmt.Sprintf("MemoryPlan{%d slots, %d bytes}", len(p.Slots), p.TotalBytes)
}

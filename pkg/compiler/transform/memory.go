// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"k8s.io/klog/v2"
)

// DefaultAlignment of the slots of the shared intermediate buffer, in bytes.
const DefaultAlignment = 64

// PlanMemory assigns every intermediate tensor to a slot of a shared buffer, by lifetime interval:
// a tensor lives from its producer's position to its last consumer's position in the execution order.
// Tensors aliased by views keep living until the last consumer of any of their views.
//
// Slots are reused best-fit: a tensor takes the smallest free slot large enough for it, or grows the
// largest free one, or opens a new slot. Sizes use the upper bounds of dynamic dimensions.
//
// Inputs, outputs and constants are bound to their own buffers, and views take no slot.
type PlanMemory struct {
	// Alignment of slot offsets and sizes in bytes. If <= 0, DefaultAlignment is used.
	Alignment int64
}

// Name implements Pass.
func (PlanMemory) Name() string { return "PlanMemory" }

// Lifetimes returns the lifetime interval of every tensor that owns storage in the shared buffer,
// keyed by tensor id.
func Lifetimes(g *graph.Graph) map[graph.TensorID]graph.Interval {
	position := g.Position()
	intervals := make(map[graph.TensorID]graph.Interval)
	for _, op := range g.SortedOperators() {
		for _, output := range op.Outputs() {
			if output.IsOutput() || output.ViewOf() != nil {
				continue
			}
			intervals[output.ID()] = graph.Interval{Start: position[op.ID()], End: position[op.ID()]}
		}
	}
	for _, op := range g.SortedOperators() {
		pos := position[op.ID()]
		for _, input := range op.Inputs() {
			root := input.StorageRoot()
			interval, planned := intervals[root.ID()]
			if !planned {
				continue
			}
			interval.End = max(interval.End, pos)
			intervals[root.ID()] = interval
		}
	}
	return intervals
}

func alignUp(n, alignment int64) int64 {
	return (n + alignment - 1) / alignment * alignment
}

// Run implements Pass.
func (p PlanMemory) Run(g *graph.Graph) (*graph.Graph, error) {
	g = g.Clone()
	alignment := p.Alignment
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	intervals := Lifetimes(g)

	// Tensors in the order they are produced, ties broken by id.
	ids := make([]graph.TensorID, 0, len(intervals))
	for id := range intervals {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b graph.TensorID) int {
		if intervals[a].Start != intervals[b].Start {
			return intervals[a].Start - intervals[b].Start
		}
		return int(a - b)
	})

	var slotSizes []int64
	var slotEnds []int // End of the lifetime of the last tensor assigned to each slot.
	for _, t := range g.Tensors() {
		t.SetSlot(-1)
	}
	for _, id := range ids {
		t := g.Tensor(id)
		interval := intervals[id]
		size := alignUp(int64(t.Shape().MaxMemory()), alignment)
		best, largest := -1, -1
		for slot, end := range slotEnds {
			if end >= interval.Start {
				continue // Still in use.
			}
			if slotSizes[slot] >= size && (best == -1 || slotSizes[slot] < slotSizes[best]) {
				best = slot
			}
			if largest == -1 || slotSizes[slot] > slotSizes[largest] {
				largest = slot
			}
		}
		switch {
		case best != -1:
		case largest != -1:
			best = largest
			slotSizes[best] = size
		default:
			best = len(slotSizes)
			slotSizes = append(slotSizes, size)
			slotEnds = append(slotEnds, 0)
		}
		slotEnds[best] = interval.End
		t.SetSlot(best)
	}

	plan := &graph.MemoryPlan{Alignment: alignment, Slots: make([]graph.Slot, len(slotSizes))}
	for ii, size := range slotSizes {
		plan.Slots[ii] = graph.Slot{Offset: plan.TotalBytes, Size: size}
		plan.TotalBytes += size
	}
	g.TopoSort()
	g.SetMemoryPlan(plan)
	klog.V(1).Infof("%s: %d intermediate tensors in %d slots, %s total", p.Name(), len(ids), len(slotSizes),
		humanize.IBytes(uint64(plan.TotalBytes)))
	return g, nil
}

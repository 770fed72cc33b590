// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"container/heap"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// readyQueue is a min-heap of operator ids: among the operators ready to run, the one inserted
// first in the graph goes first, which makes the order deterministic.
type readyQueue []OperatorID

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i] < q[j] }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(OperatorID)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// topoSort returns the live operators in topological order, using Kahn's algorithm with ties broken
// by insertion order. It returns an error if the graph has a cycle.
func (g *Graph) topoSort() ([]*Operator, error) {
	if g.sorted != nil {
		ops := make([]*Operator, len(g.sorted))
		for ii, id := range g.sorted {
			ops[ii] = g.operators[id]
		}
		return ops, nil
	}

	pending := make(map[OperatorID]int)
	queue := &readyQueue{}
	live := g.Operators()
	for _, op := range live {
		count := 0
		for _, id := range op.inputs {
			if g.tensors[id].src != NoOperator {
				count++
			}
		}
		pending[op.id] = count
		if count == 0 {
			*queue = append(*queue, op.id)
		}
	}
	heap.Init(queue)

	sorted := make([]OperatorID, 0, len(live))
	for queue.Len() > 0 {
		id := heap.Pop(queue).(OperatorID)
		sorted = append(sorted, id)
		for _, outputID := range g.operators[id].outputs {
			for _, dst := range g.tensors[outputID].dst {
				pending[dst]--
				if pending[dst] == 0 {
					heap.Push(queue, dst)
				}
			}
		}
	}
	if len(sorted) != len(live) {
		return nil, errors.Errorf("graph %q has a cycle: only %d of %d operators could be ordered",
			g.name, len(sorted), len(live))
	}
	g.sorted = sorted
	return g.SortedOperators(), nil
}

// TopoSort computes (and caches) the execution order of the operators. It panics if the graph has a cycle.
func (g *Graph) TopoSort() {
	if _, err := g.topoSort(); err != nil {
		panic(err)
	}
}

// SortedOperators returns the live operators in execution order: each operator comes after the
// producers of all of its inputs. Ties are broken by insertion order.
func (g *Graph) SortedOperators() []*Operator {
	if g.sorted == nil {
		ops, err := g.topoSort()
		if err != nil {
			exceptions.Panicf("%v", err)
		}
		return ops
	}
	ops := make([]*Operator, len(g.sorted))
	for ii, id := range g.sorted {
		ops[ii] = g.operators[id]
	}
	return ops
}

// Position returns the index of each live operator in the execution order.
func (g *Graph) Position() map[OperatorID]int {
	positions := make(map[OperatorID]int)
	for ii, op := range g.SortedOperators() {
		positions[op.id] = ii
	}
	return positions
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a pool of device slots: at most one task runs on each device at a time.
//
// It's used by the profiler so concurrently running benchmarks never share a device, which would
// corrupt their timings.
package workerspool

import (
	"context"
	"slices"
	"sync"
)

// Pool of device slots, identified by their index in [0, NumDevices).
type Pool struct {
	numDevices int
	mu         sync.Mutex
	cond       sync.Cond // Should be signaled whenever a device is released.
	free       []int     // Free devices, sorted.
	numRunning int
	maxRunning int
}

// New returns a new Pool with numDevices slots. numDevices < 1 is taken as 1.
func New(numDevices int) *Pool {
	numDevices = max(numDevices, 1)
	w := &Pool{numDevices: numDevices}
	w.cond = sync.Cond{L: &w.mu}
	w.free = make([]int, numDevices)
	for ii := range w.free {
		w.free[ii] = ii
	}
	return w
}

// NumDevices in the pool.
func (w *Pool) NumDevices() int {
	return w.numDevices
}

// NumRunning returns the number of devices currently acquired.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// MaxRunning returns the highest number of devices acquired at the same time so far.
func (w *Pool) MaxRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxRunning
}

// Acquire waits until a device is free and returns it. It returns the context error if the context
// is done before a device becomes available.
//
// The device must be returned with Release.
func (w *Pool) Acquire(ctx context.Context) (int, error) {
	// Wake up waiters on cancellation, so they can check the context.
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.cond.Broadcast()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.free) == 0 {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		w.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	device := w.free[0]
	w.free = w.free[1:]
	w.numRunning++
	w.maxRunning = max(w.maxRunning, w.numRunning)
	return device, nil
}

// Release returns the device to the pool.
func (w *Pool) Release(device int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx, found := slices.BinarySearch(w.free, device)
	if found || device < 0 || device >= w.numDevices {
		panic("workerspool: releasing a device that was not acquired")
	}
	w.free = slices.Insert(w.free, idx, device)
	w.numRunning--
	w.cond.Signal()
}

// Run acquires a device, runs the task on it inline and releases it.
func (w *Pool) Run(ctx context.Context, task func(device int) error) error {
	device, err := w.Acquire(ctx)
	if err != nil {
		return err
	}
	defer w.Release(device)
	return task(device)
}

// WaitToStart waits until there is a device available and runs the task in a separate goroutine.
//
// It's up to the client to synchronize the end of the task execution.
func (w *Pool) WaitToStart(ctx context.Context, task func(device int)) error {
	device, err := w.Acquire(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer w.Release(device)
		task(device)
	}()
	return nil
}

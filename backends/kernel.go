// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/pkg/errors"
)

// KernelCandidate is one concrete implementation choice for an operator, with its own constraints.
type KernelCandidate struct {
	// Name identifies the candidate within its kernel, e.g. "blocked_64x64". It's what the profiler
	// reports and what is stored in the profiling cache.
	Name string `json:"name"`

	// Alignment, in elements, required of the contiguous (innermost) dimensions of the operands.
	// 0 or 1 means no requirement.
	Alignment int `json:"alignment,omitempty"`

	// Layout of the operands the candidate was instantiated for, if relevant.
	Layout graph.Layout `json:"layout,omitempty"`

	// Params are candidate specific, e.g. tile sizes.
	Params map[string]int `json:"params,omitempty"`
}

// String implements fmt.Stringer.
func (c KernelCandidate) String() string {
	if c.Alignment > 1 {
		return fmt.Sprintf("%s(align=%d)", c.Name, c.Alignment)
	}
	return c.Name
}

// Aligned returns whether all the given values are multiples of the candidate's alignment.
func (c KernelCandidate) Aligned(values ...int) bool {
	if c.Alignment <= 1 {
		return true
	}
	for _, v := range values {
		if v%c.Alignment != 0 {
			return false
		}
	}
	return true
}

// ProfilerSource is the source of a standalone micro-benchmark measuring the candidates of one operator.
//
// The built profiler is invoked with the concrete dimensions of the operator's inputs and outputs
// (see ProfilerArgs) as positional arguments, followed by the name of one candidate. It prints one
// line per measured candidate, see FormatProfileResult.
type ProfilerSource struct {
	Platform   string            `json:"platform"`
	Kind       graph.OpKind      `json:"kind"`
	Name       string            `json:"name"`
	Source     string            `json:"source"`
	Candidates []KernelCandidate `json:"candidates"`
	ArgNames   []string          `json:"arg_names"`
}

// Hash identifies the profiler source: profilers with the same hash are built only once.
func (s *ProfilerSource) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", s.Platform, s.Kind, s.Name)
	h.Write([]byte(s.Source))
	return hex.EncodeToString(h.Sum(nil))
}

// Kernel is the set of six functions a target implements for one operator kind.
//
// Concrete shapes are given as the dimensions of each of the operator's inputs (as seen through
// their accessors) followed by each of its outputs, see ConcreteShapes.
type Kernel interface {
	// Config enumerates the candidates structurally compatible with the operator's static attributes.
	// The order matters: it breaks ties when profiling.
	Config(op *graph.Operator) ([]KernelCandidate, error)

	// GenProfiler renders a standalone micro-benchmark of the given candidates.
	GenProfiler(op *graph.Operator, candidates []KernelCandidate) (*ProfilerSource, error)

	// Filter returns whether the candidate can run the operator on the given concrete shapes.
	Filter(candidate KernelCandidate, op *graph.Operator, concrete [][]int) bool

	// GenFunction renders the body of the function running the operator with the chosen candidate.
	GenFunction(op *graph.Operator, candidate KernelCandidate) (string, error)

	// GenFunctionDecl renders the declaration of the operator's function.
	GenFunctionDecl(op *graph.Operator) (string, error)

	// GenFunctionCall renders the call statement of the operator's function, indented by indent spaces.
	GenFunctionCall(op *graph.Operator, indent int) (string, error)
}

// ErrKernelNotRegistered is returned when an operator kind has no kernel for the active target.
var ErrKernelNotRegistered = errors.New("kernel not registered")

type kernelKey struct {
	platform string
	kind     graph.OpKind
}

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[kernelKey]Kernel)
)

// RegisterKernel registers the kernel for the operator kind on the platform (see Target.Platform).
// It's expected to be called during package initialization. Registering twice replaces the previous kernel.
func RegisterKernel(platform string, kind graph.OpKind, kernel Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[kernelKey{platform, kind}] = kernel
}

// LookupKernel returns the kernel registered for the kind on the platform, or an error wrapping
// ErrKernelNotRegistered.
func LookupKernel(platform string, kind graph.OpKind) (Kernel, error) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	kernel, found := kernels[kernelKey{platform, kind}]
	if !found {
		return nil, errors.Wrapf(ErrKernelNotRegistered, "operator kind %q on platform %q", kind, platform)
	}
	return kernel, nil
}

// IsRegistered returns whether a kernel is registered for the kind on the platform.
func IsRegistered(platform string, kind graph.OpKind) bool {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	_, found := kernels[kernelKey{platform, kind}]
	return found
}

// RegisteredKinds returns the sorted kinds with a kernel on the platform.
func RegisteredKinds(platform string) []graph.OpKind {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	var result []graph.OpKind
	for key := range maps.Keys(kernels) {
		if key.platform == platform {
			result = append(result, key.kind)
		}
	}
	slices.Sort(result)
	return result
}

// CheckSupport verifies that every operator of the graph has a kernel on the target. It reports all
// missing kinds at once, in an error wrapping ErrKernelNotRegistered.
func CheckSupport(g *graph.Graph, target Target) error {
	var missing []string
	for _, op := range g.SortedOperators() {
		if !IsRegistered(target.Platform(), op.Kind()) {
			missing = append(missing, fmt.Sprintf("%s (%s)", op.Kind(), op.Name()))
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrKernelNotRegistered, "target %q doesn't support operators %v", target.Platform(), missing)
	}
	return nil
}

// ConcreteShapes resolves the dimensions of the operator's inputs (through their accessors) and outputs
// with the given bindings.
func ConcreteShapes(op *graph.Operator, bindings shapes.Bindings) ([][]int, error) {
	var result [][]int
	for ii := range op.NumInputs() {
		dims, err := op.InputShape(ii).Concrete(bindings)
		if err != nil {
			return nil, errors.WithMessagef(err, "operator %s input #%d", op.Name(), ii)
		}
		result = append(result, dims)
	}
	for ii, output := range op.Outputs() {
		dims, err := output.Shape().Concrete(bindings)
		if err != nil {
			return nil, errors.WithMessagef(err, "operator %s output #%d", op.Name(), ii)
		}
		result = append(result, dims)
	}
	return result, nil
}

// ShapeSignature returns a canonical representation of concrete shapes, used in profiling cache keys.
func ShapeSignature(concrete [][]int) string {
	return fmt.Sprint(concrete)
}

// ProfilerArgs returns the positional arguments of a profiler run: all concrete dimensions, flattened,
// followed by the candidate name.
func ProfilerArgs(concrete [][]int, candidate string) []string {
	var args []string
	for _, dims := range concrete {
		for _, d := range dims {
			args = append(args, strconv.Itoa(d))
		}
	}
	return append(args, candidate)
}

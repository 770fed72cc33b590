// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable target that runs on the
// host CPU, in pure Go.
//
// Its kernels have several candidates each (naive loops, blocked/tiled loops, unrolled loops requiring
// aligned dimensions), so profiling and kernel selection work as for native targets. Its toolchain
// works in-process: profilers run the candidates directly, and the linked artifact is the program
// manifest, interpreted by Module.
//
// The variant "aligned8" only registers candidates that require dimensions to be multiples of 8.
package simplego

import (
	"fmt"
	"runtime"
	"slices"

	"github.com/gomlx/tensorforge/backends"
	"github.com/pkg/errors"
)

// TargetName to be used in TENSORFORGE_TARGET to specify this target.
const TargetName = "simplego"

// VariantAligned8 only has candidates requiring the contiguous dimensions to be multiples of 8.
const VariantAligned8 = "aligned8"

// Variants lists the supported variants, "" being the default.
var Variants = []string{"", VariantAligned8}

// Registers New as the constructor for the "simplego" target.
func init() {
	backends.Register(TargetName, New)
}

// Target implements backends.Target.
type Target struct {
	variant    string
	numDevices int
}

// Compile-time check that Target implements backends.Target.
var _ backends.Target = (*Target)(nil)

// New constructs a new simplego Target for the variant: "" or "aligned8".
func New(variant string) (backends.Target, error) {
	if !slices.Contains(Variants, variant) {
		return nil, errors.Errorf("simplego: unknown variant %q, valid variants are %q", variant, Variants)
	}
	return &Target{variant: variant, numDevices: max(1, runtime.NumCPU()/2)}, nil
}

// Name implements backends.Target.
func (t *Target) Name() string { return TargetName }

// Variant implements backends.Target.
func (t *Target) Variant() string { return t.variant }

// Platform implements backends.Target.
func (t *Target) Platform() string { return backends.PlatformName(TargetName, t.variant) }

// Description implements backends.Target.
func (t *Target) Description() string {
	if t.variant == "" {
		return "Simple Go portable target"
	}
	return fmt.Sprintf("Simple Go portable target (%s)", t.variant)
}

// NumDevices implements backends.Target. Each device is a slot of host cores used to run one benchmark.
func (t *Target) NumDevices() int { return t.numDevices }

// SetNumDevices changes the number of profiling device slots.
func (t *Target) SetNumDevices(n int) { t.numDevices = max(1, n) }

// Toolchain implements backends.Target.
func (t *Target) Toolchain() backends.Toolchain { return &toolchain{target: t} }

// Emitter implements backends.Target.
func (t *Target) Emitter() backends.Emitter { return emitter{} }

// String implements fmt.Stringer.
func (t *Target) String() string { return t.Platform() }

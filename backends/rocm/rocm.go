// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rocm implements a target for AMD GPUs: kernels, profilers and programs are rendered as HIP C++
// and built with hipcc.
//
// The variant is the GPU architecture, e.g. "gfx90a" (the default) or "gfx942". Profiling uses as many
// devices as configured in TENSORFORGE_ROCM_DEVICES (default 1), each benchmark restricted to one device
// with HIP_VISIBLE_DEVICES. The hipcc executable can be changed with TENSORFORGE_HIPCC.
//
// The linked artifact is an executable run by nativebuild.ProcessModule.
package rocm

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/backends/nativebuild"
	"github.com/pkg/errors"
)

// TargetName to be used in TENSORFORGE_TARGET to specify this target.
const TargetName = "rocm"

// DefaultArch is the GPU architecture used if the variant is empty.
const DefaultArch = "gfx90a"

// Architectures supported as variants.
var Architectures = []string{"gfx90a", "gfx942", "gfx1030", "gfx1100"}

const (
	// DevicesEnvVar is the number of GPUs used for profiling.
	DevicesEnvVar = "TENSORFORGE_ROCM_DEVICES"

	// HIPCCEnvVar is the hipcc executable. Defaults to "hipcc" in the PATH.
	HIPCCEnvVar = "TENSORFORGE_HIPCC"
)

// Registers New as the constructor for the "rocm" target.
func init() {
	backends.Register(TargetName, New)
}

// Target implements backends.Target.
type Target struct {
	arch       string
	numDevices int
	toolchain  *nativebuild.Toolchain
}

var _ backends.Target = (*Target)(nil)

// New constructs a rocm Target for the GPU architecture given as variant.
func New(variant string) (backends.Target, error) {
	arch := variant
	if arch == "" {
		arch = DefaultArch
	}
	if !slices.Contains(Architectures, arch) {
		return nil, errors.Errorf("rocm: unsupported architecture %q, supported: %q", arch, Architectures)
	}
	numDevices := 1
	if v, found := os.LookupEnv(DevicesEnvVar); found {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Errorf("rocm: invalid %s=%q, it must be a positive integer", DevicesEnvVar, v)
		}
		numDevices = n
	}
	hipcc := "hipcc"
	if v := os.Getenv(HIPCCEnvVar); v != "" {
		hipcc = v
	}
	toolchain, err := nativebuild.New(ToolchainConfig(hipcc, arch))
	if err != nil {
		return nil, err
	}
	return &Target{arch: arch, numDevices: numDevices, toolchain: toolchain}, nil
}

// ToolchainConfig returns the hipcc commands for the architecture.
func ToolchainConfig(hipcc, arch string) nativebuild.Config {
	flags := "-O3 -std=c++17 --offload-arch=" + arch
	return nativebuild.Config{
		Name:            "hipcc",
		CompileCommand:  hipcc + " " + flags + " -fPIC -c {{.Source}} -o {{.Output}}",
		LinkCommand:     hipcc + " --offload-arch=" + arch + "{{range .Inputs}} {{.}}{{end}} -o {{.Output}}",
		ProfilerCommand: hipcc + " " + flags + " {{.Source}} -o {{.Output}}",
		SourceExt:       ".cpp",
		DeviceEnvVar:    "HIP_VISIBLE_DEVICES",
	}
}

// Name implements backends.Target.
func (t *Target) Name() string { return TargetName }

// Variant implements backends.Target: the GPU architecture.
func (t *Target) Variant() string { return t.arch }

// Platform implements backends.Target. All architectures share the same kernels, but their profiling
// results are kept apart, see backends.ProfilingPlatform.
func (t *Target) Platform() string { return TargetName }

// Description implements backends.Target.
func (t *Target) Description() string {
	return fmt.Sprintf("ROCm/HIP (%s, %d profiling devices)", t.arch, t.numDevices)
}

// NumDevices implements backends.Target.
func (t *Target) NumDevices() int { return t.numDevices }

// Toolchain implements backends.Target.
func (t *Target) Toolchain() backends.Toolchain { return t.toolchain }

// Emitter implements backends.Target.
func (t *Target) Emitter() backends.Emitter { return emitter{arch: t.arch} }

// String implements fmt.Stringer.
func (t *Target) String() string { return TargetName + ":" + t.arch }

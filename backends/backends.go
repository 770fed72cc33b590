// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines what a target platform needs to implement to be used by the compiler:
//
//   - A Target, with its Toolchain (builds profilers, compiles and links generated sources) and
//     Emitter (renders the program skeleton into source units).
//   - One Kernel per supported operator kind, registered with RegisterKernel: the six functions used to
//     enumerate, benchmark, filter and render kernel candidates.
//
// Targets register themselves during package initialization, see package backends/default to include
// all the available ones.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Target is a platform the compiler can generate code for.
type Target interface {
	// Name returns the short name of the target. E.g.: "rocm" or "simplego".
	Name() string

	// Variant of the target, e.g. the GPU architecture. It may be empty for the default variant.
	Variant() string

	// Platform returns the key used to look up kernels in the registry: the name, followed by
	// "." and the variant for variants that have their own kernel set.
	Platform() string

	// Description is a longer description of the Target that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for profiling.
	NumDevices() int

	// Toolchain used to build profilers and the final artifact.
	Toolchain() Toolchain

	// Emitter renders programs into source units.
	Emitter() Emitter
}

// Constructor takes a variant string (optionally empty) and returns a Target.
type Constructor func(variant string) (Target, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register target with the given name, and a constructor that takes as input the variant.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the registered target names, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the target configuration to use if ConfigEnvVar is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default target configuration to use.
//
// The format of config is "<target_name>:<variant>".
// The "<target_name>" is the name of a registered target (e.g.: "rocm") and
// "<variant>" is target specific (e.g.: for rocm, it is the GPU architecture, like "gfx90a").
const ConfigEnvVar = "TENSORFORGE_TARGET"

// New returns a new default Target.
//
// The default is:
//
// 1. The environment variable TENSORFORGE_TARGET is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered target is used with an empty variant.
func New() (Target, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew returns a new default Target, or panics if it fails.
func MustNew() Target {
	target, err := New()
	if err != nil {
		exceptions.Panicf("backends.MustNew(): %+v", err)
	}
	return target
}

// NewWithConfig takes a configuration string formatted as "<target_name>:<variant>".
// The variant (and the ":") can be omitted. If the configuration is empty, the first registered target is used.
func NewWithConfig(config string) (Target, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered targets -- maybe import the default ones with import _ "github.com/gomlx/tensorforge/backends/default"?`)
	}
	name, variant := firstRegistered, ""
	if config != "" {
		name = config
		if idx := strings.Index(config, ":"); idx != -1 {
			name, variant = config[:idx], config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find target %q for configuration %q, registered targets: %q", name, config, List())
	}
	target, err := constructor(variant)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating target %q", config)
	}
	return target, nil
}

// ProfilingPlatform returns the namespace of the target's profiling results: its name qualified by its
// variant. Variants sharing kernels (e.g. GPU architectures) still run them at different speeds.
func ProfilingPlatform(target Target) string {
	return PlatformName(target.Name(), target.Variant())
}

// PlatformName returns the registry key for a target name and a variant with its own kernel set.
func PlatformName(name, variant string) string {
	if variant == "" {
		return name
	}
	return name + "." + variant
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default targets, namely SimpleGo and ROCm, and makes SimpleGo the
// default target, since it runs anywhere.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/tensorforge/backends/default"
//
// If you add the tag `norocm` it will not include rocm.
package _default

import (
	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/backends/simplego"
)

func init() {
	if backends.DefaultConfig == "" {
		backends.DefaultConfig = simplego.TargetName
	}
}

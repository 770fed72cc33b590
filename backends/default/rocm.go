// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux && !norocm

// ROCm is only supported on linux.

package _default

import _ "github.com/gomlx/tensorforge/backends/rocm"

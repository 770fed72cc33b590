// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"os"
	"strconv"
	"time"

	"github.com/gomlx/tensorforge/pkg/compiler/profiler"
	"github.com/gomlx/tensorforge/pkg/compiler/transform"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/gomlx/tensorforge/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Environment variables overriding the configuration, see ConfigFromEnv.
// The target itself is selected with backends.ConfigEnvVar ("TENSORFORGE_TARGET").
const (
	ProfilerTimeoutEnvVar = "TENSORFORGE_PROFILER_TIMEOUT"
	CacheDirEnvVar        = "TENSORFORGE_CACHE_DIR"
	BuildJobsEnvVar       = "TENSORFORGE_BUILD_JOBS"
	ProfileGridEnvVar     = "TENSORFORGE_PROFILE_GRID"
	DisableFusionEnvVar   = "TENSORFORGE_DISABLE_FUSION"
)

// Config of a compilation.
type Config struct {
	// Target as "<name>:<variant>", e.g. "simplego:aligned8". If empty, the target is taken from
	// backends.ConfigEnvVar, or the default target.
	Target string

	// CacheDir is the directory of the profiling cache. A "~" prefix is replaced by the user's home.
	CacheDir string

	// BuildDir where the artifact is built. If empty, a new temporary directory is used.
	BuildDir string

	// ProfilerTimeout is the timeout of each candidate benchmark.
	ProfilerTimeout time.Duration

	// ProfilerRepeats is the number of measurements of each candidate.
	ProfilerRepeats int

	// Grid selects the representative values of dynamic dimensions used for profiling.
	Grid shapes.GridMode

	// BuildJobs is the maximum number of units compiled in parallel. 0 uses the number of CPUs.
	BuildJobs int

	// SingleUnit renders the program into a single unit, instead of one per operator.
	SingleUnit bool

	// DisableFusion skips the epilogue fusion pass. For diagnostics.
	DisableFusion bool

	// Alignment in bytes of the intermediate tensors in the workspace.
	Alignment int64

	// ProfilingProgress, if set, is called every time a profiling job finishes.
	ProfilingProgress func(done, total int)
}

// DefaultConfig returns the default configuration, without environment overrides.
func DefaultConfig() Config {
	return Config{
		CacheDir:        profiler.DefaultCacheDir,
		ProfilerTimeout: profiler.DefaultTimeout,
		ProfilerRepeats: profiler.DefaultRepeats,
		Grid:            shapes.GridMinMax,
		Alignment:       transform.DefaultAlignment,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by the environment variables that are set.
func ConfigFromEnv() (Config, error) {
	return DefaultConfig().WithEnv()
}

// WithEnv returns a copy of the configuration overridden by the environment variables that are set.
func (c Config) WithEnv() (Config, error) {
	if v, found := os.LookupEnv(ProfilerTimeoutEnvVar); found {
		timeout, err := time.ParseDuration(v)
		if err != nil || timeout <= 0 {
			return c, errors.Errorf("invalid %s=%q: it must be a positive duration, e.g. \"30s\"", ProfilerTimeoutEnvVar, v)
		}
		c.ProfilerTimeout = timeout
	}
	if v, found := os.LookupEnv(CacheDirEnvVar); found && v != "" {
		dir, err := fsutil.ReplaceTildeInDir(v)
		if err != nil {
			return c, errors.WithMessagef(err, "invalid %s", CacheDirEnvVar)
		}
		c.CacheDir = dir
	}
	if v, found := os.LookupEnv(BuildJobsEnvVar); found {
		jobs, err := strconv.Atoi(v)
		if err != nil || jobs < 0 {
			return c, errors.Errorf("invalid %s=%q: it must be a non-negative integer", BuildJobsEnvVar, v)
		}
		c.BuildJobs = jobs
	}
	if v, found := os.LookupEnv(ProfileGridEnvVar); found {
		grid, err := shapes.ParseGridMode(v)
		if err != nil {
			return c, errors.WithMessagef(err, "invalid %s", ProfileGridEnvVar)
		}
		c.Grid = grid
	}
	if v, found := os.LookupEnv(DisableFusionEnvVar); found && v != "" {
		disable, err := strconv.ParseBool(v)
		if err != nil {
			return c, errors.Errorf("invalid %s=%q: it must be a boolean", DisableFusionEnvVar, v)
		}
		c.DisableFusion = disable
	}
	return c, nil
}

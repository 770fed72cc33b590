// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/tensorforge/pkg/runtime"
	"github.com/pkg/errors"
)

// Toolchain builds profilers and artifacts for a target.
//
// Native toolchains invoke external compilers. Implementations must be safe for concurrent use:
// units are compiled in parallel.
type Toolchain interface {
	// BuildProfiler builds the profiler source into something that can be run, using workDir for
	// intermediary files.
	BuildProfiler(ctx context.Context, src *ProfilerSource, workDir string) (ProfilerBinary, error)

	// Compile one source unit.
	Compile(ctx context.Context, unit *Unit, workDir string) (*Object, error)

	// Link all compiled objects into one loadable artifact.
	Link(ctx context.Context, prog *Program, objects []*Object, workDir string) (Artifact, error)
}

// ProfilerBinary is a built profiler.
type ProfilerBinary interface {
	// Run the profiler on the given device with the positional arguments (see ProfilerArgs), and
	// return its output. A non-nil error means the candidate failed.
	Run(ctx context.Context, device int, args []string) ([]byte, error)
}

// Unit is one source file to compile.
type Unit struct {
	// Name is the file name, unique within a program.
	Name string

	// Source content.
	Source string

	// Operators rendered in this unit, if any.
	Operators []string
}

// Object is a compiled unit.
type Object struct {
	Unit string
	Path string
}

// Artifact is the result of linking: a loadable module.
type Artifact interface {
	// Path to the artifact on disk.
	Path() string

	// Load the artifact into a runnable module.
	Load() (runtime.Module, error)
}

// Emitter renders a program into source units.
type Emitter interface {
	// RenderUnits renders the program. If perOperator is true, each operator goes in its own unit
	// (for parallel building), plus one unit with the entry point.
	RenderUnits(prog *Program, perOperator bool) ([]*Unit, error)
}

// ProfileResult is one line of a profiler's output.
type ProfileResult struct {
	Candidate string
	Time      time.Duration
	Workspace int64
}

// FormatProfileResult formats a result as a profiler must print it:
//
//	OP: <candidate> TIME: <milliseconds> WS: <workspace bytes>
func FormatProfileResult(r ProfileResult) string {
	ms := float64(r.Time) / float64(time.Millisecond)
	return fmt.Sprintf("OP: %s TIME: %s WS: %d", r.Candidate, strconv.FormatFloat(ms, 'f', -1, 64), r.Workspace)
}

// ParseProfilerOutput parses the "OP: ... TIME: ... WS: ..." lines of a profiler's output.
// Other lines are ignored.
func ParseProfilerOutput(output []byte) ([]ProfileResult, error) {
	var results []ProfileResult
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "OP:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 || fields[2] != "TIME:" || fields[4] != "WS:" {
			return nil, errors.Errorf("malformed profiler output line %q", line)
		}
		ms, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing time in profiler output line %q", line)
		}
		ws, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing workspace in profiler output line %q", line)
		}
		results = append(results, ProfileResult{
			Candidate: fields[1],
			Time:      time.Duration(ms * float64(time.Millisecond)),
			Workspace: ws,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading profiler output")
	}
	return results, nil
}

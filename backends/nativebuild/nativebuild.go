// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nativebuild implements backends.Toolchain for native targets, by running external compilers.
//
// Commands are text/template strings, rendered with the paths of the step and split on white spaces
// into the executable and its arguments, so paths must not contain spaces. The fields available are:
//
//   - .Source: the source file of the unit or profiler.
//   - .Output: the object, profiler or artifact to produce.
//   - .Inputs: the objects to link (link only).
//   - .Dir: the working directory of the step.
//
// Example, for hipcc:
//
//	nativebuild.Config{
//		Name:            "hipcc",
//		CompileCommand:  "hipcc -O3 -fPIC --offload-arch=gfx90a -c {{.Source}} -o {{.Output}}",
//		LinkCommand:     "hipcc --offload-arch=gfx90a{{range .Inputs}} {{.}}{{end}} -o {{.Output}}",
//		ProfilerCommand: "hipcc -O3 --offload-arch=gfx90a {{.Source}} -o {{.Output}}",
//		DeviceEnvVar:    "HIP_VISIBLE_DEVICES",
//	}
//
// The linked artifact is an executable implementing the module file protocol, see ProcessModule.
package nativebuild

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/gomlx/tensorforge/backends"
	"github.com/gomlx/tensorforge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a native toolchain.
type Config struct {
	// Name of the toolchain, used in logs and errors.
	Name string

	// CompileCommand compiles one unit into an object.
	CompileCommand string

	// LinkCommand links all objects into the artifact executable.
	LinkCommand string

	// ProfilerCommand compiles and links a profiler source into an executable.
	ProfilerCommand string

	// SourceExt is appended to profiler names to make their source file name. E.g.: ".cpp".
	SourceExt string

	// ObjectExt of compiled units. Defaults to ".o".
	ObjectExt string

	// DeviceEnvVar, if set, is the environment variable used to restrict a profiler run to its device,
	// e.g. "HIP_VISIBLE_DEVICES".
	DeviceEnvVar string

	// Env holds extra "KEY=value" variables for every command.
	Env []string
}

// Toolchain implements backends.Toolchain by running the commands of a Config.
type Toolchain struct {
	cfg                         Config
	compile, link, profilerLink *template.Template
}

var _ backends.Toolchain = (*Toolchain)(nil)

// New parses the commands of the configuration.
func New(cfg Config) (*Toolchain, error) {
	if cfg.ObjectExt == "" {
		cfg.ObjectExt = ".o"
	}
	tc := &Toolchain{cfg: cfg}
	for _, cmd := range []struct {
		name string
		text string
		tmpl **template.Template
	}{
		{"compile", cfg.CompileCommand, &tc.compile},
		{"link", cfg.LinkCommand, &tc.link},
		{"profiler", cfg.ProfilerCommand, &tc.profilerLink},
	} {
		if strings.TrimSpace(cmd.text) == "" {
			return nil, errors.Errorf("nativebuild %s: empty %s command", cfg.Name, cmd.name)
		}
		tmpl, err := template.New(cmd.name).Option("missingkey=error").Parse(cmd.text)
		if err != nil {
			return nil, errors.Wrapf(err, "nativebuild %s: parsing %s command", cfg.Name, cmd.name)
		}
		*cmd.tmpl = tmpl
	}
	return tc, nil
}

// Config returns the configuration of the toolchain.
func (tc *Toolchain) Config() Config { return tc.cfg }

// commandData is rendered by the command templates.
type commandData struct {
	Source, Output, Dir string
	Inputs              []string
}

func (tc *Toolchain) command(tmpl *template.Template, data *commandData) ([]string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return nil, errors.Wrapf(err, "nativebuild %s: rendering %s command", tc.cfg.Name, tmpl.Name())
	}
	argv := strings.Fields(sb.String())
	if len(argv) == 0 {
		return nil, errors.Errorf("nativebuild %s: %s command rendered empty", tc.cfg.Name, tmpl.Name())
	}
	return argv, nil
}

// CommandError is a failed command, with its output.
type CommandError struct {
	Command []string
	Output  string
	Err     error
}

// Error implements error.
func (e *CommandError) Error() string {
	return strings.Join(e.Command, " ") + ": " + e.Err.Error()
}

// Unwrap returns the error of the process.
func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostics returns what the command printed.
func (e *CommandError) Diagnostics() string { return e.Output }

// waitDelay bounds the wait for the output pipes of a killed command.
const waitDelay = time.Second

// run executes argv in dir and returns its standard output.
func run(ctx context.Context, dir string, env []string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	start := time.Now()
	err := cmd.Run()
	klog.V(2).Infof("nativebuild: %q took %s", argv, time.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "running %s", argv[0])
		}
		output := strings.TrimSpace(stderr.String() + "\n" + stdout.String())
		return nil, &CommandError{Command: argv, Output: output, Err: err}
	}
	return stdout.Bytes(), nil
}

// Compile implements backends.Toolchain.
func (tc *Toolchain) Compile(ctx context.Context, unit *backends.Unit, workDir string) (*backends.Object, error) {
	source := filepath.Join(workDir, unit.Name)
	if err := os.WriteFile(source, []byte(unit.Source), 0o644); err != nil {
		return nil, errors.Wrapf(err, "nativebuild %s: writing unit %s", tc.cfg.Name, unit.Name)
	}
	output := strings.TrimSuffix(source, filepath.Ext(source)) + tc.cfg.ObjectExt
	argv, err := tc.command(tc.compile, &commandData{Source: source, Output: output, Dir: workDir})
	if err != nil {
		return nil, err
	}
	if _, err := run(ctx, workDir, tc.cfg.Env, argv); err != nil {
		return nil, errors.WithMessagef(err, "nativebuild %s: compiling %s", tc.cfg.Name, unit.Name)
	}
	return &backends.Object{Unit: unit.Name, Path: output}, nil
}

// Link implements backends.Toolchain.
func (tc *Toolchain) Link(ctx context.Context, prog *backends.Program, objects []*backends.Object, workDir string) (backends.Artifact, error) {
	data := &commandData{Output: filepath.Join(workDir, prog.Name), Dir: workDir}
	for _, obj := range objects {
		data.Inputs = append(data.Inputs, obj.Path)
	}
	argv, err := tc.command(tc.link, data)
	if err != nil {
		return nil, err
	}
	if _, err := run(ctx, workDir, tc.cfg.Env, argv); err != nil {
		return nil, errors.WithMessagef(err, "nativebuild %s: linking %s", tc.cfg.Name, prog.Name)
	}
	if exists, err := fsutil.FileExists(data.Output); err != nil {
		return nil, errors.WithMessagef(err, "nativebuild %s: linking %s", tc.cfg.Name, prog.Name)
	} else if !exists {
		return nil, errors.Errorf("nativebuild %s: linker didn't produce %s", tc.cfg.Name, data.Output)
	}
	klog.V(1).Infof("nativebuild %s: linked %d objects into %s", tc.cfg.Name, len(objects), data.Output)
	return NewArtifact(data.Output, prog), nil
}

// BuildProfiler implements backends.Toolchain.
func (tc *Toolchain) BuildProfiler(ctx context.Context, src *backends.ProfilerSource, workDir string) (backends.ProfilerBinary, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "nativebuild %s: creating profilers directory", tc.cfg.Name)
	}
	// Sources of different operators with the same name are told apart by their hash.
	base := filepath.Join(workDir, src.Name+"_"+src.Hash()[:12])
	source := base + tc.cfg.SourceExt
	if err := os.WriteFile(source, []byte(src.Source), 0o644); err != nil {
		return nil, errors.Wrapf(err, "nativebuild %s: writing profiler %s", tc.cfg.Name, src.Name)
	}
	argv, err := tc.command(tc.profilerLink, &commandData{Source: source, Output: base, Dir: workDir})
	if err != nil {
		return nil, err
	}
	if _, err := run(ctx, workDir, tc.cfg.Env, argv); err != nil {
		return nil, errors.WithMessagef(err, "nativebuild %s: building profiler %s", tc.cfg.Name, src.Name)
	}
	return &ProfilerBinary{path: base, deviceEnvVar: tc.cfg.DeviceEnvVar, env: tc.cfg.Env}, nil
}

// ProfilerBinary is a built profiler executable.
type ProfilerBinary struct {
	path         string
	deviceEnvVar string
	env          []string
}

var _ backends.ProfilerBinary = (*ProfilerBinary)(nil)

// Path of the executable.
func (p *ProfilerBinary) Path() string { return p.path }

// Run implements backends.ProfilerBinary.
func (p *ProfilerBinary) Run(ctx context.Context, device int, args []string) ([]byte, error) {
	env := p.env
	if p.deviceEnvVar != "" {
		env = append(append([]string(nil), env...), p.deviceEnvVar+"="+strconv.Itoa(device))
	}
	return run(ctx, filepath.Dir(p.path), env, append([]string{p.path}, args...))
}

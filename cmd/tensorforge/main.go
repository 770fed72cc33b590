// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tensorforge compiles serialized graphs and manages the profiling cache.
//
// Usage:
//
//	tensorforge compile [flags] <graph.json>
//	tensorforge cache [-dir <cache_dir>] list|clear|delete <hash>...
//	tensorforge targets
//
// The environment variables read by compiler.ConfigFromEnv apply, flags take precedence.
package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/gomlx/tensorforge/backends/default"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/tensorforge/backends"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	output    = termenv.NewOutput(os.Stdout)
	errOutput = termenv.NewOutput(os.Stderr)
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n"+
		"  tensorforge compile [flags] <graph.json>\n"+
		"  tensorforge cache [-dir <cache_dir>] list|clear|delete <hash>...\n"+
		"  tensorforge targets\n\n"+
		"Run \"tensorforge <command> -help\" for the flags of each command.\n")
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	var err error
	switch args[0] {
	case "compile":
		err = compileCmd(args[1:])
	case "cache":
		err = cacheCmd(args[1:])
	case "targets":
		listTargets()
	default:
		klog.Errorf("Unknown command %q. See 'tensorforge -help'.", args[0])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errOutput.String("Error:").Foreground(termenv.ANSIRed).Bold())
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// listTargets prints the registered targets and the operator kinds with kernels on their default variant.
func listTargets() {
	table := newPlainTable(lipgloss.Left)
	table.Headers("Target", "Description", "Kernels")
	for _, name := range backends.List() {
		target, err := backends.NewWithConfig(name)
		if err != nil {
			table.Row(name, fmt.Sprintf("unavailable: %v", err), "")
			continue
		}
		kinds := backends.RegisteredKinds(target.Platform())
		table.Row(name, target.Description(), fmt.Sprintf("%d kinds", len(kinds)))
	}
	fmt.Println(table.Render())
}

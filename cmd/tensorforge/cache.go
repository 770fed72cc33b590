// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorforge/pkg/compiler"
	"github.com/gomlx/tensorforge/pkg/compiler/profiler"
	"github.com/gomlx/tensorforge/pkg/support/xslices"
	"github.com/pkg/errors"
)

// hashPrefixLen is the number of characters of the record hashes displayed. Any unique prefix is accepted by
// "cache delete".
const hashPrefixLen = 12

func cacheCmd(args []string) error {
	cfg, err := compiler.ConfigFromEnv()
	if err != nil {
		return err
	}
	flags := flag.NewFlagSet("cache", flag.ExitOnError)
	dir := flags.String("dir", cfg.CacheDir, "Directory of the profiling cache.")
	platforms := xslices.FlagVar(flags, "platforms", nil,
		"Comma-separated list of platforms to list. All platforms if empty.",
		func(s string) (string, error) { return s, nil })
	_ = flags.Parse(args)
	if flags.NArg() == 0 {
		return errors.New("missing cache command: list, clear or delete")
	}
	cache, err := profiler.OpenCache(*dir)
	if err != nil {
		return err
	}
	switch flags.Arg(0) {
	case "list":
		return listCache(cache, *platforms)
	case "clear":
		n, err := cache.Clear()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s records from %s\n", humanize.Comma(int64(n)), cache.Dir())
		return nil
	case "delete":
		if flags.NArg() < 2 {
			return errors.New("missing hashes of the records to delete, see \"tensorforge cache list\"")
		}
		records, err := cache.List()
		if err != nil {
			return err
		}
		for _, prefix := range flags.Args()[1:] {
			hash, err := matchHash(records, prefix)
			if err != nil {
				return err
			}
			if err := cache.Delete(hash); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", hash[:hashPrefixLen])
		}
		return nil
	}
	return errors.Errorf("unknown cache command %q: use list, clear or delete", flags.Arg(0))
}

// matchHash returns the hash of the only record starting with prefix.
func matchHash(records []*profiler.Record, prefix string) (string, error) {
	var matches []string
	for _, rec := range records {
		if hash := rec.Key.Hash(); strings.HasPrefix(hash, prefix) {
			matches = append(matches, hash)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.Errorf("no profiling record matches %q", prefix)
	case 1:
		return matches[0], nil
	}
	return "", errors.Errorf("%d profiling records match %q, use a longer prefix", len(matches), prefix)
}

func listCache(cache *profiler.Cache, platforms []string) error {
	records, err := cache.List()
	if err != nil {
		return err
	}
	if len(platforms) > 0 {
		records = slices.DeleteFunc(records, func(rec *profiler.Record) bool {
			return !slices.Contains(platforms, rec.Key.Platform)
		})
	}
	slices.SortFunc(records, func(a, b *profiler.Record) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	fmt.Println(titleStyle.Render(fmt.Sprintf("Profiling cache %s", cache.Dir())))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Hash", "Platform", "Operator", "Shapes", "Kernel", "Latency", "Created")
	for _, rec := range records {
		kernel := rec.Candidate
		if !rec.Benchmarked {
			kernel += " (only candidate)"
		}
		table.Row(rec.Key.Hash()[:hashPrefixLen], rec.Key.Platform, rec.Key.Signature, rec.Key.Shape, kernel,
			rec.Latency.String(), humanize.Time(rec.CreatedAt))
	}
	fmt.Println(table.Render())
	fmt.Printf("%s records\n", humanize.Comma(int64(len(records))))
	return nil
}

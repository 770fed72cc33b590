// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorforge/pkg/compiler/profiler"
	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/gomlx/tensorforge/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestGraph(t *testing.T) string {
	g := graph.New("cli")
	x := g.Input("x", shapes.MakeDims(dtypes.Float32, shapes.Dynamic("batch", 1, 4), shapes.Static(8)))
	w := g.Constant("w", shapes.Make(dtypes.Float32, 4, 8), make([]float32, 32))
	bias := g.Constant("bias", shapes.Make(dtypes.Float32, 4), []float32{1, 2, 3, 4})
	g.MarkOutput(graph.Relu(graph.Add(graph.Gemm(graph.LayoutRCR, x, w), bias)), "y")
	path := filepath.Join(t.TempDir(), "cli.json")
	f := must.M1(os.Create(path))
	require.NoError(t, g.Write(f))
	require.NoError(t, f.Close())
	return path
}

func TestCompileAndCache(t *testing.T) {
	graphPath := writeTestGraph(t)
	cacheDir := filepath.Join(t.TempDir(), "cache")
	outDir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, compileCmd([]string{"-target", "simplego", "-cache", cacheDir, "-out", outDir, "-quiet", graphPath}))
	assert.FileExists(t, filepath.Join(outDir, "program.json"))

	cache := must.M1(profiler.OpenCache(cacheDir))
	records := must.M1(cache.List())
	require.NotEmpty(t, records)
	require.NoError(t, cacheCmd([]string{"-dir", cacheDir, "list"}))
	require.NoError(t, cacheCmd([]string{"-dir", cacheDir, "-platforms", "simplego, rocm", "list"}))

	// Delete by a prefix of the hash.
	hash := records[0].Key.Hash()
	require.NoError(t, cacheCmd([]string{"-dir", cacheDir, "delete", hash[:hashPrefixLen]}))
	assert.Len(t, must.M1(cache.List()), len(records)-1)
	require.Error(t, cacheCmd([]string{"-dir", cacheDir, "delete", hash}))

	require.NoError(t, cacheCmd([]string{"-dir", cacheDir, "clear"}))
	assert.Empty(t, must.M1(cache.List()))
	require.Error(t, cacheCmd([]string{"-dir", cacheDir, "compact"}))
	require.Error(t, cacheCmd([]string{"-dir", cacheDir}))
}

func TestCompileErrors(t *testing.T) {
	require.Error(t, compileCmd([]string{"-quiet"}))
	require.Error(t, compileCmd([]string{"-quiet", filepath.Join(t.TempDir(), "missing.json")}))
	require.Error(t, compileCmd([]string{"-quiet", "-grid", "all", writeTestGraph(t)}))
	require.Error(t, compileCmd([]string{"-quiet", "-target", "unknown", "-cache", t.TempDir(), writeTestGraph(t)}))
}

func TestMatchHash(t *testing.T) {
	now := time.Now()
	records := []*profiler.Record{
		{Key: profiler.Key{Signature: "gemm", Shape: "1x8", Platform: "simplego"}, Candidate: "naive", CreatedAt: now},
		{Key: profiler.Key{Signature: "gemm", Shape: "4x8", Platform: "simplego"}, Candidate: "naive", CreatedAt: now},
	}
	hash := records[1].Key.Hash()
	assert.Equal(t, hash, must.M1(matchHash(records, hash[:8])))
	_, err := matchHash(records, "")
	require.ErrorContains(t, err, "2 profiling records")
	_, err = matchHash(records, "not-a-hash")
	require.Error(t, err)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	dir := t.TempDir()
	cache := must.M1(OpenCache(dir))
	key := Key{Signature: "gemm(layout=rcr);(f16)[128 1024];(f16)[64 1024]", Shape: "[[128 1024] [64 1024] [128 64]]", Platform: "simplego"}
	_, found := cache.Get(key)
	assert.False(t, found)

	stored := must.M1(cache.Put(&Record{Key: key, Candidate: "blocked_64", Latency: 3 * time.Millisecond, Benchmarked: true}))
	assert.Equal(t, "blocked_64", stored.Candidate)
	assert.FileExists(t, filepath.Join(dir, key.Hash()+".json"))

	// First writer wins.
	stored = must.M1(cache.Put(&Record{Key: key, Candidate: "naive", Latency: time.Millisecond}))
	assert.Equal(t, "blocked_64", stored.Candidate)

	// Other instances read the stored record.
	other := must.M1(OpenCache(dir))
	rec, found := other.Get(key)
	require.True(t, found)
	assert.Equal(t, "blocked_64", rec.Candidate)
	assert.Equal(t, 3*time.Millisecond, rec.Latency)
	assert.Equal(t, key, rec.Key)

	// Files that are not records are ignored; corrupted records are a miss.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a record"), 0o644))
	otherKey := Key{Signature: "elementwise(func=relu);(f32)[4]", Shape: "[[4] [4]]", Platform: "simplego"}
	require.NoError(t, os.WriteFile(filepath.Join(dir, otherKey.Hash()+".json"), []byte("{"), 0o644))
	_, found = other.Get(otherKey)
	assert.False(t, found)
	stored = must.M1(other.Put(&Record{Key: otherKey, Candidate: "loop"}))
	assert.Equal(t, "loop", stored.Candidate)

	records := must.M1(cache.List())
	require.Len(t, records, 2)
	assert.Equal(t, "loop", records[0].Candidate)
	assert.Equal(t, "blocked_64", records[1].Candidate)

	require.NoError(t, cache.Delete(key.Hash()))
	require.NoError(t, cache.Delete(key.Hash()))
	_, found = cache.Get(key)
	assert.False(t, found)

	count := must.M1(cache.Clear())
	assert.Equal(t, 1, count)
	assert.Empty(t, must.M1(cache.List()))
	assert.FileExists(t, filepath.Join(dir, "README"))
}

func TestCacheConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	key := Key{Signature: "bmm(layout=rrr)", Shape: "[[2 4 8] [2 8 4] [2 4 4]]", Platform: "simplego"}
	const numWriters = 16
	results := make([]string, numWriters)
	var wg sync.WaitGroup
	for ii := range numWriters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache := must.M1(OpenCache(dir))
			rec := must.M1(cache.Put(&Record{Key: key, Candidate: fmt.Sprintf("candidate_%d", ii)}))
			results[ii] = rec.Candidate
		}()
	}
	wg.Wait()
	for _, result := range results {
		assert.Equal(t, results[0], result, "all writers must see the first stored record")
	}
	entries := must.M1(os.ReadDir(dir))
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{".lock", key.Hash() + ".json"}, names, "temporary files must be removed")
}

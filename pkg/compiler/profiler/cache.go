// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/tensorforge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultCacheDir is the default location of the profiling cache.
const DefaultCacheDir = "~/.cache/tensorforge/profiles"

// recordExt is the extension of the record files: all other files in the cache directory are ignored.
const recordExt = ".json"

const lockFileName = ".lock"

// Key identifies one profiling record: an operator workload on a concrete shape tuple, for one platform.
type Key struct {
	// Signature of the operator, see graph.Operator.Signature.
	Signature string `json:"signature"`

	// Shape is the signature of the concrete input and output dimensions.
	Shape string `json:"shape"`

	Platform string `json:"platform"`
}

// String returns the canonical representation of the key.
func (k Key) String() string {
	return k.Platform + "|" + k.Signature + "|" + k.Shape
}

// Hash returns the name of the record of the key in the cache, without extension.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// Record is the result of profiling one Key.
type Record struct {
	Key       Key           `json:"key"`
	Candidate string        `json:"candidate"`
	Latency   time.Duration `json:"latency"`
	Workspace int64         `json:"workspace,omitempty"`

	// Benchmarked is false if the candidate was selected without running it, because it was the only one left.
	Benchmarked bool      `json:"benchmarked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cache of profiling records, one file per key in a directory.
//
// Records are written at most once per key: the first writer wins and later writers get the stored
// record back. Writers (in this or other processes) hold a shared file lock, so Clear, which holds it
// exclusively, never runs concurrently with a write.
type Cache struct {
	dir string

	mu   sync.Mutex
	memo map[string]*Record
}

// OpenCache opens (creating it if needed) the profiling cache in dir. A "~" prefix is replaced by the
// user's home directory.
func OpenCache(dir string) (*Cache, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating profiling cache directory %q", dir)
	}
	return &Cache{dir: dir, memo: make(map[string]*Record)}, nil
}

// Dir returns the directory of the cache.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(hash string) string { return filepath.Join(c.dir, hash+recordExt) }

// lock takes the cache file lock, exclusive or shared. The returned function releases it.
// Each call uses its own file descriptor, so locks taken by different goroutines are independent.
func (c *Cache) lock(exclusive bool) (func(), error) {
	l := flock.New(filepath.Join(c.dir, lockFileName))
	var err error
	if exclusive {
		err = l.Lock()
	} else {
		err = l.RLock()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "locking profiling cache %q", c.dir)
	}
	return func() {
		if err := l.Unlock(); err != nil {
			klog.Warningf("unlocking profiling cache %q: %v", c.dir, err)
		}
	}, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "invalid profiling record %q", path)
	}
	return &rec, nil
}

// Get returns the record for key, if present. Unreadable records are reported as a miss.
func (c *Cache) Get(key Key) (*Record, bool) {
	hash := key.Hash()
	c.mu.Lock()
	rec, found := c.memo[hash]
	c.mu.Unlock()
	if found {
		return rec, true
	}
	rec, err := readRecord(c.path(hash))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			klog.Warningf("profiling cache: ignoring record for %s: %v", key, err)
		}
		return nil, false
	}
	if rec.Key != key {
		klog.Warningf("profiling cache: record %s holds key %s, expected %s", hash, rec.Key, key)
		return nil, false
	}
	c.mu.Lock()
	c.memo[hash] = rec
	c.mu.Unlock()
	return rec, true
}

// Put stores the record, unless a record for the same key is already stored. It returns the record that
// ended up in the cache.
func (c *Cache) Put(rec *Record) (*Record, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "encoding profiling record for %s", rec.Key)
	}
	unlock, err := c.lock(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tmp, err := os.CreateTemp(c.dir, ".record-*.tmp")
	if err != nil {
		return nil, errors.Wrapf(err, "writing profiling record for %s", rec.Key)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "writing profiling record for %s", rec.Key)
	}

	hash := rec.Key.Hash()
	path := c.path(hash)
	stored := rec
	if err := os.Link(tmp.Name(), path); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, errors.Wrapf(err, "storing profiling record for %s", rec.Key)
		}
		existing, readErr := readRecord(path)
		if readErr == nil && existing.Key == rec.Key {
			stored = existing
		} else {
			// Corrupted record: replace it.
			if err := os.Rename(tmp.Name(), path); err != nil {
				return nil, errors.Wrapf(err, "replacing profiling record for %s", rec.Key)
			}
		}
	}
	c.mu.Lock()
	c.memo[hash] = stored
	c.mu.Unlock()
	return stored, nil
}

// Delete removes the record with the given hash (see Key.Hash), forcing its key to be profiled again.
// Deleting a missing record is not an error.
func (c *Cache) Delete(hash string) error {
	unlock, err := c.lock(false)
	if err != nil {
		return err
	}
	defer unlock()
	hash = strings.TrimSuffix(hash, recordExt)
	if err := os.Remove(c.path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "deleting profiling record %s", hash)
	}
	c.mu.Lock()
	delete(c.memo, hash)
	c.mu.Unlock()
	return nil
}

// List returns all readable records, sorted by key.
func (c *Cache) List() ([]*Record, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing profiling cache %q", c.dir)
	}
	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		rec, err := readRecord(filepath.Join(c.dir, name))
		if err != nil {
			klog.Warningf("profiling cache: skipping %s: %v", name, err)
			continue
		}
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b *Record) int { return strings.Compare(a.Key.String(), b.Key.String()) })
	return records, nil
}

// Clear removes all records and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	unlock, err := c.lock(true)
	if err != nil {
		return 0, err
	}
	defer unlock()
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "clearing profiling cache %q", c.dir)
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != recordExt {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			return count, errors.Wrapf(err, "clearing profiling cache %q", c.dir)
		}
		count++
	}
	c.mu.Lock()
	clear(c.memo)
	c.mu.Unlock()
	return count, nil
}

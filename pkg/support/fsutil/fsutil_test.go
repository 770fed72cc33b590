// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, must.M1(FileExists(dir)))
	assert.False(t, must.M1(FileExists(filepath.Join(dir, "missing"))))
}

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	assert.Equal(t, "", must.M1(ReplaceTildeInDir("")))
	assert.Equal(t, "/tmp/x", must.M1(ReplaceTildeInDir("/tmp/x")))
	assert.Equal(t, path.Join(usr.HomeDir, "cache"), must.M1(ReplaceTildeInDir("~/cache")))
	assert.Equal(t, path.Clean(usr.HomeDir), must.M1(ReplaceTildeInDir("~")))
	_, err = ReplaceTildeInDir("~no-such-user-tensorforge/x")
	require.Error(t, err)
}

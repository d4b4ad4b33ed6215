// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configclient

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrideWatcher_AppliesFileOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("flags:\n  enable_response_cache: false\n"), 0644))

	c := New(Config{}, nil)
	defer c.Close()

	w, err := NewOverrideWatcher(path, c)
	require.NoError(t, err)
	defer w.Close()

	assert.False(t, c.Flag(FlagResponseCache), "file override beats the default")
}

func TestOverrideWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")

	c := New(Config{}, nil)
	defer c.Close()

	w, err := NewOverrideWatcher(path, c)
	require.NoError(t, err)
	defer w.Close()

	require.True(t, c.Flag(FlagResponseCache), "no file yet, default applies")

	require.NoError(t, os.WriteFile(path,
		[]byte("flags:\n  enable_response_cache: false\n"), 0644))

	assert.Eventually(t, func() bool {
		return !c.Flag(FlagResponseCache)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOverrideWatcher_RemovalClearsOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("flags:\n  enable_response_cache: false\n"), 0644))

	c := New(Config{}, nil)
	defer c.Close()

	w, err := NewOverrideWatcher(path, c)
	require.NoError(t, err)
	defer w.Close()

	require.False(t, c.Flag(FlagResponseCache))
	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		return c.Flag(FlagResponseCache)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOverrideWatcher_MalformedFileKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("flags:\n  enable_response_cache: false\n"), 0644))

	c := New(Config{}, nil)
	defer c.Close()

	w, err := NewOverrideWatcher(path, c)
	require.NoError(t, err)
	defer w.Close()

	require.False(t, c.Flag(FlagResponseCache))

	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0644))
	time.Sleep(100 * time.Millisecond)

	assert.False(t, c.Flag(FlagResponseCache), "malformed write keeps the old overrides")
}

package fsjson

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "record.json")

	want := record{Name: "love", Count: 3}
	require.NoError(t, Write(path, want))

	var got record
	require.NoError(t, Read(path, &got))
	assert.Equal(t, want, got)
}

func TestRead_MissingFile(t *testing.T) {
	var got record
	err := Read(filepath.Join(t.TempDir(), "missing.json"), &got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "missing file should unwrap to fs.ErrNotExist")
}

func TestRead_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	var got record
	err := Read(path, &got)
	require.Error(t, err)
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")
	require.NoError(t, Write(path, record{Name: "a"}))
	require.NoError(t, Write(path, record{Name: "b"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "record.json", entries[0].Name())
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")
	assert.False(t, Exists(path))

	require.NoError(t, Write(path, record{}))
	assert.True(t, Exists(path))
	assert.False(t, Exists(dir), "directories are not records")
}

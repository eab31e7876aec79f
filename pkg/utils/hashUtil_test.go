package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFileMatchesHashString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Cargo.lock")
	require.NoError(t, os.WriteFile(path, []byte("lockfile"), 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashString("lockfile"), got)
	assert.Len(t, got, 64)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "abc", ShortHash("abc"))
	assert.Equal(t, "0123456789abcdef", ShortHash("0123456789abcdef0123"))
}

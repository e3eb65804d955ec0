package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("env var path wins", func(t *testing.T) {
		stub := writeFile(t, 0o755)
		t.Setenv("VCOMPRESS_TEST_BINARY", stub)

		// "ls" is on PATH but the env var takes priority.
		path, err := FindBinary("ls", "VCOMPRESS_TEST_BINARY")
		require.NoError(t, err)
		assert.Equal(t, stub, path)
	})

	t.Run("falls back to PATH", func(t *testing.T) {
		path, err := FindBinary("ls", "")
		require.NoError(t, err)
		assert.Equal(t, "ls", filepath.Base(path))
	})

	t.Run("skipped env candidates", func(t *testing.T) {
		tests := []struct {
			name string
			path string
		}{
			{"missing file", "/nonexistent/path/to/ffmpeg"},
			{"not executable", writeFile(t, 0o644)},
			{"directory", t.TempDir()},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Setenv("VCOMPRESS_TEST_BINARY", tt.path)

				path, err := FindBinary("ls", "VCOMPRESS_TEST_BINARY")
				require.NoError(t, err)
				assert.NotEqual(t, tt.path, path)
				assert.Equal(t, "ls", filepath.Base(path))
			})
		}
	})

	t.Run("not found", func(t *testing.T) {
		path, err := FindBinary("definitely-nonexistent-binary-12345", "")
		require.Error(t, err)
		assert.Empty(t, path)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("not found names the env var", func(t *testing.T) {
		t.Setenv("VCOMPRESS_TEST_BINARY", "")

		_, err := FindBinary("definitely-nonexistent-binary-12345", "VCOMPRESS_TEST_BINARY")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "VCOMPRESS_TEST_BINARY")
	})
}

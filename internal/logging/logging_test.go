package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	log, c, err := NewLogger(dir)
	require.NoError(t, err)
	defer c.Stop()

	log.Info("hello")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestNextAvailablePathSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-01-2026-(0).log"), []byte("x"), 0644))

	path, idx := nextAvailablePath(dir, "01-01-2026")
	require.Equal(t, 1, idx)
	require.Equal(t, filepath.Join(dir, "01-01-2026-(1).log"), path)
}

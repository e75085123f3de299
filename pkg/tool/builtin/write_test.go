package toolbuiltin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteToolCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriteTool(dir)

	res, err := w.Execute(context.Background(), map[string]interface{}{
		"file_path": "notes/today.txt",
		"content":   "hello world",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "today.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestWriteToolOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "f.txt", "old")

	w := NewWriteTool(dir)
	_, err := w.Execute(context.Background(), map[string]interface{}{
		"file_path": "f.txt",
		"content":   "new",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestWriteToolRejectsMissingContent(t *testing.T) {
	dir := t.TempDir()
	w := NewWriteTool(dir)
	_, err := w.Execute(context.Background(), map[string]interface{}{"file_path": "f.txt"})
	require.Error(t, err)
}

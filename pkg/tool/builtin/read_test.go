package toolbuiltin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadToolReturnsLineNumberedContent(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "hello.txt", "line one\nline two\nline three\n")

	r := NewReadTool(dir)
	res, err := r.Execute(context.Background(), map[string]interface{}{"file_path": "hello.txt"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Contains(t, res.Output, "1\tline one")
	require.Contains(t, res.Output, "3\tline three")
}

func TestReadToolHonorsOffsetAndLimit(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "hello.txt", "a\nb\nc\nd\n")

	r := NewReadTool(dir)
	res, err := r.Execute(context.Background(), map[string]interface{}{
		"file_path": "hello.txt",
		"offset":    float64(2),
		"limit":     float64(1),
	})
	require.NoError(t, err)
	require.Contains(t, res.Output, "2\tb")
	require.NotContains(t, res.Output, "3\tc")
}

func TestReadToolRejectsBinaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin.dat")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0o644))

	r := NewReadTool(dir)
	_, err := r.Execute(context.Background(), map[string]interface{}{"file_path": "bin.dat"})
	require.Error(t, err)
}

func TestReadToolRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	r := NewReadTool(dir)
	_, err := r.Execute(context.Background(), map[string]interface{}{"file_path": strings.Repeat("../", 5) + "etc/passwd"})
	require.Error(t, err)
}

func TestReadToolRejectsMissingPath(t *testing.T) {
	dir := t.TempDir()
	r := NewReadTool(dir)
	_, err := r.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}

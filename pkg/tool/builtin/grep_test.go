package toolbuiltin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGrepToolFindsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.go", "func Foo() {}\n")
	writeTempFile(t, dir, "b.go", "func Bar() {}\n")

	g := NewGrepTool(dir)
	res, err := g.Execute(context.Background(), map[string]interface{}{"pattern": "Foo"})
	require.NoError(t, err)
	require.Contains(t, res.Output, "a.go")
	require.NotContains(t, res.Output, "b.go")
}

func TestGrepToolContentModeShowsLines(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.go", "line one\nmatch here\nline three\n")

	g := NewGrepTool(dir)
	res, err := g.Execute(context.Background(), map[string]interface{}{
		"pattern":     "match",
		"output_mode": "content",
	})
	require.NoError(t, err)
	require.Contains(t, res.Output, "match here")
}

func TestGrepToolCountMode(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.go", "x\nx\ny\n")

	g := NewGrepTool(dir)
	res, err := g.Execute(context.Background(), map[string]interface{}{
		"pattern":     "x",
		"output_mode": "count",
	})
	require.NoError(t, err)
	require.Contains(t, res.Output, "a.go:2")
}

func TestGrepToolRejectsInvalidPattern(t *testing.T) {
	dir := t.TempDir()
	g := NewGrepTool(dir)
	_, err := g.Execute(context.Background(), map[string]interface{}{"pattern": "("})
	require.Error(t, err)
}

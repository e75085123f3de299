package toolbuiltin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBashToolRunsCommand(t *testing.T) {
	dir := t.TempDir()
	b := NewBashTool(dir)

	res, err := b.Execute(context.Background(), map[string]interface{}{"command": "echo hello"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Contains(t, res.Output, "hello")
}

func TestBashToolReportsNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	b := NewBashTool(dir)

	res, err := b.Execute(context.Background(), map[string]interface{}{"command": "exit 1"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Error(t, res.Error)
}

func TestBashToolRequiresCommand(t *testing.T) {
	dir := t.TempDir()
	b := NewBashTool(dir)
	_, err := b.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}

func TestBashToolEnforcesTimeout(t *testing.T) {
	dir := t.TempDir()
	b := NewBashTool(dir)

	res, err := b.Execute(context.Background(), map[string]interface{}{
		"command":    "sleep 5",
		"timeout_ms": float64(50),
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.ErrorContains(t, res.Error, "timed out")
}

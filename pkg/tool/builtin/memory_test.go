package toolbuiltin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMemoryTool(t *testing.T) *MemoryTool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	m, err := NewMemoryTool(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemoryToolRememberAndRecall(t *testing.T) {
	m := newTestMemoryTool(t)

	_, err := m.Execute(context.Background(), map[string]interface{}{
		"action":  "remember",
		"content": "the deploy key rotates every 90 days",
	})
	require.NoError(t, err)

	res, err := m.Execute(context.Background(), map[string]interface{}{
		"action": "recall",
		"query":  "deploy key",
	})
	require.NoError(t, err)
	require.Contains(t, res.Output, "deploy key rotates")
}

func TestMemoryToolRecallWithNoMatches(t *testing.T) {
	m := newTestMemoryTool(t)

	res, err := m.Execute(context.Background(), map[string]interface{}{
		"action": "recall",
		"query":  "nonexistent",
	})
	require.NoError(t, err)
	require.Equal(t, "no matching memories", res.Output)
}

func TestMemoryToolRejectsUnknownAction(t *testing.T) {
	m := newTestMemoryTool(t)
	_, err := m.Execute(context.Background(), map[string]interface{}{"action": "forget"})
	require.Error(t, err)
}

func TestMemoryToolRememberRequiresContent(t *testing.T) {
	m := newTestMemoryTool(t)
	_, err := m.Execute(context.Background(), map[string]interface{}{"action": "remember"})
	require.Error(t, err)
}

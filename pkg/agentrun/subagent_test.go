package agentrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcore/engine/pkg/model"
	"github.com/agentcore/engine/pkg/tool"
)

func testSpecs() []SubagentSpec {
	return BuiltinSubagents(func(t SubagentType) string { return "you are the " + string(t) + " subagent" })
}

func TestManagerResolveRequestedTypeWins(t *testing.T) {
	m := NewManager(&scriptedAgentModel{}, tool.NewRegistry(), nil, testSpecs())

	spec, err := m.Resolve("explore", "implement a whole new feature")
	require.NoError(t, err)
	require.Equal(t, SubagentExplore, spec.Type)
}

func TestManagerResolveAutoSelectsByKeywordScore(t *testing.T) {
	m := NewManager(&scriptedAgentModel{}, tool.NewRegistry(), nil, testSpecs())

	spec, err := m.Resolve("", "please locate where is the config file")
	require.NoError(t, err)
	require.Equal(t, SubagentExplore, spec.Type)
}

func TestManagerResolveUnknownTypeErrors(t *testing.T) {
	m := NewManager(&scriptedAgentModel{}, tool.NewRegistry(), nil, testSpecs())

	_, err := m.Resolve("not-a-real-type", "anything")
	require.Error(t, err)
}

func TestManagerRunRejectsWithoutTaskDispatchTag(t *testing.T) {
	m := NewManager(&scriptedAgentModel{}, tool.NewRegistry(), nil, testSpecs())

	_, err := m.Run(context.Background(), SubagentExplore, map[string]any{"task": "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), TaskToolName)
}

func TestTaskToolExecuteRunsSubagentAndReturnsResult(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{completeTaskCall("1", map[string]any{"result": "found it"})},
	}}
	m := NewManager(backend, tool.NewRegistry(), nil, testSpecs())
	taskTool := NewTaskTool(m)

	res, err := taskTool.Execute(context.Background(), map[string]interface{}{
		"subagent_type": "explore",
		"task":          "where is the config file",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "found it", res.Output)
}

func TestTaskToolExecuteRequiresTask(t *testing.T) {
	m := NewManager(&scriptedAgentModel{}, tool.NewRegistry(), nil, testSpecs())
	taskTool := NewTaskTool(m)

	_, err := taskTool.Execute(context.Background(), map[string]interface{}{"subagent_type": "explore"})
	require.Error(t, err)
}

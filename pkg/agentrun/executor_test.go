package agentrun

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcore/engine/pkg/model"
	"github.com/agentcore/engine/pkg/scheduler"
	"github.com/agentcore/engine/pkg/telemetry"
	"github.com/agentcore/engine/pkg/tool"
)

// recordingSpan and recordingTracer let a test assert which spans an
// Executor opened without standing up a real exporter.
type recordingSpan struct {
	name string
}

func (s *recordingSpan) End(map[string]any, error) {}
func (s *recordingSpan) TraceID() string           { return "" }
func (s *recordingSpan) SpanID() string            { return "" }
func (s *recordingSpan) IsRecording() bool         { return true }

type recordingTracer struct {
	started []string
}

func (t *recordingTracer) StartAgentSpan(ctx context.Context, _ string, _ int) (context.Context, telemetry.Span) {
	t.started = append(t.started, "agent")
	return ctx, &recordingSpan{name: "agent"}
}

func (t *recordingTracer) StartModelSpan(ctx context.Context, _ string) (context.Context, telemetry.Span) {
	t.started = append(t.started, "model")
	return ctx, &recordingSpan{name: "model"}
}

func (t *recordingTracer) StartToolSpan(ctx context.Context, _ string) (context.Context, telemetry.Span) {
	t.started = append(t.started, "tool")
	return ctx, &recordingSpan{name: "tool"}
}

func (t *recordingTracer) Shutdown(context.Context) error { return nil }

// scriptedAgentModel replays one slice of tool calls per CompleteStream
// invocation, simulating a model that calls functions across several turns.
type scriptedAgentModel struct {
	turns [][]model.ToolCall
	idx   int
}

func (m *scriptedAgentModel) Complete(context.Context, model.Request) (*model.Response, error) {
	return nil, errors.New("not implemented")
}

func (m *scriptedAgentModel) CompleteStream(_ context.Context, _ model.Request, cb model.StreamHandler) error {
	i := m.idx
	if i >= len(m.turns) {
		i = len(m.turns) - 1
	}
	m.idx++

	for _, c := range m.turns[i] {
		if err := cb(model.StreamResult{ToolCall: &c}); err != nil {
			return err
		}
	}
	return cb(model.StreamResult{Final: true, Response: &model.Response{Message: model.Message{Role: "assistant"}}})
}

func completeTaskCall(id string, args map[string]any) model.ToolCall {
	return model.ToolCall{ID: id, Name: completeTaskTool, Arguments: args}
}

func TestExecutorTerminatesOnValidCompleteTask(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{completeTaskCall("1", map[string]any{"result": "done"})},
	}}
	registry := tool.NewRegistry()

	exec, err := New(Definition{QueryTemplate: "{{.task}}"}, backend, registry, nil)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "say hi"})
	require.NoError(t, err)
	require.Equal(t, TerminateTaskComplete, res.TerminateReason)
	require.Equal(t, "done", res.Output)
	require.Equal(t, 1, res.Turns)
}

func TestExecutorRetriesOnInvalidCompleteTaskResult(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{completeTaskCall("1", map[string]any{})}, // missing "result"
		{completeTaskCall("2", map[string]any{"result": "fixed"})},
	}}
	registry := tool.NewRegistry()

	exec, err := New(Definition{QueryTemplate: "{{.task}}"}, backend, registry, nil)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "say hi"})
	require.NoError(t, err)
	require.Equal(t, TerminateTaskComplete, res.TerminateReason)
	require.Equal(t, "fixed", res.Output)
	require.Equal(t, 2, res.Turns)
}

// echoTool is a trivial allow-listed tool used to exercise scheduler dispatch.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{Type: "object", Properties: map[string]interface{}{
		"text": map[string]interface{}{"type": "string"},
	}, Required: []string{"text"}}
}
func (echoTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	text, _ := params["text"].(string)
	return &tool.ToolResult{Success: true, Output: "echo: " + text}, nil
}

func TestExecutorDispatchesAllowedToolThenCompletes(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hi"}}},
		{completeTaskCall("2", map[string]any{"result": "done"})},
	}}
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(echoTool{}))
	sched := scheduler.New(registry)

	exec, err := New(Definition{QueryTemplate: "{{.task}}", ToolAllowlist: []string{"echo"}}, backend, registry, sched)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "go"})
	require.NoError(t, err)
	require.Equal(t, TerminateTaskComplete, res.TerminateReason)
	require.Equal(t, 2, res.Turns)
}

func TestExecutorRejectsDisallowedToolWithoutDispatching(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hi"}}},
		{completeTaskCall("2", map[string]any{"result": "done"})},
	}}
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(echoTool{}))

	// echo is registered but NOT in this agent's allow-list.
	exec, err := New(Definition{QueryTemplate: "{{.task}}"}, backend, registry, nil)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "go"})
	require.NoError(t, err)
	require.Equal(t, TerminateTaskComplete, res.TerminateReason)
	require.Equal(t, 2, res.Turns)
}

func TestExecutorMaxTurnsTerminatesAfterFinalWarning(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{}, {}, // never emits complete_task
	}}
	registry := tool.NewRegistry()

	one := 1
	exec, err := New(Definition{QueryTemplate: "{{.task}}", MaxTurns: &one}, backend, registry, nil)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "go"})
	require.NoError(t, err)
	require.Equal(t, TerminateMaxTurns, res.TerminateReason)
}

func TestExecutorMaxTurnsZeroTerminatesImmediatelyWithoutAModelCall(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{completeTaskCall("1", map[string]any{"result": "should never be reached"})},
	}}
	registry := tool.NewRegistry()

	zero := 0
	exec, err := New(Definition{QueryTemplate: "{{.task}}", MaxTurns: &zero}, backend, registry, nil)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "go"})
	require.NoError(t, err)
	require.Equal(t, TerminateMaxTurns, res.TerminateReason)
	require.Equal(t, 0, res.Turns)
	require.Equal(t, 0, backend.idx, "max_turns=0 must not invoke the model at all")
}

func TestExecutorMaxTurnsUnsetFallsBackToDefault(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{completeTaskCall("1", map[string]any{"result": "done"})},
	}}
	registry := tool.NewRegistry()

	exec, err := New(Definition{QueryTemplate: "{{.task}}"}, backend, registry, nil)
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), map[string]any{"task": "go"})
	require.NoError(t, err)
	require.Equal(t, TerminateTaskComplete, res.TerminateReason)
}

func TestExecutorWithTracerRecordsAgentAndModelSpans(t *testing.T) {
	backend := &scriptedAgentModel{turns: [][]model.ToolCall{
		{completeTaskCall("1", map[string]any{"result": "done"})},
	}}
	registry := tool.NewRegistry()
	tracer := &recordingTracer{}

	exec, err := New(Definition{QueryTemplate: "{{.task}}"}, backend, registry, nil, WithTracer(tracer))
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), map[string]any{"task": "say hi"})
	require.NoError(t, err)
	require.Equal(t, []string{"agent", "model"}, tracer.started)
}

func TestExecutorAbortsImmediatelyOnCancelledContext(t *testing.T) {
	backend := &scriptedAgentModel{}
	registry := tool.NewRegistry()

	exec, err := New(Definition{QueryTemplate: "{{.task}}"}, backend, registry, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := exec.Run(ctx, map[string]any{"task": "go"})
	require.NoError(t, err)
	require.Equal(t, TerminateCancelled, res.TerminateReason)
}

func TestExecutorRejectsNilBackendAndRegistry(t *testing.T) {
	registry := tool.NewRegistry()
	_, err := New(Definition{}, nil, registry, nil)
	require.ErrorIs(t, err, ErrNilBackend)

	_, err = New(Definition{}, &scriptedAgentModel{}, nil, nil)
	require.ErrorIs(t, err, ErrNilRegistry)
}

package scheduler

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentcore/engine/pkg/events"
	"github.com/agentcore/engine/pkg/hooks"
	"github.com/agentcore/engine/pkg/policy"
	"github.com/agentcore/engine/pkg/telemetry"
	"github.com/agentcore/engine/pkg/tool"
)

// recordingSpan and recordingTracer let a test assert that the scheduler
// opens one tool span per executed call without standing up a real exporter.
type recordingSpan struct{}

func (recordingSpan) End(map[string]any, error) {}
func (recordingSpan) TraceID() string           { return "" }
func (recordingSpan) SpanID() string            { return "" }
func (recordingSpan) IsRecording() bool         { return true }

type recordingTracer struct {
	toolNames []string
}

func (t *recordingTracer) StartAgentSpan(ctx context.Context, _ string, _ int) (context.Context, telemetry.Span) {
	return ctx, recordingSpan{}
}

func (t *recordingTracer) StartModelSpan(ctx context.Context, _ string) (context.Context, telemetry.Span) {
	return ctx, recordingSpan{}
}

func (t *recordingTracer) StartToolSpan(ctx context.Context, name string) (context.Context, telemetry.Span) {
	t.toolNames = append(t.toolNames, name)
	return ctx, recordingSpan{}
}

func (t *recordingTracer) Shutdown(context.Context) error { return nil }

type fakeTool struct {
	name     string
	schema   *tool.JSONSchema
	confirm  bool
	execFn   func(context.Context, map[string]interface{}) (*tool.ToolResult, error)
	execDur  time.Duration
	confirms []map[string]interface{}
}

func (f *fakeTool) Name() string             { return f.name }
func (f *fakeTool) Description() string      { return "fake" }
func (f *fakeTool) Schema() *tool.JSONSchema { return f.schema }
func (f *fakeTool) NeedsConfirmation(params map[string]interface{}) bool {
	f.confirms = append(f.confirms, params)
	return f.confirm
}
func (f *fakeTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	if f.execDur > 0 {
		select {
		case <-time.After(f.execDur):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.execFn != nil {
		return f.execFn(ctx, params)
	}
	return &tool.ToolResult{Success: true, Output: "ok"}, nil
}

func registryWith(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, r.Register(tl))
	}
	return r
}

func TestRunBatchHappyPath(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Echo"})
	s := New(r)

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Echo"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, Successful, results[0].State)
	require.Equal(t, "ok", results[0].Result.Output)
}

func TestRunBatchInvalidParamsErrors(t *testing.T) {
	t.Parallel()
	schema := &tool.JSONSchema{Type: "object", Required: []string{"path"}}
	r := registryWith(t, &fakeTool{name: "Read", schema: schema})
	s := New(r)

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Read", Params: map[string]interface{}{}}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindInvalidParams, results[0].Kind)
}

func TestRunBatchUnknownToolErrors(t *testing.T) {
	t.Parallel()
	r := registryWith(t)
	s := New(r)

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Missing"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindInvalidParams, results[0].Kind)
}

func TestRunBatchPolicyDenyShortCircuits(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Bash"})
	eng, err := policy.NewEngine(policy.Rules{Deny: []string{"Bash"}})
	require.NoError(t, err)
	s := New(r, WithPolicy(eng))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindPolicyDenied, results[0].Kind)
}

func TestRunBatchApprovalDeniedByUser(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Bash", confirm: true})
	s := New(r, WithApprovalHandler(func(ctx context.Context, req ApprovalRequest) (bool, error) {
		require.Equal(t, "Bash", req.ToolName)
		return false, nil
	}))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindUserDenied, results[0].Kind)
}

func TestRunBatchApprovalWithoutHandlerDeniesFailClosed(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Bash", confirm: true})
	s := New(r)

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindUserDenied, results[0].Kind)
}

func TestRunBatchApprovalApprovedProceedsToExecution(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Bash", confirm: true})
	s := New(r, WithApprovalHandler(func(ctx context.Context, req ApprovalRequest) (bool, error) {
		return true, nil
	}))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Successful, results[0].State)
}

func TestRunBatchApprovalsSerializeAgainstTheUser(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "A", confirm: true}, &fakeTool{name: "B", confirm: true})

	var active int
	var maxActive int
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	s := New(r, WithApprovalHandler(func(ctx context.Context, req ApprovalRequest) (bool, error) {
		<-mu
		active++
		if active > maxActive {
			maxActive = active
		}
		mu <- struct{}{}

		time.Sleep(20 * time.Millisecond)

		<-mu
		active--
		mu <- struct{}{}
		return true, nil
	}))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "A"}, {ID: "2", Name: "B"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, maxActive, "approval prompts must serialize, at most one outstanding at a time")
}

func TestRunBatchToolFailureIsReportedNotPanicked(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	r := registryWith(t, &fakeTool{name: "Fail", execFn: func(context.Context, map[string]interface{}) (*tool.ToolResult, error) {
		return nil, boom
	}})
	s := New(r)

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Fail"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindToolFailure, results[0].Kind)
	require.ErrorIs(t, results[0].Err, boom)
}

func TestRunBatchCancellationPropagatesToInFlightCalls(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Slow", execDur: 2 * time.Second})
	s := New(r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := s.RunBatch(ctx, []tool.Call{{ID: "1", Name: "Slow"}})
	require.NoError(t, err)
	require.Equal(t, Cancelled, results[0].State)
}

func TestRunBatchRunsCallsConcurrently(t *testing.T) {
	t.Parallel()
	r := registryWith(t,
		&fakeTool{name: "A", execDur: 100 * time.Millisecond},
		&fakeTool{name: "B", execDur: 100 * time.Millisecond},
		&fakeTool{name: "C", execDur: 100 * time.Millisecond},
	)
	s := New(r)

	start := time.Now()
	results, err := s.RunBatch(context.Background(), []tool.Call{
		{ID: "1", Name: "A"}, {ID: "2", Name: "B"}, {ID: "3", Name: "C"},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equal(t, Successful, r.State)
	}
	require.Less(t, elapsed, 250*time.Millisecond, "calls in a batch must run in parallel, not serially")
}

func TestToolCallCancelBeforeExecutingIsImmediate(t *testing.T) {
	t.Parallel()
	tc := &ToolCall{State: Validating}
	tc.Cancel()
	require.Equal(t, Cancelled, tc.snapshot())
	require.Equal(t, KindCancelled, tc.Kind)
}

func TestStateIsTerminal(t *testing.T) {
	t.Parallel()
	require.True(t, Successful.IsTerminal())
	require.True(t, Errored.IsTerminal())
	require.True(t, Cancelled.IsTerminal())
	require.False(t, Validating.IsTerminal())
	require.False(t, AwaitingApproval.IsTerminal())
	require.False(t, Scheduled.IsTerminal())
	require.False(t, Executing.IsTerminal())
}

func TestRunHookBlockingDenyFailsTheCall(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := dir + "/deny.sh"
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf '{\"decision\":\"deny\",\"reason\":\"blocked by policy hook\"}'\n"), 0o700))

	exec := hooks.NewExecutor()
	exec.Register(hooks.ShellHook{Event: events.PreToolUse, Command: script})

	r := registryWith(t, &fakeTool{name: "Bash"})
	s := New(r, WithHooks(exec))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindPolicyDenied, results[0].Kind)
}

func TestRunHookAskRoutesThroughApprovalGate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := dir + "/ask.sh"
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf '{\"decision\":\"ask\",\"reason\":\"confirm with user\"}'\n"), 0o700))

	exec := hooks.NewExecutor()
	exec.Register(hooks.ShellHook{Event: events.PreToolUse, Command: script})

	r := registryWith(t, &fakeTool{name: "Bash"})
	var gotReq ApprovalRequest
	s := New(r, WithHooks(exec), WithApprovalHandler(func(ctx context.Context, req ApprovalRequest) (bool, error) {
		gotReq = req
		return true, nil
	}))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Successful, results[0].State)
	require.Equal(t, "confirm with user", gotReq.Target)
}

func TestRunHookAskWithoutApprovalHandlerFailsClosed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := dir + "/ask.sh"
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf '{\"decision\":\"ask\"}'\n"), 0o700))

	exec := hooks.NewExecutor()
	exec.Register(hooks.ShellHook{Event: events.PreToolUse, Command: script})

	r := registryWith(t, &fakeTool{name: "Bash"})
	s := New(r, WithHooks(exec))

	results, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}})
	require.NoError(t, err)
	require.Equal(t, Errored, results[0].State)
	require.Equal(t, KindUserDenied, results[0].Kind)
}

func TestRunBatchWithTracerRecordsOneToolSpanPerCall(t *testing.T) {
	t.Parallel()
	r := registryWith(t, &fakeTool{name: "Bash"}, &fakeTool{name: "Read"})
	tracer := &recordingTracer{}
	s := New(r, WithTracer(tracer))

	_, err := s.RunBatch(context.Background(), []tool.Call{{ID: "1", Name: "Bash"}, {ID: "2", Name: "Read"}})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Bash", "Read"}, tracer.toolNames)
}

func TestSyntheticCancelledOutput(t *testing.T) {
	t.Parallel()
	out := SyntheticCancelledOutput()
	require.False(t, out.Success)
	require.Equal(t, "cancelled", out.Output)
}

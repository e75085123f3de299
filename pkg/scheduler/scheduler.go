// Package scheduler drives tool calls through the state machine that
// validates parameters, gates on policy/user approval, and dispatches
// execution: validating -> awaiting_approval -> scheduled -> executing ->
// {successful | errored | cancelled}. A batch of calls emitted by a single
// model turn runs concurrently; calls that require approval serialize
// against the user while the rest of the batch keeps running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentcore/engine/pkg/events"
	"github.com/agentcore/engine/pkg/hooks"
	"github.com/agentcore/engine/pkg/policy"
	"github.com/agentcore/engine/pkg/telemetry"
	"github.com/agentcore/engine/pkg/tool"
)

// State is a ToolCall's position in the scheduling state machine.
type State string

const (
	Validating      State = "validating"
	AwaitingApproval State = "awaiting_approval"
	Scheduled       State = "scheduled"
	Executing       State = "executing"
	Successful      State = "successful"
	Errored         State = "errored"
	Cancelled       State = "cancelled"
)

// IsTerminal reports whether s is one from which no further transition occurs.
func (s State) IsTerminal() bool {
	switch s {
	case Successful, Errored, Cancelled:
		return true
	default:
		return false
	}
}

// Kind classifies why a ToolCall ended up errored, mirroring the error
// taxonomy every terminal FunctionResponse is labeled with.
type Kind string

const (
	KindInvalidParams Kind = "invalid_params"
	KindPolicyDenied  Kind = "policy_denied"
	KindUserDenied    Kind = "user_denied"
	KindCancelled     Kind = "cancelled"
	KindToolFailure   Kind = "tool_failure"
	KindInternal      Kind = "internal"
)

// ConfirmableTool lets a tool declare that a specific invocation needs
// interactive confirmation regardless of policy — e.g. a destructive rm.
type ConfirmableTool interface {
	NeedsConfirmation(params map[string]interface{}) bool
}

// DisplayNamer lets a tool provide a human-readable label for an invocation,
// shown in the approval prompt instead of the raw tool name.
type DisplayNamer interface {
	DisplayName(params map[string]interface{}) string
}

// ToolCall is one invocation walking the scheduler state machine.
type ToolCall struct {
	mu sync.Mutex

	Call  tool.Call
	State State
	Kind  Kind

	Result *tool.ToolResult
	Err    error

	cancel context.CancelFunc
}

func (c *ToolCall) setState(s State) {
	c.mu.Lock()
	c.State = s
	c.mu.Unlock()
}

func (c *ToolCall) snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

// Cancel transitions the call to Cancelled immediately if it hasn't reached
// a terminal state yet, and signals its execution context.
func (c *ToolCall) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State.IsTerminal() {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.State != Executing {
		// validating/awaiting_approval/scheduled transition straight to
		// cancelled without waiting on an in-flight execution.
		c.State = Cancelled
		c.Kind = KindCancelled
	}
}

// BatchResult is the outcome of one ToolCall once it reaches a terminal
// state, paired with the FunctionResponse fields the Agent Executor needs.
type BatchResult struct {
	CallID    string
	ToolName  string
	State     State
	Kind      Kind
	Result    *tool.ToolResult
	Err       error
	Cancelled bool
}

// ApprovalRequest is the display payload passed to the ApprovalHandler when
// a call reaches awaiting_approval. There is no continuation or Resolve
// step: the call's goroutine waits for the handler's answer, while the
// other calls in the batch keep running.
type ApprovalRequest struct {
	CallID      string
	ToolName    string
	DisplayName string
	Params      map[string]interface{}
	Rule        string
	Target      string
}

// ApprovalHandler is consulted exactly once per awaiting_approval call. It
// may block (e.g. on a UI round-trip) — the scheduler serializes calls to it
// so only one approval prompt is outstanding at a time — but must not be
// called from more than one goroutine concurrently for the same Scheduler.
type ApprovalHandler func(ctx context.Context, req ApprovalRequest) (approved bool, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPolicy(engine *policy.Engine) Option {
	return func(s *Scheduler) { s.policy = engine }
}

func WithHooks(executor *hooks.Executor) Option {
	return func(s *Scheduler) { s.hooks = executor }
}

func WithPersister(p *tool.OutputPersister) Option {
	return func(s *Scheduler) { s.persister = p }
}

func WithApprovalHandler(h ApprovalHandler) Option {
	return func(s *Scheduler) { s.onApproval = h }
}

// WithTracer installs span instrumentation around each call's execution
// step. Without one, the Scheduler records nothing.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// Scheduler dispatches tool calls from a registry, consulting policy, hooks,
// and an optional approval handler along the way.
type Scheduler struct {
	registry *tool.Registry

	policy     *policy.Engine
	hooks      *hooks.Executor
	persister  *tool.OutputPersister
	onApproval ApprovalHandler
	tracer     telemetry.Tracer

	// approvalGate serializes the at-most-one awaiting_approval call the
	// spec requires; other calls in the batch keep executing while one
	// holds the gate.
	approvalGate sync.Mutex
}

// New constructs a Scheduler backed by registry. With a nil registry,
// RunBatch returns an error, matching the teacher's Executor guard against
// an unusable instance rather than silently no-op'ing.
func New(registry *tool.Registry, opts ...Option) *Scheduler {
	noopTracer, _ := telemetry.NewTracer(telemetry.Config{})
	s := &Scheduler{registry: registry, tracer: noopTracer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunBatch dispatches every call in calls concurrently, each walking its own
// state machine, and returns one BatchResult per call in the original
// order once all have reached a terminal state. Cancelling ctx propagates to
// every in-flight call.
func (s *Scheduler) RunBatch(ctx context.Context, calls []tool.Call) ([]BatchResult, error) {
	if s == nil || s.registry == nil {
		return nil, errors.New("scheduler: not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	toolCalls := make([]*ToolCall, len(calls))
	results := make([]BatchResult, len(calls))

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range calls {
		i := i
		tc := &ToolCall{Call: calls[i], State: Validating}
		toolCalls[i] = tc

		group.Go(func() error {
			results[i] = s.runOne(groupCtx, tc)
			return nil
		})
	}

	_ = group.Wait() // runOne never returns an error; each failure is captured in its own BatchResult

	for i, tc := range toolCalls {
		tc.mu.Lock()
		results[i].State = tc.State
		tc.mu.Unlock()
	}
	return results, nil
}

func (s *Scheduler) runOne(ctx context.Context, tc *ToolCall) BatchResult {
	execCtx, cancel := context.WithCancel(ctx)
	tc.mu.Lock()
	tc.cancel = cancel
	tc.mu.Unlock()
	defer cancel()

	call := tc.Call
	result := s.walk(execCtx, tc)
	result.CallID = call.ID
	result.ToolName = call.Name
	return result
}

func (s *Scheduler) walk(ctx context.Context, tc *ToolCall) BatchResult {
	call := tc.Call

	// validating
	tc.setState(Validating)
	if ctx.Err() != nil {
		return s.cancel(tc)
	}
	t, err := s.registry.Get(call.Name)
	if err != nil {
		return s.fail(tc, KindInvalidParams, fmt.Errorf("scheduler: %w", err))
	}
	if schema := t.Schema(); schema != nil {
		if err := (tool.DefaultValidator{}).Validate(call.Params, schema); err != nil {
			return s.fail(tc, KindInvalidParams, err)
		}
	}

	// policy + confirmation gate -> awaiting_approval, or straight through
	verdict := s.evaluatePolicy(call, t)
	needsApproval := verdict.Decision == policy.Ask
	if cf, ok := t.(ConfirmableTool); ok && cf.NeedsConfirmation(call.Params) {
		needsApproval = true
	}
	if verdict.Decision == policy.Deny {
		return s.fail(tc, KindPolicyDenied, fmt.Errorf("scheduler: tool %s denied by rule %q for %s", call.Name, verdict.Rule, verdict.Target))
	}

	if needsApproval {
		tc.setState(AwaitingApproval)
		if ctx.Err() != nil {
			return s.cancel(tc)
		}
		approved, err := s.requestApproval(ctx, tc, t, verdict)
		if err != nil {
			return s.fail(tc, KindInternal, err)
		}
		if !approved {
			return s.fail(tc, KindUserDenied, fmt.Errorf("scheduler: user denied tool %s", call.Name))
		}
	}

	// scheduled
	tc.setState(Scheduled)
	if ctx.Err() != nil {
		return s.cancel(tc)
	}

	hookAskReason, err := s.runHook(ctx, events.PreToolUse, events.ToolUsePayload{
		Name: call.Name, Params: call.Params, ToolUseID: call.ID,
	})
	if err != nil {
		return s.fail(tc, KindPolicyDenied, err)
	}
	if hookAskReason != "" && !needsApproval {
		tc.setState(AwaitingApproval)
		if ctx.Err() != nil {
			return s.cancel(tc)
		}
		approved, err := s.requestApproval(ctx, tc, t, policy.Verdict{Decision: policy.Ask, Rule: "hook", Target: hookAskReason})
		if err != nil {
			return s.fail(tc, KindInternal, err)
		}
		if !approved {
			return s.fail(tc, KindUserDenied, fmt.Errorf("scheduler: user denied tool %s", call.Name))
		}
	}

	// executing
	tc.setState(Executing)
	if ctx.Err() != nil {
		return s.cancel(tc)
	}

	spanCtx, span := s.tracer.StartToolSpan(ctx, call.Name)
	started := time.Now()
	res, execErr := s.execute(spanCtx, t, call)
	duration := time.Since(started)
	span.End(map[string]any{"tool.duration_ms": duration.Milliseconds()}, execErr)

	if s.persister != nil && res != nil {
		_ = s.persister.MaybePersist(call, res) //nolint:errcheck // best-effort spill, failures are non-fatal
	}

	s.publishPostToolUse(call, res, execErr, duration)

	if ctx.Err() != nil && execErr != nil {
		return s.cancel(tc)
	}
	if execErr != nil {
		return s.fail(tc, KindToolFailure, execErr)
	}

	tc.mu.Lock()
	tc.State = Successful
	tc.Result = res
	tc.mu.Unlock()
	return BatchResult{State: Successful, Result: res}
}

func (s *Scheduler) execute(ctx context.Context, t tool.Tool, call tool.Call) (*tool.ToolResult, error) {
	if streaming, ok := t.(tool.StreamingTool); ok && call.StreamSink != nil {
		return streaming.StreamExecute(ctx, call.Clone().Params, call.StreamSink)
	}
	return t.Execute(ctx, call.Clone().Params)
}

func (s *Scheduler) evaluatePolicy(call tool.Call, t tool.Tool) policy.Verdict {
	if s.policy == nil {
		return policy.Verdict{Decision: policy.Allow, Tool: call.Name}
	}
	kind := tool.KindOther
	if c, ok := t.(tool.Classifier); ok {
		kind = c.Kind()
	}
	return s.policy.Evaluate(call.Name, call.Params, kind)
}

func (s *Scheduler) requestApproval(ctx context.Context, tc *ToolCall, t tool.Tool, verdict policy.Verdict) (bool, error) {
	if s.onApproval == nil {
		// No interactive handler registered: policy ASK without a UI is a
		// fail-closed deny, never a silent allow.
		return false, nil
	}

	display := tc.Call.Name
	if dn, ok := t.(DisplayNamer); ok {
		if name := dn.DisplayName(tc.Call.Params); name != "" {
			display = name
		}
	}

	req := ApprovalRequest{
		CallID:      tc.Call.ID,
		ToolName:    tc.Call.Name,
		DisplayName: display,
		Params:      tc.Call.Params,
		Rule:        verdict.Rule,
		Target:      verdict.Target,
	}

	// Only one awaiting_approval prompt is shown to the user at a time;
	// other calls in the batch keep running while this one waits its turn.
	s.approvalGate.Lock()
	defer s.approvalGate.Unlock()

	return s.onApproval(ctx, req)
}

// runHook executes every hook registered for eventType. A "deny"/"block"
// decision is returned as an error, failing the call outright. An "ask"
// decision is not an error: it is returned as a non-empty reason so walk
// can route the call through the same interactive approval gate a policy
// Ask verdict uses, rather than silently letting it proceed.
func (s *Scheduler) runHook(ctx context.Context, eventType events.Type, payload any) (string, error) {
	if s.hooks == nil {
		return "", nil
	}
	results, err := s.hooks.Execute(ctx, events.Event{Type: eventType, Payload: payload})
	if err != nil {
		return "", err
	}
	for _, r := range results {
		if r.Output == nil {
			continue
		}
		switch r.Output.Decision {
		case "deny", "block":
			reason := r.Output.Reason
			if reason == "" {
				reason = "denied by hook"
			}
			return "", fmt.Errorf("scheduler: %s", reason)
		case "ask":
			reason := r.Output.Reason
			if reason == "" {
				reason = "hook requested approval"
			}
			return reason, nil
		}
	}
	return "", nil
}

func (s *Scheduler) publishPostToolUse(call tool.Call, res *tool.ToolResult, execErr error, duration time.Duration) {
	if s.hooks == nil {
		return
	}
	eventType := events.PostToolUse
	if execErr != nil {
		eventType = events.PostToolUseFailure
	}
	payload := events.ToolResultPayload{
		Name:      call.Name,
		Params:    call.Params,
		ToolUseID: call.ID,
		Duration:  duration,
		Err:       execErr,
	}
	if res != nil {
		payload.Result = res.Output
	}
	_ = s.hooks.Publish(events.Event{Type: eventType, Payload: payload})
}

func (s *Scheduler) fail(tc *ToolCall, kind Kind, err error) BatchResult {
	tc.mu.Lock()
	tc.State = Errored
	tc.Kind = kind
	tc.Err = err
	tc.mu.Unlock()
	return BatchResult{State: Errored, Kind: kind, Err: err}
}

func (s *Scheduler) cancel(tc *ToolCall) BatchResult {
	tc.mu.Lock()
	tc.State = Cancelled
	tc.Kind = KindCancelled
	tc.mu.Unlock()
	return BatchResult{State: Cancelled, Kind: KindCancelled, Cancelled: true}
}

// SyntheticCancelledOutput builds the placeholder FunctionResponse payload a
// cancelled call still emits, so conversation history stays well-formed even
// though no tool ever ran.
func SyntheticCancelledOutput() *tool.ToolResult {
	return &tool.ToolResult{Success: false, Output: "cancelled", Data: map[string]any{"cancelled": true}}
}

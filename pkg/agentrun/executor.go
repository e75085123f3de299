// Package agentrun implements the Agent Executor turn loop: the
// BeforeAgent/BeforeModel/AfterModel/BeforeTool/AfterTool/AfterAgent staged
// loop used both for the top-level interactive agent and for sub-agents
// invoked as tools (see subagent.go).
package agentrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/openai/openai-go"

	"github.com/agentcore/engine/pkg/chat"
	"github.com/agentcore/engine/pkg/message"
	"github.com/agentcore/engine/pkg/middleware"
	"github.com/agentcore/engine/pkg/model"
	"github.com/agentcore/engine/pkg/scheduler"
	"github.com/agentcore/engine/pkg/telemetry"
	"github.com/agentcore/engine/pkg/tool"
)

// TerminateReason classifies why a Run call stopped.
type TerminateReason string

const (
	TerminateTaskComplete  TerminateReason = "task_complete"
	TerminateMaxTurns      TerminateReason = "max_turns"
	TerminateCancelled     TerminateReason = "cancelled"
	TerminateQuotaExceeded TerminateReason = "quota_exceeded"
	TerminateTimeout       TerminateReason = "timeout"
)

// completeTaskTool is the mandatory termination tool every agent run carries
// in addition to whatever the definition's allow-list names.
const completeTaskTool = "complete_task"

var (
	ErrNilBackend  = errors.New("agentrun: backend model is nil")
	ErrNilRegistry = errors.New("agentrun: tool registry is nil")

	defaultMaxTurns = 25
)

// Definition describes one agent — top-level or sub-agent — the executor
// can run: its prompt, the model tier it prefers, the tools it may call,
// and the shape its complete_task result must take.
type Definition struct {
	Name          string
	SystemPrompt  string
	QueryTemplate string
	Model         string
	ToolAllowlist []string
	OutputSchema  *tool.JSONSchema
	// MaxTurns is a pointer so an explicit 0 (terminate immediately with
	// max_turns, no model call at all) can be told apart from "unset"
	// (falls back to defaultMaxTurns). Mirrors config.Settings.MaxTurns.
	MaxTurns *int
	Timeout  time.Duration
}

func (d Definition) resolvedMaxTurns() int {
	if d.MaxTurns == nil {
		return defaultMaxTurns
	}
	return *d.MaxTurns
}

// Result is what a completed (or terminated) Run produces.
type Result struct {
	Output          string
	Raw             map[string]any
	TerminateReason TerminateReason
	Turns           int
}

// Option configures an Executor.
type Option func(*Executor)

// WithRouter supplies the Model Router consulted once per turn. Without
// one, every turn requests the Definition's Model, or the backend's own
// default model when it is empty.
func WithRouter(r *model.Router) Option {
	return func(e *Executor) { e.router = r }
}

// WithMiddleware installs the interception chain. The executor runs its
// BeforeAgent, BeforeModel, AfterModel and AfterAgent stages; it does not
// run BeforeTool or AfterTool.
func WithMiddleware(mw *middleware.Chain) Option {
	return func(e *Executor) { e.mw = mw }
}

// WithValidator overrides the parameter/output validator. Defaults to
// tool.DefaultValidator{}.
func WithValidator(v tool.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithSessionID pins the Chat Session identifier used for token-usage
// attribution; Run generates a random one when omitted.
func WithSessionID(id string) Option {
	return func(e *Executor) { e.sessionID = id }
}

// WithTokenCallback observes token usage after every completed model turn,
// forwarded straight to the underlying Chat Session.
func WithTokenCallback(cb chat.TokenCallback) Option {
	return func(e *Executor) { e.tokenCallback = cb }
}

// WithTracer installs span instrumentation around the turn loop and model
// calls. Without one, Executor uses a tracer that records nothing.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Executor drives one agent's turn loop.
type Executor struct {
	def           Definition
	backend       model.Model
	registry      *tool.Registry
	scheduler     *scheduler.Scheduler
	router        *model.Router
	mw            *middleware.Chain
	validator     tool.Validator
	sessionID     string
	tokenCallback chat.TokenCallback
	tracer        telemetry.Tracer
}

// New constructs an Executor. The registry subset usable by this run is the
// intersection of the registry's contents and def.ToolAllowlist — the
// registry itself is shared, not copied, across top-level and sub-agent
// executors.
func New(def Definition, backend model.Model, registry *tool.Registry, sched *scheduler.Scheduler, opts ...Option) (*Executor, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if registry == nil {
		return nil, ErrNilRegistry
	}
	noopTracer, _ := telemetry.NewTracer(telemetry.Config{})
	e := &Executor{
		def:       def,
		backend:   backend,
		registry:  registry,
		scheduler: sched,
		mw:        middleware.NewChain(nil),
		validator: tool.DefaultValidator{},
		tracer:    noopTracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if strings.TrimSpace(e.sessionID) == "" {
		e.sessionID = uuid.NewString()
	}
	return e, nil
}

// Run executes the turn loop to completion: task_complete, max_turns,
// cancelled, quota_exceeded, or timeout. Any other failure — a programming
// error, a malformed definition — is returned as a plain Go error instead
// of being packed into a Result, since the spec's terminate-reason
// enumeration has no slot for it.
func (e *Executor) Run(ctx context.Context, params map[string]any) (*Result, error) {
	if e == nil {
		return nil, errors.New("agentrun: executor is nil")
	}
	if e.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.def.Timeout)
		defer cancel()
	}

	query, err := renderTemplate(e.def.QueryTemplate, params)
	if err != nil {
		return nil, fmt.Errorf("agentrun: render query template: %w", err)
	}

	sessOpts := []chat.Option{
		chat.WithSystemPrompt(e.def.SystemPrompt),
		chat.WithTools(e.toolDefinitions()),
	}
	if e.tokenCallback != nil {
		sessOpts = append(sessOpts, chat.WithTokenCallback(e.tokenCallback))
	}
	sess := chat.NewSession(e.backend, e.sessionID, sessOpts...)

	state := &middleware.State{Values: map[string]any{}}
	if err := e.mw.Execute(ctx, middleware.StageBeforeAgent, state); err != nil {
		return nil, err
	}

	spanCtx, span := e.tracer.StartAgentSpan(ctx, e.sessionID, 0)
	result, reason, err := e.loop(spanCtx, sess, state, query)
	if result != nil {
		span.End(map[string]any{"agent.turns": result.Turns, "agent.terminate_reason": string(reason)}, err)
	} else {
		span.End(nil, err)
	}
	if err != nil {
		return nil, err
	}
	result.TerminateReason = reason

	if err := e.mw.Execute(ctx, middleware.StageAfterAgent, state); err != nil {
		return nil, err
	}
	return result, nil
}

const finalWarningText = "You have reached the turn limit for this task. " +
	"Call complete_task now with whatever partial result you have; " +
	"no further tool calls will be dispatched after this turn."

func (e *Executor) loop(ctx context.Context, sess *chat.Session, state *middleware.State, firstQuery string) (*Result, TerminateReason, error) {
	maxTurns := e.def.resolvedMaxTurns()
	if maxTurns == 0 {
		// An explicit max_turns of 0 terminates before any model call, not
		// even the final-warning turn step 4 otherwise runs.
		return &Result{Turns: 0}, TerminateMaxTurns, nil
	}

	first := true
	warned := false

	for turn := 0; ; turn++ {
		if err := ctx.Err(); err != nil {
			reason, _ := classifyTerminate(err)
			return &Result{Turns: turn}, reason, nil
		}

		if turn >= maxTurns {
			if warned {
				return &Result{Turns: turn}, TerminateMaxTurns, nil
			}
			warned = true
			sess.Append(message.Message{Role: "user", Content: finalWarningText})
			calls, err := e.runModelTurn(ctx, sess, state, nil, false)
			if err != nil {
				if reason, ok := classifyTerminate(err); ok {
					return &Result{Turns: turn}, reason, nil
				}
				return nil, "", err
			}
			if res := e.completeTaskCall(calls); res != nil {
				out, done, err := e.handleCompleteTask(sess, *res)
				if err != nil {
					return nil, "", err
				}
				if done {
					out.Turns = turn + 1
					return out, TerminateTaskComplete, nil
				}
			}
			return &Result{Turns: turn + 1}, TerminateMaxTurns, nil
		}

		var parts []message.ContentBlock
		if first {
			parts = []message.ContentBlock{{Type: message.ContentBlockText, Text: firstQuery}}
		}
		calls, err := e.runModelTurn(ctx, sess, state, parts, first)
		first = false
		if err != nil {
			if reason, ok := classifyTerminate(err); ok {
				return &Result{Turns: turn}, reason, nil
			}
			return nil, "", err
		}

		if res := e.completeTaskCall(calls); res != nil {
			out, done, err := e.handleCompleteTask(sess, *res)
			if err != nil {
				return nil, "", err
			}
			if done {
				out.Turns = turn + 1
				return out, TerminateTaskComplete, nil
			}
			continue
		}

		if err := e.dispatchBatch(ctx, sess, calls); err != nil {
			if reason, ok := classifyTerminate(err); ok {
				return &Result{Turns: turn + 1}, reason, nil
			}
			return nil, "", err
		}
	}
}

func (e *Executor) completeTaskCall(calls []message.ToolCall) *message.ToolCall {
	for i := range calls {
		if calls[i].Name == completeTaskTool {
			return &calls[i]
		}
	}
	return nil
}

// handleCompleteTask validates the complete_task call's arguments against
// the agent's output schema. An invalid result synthesizes an error
// FunctionResponse and signals the loop to keep going so the model can
// correct itself; a valid one returns the final Result.
func (e *Executor) handleCompleteTask(sess *chat.Session, call message.ToolCall) (*Result, bool, error) {
	if err := e.validator.Validate(call.Arguments, e.completeTaskSchema()); err != nil {
		sess.Append(message.Message{Role: "function", ToolCalls: []message.ToolCall{
			{ID: call.ID, Name: completeTaskTool, Result: fmt.Sprintf("Error: invalid result: %v", err)},
		}})
		return nil, false, nil
	}
	output, _ := call.Arguments["result"].(string)
	return &Result{Output: output, Raw: call.Arguments}, true, nil
}

// runModelTurn routes, fires BeforeModel/AfterModel, and sends (or
// continues) one model turn, returning the function calls it emitted.
func (e *Executor) runModelTurn(ctx context.Context, sess *chat.Session, state *middleware.State, parts []message.ContentBlock, isFirst bool) ([]message.ToolCall, error) {
	decision, err := e.route(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("agentrun: route model: %w", err)
	}
	sess.SetModelOverride(decision.Model)
	state.SetValue("route_decision", decision)

	if err := e.mw.Execute(ctx, middleware.StageBeforeModel, state); err != nil {
		return nil, err
	}

	spanCtx, span := e.tracer.StartModelSpan(ctx, decision.Model)

	var calls []message.ToolCall
	handler := func(ev chat.StreamEvent) error {
		if ev.Kind == chat.EventFunctionCall && ev.FunctionCall != nil {
			calls = append(calls, *ev.FunctionCall)
		}
		return nil
	}

	if isFirst {
		err = sess.Send(spanCtx, parts, handler)
	} else {
		err = sess.Continue(spanCtx, handler)
	}
	span.End(map[string]any{"model.tool_calls": len(calls)}, err)
	if err != nil {
		return nil, err
	}

	state.SetModelOutput(calls)
	if err := e.mw.Execute(ctx, middleware.StageAfterModel, state); err != nil {
		return nil, err
	}
	return calls, nil
}

func (e *Executor) route(ctx context.Context, sess *chat.Session) (*model.RouteDecision, error) {
	if e.router == nil {
		return &model.RouteDecision{Model: e.def.Model, Source: model.RouteSourceDefault}, nil
	}
	requested := e.def.Model
	if requested == "" {
		requested = model.AutoModel
	}
	return e.router.Route(ctx, model.RouterState{
		Degraded:         sess.Degraded(),
		RequestedModel:   requested,
		RecentCleanTurns: sess.RecentCleanTurns(4),
	})
}

// dispatchBatch validates every non-complete_task call against the
// allow-list and its own schema, dispatches the survivors to the Tool
// Scheduler as one batch, and appends a single function-role message
// holding every response — valid or synthesized — in the calls' original
// order, exactly as the Agent Executor's ordering guarantee requires.
func (e *Executor) dispatchBatch(ctx context.Context, sess *chat.Session, calls []message.ToolCall) error {
	type slot struct {
		id      string
		name    string
		output  string
		isError bool
	}

	slots := make([]slot, len(calls))
	var schedCalls []tool.Call
	var schedIdx []int

	for i, c := range calls {
		slots[i] = slot{id: c.ID, name: c.Name}
		if !e.allowed(c.Name) {
			slots[i].output = fmt.Sprintf("tool %q is not permitted for this agent", c.Name)
			slots[i].isError = true
			continue
		}
		t, err := e.registry.Get(c.Name)
		if err != nil {
			slots[i].output = err.Error()
			slots[i].isError = true
			continue
		}
		if schema := t.Schema(); schema != nil {
			if err := e.validator.Validate(c.Arguments, schema); err != nil {
				slots[i].output = err.Error()
				slots[i].isError = true
				continue
			}
		}
		schedCalls = append(schedCalls, tool.Call{ID: c.ID, Name: c.Name, Params: c.Arguments, SessionID: e.sessionID})
		schedIdx = append(schedIdx, i)
	}

	if len(schedCalls) > 0 {
		if e.scheduler == nil {
			return errors.New("agentrun: tool scheduler is nil but calls require dispatch")
		}
		batch, err := e.scheduler.RunBatch(ctx, schedCalls)
		if err != nil {
			return err
		}
		for j, br := range batch {
			i := schedIdx[j]
			switch {
			case br.Cancelled:
				slots[i].output = "cancelled"
				slots[i].isError = true
			case br.Err != nil:
				slots[i].output = br.Err.Error()
				slots[i].isError = true
			case br.Result != nil:
				out := br.Result.Output
				if br.Result.AdditionalContext != "" {
					out = strings.TrimRight(out, "\n") + "\n" + br.Result.AdditionalContext
				}
				slots[i].output = out
				slots[i].isError = !br.Result.Success
			}
		}
	}

	toolCalls := make([]message.ToolCall, len(slots))
	for i, s := range slots {
		out := s.output
		if s.isError {
			out = "Error: " + out
		}
		toolCalls[i] = message.ToolCall{ID: s.id, Name: s.name, Result: out}
	}
	sess.Append(message.Message{Role: "function", ToolCalls: toolCalls})
	return nil
}

func (e *Executor) allowed(name string) bool {
	for _, n := range e.def.ToolAllowlist {
		if n == name {
			return true
		}
	}
	return false
}

func (e *Executor) toolDefinitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(e.def.ToolAllowlist)+1)
	for _, name := range e.def.ToolAllowlist {
		t, err := e.registry.Get(name)
		if err != nil {
			continue
		}
		fs := tool.Descriptor(t)
		defs = append(defs, model.ToolDefinition{
			Name:        fs.Name,
			Description: fs.Description,
			Parameters:  schemaToParams(fs.Parameters),
		})
	}
	defs = append(defs, model.ToolDefinition{
		Name:        completeTaskTool,
		Description: "Signal that the task is finished and return its result.",
		Parameters:  schemaToParams(e.completeTaskSchema()),
	})
	return defs
}

func (e *Executor) completeTaskSchema() *tool.JSONSchema {
	resultSchema := e.def.OutputSchema
	if resultSchema == nil {
		resultSchema = &tool.JSONSchema{Type: "string"}
	}
	return &tool.JSONSchema{
		Type:       "object",
		Properties: map[string]interface{}{"result": resultSchema},
		Required:   []string{"result"},
	}
}

func schemaToParams(schema *tool.JSONSchema) map[string]interface{} {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func renderTemplate(text string, params map[string]any) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	tmpl, err := template.New("query").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// classifyTerminate maps an error from a model turn (or a cancelled
// context) onto the spec's non-success terminate reasons. ok is false when
// the error doesn't fit any of them and should propagate as a hard failure.
func classifyTerminate(err error) (TerminateReason, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) {
		return TerminateCancelled, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TerminateTimeout, true
	}
	if isQuotaExceeded(err) {
		return TerminateQuotaExceeded, true
	}
	return "", false
}

func isQuotaExceeded(err error) bool {
	var anthropicErr *anthropicsdk.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode == 429
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode == 429
	}
	return false
}

// Package session wires the Tool Registry, Policy Engine, Hook Executor,
// Tool Scheduler, Model Router, and sub-agent Manager into one reusable
// Engine: the construction glue a CLI or service entrypoint needs so it
// never has to assemble the Agent Executor's dependencies by hand.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/engine/pkg/agentrun"
	"github.com/agentcore/engine/pkg/events"
	"github.com/agentcore/engine/pkg/hooks"
	"github.com/agentcore/engine/pkg/middleware"
	"github.com/agentcore/engine/pkg/model"
	"github.com/agentcore/engine/pkg/policy"
	"github.com/agentcore/engine/pkg/prompt"
	"github.com/agentcore/engine/pkg/scheduler"
	"github.com/agentcore/engine/pkg/tool"
)

// Config controls the top-level agent an Engine drives: prompt assembly,
// turn/time budgets, and the shape of its final result.
type Config struct {
	// SystemPrompt overrides prompt assembly entirely when non-empty.
	SystemPrompt string
	// PromptOptions feeds the Prompt Builder when SystemPrompt is empty;
	// RegisteredTools is populated automatically from the Tool Registry.
	PromptOptions prompt.Options

	// MaxTurns is a pointer so an explicit 0 (terminate immediately with
	// max_turns) can be told apart from "unset" (the Agent Executor's own
	// default applies). Forwarded as-is to agentrun.Definition.MaxTurns.
	MaxTurns *int
	Timeout  time.Duration

	// OutputSchema shapes the "result" field complete_task must return;
	// nil accepts any string.
	OutputSchema *tool.JSONSchema
}

// Engine ties one model backend, one Tool Registry, and the supporting
// policy/hook/scheduling machinery into a runtime that Run drives a
// top-level conversation through. A single Engine is shared across however
// many conversations a host process serves; per-conversation state lives in
// the Chat Session the Agent Executor builds fresh on every Run call.
type Engine struct {
	cfg       Config
	backend   model.Model
	registry  *tool.Registry
	scheduler *scheduler.Scheduler
	router    *model.Router
	mw        *middleware.Chain
	bus       *events.Bus
	subMgr    *agentrun.Manager
	tokens    *Tracker
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithRouter installs the Model Router consulted once per turn. Without
// one, every turn runs against the backend's own default model.
func WithRouter(r *model.Router) Option {
	return func(e *Engine) { e.router = r }
}

// WithMiddleware installs the interception chain shared by the top-level
// agent and every sub-agent it dispatches (see agentrun.WithMiddleware for
// the stages the Agent Executor runs).
func WithMiddleware(mw *middleware.Chain) Option {
	return func(e *Engine) { e.mw = mw }
}

// WithEventBus lets SessionStart/SessionEnd/Stop lifecycle events reach
// subscribers beyond the Hook Executor (e.g. a CLI's own progress display).
func WithEventBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// New builds an Engine around backend and registry. policyEngine and
// hooksExec may both be nil: a nil policy engine makes the Scheduler allow
// every call (the Scheduler skips policy evaluation without one), and a nil
// hook executor simply runs no shell hooks. New registers the Task tool
// (sub-agent dispatch) into registry if it isn't already present.
func New(backend model.Model, registry *tool.Registry, cfg Config, policyEngine *policy.Engine, hooksExec *hooks.Executor, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("session: backend model is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("session: tool registry is nil")
	}

	e := &Engine{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		tokens:   NewTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}

	var schedOpts []scheduler.Option
	if policyEngine != nil {
		schedOpts = append(schedOpts, scheduler.WithPolicy(policyEngine))
	}
	if hooksExec != nil {
		schedOpts = append(schedOpts, scheduler.WithHooks(hooksExec))
	}
	e.scheduler = scheduler.New(registry, schedOpts...)

	subOpts := []agentrun.ManagerOption{agentrun.WithManagerTokenCallback(e.tokens.Observe)}
	if e.router != nil {
		subOpts = append(subOpts, agentrun.WithManagerRouter(e.router))
	}
	if e.mw != nil {
		subOpts = append(subOpts, agentrun.WithManagerMiddleware(e.mw))
	}
	e.subMgr = agentrun.NewManager(backend, registry, e.scheduler, agentrun.BuiltinSubagents(subagentSystemPrompt), subOpts...)

	taskTool := agentrun.NewTaskTool(e.subMgr)
	if _, err := registry.Get(taskTool.Name()); err != nil {
		if err := registry.Register(taskTool); err != nil {
			return nil, fmt.Errorf("session: register task tool: %w", err)
		}
	}

	return e, nil
}

// Tokens exposes the running token-usage tracker for the top-level agent
// and every sub-agent it has dispatched so far.
func (e *Engine) Tokens() *Tracker {
	return e.tokens
}

// Run drives one top-level task through the Agent Executor with the full
// set of registered tools, firing SessionStart before and SessionEnd after.
// sessionID is generated when empty.
func (e *Engine) Run(ctx context.Context, sessionID, task string) (*agentrun.Result, error) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}

	systemPrompt := e.cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		built, err := e.buildSystemPrompt()
		if err != nil {
			return nil, fmt.Errorf("session: build system prompt: %w", err)
		}
		systemPrompt = built
	}

	e.publish(events.Event{Type: events.SessionStart, SessionID: sessionID})
	defer e.publish(events.Event{Type: events.SessionEnd, SessionID: sessionID})

	def := agentrun.Definition{
		Name:          "main",
		SystemPrompt:  systemPrompt,
		QueryTemplate: "{{.task}}",
		ToolAllowlist: e.toolNames(),
		OutputSchema:  e.cfg.OutputSchema,
		MaxTurns:      e.cfg.MaxTurns,
		Timeout:       e.cfg.Timeout,
	}

	execOpts := []agentrun.Option{
		agentrun.WithSessionID(sessionID),
		agentrun.WithTokenCallback(e.tokens.Observe),
	}
	if e.router != nil {
		execOpts = append(execOpts, agentrun.WithRouter(e.router))
	}
	if e.mw != nil {
		execOpts = append(execOpts, agentrun.WithMiddleware(e.mw))
	}

	exec, err := agentrun.New(def, e.backend, e.registry, e.scheduler, execOpts...)
	if err != nil {
		return nil, err
	}

	res, err := exec.Run(ctx, map[string]any{"task": task})
	if err != nil {
		return nil, err
	}
	e.publish(events.Event{Type: events.Stop, SessionID: sessionID})
	return res, nil
}

func (e *Engine) toolNames() []string {
	tools := e.registry.List()
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	return names
}

func (e *Engine) buildSystemPrompt() (string, error) {
	opts := e.cfg.PromptOptions
	opts.RegisteredTools = e.toolNames()
	return prompt.New(prompt.OptionsFromEnv(opts)).Build()
}

func (e *Engine) publish(evt events.Event) {
	if e.bus == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()
	_ = e.bus.Publish(evt) //nolint:errcheck // a full subscriber queue should never abort the run
}

// subagentSystemPrompt supplies each builtin subagent type's system prompt.
// A fuller deployment would route these through the Prompt Builder with a
// role-specific Options variant; the three builtin roles are narrow enough
// that a fixed instruction per type is clearer than threading role-specific
// section toggles through Config.
func subagentSystemPrompt(t agentrun.SubagentType) string {
	switch t {
	case agentrun.SubagentExplore:
		return "You are a fast, read-only exploration agent. Locate the files, symbols, " +
			"and usages the task asks about; never modify anything. Report what you found concisely."
	case agentrun.SubagentPlan:
		return "You are a read-only planning agent. Propose a concrete, step-by-step approach " +
			"to the task; do not execute it yourself."
	default:
		return "You are a general-purpose agent. Research, read and write files, run commands, " +
			"and carry multi-step tasks through to completion."
	}
}

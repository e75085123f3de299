package agentrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/engine/pkg/chat"
	"github.com/agentcore/engine/pkg/middleware"
	"github.com/agentcore/engine/pkg/model"
	"github.com/agentcore/engine/pkg/scheduler"
	"github.com/agentcore/engine/pkg/telemetry"
	"github.com/agentcore/engine/pkg/tool"
)

// SubagentType names one of the builtin dispatch targets the Task tool can
// route a request to.
type SubagentType string

const (
	SubagentGeneralPurpose SubagentType = "general-purpose"
	SubagentExplore        SubagentType = "explore"
	SubagentPlan           SubagentType = "plan"
)

// TaskToolName is the name under which subagent dispatch is exposed to a
// top-level agent's tool registry.
const TaskToolName = "task"

// SubagentSpec pairs a Definition template with the metadata the Task
// tool's automatic target selection needs when the caller leaves
// subagent_type unset.
type SubagentSpec struct {
	Type        SubagentType
	Description string
	Definition  Definition

	// MatchKeywords scores this spec against the free-text task when the
	// caller doesn't name a type; the spec with the most keyword hits
	// wins, ties broken by the lower Priority value.
	MatchKeywords []string
	Priority      int
}

// BuiltinSubagents returns the three builtin subagent specs, each with its
// own restricted tool allow-list, model tier, and time budget. systemPromptFor
// supplies the rendered system prompt for a given type (normally built with
// the Prompt Builder, parameterized by subagent role).
func BuiltinSubagents(systemPromptFor func(SubagentType) string) []SubagentSpec {
	return []SubagentSpec{
		{
			Type:        SubagentGeneralPurpose,
			Description: "General-purpose agent for researching complex questions, searching code, and carrying out multi-step tasks that read and write files.",
			Definition: Definition{
				Name:          string(SubagentGeneralPurpose),
				SystemPrompt:  systemPromptFor(SubagentGeneralPurpose),
				QueryTemplate: "{{.task}}",
				Model:         "sonnet",
				ToolAllowlist: []string{"read", "write", "edit", "bash", "glob", "grep", "web_fetch"},
				MaxTurns:      intPtr(40),
				Timeout:       10 * time.Minute,
			},
			MatchKeywords: []string{"research", "investigate", "implement", "fix", "refactor"},
			Priority:      20,
		},
		{
			Type:        SubagentExplore,
			Description: "Fast, read-only agent for locating files, symbols, and usages without modifying anything.",
			Definition: Definition{
				Name:          string(SubagentExplore),
				SystemPrompt:  systemPromptFor(SubagentExplore),
				QueryTemplate: "{{.task}}",
				Model:         "haiku",
				ToolAllowlist: []string{"read", "glob", "grep"},
				MaxTurns:      intPtr(20),
				Timeout:       3 * time.Minute,
			},
			MatchKeywords: []string{"locate", "where is", "which file", "find", "list"},
			Priority:      10,
		},
		{
			Type:        SubagentPlan,
			Description: "Read-only planning agent that proposes a step-by-step approach without executing it.",
			Definition: Definition{
				Name:          string(SubagentPlan),
				SystemPrompt:  systemPromptFor(SubagentPlan),
				QueryTemplate: "{{.task}}",
				Model:         "sonnet",
				ToolAllowlist: []string{"read", "glob", "grep"},
				MaxTurns:      intPtr(15),
				Timeout:       5 * time.Minute,
			},
			MatchKeywords: []string{"plan", "approach", "design", "strategy"},
			Priority:      15,
		},
	}
}

func intPtr(v int) *int { return &v }

type dispatchKey struct{}

// WithTaskDispatch tags ctx as originating from the Task tool. Manager.Run
// refuses to start a subagent whose context wasn't tagged this way, so a
// subagent can never be reached except through the tool a model actually
// calls.
func WithTaskDispatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchKey{}, true)
}

func isTaskDispatch(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchKey{}).(bool)
	return v
}

// Manager resolves a subagent_type (or a free-text task) to a SubagentSpec
// and runs it through a nested Executor sharing the parent's registry,
// scheduler, router, and middleware chain.
type Manager struct {
	specs     map[SubagentType]SubagentSpec
	order     []SubagentType
	backend       model.Model
	registry      *tool.Registry
	scheduler     *scheduler.Scheduler
	router        *model.Router
	mw            *middleware.Chain
	tokenCallback chat.TokenCallback
	tracer        telemetry.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerRouter(r *model.Router) ManagerOption {
	return func(m *Manager) { m.router = r }
}

func WithManagerMiddleware(mw *middleware.Chain) ManagerOption {
	return func(m *Manager) { m.mw = mw }
}

// WithManagerTokenCallback forwards token usage from every nested subagent
// run to cb, tagged with that subagent's own session ID.
func WithManagerTokenCallback(cb chat.TokenCallback) ManagerOption {
	return func(m *Manager) { m.tokenCallback = cb }
}

// WithManagerTracer installs span instrumentation shared by every subagent
// Executor the Manager starts.
func WithManagerTracer(t telemetry.Tracer) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// NewManager builds a Manager over the given specs. Specs sharing a Type
// overwrite earlier ones, letting a caller replace a builtin definition.
func NewManager(backend model.Model, registry *tool.Registry, sched *scheduler.Scheduler, specs []SubagentSpec, opts ...ManagerOption) *Manager {
	m := &Manager{
		specs:     map[SubagentType]SubagentSpec{},
		backend:   backend,
		registry:  registry,
		scheduler: sched,
	}
	for _, s := range specs {
		if _, exists := m.specs[s.Type]; !exists {
			m.order = append(m.order, s.Type)
		}
		m.specs[s.Type] = s
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve picks a SubagentSpec: requestedType wins if non-empty and known,
// otherwise the spec scoring the most MatchKeywords hits against task wins,
// ties broken by the lowest Priority value.
func (m *Manager) Resolve(requestedType, task string) (SubagentSpec, error) {
	requestedType = strings.TrimSpace(requestedType)
	if requestedType != "" {
		spec, ok := m.specs[SubagentType(requestedType)]
		if !ok {
			return SubagentSpec{}, fmt.Errorf("subagents: unknown type %q", requestedType)
		}
		return spec, nil
	}

	lower := strings.ToLower(task)
	var best SubagentSpec
	bestScore := -1
	found := false
	for _, typ := range m.order {
		spec := m.specs[typ]
		score := 0
		for _, kw := range spec.MatchKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if !found || score > bestScore || (score == bestScore && spec.Priority < best.Priority) {
			best, bestScore, found = spec, score, true
		}
	}
	if !found {
		return SubagentSpec{}, fmt.Errorf("subagents: no subagent registered")
	}
	return best, nil
}

// Run starts a nested Executor for typ. ctx must carry the Task-tool
// dispatch tag (WithTaskDispatch); any other caller is rejected.
func (m *Manager) Run(ctx context.Context, typ SubagentType, params map[string]any) (*Result, error) {
	if !isTaskDispatch(ctx) {
		return nil, fmt.Errorf("subagents: %s must be invoked through the %s tool", typ, TaskToolName)
	}
	spec, ok := m.specs[typ]
	if !ok {
		return nil, fmt.Errorf("subagents: unknown type %q", typ)
	}

	opts := []Option{WithSessionID(fmt.Sprintf("%s-%s", spec.Type, uuid.NewString()))}
	if m.router != nil {
		opts = append(opts, WithRouter(m.router))
	}
	if m.mw != nil {
		opts = append(opts, WithMiddleware(m.mw))
	}
	if m.tokenCallback != nil {
		opts = append(opts, WithTokenCallback(m.tokenCallback))
	}
	if m.tracer != nil {
		opts = append(opts, WithTracer(m.tracer))
	}

	exec, err := New(spec.Definition, m.backend, m.registry, m.scheduler, opts...)
	if err != nil {
		return nil, err
	}
	return exec.Run(ctx, params)
}

// TaskTool dispatches a task to a subagent. It is the only sanctioned entry
// point into subagent execution — it tags the context Manager.Run checks
// for, so a subagent type can never be reached by a direct tool call.
type TaskTool struct {
	manager *Manager
}

// NewTaskTool wraps manager as a callable tool.
func NewTaskTool(manager *Manager) *TaskTool {
	return &TaskTool{manager: manager}
}

func (t *TaskTool) Name() string   { return TaskToolName }
func (t *TaskTool) Kind() tool.Kind { return tool.KindExecute }

func (t *TaskTool) Description() string {
	return "Dispatch a task to a specialized subagent (general-purpose, explore, or plan) " +
		"and return its result. Use this for self-contained, read-heavy or multi-step work " +
		"that would otherwise burn many turns of the parent conversation."
}

func (t *TaskTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"subagent_type": map[string]interface{}{
				"type":        "string",
				"description": "general-purpose, explore, or plan; omit to let the dispatcher choose.",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "a short (3-5 word) summary of the task, for logs.",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "the full task for the subagent to carry out.",
			},
		},
		Required: []string{"task"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	task, _ := params["task"].(string)
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task tool: %q is required", "task")
	}
	requestedType, _ := params["subagent_type"].(string)

	spec, err := t.manager.Resolve(requestedType, task)
	if err != nil {
		return nil, err
	}

	res, err := t.manager.Run(WithTaskDispatch(ctx), spec.Type, map[string]any{"task": task})
	if err != nil {
		return nil, fmt.Errorf("subagent %s: %w", spec.Type, err)
	}

	return &tool.ToolResult{
		Success: res.TerminateReason == TerminateTaskComplete,
		Output:  res.Output,
		Data:    res.Raw,
	}, nil
}

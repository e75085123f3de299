// Package hooks implements the Hook Registry, Planner, and Executor: shell
// commands bound to lifecycle events, invoked with a JSON envelope on stdin
// and classified by exit code into allow / blocking-error / non-blocking.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/engine/pkg/events"
)

const (
	defaultCommandTimeout = 600 * time.Second
	defaultHookTimeout    = defaultCommandTimeout
)

// Decision captures the permission outcome encoded in a hook's exit code:
// 0 = allow (parse JSON stdout), 2 = blocking error (stderr is the message),
// anything else = non-blocking (log stderr, continue).
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionBlockingError
	DecisionNonBlocking
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionBlockingError:
		return "blocking_error"
	default:
		return "non_blocking"
	}
}

// HookOutput is the structured JSON a hook may emit on stdout on exit 0.
type HookOutput struct {
	Continue      *bool  `json:"continue,omitempty"`
	StopReason    string `json:"stopReason,omitempty"`
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SystemMessage string `json:"systemMessage,omitempty"`

	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries event-specific fields from a hook's JSON output.
type HookSpecificOutput struct {
	HookEventName string `json:"hookEventName,omitempty"`

	PermissionDecision       string         `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string         `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             map[string]any `json:"updatedInput,omitempty"`
	AdditionalContext        string         `json:"additionalContext,omitempty"`
}

// Result captures the full outcome of running one shell hook.
type Result struct {
	Event    events.Event
	Decision Decision
	ExitCode int
	Output   *HookOutput
	Stdout   string
	Stderr   string
}

// Selector filters hooks by matcher target and/or a payload regex, falling
// back to a literal-string comparison when the matcher text isn't valid
// regex (so a plain tool name still matches itself).
type Selector struct {
	ToolName *regexp.Regexp
	Pattern  *regexp.Regexp
}

// NewSelector compiles the optional matcher and payload patterns. Empty
// strings are wildcards.
func NewSelector(toolPattern, payloadPattern string) (Selector, error) {
	sel := Selector{}
	if strings.TrimSpace(toolPattern) != "" {
		re, err := compileMatcher(toolPattern)
		if err != nil {
			return sel, fmt.Errorf("hooks: compile tool matcher: %w", err)
		}
		sel.ToolName = re
	}
	if strings.TrimSpace(payloadPattern) != "" {
		re, err := regexp.Compile(payloadPattern)
		if err != nil {
			return sel, fmt.Errorf("hooks: compile payload matcher: %w", err)
		}
		sel.Pattern = re
	}
	return sel, nil
}

// compileMatcher compiles pattern as regex, falling back to its literal
// quoted form when it isn't valid regex syntax — a bare tool name like
// "Bash" should match itself even though it parses fine as a (trivial)
// regex, and a glob-ish string that fails to compile shouldn't error out.
func compileMatcher(pattern string) (*regexp.Regexp, error) {
	if re, err := regexp.Compile(pattern); err == nil {
		return re, nil
	}
	return regexp.Compile(regexp.QuoteMeta(pattern))
}

// Match returns true when the event satisfies every configured selector.
func (s Selector) Match(evt events.Event) bool {
	if s.ToolName != nil {
		target := extractMatcherTarget(evt.Type, evt.Payload)
		if target == "" || !s.ToolName.MatchString(target) {
			return false
		}
	}
	if s.Pattern != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return false
		}
		if !s.Pattern.Match(payload) {
			return false
		}
	}
	return true
}

// ShellHook describes a single shell command bound to an event type.
type ShellHook struct {
	Event         events.Type
	Command       string
	Selector      Selector
	Timeout       time.Duration
	Env           map[string]string
	Name          string
	Async         bool
	Once          bool
	StatusMessage string
}

// Executor runs shell hooks, feeding each a JSON payload on stdin and
// classifying the outcome by exit code.
type Executor struct {
	hooks   []ShellHook
	hooksMu sync.RWMutex

	mw      []Middleware
	timeout time.Duration
	errFn   func(events.Type, error)
	workDir string

	defaultCommand string

	onceTracker sync.Map // "sessionID:hookName" -> struct{}
}

// Middleware wraps the execution of a matched event batch, e.g. for tracing
// or metrics. It must call next to continue the chain.
type Middleware func(next func(context.Context, events.Event) error) func(context.Context, events.Event) error

// ExecutorOption configures optional Executor behavior.
type ExecutorOption func(*Executor)

func WithMiddleware(mw ...Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = append(e.mw, mw...) }
}

func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

func WithErrorHandler(fn func(events.Type, error)) ExecutorOption {
	return func(e *Executor) { e.errFn = fn }
}

func WithCommand(cmd string) ExecutorOption {
	return func(e *Executor) { e.defaultCommand = strings.TrimSpace(cmd) }
}

func WithWorkDir(dir string) ExecutorOption {
	return func(e *Executor) { e.workDir = dir }
}

// NewExecutor constructs a shell-based hook executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	exe := &Executor{timeout: defaultHookTimeout, errFn: func(events.Type, error) {}}
	for _, opt := range opts {
		opt(exe)
	}
	if exe.timeout <= 0 {
		exe.timeout = defaultHookTimeout
	}
	return exe
}

// Register adds shell hooks, matched by event type and selector.
func (e *Executor) Register(hooks ...ShellHook) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, hooks...)
}

// Publish executes matching hooks for evt using a background context,
// discarding results — used by fire-and-forget callers.
func (e *Executor) Publish(evt events.Event) error {
	_, err := e.Execute(context.Background(), evt)
	return err
}

// Execute runs every hook matching evt and returns their results in
// registration order.
func (e *Executor) Execute(ctx context.Context, evt events.Event) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateEvent(evt.Type); err != nil {
		return nil, err
	}

	var results []Result
	handler := chainMiddleware(func(c context.Context, ev events.Event) error {
		var err error
		results, err = e.runHooks(c, ev)
		return err
	}, e.mw...)

	if err := handler(ctx, evt); err != nil {
		e.report(evt.Type, err)
		return nil, err
	}
	return results, nil
}

func chainMiddleware(h func(context.Context, events.Event) error, mws ...Middleware) func(context.Context, events.Event) error {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (e *Executor) runHooks(ctx context.Context, evt events.Event) ([]Result, error) {
	matched := e.matchingHooks(evt)
	if len(matched) == 0 {
		return nil, nil
	}

	payload, err := buildPayload(evt)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(matched))
	for _, hook := range matched {
		if hook.Once {
			onceKey := hook.Name
			if onceKey == "" {
				onceKey = hook.Command
			}
			if onceKey != "" {
				key := evt.SessionID + ":" + onceKey
				if _, loaded := e.onceTracker.LoadOrStore(key, struct{}{}); loaded {
					continue
				}
			}
		}

		if hook.Async {
			go func(h ShellHook, p []byte, ev events.Event) {
				if _, err := e.executeHook(context.Background(), h, p, ev); err != nil {
					e.report(ev.Type, err)
				}
			}(hook, payload, evt)
			continue
		}

		res, err := e.executeHook(ctx, hook, payload, evt)
		if err != nil {
			e.report(evt.Type, err)
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) matchingHooks(evt events.Event) []ShellHook {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()

	var matches []ShellHook
	for _, hook := range e.hooks {
		if hook.Event != evt.Type {
			continue
		}
		if hook.Selector.Match(evt) {
			matches = append(matches, hook)
		}
	}

	if len(matches) == 0 && strings.TrimSpace(e.defaultCommand) != "" {
		matches = append(matches, ShellHook{Event: evt.Type, Command: e.defaultCommand})
	}
	return matches
}

func (e *Executor) executeHook(ctx context.Context, hook ShellHook, payload []byte, evt events.Event) (Result, error) {
	var res Result
	res.Event = evt

	cmdStr := strings.TrimSpace(hook.Command)
	if cmdStr == "" {
		cmdStr = e.defaultCommand
	}
	if cmdStr == "" {
		return res, errors.New("hooks: missing command")
	}

	deadline := effectiveTimeout(hook.Timeout, e.timeout)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", cmdStr)
	cmd.Env = mergeEnv(os.Environ(), hook.Env)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(payload)

	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return res, fmt.Errorf("hooks: command timed out after %s: %s", deadline, errStr)
	}

	decision, exitCode := classifyExit(err)
	res.Decision = decision
	res.ExitCode = exitCode
	res.Stdout = outStr
	res.Stderr = errStr

	switch decision {
	case DecisionAllow:
		if trimmed := strings.TrimSpace(outStr); trimmed != "" {
			output, parseErr := decodeHookOutput(trimmed)
			if parseErr != nil {
				return res, parseErr
			}
			res.Output = output
		}
	case DecisionBlockingError:
		return res, fmt.Errorf("hooks: blocking error: %s", errStr)
	case DecisionNonBlocking:
		if errStr != "" {
			e.report(evt.Type, fmt.Errorf("hooks: non-blocking (exit %d): %s", exitCode, errStr))
		}
	}

	return res, nil
}

func effectiveTimeout(hookTimeout, defaultTimeout time.Duration) time.Duration {
	if hookTimeout > 0 {
		return hookTimeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return defaultHookTimeout
}

func classifyExit(runErr error) (Decision, int) {
	if runErr == nil {
		return DecisionAllow, 0
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		switch code {
		case 0:
			return DecisionAllow, code
		case 2:
			return DecisionBlockingError, code
		default:
			return DecisionNonBlocking, code
		}
	}
	return DecisionBlockingError, -1
}

func decodeHookOutput(out string) (*HookOutput, error) {
	var parsed HookOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("hooks: decode hook output: %w", err)
	}
	return &parsed, nil
}

func buildPayload(evt events.Event) ([]byte, error) {
	envelope := map[string]any{
		"hook_event_name": evt.Type,
	}
	if evt.SessionID != "" {
		envelope["session_id"] = evt.SessionID
	}

	switch p := evt.Payload.(type) {
	case events.ToolUsePayload:
		envelope["tool_name"] = p.Name
		envelope["tool_input"] = p.Params
		if p.ToolUseID != "" {
			envelope["tool_use_id"] = p.ToolUseID
		}
	case events.ToolResultPayload:
		envelope["tool_name"] = p.Name
		if p.Params != nil {
			envelope["tool_input"] = p.Params
		}
		if p.ToolUseID != "" {
			envelope["tool_use_id"] = p.ToolUseID
		}
		if p.Result != nil {
			envelope["tool_result"] = p.Result
		}
		if p.Duration > 0 {
			envelope["duration_ms"] = p.Duration.Milliseconds()
		}
		if p.Err != nil {
			envelope["error"] = p.Err.Error()
			envelope["is_error"] = true
		}
	case events.PreCompactPayload:
		envelope["trigger"] = p.Trigger
		if p.CustomInstructions != "" {
			envelope["custom_instructions"] = p.CustomInstructions
		}
		envelope["estimated_tokens"] = p.EstimatedTokens
		envelope["token_limit"] = p.TokenLimit
		envelope["threshold"] = p.Threshold
		envelope["preserve_count"] = p.PreserveCount
	case events.ContextCompactedPayload:
		envelope["summary"] = p.Summary
		envelope["original_messages"] = p.OriginalMessages
		envelope["preserved_messages"] = p.PreservedMessages
		envelope["estimated_tokens_before"] = p.EstimatedTokensBefore
		envelope["estimated_tokens_after"] = p.EstimatedTokensAfter
	case events.SubagentStartPayload:
		envelope["agent_name"] = p.Name
		if p.AgentID != "" {
			envelope["agent_id"] = p.AgentID
		}
		if p.AgentType != "" {
			envelope["agent_type"] = p.AgentType
		}
		if p.Metadata != nil {
			envelope["metadata"] = p.Metadata
		}
	case events.SubagentStopPayload:
		envelope["agent_name"] = p.Name
		if p.Reason != "" {
			envelope["reason"] = p.Reason
		}
		if p.AgentID != "" {
			envelope["agent_id"] = p.AgentID
		}
		if p.AgentType != "" {
			envelope["agent_type"] = p.AgentType
		}
		if p.TranscriptPath != "" {
			envelope["transcript_path"] = p.TranscriptPath
		}
		envelope["stop_hook_active"] = p.StopHookActive
	case events.PermissionRequestPayload:
		envelope["tool_name"] = p.ToolName
		if p.ToolParams != nil {
			envelope["tool_input"] = p.ToolParams
		}
		if p.Reason != "" {
			envelope["reason"] = p.Reason
		}
	case events.SessionStartPayload:
		if p.SessionID != "" {
			envelope["session_id"] = p.SessionID
		}
		if p.Source != "" {
			envelope["source"] = p.Source
		}
		if p.Model != "" {
			envelope["model"] = p.Model
		}
		if p.AgentType != "" {
			envelope["agent_type"] = p.AgentType
		}
		if p.Metadata != nil {
			envelope["metadata"] = p.Metadata
		}
	case events.SessionEndPayload:
		if p.SessionID != "" {
			envelope["session_id"] = p.SessionID
		}
		if p.Reason != "" {
			envelope["reason"] = p.Reason
		}
		if p.Metadata != nil {
			envelope["metadata"] = p.Metadata
		}
	case events.NotificationPayload:
		if p.Title != "" {
			envelope["title"] = p.Title
		}
		envelope["message"] = p.Message
		if p.NotificationType != "" {
			envelope["notification_type"] = p.NotificationType
		}
		if p.Meta != nil {
			envelope["metadata"] = p.Meta
		}
	case events.UserPromptPayload:
		envelope["user_prompt"] = p.Prompt
	case events.StopPayload:
		if p.Reason != "" {
			envelope["reason"] = p.Reason
		}
		envelope["stop_hook_active"] = p.StopHookActive
	case events.ModelSelectedPayload:
		envelope["tool_name"] = p.ToolName
		envelope["model_tier"] = p.ModelTier
		if p.Reason != "" {
			envelope["reason"] = p.Reason
		}
	case nil:
		// allowed
	default:
		return nil, fmt.Errorf("hooks: unsupported payload type %T", evt.Payload)
	}

	if cwd, err := os.Getwd(); err == nil {
		envelope["cwd"] = cwd
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("hooks: marshal payload: %w", err)
	}
	return data, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// extractMatcherTarget returns the string to match against a hook's
// selector, derived per event type: tool name for tool/permission events,
// source/reason for session lifecycle, notification_type, compaction
// trigger, and subagent type (falling back to name). UserPromptSubmit and
// Stop have no matcher target: hooks without a matcher match them, and a
// hook with a matcher never does.
func extractMatcherTarget(eventType events.Type, payload any) string {
	switch eventType {
	case events.PreToolUse:
		if p, ok := payload.(events.ToolUsePayload); ok {
			return p.Name
		}
	case events.PostToolUse, events.PostToolUseFailure:
		if p, ok := payload.(events.ToolResultPayload); ok {
			return p.Name
		}
	case events.PermissionRequest:
		if p, ok := payload.(events.PermissionRequestPayload); ok {
			return p.ToolName
		}
	case events.SessionStart:
		if p, ok := payload.(events.SessionStartPayload); ok {
			return p.Source
		}
	case events.SessionEnd:
		if p, ok := payload.(events.SessionEndPayload); ok {
			return p.Reason
		}
	case events.Notification:
		if p, ok := payload.(events.NotificationPayload); ok {
			return p.NotificationType
		}
	case events.PreCompact:
		if p, ok := payload.(events.PreCompactPayload); ok {
			return p.Trigger
		}
	case events.SubagentStart:
		if p, ok := payload.(events.SubagentStartPayload); ok {
			if p.AgentType != "" {
				return p.AgentType
			}
			return p.Name
		}
	case events.SubagentStop:
		if p, ok := payload.(events.SubagentStopPayload); ok {
			if p.AgentType != "" {
				return p.AgentType
			}
			return p.Name
		}
	case events.UserPromptSubmit, events.Stop:
		return ""
	}
	return ""
}

func validateEvent(t events.Type) error {
	switch t {
	case events.PreToolUse, events.PostToolUse, events.PostToolUseFailure, events.PreCompact, events.ContextCompacted,
		events.Notification, events.UserPromptSubmit,
		events.SessionStart, events.SessionEnd, events.Stop, events.TokenUsage,
		events.SubagentStart, events.SubagentStop,
		events.PermissionRequest, events.ModelSelected:
		return nil
	default:
		return fmt.Errorf("hooks: unsupported event %s", t)
	}
}

func (e *Executor) report(t events.Type, err error) {
	if e.errFn != nil && err != nil {
		e.errFn(t, err)
	}
}

// Close releases executor resources. Shell hooks hold nothing beyond the
// hook list itself, so this only exists to give Executor a symmetric
// lifecycle with other session components.
func (e *Executor) Close() error {
	return nil
}

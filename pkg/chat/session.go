// Package chat implements the Chat Session: bounded conversation history,
// streaming request/response against a model backend, and optional
// structured-snapshot compression when history grows past a configured
// fraction of the backend's context window.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"

	"github.com/agentcore/engine/pkg/message"
	"github.com/agentcore/engine/pkg/model"
)

// EventKind distinguishes the two shapes a streamed turn can emit.
type EventKind string

const (
	EventTextDelta    EventKind = "text_delta"
	EventFunctionCall EventKind = "function_call"
)

// StreamEvent is one item in the async stream send() produces. A function
// call is only ever surfaced whole, never partially.
type StreamEvent struct {
	Kind         EventKind
	TextDelta    string
	FunctionCall *message.ToolCall
}

// StreamHandler receives stream events as they arrive. Returning an error
// aborts the in-flight send.
type StreamHandler func(StreamEvent) error

// RetryPolicy controls the retry loop wrapped around a whole send, not
// around individual stream chunks.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts  int
}

// DefaultRetryPolicy matches the contract: 5s initial delay doubled up to a
// 30s cap, ±30% jitter, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 5 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.3,
		MaxAttempts:  3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter <= 0 {
		p.Jitter = d.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// CompactSnapshot is the structured summary a compression pass must
// produce: overall goal, key knowledge, file-system state, recent actions,
// and the current plan.
type CompactSnapshot struct {
	Goal          string   `json:"goal"`
	KeyKnowledge  []string `json:"key_knowledge"`
	FileState     []string `json:"file_state"`
	RecentActions []string `json:"recent_actions"`
	Plan          string   `json:"plan"`
}

// Rendered flattens the snapshot into the single system message that
// replaces the compacted turns.
func (s CompactSnapshot) Rendered() string {
	var b strings.Builder
	b.WriteString("Conversation summary (history compacted):\n")
	fmt.Fprintf(&b, "Goal: %s\n", orNone(s.Goal))
	b.WriteString("Key knowledge:\n")
	writeBullets(&b, s.KeyKnowledge)
	b.WriteString("File-system state:\n")
	writeBullets(&b, s.FileState)
	b.WriteString("Recent actions:\n")
	writeBullets(&b, s.RecentActions)
	fmt.Fprintf(&b, "Current plan: %s\n", orNone(s.Plan))
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func writeBullets(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

// CompactConfig controls automatic compression triggering.
type CompactConfig struct {
	Enabled       bool
	Threshold     float64 // trigger ratio of ContextWindow, default 0.7
	ContextWindow int     // default 200000
	PreserveCount int     // keep newest N messages verbatim, default 5
	SummaryModel  string
	MaxRetries    int
	RetryDelay    time.Duration
}

const (
	defaultCompactThreshold = 0.7
	defaultCompactPreserve  = 5
	defaultContextWindow    = 200000
	summaryMaxTokens        = 1024
)

func (c CompactConfig) withDefaults() CompactConfig {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = defaultCompactThreshold
	}
	if c.PreserveCount <= 0 {
		c.PreserveCount = defaultCompactPreserve
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

var errNothingToCompact = errors.New("chat: nothing to compact")

// TokenEstimate is handed to a PreCompact hook so it can veto compression.
type TokenEstimate struct {
	EstimatedTokens int
	ContextWindow   int
	Threshold       float64
	PreserveCount   int
}

// CompactResult describes what a completed compression did.
type CompactResult struct {
	Snapshot          CompactSnapshot
	OriginalMessages  int
	PreservedMessages int
	TokensBefore      int
	TokensAfter       int
}

// CompactHooks lets a caller observe (and veto) compression boundaries
// without this package depending on the hook subsystem.
type CompactHooks struct {
	// PreCompact runs before a compression pass commits. Returning false,
	// nil aborts the compaction without error.
	PreCompact func(ctx context.Context, est TokenEstimate) (bool, error)
	// PostCompact runs after a successful compression.
	PostCompact func(result CompactResult)
}

// TokenCallback observes token usage after each completed turn. It should
// be lightweight; spawn a goroutine internally for anything slow.
type TokenCallback func(stats TokenUsageStats)

// TokenUsageStats mirrors a single backend call's usage metadata.
type TokenUsageStats struct {
	SessionID           string
	Model               string
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
	Timestamp           time.Time
}

// Session holds one conversation's immutable-by-convention history and
// drives streaming requests to a model backend. All mutating operations are
// serialized through mu so append/compress/send never interleave.
type Session struct {
	mu sync.Mutex

	backend   model.Model
	history   *message.History
	system    string
	sessionID string

	retry   RetryPolicy
	compact CompactConfig
	hooks   CompactHooks

	tokenCallback TokenCallback
	trimmer       *message.Trimmer
	degraded      bool
	tools         []model.ToolDefinition
	modelOverride string
}

// Option configures a Session at construction time.
type Option func(*Session)

func WithSystemPrompt(prompt string) Option {
	return func(s *Session) { s.system = prompt }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Session) { s.retry = p.withDefaults() }
}

func WithCompaction(cfg CompactConfig) Option {
	return func(s *Session) { s.compact = cfg.withDefaults() }
}

func WithCompactHooks(h CompactHooks) Option {
	return func(s *Session) { s.hooks = h }
}

func WithTokenCallback(cb TokenCallback) Option {
	return func(s *Session) { s.tokenCallback = cb }
}

// WithTools declares the function definitions offered to the model on every
// Send call. The Agent Executor rebuilds a Session per run with the
// allow-listed subset of the Tool Registry plus complete_task, so the set is
// fixed for the Session's lifetime rather than varying per call.
func WithTools(tools []model.ToolDefinition) Option {
	return func(s *Session) { s.tools = tools }
}

// WithTrimmer bounds how much history is sent to the backend on each turn.
// The full history is still retained and returned by History()/compressed
// by Compress(); only the outbound request is trimmed.
func WithTrimmer(trimmer *message.Trimmer) Option {
	return func(s *Session) { s.trimmer = trimmer }
}

// NewSession builds a Session around a backend. sessionID is used only for
// token-usage attribution and rollout-style logging by callers.
func NewSession(backend model.Model, sessionID string, opts ...Option) *Session {
	s := &Session{
		backend:       backend,
		history:       message.NewHistory(),
		sessionID:     sessionID,
		retry:         DefaultRetryPolicy(),
		compact:       CompactConfig{}.withDefaults(),
		modelOverride: "auto",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns a defensive snapshot of the conversation so far.
func (s *Session) History() []message.Message {
	return s.history.All()
}

// Clear discards all history.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset()
}

// Append records a message (model output or a synthesized function
// response) without issuing a request.
func (s *Session) Append(msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Append(msg)
}

// SetDegraded flags the session as running in a degraded condition (e.g.
// quota exhaustion observed upstream). The Model Router's FallbackStrategy
// consults this via RouterState.Degraded.
func (s *Session) SetDegraded(degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = degraded
}

// Degraded reports the current degraded flag.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// SetModelOverride pins the model identifier used by the next and every
// subsequent Send call, until changed again. The Agent Executor calls this
// once per turn after consulting the Model Router, since the request itself
// carries no routing logic of its own.
func (s *Session) SetModelOverride(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(modelID) == "" {
		modelID = "auto"
	}
	s.modelOverride = modelID
}

// RecentCleanTurns returns the last n messages with function calls and
// function-role responses filtered out, oldest first, for use as
// model.RouterState.RecentCleanTurns. n <= 0 returns every clean turn.
func (s *Session) RecentCleanTurns(n int) []model.Turn {
	s.mu.Lock()
	all := s.history.All()
	s.mu.Unlock()

	clean := make([]model.Turn, 0, len(all))
	for _, m := range all {
		if m.Role == "function" || m.Role == "tool" || len(m.ToolCalls) > 0 {
			continue
		}
		text := m.Content
		if text == "" {
			continue
		}
		clean = append(clean, model.Turn{Role: m.Role, Text: text})
	}
	if n > 0 && len(clean) > n {
		clean = clean[len(clean)-n:]
	}
	return clean
}

// Send appends a user turn built from parts, issues a streaming request
// against the backend under the retry policy, and relays text deltas and
// finalized function calls to handler. The resulting assistant message
// (text plus any tool calls) is appended to history before Send returns.
func (s *Session) Send(ctx context.Context, parts []message.ContentBlock, handler StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	userMsg := message.Message{Role: "user", ContentBlocks: parts}
	for _, p := range parts {
		if p.Type == message.ContentBlockText {
			if userMsg.Content != "" {
				userMsg.Content += "\n"
			}
			userMsg.Content += p.Text
		}
	}
	s.history.Append(userMsg)

	return s.generate(ctx, handler)
}

// Continue issues a streaming request against whatever history already
// holds — no new user turn is appended first. The Agent Executor uses this
// to feed a function-role message (tool results) back to the model without
// it being mistaken for a fresh user turn.
func (s *Session) Continue(ctx context.Context, handler StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return s.generate(ctx, handler)
}

func (s *Session) generate(ctx context.Context, handler StreamHandler) error {
	outbound := s.history.All()
	if s.trimmer != nil {
		outbound = s.trimmer.Trim(outbound)
	}

	// "auto" is the router sentinel, not a model name; an empty Model makes
	// the backend use its own default.
	reqModel := s.modelOverride
	if strings.EqualFold(reqModel, "auto") {
		reqModel = ""
	}

	req := model.Request{
		Model:             reqModel,
		Messages:          toModelMessages(outbound),
		Tools:             s.tools,
		System:            s.system,
		EnablePromptCache: true,
	}

	var textBuilder strings.Builder
	var toolCalls []message.ToolCall
	var finalResp *model.Response

	streamCB := func(sr model.StreamResult) error {
		if sr.Delta != "" {
			textBuilder.WriteString(sr.Delta)
			if err := handler(StreamEvent{Kind: EventTextDelta, TextDelta: sr.Delta}); err != nil {
				return err
			}
		}
		if sr.ToolCall != nil {
			tc := message.ToolCall{ID: sr.ToolCall.ID, Name: sr.ToolCall.Name, Arguments: sr.ToolCall.Arguments}
			toolCalls = append(toolCalls, tc)
			if err := handler(StreamEvent{Kind: EventFunctionCall, FunctionCall: &tc}); err != nil {
				return err
			}
		}
		if sr.Final {
			finalResp = sr.Response
		}
		return nil
	}

	if err := s.sendWithRetry(ctx, req, streamCB); err != nil {
		// The user turn stays in history; nothing to roll back, matching
		// the contract that history is append-only outside of compress/clear.
		return err
	}

	assistant := message.Message{
		Role:      "model",
		Content:   textBuilder.String(),
		ToolCalls: toolCalls,
	}
	if finalResp != nil {
		assistant.Content = finalResp.Message.TextContent()
		if assistant.Content == "" {
			assistant.Content = textBuilder.String()
		}
	}
	s.history.Append(assistant)

	if finalResp != nil && s.tokenCallback != nil {
		s.tokenCallback(TokenUsageStats{
			SessionID:           s.sessionID,
			Model:               req.Model,
			InputTokens:         finalResp.Usage.InputTokens,
			OutputTokens:        finalResp.Usage.OutputTokens,
			TotalTokens:         finalResp.Usage.TotalTokens,
			CacheCreationTokens: finalResp.Usage.CacheCreationTokens,
			CacheReadTokens:     finalResp.Usage.CacheReadTokens,
			Timestamp:           time.Now().UTC(),
		})
	}

	return nil
}

func toModelMessages(msgs []message.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.Message{
			Role:             m.Role,
			Content:          m.Content,
			ContentBlocks:    toModelContentBlocks(m.ContentBlocks),
			ToolCalls:        toModelToolCalls(m.ToolCalls),
			ReasoningContent: m.ReasoningContent,
		})
	}
	return out
}

func toModelContentBlocks(blocks []message.ContentBlock) []model.ContentBlock {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]model.ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = model.ContentBlock{
			Type:      model.ContentBlockKind(b.Type),
			Text:      b.Text,
			MediaType: b.MediaType,
			Data:      b.Data,
			URL:       b.URL,
		}
	}
	return out
}

func toModelToolCalls(calls []message.ToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = model.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments, Result: c.Result}
	}
	return out
}

// sendWithRetry wraps one streaming call in the session's retry policy.
// Non-retryable errors (bad request, auth, a pre-cancelled context) abort
// immediately; network failures and 429/5xx responses are retried with
// exponential backoff and jitter up to MaxAttempts.
func (s *Session) sendWithRetry(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	policy := s.retry.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = policy.Jitter

	operation := func() (struct{}, error) {
		err := s.backend.CompleteStream(ctx, req, cb)
		if err == nil {
			return struct{}{}, nil
		}
		if !isRetryableTransportError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	return err
}

func isRetryableTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var anthropicErr *anthropicsdk.Error
	if errors.As(err, &anthropicErr) {
		return isRetryableStatus(anthropicErr.StatusCode)
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return isRetryableStatus(openaiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

func isRetryableStatus(code int) bool {
	if code == http.StatusBadRequest {
		return false
	}
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RouteSource identifies which strategy in the chain produced a RouteDecision.
type RouteSource string

const (
	RouteSourceFallback   RouteSource = "fallback"
	RouteSourceOverride   RouteSource = "override"
	RouteSourceClassifier RouteSource = "classifier"
	RouteSourceDefault    RouteSource = "default"
)

// AutoModel is the sentinel requested-model value meaning "let the router decide".
const AutoModel = "auto"

// RouteDecision is the outcome of routing one turn.
type RouteDecision struct {
	Model     string
	Source    RouteSource
	Latency   time.Duration
	Reasoning string
}

// Turn is a minimal, provider-agnostic conversational turn used as input to
// the classifier strategy. Callers are responsible for filtering function
// calls/responses out before constructing these — the classifier only ever
// sees clean user/model text.
type Turn struct {
	Role string
	Text string
}

// RouterState carries everything a strategy in the chain needs to decide,
// or to pass to the next strategy.
type RouterState struct {
	// Degraded is set when the chat session has flagged quota exhaustion or
	// another degraded-mode condition upstream.
	Degraded bool
	// RequestedModel is the user's explicit model choice for this turn, or
	// AutoModel (or empty) if the user left it to the router.
	RequestedModel string
	// RecentCleanTurns is the last few turns of conversation with function
	// calls/responses filtered out, oldest first.
	RecentCleanTurns []Turn
}

// Strategy is one link in the Model Router's chain. It returns a decision,
// or nil to pass control to the next strategy.
type Strategy interface {
	Evaluate(ctx context.Context, state RouterState) (*RouteDecision, error)
}

// Router evaluates a fixed, ordered chain of strategies once per turn and
// returns the first decision produced. The chain is expected to terminate:
// the last strategy should never pass.
type Router struct {
	strategies []Strategy
}

// NewRouter builds a Router from a strategy chain, evaluated in order.
func NewRouter(strategies ...Strategy) *Router {
	return &Router{strategies: strategies}
}

// Route runs the chain and returns the winning decision, timing how long
// the winning strategy itself took to decide.
func (r *Router) Route(ctx context.Context, state RouterState) (*RouteDecision, error) {
	for _, strategy := range r.strategies {
		start := time.Now()
		decision, err := strategy.Evaluate(ctx, state)
		if err != nil {
			return nil, err
		}
		if decision == nil {
			continue
		}
		decision.Latency = time.Since(start)
		return decision, nil
	}
	return nil, fmt.Errorf("model router: no strategy in the chain produced a decision")
}

// FallbackStrategy returns a designated fallback model whenever the runtime
// reports degraded mode (e.g. quota exhaustion signalled by the chat
// session), regardless of what the user or classifier would otherwise pick.
type FallbackStrategy struct {
	Model string
}

func (s FallbackStrategy) Evaluate(_ context.Context, state RouterState) (*RouteDecision, error) {
	if !state.Degraded {
		return nil, nil
	}
	return &RouteDecision{
		Model:     s.Model,
		Source:    RouteSourceFallback,
		Reasoning: "runtime is in degraded mode",
	}, nil
}

// OverrideStrategy honors a user-fixed model for the turn, provided it
// isn't the auto sentinel.
type OverrideStrategy struct{}

func (OverrideStrategy) Evaluate(_ context.Context, state RouterState) (*RouteDecision, error) {
	requested := strings.TrimSpace(state.RequestedModel)
	if requested == "" || strings.EqualFold(requested, AutoModel) {
		return nil, nil
	}
	return &RouteDecision{
		Model:     requested,
		Source:    RouteSourceOverride,
		Reasoning: "user fixed the model for this turn",
	}, nil
}

// classifierOutput is the fixed JSON shape the classifier prompt asks the
// small model to return.
type classifierOutput struct {
	Reasoning   string `json:"reasoning"`
	ModelChoice string `json:"model_choice"`
}

const classifierSystemPrompt = `You triage conversation turns to decide whether the next response needs a
fast, lightweight model or a slower, more capable one. Reply with a single
JSON object and nothing else: {"reasoning": "<one short sentence>",
"model_choice": "flash" | "pro"}. Choose "pro" only when the turns show
multi-step reasoning, code authoring, or open-ended planning; otherwise
choose "flash".`

// ClassifierStrategy asks a small, fast model to pick between a cheap
// ("flash") and a capable ("pro") downstream model, based on the last few
// clean turns of conversation. Any failure to call the classifier, or any
// output that doesn't parse as expected, is treated as a pass rather than
// an error — the chain falls through to the next strategy.
type ClassifierStrategy struct {
	Classifier Model
	FlashModel string
	ProModel   string
	// MaxTurns bounds how many recent clean turns are sent to the
	// classifier. Zero means use the default of 4.
	MaxTurns int
}

func (s ClassifierStrategy) Evaluate(ctx context.Context, state RouterState) (*RouteDecision, error) {
	if s.Classifier == nil {
		return nil, nil
	}

	maxTurns := s.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 4
	}
	turns := state.RecentCleanTurns
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	if len(turns) == 0 {
		return nil, nil
	}

	messages := make([]Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, Message{Role: t.Role, Content: t.Text})
	}

	resp, err := s.Classifier.Complete(ctx, Request{
		System:   classifierSystemPrompt,
		Messages: messages,
	})
	if err != nil {
		// Transport failure: pass, don't fail the whole routing decision.
		return nil, nil
	}

	var parsed classifierOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Message.Content)), &parsed); err != nil {
		return nil, nil
	}

	var chosen string
	switch strings.ToLower(strings.TrimSpace(parsed.ModelChoice)) {
	case "flash":
		chosen = s.FlashModel
	case "pro":
		chosen = s.ProModel
	default:
		return nil, nil
	}
	if strings.TrimSpace(chosen) == "" {
		return nil, nil
	}

	return &RouteDecision{
		Model:     chosen,
		Source:    RouteSourceClassifier,
		Reasoning: parsed.Reasoning,
	}, nil
}

// DefaultStrategy is the terminal strategy: it always returns the project's
// configured default model.
type DefaultStrategy struct {
	Model string
}

func (s DefaultStrategy) Evaluate(_ context.Context, _ RouterState) (*RouteDecision, error) {
	return &RouteDecision{
		Model:     s.Model,
		Source:    RouteSourceDefault,
		Reasoning: "no higher-priority strategy applied",
	}, nil
}

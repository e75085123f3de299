package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentcore/engine/pkg/message"
	"github.com/agentcore/engine/pkg/model"
)

const summarySystemPrompt = `You are compacting a long-running conversation so it fits in a smaller
context window. Read the turns provided and respond with a single JSON
object and nothing else, shaped exactly like:
{"goal": "<one sentence: what the user is trying to accomplish>",
 "key_knowledge": ["<fact the rest of the conversation depends on>", ...],
 "file_state": ["<path: what was changed or learned about it>", ...],
 "recent_actions": ["<short description of a recent tool call or decision>", ...],
 "plan": "<what should happen next>"}
Every array may be empty but must be present. Do not include any text
outside the JSON object.`

// ShouldCompress reports whether the session's current history crosses the
// compaction threshold. Exposed so callers can decide whether to trigger
// Compress proactively, ahead of send().
func (s *Session) ShouldCompress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldCompressLocked()
}

func (s *Session) shouldCompressLocked() bool {
	if !s.compact.Enabled {
		return false
	}
	msgCount := s.history.Len()
	if msgCount <= s.compact.PreserveCount {
		return false
	}
	tokenCount := s.history.TokenCount()
	if tokenCount <= 0 || s.compact.ContextWindow <= 0 {
		return false
	}
	ratio := float64(tokenCount) / float64(s.compact.ContextWindow)
	return ratio >= s.compact.Threshold
}

// Compress replaces older turns with a single structured-snapshot summary
// message, preserving the newest PreserveCount messages verbatim. It can be
// called manually regardless of the configured threshold; automatic
// triggering (via ShouldCompress) is left to the caller driving send().
func (s *Session) Compress(ctx context.Context) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.compact.withDefaults()
	snapshot := s.history.All()
	tokensBefore := s.history.TokenCount()

	preserve := cfg.PreserveCount
	if preserve >= len(snapshot) {
		return nil, errNothingToCompact
	}

	if s.hooks.PreCompact != nil {
		allow, err := s.hooks.PreCompact(ctx, TokenEstimate{
			EstimatedTokens: tokensBefore,
			ContextWindow:   cfg.ContextWindow,
			Threshold:       cfg.Threshold,
			PreserveCount:   preserve,
		})
		if err != nil {
			return nil, err
		}
		if !allow {
			return nil, nil
		}
	}

	cut := len(snapshot) - preserve
	older := snapshot[:cut]
	kept := snapshot[cut:]

	req := model.Request{
		Model:     cfg.SummaryModel,
		System:    summarySystemPrompt,
		Messages:  toModelMessages(older),
		MaxTokens: summaryMaxTokens,
	}

	resp, err := s.completeSummary(ctx, req, cfg)
	if err != nil {
		return nil, fmt.Errorf("chat: compress: %w", err)
	}

	snap, err := parseSnapshot(resp.Message.TextContent())
	if err != nil {
		// A malformed summary still compacts, falling back to the raw text
		// as the goal field rather than losing the turns entirely.
		snap = CompactSnapshot{Goal: strings.TrimSpace(resp.Message.TextContent())}
	}

	newMsgs := make([]message.Message, 0, 1+len(kept))
	newMsgs = append(newMsgs, message.Message{Role: "system", Content: snap.Rendered()})
	newMsgs = append(newMsgs, kept...)
	s.history.Replace(newMsgs)

	result := CompactResult{
		Snapshot:          snap,
		OriginalMessages:  len(snapshot),
		PreservedMessages: len(kept) + 1,
		TokensBefore:      tokensBefore,
		TokensAfter:       s.history.TokenCount(),
	}
	if s.hooks.PostCompact != nil {
		s.hooks.PostCompact(result)
	}
	return &result, nil
}

func parseSnapshot(text string) (CompactSnapshot, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return CompactSnapshot{}, errors.New("chat: empty compaction summary")
	}
	// Models occasionally wrap JSON in a fenced code block despite
	// instructions; strip a leading/trailing fence before parsing.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var snap CompactSnapshot
	if err := json.Unmarshal([]byte(trimmed), &snap); err != nil {
		return CompactSnapshot{}, err
	}
	return snap, nil
}

// completeSummary drives the summarization call with its own small retry
// loop, separate from Send's transport-retry policy: a failed summary is
// retried with the same request, and so the same model, up to MaxRetries
// more times, waiting RetryDelay between attempts.
func (s *Session) completeSummary(ctx context.Context, req model.Request, cfg CompactConfig) (*model.Response, error) {
	attempts := 1 + cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if cfg.RetryDelay > 0 {
				timer := time.NewTimer(cfg.RetryDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
		}

		var resp *model.Response
		err := s.backend.CompleteStream(ctx, req, func(sr model.StreamResult) error {
			if sr.Final && sr.Response != nil {
				resp = sr.Response
			}
			return nil
		})
		if err == nil && resp != nil {
			return resp, nil
		}
		if err == nil && resp == nil {
			err = errors.New("chat: compaction summary returned no final response")
		}
		lastErr = err
		if attempts > 1 {
			log.Printf("chat: compaction summary attempt %d/%d failed: %v", attempt, attempts, err)
		}
	}
	return nil, lastErr
}

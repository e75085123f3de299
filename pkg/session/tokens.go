package session

import (
	"sync"

	"github.com/agentcore/engine/pkg/chat"
)

// Tracker accumulates token usage across every model turn in a run, keyed by
// session ID so a top-level conversation and the sub-agents it dispatches
// can be inspected separately or summed together.
type Tracker struct {
	mu     sync.Mutex
	totals map[string]chat.TokenUsageStats
	order  []string
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{totals: map[string]chat.TokenUsageStats{}}
}

// Observe folds one completed turn's usage into the running total for its
// session. It is a chat.TokenCallback, wired straight into the Chat Session
// the Agent Executor builds for every run.
func (t *Tracker) Observe(stats chat.TokenUsageStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.totals[stats.SessionID]
	if !ok {
		t.order = append(t.order, stats.SessionID)
	}
	cur.SessionID = stats.SessionID
	cur.Model = stats.Model
	cur.InputTokens += stats.InputTokens
	cur.OutputTokens += stats.OutputTokens
	cur.TotalTokens += stats.TotalTokens
	cur.CacheCreationTokens += stats.CacheCreationTokens
	cur.CacheReadTokens += stats.CacheReadTokens
	cur.Timestamp = stats.Timestamp
	t.totals[stats.SessionID] = cur
}

// Snapshot returns the accumulated totals for every session observed so
// far, in the order each was first seen.
func (t *Tracker) Snapshot() []chat.TokenUsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]chat.TokenUsageStats, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.totals[id])
	}
	return out
}

// Total sums TotalTokens across every observed session, e.g. to check a
// whole run (top-level agent plus any dispatched sub-agents) against a
// budget that spans the lot.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := 0
	for _, v := range t.totals {
		sum += v.TotalTokens
	}
	return sum
}

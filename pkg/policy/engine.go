// Package policy implements the declarative ALLOW/DENY/ASK_USER table the
// Tool Scheduler consults before dispatching a call: tool-name and path
// rules, deny-over-ask-over-allow precedence, and a trusted-folder override.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/agentcore/engine/pkg/tool"
)

// Decision is the enforcement outcome for a tool invocation.
type Decision string

const (
	Unknown Decision = "unknown"
	Allow   Decision = "allow"
	Ask     Decision = "ask"
	Deny    Decision = "deny"
)

// Verdict captures the matched rule and the target string it matched.
type Verdict struct {
	Decision Decision
	Rule     string
	Tool     string
	Target   string
}

// Rules is the raw, declarative rule table as loaded from settings: each
// entry is either a bare tool-name/glob pattern, a bare path glob/regex
// pattern (matches any tool), or a "Tool(pattern)" scoped rule.
type Rules struct {
	Allow []string
	Ask   []string
	Deny  []string
}

// Engine evaluates tool calls against compiled allow/ask/deny rules plus a
// set of trusted folders: a call whose target lies under one is allowed
// before any rule, tool-name or path, allow, ask or deny, is consulted.
type Engine struct {
	allow          []*rule
	ask            []*rule
	deny           []*rule
	trustedFolders []string
}

type rule struct {
	raw       string
	tool      string
	toolMatch func(string) bool
	match     func(string) bool
}

// NewEngine builds an Engine from the provided rule table. A zero-value
// Rules yields an Engine that falls back by tool kind for every call: Ask
// for mutators, Allow for everything else (see Evaluate).
func NewEngine(rules Rules, trustedFolders ...string) (*Engine, error) {
	build := func(list []string) ([]*rule, error) {
		var compiled []*rule
		for _, r := range list {
			c, err := compileRule(r)
			if err != nil {
				return nil, err
			}
			compiled = append(compiled, c)
		}
		sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].raw < compiled[j].raw })
		return compiled, nil
	}

	allow, err := build(rules.Allow)
	if err != nil {
		return nil, err
	}
	ask, err := build(rules.Ask)
	if err != nil {
		return nil, err
	}
	deny, err := build(rules.Deny)
	if err != nil {
		return nil, err
	}

	folders := make([]string, 0, len(trustedFolders))
	for _, f := range trustedFolders {
		if f = strings.TrimSpace(f); f != "" {
			folders = append(folders, filepath.Clean(f))
		}
	}

	return &Engine{allow: allow, ask: ask, deny: deny, trustedFolders: folders}, nil
}

// Evaluate resolves the decision for a tool invocation. Precedence is
// deny > ask > allow. An unmatched tool falls back by kind: mutators
// (edit/delete/move/execute) default to Ask so a misconfigured policy table
// fails closed rather than open; everything else (read, search, think,
// fetch, other) defaults to Allow.
func (e *Engine) Evaluate(toolName string, params map[string]any, kind tool.Kind) Verdict {
	if e == nil {
		return Verdict{Decision: fallbackDecision(kind), Tool: toolName}
	}

	toolName = strings.TrimSpace(toolName)
	target := deriveTarget(toolName, params)

	if e.isTrusted(target) {
		return Verdict{Decision: Allow, Rule: "trusted-folder", Tool: toolName, Target: target}
	}

	if v, ok := e.matchRules(toolName, target, e.deny, Deny); ok {
		return v
	}
	if v, ok := e.matchRules(toolName, target, e.ask, Ask); ok {
		return v
	}
	if v, ok := e.matchRules(toolName, target, e.allow, Allow); ok {
		return v
	}
	return Verdict{Decision: fallbackDecision(kind), Tool: toolName, Target: target}
}

// fallbackDecision is the default posture for a tool with no matching
// allow/ask/deny rule: mutators ask, non-mutators are allowed.
func fallbackDecision(kind tool.Kind) Decision {
	if kind.IsMutator() {
		return Ask
	}
	return Allow
}

func (e *Engine) isTrusted(target string) bool {
	if target == "" {
		return false
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	for _, folder := range e.trustedFolders {
		if abs == folder || strings.HasPrefix(abs, folder+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (e *Engine) matchRules(tool, target string, rules []*rule, decision Decision) (Verdict, bool) {
	for _, r := range rules {
		if r.toolMatch != nil {
			if !r.toolMatch(tool) {
				continue
			}
		} else if !strings.EqualFold(r.tool, tool) {
			continue
		}
		if r.match(target) {
			return Verdict{Decision: decision, Rule: r.raw, Tool: tool, Target: target}, true
		}
	}
	return Verdict{}, false
}

func compileRule(raw string) (*rule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("policy: rule is empty")
	}

	// Bare path rule: a glob/regex containing "/" or "." matches any tool.
	if !strings.ContainsRune(trimmed, '(') && (strings.Contains(trimmed, "/") || strings.Contains(trimmed, ".")) {
		matcher, err := compilePattern(trimmed)
		if err != nil {
			return nil, fmt.Errorf("compile path rule %q: %w", raw, err)
		}
		return &rule{raw: trimmed, tool: "*", toolMatch: func(string) bool { return true }, match: matcher}, nil
	}

	// Bare tool-name rule: matches Tool.Name directly (exact or glob).
	if !strings.ContainsRune(trimmed, '(') {
		toolMatcher, err := compileToolMatcher(trimmed)
		if err != nil {
			return nil, fmt.Errorf("compile tool rule %q: %w", raw, err)
		}
		return &rule{raw: trimmed, tool: trimmed, toolMatch: toolMatcher, match: func(string) bool { return true }}, nil
	}

	open := strings.IndexRune(trimmed, '(')
	if !strings.HasSuffix(trimmed, ")") {
		return nil, fmt.Errorf("policy: rule %q malformed", raw)
	}
	tool := strings.TrimSpace(trimmed[:open])
	pattern := strings.TrimSuffix(trimmed[open+1:], ")")
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", raw, err)
	}
	return &rule{
		raw:       trimmed,
		tool:      tool,
		toolMatch: func(name string) bool { return strings.EqualFold(tool, name) },
		match:     matcher,
	}, nil
}

func compileToolMatcher(pattern string) (func(string) bool, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, errors.New("policy: empty tool pattern")
	}
	if !strings.ContainsAny(trimmed, "*?") && !strings.HasPrefix(strings.ToLower(trimmed), "regex:") && !strings.HasPrefix(strings.ToLower(trimmed), "regexp:") {
		lower := strings.ToLower(trimmed)
		return func(name string) bool { return strings.ToLower(strings.TrimSpace(name)) == lower }, nil
	}
	matcher, err := compilePattern(strings.ToLower(trimmed))
	if err != nil {
		return nil, err
	}
	return func(name string) bool { return matcher(strings.ToLower(strings.TrimSpace(name))) }, nil
}

func compilePattern(pattern string) (func(string) bool, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, errors.New("policy: empty pattern")
	}

	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "regex:") || strings.HasPrefix(lower, "regexp:") {
		expr := strings.TrimSpace(trimmed[strings.Index(trimmed, ":")+1:])
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}

	regex := globToRegex(trimmed)
	re, err := regexp.Compile("^" + regex + "$")
	if err != nil {
		return nil, err
	}
	return re.MatchString, nil
}

func globToRegex(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString(".*")
			}
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			b.WriteString("\\")
			b.WriteByte(glob[i])
		default:
			b.WriteByte(glob[i])
		}
	}
	return b.String()
}

func deriveTarget(tool string, params map[string]any) string {
	switch strings.ToLower(strings.TrimSpace(tool)) {
	case "bash":
		cmd := firstString(params, "command")
		name, args := splitCommandNameArgs(cmd)
		if name == "" {
			return strings.TrimSpace(cmd)
		}
		if args == "" {
			return name + ":"
		}
		return name + ":" + args
	case "read", "write", "edit":
		if p := firstString(params, "file_path", "path"); p != "" {
			return filepath.Clean(p)
		}
	}
	if p := firstString(params, "path", "file", "target"); p != "" {
		return filepath.Clean(p)
	}
	return firstString(params)
}

func firstString(params map[string]any, keys ...string) string {
	if params == nil {
		return ""
	}
	if len(keys) == 0 {
		for _, v := range params {
			if s := coerceToString(v); s != "" {
				return s
			}
		}
		return ""
	}
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if s := coerceToString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func coerceToString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return ""
	}
}

func splitCommandNameArgs(cmd string) (string, string) {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return "", ""
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", ""
	}
	name := fields[0]
	if len(fields) == 1 {
		return name, ""
	}
	return name, strings.Join(fields[1:], " ")
}

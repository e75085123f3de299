// Package toolbuiltin provides reference implementations of the minimal
// tool contract pkg/tool defines: read, write, edit, glob, grep, bash,
// web_fetch, and memory. These exist to exercise the Tool Scheduler, Policy
// Engine, and Hook subsystem end to end — they are not a production-grade
// sandboxed execution environment (that remains a named non-goal).
package toolbuiltin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentcore/engine/pkg/safepath"
)

const defaultMaxFileBytes = 1 << 20 // 1 MiB

// fileSandbox resolves a user-supplied path against a root directory and
// rejects anything that escapes it via ".." or a symlink hop, using
// pkg/safepath's canonicalizer.
type fileSandbox struct {
	root     string
	resolver *safepath.Resolver
	maxBytes int64
}

func newFileSandbox(root string) *fileSandbox {
	return &fileSandbox{
		root:     resolveRoot(root),
		resolver: safepath.NewResolver(),
		maxBytes: defaultMaxFileBytes,
	}
}

func resolveRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}

// resolvePath joins a (possibly relative) candidate onto the sandbox root,
// canonicalizes it, and rejects anything that resolves outside root.
func (f *fileSandbox) resolvePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(f.root, candidate)
	}
	resolved, err := f.resolver.Resolve(candidate)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(f.root, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes sandbox root %q", raw, f.root)
	}
	return resolved, nil
}

func (f *fileSandbox) readFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if f.maxBytes > 0 && info.Size() > f.maxBytes {
		return "", fmt.Errorf("file exceeds %d byte limit", f.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	for _, b := range data {
		if b == 0 {
			return "", fmt.Errorf("binary file %s is not supported", path)
		}
	}
	return string(data), nil
}

func (f *fileSandbox) writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// displayPath renders path relative to root when possible, for output that
// reads naturally without leaking the sandbox's absolute location.
func displayPath(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func requiredString(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%q is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%q must be a string", key)
	}
	return s, nil
}

func optionalString(params map[string]interface{}, key, fallback string) string {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func optionalInt(params map[string]interface{}, key string, fallback int) int {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func optionalBool(params map[string]interface{}, key string, fallback bool) bool {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	b, ok := raw.(bool)
	if !ok {
		return fallback
	}
	return b
}

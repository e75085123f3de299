package toolbuiltin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentcore/engine/pkg/tool"
)

const globResultLimit = 100

// GlobTool finds files under a directory matching a shell glob pattern,
// most recently modified first.
type GlobTool struct {
	sandbox *fileSandbox
}

// NewGlobTool builds a GlobTool confined to root.
func NewGlobTool(root string) *GlobTool {
	return &GlobTool{sandbox: newFileSandbox(root)}
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Kind() tool.Kind { return tool.KindSearch }
func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern (e.g. \"**/*.go\"), sorted by modification time."
}

func (t *GlobTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern to match file paths against.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to search from. Defaults to the sandbox root.",
			},
		},
		Required: []string{"pattern"},
	}
}

type globMatch struct {
	path    string
	modTime int64
}

func (t *GlobTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	pattern, err := requiredString(params, "pattern")
	if err != nil {
		return nil, err
	}
	searchRoot := t.sandbox.root
	if raw := optionalString(params, "path", ""); raw != "" {
		resolved, err := t.sandbox.resolvePath(raw)
		if err != nil {
			return nil, err
		}
		searchRoot = resolved
	}

	var matches []globMatch
	err = filepath.WalkDir(searchRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries rather than aborting the whole walk
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(searchRoot, path)
		if relErr != nil {
			return nil
		}
		ok, matchErr := matchGlob(pattern, rel)
		if matchErr != nil {
			return matchErr
		}
		if !ok {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		matches = append(matches, globMatch{path: path, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime > matches[j].modTime })

	truncated := len(matches) > globResultLimit
	if truncated {
		matches = matches[:globResultLimit]
	}

	if len(matches) == 0 {
		return &tool.ToolResult{Success: true, Output: "no files matched"}, nil
	}

	var b strings.Builder
	for _, m := range matches {
		b.WriteString(displayPath(m.path, t.sandbox.root))
		b.WriteByte('\n')
	}
	if truncated {
		fmt.Fprintf(&b, "(results truncated to %d matches)\n", globResultLimit)
	}
	return &tool.ToolResult{Success: true, Output: b.String()}, nil
}

// matchGlob supports "**" as a recursive-directory wildcard on top of
// filepath.Match's single-segment semantics.
func matchGlob(pattern, name string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Match(pattern, name)
	}
	segments := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(segments[0], "/")
	suffix := strings.TrimPrefix(segments[1], "/")

	if prefix != "" && !strings.HasPrefix(name, prefix) {
		return false, nil
	}
	rest := strings.TrimPrefix(name, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if suffix == "" {
		return true, nil
	}
	return filepath.Match(suffix, filepath.Base(rest))
}

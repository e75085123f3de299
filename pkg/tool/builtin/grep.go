package toolbuiltin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentcore/engine/pkg/tool"
)

const (
	grepResultLimit = 100
	grepMaxDepth    = 8
	grepMaxContext  = 5
)

// GrepTool searches file contents for a regular expression.
type GrepTool struct {
	sandbox *fileSandbox
}

// NewGrepTool builds a GrepTool confined to root.
func NewGrepTool(root string) *GrepTool {
	return &GrepTool{sandbox: newFileSandbox(root)}
}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Kind() tool.Kind { return tool.KindSearch }
func (t *GrepTool) Description() string {
	return "Search file contents for a regular expression pattern."
}

func (t *GrepTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File or directory to search. Defaults to the sandbox root.",
			},
			"glob": map[string]interface{}{
				"type":        "string",
				"description": "Restrict the search to files matching this glob pattern.",
			},
			"output_mode": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"content", "files_with_matches", "count"},
				"description": "content: matching lines. files_with_matches: file paths only. count: match counts per file.",
			},
			"context": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Lines of context around each match in content mode, up to %d.", grepMaxContext),
			},
		},
		Required: []string{"pattern"},
	}
}

func (t *GrepTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	pattern, err := requiredString(params, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	searchRoot := t.sandbox.root
	if raw := optionalString(params, "path", ""); raw != "" {
		resolved, rerr := t.sandbox.resolvePath(raw)
		if rerr != nil {
			return nil, rerr
		}
		searchRoot = resolved
	}
	globFilter := optionalString(params, "glob", "")
	mode := optionalString(params, "output_mode", "files_with_matches")
	context := optionalInt(params, "context", 0)
	if context > grepMaxContext {
		context = grepMaxContext
	}

	type fileMatches struct {
		path  string
		lines []string
		count int
	}
	var results []fileMatches

	err = filepath.WalkDir(searchRoot, func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if d.IsDir() {
			if depthOf(searchRoot, path) > grepMaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if globFilter != "" {
			rel, _ := filepath.Rel(searchRoot, path)
			if ok, _ := matchGlob(globFilter, rel); !ok {
				return nil
			}
		}
		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		lines := strings.Split(string(content), "\n")
		var matchedLines []string
		count := 0
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			count++
			if mode == "content" {
				start := max(0, i-context)
				end := min(len(lines), i+context+1)
				for j := start; j < end; j++ {
					matchedLines = append(matchedLines, fmt.Sprintf("%s:%d:%s", displayPath(path, searchRoot), j+1, lines[j]))
				}
			}
		}
		if count > 0 {
			results = append(results, fileMatches{path: path, lines: matchedLines, count: count})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("grep: %w", err)
	}

	truncated := len(results) > grepResultLimit
	if truncated {
		results = results[:grepResultLimit]
	}

	var b strings.Builder
	switch mode {
	case "content":
		for _, r := range results {
			for _, line := range r.lines {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	case "count":
		for _, r := range results {
			fmt.Fprintf(&b, "%s:%d\n", displayPath(r.path, t.sandbox.root), r.count)
		}
	default:
		for _, r := range results {
			b.WriteString(displayPath(r.path, t.sandbox.root))
			b.WriteByte('\n')
		}
	}
	if truncated {
		fmt.Fprintf(&b, "(results truncated to %d files)\n", grepResultLimit)
	}
	if b.Len() == 0 {
		return &tool.ToolResult{Success: true, Output: "no matches"}, nil
	}
	return &tool.ToolResult{Success: true, Output: b.String()}, nil
}

func depthOf(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}


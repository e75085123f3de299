package toolbuiltin

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/agentcore/engine/pkg/tool"
)

const (
	readDefaultLineLimit = 2000
	readMaxLineLength    = 2000
)

// ReadTool reads a file from the sandbox root, formatted cat-n style with
// 1-based line numbers so the model can refer back to exact locations.
type ReadTool struct {
	sandbox *fileSandbox
}

// NewReadTool builds a ReadTool confined to root.
func NewReadTool(root string) *ReadTool {
	return &ReadTool{sandbox: newFileSandbox(root)}
}

func (t *ReadTool) Name() string        { return "read" }
func (t *ReadTool) Kind() tool.Kind       { return tool.KindRead }
func (t *ReadTool) Description() string { return "Read a text file, optionally from an offset with a line limit." }

func (t *ReadTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read, absolute or relative to the sandbox root.",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "1-based line number to start reading from. Defaults to 1.",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of lines to return. Defaults to 2000.",
			},
		},
		Required: []string{"file_path"},
	}
}

func (t *ReadTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	rawPath, err := requiredString(params, "file_path")
	if err != nil {
		return nil, err
	}
	path, err := t.sandbox.resolvePath(rawPath)
	if err != nil {
		return nil, err
	}

	offset := optionalInt(params, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := optionalInt(params, "limit", readDefaultLineLimit)
	if limit <= 0 {
		limit = readDefaultLineLimit
	}

	content, err := t.sandbox.readFile(path)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	emitted := 0
	for scanner.Scan() {
		lineNo++
		if lineNo < offset {
			continue
		}
		if emitted >= limit {
			break
		}
		line := scanner.Text()
		if len(line) > readMaxLineLength {
			line = line[:readMaxLineLength] + "... [truncated]"
		}
		fmt.Fprintf(&out, "%6d\t%s\n", lineNo, line)
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	if emitted == 0 {
		return &tool.ToolResult{Success: true, Output: fmt.Sprintf("(no lines at or after offset %d)", offset)}, nil
	}
	return &tool.ToolResult{Success: true, Output: out.String()}, nil
}

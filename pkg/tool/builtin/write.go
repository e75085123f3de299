package toolbuiltin

import (
	"context"
	"fmt"

	"github.com/agentcore/engine/pkg/tool"
)

// WriteTool overwrites (or creates) a file with the given content.
type WriteTool struct {
	sandbox *fileSandbox
}

// NewWriteTool builds a WriteTool confined to root.
func NewWriteTool(root string) *WriteTool {
	return &WriteTool{sandbox: newFileSandbox(root)}
}

func (t *WriteTool) Name() string        { return "write" }
func (t *WriteTool) Kind() tool.Kind      { return tool.KindEdit }
func (t *WriteTool) Description() string { return "Write content to a file, creating or overwriting it." }

func (t *WriteTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to write, absolute or relative to the sandbox root.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write, replacing the file's existing contents entirely.",
			},
		},
		Required: []string{"file_path", "content"},
	}
}

func (t *WriteTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	rawPath, err := requiredString(params, "file_path")
	if err != nil {
		return nil, err
	}
	content, err := requiredString(params, "content")
	if err != nil {
		return nil, err
	}

	path, err := t.sandbox.resolvePath(rawPath)
	if err != nil {
		return nil, err
	}
	if err := t.sandbox.writeFile(path, content); err != nil {
		return nil, err
	}

	return &tool.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), displayPath(path, t.sandbox.root)),
		Data:    map[string]interface{}{"path": path},
	}, nil
}

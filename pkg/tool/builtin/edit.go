package toolbuiltin

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentcore/engine/pkg/tool"
)

// EditTool replaces a unique occurrence of old_string with new_string inside
// a file, requiring the caller to opt into replace_all for ambiguous edits.
type EditTool struct {
	sandbox *fileSandbox
}

// NewEditTool builds an EditTool confined to root.
func NewEditTool(root string) *EditTool {
	return &EditTool{sandbox: newFileSandbox(root)}
}

func (t *EditTool) Name() string        { return "edit" }
func (t *EditTool) Kind() tool.Kind       { return tool.KindEdit }
func (t *EditTool) Description() string { return "Replace an exact string match inside a file." }

func (t *EditTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to edit.",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to find and replace.",
			},
			"new_string": map[string]interface{}{
				"type":        "string",
				"description": "Text to replace old_string with.",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match. Defaults to false.",
			},
		},
		Required: []string{"file_path", "old_string", "new_string"},
	}
}

func (t *EditTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	rawPath, err := requiredString(params, "file_path")
	if err != nil {
		return nil, err
	}
	oldString, err := requiredString(params, "old_string")
	if err != nil {
		return nil, err
	}
	newString, err := requiredString(params, "new_string")
	if err != nil {
		return nil, err
	}
	if oldString == newString {
		return nil, fmt.Errorf("old_string and new_string must differ")
	}
	replaceAll := optionalBool(params, "replace_all", false)

	path, err := t.sandbox.resolvePath(rawPath)
	if err != nil {
		return nil, err
	}
	content, err := t.sandbox.readFile(path)
	if err != nil {
		return nil, err
	}

	count := strings.Count(content, oldString)
	if count == 0 {
		return nil, fmt.Errorf("old_string not found in %s", displayPath(path, t.sandbox.root))
	}
	if count > 1 && !replaceAll {
		return nil, fmt.Errorf("old_string must be unique when replace_all is false (found %d matches)", count)
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
	}

	if err := t.sandbox.writeFile(path, updated); err != nil {
		return nil, err
	}

	replaced := count
	if !replaceAll {
		replaced = 1
	}
	return &tool.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, displayPath(path, t.sandbox.root)),
		Data:    map[string]interface{}{"path": path, "replacements": replaced},
	}, nil
}

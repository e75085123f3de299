package toolbuiltin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/agentcore/engine/pkg/tool"
)

const (
	defaultBashTimeout = 2 * time.Minute
	maxBashTimeout     = 10 * time.Minute
	maxBashOutputLen   = 30000
)

// BashTool runs a shell command to completion and returns its combined
// output. Unlike a production shell tool it has no background task manager,
// no disk-spooling for oversized output, and no per-command sandboxing
// beyond the working directory it is constructed with — callers rely on the
// Tool Scheduler's policy/approval layer for anything stronger.
type BashTool struct {
	workdir string
}

// NewBashTool builds a BashTool that runs commands rooted at workdir.
func NewBashTool(workdir string) *BashTool {
	return &BashTool{workdir: resolveRoot(workdir)}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Kind() tool.Kind { return tool.KindExecute }
func (t *BashTool) Description() string {
	return "Run a shell command and return its combined stdout/stderr output."
}

func (t *BashTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute.",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Timeout in milliseconds, up to %d.", maxBashTimeout.Milliseconds()),
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "A short human-readable description of what the command does.",
			},
		},
		Required: []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	command, err := requiredString(params, "command")
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(optionalInt(params, "timeout_ms", int(defaultBashTimeout.Milliseconds()))) * time.Millisecond
	if timeout <= 0 || timeout > maxBashTimeout {
		timeout = defaultBashTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.workdir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	output := out.String()
	truncated := false
	if len(output) > maxBashOutputLen {
		output = output[:maxBashOutputLen]
		truncated = true
	}
	if truncated {
		output += "\n... [output truncated]"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return &tool.ToolResult{Success: false, Output: output, Error: fmt.Errorf("command timed out after %s", timeout)}, nil
	}
	if runErr != nil {
		return &tool.ToolResult{Success: false, Output: output, Error: fmt.Errorf("command failed: %w", runErr)}, nil
	}
	return &tool.ToolResult{Success: true, Output: output}, nil
}

// Package model defines the provider-agnostic chat-completion contract used
// throughout the engine, along with the concrete Anthropic and OpenAI
// backends and the routing strategy that picks a model per turn.
package model

import (
	"context"
	"strings"
)

// Model is a chat-completion backend. Implementations wrap a specific
// vendor SDK; callers never depend on vendor types directly.
type Model interface {
	// Complete issues a single non-streaming completion request.
	Complete(ctx context.Context, req Request) (*Response, error)
	// CompleteStream issues a completion request and invokes cb for every
	// delta and once more, with Final set, for the assembled response.
	CompleteStream(ctx context.Context, req Request, cb StreamHandler) error
}

// StreamHandler receives incremental output from CompleteStream.
type StreamHandler func(StreamResult) error

// StreamResult is one increment of a streamed completion. Exactly one of
// Delta, ToolCall or Final applies to a given callback invocation.
type StreamResult struct {
	Delta    string
	ToolCall *ToolCall
	Final    bool
	Response *Response
}

// Request is a single turn sent to a Model.
type Request struct {
	Model             string
	Messages          []Message
	Tools             []ToolDefinition
	System            string
	Temperature       *float64
	MaxTokens         int
	SessionID         string
	EnablePromptCache bool
	ReasoningEffort   string
}

// Response is the result of a completed (non-streamed, or fully assembled
// from a stream) turn.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// Message is one turn of conversation history. Role is one of "system",
// "user", "assistant" or "tool"; unrecognized roles are treated as "user".
type Message struct {
	Role             string
	Content          string
	ContentBlocks    []ContentBlock
	ToolCalls        []ToolCall
	ReasoningContent string
}

// TextContent returns the message's text, preferring the concatenation of
// any text content blocks over the flat Content field. Non-text blocks
// (images, documents) are skipped, not rendered as text.
func (m Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var parts []string
	for _, b := range m.ContentBlocks {
		if b.Type == ContentBlockText {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return m.Content
	}
	return strings.Join(parts, "")
}

// ContentBlockKind distinguishes the payload carried by a ContentBlock.
type ContentBlockKind string

const (
	ContentBlockText     ContentBlockKind = "text"
	ContentBlockImage    ContentBlockKind = "image"
	ContentBlockDocument ContentBlockKind = "document"
)

// ContentBlock is one multimodal element of a message. Only the fields
// relevant to Type are populated.
type ContentBlock struct {
	Type ContentBlockKind

	// Text holds the block's text when Type == ContentBlockText.
	Text string

	// URL, Data and MediaType describe image/document payloads. Data is
	// base64-encoded when present; URL is used when the source is a
	// remote reference rather than inline bytes.
	URL       string
	Data      string
	MediaType string
}

// ToolCall is a tool invocation requested by the model, or (on a "tool"
// role Message) the recorded result of one already executed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports token accounting for a single completion.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheReadTokens     int
	CacheCreationTokens int
}

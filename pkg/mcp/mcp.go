// Package mcp connects to Model Context Protocol servers described by a spec
// string (stdio command, sse:// or bare http(s):// URL, or a scheme+hint
// form like "http+sse://host") and bridges server-pushed tool-list-changed
// notifications onto the event bus.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/agentcore/engine/pkg/events"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type (
	Implementation            = mcpsdk.Implementation
	Client                    = mcpsdk.Client
	ClientOptions             = mcpsdk.ClientOptions
	ClientSession             = mcpsdk.ClientSession
	ClientSessionOptions      = mcpsdk.ClientSessionOptions
	Transport                 = mcpsdk.Transport
	Connection                = mcpsdk.Connection
	CommandTransport          = mcpsdk.CommandTransport
	StdioTransport            = mcpsdk.StdioTransport
	IOTransport               = mcpsdk.IOTransport
	InMemoryTransport         = mcpsdk.InMemoryTransport
	SSEClientTransport        = mcpsdk.SSEClientTransport
	SSEOptions                = mcpsdk.SSEOptions
	SSEHandler                = mcpsdk.SSEHandler
	StreamableClientTransport = mcpsdk.StreamableClientTransport
	Tool                      = mcpsdk.Tool
	ToolListChangedRequest    = mcpsdk.ToolListChangedRequest
	ToolAnnotations           = mcpsdk.ToolAnnotations
	ToolHandler               = mcpsdk.ToolHandler
	CallToolParams            = mcpsdk.CallToolParams
	CallToolResult            = mcpsdk.CallToolResult
	ListToolsParams           = mcpsdk.ListToolsParams
	ListToolsResult           = mcpsdk.ListToolsResult
	Content                   = mcpsdk.Content
	TextContent               = mcpsdk.TextContent
	InitializeParams          = mcpsdk.InitializeParams
	InitializeResult          = mcpsdk.InitializeResult
	ServerCapabilities        = mcpsdk.ServerCapabilities
)

var NewClient = mcpsdk.NewClient

const (
	clientName    = "agentcore-engine"
	clientVersion = "dev"

	stdioSchemePrefix = "stdio://"
	sseSchemePrefix   = "sse://"
	httpHintType      = "http"
	sseHintType       = "sse"
)

type connectConfig struct {
	bus              *events.Bus
	headers          map[string]string
	env              map[string]string
	toolsChangedHook func(context.Context, *ClientSession)
}

// ConnectOption configures ConnectSessionWithOptions.
type ConnectOption func(*connectConfig)

// WithEventBus publishes MCPToolsChanged events to bus whenever the
// connected server reports notifications/tools/list_changed.
func WithEventBus(bus *events.Bus) ConnectOption {
	return func(cfg *connectConfig) {
		if cfg != nil {
			cfg.bus = bus
		}
	}
}

// WithHeaders injects extra HTTP headers into every request for SSE/
// streamable transports. No-op for stdio transports.
func WithHeaders(headers map[string]string) ConnectOption {
	return func(cfg *connectConfig) {
		if cfg != nil {
			cfg.headers = headers
		}
	}
}

// WithEnv injects extra environment variables into the child process for
// stdio transports. No-op for SSE/streamable transports.
func WithEnv(env map[string]string) ConnectOption {
	return func(cfg *connectConfig) {
		if cfg != nil {
			cfg.env = env
		}
	}
}

// WithToolsChangedHook registers a callback invoked whenever the server
// reports notifications/tools/list_changed, independent of any event bus
// wiring. Used by the tool registry to re-list and re-wrap remote tools.
func WithToolsChangedHook(fn func(context.Context, *ClientSession)) ConnectOption {
	return func(cfg *connectConfig) {
		if cfg != nil {
			cfg.toolsChangedHook = fn
		}
	}
}

// ConnectSession dials an MCP server identified by spec with no event bus
// wiring.
func ConnectSession(ctx context.Context, spec string) (*ClientSession, error) {
	return ConnectSessionWithOptions(ctx, spec)
}

// ConnectSessionWithOptions dials an MCP server identified by spec, parsing
// the transport type from its scheme, and optionally wires tool-list-changed
// notifications onto an event bus.
func ConnectSessionWithOptions(ctx context.Context, spec string, opts ...ConnectOption) (*ClientSession, error) {
	ctx = nonNilContext(ctx)
	transport, err := buildSessionTransport(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("mcp: build transport: %w", err)
	}

	cfg := connectConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := applyTransportOptions(transport, cfg.headers, cfg.env); err != nil {
		return nil, fmt.Errorf("mcp: apply transport options: %w", err)
	}

	serverID := strings.TrimSpace(spec)
	client := NewClient(&Implementation{
		Name:    clientName,
		Version: clientVersion,
	}, &ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, req *mcpsdk.ToolListChangedRequest) {
			if req == nil || req.Session == nil {
				return
			}
			if cfg.bus != nil {
				publishToolsChanged(ctx, cfg.bus, serverID, req.Session)
			}
			if cfg.toolsChangedHook != nil {
				cfg.toolsChangedHook(ctx, req.Session)
			}
		},
	})

	dialCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	session, err := client.Connect(dialCtx, transport, nil)
	close(done)
	if err != nil {
		cancel()
		return nil, err
	}
	return session, nil
}

func publishToolsChanged(ctx context.Context, bus *events.Bus, serverID string, session *ClientSession) {
	if bus == nil {
		return
	}

	tools, err := snapshotTools(ctx, session)
	payload := events.MCPToolsChangedPayload{
		Server: serverID,
		Tools:  tools,
	}
	if session != nil {
		payload.SessionID = session.ID()
	}
	if err != nil {
		payload.Error = err.Error()
	}

	_ = bus.Publish(events.Event{Type: events.MCPToolsChanged, Payload: payload})
}

func snapshotTools(ctx context.Context, session *ClientSession) ([]events.MCPToolDescriptor, error) {
	if session == nil {
		return nil, fmt.Errorf("mcp: session is nil")
	}
	ctx = nonNilContext(ctx)

	var tools []events.MCPToolDescriptor
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return tools, err
		}
		if t == nil {
			continue
		}
		tools = append(tools, events.MCPToolDescriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
			Title:        t.Title,
		})
	}
	return tools, nil
}

func buildSessionTransport(ctx context.Context, spec string) (Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("mcp: transport spec is empty")
	}

	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, stdioSchemePrefix):
		return buildStdioTransport(ctx, spec[len(stdioSchemePrefix):])
	case strings.HasPrefix(lowered, sseSchemePrefix):
		return buildSSETransport(strings.TrimSpace(spec[len(sseSchemePrefix):]), true)
	}

	if kind, endpoint, matched, err := parseHTTPFamilySpec(spec); err != nil {
		return nil, err
	} else if matched {
		if kind == httpHintType {
			return buildStreamableTransport(endpoint)
		}
		return buildSSETransport(endpoint, false)
	}

	if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
		return buildSSETransport(spec, false)
	}

	return buildStdioTransport(ctx, spec)
}

func buildStdioTransport(ctx context.Context, cmdSpec string) (Transport, error) {
	cmdSpec = strings.TrimSpace(cmdSpec)
	parts := strings.Fields(cmdSpec)
	if len(parts) == 0 {
		return nil, fmt.Errorf("mcp: stdio command is empty")
	}
	command := exec.CommandContext(nonNilContext(ctx), parts[0], parts[1:]...) // #nosec G204
	return &CommandTransport{Command: command}, nil
}

func buildSSETransport(endpoint string, allowSchemeGuess bool) (Transport, error) {
	normalized, err := normalizeHTTPURL(endpoint, allowSchemeGuess)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid SSE endpoint: %w", err)
	}
	return &SSEClientTransport{Endpoint: normalized}, nil
}

func buildStreamableTransport(endpoint string) (Transport, error) {
	normalized, err := normalizeHTTPURL(endpoint, false)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid streamable endpoint: %w", err)
	}
	return &StreamableClientTransport{Endpoint: normalized}, nil
}

func parseHTTPFamilySpec(spec string) (kind string, endpoint string, matched bool, err error) {
	u, parseErr := url.Parse(strings.TrimSpace(spec))
	if parseErr != nil || u.Scheme == "" {
		return "", "", false, nil
	}
	scheme := strings.ToLower(u.Scheme)
	base, hintRaw, hasHint := strings.Cut(scheme, "+")
	if !hasHint {
		return "", "", false, nil
	}
	if base != "http" && base != "https" {
		return "", "", false, nil
	}
	hint := hintRaw
	if idx := strings.IndexByte(hint, '+'); idx >= 0 {
		hint = hint[:idx]
	}

	var resolvedKind string
	switch hint {
	case "sse":
		resolvedKind = sseHintType
	case "stream", "streamable", "http", "json":
		resolvedKind = httpHintType
	default:
		return "", "", true, fmt.Errorf("mcp: unsupported HTTP transport hint %q", hint)
	}

	normalized := *u
	normalized.Scheme = base
	endpoint, normErr := normalizeHTTPURL(normalized.String(), false)
	if normErr != nil {
		return "", "", true, fmt.Errorf("mcp: invalid %s endpoint: %w", resolvedKind, normErr)
	}
	return resolvedKind, endpoint, true, nil
}

func normalizeHTTPURL(raw string, allowSchemeGuess bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("mcp: endpoint is empty")
	}
	if allowSchemeGuess && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("mcp: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("mcp: missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}

func nonNilContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func applyTransportOptions(transport Transport, headers map[string]string, env map[string]string) error {
	if transport == nil {
		return errors.New("mcp: transport is nil")
	}
	if len(headers) == 0 && len(env) == 0 {
		return nil
	}

	switch impl := transport.(type) {
	case *CommandTransport:
		if len(env) == 0 {
			return nil
		}
		if impl == nil || impl.Command == nil {
			return errors.New("mcp: stdio transport missing command")
		}
		impl.Command.Env = mergeEnv(impl.Command.Env, env)
	case *SSEClientTransport:
		if len(headers) == 0 {
			return nil
		}
		impl.HTTPClient = withInjectedHeaders(impl.HTTPClient, headers)
	case *StreamableClientTransport:
		if len(headers) == 0 {
			return nil
		}
		impl.HTTPClient = withInjectedHeaders(impl.HTTPClient, headers)
	}
	return nil
}

func withInjectedHeaders(client *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return client
	}
	if client == nil {
		client = &http.Client{}
	}

	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = &headerRoundTripper{base: base, headers: normalizeHeaders(headers)}
	return client
}

func normalizeHeaders(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(http.Header, len(keys))
	for _, raw := range keys {
		key := http.CanonicalHeaderKey(strings.TrimSpace(raw))
		if key == "" {
			continue
		}
		out.Set(key, strings.TrimSpace(headers[raw]))
	}
	return out
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	if req == nil {
		return nil, errors.New("mcp: request is nil")
	}
	if len(h.headers) == 0 {
		return base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	clone.Header = clone.Header.Clone()
	for k, vals := range h.headers {
		clone.Header.Del(k)
		for _, v := range vals {
			if strings.TrimSpace(v) == "" {
				continue
			}
			clone.Header.Add(k, v)
		}
	}
	return base.RoundTrip(clone)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = os.Environ()
	}

	keys := make([]string, 0, len(extra))
	trimmed := make(map[string]string, len(extra))
	for k, v := range extra {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		trimmed[key] = v
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	seen := map[string]struct{}{}
	for _, entry := range base {
		k, _, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			continue
		}
		if _, ok := trimmed[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, entry)
	}
	for _, key := range keys {
		out = append(out, fmt.Sprintf("%s=%s", key, trimmed[key]))
	}
	return out
}

// ConvertSchema turns an MCP tool's raw input-schema value (typically
// json.RawMessage) into the engine's JSON-Schema-subset representation.
// This returns a plain map[string]any rather than a tool.JSONSchema to
// avoid an import cycle with pkg/tool; callers re-marshal as needed.
func ConvertSchema(raw any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	var data []byte
	switch v := raw.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		data = v
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		data = v
	default:
		marshaled, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		data = marshaled
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

package tool

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/engine/pkg/mcp"
)

// Registry keeps the mapping between tool names and implementations,
// including remote tools discovered from MCP servers.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	mcpSessions []*mcpSessionInfo
	validator   Validator
}

// MCPServerOptions configures RegisterMCPServer: extra HTTP headers
// (SSE/streamable transports), extra environment variables (stdio
// transports), and a connect/list timeout.
type MCPServerOptions struct {
	Headers map[string]string
	Env     map[string]string
	Timeout time.Duration
}

// NewRegistry creates a registry backed by the default validator.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: DefaultValidator{},
	}
}

// Register inserts a tool when its name is not in use.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return t, nil
}

// List produces a snapshot of all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// SetValidator swaps the validator instance used before execution.
func (r *Registry) SetValidator(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validator = v
}

// Execute runs a registered tool after optional schema validation.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if schema := t.Schema(); schema != nil {
		r.mu.RLock()
		validator := r.validator
		r.mu.RUnlock()

		if validator != nil {
			if err := validator.Validate(params, schema); err != nil {
				return nil, fmt.Errorf("tool %s validation failed: %w", name, err)
			}
		}
	}

	return t.Execute(ctx, params)
}

// RegisterMCPServer discovers tools exposed by an MCP server and registers
// them under "<serverName>__<toolName>", refreshing the set automatically
// whenever the server announces a tool-list change.
func (r *Registry) RegisterMCPServer(ctx context.Context, serverPath, serverName string) error {
	return r.RegisterMCPServerWithOptions(ctx, serverPath, serverName, MCPServerOptions{})
}

// RegisterMCPServerWithOptions is RegisterMCPServer with header/env/timeout
// control over the connection.
func (r *Registry) RegisterMCPServerWithOptions(ctx context.Context, serverPath, serverName string, opts MCPServerOptions) error {
	ctx = nonNilContext(ctx)
	if strings.TrimSpace(serverPath) == "" {
		return fmt.Errorf("server path is empty")
	}
	serverName = strings.TrimSpace(serverName)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := mcp.ConnectSessionWithOptions(connectCtx, serverPath,
		mcp.WithHeaders(opts.Headers),
		mcp.WithEnv(opts.Env),
		mcp.WithToolsChangedHook(r.mcpToolsChangedHook(serverPath)),
	)
	if err != nil {
		if ctxErr := connectCtx.Err(); ctxErr != nil {
			return fmt.Errorf("connect MCP client: %w", ctxErr)
		}
		return fmt.Errorf("connect MCP client: %w", err)
	}
	if session == nil {
		return fmt.Errorf("connect MCP client: session is nil")
	}
	success := false
	defer func() {
		if !success {
			_ = session.Close()
		}
	}()

	if session.InitializeResult() == nil {
		return fmt.Errorf("initialize MCP client: missing initialize result")
	}

	listCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tools, err := listTools(listCtx, session)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		return fmt.Errorf("MCP server returned no tools")
	}

	wrappers, names, err := buildRemoteToolWrappers(session, serverName, tools)
	if err != nil {
		return err
	}
	if err := r.registerMCPSession(serverPath, serverName, session, wrappers, names); err != nil {
		return err
	}

	success = true
	return nil
}

// Close terminates all tracked MCP sessions. Errors are logged and
// swallowed to avoid masking shutdown flows.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.mcpSessions
	r.mcpSessions = nil
	r.mu.Unlock()

	for _, info := range sessions {
		if info == nil || info.session == nil {
			continue
		}
		if err := info.session.Close(); err != nil {
			log.Printf("tool registry: close MCP session: %v", err)
		}
	}
}

type mcpSessionInfo struct {
	serverID   string
	serverName string
	sessionID  string
	session    *mcp.ClientSession
	toolNames  map[string]struct{}
}

func (r *Registry) registerMCPSession(serverID, serverName string, session *mcp.ClientSession, wrappers []Tool, names []string) error {
	if session == nil {
		return fmt.Errorf("mcp session is nil")
	}
	if len(wrappers) != len(names) {
		return fmt.Errorf("mcp tools mismatch")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool %s already registered", name)
		}
	}
	for i, t := range wrappers {
		r.tools[names[i]] = t
	}
	r.mcpSessions = append(r.mcpSessions, &mcpSessionInfo{
		serverID:   strings.TrimSpace(serverID),
		serverName: strings.TrimSpace(serverName),
		sessionID:  session.ID(),
		session:    session,
		toolNames:  toNameSet(names),
	})
	return nil
}

func listTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list MCP tools: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func buildRemoteToolWrappers(session *mcp.ClientSession, serverName string, tools []*mcp.Tool) ([]Tool, []string, error) {
	wrappers := make([]Tool, 0, len(tools))
	names := make([]string, 0, len(tools))
	seen := map[string]struct{}{}
	for _, desc := range tools {
		if desc == nil || strings.TrimSpace(desc.Name) == "" {
			return nil, nil, fmt.Errorf("encountered MCP tool with empty name")
		}
		toolName := desc.Name
		if serverName != "" {
			toolName = fmt.Sprintf("%s__%s", serverName, desc.Name)
		}
		if _, ok := seen[toolName]; ok {
			return nil, nil, fmt.Errorf("tool %s already registered", toolName)
		}
		seen[toolName] = struct{}{}

		schemaMap, err := mcp.ConvertSchema(desc.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("parse schema for %s: %w", desc.Name, err)
		}
		var schema *JSONSchema
		if schemaMap != nil {
			schema = schemaFromMap(schemaMap)
		}

		wrappers = append(wrappers, &remoteTool{
			name:        toolName,
			remoteName:  desc.Name,
			description: desc.Description,
			schema:      schema,
			session:     session,
		})
		names = append(names, toolName)
	}
	return wrappers, names, nil
}

func (r *Registry) mcpToolsChangedHook(serverID string) func(context.Context, *mcp.ClientSession) {
	if r == nil {
		return nil
	}
	serverID = strings.TrimSpace(serverID)
	return func(ctx context.Context, session *mcp.ClientSession) {
		sessionID := ""
		if session != nil {
			sessionID = session.ID()
		}
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.refreshMCPTools(refreshCtx, serverID, sessionID); err != nil {
				log.Printf("tool registry: refresh MCP tools: %v", err)
			}
		}()
	}
}

func (r *Registry) refreshMCPTools(ctx context.Context, serverID, sessionID string) error {
	serverID = strings.TrimSpace(serverID)
	sessionID = strings.TrimSpace(sessionID)

	var (
		serverName string
		session    *mcp.ClientSession
	)
	r.mu.RLock()
	for _, info := range r.mcpSessions {
		if info == nil {
			continue
		}
		if sessionID != "" && info.sessionID == sessionID {
			serverName = info.serverName
			session = info.session
			break
		}
		if session == nil && serverID != "" && info.serverID == serverID {
			serverName = info.serverName
			session = info.session
		}
	}
	r.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("mcp session not found")
	}

	listCtx, cancel := context.WithTimeout(nonNilContext(ctx), 10*time.Second)
	defer cancel()

	tools, err := listTools(listCtx, session)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		return fmt.Errorf("MCP server returned no tools")
	}

	wrappers, names, err := buildRemoteToolWrappers(session, serverName, tools)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.findMCPSessionLocked(serverID, sessionID)
	if info == nil {
		return fmt.Errorf("mcp session not tracked")
	}
	for _, name := range names {
		if _, exists := r.tools[name]; exists {
			if _, ok := info.toolNames[name]; !ok {
				return fmt.Errorf("tool %s already registered", name)
			}
		}
	}
	for name := range info.toolNames {
		delete(r.tools, name)
	}
	for i, t := range wrappers {
		r.tools[names[i]] = t
	}
	info.toolNames = toNameSet(names)
	return nil
}

func (r *Registry) findMCPSessionLocked(serverID, sessionID string) *mcpSessionInfo {
	serverID = strings.TrimSpace(serverID)
	sessionID = strings.TrimSpace(sessionID)
	for _, info := range r.mcpSessions {
		if info == nil {
			continue
		}
		if sessionID != "" && info.sessionID == sessionID {
			return info
		}
		if serverID != "" && info.serverID == serverID {
			return info
		}
	}
	return nil
}

func toNameSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		out[name] = struct{}{}
	}
	return out
}

func nonNilContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// remoteTool wraps an MCP server tool so it satisfies the Tool interface.
type remoteTool struct {
	name        string
	remoteName  string
	description string
	schema      *JSONSchema
	session     *mcp.ClientSession
}

func (r *remoteTool) Name() string        { return r.name }
func (r *remoteTool) Description() string { return r.description }
func (r *remoteTool) Schema() *JSONSchema { return r.schema }
func (r *remoteTool) Kind() Origin        { return OriginRemote }

func (r *remoteTool) Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error) {
	if r.session == nil {
		return nil, fmt.Errorf("mcp session is nil")
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	remoteName := r.remoteName
	if remoteName == "" {
		remoteName = r.name
	}
	res, err := r.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      remoteName,
		Arguments: params,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("MCP call returned nil result")
	}

	output := firstTextContent(res.Content)
	return &ToolResult{
		Success: true,
		Output:  output,
		Data:    res.Content,
	}, nil
}

func firstTextContent(content []mcp.Content) string {
	for _, part := range content {
		if txt, ok := part.(*mcp.TextContent); ok {
			return txt.Text
		}
	}
	return ""
}

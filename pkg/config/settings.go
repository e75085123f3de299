// Package config implements the layered Settings model the engine reads at
// startup and on reload: typed defaults, YAML project/local overlays, and a
// deep-merge across the two, generalized from the Claude Code settings
// layering scheme to this engine's own domain (model routing, tool
// permissions, hooks, MCP servers, telemetry).
package config

// Settings models the full, mergeable configuration surface of one engine
// instance. All optional booleans/ints use pointers so nil means "unset"
// and the caller's defaults apply instead of a zero value silently winning.
type Settings struct {
	// Model overrides the default model id used when no Model Router
	// strategy picks one explicitly.
	Model string `yaml:"model,omitempty"`

	// Env is merged across settings layers. The engine does not apply it to
	// the subprocesses it spawns: bash tool commands and hook commands do
	// not receive it.
	Env map[string]string `yaml:"env,omitempty"`

	// Permissions feeds the Policy Engine's rule table.
	Permissions *PermissionsConfig `yaml:"permissions,omitempty"`

	// DisallowedTools are left out of the Agent Executor's tool allow-list.
	// They are still registered in the Tool Registry.
	DisallowedTools []string `yaml:"disallowedTools,omitempty"`

	// Hooks maps a lifecycle event name (see pkg/events.Type) to the shell
	// hooks bound to it.
	Hooks map[string][]HookEntry `yaml:"hooks,omitempty"`
	// DisableAllHooks force-disables every configured hook without editing
	// the Hooks map itself.
	DisableAllHooks *bool `yaml:"disableAllHooks,omitempty"`

	// MCPServers are connected at startup and fed into the Tool Registry's
	// remote-origin discovery, keyed by a caller-chosen server name.
	MCPServers map[string]MCPServerConfig `yaml:"mcpServers,omitempty"`

	// BashTimeoutSeconds is merged across settings layers. The bash tool
	// does not read it: its timeout comes from each call's timeout_ms or
	// the tool's built-in default.
	BashTimeoutSeconds *int `yaml:"bashTimeoutSeconds,omitempty"`
	// MaxTurns overrides the Agent Executor's default turn budget.
	MaxTurns *int `yaml:"maxTurns,omitempty"`

	// Telemetry controls whether spans are exported anywhere beyond the
	// no-op default.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// PermissionsConfig mirrors policy.Rules plus two settings beside it:
// AdditionalDirectories, passed to the Policy Engine as trusted folders (a
// call whose target lies under one is allowed before any rule is consulted),
// and DefaultMode, which the Policy Engine does not read: unmatched calls
// fall back by tool kind.
type PermissionsConfig struct {
	Allow                 []string `yaml:"allow,omitempty"`
	Ask                   []string `yaml:"ask,omitempty"`
	Deny                  []string `yaml:"deny,omitempty"`
	AdditionalDirectories []string `yaml:"additionalDirectories,omitempty"`
	DefaultMode           string   `yaml:"defaultMode,omitempty"`
}

// HookEntry describes one shell command bound to a lifecycle event.
type HookEntry struct {
	Matcher        string `yaml:"matcher,omitempty"`
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
	Async          bool   `yaml:"async,omitempty"`
	Once           bool   `yaml:"once,omitempty"`
}

// MCPServerConfig describes one MCP server connection. Spec follows
// pkg/mcp.ConnectSessionWithOptions's spec-string grammar: a bare shell
// command for stdio, or an http(s)/sse URL.
type MCPServerConfig struct {
	Spec    string            `yaml:"spec"`
	Env     map[string]string `yaml:"env,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// TelemetryConfig controls span export.
type TelemetryConfig struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"serviceName,omitempty"`
}

// DefaultSettings returns the engine's built-in defaults, applied before any
// file-based layer.
func DefaultSettings() Settings {
	maxTurns := 25
	bashTimeout := 120
	return Settings{
		MaxTurns:           intPtr(maxTurns),
		BashTimeoutSeconds: intPtr(bashTimeout),
		DisableAllHooks:    boolPtr(false),
		Permissions: &PermissionsConfig{
			DefaultMode: "askBeforeRunningTools",
		},
		Telemetry: &TelemetryConfig{
			Enabled: boolPtr(false),
		},
	}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentcore/engine/pkg/agentrun"
	"github.com/agentcore/engine/pkg/chat"
	"github.com/agentcore/engine/pkg/config"
	"github.com/agentcore/engine/pkg/events"
	"github.com/agentcore/engine/pkg/hooks"
	"github.com/agentcore/engine/pkg/middleware"
	"github.com/agentcore/engine/pkg/model"
	"github.com/agentcore/engine/pkg/policy"
	"github.com/agentcore/engine/pkg/prompt"
	"github.com/agentcore/engine/pkg/scheduler"
	"github.com/agentcore/engine/pkg/telemetry"
	"github.com/agentcore/engine/pkg/tool"
	builtin "github.com/agentcore/engine/pkg/tool/builtin"
)

var messageFlag string
var projectFlag string

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "agentcore - interactive terminal agent engine",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in single-message or REPL mode",
	RunE:  runRun,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the resolved settings for this project",
	RunE:  runSession,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .agentcore/settings.yaml for this project",
	RunE:  runInit,
}

func init() {
	runCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "single message to send instead of starting a REPL")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", ".", "project root")
	rootCmd.AddCommand(runCmd, sessionCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	root, err := filepath.Abs(projectFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	loader := &config.Loader{ProjectRoot: root}
	return loader.Load()
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(projectFlag)
	if err != nil {
		return err
	}
	dir := filepath.Dir(config.ProjectSettingsPath(root))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := config.ProjectSettingsPath(root)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("settings already exist: %s\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(defaultSettingsYAML), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runSession(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	fmt.Printf("model: %s\n", settings.Model)
	fmt.Printf("max turns: %d\n", intOr(settings.MaxTurns, 0))
	fmt.Printf("bash timeout seconds: %d\n", intOr(settings.BashTimeoutSeconds, 0))
	fmt.Printf("permissions default mode: %s\n", settings.Permissions.DefaultMode)
	fmt.Printf("disallowed tools: %s\n", strings.Join(settings.DisallowedTools, ", "))
	fmt.Printf("mcp servers: %d\n", len(settings.MCPServers))
	telemetryEnabled := settings.Telemetry != nil && settings.Telemetry.Enabled != nil && *settings.Telemetry.Enabled
	fmt.Printf("telemetry enabled: %v\n", telemetryEnabled)
	return nil
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func runRun(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(projectFlag)
	if err != nil {
		return err
	}
	settings, err := loadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	backend, err := resolveBackend(settings)
	if err != nil {
		return err
	}

	registry, memTool, err := buildRegistry(root)
	if err != nil {
		return err
	}
	defer registry.Close()
	defer memTool.Close()

	if err := registerMCPServers(cmd.Context(), registry, settings); err != nil {
		return fmt.Errorf("register mcp servers: %w", err)
	}

	tracer, err := buildTracer(settings)
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	policyEngine, err := policy.NewEngine(policy.Rules{
		Allow: settings.Permissions.Allow,
		Ask:   settings.Permissions.Ask,
		Deny:  settings.Permissions.Deny,
	}, settings.Permissions.AdditionalDirectories...)
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}

	hookExecutor := buildHookExecutor(settings)
	defer hookExecutor.Close()

	sched := scheduler.New(registry,
		scheduler.WithPolicy(policyEngine),
		scheduler.WithHooks(hookExecutor),
		scheduler.WithTracer(tracer),
		scheduler.WithApprovalHandler(terminalApproval),
	)

	router := buildRouter(backend, settings)

	sysPrompt, err := buildSystemPrompt(root, registry)
	if err != nil {
		return fmt.Errorf("build system prompt: %w", err)
	}

	def := agentrun.Definition{
		Name:          "agentcore",
		SystemPrompt:  sysPrompt,
		QueryTemplate: "{{.task}}",
		Model:         settings.Model,
		ToolAllowlist: allowedToolNames(registry, settings.DisallowedTools),
		MaxTurns:      settings.MaxTurns,
	}

	exec, err := agentrun.New(def, backend, registry, sched,
		agentrun.WithRouter(router),
		agentrun.WithMiddleware(middleware.NewChain(nil)),
		agentrun.WithTracer(tracer),
		agentrun.WithTokenCallback(func(stats chat.TokenUsageStats) {}),
	)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	ctx := context.Background()

	if messageFlag != "" {
		res, err := exec.Run(ctx, map[string]any{"task": messageFlag})
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		fmt.Println(res.Output)
		return nil
	}

	fmt.Println("agentcore (type 'exit' to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		res, err := exec.Run(ctx, map[string]any{"task": input})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(res.Output)
	}
	return nil
}

func resolveBackend(settings *config.Settings) (model.Model, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	modelName := settings.Model
	if modelName == "" {
		modelName = "claude-sonnet-4-5"
	}
	return model.NewAnthropic(model.AnthropicConfig{
		APIKey: apiKey,
		Model:  modelName,
	})
}

func buildRouter(backend model.Model, settings *config.Settings) *model.Router {
	return model.NewRouter(
		model.OverrideStrategy{},
		model.DefaultStrategy{Model: settings.Model},
	)
}

func buildRegistry(root string) (*tool.Registry, *builtin.MemoryTool, error) {
	registry := tool.NewRegistry()
	builtinTools := []tool.Tool{
		builtin.NewReadTool(root),
		builtin.NewWriteTool(root),
		builtin.NewEditTool(root),
		builtin.NewGlobTool(root),
		builtin.NewGrepTool(root),
		builtin.NewBashTool(root),
		builtin.NewWebFetchTool(),
	}
	for _, t := range builtinTools {
		if err := registry.Register(t); err != nil {
			return nil, nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}

	if err := os.MkdirAll(filepath.Join(root, ".agentcore"), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create agentcore dir: %w", err)
	}
	memTool, err := builtin.NewMemoryTool(filepath.Join(root, ".agentcore", "memory.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("build memory tool: %w", err)
	}
	if err := registry.Register(memTool); err != nil {
		return nil, nil, fmt.Errorf("register memory tool: %w", err)
	}

	return registry, memTool, nil
}

func registerMCPServers(ctx context.Context, registry *tool.Registry, settings *config.Settings) error {
	for name, srv := range settings.MCPServers {
		if err := registry.RegisterMCPServerWithOptions(ctx, srv.Spec, name, tool.MCPServerOptions{
			Env:     srv.Env,
			Headers: srv.Headers,
		}); err != nil {
			return fmt.Errorf("mcp server %s: %w", name, err)
		}
	}
	return nil
}

func buildHookExecutor(settings *config.Settings) *hooks.Executor {
	exec := hooks.NewExecutor()
	if settings.DisableAllHooks != nil && *settings.DisableAllHooks {
		return exec
	}
	for event, entries := range settings.Hooks {
		eventType := events.Type(event)
		for _, e := range entries {
			selector, err := hooks.NewSelector(e.Matcher, "")
			if err != nil {
				continue
			}
			exec.Register(hooks.ShellHook{
				Event:    eventType,
				Command:  e.Command,
				Selector: selector,
				Async:    e.Async,
				Once:     e.Once,
			})
		}
	}
	return exec
}

func buildTracer(settings *config.Settings) (telemetry.Tracer, error) {
	cfg := telemetry.DefaultConfig()
	if settings.Telemetry != nil {
		if settings.Telemetry.Enabled != nil {
			cfg.Enabled = *settings.Telemetry.Enabled
		}
		if settings.Telemetry.Endpoint != "" {
			cfg.Endpoint = settings.Telemetry.Endpoint
		}
		if settings.Telemetry.ServiceName != "" {
			cfg.ServiceName = settings.Telemetry.ServiceName
		}
	}
	return telemetry.NewTracer(cfg)
}

func buildSystemPrompt(root string, registry *tool.Registry) (string, error) {
	names := make([]string, 0, len(registry.List()))
	for _, t := range registry.List() {
		names = append(names, t.Name())
	}
	mem, err := prompt.LoadMemory(root)
	if err != nil {
		mem = ""
	}
	builder := prompt.New(prompt.OptionsFromEnv(prompt.Options{
		RegisteredTools: names,
		GitRepo:         isGitRepo(root),
		Memory:          mem,
	}))
	return builder.Build()
}

func allowedToolNames(registry *tool.Registry, disallowed []string) []string {
	deny := make(map[string]bool, len(disallowed))
	for _, n := range disallowed {
		deny[n] = true
	}
	names := make([]string, 0, len(registry.List()))
	for _, t := range registry.List() {
		if !deny[t.Name()] {
			names = append(names, t.Name())
		}
	}
	return names
}

func isGitRepo(root string) bool {
	_, err := os.Stat(filepath.Join(root, ".git"))
	return err == nil
}

func terminalApproval(ctx context.Context, req scheduler.ApprovalRequest) (bool, error) {
	fmt.Printf("\n%s wants to run %s with %v\nAllow? [y/N] ", req.DisplayName, req.ToolName, req.Params)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", nil
}

const defaultSettingsYAML = `model: claude-sonnet-4-5
maxTurns: 25
bashTimeoutSeconds: 120
permissions:
  defaultMode: askBeforeRunningTools
telemetry:
  enabled: false
`

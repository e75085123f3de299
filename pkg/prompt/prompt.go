// Package prompt assembles the top-level system instruction from named,
// independently toggleable sections. Section selection depends on which
// tools are registered, the sandbox posture, and whether the working
// directory sits inside a version-controlled repository.
package prompt

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SandboxPosture describes how tightly tool execution is confined.
type SandboxPosture string

const (
	SandboxNone             SandboxPosture = "none"
	SandboxGenericContainer SandboxPosture = "generic_container"
	SandboxPlatformNative   SandboxPosture = "platform_native"
)

// Section names one block of the assembled system prompt. Order here is the
// order sections are rendered in.
type Section string

const (
	SectionPreamble               Section = "preamble"
	SectionCoreMandates           Section = "coreMandates"
	SectionPrimaryWorkflows       Section = "primaryWorkflows"
	SectionOperationalGuidelines  Section = "operationalGuidelines"
	SectionSandbox                Section = "sandbox"
	SectionGit                    Section = "git"
	SectionFinalReminder          Section = "finalReminder"
)

var sectionOrder = []Section{
	SectionPreamble,
	SectionCoreMandates,
	SectionPrimaryWorkflows,
	SectionOperationalGuidelines,
	SectionSandbox,
	SectionGit,
	SectionFinalReminder,
}

// envPrefix namespaces every environment variable this package reads, in
// keeping with the project's AGENTCORE_ prefix convention.
const envPrefix = "AGENTCORE_"

// Options configures one Build call.
type Options struct {
	// RegisteredTools lists the names of tools available this session, used
	// to pick a primary-workflows variant.
	RegisteredTools []string
	// PlanningTools names the subset of RegisteredTools considered
	// "planning-oriented" (e.g. a todo-list tool, a plan-mode tool). A
	// distinct primaryWorkflows variant is selected depending on how many
	// of them are present.
	PlanningTools []string
	Sandbox       SandboxPosture
	GitRepo       bool

	// Disabled lists sections to omit entirely, independent of env flags.
	Disabled map[Section]bool
	// OverrideFile, if non-empty, replaces the whole assembled prompt with
	// this file's contents; no per-section logic runs.
	OverrideFile string
	// Memory is a non-empty block appended as a trailing section when a
	// memory has been stored via the memory tool.
	Memory string
}

// OptionsFromEnv reads per-section disable flags (AGENTCORE_PROMPT_DISABLE_<SECTION>,
// case-insensitive match against Section names, "1"/"true" to disable) and
// the whole-prompt override path (AGENTCORE_PROMPT_FILE) from the process
// environment, layering them onto base.
func OptionsFromEnv(base Options) Options {
	opts := base
	if opts.Disabled == nil {
		opts.Disabled = map[Section]bool{}
	} else {
		merged := make(map[Section]bool, len(opts.Disabled))
		for k, v := range opts.Disabled {
			merged[k] = v
		}
		opts.Disabled = merged
	}

	for _, s := range sectionOrder {
		key := envPrefix + "PROMPT_DISABLE_" + strings.ToUpper(string(s))
		if raw, ok := os.LookupEnv(key); ok {
			if disabled, err := strconv.ParseBool(raw); err == nil && disabled {
				opts.Disabled[s] = true
			}
		}
	}

	if override := strings.TrimSpace(os.Getenv(envPrefix + "PROMPT_FILE")); override != "" {
		opts.OverrideFile = override
	}

	return opts
}

// Builder assembles a system prompt from Options.
type Builder struct {
	opts Options
}

// New constructs a Builder. Callers that want environment overrides applied
// should pass OptionsFromEnv(opts).
func New(opts Options) *Builder {
	return &Builder{opts: opts}
}

// Build renders the full system prompt. A whole-prompt file override, when
// set, takes precedence over every section.
func (b *Builder) Build() (string, error) {
	if override := strings.TrimSpace(b.opts.OverrideFile); override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			return "", fmt.Errorf("prompt: read override file: %w", err)
		}
		return string(data), nil
	}

	var parts []string
	for _, s := range sectionOrder {
		if b.opts.Disabled[s] {
			continue
		}
		text := renderSection(s, b.opts)
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(text))
	}

	out := strings.Join(parts, "\n\n")
	if mem := strings.TrimSpace(b.opts.Memory); mem != "" {
		out = strings.TrimSpace(out) + "\n\n## Memory\n\n" + mem
	}
	return out, nil
}

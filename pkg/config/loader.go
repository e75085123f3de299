package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader composes Settings across three layers, lowest to highest priority:
// built-in defaults < project settings file < project-local (untracked)
// settings file. RuntimeOverrides, if set, applies above all three.
type Loader struct {
	ProjectRoot      string
	RuntimeOverrides *Settings
}

// ProjectSettingsPath is the tracked, shared settings file beneath root.
func ProjectSettingsPath(root string) string {
	return filepath.Join(root, ".agentcore", "settings.yaml")
}

// LocalSettingsPath is the untracked, machine-local overlay beneath root.
func LocalSettingsPath(root string) string {
	return filepath.Join(root, ".agentcore", "settings.local.yaml")
}

// Load resolves and merges settings across all layers.
func (l *Loader) Load() (*Settings, error) {
	if strings.TrimSpace(l.ProjectRoot) == "" {
		return nil, errors.New("config: project root is required")
	}
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project root: %w", err)
	}

	merged := DefaultSettings()

	layers := []struct {
		name string
		path string
	}{
		{name: "project", path: ProjectSettingsPath(root)},
		{name: "local", path: LocalSettingsPath(root)},
	}
	for _, layer := range layers {
		if err := applyLayer(&merged, layer.name, layer.path); err != nil {
			return nil, err
		}
	}

	if l.RuntimeOverrides != nil {
		log.Printf("config: applying runtime overrides")
		if next := MergeSettings(&merged, l.RuntimeOverrides); next != nil {
			merged = *next
		}
	}

	return &merged, nil
}

func applyLayer(dst *Settings, name, path string) error {
	cfg, err := loadYAMLFile(path)
	if err != nil {
		return fmt.Errorf("config: load %s settings: %w", name, err)
	}
	if cfg == nil {
		log.Printf("config: %s layer not found at %s", name, path)
		return nil
	}
	log.Printf("config: applying %s layer from %s", name, path)
	if next := MergeSettings(dst, cfg); next != nil {
		*dst = *next
	}
	return nil
}

// loadYAMLFile decodes a settings YAML file. A missing file returns (nil, nil).
func loadYAMLFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &s, nil
}

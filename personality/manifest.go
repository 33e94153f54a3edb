package personality

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the parsed manifest.yaml for one personality pack, per
// spec.md §4.3/§6: required {id, name, version}, optional
// {description, system_prompt_file, traits, tools_module, provider,
// model}.
type Manifest struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	Version          string         `yaml:"version"`
	Description      string         `yaml:"description"`
	SystemPromptFile string         `yaml:"system_prompt_file"`
	Traits           map[string]any `yaml:"traits"`
	Tools            []string       `yaml:"tools"`
	Provider         string         `yaml:"provider"`
	Model            string         `yaml:"model"`
}

// Validate checks the manifest's required fields.
func (m Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing required field: id")
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field: name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest missing required field: version")
	}
	return nil
}

// loadManifest parses and validates the manifest file at path, and
// verifies its id matches the containing directory name as the
// reference implementation does (skip-on-mismatch, not a hard error, so
// callers can log and continue loading other packs).
func loadManifest(path string, dirName string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	if m.ID != dirName {
		return Manifest{}, fmt.Errorf("manifest id %q does not match pack directory %q", m.ID, dirName)
	}
	return m, nil
}

func readSystemPrompt(packDir string, m Manifest) (string, error) {
	if m.SystemPromptFile == "" {
		return "", nil
	}
	promptPath := filepath.Join(packDir, m.SystemPromptFile)
	content, err := os.ReadFile(promptPath)
	if err != nil {
		return "", fmt.Errorf("system prompt file %q: %w", m.SystemPromptFile, err)
	}
	return string(content), nil
}

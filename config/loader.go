package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentruntime/core/model"
)

const includeKey = "$include"

// Load reads path into a typed Config, resolving $include/include
// directives with cycle detection, expanding ${VAR_NAME} environment
// placeholders, and rejecting unknown keys. Deliberately YAML-only:
// the pack this loader was adapted from also reached for JSON5 for
// .json/.json5 files, but no TOML or JSON5 library is available
// anywhere in the dependency surface this module draws from, and
// spec.md's "TOML-like" wording was already resolved to YAML-only
// (see DESIGN.md).
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := validateSecrets(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateSecrets enforces that every provider this configuration
// actually depends on — general.current_provider, plus whatever
// provider each loaded personality pack declares — carries a non-empty
// api_key. A provider block that neither general.current_provider nor
// any pack names is not required to carry one.
func validateSecrets(cfg *Config) error {
	required := map[string]struct{}{}
	if cfg.General.CurrentProvider != "" {
		required[cfg.General.CurrentProvider] = struct{}{}
	}
	for _, name := range personalityProviders(cfg.Personalities.Directory) {
		required[name] = struct{}{}
	}

	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc, ok := cfg.Providers[name]
		if !ok || strings.TrimSpace(pc.APIKey) == "" {
			return fmt.Errorf("%w: providers.%s.api_key is required", model.ErrConfiguration, name)
		}
	}
	return nil
}

// personalityProviders scans directory for personality manifests and
// returns the distinct provider names they declare, best-effort: a
// directory that doesn't exist or a pack whose manifest can't be read
// is skipped here since personality.Manager is the component
// responsible for surfacing that as a load failure.
func personalityProviders(directory string) []string {
	if directory == "" {
		return nil
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil
	}

	seen := map[string]struct{}{}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, manifestName := range []string{"manifest.yaml", "manifest.yml"} {
			data, err := os.ReadFile(filepath.Join(directory, entry.Name(), manifestName))
			if err != nil {
				continue
			}
			var manifest struct {
				Provider string `yaml:"provider"`
			}
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				continue
			}
			if manifest.Provider == "" {
				continue
			}
			if _, ok := seen[manifest.Provider]; !ok {
				seen[manifest.Provider] = struct{}{}
				names = append(names, manifest.Provider)
			}
			break
		}
	}
	return names
}

// LoadRaw reads path into a merged raw map, resolving includes but not
// yet decoding into the typed Config. Exposed so callers can inspect
// or further merge configuration before the strict decode step.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	seen := map[string]bool{}
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config: include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", absPath, err)
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}

	merged = mergeMaps(merged, raw)
	return merged, nil
}

func parseRawBytes(data []byte) (map[string]any, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("expected a single YAML document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var includeVal any
	if val, ok := raw[includeKey]; ok {
		includeVal = val
		delete(raw, includeKey)
	} else if val, ok := raw["include"]; ok {
		includeVal = val
		delete(raw, "include")
	}
	if includeVal == nil {
		return nil, nil
	}

	switch typed := includeVal.(type) {
	case string:
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("config: include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("config: include must be a string or list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-serializing merged document: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: expected a single YAML document")
	}
	return &cfg, nil
}

// Marshal serializes cfg back to YAML bytes, for the round-trip
// property Load(Marshal(cfg)) == cfg over the recognized key set.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Package config loads the typed record ConfigLoader hands to every
// other component at construction time, grounded on nexus's
// internal/config/loader.go $include-resolution/deep-merge pipeline
// generalized from that loader's Config shape to spec.md §6's key
// set. Secrets are resolved from environment variables via
// ${VAR_NAME} placeholders expanded before parsing, matching the
// teacher's os.ExpandEnv step.
package config

import "time"

// Config is the typed view of the recognized key set from spec.md §6.
// Every field round-trips through Marshal/Load for the recognized
// keys: Load(Marshal(cfg)) == cfg.
type Config struct {
	General       GeneralConfig             `yaml:"general"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Personalities PersonalitiesConfig       `yaml:"personalities"`
	Memory        MemoryConfig              `yaml:"memory"`
	Redis         RedisConfig               `yaml:"redis"`
	CoreRuntime   CoreRuntimeConfig         `yaml:"core_runtime"`
	Logging       LoggingConfig             `yaml:"logging"`
}

// GeneralConfig holds process-wide defaults.
type GeneralConfig struct {
	CurrentProvider string `yaml:"current_provider"`
}

// ProviderConfig is one providers.<name> block: default model, secret,
// retry/timeout knobs, and a per-model price table.
type ProviderConfig struct {
	Model            string                 `yaml:"model"`
	APIKey           string                 `yaml:"api_key"`
	BaseURL          string                 `yaml:"base_url,omitempty"`
	MaxRetries       int                    `yaml:"max_retries"`
	BaseBackoffMS    int                    `yaml:"base_backoff_ms"`
	RequestTimeoutMS int                    `yaml:"request_timeout_ms"`
	Pricing          map[string]PriceConfig `yaml:"pricing"`
}

// PriceConfig is providers.<name>.pricing.<model>.
type PriceConfig struct {
	InputPerToken  float64 `yaml:"input_per_token"`
	OutputPerToken float64 `yaml:"output_per_token"`
}

// PersonalitiesConfig points at the pack directory and the fallback
// personality id.
type PersonalitiesConfig struct {
	Directory            string `yaml:"directory"`
	DefaultPersonalityID string `yaml:"default_personality_id"`
}

// MemoryConfig toggles and wires memory backends.
type MemoryConfig struct {
	RedisEnabled       bool          `yaml:"redis_enabled"`
	VectorStoreEnabled bool          `yaml:"vector_store_enabled"`
	LanceDB            LanceDBConfig `yaml:"lancedb"`
	CacheCapacity      int           `yaml:"cache_capacity"`
}

// LanceDBConfig wires the optional vector-store backend.
type LanceDBConfig struct {
	URI                   string `yaml:"uri"`
	TableName             string `yaml:"table_name"`
	EmbeddingFunctionName string `yaml:"embedding_function_name"`
	EmbeddingModelName    string `yaml:"embedding_model_name"`
}

// RedisConfig is the cache backend's connection URL.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CoreRuntimeConfig holds every numeric knob consumed by runctx,
// plan, step, and turn at construction time.
type CoreRuntimeConfig struct {
	MaxTurnDurationSeconds      int  `yaml:"max_turn_duration_seconds"`
	MaxStepsPerPlan             int  `yaml:"max_steps_per_plan"`
	MaxPlanGenerationRetries    int  `yaml:"max_plan_generation_retries"`
	MaxStepExecutionRetries     int  `yaml:"max_step_execution_retries"`
	MaxConversationHistoryTurns int  `yaml:"max_conversation_history_turns"`
	MaxContextTokensForLLM      int  `yaml:"max_context_tokens_for_llm"`
	MaxConcurrentSteps          int  `yaml:"max_concurrent_steps"`
	FailFast                    bool `yaml:"fail_fast"`
}

// LoggingConfig controls the process-wide slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MaxTurnDuration returns CoreRuntime.MaxTurnDurationSeconds as a
// time.Duration, defaulting to 120s when unset.
func (c CoreRuntimeConfig) MaxTurnDuration() time.Duration {
	if c.MaxTurnDurationSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.MaxTurnDurationSeconds) * time.Second
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the engine's top-level configuration. It loads from a single
// YAML (or JSON5) document, supporting the same $include merge loader.go
// implements, and is then env-overridden/defaulted/validated in that
// order before being handed to cmd/engine's wiring.
type Config struct {
	// Version is the config file's schema version; zero means "current"
	// to keep hand-written configs terse, but an explicit mismatch is
	// still checked against CurrentVersion.
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Tools     ToolsConfig     `yaml:"tools"`
	AgentLoop AgentLoopConfig `yaml:"agent_loop"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cron      CronConfig      `yaml:"cron"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the engine's HTTP control surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StorageConfig selects and configures the persistence port.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file; ignored for the memory driver.
	Path string `yaml:"path"`
}

// EventBusConfig sizes the two event-bus delivery lanes.
type EventBusConfig struct {
	HighPriBuffer int `yaml:"high_pri_buffer"`
	LowPriBuffer  int `yaml:"low_pri_buffer"`
}

// ConfirmConfig bounds how long a confirmation slot waits before it
// auto-rejects.
type ConfirmConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ToolsConfig bounds tool execution: default timeout and retry behavior
// for Transient failures.
type ToolsConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultRetries  int           `yaml:"default_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// AgentLoopConfig bounds the Agent Loop's phase iteration caps, model
// retry, and context-window management.
type AgentLoopConfig struct {
	MaxExploreIterations  int           `yaml:"max_explore_iterations"`
	MaxPlanIterations     int           `yaml:"max_plan_iterations"`
	MaxPerformIterations  int           `yaml:"max_perform_iterations"`
	ThinkingIdleThreshold time.Duration `yaml:"thinking_idle_threshold"`
	ModelRetryAttempts    int           `yaml:"model_retry_attempts"`
	MaxContextTokens      int           `yaml:"max_context_tokens"`
	HistoryShare          float64       `yaml:"history_share"`
	MaxToolResultChars    int           `yaml:"max_tool_result_chars"`
	DefaultModel          string        `yaml:"default_model"`
	DefaultSystem         string        `yaml:"default_system"`
}

// LLMConfig selects the default model provider and holds per-provider
// connection settings.
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds one model provider's connection settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SchedulerConfig bounds the Scheduler's polling cadence.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// CronConfig seeds the Cron Job table at startup; once running, jobs are
// managed through the persistence port rather than this static list.
type CronConfig struct {
	Jobs []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig defines one seeded scheduled job.
type CronJobConfig struct {
	ID        string `yaml:"id"`
	Channel   string `yaml:"channel"`
	ChannelID string `yaml:"channel_id"`
	Cron      string `yaml:"cron"`
	Every     time.Duration `yaml:"every"`
	At        string `yaml:"at"`
	Timezone  string `yaml:"timezone"`
	Payload   string `yaml:"payload"`
	Mode      string `yaml:"mode"`
}

// LoggingConfig configures the engine's structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (resolving $include directives per loader.go), expands
// environment variables, decodes with unknown-field rejection, applies
// environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	} else if verr := ValidateVersion(cfg.Version); verr != nil {
		return nil, verr
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyEventBusDefaults(&cfg.EventBus)
	applyConfirmDefaults(&cfg.Confirm)
	applyToolsDefaults(&cfg.Tools)
	applyAgentLoopDefaults(&cfg.AgentLoop)
	applyLLMDefaults(&cfg.LLM)
	applySchedulerDefaults(&cfg.Scheduler)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.Driver == "sqlite" && cfg.Path == "" {
		cfg.Path = "engine.db"
	}
}

func applyEventBusDefaults(cfg *EventBusConfig) {
	if cfg.HighPriBuffer == 0 {
		cfg.HighPriBuffer = 32
	}
	if cfg.LowPriBuffer == 0 {
		cfg.LowPriBuffer = 256
	}
}

func applyConfirmDefaults(cfg *ConfirmConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.DefaultRetries == 0 {
		cfg.DefaultRetries = 2
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = 5 * time.Second
	}
}

func applyAgentLoopDefaults(cfg *AgentLoopConfig) {
	if cfg.MaxExploreIterations == 0 {
		cfg.MaxExploreIterations = 10
	}
	if cfg.MaxPlanIterations == 0 {
		cfg.MaxPlanIterations = 8
	}
	if cfg.MaxPerformIterations == 0 {
		cfg.MaxPerformIterations = 50
	}
	if cfg.ThinkingIdleThreshold == 0 {
		cfg.ThinkingIdleThreshold = 5 * time.Second
	}
	if cfg.ModelRetryAttempts == 0 {
		cfg.ModelRetryAttempts = 3
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 100000
	}
	if cfg.HistoryShare == 0 {
		cfg.HistoryShare = 0.8
	}
	if cfg.MaxToolResultChars == 0 {
		cfg.MaxToolResultChars = 4096
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("ENGINE_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("ENGINE_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ENGINE_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ENGINE_DB_PATH")); value != "" {
		cfg.Storage.Path = value
	}
	for provider, pcfg := range cfg.LLM.Providers {
		envVar := "ENGINE_" + strings.ToUpper(provider) + "_API_KEY"
		if value := strings.TrimSpace(os.Getenv(envVar)); value != "" {
			pcfg.APIKey = value
			cfg.LLM.Providers[provider] = pcfg
		}
	}
}

// ConfigValidationError collects every validation failure found, so an
// operator fixes a misconfigured file in one pass rather than one error
// at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	switch cfg.Storage.Driver {
	case "memory", "sqlite":
	default:
		issues = append(issues, `storage.driver must be "memory" or "sqlite"`)
	}
	if cfg.Storage.Driver == "sqlite" && strings.TrimSpace(cfg.Storage.Path) == "" {
		issues = append(issues, "storage.path is required for the sqlite driver")
	}

	if cfg.AgentLoop.MaxPerformIterations < 10 || cfg.AgentLoop.MaxPerformIterations > 200 {
		issues = append(issues, "agent_loop.max_perform_iterations must be between 10 and 200")
	}
	if cfg.AgentLoop.HistoryShare <= 0 || cfg.AgentLoop.HistoryShare > 1 {
		issues = append(issues, "agent_loop.history_share must be in (0, 1]")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" && len(cfg.LLM.Providers) > 0 {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	for i, job := range cfg.Cron.Jobs {
		if strings.TrimSpace(job.ID) == "" {
			issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
		}
		if strings.TrimSpace(job.Cron) == "" && job.Every == 0 && strings.TrimSpace(job.At) == "" {
			issues = append(issues, fmt.Sprintf("cron.jobs[%d] needs one of cron, every, or at", i))
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, `logging.level must be "debug", "info", "warn", or "error"`)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// Package config loads agentrelay settings from defaults, an optional config
// file and AGENTRELAY_ environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTRELAY_TIMEOUT=60s or
// AGENTRELAY_CLAUDE_MAX_TURNS=20.
const EnvPrefix = "AGENTRELAY"

// Config holds the application configuration.
type Config struct {
	// ApprovedDirectory confines the working directories of all scopes.
	ApprovedDirectory string `mapstructure:"approved_directory"`
	DefaultBackend    string `mapstructure:"default_backend" validate:"required,oneof=claude codex anthropic openai mock"`
	// Fallbacks maps a primary backend to the backend tried once after a
	// retryable failure.
	Fallbacks               map[string]string `mapstructure:"fallbacks" validate:"dive,keys,oneof=claude codex anthropic openai mock,endkeys,oneof=claude codex anthropic openai mock"`
	Timeout                 time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	CancelGrace             time.Duration     `mapstructure:"cancel_grace" validate:"gte=0"`
	SessionTimeout          time.Duration     `mapstructure:"session_timeout" validate:"gte=0"`
	MaxSessionsPerUser      int               `mapstructure:"max_sessions_per_user" validate:"gte=0"`
	MaxConcurrentDispatches int               `mapstructure:"max_concurrent_dispatches" validate:"gte=0"`

	Permission PermissionConfig `mapstructure:"permission"`
	Claude     ClaudeConfig     `mapstructure:"claude"`
	Codex      CodexConfig      `mapstructure:"codex"`
	Anthropic  APIConfig        `mapstructure:"anthropic"`
	OpenAI     APIConfig        `mapstructure:"openai"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// PermissionConfig configures the approval gate.
type PermissionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	AllowedTools    []string      `mapstructure:"allowed_tools"`
	DisallowedTools []string      `mapstructure:"disallowed_tools"`
	// ValidateTools rejects disallowed tools, file paths outside the
	// working directory and dangerous shell commands.
	ValidateTools bool `mapstructure:"validate_tools"`
}

// ClaudeConfig configures the Claude CLI adapter.
type ClaudeConfig struct {
	Binary           string   `mapstructure:"binary" validate:"required"`
	MaxTurns         int      `mapstructure:"max_turns" validate:"gte=1"`
	AllowedTools     []string `mapstructure:"allowed_tools"`
	DisallowedTools  []string `mapstructure:"disallowed_tools"`
	MCPConfig        string   `mapstructure:"mcp_config"`
	PermissionGating bool     `mapstructure:"permission_gating"`
}

// CodexConfig configures the Codex CLI adapter.
type CodexConfig struct {
	Binary    string `mapstructure:"binary" validate:"required"`
	Model     string `mapstructure:"model"`
	EnableMCP bool   `mapstructure:"enable_mcp"`
}

// APIConfig configures a hosted API adapter. The adapter is registered only
// when enabled.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	APIKey       string `mapstructure:"api_key" validate:"required_if=Enabled true"`
	BaseURL      string `mapstructure:"base_url" validate:"omitempty,url"`
	Model        string `mapstructure:"model"`
	MaxTokens    int64  `mapstructure:"max_tokens" validate:"gte=0"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// StorageConfig selects the session and approval store. An empty path keeps
// everything in memory.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig selects the logger.
type LoggingConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=slog zerolog zap"`
	Level   string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format  string `mapstructure:"format" validate:"oneof=text json console"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("approved_directory", "")
	v.SetDefault("default_backend", "claude")
	v.SetDefault("fallbacks", map[string]string{})
	v.SetDefault("timeout", 300*time.Second)
	v.SetDefault("cancel_grace", 10*time.Second)
	v.SetDefault("session_timeout", 24*time.Hour)
	v.SetDefault("max_sessions_per_user", 5)
	v.SetDefault("max_concurrent_dispatches", 0)

	v.SetDefault("permission.enabled", true)
	v.SetDefault("permission.timeout", 120*time.Second)
	v.SetDefault("permission.allowed_tools", []string{})
	v.SetDefault("permission.disallowed_tools", []string{})
	v.SetDefault("permission.validate_tools", true)

	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.max_turns", 10)
	v.SetDefault("claude.allowed_tools", []string{})
	v.SetDefault("claude.disallowed_tools", []string{})
	v.SetDefault("claude.mcp_config", "")
	v.SetDefault("claude.permission_gating", true)

	v.SetDefault("codex.binary", "codex")
	v.SetDefault("codex.model", "")
	v.SetDefault("codex.enable_mcp", false)

	for _, api := range []string{"anthropic", "openai"} {
		v.SetDefault(api+".enabled", false)
		v.SetDefault(api+".api_key", "")
		v.SetDefault(api+".base_url", "")
		v.SetDefault(api+".model", "")
		v.SetDefault(api+".max_tokens", 4096)
		v.SetDefault(api+".system_prompt", "")
	}

	v.SetDefault("storage.path", "")

	v.SetDefault("logging.backend", "slog")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "agentrelay")
	v.SetDefault("metrics.addr", "")
}

// Load reads configuration. path names an explicit config file (YAML, TOML
// or JSON by extension); when empty, agentrelay.yaml is searched in the
// working directory and $HOME/.config/agentrelay, and a missing file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/agentrelay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks the struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for primary, fallback := range c.Fallbacks {
		if primary == fallback {
			return fmt.Errorf("invalid config: backend %q falls back to itself", primary)
		}
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider   string           `mapstructure:"provider" yaml:"provider"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic" yaml:"anthropic"`
	OpenAI     OpenAIConfig     `mapstructure:"openai" yaml:"openai"`
	Gemini     GeminiConfig     `mapstructure:"gemini" yaml:"gemini"`
	Tools      ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Compaction CompactionConfig `mapstructure:"compaction" yaml:"compaction"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Sessions   SessionsConfig   `mapstructure:"sessions" yaml:"sessions"`
}

type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// Credential records where APIKey came from ("config" or "env"). Populated at load time.
	Credential string `mapstructure:"-" yaml:"-"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"` // OpenAI-compatible server; key optional when set
	// Credential records where APIKey came from ("config" or "env"). Populated at load time.
	Credential string `mapstructure:"-" yaml:"-"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// Credential records where APIKey came from ("config" or "env"). Populated at load time.
	Credential string `mapstructure:"-" yaml:"-"`
}

// ToolsConfig bounds local tool execution
type ToolsConfig struct {
	Enabled    []string      `mapstructure:"enabled" yaml:"enabled,omitempty"`         // Tool names to expose; empty means all
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`                   // Default per-call timeout
	MaxTimeout time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`           // Ceiling for a bash timeout argument
	MaxBytes   int           `mapstructure:"max_bytes" yaml:"max_bytes"`               // Output byte ceiling
	MaxLines   int           `mapstructure:"max_lines" yaml:"max_lines"`               // Output line ceiling
	DenyPaths  []string      `mapstructure:"deny_paths" yaml:"deny_paths,omitempty"`   // Glob patterns tools may not touch
}

// RetryConfig bounds retries of rate-limited and transient provider failures
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"` // Total attempts, including the first
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// CompactionConfig controls context window management
type CompactionConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	ContextWindow    int  `mapstructure:"context_window" yaml:"context_window"` // 0 uses the provider default
	ReserveTokens    int  `mapstructure:"reserve_tokens" yaml:"reserve_tokens"`
	KeepRecentTokens int  `mapstructure:"keep_recent_tokens" yaml:"keep_recent_tokens"`
}

type AgentConfig struct {
	MaxTurns        int    `mapstructure:"max_turns" yaml:"max_turns"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens" yaml:"max_output_tokens,omitempty"`
	SystemPrompt    string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

type SessionsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"` // 0 = never delete
	MaxCount   int    `mapstructure:"max_count" yaml:"max_count"`       // 0 = unlimited
	Path       string `mapstructure:"path" yaml:"path,omitempty"`       // Database path override
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("openai.model", "gpt-5.2")
	v.SetDefault("gemini.model", "gemini-3-flash-preview")

	v.SetDefault("tools.timeout", 30*time.Second)
	v.SetDefault("tools.max_timeout", 300*time.Second)
	v.SetDefault("tools.max_bytes", 50*1024)
	v.SetDefault("tools.max_lines", 2000)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)

	v.SetDefault("compaction.enabled", true)
	v.SetDefault("compaction.context_window", 0)
	v.SetDefault("compaction.reserve_tokens", 16384)
	v.SetDefault("compaction.keep_recent_tokens", 20000)

	v.SetDefault("agent.max_turns", 50)

	v.SetDefault("sessions.enabled", true)
	v.SetDefault("sessions.max_age_days", 0)
	v.SetDefault("sessions.max_count", 0)
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults alone always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads config.yaml from the config directory or the working directory,
// falling back to defaults when neither exists.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	setDefaults(v)

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Anthropic.APIKey, cfg.Anthropic.Credential = resolveKey(cfg.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	cfg.Anthropic.BaseURL = expandEnv(cfg.Anthropic.BaseURL)
	cfg.OpenAI.APIKey, cfg.OpenAI.Credential = resolveKey(cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	cfg.OpenAI.BaseURL = expandEnv(cfg.OpenAI.BaseURL)
	cfg.Gemini.APIKey, cfg.Gemini.Credential = resolveKey(cfg.Gemini.APIKey, "GEMINI_API_KEY")
	cfg.Gemini.BaseURL = expandEnv(cfg.Gemini.BaseURL)
	cfg.Sessions.Path = expandEnv(cfg.Sessions.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveKey expands a configured key, falling back to the environment.
func resolveKey(configured, envVar string) (key, credential string) {
	if key = expandEnv(configured); key != "" {
		return key, "config"
	}
	if key = os.Getenv(envVar); key != "" {
		return key, "env"
	}
	return "", ""
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("unknown provider %q (valid: anthropic, openai, gemini)", c.Provider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.base_backoff (%s) exceeds retry.max_backoff (%s)", c.Retry.BaseBackoff, c.Retry.MaxBackoff)
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("tools.timeout must be positive")
	}
	if c.Compaction.ContextWindow < 0 || c.Compaction.ReserveTokens < 0 || c.Compaction.KeepRecentTokens < 0 {
		return fmt.Errorf("compaction token settings must not be negative")
	}
	return nil
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the global provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		switch c.Provider {
		case "anthropic":
			c.Anthropic.Model = model
		case "openai":
			c.OpenAI.Model = model
		case "gemini":
			c.Gemini.Model = model
		}
	}
}

// ActiveModel returns the model configured for the selected provider.
func (c *Config) ActiveModel() string {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic.Model
	case "openai":
		return c.OpenAI.Model
	case "gemini":
		return c.Gemini.Model
	}
	return ""
}

// defaultContextWindows are the input limits assumed when
// compaction.context_window is unset.
var defaultContextWindows = map[string]int{
	"anthropic": 200000,
	"openai":    128000,
	"gemini":    1048576,
}

// ContextWindow returns the configured context window, falling back to the
// selected provider's default.
func (c *Config) ContextWindow() int {
	if c.Compaction.ContextWindow > 0 {
		return c.Compaction.ContextWindow
	}
	return defaultContextWindows[c.Provider]
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for tau.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "tau"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "tau"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes the config to the default config path.
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the config as YAML. Keys that were picked up from the
// environment are not written back.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *cfg
	if out.Anthropic.Credential == "env" {
		out.Anthropic.APIKey = ""
	}
	if out.OpenAI.Credential == "env" {
		out.OpenAI.APIKey = ""
	}
	if out.Gemini.Credential == "env" {
		out.Gemini.APIKey = ""
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

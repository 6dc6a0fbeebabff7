package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultMaxHistory  = 20
	DefaultMinHistory  = 3
	DefaultPromptTurns = 10
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Provider  ProviderConfig  `json:"provider"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" validate:"omitempty,oneof=json text"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// SessionConfig tunes the consultation session orchestrator.
type SessionConfig struct {
	Title string `json:"title"`
	// TipIntervalSeconds arms the periodic tip loop when greater than zero.
	TipIntervalSeconds int      `json:"tip_interval_seconds" validate:"gte=0"`
	MaxHistory         int      `json:"max_history" validate:"gte=0,gtefield=MinHistory"`
	MinHistory         int      `json:"min_history" validate:"gte=0"`
	PromptTurns        int      `json:"prompt_turns" validate:"gte=0"`
	TipTimeoutSeconds  int      `json:"tip_timeout_seconds" validate:"gte=0"`
	MaxConcurrentTips  int      `json:"max_concurrent_tips" validate:"gte=0"`
	SingleFlightTips   bool     `json:"single_flight_tips"`
	PriorityKeywords   []string `json:"priority_keywords,omitempty"`
	TriggerKeywords    []string `json:"trigger_keywords,omitempty"`
}

// ProviderConfig selects the language-model backend used for tips.
type ProviderConfig struct {
	Name        string  `json:"name" validate:"omitempty,oneof=openai fantasy opencode"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens" validate:"gte=0"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" validate:"gte=0"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" validate:"gte=0"`
}

// ChannelsConfig stores transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram transport and membership source.
//
// Participants maps participant identities (Telegram user IDs) to the chat
// their private tips and general broadcasts are delivered to.
type TelegramConfig struct {
	Enabled      bool                         `json:"enabled"`
	Token        string                       `json:"token"`
	AllowFrom    []string                     `json:"allow_from"`
	Participants map[string]TelegramRecipient `json:"participants,omitempty" validate:"dive"`
}

// TelegramRecipient binds one identity to a chat and a default role.
type TelegramRecipient struct {
	ChatID int64  `json:"chat_id" validate:"required"`
	Role   string `json:"role,omitempty" validate:"omitempty,oneof=doctor patient agent"`
	Name   string `json:"name,omitempty"`
}

// GatewayConfig configures HTTP status bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port" validate:"gte=0,lte=65535"`
}

// envOverrides lists the environment variables applied on top of the file config.
type envOverrides struct {
	TelegramToken     string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAllowFrom string `env:"TELEGRAM_ALLOW_FROM"`
	ProviderName      string `env:"CONSULTD_PROVIDER"`
	ProviderModel     string `env:"CONSULTD_MODEL"`
	TipInterval       int    `env:"CONSULTD_TIP_INTERVAL_SECONDS"`
	GatewayPort       int    `env:"CONSULTD_GATEWAY_PORT"`
}

// LoadConfig resolves config.json, unmarshals it, applies environment overrides
// and validates the result. A .env file in the working directory is loaded first.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills zero-valued session tuning knobs.
func (c *Config) ApplyDefaults() {
	if c.Session.MaxHistory == 0 {
		c.Session.MaxHistory = DefaultMaxHistory
	}
	if c.Session.MinHistory == 0 {
		c.Session.MinHistory = DefaultMinHistory
	}
	if c.Session.PromptTurns == 0 {
		c.Session.PromptTurns = DefaultPromptTurns
	}
	if strings.TrimSpace(c.Provider.Name) == "" {
		c.Provider.Name = "openai"
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var overrides envOverrides
	if _, err := env.UnmarshalFromEnviron(&overrides); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}

	if token := strings.TrimSpace(overrides.TelegramToken); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(overrides.TelegramAllowFrom); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
	if name := strings.TrimSpace(overrides.ProviderName); name != "" {
		cfg.Provider.Name = name
	}
	if model := strings.TrimSpace(overrides.ProviderModel); model != "" {
		cfg.Provider.Model = model
	}
	if overrides.TipInterval > 0 {
		cfg.Session.TipIntervalSeconds = overrides.TipInterval
	}
	if overrides.GatewayPort > 0 {
		cfg.Gateway.Port = overrides.GatewayPort
	}

	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CONSULTD_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("CONSULTD_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("CONSULTD_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}

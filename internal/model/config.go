package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds settings for the inbound webhook HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8025".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AIConfig holds settings for the generation provider.
type AIConfig struct {
	Model          string  `mapstructure:"model" yaml:"model"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSec     int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries     int     `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBaseSec float64 `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`

	// SystemPrompt is prepended as the first turn of every context.
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt"`

	// ContextMaxTurns bounds how many stored turns are included in a
	// generation call; oldest whole turns are dropped first.
	ContextMaxTurns int `mapstructure:"context_max_turns" yaml:"context_max_turns"`

	// ContextMaxTokens is an optional approximate token ceiling on the
	// assembled context. Zero disables the ceiling.
	ContextMaxTokens int `mapstructure:"context_max_tokens" yaml:"context_max_tokens"`

	// CacheResponses memoizes generation results by prompt hash, so
	// an identical context is answered without a provider call.
	CacheResponses bool `mapstructure:"cache_responses" yaml:"cache_responses"`

	// SystemPromptDir, when set, loads the system prompt from
	// versioned files in that directory instead of SystemPrompt.
	SystemPromptDir string `mapstructure:"system_prompt_dir" yaml:"system_prompt_dir"`

	// SystemPromptVersion selects the prompt file inside
	// SystemPromptDir; "latest" or empty selects system.txt.
	SystemPromptVersion string `mapstructure:"system_prompt_version" yaml:"system_prompt_version"`
}

// Timeout returns the generation call deadline as a duration.
func (a AIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// ModelPrice holds per-million-token prices in USD for one model.
// CachedPerMTok is a pointer so that a model with no cached-token
// price is distinguishable from a price of zero.
type ModelPrice struct {
	InputPerMTok  float64  `mapstructure:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64  `mapstructure:"output_per_mtok" yaml:"output_per_mtok"`
	CachedPerMTok *float64 `mapstructure:"cached_per_mtok" yaml:"cached_per_mtok"`
}

// ResolverConfig controls thread resolution policy.
type ResolverConfig struct {
	// RecencyWindowHours bounds the fallback heuristic: a conversation
	// qualifies only if updated within this many hours.
	RecencyWindowHours int `mapstructure:"recency_window_hours" yaml:"recency_window_hours"`

	// FallbackPolicy is "single" (match only when the sender has
	// exactly one qualifying conversation) or "latest"
	// (most-recently-updated qualifying conversation wins).
	FallbackPolicy string `mapstructure:"fallback_policy" yaml:"fallback_policy"`

	// RejectEmpty rejects inbound emails with neither body nor subject.
	RejectEmpty bool `mapstructure:"reject_empty" yaml:"reject_empty"`
}

// RecencyWindow returns the fallback window as a duration.
func (r ResolverConfig) RecencyWindow() time.Duration {
	return time.Duration(r.RecencyWindowHours) * time.Hour
}

// SMTPConfig holds outbound delivery settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`

	// From is the address replies are sent from.
	From string `mapstructure:"from" yaml:"from"`
}

// IMAPConfig holds settings for the optional inbound IMAP poller.
type IMAPConfig struct {
	Host            string `mapstructure:"host" yaml:"host"`
	Port            string `mapstructure:"port" yaml:"port"`
	Username        string `mapstructure:"username" yaml:"username"`
	TLS             bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox         string `mapstructure:"mailbox" yaml:"mailbox"`
	PollIntervalSec int    `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string                `mapstructure:"database_path" yaml:"database_path"`
	Server       ServerConfig          `mapstructure:"server" yaml:"server"`
	AI           AIConfig              `mapstructure:"ai" yaml:"ai"`
	Pricing      map[string]ModelPrice `mapstructure:"pricing" yaml:"pricing"`
	Resolver     ResolverConfig        `mapstructure:"resolver" yaml:"resolver"`
	SMTP         SMTPConfig            `mapstructure:"smtp" yaml:"smtp"`
	IMAP         IMAPConfig            `mapstructure:"imap" yaml:"imap"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailpilot/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailpilot", "config.yaml")
}

// defaultDatabasePath places the database next to the config file.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailpilot.db")
	}
	return filepath.Join(home, ".config", "mailpilot", "mailpilot.db")
}

func defaultPricing() map[string]ModelPrice {
	cached := 0.30
	return map[string]ModelPrice{
		"claude-sonnet-4-20250514": {
			InputPerMTok:  3.0,
			OutputPerMTok: 15.0,
			CachedPerMTok: &cached,
		},
	}
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DatabasePath: defaultDatabasePath(),
		Server:       ServerConfig{Addr: ":8025"},
		AI: AIConfig{
			Model:               "claude-sonnet-4-20250514",
			MaxTokens:           4096,
			TimeoutSec:          120,
			MaxRetries:          3,
			BackoffBaseSec:      2.0,
			ContextMaxTurns:     40,
			SystemPromptVersion: "latest",
		},
		Pricing: defaultPricing(),
		Resolver: ResolverConfig{
			RecencyWindowHours: 72,
			FallbackPolicy:     "single",
			RejectEmpty:        true,
		},
		IMAP: IMAPConfig{
			Mailbox:         "INBOX",
			PollIntervalSec: 120,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default
// configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("database_path", defaultDatabasePath())
	v.SetDefault("server.addr", ":8025")
	v.SetDefault("ai.model", "claude-sonnet-4-20250514")
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.timeout_sec", 120)
	v.SetDefault("ai.max_retries", 3)
	v.SetDefault("ai.backoff_base_sec", 2.0)
	v.SetDefault("ai.context_max_turns", 40)
	v.SetDefault("ai.cache_responses", false)
	v.SetDefault("ai.system_prompt_version", "latest")
	v.SetDefault("resolver.recency_window_hours", 72)
	v.SetDefault("resolver.fallback_policy", "single")
	v.SetDefault("resolver.reject_empty", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.poll_interval_sec", 120)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(cfg.Pricing) == 0 {
		cfg.Pricing = defaultPricing()
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database_path", cfg.DatabasePath)
	v.Set("server", cfg.Server)
	v.Set("ai", cfg.AI)
	v.Set("pricing", cfg.Pricing)
	v.Set("resolver", cfg.Resolver)
	v.Set("smtp", cfg.SMTP)
	v.Set("imap", cfg.IMAP)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

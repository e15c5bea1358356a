// Package config holds the gateway configuration: YAML files with ${VAR}
// expansion, .env loading, and API-key resolution through the OS keyring.
package config

import (
	"time"
)

// Config is the root configuration for the gateway process.
type Config struct {
	// Name identifies this gateway instance in logs.
	Name string `yaml:"name"`

	// Environment selects runtime defaults ("production" or "development").
	// Development shortens the aggregation settle delay for faster feedback.
	Environment string `yaml:"environment"`

	Session    SessionConfig    `yaml:"session"`
	AI         AIConfig         `yaml:"ai"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Manager    ManagerConfig    `yaml:"manager"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	// DatabasePath is the SQLite file holding whatsmeow credentials and the
	// client routing table.
	DatabasePath string `yaml:"database_path"`
}

// AIConfig configures the completion endpoint.
type AIConfig struct {
	// BaseURL is the OpenAI-compatible API base (e.g. "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint. Resolved through the
	// keyring → environment → config chain; avoid putting it here verbatim.
	APIKey string `yaml:"api_key"`

	// Model is the completion model name.
	Model string `yaml:"model"`

	// Timeout bounds one completion request.
	Timeout time.Duration `yaml:"timeout"`
}

// AggregatorConfig configures per-sender message aggregation.
type AggregatorConfig struct {
	// SettleDelay is how long a sender must stay quiet before their queued
	// messages are dispatched as one turn.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// DedupeWindow suppresses redelivery of a message ID for this long
	// after its turn finalized.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// ManagerConfig configures the client lifecycle manager.
type ManagerConfig struct {
	// MaxInitAttempts bounds the session initialization retry loop.
	MaxInitAttempts int `yaml:"max_init_attempts"`

	// InitTimeout aborts a single hung initialization attempt.
	InitTimeout time.Duration `yaml:"init_timeout"`

	// HealthInterval is how often the health check runs.
	HealthInterval time.Duration `yaml:"health_interval"`

	// StuckInitThreshold forces a QR reset for clients stuck initializing.
	StuckInitThreshold time.Duration `yaml:"stuck_init_threshold"`

	// ErrorGrace is how long a client may sit in error before automatic
	// recovery fires.
	ErrorGrace time.Duration `yaml:"error_grace"`
}

// DeliveryConfig configures outbound pacing.
type DeliveryConfig struct {
	// MinPartDelay / MaxPartDelay bound the randomized pause between
	// consecutive outgoing parts.
	MinPartDelay time.Duration `yaml:"min_part_delay"`
	MaxPartDelay time.Duration `yaml:"max_part_delay"`

	// MediaFetchTimeout bounds one media download.
	MediaFetchTimeout time.Duration `yaml:"media_fetch_timeout"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" (default) or "text".
	Format string `yaml:"format"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Name:        "wappgate",
		Environment: "production",
		Session: SessionConfig{
			DatabasePath: "./data/wappgate.db",
		},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 120 * time.Second,
		},
		Aggregator: AggregatorConfig{
			SettleDelay:  10 * time.Second,
			DedupeWindow: 5 * time.Second,
		},
		Manager: ManagerConfig{
			MaxInitAttempts:    4,
			InitTimeout:        60 * time.Second,
			HealthInterval:     30 * time.Second,
			StuckInitThreshold: 3 * time.Minute,
			ErrorGrace:         45 * time.Second,
		},
		Delivery: DeliveryConfig{
			MinPartDelay:      time.Second,
			MaxPartDelay:      3 * time.Second,
			MediaFetchTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvironment adjusts defaults that depend on the runtime profile.
// Only values the user did not override are touched.
func (c *Config) applyEnvironment(raw map[string]any) {
	if c.Environment != "development" {
		return
	}
	if !hasNestedKey(raw, "aggregator", "settle_delay") {
		c.Aggregator.SettleDelay = 3 * time.Second
	}
}

// hasNestedKey reports whether the raw YAML document set the given key path.
func hasNestedKey(raw map[string]any, path ...string) bool {
	cur := raw
	for i, key := range path {
		v, ok := cur[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

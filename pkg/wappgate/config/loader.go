// Package config – loader.go reads YAML configuration with environment
// variable expansion and resolves the AI API key through the secret chain:
// OS keyring → environment variable → config value.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "wappgate"

	// keyringAPIKey is the keyring entry holding the AI API key.
	keyringAPIKey = "api_key"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file. .env files are
// loaded first (silently skipped when absent) so ${VAR} references resolve.
func LoadFromFile(path string, logger *slog.Logger) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveAPIKey(cfg, logger)
	return cfg, nil
}

// Parse parses YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	cfg.applyEnvironment(raw)
	return cfg, nil
}

// loadEnvFiles loads .env and .env.local when present.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimPrefix(m, "$")
		name = strings.TrimPrefix(name, "{")
		name = strings.TrimSuffix(name, "}")
		return os.Getenv(name)
	})
}

// resolveAPIKey fills cfg.AI.APIKey from the secret chain when the config
// value is empty or a placeholder.
func resolveAPIKey(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AI.APIKey != "" && !isPlaceholder(cfg.AI.APIKey) {
		return
	}

	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		cfg.AI.APIKey = val
		logger.Debug("API key resolved from OS keyring")
		return
	}

	for _, env := range []string{"WAPPGATE_API_KEY", "OPENAI_API_KEY"} {
		if val := os.Getenv(env); val != "" {
			cfg.AI.APIKey = val
			logger.Debug("API key resolved from environment", "var", env)
			return
		}
	}
}

// ResolveSecrets runs the secret chain over a config built without a file,
// e.g. the built-in defaults used when no config file is discovered.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	loadEnvFiles()
	resolveAPIKey(cfg, logger)
}

// StoreAPIKey saves the AI API key to the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// isPlaceholder reports whether a config value is an unexpanded template.
func isPlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.HasPrefix(s, "${") || strings.EqualFold(s, "changeme")
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

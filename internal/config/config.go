// Package config provides configuration management for wharf.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultPort is the default HTTP port for the worker service.
	DefaultPort = 41100

	// DefaultOllamaURL is where a stock Ollama install listens.
	DefaultOllamaURL = "http://127.0.0.1:11434"

	// DefaultChatModel is used when a session doesn't name a model.
	DefaultChatModel = "llama3.2"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	Port int `json:"port"`

	// Ollama settings
	OllamaURL      string `json:"ollama_url"`
	RequestTimeout int    `json:"request_timeout_secs"` // non-streaming requests
	MaxRetries     int    `json:"max_retries"`

	// Database settings
	DBPath   string `json:"db_path"`
	MaxConns int    `json:"max_conns"`

	// Model manager settings
	ReconcileInterval int `json:"reconcile_interval_secs"`
	PullProgressEvery int `json:"pull_progress_every_ms"` // broadcast throttle

	// Chat defaults
	ChatModel string `json:"chat_model"`

	// Rate limiting
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`

	// Security. When enabled, the worker generates a token at startup,
	// writes it to TokenPath, and requires it in X-Auth-Token.
	AuthEnabled bool `json:"auth_enabled"`

	// Logging
	LogLevel string `json:"log_level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.wharf).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wharf")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "wharf.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// TokenPath returns where the worker writes its auth token when token
// authentication is enabled, so local clients can pick it up.
func TokenPath() string {
	return filepath.Join(DataDir(), "auth-token")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil // File exists
	}

	defaultSettings := `{
  "WHARF_PORT": 41100,
  "WHARF_OLLAMA_URL": "http://127.0.0.1:11434",
  "WHARF_CHAT_MODEL": "llama3.2",
  "WHARF_RECONCILE_INTERVAL_SECS": 15
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureSettings(); err != nil {
		return err
	}
	return nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		OllamaURL:         DefaultOllamaURL,
		RequestTimeout:    30,
		MaxRetries:        3,
		DBPath:            DBPath(),
		MaxConns:          4,
		ReconcileInterval: 15,
		PullProgressEvery: 250,
		ChatModel:         DefaultChatModel,
		RateLimitRPS:      50,
		RateLimitBurst:    100,
		LogLevel:          "info",
	}
}

// Load loads configuration from the settings file, merging with defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Load settings into a map to preserve unknown fields
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return cfg, nil // Return defaults on parse error
	}

	if v, ok := settings["WHARF_PORT"].(float64); ok && v > 0 {
		cfg.Port = int(v)
	}
	if v, ok := settings["WHARF_OLLAMA_URL"].(string); ok && v != "" {
		cfg.OllamaURL = v
	}
	if v, ok := settings["WHARF_REQUEST_TIMEOUT_SECS"].(float64); ok && v > 0 {
		cfg.RequestTimeout = int(v)
	}
	if v, ok := settings["WHARF_MAX_RETRIES"].(float64); ok && v >= 0 {
		cfg.MaxRetries = int(v)
	}
	if v, ok := settings["WHARF_DB_PATH"].(string); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := settings["WHARF_MAX_CONNS"].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	if v, ok := settings["WHARF_RECONCILE_INTERVAL_SECS"].(float64); ok && v > 0 {
		cfg.ReconcileInterval = int(v)
	}
	if v, ok := settings["WHARF_PULL_PROGRESS_EVERY_MS"].(float64); ok && v > 0 {
		cfg.PullProgressEvery = int(v)
	}
	if v, ok := settings["WHARF_CHAT_MODEL"].(string); ok && v != "" {
		cfg.ChatModel = v
	}
	if v, ok := settings["WHARF_RATE_LIMIT_RPS"].(float64); ok && v > 0 {
		cfg.RateLimitRPS = v
	}
	if v, ok := settings["WHARF_RATE_LIMIT_BURST"].(float64); ok && v > 0 {
		cfg.RateLimitBurst = int(v)
	}
	if v, ok := settings["WHARF_AUTH_ENABLED"].(bool); ok {
		cfg.AuthEnabled = v
	}
	if v, ok := settings["WHARF_LOG_LEVEL"].(string); ok && v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// RequestTimeoutDuration returns the non-streaming request timeout.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ReconcileIntervalDuration returns the model reconcile interval.
func (c *Config) ReconcileIntervalDuration() time.Duration {
	return time.Duration(c.ReconcileInterval) * time.Second
}

// PullProgressInterval returns the minimum gap between progress events.
func (c *Config) PullProgressInterval() time.Duration {
	return time.Duration(c.PullProgressEvery) * time.Millisecond
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// GetPort returns the worker port from environment or config.
func GetPort() int {
	if port := os.Getenv("WHARF_PORT"); port != "" {
		var p int
		if err := json.Unmarshal([]byte(port), &p); err == nil && p > 0 {
			return p
		}
	}
	return Get().Port
}

// GetOllamaURL returns the Ollama base URL from environment or config.
func GetOllamaURL() string {
	if url := os.Getenv("WHARF_OLLAMA_URL"); url != "" {
		return url
	}
	return Get().OllamaURL
}

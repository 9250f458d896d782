package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tandem/pkg/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Sync     SyncConfig     `toml:"sync"`
	Auth     AuthConfig     `toml:"auth"`
	Logging  LoggingConfig  `toml:"logging"`
	Ngrok    NgrokConfig    `toml:"ngrok"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port            string   `toml:"port"`
	Host            string   `toml:"host"`
	EnableCORS      bool     `toml:"enable_cors"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	ReadTimeout     int      `toml:"read_timeout_seconds"`
	ShutdownTimeout int      `toml:"shutdown_timeout_seconds"`
	WatchConfig     bool     `toml:"watch_config"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path          string `toml:"path"`
	JournalBuffer int    `toml:"journal_buffer"`
}

// SyncConfig tunes the per-session coordinators and the policy advertised to
// clients. Durations are Go duration strings ("5s", "30m").
type SyncConfig struct {
	SubscriberQueueSize int    `toml:"subscriber_queue_size"`
	SendTimeout         string `toml:"send_timeout"`
	CommandQueueSize    int    `toml:"command_queue_size"`
	DriftThresholdMs    int64  `toml:"drift_threshold_ms"`
	ResyncInterval      string `toml:"resync_interval"`
	IdleTimeout         string `toml:"idle_timeout"`
	IdleCheckInterval   string `toml:"idle_check_interval"`
}

// AuthConfig contains session token configuration
type AuthConfig struct {
	TokenTTL string `toml:"token_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	RequestLogging bool   `toml:"request_logging"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled      bool   `toml:"enabled"`
	AuthToken    string `toml:"auth_token"`
	Domain       string `toml:"domain"`
	Region       string `toml:"region"`
	EnableAuth   bool   `toml:"enable_auth"`
	AuthProvider string `toml:"auth_provider"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			EnableCORS:      true,
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     30,
			ShutdownTimeout: 10,
			WatchConfig:     true,
		},
		Database: DatabaseConfig{
			Path:          "./tandem.db",
			JournalBuffer: 1024,
		},
		Sync: SyncConfig{
			SubscriberQueueSize: 64,
			SendTimeout:         "5s",
			CommandQueueSize:    32,
			DriftThresholdMs:    200,
			ResyncInterval:      "10s",
			IdleTimeout:         "30m",
			IdleCheckInterval:   "1m",
		},
		Auth: AuthConfig{
			TokenTTL: "24h",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			RequestLogging: true,
		},
		Ngrok: NgrokConfig{
			Enabled:      false,
			AuthToken:    "",
			Domain:       "",
			Region:       "us",
			EnableAuth:   false,
			AuthProvider: "google",
		},
	}
}

// LoadConfig loads configuration from a TOML file, then applies .env and
// environment overrides
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads path into the environment if it exists. Variables that
// are already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file values with TANDEM_* and NGROK_AUTHTOKEN variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TANDEM_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TANDEM_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("TANDEM_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TANDEM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NGROK_AUTHTOKEN"); v != "" && c.Ngrok.AuthToken == "" {
		c.Ngrok.AuthToken = v
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Tandem Session Server Configuration
# Edit the values below to customize your server settings.
# The [sync] drift threshold and resync interval are reloaded while running.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %s", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// a joining subscriber is handed three snapshot events at once
	if c.Sync.SubscriberQueueSize < 4 {
		return fmt.Errorf("sync subscriber_queue_size must be at least 4")
	}
	if c.Sync.CommandQueueSize < 1 {
		return fmt.Errorf("sync command_queue_size must be at least 1")
	}
	if c.Sync.DriftThresholdMs < 0 {
		return fmt.Errorf("sync drift_threshold_ms cannot be negative")
	}
	durations := map[string]string{
		"sync.send_timeout":        c.Sync.SendTimeout,
		"sync.resync_interval":     c.Sync.ResyncInterval,
		"sync.idle_timeout":        c.Sync.IdleTimeout,
		"sync.idle_check_interval": c.Sync.IdleCheckInterval,
		"auth.token_ttl":           c.Auth.TokenTTL,
	}
	for name, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if d, _ := parseDuration(c.Sync.SendTimeout); d <= 0 {
		return fmt.Errorf("sync send_timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Ngrok.Enabled && c.Ngrok.AuthToken == "" {
		return fmt.Errorf("ngrok auth token not found, set NGROK_AUTHTOKEN in .env or the config file")
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// SyncPolicy returns the client sync policy described by [sync]
func (c *Config) SyncPolicy() models.SyncPolicy {
	resync, _ := parseDuration(c.Sync.ResyncInterval)
	return models.SyncPolicy{
		DriftThresholdMs: c.Sync.DriftThresholdMs,
		ResyncIntervalMs: resync.Milliseconds(),
	}
}

// SendTimeout bounds a single write to a subscriber
func (c *Config) SendTimeout() time.Duration {
	d, _ := parseDuration(c.Sync.SendTimeout)
	return d
}

// IdleTimeout is how long an unused session lives; zero disables expiry
func (c *Config) IdleTimeout() time.Duration {
	d, _ := parseDuration(c.Sync.IdleTimeout)
	return d
}

// IdleCheckInterval is how often idle sessions are looked for
func (c *Config) IdleCheckInterval() time.Duration {
	d, _ := parseDuration(c.Sync.IdleCheckInterval)
	return d
}

// TokenTTL is the sliding lifetime of session tokens; zero never expires
func (c *Config) TokenTTL() time.Duration {
	d, _ := parseDuration(c.Auth.TokenTTL)
	return d
}

// parseDuration accepts Go duration strings; empty means zero
func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q cannot be negative", value)
	}
	return d, nil
}

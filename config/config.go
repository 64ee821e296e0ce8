// Package config loads the daemon and CLI configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Pricing cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	Addr           string `yaml:"addr,omitempty"`             // Listen address (default: 127.0.0.1:7420)
	MetricsEnabled *bool  `yaml:"metrics_enabled,omitempty"` // Serve /metrics (default: true)
}

// DatabaseConfig configures the sqlite database shared by usage, sessions
// and the pricing cache.
type DatabaseConfig struct {
	Path          string `yaml:"path,omitempty"`           // Database file (default: ~/.chatcore/chatcore.db)
	MigrationsDir string `yaml:"migrations_dir,omitempty"` // Use migrations from disk instead of the embedded set
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	File   string `yaml:"file,omitempty"`   // Log file; empty logs to stdout
	Pretty bool   `yaml:"pretty,omitempty"` // Console output instead of JSON
}

// HTTPConfig configures provider transport.
type HTTPConfig struct {
	Timeout          string `yaml:"timeout,omitempty"`            // Wait for response headers (default: 30s)
	MaxRetries       *int   `yaml:"max_retries,omitempty"`        // Retries after the first attempt (default: 2)
	RetryRateLimited bool   `yaml:"retry_rate_limited,omitempty"` // Also retry 429 responses
	IdleTimeout      string `yaml:"idle_timeout,omitempty"`       // Abort silent streams; empty disables
	MaxLineBytes     int    `yaml:"max_line_bytes,omitempty"`     // SSE line cap (default: 100 MiB)
}

// PricingConfig configures the OpenRouter pricing service.
type PricingConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`   // default: https://openrouter.ai
	TTL       string `yaml:"ttl,omitempty"`        // default: 24h
	Cache     string `yaml:"cache,omitempty"`      // memory, sqlite or redis (default: sqlite)
	RedisAddr string `yaml:"redis_addr,omitempty"` // Required for the redis cache
}

// UsageConfig configures usage log retention.
type UsageConfig struct {
	RetentionDays int    `yaml:"retention_days,omitempty"` // 0 keeps rows forever
	Schedule      string `yaml:"schedule,omitempty"`       // Cron spec for the cleanup job (default: @daily)
}

// CredentialConfig is a credential as written in the config file. Custom
// holds the overrides for custom providers.
type CredentialConfig struct {
	llm.Credential `yaml:",inline"`
	Custom         map[string]any `yaml:"custom,omitempty"`
}

// Config is the full configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	HTTP     HTTPConfig     `yaml:"http,omitempty"`
	Pricing  PricingConfig  `yaml:"pricing,omitempty"`
	Usage    UsageConfig    `yaml:"usage,omitempty"`

	Credentials map[string]*CredentialConfig `yaml:"credentials,omitempty"`
	Characters  map[string]*chat.Character   `yaml:"characters,omitempty"`
	Personas    map[string]*chat.Persona     `yaml:"personas,omitempty"`
	Models      map[string]*chat.Model       `yaml:"models,omitempty"`
}

// DefaultPath returns the default config file path.
// Can be overridden via CHATCORE_CONFIG_PATH environment variable.
func DefaultPath() string {
	if envPath := os.Getenv("CHATCORE_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.chatcore/config.yaml"
	}
	return filepath.Join(homeDir, ".chatcore", "config.yaml")
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	retries := 2
	metrics := true
	return &Config{
		Server:   ServerConfig{Addr: "127.0.0.1:7420", MetricsEnabled: &metrics},
		Database: DatabaseConfig{Path: "~/.chatcore/chatcore.db"},
		HTTP:     HTTPConfig{Timeout: "30s", MaxRetries: &retries},
		Pricing:  PricingConfig{BaseURL: "https://openrouter.ai", TTL: "24h", Cache: CacheSQLite},
		Usage:    UsageConfig{Schedule: "@daily"},

		Credentials: make(map[string]*CredentialConfig),
		Characters:  make(map[string]*chat.Character),
		Personas:    make(map[string]*chat.Persona),
		Models:      make(map[string]*chat.Model),
	}
}

// Load builds the configuration: defaults, then a .env file next to the
// config (or in the working directory), then the YAML file at path if it
// exists, then ${VAR} references in secrets, then CHATCORE_* variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	expandedPath := expandPath(path)

	for _, envFile := range []string{filepath.Join(filepath.Dir(expandedPath), ".env"), ".env"} {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	}

	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		// Pointer fields are replaced whole so an explicit zero wins.
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	cfg.expandSecrets()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks references between sections.
func (c *Config) Validate() error {
	for id, cred := range c.Credentials {
		if cred.ProviderID == "" {
			return fmt.Errorf("credential %q has no provider_id", id)
		}
	}
	for id, m := range c.Models {
		if _, ok := c.Credentials[m.CredentialID]; !ok {
			return fmt.Errorf("model %q references unknown credential %q", id, m.CredentialID)
		}
	}
	for id, ch := range c.Characters {
		if ch.DefaultModelID == "" {
			continue
		}
		if _, ok := c.Models[ch.DefaultModelID]; !ok {
			return fmt.Errorf("character %q references unknown model %q", id, ch.DefaultModelID)
		}
	}
	switch c.Pricing.Cache {
	case CacheMemory, CacheSQLite:
	case CacheRedis:
		if c.Pricing.RedisAddr == "" {
			return fmt.Errorf("pricing cache %q requires redis_addr", CacheRedis)
		}
	default:
		return fmt.Errorf("unknown pricing cache %q", c.Pricing.Cache)
	}
	for _, d := range []string{c.HTTP.Timeout, c.HTTP.IdleTimeout, c.Pricing.TTL} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	return nil
}

// DatabasePath returns the database path with ~ expanded.
func (c *Config) DatabasePath() string {
	return expandPath(c.Database.Path)
}

// TimeoutDuration returns the header timeout.
func (h HTTPConfig) TimeoutDuration() time.Duration {
	return parseDuration(h.Timeout)
}

// IdleTimeoutDuration returns the stream idle timeout, 0 when disabled.
func (h HTTPConfig) IdleTimeoutDuration() time.Duration {
	return parseDuration(h.IdleTimeout)
}

// Retries returns the configured retry count.
func (h HTTPConfig) Retries() uint64 {
	if h.MaxRetries == nil || *h.MaxRetries < 0 {
		return 0
	}
	return uint64(*h.MaxRetries)
}

// TTLDuration returns the pricing cache TTL.
func (p PricingConfig) TTLDuration() time.Duration {
	return parseDuration(p.TTL)
}

// Retention returns how long usage rows are kept, 0 for forever.
func (u UsageConfig) Retention() time.Duration {
	return time.Duration(u.RetentionDays) * 24 * time.Hour
}

// MetricsOn reports whether /metrics is served.
func (s ServerConfig) MetricsOn() bool {
	return s.MetricsEnabled == nil || *s.MetricsEnabled
}

// expandSecrets resolves ${VAR} references in credential fields so keys can
// live in the environment or a .env file.
func (c *Config) expandSecrets() {
	for _, cred := range c.Credentials {
		cred.APIKey = expandVars(cred.APIKey)
		cred.BaseURL = expandVars(cred.BaseURL)
		for k, v := range cred.ExtraHeaders {
			cred.ExtraHeaders[k] = expandVars(v)
		}
	}
	c.Pricing.RedisAddr = expandVars(c.Pricing.RedisAddr)
}

// applyEnv applies CHATCORE_* overrides.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("CHATCORE_SERVER_ADDR", &c.Server.Addr)
	setString("CHATCORE_DB_PATH", &c.Database.Path)
	setString("CHATCORE_LOG_FILE", &c.Logging.File)
	setString("CHATCORE_HTTP_TIMEOUT", &c.HTTP.Timeout)
	setString("CHATCORE_PRICING_CACHE", &c.Pricing.Cache)
	setString("CHATCORE_REDIS_ADDR", &c.Pricing.RedisAddr)
	setString("CHATCORE_USAGE_SCHEDULE", &c.Usage.Schedule)

	if v, ok := os.LookupEnv("CHATCORE_LOG_PRETTY"); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("invalid CHATCORE_LOG_PRETTY: %w", err)
		}
		c.Logging.Pretty = b
	}
	if v, ok := os.LookupEnv("CHATCORE_HTTP_MAX_RETRIES"); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("invalid CHATCORE_HTTP_MAX_RETRIES: %w", err)
		}
		c.HTTP.MaxRetries = &n
	}
	if v, ok := os.LookupEnv("CHATCORE_USAGE_RETENTION_DAYS"); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("invalid CHATCORE_USAGE_RETENTION_DAYS: %w", err)
		}
		c.Usage.RetentionDays = n
	}
	return nil
}

// applyDefaults fills ids from map keys and display names from ids.
func (c *Config) applyDefaults() {
	if c.Credentials == nil {
		c.Credentials = make(map[string]*CredentialConfig)
	}
	if c.Characters == nil {
		c.Characters = make(map[string]*chat.Character)
	}
	if c.Personas == nil {
		c.Personas = make(map[string]*chat.Persona)
	}
	if c.Models == nil {
		c.Models = make(map[string]*chat.Model)
	}
	for id, cred := range c.Credentials {
		if cred.ID == "" {
			cred.ID = id
		}
		if cred.Label == "" {
			cred.Label = cred.ProviderID
		}
	}
	for id, ch := range c.Characters {
		if ch.ID == "" {
			ch.ID = id
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
	}
	for id, p := range c.Personas {
		if p.ID == "" {
			p.ID = id
		}
		if p.Name == "" {
			p.Name = p.ID
		}
	}
	for id, m := range c.Models {
		if m.ID == "" {
			m.ID = id
		}
	}
}

func expandVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

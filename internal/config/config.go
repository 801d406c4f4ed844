// Package config reads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Config holds every server setting.
type Config struct {
	Port           string
	AllowedOrigins []string
	Title          string

	MaxMessageSize    int64
	RateLimitBurst    int
	RateLimitInterval time.Duration

	StoreBackend     string
	DBPath           string
	ModeratorsConfig string
	StoreTimeout     time.Duration

	BlockRetention    time.Duration
	RetentionInterval time.Duration
	MetricsInterval   time.Duration

	RequireSessionToken bool

	OTLPEndpoint    string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. Invalid values are
// reported together.
func LoadFrom(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:                p.str("PORT", "8080"),
		AllowedOrigins:      p.list("ALLOWED_ORIGINS"),
		Title:               p.str("CHAT_TITLE", "Radio Chat"),
		MaxMessageSize:      int64(p.positiveInt("MAX_MESSAGE_SIZE", 4096)),
		RateLimitBurst:      p.positiveInt("RATE_LIMIT_BURST", 5),
		RateLimitInterval:   time.Duration(p.positiveInt("RATE_LIMIT_REFILL_INTERVAL", 1)) * time.Second,
		StoreBackend:        strings.ToLower(p.str("STORE_BACKEND", BackendBolt)),
		DBPath:              getenv("RADIOCHAT_DB_PATH"),
		ModeratorsConfig:    getenv("MODERATORS_CONFIG"),
		StoreTimeout:        p.duration("STORE_TIMEOUT", 5*time.Second),
		BlockRetention:      p.duration("BLOCK_RETENTION", 720*time.Hour),
		RetentionInterval:   p.duration("RETENTION_INTERVAL", time.Hour),
		MetricsInterval:     p.duration("METRICS_INTERVAL", 30*time.Second),
		RequireSessionToken: p.boolean("REQUIRE_SESSION_TOKEN", false),
		OTLPEndpoint:        getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownTimeout:     p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:            strings.ToLower(p.str("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getenv("LOG_FORMAT")),
	}

	switch cfg.StoreBackend {
	case BackendBolt, BackendSQLite:
	default:
		p.fail("STORE_BACKEND", cfg.StoreBackend, "must be bolt or sqlite")
	}

	if port, err := strconv.Atoi(cfg.Port); err != nil || port <= 0 || port > 65535 {
		p.fail("PORT", cfg.Port, "must be a port number")
	}
	if cfg.BlockRetention <= 0 {
		p.fail("BLOCK_RETENTION", cfg.BlockRetention.String(), "must be positive")
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}

	if cfg.DBPath == "" {
		path, err := DefaultDBPath(getenv, cfg.StoreBackend)
		if err != nil {
			return nil, err
		}
		cfg.DBPath = path
	}
	return cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return "0.0.0.0:" + c.Port
}

// DefaultDBPath returns the database file under the XDG data directory,
// falling back to ~/.local/share.
func DefaultDBPath(getenv func(string) string, backend string) (string, error) {
	dataDir := getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}

	name := "radiochat.db"
	if backend == BackendSQLite {
		name = "radiochat.sqlite"
	}
	return filepath.Join(dataDir, "radiochat", name), nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) fail(key, value, reason string) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %s", key, value, reason))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	raw := p.getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) positiveInt(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		p.fail(key, raw, "must be a positive integer")
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		p.fail(key, raw, "must be a positive duration such as 30s or 1h")
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, "must be true or false")
		return def
	}
	return b
}

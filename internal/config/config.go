// Package config handles relay configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Backbone  BackboneConfig  `json:"backbone"`
	Results   ResultsConfig   `json:"results"`
	Sessions  SessionsConfig  `json:"sessions"`
	Publisher PublisherConfig `json:"publisher,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr              string   `json:"addr"`                         // e.g. ":8080"
	TLSCert           string   `json:"tls_cert,omitempty"`
	TLSKey            string   `json:"tls_key,omitempty"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`    // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes      int64    `json:"max_body_bytes,omitempty"`     // publish body limit; default 1MB
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"` // default 15s
	RetryMillis       int      `json:"retry_ms,omitempty"`           // SSE retry directive; default 3000
	ShutdownTimeout   Duration `json:"shutdown_timeout,omitempty"`   // default 30s
}

// UpstreamConfig points at the application that resolves identities and sync state.
type UpstreamConfig struct {
	BaseURL string   `json:"base_url"`
	Timeout Duration `json:"timeout,omitempty"` // default 10s
}

// BackboneConfig selects the pub/sub driver.
type BackboneConfig struct {
	Driver string      `json:"driver"`        // "redis" (default), "postgres" or "memory"
	DSN    string      `json:"dsn,omitempty"` // postgres connection string
	Redis  RedisConfig `json:"redis,omitempty"`
}

// RedisConfig holds connection settings shared by the redis drivers.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"` // default "localhost:6379"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// ResultsConfig selects where cached terminal results live.
type ResultsConfig struct {
	Driver        string   `json:"driver"`                   // defaults to the backbone driver; also "sqlite", "bolt"
	DSN           string   `json:"dsn,omitempty"`            // postgres DSN, sqlite DSN or bolt file path
	TTL           Duration `json:"ttl,omitempty"`            // expiry for results written through the relay; default 30m
	SweepInterval Duration `json:"sweep_interval,omitempty"` // purge cadence for sql/bolt drivers; default 5m
}

// SessionsConfig holds per-kind stream lifetimes.
type SessionsConfig struct {
	DeviceLifetime Duration `json:"device_lifetime,omitempty"` // default 15m
	SyncLifetime   Duration `json:"sync_lifetime,omitempty"`   // default 60m
	MergeLifetime  Duration `json:"merge_lifetime,omitempty"`  // default 15m
}

// PublisherConfig enables the producer publish endpoint. Tokens are HS256 JWTs
// signed with JWTSecret, or tokens verifiable against JWKSURL.
type PublisherConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	JWKSURL   string `json:"jwks_url,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig throttles stream admission per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 5
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML; anything else as JSON with // and /* */ comments allowed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes config bytes. ext selects the format (".yaml", ".yml" or JSON).
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		data = converted
	default:
		data = jsonc.ToJSON(data)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

// applyEnv lets deployments keep secrets and DSNs out of the file.
func (c *Config) applyEnv() {
	setString(&c.Upstream.BaseURL, "RELAY_UPSTREAM_URL")
	setString(&c.Backbone.Redis.Addr, "RELAY_REDIS_ADDR")
	setString(&c.Backbone.Redis.Password, "RELAY_REDIS_PASSWORD")
	setString(&c.Backbone.DSN, "RELAY_BACKBONE_DSN")
	setString(&c.Results.DSN, "RELAY_RESULTS_DSN")
	setString(&c.Publisher.JWTSecret, "RELAY_PUBLISHER_SECRET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	switch c.Backbone.Driver {
	case "redis", "memory":
	case "postgres":
		if c.Backbone.DSN == "" {
			return fmt.Errorf("backbone.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown backbone driver: %q", c.Backbone.Driver)
	}
	switch c.Results.Driver {
	case "redis", "memory":
	case "postgres", "sqlite", "bolt":
		if c.Results.DSN == "" {
			return fmt.Errorf("results.dsn is required for the %s driver", c.Results.Driver)
		}
	default:
		return fmt.Errorf("unknown results driver: %q", c.Results.Driver)
	}
	if c.Publisher.Enabled && c.Publisher.JWTSecret == "" && c.Publisher.JWKSURL == "" {
		return fmt.Errorf("publisher.jwt_secret or publisher.jwks_url is required when the publisher is enabled")
	}
	if c.Publisher.JWTSecret != "" && len(c.Publisher.JWTSecret) < 32 {
		return fmt.Errorf("publisher.jwt_secret must be at least 32 characters")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.HeartbeatInterval.Duration == 0 {
		c.Server.HeartbeatInterval.Duration = 15 * time.Second
	}
	if c.Server.RetryMillis == 0 {
		c.Server.RetryMillis = 3000
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.Upstream.Timeout.Duration == 0 {
		c.Upstream.Timeout.Duration = 10 * time.Second
	}
	if c.Backbone.Driver == "" {
		c.Backbone.Driver = "redis"
	}
	if c.Backbone.Redis.Addr == "" {
		c.Backbone.Redis.Addr = "localhost:6379"
	}
	if c.Results.Driver == "" {
		c.Results.Driver = c.Backbone.Driver
		if c.Results.DSN == "" {
			c.Results.DSN = c.Backbone.DSN
		}
	}
	if c.Results.TTL.Duration == 0 {
		c.Results.TTL.Duration = 30 * time.Minute
	}
	if c.Results.SweepInterval.Duration == 0 {
		c.Results.SweepInterval.Duration = 5 * time.Minute
	}
	if c.Sessions.DeviceLifetime.Duration == 0 {
		c.Sessions.DeviceLifetime.Duration = 15 * time.Minute
	}
	if c.Sessions.SyncLifetime.Duration == 0 {
		c.Sessions.SyncLifetime.Duration = 60 * time.Minute
	}
	if c.Sessions.MergeLifetime.Duration == 0 {
		c.Sessions.MergeLifetime.Duration = 15 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		// listener
		"server": {
			"addr": ":8080",
			"allowed_origins": ["https://app.example.com"],
			"heartbeat_interval": "5s",
			"retry_ms": 1000
		},
		"upstream": {
			"base_url": "http://app.internal",
			"timeout": 3
		},
		/* pub/sub */
		"backbone": {
			"driver": "redis",
			"redis": {"addr": "redis:6379", "db": 2}
		},
		"results": {
			"driver": "bolt",
			"dsn": "/var/lib/relay/results.db",
			"ttl": "1h"
		},
		"sessions": {
			"device_lifetime": "10m",
			"sync_lifetime": "2h"
		},
		"publisher": {
			"enabled": true,
			"jwt_secret": "publisher-secret-at-least-32-characters"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, "relay.json", configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.HeartbeatInterval.Duration != 5*time.Second {
		t.Errorf("Server.HeartbeatInterval: got %v, want 5s", cfg.Server.HeartbeatInterval.Duration)
	}
	if cfg.Server.RetryMillis != 1000 {
		t.Errorf("Server.RetryMillis: got %d, want 1000", cfg.Server.RetryMillis)
	}

	// Upstream: numeric durations are seconds.
	if cfg.Upstream.Timeout.Duration != 3*time.Second {
		t.Errorf("Upstream.Timeout: got %v, want 3s", cfg.Upstream.Timeout.Duration)
	}

	// Backbone / results
	if cfg.Backbone.Redis.Addr != "redis:6379" || cfg.Backbone.Redis.DB != 2 {
		t.Errorf("Backbone.Redis: got %+v", cfg.Backbone.Redis)
	}
	if cfg.Results.Driver != "bolt" {
		t.Errorf("Results.Driver: got %q, want bolt", cfg.Results.Driver)
	}
	if cfg.Results.TTL.Duration != time.Hour {
		t.Errorf("Results.TTL: got %v, want 1h", cfg.Results.TTL.Duration)
	}

	// Sessions: merge falls back to default.
	if cfg.Sessions.DeviceLifetime.Duration != 10*time.Minute {
		t.Errorf("Sessions.DeviceLifetime: got %v", cfg.Sessions.DeviceLifetime.Duration)
	}
	if cfg.Sessions.SyncLifetime.Duration != 2*time.Hour {
		t.Errorf("Sessions.SyncLifetime: got %v", cfg.Sessions.SyncLifetime.Duration)
	}
	if cfg.Sessions.MergeLifetime.Duration != 15*time.Minute {
		t.Errorf("Sessions.MergeLifetime: got %v, want 15m", cfg.Sessions.MergeLifetime.Duration)
	}

	if !cfg.Publisher.Enabled {
		t.Error("Publisher.Enabled: got false")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadYAML(t *testing.T) {
	configYAML := `
server:
  addr: ":9090"
upstream:
  base_url: http://app.internal
backbone:
  driver: memory
sessions:
  merge_lifetime: 5m
`
	path := writeTempConfig(t, "relay.yaml", configYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Backbone.Driver != "memory" || cfg.Results.Driver != "memory" {
		t.Errorf("drivers: backbone=%q results=%q, want memory/memory", cfg.Backbone.Driver, cfg.Results.Driver)
	}
	if cfg.Sessions.MergeLifetime.Duration != 5*time.Minute {
		t.Errorf("Sessions.MergeLifetime: got %v, want 5m", cfg.Sessions.MergeLifetime.Duration)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"server":{"addr":":8080"},"upstream":{"base_url":"http://app"}}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"heartbeat", cfg.Server.HeartbeatInterval.Duration, 15 * time.Second},
		{"retry", cfg.Server.RetryMillis, 3000},
		{"shutdown", cfg.Server.ShutdownTimeout.Duration, 30 * time.Second},
		{"upstream timeout", cfg.Upstream.Timeout.Duration, 10 * time.Second},
		{"backbone driver", cfg.Backbone.Driver, "redis"},
		{"redis addr", cfg.Backbone.Redis.Addr, "localhost:6379"},
		{"results driver", cfg.Results.Driver, "redis"},
		{"device lifetime", cfg.Sessions.DeviceLifetime.Duration, 15 * time.Minute},
		{"sync lifetime", cfg.Sessions.SyncLifetime.Duration, 60 * time.Minute},
		{"merge lifetime", cfg.Sessions.MergeLifetime.Duration, 15 * time.Minute},
		{"log level", cfg.Logging.Level, "info"},
		{"log format", cfg.Logging.Format, "json"},
		{"max body", cfg.Server.MaxBodyBytes, int64(1024 * 1024)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_UPSTREAM_URL", "http://from-env")
	t.Setenv("RELAY_REDIS_ADDR", "cache:6380")
	t.Setenv("RELAY_PUBLISHER_SECRET", "env-secret-env-secret-env-secret-00")

	cfg, err := Parse([]byte(`{"server":{"addr":":8080"},"upstream":{"base_url":"http://file"}}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Upstream.BaseURL != "http://from-env" {
		t.Errorf("Upstream.BaseURL: got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Backbone.Redis.Addr != "cache:6380" {
		t.Errorf("Backbone.Redis.Addr: got %q", cfg.Backbone.Redis.Addr)
	}
	if cfg.Publisher.JWTSecret != "env-secret-env-secret-env-secret-00" {
		t.Errorf("Publisher.JWTSecret: got %q", cfg.Publisher.JWTSecret)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "missing addr",
			json:    `{"upstream":{"base_url":"http://app"}}`,
			wantErr: "server.addr",
		},
		{
			name:    "missing upstream",
			json:    `{"server":{"addr":":8080"}}`,
			wantErr: "upstream.base_url",
		},
		{
			name:    "unknown backbone",
			json:    `{"server":{"addr":":8080"},"upstream":{"base_url":"http://app"},"backbone":{"driver":"kafka"}}`,
			wantErr: "unknown backbone driver",
		},
		{
			name:    "postgres without dsn",
			json:    `{"server":{"addr":":8080"},"upstream":{"base_url":"http://app"},"backbone":{"driver":"postgres"}}`,
			wantErr: "backbone.dsn",
		},
		{
			name:    "sqlite results without dsn",
			json:    `{"server":{"addr":":8080"},"upstream":{"base_url":"http://app"},"results":{"driver":"sqlite"}}`,
			wantErr: "results.dsn",
		},
		{
			name:    "publisher without credentials",
			json:    `{"server":{"addr":":8080"},"upstream":{"base_url":"http://app"},"publisher":{"enabled":true}}`,
			wantErr: "publisher.jwt_secret or publisher.jwks_url",
		},
		{
			name:    "short publisher secret",
			json:    `{"server":{"addr":":8080"},"upstream":{"base_url":"http://app"},"publisher":{"enabled":true,"jwt_secret":"short"}}`,
			wantErr: "at least 32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json), ".json")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestInvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`{"server":{"addr":":8080","heartbeat_interval":"soon"},"upstream":{"base_url":"http://app"}}`), ".json")
	if err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

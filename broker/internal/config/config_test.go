package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "a-test-secret-that-is-long-enough-32"

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	configJSON := `{
		"server": {
			"host": "127.0.0.1",
			"port": 9000,
			"allowed_origins": ["http://localhost:3000"]
		},
		"storage": {
			"type": "sqlite",
			"data_dir": "/tmp/broker",
			"auto_compaction": false
		},
		"session": {
			"timeout": "10m",
			"cleanup_interval": 30000,
			"max_sessions": 5,
			"persistent_mode": true
		},
		"browser": {
			"health_check_interval": "1m",
			"max_reconnect_attempts": 7
		},
		"auth": {
			"enabled": true,
			"jwt_secret": "` + testSecret + `",
			"token_expiry": "2h",
			"allowed_ips": ["10.0.0.*"]
		},
		"logging": {"level": "debug", "format": "text"},
		"rate_limit": {"requests_per_second": 5, "burst": 10}
	}`

	cfg, err := Load(writeTempConfig(t, "broker.json", configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr: got %q, want %q", cfg.Addr(), "127.0.0.1:9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Storage.Type != StorageSQLite {
		t.Errorf("Storage.Type: got %q", cfg.Storage.Type)
	}
	if cfg.Storage.SQLitePath != filepath.Join("/tmp/broker", "broker.db") {
		t.Errorf("Storage.SQLitePath: got %q", cfg.Storage.SQLitePath)
	}
	if cfg.AutoCompact() {
		t.Error("AutoCompact: got true, want false")
	}
	if cfg.Session.Timeout.Duration != 10*time.Minute {
		t.Errorf("Session.Timeout: got %v, want 10m", cfg.Session.Timeout.Duration)
	}
	if cfg.Session.CleanupInterval.Duration != 30*time.Second {
		t.Errorf("Session.CleanupInterval: got %v, want 30s (numbers are ms)", cfg.Session.CleanupInterval.Duration)
	}
	if cfg.Session.MaxSessions != 5 || !cfg.Session.PersistentMode {
		t.Errorf("Session: got %+v", cfg.Session)
	}
	if cfg.Browser.HealthCheckInterval.Duration != time.Minute || cfg.Browser.MaxReconnectAttempts != 7 {
		t.Errorf("Browser: got %+v", cfg.Browser)
	}
	if !cfg.Auth.Enabled || cfg.Auth.TokenExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth: got enabled=%v expiry=%v", cfg.Auth.Enabled, cfg.Auth.TokenExpiry.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 5 || cfg.RateLimit.Burst != 10 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadYAML(t *testing.T) {
	configYAML := `
server:
  port: 8123
storage:
  type: jsonl
  snapshot_threshold: 50
session:
  timeout: 1500
  tool_timeout: 45s
browser:
  reconnect_delay: 250ms
`
	cfg, err := Load(writeTempConfig(t, "broker.yaml", configYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port: got %d", cfg.Server.Port)
	}
	if cfg.Storage.SnapshotThreshold != 50 {
		t.Errorf("Storage.SnapshotThreshold: got %d", cfg.Storage.SnapshotThreshold)
	}
	if cfg.Session.Timeout.Duration != 1500*time.Millisecond {
		t.Errorf("Session.Timeout: got %v, want 1.5s", cfg.Session.Timeout.Duration)
	}
	if cfg.Session.ToolTimeout.Duration != 45*time.Second {
		t.Errorf("Session.ToolTimeout: got %v", cfg.Session.ToolTimeout.Duration)
	}
	if cfg.Browser.ReconnectDelay.Duration != 250*time.Millisecond {
		t.Errorf("Browser.ReconnectDelay: got %v", cfg.Browser.ReconnectDelay.Duration)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "broker.json", `{"server": {"port": 9000}, "storage": {"type": "sqlite"}}`)

	t.Setenv("PORT", "9100")
	t.Setenv("STORAGE_TYPE", "jsonl")
	t.Setenv("SESSION_TIMEOUT", "60000")
	t.Setenv("RECONNECT_DELAY", "2s")
	t.Setenv("AUTO_COMPACTION", "false")
	t.Setenv("ALLOWED_IPS", "192.168.1.*,10.0.0.1")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("PORT override: got %d", cfg.Server.Port)
	}
	if cfg.Storage.Type != StorageJSONL {
		t.Errorf("STORAGE_TYPE override: got %q", cfg.Storage.Type)
	}
	if cfg.Session.Timeout.Duration != time.Minute {
		t.Errorf("SESSION_TIMEOUT override: got %v", cfg.Session.Timeout.Duration)
	}
	if cfg.Browser.ReconnectDelay.Duration != 2*time.Second {
		t.Errorf("RECONNECT_DELAY override: got %v", cfg.Browser.ReconnectDelay.Duration)
	}
	if cfg.AutoCompact() {
		t.Error("AUTO_COMPACTION override: still enabled")
	}
	if len(cfg.Auth.AllowedIPs) != 2 || cfg.Auth.AllowedIPs[0] != "192.168.1.*" {
		t.Errorf("ALLOWED_IPS override: got %v", cfg.Auth.AllowedIPs)
	}
	if cfg.Storage.Postgres.Host != "db.internal" {
		t.Errorf("DB_HOST override: got %q", cfg.Storage.Postgres.Host)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Type != StorageJSONL {
		t.Errorf("Storage.Type: got %q", cfg.Storage.Type)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"port out of range", `{"server": {"port": 70000}}`, "server.port"},
		{"unknown storage", `{"storage": {"type": "redis"}}`, "storage.type"},
		{"postgres without host", `{"storage": {"type": "postgresql"}}`, "storage.postgres"},
		{"auth without secret", `{"auth": {"enabled": true}}`, "jwt_secret"},
		{"short secret", `{"auth": {"jwt_secret": "too-short"}}`, "at least 32"},
		{"weak secret", `{"auth": {"jwt_secret": "change-me-to-a-random-string-at-least-32"}}`, "known default"},
		{"bad ip pattern", `{"auth": {"allowed_ips": ["[bad"]}}`, "allowed_ips"},
		{"bad log level", `{"logging": {"level": "loud"}}`, "logging.level"},
		{"bad duration", `{"session": {"timeout": "soon"}}`, "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, "broker.json", tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestPostgresAlias(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "broker.json",
		`{"storage": {"type": "postgres", "postgres": {"host": "localhost", "name": "broker"}}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Type != StoragePostgres {
		t.Errorf("Storage.Type: got %q, want %q", cfg.Storage.Type, StoragePostgres)
	}
	if cfg.Storage.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port default: got %d", cfg.Storage.Postgres.Port)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Addr() != "0.0.0.0:32122" {
		t.Errorf("Addr: got %q", cfg.Addr())
	}
	if cfg.Storage.DataDir != "./.mcp-data" || cfg.Storage.LogFileName != "store-v2.jsonl" {
		t.Errorf("Storage: got %+v", cfg.Storage)
	}
	if cfg.Storage.SnapshotThreshold != 10000 || !cfg.AutoCompact() {
		t.Errorf("Storage compaction defaults: got %d %v", cfg.Storage.SnapshotThreshold, cfg.AutoCompact())
	}
	if cfg.Session.Timeout.Duration != time.Hour || cfg.Session.CleanupInterval.Duration != time.Minute {
		t.Errorf("Session durations: got %v %v", cfg.Session.Timeout.Duration, cfg.Session.CleanupInterval.Duration)
	}
	if cfg.Session.MaxSessions != 100 {
		t.Errorf("Session.MaxSessions: got %d", cfg.Session.MaxSessions)
	}
	if cfg.Browser.HealthCheckInterval.Duration != 30*time.Second ||
		cfg.Browser.MaxReconnectAttempts != 3 ||
		cfg.Browser.ReconnectDelay.Duration != 5*time.Second ||
		cfg.Browser.ConnectionTimeout.Duration != 30*time.Second ||
		cfg.Browser.DetectionTimeout.Duration != 3*time.Second {
		t.Errorf("Browser: got %+v", cfg.Browser)
	}
	if cfg.Auth.TokenExpiry.Duration != 24*time.Hour {
		t.Errorf("Auth.TokenExpiry: got %v", cfg.Auth.TokenExpiry.Duration)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"broker.json", "broker.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Port = 4444
			cfg.Auth.JWTSecret = testSecret
			cfg.Session.Timeout.Duration = 90 * time.Second

			path := filepath.Join(t.TempDir(), name)
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Errorf("mode: got %v, want 0600", info.Mode().Perm())
			}

			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Server.Port != 4444 || got.Auth.JWTSecret != testSecret {
				t.Errorf("round trip lost fields: %+v %q", got.Server, got.Auth.JWTSecret)
			}
			if got.Session.Timeout.Duration != 90*time.Second {
				t.Errorf("Session.Timeout: got %v", got.Session.Timeout.Duration)
			}
		})
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, _ := GenerateRandomSecret()
	if len(a) != 64 {
		t.Errorf("length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two secrets are identical")
	}
}

// Package config loads the broker configuration from a JSON or YAML file,
// a .env file and the process environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
)

// knownWeakSecrets must never be used as a JWT signing key.
var knownWeakSecrets = map[string]bool{
	"change-me-in-production":                 true,
	"changeme":                                true,
	"secret":                                  true,
	"your-secret-key":                         true,
	"change-me-to-a-random-string-at-least-32": true,
}

// Storage backends.
const (
	StorageJSONL    = "jsonl"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgresql"
)

// GenerateRandomSecret returns a cryptographically random 64-char hex string.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level broker configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Browser   BrowserConfig   `json:"browser" yaml:"browser"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host            string   `json:"host,omitempty" yaml:"host,omitempty" envconfig:"HOST"`
	Port            int      `json:"port,omitempty" yaml:"port,omitempty" envconfig:"PORT"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" envconfig:"ALLOWED_ORIGINS"`
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" envconfig:"MAX_BODY_BYTES"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty" envconfig:"SHUTDOWN_TIMEOUT"`
}

type StorageConfig struct {
	Type              string `json:"type,omitempty" yaml:"type,omitempty" envconfig:"STORAGE_TYPE"`
	DataDir           string `json:"data_dir,omitempty" yaml:"data_dir,omitempty" envconfig:"DATA_DIR"`
	LogFileName       string `json:"log_file_name,omitempty" yaml:"log_file_name,omitempty" envconfig:"LOG_FILE_NAME"`
	SnapshotThreshold int    `json:"snapshot_threshold,omitempty" yaml:"snapshot_threshold,omitempty" envconfig:"SNAPSHOT_THRESHOLD"`
	AutoCompaction    *bool  `json:"auto_compaction,omitempty" yaml:"auto_compaction,omitempty" envconfig:"AUTO_COMPACTION"`
	// SQLitePath defaults to <data_dir>/broker.db.
	SQLitePath string         `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" envconfig:"SQLITE_PATH"`
	Postgres   PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

type PostgresConfig struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty" envconfig:"DB_HOST"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty" envconfig:"DB_PORT"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty" envconfig:"DB_NAME"`
	User     string `json:"user,omitempty" yaml:"user,omitempty" envconfig:"DB_USER"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" envconfig:"DB_PASSWORD"`
}

type SessionConfig struct {
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" envconfig:"SESSION_TIMEOUT"`
	CleanupInterval Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty" envconfig:"SESSION_CLEANUP_INTERVAL"`
	// MaxSessions < 0 removes the limit.
	MaxSessions    int      `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty" envconfig:"MAX_SESSIONS"`
	PersistentMode bool     `json:"persistent_mode,omitempty" yaml:"persistent_mode,omitempty" envconfig:"PERSISTENT_MODE"`
	ToolTimeout    Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty" envconfig:"TOOL_TIMEOUT"`
	Keepalive      Duration `json:"keepalive,omitempty" yaml:"keepalive,omitempty" envconfig:"SSE_KEEPALIVE"`
}

type BrowserConfig struct {
	HealthCheckInterval  Duration `json:"health_check_interval,omitempty" yaml:"health_check_interval,omitempty" envconfig:"BROWSER_HEALTH_CHECK_INTERVAL"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty" envconfig:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelay       Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty" envconfig:"RECONNECT_DELAY"`
	ConnectionTimeout    Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty" envconfig:"CONNECTION_TIMEOUT"`
	DetectionTimeout     Duration `json:"detection_timeout,omitempty" yaml:"detection_timeout,omitempty" envconfig:"BROWSER_DETECTION_TIMEOUT"`
	VerifyOnRegister     bool     `json:"verify_on_register,omitempty" yaml:"verify_on_register,omitempty" envconfig:"VERIFY_BROWSERS"`
}

type AuthConfig struct {
	Enabled      bool     `json:"enabled,omitempty" yaml:"enabled,omitempty" envconfig:"AUTH_ENABLED"`
	TokenExpiry  Duration `json:"token_expiry,omitempty" yaml:"token_expiry,omitempty" envconfig:"AUTH_TOKEN_EXPIRY"`
	JWTSecret    string   `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty" envconfig:"JWT_SECRET"`
	AdminKeyHash string   `json:"admin_key_hash,omitempty" yaml:"admin_key_hash,omitempty" envconfig:"ADMIN_KEY_HASH"`
	JWKSURL      string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty" envconfig:"JWKS_URL"`
	AllowedIPs   []string `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty" envconfig:"ALLOWED_IPS"`
}

// RateLimitConfig: a negative RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty" envconfig:"RATE_LIMIT_RPS"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty" envconfig:"RATE_LIMIT_BURST"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" envconfig:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format,omitempty" yaml:"format,omitempty" envconfig:"LOG_FORMAT"` // json, text
}

// Duration is a time.Duration that decodes from Go duration syntax or from
// a bare number of milliseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(ms * float64(time.Millisecond))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = dur
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		return d.parse(val)
	case float64:
		d.Duration = time.Duration(val * float64(time.Millisecond))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", node.Line)
	}
	return d.parse(node.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Decode lets envconfig read durations from the environment.
func (d *Duration) Decode(value string) error {
	return d.parse(value)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Default returns a configuration that runs without a file or environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (optional), then .env and the environment, validates and
// fills defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path as YAML or JSON by file extension.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Storage.Type {
	case "", StorageJSONL, StorageSQLite:
	case StoragePostgres, "postgres":
		c.Storage.Type = StoragePostgres
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Name == "" {
			return fmt.Errorf("storage.postgres.host and storage.postgres.name are required for postgresql storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q (want jsonl, sqlite or postgresql)", c.Storage.Type)
	}
	if c.Storage.SnapshotThreshold < 0 {
		return fmt.Errorf("storage.snapshot_threshold must not be negative")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if c.Auth.JWTSecret != "" {
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a known default value; generate a unique secret")
		}
	}
	if _, err := auth.CompileIPPatterns(c.Auth.AllowedIPs); err != nil {
		return fmt.Errorf("auth.allowed_ips: %w", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 32122
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageJSONL
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./.mcp-data"
	}
	if c.Storage.LogFileName == "" {
		c.Storage.LogFileName = "store-v2.jsonl"
	}
	if c.Storage.SnapshotThreshold == 0 {
		c.Storage.SnapshotThreshold = 10000
	}
	if c.Storage.AutoCompaction == nil {
		on := true
		c.Storage.AutoCompaction = &on
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "broker.db")
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}

	if c.Session.Timeout.Duration == 0 {
		c.Session.Timeout.Duration = time.Hour
	}
	if c.Session.CleanupInterval.Duration == 0 {
		c.Session.CleanupInterval.Duration = time.Minute
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 100
	}
	if c.Session.ToolTimeout.Duration == 0 {
		c.Session.ToolTimeout.Duration = 30 * time.Second
	}
	if c.Session.Keepalive.Duration == 0 {
		c.Session.Keepalive.Duration = 15 * time.Second
	}

	if c.Browser.HealthCheckInterval.Duration == 0 {
		c.Browser.HealthCheckInterval.Duration = 30 * time.Second
	}
	if c.Browser.MaxReconnectAttempts == 0 {
		c.Browser.MaxReconnectAttempts = 3
	}
	if c.Browser.ReconnectDelay.Duration == 0 {
		c.Browser.ReconnectDelay.Duration = 5 * time.Second
	}
	if c.Browser.ConnectionTimeout.Duration == 0 {
		c.Browser.ConnectionTimeout.Duration = 30 * time.Second
	}
	if c.Browser.DetectionTimeout.Duration == 0 {
		c.Browser.DetectionTimeout.Duration = 3 * time.Second
	}

	if c.Auth.TokenExpiry.Duration == 0 {
		c.Auth.TokenExpiry.Duration = 24 * time.Hour
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// AutoCompact reports whether the JSONL store compacts on its own.
func (c *Config) AutoCompact() bool {
	return c.Storage.AutoCompaction == nil || *c.Storage.AutoCompaction
}

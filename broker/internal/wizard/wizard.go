// Package wizard writes a broker configuration file, either interactively
// or from environment variables.
package wizard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/config"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/prompt"
)

// DefaultOutput is where the config goes when no path is given.
const DefaultOutput = "./devtools-broker.yaml"

const minAdminKeyLen = 12

// Wizard drives the config setup.
type Wizard struct {
	p *prompt.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *prompt.Prompter) *Wizard {
	return &Wizard{p: p}
}

func (w *Wizard) println(a ...any) {
	_, _ = fmt.Fprintln(w.p.Out, a...)
}

func (w *Wizard) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(w.p.Out, format, a...)
}

// Run asks for each setting and writes the config file. An empty
// outputPath is asked for last.
func (w *Wizard) Run(outputPath string) error {
	w.println()
	w.println("  DevTools Broker: configuration")
	w.println(strings.Repeat("─", 34))
	w.println()

	cfg := &config.Config{}

	w.println("Server")
	cfg.Server.Host = w.p.Ask("  Listen host", "0.0.0.0")
	cfg.Server.Port = w.p.Port("  Listen port", 32122)
	w.println()

	w.println("Storage")
	cfg.Storage.Type = w.p.Choose("  Backend", []string{config.StorageJSONL, config.StorageSQLite, config.StoragePostgres}, 0)
	switch cfg.Storage.Type {
	case config.StorageJSONL:
		cfg.Storage.DataDir = w.p.Ask("  Data directory", "./.mcp-data")
	case config.StorageSQLite:
		cfg.Storage.SQLitePath = w.p.Ask("  SQLite database path", "./.mcp-data/broker.db")
	case config.StoragePostgres:
		pg := &cfg.Storage.Postgres
		pg.Host = w.p.Ask("  PostgreSQL host", "localhost")
		pg.Port = w.p.Port("  PostgreSQL port", 5432)
		pg.Name = w.p.Ask("  Database name", "devtools_broker")
		pg.User = w.p.Ask("  User", "postgres")
		pg.Password = w.p.Secret("  Password")
	}
	w.println()

	w.println("Sessions")
	cfg.Session.MaxSessions = w.p.Int("  Max concurrent sessions", 100, 1)
	cfg.Session.Timeout = config.Duration{Duration: w.p.Duration("  Idle timeout", time.Hour)}
	w.println()

	w.println("Authentication")
	if w.p.Confirm("  Require bearer tokens", true) {
		secret, err := config.GenerateRandomSecret()
		if err != nil {
			return err
		}
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = secret
		cfg.Auth.TokenExpiry = config.Duration{Duration: w.p.Duration("  Token lifetime", 24*time.Hour)}
		w.println("  Generated a JWT signing secret.")
	}

	key := w.p.NewSecret(fmt.Sprintf("  Admin key (%d+ chars, empty leaves admin routes open)", minAdminKeyLen), minAdminKeyLen)
	if key != "" {
		hash, err := auth.HashAdminKey(key)
		if err != nil {
			return err
		}
		cfg.Auth.AdminKeyHash = hash
	}
	w.println()

	cfg.Logging.Format = w.p.Choose("Log format", []string{"json", "text"}, 0)
	w.println()

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", DefaultOutput)
	}
	if err := config.Save(cfg, outputPath); err != nil {
		return err
	}

	w.printf("\n  Config written to %s\n\n", outputPath)
	w.println("  Next steps:")
	w.printf("    devtools-broker run %s\n", outputPath)
	if key == "" {
		w.println("    Admin routes are open. Set one later with: devtools-broker hash-key")
	} else {
		w.println("    Pass the admin key to `devtools-broker top --admin-key`.")
	}
	w.println()
	return nil
}

// RunDefaults writes a config without prompting. Settings come from the
// same environment variables the broker reads; ADMIN_KEY is hashed and a
// JWT secret is generated when auth is on and JWT_SECRET is unset.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg := &config.Config{}

	cfg.Server.Host = envOr("HOST", "0.0.0.0")
	port, err := strconv.Atoi(envOr("PORT", "32122"))
	if err != nil {
		return fmt.Errorf("PORT: %w", err)
	}
	cfg.Server.Port = port

	cfg.Storage.Type = envOr("STORAGE_TYPE", config.StorageJSONL)
	switch cfg.Storage.Type {
	case config.StorageJSONL:
		cfg.Storage.DataDir = envOr("DATA_DIR", "/var/lib/devtools-broker")
	case config.StorageSQLite:
		cfg.Storage.SQLitePath = envOr("SQLITE_PATH", "/var/lib/devtools-broker/broker.db")
	case config.StoragePostgres, "postgres":
		cfg.Storage.Type = config.StoragePostgres
		cfg.Storage.Postgres.Host = os.Getenv("DB_HOST")
		cfg.Storage.Postgres.Name = envOr("DB_NAME", "devtools_broker")
		if cfg.Storage.Postgres.Host == "" {
			return fmt.Errorf("DB_HOST is required when STORAGE_TYPE=%s", config.StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", cfg.Storage.Type)
	}

	cfg.Auth.Enabled = envOr("AUTH_ENABLED", "true") == "true"
	if cfg.Auth.Enabled {
		cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
		if cfg.Auth.JWTSecret == "" {
			if cfg.Auth.JWTSecret, err = config.GenerateRandomSecret(); err != nil {
				return err
			}
		}
	}
	if key := os.Getenv("ADMIN_KEY"); key != "" {
		if cfg.Auth.AdminKeyHash, err = auth.HashAdminKey(key); err != nil {
			return err
		}
	}

	if outputPath == "" {
		outputPath = DefaultOutput
	}
	if err := config.Save(cfg, outputPath); err != nil {
		return err
	}
	w.printf("Config generated at %s\n", outputPath)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

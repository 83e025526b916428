// Package broker is the orchestrator that ties all broker components together.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/api"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/config"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/gateway"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/metrics"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/router"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tenant"
)

// Options override pieces of the default wiring.
type Options struct {
	Version string
	// Store replaces the backend selected by cfg.Storage.
	Store store.StorageAdapter
	// Dialer replaces the rod dialer.
	Dialer pool.Dialer
	// Bus is shared with the logger when set.
	Bus *events.Bus
}

// Broker is the main broker process.
type Broker struct {
	cfg      *config.Config
	store    store.StorageAdapter
	bus      *events.Bus
	router   *router.Router
	pool     *pool.Pool
	sessions *session.Manager
	auth     *auth.Service
	tenants  *tenant.Service
	gateway  *gateway.Gateway
	metrics  *metrics.Metrics
	api      *api.Server
	logger   *slog.Logger
}

// New creates a broker from configuration. The routing table is rebuilt
// from the store before New returns.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Broker, error) {
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = OpenStore(cfg.Storage, cfg.AutoCompact(), logger); err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}

	rt := router.New(logger)
	n, err := rt.Rebuild(context.Background(), st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("rebuild routes: %w", err)
	}
	logger.Info("routing table rebuilt", "users", n, "storage", cfg.Storage.Type)

	authSvc, err := auth.NewService(st, auth.Options{
		Enabled:      cfg.Auth.Enabled,
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenExpiry:  cfg.Auth.TokenExpiry.Duration,
		AllowedIPs:   cfg.Auth.AllowedIPs,
		AdminKeyHash: cfg.Auth.AdminKeyHash,
		JWKSURL:      cfg.Auth.JWKSURL,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	detector := pool.NewDetector(cfg.Browser.DetectionTimeout.Duration)
	dialer := opts.Dialer
	if dialer == nil {
		dialer = pool.NewRodDialer(detector, logger)
	}
	p := pool.New(rt, dialer, bus, logger, pool.Options{
		HealthCheckInterval:  cfg.Browser.HealthCheckInterval.Duration,
		MaxReconnectAttempts: cfg.Browser.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Browser.ReconnectDelay.Duration,
		ConnectionTimeout:    cfg.Browser.ConnectionTimeout.Duration,
	})

	maxSessions := cfg.Session.MaxSessions
	if maxSessions < 0 {
		maxSessions = 0
	}
	sessions := session.NewManager(p, bus, logger, session.Options{
		Timeout:         cfg.Session.Timeout.Duration,
		CleanupInterval: cfg.Session.CleanupInterval.Duration,
		MaxSessions:     maxSessions,
		PersistentMode:  cfg.Session.PersistentMode,
	})
	p.OnEvict(sessions.HandleEviction)

	tenants := tenant.New(st, rt, sessions, detector, bus, logger, tenant.Options{
		VerifyBrowsers: cfg.Browser.VerifyOnRegister,
	})

	gw := gateway.New(authSvc, rt, tenants, sessions, bus, logger, gateway.Options{
		Version:           opts.Version,
		KeepaliveInterval: cfg.Session.Keepalive.Duration,
		ToolTimeout:       cfg.Session.ToolTimeout.Duration,
		MaxMessageBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	})

	m := metrics.New(metrics.Gauges{
		Sessions:    sessions.Count,
		Connections: func() int { return p.Stats().Total },
		Users:       func() int { return rt.Stats().TotalUsers },
	}, bus)

	apiSrv := api.NewServer(api.Deps{
		Store:    st,
		Tenants:  tenants,
		Auth:     authSvc,
		Router:   rt,
		Sessions: sessions,
		Pool:     p,
		Gateway:  gw,
		Metrics:  m,
		Bus:      bus,
	}, api.Options{
		Version:        opts.Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.RateLimit.Burst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		TokenExpiry:    cfg.Auth.TokenExpiry.Duration,
	}, logger)

	b := &Broker{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		router:   rt,
		pool:     p,
		sessions: sessions,
		auth:     authSvc,
		tenants:  tenants,
		gateway:  gw,
		metrics:  m,
		api:      apiSrv,
		logger:   logger.With("component", "broker"),
	}

	if cfg.Auth.Enabled && cfg.Auth.AdminKeyHash == "" {
		logger.Warn("auth is enabled but no admin key hash is set; admin routes are open")
	}
	if !cfg.Auth.Enabled {
		logger.Warn("auth is disabled; every caller is anonymous (development only)")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}

	return b, nil
}

// OpenStore opens the backend named by cfg.Type.
func OpenStore(cfg config.StorageConfig, autoCompact bool, logger *slog.Logger) (store.StorageAdapter, error) {
	switch cfg.Type {
	case config.StorageJSONL, "":
		return store.NewJSONL(store.JSONLOptions{
			Dir:               cfg.DataDir,
			FileName:          cfg.LogFileName,
			SnapshotThreshold: cfg.SnapshotThreshold,
			AutoCompaction:    autoCompact,
			Logger:            logger,
		})
	case config.StorageSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return store.NewSQLite(cfg.SQLitePath)
	case config.StoragePostgres:
		pg := cfg.Postgres
		return store.NewPostgres(store.PostgresDSN(pg.Host, pg.Port, pg.Name, pg.User, pg.Password))
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Handler returns the HTTP handler of the API server.
func (b *Broker) Handler() http.Handler {
	return b.api.Handler()
}

// Run listens on the configured address and blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Addr())
	if err != nil {
		b.close()
		return fmt.Errorf("listen: %w", err)
	}
	return b.Serve(ctx, ln)
}

// Serve runs background loops and serves HTTP on ln until ctx is
// cancelled, then shuts every component down.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           b.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go b.metrics.Consume(bgCtx, b.bus)
	go b.pool.Start(bgCtx)
	go b.sessions.Start(bgCtx)
	b.api.StartBackgroundTasks(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("broker listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down broker gracefully")

		// Streams only end once their sessions close.
		if n := b.sessions.CloseAll(); n > 0 {
			b.logger.Info("sessions closed", "count", n)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		stopBackground()
		b.close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		stopBackground()
		b.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (b *Broker) close() {
	b.sessions.CloseAll()
	b.gateway.Wait()
	b.pool.Close()
	if c, ok := b.store.(store.Compactor); ok {
		if err := c.Snapshot(context.Background()); err != nil {
			b.logger.Warn("final snapshot failed", "error", err)
		}
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("close store", "error", err)
	}
	b.bus.Close()
}

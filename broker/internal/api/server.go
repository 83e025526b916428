// Package api provides the broker's HTTP surface: registration, user and
// browser management, token issuing, the MCP transports, admin and ops
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/gateway"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/metrics"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/router"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/session"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tenant"
)

// Deps are the components the API serves.
type Deps struct {
	Store    store.StorageAdapter
	Tenants  *tenant.Service
	Auth     *auth.Service
	Router   *router.Router
	Sessions *session.Manager
	Pool     *pool.Pool
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics // optional
	Bus      *events.Bus      // optional
}

// Options configures the API server.
type Options struct {
	Version        string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	TokenExpiry    time.Duration
}

// Server is the HTTP API server.
type Server struct {
	store     store.StorageAdapter
	tenants   *tenant.Service
	auth      *auth.Service
	router    *router.Router
	sessions  *session.Manager
	pool      *pool.Pool
	gateway   *gateway.Gateway
	metrics   *metrics.Metrics
	bus       *events.Bus
	logger    *slog.Logger
	opts      Options
	mux       *chi.Mux
	startTime time.Time
	rl        *rateLimiter
}

// NewServer creates the API server and its routes.
func NewServer(d Deps, opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	srv := &Server{
		store:     d.Store,
		tenants:   d.Tenants,
		auth:      d.Auth,
		router:    d.Router,
		sessions:  d.Sessions,
		pool:      d.Pool,
		gateway:   d.Gateway,
		metrics:   d.Metrics,
		bus:       d.Bus,
		logger:    logger.With("component", "api"),
		opts:      opts,
		startTime: time.Now(),
		rl:        newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.RequestID)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(opts.AllowedOrigins))
	if srv.metrics != nil {
		mux.Use(srv.metrics.Middleware)
	}
	mux.Use(srv.ipAllowMiddleware)
	mux.Use(rateLimitMiddleware(srv.rl))

	// Ops routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Get("/health", srv.handleHealth)
	mux.Get("/version", srv.handleVersion)
	mux.Get("/api/version", srv.handleVersion)
	if srv.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", srv.metrics.Handler())
	}

	// MCP transports (auth handled inside)
	mux.Get("/sse", srv.gateway.HandleSSE)
	mux.Get("/api/v2/sse", srv.gateway.HandleSSE)
	mux.Post("/message", srv.gateway.HandleMessage)
	mux.Get("/ws", srv.gateway.HandleWS)

	// Registration is open; the allow-list and rate limit still apply.
	mux.Post("/api/register", srv.handleRegister)
	mux.Post("/api/v2/users", srv.handleCreateUser)

	// Token issuing checks its own credentials.
	mux.Post("/api/auth/token", srv.handleIssueToken)
	mux.Delete("/api/auth/token/{tokenID}", srv.handleRevokeToken)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/v2/users", srv.handleListUsers)
		r.Get("/api/v2/users/{userID}", srv.handleGetUser)
		r.Patch("/api/v2/users/{userID}", srv.handleUpdateUser)
		r.Delete("/api/v2/users/{userID}", srv.handleDeleteUser)

		r.Post("/api/v2/users/{userID}/browsers", srv.handleBindBrowser)
		r.Get("/api/v2/users/{userID}/browsers", srv.handleListBrowsers)
		r.Get("/api/v2/users/{userID}/browsers/{browserID}", srv.handleGetBrowser)
		r.Patch("/api/v2/users/{userID}/browsers/{browserID}", srv.handleUpdateBrowser)
		r.Delete("/api/v2/users/{userID}/browsers/{browserID}", srv.handleUnbindBrowser)
	})

	// Admin routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.adminMiddleware)
		r.Get("/api/admin/export", srv.handleExport)
		r.Post("/api/admin/import", srv.handleImport)
		r.Post("/api/admin/compact", srv.handleCompact)
		r.Get("/api/admin/sessions", srv.handleAdminListSessions)
		r.Delete("/api/admin/sessions/{sessionID}", srv.handleAdminEvictSession)
		r.Get("/api/admin/connections", srv.handleAdminListConnections)
		r.Get("/api/admin/events", srv.handleAdminEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Ops handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.opts.Version,
		"sessions":      s.sessions.Stats(),
		"browsers":      s.pool.Stats(),
		"users":         st,
		"routedUsers":   s.router.Stats().TotalUsers,
		"uptime":        time.Since(s.startTime).Seconds(),
		"authEnabled":   s.auth.Enabled(),
		"adminRequired": s.auth.AdminRequired(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "devtools-broker",
		"version": s.opts.Version,
	})
}

// --- Admin handlers ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.router.Export()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="mappings.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	n, err := s.router.Import(data)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.logger.Info("mappings imported via admin API", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	c, ok := s.store.(store.Compactor)
	if !ok {
		writeAppError(w, r, apperr.Validation(apperr.CodeInvalidParameter, "storage backend does not support compaction"))
		return
	}
	if err := c.Compact(r.Context()); err != nil {
		writeAppError(w, r, err)
		return
	}
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "compacted", "stats": st})
}

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
		"stats":    s.sessions.Stats(),
	})
}

func (s *Server) handleAdminEvictSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.sessions.Evict(id) {
		writeAppError(w, r, apperr.NotFound(apperr.CodeSessionNotFound, "session %s not found", id).With("sessionId", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.pool.Connections(),
		"stats":       s.pool.Stats(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeAppError renders err as the standard error body. Internal failures
// are logged with their cause, which never reaches the client.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	if ae.Status >= http.StatusInternalServerError {
		slog.Default().Error("request failed", "method", r.Method, "path", r.URL.Path,
			"code", ae.Code, "error", err, "request_id", chimw.GetReqID(r.Context()))
	}
	writeJSON(w, ae.Status, ae.ToBody())
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var buf json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
		return nil, apperr.Validation(apperr.CodeValidation, "invalid request body").Wrap(err)
	}
	return buf, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation(apperr.CodeValidation, "invalid request body").Wrap(err)
	}
	return nil
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tenant"
)

// --- Registration and tokens ---

type registerResponse struct {
	*tenant.Registration
	Token       string `json:"token"`
	SSEEndpoint string `json:"sseEndpoint"`
	WSEndpoint  string `json:"wsEndpoint"`
}

// handleRegister serves the legacy registration route, which answers 200
// whether or not the user was new.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, http.StatusOK)
}

// handleCreateUser answers 201 when the registration created the user.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, http.StatusCreated)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, createdStatus int) {
	var req tenant.RegisterRequest
	if err := decodeJSON(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	reg, err := s.tenants.Register(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if reg.UserCreated {
		status = createdStatus
	}
	writeJSON(w, status, registerResponse{
		Registration: reg,
		Token:        reg.Browser.Token,
		SSEEndpoint:  "/sse?token=" + reg.Browser.Token,
		WSEndpoint:   "/ws?token=" + reg.Browser.Token,
	})
}

type issueTokenRequest struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresIn   string   `json:"expiresIn,omitempty"`
}

// handleIssueToken mints a JWT. The caller proves ownership with the
// user's browser token, or presents the admin key.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if req.UserID == "" {
		writeAppError(w, r, apperr.Validation(apperr.CodeMissingParameter, "userId is required"))
		return
	}
	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeAppError(w, r, apperr.Validation(apperr.CodeInvalidParameter, "invalid expiresIn %q", req.ExpiresIn))
			return
		}
		ttl = d
	} else {
		ttl = s.opts.TokenExpiry
	}

	if err := s.authorizeTokenIssue(r, req.UserID); err != nil {
		writeAppError(w, r, err)
		return
	}
	tok, err := s.auth.IssueToken(r.Context(), req.UserID, req.Permissions, ttl)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) authorizeTokenIssue(r *http.Request, userID string) error {
	if key := r.Header.Get(adminKeyHeader); key != "" {
		return s.auth.CheckAdminKey(key)
	}
	bearer := auth.ExtractToken(r.Header.Get("Authorization"))
	if bearer == "" {
		if s.auth.AdminRequired() || s.auth.Enabled() {
			return apperr.Unauthorized(apperr.CodeUnauthorized, "a browser token or the admin key is required")
		}
		return nil
	}
	id, err := s.auth.Validate(r.Context(), bearer)
	if err != nil {
		return err
	}
	if id.Method != auth.MethodBrowserToken || id.UserID != userID {
		return apperr.Forbidden(apperr.CodeForbidden, "token does not belong to user %s", userID)
	}
	return nil
}

// handleRevokeToken revokes a JWT. The admin key may revoke any token; a
// token holder may revoke their own.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	if key := r.Header.Get(adminKeyHeader); key != "" {
		if err := s.auth.CheckAdminKey(key); err != nil {
			writeAppError(w, r, err)
			return
		}
	} else {
		bearer := auth.ExtractToken(r.Header.Get("Authorization"))
		if bearer == "" {
			if s.auth.AdminRequired() || s.auth.Enabled() {
				writeAppError(w, r, apperr.Unauthorized(apperr.CodeUnauthorized, "missing bearer token"))
				return
			}
		} else {
			id, err := s.auth.Validate(r.Context(), bearer)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			if id.TokenID != tokenID {
				writeAppError(w, r, apperr.Forbidden(apperr.CodeForbidden, "cannot revoke another token"))
				return
			}
		}
	}

	if err := s.auth.Revoke(r.Context(), tokenID); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	if id == nil || (id.Method != auth.MethodAnonymous && (id.Method == auth.MethodBrowserToken || !id.Can(auth.PermAll))) {
		writeAppError(w, r, apperr.Forbidden(apperr.CodeForbidden, "listing users requires full permissions"))
		return
	}
	users, err := s.tenants.ListUsers(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if users == nil {
		users = []tenant.UserSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	u, err := s.tenants.GetUser(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	var upd tenant.UserUpdate
	if err := decodeJSON(w, r, s.opts.MaxBodyBytes, &upd); err != nil {
		writeAppError(w, r, err)
		return
	}
	u, err := s.tenants.UpdateUser(r.Context(), userID, upd)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := s.tenants.Unregister(r.Context(), userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Browsers ---

func (s *Server) handleBindBrowser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	var req tenant.BindRequest
	if err := decodeJSON(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	b, err := s.tenants.BindBrowser(r.Context(), userID, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBrowsers(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	browsers, err := s.tenants.ListBrowsers(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if browsers == nil {
		browsers = []store.Browser{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"browsers": browsers, "total": len(browsers)})
}

func (s *Server) handleGetBrowser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	b, err := s.tenants.GetBrowser(r.Context(), userID, chi.URLParam(r, "browserID"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type updateBrowserRequest struct {
	BrowserURL  *string        `json:"browserURL,omitempty"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleUpdateBrowser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	var req updateBrowserRequest
	if err := decodeJSON(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	b, err := s.tenants.UpdateBrowser(r.Context(), userID, chi.URLParam(r, "browserID"), store.BrowserUpdate{
		BrowserURL:  req.BrowserURL,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUnbindBrowser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := requireUserAccess(r, userID); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := s.tenants.UnbindBrowser(r.Context(), userID, chi.URLParam(r, "browserID")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

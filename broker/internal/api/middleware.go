package api

import (
	"context"
	"net/http"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// adminKeyHeader carries the operator key checked against ADMIN_KEY_HASH.
const adminKeyHeader = "X-Admin-Key"

// authMiddleware resolves the caller's identity. With auth disabled every
// caller is anonymous with full permissions.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractToken(r.Header.Get("Authorization"))
		identity, err := s.auth.Authorize(r.Context(), r.RemoteAddr, token)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.CheckAdminKey(r.Header.Get(adminKeyHeader)); err != nil {
			s.logger.Warn("admin request rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeAppError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipAllowMiddleware enforces the IP allow-list on every route.
func (s *Server) ipAllowMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.IPAllowed(r.RemoteAddr) {
			writeAppError(w, r, apperr.Forbidden(apperr.CodeIPNotAllowed, "IP %s is not allowed", auth.NormalizeIP(r.RemoteAddr)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

// requireUserAccess allows the user themselves and wildcard identities
// that are not bound to a browser.
func requireUserAccess(r *http.Request, userID string) error {
	id := getIdentityFromContext(r.Context())
	if id == nil {
		return apperr.Unauthorized(apperr.CodeUnauthorized, "not authenticated")
	}
	if id.Method == auth.MethodAnonymous || id.UserID == userID {
		return nil
	}
	if id.Method != auth.MethodBrowserToken && id.Can(auth.PermAll) {
		return nil
	}
	return apperr.Forbidden(apperr.CodeForbidden, "no access to user %s", userID)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id, X-Request-Id, X-Admin-Key")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

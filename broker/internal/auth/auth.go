// Package auth authenticates broker clients: IP allow-listing, browser
// tokens, broker-issued JWTs and an optional external JWKS issuer.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
)

// PermAll grants every permission.
const PermAll = "*"

// Identity methods.
const (
	MethodAnonymous    = "anonymous"
	MethodBrowserToken = "browser-token"
	MethodJWT          = "jwt"
	MethodJWKS         = "jwks"
)

const issuer = "devtools-broker"

// Claims represents the JWT token claims.
type Claims struct {
	UserID      string   `json:"uid"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID      string   `json:"userId"`
	BrowserID   string   `json:"browserId,omitempty"`
	TokenID     string   `json:"tokenId,omitempty"`
	Permissions []string `json:"permissions"`
	Method      string   `json:"method"`
}

// Can reports whether the identity holds perm.
func (id *Identity) Can(perm string) bool {
	if id == nil {
		return false
	}
	return slices.Contains(id.Permissions, PermAll) || slices.Contains(id.Permissions, perm)
}

// IssuedToken is returned to the client once. Only its ID is persisted.
type IssuedToken struct {
	Token       string    `json:"token"`
	TokenID     string    `json:"tokenId"`
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// TokenStore is the subset of the store the authenticator needs.
type TokenStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetBrowserByToken(ctx context.Context, token string) (*store.Browser, error)
	CreateToken(ctx context.Context, tok *store.AuthToken) error
	GetToken(ctx context.Context, id string) (*store.AuthToken, error)
	RevokeToken(ctx context.Context, id string) (bool, error)
}

// Options configures the Service.
type Options struct {
	// Enabled turns on token checks. IP checks apply whenever AllowedIPs
	// is non-empty.
	Enabled      bool
	JWTSecret    string
	TokenExpiry  time.Duration
	AllowedIPs   []string
	AdminKeyHash string
	JWKSURL      string
}

// Service handles authentication operations.
type Service struct {
	store     TokenStore
	logger    *slog.Logger
	enabled   bool
	jwtSecret []byte
	expiry    time.Duration
	ips       *IPMatcher
	adminHash []byte
	jwks      keyfunc.Keyfunc
	now       func() time.Time
}

// NewService creates an authenticator. When JWKSURL is set the key set is
// fetched up front.
func NewService(s TokenStore, opts Options, logger *slog.Logger) (*Service, error) {
	ips, err := CompileIPPatterns(opts.AllowedIPs)
	if err != nil {
		return nil, apperr.Configuration("allowed IPs: %v", err).Wrap(err)
	}
	if opts.Enabled && opts.JWTSecret == "" {
		return nil, apperr.Configuration("auth is enabled but no JWT secret is configured")
	}
	if opts.TokenExpiry <= 0 {
		opts.TokenExpiry = 24 * time.Hour
	}

	secret := []byte(opts.JWTSecret)
	if len(secret) == 0 {
		// Tokens signed with a generated secret stop validating on restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		logger.Warn("no JWT secret configured, issued tokens are valid until restart", "component", "auth")
	}

	svc := &Service{
		store:     s,
		logger:    logger.With("component", "auth"),
		enabled:   opts.Enabled,
		jwtSecret: secret,
		expiry:    opts.TokenExpiry,
		ips:       ips,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if opts.AdminKeyHash != "" {
		svc.adminHash = []byte(opts.AdminKeyHash)
	}
	if opts.JWKSURL != "" {
		jwks, err := keyfunc.NewDefault([]string{opts.JWKSURL})
		if err != nil {
			return nil, apperr.Configuration("fetch JWKS from %s", opts.JWKSURL).Wrap(err)
		}
		svc.jwks = jwks
	}
	return svc, nil
}

// Enabled reports whether token checks are on.
func (s *Service) Enabled() bool { return s.enabled }

// IPAllowed checks remoteAddr against the allow-list.
func (s *Service) IPAllowed(remoteAddr string) bool { return s.ips.Allowed(remoteAddr) }

// Authorize runs the IP check then the token check. With token checks
// disabled the caller is anonymous with every permission.
func (s *Service) Authorize(ctx context.Context, remoteAddr, token string) (*Identity, error) {
	if !s.ips.Allowed(remoteAddr) {
		s.logger.Warn("request from disallowed IP", "remote_addr", NormalizeIP(remoteAddr))
		return nil, apperr.Forbidden(apperr.CodeIPNotAllowed, "IP %s is not allowed", NormalizeIP(remoteAddr))
	}
	if !s.enabled {
		return &Identity{UserID: MethodAnonymous, Permissions: []string{PermAll}, Method: MethodAnonymous}, nil
	}
	if token == "" {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "missing bearer token")
	}
	return s.Validate(ctx, token)
}

// IssueToken mints a signed JWT for an existing user and records it.
func (s *Service) IssueToken(ctx context.Context, userID string, permissions []string, ttl time.Duration) (*IssuedToken, error) {
	if userID == "" {
		return nil, apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", userID).With("userId", userID)
	}
	if ttl <= 0 {
		ttl = s.expiry
	}
	if len(permissions) == 0 {
		permissions = []string{PermAll}
	}

	now := s.now()
	rec := &store.AuthToken{
		ID:          uuid.New().String(),
		UserID:      userID,
		Permissions: slices.Clone(permissions),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	signed, err := s.sign(rec)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("token issued", "user_id", userID, "token_id", rec.ID, "expires_at", rec.ExpiresAt)
	return &IssuedToken{
		Token:       signed,
		TokenID:     rec.ID,
		UserID:      userID,
		Permissions: rec.Permissions,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (s *Service) sign(rec *store.AuthToken) (string, error) {
	claims := Claims{
		UserID:      rec.UserID,
		Permissions: rec.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.ID,
			Subject:   rec.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(rec.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate resolves a bearer credential to an identity.
func (s *Service) Validate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "missing bearer token")
	}
	if strings.HasPrefix(token, store.TokenPrefix) {
		return s.validateBrowserToken(ctx, token)
	}
	id, err := s.validateJWT(ctx, token)
	if err == nil {
		return id, nil
	}
	if s.jwks != nil && !apperr.IsKind(err, apperr.KindStorage) {
		if ext, extErr := s.validateExternal(ctx, token); extErr == nil {
			return ext, nil
		}
	}
	return nil, err
}

func (s *Service) validateBrowserToken(ctx context.Context, token string) (*Identity, error) {
	b, err := s.store.GetBrowserByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("lookup browser token: %w", err)
	}
	if b == nil {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "invalid token")
	}
	return &Identity{UserID: b.UserID, BrowserID: b.ID, Permissions: []string{PermAll}, Method: MethodBrowserToken}, nil
}

func (s *Service) parseJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

func (s *Service) validateJWT(ctx context.Context, tokenStr string) (*Identity, error) {
	if len(s.jwtSecret) == 0 {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "invalid token")
	}
	claims, err := s.parseJWT(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Unauthorized(apperr.CodeSessionExpired, "token expired")
		}
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "invalid token")
	}

	rec, err := s.store.GetToken(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if rec == nil || rec.Revoked || rec.UserID != claims.UserID {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "token revoked or unknown")
	}
	return &Identity{
		UserID:      rec.UserID,
		TokenID:     rec.ID,
		Permissions: slices.Clone(rec.Permissions),
		Method:      MethodJWT,
	}, nil
}

// validateExternal accepts tokens from the configured JWKS issuer. The
// subject is the user ID; permissions come from a space separated scope.
func (s *Service) validateExternal(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, s.jwks.KeyfuncCtx(ctx), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("missing subject")
	}
	scope, _ := claims["scope"].(string)
	return &Identity{UserID: sub, Permissions: strings.Fields(scope), Method: MethodJWKS}, nil
}

// Revoke marks an issued token revoked. Unknown IDs are NotFound.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	rec, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	if rec == nil {
		return apperr.NotFound(apperr.CodeTokenNotFound, "token %s not found", tokenID)
	}
	if _, err := s.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	s.logger.Info("token revoked", "token_id", tokenID, "user_id", rec.UserID)
	return nil
}

// ExtractToken returns the credential from an Authorization header value.
// A "Bearer " prefix is matched case-insensitively; anything else is
// returned as-is.
func ExtractToken(header string) string {
	h := strings.TrimSpace(header)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// AdminRequired reports whether an admin key hash is configured.
func (s *Service) AdminRequired() bool { return len(s.adminHash) > 0 }

// CheckAdminKey verifies key against the configured bcrypt hash. It always
// passes when no hash is configured.
func (s *Service) CheckAdminKey(key string) error {
	if !s.AdminRequired() {
		return nil
	}
	if key == "" {
		return apperr.Unauthorized(apperr.CodeUnauthorized, "admin key required")
	}
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(key)); err != nil {
		return apperr.Forbidden(apperr.CodeForbidden, "invalid admin key")
	}
	return nil
}

// HashAdminKey returns the bcrypt hash to configure as ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	if len(key) < 12 {
		return "", apperr.Validation(apperr.CodeInvalidParameter, "admin key must be at least 12 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(hash), nil
}

// Package tenant orchestrates registration across the store, the router
// and live sessions. The router is only updated after the store accepts a
// change, so a failed write never leaves a stale route behind.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/router"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	userIDUnsafe = regexp.MustCompile(`[^a-z0-9_-]`)
)

// SessionCloser closes a user's live sessions.
type SessionCloser interface {
	CloseUser(userID string) int
}

// Prober checks that a browser endpoint answers before it is bound.
type Prober interface {
	Detect(ctx context.Context, browserURL string) (*pool.VersionInfo, error)
}

// RegisterRequest is the input of Register. Either UserID or Email is
// required.
type RegisterRequest struct {
	UserID      string         `json:"userId,omitempty"`
	Email       string         `json:"email,omitempty"`
	Username    string         `json:"username,omitempty"`
	BrowserURL  string         `json:"browserURL"`
	TokenName   string         `json:"tokenName,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Registration is the result of Register.
type Registration struct {
	User        store.User    `json:"user"`
	Browser     store.Browser `json:"browser"`
	UserCreated bool          `json:"userCreated"`
	Updated     bool          `json:"updated"`
}

// BindRequest binds an additional browser to an existing user.
type BindRequest struct {
	BrowserURL  string         `json:"browserURL"`
	TokenName   string         `json:"tokenName,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UserUpdate holds the mutable user fields. Nil fields are unchanged.
type UserUpdate struct {
	Username *string        `json:"username,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserSummary is a user with a browser count.
type UserSummary struct {
	store.User
	BrowserCount int `json:"browserCount"`
}

// UserDetail is a user with its browsers and current route.
type UserDetail struct {
	store.User
	Browsers []store.Browser `json:"browsers"`
	Route    *router.Mapping `json:"route,omitempty"`
}

// Options configures the service.
type Options struct {
	// VerifyBrowsers probes /json/version before a browser is bound.
	VerifyBrowsers bool
}

// Service manages tenants and their browser bindings.
type Service struct {
	store    store.StorageAdapter
	router   *router.Router
	sessions SessionCloser
	prober   Prober
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options

	// mu serializes registrations so derived user IDs cannot collide.
	mu sync.Mutex
	// users serializes each user's store mutation with the route refresh
	// that follows it.
	users userLocks
}

// userLocks hands out one mutex per user ID. Entries are dropped once no
// caller holds or waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul := l.locks[userID]
	if ul == nil {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		if ul.refs--; ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// New creates a tenant service. sessions, prober and bus may be nil.
func New(st store.StorageAdapter, rt *router.Router, sessions SessionCloser, prober Prober, bus *events.Bus, logger *slog.Logger, opts Options) *Service {
	return &Service{
		store:    st,
		router:   rt,
		sessions: sessions,
		prober:   prober,
		bus:      bus,
		logger:   logger.With("component", "tenant"),
		opts:     opts,
	}
}

// DeriveUserID builds a user ID from the local part of an email address.
func DeriveUserID(email string) string {
	local, _, _ := strings.Cut(store.NormalizeEmail(email), "@")
	return userIDUnsafe.ReplaceAllString(local, "-")
}

// ValidateEmail checks the basic shape of an email address.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return apperr.Validation(apperr.CodeInvalidEmail, "invalid email format: %q", email)
	}
	return nil
}

// Register ensures the user exists, binds browserURL to it (reusing a
// browser already bound to the same URL) and routes the user to it.
// Registration marks the browser active, so it becomes the user's route.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Email = strings.TrimSpace(req.Email)
	if req.UserID == "" && req.Email == "" {
		return nil, apperr.Validation(apperr.CodeMissingParameter, "userId or email is required")
	}
	if req.Email != "" {
		if err := ValidateEmail(req.Email); err != nil {
			return nil, err
		}
	}
	if err := router.ValidateBrowserURL(req.BrowserURL); err != nil {
		return nil, err
	}
	description, err := s.verify(ctx, req.BrowserURL, req.Description)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, created, err := s.ensureUser(ctx, req)
	if err != nil {
		return nil, err
	}
	unlock := s.users.lock(user.ID)
	defer unlock()
	if !created {
		// An unregister may have won the lock since ensureUser.
		if _, err := s.requireUser(ctx, user.ID); err != nil {
			return nil, err
		}
	}
	_, hadRoute := s.router.GetMapping(user.ID)

	browsers, err := s.store.ListBrowsersByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	var browser *store.Browser
	for i := range browsers {
		if browsers[i].BrowserURL == req.BrowserURL {
			browser = &browsers[i]
			break
		}
	}
	if browser == nil {
		browser, err = s.createBrowser(ctx, user.ID, BindRequest{
			BrowserURL:  req.BrowserURL,
			TokenName:   req.TokenName,
			Description: description,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return nil, err
		}
	} else if req.Metadata != nil {
		if browser, err = s.store.UpdateBrowser(ctx, browser.ID, store.BrowserUpdate{Metadata: req.Metadata}); err != nil {
			return nil, err
		}
	}

	touched, err := s.store.TouchBrowser(ctx, browser.ID, time.Now())
	if err != nil {
		return nil, err
	}
	if touched != nil {
		browser = touched
	}
	if _, _, err := s.router.Refresh(ctx, s.store, user.ID); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", user.ID, "browser_id", browser.ID, "browser_url", browser.BrowserURL,
		"user_created", created, "updated", hadRoute)
	s.bus.PublishType(events.UserRegistered, events.UserEvent{UserID: user.ID, BrowserID: browser.ID, BrowserURL: browser.BrowserURL})
	return &Registration{User: *user, Browser: *browser, UserCreated: created, Updated: hadRoute}, nil
}

func (s *Service) ensureUser(ctx context.Context, req RegisterRequest) (*store.User, bool, error) {
	if req.UserID != "" {
		u, err := s.store.GetUser(ctx, req.UserID)
		if err != nil {
			return nil, false, fmt.Errorf("get user: %w", err)
		}
		if u != nil {
			return u, false, nil
		}
		u = &store.User{ID: req.UserID, Email: req.Email, Username: req.Username}
		if err := s.store.CreateUser(ctx, u); err != nil {
			return nil, false, err
		}
		return u, true, nil
	}

	u, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, false, fmt.Errorf("get user by email: %w", err)
	}
	if u != nil {
		return u, false, nil
	}
	id, err := s.freeUserID(ctx, DeriveUserID(req.Email))
	if err != nil {
		return nil, false, err
	}
	u = &store.User{ID: id, Email: req.Email, Username: req.Username}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// freeUserID appends -2, -3, ... to base until no user holds the ID.
func (s *Service) freeUserID(ctx context.Context, base string) (string, error) {
	if base == "" {
		base = "user"
	}
	id := base
	for n := 2; ; n++ {
		u, err := s.store.GetUser(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get user: %w", err)
		}
		if u == nil {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// verify probes browserURL when verification is on and returns the
// description to store, defaulted from the reported product.
func (s *Service) verify(ctx context.Context, browserURL, description string) (string, error) {
	if !s.opts.VerifyBrowsers || s.prober == nil {
		return description, nil
	}
	info, err := s.prober.Detect(ctx, browserURL)
	if err != nil {
		return "", err
	}
	if description == "" && info.Browser != "" {
		description = "Chrome " + info.Browser
	}
	return description, nil
}

// createBrowser stores a browser. req.Description must already have gone
// through verify.
func (s *Service) createBrowser(ctx context.Context, userID string, req BindRequest) (*store.Browser, error) {
	description := req.Description
	name := strings.TrimSpace(req.TokenName)
	if name == "" {
		var err error
		if name, err = s.defaultTokenName(ctx, userID); err != nil {
			return nil, err
		}
	}
	b := &store.Browser{
		UserID:      userID,
		BrowserURL:  req.BrowserURL,
		TokenName:   name,
		Description: description,
		Metadata:    req.Metadata,
	}
	if err := s.store.CreateBrowser(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("browser bound", "user_id", userID, "browser_id", b.ID, "browser_url", b.BrowserURL, "token_name", b.TokenName)
	return b, nil
}

// defaultTokenName returns browser-<unix-ms>, suffixed when the user
// already holds that name.
func (s *Service) defaultTokenName(ctx context.Context, userID string) (string, error) {
	browsers, err := s.store.ListBrowsersByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list browsers: %w", err)
	}
	taken := make(map[string]bool, len(browsers))
	for _, b := range browsers {
		taken[b.TokenName] = true
	}
	base := store.DefaultTokenName(time.Now())
	name := base
	for n := 2; taken[name]; n++ {
		name = fmt.Sprintf("%s-%d", base, n)
	}
	return name, nil
}

// Unregister tombstones the user with its browsers and tokens, drops the
// route and closes the user's sessions.
func (s *Service) Unregister(ctx context.Context, userID string) error {
	unlock := s.users.lock(userID)
	ok, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		unlock()
		return err
	}
	if !ok {
		unlock()
		return apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", userID).With("userId", userID)
	}
	s.router.UnregisterUser(userID)
	unlock()
	closed := 0
	if s.sessions != nil {
		closed = s.sessions.CloseUser(userID)
	}
	s.logger.Info("user unregistered", "user_id", userID, "sessions_closed", closed)
	s.bus.PublishType(events.UserUnregistered, events.UserEvent{UserID: userID})
	return nil
}

func (s *Service) requireUser(ctx context.Context, userID string) (*store.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", userID).With("userId", userID)
	}
	return u, nil
}

// GetUser returns a user with its browsers and current route.
func (s *Service) GetUser(ctx context.Context, userID string) (*UserDetail, error) {
	u, err := s.requireUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	browsers, err := s.store.ListBrowsersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	d := &UserDetail{User: *u, Browsers: browsers}
	if m, ok := s.router.GetMapping(userID); ok {
		d.Route = &m
	}
	return d, nil
}

// ListUsers returns every user with its browser count.
func (s *Service) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	browsers, err := s.store.ListBrowsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	counts := make(map[string]int, len(users))
	for _, b := range browsers {
		counts[b.UserID]++
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{User: u, BrowserCount: counts[u.ID]})
	}
	return out, nil
}

// UpdateUser changes a user's username and/or metadata.
func (s *Service) UpdateUser(ctx context.Context, userID string, upd UserUpdate) (*store.User, error) {
	u, err := s.requireUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" {
			return nil, apperr.Validation(apperr.CodeInvalidParameter, "username must not be empty")
		}
		if u, err = s.store.UpdateUsername(ctx, userID, name); err != nil {
			return nil, err
		}
	}
	if upd.Metadata != nil {
		if u, err = s.store.UpdateUserMetadata(ctx, userID, upd.Metadata); err != nil {
			return nil, err
		}
	}
	if u == nil {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", userID)
	}
	return u, nil
}

// BindBrowser adds a browser to an existing user.
func (s *Service) BindBrowser(ctx context.Context, userID string, req BindRequest) (*store.Browser, error) {
	if err := router.ValidateBrowserURL(req.BrowserURL); err != nil {
		return nil, err
	}
	if _, err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	description, err := s.verify(ctx, req.BrowserURL, req.Description)
	if err != nil {
		return nil, err
	}
	req.Description = description

	unlock := s.users.lock(userID)
	defer unlock()
	if _, err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	b, err := s.createBrowser(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.router.Refresh(ctx, s.store, userID); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBrowser returns one of the user's browsers.
func (s *Service) GetBrowser(ctx context.Context, userID, browserID string) (*store.Browser, error) {
	b, err := s.store.GetBrowser(ctx, browserID)
	if err != nil {
		return nil, fmt.Errorf("get browser: %w", err)
	}
	if b == nil || b.UserID != userID {
		return nil, apperr.NotFound(apperr.CodeBrowserNotFound, "browser %s not found", browserID).
			With("userId", userID)
	}
	return b, nil
}

// ListBrowsers returns the user's browsers.
func (s *Service) ListBrowsers(ctx context.Context, userID string) ([]store.Browser, error) {
	if _, err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	browsers, err := s.store.ListBrowsersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	return browsers, nil
}

// UpdateBrowser changes a browser's URL, description or metadata.
func (s *Service) UpdateBrowser(ctx context.Context, userID, browserID string, upd store.BrowserUpdate) (*store.Browser, error) {
	if _, err := s.GetBrowser(ctx, userID, browserID); err != nil {
		return nil, err
	}
	if upd.BrowserURL != nil {
		if err := router.ValidateBrowserURL(*upd.BrowserURL); err != nil {
			return nil, err
		}
		if _, err := s.verify(ctx, *upd.BrowserURL, ""); err != nil {
			return nil, err
		}
	}

	unlock := s.users.lock(userID)
	defer unlock()
	b, err := s.store.UpdateBrowser(ctx, browserID, upd)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apperr.NotFound(apperr.CodeBrowserNotFound, "browser %s not found", browserID)
	}
	if _, _, err := s.router.Refresh(ctx, s.store, userID); err != nil {
		return nil, err
	}
	return b, nil
}

// UnbindBrowser deletes a browser. When it was the user's last browser
// the route is dropped and the user's sessions are closed.
func (s *Service) UnbindBrowser(ctx context.Context, userID, browserID string) error {
	if _, err := s.GetBrowser(ctx, userID, browserID); err != nil {
		return err
	}
	unlock := s.users.lock(userID)
	if _, err := s.store.DeleteBrowser(ctx, browserID); err != nil {
		unlock()
		return err
	}
	_, routed, err := s.router.Refresh(ctx, s.store, userID)
	unlock()
	if err != nil {
		return err
	}
	if !routed && s.sessions != nil {
		n := s.sessions.CloseUser(userID)
		s.logger.Info("last browser unbound", "user_id", userID, "sessions_closed", n)
	}
	s.logger.Info("browser unbound", "user_id", userID, "browser_id", browserID)
	return nil
}

// ResolveToken returns the browser bound to an mcp_ token.
func (s *Service) ResolveToken(ctx context.Context, token string) (*store.Browser, error) {
	b, err := s.store.GetBrowserByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if b == nil {
		return nil, apperr.Unauthorized(apperr.CodeUnauthorized, "invalid token")
	}
	return b, nil
}

// RecordConnect stamps lastConnectedAt and re-routes the owner.
func (s *Service) RecordConnect(ctx context.Context, browserID string) error {
	owner, err := s.browserOwner(ctx, browserID)
	if err != nil {
		return err
	}
	unlock := s.users.lock(owner)
	defer unlock()
	b, err := s.store.TouchBrowser(ctx, browserID, time.Now())
	if err != nil {
		return err
	}
	if b == nil {
		return apperr.NotFound(apperr.CodeBrowserNotFound, "browser %s not found", browserID)
	}
	_, _, err = s.router.Refresh(ctx, s.store, b.UserID)
	return err
}

func (s *Service) browserOwner(ctx context.Context, browserID string) (string, error) {
	b, err := s.store.GetBrowser(ctx, browserID)
	if err != nil {
		return "", fmt.Errorf("get browser: %w", err)
	}
	if b == nil {
		return "", apperr.NotFound(apperr.CodeBrowserNotFound, "browser %s not found", browserID)
	}
	return b.UserID, nil
}

// RecordToolCall increments the browser's tool call counter and returns
// the new value.
func (s *Service) RecordToolCall(ctx context.Context, browserID string) (int64, error) {
	owner, err := s.browserOwner(ctx, browserID)
	if err != nil {
		return 0, err
	}
	unlock := s.users.lock(owner)
	defer unlock()
	n, err := s.store.IncrementToolCallCount(ctx, browserID)
	if err != nil {
		return 0, err
	}
	if _, _, err := s.router.Refresh(ctx, s.store, owner); err != nil {
		return n, err
	}
	return n, nil
}

// Package router keeps the live mapping from tenant to browser endpoint.
// The mapping is a projection of the store: it is rebuilt at startup and
// refreshed by the tenant service after every successful store mutation.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
)

// ExportVersion is the current export document version.
const ExportVersion = 1

// Mapping is the routing entry for one user.
type Mapping struct {
	UserID       string         `json:"userId"`
	BrowserURL   string         `json:"browserURL"`
	BrowserID    string         `json:"browserId,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Stats summarises the router.
type Stats struct {
	TotalUsers int      `json:"totalUsers"`
	Users      []string `json:"users"`
}

type exportDoc struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Mappings   []Mapping `json:"mappings"`
}

// Router maps user IDs to browser URLs. It is safe for concurrent use.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	mappings map[string]*Mapping
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "router"),
		mappings: make(map[string]*Mapping),
	}
}

// ValidateBrowserURL checks that raw is an absolute http or https URL.
func ValidateBrowserURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperr.Validation(apperr.CodeInvalidBrowserURL, "browserURL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Validation(apperr.CodeInvalidBrowserURL, "invalid browser URL: %s", raw).
			With("browserURL", raw)
	}
	return nil
}

// RegisterUser sets the browser URL for userID. Registering an existing user
// replaces its mapping; updated reports whether that happened.
func (r *Router) RegisterUser(userID, browserURL string, metadata map[string]any) (updated bool, err error) {
	return r.RegisterMapping(Mapping{
		UserID:       userID,
		BrowserURL:   browserURL,
		RegisteredAt: time.Now().UTC(),
		Metadata:     metadata,
	})
}

// RegisterMapping installs a fully populated mapping.
func (r *Router) RegisterMapping(m Mapping) (updated bool, err error) {
	if strings.TrimSpace(m.UserID) == "" {
		return false, apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}
	if err := ValidateBrowserURL(m.BrowserURL); err != nil {
		return false, err
	}
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = time.Now().UTC()
	}
	m.Metadata = maps.Clone(m.Metadata)

	r.mu.Lock()
	_, updated = r.mappings[m.UserID]
	r.mappings[m.UserID] = &m
	r.mu.Unlock()

	if updated {
		r.logger.Debug("user mapping updated", "user_id", m.UserID, "browser_url", m.BrowserURL)
	} else {
		r.logger.Info("user registered", "user_id", m.UserID, "browser_url", m.BrowserURL)
	}
	return updated, nil
}

// UnregisterUser removes the mapping for userID.
func (r *Router) UnregisterUser(userID string) bool {
	r.mu.Lock()
	_, ok := r.mappings[userID]
	delete(r.mappings, userID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("user unregistered", "user_id", userID)
	}
	return ok
}

// GetUserBrowserURL returns the routed browser URL for userID.
func (r *Router) GetUserBrowserURL(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[userID]
	if !ok {
		return "", false
	}
	return m.BrowserURL, true
}

// GetMapping returns a copy of the mapping for userID.
func (r *Router) GetMapping(userID string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[userID]
	if !ok {
		return Mapping{}, false
	}
	return copyMapping(m), true
}

// IsRegistered reports whether userID has a mapping.
func (r *Router) IsRegistered(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mappings[userID]
	return ok
}

// FindUsersByBrowserURL returns the users routed to browserURL, sorted.
func (r *Router) FindUsersByBrowserURL(browserURL string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var users []string
	for id, m := range r.mappings {
		if m.BrowserURL == browserURL {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Users returns all registered user IDs, sorted.
func (r *Router) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.mappings))
	for id := range r.mappings {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Mappings returns copies of all mappings ordered by user ID.
func (r *Router) Mappings() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, copyMapping(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UpdateMetadata merges metadata into the user's mapping.
func (r *Router) UpdateMetadata(userID string, metadata map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[userID]
	if !ok {
		return false
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, len(metadata))
	}
	maps.Copy(m.Metadata, metadata)
	return true
}

// Clear drops every mapping.
func (r *Router) Clear() {
	r.mu.Lock()
	r.mappings = make(map[string]*Mapping)
	r.mu.Unlock()
}

// Stats returns the router statistics.
func (r *Router) Stats() Stats {
	users := r.Users()
	return Stats{TotalUsers: len(users), Users: users}
}

// Export serializes all mappings.
func (r *Router) Export() ([]byte, error) {
	doc := exportDoc{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		Mappings:   r.Mappings(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode mappings: %w", err)
	}
	return data, nil
}

// Import restores mappings produced by Export. Entries are validated before
// any is installed, so a bad document leaves the router unchanged.
func (r *Router) Import(data []byte) (int, error) {
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, apperr.Validation(apperr.CodeInvalidParameter, "invalid mapping export").Wrap(err)
	}
	if doc.Version > ExportVersion {
		return 0, apperr.Validation(apperr.CodeInvalidParameter, "unsupported export version %d", doc.Version)
	}
	for i, m := range doc.Mappings {
		if strings.TrimSpace(m.UserID) == "" {
			return 0, apperr.Validation(apperr.CodeMissingParameter, "mapping %d has no userId", i)
		}
		if err := ValidateBrowserURL(m.BrowserURL); err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	for _, m := range doc.Mappings {
		m := m
		m.RegisteredAt = m.RegisteredAt.UTC()
		r.mappings[m.UserID] = &m
	}
	r.mu.Unlock()

	r.logger.Info("mappings imported", "count", len(doc.Mappings))
	return len(doc.Mappings), nil
}

// SelectAuthoritative picks the browser used for routing among a user's
// records: the most recent activity wins (last connection, or creation if
// never connected) and ties go to the greatest browser ID.
func SelectAuthoritative(browsers []store.Browser) (store.Browser, bool) {
	if len(browsers) == 0 {
		return store.Browser{}, false
	}
	best := browsers[0]
	for _, b := range browsers[1:] {
		ba, bb := b.ActivityAt(), best.ActivityAt()
		if ba.After(bb) || (ba.Equal(bb) && b.ID > best.ID) {
			best = b
		}
	}
	return best, true
}

// MappingFor builds the routing entry for a user's authoritative browser.
func MappingFor(userID string, b store.Browser) Mapping {
	return Mapping{
		UserID:       userID,
		BrowserURL:   b.BrowserURL,
		BrowserID:    b.ID,
		RegisteredAt: b.CreatedAt,
		Metadata:     b.Metadata,
	}
}

// Refresh recomputes one user's mapping from the store. A user with no
// browsers is unregistered.
func (r *Router) Refresh(ctx context.Context, s store.StorageAdapter, userID string) (Mapping, bool, error) {
	browsers, err := s.ListBrowsersByUser(ctx, userID)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("list browsers for %s: %w", userID, err)
	}
	b, ok := SelectAuthoritative(browsers)
	if !ok {
		r.UnregisterUser(userID)
		return Mapping{}, false, nil
	}
	m := MappingFor(userID, b)
	if _, err := r.RegisterMapping(m); err != nil {
		return Mapping{}, false, err
	}
	return m, true, nil
}

// Rebuild replaces all mappings with the authoritative view of the store.
func (r *Router) Rebuild(ctx context.Context, s store.StorageAdapter) (int, error) {
	browsers, err := s.ListBrowsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list browsers: %w", err)
	}
	byUser := make(map[string][]store.Browser)
	for _, b := range browsers {
		byUser[b.UserID] = append(byUser[b.UserID], b)
	}

	next := make(map[string]*Mapping, len(byUser))
	for userID, list := range byUser {
		b, _ := SelectAuthoritative(list)
		if err := ValidateBrowserURL(b.BrowserURL); err != nil {
			r.logger.Warn("skipping browser with invalid URL", "user_id", userID, "browser_id", b.ID, "error", err)
			continue
		}
		m := MappingFor(userID, b)
		m.Metadata = maps.Clone(m.Metadata)
		next[userID] = &m
	}

	r.mu.Lock()
	r.mappings = next
	r.mu.Unlock()

	r.logger.Info("router rebuilt", "users", len(next), "browsers", len(browsers))
	return len(next), nil
}

func copyMapping(m *Mapping) Mapping {
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return c
}

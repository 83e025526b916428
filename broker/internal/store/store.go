// Package store defines the broker's storage interface and provides the
// append-only JSONL implementation plus SQLite and PostgreSQL backends.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StorageAdapter is the persistence interface for tenants, their browser
// bindings and issued auth tokens. Lookups return (nil, nil) when the record
// does not exist.
type StorageAdapter interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUsername(ctx context.Context, id, username string) (*User, error)
	UpdateUserMetadata(ctx context.Context, id string, metadata map[string]any) (*User, error)
	DeleteUser(ctx context.Context, id string) (bool, error)

	// Browsers
	CreateBrowser(ctx context.Context, b *Browser) error
	GetBrowser(ctx context.Context, id string) (*Browser, error)
	GetBrowserByToken(ctx context.Context, token string) (*Browser, error)
	ListBrowsersByUser(ctx context.Context, userID string) ([]Browser, error)
	ListBrowsers(ctx context.Context) ([]Browser, error)
	UpdateBrowser(ctx context.Context, id string, upd BrowserUpdate) (*Browser, error)
	TouchBrowser(ctx context.Context, id string, at time.Time) (*Browser, error)
	IncrementToolCallCount(ctx context.Context, id string) (int64, error)
	DeleteBrowser(ctx context.Context, id string) (bool, error)

	// Auth tokens
	CreateToken(ctx context.Context, tok *AuthToken) error
	GetToken(ctx context.Context, id string) (*AuthToken, error)
	RevokeToken(ctx context.Context, id string) (bool, error)
	ListTokensByUser(ctx context.Context, userID string) ([]AuthToken, error)

	Stats(ctx context.Context) (Stats, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Compactor is implemented by log-structured backends that support explicit
// snapshot and compaction.
type Compactor interface {
	Snapshot(ctx context.Context) error
	Compact(ctx context.Context) error
}

// User is a registered tenant.
type User struct {
	ID           string         `json:"userId"`
	Email        string         `json:"email,omitempty"`
	Username     string         `json:"username"`
	RegisteredAt time.Time      `json:"registeredAt"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Browser binds a tenant to one remote debugging endpoint.
type Browser struct {
	ID              string         `json:"browserId"`
	UserID          string         `json:"userId"`
	BrowserURL      string         `json:"browserURL"`
	TokenName       string         `json:"tokenName"`
	Token           string         `json:"token"`
	Description     string         `json:"description,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastConnectedAt *time.Time     `json:"lastConnectedAt,omitempty"`
	ToolCallCount   int64          `json:"toolCallCount"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ActivityAt is the time used to rank a user's browsers for routing:
// the last connection, or creation when the browser never connected.
func (b *Browser) ActivityAt() time.Time {
	if b.LastConnectedAt != nil {
		return *b.LastConnectedAt
	}
	return b.CreatedAt
}

// BrowserUpdate holds the mutable browser fields. Nil fields are unchanged.
type BrowserUpdate struct {
	BrowserURL  *string
	Description *string
	Metadata    map[string]any
}

// AuthToken is the durable record behind an issued bearer token.
type AuthToken struct {
	ID          string    `json:"tokenId"`
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Revoked     bool      `json:"revoked,omitempty"`
}

// Stats summarises store contents.
type Stats struct {
	Backend              string     `json:"backend"`
	Users                int        `json:"users"`
	Browsers             int        `json:"browsers"`
	Tokens               int        `json:"tokens"`
	ToolCalls            int64      `json:"toolCalls"`
	RecordsSinceSnapshot int        `json:"recordsSinceSnapshot,omitempty"`
	LastSnapshotAt       *time.Time `json:"lastSnapshotAt,omitempty"`
}

// TokenPrefix marks browser-bound credentials.
const TokenPrefix = "mcp_"

// GenerateBrowserToken returns a new random browser credential.
func GenerateBrowserToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// DefaultTokenName is used when a browser is bound without a name.
func DefaultTokenName(now time.Time) string {
	return fmt.Sprintf("browser-%d", now.UnixMilli())
}

// NormalizeEmail lowercases and trims an address for indexing.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// prepareBrowser fills generated fields on a new browser record.
func prepareBrowser(b *Browser) error {
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.TokenName == "" {
		b.TokenName = DefaultTokenName(now)
	}
	if b.Token == "" {
		tok, err := GenerateBrowserToken()
		if err != nil {
			return err
		}
		b.Token = tok
	}
	return nil
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Metadata = maps.Clone(u.Metadata)
	if u.UpdatedAt != nil {
		t := *u.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

func cloneBrowser(b *Browser) *Browser {
	if b == nil {
		return nil
	}
	c := *b
	c.Metadata = maps.Clone(b.Metadata)
	if b.LastConnectedAt != nil {
		t := *b.LastConnectedAt
		c.LastConnectedAt = &t
	}
	return &c
}

func cloneToken(t *AuthToken) *AuthToken {
	if t == nil {
		return nil
	}
	c := *t
	c.Permissions = append([]string(nil), t.Permissions...)
	return &c
}

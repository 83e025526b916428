package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	backend string
	dollar  bool
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return apperr.Storage("%s", op).Wrap(err)
}

func encodeMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- Users ---

const userColumns = "id, email, username, registered_at, updated_at, metadata"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u        User
		updated  sql.NullTime
		metadata string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.RegisteredAt, &updated, &metadata); err != nil {
		return nil, err
	}
	u.UpdatedAt = timePtr(updated)
	u.Metadata = decodeMap(metadata)
	return &u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		return apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}
	existing, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.Conflict(apperr.CodeUserExists, "user %s already exists", user.ID).With("userId", user.ID)
	}
	if user.Email != "" {
		byEmail, err := s.GetUserByEmail(ctx, user.Email)
		if err != nil {
			return err
		}
		if byEmail != nil {
			return apperr.Conflict(apperr.CodeUserExists, "email already registered").With("userId", byEmail.ID)
		}
	}

	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = time.Now().UTC()
	}
	if user.Username == "" {
		user.Username = user.ID
	}
	_, err = s.db.ExecContext(ctx, s.q(
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
		user.ID, NormalizeEmail(user.Email), user.Username, user.RegisteredAt, nullTime(user.UpdatedAt), encodeMap(user.Metadata),
	)
	if err != nil {
		return storageErr("insert user", err)
	}
	return nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE id = ?"), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE email = ?"), email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get user by email", err)
	}
	return u, nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY registered_at, id")
	if err != nil {
		return nil, storageErr("list users", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storageErr("scan user", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *sqlStore) UpdateUsername(ctx context.Context, id, username string) (*User, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE users SET username = ?, updated_at = ? WHERE id = ?"),
		username, time.Now().UTC(), id)
	if err != nil {
		return nil, storageErr("update username", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetUser(ctx, id)
}

func (s *sqlStore) UpdateUserMetadata(ctx context.Context, id string, metadata map[string]any) (*User, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE users SET metadata = ?, updated_at = ? WHERE id = ?"),
		encodeMap(metadata), time.Now().UTC(), id)
	if err != nil {
		return nil, storageErr("update user metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes the user; browsers and tokens go with it through
// ON DELETE CASCADE.
func (s *sqlStore) DeleteUser(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM users WHERE id = ?"), id)
	if err != nil {
		return false, storageErr("delete user", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Browsers ---

const browserColumns = "id, user_id, browser_url, token_name, token, description, created_at, last_connected_at, tool_call_count, metadata"

func scanBrowser(row rowScanner) (*Browser, error) {
	var (
		b         Browser
		connected sql.NullTime
		metadata  string
	)
	if err := row.Scan(&b.ID, &b.UserID, &b.BrowserURL, &b.TokenName, &b.Token, &b.Description,
		&b.CreatedAt, &connected, &b.ToolCallCount, &metadata); err != nil {
		return nil, err
	}
	b.LastConnectedAt = timePtr(connected)
	b.Metadata = decodeMap(metadata)
	return &b, nil
}

func (s *sqlStore) CreateBrowser(ctx context.Context, b *Browser) error {
	if b.UserID == "" {
		return apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}
	if err := prepareBrowser(b); err != nil {
		return apperr.Storage("prepare browser").Wrap(err)
	}

	owner, err := s.GetUser(ctx, b.UserID)
	if err != nil {
		return err
	}
	if owner == nil {
		return apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", b.UserID).With("userId", b.UserID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM browsers WHERE id = ? OR token = ?"),
		b.ID, b.Token).Scan(&n); err != nil {
		return storageErr("check browser id", err)
	}
	if n > 0 {
		return apperr.Conflict(apperr.CodeBrowserExists, "browser id or token already in use").With("browserId", b.ID)
	}
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM browsers WHERE user_id = ? AND token_name = ?"),
		b.UserID, b.TokenName).Scan(&n); err != nil {
		return storageErr("check token name", err)
	}
	if n > 0 {
		return apperr.Conflict(apperr.CodeTokenNameExists, "token name %q already exists", b.TokenName).
			With("userId", b.UserID)
	}

	_, err = s.db.ExecContext(ctx, s.q(
		"INSERT INTO browsers ("+browserColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		b.ID, b.UserID, b.BrowserURL, b.TokenName, b.Token, b.Description,
		b.CreatedAt, nullTime(b.LastConnectedAt), b.ToolCallCount, encodeMap(b.Metadata),
	)
	if err != nil {
		return storageErr("insert browser", err)
	}
	return nil
}

func (s *sqlStore) getBrowserWhere(ctx context.Context, where string, arg any) (*Browser, error) {
	b, err := scanBrowser(s.db.QueryRowContext(ctx, s.q("SELECT "+browserColumns+" FROM browsers WHERE "+where), arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get browser", err)
	}
	return b, nil
}

func (s *sqlStore) GetBrowser(ctx context.Context, id string) (*Browser, error) {
	return s.getBrowserWhere(ctx, "id = ?", id)
}

func (s *sqlStore) GetBrowserByToken(ctx context.Context, token string) (*Browser, error) {
	return s.getBrowserWhere(ctx, "token = ?", token)
}

func (s *sqlStore) listBrowsers(ctx context.Context, query string, args ...any) ([]Browser, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storageErr("list browsers", err)
	}
	defer rows.Close()

	var out []Browser
	for rows.Next() {
		b, err := scanBrowser(rows)
		if err != nil {
			return nil, storageErr("scan browser", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListBrowsersByUser(ctx context.Context, userID string) ([]Browser, error) {
	return s.listBrowsers(ctx, "SELECT "+browserColumns+" FROM browsers WHERE user_id = ? ORDER BY created_at, id", userID)
}

func (s *sqlStore) ListBrowsers(ctx context.Context) ([]Browser, error) {
	return s.listBrowsers(ctx, "SELECT "+browserColumns+" FROM browsers ORDER BY created_at, id")
}

func (s *sqlStore) UpdateBrowser(ctx context.Context, id string, upd BrowserUpdate) (*Browser, error) {
	cur, err := s.GetBrowser(ctx, id)
	if err != nil || cur == nil {
		return nil, err
	}
	if upd.BrowserURL != nil {
		cur.BrowserURL = *upd.BrowserURL
	}
	if upd.Description != nil {
		cur.Description = *upd.Description
	}
	if upd.Metadata != nil {
		cur.Metadata = upd.Metadata
	}
	_, err = s.db.ExecContext(ctx, s.q("UPDATE browsers SET browser_url = ?, description = ?, metadata = ? WHERE id = ?"),
		cur.BrowserURL, cur.Description, encodeMap(cur.Metadata), id)
	if err != nil {
		return nil, storageErr("update browser", err)
	}
	return cur, nil
}

func (s *sqlStore) TouchBrowser(ctx context.Context, id string, at time.Time) (*Browser, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE browsers SET last_connected_at = ? WHERE id = ?"), at.UTC(), id)
	if err != nil {
		return nil, storageErr("touch browser", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetBrowser(ctx, id)
}

// IncrementToolCallCount is a single atomic UPDATE, so concurrent callers
// never lose an increment.
func (s *sqlStore) IncrementToolCallCount(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, s.q(
		"UPDATE browsers SET tool_call_count = tool_call_count + 1, last_connected_at = ? WHERE id = ? RETURNING tool_call_count"),
		time.Now().UTC(), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, apperr.NotFound(apperr.CodeBrowserNotFound, "browser %s not found", id)
	}
	if err != nil {
		return 0, storageErr("increment tool call count", err)
	}
	return count, nil
}

func (s *sqlStore) DeleteBrowser(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM browsers WHERE id = ?"), id)
	if err != nil {
		return false, storageErr("delete browser", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Tokens ---

const tokenColumns = "id, user_id, permissions, created_at, expires_at, revoked"

func scanToken(row rowScanner) (*AuthToken, error) {
	var (
		t     AuthToken
		perms string
	)
	if err := row.Scan(&t.ID, &t.UserID, &perms, &t.CreatedAt, &t.ExpiresAt, &t.Revoked); err != nil {
		return nil, err
	}
	if perms != "" {
		_ = json.Unmarshal([]byte(perms), &t.Permissions)
	}
	return &t, nil
}

func (s *sqlStore) CreateToken(ctx context.Context, tok *AuthToken) error {
	if tok.ID == "" || tok.UserID == "" {
		return apperr.Validation(apperr.CodeMissingParameter, "token id and userId are required")
	}
	owner, err := s.GetUser(ctx, tok.UserID)
	if err != nil {
		return err
	}
	if owner == nil {
		return apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", tok.UserID)
	}
	perms, _ := json.Marshal(tok.Permissions)
	_, err = s.db.ExecContext(ctx, s.q("INSERT INTO auth_tokens ("+tokenColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
		tok.ID, tok.UserID, string(perms), tok.CreatedAt, tok.ExpiresAt, tok.Revoked)
	if err != nil {
		return storageErr("insert token", err)
	}
	return nil
}

func (s *sqlStore) GetToken(ctx context.Context, id string) (*AuthToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, s.q("SELECT "+tokenColumns+" FROM auth_tokens WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get token", err)
	}
	return t, nil
}

func (s *sqlStore) RevokeToken(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE auth_tokens SET revoked = ? WHERE id = ? AND revoked = ?"), true, id, false)
	if err != nil {
		return false, storageErr("revoke token", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ListTokensByUser(ctx context.Context, userID string) ([]AuthToken, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+tokenColumns+" FROM auth_tokens WHERE user_id = ? ORDER BY created_at"), userID)
	if err != nil {
		return nil, storageErr("list tokens", err)
	}
	defer rows.Close()

	var out []AuthToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, storageErr("scan token", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: s.backend}
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM browsers),
		(SELECT COUNT(*) FROM auth_tokens),
		(SELECT CAST(COALESCE(SUM(tool_call_count), 0) AS BIGINT) FROM browsers)`,
	).Scan(&st.Users, &st.Browsers, &st.Tokens, &st.ToolCalls)
	if err != nil {
		return st, fmt.Errorf("store stats: %w", err)
	}
	return st, nil
}

package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
)

// Record types written to the log.
const (
	RecordUser             = "user"
	RecordBrowser          = "browser"
	RecordToken            = "token"
	RecordTombstoneUser    = "tombstone-user"
	RecordTombstoneBrowser = "tombstone-browser"
	RecordTombstoneToken   = "tombstone-token"
	recordSnapshot         = "snapshot"
)

// Record is one line of the log. Upserts carry the full entity in Data,
// tombstones carry only the entity ID.
type Record struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JSONLOptions configures a JSONLStore.
type JSONLOptions struct {
	Dir               string
	FileName          string
	SnapshotThreshold int
	AutoCompaction    bool
	Logger            *slog.Logger
}

// JSONLStore implements StorageAdapter on an append-only JSON-lines log with
// periodic snapshots. Writes are serialized and fsync'd before they become
// visible; reads are served from in-memory indices.
type JSONLStore struct {
	opts         JSONLOptions
	logger       *slog.Logger
	path         string
	snapshotPath string

	// wmu serializes all log writes, snapshots and compactions.
	wmu           sync.Mutex
	f             *os.File
	size          int64
	seq           uint64
	sinceSnapshot int
	snapshotSeq   uint64
	lastSnapshot  *time.Time
	syncFile      func(*os.File) error

	mu              sync.RWMutex
	closed          bool
	users           map[string]*User
	usersByEmail    map[string]string
	browsers        map[string]*Browser
	browsersByToken map[string]string
	browsersByUser  map[string]map[string]struct{}
	tokens          map[string]*AuthToken
}

// NewJSONL opens (or creates) the log under opts.Dir and replays it.
func NewJSONL(opts JSONLOptions) (*JSONLStore, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.FileName == "" {
		opts.FileName = "store-v2.jsonl"
	}
	if opts.SnapshotThreshold <= 0 {
		opts.SnapshotThreshold = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &JSONLStore{
		opts:            opts,
		logger:          logger.With("component", "store", "backend", "jsonl"),
		path:            filepath.Join(opts.Dir, opts.FileName),
		snapshotPath:    filepath.Join(opts.Dir, opts.FileName+".snapshot"),
		syncFile:        (*os.File).Sync,
		users:           make(map[string]*User),
		usersByEmail:    make(map[string]string),
		browsers:        make(map[string]*Browser),
		browsersByToken: make(map[string]string),
		browsersByUser:  make(map[string]map[string]struct{}),
		tokens:          make(map[string]*AuthToken),
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.loadLog(); err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}

	s.logger.Info("store loaded",
		"path", s.path,
		"users", len(s.users),
		"browsers", len(s.browsers),
		"seq", s.seq,
		"records_since_snapshot", s.sinceSnapshot)
	return s, nil
}

func (s *JSONLStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping corrupt snapshot line", "error", err)
			continue
		}
		if first {
			first = false
			if rec.Type != recordSnapshot {
				return fmt.Errorf("snapshot header missing, got type %q", rec.Type)
			}
			s.snapshotSeq = rec.Seq
			s.seq = rec.Seq
			ts := rec.Timestamp
			s.lastSnapshot = &ts
			continue
		}
		if err := s.applyRecord(rec); err != nil {
			s.logger.Warn("skipping snapshot record", "type", rec.Type, "error", err)
		}
	}
	return sc.Err()
}

// loadLog replays records written after the snapshot. A trailing line with no
// newline is a write that never completed; it is dropped and the file is
// truncated so the next append starts on a clean line.
func (s *JSONLStore) loadLog() error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}

	r := bufio.NewReader(f)
	var offset int64
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			complete := line[len(line)-1] == '\n'
			if !complete {
				s.logger.Warn("dropping incomplete trailing record", "line", lineNo, "offset", offset, "bytes", len(line))
				if err := f.Truncate(offset); err != nil {
					_ = f.Close()
					return fmt.Errorf("truncate partial record: %w", err)
				}
				break
			}
			offset += int64(len(line))

			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var rec Record
				if err := json.Unmarshal(trimmed, &rec); err != nil {
					s.logger.Warn("skipping corrupt record", "line", lineNo, "error", err)
				} else {
					if rec.Seq > s.seq {
						s.seq = rec.Seq
					}
					if rec.Seq > s.snapshotSeq || rec.Seq == 0 {
						if err := s.applyRecord(rec); err != nil {
							s.logger.Warn("skipping record", "line", lineNo, "type", rec.Type, "error", err)
						}
						s.sinceSnapshot++
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = f.Close()
			return readErr
		}
	}

	s.f = f
	s.size = offset
	return nil
}

// applyRecord mutates the in-memory indices. It is the single code path for
// both replay and live appends.
func (s *JSONLStore) applyRecord(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch rec.Type {
	case RecordUser:
		var u User
		if err := json.Unmarshal(rec.Data, &u); err != nil {
			return err
		}
		if u.ID == "" {
			return errors.New("user record without id")
		}
		if old, ok := s.users[u.ID]; ok && old.Email != "" {
			delete(s.usersByEmail, NormalizeEmail(old.Email))
		}
		s.users[u.ID] = &u
		if u.Email != "" {
			s.usersByEmail[NormalizeEmail(u.Email)] = u.ID
		}

	case RecordBrowser:
		var b Browser
		if err := json.Unmarshal(rec.Data, &b); err != nil {
			return err
		}
		if b.ID == "" {
			return errors.New("browser record without id")
		}
		if old, ok := s.browsers[b.ID]; ok {
			delete(s.browsersByToken, old.Token)
			if old.UserID != b.UserID {
				delete(s.browsersByUser[old.UserID], b.ID)
			}
		}
		s.browsers[b.ID] = &b
		s.browsersByToken[b.Token] = b.ID
		if s.browsersByUser[b.UserID] == nil {
			s.browsersByUser[b.UserID] = make(map[string]struct{})
		}
		s.browsersByUser[b.UserID][b.ID] = struct{}{}

	case RecordToken:
		var t AuthToken
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return err
		}
		if t.ID == "" {
			return errors.New("token record without id")
		}
		s.tokens[t.ID] = &t

	case RecordTombstoneUser:
		u, ok := s.users[rec.ID]
		if !ok {
			return nil
		}
		if u.Email != "" {
			delete(s.usersByEmail, NormalizeEmail(u.Email))
		}
		delete(s.users, rec.ID)
		for id := range s.browsersByUser[rec.ID] {
			s.removeBrowserLocked(id)
		}
		delete(s.browsersByUser, rec.ID)
		for id, t := range s.tokens {
			if t.UserID == rec.ID {
				delete(s.tokens, id)
			}
		}

	case RecordTombstoneBrowser:
		s.removeBrowserLocked(rec.ID)

	case RecordTombstoneToken:
		delete(s.tokens, rec.ID)

	default:
		return fmt.Errorf("unknown record type %q", rec.Type)
	}
	return nil
}

func (s *JSONLStore) removeBrowserLocked(id string) {
	b, ok := s.browsers[id]
	if !ok {
		return
	}
	delete(s.browsersByToken, b.Token)
	delete(s.browsersByUser[b.UserID], id)
	delete(s.browsers, id)
}

// append durably writes one record and applies it. Callers must hold wmu.
// When the write or fsync fails the file is cut back to its previous length
// and the indices are left untouched.
func (s *JSONLStore) append(recType, id string, payload any) error {
	if s.f == nil {
		return apperr.Storage("store is closed").With("type", recType)
	}

	rec := Record{
		Type:      recType,
		Seq:       s.seq + 1,
		Timestamp: time.Now().UTC(),
		ID:        id,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apperr.Storage("encode %s record", recType).Wrap(err)
		}
		rec.Data = data
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return apperr.Storage("encode %s record", recType).Wrap(err)
	}
	line = append(line, '\n')

	if _, err := s.f.Write(line); err != nil {
		s.rollback()
		return apperr.Storage("append %s record", recType).Wrap(err).With("id", id)
	}
	if err := s.syncFile(s.f); err != nil {
		s.rollback()
		return apperr.Storage("sync %s record", recType).Wrap(err).With("id", id)
	}

	s.size += int64(len(line))
	s.seq = rec.Seq
	s.sinceSnapshot++
	if err := s.applyRecord(rec); err != nil {
		// The record is durable but could not be applied; this only happens
		// on programmer error since we just encoded it ourselves.
		s.logger.Error("apply appended record", "type", recType, "id", id, "error", err)
	}

	if s.opts.AutoCompaction && s.sinceSnapshot >= s.opts.SnapshotThreshold {
		if err := s.compactLocked(); err != nil {
			s.logger.Warn("auto-compaction failed", "error", err)
		}
	}
	return nil
}

func (s *JSONLStore) rollback() {
	if err := s.f.Truncate(s.size); err != nil {
		s.logger.Error("rollback truncate failed", "size", s.size, "error", err)
	}
}

// Snapshot writes the full live state to the snapshot file.
func (s *JSONLStore) Snapshot(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.f == nil {
		return apperr.Storage("store is closed")
	}
	return s.snapshotLocked()
}

func (s *JSONLStore) snapshotLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Storage("create snapshot").Wrap(err)
	}

	now := time.Now().UTC()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	writeErr := enc.Encode(Record{Type: recordSnapshot, Seq: s.seq, Timestamp: now})

	s.mu.RLock()
	users := sortedUsers(s.users)
	browsers := sortedBrowsers(s.browsers)
	tokens := make([]*AuthToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })

	encode := func(recType string, v any) {
		if writeErr != nil {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			writeErr = err
			return
		}
		writeErr = enc.Encode(Record{Type: recType, Seq: s.seq, Timestamp: now, Data: data})
	}
	for _, u := range users {
		encode(RecordUser, u)
	}
	for _, b := range browsers {
		encode(RecordBrowser, b)
	}
	for _, t := range tokens {
		encode(RecordToken, t)
	}
	s.mu.RUnlock()

	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if cerr := f.Close(); writeErr == nil {
		writeErr = cerr
	}
	if writeErr != nil {
		_ = os.Remove(tmp)
		return apperr.Storage("write snapshot").Wrap(writeErr)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return apperr.Storage("install snapshot").Wrap(err)
	}
	syncDir(s.opts.Dir)

	s.snapshotSeq = s.seq
	s.sinceSnapshot = 0
	s.lastSnapshot = &now
	s.logger.Info("snapshot written", "seq", s.seq, "users", len(users), "browsers", len(browsers))
	return nil
}

// Compact snapshots the live state and empties the log. Records in the log
// at or below the snapshot sequence are ignored on load, so a crash between
// the two steps is harmless.
func (s *JSONLStore) Compact(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.f == nil {
		return apperr.Storage("store is closed")
	}
	return s.compactLocked()
}

func (s *JSONLStore) compactLocked() error {
	if err := s.snapshotLocked(); err != nil {
		return err
	}
	if err := s.f.Truncate(0); err != nil {
		return apperr.Storage("truncate log").Wrap(err)
	}
	if err := s.syncFile(s.f); err != nil {
		return apperr.Storage("sync truncated log").Wrap(err)
	}
	s.size = 0
	s.logger.Info("log compacted", "seq", s.seq)
	return nil
}

// ReadAll returns the records currently in the log tail, in write order.
func (s *JSONLStore) ReadAll(ctx context.Context) ([]Record, error) {
	s.wmu.Lock()
	size := s.size
	s.wmu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, apperr.Storage("open log").Wrap(err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(io.LimitReader(f, size))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.Storage("read log").Wrap(err)
	}
	return out, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *JSONLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperr.Storage("store is closed")
	}
	return nil
}

func (s *JSONLStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.f == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}

// --- Users ---

func (s *JSONLStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		return apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	_, exists := s.users[user.ID]
	emailOwner, emailTaken := "", false
	if user.Email != "" {
		emailOwner, emailTaken = s.usersByEmail[NormalizeEmail(user.Email)]
	}
	s.mu.RUnlock()

	if exists {
		return apperr.Conflict(apperr.CodeUserExists, "user %s already exists", user.ID).With("userId", user.ID)
	}
	if emailTaken {
		return apperr.Conflict(apperr.CodeUserExists, "email already registered").With("userId", emailOwner)
	}

	u := cloneUser(user)
	if u.RegisteredAt.IsZero() {
		u.RegisteredAt = time.Now().UTC()
	}
	if u.Username == "" {
		u.Username = u.ID
	}
	if err := s.append(RecordUser, u.ID, u); err != nil {
		return err
	}
	*user = *cloneUser(u)
	return nil
}

func (s *JSONLStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUser(s.users[id]), nil
}

func (s *JSONLStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return cloneUser(s.users[id]), nil
}

func (s *JSONLStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := sortedUsers(s.users)
	out := make([]User, 0, len(sorted))
	for _, u := range sorted {
		out = append(out, *cloneUser(u))
	}
	return out, nil
}

func (s *JSONLStore) UpdateUsername(ctx context.Context, id, username string) (*User, error) {
	return s.updateUser(id, func(u *User) { u.Username = username })
}

func (s *JSONLStore) UpdateUserMetadata(ctx context.Context, id string, metadata map[string]any) (*User, error) {
	return s.updateUser(id, func(u *User) { u.Metadata = metadata })
}

func (s *JSONLStore) updateUser(id string, mutate func(*User)) (*User, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	cur := cloneUser(s.users[id])
	s.mu.RUnlock()
	if cur == nil {
		return nil, nil
	}

	mutate(cur)
	now := time.Now().UTC()
	cur.UpdatedAt = &now
	if err := s.append(RecordUser, cur.ID, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// DeleteUser writes a user tombstone. Replaying it also drops the user's
// browsers and tokens, so one durable record covers the whole cascade.
func (s *JSONLStore) DeleteUser(ctx context.Context, id string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	_, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := s.append(RecordTombstoneUser, id, nil); err != nil {
		return false, err
	}
	return true, nil
}

// --- Browsers ---

func (s *JSONLStore) CreateBrowser(ctx context.Context, b *Browser) error {
	if b.UserID == "" {
		return apperr.Validation(apperr.CodeMissingParameter, "userId is required")
	}
	if err := prepareBrowser(b); err != nil {
		return apperr.Storage("prepare browser").Wrap(err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	_, userOK := s.users[b.UserID]
	_, idTaken := s.browsers[b.ID]
	_, tokenTaken := s.browsersByToken[b.Token]
	nameTaken := false
	for id := range s.browsersByUser[b.UserID] {
		if s.browsers[id].TokenName == b.TokenName {
			nameTaken = true
			break
		}
	}
	s.mu.RUnlock()

	switch {
	case !userOK:
		return apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", b.UserID).With("userId", b.UserID)
	case nameTaken:
		return apperr.Conflict(apperr.CodeTokenNameExists, "token name %q already exists", b.TokenName).
			With("userId", b.UserID)
	case idTaken || tokenTaken:
		return apperr.Conflict(apperr.CodeBrowserExists, "browser id or token already in use").With("browserId", b.ID)
	}

	rec := cloneBrowser(b)
	return s.append(RecordBrowser, rec.ID, rec)
}

func (s *JSONLStore) GetBrowser(ctx context.Context, id string) (*Browser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBrowser(s.browsers[id]), nil
}

func (s *JSONLStore) GetBrowserByToken(ctx context.Context, token string) (*Browser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.browsersByToken[token]
	if !ok {
		return nil, nil
	}
	return cloneBrowser(s.browsers[id]), nil
}

func (s *JSONLStore) ListBrowsersByUser(ctx context.Context, userID string) ([]Browser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owned := make(map[string]*Browser, len(s.browsersByUser[userID]))
	for id := range s.browsersByUser[userID] {
		owned[id] = s.browsers[id]
	}
	return copyBrowsers(sortedBrowsers(owned)), nil
}

func (s *JSONLStore) ListBrowsers(ctx context.Context) ([]Browser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBrowsers(sortedBrowsers(s.browsers)), nil
}

func (s *JSONLStore) UpdateBrowser(ctx context.Context, id string, upd BrowserUpdate) (*Browser, error) {
	return s.updateBrowser(id, func(b *Browser) {
		if upd.BrowserURL != nil {
			b.BrowserURL = *upd.BrowserURL
		}
		if upd.Description != nil {
			b.Description = *upd.Description
		}
		if upd.Metadata != nil {
			b.Metadata = upd.Metadata
		}
	})
}

func (s *JSONLStore) TouchBrowser(ctx context.Context, id string, at time.Time) (*Browser, error) {
	at = at.UTC()
	return s.updateBrowser(id, func(b *Browser) { b.LastConnectedAt = &at })
}

// IncrementToolCallCount bumps the counter and the last-connected time. The
// read-modify-write runs under the writer lock, so concurrent callers never
// lose an update.
func (s *JSONLStore) IncrementToolCallCount(ctx context.Context, id string) (int64, error) {
	now := time.Now().UTC()
	b, err := s.updateBrowser(id, func(b *Browser) {
		b.ToolCallCount++
		b.LastConnectedAt = &now
	})
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, apperr.NotFound(apperr.CodeBrowserNotFound, "browser %s not found", id)
	}
	return b.ToolCallCount, nil
}

func (s *JSONLStore) updateBrowser(id string, mutate func(*Browser)) (*Browser, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	cur := cloneBrowser(s.browsers[id])
	s.mu.RUnlock()
	if cur == nil {
		return nil, nil
	}

	mutate(cur)
	if err := s.append(RecordBrowser, cur.ID, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *JSONLStore) DeleteBrowser(ctx context.Context, id string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	_, ok := s.browsers[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := s.append(RecordTombstoneBrowser, id, nil); err != nil {
		return false, err
	}
	return true, nil
}

// --- Tokens ---

func (s *JSONLStore) CreateToken(ctx context.Context, tok *AuthToken) error {
	if tok.ID == "" || tok.UserID == "" {
		return apperr.Validation(apperr.CodeMissingParameter, "token id and userId are required")
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	_, userOK := s.users[tok.UserID]
	s.mu.RUnlock()
	if !userOK {
		return apperr.NotFound(apperr.CodeUserNotFound, "user %s not found", tok.UserID)
	}
	return s.append(RecordToken, tok.ID, cloneToken(tok))
}

func (s *JSONLStore) GetToken(ctx context.Context, id string) (*AuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneToken(s.tokens[id]), nil
}

func (s *JSONLStore) RevokeToken(ctx context.Context, id string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	cur := cloneToken(s.tokens[id])
	s.mu.RUnlock()
	if cur == nil || cur.Revoked {
		return false, nil
	}
	cur.Revoked = true
	if err := s.append(RecordToken, id, cur); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JSONLStore) ListTokensByUser(ctx context.Context, userID string) ([]AuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuthToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			out = append(out, *cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *JSONLStore) Stats(ctx context.Context) (Stats, error) {
	s.wmu.Lock()
	since := s.sinceSnapshot
	last := s.lastSnapshot
	s.wmu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Backend:              "jsonl",
		Users:                len(s.users),
		Browsers:             len(s.browsers),
		Tokens:               len(s.tokens),
		RecordsSinceSnapshot: since,
		LastSnapshotAt:       last,
	}
	for _, b := range s.browsers {
		st.ToolCalls += b.ToolCallCount
	}
	return st, nil
}

func sortedUsers(m map[string]*User) []*User {
	out := make([]*User, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedBrowsers(m map[string]*Browser) []*Browser {
	out := make([]*Browser, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyBrowsers(in []*Browser) []Browser {
	out := make([]Browser, 0, len(in))
	for _, b := range in {
		out = append(out, *cloneBrowser(b))
	}
	return out
}

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
)

func openJSONL(t *testing.T, dir string, threshold int, auto bool) *JSONLStore {
	t.Helper()
	s, err := NewJSONL(JSONLOptions{Dir: dir, SnapshotThreshold: threshold, AutoCompaction: auto, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJSONLReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openJSONL(t, dir, 1000, false)
	createTestUser(t, s, "alice", "alice@example.com")
	b := createTestBrowser(t, s, "alice", "http://localhost:9222", "home")
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementToolCallCount(ctx, b.ID); err != nil {
			t.Fatal(err)
		}
	}
	createTestUser(t, s, "bob", "")
	if _, err := s.DeleteUser(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openJSONL(t, dir, 1000, false)
	defer s2.Close()

	got, _ := s2.GetBrowserByToken(ctx, b.Token)
	if got == nil || got.ToolCallCount != 3 || got.LastConnectedAt == nil {
		t.Fatalf("browser after replay: %+v", got)
	}
	if u, _ := s2.GetUserByEmail(ctx, "alice@example.com"); u == nil {
		t.Error("email index not rebuilt")
	}
	if u, _ := s2.GetUser(ctx, "bob"); u != nil {
		t.Error("tombstoned user came back")
	}
}

func TestJSONLPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	s := openJSONL(t, dir, 1000, false)
	const n = 5
	for i := 0; i < n; i++ {
		createTestUser(t, s, fmt.Sprintf("user-%d", i), "")
	}
	path := s.path
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash in the middle of writing record n+1.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"user","seq":6,"ts":"2026-01-01T00:00:00Z","data":{"userId":"user-5","usern`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2 := openJSONL(t, dir, 1000, false)
	defer s2.Close()

	users, err := s2.ListUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != n {
		t.Fatalf("got %d users, want %d", len(users), n)
	}

	// The partial line was cut off, so new appends land on a clean line.
	createTestUser(t, s2, "user-after", "")
	recs, err := s2.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != n+1 {
		t.Fatalf("ReadAll: got %d records, want %d", len(recs), n+1)
	}
	if last := recs[len(recs)-1]; last.Type != RecordUser || last.Seq != uint64(n+1) {
		t.Errorf("last record: %+v", last)
	}
}

func TestJSONLSkipsCorruptMiddleLine(t *testing.T) {
	dir := t.TempDir()
	s := openJSONL(t, dir, 1000, false)
	createTestUser(t, s, "first", "")
	path := s.path
	s.Close()

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	_, _ = f.WriteString("not json at all\n")
	f.Close()

	s = openJSONL(t, dir, 1000, false)
	createTestUser(t, s, "second", "")
	s.Close()

	s = openJSONL(t, dir, 1000, false)
	defer s.Close()
	users, _ := s.ListUsers(context.Background())
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
}

func TestJSONLFailedAppendLeavesIndexUntouched(t *testing.T) {
	dir := t.TempDir()
	s := openJSONL(t, dir, 1000, false)
	defer s.Close()
	ctx := context.Background()

	createTestUser(t, s, "alice", "")
	sizeBefore := s.size

	s.syncFile = func(*os.File) error { return errors.New("disk on fire") }
	err := s.CreateUser(ctx, &User{ID: "bob"})
	if !apperr.IsKind(err, apperr.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if u, _ := s.GetUser(ctx, "bob"); u != nil {
		t.Error("failed append visible in index")
	}
	fi, _ := os.Stat(s.path)
	if fi.Size() != sizeBefore {
		t.Errorf("log not rolled back: size %d, want %d", fi.Size(), sizeBefore)
	}

	s.syncFile = (*os.File).Sync
	createTestUser(t, s, "bob", "")
}

func TestJSONLCompaction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openJSONL(t, dir, 1000, false)

	createTestUser(t, s, "alice", "")
	b := createTestBrowser(t, s, "alice", "http://localhost:9222", "")
	createTestUser(t, s, "temp", "")
	_, _ = s.DeleteUser(ctx, "temp")

	if err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	recs, _ := s.ReadAll(ctx)
	if len(recs) != 0 {
		t.Fatalf("log not empty after compaction: %d records", len(recs))
	}
	snap, err := os.ReadFile(filepath.Join(dir, "store-v2.jsonl.snapshot"))
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(snap), "\n"); lines != 3 {
		t.Errorf("snapshot lines = %d, want header + user + browser", lines)
	}

	// Post-snapshot tail.
	if _, err := s.IncrementToolCallCount(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2 := openJSONL(t, dir, 1000, false)
	defer s2.Close()
	got, _ := s2.GetBrowser(ctx, b.ID)
	if got == nil || got.ToolCallCount != 1 {
		t.Fatalf("browser after snapshot+tail replay: %+v", got)
	}
	if u, _ := s2.GetUser(ctx, "temp"); u != nil {
		t.Error("deleted user resurrected by compaction")
	}
	st, _ := s2.Stats(ctx)
	if st.RecordsSinceSnapshot != 1 || st.LastSnapshotAt == nil {
		t.Errorf("stats after reload: %+v", st)
	}
}

func TestJSONLAutoCompaction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openJSONL(t, dir, 4, true)
	defer s.Close()

	for i := 0; i < 4; i++ {
		createTestUser(t, s, fmt.Sprintf("u%d", i), "")
	}
	if _, err := os.Stat(filepath.Join(dir, "store-v2.jsonl.snapshot")); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	recs, _ := s.ReadAll(ctx)
	if len(recs) != 0 {
		t.Errorf("log has %d records after auto-compaction", len(recs))
	}
	createTestUser(t, s, "u4", "")
	users, _ := s.ListUsers(ctx)
	if len(users) != 5 {
		t.Errorf("got %d users", len(users))
	}
}

func TestJSONLStaleLogAfterSnapshotIsIgnored(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := openJSONL(t, dir, 1000, false)
	createTestUser(t, s, "alice", "")
	b := createTestBrowser(t, s, "alice", "http://localhost:9222", "")
	_, _ = s.IncrementToolCallCount(ctx, b.ID)

	// Snapshot without truncating: a crash between the two compaction steps.
	if err := s.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2 := openJSONL(t, dir, 1000, false)
	defer s2.Close()
	got, _ := s2.GetBrowser(ctx, b.ID)
	if got == nil || got.ToolCallCount != 1 {
		t.Fatalf("double-applied or lost state: %+v", got)
	}
	createTestUser(t, s2, "bob", "")
	recs, _ := s2.ReadAll(ctx)
	if last := recs[len(recs)-1]; last.Seq != 4 {
		t.Errorf("sequence not continued: %d", last.Seq)
	}
}

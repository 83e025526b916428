package tenant

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/pool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/router"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/store"
)

type closer struct {
	mu     sync.Mutex
	closed []string
}

func (c *closer) CloseUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, userID)
	return 1
}

type prober struct {
	err   error
	calls atomic.Int32
}

func (p *prober) Detect(ctx context.Context, browserURL string) (*pool.VersionInfo, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &pool.VersionInfo{Browser: "Chrome/126.0"}, nil
}

type fixture struct {
	svc      *Service
	store    *store.JSONLStore
	router   *router.Router
	sessions *closer
	bus      *events.Bus
}

func newFixture(t *testing.T, p Prober, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewJSONL(store.JSONLOptions{Dir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	rt := router.New(logger)
	c := &closer{}
	return &fixture{
		svc:      New(st, rt, c, p, bus, logger, opts),
		store:    st,
		router:   rt,
		sessions: c,
		bus:      bus,
	}
}

func TestRegisterRoutesAndOverwrites(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, RegisterRequest{UserID: "alice", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !reg.UserCreated || reg.Updated {
		t.Errorf("first register: created=%v updated=%v", reg.UserCreated, reg.Updated)
	}
	if got, _ := f.router.GetUserBrowserURL("alice"); got != "http://localhost:9222" {
		t.Fatalf("route = %q", got)
	}

	reg, err = f.svc.Register(ctx, RegisterRequest{UserID: "alice", BrowserURL: "https://remote.example.com:9222"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.UserCreated || !reg.Updated {
		t.Errorf("second register: created=%v updated=%v", reg.UserCreated, reg.Updated)
	}
	if got, _ := f.router.GetUserBrowserURL("alice"); got != "https://remote.example.com:9222" {
		t.Fatalf("route not overwritten: %q", got)
	}

	// Going back to the first URL reuses its browser record.
	again, err := f.svc.Register(ctx, RegisterRequest{UserID: "alice", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatal(err)
	}
	browsers, _ := f.store.ListBrowsersByUser(ctx, "alice")
	if len(browsers) != 2 {
		t.Fatalf("browsers = %d, want 2", len(browsers))
	}
	if m, _ := f.router.GetMapping("alice"); m.BrowserID != again.Browser.ID || m.BrowserURL != "http://localhost:9222" {
		t.Errorf("route = %+v, want browser %s", m, again.Browser.ID)
	}
}

func TestRegisterByEmail(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, RegisterRequest{Email: "John.Doe+dev@Example.com", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.User.ID != "john-doe-dev" {
		t.Errorf("derived id = %q", reg.User.ID)
	}

	// Same local part on another domain gets a suffix.
	reg2, err := f.svc.Register(ctx, RegisterRequest{Email: "john.doe+dev@other.org", BrowserURL: "http://localhost:9333"})
	if err != nil {
		t.Fatal(err)
	}
	if reg2.User.ID != "john-doe-dev-2" {
		t.Errorf("collision id = %q", reg2.User.ID)
	}

	// Registering the same email again resolves to the existing user.
	reg3, err := f.svc.Register(ctx, RegisterRequest{Email: "john.doe+dev@example.com", BrowserURL: "http://localhost:9444"})
	if err != nil {
		t.Fatal(err)
	}
	if reg3.User.ID != reg.User.ID || reg3.UserCreated {
		t.Errorf("expected existing user %s, got %s (created=%v)", reg.User.ID, reg3.User.ID, reg3.UserCreated)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	tests := []struct {
		name string
		req  RegisterRequest
		code string
	}{
		{"no identity", RegisterRequest{BrowserURL: "http://localhost:9222"}, apperr.CodeMissingParameter},
		{"bad email", RegisterRequest{Email: "nope", BrowserURL: "http://localhost:9222"}, apperr.CodeInvalidEmail},
		{"bad url", RegisterRequest{UserID: "bob", BrowserURL: "ftp://host"}, apperr.CodeInvalidBrowserURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Register(ctx, tt.req); !apperr.Is(err, tt.code) {
				t.Errorf("got %v, want %s", err, tt.code)
			}
		})
	}
	if users, _ := f.store.ListUsers(ctx); len(users) != 0 {
		t.Errorf("invalid registrations created %d users", len(users))
	}
}

func TestVerifyBrowsersRejectsUnreachable(t *testing.T) {
	p := &prober{err: apperr.Connection(apperr.CodeBrowserNotAccessible, "down")}
	f := newFixture(t, p, Options{VerifyBrowsers: true})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterRequest{UserID: "carol", BrowserURL: "http://10.0.0.9:9222"})
	if !apperr.Is(err, apperr.CodeBrowserNotAccessible) {
		t.Fatalf("got %v", err)
	}
	if _, ok := f.router.GetUserBrowserURL("carol"); ok {
		t.Error("unreachable browser must not be routed")
	}
	if u, _ := f.store.GetUser(ctx, "carol"); u != nil {
		t.Error("user created for an unreachable browser")
	}

	p.err = nil
	reg, err := f.svc.Register(ctx, RegisterRequest{UserID: "carol", BrowserURL: "http://10.0.0.9:9222"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Browser.Description != "Chrome Chrome/126.0" {
		t.Errorf("description = %q", reg.Browser.Description)
	}
}

func TestUnregister(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	unreg := f.bus.Subscribe(events.UserUnregistered)

	if _, err := f.svc.Register(ctx, RegisterRequest{UserID: "dave", BrowserURL: "http://localhost:9222"}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Unregister(ctx, "dave"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := f.router.GetUserBrowserURL("dave"); ok {
		t.Error("route survived unregister")
	}
	if len(f.sessions.closed) != 1 || f.sessions.closed[0] != "dave" {
		t.Errorf("sessions closed for %v", f.sessions.closed)
	}
	if browsers, _ := f.store.ListBrowsersByUser(ctx, "dave"); len(browsers) != 0 {
		t.Errorf("browsers survived unregister: %d", len(browsers))
	}
	<-unreg

	if err := f.svc.Unregister(ctx, "dave"); !apperr.Is(err, apperr.CodeUserNotFound) {
		t.Errorf("second unregister: %v", err)
	}
}

// gatedStore pauses the first armed ListBrowsersByUser after it has read
// the store, until release is closed.
type gatedStore struct {
	store.StorageAdapter
	armed   atomic.Bool
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListBrowsersByUser(ctx context.Context, userID string) ([]store.Browser, error) {
	browsers, err := g.StorageAdapter.ListBrowsersByUser(ctx, userID)
	if g.armed.Load() {
		g.once.Do(func() {
			close(g.reached)
			<-g.release
		})
	}
	return browsers, err
}

func TestUnregisterWaitsForInFlightRefresh(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewJSONL(store.JSONLOptions{Dir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	gs := &gatedStore{StorageAdapter: st, reached: make(chan struct{}), release: make(chan struct{})}
	rt := router.New(logger)
	svc := New(gs, rt, &closer{}, nil, bus, logger, Options{})
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{UserID: "hank", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatal(err)
	}
	gs.armed.Store(true)

	callDone := make(chan error, 1)
	go func() {
		_, err := svc.RecordToolCall(ctx, reg.Browser.ID)
		callDone <- err
	}()
	<-gs.reached

	unregDone := make(chan error, 1)
	go func() { unregDone <- svc.Unregister(ctx, "hank") }()
	select {
	case err := <-unregDone:
		t.Errorf("Unregister finished while a refresh for the user was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	if err := <-callDone; err != nil {
		t.Errorf("RecordToolCall: %v", err)
	}
	select {
	case err := <-unregDone:
		if err != nil {
			t.Fatalf("Unregister: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Unregister never finished")
	}

	if m, ok := rt.GetMapping("hank"); ok {
		t.Errorf("deleted user still routed to %s", m.BrowserURL)
	}
	if u, _ := st.GetUser(ctx, "hank"); u != nil {
		t.Error("user survived unregister")
	}
}

func TestBrowserLifecycle(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	if _, err := f.svc.BindBrowser(ctx, "ghost", BindRequest{BrowserURL: "http://localhost:9222"}); !apperr.Is(err, apperr.CodeUserNotFound) {
		t.Fatalf("bind to unknown user: %v", err)
	}

	reg, err := f.svc.Register(ctx, RegisterRequest{UserID: "erin", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.BindBrowser(ctx, "erin", BindRequest{BrowserURL: "http://localhost:9333", TokenName: "laptop"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.BindBrowser(ctx, "erin", BindRequest{BrowserURL: "http://localhost:9444", TokenName: "laptop"}); !apperr.Is(err, apperr.CodeTokenNameExists) {
		t.Errorf("duplicate token name: %v", err)
	}

	desc := "work machine"
	upd, err := f.svc.UpdateBrowser(ctx, "erin", second.ID, store.BrowserUpdate{Description: &desc})
	if err != nil || upd.Description != desc {
		t.Fatalf("UpdateBrowser: %v %+v", err, upd)
	}
	if _, err := f.svc.GetBrowser(ctx, "someone-else", second.ID); !apperr.Is(err, apperr.CodeBrowserNotFound) {
		t.Errorf("cross-user lookup: %v", err)
	}

	list, err := f.svc.ListBrowsers(ctx, "erin")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListBrowsers = %d, %v", len(list), err)
	}

	if err := f.svc.UnbindBrowser(ctx, "erin", second.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.sessions.closed) != 0 {
		t.Error("sessions closed while a browser remains")
	}
	if err := f.svc.UnbindBrowser(ctx, "erin", reg.Browser.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.router.GetUserBrowserURL("erin"); ok {
		t.Error("route survived last unbind")
	}
	if len(f.sessions.closed) != 1 {
		t.Errorf("sessions closed = %v", f.sessions.closed)
	}
}

func TestUpdateAndListUsers(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	if _, err := f.svc.Register(ctx, RegisterRequest{UserID: "fay", BrowserURL: "http://localhost:9222"}); err != nil {
		t.Fatal(err)
	}

	name := "Fay F."
	u, err := f.svc.UpdateUser(ctx, "fay", UserUpdate{Username: &name, Metadata: map[string]any{"team": "qa"}})
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != name || u.Metadata["team"] != "qa" || u.UpdatedAt == nil {
		t.Errorf("unexpected user %+v", u)
	}
	blank := "  "
	if _, err := f.svc.UpdateUser(ctx, "fay", UserUpdate{Username: &blank}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("blank username: %v", err)
	}

	users, err := f.svc.ListUsers(ctx)
	if err != nil || len(users) != 1 || users[0].BrowserCount != 1 {
		t.Fatalf("ListUsers = %+v, %v", users, err)
	}
	detail, err := f.svc.GetUser(ctx, "fay")
	if err != nil || detail.Route == nil || len(detail.Browsers) != 1 {
		t.Fatalf("GetUser = %+v, %v", detail, err)
	}
}

func TestConcurrentToolCallsAreCounted(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	reg, err := f.svc.Register(ctx, RegisterRequest{UserID: "gus", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.RecordToolCall(ctx, reg.Browser.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	b, _ := f.store.GetBrowser(ctx, reg.Browser.ID)
	if b.ToolCallCount != reg.Browser.ToolCallCount+5 {
		t.Errorf("toolCallCount = %d, want %d", b.ToolCallCount, reg.Browser.ToolCallCount+5)
	}
	if _, err := f.svc.RecordToolCall(ctx, "missing"); !apperr.Is(err, apperr.CodeBrowserNotFound) {
		t.Errorf("missing browser: %v", err)
	}
}

func TestResolveToken(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	reg, err := f.svc.Register(ctx, RegisterRequest{UserID: "hal", BrowserURL: "http://localhost:9222"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.ResolveToken(ctx, reg.Browser.Token)
	if err != nil || b.ID != reg.Browser.ID {
		t.Fatalf("ResolveToken = %+v, %v", b, err)
	}
	if _, err := f.svc.ResolveToken(ctx, "mcp_nope"); !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Errorf("unknown token: %v", err)
	}
	if err := f.svc.RecordConnect(ctx, "nope"); !apperr.Is(err, apperr.CodeBrowserNotFound) {
		t.Errorf("RecordConnect unknown: %v", err)
	}
}

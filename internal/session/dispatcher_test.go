package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/notify"
	"invitebot/internal/runtime/supervisor"
	"invitebot/pkg/logx"
)

// fakeGateway is a scriptable in-memory gateway for session tests. Each
// Connect hands out a fresh channel preloaded with the script, so a
// reconnect never races a stale event pump.
type fakeGateway struct {
	mu           sync.Mutex
	sent         []string
	failOn       map[int]error   // 1-based send attempt -> error
	script       []gateway.Event // emitted on Connect; nil means straight to Ready
	participants []string
	events       chan gateway.Event
	closed       bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failOn: map[int]error{}}
}

func (f *fakeGateway) Connect(ctx context.Context) (<-chan gateway.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = make(chan gateway.Event, 8)
	f.closed = false
	script := f.script
	if script == nil {
		script = []gateway.Event{{Kind: gateway.EventReady, Identity: f.Identity()}}
	}
	for _, ev := range script {
		f.events <- ev
	}
	return f.events, nil
}

// emit pushes an event into the stream handed out by the last Connect.
func (f *fakeGateway) emit(ev gateway.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeGateway) CreateGroup(ctx context.Context, name string) (string, error) {
	return "group-1", nil
}

func (f *fakeGateway) InviteLink(ctx context.Context, groupID string) (string, error) {
	return "https://chat.example.com/inv/abc123", nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, address, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := len(f.sent) + 1
	if err, ok := f.failOn[attempt]; ok {
		delete(f.failOn, attempt)
		return err
	}
	f.sent = append(f.sent, address)
	return nil
}

func (f *fakeGateway) Participants(ctx context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.participants...), nil
}

func (f *fakeGateway) RemoveParticipants(ctx context.Context, groupID string, addresses []string) error {
	return nil
}

func (f *fakeGateway) Groups(ctx context.Context) ([]gateway.GroupInfo, error) {
	return nil, nil
}

func (f *fakeGateway) Identity() gateway.Identity {
	return gateway.Identity{Address: "905000000000", Name: "test-bot"}
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil && !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// newTestSession builds a session wired to fg without connecting it.
func newTestSession(t *testing.T, fg *fakeGateway) *Session {
	t.Helper()
	return newSessionWith(t, Options{
		Factory: func(key, dir string) (gateway.Gateway, error) { return fg, nil },
	})
}

// newSessionWith builds a session with test defaults, letting the caller
// override the factory, bus or audit store.
func newSessionWith(t *testing.T, opts Options) *Session {
	t.Helper()

	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})

	to := DefaultTimeouts()
	to.RestartSettle = 10 * time.Millisecond
	to.CleanupPause = time.Millisecond
	to.BulkPause = time.Millisecond

	if opts.Key == "" {
		opts.Key = "11111111-2222-3333-4444-555555555555"
	}
	if opts.Store == nil {
		opts.Store = NewDirStore(t.TempDir())
	}
	if opts.Bus == nil {
		opts.Bus = notify.New()
	}
	opts.Log = logx.Nop()
	opts.Timeouts = to
	opts.Sup = sup

	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// newReadySession builds a session wired to fg and waits for it to reach
// Ready.
func newReadySession(t *testing.T, fg *fakeGateway) *Session {
	t.Helper()
	s := newTestSession(t, fg)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.Status() == StateReady })
	return s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", d)
}

// seedDispatch configures a group, an invite link and contacts so Start
// passes its preconditions, with a near-zero inter-send delay. The delay
// cannot be zero: config normalization treats that as unset.
func seedDispatch(t *testing.T, s *Session, limit int, contacts ...string) {
	t.Helper()
	err := s.UpdateConfig(func(c *Config) {
		c.Group.Name = "Test Group"
		c.Group.GroupID = "group-1"
		c.Group.InviteLink = "https://chat.example.com/inv/abc123"
		c.Contacts = append([]string(nil), contacts...)
		c.Safety.MinDelayMS = 1
		c.Safety.MaxDelayMS = 1
		c.Safety.DailyLimit = limit
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
}

func TestDispatchSendsAll(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	seedDispatch(t, s, 50, "905321234501", "905321234502", "905321234503")

	sent, err := NewDispatcher(logx.Nop(), nil).Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent != 3 {
		t.Fatalf("sent = %d, want 3", sent)
	}

	cfg := s.ConfigSnapshot()
	if cfg.DailyStats.Count != 3 {
		t.Errorf("daily count = %d, want 3", cfg.DailyStats.Count)
	}
	for _, n := range []string{"905321234501", "905321234502", "905321234503"} {
		h, ok := cfg.InviteHistory[n]
		if !ok || h.SendCount != 1 {
			t.Errorf("history[%s] = %+v, want one send", n, h)
		}
	}
	if s.Dispatching() {
		t.Error("dispatch flag still set after run")
	}
}

func TestDispatchStopsAtDailyLimit(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	seedDispatch(t, s, 2, "905321234501", "905321234502", "905321234503")

	sent, err := NewDispatcher(logx.Nop(), nil).Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if got := fg.sentCount(); got != 2 {
		t.Fatalf("gateway saw %d sends, want 2", got)
	}
}

func TestDispatchFatalErrorAborts(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	fg.failOn[2] = gateway.NewFatal("send", errors.New("connection torn down"))
	s := newReadySession(t, fg)
	seedDispatch(t, s, 50,
		"905321234501", "905321234502", "905321234503", "905321234504", "905321234505")

	sent, err := NewDispatcher(logx.Nop(), nil).Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if st := s.Status(); st == StateReady {
		t.Fatalf("state = %s, want not ready after fatal error", st)
	}
}

func TestDispatchTransientErrorSkips(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	fg.failOn[2] = gateway.NewTransient("send", errors.New("timed out"))
	s := newReadySession(t, fg)
	seedDispatch(t, s, 50, "905321234501", "905321234502", "905321234503")

	sent, err := NewDispatcher(logx.Nop(), nil).Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if s.Status() != StateReady {
		t.Fatal("transient error must not disconnect the session")
	}
}

func TestDispatchSkipsInvalidNumbers(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	// A stale config may hold entries that no longer pass validation.
	seedDispatch(t, s, 50, "905321234501", "not-a-number", "905321234502")

	sent, err := NewDispatcher(logx.Nop(), nil).Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
}

func TestDispatchPreconditions(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	d := NewDispatcher(logx.Nop(), nil)

	// No group configured yet.
	if _, err := d.Start(context.Background(), s); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("err = %v, want ErrNoGroup", err)
	}

	seedDispatch(t, s, 50, "905321234501")
	s.forceDisconnect("test")
	if _, err := d.Start(context.Background(), s); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestDispatchSingleFlight(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	var contacts []string
	for i := 0; i < 20; i++ {
		contacts = append(contacts, fmt.Sprintf("9053212345%02d", i))
	}
	seedDispatch(t, s, 50, contacts...)
	// Keep the first run alive long enough to observe the second.
	if err := s.UpdateConfig(func(c *Config) {
		c.Safety.MinDelayMS = 50
		c.Safety.MaxDelayMS = 50
	}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	d := NewDispatcher(logx.Nop(), nil)
	done := make(chan int, 1)
	go func() {
		sent, _ := d.Start(context.Background(), s)
		done <- sent
	}()
	waitFor(t, time.Second, s.Dispatching)

	if _, err := d.Start(context.Background(), s); !errors.Is(err, ErrAlreadyDispatching) {
		t.Fatalf("err = %v, want ErrAlreadyDispatching", err)
	}

	d.Cancel(s)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not finish after cancel")
	}
}

func TestDispatchCancelStopsRun(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	seedDispatch(t, s, 50, "905321234501", "905321234502", "905321234503")
	// Long delay so the cancel lands during the inter-send pause.
	if err := s.UpdateConfig(func(c *Config) {
		c.Safety.MinDelayMS = 5000
		c.Safety.MaxDelayMS = 5000
	}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	d := NewDispatcher(logx.Nop(), nil)
	done := make(chan int, 1)
	go func() {
		sent, _ := d.Start(context.Background(), s)
		done <- sent
	}()
	waitFor(t, time.Second, func() bool { return fg.sentCount() == 1 })
	d.Cancel(s)

	select {
	case sent := <-done:
		if sent != 1 {
			t.Fatalf("sent = %d, want 1", sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if s.Dispatching() {
		t.Error("dispatch flag still set after cancel")
	}
}

func TestDispatchRollsOverStaleDailyStats(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	seedDispatch(t, s, 2, "905321234501", "905321234502")
	if err := s.UpdateConfig(func(c *Config) {
		c.DailyStats.Date = "2001-01-01"
		c.DailyStats.Count = 2 // exhausted, but on a past day
	}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	sent, err := NewDispatcher(logx.Nop(), nil).Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2 after rollover", sent)
	}
}

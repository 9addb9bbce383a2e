package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"invitebot/internal/gateway/dev"
	"invitebot/internal/notify"
	"invitebot/internal/runtime/supervisor"
	"invitebot/internal/session"
	"invitebot/pkg/logx"
)

func newTestRegistry(t *testing.T, max int, idle time.Duration) *Registry {
	t.Helper()

	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})

	r := New(Options{
		Max:         max,
		IdleTimeout: idle,
		Store:       session.NewDirStore(t.TempDir()),
		Bus:         notify.New(),
		Factory:     dev.Factory(dev.Config{}),
		Timeouts:    session.DefaultTimeouts(),
		Log:         logx.Nop(),
		Sup:         sup,
	})
	t.Cleanup(r.Shutdown)
	return r
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

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 5, time.Hour)

	a, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a != b {
		t.Fatal("same key must return the same session instance")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestCapacityEvictsOldestIdle(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 2, time.Hour)

	if _, err := r.GetOrCreate("tenant-a"); err != nil {
		t.Fatalf("create a: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := r.GetOrCreate("tenant-b"); err != nil {
		t.Fatalf("create b: %v", err)
	}
	// Touch a so b becomes the oldest.
	if _, ok := r.Get("tenant-a"); !ok {
		t.Fatal("tenant-a should be live")
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := r.GetOrCreate("tenant-c"); err != nil {
		t.Fatalf("create c: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
	if _, ok := r.Get("tenant-b"); ok {
		t.Fatal("tenant-b should have been evicted as oldest idle")
	}
	if _, ok := r.Get("tenant-a"); !ok {
		t.Fatal("tenant-a should have survived eviction")
	}
}

func TestEvictionKeepsPersistedConfig(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 1, time.Hour)

	a, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := a.AddContact("0532 123 45 67"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	// Creating b evicts a; its config must survive on disk.
	if _, err := r.GetOrCreate("tenant-b"); err != nil {
		t.Fatalf("create b: %v", err)
	}

	a2, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("recreate a: %v", err)
	}
	cfg := a2.ConfigSnapshot()
	if len(cfg.Contacts) != 1 || cfg.Contacts[0] != "905321234567" {
		t.Fatalf("contacts after reload = %v, want [905321234567]", cfg.Contacts)
	}
}

func TestCapacityExceededWhenAllDispatching(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 1, time.Hour)

	s, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Status() == session.StateReady })

	if _, err := s.CreateGroup(context.Background(), "Busy Group"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	err = s.UpdateConfig(func(c *session.Config) {
		c.Contacts = []string{"905321234501", "905321234502", "905321234503"}
		c.Safety.MinDelayMS = 5000
		c.Safety.MaxDelayMS = 5000
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	d := session.NewDispatcher(logx.Nop(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Start(context.Background(), s)
	}()
	waitFor(t, 2*time.Second, s.Dispatching)

	if _, err := r.GetOrCreate("tenant-b"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	d.Cancel(s)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not stop after cancel")
	}

	// With the dispatch over, the create succeeds by evicting tenant-a.
	if _, err := r.GetOrCreate("tenant-b"); err != nil {
		t.Fatalf("create b after cancel: %v", err)
	}
}

func TestSweepReclaimsIdleSessions(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 5, 20*time.Millisecond)

	if _, err := r.GetOrCreate("tenant-a"); err != nil {
		t.Fatalf("create a: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	r.sweep()

	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0 after sweep", r.Len())
	}
	if _, ok := r.Get("tenant-a"); ok {
		t.Fatal("tenant-a should have been reclaimed")
	}
}

func TestRemoveDestroysSession(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 5, time.Hour)

	s, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if !r.Remove("tenant-a") {
		t.Fatal("Remove should report success")
	}
	if r.Remove("tenant-a") {
		t.Fatal("second Remove should report absence")
	}
	if s.Status() != session.StateDestroyed {
		t.Fatalf("state = %s, want destroyed", s.Status())
	}
}

func TestStatsCountsReadyAndDispatching(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, 5, time.Hour)

	s, err := r.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Status() == session.StateReady })
	if _, err := r.GetOrCreate("tenant-b"); err != nil {
		t.Fatalf("create b: %v", err)
	}

	st := r.Stats()
	if st.Active != 2 || st.Ready != 1 || st.Dispatching != 0 {
		t.Fatalf("stats = %+v, want 2 active, 1 ready, 0 dispatching", st)
	}

	if _, err := s.CreateGroup(context.Background(), "Stats Group"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	err = s.UpdateConfig(func(c *session.Config) {
		c.Contacts = []string{"905321234501", "905321234502"}
		c.Safety.MinDelayMS = 5000
		c.Safety.MaxDelayMS = 5000
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	d := session.NewDispatcher(logx.Nop(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Start(context.Background(), s)
	}()
	waitFor(t, 2*time.Second, s.Dispatching)

	if st := r.Stats(); st.Dispatching != 1 {
		t.Fatalf("stats = %+v, want 1 dispatching", st)
	}

	d.Cancel(s)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not stop after cancel")
	}
}

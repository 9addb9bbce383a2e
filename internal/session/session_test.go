package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/gateway/dev"
	"invitebot/internal/notify"
	"invitebot/internal/storage"
	"invitebot/pkg/logx"
)

func TestInitializeReachesReady(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	info := s.Snapshot()
	if !info.Ready || info.State != "ready" {
		t.Fatalf("snapshot = %+v, want ready", info)
	}
	if info.BotAddress != "905000000000" {
		t.Errorf("bot address = %q", info.BotAddress)
	}
	if info.HasChallenge {
		t.Error("ready session must not expose a pairing challenge")
	}
}

func TestInitializeTwiceIsNoop(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	if err := s.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if s.Status() != StateReady {
		t.Fatal("second Initialize must leave the session ready")
	}

	var warned bool
	for _, e := range s.Logs() {
		if e.Severity == SevWarning && strings.Contains(e.Message, "already started") {
			warned = true
		}
	}
	if !warned {
		t.Error("duplicate Initialize should be logged as a warning")
	}
}

func TestPairingChallengeExposedUntilReady(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	fg.script = []gateway.Event{{Kind: gateway.EventPairing, Challenge: "pair-code-1"}}
	s := newTestSession(t, fg)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.Status() == StateAwaitingScan })

	info := s.Snapshot()
	if !info.HasChallenge || info.Challenge != "pair-code-1" {
		t.Fatalf("snapshot = %+v, want exposed challenge", info)
	}

	fg.emit(gateway.Event{Kind: gateway.EventAuthenticated})
	fg.emit(gateway.Event{Kind: gateway.EventReady, Identity: fg.Identity()})
	waitFor(t, time.Second, func() bool { return s.Status() == StateReady })

	if s.Snapshot().Challenge != "" {
		t.Error("challenge must be cleared on ready")
	}
}

func TestLinkLossMovesToDisconnected(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	fg.emit(gateway.Event{Kind: gateway.EventDisconnected, Reason: "socket closed"})
	waitFor(t, time.Second, func() bool { return s.Status() == StateDisconnected })

	if s.Snapshot().Ready {
		t.Error("snapshot must not report ready after link loss")
	}
}

func TestDestroyRejectsFurtherWork(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	s.Destroy()
	if s.Status() != StateDestroyed {
		t.Fatalf("state = %s, want destroyed", s.Status())
	}
	if err := s.Initialize(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Initialize after destroy = %v, want ErrDestroyed", err)
	}
	if err := s.Restart(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Restart after destroy = %v, want ErrDestroyed", err)
	}
}

func TestCreateGroupResetsInviteState(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	// Seed leftovers from a previous group.
	err := s.UpdateConfig(func(c *Config) {
		c.Group.InviteLink = "https://chat.example.com/inv/old"
		c.InviteHistory["905321234567"] = HistoryEntry{SendCount: 3}
		c.DailyStats.Count = 9
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	id, err := s.CreateGroup(context.Background(), "Fresh Group")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if id != "group-1" {
		t.Fatalf("group id = %q", id)
	}

	cfg := s.ConfigSnapshot()
	if cfg.Group.InviteLink != "" {
		t.Error("stale invite link must be cleared")
	}
	if len(cfg.InviteHistory) != 0 {
		t.Error("invite history must be reset for a new group")
	}
	if cfg.DailyStats.Count != 0 {
		t.Error("daily stats must be reset for a new group")
	}
}

func TestCreateGroupValidatesName(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	if _, err := s.CreateGroup(context.Background(), "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)

	if err := s.SendMessage(context.Background(), "0532 123 45 67", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty body: err = %v, want ErrValidation", err)
	}
	if err := s.SendMessage(context.Background(), "0532 123 45 67", strings.Repeat("x", maxMessageLen+1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversize body: err = %v, want ErrValidation", err)
	}

	if err := s.SendMessage(context.Background(), "0532 123 45 67", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := fg.sentCount(); got != 1 {
		t.Fatalf("gateway saw %d sends, want 1", got)
	}
}

func TestSendMessageRequiresReady(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	s := newReadySession(t, fg)
	s.forceDisconnect("test")

	if err := s.SendMessage(context.Background(), "0532 123 45 67", "hello"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestInitializeWithPairingDriverReachesReady(t *testing.T) {
	t.Parallel()
	s := newSessionWith(t, Options{
		Factory: dev.Factory(dev.Config{RequirePairing: true, PairDelay: 20 * time.Millisecond}),
	})

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Status() == StateReady })
	if s.Snapshot().HasChallenge {
		t.Fatal("ready session must not expose a pairing challenge")
	}
}

func TestInboundMessageForwardedToBus(t *testing.T) {
	t.Parallel()
	fg := newFakeGateway()
	bus := notify.New()
	events, unsub := bus.Subscribe("", 16)
	defer unsub()

	s := newSessionWith(t, Options{
		Factory: func(key, dir string) (gateway.Gateway, error) { return fg, nil },
		Bus:     bus,
	})
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.Status() == StateReady })

	fg.emit(gateway.Event{Kind: gateway.EventMessage, Message: gateway.Message{From: "905321234567", Body: "hello"}})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != notify.TypeIncomingMessage {
				continue
			}
			if ev.SessionKey != s.Key() {
				t.Fatalf("session key = %q, want %q", ev.SessionKey, s.Key())
			}
			msg, ok := ev.Data.(gateway.Message)
			if !ok {
				t.Fatalf("data = %T, want gateway.Message", ev.Data)
			}
			if msg.From != "905321234567" || msg.Body != "hello" {
				t.Fatalf("message = %+v", msg)
			}
			return
		case <-deadline:
			t.Fatal("incoming message never reached the bus")
		}
	}
}

func TestSendAndCleanupWriteAudit(t *testing.T) {
	t.Parallel()
	audit, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "audit.jsonl"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	fg := newFakeGateway()
	fg.participants = []string{"905000000000", "905321234567"}
	s := newSessionWith(t, Options{
		Factory: func(key, dir string) (gateway.Gateway, error) { return fg, nil },
		Audit:   audit,
	})
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.Status() == StateReady })

	if err := s.SendMessage(context.Background(), "0532 123 45 67", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := s.UpdateConfig(func(c *Config) { c.Group.GroupID = "group-1" }); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	removed, err := s.CleanupGroup(context.Background())
	if err != nil {
		t.Fatalf("CleanupGroup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (bot itself stays)", removed)
	}

	entries, err := audit.RecentAudit(context.Background(), s.Key(), 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	var gotMessage, gotCleanup bool
	for _, e := range entries {
		switch e.Action {
		case storage.ActionMessage:
			gotMessage = e.OK && e.Target == "905321234567"
		case storage.ActionCleanup:
			gotCleanup = e.OK && e.Target == "905321234567"
		}
	}
	if !gotMessage {
		t.Errorf("no message audit row in %+v", entries)
	}
	if !gotCleanup {
		t.Errorf("no cleanup audit row in %+v", entries)
	}
}

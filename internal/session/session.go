// Package session holds the per-tenant bot state: the connection
// lifecycle, the persisted config, the activity log ring and the invite
// dispatch machinery. One Session owns one messaging gateway instance.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/notify"
	"invitebot/internal/runtime/supervisor"
	"invitebot/internal/storage"
	"invitebot/pkg/logx"
)

// Timeouts bounds every blocking gateway call so a stuck driver can't hang
// the dispatcher or the registry.
type Timeouts struct {
	Connect       time.Duration
	GroupCreate   time.Duration
	LinkFetch     time.Duration
	Send          time.Duration
	RestartSettle time.Duration
	CleanupPause  time.Duration
	BulkPause     time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:       60 * time.Second,
		GroupCreate:   30 * time.Second,
		LinkFetch:     15 * time.Second,
		Send:          90 * time.Second,
		RestartSettle: 2 * time.Second,
		CleanupPause:  1500 * time.Millisecond,
		BulkPause:     time.Second,
	}
}

type Options struct {
	Key      string
	Store    Store
	Bus      notify.Bus
	Factory  gateway.Factory
	Log      logx.Logger
	Timeouts Timeouts
	Sup      *supervisor.Supervisor

	// Audit is the optional audit trail; nil disables it.
	Audit storage.Store
}

// Session is one tenant's isolated bot instance.
type Session struct {
	key      string
	store    Store
	bus      notify.Bus
	factory  gateway.Factory
	log      logx.Logger
	timeouts Timeouts
	sup      *supervisor.Supervisor
	audit    storage.Store
	ring     *logRing

	mu           sync.Mutex
	state        State
	gw           gateway.Gateway
	gen          int // gateway generation; stale event pumps are ignored
	challenge    string
	identity     gateway.Identity
	cfg          *Config
	lastActivity time.Time

	// dispatch single-flight; guarded by dmu, not mu, so status reads
	// never wait on dispatch bookkeeping.
	dmu         sync.Mutex
	dispatching bool
	dcancel     context.CancelFunc
}

func New(opts Options) (*Session, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("session key is required")
	}
	if opts.Store == nil || opts.Bus == nil || opts.Factory == nil || opts.Sup == nil {
		return nil, fmt.Errorf("session %s: incomplete options", short(opts.Key))
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}

	cfg, err := opts.Store.Load(opts.Key)
	if err != nil {
		return nil, err
	}

	return &Session{
		key:          opts.Key,
		store:        opts.Store,
		bus:          opts.Bus,
		factory:      opts.Factory,
		log:          opts.Log.With(logx.String("session", short(opts.Key))),
		timeouts:     opts.Timeouts,
		sup:          opts.Sup,
		audit:        opts.Audit,
		ring:         newLogRing(logRingCapacity),
		state:        StateUninitialized,
		cfg:          cfg,
		lastActivity: time.Now(),
	}, nil
}

func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func (s *Session) Key() string { return s.key }

// Touch marks external activity; the registry's idle sweep keys off it.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatusInfo is the externally visible session snapshot.
type StatusInfo struct {
	SessionKey   string    `json:"sessionId"`
	State        string    `json:"state"`
	Ready        bool      `json:"isReady"`
	HasChallenge bool      `json:"hasQR"`
	Challenge    string    `json:"qrCode,omitempty"`
	BotAddress   string    `json:"botNumber,omitempty"`
	BotName      string    `json:"botName,omitempty"`
	Dispatching  bool      `json:"isSendingInvites"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Session) Snapshot() StatusInfo {
	s.mu.Lock()
	info := StatusInfo{
		SessionKey:   s.key,
		State:        s.state.String(),
		Ready:        s.state == StateReady,
		HasChallenge: s.challenge != "",
		Challenge:    s.challenge,
		LastActivity: s.lastActivity,
	}
	if s.state == StateReady {
		info.BotAddress = s.identity.Address
		info.BotName = s.identity.Name
	}
	s.mu.Unlock()
	info.Dispatching = s.Dispatching()
	return info
}

// Logs returns the activity feed, oldest first.
func (s *Session) Logs() []LogEntry { return s.ring.Snapshot() }

// Initialize brings the gateway up. Calling it while a connect is already
// running (or the link is up) is a logged no-op, preventing duplicate
// gateway instances for one tenant.
func (s *Session) Initialize() error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.state.connecting() || s.state == StateReady {
		s.mu.Unlock()
		s.logf(SevWarning, "client already started or starting")
		return nil
	}

	gw, err := s.factory(s.key, s.store.Dir(s.key))
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logf(SevError, "gateway init failed: %v", err)
		return err
	}
	s.gw = gw
	s.gen++
	gen := s.gen
	s.state = StateInitializing
	s.challenge = ""
	s.mu.Unlock()

	s.logf(SevInfo, "connecting to messaging platform...")
	s.publishStatus()

	s.sup.Go0("session."+short(s.key)+".events", func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, s.timeouts.Connect)
		events, err := gw.Connect(cctx)
		cancel()
		if err != nil {
			s.logf(SevError, "connect failed: %v", err)
			s.streamClosed(gen, "connect failed")
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					s.streamClosed(gen, "event stream closed")
					return
				}
				s.applyEvent(gen, ev)
			}
		}
	})
	return nil
}

// applyEvent is the single transition function consuming the gateway's
// lifecycle stream.
func (s *Session) applyEvent(gen int, ev gateway.Event) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case gateway.EventPairing:
		s.state = StateAwaitingScan
		s.challenge = ev.Challenge
		s.mu.Unlock()
		s.logf(SevSuccess, "pairing challenge ready - scan to link")
		s.publish(notify.TypeQRChallenge, ev.Challenge)

	case gateway.EventAuthenticated:
		s.mu.Unlock()
		s.logf(SevSuccess, "authentication accepted")
		s.publish(notify.TypeAuthenticated, nil)

	case gateway.EventReady:
		s.state = StateReady
		s.challenge = ""
		s.identity = ev.Identity
		s.mu.Unlock()
		s.logf(SevSuccess, "messaging link established")
		s.publish(notify.TypeReady, ev.Identity)

	case gateway.EventAuthFailed:
		s.state = StateDisconnected
		s.challenge = ""
		s.mu.Unlock()
		s.logf(SevError, "authentication failed: %s", ev.Reason)
		s.publish(notify.TypeAuthFailed, ev.Reason)

	case gateway.EventDisconnected:
		s.state = StateDisconnected
		s.challenge = ""
		s.mu.Unlock()
		s.logf(SevError, "link lost: %s", ev.Reason)
		s.publish(notify.TypeDisconnected, ev.Reason)

	case gateway.EventMessage:
		s.mu.Unlock()
		// No state change; relay to push subscribers only.
		s.publish(notify.TypeIncomingMessage, ev.Message)
		return

	default:
		s.mu.Unlock()
	}
	s.publishStatus()
}

func (s *Session) streamClosed(gen int, reason string) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateDestroyed || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.challenge = ""
	s.mu.Unlock()
	s.logf(SevWarning, "disconnected: %s", reason)
	s.publish(notify.TypeDisconnected, reason)
	s.publishStatus()
}

// forceDisconnect flips a Ready session off Ready after a fatal gateway
// failure observed outside the event stream (e.g. a dead send).
func (s *Session) forceDisconnect(reason string) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.challenge = ""
	s.mu.Unlock()
	s.logf(SevError, "link presumed dead: %s", reason)
	s.publish(notify.TypeDisconnected, reason)
	s.publishStatus()
}

// Restart tears the current gateway down, waits a short settle interval
// and reconnects. Rejected while a connect is already in flight.
func (s *Session) Restart(ctx context.Context) error {
	s.Touch()
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.state.connecting() {
		s.mu.Unlock()
		s.logf(SevWarning, "restart rejected: connect in progress")
		return ErrAlreadyInitializing
	}
	s.teardownLocked()
	s.mu.Unlock()

	s.logf(SevInfo, "restarting messaging link...")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeouts.RestartSettle):
	}
	return s.Initialize()
}

// Destroy tears everything down; the session accepts no further work.
func (s *Session) Destroy() {
	s.CancelDispatch()
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.state = StateDestroyed
	s.mu.Unlock()
	s.log.Info("session destroyed")
}

// teardownLocked closes the gateway, swallowing close errors, and resets
// the connection fields. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.gw != nil {
		_ = s.gw.Close()
		s.gw = nil
	}
	s.gen++
	s.state = StateDisconnected
	s.challenge = ""
	s.identity = gateway.Identity{}
}

// gatewayHandle returns the current gateway, or an error when the session
// is not Ready.
func (s *Session) gatewayHandle() (gateway.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.gw == nil {
		return nil, ErrNotReady
	}
	return s.gw, nil
}

// ---- config access (writes serialized per session by s.mu) ----

// ConfigSnapshot returns a deep copy of the current config.
func (s *Session) ConfigSnapshot() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.clone()
}

// UpdateConfig applies fn under the session lock and persists the result.
func (s *Session) UpdateConfig(fn func(*Config)) error {
	s.mu.Lock()
	fn(s.cfg)
	s.cfg.normalize()
	err := s.saveLocked()
	snapshot := s.cfg.clone()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.logf(SevError, "config save failed: %v", err)
		return err
	}
	s.publish(notify.TypeConfigUpdated, snapshot)
	return nil
}

// ReplaceConfig swaps in a full document (API config POST).
func (s *Session) ReplaceConfig(cfg *Config) error {
	return s.UpdateConfig(func(cur *Config) { *cur = *cfg.clone() })
}

func (s *Session) saveLocked() error {
	return s.store.Save(s.key, s.cfg)
}

// auditRecord appends one row to the audit trail; a nil store disables it.
func (s *Session) auditRecord(action, target string, took time.Duration, opErr error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now(),
		Session: s.key,
		Action:  action,
		Target:  target,
		OK:      opErr == nil,
		TookMS:  took.Milliseconds(),
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := s.audit.AppendAudit(context.Background(), e); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

// persist saves the config outside of UpdateConfig (dispatch checkpoints).
func (s *Session) persist() {
	s.mu.Lock()
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		s.logf(SevError, "config save failed: %v", err)
	}
}

// AddContact normalizes and appends one number.
func (s *Session) AddContact(raw string) ([]string, error) {
	canonical, err := normalizeInput(raw)
	if err != nil {
		return nil, err
	}
	var contacts []string
	err = s.UpdateConfig(func(c *Config) {
		c.addContact(canonical)
		// Non-nil even when empty so the API serializes [].
		contacts = append([]string{}, c.Contacts...)
	})
	return contacts, err
}

// AddContactsBulk normalizes, deduplicates and appends many numbers.
func (s *Session) AddContactsBulk(raw []string) (BulkAddResult, error) {
	var res BulkAddResult
	err := s.UpdateConfig(func(c *Config) {
		res = c.addBulk(raw)
	})
	if err != nil {
		return BulkAddResult{}, err
	}
	if len(res.Invalid) > 0 {
		s.logf(SevWarning, "%d numbers added, %d invalid skipped", res.Added, len(res.Invalid))
	} else {
		s.logf(SevSuccess, "%d new numbers added", res.Added)
	}
	return res, nil
}

// RemoveContact drops one number (canonical or raw form).
func (s *Session) RemoveContact(raw string) ([]string, error) {
	canonical, err := normalizeInput(raw)
	if err != nil {
		return nil, err
	}
	var contacts []string
	err = s.UpdateConfig(func(c *Config) {
		c.removeContact(canonical)
		contacts = append([]string{}, c.Contacts...)
	})
	return contacts, err
}

// ---- logging and notifications ----

// logf appends to the session ring, mirrors to the process log and pushes
// the entry to subscribed clients.
func (s *Session) logf(sev Severity, format string, args ...any) {
	entry := LogEntry{
		Time:     time.Now(),
		Message:  fmt.Sprintf(format, args...),
		Severity: sev,
	}
	s.ring.Append(entry)

	switch sev {
	case SevError:
		s.log.Error(entry.Message)
	case SevWarning:
		s.log.Warn(entry.Message)
	default:
		s.log.Info(entry.Message)
	}

	s.publish(notify.TypeLog, entry)
}

func (s *Session) publish(t notify.Type, data any) {
	s.bus.Publish(notify.Event{SessionKey: s.key, Type: t, Data: data})
}

func (s *Session) publishStatus() {
	s.publish(notify.TypeStatus, s.Snapshot())
}

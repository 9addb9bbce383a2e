// Package registry owns the bounded set of live sessions: lookup,
// creation with capacity eviction, and the idle sweep that reclaims
// tenants nobody has touched for a while.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/notify"
	"invitebot/internal/runtime/supervisor"
	"invitebot/internal/session"
	"invitebot/internal/storage"
	"invitebot/pkg/logx"
)

// ErrCapacityExceeded is returned when the registry is full and every
// resident session is mid-dispatch, so none may be evicted.
var ErrCapacityExceeded = errors.New("session capacity exceeded")

const (
	defaultMax           = 5
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

type Options struct {
	Max           int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Store         session.Store
	Bus           notify.Bus
	Factory       gateway.Factory
	Timeouts      session.Timeouts
	Log           logx.Logger
	Sup           *supervisor.Supervisor
	Audit         storage.Store
}

// Registry is the process-wide session table. Eviction only removes the
// in-memory instance; the tenant's persisted config survives and is
// reloaded on the next create.
type Registry struct {
	opts Options
	log  logx.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(opts Options) *Registry {
	if opts.Max <= 0 {
		opts.Max = defaultMax
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Registry{
		opts:     opts,
		log:      opts.Log.With(logx.String("component", "registry")),
		sessions: map[string]*session.Session{},
	}
}

// Start launches the periodic idle sweep under the supervisor.
func (r *Registry) Start() {
	r.opts.Sup.Go0("registry.sweep", func(ctx context.Context) {
		t := time.NewTicker(r.opts.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.sweep()
			}
		}
	})
}

// Get returns the live session for key, if any, refreshing its activity
// timestamp.
func (r *Registry) Get(key string) (*session.Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	r.mu.Unlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// GetOrCreate returns the live session for key, creating it when absent.
// When the table is full the oldest idle session that is not dispatching
// is evicted to make room; if every resident is dispatching the create
// fails with ErrCapacityExceeded.
func (r *Registry) GetOrCreate(key string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		s.Touch()
		return s, nil
	}

	if len(r.sessions) >= r.opts.Max {
		if err := r.evictOneLocked(); err != nil {
			return nil, err
		}
	}

	s, err := session.New(session.Options{
		Key:      key,
		Store:    r.opts.Store,
		Bus:      r.opts.Bus,
		Factory:  r.opts.Factory,
		Log:      r.opts.Log,
		Timeouts: r.opts.Timeouts,
		Sup:      r.opts.Sup,
		Audit:    r.opts.Audit,
	})
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	r.log.Info("session created", logx.String("session", key), logx.Int("active", len(r.sessions)))
	return s, nil
}

// evictOneLocked removes the least recently active non-dispatching
// session. Caller holds r.mu.
func (r *Registry) evictOneLocked() error {
	var victim *session.Session
	for _, s := range r.sessions {
		if s.Dispatching() {
			continue
		}
		if victim == nil || s.LastActivity().Before(victim.LastActivity()) {
			victim = s
		}
	}
	if victim == nil {
		return ErrCapacityExceeded
	}

	delete(r.sessions, victim.Key())
	victim.Destroy()
	r.log.Warn("session evicted for capacity",
		logx.String("session", victim.Key()),
		logx.Time("last_activity", victim.LastActivity()))
	return nil
}

// Remove destroys the session and drops it from the table.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Destroy()
	r.log.Info("session removed", logx.String("session", key))
	return true
}

// sweep reclaims sessions idle past the timeout. Dispatching sessions are
// never reclaimed regardless of idleness.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	var idle []*session.Session
	for _, s := range r.sessions {
		if s.Dispatching() {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	for _, s := range idle {
		delete(r.sessions, s.Key())
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Destroy()
		r.log.Info("idle session reclaimed",
			logx.String("session", s.Key()),
			logx.Time("last_activity", s.LastActivity()))
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats is the operator-facing registry overview.
type Stats struct {
	Active      int                  `json:"activeSessions"`
	Max         int                  `json:"maxSessions"`
	Ready       int                  `json:"readyCount"`
	Dispatching int                  `json:"dispatchingCount"`
	Sessions    []session.StatusInfo `json:"sessions"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	st := Stats{Active: len(live), Max: r.opts.Max, Sessions: make([]session.StatusInfo, 0, len(live))}
	for _, s := range live {
		info := s.Snapshot()
		if info.Ready {
			st.Ready++
		}
		if info.Dispatching {
			st.Dispatching++
		}
		st.Sessions = append(st.Sessions, info)
	}
	sort.Slice(st.Sessions, func(i, j int) bool {
		return st.Sessions[i].SessionKey < st.Sessions[j].SessionKey
	})
	return st
}

// Shutdown destroys every live session. Called once on process stop.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.sessions = map[string]*session.Session{}
	r.mu.Unlock()

	for _, s := range live {
		s.Destroy()
	}
	r.log.Info("all sessions destroyed", logx.Int("count", len(live)))
}

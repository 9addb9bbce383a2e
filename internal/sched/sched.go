// Package sched runs recurring per-tenant jobs (invite dispatch, group
// cleanup) on cron schedules from the app config.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"invitebot/pkg/logx"
)

// Kind names a scheduled action.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindCleanup  Kind = "cleanup"
)

// JobSpec is one recurring job bound to a tenant.
type JobSpec struct {
	Session string        `json:"session"`
	Kind    Kind          `json:"kind"`
	Spec    string        `json:"spec"` // cron spec or @every
	Timeout time.Duration `json:"timeout,omitempty"`
}

type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ; empty means local
	DefaultTimeout time.Duration
	Jobs           []JobSpec
}

// Runner executes one scheduled action against a tenant. Implemented by
// the app wiring on top of the registry and the dispatcher.
type Runner interface {
	RunDispatch(ctx context.Context, sessionKey string) error
	RunCleanup(ctx context.Context, sessionKey string) error
}

// HistoryItem records one finished job run.
type HistoryItem struct {
	Session  string        `json:"session"`
	Kind     Kind          `json:"kind"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

const historySize = 50

type runState struct {
	mu      sync.Mutex
	running bool
}

// Service owns the cron instance. Jobs overlap-skip: a tick firing while
// the previous run of the same job is still going is dropped.
type Service struct {
	log    logx.Logger
	runner Runner
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	states  map[string]*runState
	history []HistoryItem
}

func New(cfg Config, runner Runner, log logx.Logger) *Service {
	return &Service{
		log:    log.With(logx.String("component", "sched")),
		runner: runner,
		cfg:    cfg,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		states: map[string]*runState{},
	}
}

// Start registers the configured jobs and begins ticking. A disabled
// config makes Start a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil || !s.cfg.Enabled {
		return nil
	}

	loc, err := s.loadLocationLocked()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	registered := 0
	for _, job := range s.cfg.Jobs {
		if err := s.addLocked(c, job); err != nil {
			s.log.Error("bad job spec, skipping",
				logx.String("session", job.Session),
				logx.String("spec", job.Spec),
				logx.Err(err))
			continue
		}
		registered++
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = c
	c.Start()
	s.log.Info("scheduler started",
		logx.Int("jobs", registered),
		logx.String("tz", loc.String()))
	return nil
}

// Stop halts ticking and waits for running jobs to return, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, jobs finish in background")
	}
}

// Apply swaps in a new config, restarting the cron if it was running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	running := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.Stop(stopCtx)
	cancel()
	return s.Start(ctx)
}

func (s *Service) loadLocationLocked() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s *Service) addLocked(c *cron.Cron, job JobSpec) error {
	if job.Session == "" {
		return fmt.Errorf("job has no session")
	}
	switch job.Kind {
	case KindDispatch, KindCleanup:
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if _, err := s.parser.Parse(job.Spec); err != nil {
		return err
	}

	key := job.Session + "/" + string(job.Kind)
	state, ok := s.states[key]
	if !ok {
		state = &runState{}
		s.states[key] = state
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	_, err := c.AddFunc(job.Spec, func() { s.fire(job, state, timeout) })
	return err
}

func (s *Service) fire(job JobSpec, state *runState, timeout time.Duration) {
	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		s.log.Warn("job still running, tick skipped",
			logx.String("session", job.Session),
			logx.String("kind", string(job.Kind)))
		return
	}
	state.running = true
	state.mu.Unlock()
	defer func() {
		state.mu.Lock()
		state.running = false
		state.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduled job",
				logx.String("session", job.Session),
				logx.String("kind", string(job.Kind)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	switch job.Kind {
	case KindDispatch:
		err = s.runner.RunDispatch(ctx, job.Session)
	case KindCleanup:
		err = s.runner.RunCleanup(ctx, job.Session)
	}
	took := time.Since(start)

	item := HistoryItem{Session: job.Session, Kind: job.Kind, Started: start, Duration: took}
	if err != nil {
		item.Error = err.Error()
		s.log.Error("scheduled job failed",
			logx.String("session", job.Session),
			logx.String("kind", string(job.Kind)),
			logx.Duration("took", took),
			logx.Err(err))
	} else {
		s.log.Info("scheduled job finished",
			logx.String("session", job.Session),
			logx.String("kind", string(job.Kind)),
			logx.Duration("took", took))
	}
	s.record(item)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// History returns finished runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

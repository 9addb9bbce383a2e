package core

import (
	"context"
	"fmt"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/gateway/dev"
	"invitebot/internal/httpapi"
	"invitebot/internal/notify"
	"invitebot/internal/registry"
	"invitebot/internal/runtime/supervisor"
	"invitebot/internal/sched"
	"invitebot/internal/session"
	"invitebot/internal/storage"
	"invitebot/pkg/logx"
)

// App assembles the whole process: config, logging, storage, the session
// registry, the scheduler and the HTTP surface.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	logs *logx.Service
	log  logx.Logger

	bus     notify.Bus
	store   storage.Store
	factory gateway.Factory

	reg   *registry.Registry
	disp  *session.Dispatcher
	sched *sched.Service
	api   *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Push: logx.PushConfig{
			Enabled:    cfg.Logging.Push.Enabled,
			MinLevel:   cfg.Logging.Push.MinLevel,
			RatePerSec: cfg.Logging.Push.RatePerSec,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	bus := notify.New()
	// Warn+ process logs are forwarded to dashboard clients.
	logs.SetPushSink(func(level, message string) {
		bus.Publish(notify.Event{
			Type: notify.TypeLog,
			Data: map[string]string{"level": level, "message": message},
		})
	})

	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		return nil, err
	}

	factory, err := buildFactory(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		factory: factory,
	}, nil
}

func buildFactory(cfg GatewayConfig) (gateway.Factory, error) {
	switch cfg.Driver {
	case "", "dev":
		return dev.Factory(dev.Config{RequirePairing: cfg.RequirePairing}), nil
	default:
		return nil, fmt.Errorf("gateway.driver: unknown driver %q", cfg.Driver)
	}
}

func (a *App) timeoutsFrom(cfg *Config) (session.Timeouts, error) {
	to := session.DefaultTimeouts()
	connect, err := parseDurationOrDefault("gateway.connect_timeout", cfg.Gateway.ConnectTimeout, to.Connect)
	if err != nil {
		return to, err
	}
	send, err := parseDurationOrDefault("gateway.send_timeout", cfg.Gateway.SendTimeout, to.Send)
	if err != nil {
		return to, err
	}
	to.Connect = connect
	to.Send = send
	return to, nil
}

func schedConfigFrom(cfg *Config) (sched.Config, error) {
	defTimeout, err := parseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return sched.Config{}, err
	}
	out := sched.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: defTimeout,
	}
	for i, j := range cfg.Scheduler.Jobs {
		timeout, err := parseDurationField(fmt.Sprintf("scheduler.jobs[%d].timeout", i), j.Timeout)
		if err != nil {
			return sched.Config{}, err
		}
		out.Jobs = append(out.Jobs, sched.JobSpec{
			Session: j.Session,
			Kind:    sched.Kind(j.Kind),
			Spec:    j.Spec,
			Timeout: timeout,
		})
	}
	return out, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	timeouts, err := a.timeoutsFrom(cfg)
	if err != nil {
		return err
	}
	idle, err := parseDurationOrDefault("sessions.idle_timeout", cfg.Sessions.IdleTimeout, 30*time.Minute)
	if err != nil {
		return err
	}
	sweep, err := parseDurationOrDefault("sessions.sweep_interval", cfg.Sessions.SweepInterval, time.Minute)
	if err != nil {
		return err
	}

	a.reg = registry.New(registry.Options{
		Max:           cfg.Sessions.Max,
		IdleTimeout:   idle,
		SweepInterval: sweep,
		Store:         session.NewDirStore(cfg.Sessions.Dir),
		Bus:           a.bus,
		Factory:       a.factory,
		Timeouts:      timeouts,
		Log:           a.log,
		Sup:           a.sup,
		Audit:         a.store,
	})
	a.reg.Start()

	a.disp = session.NewDispatcher(a.log, a.store)

	schedCfg, err := schedConfigFrom(cfg)
	if err != nil {
		return err
	}
	a.sched = sched.New(schedCfg, a, a.log)
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.api = httpapi.New(httpapi.Options{
		Addr:           cfg.Server.Addr,
		RequestsPerMin: cfg.Server.RequestsPerMin,
		Registry:       a.reg,
		Dispatcher:     a.disp,
		Bus:            a.bus,
		Store:          a.store,
		Sched:          a.sched,
		Log:            a.log,
		Sup:            a.sup,
	})
	a.sup.Go("http.serve", a.api.Start)

	// Hot reload: the watcher publishes validated documents only.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case newCfg, open := <-sub:
				if !open {
					return
				}
				a.applyReload(c, newCfg)
			}
		}
	})

	a.log.Info("app started", logx.String("addr", cfg.Server.Addr))
	return nil
}

// applyReload pushes the hot-reloadable parts of a new config into the
// running services. Server address, storage driver and gateway driver
// changes need a restart.
func (a *App) applyReload(ctx context.Context, cfg *Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Push: logx.PushConfig{
			Enabled:    cfg.Logging.Push.Enabled,
			MinLevel:   cfg.Logging.Push.MinLevel,
			RatePerSec: cfg.Logging.Push.RatePerSec,
		},
	})

	schedCfg, err := schedConfigFrom(cfg)
	if err != nil {
		a.log.Warn("scheduler config rejected on reload", logx.Err(err))
	} else if err := a.sched.Apply(ctx, schedCfg); err != nil {
		a.log.Warn("scheduler reload failed", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

// Done is closed when the supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.sched.Stop(stopCtx)
	cancel()

	a.reg.Shutdown()

	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("shutdown wait", logx.Err(err))
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return nil
}

// ---- sched.Runner ----

// RunDispatch brings the tenant's session up if needed and drains its
// invite queue.
func (a *App) RunDispatch(ctx context.Context, sessionKey string) error {
	s, err := a.reg.GetOrCreate(sessionKey)
	if err != nil {
		return err
	}
	if err := a.ensureReady(ctx, s); err != nil {
		return err
	}
	sent, err := a.disp.Start(ctx, s)
	if err != nil {
		return err
	}
	a.log.Info("scheduled dispatch done",
		logx.String("session", sessionKey),
		logx.Int("sent", sent))
	return nil
}

// RunCleanup removes every non-bot participant from the tenant's group.
func (a *App) RunCleanup(ctx context.Context, sessionKey string) error {
	s, err := a.reg.GetOrCreate(sessionKey)
	if err != nil {
		return err
	}
	if err := a.ensureReady(ctx, s); err != nil {
		return err
	}
	removed, err := s.CleanupGroup(ctx)
	if err != nil {
		return err
	}
	a.log.Info("scheduled cleanup done",
		logx.String("session", sessionKey),
		logx.Int("removed", removed))
	return nil
}

// ensureReady connects a dormant session and waits for it to come up.
// Sessions that need interactive pairing won't get there; the job fails
// and the operator sees it in the scheduler history.
func (a *App) ensureReady(ctx context.Context, s *session.Session) error {
	if s.Status() == session.StateReady {
		return nil
	}
	if err := s.Initialize(); err != nil {
		return err
	}
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("session %s not ready: %w", s.Key(), ctx.Err())
		case <-tick.C:
			switch s.Status() {
			case session.StateReady:
				return nil
			case session.StateDisconnected, session.StateDestroyed:
				return session.ErrNotReady
			}
		}
	}
}

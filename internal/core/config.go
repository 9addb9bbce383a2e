package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"invitebot/pkg/logx"
)

// envOverrides are applied on top of the loaded document on every load,
// so container deployments can tune the hot knobs without editing files.
type envOverrides struct {
	MaxSessions    int    `env:"INVITEBOT_MAX_SESSIONS"`
	SessionTimeout string `env:"INVITEBOT_SESSION_TIMEOUT"`
	Addr           string `env:"INVITEBOT_ADDR"`
	DataDir        string `env:"INVITEBOT_DATA_DIR"`
}

// ConfigManager loads the app config, revalidates it on file changes and
// fans accepted documents out to subscribers. A document that fails
// validation is rejected; the previous one stays active.
type ConfigManager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	subs []chan *Config
	log  logx.Logger
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *ConfigManager) Load() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(m.path)) {
	case ".yaml", ".yml":
		// YAML documents go through a JSON round trip so one set of
		// struct tags serves both formats.
		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", m.path, err)
		}
		jb, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("coerce %s: %w", m.path, err)
		}
		if err := json.Unmarshal(jb, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", m.path, err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", m.path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if ov.MaxSessions > 0 {
		cfg.Sessions.Max = ov.MaxSessions
	}
	if ov.SessionTimeout != "" {
		cfg.Sessions.IdleTimeout = ov.SessionTimeout
	}
	if ov.Addr != "" {
		cfg.Server.Addr = ov.Addr
	}
	if ov.DataDir != "" {
		cfg.Sessions.Dir = filepath.Join(ov.DataDir, "sessions")
		if cfg.Storage.Driver != "" && cfg.Storage.Driver != "none" {
			cfg.Storage.Path = filepath.Join(ov.DataDir, filepath.Base(cfg.Storage.Path))
		}
	}
	return nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *ConfigManager) publish(cfg *Config) {
	m.mu.RLock()
	subs := append([]chan *Config{}, m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// drop on a slow subscriber
		}
	}
}

// Watch reloads and publishes the config whenever the file changes on
// disk. Events are debounced so editors writing in multiple steps produce
// one reload.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := m.Load()
			if err != nil {
				m.mu.RLock()
				log := m.log
				m.mu.RUnlock()
				log.Warn("config reload rejected", logx.Err(err))
				return
			}
			m.publish(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}

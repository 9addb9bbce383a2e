package core

import (
	"fmt"
	"strings"
	"time"
)

// Config is the app-level document loaded from disk (JSON or YAML).
// Durations are Go duration strings (e.g. "30m", "90s").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Sessions  SessionsConfig  `json:"sessions"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// RequestsPerMin caps API traffic per client IP. 0 disables limiting.
	RequestsPerMin int `json:"requests_per_min"`
}

type SessionsConfig struct {
	Max           int    `json:"max"`
	IdleTimeout   string `json:"idle_timeout"`
	SweepInterval string `json:"sweep_interval"`
	Dir           string `json:"dir"`
}

type GatewayConfig struct {
	// Driver selects the messaging backend. "dev" is the loopback driver.
	Driver         string `json:"driver"`
	RequirePairing bool   `json:"require_pairing"`
	ConnectTimeout string `json:"connect_timeout"`
	SendTimeout    string `json:"send_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Push    LoggingPush `json:"push"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingPush forwards warn+ records to connected dashboard clients.
type LoggingPush struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	Enabled        bool     `json:"enabled"`
	Timezone       string   `json:"timezone,omitempty"`
	DefaultTimeout string   `json:"default_timeout"`
	Jobs           []JobRaw `json:"jobs"`
}

type JobRaw struct {
	Session string `json:"session"`
	Kind    string `json:"kind"`
	Spec    string `json:"spec"`
	Timeout string `json:"timeout,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Defaults returns the shipped configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestsPerMin: 300,
		},
		Sessions: SessionsConfig{
			Max:           5,
			IdleTimeout:   "30m",
			SweepInterval: "1m",
			Dir:           "data/sessions",
		},
		Gateway: GatewayConfig{
			Driver:         "dev",
			RequirePairing: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Push:    LoggingPush{Enabled: true, MinLevel: "warn", RatePerSec: 2},
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   "data/audit.jsonl",
		},
	}
}

// Validate rejects documents the app cannot run with. It is also the
// hot-reload gate: a bad document on disk keeps the previous one active.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Sessions.Max < 1 {
		return fmt.Errorf("sessions.max must be >= 1")
	}
	if strings.TrimSpace(c.Sessions.Dir) == "" {
		return fmt.Errorf("sessions.dir is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"sessions.idle_timeout", c.Sessions.IdleTimeout},
		{"sessions.sweep_interval", c.Sessions.SweepInterval},
		{"gateway.connect_timeout", c.Gateway.ConnectTimeout},
		{"gateway.send_timeout", c.Gateway.SendTimeout},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := parseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for i, j := range c.Scheduler.Jobs {
		if strings.TrimSpace(j.Session) == "" {
			return fmt.Errorf("scheduler.jobs[%d]: session is required", i)
		}
		if j.Kind != "dispatch" && j.Kind != "cleanup" {
			return fmt.Errorf("scheduler.jobs[%d]: unknown kind %q", i, j.Kind)
		}
		if _, err := parseDurationField(fmt.Sprintf("scheduler.jobs[%d].timeout", i), j.Timeout); err != nil {
			return err
		}
	}
	return nil
}

package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONWithDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"server": {"addr": ":9090"},
		"sessions": {"max": 3}
	}`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Sessions.Max != 3 {
		t.Errorf("max = %d, want 3", cfg.Sessions.Max)
	}
	// Untouched sections keep their defaults.
	if cfg.Sessions.IdleTimeout != "30m" {
		t.Errorf("idle_timeout = %q, want default 30m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("storage driver = %q, want default file", cfg.Storage.Driver)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":7070"
sessions:
  max: 2
  idle_timeout: "15m"
scheduler:
  enabled: true
  jobs:
    - session: tenant-a
      kind: dispatch
      spec: "0 9 * * *"
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Sessions.Max != 2 || cfg.Sessions.IdleTimeout != "15m" {
		t.Errorf("sessions = %+v", cfg.Sessions)
	}
	if !cfg.Scheduler.Enabled || len(cfg.Scheduler.Jobs) != 1 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Jobs[0].Kind != "dispatch" {
		t.Errorf("job kind = %q", cfg.Scheduler.Jobs[0].Kind)
	}
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"zero max", `{"sessions": {"max": 0}}`},
		{"bad duration", `{"sessions": {"idle_timeout": "soon"}}`},
		{"bad job kind", `{"scheduler": {"jobs": [{"session": "a", "kind": "explode", "spec": "@every 1h"}]}}`},
		{"bad timezone", `{"scheduler": {"timezone": "Mars/Olympus"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "config.json", tc.doc)
			if _, err := NewConfigManager(path).Load(); err == nil {
				t.Fatalf("Load accepted %s", tc.doc)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INVITEBOT_MAX_SESSIONS", "9")
	t.Setenv("INVITEBOT_SESSION_TIMEOUT", "45m")
	t.Setenv("INVITEBOT_ADDR", ":6060")
	t.Setenv("INVITEBOT_DATA_DIR", "/var/lib/invitebot")

	path := writeFile(t, "config.json", `{}`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sessions.Max != 9 {
		t.Errorf("max = %d, want 9", cfg.Sessions.Max)
	}
	if cfg.Sessions.IdleTimeout != "45m" {
		t.Errorf("idle_timeout = %q, want 45m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("addr = %q, want :6060", cfg.Server.Addr)
	}
	if cfg.Sessions.Dir != filepath.Join("/var/lib/invitebot", "sessions") {
		t.Errorf("dir = %q", cfg.Sessions.Dir)
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Action names recorded in the audit trail.
const (
	ActionInvite  = "invite"
	ActionMessage = "message"
	ActionCleanup = "cleanup"
)

// AuditEntry records one outbound operation. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Session string    `json:"session"`
	Action  string    `json:"action"`
	Target  string    `json:"target"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

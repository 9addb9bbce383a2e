package session

import (
	"sync"
	"time"
)

// Severity of a session log entry, as shown to the end user.
type Severity string

const (
	SevInfo    Severity = "info"
	SevSuccess Severity = "success"
	SevWarning Severity = "warning"
	SevError   Severity = "error"
)

// LogEntry is one line of the per-session activity feed.
type LogEntry struct {
	Time     time.Time `json:"timestamp"`
	Message  string    `json:"message"`
	Severity Severity  `json:"type"`
}

const logRingCapacity = 100

// logRing is a bounded FIFO of LogEntry. Oldest entries are evicted once
// the capacity is reached.
type logRing struct {
	mu      sync.Mutex
	cap     int
	entries []LogEntry
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = logRingCapacity
	}
	return &logRing{cap: capacity}
}

func (r *logRing) Append(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// Snapshot returns a copy of the current entries, oldest first.
func (r *logRing) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

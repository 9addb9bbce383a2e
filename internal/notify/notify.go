// Package notify fans session events out to the push layer.
//
// It replaces the socket.io room model with an in-process bus: the HTTP
// layer subscribes per session key and streams events to clients.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the events the push layer understands.
type Type string

const (
	TypeStatus           Type = "status"
	TypeQRChallenge      Type = "qr-challenge"
	TypeReady            Type = "ready"
	TypeAuthenticated    Type = "authenticated"
	TypeAuthFailed       Type = "auth-failed"
	TypeDisconnected     Type = "disconnected"
	TypeLog              Type = "log"
	TypeConfigUpdated    Type = "config-updated"
	TypeDispatchProgress Type = "dispatch-progress"
	TypeDispatchEnded    Type = "dispatch-ended"
	TypeIncomingMessage  Type = "incoming-message"
)

// Event is one push notification. SessionKey is empty for process-wide
// events (e.g. forwarded log records).
type Event struct {
	SessionKey string
	Type       Type
	Time       time.Time
	Data       any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events for one session key; an empty key
	// subscribes to everything.
	Subscribe(sessionKey string, buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	key string
	ch  chan Event
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.key == "" || s.key == e.SessionKey {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// Non-blocking delivery; drop on a slow subscriber. If the
		// subscriber unsubscribed concurrently the channel may be
		// closed, so recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(sessionKey string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = &subscriber{key: sessionKey, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

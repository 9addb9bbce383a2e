// Package dev provides a loopback gateway driver for local runs and
// manual testing. It pairs automatically, keeps groups in memory and
// records every message instead of delivering it anywhere.
package dev

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invitebot/internal/gateway"
)

type Config struct {
	// RequirePairing makes Connect emit a pairing challenge first and
	// become ready only after PairDelay. With it off, the driver reports
	// a restored login and goes ready immediately.
	RequirePairing bool
	PairDelay      time.Duration
}

type SentMessage struct {
	Address string
	Body    string
	At      time.Time
}

type Driver struct {
	cfg  Config
	key  string
	done chan struct{}

	mu       sync.Mutex
	events   chan gateway.Event
	closed   bool
	identity gateway.Identity
	groups   map[string]*group
	sent     []SentMessage
	seq      int
}

type group struct {
	id      string
	name    string
	link    string
	members []string
}

// Factory returns a gateway.Factory producing dev drivers.
func Factory(cfg Config) gateway.Factory {
	if cfg.PairDelay <= 0 {
		cfg.PairDelay = 500 * time.Millisecond
	}
	return func(sessionKey, dataDir string) (gateway.Gateway, error) {
		return &Driver{
			cfg:    cfg,
			key:    sessionKey,
			done:   make(chan struct{}),
			groups: map[string]*group{},
			identity: gateway.Identity{
				Address: "dev:" + short(sessionKey),
				Name:    "dev bot",
			},
		}, nil
	}
}

func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func (d *Driver) Connect(ctx context.Context) (<-chan gateway.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gateway.NewFatal("connect", fmt.Errorf("driver closed"))
	}
	if d.events != nil {
		return nil, gateway.NewFatal("connect", fmt.Errorf("already connected"))
	}
	ch := make(chan gateway.Event, 8)
	d.events = ch

	// ctx bounds the connection attempt only; the emitter runs on the
	// driver's own lifetime so the stream survives the dial deadline.
	go func() {
		if d.cfg.RequirePairing {
			d.emit(gateway.Event{Kind: gateway.EventPairing, Challenge: "dev-challenge-" + short(d.key)})
			select {
			case <-d.done:
				return
			case <-time.After(d.cfg.PairDelay):
			}
		}
		d.emit(gateway.Event{Kind: gateway.EventAuthenticated})
		d.emit(gateway.Event{Kind: gateway.EventReady, Identity: d.identity})
	}()
	return ch, nil
}

func (d *Driver) emit(ev gateway.Event) {
	d.mu.Lock()
	ch := d.events
	closed := d.closed
	d.mu.Unlock()
	if ch == nil || closed {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

func (d *Driver) CreateGroup(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", gateway.NewFatal("create_group", fmt.Errorf("driver closed"))
	}
	d.seq++
	g := &group{
		id:      fmt.Sprintf("dev-group-%d", d.seq),
		name:    name,
		members: []string{d.identity.Address},
	}
	d.groups[g.id] = g
	return g.id, nil
}

func (d *Driver) InviteLink(ctx context.Context, groupID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return "", gateway.NewTransient("invite_link", fmt.Errorf("group %s not found", groupID))
	}
	if g.link == "" {
		g.link = fmt.Sprintf("https://chat.example.com/%s-%s", g.id, short(d.key))
	}
	return g.link, nil
}

func (d *Driver) SendMessage(ctx context.Context, address, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gateway.NewFatal("send", fmt.Errorf("driver closed"))
	}
	d.sent = append(d.sent, SentMessage{Address: address, Body: body, At: time.Now()})
	return nil
}

func (d *Driver) Participants(ctx context.Context, groupID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return nil, gateway.NewTransient("participants", fmt.Errorf("group %s not found", groupID))
	}
	return append([]string(nil), g.members...), nil
}

func (d *Driver) RemoveParticipants(ctx context.Context, groupID string, addresses []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return gateway.NewTransient("remove_participants", fmt.Errorf("group %s not found", groupID))
	}
	drop := map[string]bool{}
	for _, a := range addresses {
		drop[a] = true
	}
	kept := g.members[:0]
	for _, m := range g.members {
		if !drop[m] {
			kept = append(kept, m)
		}
	}
	g.members = kept
	return nil
}

func (d *Driver) Groups(ctx context.Context) ([]gateway.GroupInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]gateway.GroupInfo, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, gateway.GroupInfo{ID: g.id, Name: g.name, Participants: len(g.members)})
	}
	return out, nil
}

func (d *Driver) Identity() gateway.Identity { return d.identity }

// Receive injects an inbound message into the event stream, for local
// testing of the push path.
func (d *Driver) Receive(from, body string) {
	d.emit(gateway.Event{Kind: gateway.EventMessage, Message: gateway.Message{From: from, Body: body}})
}

// Sent returns a snapshot of recorded messages.
func (d *Driver) Sent() []SentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentMessage(nil), d.sent...)
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	if d.events != nil {
		close(d.events)
		d.events = nil
	}
	return nil
}

// Package gateway defines the capability a session holds on the messaging
// platform. The concrete driver (browser automation, native protocol, ...)
// lives behind this interface; everything platform-specific stays on the
// driver side.
package gateway

import "context"

// EventKind tags a lifecycle event emitted by a connecting gateway.
type EventKind string

const (
	// EventPairing carries a pairing challenge the end user must scan.
	EventPairing EventKind = "pairing"
	// EventAuthenticated reports credentials were accepted.
	EventAuthenticated EventKind = "authenticated"
	// EventReady reports the link is up and operations may proceed.
	EventReady EventKind = "ready"
	// EventAuthFailed reports the platform rejected the credentials.
	EventAuthFailed EventKind = "auth_failed"
	// EventDisconnected reports link loss.
	EventDisconnected EventKind = "disconnected"
	// EventMessage reports an inbound message on an established link.
	EventMessage EventKind = "message"
)

// Event is one item of a gateway's connect stream.
type Event struct {
	Kind EventKind

	// Challenge is set on EventPairing. Opaque to the core.
	Challenge string

	// Identity is set on EventReady.
	Identity Identity

	// Reason is set on EventAuthFailed and EventDisconnected.
	Reason string

	// Message is set on EventMessage.
	Message Message
}

// Message is an inbound message relayed by the driver.
type Message struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// Identity describes the authenticated account behind a ready gateway.
type Identity struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// GroupInfo is a summary row from Groups.
type GroupInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// Gateway is the messaging capability owned by one session.
//
// All blocking operations take a context; callers wrap them with explicit
// timeouts. Implementations classify their failures via Error so the
// dispatch loop can tell a dead link from a flaky send.
type Gateway interface {
	// Connect starts the link and returns the lifecycle event stream.
	// ctx bounds the connection attempt only. The stream outlives it and
	// is closed when the gateway shuts down.
	Connect(ctx context.Context) (<-chan Event, error)

	// CreateGroup creates a group and returns its platform ID.
	CreateGroup(ctx context.Context, name string) (string, error)

	// InviteLink fetches (or refreshes) the join link for a group.
	InviteLink(ctx context.Context, groupID string) (string, error)

	// SendMessage delivers body to the given canonical address.
	SendMessage(ctx context.Context, address, body string) error

	// Participants lists member addresses of a group.
	Participants(ctx context.Context, groupID string) ([]string, error)

	// RemoveParticipants kicks the given addresses from a group.
	RemoveParticipants(ctx context.Context, groupID string, addresses []string) error

	// Groups lists the groups the account belongs to.
	Groups(ctx context.Context) ([]GroupInfo, error)

	// Identity returns the account identity once ready.
	Identity() Identity

	// Close tears the link down. Idempotent.
	Close() error
}

// Factory builds a gateway for one session. dataDir is the session's private
// directory where the driver may keep its credential blob.
type Factory func(sessionKey, dataDir string) (Gateway, error)

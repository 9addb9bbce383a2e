package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/phone"
	"invitebot/internal/safety"
	"invitebot/internal/storage"
)

const maxMessageLen = 4096

func normalizeInput(raw string) (string, error) {
	canonical, err := phone.Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("%w: bad phone number %q", ErrValidation, raw)
	}
	return canonical, nil
}

// withRetry runs fn with a small fixed retry budget for transient gateway
// failures. Fatal and non-gateway errors are returned immediately.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var last error
	for i := 0; i < attempts; i++ {
		last = fn()
		if last == nil {
			return nil
		}
		var ge *gateway.Error
		if !asGatewayTransient(last, &ge) || i == attempts-1 {
			return last
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return last
}

func asGatewayTransient(err error, ge **gateway.Error) bool {
	if err == nil {
		return false
	}
	return errors.As(err, ge) && (*ge).Kind == gateway.Transient
}

// CreateGroup creates a fresh group and resets the invite bookkeeping:
// a new group means a new campaign, so history, daily stats and the old
// invite link are cleared.
func (s *Session) CreateGroup(ctx context.Context, name string) (string, error) {
	s.Touch()
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: group name is required", ErrValidation)
	}
	gw, err := s.gatewayHandle()
	if err != nil {
		return "", err
	}

	s.logf(SevInfo, "creating group %q...", name)

	var groupID string
	err = withRetry(ctx, 3, time.Second, func() error {
		cctx, cancel := context.WithTimeout(ctx, s.timeouts.GroupCreate)
		defer cancel()
		id, err := gw.CreateGroup(cctx, name)
		if err != nil {
			return err
		}
		groupID = id
		return nil
	})
	if err != nil {
		s.logf(SevError, "group creation failed: %v", err)
		if gateway.IsFatal(err) {
			s.forceDisconnect("group creation failed fatally")
		}
		return "", err
	}

	if uerr := s.UpdateConfig(func(c *Config) {
		c.Group.Name = name
		c.Group.GroupID = groupID
		c.Group.InviteLink = ""
		c.InviteHistory = map[string]HistoryEntry{}
		c.DailyStats = safety.DailyStats{}
	}); uerr != nil {
		return groupID, uerr
	}

	s.logf(SevSuccess, "group created: %s", groupID)
	return groupID, nil
}

// FetchInviteLink gets (or refreshes) the group's join link and persists it.
func (s *Session) FetchInviteLink(ctx context.Context) (string, error) {
	s.Touch()
	gw, err := s.gatewayHandle()
	if err != nil {
		return "", err
	}
	groupID := s.ConfigSnapshot().Group.GroupID
	if groupID == "" {
		return "", ErrNoGroup
	}

	s.logf(SevInfo, "fetching invite link...")

	var link string
	err = withRetry(ctx, 3, time.Second, func() error {
		lctx, cancel := context.WithTimeout(ctx, s.timeouts.LinkFetch)
		defer cancel()
		l, err := gw.InviteLink(lctx, groupID)
		if err != nil {
			return err
		}
		link = l
		return nil
	})
	if err != nil {
		s.logf(SevError, "invite link fetch failed: %v", err)
		if gateway.IsFatal(err) {
			s.forceDisconnect("invite link fetch failed fatally")
		}
		return "", err
	}

	if uerr := s.UpdateConfig(func(c *Config) { c.Group.InviteLink = link }); uerr != nil {
		return link, uerr
	}
	s.logf(SevSuccess, "invite link: %s", link)
	return link, nil
}

// CleanupGroup removes every participant except the bot itself. Individual
// removal failures are logged and skipped; a fatal gateway failure aborts.
func (s *Session) CleanupGroup(ctx context.Context) (int, error) {
	s.Touch()
	gw, err := s.gatewayHandle()
	if err != nil {
		return 0, err
	}
	groupID := s.ConfigSnapshot().Group.GroupID
	if groupID == "" {
		return 0, ErrNoGroup
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeouts.LinkFetch)
	participants, err := gw.Participants(lctx, groupID)
	cancel()
	if err != nil {
		s.logf(SevError, "participant list failed: %v", err)
		if gateway.IsFatal(err) {
			s.forceDisconnect("participant list failed fatally")
		}
		return 0, err
	}

	self := gw.Identity().Address
	removed := 0
	for _, p := range participants {
		if p == self {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		rctx, cancel := context.WithTimeout(ctx, s.timeouts.Send)
		err := gw.RemoveParticipants(rctx, groupID, []string{p})
		cancel()
		s.auditRecord(storage.ActionCleanup, p, time.Since(start), err)
		if err != nil {
			if gateway.IsFatal(err) {
				s.logf(SevError, "cleanup aborted: %v", err)
				s.forceDisconnect("participant removal failed fatally")
				return removed, err
			}
			s.logf(SevError, "removal failed for %s: %v", p, err)
			continue
		}
		removed++
		s.logf(SevSuccess, "participant removed: %s", p)

		select {
		case <-ctx.Done():
			s.logf(SevWarning, "cleanup stopped: %d removed", removed)
			return removed, ctx.Err()
		case <-time.After(s.timeouts.CleanupPause):
		}
	}

	s.logf(SevSuccess, "group cleaned: %d participants removed", removed)
	return removed, nil
}

// ListGroups returns the groups the bot account belongs to.
func (s *Session) ListGroups(ctx context.Context) ([]gateway.GroupInfo, error) {
	s.Touch()
	gw, err := s.gatewayHandle()
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, s.timeouts.LinkFetch)
	defer cancel()
	return gw.Groups(lctx)
}

// SendMessage delivers one ad-hoc message outside the invite flow.
func (s *Session) SendMessage(ctx context.Context, to, body string) error {
	s.Touch()
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if len(body) > maxMessageLen {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrValidation, maxMessageLen)
	}
	address, err := normalizeInput(to)
	if err != nil {
		return err
	}
	gw, gerr := s.gatewayHandle()
	if gerr != nil {
		return gerr
	}

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Send)
	err = gw.SendMessage(sctx, address, body)
	cancel()
	s.auditRecord(storage.ActionMessage, address, time.Since(start), err)
	if err != nil {
		s.logf(SevError, "send failed (%s): %v", address, err)
		if gateway.IsFatal(err) {
			s.forceDisconnect("send failed fatally")
		}
		return err
	}
	s.logf(SevSuccess, "message sent: %s", address)
	return nil
}

// BulkResult is the outcome for one address of a bulk send.
type BulkResult struct {
	Number string `json:"number"`
	OK     bool   `json:"success"`
	Error  string `json:"error,omitempty"`
}

// SendBulk sends body to each number sequentially with a short pause
// between sends. Per-number failures are collected, not fatal, unless the
// gateway reports the link dead.
func (s *Session) SendBulk(ctx context.Context, numbers []string, body string) ([]BulkResult, error) {
	results := make([]BulkResult, 0, len(numbers))
	for _, n := range numbers {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		err := s.SendMessage(ctx, n, body)
		r := BulkResult{Number: n, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
		if gateway.IsFatal(err) {
			return results, err
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(s.timeouts.BulkPause):
		}
	}
	return results, nil
}

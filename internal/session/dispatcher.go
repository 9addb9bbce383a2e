package session

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"invitebot/internal/gateway"
	"invitebot/internal/notify"
	"invitebot/internal/phone"
	"invitebot/internal/safety"
	"invitebot/internal/storage"
	"invitebot/pkg/logx"
)

// inviteTemplates are the rotating message bodies; each takes the group
// name and the invite link.
var inviteTemplates = []string{
	"Hello,\n\nYou are invited to join the %s group.\n\nJoin link:\n%s",
	"Hi,\n\nThe %s group is waiting for you:\n\n%s",
	"Your invitation to the %s group:\n\n%s",
	"Hello,\n\nA group has been set up for %s:\n\n%s",
}

const persistEverySends = 5

// Progress is pushed after every successful send.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
	Contact string `json:"number"`
}

// Summary is pushed when a dispatch run ends, however it ended.
type Summary struct {
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
	Total   int    `json:"total"`
	Reason  string `json:"reason"` // completed | quota | canceled | aborted
}

// Dispatcher drains a session's contact list through its gateway under
// the safety policy. One Dispatcher serves all sessions; per-session
// single-flight is enforced by the session's dispatch flag.
type Dispatcher struct {
	log   logx.Logger
	audit storage.Store // nil disables the audit trail
}

func NewDispatcher(log logx.Logger, audit storage.Store) *Dispatcher {
	return &Dispatcher{log: log, audit: audit}
}

// Cancel requests a cooperative stop of the session's running dispatch,
// if any. The loop observes it at its next cancellation point; an
// in-flight send is never interrupted.
func (d *Dispatcher) Cancel(s *Session) {
	if s.cancelDispatch() {
		s.logf(SevWarning, "invite dispatch cancel requested")
	}
}

// Start runs the invite loop for one session and returns the number of
// invites sent. Aborts (link loss, quota, cancel) are normal outcomes and
// return the partial count; only precondition violations return an error.
func (d *Dispatcher) Start(ctx context.Context, s *Session) (int, error) {
	s.Touch()

	if s.Status() != StateReady {
		return 0, ErrNotReady
	}
	cfg := s.ConfigSnapshot()
	if cfg.Group.GroupID == "" {
		return 0, ErrNoGroup
	}

	runCtx, ok := s.beginDispatch(ctx)
	if !ok {
		return 0, ErrAlreadyDispatching
	}

	total := len(cfg.Contacts)
	summary := Summary{Total: total, Reason: "completed"}
	defer func() {
		s.persist()
		s.endDispatch()
		s.publish(notify.TypeDispatchEnded, summary)
		s.logf(SevSuccess, "dispatch finished: %d sent, %d skipped", summary.Sent, summary.Skipped)
	}()

	link, err := d.resolveInviteLink(runCtx, s, cfg.Group.InviteLink)
	if err != nil {
		summary.Reason = "aborted"
		return 0, err
	}

	s.logf(SevInfo, "invite dispatch starting: %d numbers", total)

	sent, skipped := 0, 0

	for i, contact := range cfg.Contacts {
		// Cancellation point: cooperative cancel, shutdown, or the
		// session leaving Ready all stop the whole run.
		if runCtx.Err() != nil {
			s.logf(SevWarning, "dispatch stopped at %d/%d", i, total)
			summary.Reason = "canceled"
			break
		}
		if s.Status() != StateReady {
			s.logf(SevWarning, "dispatch aborted: session left ready state")
			summary.Reason = "aborted"
			break
		}

		// Contacts are validated on entry, but the config may predate
		// the current rules; skip anything that no longer passes.
		if !phone.Valid(contact) {
			skipped++
			summary.Skipped = skipped
			continue
		}

		if !s.admitSend() {
			limit := s.ConfigSnapshot().Safety.DailyLimit
			s.logf(SevWarning, "daily limit reached (%d), stopping", limit)
			summary.Reason = "quota"
			break
		}

		body := inviteBody(cfg.Safety.MessageVariants, cfg.Group.Name, link)

		s.logf(SevInfo, "[%d/%d] sending invite: %s", i+1, total, contact)
		start := time.Now()
		err := d.sendOne(runCtx, s, contact, body)
		took := time.Since(start)

		switch {
		case err == nil:
			sent++
			s.recordSend(contact)
			if sent%persistEverySends == 0 {
				s.persist()
			}
			s.logf(SevSuccess, "[%d] invite sent: %s", sent, contact)
			d.recordAudit(s.key, contact, true, "", took)
			summary.Sent = sent
			s.publish(notify.TypeDispatchProgress, Progress{
				Current: i + 1, Total: total, Sent: sent, Skipped: skipped, Contact: contact,
			})

		case gateway.IsFatal(err):
			s.logf(SevError, "fatal send error: %v", err)
			d.recordAudit(s.key, contact, false, err.Error(), took)
			s.forceDisconnect("invite send failed fatally")
			summary.Reason = "aborted"
			return sent, nil

		default:
			// Transient failure: skip this contact, keep going. No
			// per-contact retry, to keep quota and order accounting
			// simple.
			skipped++
			summary.Skipped = skipped
			s.logf(SevError, "send failed (%s): %v", contact, err)
			d.recordAudit(s.key, contact, false, err.Error(), took)
		}

		if i == total-1 {
			break
		}

		// The randomized pause is the primary anti-abuse defense; it is
		// also a cancellation point.
		delay := safety.JitterDelay(cfg.Safety.MinDelayMS, cfg.Safety.MaxDelayMS)
		select {
		case <-runCtx.Done():
			s.logf(SevWarning, "dispatch stopped during delay at %d/%d", i+1, total)
			summary.Reason = "canceled"
			return sent, nil
		case <-time.After(delay):
		}
	}

	return sent, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, s *Session, contact, body string) error {
	gw, err := s.gatewayHandle()
	if err != nil {
		return gateway.NewFatal("send", err)
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Send)
	defer cancel()
	return gw.SendMessage(sctx, contact, body)
}

// resolveInviteLink reuses the stored link when it still looks like a
// URL; otherwise it fetches a fresh one (which also persists it).
func (d *Dispatcher) resolveInviteLink(ctx context.Context, s *Session, stored string) (string, error) {
	if looksLikeLink(stored) {
		return stored, nil
	}
	return s.FetchInviteLink(ctx)
}

func looksLikeLink(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func inviteBody(useVariants bool, groupName, link string) string {
	tpl := inviteTemplates[0]
	if useVariants {
		tpl = inviteTemplates[rand.Intn(len(inviteTemplates))]
	}
	return fmt.Sprintf(tpl, groupName, link)
}

func (d *Dispatcher) recordAudit(sessionKey, contact string, ok bool, errMsg string, took time.Duration) {
	if d.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now(),
		Session: sessionKey,
		Action:  storage.ActionInvite,
		Target:  contact,
		OK:      ok,
		Error:   errMsg,
		TookMS:  took.Milliseconds(),
	}
	if err := d.audit.AppendAudit(context.Background(), e); err != nil {
		d.log.Warn("audit append failed", logx.Err(err))
	}
}

// ---- session-side dispatch bookkeeping ----

// beginDispatch atomically claims the single dispatch slot and derives
// the run context whose cancellation the loop observes.
func (s *Session) beginDispatch(parent context.Context) (context.Context, bool) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dispatching {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.dispatching = true
	s.dcancel = cancel
	return ctx, true
}

func (s *Session) endDispatch() {
	s.dmu.Lock()
	if s.dcancel != nil {
		s.dcancel()
		s.dcancel = nil
	}
	s.dispatching = false
	s.dmu.Unlock()
}

// cancelDispatch reports whether a running dispatch was told to stop.
func (s *Session) cancelDispatch() bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if !s.dispatching || s.dcancel == nil {
		return false
	}
	s.dcancel()
	return true
}

// CancelDispatch requests a cooperative stop of a running dispatch.
func (s *Session) CancelDispatch() { s.cancelDispatch() }

// Dispatching reports whether an invite run holds the dispatch slot.
func (s *Session) Dispatching() bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	return s.dispatching
}

// admitSend rolls the daily stats over to today and reports whether one
// more send fits under the daily limit. The count itself is bumped only
// after a successful send (recordSend); with the dispatch slot held there
// is no concurrent sender, so the limit cannot be overshot.
func (s *Session) admitSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DailyStats = safety.Rollover(s.cfg.DailyStats, safety.Day(time.Now()))
	return safety.CanSend(s.cfg.DailyStats, s.cfg.Safety.DailyLimit)
}

// recordSend updates history and daily stats after a successful send.
func (s *Session) recordSend(contact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.cfg.InviteHistory[contact]
	h.SendCount++
	h.LastSentAt = time.Now()
	s.cfg.InviteHistory[contact] = h
	s.cfg.DailyStats.Count++
}

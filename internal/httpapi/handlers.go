package httpapi

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"invitebot/internal/phone"
	"invitebot/internal/safety"
	"invitebot/internal/session"
	"invitebot/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"sessions": s.opts.Registry.Len()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Registry.Stats()
	ok(w, map[string]any{
		"activeSessions":   st.Active,
		"maxSessions":      st.Max,
		"readyCount":       st.Ready,
		"dispatchingCount": st.Dispatching,
		"sessions":         st.Sessions,
	})
}

func (s *Server) handleSchedulerHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sched == nil {
		ok(w, map[string]any{"history": []any{}})
		return
	}
	ok(w, map[string]any{"history": s.opts.Sched.History()})
}

// ---- session lifecycle ----

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	// Bare lowercase hex; the key doubles as a directory name and an
	// unguessable handle, so no separators.
	u := uuid.New()
	key := hex.EncodeToString(u[:])
	sess, err := s.opts.Registry.GetOrCreate(key)
	if err != nil {
		fail(w, err)
		return
	}
	if err := sess.Initialize(); err != nil {
		s.opts.Registry.Remove(key)
		fail(w, err)
		return
	}
	ok(w, map[string]any{"sessionId": key})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	info := sess.Snapshot()
	ok(w, map[string]any{"status": info})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	if err := sess.Restart(r.Context()); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Registry.Remove(chi.URLParam(r, "id")) {
		fail(w, errSessionNotFound)
		return
	}
	ok(w, nil)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"logs": sess.Logs()})
}

// ---- config ----

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"config": sess.ConfigSnapshot()})
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var cfg session.Config
	if err := decodeBody(r, &cfg); err != nil {
		fail(w, err)
		return
	}
	if err := sess.ReplaceConfig(&cfg); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"config": sess.ConfigSnapshot()})
}

func (s *Server) handleInviteStats(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	cfg := sess.ConfigSnapshot()
	stats := safety.Rollover(cfg.DailyStats, safety.Day(time.Now()))
	ok(w, map[string]any{
		"inviteStats": stats,
		"remaining":   safety.RemainingQuota(stats, cfg.Safety.DailyLimit),
		"dailyLimit":  cfg.Safety.DailyLimit,
		"history":     cfg.InviteHistory,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	if s.opts.Store == nil {
		ok(w, map[string]any{"audit": []any{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.opts.Store.RecentAudit(r.Context(), sess.Key(), limit)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"audit": entries})
}

// ---- group operations ----

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Name string `json:"groupName"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	id, err := sess.CreateGroup(r.Context(), body.Name)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"groupId": id})
}

func (s *Server) handleInviteLink(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	link, err := sess.FetchInviteLink(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"inviteLink": link})
}

func (s *Server) handleGroupCleanup(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	removed, err := sess.CleanupGroup(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"removedCount": removed})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	groups, err := sess.ListGroups(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"groups": groups})
}

// ---- invite dispatch ----

func (s *Server) handleSendInvites(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}

	// Fail the request on precondition errors, then let the run continue
	// in the background; progress goes out over the event stream.
	if sess.Status() != session.StateReady {
		fail(w, session.ErrNotReady)
		return
	}
	if sess.ConfigSnapshot().Group.GroupID == "" {
		fail(w, session.ErrNoGroup)
		return
	}
	if sess.Dispatching() {
		fail(w, session.ErrAlreadyDispatching)
		return
	}

	s.opts.Sup.Go0("dispatch."+sess.Key(), func(ctx context.Context) {
		sent, err := s.opts.Dispatcher.Start(ctx, sess)
		if err != nil && !errors.Is(err, session.ErrAlreadyDispatching) {
			s.log.Warn("dispatch run failed",
				logx.String("session", sess.Key()),
				logx.Int("sent", sent),
				logx.Err(err))
		}
	})
	ok(w, map[string]any{"started": true})
}

func (s *Server) handleCancelInvites(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	s.opts.Dispatcher.Cancel(sess)
	ok(w, nil)
}

// ---- direct messages ----

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Number  string `json:"number"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	if err := sess.SendMessage(r.Context(), body.Number, body.Message); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleMessageSendBulk(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Numbers []string `json:"numbers"`
		Message string   `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	results, err := sess.SendBulk(r.Context(), body.Numbers, body.Message)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"results": results})
}

// ---- contact list ----

func (s *Server) handleNumberAdd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Number string `json:"number"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	numbers, err := sess.AddContact(body.Number)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"numbers": numbers})
}

func (s *Server) handleNumberAddBulk(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Numbers []string `json:"numbers"`
		Text    string   `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	raw := body.Numbers
	if body.Text != "" {
		raw = append(raw, phone.SplitList(body.Text)...)
	}
	res, err := sess.AddContactsBulk(raw)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"addedCount":     res.Added,
		"totalProvided":  res.Valid,
		"invalidNumbers": res.Invalid,
		"numbers":        res.Contacts,
	})
}

func (s *Server) handleNumberRemove(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Number string `json:"number"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	numbers, err := sess.RemoveContact(body.Number)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"numbers": numbers})
}

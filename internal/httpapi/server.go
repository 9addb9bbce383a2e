// Package httpapi exposes the dashboard/automation REST surface and the
// event stream. It is a thin translation layer: validation and state
// transitions live in the session and registry packages.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"invitebot/internal/notify"
	"invitebot/internal/registry"
	"invitebot/internal/runtime/supervisor"
	"invitebot/internal/sched"
	"invitebot/internal/session"
	"invitebot/internal/storage"
	"invitebot/pkg/logx"
)

type Options struct {
	Addr           string
	RequestsPerMin int
	Registry       *registry.Registry
	Dispatcher     *session.Dispatcher
	Bus            notify.Bus
	Store          storage.Store // nil when audit storage is disabled
	Sched          *sched.Service
	Log            logx.Logger
	Sup            *supervisor.Supervisor
}

type Server struct {
	opts   Options
	log    logx.Logger
	router chi.Router
	http   *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		log:  opts.Log.With(logx.String("component", "http")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if opts.RequestsPerMin > 0 {
		r.Use(httprate.LimitByIP(opts.RequestsPerMin, time.Minute))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
		r.Get("/scheduler/history", s.handleSchedulerHistory)

		r.Post("/session/create", s.handleSessionCreate)
		r.Route("/session/{id}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/restart", s.handleRestart)
			r.Delete("/", s.handleSessionDelete)
			r.Get("/logs", s.handleLogs)
			r.Get("/config", s.handleConfigGet)
			r.Post("/config", s.handleConfigPost)
			r.Get("/invite-stats", s.handleInviteStats)
			r.Get("/audit", s.handleAudit)

			r.Post("/group/create", s.handleGroupCreate)
			r.Get("/group/invite-link", s.handleInviteLink)
			r.Post("/group/cleanup", s.handleGroupCleanup)
			r.Get("/groups", s.handleGroups)

			r.Post("/send-invites", s.handleSendInvites)
			r.Post("/cancel-invites", s.handleCancelInvites)

			r.Post("/message/send", s.handleMessageSend)
			r.Post("/message/send-bulk", s.handleMessageSendBulk)

			r.Post("/numbers/add", s.handleNumberAdd)
			r.Post("/numbers/add-bulk", s.handleNumberAddBulk)
			r.Post("/numbers/remove", s.handleNumberRemove)
		})
	})

	s.router = r
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is canceled. Intended to run under the
// supervisor; the listen error is fatal.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", logx.String("addr", s.opts.Addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

// ---- response envelope ----

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, fields map[string]any) {
	payload := map[string]any{"success": true}
	for k, v := range fields {
		payload[k] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

func fail(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, session.ErrValidation):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, session.ErrNotReady):
		status, kind = http.StatusConflict, "not_ready"
	case errors.Is(err, session.ErrNoGroup):
		status, kind = http.StatusConflict, "no_group"
	case errors.Is(err, session.ErrAlreadyDispatching):
		status, kind = http.StatusConflict, "already_dispatching"
	case errors.Is(err, session.ErrAlreadyInitializing):
		status, kind = http.StatusConflict, "already_initializing"
	case errors.Is(err, session.ErrDestroyed):
		status, kind = http.StatusGone, "destroyed"
	case errors.Is(err, errSessionNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrCapacityExceeded):
		status, kind = http.StatusServiceUnavailable, "capacity"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   errorBody{Kind: kind, Message: err.Error()},
	})
}

var errSessionNotFound = errors.New("session not found")

// lookup resolves the {id} route param to a live session.
func (s *Server) lookup(r *http.Request) (*session.Session, error) {
	id := chi.URLParam(r, "id")
	sess, found := s.opts.Registry.Get(id)
	if !found {
		return nil, errSessionNotFound
	}
	return sess, nil
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.Join(session.ErrValidation, err)
	}
	return nil
}

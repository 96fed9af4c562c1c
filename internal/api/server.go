// Package api serves the enqueue and status endpoints of the agent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"rentsync/internal/domain"
	"rentsync/internal/notify"
	"rentsync/internal/queue"
	"rentsync/internal/syncer"
)

// Coordinator is the part of *syncer.Coordinator the API drives.
type Coordinator interface {
	AddToQueue(ctx context.Context, a domain.Action) (domain.QueuedAction, error)
	Submit(ctx context.Context, a domain.Action, deferred bool) (syncer.SubmitResult, error)
	SyncQueue(ctx context.Context) (syncer.Summary, bool)
	Snapshot() []domain.QueuedAction
	Status() syncer.Status
}

type Connectivity interface {
	Set(online bool, reason string) bool
}

type Feed interface {
	Recent(limit int) []notify.Notification
}

// Deps are the collaborators of the server. Journal may be nil.
type Deps struct {
	Coordinator  Coordinator
	Connectivity Connectivity
	Feed         Feed
	Journal      queue.Journal
	Debug        bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Post("/actions", s.submitAction)
		r.Post("/queue", s.enqueue)
		r.Get("/queue", s.listQueue)
		r.Get("/status", s.status)
		r.Post("/sync", s.sync)
		r.Get("/notifications", s.notifications)
		r.Get("/attempts", s.attempts)
		r.Put("/connectivity", s.setConnectivity)
	})

	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Coordinator.Status()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "rentsync_up 1\n")
	fmt.Fprintf(w, "rentsync_queue_length %d\n", st.QueueLength)
	fmt.Fprintf(w, "rentsync_syncing %d\n", b2i(st.IsSyncing))
	fmt.Fprintf(w, "rentsync_online %d\n", b2i(st.IsOnline))
	fmt.Fprintf(w, "rentsync_synced_total %d\n", st.Synced)
	fmt.Fprintf(w, "rentsync_abandoned_total %d\n", st.Abandoned)
}

type actionReq struct {
	Type    domain.Kind     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Defer   bool            `json:"defer"`
}

func decodeAction(r *http.Request) (actionReq, domain.Action, error) {
	var req actionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, err
	}
	if req.Type == "" {
		return req, nil, errors.New("type is required")
	}
	a, err := domain.DecodeAction(req.Type, req.Payload)
	return req, a, err
}

func (s *Server) submitAction(w http.ResponseWriter, r *http.Request) {
	req, a, err := decodeAction(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.deps.Coordinator.Submit(r.Context(), a, req.Defer)
	switch {
	case errors.Is(err, syncer.ErrRejected):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, domain.ErrInvalid):
		http.Error(w, err.Error(), 400)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	code := http.StatusAccepted
	if res.Outcome == syncer.OutcomeApplied {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	_, a, err := decodeAction(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	qa, err := s.deps.Coordinator.AddToQueue(r.Context(), a)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusAccepted, qa)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.deps.Coordinator.Snapshot())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.deps.Coordinator.Status())
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	// the cycle outlives a client that hangs up
	sum, ran := s.deps.Coordinator.SyncQueue(context.WithoutCancel(r.Context()))
	if !ran {
		http.Error(w, "sync already in progress", http.StatusConflict)
		return
	}
	writeJSON(w, 200, sum)
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if s.deps.Feed == nil {
		writeJSON(w, 200, []notify.Notification{})
		return
	}
	writeJSON(w, 200, s.deps.Feed.Recent(limit))
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		http.Error(w, "attempt journal not available", 404)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	out, err := s.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list attempts")
		http.Error(w, err.Error(), 500)
		return
	}
	if out == nil {
		out = []queue.Attempt{}
	}
	writeJSON(w, 200, out)
}

type connectivityReq struct {
	Online *bool `json:"online"`
}

func (s *Server) setConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connectivity == nil {
		http.Error(w, "connectivity override not available", 404)
		return
	}
	var req connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Online == nil {
		http.Error(w, "online is required", 400)
		return
	}
	s.deps.Connectivity.Set(*req.Online, "manual override")
	writeJSON(w, 200, s.deps.Coordinator.Status())
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

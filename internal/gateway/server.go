// Package gateway is the HTTP face of the token service: it mints ephemeral
// realtime credentials against the upstream API so the console never holds
// the long-lived API key, and tracks the minted sessions until they expire.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/avencel/parley/internal/config"
	"github.com/avencel/parley/internal/eventlog"
	"github.com/avencel/parley/internal/observability"
	"github.com/avencel/parley/internal/perf"
	"github.com/avencel/parley/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	minter   *Minter
	metrics  *observability.Metrics
	monitor  *perf.Monitor
	archive  eventlog.Store
}

func New(cfg config.Config, sessions *session.Registry, minter *Minter, metrics *observability.Metrics, monitor *perf.Monitor, archive eventlog.Store) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		minter:   minter,
		metrics:  metrics,
		monitor:  monitor,
		archive:  archive,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/token", s.handleToken)
	r.Post("/token", s.handleToken)

	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/events", s.handleSessionEvents)
	r.Post("/v1/sessions/{id}/events", s.handleArchiveEvents)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"archive_mode":  s.archiveMode(),
		"upstream_mode": s.upstreamMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.minter.Configured() {
		respondError(w, http.StatusServiceUnavailable, "not_configured", "upstream API key is not set")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.minter.Configured() {
		respondError(w, http.StatusServiceUnavailable, "not_configured", "upstream API key is not set")
		return
	}

	model := strings.TrimSpace(r.URL.Query().Get("model"))
	if model == "" {
		model = s.cfg.Model
	}

	minted, err := s.minter.Mint(r.Context(), model)
	if err != nil {
		outcome := "upstream_error"
		status := http.StatusBadGateway
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			outcome = "network_error"
		}
		s.metrics.TokenMints.WithLabelValues(outcome).Inc()
		respondError(w, status, outcome, err.Error())
		return
	}

	s.sessions.Track(minted.SessionID, minted.Model)
	s.metrics.TokenMints.WithLabelValues("ok").Inc()
	s.metrics.SessionEvents.WithLabelValues("minted").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveTokenLatency(minted.Elapsed)
	s.monitor.Observe(perf.WindowTokenFetch, float64(minted.Elapsed.Microseconds())/1000)

	respondJSON(w, http.StatusOK, minted)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.archive == nil {
		respondJSON(w, http.StatusOK, []eventlog.Record{})
		return
	}
	records, err := s.archive.RecentEvents(r.Context(), id, 200)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	if records == nil {
		records = []eventlog.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleArchiveEvents ingests a finished session's event log from the
// console and writes it to the archive store.
func (s *Server) handleArchiveEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var records []eventlog.Record
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for i := range records {
		if strings.TrimSpace(records[i].SessionID) == "" {
			records[i].SessionID = id
		}
	}

	if len(records) > 0 && s.archive != nil {
		if err := s.archive.Archive(r.Context(), records); err != nil {
			respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
			return
		}
	}

	for _, rec := range records {
		s.metrics.ChannelMessages.WithLabelValues(string(rec.Direction), rec.EventType).Inc()
	}
	if len(records) > 0 {
		s.metrics.SessionEvents.WithLabelValues("archived").Inc()
	}
	respondJSON(w, http.StatusOK, map[string]any{"archived": len(records)})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.Summary())
}

func (s *Server) archiveMode() string {
	if s.archive == nil {
		return "disabled"
	}
	return s.archive.Mode()
}

func (s *Server) upstreamMode() string {
	if s.minter.Configured() {
		return "configured"
	}
	return "missing_api_key"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

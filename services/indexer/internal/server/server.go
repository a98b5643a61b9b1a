package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"synthgpt/internal/observability"
	"synthgpt/internal/util"
	"synthgpt/services/indexer/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	InternalToken string
}

// Server exposes HTTP endpoints for the indexer service.
type Server struct {
	app           *app.App
	internalToken string
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		internalToken: strings.TrimSpace(cfg.InternalToken),
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = observability.WithHTTPMetrics("indexer", s.mux)
	h = observability.WithTracePropagation("indexer", h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", observability.Handler())
	s.mux.Handle("POST /internal/index", s.withInternal(s.handleIndex))
	s.mux.Handle("GET /internal/jobs/{id}", s.withInternal(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
		if token == "" || s.internalToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

type indexRequest struct {
	PresetID string `json:"presetId"`
	Missing  bool   `json:"missing"`
	Limit    int    `json:"limit"`
}

type indexResponse struct {
	Job     app.Job `json:"job"`
	Created bool    `json:"created"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Missing {
		if req.PresetID != "" {
			writeError(w, http.StatusBadRequest, "presetId and missing are mutually exclusive")
			return
		}
		res, err := s.app.EnqueueMissing(r.Context(), req.Limit)
		if err != nil {
			writeIndexError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	if strings.TrimSpace(req.PresetID) == "" {
		writeError(w, http.StatusBadRequest, "presetId is required")
		return
	}
	job, created, err := s.app.Enqueue(r.Context(), req.PresetID)
	if err != nil {
		writeIndexError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, indexResponse{Job: job, Created: created})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.app.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("get job failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeIndexError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), app.ErrValidation.Error()+": "))
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "preset not found")
	default:
		util.LoggerFromContext(r.Context()).Error("enqueue failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

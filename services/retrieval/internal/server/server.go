package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"synthgpt/internal/observability"
	"synthgpt/internal/ratelimit"
	"synthgpt/internal/util"
	"synthgpt/pkg/domain"
	"synthgpt/services/retrieval/internal/app"
)

const (
	maxBodyBytes = 64 << 10
	// storeRetryAfter is the Retry-After hint sent with 503 responses.
	storeRetryAfter = 2
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for the retrieval service.
type Server struct {
	app         *app.App
	limiter     ratelimit.Limiter
	trusted     *util.TrustedProxies
	corsOrigins []string
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:         cfg.App,
		limiter:     cfg.Limiter,
		trusted:     cfg.TrustedProxies,
		corsOrigins: cfg.CORSOrigins,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = observability.WithHTTPMetrics("retrieval", s.mux)
	h = observability.WithTracePropagation("retrieval", h)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /health", s.handleReady)
	s.mux.Handle("GET /metrics", observability.Handler())
	s.mux.Handle("POST /api/retrieve", s.limited(s.handleRetrieve))
	s.mux.Handle("GET /api/presets/{id}", s.limited(s.handleGetPreset))
}

func (s *Server) limited(next http.HandlerFunc) http.Handler {
	return ratelimit.Middleware(s.limiter, s.trusted, writeRateLimited, next)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"model":  s.app.ModelVersion(),
	})
}

type retrieveRequest struct {
	Prompt string `json:"prompt"`
	Query  string `json:"query"`
	UserID string `json:"userId"`
	Limit  int    `json:"limit"`
	K      int    `json:"k"`
}

func (req retrieveRequest) toSearch() app.SearchRequest {
	out := app.SearchRequest{Prompt: req.Prompt, UserID: strings.TrimSpace(req.UserID), Limit: req.Limit}
	if strings.TrimSpace(out.Prompt) == "" {
		out.Prompt = req.Query
	}
	if out.Limit == 0 {
		out.Limit = req.K
	}
	return out
}

type retrieveResponse struct {
	Query     string             `json:"query,omitempty"`
	Limit     int                `json:"limit,omitempty"`
	Results   []domain.PresetRef `json:"results"`
	Message   string             `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeSearchError(w, http.StatusBadRequest, "invalid JSON body", false)
		return
	}
	res, err := s.app.Search(r.Context(), req.toSearch())
	if err != nil && !app.IsNoResults(err) {
		writeAppError(w, r, err)
		return
	}
	resp := retrieveResponse{Query: res.Query, Limit: res.Limit, Results: res.Results}
	if resp.Results == nil {
		resp.Results = []domain.PresetRef{}
	}
	if err != nil {
		resp.Message = "no presets matched the prompt"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := s.app.GetPreset(r.Context(), r.PathValue("id"), strings.TrimSpace(r.URL.Query().Get("userId")))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrValidation):
			writeError(w, http.StatusBadRequest, app.PublicMessage(err))
		case errors.Is(err, app.ErrNotFound):
			writeError(w, http.StatusNotFound, "preset not found")
		default:
			util.LoggerFromContext(r.Context()).Error("get preset failed", "err", err)
			w.Header().Set("Retry-After", strconv.Itoa(storeRetryAfter))
			writeError(w, http.StatusServiceUnavailable, app.PublicMessage(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	msg := app.PublicMessage(err)
	switch {
	case errors.Is(err, app.ErrValidation):
		writeSearchError(w, http.StatusBadRequest, msg, false)
	case errors.Is(err, app.ErrExternalService):
		writeSearchError(w, http.StatusBadGateway, msg, false)
	case errors.Is(err, app.ErrStoreUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(storeRetryAfter))
		writeSearchError(w, http.StatusServiceUnavailable, msg, app.Retryable(err))
	default:
		util.LoggerFromContext(r.Context()).Error("unexpected search error", "err", err)
		writeSearchError(w, http.StatusInternalServerError, "internal error", false)
	}
}

func writeRateLimited(w http.ResponseWriter, _ *http.Request) {
	writeSearchError(w, http.StatusTooManyRequests, "rate limit exceeded", true)
}

func writeSearchError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, retrieveResponse{
		Results:   []domain.PresetRef{},
		Error:     msg,
		Retryable: retryable,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

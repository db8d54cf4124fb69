// Package server is relay's HTTP edge: routing, credential extraction,
// the admin surface, and the error envelope.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/models"
	"github.com/kelpejol/relay/internal/pipeline"
	"github.com/kelpejol/relay/internal/schema"
)

// Server exposes the relay API over HTTP.
type Server struct {
	pipeline *pipeline.Pipeline
	models   *models.Manager
	log      zerolog.Logger

	adminAPIKey  string
	apiKeyPrefix string
}

// New creates a Server over the pipeline and catalogue manager.
func New(p *pipeline.Pipeline, mgr *models.Manager, adminAPIKey, apiKeyPrefix string, logger zerolog.Logger) *Server {
	return &Server{
		pipeline:     p,
		models:       mgr,
		log:          logger.With().Str("component", "http").Logger(),
		adminAPIKey:  adminAPIKey,
		apiKeyPrefix: apiKeyPrefix,
	}
}

// Router builds the route tree with its middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletion)
		r.Get("/models", s.handleListModels)
		r.Get("/models/{modelID}", s.handleGetModel)
		r.Put("/admin/models/{modelID}", s.handleUpdateModel)
	})
	return r
}

// requestID assigns every request a uuid, exposed in the response header,
// the error envelope and the request log.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(pipeline.WithRequestID(r.Context(), id)))
	})
}

// responseWriter captures the status code and stamps the processing time
// header just before the header block is flushed.
type responseWriter struct {
	http.ResponseWriter
	status  int
	started time.Time
	wrote   bool
}

func (rw *responseWriter) WriteHeader(status int) {
	if !rw.wrote {
		rw.wrote = true
		rw.status = status
		rw.Header().Set("X-Process-Time", time.Since(rw.started).String())
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wrote {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK, started: time.Now()}
		next.ServeHTTP(rw, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(rw.started)).
			Str("request_id", pipeline.RequestIDFrom(r.Context())).
			Msg("request handled")
	})
}

// extractAPIKey pulls the credential from Authorization: Bearer or the
// api-key header and checks the key shape before any store lookup.
func (s *Server) extractAPIKey(r *http.Request) (string, error) {
	key := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		key = strings.TrimPrefix(auth, "Bearer ")
	} else if h := r.Header.Get("api-key"); h != "" {
		key = h
	}
	if key == "" || !strings.HasPrefix(key, s.apiKeyPrefix) {
		return "", apierr.New(apierr.KindAuth, "Invalid API key format")
	}
	return key, nil
}

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	apiKey, err := s.extractAPIKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req schema.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindBadRequest, "Invalid request body"))
		return
	}
	if req.Stream {
		s.writeError(w, r, apierr.New(apierr.KindBadRequest, "Streaming is not supported"))
		return
	}

	resp, err := s.pipeline.Handle(r.Context(), apiKey, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if _, err := s.extractAPIKey(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	active, err := s.models.ListActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   active,
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.extractAPIKey(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	modelID := chi.URLParam(r, "modelID")
	model, err := s.models.Get(r.Context(), modelID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorEnvelope(
			"Model "+modelID+" not found", http.StatusNotFound, pipeline.RequestIDFrom(r.Context())))
		return
	}
	s.writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	apiKey, err := s.extractAPIKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if apiKey != s.adminAPIKey {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "Admin access required"))
		return
	}

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindBadRequest, "Invalid request body"))
		return
	}

	modelID := chi.URLParam(r, "modelID")
	updated, err := s.models.Update(r.Context(), modelID, patch)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorEnvelope(
			"Model "+modelID+" not found", http.StatusNotFound, pipeline.RequestIDFrom(r.Context())))
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func errorEnvelope(message string, code int, requestID string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"type":       "api_error",
			"code":       code,
			"request_id": requestID,
		},
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.AsError(err)
	status := e.HTTPStatus()
	if apierr.KindOf(err) == apierr.KindInternal {
		s.log.Error().Err(err).
			Str("request_id", pipeline.RequestIDFrom(r.Context())).
			Msg("internal error")
	}
	s.writeJSON(w, status, errorEnvelope(e.Message, status, pipeline.RequestIDFrom(r.Context())))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

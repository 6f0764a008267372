package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/bulletin-relay/internal/config"
	"github.com/blackmichael/bulletin-relay/internal/domain"
	"github.com/blackmichael/bulletin-relay/internal/inbound"
)

const maxWebhookBody = 64 << 10

// BulletinService is what the HTTP surface needs from the command processor.
type BulletinService interface {
	Bulletins(ctx context.Context) ([]domain.Bulletin, error)
	Handle(ctx context.Context, ev domain.Event) (domain.Outcome, error)
}

// Server is the HTTP server exposing the read endpoint and webhook ingestion.
type Server struct {
	cfg        *config.Config
	service    BulletinService
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server. gatherer backs GET /metrics and may be
// nil.
func NewServer(cfg *config.Config, service BulletinService, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		service: service,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /bulletins", s.handleBulletins)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBulletins(w http.ResponseWriter, r *http.Request) {
	bulletins, err := s.service.Bulletins(r.Context())
	if err != nil {
		s.logger.Error("failed to read bulletins", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to read bulletins")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bulletins": bulletins,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret == "" {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		s.logger.Warn("webhook call with bad credentials", "remote", r.RemoteAddr, "kind", domain.KindAuthorization.String())
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "failed to read body")
		return
	}

	ev, ok, err := inbound.ParseEvent(body)
	if err != nil {
		s.logger.Warn("invalid webhook event", "error", err, "kind", domain.KindValidation.String())
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "ignored"})
		return
	}

	outcome, err := s.service.Handle(r.Context(), ev)
	if err != nil {
		s.logger.Error("failed to handle webhook event", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "event not processed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WebhookSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"request_id", requestID,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

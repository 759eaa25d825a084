// Package api serves the HTTP surface: health, metrics, the provider
// webhook and the admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/control"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/config"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/callback"
)

// Server hosts the HTTP endpoints in front of the engine.
type Server struct {
	engine   *control.Engine
	verifier *callback.Verifier
	adminKey string
	server   *http.Server
	log      *slog.Logger
}

// NewServer creates a new API server.
func NewServer(engine *control.Engine, serverCfg config.ServerConfig, webhookCfg config.WebhookConfig, adminCfg config.AdminConfig, log *slog.Logger) *Server {
	s := &Server{
		engine:   engine,
		verifier: callback.NewVerifier(webhookCfg.Secret, webhookCfg.Tolerance),
		adminKey: adminCfg.APIKey,
		log:      log.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/voice/provider/callback", s.handleCallback)

	mux.Handle("GET /v1/admin/voice/settings", s.adminOnly(s.handleGetSettings))
	mux.Handle("PUT /v1/admin/voice/settings", s.adminOnly(s.handlePatchSettings))
	mux.Handle("POST /v1/admin/voice/process", s.adminOnly(s.handleProcessNow))
	mux.Handle("GET /v1/admin/voice/jobs", s.adminOnly(s.handleListJobs))
	mux.Handle("GET /v1/admin/voice/calls", s.adminOnly(s.handleListCalls))
	mux.Handle("GET /v1/admin/voice/suppressions", s.adminOnly(s.handleListSuppressions))
	mux.Handle("PUT /v1/admin/voice/suppressions/{userID}", s.adminOnly(s.handleAddSuppression))
	mux.Handle("DELETE /v1/admin/voice/suppressions/{userID}", s.adminOnly(s.handleRemoveSuppression))
	mux.Handle("GET /v1/admin/voice/alerts", s.adminOnly(s.handleAlerts))
	mux.Handle("GET /v1/admin/voice/stats", s.adminOnly(s.handleStats))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", serverCfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"bybit-webhook-bot-go/internal/config"
	"bybit-webhook-bot-go/internal/router"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the signal router over HTTP.
type Server struct {
	server *http.Server
	signal *router.Router
	logger *zap.Logger
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg *config.Server, signal *router.Router, logger *zap.Logger) *Server {
	s := &Server{
		signal: signal,
		logger: logger.Named("api-server"),
	}

	m := mux.NewRouter()
	m.Use(recoveryMiddleware(s.logger))
	m.Use(loggingMiddleware(s.logger))
	m.Use(timeoutMiddleware(time.Duration(cfg.RequestTimeout) * time.Second))

	m.HandleFunc("/alert/{token}", s.alertHandler).Methods("POST")
	m.HandleFunc("/trade/execute", s.executeHandler).Methods("POST")
	m.HandleFunc("/trade/{id}/reconcile", s.reconcileHandler).Methods("POST")
	m.HandleFunc("/health", s.healthHandler).Methods("GET")
	m.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: m,
		// Outer bound above the per-request context timeout.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.RequestTimeout+5) * time.Second,
	}

	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

// Server is the read-only status HTTP server. It never accepts trading
// commands; session control stays with the CLI and the scheduler.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	cfg        config.APIConfig
}

// New creates the status server around a prepared router.
func New(cfg config.APIConfig, log *logger.Logger, router http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log.WithComponent("api"),
		cfg:    cfg,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("port", s.cfg.Port).Info("Starting status server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}

	return nil
}

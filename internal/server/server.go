package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/linkpulse/linkpulse/internal/audit"
	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/httpx"
	"github.com/linkpulse/linkpulse/internal/link"
)

// Server represents the HTTP server with all dependencies.
type Server struct {
	config *config.Config
	logger *slog.Logger
	links  *link.Handler
	audits *audit.Handler
	server *http.Server
}

// New creates a new Server instance.
func New(cfg *config.Config, logger *slog.Logger, links *link.Handler, audits *audit.Handler) *Server {
	return &Server{
		config: cfg,
		logger: logger,
		links:  links,
		audits: audits,
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := s.setupRoutes()
	handler := s.applyMiddleware(mux)
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:      handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting http server",
			"addr", s.server.Addr,
			"env", s.config.App.Environment,
		)
		serverErrors <- s.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.logger.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			if closeErr := s.server.Close(); closeErr != nil {
				return fmt.Errorf("failed to close server: %w", closeErr)
			}
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		s.logger.Info("server stopped gracefully")
		return nil
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /x/health", s.healthCheckHandler)

	// Link management
	mux.HandleFunc("POST /api/links", s.links.CreateLink)
	mux.HandleFunc("GET /api/links/{code}", s.links.GetLink)
	mux.HandleFunc("PUT /api/links/{code}/destinations", s.links.ReplaceDestinations)
	mux.HandleFunc("DELETE /api/links/{code}", s.links.DeactivateLink)
	mux.HandleFunc("GET /api/accounts/{accountID}/links", s.links.ListLinks)

	// Audits and health reporting
	mux.HandleFunc("POST /api/audits", s.audits.TriggerAudit)
	mux.HandleFunc("GET /api/audits/{id}", s.audits.GetAuditStatus)
	mux.HandleFunc("GET /api/accounts/{accountID}/score", s.audits.GetHealthScore)
	mux.HandleFunc("GET /api/accounts/{accountID}/issues", s.audits.ListIssues)

	// Redirect hot path, last so /api and /x keep their prefixes.
	mux.HandleFunc("GET /{code}", s.links.Redirect)

	return mux
}

// applyMiddleware wraps the handler with middleware in the correct order.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	return httpx.Chain(
		httpx.Recovery(s.logger), // Outermost: catch panics
		httpx.RequestID,
		httpx.Logger(s.logger),
		httpx.CORS(nil), // allow all in dev
	)(handler)
}

// healthCheckHandler handles health check requests.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"env":    s.config.App.Environment,
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timeout exceeded, forcing close")
			return s.server.Close()
		}
		return err
	}

	return nil
}

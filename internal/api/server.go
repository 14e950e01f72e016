package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
	"github.com/fleetlog-io/fleetlog/internal/dlq"
	"github.com/fleetlog-io/fleetlog/internal/idempotency"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
	"github.com/fleetlog-io/fleetlog/internal/storage"
	"github.com/fleetlog-io/fleetlog/internal/terminal"
)

type (
	// Dependencies carries the runtime collaborators of the server.
	// Configuration (what) stays in ServerConfig; dependencies (how) are
	// injected here from the composition root. Nil TokenStore disables
	// authentication, nil RateLimiter disables rate limiting, nil Gate
	// disables idempotent replay.
	Dependencies struct {
		Pipeline    *ingestion.Pipeline
		Events      ingestion.EventStore
		Gate        *idempotency.Gate
		DLQ         *dlq.Service
		Resolver    *terminal.Resolver
		TokenStore  storage.TokenStore
		RateLimiter middleware.RateLimiter
	}

	// Server is the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		pipeline    *ingestion.Pipeline
		events      ingestion.EventStore
		gate        *idempotency.Gate
		dlqService  *dlq.Service
		resolver    *terminal.Resolver
		tokenStore  storage.TokenStore
		rateLimiter middleware.RateLimiter
	}
)

// NewServer creates the HTTP server with structured logging and the full
// middleware stack.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		pipeline:    deps.Pipeline,
		events:      deps.Events,
		gate:        deps.Gate,
		dlqService:  deps.DLQ,
		resolver:    deps.Resolver,
		tokenStore:  deps.TokenStore,
		rateLimiter: deps.RateLimiter,
	}

	server.setupRoutes(mux)

	if deps.TokenStore != nil {
		logger.Info("Actor authentication middleware enabled")
	} else {
		logger.Warn("TokenStore not configured, actor authentication disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured, rate limiting disabled")
	}

	if deps.Gate == nil {
		logger.Warn("Idempotency gate not configured, replay semantics disabled")
	}

	// Middleware executes in the order listed:
	//   1. CorrelationID - every response carries a correlation ID
	//   2. Recovery - catch panics in all downstream middleware
	//   3. ActorAuth - authenticate the bearer token, set ActorContext
	//   4. RateLimit - reject before expensive pipeline work
	//   5. RequestLogger - log only requests that passed the gates
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithActorAuth(deps.TokenStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start runs the server and blocks until shutdown. SIGINT and SIGTERM
// trigger a graceful shutdown bounded by the configured timeout.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting FleetLog API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown drains in-flight requests, then releases held resources.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeResource("token store", s.tokenStore)
	s.closeResource("rate limiter", s.rateLimiter)
	s.closeResource("event store", s.events)

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeResource closes a dependency when it exposes io.Closer.
func (s *Server) closeResource(name string, resource any) {
	if resource == nil {
		return
	}

	closer, ok := resource.(io.Closer)
	if !ok {
		return
	}

	s.logger.Info("Closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("Failed to close "+name, slog.String("error", err.Error()))
	}
}

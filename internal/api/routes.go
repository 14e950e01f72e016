package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2

	serviceName    = "fleetlog"
	serviceVersion = "1.0.0"
)

type (
	// HealthStatus is the health check response payload.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route pairs a mux pattern with its handler. Used for declarative
	// registration of routes that bypass authentication and rate limiting.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

// setupRoutes registers every HTTP route of the service.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all 404
	)

	// Ingestion surface
	mux.HandleFunc("POST /v1/events", s.handleIngestEvent)
	mux.HandleFunc("POST /v1/events/batch", s.handleIngestBatch)

	// Scope read surface
	mux.HandleFunc("GET /v1/events/{deviceId}/{logDate}", s.handleListScope)
	mux.HandleFunc("GET /v1/events/{deviceId}/{logDate}/gaps", s.handleScopeGaps)
	mux.HandleFunc("GET /v1/events/{deviceId}/{logDate}/verify", s.handleVerifyChain)

	// Admin DLQ surface (dlq:admin permission)
	mux.HandleFunc("GET /v1/admin/dlq", s.handleDLQList)
	mux.HandleFunc("GET /v1/admin/dlq/stats", s.handleDLQStats)
	mux.HandleFunc("GET /v1/admin/dlq/{id}", s.handleDLQGet)
	mux.HandleFunc("POST /v1/admin/dlq/{id}/retry", s.handleDLQRetry)
	mux.HandleFunc("POST /v1/admin/dlq/{id}/discard", s.handleDLQDiscard)
}

// registerPublicRoutes registers routes that bypass authentication and rate
// limiting. Only health probes belong here; never register business
// endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Go 1.22 method routing patterns are "GET /path" but r.URL.Path is
		// just "/path", so the method prefix is stripped before bypass
		// registration.
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with a primary store health
// check. 503 tells the orchestrator to stop routing traffic here until the
// store recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.events == nil {
		s.logger.Warn("Event store not configured, readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		s.writePlain(w, r, http.StatusOK, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.events.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writePlain(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	// An unreachable cache does not fail readiness: the idempotency gate
	// degrades to its in-process fallback.
	if s.gate != nil {
		if err := s.gate.HealthCheck(ctx); err != nil {
			s.logger.Warn("Idempotency cache health check failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.writePlain(w, r, http.StatusOK, "ready")
}

// handleHealth returns the service health summary in the canonical envelope.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.WriteSuccess(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     serviceVersion,
		Uptime:      uptime,
	})
}

// handleNotFound answers unknown paths with the canonical envelope.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.WriteError(w, r, http.StatusNotFound, CodeNotFound, "The requested resource was not found")
}

// writePlain writes a text/plain probe response.
func (s *Server) writePlain(w http.ResponseWriter, r *http.Request, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(statusCode)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write probe response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type starts with "application/json",
// allowing charset parameters.
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}

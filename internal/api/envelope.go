// Package api provides the HTTP API server for the FleetLog service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
)

// Stable error codes of the canonical envelope. Each maps to exactly one
// HTTP status.
const (
	CodeValidation          = "VALIDATION_ERROR"     // 400
	CodeAuthentication      = "AUTHENTICATION_ERROR" // 401
	CodeAuthorization       = "AUTHORIZATION_ERROR"  // 403
	CodeNotFound            = "NOT_FOUND"            // 404
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT" // 409
	CodeRateLimit           = "RATE_LIMIT_EXCEEDED"  // 429
	CodeDatabase            = "DATABASE_ERROR"       // 500
	CodeIntegrity           = "INTEGRITY_ERROR"      // 500
)

type (
	// Envelope is the canonical response body:
	// {success, data | error{code, message, details?}}.
	Envelope struct {
		Success bool           `json:"success"`
		Data    any            `json:"data,omitempty"`
		Error   *EnvelopeError `json:"error,omitempty"`
	}

	// EnvelopeError is the error half of the envelope. Details carries
	// field-level validation errors when present; it never echoes secrets.
	EnvelopeError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}
)

// WriteSuccess writes a success envelope with the given status and data.
func (s *Server) WriteSuccess(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	s.writeEnvelope(w, r, statusCode, Envelope{Success: true, Data: data})
}

// WriteError writes an error envelope.
func (s *Server) WriteError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	s.writeEnvelope(w, r, statusCode, Envelope{
		Success: false,
		Error:   &EnvelopeError{Code: code, Message: message},
	})
}

// WriteValidationError writes a 400 envelope carrying field-level details.
func (s *Server) WriteValidationError(w http.ResponseWriter, r *http.Request, details any) {
	s.writeEnvelope(w, r, http.StatusBadRequest, Envelope{
		Success: false,
		Error: &EnvelopeError{
			Code:    CodeValidation,
			Message: "Event validation failed",
			Details: details,
		},
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, r *http.Request, statusCode int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("Failed to encode response envelope",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status", statusCode),
			slog.String("error", err.Error()),
		)
	}
}

// marshalEnvelope renders an envelope to bytes for idempotency caching: the
// replayed response must be byte-identical to the original.
func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"encoding/json"
	"net/http"
)

// Error codes the middleware layer can emit. The full taxonomy lives in
// internal/api; these constants are duplicated here so middleware does not
// import the api package.
const (
	codeAuthentication = "AUTHENTICATION_ERROR"
	codeAuthorization  = "AUTHORIZATION_ERROR"
	codeRateLimit      = "RATE_LIMIT_EXCEEDED"
	codeInternal       = "DATABASE_ERROR"
)

// envelope mirrors the canonical response envelope
// {success, error{code, message}} for middleware-originated failures.
type envelope struct {
	Success bool          `json:"success"`
	Error   envelopeError `json:"error"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeEnvelopeError writes a canonical error envelope. The correlation ID
// header is already set by the correlation middleware, which runs outermost.
func writeEnvelopeError(w http.ResponseWriter, statusCode int, code, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   envelopeError{Code: code, Message: message},
	})
}

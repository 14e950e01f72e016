// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics and logs them.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if rec := recover(); rec != nil {
					correlationID := GetCorrelationID(ctx)

					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", rec),
						slog.String("stack_trace", string(debug.Stack())),
					)

					detail := "An unexpected error occurred while processing the request"
					if err := writeEnvelopeError(w, http.StatusInternalServerError, codeInternal, detail); err != nil {
						logger.Error("Failed to encode panic response",
							slog.String("correlation_id", correlationID),
							slog.String("error", err.Error()),
						)
					}
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}

// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fleetlog-io/fleetlog/internal/storage"
)

// publicEndpoints lists paths that bypass authentication: health probes and
// monitoring only, never business endpoints.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// Called during route setup for the health check endpoints.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// Authentication error types for granular error handling.
var (
	// ErrMissingToken is returned when no bearer token is provided.
	ErrMissingToken = errors.New("missing actor token")

	// ErrInvalidToken is returned for malformed or unknown tokens. Generic
	// on purpose: it prevents token enumeration.
	ErrInvalidToken = errors.New("invalid actor token")

	// ErrTokenExpired is returned when the actor token has expired.
	ErrTokenExpired = errors.New("actor token expired")

	// ErrTokenInactive is returned when the actor token is inactive (revoked).
	ErrTokenInactive = errors.New("actor token inactive")
)

// AuthError wraps an authentication failure with its specific type.
type AuthError struct {
	Type    error
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type for errors.Is / errors.As.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractBearerToken pulls the token out of the Authorization header.
// Returns ("", false) for a missing or malformed header. Tokens containing
// newlines are rejected to prevent header injection.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}

// performDummyBcryptComparison keeps the failure path constant-time relative
// to the lookup path.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// authenticateRequest validates a bearer token against the token store.
//
// Malformed and unknown tokens both map to the generic ErrInvalidToken;
// inactive and expired tokens get specific errors because the caller holds a
// real credential and can act on the distinction.
func authenticateRequest(
	ctx context.Context,
	store storage.TokenStore,
	rawToken string,
	logger *slog.Logger,
) (*storage.Token, error) {
	parsed, err := storage.ParseToken(rawToken)
	if err != nil {
		performDummyBcryptComparison()

		logger.Error("authentication failed: invalid token format",
			slog.String("error", err.Error()),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "format_validation"),
		)

		return nil, &AuthError{Type: ErrInvalidToken, Message: "Invalid or missing actor token"}
	}

	found, exists := store.FindByToken(ctx, parsed)
	if !exists {
		performDummyBcryptComparison()

		logger.Error("authentication failed: token not found",
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "token_not_found"),
		)

		return nil, &AuthError{Type: ErrInvalidToken, Message: "Invalid or missing actor token"}
	}

	if !found.Active {
		logger.Error("authentication failed: token inactive",
			slog.String("token_id", found.ID),
			slog.String("actor_id", found.ActorID),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "token_inactive"),
		)

		return nil, &AuthError{Type: ErrTokenInactive, Message: "Actor token is inactive"}
	}

	if found.ExpiresAt != nil && time.Now().After(*found.ExpiresAt) {
		logger.Error("authentication failed: token expired",
			slog.String("token_id", found.ID),
			slog.String("actor_id", found.ActorID),
			slog.Time("expired_at", *found.ExpiresAt),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "token_expired"),
		)

		return nil, &AuthError{Type: ErrTokenExpired, Message: "Actor token has expired"}
	}

	return found, nil
}

// AuthenticateActor creates the authentication middleware. It validates the
// bearer token, checks active status and expiry, and enriches the request
// context with the ActorContext used by the ingestion handlers.
func AuthenticateActor(store storage.TokenStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			rawToken, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingToken, Message: "Missing actor token"})

				return
			}

			token, err := authenticateRequest(r.Context(), store, rawToken, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			actorCtx := ActorContext{
				ActorID:     token.ActorID,
				Name:        token.Name,
				Permissions: token.Permissions,
				TokenID:     token.ID,
				AuthTime:    time.Now(),
			}
			ctx := SetActorContext(r.Context(), actorCtx)

			logger.Info("actor authenticated",
				slog.String("actor_id", actorCtx.ActorID),
				slog.String("token_id", actorCtx.TokenID),
				slog.String("token", storage.MaskToken(token.Token)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError maps an authentication failure to its HTTP status and
// envelope error code, logs it, and writes the response.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized
	errorCode := codeAuthentication

	var authErr *AuthError
	if errors.As(err, &authErr) && errors.Is(authErr.Type, ErrTokenInactive) {
		statusCode = http.StatusForbidden
		errorCode = codeAuthorization
	}

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	if writeErr := writeEnvelopeError(w, statusCode, errorCode, err.Error()); writeErr != nil {
		logger.Error("failed to write authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", writeErr.Error()),
		)
	}
}

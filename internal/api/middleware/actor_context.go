// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"context"
	"time"
)

// actorContextKey is the context key for the authenticated actor.
// A struct type prevents collisions with other context keys.
type actorContextKey struct{}

// ActorContext carries the authenticated actor identity through the request.
// It is attached by the authentication middleware after successful bearer
// token validation; handlers use it for idempotency scoping, vault capture,
// and permission checks.
type ActorContext struct {
	// ActorID identifies the submitter (gateway, carrier integration, admin).
	ActorID string

	// Name is the human-readable token name for logging.
	Name string

	// Permissions are the scopes granted to this token.
	Permissions []string

	// TokenID is the credential ID used for authentication (audit logging).
	TokenID string

	// AuthTime is when authentication occurred.
	AuthTime time.Time
}

// HasPermission checks whether the actor carries a specific permission.
func (a ActorContext) HasPermission(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// GetActorContext extracts the actor context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not.
func GetActorContext(ctx context.Context) (ActorContext, bool) {
	actorCtx, ok := ctx.Value(actorContextKey{}).(ActorContext)

	return actorCtx, ok
}

// SetActorContext attaches the actor context to the request context.
func SetActorContext(ctx context.Context, actorCtx ActorContext) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorCtx)
}

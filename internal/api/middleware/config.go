// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"time"

	"github.com/fleetlog-io/fleetlog/internal/config"
)

// RateLimitConfig holds the rate limiter tunables.
//
// Rates are requests per second in three tiers: global (all requests),
// per-actor (authenticated), unauthenticated. Burst fields of 0 are computed
// automatically as 2 x rate.
type RateLimitConfig struct {
	GlobalRPS int // Default: 100
	ActorRPS  int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst overrides (0 = 2 x rate).
	GlobalBurst int
	ActorBurst  int
	UnAuthBurst int

	// Memory cleanup of idle actor buckets.
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxActors       int           // Default: 10,000
}

// LoadRateLimitConfig loads rate limiter settings from environment variables
// with fallback to defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("FLEETLOG_GLOBAL_RPS", defaultGlobalRPS),
		ActorRPS:  config.GetEnvInt("FLEETLOG_ACTOR_RPS", defaultActorRPS),
		UnAuthRPS: config.GetEnvInt("FLEETLOG_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("FLEETLOG_GLOBAL_BURST", 0),
		ActorBurst:  config.GetEnvInt("FLEETLOG_ACTOR_BURST", 0),
		UnAuthBurst: config.GetEnvInt("FLEETLOG_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"FLEETLOG_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("FLEETLOG_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxActors:   config.GetEnvInt("FLEETLOG_RATE_LIMIT_MAX_ACTORS", defaultMaxActors),
	}
}

// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxActors           int     = 10000
	defaultGlobalRPS           int     = 100
	defaultActorRPS            int     = 50
	defaultUnAuthRPS           int     = 10
	actorWarnThreshold         float64 = 0.8
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour

	// retryAfterHint is the Retry-After value on 429 responses. The token
	// buckets refill continuously at the configured per-second rates, so one
	// second is always enough for at least one token at any sane rate.
	retryAfterHint = "1"
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// The interface keeps the middleware independent of the backing
	// implementation so single-node deployments can run on in-memory token
	// buckets while multi-node deployments swap in a distributed store.
	RateLimiter interface {
		// Allow reports whether a request should proceed. actorID is the
		// authenticated actor, or empty for unauthenticated requests.
		Allow(actorID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with golang.org/x/time/rate
	// token buckets in three tiers: global, per-actor, and unauthenticated.
	//
	// Idle actor buckets are removed by a background cleanup goroutine so
	// memory stays bounded over long uptimes.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perActor        map[string]*actorLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		actorRPS        int
		actorBurst      int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxActors       int
	}

	// actorLimiter tracks one actor's bucket plus its last access time.
	actorLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a three-tier in-memory rate limiter.
// Burst capacity defaults to 2 x rate unless overridden in config.
// Call Close when done to stop the cleanup goroutine.
func NewInMemoryRateLimiter(config *RateLimitConfig) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	actorBurst := computeBurstCapacity(config.ActorRPS, config.ActorBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perActor:        make(map[string]*actorLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		actorRPS:        config.ActorRPS,
		actorBurst:      actorBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxActors:       config.MaxActors,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns the override when set, otherwise 2 x rate.
func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow checks the global tier first, then the actor-specific or
// unauthenticated tier. Actor buckets are created lazily.
func (rl *InMemoryRateLimiter) Allow(actorID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if actorID == "" {
		return rl.unauthenticated.Allow()
	}

	rl.mu.RLock()
	al, ok := rl.perActor[actorID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Re-check under the write lock.
		if al, ok = rl.perActor[actorID]; !ok {
			al = &actorLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.actorRPS), rl.actorBurst),
				lastAccess: time.Now(),
			}
			rl.perActor[actorID] = al

			if current := len(rl.perActor); current >= int(float64(rl.maxActors)*actorWarnThreshold) {
				slog.Warn("rate limiter approaching max actors limit",
					"current_actors", current,
					"max_actors", rl.maxActors,
				)
			}
		}

		rl.mu.Unlock()
	}

	al.mu.Lock()
	al.lastAccess = time.Now()
	al.mu.Unlock()

	return al.limiter.Allow()
}

// Close stops the cleanup goroutine. Close is not part of the RateLimiter
// interface; callers that need cleanup assert io.Closer-style.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

func (rl *InMemoryRateLimiter) startCleanup() {
	interval := rl.cleanupInterval
	if interval == 0 {
		interval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes actor buckets that have been idle past the timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for actorID, al := range rl.perActor {
		al.mu.Lock()
		lastAccess := al.lastAccess
		al.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perActor, actorID)
		}
	}
}

// RateLimit returns a middleware enforcing the three-tier limits. It must
// run after the authentication middleware so the per-actor tier can see the
// ActorContext; rate-limited requests get 429 with the canonical envelope.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := ""
			if actorCtx, ok := GetActorContext(r.Context()); ok {
				actorID = actorCtx.ActorID
			}

			if !limiter.Allow(actorID) {
				correlationID := GetCorrelationID(r.Context())
				detail := "Rate limit exceeded. Please retry after some time."

				w.Header().Set("Retry-After", retryAfterHint)

				if err := writeEnvelopeError(w, http.StatusTooManyRequests, codeRateLimit, detail); err != nil {
					logger.Error("failed to write rate limit response",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

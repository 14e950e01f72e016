package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// In-Memory Rate Limiter Tests
// ============================================================================

func newTestRateLimiter(t *testing.T, cfg *RateLimitConfig) *InMemoryRateLimiter {
	t.Helper()

	rl := NewInMemoryRateLimiter(cfg)
	t.Cleanup(rl.Close)

	return rl
}

func TestInMemoryRateLimiter_GlobalLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestRateLimiter(t, &RateLimitConfig{
		GlobalRPS:   1,
		GlobalBurst: 2,
		ActorRPS:    100,
		UnAuthRPS:   100,
	})

	if !rl.Allow("actor-1") {
		t.Fatal("first request should be allowed")
	}

	if !rl.Allow("actor-2") {
		t.Fatal("second request within burst should be allowed")
	}

	// Burst of 2 exhausted; the global tier rejects regardless of actor.
	if rl.Allow("actor-3") {
		t.Error("request beyond global burst should be rejected")
	}
}

func TestInMemoryRateLimiter_PerActorIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestRateLimiter(t, &RateLimitConfig{
		GlobalRPS:  1000,
		ActorRPS:   1,
		ActorBurst: 1,
		UnAuthRPS:  1000,
	})

	if !rl.Allow("actor-a") {
		t.Fatal("actor-a first request should be allowed")
	}

	if rl.Allow("actor-a") {
		t.Error("actor-a second request should be rejected")
	}

	// A different actor has its own bucket.
	if !rl.Allow("actor-b") {
		t.Error("actor-b should not be affected by actor-a's limit")
	}
}

func TestInMemoryRateLimiter_UnauthenticatedTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestRateLimiter(t, &RateLimitConfig{
		GlobalRPS:   1000,
		ActorRPS:    1000,
		UnAuthRPS:   1,
		UnAuthBurst: 1,
	})

	if !rl.Allow("") {
		t.Fatal("first unauthenticated request should be allowed")
	}

	if rl.Allow("") {
		t.Error("second unauthenticated request should be rejected")
	}

	// Authenticated traffic is unaffected.
	if !rl.Allow("actor-a") {
		t.Error("authenticated request should not share the unauthenticated bucket")
	}
}

func TestInMemoryRateLimiter_CleanupRemovesIdleActors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestRateLimiter(t, &RateLimitConfig{
		GlobalRPS:       1000,
		ActorRPS:        1000,
		UnAuthRPS:       1000,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Nanosecond,
	})

	rl.Allow("actor-idle")

	rl.mu.RLock()
	_, exists := rl.perActor["actor-idle"]
	rl.mu.RUnlock()

	if !exists {
		t.Fatal("actor bucket should exist after first request")
	}

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, exists = rl.perActor["actor-idle"]
	rl.mu.RUnlock()

	if exists {
		t.Error("idle actor bucket should have been cleaned up")
	}
}

func TestComputeBurstCapacity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := computeBurstCapacity(100, 0); got != 200 {
		t.Errorf("computeBurstCapacity(100, 0) = %d, want 200", got)
	}

	if got := computeBurstCapacity(100, 500); got != 500 {
		t.Errorf("computeBurstCapacity(100, 500) = %d, want 500", got)
	}
}

// ============================================================================
// Rate Limit Middleware Tests
// ============================================================================

// denyAllLimiter rejects every request.
type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

// allowAllLimiter admits every request.
type allowAllLimiter struct{}

func (allowAllLimiter) Allow(string) bool { return true }

func TestRateLimitMiddleware_Rejects(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reached := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	})

	handler := RateLimit(denyAllLimiter{}, discardLogger())(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	if envErr := decodeEnvelopeError(t, rec.Body.Bytes()); envErr.Code != codeRateLimit {
		t.Errorf("error code = %q, want %q", envErr.Code, codeRateLimit)
	}

	// The 429 tells the client to retry; the header says when.
	if got := rec.Header().Get("Retry-After"); got != retryAfterHint {
		t.Errorf("Retry-After = %q, want %q", got, retryAfterHint)
	}

	if reached {
		t.Error("inner handler reached despite rate limiting")
	}
}

func TestRateLimitMiddleware_PassesThrough(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reached := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(allowAllLimiter{}, discardLogger())(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	if !reached {
		t.Error("inner handler not reached")
	}
}

func TestRateLimitMiddleware_UsesActorContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var seenActor string

	limiter := actorRecordingLimiter{seen: &seenActor}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := RateLimit(limiter, discardLogger())(inner)

	r := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	r = r.WithContext(SetActorContext(r.Context(), ActorContext{ActorID: "actor-42"}))

	handler.ServeHTTP(httptest.NewRecorder(), r)

	if seenActor != "actor-42" {
		t.Errorf("limiter saw actor %q, want %q", seenActor, "actor-42")
	}
}

// actorRecordingLimiter records the actor ID it was asked about.
type actorRecordingLimiter struct {
	seen *string
}

func (l actorRecordingLimiter) Allow(actorID string) bool {
	*l.seen = actorID

	return true
}

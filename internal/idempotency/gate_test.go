// Package idempotency enforces at-most-once effects per (actor, client key).
package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gate := NewGate(client, Config{
		CompletedTTL: time.Hour,
		InFlightTTL:  time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return gate, mr
}

// ==============================================================================
// Unit Tests: Redis-backed gate protocol
// ==============================================================================

func TestBegin_FreshKeyProceeds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, _ := testGate(t)

	decision := gate.Begin(context.Background(), "actor-1", "key-1")
	if decision.Outcome != OutcomeProceed {
		t.Fatalf("Begin() outcome = %v, want OutcomeProceed", decision.Outcome)
	}
}

func TestBegin_InFlightConflicts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, _ := testGate(t)
	ctx := context.Background()

	if d := gate.Begin(ctx, "actor-1", "key-1"); d.Outcome != OutcomeProceed {
		t.Fatalf("first Begin() outcome = %v, want OutcomeProceed", d.Outcome)
	}

	if d := gate.Begin(ctx, "actor-1", "key-1"); d.Outcome != OutcomeConflict {
		t.Fatalf("second Begin() outcome = %v, want OutcomeConflict", d.Outcome)
	}
}

func TestBegin_CompletedReplaysCachedResponse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, _ := testGate(t)
	ctx := context.Background()
	body := []byte(`{"success":true,"data":{"eventId":"abc"}}`)

	gate.Begin(ctx, "actor-1", "key-1")
	gate.Complete(ctx, "actor-1", "key-1", 201, body)

	decision := gate.Begin(ctx, "actor-1", "key-1")
	if decision.Outcome != OutcomeReplay {
		t.Fatalf("Begin() after Complete outcome = %v, want OutcomeReplay", decision.Outcome)
	}

	if decision.StatusCode != 201 {
		t.Errorf("replayed status = %d, want 201", decision.StatusCode)
	}

	if !bytes.Equal(decision.Body, body) {
		t.Errorf("replayed body = %s, want bytewise-identical original", decision.Body)
	}
}

func TestBegin_ActorScopingPreventsCrossActorReplay(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, _ := testGate(t)
	ctx := context.Background()

	gate.Begin(ctx, "actor-1", "shared-key")
	gate.Complete(ctx, "actor-1", "shared-key", 201, []byte("actor-1 response"))

	// Same client key under a different actor must be a fresh request.
	decision := gate.Begin(ctx, "actor-2", "shared-key")
	if decision.Outcome != OutcomeProceed {
		t.Fatalf("Begin() for other actor outcome = %v, want OutcomeProceed", decision.Outcome)
	}
}

func TestClear_AllowsRetryWithSameKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, _ := testGate(t)
	ctx := context.Background()

	gate.Begin(ctx, "actor-1", "key-1")
	gate.Clear(ctx, "actor-1", "key-1")

	if d := gate.Begin(ctx, "actor-1", "key-1"); d.Outcome != OutcomeProceed {
		t.Fatalf("Begin() after Clear outcome = %v, want OutcomeProceed", d.Outcome)
	}
}

func TestBegin_InFlightExpiryUnblocksKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, mr := testGate(t)
	ctx := context.Background()

	gate.Begin(ctx, "actor-1", "key-1")

	// A crashed handler never calls Complete or Clear; the TTL frees the key.
	mr.FastForward(2 * time.Minute)

	if d := gate.Begin(ctx, "actor-1", "key-1"); d.Outcome != OutcomeProceed {
		t.Fatalf("Begin() after TTL expiry outcome = %v, want OutcomeProceed", d.Outcome)
	}
}

func TestBegin_CacheDownFallsBackInProcess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate, mr := testGate(t)
	ctx := context.Background()

	mr.Close()

	if d := gate.Begin(ctx, "actor-1", "key-1"); d.Outcome != OutcomeProceed {
		t.Fatalf("Begin() with cache down outcome = %v, want OutcomeProceed", d.Outcome)
	}

	// The fallback map still enforces the in-flight conflict.
	if d := gate.Begin(ctx, "actor-1", "key-1"); d.Outcome != OutcomeConflict {
		t.Fatalf("second Begin() with cache down outcome = %v, want OutcomeConflict", d.Outcome)
	}
}

func TestNewGate_NilClientRunsOnFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gate := NewGate(nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	gate.Begin(ctx, "actor-1", "key-1")
	gate.Complete(ctx, "actor-1", "key-1", 201, []byte("ok"))

	decision := gate.Begin(ctx, "actor-1", "key-1")
	if decision.Outcome != OutcomeReplay {
		t.Fatalf("Begin() outcome = %v, want OutcomeReplay", decision.Outcome)
	}

	if err := gate.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() with nil client = %v, want nil", err)
	}
}

// ==============================================================================
// Unit Tests: Bounded fallback store
// ==============================================================================

func TestFallbackStore_EvictsOldestAtCapacity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFallbackStore()

	for i := 0; i < maxFallbackEntries+10; i++ {
		store.complete(fmt.Sprintf("key-%d", i), record{Status: statusCompleted}, time.Hour)
	}

	if got := store.size(); got != maxFallbackEntries {
		t.Fatalf("fallback size = %d, want %d", got, maxFallbackEntries)
	}

	// The first insertions were evicted; the newest survive.
	if d := store.begin("key-0", time.Minute); d.Outcome != OutcomeProceed {
		t.Errorf("begin(evicted key) outcome = %v, want OutcomeProceed", d.Outcome)
	}

	lastKey := fmt.Sprintf("key-%d", maxFallbackEntries+9)
	if d := store.begin(lastKey, time.Minute); d.Outcome != OutcomeReplay {
		t.Errorf("begin(newest key) outcome = %v, want OutcomeReplay", d.Outcome)
	}
}

func TestFallbackStore_ExpiredEntryTreatedAsAbsent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFallbackStore()
	store.complete("key-1", record{Status: statusCompleted}, -time.Second)

	if d := store.begin("key-1", time.Minute); d.Outcome != OutcomeProceed {
		t.Errorf("begin(expired key) outcome = %v, want OutcomeProceed", d.Outcome)
	}
}

// Package idempotency enforces at-most-once effects per (actor, client key).
//
// The gate fronts the ingestion handlers: a request carrying an idempotency
// key either proceeds (first arrival), replays the cached response
// (completed), or conflicts (a request with the same key is still in
// flight). The primary store is Redis; when Redis is disabled or
// unreachable the gate degrades to a bounded in-process map, which
// preserves correctness on a single replica but loses cross-replica replay.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for record lifetimes. In-flight records expire quickly so a
// crashed handler cannot permanently block client retries.
const (
	DefaultCompletedTTL = 24 * time.Hour
	DefaultInFlightTTL  = 60 * time.Second
)

// Record statuses.
const (
	statusInFlight  = "in_flight"
	statusCompleted = "completed"
)

type (
	// Outcome is the gate's decision for a keyed request.
	Outcome int

	// Decision carries the outcome plus the cached response on replay.
	Decision struct {
		Outcome    Outcome
		StatusCode int
		Body       []byte
	}

	// record is the stored idempotency state, JSON-encoded in the cache.
	record struct {
		Status     string    `json:"status"`
		StatusCode int       `json:"statusCode,omitempty"`
		Body       []byte    `json:"body,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
	}

	// Config holds the gate's tunables.
	Config struct {
		CompletedTTL time.Duration
		InFlightTTL  time.Duration
	}

	// Gate is the idempotency gate. Safe for concurrent use.
	Gate struct {
		client   redis.UniversalClient
		fallback *fallbackStore
		config   Config
		logger   *slog.Logger
	}
)

// Gate outcomes.
const (
	// OutcomeProceed means the key is fresh: execute the handler.
	OutcomeProceed Outcome = iota

	// OutcomeReplay means the key completed earlier: replay the cached
	// status and body without executing downstream stages.
	OutcomeReplay

	// OutcomeConflict means a request with the same key is in flight:
	// respond 409.
	OutcomeConflict
)

// NewGate creates an idempotency gate. client may be nil, in which case the
// gate runs entirely on the in-process fallback store.
func NewGate(client redis.UniversalClient, config Config, logger *slog.Logger) *Gate {
	if config.CompletedTTL <= 0 {
		config.CompletedTTL = DefaultCompletedTTL
	}

	if config.InFlightTTL <= 0 {
		config.InFlightTTL = DefaultInFlightTTL
	}

	return &Gate{
		client:   client,
		fallback: newFallbackStore(),
		config:   config,
		logger:   logger.With(slog.String("component", "idempotency")),
	}
}

// scopedKey builds the cache key. The actor ID is part of the key so one
// actor can never replay or block another actor's submissions.
func scopedKey(actorID, clientKey string) string {
	return "idem:" + actorID + ":" + clientKey
}

// Begin resolves the gate decision for a keyed request.
//
// Protocol:
//  1. Completed record: replay cached status + body.
//  2. In-flight record: conflict.
//  3. Absent: atomically set in-flight (SETNX) with the short TTL; proceed.
//     Losing a SETNX race is a conflict.
//
// A cache failure never fails the request: the gate falls back to the
// in-process store and proceeds with its answer.
func (g *Gate) Begin(ctx context.Context, actorID, clientKey string) Decision {
	key := scopedKey(actorID, clientKey)

	if g.client == nil {
		return g.fallback.begin(key, g.config.InFlightTTL)
	}

	decision, err := g.beginRedis(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "idempotency cache unavailable, using in-process fallback",
			slog.String("error", err.Error()),
		)

		return g.fallback.begin(key, g.config.InFlightTTL)
	}

	return decision
}

// Complete overwrites the in-flight record with the final response and the
// full completed TTL. Failures are logged only: the response has already
// been computed and must not be withheld over a cache write.
func (g *Gate) Complete(ctx context.Context, actorID, clientKey string, statusCode int, body []byte) {
	key := scopedKey(actorID, clientKey)
	rec := record{
		Status:     statusCompleted,
		StatusCode: statusCode,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}

	if g.client == nil {
		g.fallback.complete(key, rec, g.config.CompletedTTL)

		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		g.logger.ErrorContext(ctx, "idempotency record marshal failed", slog.String("error", err.Error()))

		return
	}

	if err := g.client.Set(ctx, key, payload, g.config.CompletedTTL).Err(); err != nil {
		g.logger.WarnContext(ctx, "idempotency completion write failed, using in-process fallback",
			slog.String("error", err.Error()),
		)
		g.fallback.complete(key, rec, g.config.CompletedTTL)
	}
}

// Clear removes the in-flight record after a handler error so the client
// may retry with the same key.
func (g *Gate) Clear(ctx context.Context, actorID, clientKey string) {
	key := scopedKey(actorID, clientKey)

	g.fallback.clear(key)

	if g.client == nil {
		return
	}

	if err := g.client.Del(ctx, key).Err(); err != nil {
		g.logger.WarnContext(ctx, "idempotency clear failed", slog.String("error", err.Error()))
	}
}

// HealthCheck verifies the primary cache is reachable. A nil client reports
// healthy: the fallback store needs no connectivity.
func (g *Gate) HealthCheck(ctx context.Context) error {
	if g.client == nil {
		return nil
	}

	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("idempotency cache ping failed: %w", err)
	}

	return nil
}

// beginRedis runs the Begin protocol against Redis.
func (g *Gate) beginRedis(ctx context.Context, key string) (Decision, error) {
	raw, err := g.client.Get(ctx, key).Bytes()

	switch {
	case err == nil:
		var rec record
		if unmarshalErr := json.Unmarshal(raw, &rec); unmarshalErr != nil {
			// Unreadable record: treat as absent rather than blocking the key.
			g.logger.WarnContext(ctx, "corrupt idempotency record, overwriting",
				slog.String("error", unmarshalErr.Error()),
			)

			return g.acquireRedis(ctx, key)
		}

		if rec.Status == statusCompleted {
			return Decision{Outcome: OutcomeReplay, StatusCode: rec.StatusCode, Body: rec.Body}, nil
		}

		return Decision{Outcome: OutcomeConflict}, nil

	case errors.Is(err, redis.Nil):
		return g.acquireRedis(ctx, key)

	default:
		return Decision{}, err
	}
}

// acquireRedis attempts the SETNX in-flight acquisition.
func (g *Gate) acquireRedis(ctx context.Context, key string) (Decision, error) {
	payload, err := json.Marshal(record{Status: statusInFlight, CreatedAt: time.Now().UTC()})
	if err != nil {
		return Decision{}, err
	}

	acquired, err := g.client.SetNX(ctx, key, payload, g.config.InFlightTTL).Result()
	if err != nil {
		return Decision{}, err
	}

	if !acquired {
		// Lost the race to a concurrent request with the same key.
		return Decision{Outcome: OutcomeConflict}, nil
	}

	return Decision{Outcome: OutcomeProceed}, nil
}

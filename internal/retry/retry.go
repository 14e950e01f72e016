// Package retry provides a retry-with-backoff wrapper for transient failures.
//
// Every I/O operation in the ingestion pipeline runs through Retrier.Do:
// vault inserts, chain-append transactions, idempotency cache writes. The
// default classifier retries network faults and transient Postgres errors;
// validation, auth, and constraint violations propagate immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Defaults for the backoff schedule: roughly 1s, 2s, 4s, 8s, 16s plus jitter.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second

	maxJitter = 500 * time.Millisecond
)

type (
	// Classifier decides whether an error is transient and worth retrying.
	Classifier func(error) bool

	// Config holds the retry policy knobs, all with explicit defaults.
	Config struct {
		MaxAttempts int
		BaseDelay   time.Duration
		MaxDelay    time.Duration
	}

	// Retrier wraps operations with exponential backoff and jitter.
	Retrier struct {
		config   Config
		classify Classifier
		logger   *slog.Logger
	}

	// Option customizes a single Do invocation.
	Option func(*callOptions)

	callOptions struct {
		classify Classifier
	}
)

// WithClassifier overrides the transient-error classifier for one call site.
func WithClassifier(classify Classifier) Option {
	return func(o *callOptions) {
		o.classify = classify
	}
}

// NewRetrier creates a Retrier. Zero config fields fall back to defaults.
func NewRetrier(config Config, logger *slog.Logger) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}

	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}

	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}

	return &Retrier{
		config:   config,
		classify: IsTransient,
		logger:   logger.With(slog.String("component", "retry")),
	}
}

// Do runs fn until it succeeds, fails non-transiently, or exhausts the
// attempt budget. The label identifies the operation in log records.
//
// State machine per invocation:
//   - success: return nil; a recovery log is emitted if attempt > 1.
//   - non-transient error: propagate immediately.
//   - transient error, attempts left: sleep the backoff delay, continue.
//   - transient error, budget exhausted: emit exhaustion log, propagate.
//
// The sleep honours ctx cancellation.
func (r *Retrier) Do(ctx context.Context, label string, fn func(context.Context) error, opts ...Option) error {
	call := callOptions{classify: r.classify}
	for _, opt := range opts {
		opt(&call)
	}

	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.InfoContext(ctx, "operation recovered after retry",
					slog.String("operation", label),
					slog.Int("attempt", attempt),
				)
			}

			return nil
		}

		if !call.classify(err) {
			return err
		}

		lastErr = err

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)

		r.logger.WarnContext(ctx, "transient failure, retrying",
			slog.String("operation", label),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	r.logger.ErrorContext(ctx, "retry budget exhausted",
		slog.String("operation", label),
		slog.Int("attempts", r.config.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)

	return lastErr
}

// backoff computes the delay after a failed attempt n (1-indexed):
// min(base * 2^(n-1), max) + uniform(0, min(base/2, 500ms)).
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.config.BaseDelay << (attempt - 1)
	if delay > r.config.MaxDelay || delay <= 0 {
		delay = r.config.MaxDelay
	}

	jitterCeil := r.config.BaseDelay / 2
	if jitterCeil > maxJitter {
		jitterCeil = maxJitter
	}

	if jitterCeil > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterCeil)))
	}

	return delay
}

// IsTransient is the default classifier.
//
// Transient: network faults (refused, reset, timeout, DNS, unreachable),
// Postgres transaction/resource/connection classes (40, 53, 57, 08), and
// upstream "temporarily unavailable" conditions.
//
// Non-transient: everything else, notably integrity violations (class 23)
// and domain errors, which cannot succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exceptions
			"40", // transaction rollback (deadlock, serialization failure)
			"53", // insufficient resources (too many connections)
			"57": // operator intervention (connection terminated)
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	transientMarkers := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"temporarily unavailable",
		"service unavailable",
	}

	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

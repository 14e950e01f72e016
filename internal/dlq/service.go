package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/ingestion"
)

// DefaultAlertThreshold is the pending depth that triggers an alert record.
const DefaultAlertThreshold = 100

type (
	// Ingester re-runs a dead-lettered payload through the ingestion
	// pipeline. Injected from the composition root to keep this package
	// independent of request parsing; implementations must request a fresh
	// sequence allocation because the original sequence may now be in use.
	Ingester func(ctx context.Context, entry *Entry) (*ingestion.Event, error)

	// RetryOutcome reports the result of one admin-triggered retry.
	//
	// The admin surface always answers 200 with this outcome so operators
	// can distinguish "retry executed and failed" from "retry call failed".
	RetryOutcome struct {
		Succeeded     bool
		Event         *ingestion.Event
		FailureReason string
	}

	// Service implements DLQ routing, depth alerting, and the admin
	// recovery operations. It satisfies ingestion.DeadLetterRouter.
	Service struct {
		store     Store
		ingest    Ingester
		threshold int
		logger    *slog.Logger
	}
)

// Compile-time check: the pipeline routes through this service.
var _ ingestion.DeadLetterRouter = (*Service)(nil)

// NewService creates the DLQ service. The Ingester is attached separately
// via SetIngester because the pipeline that provides it is itself
// constructed with this service as its router.
func NewService(store Store, threshold int, logger *slog.Logger) *Service {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}

	return &Service{
		store:     store,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "dlq")),
	}
}

// SetIngester attaches the retry ingester. Must be called before Retry.
func (s *Service) SetIngester(ingest Ingester) {
	s.ingest = ingest
}

// Route preserves a terminally failed submission. Fire-and-forget: failures
// are logged, never returned, because the HTTP response may already be on
// the wire.
func (s *Service) Route(ctx context.Context, letter *ingestion.DeadLetter) {
	now := time.Now().UTC()
	entry := &Entry{
		Payload:        letter.Payload,
		FailureReason:  letter.Reason,
		FirstFailureAt: now,
		LastFailureAt:  now,
		Status:         StatusPending,
		SourceEndpoint: letter.Endpoint,
		SourceDeviceID: letter.DeviceID,
		BatchIndex:     letter.BatchIndex,
		VaultRecordID:  letter.VaultRecordID,
		ActorID:        letter.ActorID,
		SourceIP:       letter.SourceIP,
		UserAgent:      letter.UserAgent,
	}

	id, err := s.store.Insert(ctx, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "DLQ insert failed, payload lost from queue",
			slog.String("endpoint", letter.Endpoint),
			slog.String("device_id", letter.DeviceID),
			slog.String("reason", letter.Reason),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.WarnContext(ctx, "submission dead-lettered",
		slog.String("dlq_id", id),
		slog.String("endpoint", letter.Endpoint),
		slog.String("device_id", letter.DeviceID),
		slog.String("reason", letter.Reason),
	)

	s.checkDepth(ctx)
}

// List returns entries matching the filter, payloads omitted.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}

	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return s.store.List(ctx, filter)
}

// Get returns one entry including its payload.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// Stats returns per-status counts plus the threshold flag.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("DLQ stats failed: %w", err)
	}

	stats := &Stats{
		Pending:   counts[StatusPending],
		Retrying:  counts[StatusRetrying],
		Resolved:  counts[StatusResolved],
		Discarded: counts[StatusDiscarded],
		Threshold: s.threshold,
	}
	stats.Total = stats.Pending + stats.Retrying + stats.Resolved + stats.Discarded
	stats.ThresholdExceeded = stats.Pending > s.threshold

	return stats, nil
}

// Retry re-runs a pending entry through the ingestion pipeline.
//
// The entry transitions pending -> retrying first; on ingestion success it
// becomes resolved with a note referencing the new event, on failure it
// returns to pending with retry_count incremented. The returned outcome is
// non-nil whenever the retry was executed, regardless of its result.
func (s *Service) Retry(ctx context.Context, id, resolvedBy string) (*RetryOutcome, error) {
	if s.ingest == nil {
		return nil, fmt.Errorf("DLQ retry unavailable: no ingester attached")
	}

	entry, err := s.store.MarkRetrying(ctx, id)
	if err != nil {
		return nil, err
	}

	event, ingestErr := s.ingest(ctx, entry)
	if ingestErr != nil {
		if markErr := s.store.MarkRetryFailed(ctx, id, ingestErr.Error()); markErr != nil {
			s.logger.ErrorContext(ctx, "DLQ retry-failed transition failed",
				slog.String("dlq_id", id),
				slog.String("error", markErr.Error()),
			)
		}

		return &RetryOutcome{Succeeded: false, FailureReason: ingestErr.Error()}, nil
	}

	notes := fmt.Sprintf("resolved by retry: event %s (sequence %d)", event.ID, event.SequenceID)
	if markErr := s.store.MarkResolved(ctx, id, resolvedBy, notes); markErr != nil {
		s.logger.ErrorContext(ctx, "DLQ resolved transition failed",
			slog.String("dlq_id", id),
			slog.String("event_id", event.ID),
			slog.String("error", markErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "DLQ entry resolved",
		slog.String("dlq_id", id),
		slog.String("event_id", event.ID),
		slog.String("resolved_by", resolvedBy),
	)

	return &RetryOutcome{Succeeded: true, Event: event}, nil
}

// Discard transitions a pending entry to discarded.
func (s *Service) Discard(ctx context.Context, id, resolvedBy, notes string) error {
	if err := s.store.MarkDiscarded(ctx, id, resolvedBy, notes); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "DLQ entry discarded",
		slog.String("dlq_id", id),
		slog.String("resolved_by", resolvedBy),
	)

	return nil
}

// checkDepth reads the pending depth asynchronously after an insert and
// emits an elevated-severity alert record when it crosses the threshold.
func (s *Service) checkDepth(ctx context.Context) {
	go func() {
		depthCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		pending, err := s.store.CountPending(depthCtx)
		if err != nil {
			s.logger.WarnContext(depthCtx, "DLQ depth check failed", slog.String("error", err.Error()))

			return
		}

		if pending > s.threshold {
			s.logger.ErrorContext(depthCtx, "DLQ pending depth exceeds alert threshold",
				slog.String("alert", "dlq_depth"),
				slog.Int("pending", pending),
				slog.Int("threshold", s.threshold),
			)
		}
	}()
}

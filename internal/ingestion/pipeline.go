package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/retry"
)

// asyncTimeout bounds the fire-and-forget effects (vault status updates,
// DLQ routing) that outlive the request context.
const asyncTimeout = 10 * time.Second

type (
	// DeadLetter is the payload handed to the DLQ router when ingestion
	// fails terminally. It carries everything needed to replay the
	// submission later without the original request.
	DeadLetter struct {
		Payload       []byte
		Reason        string
		Endpoint      string
		DeviceID      string
		ActorID       string
		SourceIP      string
		UserAgent     string
		BatchIndex    int
		VaultRecordID string
	}

	// DeadLetterRouter preserves failed submissions for human-mediated
	// recovery. Implementations log their own failures; Route never returns
	// an error because routing is fire-and-forget relative to the response.
	DeadLetterRouter interface {
		Route(ctx context.Context, letter *DeadLetter)
	}

	// ValidationFailure is the error returned when an event is rejected by
	// the validator. It is a client error: retrying the same payload cannot
	// succeed, so it never reaches the DLQ.
	ValidationFailure struct {
		Errors []FieldError
	}

	// BatchItemResult is the outcome for one event of a batch submission,
	// keyed by its original index.
	BatchItemResult struct {
		Index int

		// Event is the stored event when the item was accepted.
		Event *Event

		// Errors holds validation errors when the item was rejected.
		Errors []FieldError

		// Failed marks a terminal ingestion failure (dead-lettered).
		Failed bool

		// FailureReason describes the ingestion failure.
		FailureReason string
	}

	// BatchResult aggregates per-item outcomes of a batch submission.
	BatchResult struct {
		Items    []BatchItemResult
		Accepted int
		Rejected int
	}

	// Pipeline runs a submission through the ingestion stages: vault capture,
	// validation, sequencing plus chain append, and DLQ routing on terminal
	// failure. The idempotency gate wraps the pipeline at the HTTP layer.
	Pipeline struct {
		vault     VaultStore
		events    EventStore
		validator *Validator
		crossref  *CrossRefChecker
		dlq       DeadLetterRouter
		retrier   *retry.Retrier
		logger    *slog.Logger
	}
)

// Error implements the error interface.
func (f *ValidationFailure) Error() string {
	if len(f.Errors) == 0 {
		return "event validation failed"
	}

	fields := make([]string, 0, len(f.Errors))
	for _, fe := range f.Errors {
		fields = append(fields, fe.Field)
	}

	return fmt.Sprintf("event validation failed: %s", strings.Join(fields, ", "))
}

// NewPipeline wires the ingestion stages together.
func NewPipeline(
	vault VaultStore,
	events EventStore,
	validator *Validator,
	crossref *CrossRefChecker,
	dlq DeadLetterRouter,
	retrier *retry.Retrier,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		vault:     vault,
		events:    events,
		validator: validator,
		crossref:  crossref,
		dlq:       dlq,
		retrier:   retrier,
		logger:    logger.With(slog.String("component", "pipeline")),
	}
}

// IngestEvent runs a single submission through every stage.
//
// The raw payload is captured first unless the caller already captured it via
// CaptureRaw (sub.VaultRecordID set). Returns the stored event on acceptance.
// A *ValidationFailure error means the event was rejected by the validator or
// by sequence validation (vault row marked rejected, no DLQ entry). Any other
// error is a terminal ingestion failure: the payload is already captured in
// the vault and routed to the DLQ before this returns.
func (p *Pipeline) IngestEvent(ctx context.Context, sub *Submission) (*Event, error) {
	if sub.VaultRecordID == "" {
		if err := p.captureSingle(ctx, sub); err != nil {
			return nil, fmt.Errorf("vault capture failed: %w", err)
		}
	}

	events := []*Event{sub.Event}

	failures := p.validator.ValidateBatch(events)
	for index, errs := range p.crossref.Check(ctx, events, failures) {
		failures[index] = append(failures[index], errs...)
	}

	if errs, rejected := failures[0]; rejected {
		p.updateVaultAsync(ctx, []VaultStatusUpdate{{
			RecordID:     sub.VaultRecordID,
			Status:       VaultStatusRejected,
			ErrorMessage: summarizeErrors(errs),
		}})

		return nil, &ValidationFailure{Errors: errs}
	}

	stored, err := p.appendWithRetry(ctx, sub.Event)
	if err != nil {
		// Sequence conflicts are client errors: the payload cannot succeed
		// unchanged, so it is rejected instead of dead-lettered.
		if fe, ok := sequenceFieldError(err); ok {
			p.updateVaultAsync(ctx, []VaultStatusUpdate{{
				RecordID:     sub.VaultRecordID,
				Status:       VaultStatusRejected,
				ErrorMessage: fe.Message,
			}})

			return nil, &ValidationFailure{Errors: []FieldError{fe}}
		}

		p.updateVaultAsync(ctx, []VaultStatusUpdate{{
			RecordID:     sub.VaultRecordID,
			Status:       VaultStatusFailed,
			ErrorMessage: err.Error(),
		}})
		p.routeDeadLetterAsync(ctx, sub, err)

		return nil, fmt.Errorf("event ingestion failed: %w", err)
	}

	p.updateVaultAsync(ctx, []VaultStatusUpdate{{
		RecordID: sub.VaultRecordID,
		Status:   VaultStatusProcessed,
		EventID:  stored.ID,
	}})

	return stored, nil
}

// IngestBatch fans a batch out into independent single-event flows.
//
// The batch is captured to the vault in one round trip, validated as a whole
// (including the cross-event monotonicity rule), then each valid event is
// appended sequentially relative to its scope. Per-item outcomes carry the
// original batch index; the request as a whole only fails when the vault
// capture fails.
func (p *Pipeline) IngestBatch(ctx context.Context, subs []*Submission) (*BatchResult, error) {
	if err := p.captureBatch(ctx, subs); err != nil {
		return nil, fmt.Errorf("vault capture failed: %w", err)
	}

	events := make([]*Event, len(subs))
	for i, sub := range subs {
		events[i] = sub.Event
	}

	failures := p.validator.ValidateBatch(events)
	for index, errs := range p.crossref.Check(ctx, events, failures) {
		failures[index] = append(failures[index], errs...)
	}

	result := &BatchResult{Items: make([]BatchItemResult, len(subs))}
	updates := make([]VaultStatusUpdate, 0, len(subs))

	for i, sub := range subs {
		item := BatchItemResult{Index: i}

		if errs, rejected := failures[i]; rejected {
			item.Errors = errs
			result.Rejected++
			updates = append(updates, VaultStatusUpdate{
				RecordID:     sub.VaultRecordID,
				Status:       VaultStatusRejected,
				ErrorMessage: summarizeErrors(errs),
			})
			result.Items[i] = item

			continue
		}

		stored, err := p.appendWithRetry(ctx, sub.Event)
		if err != nil {
			if fe, ok := sequenceFieldError(err); ok {
				item.Errors = []FieldError{fe}
				result.Rejected++
				updates = append(updates, VaultStatusUpdate{
					RecordID:     sub.VaultRecordID,
					Status:       VaultStatusRejected,
					ErrorMessage: fe.Message,
				})
				result.Items[i] = item

				continue
			}

			item.Failed = true
			item.FailureReason = err.Error()
			result.Rejected++
			updates = append(updates, VaultStatusUpdate{
				RecordID:     sub.VaultRecordID,
				Status:       VaultStatusFailed,
				ErrorMessage: err.Error(),
			})
			p.routeDeadLetterAsync(ctx, sub, err)
			result.Items[i] = item

			continue
		}

		item.Event = stored
		result.Accepted++
		updates = append(updates, VaultStatusUpdate{
			RecordID: sub.VaultRecordID,
			Status:   VaultStatusProcessed,
			EventID:  stored.ID,
		})
		result.Items[i] = item
	}

	p.updateVaultAsync(ctx, updates)

	return result, nil
}

// CaptureRaw writes the raw submission to the vault before any parsing has
// happened. sub.Event may still be nil; the handler calls this with the bytes
// as received, then parses, so unparseable and replayed submissions leave a
// forensic record too. Failure aborts the request.
func (p *Pipeline) CaptureRaw(ctx context.Context, sub *Submission) error {
	if err := p.captureSingle(ctx, sub); err != nil {
		return fmt.Errorf("vault capture failed: %w", err)
	}

	return nil
}

// ResolveCapture transitions a captured vault record to its terminal status
// when the submission never reaches IngestEvent (parse failure, idempotent
// replay, idempotency conflict). Fire-and-forget like the in-pipeline
// transitions; a missing record ID is a no-op.
func (p *Pipeline) ResolveCapture(ctx context.Context, recordID string, status VaultStatus, message string) {
	if recordID == "" {
		return
	}

	p.updateVaultAsync(ctx, []VaultStatusUpdate{{
		RecordID:     recordID,
		Status:       status,
		ErrorMessage: message,
	}})
}

// captureSingle writes the raw submission to the vault before any parsing
// outcome matters. Runs through the retry wrapper; failure aborts the request.
func (p *Pipeline) captureSingle(ctx context.Context, sub *Submission) error {
	return p.retrier.Do(ctx, "vault.insert", func(ctx context.Context) error {
		id, err := p.vault.Insert(ctx, vaultRecordFor(sub))
		if err != nil {
			return err
		}

		sub.VaultRecordID = id

		return nil
	})
}

// captureBatch writes all raw submissions in one round trip.
func (p *Pipeline) captureBatch(ctx context.Context, subs []*Submission) error {
	records := make([]*VaultRecord, len(subs))
	for i, sub := range subs {
		records[i] = vaultRecordFor(sub)
	}

	return p.retrier.Do(ctx, "vault.insertBatch", func(ctx context.Context) error {
		ids, err := p.vault.InsertBatch(ctx, records)
		if err != nil {
			return err
		}

		for i, id := range ids {
			subs[i].VaultRecordID = id
		}

		return nil
	})
}

// appendWithRetry runs the chain-append transaction through the retry
// wrapper. Sequence conflicts are not transient and propagate immediately.
func (p *Pipeline) appendWithRetry(ctx context.Context, event *Event) (*Event, error) {
	var stored *Event

	err := p.retrier.Do(ctx, "events.append", func(ctx context.Context) error {
		appended, appendErr := p.events.Append(ctx, event)
		if appendErr != nil {
			return appendErr
		}

		stored = appended

		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// updateVaultAsync applies vault status transitions fire-and-forget. The
// response may already be on the wire when this completes; failures are
// logged, never surfaced.
func (p *Pipeline) updateVaultAsync(ctx context.Context, updates []VaultStatusUpdate) {
	if len(updates) == 0 {
		return
	}

	go func() {
		asyncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncTimeout)
		defer cancel()

		if err := p.vault.UpdateStatuses(asyncCtx, updates); err != nil {
			p.logger.WarnContext(asyncCtx, "vault status update failed",
				slog.Int("updates", len(updates)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// routeDeadLetterAsync preserves a terminally failed submission without
// blocking the response.
func (p *Pipeline) routeDeadLetterAsync(ctx context.Context, sub *Submission, cause error) {
	letter := &DeadLetter{
		Payload:       sub.RawPayload,
		Reason:        cause.Error(),
		Endpoint:      sub.Endpoint,
		DeviceID:      sub.Event.DeviceID,
		ActorID:       sub.ActorID,
		SourceIP:      sub.SourceIP,
		UserAgent:     sub.UserAgent,
		BatchIndex:    sub.BatchIndex,
		VaultRecordID: sub.VaultRecordID,
	}

	go func() {
		asyncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncTimeout)
		defer cancel()

		p.dlq.Route(asyncCtx, letter)
	}()
}

// sequenceFieldError maps sequence-conflict sentinels from the event store
// onto a field-level validation error.
func sequenceFieldError(err error) (FieldError, bool) {
	if errors.Is(err, ErrDuplicateSequence) || errors.Is(err, ErrSequenceRegression) {
		return FieldError{Field: "eventSequenceId", Message: err.Error()}, true
	}

	return FieldError{}, false
}

// vaultRecordFor builds the vault row for a submission. The device comes from
// the parsed event when one exists, else from the transport-level identity.
func vaultRecordFor(sub *Submission) *VaultRecord {
	deviceID := sub.DeviceID
	if sub.Event != nil && sub.Event.DeviceID != "" {
		deviceID = sub.Event.DeviceID
	}

	return &VaultRecord{
		Payload:    sub.RawPayload,
		ReceivedAt: time.Now().UTC(),
		DeviceID:   deviceID,
		ActorID:    sub.ActorID,
		SourceIP:   sub.SourceIP,
		UserAgent:  sub.UserAgent,
		BatchID:    sub.BatchID,
		BatchIndex: sub.BatchIndex,
		Status:     VaultStatusReceived,
	}
}

// summarizeErrors flattens field errors into a vault error message.
func summarizeErrors(errs []FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fe.Field+": "+fe.Message)
	}

	summary := strings.Join(parts, "; ")

	// Long strings in stored errors are truncated.
	const maxLen = 500
	if len(summary) > maxLen {
		summary = summary[:maxLen]
	}

	return summary
}

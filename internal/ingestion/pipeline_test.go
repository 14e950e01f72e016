package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/retry"
)

// ============================================================================
// Pipeline Test Fakes
// ============================================================================

type memVault struct {
	mu      sync.Mutex
	records []*VaultRecord
	updates []VaultStatusUpdate
	failure error
}

func (v *memVault) Insert(_ context.Context, record *VaultRecord) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failure != nil {
		return "", v.failure
	}

	record.ID = fmt.Sprintf("vault-%d", len(v.records)+1)
	v.records = append(v.records, record)

	return record.ID, nil
}

func (v *memVault) InsertBatch(ctx context.Context, records []*VaultRecord) ([]string, error) {
	ids := make([]string, len(records))

	for i, record := range records {
		id, err := v.Insert(ctx, record)
		if err != nil {
			return nil, err
		}

		ids[i] = id
	}

	return ids, nil
}

func (v *memVault) UpdateStatuses(_ context.Context, updates []VaultStatusUpdate) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.updates = append(v.updates, updates...)

	return nil
}

func (v *memVault) statusOf(recordID string) (VaultStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := len(v.updates) - 1; i >= 0; i-- {
		if v.updates[i].RecordID == recordID {
			return v.updates[i].Status, true
		}
	}

	return "", false
}

type memEventStore struct {
	mu       sync.Mutex
	appended []*Event
	attempts int

	// failures is a queue of errors returned by successive Append calls
	// before the store starts succeeding.
	failures []error
}

func (s *memEventStore) Append(_ context.Context, event *Event) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]

		return nil, err
	}

	stored := *event
	stored.ID = fmt.Sprintf("evt-%d", len(s.appended)+1)

	if stored.SequenceID == 0 {
		stored.SequenceID = len(s.appended) + 1
	}

	stored.ContentHash = fmt.Sprintf("content-%d", stored.SequenceID)
	stored.ChainHash = fmt.Sprintf("chain-%d", stored.SequenceID)
	stored.Version = 1
	stored.CreatedAt = time.Now().UTC()

	s.appended = append(s.appended, &stored)

	return &stored, nil
}

func (s *memEventStore) ListScope(context.Context, string, string) ([]*Event, error) {
	return nil, nil
}

func (s *memEventStore) SequenceGaps(context.Context, string, string) ([]int, error) {
	return nil, nil
}

func (s *memEventStore) VerifyChain(context.Context, string, string) (*ChainVerification, error) {
	return &ChainVerification{Intact: true}, nil
}

func (s *memEventStore) HealthCheck(context.Context) error { return nil }

func (s *memEventStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.appended)
}

type memRouter struct {
	mu      sync.Mutex
	letters []*DeadLetter
}

func (r *memRouter) Route(_ context.Context, letter *DeadLetter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.letters = append(r.letters, letter)
}

func (r *memRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.letters)
}

// memRefStore resolves every ID that is not listed in missing.
type memRefStore struct {
	missing map[string]bool
	failure error
}

func (s *memRefStore) ResolveDrivers(_ context.Context, ids []string) (map[string]bool, error) {
	return s.resolve(ids)
}

func (s *memRefStore) ResolveVehicles(_ context.Context, ids []string) (map[string]bool, error) {
	return s.resolve(ids)
}

func (s *memRefStore) resolve(ids []string) (map[string]bool, error) {
	if s.failure != nil {
		return nil, s.failure
	}

	found := make(map[string]bool, len(ids))

	for _, id := range ids {
		if !s.missing[id] {
			found[id] = true
		}
	}

	return found, nil
}

type pipelineHarness struct {
	pipeline *Pipeline
	vault    *memVault
	events   *memEventStore
	router   *memRouter
	refs     *memRefStore
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	h := &pipelineHarness{
		vault:  &memVault{},
		events: &memEventStore{},
		router: &memRouter{},
		refs:   &memRefStore{},
	}

	retrier := retry.NewRetrier(retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, logger)

	h.pipeline = NewPipeline(
		h.vault,
		h.events,
		NewValidator(),
		NewCrossRefChecker(h.refs, false, logger),
		h.router,
		retrier,
		logger,
	)

	return h
}

func submissionFor(event *Event) *Submission {
	return &Submission{
		Event:      event,
		RawPayload: []byte(`{"deviceId":"device-1"}`),
		ActorID:    "actor-1",
		SourceIP:   "203.0.113.9",
		UserAgent:  "eld-gateway/2.1",
		Endpoint:   "/events",
		BatchIndex: -1,
	}
}

// waitUntil polls for fire-and-forget effects that complete after the
// pipeline call returns.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

// ============================================================================
// Single-Event Ingestion Tests
// ============================================================================

func TestIngestEvent_Accepted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	sub := submissionFor(validEvent(time.Now().UTC()))

	stored, err := h.pipeline.IngestEvent(t.Context(), sub)
	if err != nil {
		t.Fatalf("IngestEvent() error = %v", err)
	}

	if stored.ID == "" || stored.SequenceID == 0 || stored.ChainHash == "" {
		t.Errorf("stored event missing identity: %+v", stored)
	}

	if sub.VaultRecordID == "" {
		t.Error("vault record ID not set on submission")
	}

	waitUntil(t, func() bool {
		status, ok := h.vault.statusOf(sub.VaultRecordID)

		return ok && status == VaultStatusProcessed
	})
}

func TestIngestEvent_VaultCaptureIsAPrerequisite(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.vault.failure = errors.New("disk full")

	_, err := h.pipeline.IngestEvent(t.Context(), submissionFor(validEvent(time.Now().UTC())))
	if err == nil {
		t.Fatal("IngestEvent() succeeded without a vault record")
	}

	if h.events.appendCount() != 0 {
		t.Error("event appended despite failed vault capture")
	}
}

func TestIngestEvent_RejectionMarksVaultNotDLQ(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)

	event := validEvent(time.Now().UTC())
	event.EventType = 9
	sub := submissionFor(event)

	_, err := h.pipeline.IngestEvent(t.Context(), sub)

	var failure *ValidationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("IngestEvent() error = %v, want *ValidationFailure", err)
	}

	if h.events.appendCount() != 0 {
		t.Error("rejected event was appended")
	}

	waitUntil(t, func() bool {
		status, ok := h.vault.statusOf(sub.VaultRecordID)

		return ok && status == VaultStatusRejected
	})

	if h.router.count() != 0 {
		t.Error("validation rejection reached the DLQ")
	}
}

func TestIngestEvent_TerminalFailureDeadLetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.events.failures = []error{
		errors.New("append: connection refused"),
		errors.New("append: connection refused"),
		errors.New("append: connection refused"),
	}

	sub := submissionFor(validEvent(time.Now().UTC()))

	_, err := h.pipeline.IngestEvent(t.Context(), sub)
	if err == nil {
		t.Fatal("IngestEvent() = nil error, want terminal failure")
	}

	waitUntil(t, func() bool { return h.router.count() == 1 })

	h.router.mu.Lock()
	letter := h.router.letters[0]
	h.router.mu.Unlock()

	if letter.DeviceID != "device-1" || letter.VaultRecordID != sub.VaultRecordID {
		t.Errorf("dead letter = %+v, want device and vault linkage", letter)
	}

	waitUntil(t, func() bool {
		status, ok := h.vault.statusOf(sub.VaultRecordID)

		return ok && status == VaultStatusFailed
	})
}

func TestIngestEvent_TransientFailureRecovers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.events.failures = []error{errors.New("append: connection refused")}

	stored, err := h.pipeline.IngestEvent(t.Context(), submissionFor(validEvent(time.Now().UTC())))
	if err != nil {
		t.Fatalf("IngestEvent() error = %v, want recovery on retry", err)
	}

	if stored == nil || h.events.attempts != 2 {
		t.Errorf("attempts = %d, want 2", h.events.attempts)
	}

	if h.router.count() != 0 {
		t.Error("recovered submission reached the DLQ")
	}
}

// Sequence conflicts cannot succeed on retry: they surface as field-level
// rejections after a single attempt, and never reach the DLQ.
func TestIngestEvent_SequenceConflictRejectsWithoutRetry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		failure error
	}{
		{"duplicate sequence", ErrDuplicateSequence},
		{"sequence behind chain head", ErrSequenceRegression},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newPipelineHarness(t)
			h.events.failures = []error{tt.failure}

			sub := submissionFor(validEvent(time.Now().UTC()))

			_, err := h.pipeline.IngestEvent(t.Context(), sub)

			var failure *ValidationFailure
			if !errors.As(err, &failure) {
				t.Fatalf("IngestEvent() error = %v, want *ValidationFailure", err)
			}

			if !hasFieldError(failure.Errors, "eventSequenceId") {
				t.Errorf("errors = %v, want eventSequenceId", failure.Errors)
			}

			if h.events.attempts != 1 {
				t.Errorf("attempts = %d, want 1", h.events.attempts)
			}

			waitUntil(t, func() bool {
				status, ok := h.vault.statusOf(sub.VaultRecordID)

				return ok && status == VaultStatusRejected
			})

			if h.router.count() != 0 {
				t.Error("sequence conflict reached the DLQ")
			}
		})
	}
}

// CaptureRaw stores the payload before parsing, so the submission has no
// event yet; IngestEvent must reuse that record instead of inserting twice.
func TestIngestEvent_PreCapturedSubmissionNotRecaptured(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)

	sub := submissionFor(nil)
	sub.DeviceID = "device-1"

	if err := h.pipeline.CaptureRaw(t.Context(), sub); err != nil {
		t.Fatalf("CaptureRaw() error = %v", err)
	}

	if sub.VaultRecordID == "" {
		t.Fatal("vault record ID not set by CaptureRaw")
	}

	h.vault.mu.Lock()
	captured := h.vault.records[0].DeviceID
	h.vault.mu.Unlock()

	if captured != "device-1" {
		t.Errorf("captured device = %q, want transport-level identity", captured)
	}

	sub.Event = validEvent(time.Now().UTC())

	if _, err := h.pipeline.IngestEvent(t.Context(), sub); err != nil {
		t.Fatalf("IngestEvent() error = %v", err)
	}

	h.vault.mu.Lock()
	records := len(h.vault.records)
	h.vault.mu.Unlock()

	if records != 1 {
		t.Errorf("vault records = %d, want 1: pre-captured payload stored twice", records)
	}
}

// A capture that never reaches the pipeline (parse failure, idempotent
// replay) is resolved through ResolveCapture.
func TestResolveCapture_MarksRecord(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)

	sub := submissionFor(nil)
	sub.DeviceID = "device-1"

	if err := h.pipeline.CaptureRaw(t.Context(), sub); err != nil {
		t.Fatalf("CaptureRaw() error = %v", err)
	}

	h.pipeline.ResolveCapture(t.Context(), sub.VaultRecordID, VaultStatusRejected, "not a valid event document")

	waitUntil(t, func() bool {
		status, ok := h.vault.statusOf(sub.VaultRecordID)

		return ok && status == VaultStatusRejected
	})

	// A missing record ID is a no-op, not a panic.
	h.pipeline.ResolveCapture(t.Context(), "", VaultStatusRejected, "ignored")
}

func TestIngestEvent_UnknownDriverRejected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.refs.missing = map[string]bool{"driver-1": true}

	_, err := h.pipeline.IngestEvent(t.Context(), submissionFor(validEvent(time.Now().UTC())))

	var failure *ValidationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("IngestEvent() error = %v, want *ValidationFailure", err)
	}

	if !hasFieldError(failure.Errors, "driverId") {
		t.Errorf("errors = %v, want driverId", failure.Errors)
	}
}

// ============================================================================
// Batch Ingestion Tests
// ============================================================================

func TestIngestBatch_MixedOutcome(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	now := time.Now().UTC()

	good := validEvent(now)
	good.EventTimestamp = now.Add(-2 * time.Minute)

	bad := validEvent(now)
	bad.EventTimestamp = now.Add(-1 * time.Minute)
	bad.EventType = 9

	subs := []*Submission{submissionFor(good), submissionFor(bad)}
	for i, sub := range subs {
		sub.BatchID = "batch-1"
		sub.BatchIndex = i
	}

	result, err := h.pipeline.IngestBatch(t.Context(), subs)
	if err != nil {
		t.Fatalf("IngestBatch() error = %v", err)
	}

	if result.Accepted != 1 || result.Rejected != 1 {
		t.Fatalf("accepted = %d, rejected = %d, want 1/1", result.Accepted, result.Rejected)
	}

	if result.Items[0].Event == nil {
		t.Error("item 0 has no stored event")
	}

	if len(result.Items[1].Errors) == 0 {
		t.Error("item 1 has no validation errors")
	}

	if len(h.vault.records) != 2 {
		t.Errorf("vault records = %d, want 2: every submission is captured", len(h.vault.records))
	}
}

func TestIngestBatch_TerminalItemFailureIsPerItem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.events.failures = []error{ErrSequenceExhausted}

	now := time.Now().UTC()

	first := validEvent(now)
	first.EventTimestamp = now.Add(-2 * time.Minute)

	second := validEvent(now)
	second.EventTimestamp = now.Add(-1 * time.Minute)
	second.OdometerTenths = first.OdometerTenths + 100

	subs := []*Submission{submissionFor(first), submissionFor(second)}
	for i, sub := range subs {
		sub.BatchIndex = i
	}

	result, err := h.pipeline.IngestBatch(t.Context(), subs)
	if err != nil {
		t.Fatalf("IngestBatch() error = %v", err)
	}

	if !result.Items[0].Failed {
		t.Error("item 0 not marked failed")
	}

	if result.Items[1].Event == nil {
		t.Error("item 1 should have succeeded independently")
	}

	waitUntil(t, func() bool { return h.router.count() == 1 })
}

// A per-item sequence conflict is a validation rejection, not a terminal
// failure: the item carries field errors and is not dead-lettered.
func TestIngestBatch_SequenceConflictRejectedPerItem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.events.failures = []error{ErrSequenceRegression}

	now := time.Now().UTC()

	first := validEvent(now)
	first.EventTimestamp = now.Add(-2 * time.Minute)

	second := validEvent(now)
	second.EventTimestamp = now.Add(-1 * time.Minute)
	second.OdometerTenths = first.OdometerTenths + 100

	subs := []*Submission{submissionFor(first), submissionFor(second)}
	for i, sub := range subs {
		sub.BatchIndex = i
	}

	result, err := h.pipeline.IngestBatch(t.Context(), subs)
	if err != nil {
		t.Fatalf("IngestBatch() error = %v", err)
	}

	if result.Items[0].Failed {
		t.Error("item 0 marked as terminal failure, want validation rejection")
	}

	if !hasFieldError(result.Items[0].Errors, "eventSequenceId") {
		t.Errorf("item 0 errors = %v, want eventSequenceId", result.Items[0].Errors)
	}

	if result.Items[1].Event == nil {
		t.Error("item 1 should have succeeded independently")
	}

	waitUntil(t, func() bool {
		status, ok := h.vault.statusOf(subs[0].VaultRecordID)

		return ok && status == VaultStatusRejected
	})

	if h.router.count() != 0 {
		t.Error("sequence conflict reached the DLQ")
	}
}

func TestIngestBatch_VaultFailureAbortsWholeBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newPipelineHarness(t)
	h.vault.failure = errors.New("disk full")

	_, err := h.pipeline.IngestBatch(t.Context(), []*Submission{
		submissionFor(validEvent(time.Now().UTC())),
	})
	if err == nil {
		t.Fatal("IngestBatch() succeeded without vault capture")
	}

	if h.events.appendCount() != 0 {
		t.Error("events appended despite failed vault capture")
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/dlq"
	"github.com/fleetlog-io/fleetlog/internal/idempotency"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
	"github.com/fleetlog-io/fleetlog/internal/retry"
	"github.com/fleetlog-io/fleetlog/internal/terminal"
)

// ============================================================================
// Test Harness
// ============================================================================

// errAppendBroken simulates a terminal store failure.
var errAppendBroken = errors.New("append: connection refused")

// waitFor polls until the condition holds or the deadline passes. Used for
// fire-and-forget effects that complete after the response is written.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

// fakeEventStore is an in-memory EventStore that mimics sequence allocation
// and chain hashing closely enough for handler tests.
type fakeEventStore struct {
	mu        sync.Mutex
	appended  []*ingestion.Event
	appendErr error

	scopeEvents  []*ingestion.Event
	gaps         []int
	verification *ingestion.ChainVerification
}

func (f *fakeEventStore) Append(_ context.Context, event *ingestion.Event) (*ingestion.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErr != nil {
		return nil, f.appendErr
	}

	stored := *event
	n := len(f.appended) + 1
	stored.ID = fmt.Sprintf("evt-%d", n)

	if stored.SequenceID == 0 {
		stored.SequenceID = n
	}

	stored.ContentHash = fmt.Sprintf("content-%d", n)
	stored.ChainHash = fmt.Sprintf("chain-%d", n)

	if n > 1 {
		stored.PreviousChainHash = fmt.Sprintf("chain-%d", n-1)
	} else {
		stored.PreviousChainHash = "genesis"
	}

	stored.Version = 1
	stored.CreatedAt = time.Now().UTC()
	f.appended = append(f.appended, &stored)

	return &stored, nil
}

func (f *fakeEventStore) ListScope(_ context.Context, _, _ string) ([]*ingestion.Event, error) {
	return f.scopeEvents, nil
}

func (f *fakeEventStore) SequenceGaps(_ context.Context, _, _ string) ([]int, error) {
	return f.gaps, nil
}

func (f *fakeEventStore) VerifyChain(_ context.Context, deviceID, logDate string) (*ingestion.ChainVerification, error) {
	if f.verification != nil {
		return f.verification, nil
	}

	return &ingestion.ChainVerification{DeviceID: deviceID, LogDate: logDate, Intact: true}, nil
}

func (f *fakeEventStore) HealthCheck(_ context.Context) error { return nil }

// fakeVaultStore records captures and status transitions without persistence.
type fakeVaultStore struct {
	mu      sync.Mutex
	inserts int
	records []*ingestion.VaultRecord
	updates []ingestion.VaultStatusUpdate
}

func (f *fakeVaultStore) Insert(_ context.Context, record *ingestion.VaultRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++
	record.ID = fmt.Sprintf("vault-%d", f.inserts)
	f.records = append(f.records, record)

	return record.ID, nil
}

func (f *fakeVaultStore) InsertBatch(_ context.Context, records []*ingestion.VaultRecord) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, len(records))
	for i, record := range records {
		f.inserts++
		record.ID = fmt.Sprintf("vault-%d", f.inserts)
		f.records = append(f.records, record)
		ids[i] = record.ID
	}

	return ids, nil
}

func (f *fakeVaultStore) UpdateStatuses(_ context.Context, updates []ingestion.VaultStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, updates...)

	return nil
}

func (f *fakeVaultStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.inserts
}

// statusOf returns the latest status applied to a record.
func (f *fakeVaultStore) statusOf(recordID string) (ingestion.VaultStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.updates) - 1; i >= 0; i-- {
		if f.updates[i].RecordID == recordID {
			return f.updates[i].Status, true
		}
	}

	return "", false
}

// fakeRefStore resolves every referenced driver and vehicle as existing.
type fakeRefStore struct{}

func (fakeRefStore) ResolveDrivers(_ context.Context, ids []string) (map[string]bool, error) {
	return allOf(ids), nil
}

func (fakeRefStore) ResolveVehicles(_ context.Context, ids []string) (map[string]bool, error) {
	return allOf(ids), nil
}

func allOf(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	return set
}

// fakeDLQStore is an in-memory dlq.Store.
type fakeDLQStore struct {
	mu      sync.Mutex
	entries map[string]*dlq.Entry
	nextID  int
}

func newFakeDLQStore() *fakeDLQStore {
	return &fakeDLQStore{entries: make(map[string]*dlq.Entry)}
}

func (f *fakeDLQStore) Insert(_ context.Context, entry *dlq.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("dlq-%d", f.nextID)
	stored := *entry
	stored.ID = id
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	f.entries[id] = &stored

	return id, nil
}

func (f *fakeDLQStore) List(_ context.Context, filter dlq.ListFilter) ([]*dlq.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*dlq.Entry

	for _, entry := range f.entries {
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}

		if filter.SourceDeviceID != "" && entry.SourceDeviceID != filter.SourceDeviceID {
			continue
		}

		copied := *entry
		copied.Payload = nil
		out = append(out, &copied)
	}

	return out, nil
}

func (f *fakeDLQStore) Get(_ context.Context, id string) (*dlq.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return nil, dlq.ErrEntryNotFound
	}

	copied := *entry

	return &copied, nil
}

func (f *fakeDLQStore) Counts(_ context.Context) (map[dlq.Status]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[dlq.Status]int)
	for _, entry := range f.entries {
		counts[entry.Status]++
	}

	return counts, nil
}

func (f *fakeDLQStore) CountPending(ctx context.Context) (int, error) {
	counts, _ := f.Counts(ctx)

	return counts[dlq.StatusPending], nil
}

func (f *fakeDLQStore) MarkRetrying(_ context.Context, id string) (*dlq.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return nil, dlq.ErrEntryNotFound
	}

	if entry.Status != dlq.StatusPending {
		return nil, dlq.ErrNotPending
	}

	entry.Status = dlq.StatusRetrying
	copied := *entry

	return &copied, nil
}

func (f *fakeDLQStore) MarkResolved(_ context.Context, id, resolvedBy, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return dlq.ErrEntryNotFound
	}

	entry.Status = dlq.StatusResolved
	entry.ResolvedBy = resolvedBy
	entry.ResolutionNotes = notes

	return nil
}

func (f *fakeDLQStore) MarkRetryFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return dlq.ErrEntryNotFound
	}

	entry.Status = dlq.StatusPending
	entry.RetryCount++
	entry.FailureReason = reason

	return nil
}

func (f *fakeDLQStore) MarkDiscarded(_ context.Context, id, resolvedBy, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return dlq.ErrEntryNotFound
	}

	if entry.Status != dlq.StatusPending {
		return dlq.ErrNotPending
	}

	entry.Status = dlq.StatusDiscarded
	entry.ResolvedBy = resolvedBy
	entry.ResolutionNotes = notes

	return nil
}

// testHarness bundles a server with its fakes for assertions.
type testHarness struct {
	server   *Server
	events   *fakeEventStore
	vault    *fakeVaultStore
	dlqStore *fakeDLQStore
	dlqSvc   *dlq.Service
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  defaultMaxRequestSize,
		MaxBatchSize:    defaultMaxBatchSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization"},
		CORSMaxAge:         86400,
	}
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	discard := slog.New(slog.DiscardHandler)

	events := &fakeEventStore{}
	vault := &fakeVaultStore{}
	dlqStore := newFakeDLQStore()

	dlqSvc := dlq.NewService(dlqStore, dlq.DefaultAlertThreshold, discard)

	retrier := retry.NewRetrier(retry.Config{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, discard)

	pipeline := ingestion.NewPipeline(
		vault,
		events,
		ingestion.NewValidator(),
		ingestion.NewCrossRefChecker(fakeRefStore{}, false, discard),
		dlqSvc,
		retrier,
		discard,
	)

	gate := idempotency.NewGate(nil, idempotency.Config{}, discard)

	server := NewServer(testServerConfig(), Dependencies{
		Pipeline: pipeline,
		Events:   events,
		Gate:     gate,
		DLQ:      dlqSvc,
		Resolver: terminal.NewResolver(nil),
	})

	return &testHarness{
		server:   server,
		events:   events,
		vault:    vault,
		dlqStore: dlqStore,
		dlqSvc:   dlqSvc,
	}
}

// do runs one request through the full middleware chain.
func (h *testHarness) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.httpServer.Handler.ServeHTTP(rec, r)

	return rec
}

// validEventRequest builds an event that passes every validation layer.
func validEventRequest() EventRequest {
	lat, lon := 37.77, -122.42

	return EventRequest{
		CarrierID:        "carrier-1",
		DriverID:         "driver-1",
		VehicleID:        "vehicle-1",
		DeviceID:         "device-1",
		EventType:        1,
		EventSubType:     3,
		EventTimestamp:   time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		RecordStatus:     1,
		RecordOrigin:     1,
		AccumulatedMiles: 1000,
		ElapsedEngineHours: 100,
		Latitude:         &lat,
		Longitude:        &lon,
	}
}

func decodeEnvelope(t *testing.T, body []byte) Envelope {
	t.Helper()

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}

	return env
}

// dataField digs a field out of the decoded envelope data object.
func dataField(t *testing.T, env Envelope, field string) any {
	t.Helper()

	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("envelope data is %T, want object", env.Data)
	}

	return data[field]
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlog-io/fleetlog/internal/canonical"
	"github.com/fleetlog-io/fleetlog/internal/config"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
)

// Sentinel errors for event storage operations.
var (
	// ErrEventStoreFailed is returned when an event storage operation fails.
	ErrEventStoreFailed = errors.New("event storage failed")

	// ErrEventNil is returned when a nil event is provided.
	ErrEventNil = errors.New("event cannot be nil")

	// ErrScopeEmpty is returned when an event has no device ID or log date.
	ErrScopeEmpty = errors.New("event device ID and log date are required")
)

// EventStore implements ingestion.EventStore with a PostgreSQL backend.
//
// Appends within one (device, log date) scope are serialized with a
// transaction-scoped advisory lock keyed on the scope string, so two
// concurrent appends to the same scope never allocate the same sequence or
// link to the same chain head. Appends to different scopes proceed in
// parallel.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ ingestion.EventStore = (*EventStore)(nil)

// NewEventStore creates a PostgreSQL-backed event store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewEventStore(conn *Connection) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is ready to serve requests.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Append transactionally appends a new active event to its scope's chain.
//
// The transaction performs, in order:
//  1. Takes the scope advisory lock (pg_advisory_xact_lock), serializing
//     concurrent appends to the same (device, log date) scope.
//  2. Allocates the next sequence number when event.SequenceID is 0, or
//     checks a client-supplied one against active rows in the scope.
//  3. Reads the current chain head and computes the content and chain hashes.
//  4. Inserts the event row and its audit row.
//
// Sequence numbers are never reused: allocation is max(used)+1 over every
// row in the scope, active or not. The lock is released automatically at
// commit or rollback.
func (s *EventStore) Append(ctx context.Context, event *ingestion.Event) (*ingestion.Event, error) {
	if event == nil {
		return nil, ErrEventNil
	}

	if event.DeviceID == "" || event.LogDate == "" {
		return nil, ErrScopeEmpty
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	// Serialize appends within the scope. hashtext maps the scope string to
	// the bigint key space the advisory lock API requires.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		event.Scope(),
	); err != nil {
		return nil, fmt.Errorf("%w: failed to acquire scope lock: %w", ErrEventStoreFailed, err)
	}

	sequenceID, err := s.resolveSequence(ctx, tx, event)
	if err != nil {
		return nil, err
	}

	previousHash, err := s.chainHead(ctx, tx, event.DeviceID, event.LogDate)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read chain head: %w", ErrEventStoreFailed, err)
	}

	stored := *event
	stored.ID = uuid.New().String()
	stored.SequenceID = sequenceID
	stored.ContentHash = canonical.ContentHash(projectionOf(&stored))
	stored.PreviousChainHash = previousHash
	stored.ChainHash = canonical.ChainHash(stored.ContentHash, previousHash)
	stored.Version = 1
	stored.OriginalVersionID = stored.ID

	if err := s.insertEvent(ctx, tx, &stored); err != nil {
		return nil, err
	}

	if err := s.insertAuditRow(ctx, tx, &stored); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isConnectionError(err) {
			return nil, fmt.Errorf("%w: connection lost during commit: %w", ErrEventStoreFailed, err)
		}

		return nil, fmt.Errorf("%w: commit failed: %w", ErrEventStoreFailed, err)
	}

	s.logger.Info("event appended",
		slog.String("event_id", stored.ID),
		slog.String("device_id", stored.DeviceID),
		slog.String("log_date", stored.LogDate),
		slog.Int("sequence_id", stored.SequenceID),
	)

	return &stored, nil
}

// resolveSequence allocates or validates the event's sequence number.
// Must run inside the append transaction with the scope lock held.
func (s *EventStore) resolveSequence(ctx context.Context, tx *sql.Tx, event *ingestion.Event) (int, error) {
	if event.SequenceID == 0 {
		var next int

		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence_id), 0) + 1
			 FROM events
			 WHERE device_id = $1 AND log_date = $2`,
			event.DeviceID, event.LogDate,
		).Scan(&next)
		if err != nil {
			return 0, fmt.Errorf("%w: sequence allocation failed: %w", ErrEventStoreFailed, err)
		}

		if next > ingestion.MaxSequenceID {
			return 0, fmt.Errorf("%w: %s", ingestion.ErrSequenceExhausted, event.Scope())
		}

		return next, nil
	}

	// Client-supplied sequence: must be strictly above the highest active
	// sequence. The chain head is the highest-sequence active event, so a
	// lower number would link behind the head and break verification; an
	// equal number is a duplicate. The partial unique index enforces the
	// duplicate rule as a last line of defense.
	var maxActive int

	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_id), 0)
		 FROM events
		 WHERE device_id = $1 AND log_date = $2 AND record_status = $3`,
		event.DeviceID, event.LogDate, int(ingestion.RecordStatusActive),
	).Scan(&maxActive)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence check failed: %w", ErrEventStoreFailed, err)
	}

	if event.SequenceID == maxActive {
		return 0, fmt.Errorf("%w: sequence %d in scope %s", ingestion.ErrDuplicateSequence, event.SequenceID, event.Scope())
	}

	if event.SequenceID < maxActive {
		return 0, fmt.Errorf("%w: sequence %d is behind head %d in scope %s",
			ingestion.ErrSequenceRegression, event.SequenceID, maxActive, event.Scope())
	}

	return event.SequenceID, nil
}

// chainHead returns the chain hash of the highest-sequence active event in
// the scope, or the genesis hash when the scope has no active events yet.
func (s *EventStore) chainHead(ctx context.Context, tx *sql.Tx, deviceID, logDate string) (string, error) {
	var head string

	err := tx.QueryRowContext(ctx,
		`SELECT chain_hash
		 FROM events
		 WHERE device_id = $1 AND log_date = $2 AND record_status = $3
		 ORDER BY sequence_id DESC
		 LIMIT 1`,
		deviceID, logDate, int(ingestion.RecordStatusActive),
	).Scan(&head)

	if errors.Is(err, sql.ErrNoRows) {
		return canonical.GenesisHash(deviceID, logDate), nil
	}

	if err != nil {
		return "", err
	}

	return head, nil
}

func (s *EventStore) insertEvent(ctx context.Context, tx *sql.Tx, event *ingestion.Event) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO events (
			id, carrier_id, driver_id, vehicle_id, device_id, log_date, sequence_id,
			event_type, event_code, record_status, record_origin,
			event_date, event_time, timezone_offset, event_timestamp,
			odometer_tenths, engine_hours_tenths,
			latitude, longitude, location_description,
			malfunction_active, diagnostic_active,
			content_hash, chain_hash, previous_chain_hash,
			version, previous_version_id, original_version_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20,
			$21, $22,
			$23, $24, $25,
			$26, $27, $28
		)
		RETURNING created_at`,
		event.ID, event.CarrierID, event.DriverID, event.VehicleID,
		event.DeviceID, event.LogDate, event.SequenceID,
		int(event.EventType), event.EventCode, int(event.RecordStatus), int(event.RecordOrigin),
		event.EventDate, event.EventTime, event.TimezoneOffset, event.EventTimestamp,
		event.OdometerTenths, event.EngineHoursTenths,
		nullFloat(event.Latitude), nullFloat(event.Longitude), event.LocationDescription,
		event.MalfunctionActive, event.DiagnosticActive,
		event.ContentHash, event.ChainHash, event.PreviousChainHash,
		event.Version, nullString(event.PreviousVersionID), event.OriginalVersionID,
	).Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: event insert failed: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// insertAuditRow records the append in the immutable audit trail. The audit
// table has no UPDATE or DELETE grants, so every chain mutation leaves a row.
func (s *EventStore) insertAuditRow(ctx context.Context, tx *sql.Tx, event *ingestion.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO event_audit (event_id, action, device_id, log_date, sequence_id, chain_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, "append", event.DeviceID, event.LogDate, event.SequenceID, event.ChainHash,
	)
	if err != nil {
		return fmt.Errorf("%w: audit insert failed: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// ListScope returns the active events of a scope in sequence order.
func (s *EventStore) ListScope(ctx context.Context, deviceID, logDate string) ([]*ingestion.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT
			id, carrier_id, driver_id, vehicle_id, device_id, log_date, sequence_id,
			event_type, event_code, record_status, record_origin,
			event_date, event_time, timezone_offset, event_timestamp,
			odometer_tenths, engine_hours_tenths,
			latitude, longitude, location_description,
			malfunction_active, diagnostic_active,
			content_hash, chain_hash, previous_chain_hash,
			version, previous_version_id, original_version_id, created_at
		 FROM events
		 WHERE device_id = $1 AND log_date = $2 AND record_status = $3
		 ORDER BY sequence_id ASC`,
		deviceID, logDate, int(ingestion.RecordStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: scope query failed: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var events []*ingestion.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", ErrEventStoreFailed, err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration failed: %w", ErrEventStoreFailed, err)
	}

	if events == nil {
		events = []*ingestion.Event{}
	}

	return events, nil
}

// SequenceGaps returns the missing sequence numbers in [1, max(used)] for a
// scope, in ascending order. Computed entirely in SQL with generate_series
// so the result is consistent with a single snapshot of the scope.
func (s *EventStore) SequenceGaps(ctx context.Context, deviceID, logDate string) ([]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT gs.seq
		 FROM generate_series(1, (
			SELECT COALESCE(MAX(sequence_id), 0)
			FROM events
			WHERE device_id = $1 AND log_date = $2 AND record_status = $3
		 )) AS gs(seq)
		 WHERE NOT EXISTS (
			SELECT 1 FROM events e
			WHERE e.device_id = $1 AND e.log_date = $2
			  AND e.record_status = $3 AND e.sequence_id = gs.seq
		 )
		 ORDER BY gs.seq ASC`,
		deviceID, logDate, int(ingestion.RecordStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: gap query failed: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	gaps := []int{}

	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", ErrEventStoreFailed, err)
		}

		gaps = append(gaps, seq)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration failed: %w", ErrEventStoreFailed, err)
	}

	return gaps, nil
}

// VerifyChain walks a scope's active events in sequence order and re-derives
// every hash from stored field values.
//
// Three checks per event: the content hash matches the recomputed projection
// hash, the previous-chain-hash pointer matches the preceding event's chain
// hash (genesis for the first), and the chain hash matches the recomputed
// link. Mismatches are reported, never repaired; a tampered row is evidence.
func (s *EventStore) VerifyChain(ctx context.Context, deviceID, logDate string) (*ingestion.ChainVerification, error) {
	events, err := s.ListScope(ctx, deviceID, logDate)
	if err != nil {
		return nil, err
	}

	verification := &ingestion.ChainVerification{
		DeviceID:   deviceID,
		LogDate:    logDate,
		EventCount: len(events),
		Intact:     true,
		Breaks:     []ingestion.ChainBreak{},
	}

	expectedPrevious := canonical.GenesisHash(deviceID, logDate)

	for _, event := range events {
		contentHash := canonical.ContentHash(projectionOf(event))
		if contentHash != event.ContentHash {
			verification.Breaks = append(verification.Breaks, ingestion.ChainBreak{
				SequenceID:   event.SequenceID,
				EventID:      event.ID,
				Reason:       "content hash does not match stored field values",
				ExpectedHash: contentHash,
				StoredHash:   event.ContentHash,
			})
		}

		if event.PreviousChainHash != expectedPrevious {
			verification.Breaks = append(verification.Breaks, ingestion.ChainBreak{
				SequenceID:   event.SequenceID,
				EventID:      event.ID,
				Reason:       "previous chain hash does not match preceding event",
				ExpectedHash: expectedPrevious,
				StoredHash:   event.PreviousChainHash,
			})
		}

		chainHash := canonical.ChainHash(contentHash, event.PreviousChainHash)
		if chainHash != event.ChainHash {
			verification.Breaks = append(verification.Breaks, ingestion.ChainBreak{
				SequenceID:   event.SequenceID,
				EventID:      event.ID,
				Reason:       "chain hash does not match recomputed link",
				ExpectedHash: chainHash,
				StoredHash:   event.ChainHash,
			})
		}

		expectedPrevious = event.ChainHash
	}

	if len(verification.Breaks) > 0 {
		verification.Intact = false

		s.logger.Error("hash chain verification failed",
			slog.String("device_id", deviceID),
			slog.String("log_date", logDate),
			slog.Int("breaks", len(verification.Breaks)),
		)
	}

	return verification, nil
}

// projectionOf maps an event onto the pinned content-hash projection.
func projectionOf(event *ingestion.Event) canonical.Projection {
	return canonical.Projection{
		DeviceID:          event.DeviceID,
		LogDate:           event.LogDate,
		SequenceID:        event.SequenceID,
		EventType:         int(event.EventType),
		EventCode:         event.EventCode,
		EventDate:         event.EventDate,
		EventTime:         event.EventTime,
		OdometerTenths:    event.OdometerTenths,
		EngineHoursTenths: event.EngineHoursTenths,
	}
}

// scanEvent reads one full event row. Shared by ListScope and any query
// selecting the canonical column list in canonical order.
func scanEvent(rows *sql.Rows) (*ingestion.Event, error) {
	var (
		event             ingestion.Event
		eventType         int
		recordStatus      int
		recordOrigin      int
		latitude          sql.NullFloat64
		longitude         sql.NullFloat64
		previousVersionID sql.NullString
		eventTimestamp    time.Time
	)

	err := rows.Scan(
		&event.ID, &event.CarrierID, &event.DriverID, &event.VehicleID,
		&event.DeviceID, &event.LogDate, &event.SequenceID,
		&eventType, &event.EventCode, &recordStatus, &recordOrigin,
		&event.EventDate, &event.EventTime, &event.TimezoneOffset, &eventTimestamp,
		&event.OdometerTenths, &event.EngineHoursTenths,
		&latitude, &longitude, &event.LocationDescription,
		&event.MalfunctionActive, &event.DiagnosticActive,
		&event.ContentHash, &event.ChainHash, &event.PreviousChainHash,
		&event.Version, &previousVersionID, &event.OriginalVersionID, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.EventType = ingestion.EventType(eventType)
	event.RecordStatus = ingestion.RecordStatus(recordStatus)
	event.RecordOrigin = ingestion.RecordOrigin(recordOrigin)
	event.EventTimestamp = eventTimestamp.UTC()

	if latitude.Valid {
		event.Latitude = &latitude.Float64
	}

	if longitude.Valid {
		event.Longitude = &longitude.Float64
	}

	if previousVersionID.Valid {
		event.PreviousVersionID = previousVersionID.String
	}

	return &event, nil
}

// nullFloat converts an optional float to its NULL-safe SQL value.
func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *v, Valid: true}
}

// nullString converts an empty string to its NULL-safe SQL value.
func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: v, Valid: true}
}

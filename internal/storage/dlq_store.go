package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlog-io/fleetlog/internal/config"
	"github.com/fleetlog-io/fleetlog/internal/dlq"
)

// ErrDLQStoreFailed is returned when a dead-letter queue operation fails.
var ErrDLQStoreFailed = errors.New("dead letter queue storage failed")

// DLQStore implements dlq.Store with a PostgreSQL backend.
//
// Status transitions are guarded in SQL with a WHERE clause on the current
// status, so two admins racing on the same entry cannot both win: the loser
// sees zero rows affected and gets ErrNotPending.
type DLQStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ dlq.Store = (*DLQStore)(nil)

// NewDLQStore creates a PostgreSQL-backed dead-letter queue store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewDLQStore(conn *Connection) (*DLQStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DLQStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert stores a new pending entry and returns its ID.
func (s *DLQStore) Insert(ctx context.Context, entry *dlq.Entry) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	firstFailure := entry.FirstFailureAt
	if firstFailure.IsZero() {
		firstFailure = now
	}

	lastFailure := entry.LastFailureAt
	if lastFailure.IsZero() {
		lastFailure = firstFailure
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO dlq_entries (
			id, payload, failure_reason, retry_count, first_failure_at, last_failure_at,
			status, source_endpoint, source_device_id, batch_index, vault_record_id,
			actor_id, source_ip, user_agent
		) VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, entry.Payload, entry.FailureReason, firstFailure, lastFailure,
		string(dlq.StatusPending), entry.SourceEndpoint, entry.SourceDeviceID,
		entry.BatchIndex, nullString(entry.VaultRecordID),
		entry.ActorID, entry.SourceIP, entry.UserAgent,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert: %w", ErrDLQStoreFailed, err)
	}

	return id, nil
}

// List returns entries matching the filter, newest first, payloads omitted.
// Payloads are raw device submissions and can be large; the admin list view
// never needs them.
func (s *DLQStore) List(ctx context.Context, filter dlq.ListFilter) ([]*dlq.Entry, error) {
	query := `SELECT
		id, failure_reason, retry_count, first_failure_at, last_failure_at,
		status, source_endpoint, source_device_id, batch_index, vault_record_id,
		actor_id, source_ip, user_agent, resolved_by, resolution_notes,
		created_at, updated_at
	 FROM dlq_entries`

	var (
		conditions []string
		args       []any
	)

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, "status = $"+strconv.Itoa(len(args)))
	}

	if filter.SourceDeviceID != "" {
		args = append(args, filter.SourceDeviceID)
		conditions = append(conditions, "source_device_id = $"+strconv.Itoa(len(args)))
	}

	if filter.SourceEndpoint != "" {
		args = append(args, filter.SourceEndpoint)
		conditions = append(conditions, "source_endpoint = $"+strconv.Itoa(len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, filter.Limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	args = append(args, filter.Offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrDLQStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	entries := []*dlq.Entry{}

	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrDLQStoreFailed, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration: %w", ErrDLQStoreFailed, err)
	}

	return entries, nil
}

// Get returns one entry including its payload.
func (s *DLQStore) Get(ctx context.Context, id string) (*dlq.Entry, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT
			id, payload, failure_reason, retry_count, first_failure_at, last_failure_at,
			status, source_endpoint, source_device_id, batch_index, vault_record_id,
			actor_id, source_ip, user_agent, resolved_by, resolution_notes,
			created_at, updated_at
		 FROM dlq_entries
		 WHERE id = $1`,
		id,
	)

	entry, err := scanDLQEntryWithPayload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dlq.ErrEntryNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrDLQStoreFailed, err)
	}

	return entry, nil
}

// Counts returns the number of entries per status.
func (s *DLQStore) Counts(ctx context.Context) (map[dlq.Status]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dlq_entries GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: counts: %w", ErrDLQStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[dlq.Status]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrDLQStoreFailed, err)
		}

		counts[dlq.Status(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration: %w", ErrDLQStoreFailed, err)
	}

	return counts, nil
}

// CountPending returns the pending depth for threshold alerting.
func (s *DLQStore) CountPending(ctx context.Context) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dlq_entries WHERE status = $1`,
		string(dlq.StatusPending),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: pending count: %w", ErrDLQStoreFailed, err)
	}

	return count, nil
}

// MarkRetrying transitions a pending entry to retrying and returns it with
// its payload for re-ingestion.
func (s *DLQStore) MarkRetrying(ctx context.Context, id string) (*dlq.Entry, error) {
	row := s.conn.QueryRowContext(ctx,
		`UPDATE dlq_entries
		 SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING
			id, payload, failure_reason, retry_count, first_failure_at, last_failure_at,
			status, source_endpoint, source_device_id, batch_index, vault_record_id,
			actor_id, source_ip, user_agent, resolved_by, resolution_notes,
			created_at, updated_at`,
		string(dlq.StatusRetrying), id, string(dlq.StatusPending),
	)

	entry, err := scanDLQEntryWithPayload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMissedTransition(ctx, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: mark retrying: %w", ErrDLQStoreFailed, err)
	}

	return entry, nil
}

// MarkResolved transitions a retrying entry to resolved.
func (s *DLQStore) MarkResolved(ctx context.Context, id, resolvedBy, notes string) error {
	return s.transition(ctx,
		`UPDATE dlq_entries
		 SET status = $1, resolved_by = $2, resolution_notes = $3, updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		id,
		string(dlq.StatusResolved), resolvedBy, notes, id, string(dlq.StatusRetrying),
	)
}

// MarkRetryFailed returns a retrying entry to pending with an incremented
// retry count and the fresh failure reason.
func (s *DLQStore) MarkRetryFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx,
		`UPDATE dlq_entries
		 SET status = $1, retry_count = retry_count + 1, failure_reason = $2,
			 last_failure_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		id,
		string(dlq.StatusPending), reason, id, string(dlq.StatusRetrying),
	)
}

// MarkDiscarded transitions a pending entry to discarded.
func (s *DLQStore) MarkDiscarded(ctx context.Context, id, resolvedBy, notes string) error {
	return s.transition(ctx,
		`UPDATE dlq_entries
		 SET status = $1, resolved_by = $2, resolution_notes = $3, updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		id,
		string(dlq.StatusDiscarded), resolvedBy, notes, id, string(dlq.StatusPending),
	)
}

// transition executes a guarded status update and maps a zero-row result to
// either ErrEntryNotFound or ErrNotPending.
func (s *DLQStore) transition(ctx context.Context, query, id string, args ...any) error {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: transition: %w", ErrDLQStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrDLQStoreFailed, err)
	}

	if affected == 0 {
		return s.classifyMissedTransition(ctx, id)
	}

	return nil
}

// classifyMissedTransition distinguishes "no such entry" from "entry exists
// in the wrong status" after a guarded update matched zero rows.
func (s *DLQStore) classifyMissedTransition(ctx context.Context, id string) error {
	var exists bool

	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dlq_entries WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: transition check: %w", ErrDLQStoreFailed, err)
	}

	if !exists {
		return dlq.ErrEntryNotFound
	}

	return dlq.ErrNotPending
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanDLQEntry(row scanner) (*dlq.Entry, error) {
	var (
		entry         dlq.Entry
		status        string
		vaultRecordID sql.NullString
		resolvedBy    sql.NullString
		notes         sql.NullString
	)

	err := row.Scan(
		&entry.ID, &entry.FailureReason, &entry.RetryCount,
		&entry.FirstFailureAt, &entry.LastFailureAt,
		&status, &entry.SourceEndpoint, &entry.SourceDeviceID,
		&entry.BatchIndex, &vaultRecordID,
		&entry.ActorID, &entry.SourceIP, &entry.UserAgent,
		&resolvedBy, &notes,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	applyDLQNullables(&entry, status, vaultRecordID, resolvedBy, notes)

	return &entry, nil
}

func scanDLQEntryWithPayload(row scanner) (*dlq.Entry, error) {
	var (
		entry         dlq.Entry
		status        string
		vaultRecordID sql.NullString
		resolvedBy    sql.NullString
		notes         sql.NullString
	)

	err := row.Scan(
		&entry.ID, &entry.Payload, &entry.FailureReason, &entry.RetryCount,
		&entry.FirstFailureAt, &entry.LastFailureAt,
		&status, &entry.SourceEndpoint, &entry.SourceDeviceID,
		&entry.BatchIndex, &vaultRecordID,
		&entry.ActorID, &entry.SourceIP, &entry.UserAgent,
		&resolvedBy, &notes,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	applyDLQNullables(&entry, status, vaultRecordID, resolvedBy, notes)

	return &entry, nil
}

func applyDLQNullables(entry *dlq.Entry, status string, vaultRecordID, resolvedBy, notes sql.NullString) {
	entry.Status = dlq.Status(status)
	entry.VaultRecordID = vaultRecordID.String
	entry.ResolvedBy = resolvedBy.String
	entry.ResolutionNotes = notes.String
}

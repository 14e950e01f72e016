package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlog-io/fleetlog/internal/config"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
)

// Sentinel errors for vault storage operations.
var (
	// ErrVaultStoreFailed is returned when a vault capture fails. A capture
	// failure aborts the request: no event is accepted without its raw record.
	ErrVaultStoreFailed = errors.New("raw vault capture failed")

	// ErrVaultRecordNil is returned when a nil record is provided.
	ErrVaultRecordNil = errors.New("vault record cannot be nil")
)

// vaultInsertColumns is the column count per record in the batch insert.
const vaultInsertColumns = 9

// VaultStore implements ingestion.VaultStore with a PostgreSQL backend.
//
// Vault rows are append-only: a database trigger rejects any UPDATE that
// touches a column other than status, event_id, error_message, processed_at.
// The store never issues such an update, the trigger is the backstop against
// everything else with table access.
type VaultStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ ingestion.VaultStore = (*VaultStore)(nil)

// NewVaultStore creates a PostgreSQL-backed raw vault store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewVaultStore(conn *Connection) (*VaultStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &VaultStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert captures one raw submission and returns the new record ID.
func (s *VaultStore) Insert(ctx context.Context, record *ingestion.VaultRecord) (string, error) {
	if record == nil {
		return "", ErrVaultRecordNil
	}

	id := uuid.New().String()

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO raw_vault (
			id, payload, received_at, device_id, actor_id,
			source_ip, user_agent, batch_id, batch_index, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, record.Payload, receivedAt(record), record.DeviceID, record.ActorID,
		record.SourceIP, record.UserAgent, nullString(record.BatchID), record.BatchIndex,
		string(ingestion.VaultStatusReceived),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVaultStoreFailed, err)
	}

	return id, nil
}

// InsertBatch captures a batch of raw submissions in a single statement and
// returns record IDs in submission order.
//
// One statement, not per-record inserts: batch capture happens before any
// validation, so it sits on the latency path of every batch request.
func (s *VaultStore) InsertBatch(ctx context.Context, records []*ingestion.VaultRecord) ([]string, error) {
	if len(records) == 0 {
		return []string{}, nil
	}

	ids := make([]string, len(records))
	args := make([]any, 0, len(records)*vaultInsertColumns)
	placeholders := make([]string, 0, len(records))

	for i, record := range records {
		if record == nil {
			return nil, ErrVaultRecordNil
		}

		ids[i] = uuid.New().String()

		base := i * vaultInsertColumns
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, '%s')",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
			string(ingestion.VaultStatusReceived),
		))
		args = append(args,
			ids[i], record.Payload, receivedAt(record), record.DeviceID, record.ActorID,
			record.SourceIP, record.UserAgent, nullString(record.BatchID), record.BatchIndex,
		)
	}

	query := `INSERT INTO raw_vault (
		id, payload, received_at, device_id, actor_id,
		source_ip, user_agent, batch_id, batch_index, status
	) VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("%w: batch of %d: %w", ErrVaultStoreFailed, len(records), err)
	}

	return ids, nil
}

// UpdateStatuses transitions vault records to their terminal status.
//
// Only records still in 'received' transition; a record already moved to a
// terminal status is left untouched. Errors are aggregated and returned so
// the fire-and-forget caller can log them, partial application is expected.
func (s *VaultStore) UpdateStatuses(ctx context.Context, updates []ingestion.VaultStatusUpdate) error {
	var errs []error

	for _, update := range updates {
		_, err := s.conn.ExecContext(ctx,
			`UPDATE raw_vault
			 SET status = $1, event_id = $2, error_message = $3, processed_at = $4
			 WHERE id = $5 AND status = $6`,
			string(update.Status), nullString(update.EventID), nullString(update.ErrorMessage),
			time.Now().UTC(), update.RecordID, string(ingestion.VaultStatusReceived),
		)
		if err != nil {
			if isConnectionError(err) {
				s.logger.WarnContext(ctx, "vault status update lost database connection",
					slog.String("record_id", update.RecordID),
				)
			}

			errs = append(errs, fmt.Errorf("record %s: %w", update.RecordID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrVaultStoreFailed, errors.Join(errs...))
	}

	return nil
}

func receivedAt(record *ingestion.VaultRecord) time.Time {
	if record.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}

	return record.ReceivedAt.UTC()
}

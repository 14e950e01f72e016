package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/fleetlog-io/fleetlog/internal/ingestion"
)

// ErrRefStoreFailed is returned when a reference lookup fails. The caller
// decides what a failed lookup means; the fail-open policy lives in the
// validation layer, not here.
var ErrRefStoreFailed = errors.New("reference lookup failed")

// RefStore implements ingestion.ReferenceStore against the carrier roster
// tables. Each lookup is one round trip with an ANY($1) array parameter
// regardless of batch size.
type RefStore struct {
	conn *Connection
}

var _ ingestion.ReferenceStore = (*RefStore)(nil)

// NewRefStore creates a PostgreSQL-backed reference store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRefStore(conn *Connection) (*RefStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RefStore{conn: conn}, nil
}

// ResolveDrivers returns the subset of ids present and active in the driver
// roster, as a set.
func (s *RefStore) ResolveDrivers(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.resolve(ctx,
		`SELECT driver_id FROM drivers WHERE driver_id = ANY($1) AND active = TRUE`,
		ids,
	)
}

// ResolveVehicles returns the subset of ids present and active in the
// vehicle roster, as a set.
func (s *RefStore) ResolveVehicles(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.resolve(ctx,
		`SELECT vehicle_id FROM vehicles WHERE vehicle_id = ANY($1) AND active = TRUE`,
		ids,
	)
}

func (s *RefStore) resolve(ctx context.Context, query string, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))

	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrRefStoreFailed, err)
		}

		found[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration: %w", ErrRefStoreFailed, err)
	}

	return found, nil
}

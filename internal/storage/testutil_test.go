package storage

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"

	"github.com/fleetlog-io/fleetlog/internal/config"
)

// setupTestDatabase starts a migrated PostgreSQL container and wraps its
// connection for store construction. Cleanup is registered on t.
func setupTestDatabase(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	conn := NewConnectionFromDB(testDB.Connection)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return conn
}

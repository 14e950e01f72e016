package storage

import (
	"context"
	"testing"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/ingestion"
)

func testVaultRecord(deviceID string, batchIndex int) *ingestion.VaultRecord {
	return &ingestion.VaultRecord{
		Payload:    []byte(`{"eventType":1,"eventCode":1}`),
		ReceivedAt: time.Now().UTC(),
		DeviceID:   deviceID,
		ActorID:    "actor-001",
		SourceIP:   "10.0.0.7",
		UserAgent:  "fleetlog-gateway/2.4",
		BatchIndex: batchIndex,
	}
}

// TestVaultStoreIntegration runs all integration tests for VaultStore.
func TestVaultStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestDatabase(ctx, t)

	store, err := NewVaultStore(conn)
	if err != nil {
		t.Fatalf("NewVaultStore() error = %v", err)
	}

	t.Run("Insert_CapturesRawPayload", testVaultInsert(ctx, store, conn))
	t.Run("InsertBatch_PreservesOrder", testVaultInsertBatch(ctx, store, conn))
	t.Run("UpdateStatuses_TerminalTransition", testVaultUpdateStatuses(ctx, store, conn))
	t.Run("Immutability_PayloadUpdateRejected", testVaultImmutability(ctx, store, conn))
}

// testVaultInsert verifies a raw submission is captured byte for byte with
// status received.
func testVaultInsert(ctx context.Context, store *VaultStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		record := testVaultRecord("ELD-VAULT-1", -1)

		id, err := store.Insert(ctx, record)
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		var (
			payload []byte
			status  string
		)

		err = conn.QueryRowContext(ctx,
			`SELECT payload, status FROM raw_vault WHERE id = $1`, id,
		).Scan(&payload, &status)
		if err != nil {
			t.Fatalf("vault query error = %v", err)
		}

		if string(payload) != string(record.Payload) {
			t.Errorf("stored payload = %s, want %s", payload, record.Payload)
		}

		if status != string(ingestion.VaultStatusReceived) {
			t.Errorf("status = %s, want received", status)
		}
	}
}

// testVaultInsertBatch verifies batch capture returns IDs in submission order.
func testVaultInsertBatch(ctx context.Context, store *VaultStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		records := []*ingestion.VaultRecord{
			testVaultRecord("ELD-VAULT-B", 0),
			testVaultRecord("ELD-VAULT-B", 1),
			testVaultRecord("ELD-VAULT-B", 2),
		}
		for _, r := range records {
			r.BatchID = "batch-7"
		}

		ids, err := store.InsertBatch(ctx, records)
		if err != nil {
			t.Fatalf("InsertBatch() error = %v", err)
		}

		if len(ids) != 3 {
			t.Fatalf("InsertBatch() returned %d ids, want 3", len(ids))
		}

		for i, id := range ids {
			var batchIndex int

			err := conn.QueryRowContext(ctx,
				`SELECT batch_index FROM raw_vault WHERE id = $1 AND batch_id = 'batch-7'`, id,
			).Scan(&batchIndex)
			if err != nil {
				t.Fatalf("vault query error = %v", err)
			}

			if batchIndex != i {
				t.Errorf("ids[%d] has batch_index %d, want %d", i, batchIndex, i)
			}
		}
	}
}

// testVaultUpdateStatuses verifies the terminal transition applies once and
// only from received.
func testVaultUpdateStatuses(ctx context.Context, store *VaultStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		id, err := store.Insert(ctx, testVaultRecord("ELD-VAULT-S", -1))
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		err = store.UpdateStatuses(ctx, []ingestion.VaultStatusUpdate{
			{RecordID: id, Status: ingestion.VaultStatusProcessed, EventID: "evt-1"},
		})
		if err != nil {
			t.Fatalf("UpdateStatuses() error = %v", err)
		}

		// A second transition attempt matches no rows and is silently skipped.
		err = store.UpdateStatuses(ctx, []ingestion.VaultStatusUpdate{
			{RecordID: id, Status: ingestion.VaultStatusFailed, ErrorMessage: "late failure"},
		})
		if err != nil {
			t.Fatalf("second UpdateStatuses() error = %v", err)
		}

		var (
			status  string
			eventID string
		)

		err = conn.QueryRowContext(ctx,
			`SELECT status, event_id FROM raw_vault WHERE id = $1`, id,
		).Scan(&status, &eventID)
		if err != nil {
			t.Fatalf("vault query error = %v", err)
		}

		if status != string(ingestion.VaultStatusProcessed) || eventID != "evt-1" {
			t.Errorf("record = (%s, %s), want (processed, evt-1)", status, eventID)
		}
	}
}

// testVaultImmutability verifies the database trigger rejects updates to
// captured payload columns.
func testVaultImmutability(ctx context.Context, store *VaultStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		id, err := store.Insert(ctx, testVaultRecord("ELD-VAULT-I", -1))
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		if _, err := conn.ExecContext(ctx,
			`UPDATE raw_vault SET payload = '{"forged":true}' WHERE id = $1`, id,
		); err == nil {
			t.Error("payload UPDATE succeeded, want trigger rejection")
		}

		if _, err := conn.ExecContext(ctx,
			`UPDATE raw_vault SET device_id = 'ELD-FORGED' WHERE id = $1`, id,
		); err == nil {
			t.Error("device_id UPDATE succeeded, want trigger rejection")
		}
	}
}

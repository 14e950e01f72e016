// Package ingestion defines the persistence interfaces the pipeline needs.
//
// The domain package declares these interfaces so high-level pipeline logic
// does not depend on concrete infrastructure. Postgres implementations live
// in internal/storage.
package ingestion

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by EventStore implementations.
var (
	// ErrSequenceExhausted is returned when a scope has consumed sequence
	// 65535 and no further events can be appended to it.
	ErrSequenceExhausted = errors.New("sequence space exhausted for scope")

	// ErrDuplicateSequence is returned when a client-supplied sequence ID is
	// already held by an active event in the same scope.
	ErrDuplicateSequence = errors.New("sequence ID already in use for scope")

	// ErrSequenceRegression is returned when a client-supplied sequence ID is
	// at or below the scope's current chain head. Accepting it would link the
	// new event behind the head and break chain verification.
	ErrSequenceRegression = errors.New("sequence ID is behind the scope's chain head")

	// ErrChainBroken is returned by chain verification when a stored chain
	// hash does not match its recomputed value. Never repaired, only surfaced.
	ErrChainBroken = errors.New("hash chain verification failed")
)

type (
	// EventStore appends events to the tamper-evident log and reads them back.
	//
	// Append is the serialization point of the pipeline: implementations must
	// serialize appends within one (device, log date) scope while letting
	// appends to different scopes proceed in parallel.
	EventStore interface {
		// Append transactionally appends a new active event row.
		//
		// The implementation allocates the next sequence number when
		// event.SequenceID is 0, validates a client-supplied one otherwise,
		// computes the content and chain hashes against the current chain
		// head, and writes the event plus its audit row in one transaction.
		//
		// Returns the stored event with ID, sequence, hashes, and CreatedAt
		// populated. Returns ErrSequenceExhausted, ErrDuplicateSequence, or
		// ErrSequenceRegression for sequence conflicts; other errors are
		// storage failures.
		Append(ctx context.Context, event *Event) (*Event, error)

		// ListScope returns the active events of a scope in sequence order.
		ListScope(ctx context.Context, deviceID, logDate string) ([]*Event, error)

		// SequenceGaps returns the sorted missing sequence numbers in
		// [1, max(used)] for a scope. An empty slice means no gaps.
		SequenceGaps(ctx context.Context, deviceID, logDate string) ([]int, error)

		// VerifyChain walks the scope in sequence order and re-derives every
		// chain hash. A mismatch is reported in the result, not repaired.
		VerifyChain(ctx context.Context, deviceID, logDate string) (*ChainVerification, error)

		// HealthCheck verifies the backend is ready to serve requests.
		HealthCheck(ctx context.Context) error
	}

	// ChainVerification is the outcome of walking one scope's hash chain.
	ChainVerification struct {
		DeviceID   string
		LogDate    string
		EventCount int
		Intact     bool
		Breaks     []ChainBreak
	}

	// ChainBreak describes a single broken link in a scope's chain.
	ChainBreak struct {
		SequenceID   int
		EventID      string
		Reason       string
		ExpectedHash string
		StoredHash   string
	}

	// VaultStore captures raw submissions before any parsing.
	//
	// Vault rows are immutable after insert except for the status-transition
	// fields, which the storage layer enforces with a database rule.
	VaultStore interface {
		// Insert captures one raw submission and returns the record ID.
		// An insert failure must abort the request: the forensic record is a
		// hard prerequisite for accepting an event.
		Insert(ctx context.Context, record *VaultRecord) (string, error)

		// InsertBatch captures a batch in a single round trip, returning
		// record IDs in submission order.
		InsertBatch(ctx context.Context, records []*VaultRecord) ([]string, error)

		// UpdateStatuses applies the terminal status of each record after the
		// pipeline completes. Callers invoke it fire-and-forget; failures are
		// logged, never surfaced to the client.
		UpdateStatuses(ctx context.Context, updates []VaultStatusUpdate) error
	}

	// VaultRecord is a raw submission as received at the ingress boundary.
	VaultRecord struct {
		ID         string
		Payload    []byte
		ReceivedAt time.Time
		DeviceID   string
		ActorID    string
		SourceIP   string
		UserAgent  string
		BatchID    string
		BatchIndex int
		Status     VaultStatus
	}

	// VaultStatus is the processing status of a vault record.
	VaultStatus string

	// VaultStatusUpdate transitions one vault record to its terminal status.
	VaultStatusUpdate struct {
		RecordID     string
		Status       VaultStatus
		EventID      string
		ErrorMessage string
	}
)

// Vault record statuses. Transitions only received -> processed | rejected | failed.
const (
	VaultStatusReceived  VaultStatus = "received"
	VaultStatusProcessed VaultStatus = "processed"
	VaultStatusRejected  VaultStatus = "rejected"
	VaultStatusFailed    VaultStatus = "failed"
)

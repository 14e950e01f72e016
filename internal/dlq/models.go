// Package dlq provides the dead-letter queue for terminally failed
// ingestion attempts.
//
// Only ingestion failures enter the queue: validation rejections are client
// errors that cannot succeed on retry and are never dead-lettered. Entries
// are recovered through the admin retry/discard operations.
package dlq

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for DLQ operations.
var (
	// ErrEntryNotFound is returned when no entry exists for the given ID.
	ErrEntryNotFound = errors.New("DLQ entry not found")

	// ErrNotPending is returned when retry or discard is attempted on an
	// entry that is not in the pending state.
	ErrNotPending = errors.New("DLQ entry is not pending")
)

type (
	// Status is the recovery lifecycle of a DLQ entry.
	// Transitions: pending -> retrying -> resolved, or retrying -> pending
	// (failed retry, retry_count incremented), or pending -> discarded.
	Status string

	// Entry is one dead-lettered submission.
	Entry struct {
		ID             string
		Payload        []byte
		FailureReason  string
		RetryCount     int
		FirstFailureAt time.Time
		LastFailureAt  time.Time
		Status         Status
		SourceEndpoint string
		SourceDeviceID string

		// BatchIndex is the original position inside a batch submission,
		// -1 for single-event submissions.
		BatchIndex int

		// VaultRecordID links back to the raw vault capture, when known.
		VaultRecordID string

		ActorID   string
		SourceIP  string
		UserAgent string

		// ResolvedBy and ResolutionNotes are set by admin retry/discard.
		ResolvedBy      string
		ResolutionNotes string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// ListFilter narrows and pages List results.
	ListFilter struct {
		Status         Status
		SourceDeviceID string
		SourceEndpoint string
		Limit          int
		Offset         int
	}

	// Stats summarizes queue depth per status.
	Stats struct {
		Pending           int
		Retrying          int
		Resolved          int
		Discarded         int
		Total             int
		Threshold         int
		ThresholdExceeded bool
	}

	// Store is the persistence interface for DLQ entries. The Postgres
	// implementation lives in internal/storage.
	Store interface {
		// Insert creates a pending entry and returns its ID.
		Insert(ctx context.Context, entry *Entry) (string, error)

		// List returns entries matching the filter, newest first. The
		// Payload field is omitted from listed entries.
		List(ctx context.Context, filter ListFilter) ([]*Entry, error)

		// Get returns one entry including its payload.
		// Returns ErrEntryNotFound when absent.
		Get(ctx context.Context, id string) (*Entry, error)

		// Counts returns the entry count per status.
		Counts(ctx context.Context) (map[Status]int, error)

		// CountPending returns the pending depth. Used by depth alerting.
		CountPending(ctx context.Context) (int, error)

		// MarkRetrying transitions pending -> retrying and returns the
		// entry including its payload. Returns ErrNotPending when the
		// entry is in any other state.
		MarkRetrying(ctx context.Context, id string) (*Entry, error)

		// MarkResolved transitions retrying -> resolved with the resolver
		// identity and resolution notes.
		MarkResolved(ctx context.Context, id, resolvedBy, notes string) error

		// MarkRetryFailed transitions retrying -> pending, increments
		// retry_count, and updates failure_reason and last_failure_at.
		MarkRetryFailed(ctx context.Context, id, reason string) error

		// MarkDiscarded transitions pending -> discarded with the resolver
		// identity and optional notes. Returns ErrNotPending when the entry
		// is in any other state.
		MarkDiscarded(ctx context.Context, id, resolvedBy, notes string) error
	}
)

// DLQ entry statuses.
const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusResolved  Status = "resolved"
	StatusDiscarded Status = "discarded"
)

// IsValid checks if the status is a declared value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusResolved, StatusDiscarded:
		return true
	default:
		return false
	}
}

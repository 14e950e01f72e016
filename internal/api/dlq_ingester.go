package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetlog-io/fleetlog/internal/dlq"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
	"github.com/fleetlog-io/fleetlog/internal/terminal"
)

// NewDLQIngester builds the retry ingester the DLQ service uses to replay a
// preserved payload through the full pipeline. It lives in this package
// because dead-lettered payloads are wire-format events and reuse the same
// mapping as the ingestion handlers.
//
// The replayed event always requests a fresh sequence allocation: the
// original sequence may have been claimed by a later submission while the
// entry sat in the queue.
func NewDLQIngester(pipeline *ingestion.Pipeline, resolver *terminal.Resolver) dlq.Ingester {
	return func(ctx context.Context, entry *dlq.Entry) (*ingestion.Event, error) {
		var req EventRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil {
			return nil, fmt.Errorf("DLQ payload is not a valid event document: %w", err)
		}

		event := toDomainEvent(&req, resolver, entry.SourceDeviceID)
		event.SequenceID = 0
		event.SequenceProvided = false

		sub := &ingestion.Submission{
			Event:      event,
			RawPayload: entry.Payload,
			ActorID:    entry.ActorID,
			SourceIP:   entry.SourceIP,
			UserAgent:  entry.UserAgent,
			Endpoint:   entry.SourceEndpoint,
			BatchIndex: entry.BatchIndex,
		}

		stored, err := pipeline.IngestEvent(ctx, sub)
		if err != nil {
			return nil, err
		}

		return stored, nil
	}
}

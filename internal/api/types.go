package api

import (
	"encoding/json"
	"time"

	"github.com/fleetlog-io/fleetlog/internal/dlq"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
	"github.com/fleetlog-io/fleetlog/internal/terminal"
)

type (
	// EventRequest is an event as submitted over the wire. This is separate
	// from the domain model (ingestion.Event) to decouple the API contract
	// from internal types; mapping is explicit in toDomainEvent.
	EventRequest struct {
		CarrierID           string   `json:"carrierId"`
		DriverID            string   `json:"driverId"`
		VehicleID           string   `json:"vehicleId"`
		DeviceID            string   `json:"deviceId"`
		EventType           int      `json:"eventType"`
		EventSubType        int      `json:"eventSubType"`
		EventTimestamp      string   `json:"eventTimestamp"`
		EventSequenceID     *int     `json:"eventSequenceId"`
		RecordStatus        int      `json:"recordStatus"`
		RecordOrigin        int      `json:"recordOrigin"`
		AccumulatedMiles    float64  `json:"accumulatedVehicleMiles"`
		ElapsedEngineHours  float64  `json:"elapsedEngineHours"`
		Latitude            *float64 `json:"latitude"`
		Longitude           *float64 `json:"longitude"`
		LocationDescription string   `json:"locationDescription"`
		MalfunctionActive   bool     `json:"malfunctionActive"`
		DiagnosticActive    bool     `json:"diagnosticActive"`
	}

	// BatchRequest is the body of a batch submission. DeviceID, when set,
	// applies to every event in the batch that does not carry its own.
	BatchRequest struct {
		Events   []EventRequest `json:"events"`
		DeviceID string         `json:"deviceId,omitempty"`
	}

	// EventAccepted is the response body for an accepted single event.
	EventAccepted struct {
		EventID    string `json:"eventId"`
		SequenceID int    `json:"sequenceId"`
		ChainHash  string `json:"chainHash"`
	}

	// EventDetail is the full read model returned by the scope listing.
	EventDetail struct {
		EventID             string   `json:"eventId"`
		CarrierID           string   `json:"carrierId"`
		DriverID            string   `json:"driverId"`
		VehicleID           string   `json:"vehicleId"`
		DeviceID            string   `json:"deviceId"`
		LogDate             string   `json:"logDate"`
		SequenceID          int      `json:"sequenceId"`
		EventType           int      `json:"eventType"`
		EventSubType        int      `json:"eventSubType"`
		RecordStatus        int      `json:"recordStatus"`
		RecordOrigin        int      `json:"recordOrigin"`
		EventDate           string   `json:"eventDate"`
		EventTime           string   `json:"eventTime"`
		TimezoneOffset      string   `json:"timezoneOffset"`
		EventTimestamp      string   `json:"eventTimestamp"`
		AccumulatedMiles    float64  `json:"accumulatedVehicleMiles"`
		ElapsedEngineHours  float64  `json:"elapsedEngineHours"`
		Latitude            *float64 `json:"latitude,omitempty"`
		Longitude           *float64 `json:"longitude,omitempty"`
		LocationDescription string   `json:"locationDescription,omitempty"`
		MalfunctionActive   bool     `json:"malfunctionActive"`
		DiagnosticActive    bool     `json:"diagnosticActive"`
		ContentHash         string   `json:"contentHash"`
		ChainHash           string   `json:"chainHash"`
		PreviousChainHash   string   `json:"previousChainHash"`
		Version             int      `json:"version"`
		CreatedAt           string   `json:"createdAt"`
	}

	// FieldErrorDetail is a single field-level validation error as surfaced
	// in envelope details.
	FieldErrorDetail struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}

	// BatchAcceptedItem is one accepted event in a batch response.
	BatchAcceptedItem struct {
		Index      int    `json:"index"`
		EventID    string `json:"eventId"`
		SequenceID int    `json:"sequenceId"`
		ChainHash  string `json:"chainHash"`
		EventType  int    `json:"eventType"`
	}

	// BatchRejectedItem is one rejected event in a batch response. Errors is
	// set for validation rejections, Reason for terminal ingestion failures.
	BatchRejectedItem struct {
		Index  int                `json:"index"`
		Errors []FieldErrorDetail `json:"errors,omitempty"`
		Reason string             `json:"reason,omitempty"`
	}

	// BatchSummary aggregates the per-event outcomes of a batch.
	BatchSummary struct {
		Total            int   `json:"total"`
		Accepted         int   `json:"accepted"`
		Rejected         int   `json:"rejected"`
		ProcessingTimeMs int64 `json:"processingTimeMs"`
	}

	// BatchResponse reports per-event outcomes keyed by original batch index.
	BatchResponse struct {
		Accepted []BatchAcceptedItem `json:"accepted"`
		Rejected []BatchRejectedItem `json:"rejected"`
		Summary  BatchSummary        `json:"summary"`
	}

	// ScopeResponse is the scope listing response.
	ScopeResponse struct {
		DeviceID string        `json:"deviceId"`
		LogDate  string        `json:"logDate"`
		Count    int           `json:"count"`
		Events   []EventDetail `json:"events"`
	}

	// GapsResponse lists the missing sequence numbers of a scope.
	GapsResponse struct {
		DeviceID string `json:"deviceId"`
		LogDate  string `json:"logDate"`
		Gaps     []int  `json:"gaps"`
		Count    int    `json:"count"`
	}

	// ChainBreakDetail describes one broken chain link.
	ChainBreakDetail struct {
		SequenceID   int    `json:"sequenceId"`
		EventID      string `json:"eventId"`
		Reason       string `json:"reason"`
		ExpectedHash string `json:"expectedHash"`
		StoredHash   string `json:"storedHash"`
	}

	// VerifyResponse is the chain verification result for a scope.
	VerifyResponse struct {
		DeviceID   string             `json:"deviceId"`
		LogDate    string             `json:"logDate"`
		EventCount int                `json:"eventCount"`
		Intact     bool               `json:"intact"`
		Breaks     []ChainBreakDetail `json:"breaks,omitempty"`
	}

	// DLQEntrySummary is a listed DLQ entry, payload omitted.
	DLQEntrySummary struct {
		ID             string `json:"id"`
		FailureReason  string `json:"failureReason"`
		RetryCount     int    `json:"retryCount"`
		Status         string `json:"status"`
		SourceEndpoint string `json:"sourceEndpoint"`
		SourceDeviceID string `json:"sourceDeviceId"`
		BatchIndex     int    `json:"batchIndex"`
		FirstFailureAt string `json:"firstFailureAt"`
		LastFailureAt  string `json:"lastFailureAt"`
		CreatedAt      string `json:"createdAt"`
		UpdatedAt      string `json:"updatedAt"`
	}

	// DLQEntryDetail is a single DLQ entry including its payload and the
	// reconstructed submission context.
	DLQEntryDetail struct {
		DLQEntrySummary

		Payload         json.RawMessage `json:"payload"`
		VaultRecordID   string          `json:"vaultRecordId,omitempty"`
		ActorID         string          `json:"actorId,omitempty"`
		SourceIP        string          `json:"sourceIp,omitempty"`
		UserAgent       string          `json:"userAgent,omitempty"`
		ResolvedBy      string          `json:"resolvedBy,omitempty"`
		ResolutionNotes string          `json:"resolutionNotes,omitempty"`
	}

	// DLQListResponse pages DLQ entries.
	DLQListResponse struct {
		Entries []DLQEntrySummary `json:"entries"`
		Count   int               `json:"count"`
	}

	// DLQStatsResponse reports queue depth per status.
	DLQStatsResponse struct {
		Pending           int  `json:"pending"`
		Retrying          int  `json:"retrying"`
		Resolved          int  `json:"resolved"`
		Discarded         int  `json:"discarded"`
		Total             int  `json:"total"`
		Threshold         int  `json:"threshold"`
		ThresholdExceeded bool `json:"thresholdExceeded"`
	}

	// DLQRetryResponse reports the outcome of one admin-triggered retry.
	// Always returned with 200 so operators can distinguish "retry executed
	// and failed" from "retry call failed".
	DLQRetryResponse struct {
		Success    bool   `json:"success"`
		EventID    string `json:"eventId,omitempty"`
		SequenceID int    `json:"sequenceId,omitempty"`
		ChainHash  string `json:"chainHash,omitempty"`
		Error      string `json:"error,omitempty"`
	}

	// DLQDiscardRequest is the optional body of a discard call.
	DLQDiscardRequest struct {
		Notes string `json:"notes"`
	}
)

// toDomainEvent maps a wire event onto the domain model. Home-terminal
// derived fields (log date, event date, tz offset) come from the resolver;
// an unparseable timestamp leaves EventTimestamp zero for the validator to
// reject. headerDeviceID is the X-Device-Id tie-break, used only when the
// body carries no device.
func toDomainEvent(req *EventRequest, resolver *terminal.Resolver, headerDeviceID string) *ingestion.Event {
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = headerDeviceID
	}

	event := &ingestion.Event{
		CarrierID:           req.CarrierID,
		DriverID:            req.DriverID,
		VehicleID:           req.VehicleID,
		DeviceID:            deviceID,
		EventType:           ingestion.EventType(req.EventType),
		EventCode:           req.EventSubType,
		RecordStatus:        ingestion.RecordStatus(req.RecordStatus),
		RecordOrigin:        ingestion.RecordOrigin(req.RecordOrigin),
		OdometerTenths:      milesToTenths(req.AccumulatedMiles),
		EngineHoursTenths:   milesToTenths(req.ElapsedEngineHours),
		Latitude:            req.Latitude,
		Longitude:           req.Longitude,
		LocationDescription: req.LocationDescription,
		MalfunctionActive:   req.MalfunctionActive,
		DiagnosticActive:    req.DiagnosticActive,
	}

	// An absent eventSequenceId requests allocation. An explicit value,
	// including 0, goes through range validation as supplied.
	if req.EventSequenceID != nil {
		event.SequenceID = *req.EventSequenceID
		event.SequenceProvided = true
	}

	ts, err := time.Parse(time.RFC3339, req.EventTimestamp)
	if err != nil {
		return event
	}

	event.EventTimestamp = ts
	event.LogDate = resolver.LogDate(req.CarrierID, ts)
	event.EventDate = resolver.EventDate(req.CarrierID, ts)
	event.EventTime = ts.UTC().Format("150405")
	event.TimezoneOffset = resolver.TimezoneOffset(req.CarrierID, ts)

	return event
}

// milesToTenths converts a wire reading to the stored tenths integer.
// Negative readings stay negative so the validator can report them.
func milesToTenths(v float64) int64 {
	tenths := v * 10
	if tenths < 0 {
		return int64(tenths - 0.5)
	}

	return int64(tenths + 0.5)
}

// tenthsToUnits converts a stored tenths integer back to the wire reading.
func tenthsToUnits(v int64) float64 {
	return float64(v) / 10
}

func newEventAccepted(event *ingestion.Event) EventAccepted {
	return EventAccepted{
		EventID:    event.ID,
		SequenceID: event.SequenceID,
		ChainHash:  event.ChainHash,
	}
}

func newEventDetail(event *ingestion.Event) EventDetail {
	return EventDetail{
		EventID:             event.ID,
		CarrierID:           event.CarrierID,
		DriverID:            event.DriverID,
		VehicleID:           event.VehicleID,
		DeviceID:            event.DeviceID,
		LogDate:             event.LogDate,
		SequenceID:          event.SequenceID,
		EventType:           int(event.EventType),
		EventSubType:        event.EventCode,
		RecordStatus:        int(event.RecordStatus),
		RecordOrigin:        int(event.RecordOrigin),
		EventDate:           event.EventDate,
		EventTime:           event.EventTime,
		TimezoneOffset:      event.TimezoneOffset,
		EventTimestamp:      event.EventTimestamp.Format(time.RFC3339),
		AccumulatedMiles:    tenthsToUnits(event.OdometerTenths),
		ElapsedEngineHours:  tenthsToUnits(event.EngineHoursTenths),
		Latitude:            event.Latitude,
		Longitude:           event.Longitude,
		LocationDescription: event.LocationDescription,
		MalfunctionActive:   event.MalfunctionActive,
		DiagnosticActive:    event.DiagnosticActive,
		ContentHash:         event.ContentHash,
		ChainHash:           event.ChainHash,
		PreviousChainHash:   event.PreviousChainHash,
		Version:             event.Version,
		CreatedAt:           event.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// newFieldErrorDetails maps validator errors into envelope details.
func newFieldErrorDetails(errs []ingestion.FieldError) []FieldErrorDetail {
	details := make([]FieldErrorDetail, 0, len(errs))
	for _, fe := range errs {
		details = append(details, FieldErrorDetail{Field: fe.Field, Message: fe.Message})
	}

	return details
}

// newBatchResponse maps per-item pipeline outcomes, preserving original
// batch indices. The accepted and rejected slices are always non-nil so the
// response carries empty arrays, never null.
func newBatchResponse(result *ingestion.BatchResult, elapsed time.Duration) BatchResponse {
	resp := BatchResponse{
		Accepted: make([]BatchAcceptedItem, 0, result.Accepted),
		Rejected: make([]BatchRejectedItem, 0, result.Rejected),
		Summary: BatchSummary{
			Total:            len(result.Items),
			Accepted:         result.Accepted,
			Rejected:         result.Rejected,
			ProcessingTimeMs: elapsed.Milliseconds(),
		},
	}

	for _, item := range result.Items {
		switch {
		case item.Event != nil:
			resp.Accepted = append(resp.Accepted, BatchAcceptedItem{
				Index:      item.Index,
				EventID:    item.Event.ID,
				SequenceID: item.Event.SequenceID,
				ChainHash:  item.Event.ChainHash,
				EventType:  int(item.Event.EventType),
			})
		case item.Failed:
			resp.Rejected = append(resp.Rejected, BatchRejectedItem{
				Index:  item.Index,
				Reason: item.FailureReason,
			})
		default:
			resp.Rejected = append(resp.Rejected, BatchRejectedItem{
				Index:  item.Index,
				Errors: newFieldErrorDetails(item.Errors),
			})
		}
	}

	return resp
}

func newDLQEntrySummary(entry *dlq.Entry) DLQEntrySummary {
	return DLQEntrySummary{
		ID:             entry.ID,
		FailureReason:  entry.FailureReason,
		RetryCount:     entry.RetryCount,
		Status:         string(entry.Status),
		SourceEndpoint: entry.SourceEndpoint,
		SourceDeviceID: entry.SourceDeviceID,
		BatchIndex:     entry.BatchIndex,
		FirstFailureAt: entry.FirstFailureAt.UTC().Format(time.RFC3339),
		LastFailureAt:  entry.LastFailureAt.UTC().Format(time.RFC3339),
		CreatedAt:      entry.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      entry.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func newDLQEntryDetail(entry *dlq.Entry) DLQEntryDetail {
	// Payloads are vault-captured request bodies; if one is not valid JSON
	// it is re-encoded as a JSON string so the detail response stays valid.
	payload := json.RawMessage(entry.Payload)
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(entry.Payload))
		if err == nil {
			payload = encoded
		}
	}

	return DLQEntryDetail{
		DLQEntrySummary: newDLQEntrySummary(entry),
		Payload:         payload,
		VaultRecordID:   entry.VaultRecordID,
		ActorID:         entry.ActorID,
		SourceIP:        entry.SourceIP,
		UserAgent:       entry.UserAgent,
		ResolvedBy:      entry.ResolvedBy,
		ResolutionNotes: entry.ResolutionNotes,
	}
}

func newChainVerifyResponse(v *ingestion.ChainVerification) VerifyResponse {
	resp := VerifyResponse{
		DeviceID:   v.DeviceID,
		LogDate:    v.LogDate,
		EventCount: v.EventCount,
		Intact:     v.Intact,
	}

	for _, b := range v.Breaks {
		resp.Breaks = append(resp.Breaks, ChainBreakDetail{
			SequenceID:   b.SequenceID,
			EventID:      b.EventID,
			Reason:       b.Reason,
			ExpectedHash: b.ExpectedHash,
			StoredHash:   b.StoredHash,
		})
	}

	return resp
}

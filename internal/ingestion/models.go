// Package ingestion provides the ELD event domain model and the ingestion
// pipeline that appends events to the tamper-evident log.
// Reg: FMCSA 49 CFR 395.26 / 395.30.
package ingestion

import (
	"fmt"
	"time"
)

type (
	// Event represents a single ELD event record - Domain Model.
	//
	// Events are append-only: a stored event is never mutated. A correction is
	// expressed as a new active row with an incremented version linking back to
	// the superseded row, whose record status transitions through an audit row.
	//
	// This is a pure domain model without JSON tags. The API layer uses
	// EventRequest for JSON marshaling and maps to this type explicitly.
	Event struct {
		// ID is the surrogate identifier (UUID), assigned at append time.
		ID string

		// CarrierID identifies the motor carrier the driver operates under.
		CarrierID string

		// DriverID identifies the driver the event is recorded against.
		DriverID string

		// VehicleID identifies the commercial motor vehicle.
		VehicleID string

		// DeviceID identifies the ELD unit that produced the event.
		// Together with LogDate it forms the sequencing scope.
		DeviceID string

		// LogDate is the driver's calendar day in the home-terminal timezone
		// (YYYY-MM-DD). Sequence numbers and the hash chain restart per
		// (DeviceID, LogDate) scope.
		LogDate string

		// SequenceID is the per-scope sequence number in [1, 65535].
		// Zero on a candidate event means "allocate the next number".
		SequenceID int

		// SequenceProvided marks a client-supplied sequence number. When
		// false, SequenceID is internal state (zero until allocation) and
		// exempt from range validation.
		SequenceProvided bool

		// EventType is the FMCSA event type (1-7).
		EventType EventType

		// EventCode is the sub-type within the declared event type.
		// Valid codes depend on EventType (see EventType.AllowsCode).
		EventCode int

		// RecordStatus is the record lifecycle status (1-4).
		RecordStatus RecordStatus

		// RecordOrigin records who originated the event (1-4).
		RecordOrigin RecordOrigin

		// EventDate is MMDDYY in the home-terminal timezone.
		EventDate string

		// EventTime is HHMMSS in UTC.
		EventTime string

		// TimezoneOffset is the home-terminal UTC offset as ±HHMM.
		TimezoneOffset string

		// EventTimestamp is the absolute instant of the event.
		EventTimestamp time.Time

		// OdometerTenths is the accumulated vehicle miles in tenths (>= 0).
		OdometerTenths int64

		// EngineHoursTenths is the elapsed engine hours in tenths (>= 0).
		EngineHoursTenths int64

		// Latitude and Longitude are optional; when both are absent,
		// LocationDescription must be non-empty (49 CFR 395.26(c)(2)).
		Latitude  *float64
		Longitude *float64

		// LocationDescription is the textual location, required whenever
		// coordinates are absent.
		LocationDescription string

		// MalfunctionActive and DiagnosticActive mirror the device's
		// malfunction and data-diagnostic indicator state at event time.
		MalfunctionActive bool
		DiagnosticActive  bool

		// ContentHash is SHA-256 over the canonical field projection.
		ContentHash string

		// ChainHash is SHA-256 over ContentHash || PreviousChainHash.
		ChainHash string

		// PreviousChainHash links to the previous active event in the scope,
		// or to the scope's genesis hash for the first event.
		PreviousChainHash string

		// Version is 1 for originals; corrections increment it.
		Version int

		// PreviousVersionID links a correction to the row it supersedes.
		// Empty for originals.
		PreviousVersionID string

		// OriginalVersionID links any version back to the original row.
		// Empty for originals.
		OriginalVersionID string

		// CreatedAt is the server-side append timestamp.
		CreatedAt time.Time
	}

	// EventType is the FMCSA event type (1-7).
	EventType int

	// RecordStatus is the FMCSA record status (1-4).
	RecordStatus int

	// RecordOrigin is the FMCSA record origin (1-4).
	RecordOrigin int

	// LogPeriod is a driver's single calendar day in the home-terminal
	// timezone: the sequencing scope and regulatory rollup unit.
	LogPeriod struct {
		ID          string
		DriverID    string
		LogDate     string
		Status      LogPeriodStatus
		EventCount  int
		CertifiedAt *time.Time
		CreatedAt   time.Time
	}

	// LogPeriodStatus is the certification lifecycle of a log period.
	LogPeriodStatus string

	// FieldError is a single field-level validation error.
	FieldError struct {
		Field   string
		Message string
	}

	// Submission carries a candidate event through the pipeline together with
	// the request context needed by the vault and the DLQ.
	Submission struct {
		// Event is the parsed candidate. SequenceID 0 requests allocation.
		// Nil until parsing when the raw payload is captured first.
		Event *Event

		// DeviceID is the transport-level device identity known before
		// parsing (the X-Device-Id header). Event.DeviceID supersedes it
		// once the payload is parsed.
		DeviceID string

		// RawPayload is the submission body exactly as received, preserved
		// for the vault and for DLQ replay.
		RawPayload []byte

		// ActorID is the authenticated submitter.
		ActorID string

		// SourceIP and UserAgent describe the network origin.
		SourceIP  string
		UserAgent string

		// Endpoint is the ingestion surface the submission arrived on
		// ("/events" or "/events/batch").
		Endpoint string

		// BatchID and BatchIndex locate the event inside a batch submission.
		// BatchIndex is -1 for single-event submissions.
		BatchID    string
		BatchIndex int

		// VaultRecordID is set once the vault has captured the raw payload.
		VaultRecordID string
	}
)

// FMCSA event types.
const (
	// EventTypeDutyStatus is a change in driver's duty status.
	EventTypeDutyStatus EventType = 1

	// EventTypeIntermediateLog is an intermediate log while driving.
	EventTypeIntermediateLog EventType = 2

	// EventTypeDrivingCondition is a change in the driver's indication of
	// special driving conditions (personal use, yard moves).
	EventTypeDrivingCondition EventType = 3

	// EventTypeCertification is a certification of the daily record.
	EventTypeCertification EventType = 4

	// EventTypeLogin is a driver login/logout activity event.
	EventTypeLogin EventType = 5

	// EventTypeEnginePower is an engine power-up/shut-down event.
	EventTypeEnginePower EventType = 6

	// EventTypeMalfunction is a malfunction or data-diagnostic event.
	EventTypeMalfunction EventType = 7
)

// Record statuses.
const (
	// RecordStatusActive marks the current version of an event.
	RecordStatusActive RecordStatus = 1

	// RecordStatusInactiveChanged marks a superseded version.
	RecordStatusInactiveChanged RecordStatus = 2

	// RecordStatusInactiveChangeRequested marks a version with a pending
	// driver edit request.
	RecordStatusInactiveChangeRequested RecordStatus = 3

	// RecordStatusInactiveUnidentified marks an unassigned driving record
	// that has been claimed.
	RecordStatusInactiveUnidentified RecordStatus = 4
)

// Record origins.
const (
	// RecordOriginAutomatic marks events recorded by the device itself.
	RecordOriginAutomatic RecordOrigin = 1

	// RecordOriginDriver marks events entered or edited by the driver.
	RecordOriginDriver RecordOrigin = 2

	// RecordOriginOther marks events entered by another authenticated user.
	RecordOriginOther RecordOrigin = 3

	// RecordOriginUnidentified marks events from the unidentified driver
	// profile.
	RecordOriginUnidentified RecordOrigin = 4
)

// Log-period statuses.
const (
	// LogPeriodActive is the initial, uncertified state.
	LogPeriodActive LogPeriodStatus = "active"

	// LogPeriodCertified means the driver certified the day.
	LogPeriodCertified LogPeriodStatus = "certified"

	// LogPeriodRecertified means the day was certified again after an edit.
	LogPeriodRecertified LogPeriodStatus = "recertified"

	// LogPeriodRejected means certification was rejected.
	LogPeriodRejected LogPeriodStatus = "rejected"
)

// Sequence bounds for a scope. Zero requests allocation; 65535 is the
// largest value the ELD wire format can carry.
const (
	MinSequenceID = 1
	MaxSequenceID = 65535
)

// eventCodes is the FMCSA sub-type table per event type.
// Reg: 49 CFR 395 subpart B, appendix A (event code definitions).
var eventCodes = map[EventType][]int{
	EventTypeDutyStatus:       {1, 2, 3, 4},
	EventTypeIntermediateLog:  {1, 2},
	EventTypeDrivingCondition: {1, 2, 3},
	EventTypeCertification:    {1, 2},
	EventTypeLogin:            {1, 2, 3},
	EventTypeEnginePower:      {1, 2},
	EventTypeMalfunction:      {1, 2, 3, 4, 5, 6, 7},
}

// IsValid checks if the EventType is a declared FMCSA event type.
func (et EventType) IsValid() bool {
	_, ok := eventCodes[et]

	return ok
}

// AllowsCode checks if the event code is valid for this event type.
func (et EventType) AllowsCode(code int) bool {
	for _, valid := range eventCodes[et] {
		if code == valid {
			return true
		}
	}

	return false
}

// ValidCodes returns the valid event codes for this event type.
func (et EventType) ValidCodes() []int {
	codes := eventCodes[et]
	result := make([]int, len(codes))
	copy(result, codes)

	return result
}

// IsValid checks if the RecordStatus is a declared value.
func (rs RecordStatus) IsValid() bool {
	return rs >= RecordStatusActive && rs <= RecordStatusInactiveUnidentified
}

// IsValid checks if the RecordOrigin is a declared value.
func (ro RecordOrigin) IsValid() bool {
	return ro >= RecordOriginAutomatic && ro <= RecordOriginUnidentified
}

// Scope returns the sequencing scope key for this event.
//
// Every event belongs to exactly one (device, log date) scope; sequence
// numbers and the hash chain are defined per scope.
func (e *Event) Scope() string {
	return e.DeviceID + ":" + e.LogDate
}

// HasCoordinates reports whether both latitude and longitude are present.
func (e *Event) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// String returns a compact identity for log records.
func (e *Event) String() string {
	return fmt.Sprintf("event{device=%s logDate=%s seq=%d type=%d code=%d}",
		e.DeviceID, e.LogDate, e.SequenceID, e.EventType, e.EventCode)
}

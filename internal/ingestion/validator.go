// Package ingestion provides ELD event validation.
package ingestion

import (
	"fmt"
	"sort"
	"time"
)

// Timestamp acceptance window.
//
// Devices buffer and retry, so events may arrive well after they occurred,
// but an event more than maxTimestampPast behind the server clock is outside
// the regulatory correction window and an event ahead of the clock beyond
// small skew is a device fault.
const (
	maxTimestampAhead = 5 * time.Minute
	maxTimestampPast  = 14 * 24 * time.Hour
)

type (
	// Result is the outcome of validating a single event.
	Result struct {
		Valid  bool
		Errors []FieldError
	}

	// Validator performs the two synchronous validation layers on candidate
	// events: shape (types, ranges) and business rules (FMCSA code tables,
	// timestamp window, location requirements, batch monotonicity).
	//
	// Cross-reference validation is asynchronous I/O and lives on
	// CrossRefChecker; the pipeline merges its errors with these.
	Validator struct {
		// now is injectable for timestamp-window tests.
		now func() time.Time
	}
)

// NewValidator creates a Validator using the system clock.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// ValidateEvent runs layers 1 and 2 on a single candidate event.
//
// Layer 1 (shape) failures short-circuit: an event with an out-of-range enum
// or coordinate gets only its shape errors back. Layer 2 (business rules)
// errors are accumulated, not short-circuited, so the client sees every rule
// violation at once.
func (v *Validator) ValidateEvent(event *Event) Result {
	if event == nil {
		return Result{Valid: false, Errors: []FieldError{{Field: "event", Message: "event cannot be nil"}}}
	}

	if errs := v.checkShape(event); len(errs) > 0 {
		return Result{Valid: false, Errors: errs}
	}

	errs := v.checkBusinessRules(event)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// ValidateBatch runs layers 1 and 2 on every event of a batch plus the
// batch-level monotonicity rule, returning errors keyed by the original
// batch index so the caller can partition valid from invalid events without
// re-indexing.
func (v *Validator) ValidateBatch(events []*Event) map[int][]FieldError {
	failures := make(map[int][]FieldError)

	for i, event := range events {
		if result := v.ValidateEvent(event); !result.Valid {
			failures[i] = append(failures[i], result.Errors...)
		}
	}

	for index, errs := range v.checkMonotonicity(events, failures) {
		failures[index] = append(failures[index], errs...)
	}

	return failures
}

// checkShape is layer 1: structural typing and declared ranges.
func (v *Validator) checkShape(event *Event) []FieldError {
	var errs []FieldError

	if event.DeviceID == "" {
		errs = append(errs, FieldError{Field: "deviceId", Message: "deviceId is required"})
	}

	if event.DriverID == "" {
		errs = append(errs, FieldError{Field: "driverId", Message: "driverId is required"})
	}

	if !event.EventType.IsValid() {
		errs = append(errs, FieldError{
			Field:   "eventType",
			Message: fmt.Sprintf("eventType must be in [1, 7], got %d", event.EventType),
		})
	}

	if !event.RecordStatus.IsValid() {
		errs = append(errs, FieldError{
			Field:   "recordStatus",
			Message: fmt.Sprintf("recordStatus must be in [1, 4], got %d", event.RecordStatus),
		})
	}

	if !event.RecordOrigin.IsValid() {
		errs = append(errs, FieldError{
			Field:   "recordOrigin",
			Message: fmt.Sprintf("recordOrigin must be in [1, 4], got %d", event.RecordOrigin),
		})
	}

	if event.EventTimestamp.IsZero() {
		errs = append(errs, FieldError{Field: "eventTimestamp", Message: "eventTimestamp is required (ISO-8601)"})
	}

	// An absent sequence ID requests server-side allocation; a client-supplied
	// one must be in range. An explicit 0 on the wire is out of range.
	if event.SequenceProvided && (event.SequenceID < MinSequenceID || event.SequenceID > MaxSequenceID) {
		errs = append(errs, FieldError{
			Field:   "eventSequenceId",
			Message: fmt.Sprintf("eventSequenceId must be in [%d, %d], got %d", MinSequenceID, MaxSequenceID, event.SequenceID),
		})
	}

	if event.Latitude != nil && (*event.Latitude < -90 || *event.Latitude > 90) {
		errs = append(errs, FieldError{
			Field:   "latitude",
			Message: fmt.Sprintf("latitude must be in [-90, 90], got %v", *event.Latitude),
		})
	}

	if event.Longitude != nil && (*event.Longitude < -180 || *event.Longitude > 180) {
		errs = append(errs, FieldError{
			Field:   "longitude",
			Message: fmt.Sprintf("longitude must be in [-180, 180], got %v", *event.Longitude),
		})
	}

	if event.OdometerTenths < 0 {
		errs = append(errs, FieldError{
			Field:   "accumulatedVehicleMiles",
			Message: fmt.Sprintf("accumulatedVehicleMiles must be >= 0, got %d", event.OdometerTenths),
		})
	}

	if event.EngineHoursTenths < 0 {
		errs = append(errs, FieldError{
			Field:   "elapsedEngineHours",
			Message: fmt.Sprintf("elapsedEngineHours must be >= 0, got %d", event.EngineHoursTenths),
		})
	}

	return errs
}

// checkBusinessRules is layer 2: pure, synchronous FMCSA rules.
func (v *Validator) checkBusinessRules(event *Event) []FieldError {
	var errs []FieldError

	if !event.EventType.AllowsCode(event.EventCode) {
		errs = append(errs, FieldError{
			Field: "eventCode",
			Message: fmt.Sprintf("eventCode %d is not valid for eventType %d (valid: %v)",
				event.EventCode, event.EventType, event.EventType.ValidCodes()),
		})
	}

	now := v.now()
	if event.EventTimestamp.After(now.Add(maxTimestampAhead)) {
		errs = append(errs, FieldError{
			Field: "eventTimestamp",
			Message: fmt.Sprintf("eventTimestamp %s is more than %s ahead of server time",
				event.EventTimestamp.Format(time.RFC3339), maxTimestampAhead),
		})
	}

	if event.EventTimestamp.Before(now.Add(-maxTimestampPast)) {
		errs = append(errs, FieldError{
			Field: "eventTimestamp",
			Message: fmt.Sprintf("eventTimestamp %s is more than 14 days behind server time",
				event.EventTimestamp.Format(time.RFC3339)),
		})
	}

	// 49 CFR 395.26(c)(2): a textual location is mandatory when coordinates
	// are unavailable.
	if !event.HasCoordinates() && event.LocationDescription == "" {
		errs = append(errs, FieldError{
			Field:   "locationDescription",
			Message: "locationDescription is required when latitude and longitude are absent",
		})
	}

	return errs
}

// checkMonotonicity enforces the batch rule that odometer and engine-hours
// readings are non-decreasing in event-timestamp order. Events that already
// failed shape validation are excluded so that a malformed event does not
// produce cascading monotonicity errors.
func (v *Validator) checkMonotonicity(events []*Event, alreadyFailed map[int][]FieldError) map[int][]FieldError {
	type indexed struct {
		index int
		event *Event
	}

	candidates := make([]indexed, 0, len(events))

	for i, event := range events {
		if event == nil {
			continue
		}

		if _, failed := alreadyFailed[i]; failed {
			continue
		}

		candidates = append(candidates, indexed{index: i, event: event})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].event.EventTimestamp.Before(candidates[j].event.EventTimestamp)
	})

	failures := make(map[int][]FieldError)

	for i := 1; i < len(candidates); i++ {
		prev, curr := candidates[i-1], candidates[i]

		if curr.event.OdometerTenths < prev.event.OdometerTenths {
			failures[curr.index] = append(failures[curr.index], FieldError{
				Field: "accumulatedVehicleMiles",
				Message: fmt.Sprintf("accumulatedVehicleMiles decreased from %d to %d in timestamp order",
					prev.event.OdometerTenths, curr.event.OdometerTenths),
			})
		}

		if curr.event.EngineHoursTenths < prev.event.EngineHoursTenths {
			failures[curr.index] = append(failures[curr.index], FieldError{
				Field: "elapsedEngineHours",
				Message: fmt.Sprintf("elapsedEngineHours decreased from %d to %d in timestamp order",
					prev.event.EngineHoursTenths, curr.event.EngineHoursTenths),
			})
		}
	}

	return failures
}

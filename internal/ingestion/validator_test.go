package ingestion

import (
	"strings"
	"testing"
	"time"
)

// validEvent builds an event that passes both synchronous layers with the
// validator clock pinned to now.
func validEvent(now time.Time) *Event {
	lat, lon := 37.77, -122.42

	return &Event{
		CarrierID:         "carrier-1",
		DriverID:          "driver-1",
		VehicleID:         "vehicle-1",
		DeviceID:          "device-1",
		LogDate:           "2026-02-15",
		EventType:         EventTypeDutyStatus,
		EventCode:         3,
		RecordStatus:      RecordStatusActive,
		RecordOrigin:      RecordOriginAutomatic,
		EventTimestamp:    now.Add(-1 * time.Minute),
		OdometerTenths:    10000,
		EngineHoursTenths: 500,
		Latitude:          &lat,
		Longitude:         &lon,
	}
}

// pinnedValidator returns a validator with an injected clock so the timestamp
// window is deterministic.
func pinnedValidator(now time.Time) *Validator {
	v := NewValidator()
	v.now = func() time.Time { return now }

	return v
}

func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}

	return false
}

// ============================================================================
// Layer 1: Shape Tests
// ============================================================================

func TestValidateEvent_Valid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	result := pinnedValidator(now).ValidateEvent(validEvent(now))
	if !result.Valid {
		t.Fatalf("ValidateEvent() rejected a valid event: %v", result.Errors)
	}
}

func TestValidateEvent_NilEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	result := NewValidator().ValidateEvent(nil)
	if result.Valid {
		t.Fatal("ValidateEvent(nil) = valid, want invalid")
	}
}

func TestValidateEvent_ShapeErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()
	badLat, badLon := 91.0, -181.0

	tests := []struct {
		name      string
		mutate    func(*Event)
		wantField string
	}{
		{"missing deviceId", func(e *Event) { e.DeviceID = "" }, "deviceId"},
		{"missing driverId", func(e *Event) { e.DriverID = "" }, "driverId"},
		{"eventType out of range", func(e *Event) { e.EventType = 9 }, "eventType"},
		{"recordStatus out of range", func(e *Event) { e.RecordStatus = 0 }, "recordStatus"},
		{"recordOrigin out of range", func(e *Event) { e.RecordOrigin = 5 }, "recordOrigin"},
		{"zero timestamp", func(e *Event) { e.EventTimestamp = time.Time{} }, "eventTimestamp"},
		{"latitude out of range", func(e *Event) { e.Latitude = &badLat }, "latitude"},
		{"longitude out of range", func(e *Event) { e.Longitude = &badLon }, "longitude"},
		{"negative odometer", func(e *Event) { e.OdometerTenths = -1 }, "accumulatedVehicleMiles"},
		{"negative engine hours", func(e *Event) { e.EngineHoursTenths = -1 }, "elapsedEngineHours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(now)
			tt.mutate(event)

			result := pinnedValidator(now).ValidateEvent(event)
			if result.Valid {
				t.Fatal("ValidateEvent() = valid, want invalid")
			}

			if !hasFieldError(result.Errors, tt.wantField) {
				t.Errorf("errors = %v, want one for field %q", result.Errors, tt.wantField)
			}
		})
	}
}

func TestValidateEvent_SequenceBounds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	tests := []struct {
		name     string
		sequence int
		provided bool
		valid    bool
	}{
		{"absent requests allocation", 0, false, true},
		{"explicit zero", 0, true, false},
		{"minimum", MinSequenceID, true, true},
		{"maximum", MaxSequenceID, true, true},
		{"one past maximum", MaxSequenceID + 1, true, false},
		{"negative", -1, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(now)
			event.SequenceID = tt.sequence
			event.SequenceProvided = tt.provided

			result := pinnedValidator(now).ValidateEvent(event)
			if result.Valid != tt.valid {
				t.Errorf("sequence %d (provided=%v): valid = %v, want %v (errors: %v)",
					tt.sequence, tt.provided, result.Valid, tt.valid, result.Errors)
			}

			if !tt.valid && !hasFieldError(result.Errors, "eventSequenceId") {
				t.Errorf("errors = %v, want one for eventSequenceId", result.Errors)
			}
		})
	}
}

// A shape failure returns only shape errors; business rules are not run
// against a structurally broken event.
func TestValidateEvent_ShapeShortCircuitsBusinessRules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	event := validEvent(now)
	event.EventType = 9
	event.Latitude = nil
	event.Longitude = nil
	event.LocationDescription = ""

	result := pinnedValidator(now).ValidateEvent(event)
	if result.Valid {
		t.Fatal("ValidateEvent() = valid, want invalid")
	}

	if hasFieldError(result.Errors, "locationDescription") {
		t.Errorf("business-rule error reported alongside shape failure: %v", result.Errors)
	}
}

// ============================================================================
// Layer 2: Business Rule Tests
// ============================================================================

func TestValidateEvent_EventCodeTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	event := validEvent(now)
	event.EventType = EventTypeCertification
	event.EventCode = 3

	result := pinnedValidator(now).ValidateEvent(event)
	if result.Valid {
		t.Fatal("ValidateEvent() accepted code 3 for certification events")
	}

	if !hasFieldError(result.Errors, "eventCode") {
		t.Errorf("errors = %v, want one for eventCode", result.Errors)
	}
}

func TestValidateEvent_TimestampWindow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		timestamp time.Time
		valid     bool
	}{
		{"just inside skew allowance", now.Add(4 * time.Minute), true},
		{"too far ahead", now.Add(6 * time.Minute), false},
		{"thirteen days old", now.Add(-13 * 24 * time.Hour), true},
		{"past the correction window", now.Add(-15 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(now)
			event.EventTimestamp = tt.timestamp

			result := pinnedValidator(now).ValidateEvent(event)
			if result.Valid != tt.valid {
				t.Errorf("valid = %v, want %v (errors: %v)", result.Valid, tt.valid, result.Errors)
			}

			if !tt.valid && !hasFieldError(result.Errors, "eventTimestamp") {
				t.Errorf("errors = %v, want one for eventTimestamp", result.Errors)
			}
		})
	}
}

func TestValidateEvent_LocationRequiredWithoutCoordinates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	event := validEvent(now)
	event.Latitude = nil
	event.Longitude = nil
	event.LocationDescription = ""

	result := pinnedValidator(now).ValidateEvent(event)
	if result.Valid {
		t.Fatal("ValidateEvent() accepted an event with no location at all")
	}

	if !hasFieldError(result.Errors, "locationDescription") {
		t.Errorf("errors = %v, want one for locationDescription", result.Errors)
	}

	event.LocationDescription = "5 miles east of Reno, NV"

	if result := pinnedValidator(now).ValidateEvent(event); !result.Valid {
		t.Errorf("textual location did not satisfy the rule: %v", result.Errors)
	}
}

func TestValidateEvent_AccumulatesBusinessRuleErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	event := validEvent(now)
	event.EventCode = 99
	event.EventTimestamp = now.Add(time.Hour)

	result := pinnedValidator(now).ValidateEvent(event)
	if result.Valid {
		t.Fatal("ValidateEvent() = valid, want invalid")
	}

	if !hasFieldError(result.Errors, "eventCode") || !hasFieldError(result.Errors, "eventTimestamp") {
		t.Errorf("errors = %v, want both eventCode and eventTimestamp reported", result.Errors)
	}
}

// ============================================================================
// Batch Monotonicity Tests
// ============================================================================

func TestValidateBatch_OdometerMonotonicity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	first := validEvent(now)
	first.EventTimestamp = now.Add(-3 * time.Minute)
	first.OdometerTenths = 50000

	second := validEvent(now)
	second.EventTimestamp = now.Add(-2 * time.Minute)
	second.OdometerTenths = 40000

	third := validEvent(now)
	third.EventTimestamp = now.Add(-1 * time.Minute)
	third.OdometerTenths = 55000

	failures := pinnedValidator(now).ValidateBatch([]*Event{first, second, third})
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly index 1", failures)
	}

	if !hasFieldError(failures[1], "accumulatedVehicleMiles") {
		t.Errorf("failures[1] = %v, want accumulatedVehicleMiles", failures[1])
	}
}

// Monotonicity is checked in timestamp order, not submission order.
func TestValidateBatch_MonotonicityFollowsTimestampOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	later := validEvent(now)
	later.EventTimestamp = now.Add(-1 * time.Minute)
	later.OdometerTenths = 60000

	earlier := validEvent(now)
	earlier.EventTimestamp = now.Add(-5 * time.Minute)
	earlier.OdometerTenths = 50000

	failures := pinnedValidator(now).ValidateBatch([]*Event{later, earlier})
	if len(failures) != 0 {
		t.Errorf("failures = %v, want none: readings increase in timestamp order", failures)
	}
}

func TestValidateBatch_EngineHoursMonotonicity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	first := validEvent(now)
	first.EventTimestamp = now.Add(-2 * time.Minute)
	first.EngineHoursTenths = 1000

	second := validEvent(now)
	second.EventTimestamp = now.Add(-1 * time.Minute)
	second.EngineHoursTenths = 900

	failures := pinnedValidator(now).ValidateBatch([]*Event{first, second})
	if !hasFieldError(failures[1], "elapsedEngineHours") {
		t.Errorf("failures = %v, want elapsedEngineHours at index 1", failures)
	}
}

// An event that already failed shape validation is excluded from the
// monotonicity pass so it cannot cascade errors onto its neighbours.
func TestValidateBatch_ShapeFailuresExcludedFromMonotonicity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	first := validEvent(now)
	first.EventTimestamp = now.Add(-3 * time.Minute)
	first.OdometerTenths = 50000

	broken := validEvent(now)
	broken.EventTimestamp = now.Add(-2 * time.Minute)
	broken.OdometerTenths = 90000
	broken.DeviceID = ""

	third := validEvent(now)
	third.EventTimestamp = now.Add(-1 * time.Minute)
	third.OdometerTenths = 51000

	failures := pinnedValidator(now).ValidateBatch([]*Event{first, broken, third})

	if !hasFieldError(failures[1], "deviceId") {
		t.Errorf("failures[1] = %v, want deviceId shape error", failures[1])
	}

	if _, rejected := failures[2]; rejected {
		t.Errorf("failures[2] = %v, want none: broken neighbour must not cascade", failures[2])
	}
}

func TestValidationFailureError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	failure := &ValidationFailure{Errors: []FieldError{
		{Field: "deviceId", Message: "deviceId is required"},
		{Field: "eventCode", Message: "bad code"},
	}}

	msg := failure.Error()
	if !strings.Contains(msg, "deviceId") || !strings.Contains(msg, "eventCode") {
		t.Errorf("Error() = %q, want both field names", msg)
	}

	if got := (&ValidationFailure{}).Error(); got != "event validation failed" {
		t.Errorf("empty failure Error() = %q", got)
	}
}

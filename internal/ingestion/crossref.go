package ingestion

import (
	"context"
	"fmt"
	"log/slog"
)

// ReferenceStore resolves referenced driver and vehicle IDs in bulk.
//
// The domain package defines this interface to specify what cross-reference
// validation needs; the Postgres implementation lives in internal/storage.
// Each method is a single round trip per collection regardless of how many
// IDs are being resolved.
type ReferenceStore interface {
	// ResolveDrivers returns the subset of ids that exist, as a set.
	ResolveDrivers(ctx context.Context, ids []string) (map[string]bool, error)

	// ResolveVehicles returns the subset of ids that exist, as a set.
	ResolveVehicles(ctx context.Context, ids []string) (map[string]bool, error)
}

// CrossRefChecker is validation layer 3: referenced drivers and vehicles
// must exist.
//
// On a reference-store error the checker fails open: a transient lookup
// outage must not turn into spurious 400s for devices that are submitting
// legitimate events. Strict mode inverts that trade-off for deployments that
// would rather reject than accept unverifiable references.
type CrossRefChecker struct {
	refs   ReferenceStore
	strict bool
	logger *slog.Logger
}

// NewCrossRefChecker creates a cross-reference checker.
func NewCrossRefChecker(refs ReferenceStore, strict bool, logger *slog.Logger) *CrossRefChecker {
	return &CrossRefChecker{
		refs:   refs,
		strict: strict,
		logger: logger.With(slog.String("component", "crossref")),
	}
}

// Check bulk-resolves every driver and vehicle referenced by the batch and
// returns per-event errors keyed by batch index. Events already rejected by
// the synchronous layers are skipped.
func (c *CrossRefChecker) Check(ctx context.Context, events []*Event, alreadyFailed map[int][]FieldError) map[int][]FieldError {
	driverIDs := make([]string, 0, len(events))
	vehicleIDs := make([]string, 0, len(events))
	seenDriver := make(map[string]bool)
	seenVehicle := make(map[string]bool)

	for i, event := range events {
		if event == nil {
			continue
		}

		if _, failed := alreadyFailed[i]; failed {
			continue
		}

		if event.DriverID != "" && !seenDriver[event.DriverID] {
			seenDriver[event.DriverID] = true
			driverIDs = append(driverIDs, event.DriverID)
		}

		if event.VehicleID != "" && !seenVehicle[event.VehicleID] {
			seenVehicle[event.VehicleID] = true
			vehicleIDs = append(vehicleIDs, event.VehicleID)
		}
	}

	drivers, driverErrs := c.resolve(ctx, "driver", driverIDs, c.refs.ResolveDrivers)
	vehicles, vehicleErrs := c.resolve(ctx, "vehicle", vehicleIDs, c.refs.ResolveVehicles)

	failures := make(map[int][]FieldError)

	for i, event := range events {
		if event == nil {
			continue
		}

		if _, failed := alreadyFailed[i]; failed {
			continue
		}

		if driverErrs == nil && event.DriverID != "" && !drivers[event.DriverID] {
			failures[i] = append(failures[i], FieldError{
				Field:   "driverId",
				Message: fmt.Sprintf("driver %s does not exist", event.DriverID),
			})
		}

		if vehicleErrs == nil && event.VehicleID != "" && !vehicles[event.VehicleID] {
			failures[i] = append(failures[i], FieldError{
				Field:   "vehicleId",
				Message: fmt.Sprintf("vehicle %s does not exist", event.VehicleID),
			})
		}

		if c.strict {
			if driverErrs != nil {
				failures[i] = append(failures[i], FieldError{
					Field:   "driverId",
					Message: "driver reference could not be verified",
				})
			}

			if vehicleErrs != nil {
				failures[i] = append(failures[i], FieldError{
					Field:   "vehicleId",
					Message: "vehicle reference could not be verified",
				})
			}
		}
	}

	return failures
}

// resolve runs one bulk lookup and applies the fail-open policy on error.
func (c *CrossRefChecker) resolve(
	ctx context.Context,
	kind string,
	ids []string,
	lookup func(context.Context, []string) (map[string]bool, error),
) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	found, err := lookup(ctx, ids)
	if err != nil {
		c.logger.WarnContext(ctx, "cross-reference lookup failed",
			slog.String("kind", kind),
			slog.Int("ids", len(ids)),
			slog.Bool("strict", c.strict),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	return found, nil
}

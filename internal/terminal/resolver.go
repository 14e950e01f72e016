package terminal

import (
	"log/slog"
	"strings"
	"time"
)

// Resolver maps carriers to their home-terminal timezone and derives log
// dates from event timestamps. Thread-safe for concurrent use (immutable
// after construction).
type Resolver struct {
	locations map[string]*time.Location
}

// NewResolver creates a resolver from config with validation.
//
// Carrier entries with unknown IANA timezone names are skipped with a
// warning; the resolver then falls back to the timestamp's own offset for
// those carriers. A nil config produces a passthrough resolver.
func NewResolver(cfg *Config) *Resolver {
	resolver := &Resolver{locations: make(map[string]*time.Location)}

	if cfg == nil {
		return resolver
	}

	for carrierID, tzName := range cfg.HomeTerminals {
		carrierID = strings.TrimSpace(carrierID)
		tzName = strings.TrimSpace(tzName)

		if carrierID == "" || tzName == "" {
			slog.Warn("Skipping home-terminal entry with empty carrier or timezone")

			continue
		}

		loc, err := time.LoadLocation(tzName)
		if err != nil {
			slog.Warn("Skipping home-terminal entry with unknown timezone",
				slog.String("carrier_id", carrierID),
				slog.String("timezone", tzName),
				slog.String("error", err.Error()))

			continue
		}

		resolver.locations[carrierID] = loc
	}

	return resolver
}

// TerminalCount returns the number of configured home terminals.
func (r *Resolver) TerminalCount() int {
	if r == nil {
		return 0
	}

	return len(r.locations)
}

// Location returns the home-terminal location for a carrier, or false when
// the carrier has no configured terminal.
func (r *Resolver) Location(carrierID string) (*time.Location, bool) {
	if r == nil {
		return nil, false
	}

	loc, ok := r.locations[carrierID]

	return loc, ok
}

// LogDate derives the home-terminal calendar day (YYYY-MM-DD) for an event
// timestamp. Falls back to the timestamp's own zone when the carrier has no
// configured terminal, which matches devices that submit timestamps already
// offset to their terminal.
func (r *Resolver) LogDate(carrierID string, ts time.Time) string {
	if loc, ok := r.Location(carrierID); ok {
		return ts.In(loc).Format("2006-01-02")
	}

	return ts.Format("2006-01-02")
}

// EventDate derives the MMDDYY event-date field in the home-terminal
// timezone, per the ELD record layout.
func (r *Resolver) EventDate(carrierID string, ts time.Time) string {
	if loc, ok := r.Location(carrierID); ok {
		return ts.In(loc).Format("010206")
	}

	return ts.Format("010206")
}

// TimezoneOffset derives the ±HHMM home-terminal offset at the event
// instant.
func (r *Resolver) TimezoneOffset(carrierID string, ts time.Time) string {
	if loc, ok := r.Location(carrierID); ok {
		return ts.In(loc).Format("-0700")
	}

	return ts.Format("-0700")
}

package api

import (
	"log/slog"
	"net/http"
	"regexp"

	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
)

// logDatePattern matches the YYYY-MM-DD scope component.
var logDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// scopeParams extracts and validates the (device, log date) path pair.
func (s *Server) scopeParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	deviceID := r.PathValue("deviceId")
	logDate := r.PathValue("logDate")

	if deviceID == "" {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "deviceId path parameter is required")

		return "", "", false
	}

	if !logDatePattern.MatchString(logDate) {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "logDate must be formatted YYYY-MM-DD")

		return "", "", false
	}

	return deviceID, logDate, true
}

// handleListScope is GET /v1/events/{deviceId}/{logDate}: the active events
// of one scope in sequence order.
func (s *Server) handleListScope(w http.ResponseWriter, r *http.Request) {
	deviceID, logDate, ok := s.scopeParams(w, r)
	if !ok {
		return
	}

	events, err := s.events.ListScope(r.Context(), deviceID, logDate)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "scope listing failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("device_id", deviceID),
			slog.String("log_date", logDate),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to list events")

		return
	}

	resp := ScopeResponse{
		DeviceID: deviceID,
		LogDate:  logDate,
		Count:    len(events),
		Events:   make([]EventDetail, 0, len(events)),
	}

	for _, event := range events {
		resp.Events = append(resp.Events, newEventDetail(event))
	}

	s.WriteSuccess(w, r, http.StatusOK, resp)
}

// handleScopeGaps is GET /v1/events/{deviceId}/{logDate}/gaps: the missing
// sequence numbers in [1, max(used)]. Gaps signal missing submissions; they
// are reported, never forbidden.
func (s *Server) handleScopeGaps(w http.ResponseWriter, r *http.Request) {
	deviceID, logDate, ok := s.scopeParams(w, r)
	if !ok {
		return
	}

	gaps, err := s.events.SequenceGaps(r.Context(), deviceID, logDate)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "gap detection failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("device_id", deviceID),
			slog.String("log_date", logDate),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to detect sequence gaps")

		return
	}

	if gaps == nil {
		gaps = []int{}
	}

	s.WriteSuccess(w, r, http.StatusOK, GapsResponse{
		DeviceID: deviceID,
		LogDate:  logDate,
		Gaps:     gaps,
		Count:    len(gaps),
	})
}

// handleVerifyChain is GET /v1/events/{deviceId}/{logDate}/verify: walks the
// scope and re-derives every chain hash. A broken chain is reported in the
// body and logged loudly; it is never repaired.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	deviceID, logDate, ok := s.scopeParams(w, r)
	if !ok {
		return
	}

	verification, err := s.events.VerifyChain(r.Context(), deviceID, logDate)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "chain verification failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("device_id", deviceID),
			slog.String("log_date", logDate),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeIntegrity, "Chain verification failed")

		return
	}

	if !verification.Intact {
		s.logger.ErrorContext(r.Context(), "HASH CHAIN BROKEN",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("device_id", deviceID),
			slog.String("log_date", logDate),
			slog.Int("breaks", len(verification.Breaks)),
		)
	}

	s.WriteSuccess(w, r, http.StatusOK, newChainVerifyResponse(verification))
}

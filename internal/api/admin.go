package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
	"github.com/fleetlog-io/fleetlog/internal/dlq"
)

// permissionDLQAdmin gates the admin DLQ surface.
const permissionDLQAdmin = "dlq:admin"

// requireDLQAdmin enforces the dlq:admin permission and returns the actor
// identity for resolution audit fields. When authentication is disabled the
// surface is open and the resolver identity is "system".
func (s *Server) requireDLQAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := middleware.GetActorContext(r.Context())
	if !ok {
		return "system", true
	}

	if !actor.HasPermission(permissionDLQAdmin) {
		s.logger.WarnContext(r.Context(), "DLQ admin access denied",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("actor_id", actor.ActorID),
			slog.String("path", r.URL.Path),
		)
		s.WriteError(w, r, http.StatusForbidden, CodeAuthorization,
			"The dlq:admin permission is required for this operation")

		return "", false
	}

	return actor.ActorID, true
}

// handleDLQList is GET /v1/admin/dlq with status, sourceDeviceId,
// sourceEndpoint, limit, and offset filters. Payloads are omitted from
// listings.
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDLQAdmin(w, r); !ok {
		return
	}

	query := r.URL.Query()
	filter := dlq.ListFilter{
		SourceDeviceID: query.Get("sourceDeviceId"),
		SourceEndpoint: query.Get("sourceEndpoint"),
	}

	if status := query.Get("status"); status != "" {
		filter.Status = dlq.Status(status)
		if !filter.Status.IsValid() {
			s.WriteError(w, r, http.StatusBadRequest, CodeValidation,
				"status must be one of pending, retrying, resolved, discarded")

			return
		}
	}

	var ok bool

	if filter.Limit, ok = s.queryInt(w, r, query.Get("limit"), "limit"); !ok {
		return
	}

	if filter.Offset, ok = s.queryInt(w, r, query.Get("offset"), "offset"); !ok {
		return
	}

	entries, err := s.dlqService.List(r.Context(), filter)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "DLQ listing failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to list DLQ entries")

		return
	}

	resp := DLQListResponse{
		Entries: make([]DLQEntrySummary, 0, len(entries)),
		Count:   len(entries),
	}

	for _, entry := range entries {
		resp.Entries = append(resp.Entries, newDLQEntrySummary(entry))
	}

	s.WriteSuccess(w, r, http.StatusOK, resp)
}

// handleDLQStats is GET /v1/admin/dlq/stats: queue depth per status plus
// the alert threshold state.
func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDLQAdmin(w, r); !ok {
		return
	}

	stats, err := s.dlqService.Stats(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "DLQ stats failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to read DLQ statistics")

		return
	}

	s.WriteSuccess(w, r, http.StatusOK, DLQStatsResponse{
		Pending:           stats.Pending,
		Retrying:          stats.Retrying,
		Resolved:          stats.Resolved,
		Discarded:         stats.Discarded,
		Total:             stats.Total,
		Threshold:         stats.Threshold,
		ThresholdExceeded: stats.ThresholdExceeded,
	})
}

// handleDLQGet is GET /v1/admin/dlq/{id}: one entry including its payload.
func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDLQAdmin(w, r); !ok {
		return
	}

	entry, err := s.dlqService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, dlq.ErrEntryNotFound) {
			s.WriteError(w, r, http.StatusNotFound, CodeNotFound, "DLQ entry not found")

			return
		}

		s.logger.ErrorContext(r.Context(), "DLQ get failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("dlq_id", r.PathValue("id")),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to read DLQ entry")

		return
	}

	s.WriteSuccess(w, r, http.StatusOK, newDLQEntryDetail(entry))
}

// handleDLQRetry is POST /v1/admin/dlq/{id}/retry: replays the preserved
// payload through the ingestion pipeline with a fresh sequence allocation.
//
// Always answers 200 with {success, eventId?, sequenceId?, chainHash?,
// error?} when the retry executed, whatever its outcome; non-200 means the
// retry call itself failed (unknown entry, wrong state, storage error).
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	resolvedBy, ok := s.requireDLQAdmin(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")

	outcome, err := s.dlqService.Retry(r.Context(), id, resolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, dlq.ErrEntryNotFound):
			s.WriteError(w, r, http.StatusNotFound, CodeNotFound, "DLQ entry not found")
		case errors.Is(err, dlq.ErrNotPending):
			s.WriteError(w, r, http.StatusConflict, CodeValidation, "DLQ entry is not pending")
		default:
			s.logger.ErrorContext(r.Context(), "DLQ retry failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("dlq_id", id),
				slog.String("error", err.Error()),
			)
			s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to retry DLQ entry")
		}

		return
	}

	resp := DLQRetryResponse{Success: outcome.Succeeded}
	if outcome.Succeeded {
		resp.EventID = outcome.Event.ID
		resp.SequenceID = outcome.Event.SequenceID
		resp.ChainHash = outcome.Event.ChainHash
	} else {
		resp.Error = outcome.FailureReason
	}

	s.WriteSuccess(w, r, http.StatusOK, resp)
}

// handleDLQDiscard is POST /v1/admin/dlq/{id}/discard with an optional
// {notes} body.
func (s *Server) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	resolvedBy, ok := s.requireDLQAdmin(w, r)
	if !ok {
		return
	}

	var req DLQDiscardRequest

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Request body could not be read")

		return
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Request body is not a valid discard document")

			return
		}
	}

	id := r.PathValue("id")

	if err := s.dlqService.Discard(r.Context(), id, resolvedBy, req.Notes); err != nil {
		switch {
		case errors.Is(err, dlq.ErrEntryNotFound):
			s.WriteError(w, r, http.StatusNotFound, CodeNotFound, "DLQ entry not found")
		case errors.Is(err, dlq.ErrNotPending):
			s.WriteError(w, r, http.StatusConflict, CodeValidation, "DLQ entry is not pending")
		default:
			s.logger.ErrorContext(r.Context(), "DLQ discard failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("dlq_id", id),
				slog.String("error", err.Error()),
			)
			s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Failed to discard DLQ entry")
		}

		return
	}

	s.WriteSuccess(w, r, http.StatusOK, map[string]string{"id": id, "status": string(dlq.StatusDiscarded)})
}

// queryInt parses an optional non-negative integer query parameter.
func (s *Server) queryInt(w http.ResponseWriter, r *http.Request, value, name string) (int, bool) {
	if value == "" {
		return 0, true
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, name+" must be a non-negative integer")

		return 0, false
	}

	return n, true
}

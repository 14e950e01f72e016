package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlog-io/fleetlog/internal/api/middleware"
	"github.com/fleetlog-io/fleetlog/internal/idempotency"
	"github.com/fleetlog-io/fleetlog/internal/ingestion"
)

const (
	headerIdempotencyKey  = "X-Idempotency-Key"
	headerIdempotentReply = "X-Idempotent-Replay"
	headerDeviceID        = "X-Device-Id"

	endpointEvents      = "/v1/events"
	endpointEventsBatch = "/v1/events/batch"
)

// handleIngestEvent is POST /v1/events: one event through the full pipeline.
//
// Responses: 201 with {eventId, sequenceId, chainHash} on acceptance, 400
// with field-level details on rejection, 409 when an idempotent request with
// the same key is still in flight, 500 on terminal ingestion failure (the
// payload is vault-captured and dead-lettered before the response).
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	actorID := actorIDFrom(r)

	// The raw payload is vault-captured before parsing and before the
	// idempotency gate, so unparseable and replayed submissions leave a
	// forensic record too.
	sub := &ingestion.Submission{
		DeviceID:   r.Header.Get(headerDeviceID),
		RawPayload: raw,
		ActorID:    actorID,
		SourceIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		Endpoint:   endpointEvents,
		BatchIndex: -1,
	}

	if err := s.pipeline.CaptureRaw(r.Context(), sub); err != nil {
		s.logger.ErrorContext(r.Context(), "vault capture failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Event ingestion failed")

		return
	}

	idemKey, proceed := s.beginIdempotent(w, r, actorID, sub.VaultRecordID)
	if !proceed {
		return
	}

	var req EventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.pipeline.ResolveCapture(r.Context(), sub.VaultRecordID, ingestion.VaultStatusRejected, "request body is not a valid event document")
		s.completeOrClear(r, actorID, idemKey, http.StatusBadRequest, s.respondEnvelope(w, r, http.StatusBadRequest, errorEnvelope(CodeValidation, "Request body is not a valid event document")))

		return
	}

	sub.Event = toDomainEvent(&req, s.resolver, sub.DeviceID)

	stored, err := s.pipeline.IngestEvent(r.Context(), sub)
	if err != nil {
		var vf *ingestion.ValidationFailure
		if errors.As(err, &vf) {
			s.completeOrClear(r, actorID, idemKey, http.StatusBadRequest, s.respondEnvelope(w, r, http.StatusBadRequest, validationEnvelope(newFieldErrorDetails(vf.Errors))))

			return
		}

		s.logger.ErrorContext(r.Context(), "event ingestion failed terminally",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("device_id", sub.Event.DeviceID),
			slog.String("error", err.Error()),
		)
		s.completeOrClear(r, actorID, idemKey, http.StatusInternalServerError, s.respondEnvelope(w, r, http.StatusInternalServerError, errorEnvelope(CodeDatabase, "Event ingestion failed")))

		return
	}

	s.completeOrClear(r, actorID, idemKey, http.StatusCreated, s.respondEnvelope(w, r, http.StatusCreated, successEnvelope(newEventAccepted(stored))))
}

// handleIngestBatch is POST /v1/events/batch: up to MaxBatchSize events fan
// out into independent single-event flows with per-index outcomes.
//
// 201 when every event is accepted, 207 on a mixed outcome, 400 when every
// event is rejected. Request-level failures are limited to auth, parse
// failures, oversized payloads, and batch-size violations.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	actorID := actorIDFrom(r)
	batchID := uuid.NewString()

	// The whole batch body is vault-captured before parsing; the pipeline
	// captures per-item payloads once the batch parses.
	rawSub := &ingestion.Submission{
		DeviceID:   r.Header.Get(headerDeviceID),
		RawPayload: raw,
		ActorID:    actorID,
		SourceIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		Endpoint:   endpointEventsBatch,
		BatchID:    batchID,
		BatchIndex: -1,
	}

	if err := s.pipeline.CaptureRaw(r.Context(), rawSub); err != nil {
		s.logger.ErrorContext(r.Context(), "vault capture failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.WriteError(w, r, http.StatusInternalServerError, CodeDatabase, "Batch ingestion failed")

		return
	}

	idemKey, proceed := s.beginIdempotent(w, r, actorID, rawSub.VaultRecordID)
	if !proceed {
		return
	}

	var req BatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.rejectBatchRequest(w, r, actorID, idemKey, rawSub.VaultRecordID, "Request body is not a valid batch document")

		return
	}

	if len(req.Events) == 0 {
		s.rejectBatchRequest(w, r, actorID, idemKey, rawSub.VaultRecordID, "Batch must contain at least one event")

		return
	}

	if len(req.Events) > s.config.MaxBatchSize {
		s.rejectBatchRequest(w, r, actorID, idemKey, rawSub.VaultRecordID,
			fmt.Sprintf("Batch size %d exceeds the maximum of %d events", len(req.Events), s.config.MaxBatchSize))

		return
	}

	subs, err := s.batchSubmissions(r, &req, actorID, batchID)
	if err != nil {
		s.pipeline.ResolveCapture(r.Context(), rawSub.VaultRecordID, ingestion.VaultStatusFailed, err.Error())
		s.completeOrClear(r, actorID, idemKey, http.StatusInternalServerError, s.respondEnvelope(w, r, http.StatusInternalServerError, errorEnvelope(CodeDatabase, "Batch ingestion failed")))

		return
	}

	result, err := s.pipeline.IngestBatch(r.Context(), subs)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "batch ingestion failed terminally",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Int("batch_size", len(subs)),
			slog.String("error", err.Error()),
		)
		s.pipeline.ResolveCapture(r.Context(), rawSub.VaultRecordID, ingestion.VaultStatusFailed, err.Error())
		s.completeOrClear(r, actorID, idemKey, http.StatusInternalServerError, s.respondEnvelope(w, r, http.StatusInternalServerError, errorEnvelope(CodeDatabase, "Batch ingestion failed")))

		return
	}

	s.pipeline.ResolveCapture(r.Context(), rawSub.VaultRecordID, ingestion.VaultStatusProcessed, "")

	status := batchStatus(result)
	body := newBatchResponse(result, time.Since(started))

	env := successEnvelope(body)
	if status == http.StatusBadRequest {
		env = Envelope{
			Success: false,
			Error: &EnvelopeError{
				Code:    CodeValidation,
				Message: "All events in the batch were rejected",
				Details: body,
			},
		}
	}

	s.completeOrClear(r, actorID, idemKey, status, s.respondEnvelope(w, r, status, env))
}

// batchSubmissions builds one Submission per batch item. Each item keeps its
// own raw payload slice so the vault and the DLQ can replay it in isolation.
// Device precedence: event body, then batch-level deviceId, then the
// X-Device-Id header.
func (s *Server) batchSubmissions(r *http.Request, req *BatchRequest, actorID, batchID string) ([]*ingestion.Submission, error) {
	headerDevice := r.Header.Get(headerDeviceID)

	fallbackDevice := req.DeviceID
	if fallbackDevice == "" {
		fallbackDevice = headerDevice
	}

	subs := make([]*ingestion.Submission, len(req.Events))

	for i := range req.Events {
		itemRaw, err := json.Marshal(&req.Events[i])
		if err != nil {
			return nil, fmt.Errorf("marshal batch item %d: %w", i, err)
		}

		subs[i] = &ingestion.Submission{
			Event:      toDomainEvent(&req.Events[i], s.resolver, fallbackDevice),
			RawPayload: itemRaw,
			ActorID:    actorID,
			SourceIP:   clientIP(r),
			UserAgent:  r.UserAgent(),
			Endpoint:   endpointEventsBatch,
			BatchID:    batchID,
			BatchIndex: i,
		}
	}

	return subs, nil
}

// rejectBatchRequest answers a request-level batch rejection (parse failure,
// empty batch, size violation) and resolves the whole-batch vault capture.
func (s *Server) rejectBatchRequest(w http.ResponseWriter, r *http.Request, actorID, idemKey, vaultRecordID, message string) {
	s.pipeline.ResolveCapture(r.Context(), vaultRecordID, ingestion.VaultStatusRejected, message)
	s.completeOrClear(r, actorID, idemKey, http.StatusBadRequest, s.respondEnvelope(w, r, http.StatusBadRequest, errorEnvelope(CodeValidation, message)))
}

// batchStatus maps per-item outcomes to the response status: 201 when all
// accepted, 400 when all rejected, 207 for a mixed outcome.
func batchStatus(result *ingestion.BatchResult) int {
	switch {
	case result.Rejected == 0:
		return http.StatusCreated
	case result.Accepted == 0:
		return http.StatusBadRequest
	default:
		return http.StatusMultiStatus
	}
}

// ============================================================================
// Idempotency plumbing
// ============================================================================

// beginIdempotent consults the idempotency gate when the request carries a
// key. Replays and conflicts are answered here; the caller proceeds only
// when the returned bool is true. The returned key is empty when the
// request is not idempotent. vaultRecordID is the already-captured raw
// payload of this request; replayed and conflicted submissions resolve it
// as rejected since they never reach the pipeline.
func (s *Server) beginIdempotent(w http.ResponseWriter, r *http.Request, actorID, vaultRecordID string) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" || s.gate == nil {
		return "", true
	}

	decision := s.gate.Begin(r.Context(), actorID, key)

	switch decision.Outcome {
	case idempotency.OutcomeReplay:
		s.pipeline.ResolveCapture(r.Context(), vaultRecordID, ingestion.VaultStatusRejected, "idempotent replay of a completed request")

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerIdempotentReply, "true")
		w.WriteHeader(decision.StatusCode)

		if _, err := w.Write(decision.Body); err != nil {
			s.logger.Error("Failed to write replayed response",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)
		}

		return "", false

	case idempotency.OutcomeConflict:
		s.pipeline.ResolveCapture(r.Context(), vaultRecordID, ingestion.VaultStatusRejected, "idempotency key already in flight")
		s.WriteError(w, r, http.StatusConflict, CodeIdempotencyConflict,
			"A request with the same idempotency key is currently in flight")

		return "", false

	case idempotency.OutcomeProceed:
	}

	return key, true
}

// completeOrClear finishes the idempotency protocol after the response is
// written. Responses below 500 are cached for replay; 5xx clears the
// in-flight record so the client may retry with the same key.
func (s *Server) completeOrClear(r *http.Request, actorID, key string, statusCode int, body []byte) {
	if key == "" || s.gate == nil {
		return
	}

	if statusCode >= http.StatusInternalServerError {
		s.gate.Clear(r.Context(), actorID, key)

		return
	}

	s.gate.Complete(r.Context(), actorID, key, statusCode, body)
}

// respondEnvelope marshals the envelope once, writes it, and returns the
// exact bytes so idempotent replays are byte-identical to the original.
func (s *Server) respondEnvelope(w http.ResponseWriter, r *http.Request, statusCode int, env Envelope) []byte {
	body, err := marshalEnvelope(env)
	if err != nil {
		s.logger.Error("Failed to marshal response envelope",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		body = []byte(`{"success":false,"error":{"code":"DATABASE_ERROR","message":"Failed to encode response"}}`)
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(body); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	return body
}

func successEnvelope(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

func errorEnvelope(code, message string) Envelope {
	return Envelope{Success: false, Error: &EnvelopeError{Code: code, Message: message}}
}

func validationEnvelope(details any) Envelope {
	return Envelope{
		Success: false,
		Error: &EnvelopeError{
			Code:    CodeValidation,
			Message: "Event validation failed",
			Details: details,
		},
	}
}

// ============================================================================
// Request helpers
// ============================================================================

// readBody reads and bounds the request body, transparently inflating
// Content-Encoding: gzip. The size limit applies to the decoded bytes, so a
// small gzip bomb cannot bypass it. On failure the error response is
// already written and ok is false.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Content-Type must be application/json")

		return nil, false
	}

	var reader io.Reader = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Request body is not valid gzip")

			return nil, false
		}
		defer gz.Close()

		reader = io.LimitReader(gz, s.config.MaxRequestSize+1)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Request body exceeds the maximum size or could not be read")

		return nil, false
	}

	if int64(len(raw)) > s.config.MaxRequestSize {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Request body exceeds the maximum size")

		return nil, false
	}

	if len(raw) == 0 {
		s.WriteError(w, r, http.StatusBadRequest, CodeValidation, "Request body cannot be empty")

		return nil, false
	}

	return raw, true
}

// actorIDFrom returns the authenticated actor, or empty when authentication
// is disabled.
func actorIDFrom(r *http.Request) string {
	actor, ok := middleware.GetActorContext(r.Context())
	if !ok {
		return ""
	}

	return actor.ActorID
}

// clientIP extracts the submitting address, honoring the first hop of
// X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}

		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

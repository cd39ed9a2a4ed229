package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/caserecord"
	"github.com/caseflow/caseflow/internal/caseworker"
)

// GmailEventProcessor is the narrow mailingress.Processor surface the
// webhook handler needs.
type GmailEventProcessor interface {
	ProcessNewEvents(ctx context.Context) (processed int, err error)
}

// CaseOrchestrator is the narrow caseworker.Orchestrator surface both
// /process and /process-demo drive.
type CaseOrchestrator interface {
	Run(ctx context.Context, sourceMessageID, blobPath string, emit caseworker.Emit) error
}

// DemoBlobStore is the narrow blobstore.Store surface /process-demo needs
// to stage an inline CaseEnvelope under a synthetic key the orchestrator
// can then load back through its own BlobGetter, the same path every
// real dispatched case takes.
type DemoBlobStore interface {
	Put(ctx context.Context, key, contentType string, content []byte) (string, error)
}

// Handlers holds the dependencies every route needs. Each field is a
// narrow interface so this package stays testable without a live Gmail
// client, task queue, or database.
type Handlers struct {
	log          zerolog.Logger
	gmail        GmailEventProcessor
	orchestrator CaseOrchestrator
	demoBlobs    DemoBlobStore
}

func NewHandlers(log zerolog.Logger, gmail GmailEventProcessor, orchestrator CaseOrchestrator, demoBlobs DemoBlobStore) *Handlers {
	return &Handlers{log: log, gmail: gmail, orchestrator: orchestrator, demoBlobs: demoBlobs}
}

// Health serves GET / per §6.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "caseflow"})
}

// pubsubPushBody is the envelope Google Pub/Sub wraps every push message
// in; caseflow only needs to know a push arrived, since
// GmailEventProcessor.ProcessNewEvents re-derives everything from its own
// stored cursor rather than trusting the notification's historyId.
type pubsubPushBody struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

type gmailHistoryNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId" validate:"required"`
}

// PubSubGmail implements POST /pubsub/gmail. Per §6: 204 if the push
// carried no message, 200 on success, 500 to force Pub/Sub to retry
// delivery.
func (h *Handlers) PubSubGmail(w http.ResponseWriter, r *http.Request) {
	var push pubsubPushBody
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed pubsub envelope: "+err.Error())
		return
	}
	if push.Message.Data == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "message data is not valid base64")
		return
	}
	var notification gmailHistoryNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "message data is not a gmail history notification")
		return
	}
	if err := sharedValidator.Struct(notification); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	processed, err := h.gmail.ProcessNewEvents(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("gmail history processing failed")
		writeError(w, http.StatusInternalServerError, "processing_failed", "retry me")
		return
	}

	h.log.Info().Int("processed", processed).Uint64("history_id", notification.HistoryID).Msg("gmail push handled")
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// processRequest is the task body dispatcher.Enqueue actually posts:
// source_message_id plus blob_path. §6 names the queue payload as
// {bucket, blob_path}; bucket is fixed per deployment and lives in the
// worker's own blobstore.Store (see internal/dispatcher's Enqueue doc
// comment), so only the path needs to travel on the task, alongside the
// idempotency key the step cache and upgrade-only upsert key off of.
type processRequest struct {
	SourceMessageID string `json:"source_message_id" validate:"required"`
	BlobPath        string `json:"blob_path" validate:"required"`
}

// Process implements POST /process. Per §6: 200 on success, 500 to
// trigger the queue's retry.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if err := sharedValidator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.orchestrator.Run(r.Context(), req.SourceMessageID, req.BlobPath, nil); err != nil {
		h.log.Error().Err(err).Str("blob_path", req.BlobPath).Msg("case processing failed")
		writeError(w, http.StatusInternalServerError, "processing_failed", "retry me")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// demoRequest accepts a full CaseEnvelope per §6's /process-demo contract.
type demoRequest = caserecord.Envelope

// ProcessDemo implements POST /process-demo: it runs the same
// orchestrator, but streams every emitted caserecord.Event as an SSE
// frame instead of waiting for the terminal result, following the
// gateway's streaming-chat-completions handler (flush-after-every-write,
// 200 + headers before the first frame).
func (h *Handlers) ProcessDemo(w http.ResponseWriter, r *http.Request) {
	var envelope demoRequest
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed case envelope: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported by server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	blobPath := demoBlobKey(envelope)
	raw, err := json.Marshal(envelope)
	if err != nil {
		writeSSEEvent(w, "error", map[string]string{"error": "failed to stage envelope: " + err.Error()})
		flusher.Flush()
		return
	}
	if _, err := h.demoBlobs.Put(r.Context(), blobPath, "application/json", raw); err != nil {
		writeSSEEvent(w, "error", map[string]string{"error": "failed to stage envelope: " + err.Error()})
		flusher.Flush()
		return
	}

	emit := func(evt caserecord.Event) {
		writeSSEEvent(w, "progress", evt)
		flusher.Flush()
	}

	err = h.orchestrator.Run(r.Context(), envelope.SourceMessageID, blobPath, emit)
	if err != nil {
		writeSSEEvent(w, "error", map[string]string{"error": err.Error()})
		flusher.Flush()
		return
	}
	writeSSEEvent(w, "complete", map[string]string{"status": "done"})
	flusher.Flush()
}

// demoBlobKey names the synthetic location /process-demo stages its
// inline CaseEnvelope under before handing it to the orchestrator, which
// otherwise only ever reads envelopes ingress already persisted.
func demoBlobKey(envelope caserecord.Envelope) string {
	return fmt.Sprintf("demo/%s", envelope.SourceMessageID)
}

func writeSSEEvent(w http.ResponseWriter, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"type": errType, "message": message},
	})
}

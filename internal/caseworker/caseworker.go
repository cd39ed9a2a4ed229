// Package caseworker is the case-worker orchestrator (component L): one
// task = one case = one sequential pipeline, matching
// original_source/mcp_processor/processor.py's process_refund_request
// step order (classify gate, combined-text build, attachment tools,
// extraction, DB verification, adjudication, upsert) generalized per
// SPEC_FULL.md §4.L to typed progress events and a step cache for
// at-least-once task redelivery.
package caseworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caseflow/caseflow/internal/adjudicator"
	"github.com/caseflow/caseflow/internal/caserecord"
	"github.com/caseflow/caseflow/internal/extraction"
	"github.com/caseflow/caseflow/internal/ordersstore"
	"github.com/caseflow/caseflow/internal/verifyagent"
)

// BlobGetter is the narrow blobstore.Store surface the worker needs to
// load the envelope and attachment bytes.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ToolCaller is the narrow toolclient.Client surface for single-shot tool
// invocations (document parser, defect vision) — no tools/list needed,
// unlike verifyagent's ReAct loop.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args interface{}) (text string, isError bool, err error)
}

// CaseStore is the subset of ordersstore.Store the worker writes through.
type CaseStore interface {
	UpsertCase(ctx context.Context, c *caserecord.Case) (caseID interface{}, err error)
}

// orderStoreAdapter adapts ordersstore.Store's uuid.UUID-returning
// UpsertCase to the interface{}-returning CaseStore above, so test fakes
// of CaseStore need not name the uuid.UUID return type.
type orderStoreAdapter struct {
	store *ordersstore.Store
}

func (a orderStoreAdapter) UpsertCase(ctx context.Context, c *caserecord.Case) (interface{}, error) {
	return a.store.UpsertCase(ctx, c)
}

// NewCaseStore wraps a live *ordersstore.Store as a CaseStore.
func NewCaseStore(store *ordersstore.Store) CaseStore {
	return orderStoreAdapter{store: store}
}

// StepCache is the narrow stepcache.Cache surface used for idempotent
// resumption of redelivered tasks.
type StepCache interface {
	Get(ctx context.Context, sourceMessageID, step string, out interface{}) (bool, error)
	Put(ctx context.Context, sourceMessageID, step string, value interface{}) error
}

// Orchestrator runs the full per-case pipeline.
type Orchestrator struct {
	blobs      BlobGetter
	docTool    ToolCaller
	visionTool ToolCaller
	extractor  *extraction.Extractor
	verify     *verifyagent.Agent
	adj        *adjudicator.Adjudicator
	store      CaseStore
	cache      StepCache
}

func New(blobs BlobGetter, docTool, visionTool ToolCaller, extractor *extraction.Extractor, verify *verifyagent.Agent, adj *adjudicator.Adjudicator, store CaseStore, cache StepCache) *Orchestrator {
	return &Orchestrator{
		blobs:      blobs,
		docTool:    docTool,
		visionTool: visionTool,
		extractor:  extractor,
		verify:     verify,
		adj:        adj,
		store:      store,
		cache:      cache,
	}
}

// Emit is the progress-event sink. The SSE endpoint passes one that
// streams each event; the plain /process handler passes nil, which Run
// replaces with a no-op.
type Emit func(caserecord.Event)

func noopEmit(caserecord.Event) {}

// Run executes §4.L's ten-step pipeline for one {source_message_id,
// blob_path} task. A non-nil error means the task should be nacked for
// at-least-once retry; a nil error (with any verification_status) means
// the case reached a terminal, persisted state.
func (o *Orchestrator) Run(ctx context.Context, sourceMessageID, blobPath string, emit Emit) error {
	if emit == nil {
		emit = noopEmit
	}

	emit(caserecord.Event{Step: "load_envelope", Status: "active"})
	envelope, err := o.loadEnvelope(ctx, blobPath)
	if err != nil {
		emit(caserecord.Event{Step: "load_envelope", Status: "error", Log: err.Error()})
		return fmt.Errorf("caseworker: load envelope: %w", err)
	}
	emit(caserecord.Event{Step: "load_envelope", Status: "complete"})

	// Step 2: classification gate. In practice the ingress handler never
	// enqueues a task for an ineligible classification, but the worker
	// re-checks because tasks are delivered at-least-once from a queue
	// the worker does not otherwise trust.
	if !envelope.Classification.EligibleForPipeline() {
		emit(caserecord.Event{Step: "classification_gate", Status: "complete", Log: "not eligible, routing to review"})
		return o.persistPendingReview(ctx, sourceMessageID, envelope, "", nil)
	}

	emit(caserecord.Event{Step: "combine_text", Status: "active"})
	combinedText, err := o.buildCombinedText(ctx, envelope, emit)
	if err != nil {
		emit(caserecord.Event{Step: "combine_text", Status: "error", Log: err.Error()})
		return fmt.Errorf("caseworker: build combined text: %w", err)
	}
	emit(caserecord.Event{Step: "combine_text", Status: "complete"})

	emit(caserecord.Event{Step: "extraction", Status: "active"})
	var intent extraction.Intent
	cached, err := o.cache.Get(ctx, sourceMessageID, "extraction", &intent)
	if err != nil {
		return fmt.Errorf("caseworker: read extraction cache: %w", err)
	}
	if !cached {
		intent = o.extractor.Extract(ctx, combinedText)
		if err := o.cache.Put(ctx, sourceMessageID, "extraction", intent); err != nil {
			return fmt.Errorf("caseworker: cache extraction: %w", err)
		}
	}
	emit(caserecord.Event{Step: "extraction", Status: "complete", Data: intent})

	emit(caserecord.Event{Step: "verification", Status: "active"})
	verifyResult, err := o.verify.Verify(ctx, intent)
	if err != nil {
		emit(caserecord.Event{Step: "verification", Status: "error", Log: err.Error()})
		return fmt.Errorf("caseworker: verification loop: %w", err)
	}
	if verifyResult == nil || verifyResult.VerifiedData == nil {
		notes := ""
		if verifyResult != nil {
			notes = verifyResult.Reason
		}
		emit(caserecord.Event{Step: "verification", Status: "complete", Log: "no verified order, routing to review"})
		return o.persistPendingReview(ctx, sourceMessageID, envelope, notes, &intent)
	}
	emit(caserecord.Event{Step: "verification", Status: "complete", Data: verifyResult})

	verifiedData := verifyResult.VerifiedData
	mergeIntentFields(verifiedData, intent)

	if len(verifyResult.FuzzyToolsUsed) > 0 {
		emit(caserecord.Event{Step: "fuzzy_gate", Status: "complete", Log: "fuzzy tool used, routing to review"})
		return o.persistPendingReview(ctx, sourceMessageID, envelope, verifyResult.Reason, &intent, verifiedData)
	}

	emit(caserecord.Event{Step: "adjudication", Status: "active"})
	decision, err := o.runAdjudication(ctx, verifiedData, intent, emit)
	if err != nil {
		emit(caserecord.Event{Step: "adjudication", Status: "error", Log: err.Error()})
		return fmt.Errorf("caseworker: adjudication: %w", err)
	}
	emit(caserecord.Event{Step: "adjudication", Status: "complete", Data: decision})

	return o.persistVerified(ctx, sourceMessageID, envelope, intent, verifiedData, decision)
}

func (o *Orchestrator) loadEnvelope(ctx context.Context, blobPath string) (*caserecord.Envelope, error) {
	raw, err := o.blobs.Get(ctx, blobPath)
	if err != nil {
		return nil, err
	}
	var envelope caserecord.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &envelope, nil
}

// buildCombinedText assembles §4.L step 3-4: header metadata, email body,
// then one block per attachment from the document parser (M) or defect
// vision (N) tool. Attachments are fanned out concurrently and joined in
// original order, since nothing downstream depends on tool-call order.
func (o *Orchestrator) buildCombinedText(ctx context.Context, envelope *caserecord.Envelope, emit Emit) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s <%s>\nSubject: %s\nReceived: %s\n\n%s\n",
		envelope.FromName, envelope.FromEmail, envelope.Subject,
		envelope.ReceivedAt.Format(time.RFC3339), envelope.Body)

	blocks := make([]string, len(envelope.Attachments))
	errs := make([]error, len(envelope.Attachments))

	var wg sync.WaitGroup
	for i, att := range envelope.Attachments {
		i, att := i, att
		wg.Add(1)
		go func() {
			defer wg.Done()
			block, err := o.processAttachment(ctx, att, emit)
			blocks[i] = block
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", envelope.Attachments[i].Filename, err)
		}
		if blocks[i] != "" {
			sb.WriteString("\n")
			sb.WriteString(blocks[i])
		}
	}
	return sb.String(), nil
}

func (o *Orchestrator) processAttachment(ctx context.Context, att caserecord.Attachment, emit Emit) (string, error) {
	switch {
	case att.ContentType == "application/pdf" || strings.HasSuffix(strings.ToLower(att.Filename), ".pdf"):
		emit(caserecord.Event{Step: "combine_text", Substep: "parse_invoice:" + att.Filename, Status: "active"})
		data, err := o.blobs.Get(ctx, att.BlobKey)
		if err != nil {
			return "", fmt.Errorf("fetch attachment bytes: %w", err)
		}
		args := map[string]string{
			"filename":   att.Filename,
			"pdf_base64": base64.StdEncoding.EncodeToString(data),
		}
		text, isError, err := o.docTool.CallTool(ctx, "parse_invoice", args)
		if err != nil {
			emit(caserecord.Event{Step: "combine_text", Substep: "parse_invoice:" + att.Filename, Status: "error", Log: err.Error()})
			return "", err
		}
		if isError {
			emit(caserecord.Event{Step: "combine_text", Substep: "parse_invoice:" + att.Filename, Status: "error", Log: text})
			return "", nil
		}
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return "", fmt.Errorf("decode parse_invoice result: %w", err)
		}
		emit(caserecord.Event{Step: "combine_text", Substep: "parse_invoice:" + att.Filename, Status: "complete"})
		return fmt.Sprintf("--- INVOICE %s ---\n%s", att.Filename, parsed.Text), nil

	case strings.HasPrefix(att.ContentType, "image/"):
		emit(caserecord.Event{Step: "combine_text", Substep: "analyze_defect_image:" + att.Filename, Status: "active"})
		data, err := o.blobs.Get(ctx, att.BlobKey)
		if err != nil {
			return "", fmt.Errorf("fetch attachment bytes: %w", err)
		}
		args := map[string]string{
			"filename":     att.Filename,
			"mime_type":    att.ContentType,
			"image_base64": base64.StdEncoding.EncodeToString(data),
		}
		text, isError, err := o.visionTool.CallTool(ctx, "analyze_defect_image", args)
		if err != nil {
			emit(caserecord.Event{Step: "combine_text", Substep: "analyze_defect_image:" + att.Filename, Status: "error", Log: err.Error()})
			return "", err
		}
		if isError {
			emit(caserecord.Event{Step: "combine_text", Substep: "analyze_defect_image:" + att.Filename, Status: "error", Log: text})
			return "", nil
		}
		var parsed struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return "", fmt.Errorf("decode analyze_defect_image result: %w", err)
		}
		emit(caserecord.Event{Step: "combine_text", Substep: "analyze_defect_image:" + att.Filename, Status: "complete"})
		return fmt.Sprintf("--- IMAGE %s ---\n%s", att.Filename, parsed.Description), nil

	default:
		return "", nil
	}
}

// mergeIntentFields folds the extracted intent's return-specific fields
// into the verified order data per §4.L step 8, in place.
func mergeIntentFields(verifiedData map[string]interface{}, intent extraction.Intent) {
	verifiedData["return_request_date"] = intent.ReturnRequestDate
	verifiedData["return_category"] = intent.ReturnCategory
	verifiedData["return_reason"] = intent.ReturnReason
	verifiedData["return_reason_category"] = intent.ReturnReasonCategory
	verifiedData["item_condition"] = intent.ItemCondition
	verifiedData["confidence_score"] = intent.ConfidenceScore
}

// runAdjudication builds the §4.Q context from the verified+merged order
// data and runs the full adjudicator pipeline against the first order
// item (the pipeline's unit of adjudication is one return, which in
// practice names a single primary item even when an order has several
// line items).
func (o *Orchestrator) runAdjudication(ctx context.Context, verifiedData map[string]interface{}, intent extraction.Intent, emit Emit) (*adjudicator.Decision, error) {
	adjCtx := adjudicator.Context{
		OrderID:        stringField(verifiedData, "order_id"),
		MembershipTier: stringField(verifiedData, "membership_tier"),
		SellerType:     stringField(verifiedData, "seller_type"),
		Region:         stringField(verifiedData, "region"),
		ReturnReason:   intent.ReturnReason,
	}
	if mapped, _ := adjudicator.NormalizeCondition(intent.ItemCondition); mapped != "" {
		adjCtx.ItemCondition = mapped
	}

	deliveredAt := timeField(verifiedData, "delivered_at")
	returnRequestAt := parseIntentDate(intent.ReturnRequestDate)
	adjCtx.DaysSinceDelivery = adjudicator.ComputeDaysSinceDelivery(deliveredAt, returnRequestAt, time.Now())

	itemName, itemCategory, itemSubcategory := "", "", ""
	if len(intent.OrderItems) > 0 {
		itemName = intent.OrderItems[0].ItemName
		itemCategory = intent.OrderItems[0].Category
		itemSubcategory = intent.OrderItems[0].Subcategory
	}

	emit(caserecord.Event{Step: "adjudication", Substep: "category_classification", Status: "active"})
	decision, err := o.adj.Adjudicate(ctx, adjCtx, itemName, itemCategory, itemSubcategory)
	if err != nil {
		return nil, err
	}
	emit(caserecord.Event{Step: "adjudication", Substep: "category_classification", Status: "complete"})
	return decision, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// uuidField parses an optional order_id/customer_id column out of the
// verifier's resolved order data, per §3.2 — those columns exist to hold
// the resolved ids, not just a copy buried in the metadata blob.
func uuidField(m map[string]interface{}, key string) *uuid.UUID {
	s := stringField(m, key)
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func timeField(m map[string]interface{}, key string) *time.Time {
	s := stringField(m, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func parseIntentDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func (o *Orchestrator) persistPendingReview(ctx context.Context, sourceMessageID string, envelope *caserecord.Envelope, notes string, intent *extraction.Intent, verifiedData ...map[string]interface{}) error {
	c := &caserecord.Case{
		CaseSource:         "gmail",
		SourceMessageID:    sourceMessageID,
		ReceivedAt:         envelope.ReceivedAt,
		FromEmail:          envelope.FromEmail,
		FromName:           envelope.FromName,
		Subject:            envelope.Subject,
		Body:               envelope.Body,
		Classification:     envelope.Classification,
		Confidence:         envelope.Confidence,
		VerificationStatus: caserecord.StatusPendingReview,
		VerificationNotes:  notes,
		Attachments:        envelope.Attachments,
	}
	if intent != nil {
		c.ExtractedInvoiceNumber = intent.InvoiceNumber
		c.ExtractedOrderInvoiceID = intent.OrderInvoiceID
	}
	if len(verifiedData) > 0 && verifiedData[0] != nil {
		c.OrderID = uuidField(verifiedData[0], "order_id")
		c.CustomerID = uuidField(verifiedData[0], "customer_id")
		raw, err := json.Marshal(verifiedData[0])
		if err != nil {
			return fmt.Errorf("caseworker: marshal verified order: %w", err)
		}
		c.Metadata = raw
	}
	_, err := o.store.UpsertCase(ctx, c)
	if err != nil {
		return fmt.Errorf("caseworker: upsert pending review case: %w", err)
	}
	return nil
}

func (o *Orchestrator) persistVerified(ctx context.Context, sourceMessageID string, envelope *caserecord.Envelope, intent extraction.Intent, verifiedData map[string]interface{}, decision *adjudicator.Decision) error {
	_, conditionExact := adjudicator.NormalizeCondition(intent.ItemCondition)
	metadata := map[string]interface{}{
		"verified_order":        verifiedData,
		"decision":              decision,
		"condition_match_exact": conditionExact,
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("caseworker: marshal metadata: %w", err)
	}
	c := &caserecord.Case{
		CaseSource:              "gmail",
		SourceMessageID:         sourceMessageID,
		ReceivedAt:              envelope.ReceivedAt,
		FromEmail:               envelope.FromEmail,
		FromName:                envelope.FromName,
		Subject:                 envelope.Subject,
		Body:                    envelope.Body,
		ExtractedInvoiceNumber:  intent.InvoiceNumber,
		ExtractedOrderInvoiceID: intent.OrderInvoiceID,
		Classification:          envelope.Classification,
		Confidence:              envelope.Confidence,
		VerificationStatus:      caserecord.StatusVerified,
		Attachments:             envelope.Attachments,
		Metadata:                raw,
		OrderID:                 uuidField(verifiedData, "order_id"),
		CustomerID:              uuidField(verifiedData, "customer_id"),
	}
	_, err = o.store.UpsertCase(ctx, c)
	if err != nil {
		return fmt.Errorf("caseworker: upsert verified case: %w", err)
	}
	return nil
}

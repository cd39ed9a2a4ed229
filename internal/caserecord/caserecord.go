// Package caserecord defines the refund_cases row shape (component J) and
// the event types the case-worker orchestrator streams while processing
// one case.
package caserecord

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type VerificationStatus string

const (
	StatusPendingReview VerificationStatus = "PENDING_REVIEW"
	StatusVerified      VerificationStatus = "VERIFIED"
	StatusRejected      VerificationStatus = "REJECTED"
)

type Classification string

const (
	ClassificationReturn      Classification = "RETURN"
	ClassificationReplacement Classification = "REPLACEMENT"
	ClassificationRefund      Classification = "REFUND"
	ClassificationOther       Classification = "OTHER"
)

// EligibleForPipeline reports whether a classification is one the
// original gmail ingress filters for (RETURN, REPLACEMENT, REFUND) —
// everything else is logged and dropped before a case is ever created.
func (c Classification) EligibleForPipeline() bool {
	switch c {
	case ClassificationReturn, ClassificationReplacement, ClassificationRefund:
		return true
	default:
		return false
	}
}

// Attachment is metadata-only — the pipeline never stores attachment
// bytes in Postgres, only a blob-store reference (component B).
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	BlobKey     string `json:"blob_key"`
}

// Envelope is the durable record the mail-event normalizer (H) writes to
// blob storage and the task dispatcher (K) hands off by reference —
// everything the case-worker orchestrator (L) needs to run one case,
// with attachment bytes already persisted to blob storage rather than
// carried inline.
type Envelope struct {
	SourceMessageID string         `json:"source_message_id"`
	GmailMessageID  string         `json:"gmail_message_id"`
	FromEmail       string         `json:"from_email"`
	FromName        string         `json:"from_name"`
	Subject         string         `json:"subject"`
	Body            string         `json:"body"`
	ReceivedAt      time.Time      `json:"received_at"`
	Classification  Classification `json:"classification"`
	Confidence      float64        `json:"confidence"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
}

// Case is the refund_cases row.
type Case struct {
	CaseID                  uuid.UUID           `json:"case_id"`
	CaseSource              string              `json:"case_source"`
	SourceMessageID         string              `json:"source_message_id"`
	ReceivedAt              time.Time           `json:"received_at"`
	FromEmail               string              `json:"from_email"`
	FromName                string              `json:"from_name"`
	Subject                 string              `json:"subject"`
	Body                    string              `json:"body"`
	CustomerID              *uuid.UUID          `json:"customer_id,omitempty"`
	OrderID                 *uuid.UUID          `json:"order_id,omitempty"`
	ExtractedInvoiceNumber  string              `json:"extracted_invoice_number,omitempty"`
	ExtractedOrderInvoiceID string              `json:"extracted_order_invoice_id,omitempty"`
	Classification          Classification      `json:"classification"`
	Confidence              float64             `json:"confidence"`
	VerificationStatus      VerificationStatus  `json:"verification_status"`
	VerificationNotes       string              `json:"verification_notes,omitempty"`
	Attachments             []Attachment        `json:"attachments,omitempty"`
	Metadata                json.RawMessage     `json:"metadata,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

// Event is one progress notification the case worker emits while
// processing a case; the SSE demo handler and the plain /process handler
// both drain the same channel shape.
type Event struct {
	Step    string      `json:"step"`
	Substep string      `json:"substep,omitempty"`
	Status  string      `json:"status"` // "active", "complete", "error"
	Log     string      `json:"log,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Package ingress wires the mail-event normalizer (H) to the classifier
// (I), blob store (B), and task dispatcher (K): it is the onEvent
// callback mailingress.Processor invokes per normalized message,
// completing §4.H steps 2e-2f (classify, build the case envelope,
// persist attachments and the envelope to blob storage, enqueue the
// case-worker task).
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caseflow/caseflow/internal/caserecord"
	"github.com/caseflow/caseflow/internal/classifier"
	"github.com/caseflow/caseflow/internal/mailingress"
)

const classificationSubjectChars = 4000

// AttachmentFetcher downloads one attachment's bytes, narrowed from
// mailingress.GmailClient so this package doesn't need the full Gmail
// client surface.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Dispatcher enqueues a case-worker task by reference.
type Dispatcher interface {
	Enqueue(ctx context.Context, sourceMessageID, blobPath string) error
}

// BlobPutter is the narrow blobstore.Store surface this package needs.
type BlobPutter interface {
	Put(ctx context.Context, key, contentType string, content []byte) (string, error)
}

// Handler is the glue between H's normalizer output and the rest of the
// ingress pipeline.
type Handler struct {
	classifier *classifier.Classifier
	attachFn   AttachmentFetcher
	blobs      BlobPutter
	dispatcher Dispatcher
}

func NewHandler(c *classifier.Classifier, attachFn AttachmentFetcher, blobs BlobPutter, dispatcher Dispatcher) *Handler {
	return &Handler{classifier: c, attachFn: attachFn, blobs: blobs, dispatcher: dispatcher}
}

// HandleEvent implements the mailingress.Processor onEvent callback.
func (h *Handler) HandleEvent(ctx context.Context, evt mailingress.NormalizedEvent) error {
	truncatedBody := evt.BodyText
	if len(truncatedBody) > classificationSubjectChars {
		truncatedBody = truncatedBody[:classificationSubjectChars]
	}

	result, err := h.classifier.Classify(ctx, evt.Subject, truncatedBody)
	if err != nil {
		return fmt.Errorf("ingress: classify: %w", err)
	}
	if !result.Eligible() {
		return nil
	}

	attachments, err := h.persistAttachments(ctx, evt)
	if err != nil {
		return fmt.Errorf("ingress: persist attachments: %w", err)
	}

	envelope := caserecord.Envelope{
		SourceMessageID: evt.GmailMessageID,
		GmailMessageID:  evt.GmailMessageID,
		FromEmail:       evt.FromEmail,
		FromName:        evt.FromName,
		Subject:         evt.Subject,
		Body:            evt.BodyText,
		ReceivedAt:      evt.ReceivedAt,
		Classification:  result.Classification,
		Confidence:      result.Confidence,
		Attachments:     attachments,
	}

	blobPath := envelopeBlobPath(evt.FromEmail, evt.ReceivedAt)
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("ingress: marshal envelope: %w", err)
	}
	if _, err := h.blobs.Put(ctx, blobPath, "application/json", raw); err != nil {
		return fmt.Errorf("ingress: persist envelope: %w", err)
	}

	if err := h.dispatcher.Enqueue(ctx, envelope.SourceMessageID, blobPath); err != nil {
		return fmt.Errorf("ingress: enqueue task: %w", err)
	}
	return nil
}

func (h *Handler) persistAttachments(ctx context.Context, evt mailingress.NormalizedEvent) ([]caserecord.Attachment, error) {
	var out []caserecord.Attachment
	for _, ref := range evt.Attachments {
		if ref.AttachmentID == "" {
			continue
		}
		data, err := h.attachFn.GetAttachment(ctx, evt.GmailMessageID, ref.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w", ref.Filename, err)
		}
		key := fmt.Sprintf("%s/%s_%s", safeEmailSegment(evt.FromEmail), ref.AttachmentID, ref.Filename)
		if _, err := h.blobs.Put(ctx, key, ref.ContentType, data); err != nil {
			return nil, fmt.Errorf("upload attachment %s: %w", ref.Filename, err)
		}
		out = append(out, caserecord.Attachment{
			Filename:    ref.Filename,
			ContentType: ref.ContentType,
			SizeBytes:   int64(len(data)),
			BlobKey:     key,
		})
	}
	return out, nil
}

// envelopeBlobPath matches §4.H's <safe_from>/<safe_from>_<ts>.json
// layout.
func envelopeBlobPath(fromEmail string, receivedAt time.Time) string {
	safe := safeEmailSegment(fromEmail)
	return fmt.Sprintf("%s/%s_%d.json", safe, safe, receivedAt.UnixMilli())
}

func safeEmailSegment(email string) string {
	replacer := strings.NewReplacer("@", "_at_", ".", "_", "+", "_")
	return replacer.Replace(strings.ToLower(email))
}

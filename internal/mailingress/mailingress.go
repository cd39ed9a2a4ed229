// Package mailingress is the mail-event normalizer (component H),
// reimplementing original_source/gmail-event-processor/gmail_processor.py:
// cold-start cursor capture with no backfill, history.list polling for
// messageAdded events, MIME part walking (text/plain preferred over
// text/html), attachment metadata extraction, and per-message 404
// tolerance (a message can be deleted between being listed in history and
// being fetched).
package mailingress

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/caseflow/caseflow/internal/cursorstore"
)

// RawMessage is the subset of the Gmail API's message resource the
// normalizer needs.
type RawMessage struct {
	ID         string
	ThreadID   string
	HistoryID  uint64
	InternalMs int64
	Payload    MIMEPart
}

type MIMEPart struct {
	MimeType     string
	Filename     string
	Headers      map[string]string
	Body         string // base64url-encoded inline content, present for small inline parts
	PartID       string
	AttachmentID string // set instead of Body for parts large enough that Gmail stores them out-of-line
	Parts        []MIMEPart
}

// NormalizedEvent is what the normalizer hands to the classifier/worker:
// a plain-text email body, sender identity, and attachment metadata (not
// attachment bytes — those are fetched lazily and handed to blobstore by
// ingress.Handler.HandleEvent only for messages that pass the classifier
// gate).
type NormalizedEvent struct {
	GmailMessageID string
	FromEmail      string
	FromName       string
	Subject        string
	BodyText       string
	ReceivedAt     time.Time
	Attachments    []AttachmentRef
}

type AttachmentRef struct {
	Filename    string
	ContentType string
	AttachmentID string
}

// GmailClient is the narrow surface the normalizer needs from the Gmail
// API; a real implementation issues authenticated net/http calls using an
// oauth2.TokenSource the way golang.org/x/oauth2/google issues one from
// GMAIL_OAUTH_TOKEN_SECRET.
type GmailClient interface {
	GetProfile(ctx context.Context) (historyID uint64, err error)
	ListHistory(ctx context.Context, startHistoryID uint64) (messageIDs []string, maxHistoryID uint64, err error)
	GetMessage(ctx context.Context, id string) (*RawMessage, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// HTTPGmailClient is a minimal net/http-based Gmail API client,
// authenticated with an oauth2.TokenSource — the pattern every LLM
// provider connector in the teacher's codebase follows for third-party
// REST APIs.
type HTTPGmailClient struct {
	tokenSource oauth2.TokenSource
	client      *http.Client
}

func NewHTTPGmailClient(tokenSource oauth2.TokenSource) *HTTPGmailClient {
	return &HTTPGmailClient{tokenSource: tokenSource, client: &http.Client{Timeout: 30 * time.Second}}
}

// Processor drives the cold-start-aware polling loop.
type Processor struct {
	gmail   GmailClient
	cursors cursorstore.Store
	log     zerolog.Logger
	onEvent func(ctx context.Context, evt NormalizedEvent) error
}

func NewProcessor(gmail GmailClient, cursors cursorstore.Store, log zerolog.Logger, onEvent func(context.Context, NormalizedEvent) error) *Processor {
	return &Processor{gmail: gmail, cursors: cursors, log: log, onEvent: onEvent}
}

// ProcessNewEvents is the Gmail-push-notification handler's core: on cold
// start (no cursor ever saved) it captures the current historyId and
// returns without processing anything — there is no backfill of mail that
// arrived before caseflow started watching this mailbox.
func (p *Processor) ProcessNewEvents(ctx context.Context) (processed int, err error) {
	cursor, found, err := p.cursors.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("mailingress: read cursor: %w", err)
	}
	if !found {
		historyID, err := p.gmail.GetProfile(ctx)
		if err != nil {
			return 0, fmt.Errorf("mailingress: cold start getProfile: %w", err)
		}
		if err := p.cursors.Advance(ctx, historyID); err != nil {
			return 0, fmt.Errorf("mailingress: cold start save cursor: %w", err)
		}
		p.log.Info().Uint64("history_id", historyID).Msg("mail ingress cold start, no backfill")
		return 0, nil
	}

	messageIDs, maxHistoryID, err := p.gmail.ListHistory(ctx, cursor)
	if err != nil {
		return 0, fmt.Errorf("mailingress: list history: %w", err)
	}

	for _, id := range messageIDs {
		raw, err := p.gmail.GetMessage(ctx, id)
		if err != nil {
			if isNotFound(err) {
				p.log.Warn().Str("message_id", id).Msg("message vanished between history list and fetch, skipping")
				continue
			}
			return processed, fmt.Errorf("mailingress: get message %s: %w", id, err)
		}
		evt := Normalize(raw)
		if err := p.onEvent(ctx, evt); err != nil {
			// Unlike a vanished message, a failure here means the envelope
			// was not durably persisted and/or not enqueued for processing:
			// advancing the cursor past it would lose the message for good.
			// Fail the whole notification so the push is nacked and retried.
			return processed, fmt.Errorf("mailingress: handle event for message %s: %w", id, err)
		}
		processed++
	}

	// The cursor advances even when zero messages were eligible, matching
	// the original's unconditional save_history_id call at the end of the
	// loop — an empty history window still means "caught up to here."
	if err := p.cursors.Advance(ctx, maxHistoryID); err != nil {
		return processed, fmt.Errorf("mailingress: advance cursor: %w", err)
	}
	return processed, nil
}

// ErrMessageNotFound is returned by GmailClient.GetMessage when a message
// listed in history has since been deleted.
var ErrMessageNotFound = errors.New("gmail: message not found")

func isNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

// Normalize walks the MIME tree of a raw Gmail message, preferring
// text/plain over text/html, and collects attachment metadata without
// fetching attachment bytes.
func Normalize(raw *RawMessage) NormalizedEvent {
	evt := NormalizedEvent{
		GmailMessageID: raw.ID,
		ReceivedAt:     time.UnixMilli(raw.InternalMs).UTC(),
	}
	for k, v := range raw.Payload.Headers {
		switch strings.ToLower(k) {
		case "subject":
			evt.Subject = v
		case "from":
			evt.FromEmail, evt.FromName = extractSenderEmail(v)
		}
	}

	var plainText, htmlText string
	walkParts(raw.Payload, &plainText, &htmlText, &evt.Attachments)
	if plainText != "" {
		evt.BodyText = plainText
	} else if htmlText != "" {
		evt.BodyText = htmlToText(htmlText)
	}
	return evt
}

func walkParts(part MIMEPart, plainText, htmlText *string, attachments *[]AttachmentRef) {
	if part.Filename != "" {
		*attachments = append(*attachments, AttachmentRef{
			Filename:     part.Filename,
			ContentType:  part.MimeType,
			AttachmentID: part.AttachmentID,
		})
	}
	switch part.MimeType {
	case "text/plain":
		if *plainText == "" {
			*plainText = decodeBase64URL(part.Body)
		}
	case "text/html":
		if *htmlText == "" {
			*htmlText = decodeBase64URL(part.Body)
		}
	}
	for _, child := range part.Parts {
		walkParts(child, plainText, htmlText, attachments)
	}
}

func decodeBase64URL(s string) string {
	b, _ := decodeBase64URLBytes(s)
	return string(b)
}

func decodeBase64URLBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
}

// htmlToText is a deliberately small tag stripper — caseflow only needs a
// readable fallback for the rare email with no text/plain part, not a
// general-purpose renderer.
func htmlToText(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func extractSenderEmail(fromHeader string) (email, name string) {
	addr, err := mail.ParseAddress(fromHeader)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(fromHeader)), ""
	}
	return strings.ToLower(addr.Address), addr.Name
}

package mailingress

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func b64(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestNormalizePrefersPlainTextOverHTML(t *testing.T) {
	raw := &RawMessage{
		ID: "msg-1",
		Payload: MIMEPart{
			Headers: map[string]string{"Subject": "Return request", "From": "Jane Doe <jane@example.com>"},
			Parts: []MIMEPart{
				{MimeType: "text/html", Body: b64("<p>hello <b>world</b></p>")},
				{MimeType: "text/plain", Body: b64("hello world")},
			},
		},
	}
	evt := Normalize(raw)
	require.Equal(t, "hello world", evt.BodyText)
	require.Equal(t, "jane@example.com", evt.FromEmail)
	require.Equal(t, "Jane Doe", evt.FromName)
}

func TestNormalizeFallsBackToHTMLWhenNoPlainText(t *testing.T) {
	raw := &RawMessage{
		ID: "msg-2",
		Payload: MIMEPart{
			Headers: map[string]string{"From": "noreply@example.com"},
			Parts: []MIMEPart{
				{MimeType: "text/html", Body: b64("<p>only html</p>")},
			},
		},
	}
	evt := Normalize(raw)
	require.Contains(t, evt.BodyText, "only html")
}

func TestNormalizeCollectsAttachmentMetadataOnly(t *testing.T) {
	raw := &RawMessage{
		ID: "msg-3",
		Payload: MIMEPart{
			Headers: map[string]string{"From": "a@example.com"},
			Parts: []MIMEPart{
				{MimeType: "text/plain", Body: b64("body")},
				{MimeType: "application/pdf", Filename: "invoice.pdf"},
			},
		},
	}
	evt := Normalize(raw)
	require.Len(t, evt.Attachments, 1)
	require.Equal(t, "invoice.pdf", evt.Attachments[0].Filename)
}

type fakeGmail struct {
	profileHistoryID uint64
	profileErr       error
	getMessageErr    error
	messageIDs       []string
	maxHistoryID     uint64
}

func (f *fakeGmail) GetProfile(ctx context.Context) (uint64, error) {
	return f.profileHistoryID, f.profileErr
}
func (f *fakeGmail) ListHistory(ctx context.Context, start uint64) ([]string, uint64, error) {
	if f.messageIDs != nil {
		return f.messageIDs, f.maxHistoryID, nil
	}
	return nil, start, nil
}
func (f *fakeGmail) GetMessage(ctx context.Context, id string) (*RawMessage, error) {
	if f.getMessageErr != nil {
		return nil, f.getMessageErr
	}
	return &RawMessage{ID: id, Payload: MIMEPart{Headers: map[string]string{"From": "a@example.com"}}}, nil
}
func (f *fakeGmail) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return nil, nil
}

type fakeCursorStore struct {
	value uint64
	found bool
}

func (f *fakeCursorStore) Get(ctx context.Context) (uint64, bool, error) { return f.value, f.found, nil }
func (f *fakeCursorStore) Advance(ctx context.Context, v uint64) error {
	f.value = v
	f.found = true
	return nil
}

func TestProcessNewEventsColdStartDoesNotBackfill(t *testing.T) {
	gmail := &fakeGmail{profileHistoryID: 999}
	cursors := &fakeCursorStore{}
	var handlerCalled bool

	p := NewProcessor(gmail, cursors, zerolog.Nop(), func(ctx context.Context, evt NormalizedEvent) error {
		handlerCalled = true
		return nil
	})

	processed, err := p.ProcessNewEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, processed)
	require.False(t, handlerCalled, "cold start must not process any historical mail")
	require.True(t, cursors.found)
	require.Equal(t, uint64(999), cursors.value)
}

func TestProcessNewEventsDoesNotAdvanceCursorWhenHandlerFails(t *testing.T) {
	gmail := &fakeGmail{messageIDs: []string{"msg-1"}, maxHistoryID: 1000}
	cursors := &fakeCursorStore{value: 500, found: true}

	p := NewProcessor(gmail, cursors, zerolog.Nop(), func(ctx context.Context, evt NormalizedEvent) error {
		return errors.New("blob put failed")
	})

	processed, err := p.ProcessNewEvents(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, processed)
	require.Equal(t, uint64(500), cursors.value, "cursor must not advance past a message whose envelope was not durably persisted")
}

func TestProcessNewEventsSkipsVanishedMessageWithoutFailingNotification(t *testing.T) {
	gmail := &fakeGmail{messageIDs: []string{"msg-1"}, maxHistoryID: 1000, getMessageErr: ErrMessageNotFound}
	cursors := &fakeCursorStore{value: 500, found: true}

	p := NewProcessor(gmail, cursors, zerolog.Nop(), func(ctx context.Context, evt NormalizedEvent) error {
		return nil
	})

	processed, err := p.ProcessNewEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, processed)
	require.Equal(t, uint64(1000), cursors.value)
}

func TestIsNotFoundMatchesSentinel(t *testing.T) {
	require.True(t, isNotFound(ErrMessageNotFound))
	require.False(t, isNotFound(errors.New("some other error")))
}

package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/classifier"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/mailingress"
)

type fakeProvider struct {
	text string
}

func (f *fakeProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: f.text, FinishReason: "stop"}, nil
}

func (f *fakeProvider) Name() string                          { return "fake" }
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type fakeAttachFetcher struct {
	data map[string][]byte
}

func (f *fakeAttachFetcher) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return f.data[attachmentID], nil
}

type fakeDispatcher struct {
	enqueued []string
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, sourceMessageID, blobPath string) error {
	f.enqueued = append(f.enqueued, sourceMessageID)
	return nil
}

type fakeBlobPutter struct {
	puts map[string][]byte
}

func newFakeBlobPutter() *fakeBlobPutter {
	return &fakeBlobPutter{puts: map[string][]byte{}}
}

func (f *fakeBlobPutter) Put(ctx context.Context, key, contentType string, content []byte) (string, error) {
	f.puts[key] = content
	return key, nil
}

func TestHandleEventSkipsIneligibleClassification(t *testing.T) {
	prov := &fakeProvider{text: `{"classification":"OTHER","confidence":0.9}`}
	reg := llm.NewRegistry(1)
	c := classifier.New(prov, reg, "test-model")
	dispatcher := &fakeDispatcher{}
	blobs := newFakeBlobPutter()
	h := NewHandler(c, &fakeAttachFetcher{}, blobs, dispatcher)

	evt := mailingress.NormalizedEvent{
		GmailMessageID: "msg-1",
		FromEmail:      "buyer@example.com",
		Subject:        "question",
		BodyText:       "when does your store open",
		ReceivedAt:     time.Now(),
	}
	err := h.HandleEvent(context.Background(), evt)
	require.NoError(t, err)
	require.Empty(t, dispatcher.enqueued)
	require.Empty(t, blobs.puts)
}

func TestHandleEventLowConfidenceSkips(t *testing.T) {
	prov := &fakeProvider{text: `{"classification":"RETURN","confidence":0.1}`}
	reg := llm.NewRegistry(1)
	c := classifier.New(prov, reg, "test-model")
	dispatcher := &fakeDispatcher{}
	blobs := newFakeBlobPutter()
	h := NewHandler(c, &fakeAttachFetcher{}, blobs, dispatcher)

	evt := mailingress.NormalizedEvent{GmailMessageID: "msg-2", FromEmail: "buyer@example.com", ReceivedAt: time.Now()}
	err := h.HandleEvent(context.Background(), evt)
	require.NoError(t, err)
	require.Empty(t, dispatcher.enqueued)
}

func TestHandleEventPersistsEnvelopeAndAttachmentsThenEnqueues(t *testing.T) {
	prov := &fakeProvider{text: `{"classification":"RETURN","confidence":0.9}`}
	reg := llm.NewRegistry(1)
	c := classifier.New(prov, reg, "test-model")
	dispatcher := &fakeDispatcher{}
	blobs := newFakeBlobPutter()
	attachFetcher := &fakeAttachFetcher{data: map[string][]byte{"att-1": []byte("receipt bytes")}}
	h := NewHandler(c, attachFetcher, blobs, dispatcher)

	evt := mailingress.NormalizedEvent{
		GmailMessageID: "msg-3",
		FromEmail:      "buyer@example.com",
		Subject:        "return request",
		BodyText:       "I want to return my broken blender",
		ReceivedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Attachments: []mailingress.AttachmentRef{
			{Filename: "receipt.pdf", ContentType: "application/pdf", AttachmentID: "att-1"},
			{Filename: "inline-signature.png", ContentType: "image/png", AttachmentID: ""},
		},
	}

	err := h.HandleEvent(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, []string{"msg-3"}, dispatcher.enqueued)

	// The envelope itself, plus exactly one attachment: the inline part
	// with no attachment ID is skipped by persistAttachments and never
	// fetched.
	require.Len(t, blobs.puts, 2)

	var envelopeKey string
	for k := range blobs.puts {
		if k != "buyer_at_example_com/att-1_receipt.pdf" {
			envelopeKey = k
		}
	}
	require.Contains(t, envelopeKey, "buyer_at_example_com/buyer_at_example_com_")
	require.Equal(t, []byte("receipt bytes"), blobs.puts["buyer_at_example_com/att-1_receipt.pdf"])
}

func TestEnvelopeBlobPathFormat(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path := envelopeBlobPath("Buyer+Test@Example.com", ts)
	require.Contains(t, path, "buyer_test_at_example_com/buyer_test_at_example_com_")
	require.Contains(t, path, ".json")
}

func TestSafeEmailSegmentNormalizes(t *testing.T) {
	require.Equal(t, "a_b_at_example_com", safeEmailSegment("A.B@Example.com"))
}

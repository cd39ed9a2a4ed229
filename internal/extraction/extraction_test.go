package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/llm"
)

type fakeProvider struct {
	text string
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func TestExtractParsesWellFormedResponse(t *testing.T) {
	p := &fakeProvider{text: `{"customer_email":"a@example.com","invoice_number":"INV-1","confidence_score":0.9}`}
	e := NewExtractor(p, llm.NewRegistry(2), "")
	intent := e.Extract(context.Background(), "some email text")
	require.Equal(t, "a@example.com", intent.CustomerEmail)
	require.Equal(t, "INV-1", intent.InvoiceNumber)
	require.Equal(t, 0.9, intent.ConfidenceScore)
}

func TestExtractReturnsEmptyIntentOnMalformedJSON(t *testing.T) {
	p := &fakeProvider{text: "not json"}
	e := NewExtractor(p, llm.NewRegistry(2), "")
	intent := e.Extract(context.Background(), "text")
	require.Equal(t, Intent{}, intent)
}

func TestExtractReturnsEmptyIntentOnProviderError(t *testing.T) {
	p := &fakeProvider{err: context.DeadlineExceeded}
	e := NewExtractor(p, llm.NewRegistry(2), "")
	intent := e.Extract(context.Background(), "text")
	require.Equal(t, Intent{}, intent)
}

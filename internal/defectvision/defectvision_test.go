package defectvision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/llm"
)

type fakeProvider struct {
	name string
	text string
	err  error
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func TestAnalyzeMapsConfidentDescriptionToSuccess(t *testing.T) {
	a := NewAnalyzer(&fakeProvider{name: "google", text: "Cracked screen with fracture lines"}, llm.NewRegistry(2), "gemini-2.0-flash")
	result := a.Analyze(context.Background(), "image/jpeg", []byte{0xFF, 0xD8})
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, "Cracked screen with fracture lines", result.Description)
}

func TestAnalyzeNormalizesHumanReviewRequired(t *testing.T) {
	a := NewAnalyzer(&fakeProvider{name: "google", text: "  Human Review Required  "}, llm.NewRegistry(2), "")
	result := a.Analyze(context.Background(), "image/jpeg", []byte{0xFF, 0xD8})
	require.Equal(t, StatusHumanReviewRequired, result.Status)
	require.Equal(t, "Human review required", result.Description)
}

func TestAnalyzeDegradesToHumanReviewOnProviderError(t *testing.T) {
	a := NewAnalyzer(&fakeProvider{name: "google", err: context.DeadlineExceeded}, llm.NewRegistry(2), "")
	result := a.Analyze(context.Background(), "image/jpeg", []byte{0xFF, 0xD8})
	require.Equal(t, StatusHumanReviewRequired, result.Status)
}

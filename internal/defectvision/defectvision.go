// Package defectvision is the defect vision tool (component N): image
// bytes in, a one-sentence defect summary out, falling back to "Human
// review required" when the model can't commit to a confident read.
// Grounded on original_source/defect_analyzer's analyze_defect_image,
// which sends the image to Gemini with a fixed one-line-description
// prompt and maps the reply onto a small status enum.
package defectvision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/mcpserver"
)

const analysisPrompt = `You are an expert product defect analyst for electronics and appliances.

Analyze this image and provide a ONE-LINE description of any visible defects.

RULES:
1. Be concise - maximum ONE sentence
2. Describe the defect type and location clearly
3. If you cannot determine the defect with confidence, respond with exactly: "Human review required"
4. If there is no visible defect, say: "No visible defect detected"

Respond with ONLY the one-line description, nothing else.`

const (
	StatusSuccess             = "success"
	StatusHumanReviewRequired = "human_review_required"
	StatusError               = "error"
)

// Result is the tool's structured outcome.
type Result struct {
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Analyzer calls the LLM adapter's vision-capable model on one image.
type Analyzer struct {
	provider llm.Provider
	registry *llm.Registry
	model    string
}

func NewAnalyzer(provider llm.Provider, registry *llm.Registry, model string) *Analyzer {
	return &Analyzer{provider: provider, registry: registry, model: model}
}

// Analyze mirrors the original's status derivation: a reply containing
// "human review required" is normalized and force-set to exactly that
// phrase; any adapter error degrades to human review rather than failing
// the case worker step (§7 permanent-upstream-error handling: log, skip,
// continue with reduced context).
func (a *Analyzer) Analyze(ctx context.Context, mimeType string, data []byte) Result {
	release, err := a.registry.Acquire(ctx)
	if err != nil {
		return Result{Description: "Human review required", Status: StatusHumanReviewRequired}
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &llm.Request{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "user", Content: analysisPrompt, Images: []llm.ImagePart{{MimeType: mimeType, Data: data}}},
		},
	}
	resp, err := llm.GenerateWithRetry(ctx, a.provider, req, llm.DefaultMaxRetries, llm.DefaultBaseDelay)
	if err != nil {
		return Result{Description: "Human review required", Status: StatusHumanReviewRequired}
	}

	description := strings.TrimSpace(resp.Text)
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "human review required"):
		return Result{Description: "Human review required", Status: StatusHumanReviewRequired}
	case strings.Contains(lower, "error"):
		return Result{Description: description, Status: StatusError}
	default:
		return Result{Description: description, Status: StatusSuccess}
	}
}

type analyzeArgs struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	ImageBase64 string `json:"image_base64"`
}

// NewToolSet wraps Analyzer as the single "analyze_defect_image" tool.
func NewToolSet(a *Analyzer) *mcpserver.ToolSet {
	ts := mcpserver.NewToolSet()
	ts.Register(mcpserver.Tool{
		Name:        "analyze_defect_image",
		Description: "Analyze a product defect image and return a one-line description.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"filename":     map[string]interface{}{"type": "string"},
				"mime_type":    map[string]interface{}{"type": "string"},
				"image_base64": map[string]interface{}{"type": "string"},
			},
			"required": []string{"image_base64"},
		},
	}, func(raw json.RawMessage) (interface{}, error) {
		var args analyzeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(args.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("image_base64 is not valid base64: %w", err)
		}
		mimeType := args.MimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		result := a.Analyze(context.Background(), mimeType, data)
		return result, nil
	})
	return ts
}

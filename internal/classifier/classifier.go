// Package classifier is component I: a single LLM call that assigns one
// of a small fixed label set to an incoming email, with a confidence
// score. Only RETURN, REPLACEMENT and REFUND pass the ingress filter,
// grounded on original_source/gmail-event-processor's imported
// classify_email/CONFIDENCE_THRESHOLD gate.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caseflow/caseflow/internal/caserecord"
	"github.com/caseflow/caseflow/internal/llm"
)

const ConfidenceThreshold = 0.55

var responseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"classification": {"type": "string", "enum": ["RETURN", "REPLACEMENT", "REFUND", "OTHER"]},
		"confidence": {"type": "number"}
	},
	"required": ["classification", "confidence"]
}`)

type Classifier struct {
	provider llm.Provider
	registry *llm.Registry
	model    string
}

func New(provider llm.Provider, registry *llm.Registry, model string) *Classifier {
	return &Classifier{provider: provider, registry: registry, model: model}
}

type Result struct {
	Classification caserecord.Classification
	Confidence     float64
}

func (c *Classifier) Classify(ctx context.Context, subject, body string) (Result, error) {
	release, err := c.registry.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	req := &llm.Request{
		Model:  c.model,
		System: "You classify customer-support emails for an e-commerce refund pipeline. Respond only about what the customer is requesting.",
		Messages: []llm.Message{{
			Role: "user",
			Content: fmt.Sprintf(
				"Subject: %s\n\nBody:\n%s\n\nClassify this email as RETURN (customer wants to send an item back for a refund), REPLACEMENT (customer wants a working/correct item in place of a defective/wrong one), REFUND (customer wants money back without necessarily returning anything), or OTHER (anything else, including questions, complaints with no action requested, or spam).",
				subject, body,
			),
		}},
		ResponseSchema: responseSchema,
	}

	resp, err := llm.GenerateWithRetry(ctx, c.provider, req, llm.DefaultMaxRetries, llm.DefaultBaseDelay)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: generate: %w", err)
	}

	var parsed struct {
		Classification string  `json:"classification"`
		Confidence     float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return Result{}, fmt.Errorf("classifier: parse response: %w", err)
	}
	return Result{
		Classification: caserecord.Classification(parsed.Classification),
		Confidence:     parsed.Confidence,
	}, nil
}

// Eligible reports whether a classification result should proceed into
// the case-worker pipeline at all.
func (r Result) Eligible() bool {
	return r.Classification.EligibleForPipeline() && r.Confidence >= ConfidenceThreshold
}

package verifyagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caseflow/caseflow/internal/llm"
)

// SelectionResult is select_order_id's reply shape per §4.P.
type SelectionResult struct {
	SelectedOrderID string        `json:"selected_order_id,omitempty"`
	Confidence      float64       `json:"confidence"`
	Reason          string        `json:"reason"`
	Candidates      []interface{} `json:"candidates"`
}

var selectionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"selected_order_id": {"type": "string"},
		"confidence": {"type": "number"},
		"reason": {"type": "string"}
	}
}`)

// Selector picks the best-matching order among a candidate payload — the
// fuzzy fallback used when no exact identifier matched, so the agent
// loop tracks every call to it in fuzzy_tools_used.
type Selector struct {
	provider llm.Provider
	registry *llm.Registry
	model    string
}

func NewSelector(provider llm.Provider, registry *llm.Registry, model string) *Selector {
	return &Selector{provider: provider, registry: registry, model: model}
}

func (s *Selector) Select(ctx context.Context, payload, emailInfo json.RawMessage) (*SelectionResult, error) {
	release, err := s.registry.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	prompt := fmt.Sprintf(
		"Given the customer's recent orders and their email context, pick the single order that best matches their refund request.\n\nORDERS:\n%s\n\nEMAIL CONTEXT:\n%s\n\nReturn the selected_order_id (the order_id field verbatim), a confidence 0-1, and your reason.",
		string(payload), string(emailInfo),
	)
	req := &llm.Request{
		Model:          s.model,
		ResponseSchema: selectionSchema,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
	}
	resp, err := llm.GenerateWithRetry(ctx, s.provider, req, 3, llm.DefaultBaseDelay)
	if err != nil {
		return nil, err
	}

	var result SelectionResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return &SelectionResult{Reason: "could not parse selection response"}, nil
	}
	return &result, nil
}

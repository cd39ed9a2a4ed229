package verifyagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/mcpserver"
	"github.com/caseflow/caseflow/internal/toolclient"
)

// MaxTurns bounds the ReAct loop per §4.P.
const MaxTurns = 8

var fuzzyTools = map[string]bool{
	"llm_find_orders": true,
	"select_order_id": true,
}

const systemPrompt = `You are an expert DB Verification Agent. Your goal is to verify a customer refund request.

STRICT VERIFICATION PROCESS (follow in order, but you may branch within it):
STEP 1: Call verify_from_email_matches_customer with the customer's email.
  - If matched is false, call llm_find_orders once for context, then terminate with
    verified_data=null and reason starting with "Email verification mismatch".
  - If matched is true, proceed.
STEP 2: If order_invoice_id is present, call find_order_by_order_invoice_id.
  - Else if invoice_number is present, call find_order_by_invoice_number.
  - Else call get_customer_orders_with_items, then select_order_id to pick the best candidate.
  - Last resort: call llm_find_orders.
STEP 3: Report. If an order was found, terminate with the full order JSON in verified_data.
  If completely stuck after all attempts, terminate with verified_data=null.

Output strict JSON only, one of:
{"tool_name": "...", "arguments": {...}}
{"action": "terminate", "reason": "...", "verified_data": <object or null>}`

// Result is what the case worker reads off a completed loop.
type Result struct {
	VerifiedData   map[string]interface{} `json:"verified_data"`
	FuzzyToolsUsed []string               `json:"fuzzy_tools_used"`
	Reason         string                 `json:"reason"`
}

// ToolCaller is the subset of toolclient.Client the loop needs; narrowed
// to an interface so tests can drive the loop without a real subprocess.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]mcpserver.Tool, error)
	CallTool(ctx context.Context, name string, args interface{}) (string, bool, error)
}

var _ ToolCaller = (*toolclient.Client)(nil)

// Agent drives the bounded ReAct loop against one case's DB verification
// tool subprocess.
type Agent struct {
	tools    ToolCaller
	provider llm.Provider
	registry *llm.Registry
	model    string
}

func NewAgent(tools ToolCaller, provider llm.Provider, registry *llm.Registry, model string) *Agent {
	return &Agent{tools: tools, provider: provider, registry: registry, model: model}
}

type decision struct {
	ToolName     string                 `json:"tool_name"`
	Arguments    map[string]interface{} `json:"arguments"`
	Action       string                 `json:"action"`
	Reason       string                 `json:"reason"`
	VerifiedData map[string]interface{} `json:"verified_data"`
}

// Verify runs the loop. A turn budget exhausted without an explicit
// terminate yields a nil Result (PENDING_REVIEW, per §4.L step 7).
func (a *Agent) Verify(ctx context.Context, extractedIntent interface{}) (*Result, error) {
	tools, err := a.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifyagent: list tools: %w", err)
	}
	intentJSON, err := json.MarshalIndent(extractedIntent, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("verifyagent: marshal intent: %w", err)
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("verifyagent: marshal tools: %w", err)
	}

	var history []string
	history = append(history, fmt.Sprintf("EXTRACTED DATA:\n%s\n\nAVAILABLE TOOLS:\n%s", intentJSON, toolsJSON))

	var fuzzyUsed []string
	for turn := 0; turn < MaxTurns; turn++ {
		prompt := strings.Join(history, "\n\n") + "\n\nWhat is the next step? Output valid JSON only."

		release, err := a.registry.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		req := &llm.Request{
			Model:  a.model,
			System: systemPrompt,
			Messages: []llm.Message{
				{Role: "user", Content: prompt},
			},
		}
		resp, genErr := llm.GenerateWithRetry(ctx, a.provider, req, llm.DefaultMaxRetries, llm.DefaultBaseDelay)
		release()
		if genErr != nil {
			return nil, fmt.Errorf("verifyagent: generate: %w", genErr)
		}

		text := strings.TrimSpace(resp.Text)
		if text == "" {
			history = append(history, "System: Your previous response was empty. Please provide a valid JSON response.")
			continue
		}

		var d decision
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			history = append(history, fmt.Sprintf("System: Your response was not valid JSON: %v. Please output valid JSON only.", err))
			continue
		}

		if d.Action == "terminate" {
			return &Result{VerifiedData: d.VerifiedData, FuzzyToolsUsed: fuzzyUsed, Reason: d.Reason}, nil
		}

		if d.ToolName == "" {
			break
		}
		if !toolExists(tools, d.ToolName) {
			history = append(history, fmt.Sprintf("System: Tool %s does not exist. Choose from available tools.", d.ToolName))
			continue
		}

		if fuzzyTools[d.ToolName] {
			fuzzyUsed = append(fuzzyUsed, d.ToolName)
		}

		if d.ToolName == "llm_find_orders" {
			overrideShortlistLimit(d.Arguments, hasStrongIdentifier(extractedIntent))
		}

		outputText, isError, err := a.tools.CallTool(ctx, d.ToolName, d.Arguments)
		if err != nil {
			history = append(history, fmt.Sprintf("Tool '%s' Result:\nerror: %v", d.ToolName, err))
			continue
		}
		if isError {
			outputText = "error: " + outputText
		}
		history = append(history, fmt.Sprintf("Tool '%s' Result:\n%s", d.ToolName, outputText))
	}

	return nil, nil
}

func toolExists(tools []mcpserver.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// hasStrongIdentifier reports whether the extracted intent carries an
// invoice_number or order_invoice_id, per §4.P.1's deterministic
// shortlist sizing rule. extractedIntent is accepted as interface{} (it's
// whatever concrete Intent type the caller extracted), so this round-trips
// through JSON rather than depending on extraction.Intent directly.
func hasStrongIdentifier(extractedIntent interface{}) bool {
	raw, err := json.Marshal(extractedIntent)
	if err != nil {
		return false
	}
	var fields struct {
		InvoiceNumber  string `json:"invoice_number"`
		OrderInvoiceID string `json:"order_invoice_id"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	return fields.InvoiceNumber != "" || fields.OrderInvoiceID != ""
}

// overrideShortlistLimit rewrites the trailing bound parameter of a
// generated llm_find_orders query to the deterministic shortlist size
// §4.P.1 mandates, regardless of what the LLM put there: 1 when the
// intent carries a strong identifier, else min(5, DefaultMaxLimit).
func overrideShortlistLimit(arguments map[string]interface{}, strongIdentifier bool) {
	if arguments == nil {
		return
	}
	params, ok := arguments["params"].([]interface{})
	if !ok || len(params) == 0 {
		return
	}
	shortlist := 5
	if DefaultMaxLimit < shortlist {
		shortlist = DefaultMaxLimit
	}
	if strongIdentifier {
		shortlist = 1
	}
	params[len(params)-1] = shortlist
	arguments["params"] = params
}

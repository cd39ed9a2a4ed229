// Package adjudicator is the policy adjudicator (component Q): it fuses
// a verified order with the extracted return intent, classifies the item
// into a graph category, walks a 3-hop policy subgraph, retrieves cited
// source text, and issues a reasoned, cited decision plus a customer-
// facing explanation. Grounded on
// original_source/policy_compiler_agents/adjudicator_agent.py for the
// condition-normalization and fuzzy-category-match idiom, generalized
// per SPEC_FULL.md §4.Q to the graph-traversal + two-stage-reasoning
// design the distilled spec calls for (the original's adjudicator used a
// flat 1-hop deterministic rule lookup; this implementation walks the
// full 3-hop subgraph and defers the decision itself to a cited LLM
// reasoning call).
package adjudicator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/policydoc"
)

// conditionTable is the fixed item_condition -> canonical graph string
// mapping of §4.Q.2. An empty target means "no canonical mapping" (the
// original's OPENED_LIKE_NEW -> null case).
var conditionTable = map[string]string{
	"DAMAGED_DEFECTIVE": "Damaged, defective, or incorrect",
	"NEW_UNOPENED":       "Unopened",
	"OPENED_LIKE_NEW":    "",
	"MISSING_PARTS":      "Missing parts",
}

// NormalizeCondition maps an intent's item_condition enum value to the
// graph's canonical condition string and reports whether the mapping was
// an exact table hit.
func NormalizeCondition(condition string) (mapped string, exact bool) {
	if v, ok := conditionTable[condition]; ok {
		return v, true
	}
	return "", false
}

// Context is the §4.Q.1 adjudication context built from the verified
// order and extracted intent.
type Context struct {
	OrderID          string
	DaysSinceDelivery int
	MembershipTier   string
	SellerType       string
	Region           string
	ItemCondition    string
	ReturnReason     string
}

// Fee is one applicable fee in the reasoning call's response.
type Fee struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Waived bool    `json:"waived"`
	Reason string  `json:"reason"`
}

// Decision is the adjudicator's full cited output.
type Decision struct {
	Decision            string  `json:"decision"` // APPROVED | DENIED | MANUAL_REVIEW
	ApplicableFees      []Fee   `json:"applicable_fees"`
	Reasoning           string  `json:"reasoning"`
	PolicyCitations     []string `json:"policy_citations"`
	CustomerExplanation string  `json:"-"`
}

var reasoningSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["APPROVED", "DENIED", "MANUAL_REVIEW"]},
		"applicable_fees": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"value": {"type": "number"},
					"waived": {"type": "boolean"},
					"reason": {"type": "string"}
				}
			}
		},
		"reasoning": {"type": "string"},
		"policy_citations": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["decision", "reasoning"]
}`)

var categorySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"category": {"type": "string"},
		"confidence": {"type": "number"}
	},
	"required": ["category"]
}`)

// Adjudicator holds the resources one adjudication call needs: the graph
// store, the LLM adapter, and the compiled policy corpus for citation
// resolution.
type Adjudicator struct {
	graph        *graphReaderAdapter
	provider     llm.Provider
	registry     *llm.Registry
	model        string
	retailerName string
	corpus       *policydoc.Corpus

	mu         sync.Mutex
	categories []string
}

// graphReaderAdapter narrows graphstore.Store's richer Read signature to
// the shape this package's GraphReader interface expects, without this
// package importing graphstore directly (keeps the graph driver
// dependency out of adjudicator's own import graph for testability).
type graphReaderAdapter struct {
	read func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error)
}

// NewAdjudicator wires a live graphstore.Store's Read method in.
func NewAdjudicator(read func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error), provider llm.Provider, registry *llm.Registry, model, retailerName string, corpus *policydoc.Corpus) *Adjudicator {
	return &Adjudicator{
		graph:        &graphReaderAdapter{read: read},
		provider:     provider,
		registry:     registry,
		model:        model,
		retailerName: retailerName,
		corpus:       corpus,
	}
}

// FetchCategories lazily loads and caches every ProductCategory.name in
// the graph, matching the original's per-instance schema_cache.
func (a *Adjudicator) FetchCategories(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.categories != nil {
		return a.categories, nil
	}
	rows, err := a.graph.read(ctx, "MATCH (p:ProductCategory) RETURN p.name as name", nil)
	if err != nil {
		return nil, fmt.Errorf("adjudicator: fetch categories: %w", err)
	}
	var cats []string
	for _, r := range rows {
		if name, ok := r["name"].(string); ok && name != "" {
			cats = append(cats, name)
		}
	}
	a.categories = cats
	return cats, nil
}

// fuzzyMatchCategory mirrors the original's three-tier match: exact
// case-insensitive, substring either direction, then a similarity-ratio
// threshold of 0.6 computed from edit distance (agnivade/levenshtein
// standing in for difflib.SequenceMatcher).
func fuzzyMatchCategory(item string, valid []string) (string, bool) {
	if item == "" || len(valid) == 0 {
		return "", false
	}
	lower := strings.ToLower(strings.TrimSpace(item))
	for _, c := range valid {
		if strings.ToLower(c) == lower {
			return c, true
		}
	}
	for _, c := range valid {
		cl := strings.ToLower(c)
		if strings.Contains(lower, cl) || strings.Contains(cl, lower) {
			return c, true
		}
	}
	best, bestScore := "", 0.0
	for _, c := range valid {
		score := similarityRatio(lower, strings.ToLower(c))
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if bestScore >= 0.6 {
		return best, true
	}
	return "", false
}

func similarityRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// ClassifyCategory maps an order item to one of the graph's known
// ProductCategory names: fuzzy match on category then subcategory, LLM
// fallback, defaulting to "Most products" when nothing resolves — the
// out-of-set default named in §4.Q.3.
func (a *Adjudicator) ClassifyCategory(ctx context.Context, itemName, itemCategory, itemSubcategory string) (string, float64, error) {
	valid, err := a.FetchCategories(ctx)
	if err != nil {
		return "", 0, err
	}
	if len(valid) == 0 {
		return "Most products", 0, nil
	}
	if match, ok := fuzzyMatchCategory(itemCategory, valid); ok {
		return match, 1.0, nil
	}
	if match, ok := fuzzyMatchCategory(itemSubcategory, valid); ok {
		return match, 1.0, nil
	}

	release, err := a.registry.Acquire(ctx)
	if err != nil {
		return "Most products", 0, nil
	}
	defer release()

	prompt := fmt.Sprintf(
		"Map this item to ONE category from the list. Item name: %q, category: %q, subcategory: %q.\nValid categories: %s\nReturn exactly one category from the list and your confidence.",
		itemName, itemCategory, itemSubcategory, strings.Join(valid, ", "),
	)
	req := &llm.Request{
		Model:          a.model,
		ResponseSchema: categorySchema,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
	}
	resp, err := llm.GenerateWithRetry(ctx, a.provider, req, 3, llm.DefaultBaseDelay)
	if err != nil {
		return "Most products", 0, nil
	}
	var picked struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &picked); err != nil {
		return "Most products", 0, nil
	}
	if match, ok := fuzzyMatchCategory(picked.Category, valid); ok {
		return match, picked.Confidence, nil
	}
	return "Most products", picked.Confidence, nil
}

// ComputeDaysSinceDelivery applies §4.Q.1's fallback ladder: explicit
// return_request_date minus delivered_at, else today minus delivered_at,
// else sentinel 9999.
func ComputeDaysSinceDelivery(deliveredAt *time.Time, returnRequestDate *time.Time, now time.Time) int {
	if deliveredAt == nil {
		return 9999
	}
	if returnRequestDate != nil {
		return int(returnRequestDate.Sub(*deliveredAt).Hours() / 24)
	}
	return int(now.Sub(*deliveredAt).Hours() / 24)
}

// traversalQuery is the single parameterized 3-hop Cypher of §4.Q.4.
const traversalQuery = `
MATCH (pc:ProductCategory {name:$cat})
OPTIONAL MATCH (pc)-[r1]->(h1)
OPTIONAL MATCH (h1)-[r2]->(h2)
OPTIONAL MATCH (h2)-[r3]->(h3)
RETURN pc, type(r1) as r1_type, h1, type(r2) as r2_type, h2, type(r3) as r3_type, h3`

// TraversalResult groups hop1 nodes by relationship type per §4.Q.4, with
// hop2/hop3 enrichments folded in by node identity, plus the union of
// every source_citation encountered.
type TraversalResult struct {
	Windows            []map[string]interface{}
	Fees               []map[string]interface{}
	Restrictions       []map[string]interface{}
	RequiredConditions []map[string]interface{}
	ExcludedMethods    []map[string]interface{}
	Citations          []string
}

// Traverse runs the 3-hop query and groups the results. Hop2 relationship
// context (membership tiers on windows, fee waivers/regional exemptions,
// restriction triggers) is folded into the owning hop1 node's props under
// §4.Q.4's named buckets, so the profile handed to Reason carries the full
// traversal rather than just hop1 identities plus a citation union.
func (a *Adjudicator) Traverse(ctx context.Context, category string) (*TraversalResult, error) {
	rows, err := a.graph.read(ctx, traversalQuery, map[string]interface{}{"cat": category})
	if err != nil {
		return nil, fmt.Errorf("adjudicator: traverse: %w", err)
	}

	result := &TraversalResult{}
	citations := make(map[string]bool)
	seen := make(map[string]bool)
	h1Props := make(map[string]map[string]interface{})

	addNode := func(bucket *[]map[string]interface{}, n neo4j.Node) map[string]interface{} {
		key := fmt.Sprintf("%v", n.ElementId)
		if seen[key] {
			return h1Props[key]
		}
		seen[key] = true
		*bucket = append(*bucket, n.Props)
		if c, ok := n.Props["source_citation"].(string); ok && c != "" {
			citations[c] = true
		}
		h1Props[key] = n.Props
		return n.Props
	}

	for _, row := range rows {
		r1Type, _ := row["r1_type"].(string)
		h1, h1ok := row["h1"].(neo4j.Node)
		var owner map[string]interface{}
		if h1ok {
			switch r1Type {
			case "HAS_RETURN_WINDOW":
				owner = addNode(&result.Windows, h1)
			case "SUBJECT_TO_FEE":
				owner = addNode(&result.Fees, h1)
			case "HAS_RESTRICTION":
				owner = addNode(&result.Restrictions, h1)
			case "REQUIRES_CONDITION":
				owner = addNode(&result.RequiredConditions, h1)
			case "EXCLUDES_METHOD":
				owner = addNode(&result.ExcludedMethods, h1)
			}
		}
		r2Type, _ := row["r2_type"].(string)
		if h2, ok := row["h2"].(neo4j.Node); ok {
			if c, ok := h2.Props["source_citation"].(string); ok && c != "" {
				citations[c] = true
			}
			if owner != nil {
				attachHop2Context(owner, r2Type, h2.Props)
			}
		}
		if h3, ok := row["h3"].(neo4j.Node); ok {
			if c, ok := h3.Props["source_citation"].(string); ok && c != "" {
				citations[c] = true
			}
		}
	}

	for c := range citations {
		result.Citations = append(result.Citations, c)
	}
	return result, nil
}

// attachHop2Context folds one hop2 relationship into its owning hop1
// node's props, per §4.Q.4: windows gain membership tiers, fees gain
// waiver conditions and regional exemptions, restrictions gain triggers.
// Deduped by node name so repeated rows for the same hop1/hop2 pair don't
// pile up duplicate entries.
func attachHop2Context(owner map[string]interface{}, r2Type string, h2Props map[string]interface{}) {
	var field string
	switch r2Type {
	case "APPLIES_TO_MEMBERSHIP":
		field = "membership_tiers"
	case "WAIVED_IF":
		field = "waivers"
	case "EXEMPT_IN_REGION":
		field = "regional_exemptions"
	case "TRIGGERED_BY_CONDITION":
		field = "triggers"
	default:
		return
	}
	existing, _ := owner[field].([]map[string]interface{})
	name := fmt.Sprintf("%v", h2Props["name"])
	for _, e := range existing {
		if fmt.Sprintf("%v", e["name"]) == name {
			return
		}
	}
	owner[field] = append(existing, h2Props)
}

// RetrieveSourceText resolves every citation in the traversal against the
// compiled policy corpus, joining the resolved spans into one
// prompt-ready block, per §4.Q.5.
func (a *Adjudicator) RetrieveSourceText(citations []string) string {
	if a.corpus == nil {
		return ""
	}
	var sb strings.Builder
	for _, raw := range citations {
		cit, err := policydoc.ParseCitation(raw)
		if err != nil {
			continue
		}
		text, err := a.corpus.Resolve(cit, 5)
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("--- %s ---\n%s\n\n", raw, text))
	}
	return sb.String()
}

// Reason issues the §4.Q.6 reasoning call: one structured-JSON LLM call
// given the policy profile, source text, and customer context.
func (a *Adjudicator) Reason(ctx context.Context, adjCtx Context, traversal *TraversalResult, sourceText string) (*Decision, error) {
	release, err := a.registry.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	profile, _ := json.MarshalIndent(map[string]interface{}{
		"windows":             traversal.Windows,
		"fees":                traversal.Fees,
		"restrictions":        traversal.Restrictions,
		"required_conditions": traversal.RequiredConditions,
		"excluded_methods":    traversal.ExcludedMethods,
	}, "", "  ")

	system := fmt.Sprintf("You are a return-policy decision engine for %s. APPROVED if within the applicable return window for the member tier and no blocking restrictions apply; DENIED if outside the window or a final-sale category triggers; MANUAL_REVIEW for ambiguous evidence. Cite specific rules in your reasoning.", a.retailerName)
	prompt := fmt.Sprintf(
		"CUSTOMER CONTEXT:\n%s\n\nPOLICY PROFILE:\n%s\n\nSOURCE TEXT:\n%s\n\nDecide and cite.",
		mustJSON(adjCtx), string(profile), sourceText,
	)

	req := &llm.Request{
		Model:           a.model,
		System:          system,
		ResponseSchema:  reasoningSchema,
		ReasoningEffort: "high",
		Messages:        []llm.Message{{Role: "user", Content: prompt}},
	}
	resp, err := llm.GenerateWithRetry(ctx, a.provider, req, llm.DefaultMaxRetries, llm.DefaultBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("adjudicator: reasoning call: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal([]byte(resp.Text), &decision); err != nil {
		return nil, fmt.Errorf("adjudicator: parse reasoning response: %w", err)
	}
	return &decision, nil
}

// Explain issues the §4.Q.7 customer-facing explanation call; on error it
// falls back to the raw reasoning text, which is never shown to the
// customer as-is in normal operation but keeps the pipeline from
// stalling.
func (a *Adjudicator) Explain(ctx context.Context, decision *Decision) string {
	release, err := a.registry.Acquire(ctx)
	if err != nil {
		return decision.Reasoning
	}
	defer release()

	prompt := fmt.Sprintf(
		"Write a 2-3 sentence empathetic customer-facing summary of this return decision. Decision: %s. Reasoning: %s.",
		decision.Decision, decision.Reasoning,
	)
	req := &llm.Request{Model: a.model, Messages: []llm.Message{{Role: "user", Content: prompt}}}
	resp, err := llm.GenerateWithRetry(ctx, a.provider, req, 3, llm.DefaultBaseDelay)
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return decision.Reasoning
	}
	return resp.Text
}

// Adjudicate runs the full §4.Q pipeline end to end.
func (a *Adjudicator) Adjudicate(ctx context.Context, adjCtx Context, itemName, itemCategory, itemSubcategory string) (*Decision, error) {
	category, _, err := a.ClassifyCategory(ctx, itemName, itemCategory, itemSubcategory)
	if err != nil {
		return nil, err
	}
	traversal, err := a.Traverse(ctx, category)
	if err != nil {
		return nil, err
	}
	sourceText := a.RetrieveSourceText(traversal.Citations)

	decision, err := a.Reason(ctx, adjCtx, traversal, sourceText)
	if err != nil {
		return nil, err
	}
	decision.CustomerExplanation = a.Explain(ctx, decision)
	return decision, nil
}

func mustJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

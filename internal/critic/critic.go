// Package critic is the offline policy-compiler critic (component U): a
// deterministic local pass over the schema and Cypher statements,
// followed by a single structured LLM validation call when the local
// issues aren't already disqualifying. Grounded on
// original_source/policy_compiler_agents/critic_agent.py's
// perform_local_validation and validate_artifacts.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/ontology"
)

const systemPrompt = `You are a Quality Assurance Specialist for knowledge graph construction.
Validate this Neo4j schema and Cypher extraction for a retail return
policy knowledge graph: schema correctness, Cypher correctness, coverage
of membership tiers/return windows/restocking fees/non-returnable items,
and source_citation presence. Be thorough but practical — minor warnings
should not block approval. Output JSON only.`

// LocalIssue is one deterministic finding from the pre-LLM pass.
type LocalIssue struct {
	Type           string `json:"type"` // "schema" | "cypher"
	Issue          string `json:"issue"`
	Severity       string `json:"severity"` // "error" | "warning"
	StatementIndex int    `json:"statement_index,omitempty"`
}

// Report is the critic's full output, per §4.U's schema.
type Report struct {
	ValidationStatus   string       `json:"validation_status"` // "approved" | "needs_revision"
	SchemaIssues       []IssueEntry `json:"schema_issues"`
	CypherIssues       []IssueEntry `json:"cypher_issues"`
	CoverageIssues     []IssueEntry `json:"coverage_issues"`
	Summary            string       `json:"summary"`
	ConfidenceScore    float64      `json:"confidence_score"`
	LocalIssues        []LocalIssue `json:"local_validation_issues,omitempty"`
}

// IssueEntry is one reported issue, shaped loosely to accommodate the
// three differently-keyed issue arrays the schema allows.
type IssueEntry struct {
	Issue          string `json:"issue,omitempty"`
	Missing        string `json:"missing,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	Severity       string `json:"severity,omitempty"`
	Fix            string `json:"fix,omitempty"`
	StatementIndex int    `json:"statement_index,omitempty"`
}

var reportSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"validation_status": {"type": "string", "enum": ["approved", "needs_revision"]},
		"schema_issues": {"type": "array", "items": {"type": "object"}},
		"cypher_issues": {"type": "array", "items": {"type": "object"}},
		"coverage_issues": {"type": "array", "items": {"type": "object"}},
		"summary": {"type": "string"},
		"confidence_score": {"type": "number"}
	},
	"required": ["validation_status", "summary", "confidence_score"]
}`)

var mergeNodePattern = regexp.MustCompile(`(?i)^MERGE\s*\(`)

// PerformLocalValidation runs the deterministic checks: every node type
// declares source_citation, and every Cypher statement is free of the
// "==" typo and (for node-creating MERGE statements) stamps
// source_citation.
func PerformLocalValidation(schema *ontology.Schema, cypherStatements []string) []LocalIssue {
	var issues []LocalIssue

	for _, node := range schema.Nodes {
		hasCitation := false
		for _, p := range node.Properties {
			if p.Name == "source_citation" {
				hasCitation = true
				break
			}
		}
		if !hasCitation {
			issues = append(issues, LocalIssue{
				Type:     "schema",
				Issue:    fmt.Sprintf("Node %q missing source_citation", node.Label),
				Severity: "error",
			})
		}
	}

	for i, stmt := range cypherStatements {
		if strings.Contains(stmt, "==") {
			issues = append(issues, LocalIssue{
				Type:           "cypher",
				Issue:          fmt.Sprintf("Statement %d uses '==' instead of '='", i),
				Severity:       "error",
				StatementIndex: i,
			})
		}
		if !strings.Contains(strings.ToLower(stmt), "source_citation") && mergeNodePattern.MatchString(stmt) {
			issues = append(issues, LocalIssue{
				Type:           "cypher",
				Issue:          fmt.Sprintf("Statement %d might be missing source_citation", i),
				Severity:       "warning",
				StatementIndex: i,
			})
		}
	}

	return issues
}

// Critic runs the local pass then the single LLM validation call.
type Critic struct {
	provider llm.Provider
	registry *llm.Registry
	model    string
}

func NewCritic(provider llm.Provider, registry *llm.Registry, model string) *Critic {
	return &Critic{provider: provider, registry: registry, model: model}
}

// errorCountThreshold mirrors the original's "more than 3 critical local
// issues" early-exit.
const errorCountThreshold = 3

// Validate performs the local pass; if critical local issues exceed the
// threshold it returns needs_revision without calling the LLM, otherwise
// it issues the structured validation call and merges local issues in.
func (c *Critic) Validate(ctx context.Context, schema *ontology.Schema, cypherStatements []string) (*Report, error) {
	local := PerformLocalValidation(schema, cypherStatements)

	criticalCount := 0
	for _, issue := range local {
		if issue.Severity == "error" {
			criticalCount++
		}
	}
	if criticalCount > errorCountThreshold {
		return &Report{
			ValidationStatus: "needs_revision",
			Summary:          "Multiple critical issues found in local validation",
			ConfidenceScore:  0.3,
			LocalIssues:      local,
		}, nil
	}

	release, err := c.registry.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	limit := len(cypherStatements)
	if limit > 50 {
		limit = 50
	}
	cypherJSON, _ := json.MarshalIndent(cypherStatements[:limit], "", "  ")

	prompt := fmt.Sprintf("SCHEMA:\n%s\n\nCYPHER STATEMENTS (first 50):\n%s\n\nPerform comprehensive validation and provide your assessment.", schemaJSON, cypherJSON)
	req := &llm.Request{
		Model:           c.model,
		System:          systemPrompt,
		ResponseSchema:  reportSchema,
		ReasoningEffort: "high",
		Messages:        []llm.Message{{Role: "user", Content: prompt}},
	}
	resp, err := llm.GenerateWithRetry(ctx, c.provider, req, llm.DefaultMaxRetries, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("critic: validation call: %w", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(resp.Text), &report); err != nil {
		return &Report{ValidationStatus: "needs_revision", Summary: "Could not parse validation response"}, nil
	}
	report.LocalIssues = local
	return &report, nil
}

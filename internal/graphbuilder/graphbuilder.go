// Package graphbuilder is the offline graph builder (component V): it
// tests connectivity with retry, optionally clears the graph, derives
// constraints/indexes from the ontology schema, executes the extractor's
// Cypher statements one by one, and verifies the result with summary
// queries. Grounded on
// original_source/policy_compiler_agents/builder_agent.py's
// create_schema_constraints / clear_existing_graph /
// execute_cypher_batch / verify_graph / build_graph.
package graphbuilder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caseflow/caseflow/internal/ontology"
)

// GraphClient is the narrow subset of graphstore.Store the builder
// needs, kept as an interface so tests can supply an in-memory fake.
type GraphClient interface {
	Read(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error)
	Write(ctx context.Context, cypher string, params map[string]interface{}) error
}

const clearBatchSize = 10000

var uniqueConstraintPattern = regexp.MustCompile(`(?i)UNIQUE\((\w+)\)`)

// ConstraintResult is one constraint/index creation attempt's outcome.
type ConstraintResult struct {
	Query  string `json:"query"`
	Status string `json:"status"` // "success" | "already_exists" | "error"
	Error  string `json:"error,omitempty"`
}

// ExecutionResult summarizes a Cypher-batch execution run.
type ExecutionResult struct {
	TotalStatements int              `json:"total_statements"`
	Successful      int              `json:"successful"`
	Failed          int              `json:"failed"`
	Errors          []StatementError `json:"errors"`
}

// StatementError records one failed statement, truncated for the log.
type StatementError struct {
	Index     int    `json:"index"`
	Error     string `json:"error"`
	Statement string `json:"statement"`
}

// Verification is the post-build graph summary.
type Verification struct {
	TotalNodes           int            `json:"total_nodes"`
	NodesByLabel         map[string]int `json:"nodes_by_label"`
	RelationshipsByType  map[string]int `json:"relationships_by_type"`
	NodesWithCitations   int            `json:"nodes_with_citations"`
}

// BuildResult is the full build log artifact of §4.V.
type BuildResult struct {
	Status       string             `json:"status"` // "success" | "partial_success" | "failed"
	Constraints  []ConstraintResult `json:"constraints,omitempty"`
	Execution    ExecutionResult    `json:"execution"`
	Verification Verification       `json:"verification"`
}

// Builder drives the graph-construction pipeline against a GraphClient.
type Builder struct {
	graph GraphClient
}

func NewBuilder(graph GraphClient) *Builder {
	return &Builder{graph: graph}
}

// TestConnection retries a trivial read up to 3 times with exponential
// backoff capped at 10s per step, to absorb cold-start wake-ups of
// managed graph stores.
func (b *Builder) TestConnection(ctx context.Context) error {
	delay := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, err := b.graph.Read(ctx, "RETURN 1 AS ok", nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == 2 {
			break
		}
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("graphbuilder: connection test failed after retries: %w", lastErr)
}

// ClearGraph deletes every relationship then every node, in clearBatchSize
// row batches so a large graph doesn't exceed a single transaction.
func (b *Builder) ClearGraph(ctx context.Context) error {
	for {
		count, err := b.deleteBatch(ctx, fmt.Sprintf("MATCH ()-[r]->() WITH r LIMIT %d DELETE r RETURN count(r) AS deleted", clearBatchSize))
		if err != nil {
			return fmt.Errorf("graphbuilder: clear relationships: %w", err)
		}
		if count == 0 {
			break
		}
	}
	for {
		count, err := b.deleteBatch(ctx, fmt.Sprintf("MATCH (n) WITH n LIMIT %d DELETE n RETURN count(n) AS deleted", clearBatchSize))
		if err != nil {
			return fmt.Errorf("graphbuilder: clear nodes: %w", err)
		}
		if count == 0 {
			break
		}
	}
	return nil
}

func (b *Builder) deleteBatch(ctx context.Context, cypher string) (int, error) {
	rows, err := b.graph.Read(ctx, cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	count, _ := rows[0]["deleted"].(int64)
	return int(count), nil
}

// CreateConstraints derives UNIQUE constraints from the schema's
// constraints arrays and always adds a source_citation index per label.
func (b *Builder) CreateConstraints(ctx context.Context, schema *ontology.Schema) []ConstraintResult {
	var statements []string
	for _, node := range schema.Nodes {
		if node.Label == "" {
			continue
		}
		for _, constraint := range node.Constraints {
			if m := uniqueConstraintPattern.FindStringSubmatch(constraint); m != nil {
				prop := m[1]
				statements = append(statements, fmt.Sprintf(
					"CREATE CONSTRAINT %s_%s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
					strings.ToLower(node.Label), prop, node.Label, prop,
				))
			}
		}
		statements = append(statements, fmt.Sprintf(
			"CREATE INDEX %s_citation IF NOT EXISTS FOR (n:%s) ON (n.source_citation)",
			strings.ToLower(node.Label), node.Label,
		))
	}

	var results []ConstraintResult
	for _, stmt := range statements {
		err := b.graph.Write(ctx, stmt, nil)
		result := ConstraintResult{Query: truncate(stmt, 60)}
		switch {
		case err == nil:
			result.Status = "success"
		case strings.Contains(strings.ToLower(err.Error()), "already exists"), strings.Contains(strings.ToLower(err.Error()), "equivalent"):
			result.Status = "already_exists"
		default:
			result.Status = "error"
			result.Error = truncate(err.Error(), 100)
		}
		results = append(results, result)
	}
	return results
}

// ExecuteCypherBatch runs every statement individually (not inside one
// transaction, so one bad MERGE doesn't roll back the whole graph),
// accumulating the first 10 errors.
func (b *Builder) ExecuteCypherBatch(ctx context.Context, statements []string) ExecutionResult {
	result := ExecutionResult{TotalStatements: len(statements)}
	for i, stmt := range statements {
		err := b.graph.Write(ctx, stmt, nil)
		if err != nil {
			result.Failed++
			if len(result.Errors) < 10 {
				result.Errors = append(result.Errors, StatementError{
					Index:     i,
					Error:     truncate(err.Error(), 200),
					Statement: truncate(stmt, 100),
				})
			}
			continue
		}
		result.Successful++
	}
	return result
}

// VerifyGraph runs the summary queries used to assess build health.
func (b *Builder) VerifyGraph(ctx context.Context) (Verification, error) {
	var v Verification
	v.NodesByLabel = make(map[string]int)
	v.RelationshipsByType = make(map[string]int)

	labelRows, err := b.graph.Read(ctx, "MATCH (n) UNWIND labels(n) AS label RETURN label, count(*) AS count", nil)
	if err != nil {
		return v, fmt.Errorf("graphbuilder: label counts: %w", err)
	}
	for _, row := range labelRows {
		label, _ := row["label"].(string)
		count, _ := row["count"].(int64)
		v.NodesByLabel[label] = int(count)
	}

	relRows, err := b.graph.Read(ctx, "MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count", nil)
	if err != nil {
		return v, fmt.Errorf("graphbuilder: relationship counts: %w", err)
	}
	for _, row := range relRows {
		relType, _ := row["type"].(string)
		count, _ := row["count"].(int64)
		v.RelationshipsByType[relType] = int(count)
	}

	citationRows, err := b.graph.Read(ctx, "MATCH (n) WHERE n.source_citation IS NOT NULL RETURN count(n) AS with_citation", nil)
	if err != nil {
		return v, fmt.Errorf("graphbuilder: citation count: %w", err)
	}
	if len(citationRows) > 0 {
		count, _ := citationRows[0]["with_citation"].(int64)
		v.NodesWithCitations = int(count)
	}

	totalRows, err := b.graph.Read(ctx, "MATCH (n) RETURN count(n) AS count", nil)
	if err != nil {
		return v, fmt.Errorf("graphbuilder: total node count: %w", err)
	}
	if len(totalRows) > 0 {
		count, _ := totalRows[0]["count"].(int64)
		v.TotalNodes = int(count)
	}

	return v, nil
}

// Build runs the full §4.V pipeline end to end.
func (b *Builder) Build(ctx context.Context, schema *ontology.Schema, statements []string, clearExisting bool) (*BuildResult, error) {
	if err := b.TestConnection(ctx); err != nil {
		return nil, err
	}

	result := &BuildResult{}
	if clearExisting {
		if err := b.ClearGraph(ctx); err != nil {
			return nil, err
		}
	}
	result.Constraints = b.CreateConstraints(ctx, schema)
	result.Execution = b.ExecuteCypherBatch(ctx, statements)

	verification, err := b.VerifyGraph(ctx)
	if err != nil {
		return nil, err
	}
	result.Verification = verification

	switch {
	case result.Execution.Failed == 0 && verification.TotalNodes > 0:
		result.Status = "success"
	case result.Execution.Successful > 0 && verification.TotalNodes > 0:
		result.Status = "partial_success"
	default:
		result.Status = "failed"
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package ontology is the offline ontology designer (component S): one
// structured LLM call analyzes the combined policy markdown and proposes
// a Neo4j node/relationship schema, then validates referential integrity
// before the triplet extractor is allowed to use it. Grounded on
// original_source/policy_compiler_agents/ontology_agent.py's
// design_ontology, including its system prompt's domain example and
// post-generation validation phase.
package ontology

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caseflow/caseflow/internal/llm"
)

const systemPrompt = `You are a Neo4j Schema Designer for retail policy documents.

CRITICAL RULES:
1. Every node MUST have a 'name' property (string, required) in addition to 'source_citation'.
2. Use PascalCase for node labels (e.g., ReturnRule), UPPER_SNAKE_CASE for relationships (e.g., HAS_RETURN_RULE).
3. Model conditional logic with explicit condition nodes linked via REQUIRES or EXCLUDES relationships.
4. Include constraint types where appropriate (UNIQUE, NOT NULL).
5. The from_label and to_label in relationships MUST EXACTLY MATCH a label defined in the nodes array.

Do not create nodes for generic concepts: Policy, Document, Company, Website, Customer, Section, Page.

Output JSON only, no additional text.`

// Property is one node-type field in the proposed schema.
type Property struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// NodeType is one proposed Neo4j label.
type NodeType struct {
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Properties  []Property `json:"properties"`
	Constraints []string   `json:"constraints,omitempty"`
}

// RelationshipType is one proposed Neo4j relationship type between two
// node labels.
type RelationshipType struct {
	Type        string `json:"type"`
	FromLabel   string `json:"from_label"`
	ToLabel     string `json:"to_label"`
	Description string `json:"description"`
	Cardinality string `json:"cardinality,omitempty"`
}

// Schema is the full proposed ontology.
type Schema struct {
	Nodes           []NodeType         `json:"nodes"`
	Relationships   []RelationshipType `json:"relationships"`
	DesignRationale string             `json:"design_rationale"`
}

var schemaResponseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"label": {"type": "string"},
					"description": {"type": "string"},
					"properties": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"name": {"type": "string"},
								"type": {"type": "string"},
								"required": {"type": "boolean"},
								"description": {"type": "string"}
							}
						}
					},
					"constraints": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"relationships": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string"},
					"from_label": {"type": "string"},
					"to_label": {"type": "string"},
					"description": {"type": "string"},
					"cardinality": {"type": "string"}
				}
			}
		},
		"design_rationale": {"type": "string"}
	},
	"required": ["nodes", "relationships"]
}`)

// Designer issues the single schema-design LLM call.
type Designer struct {
	provider llm.Provider
	registry *llm.Registry
	model    string
}

func NewDesigner(provider llm.Provider, registry *llm.Registry, model string) *Designer {
	return &Designer{provider: provider, registry: registry, model: model}
}

// Design analyzes policyMarkdown and returns a validated schema: every
// node gets a source_citation property stamped in if the model omitted
// one, and every relationship's endpoints are checked against the
// declared node labels.
func (d *Designer) Design(ctx context.Context, policyMarkdown string) (*Schema, error) {
	release, err := d.registry.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	prompt := fmt.Sprintf(
		"Analyze this retail return policy document and design a comprehensive Neo4j knowledge graph schema.\n\nPOLICY DOCUMENT:\n%s\n\nFocus on capturing: product categories, return rules with time windows, membership tier overrides, restocking fees, non-returnable items, and special conditions (opened, defective, etc.). Every node type MUST include source_citation property.",
		policyMarkdown,
	)
	req := &llm.Request{
		Model:          d.model,
		System:         systemPrompt,
		ResponseSchema: schemaResponseSchema,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
	}
	resp, err := llm.GenerateWithRetry(ctx, d.provider, req, llm.DefaultMaxRetries, llm.DefaultBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("ontology: design call: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal([]byte(resp.Text), &schema); err != nil {
		return nil, fmt.Errorf("ontology: parse schema response: %w", err)
	}
	if err := Validate(&schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// Validate checks structural integrity and backfills a missing
// source_citation property on every node, mirroring the original's
// validation phase.
func Validate(schema *Schema) error {
	if schema.Nodes == nil {
		return fmt.Errorf("ontology: schema has no nodes")
	}
	if schema.Relationships == nil {
		schema.Relationships = []RelationshipType{}
	}

	for i := range schema.Nodes {
		hasCitation := false
		for _, p := range schema.Nodes[i].Properties {
			if p.Name == "source_citation" {
				hasCitation = true
				break
			}
		}
		if !hasCitation {
			schema.Nodes[i].Properties = append(schema.Nodes[i].Properties, Property{
				Name:        "source_citation",
				Type:        "string",
				Required:    true,
				Description: "Reference to source section in policy document",
			})
		}
	}

	labels := make(map[string]bool, len(schema.Nodes))
	for _, n := range schema.Nodes {
		labels[n.Label] = true
	}
	for _, rel := range schema.Relationships {
		if !labels[rel.FromLabel] {
			return fmt.Errorf("ontology: relationship %q references undefined source node %q", rel.Type, rel.FromLabel)
		}
		if !labels[rel.ToLabel] {
			return fmt.Errorf("ontology: relationship %q references undefined target node %q", rel.Type, rel.ToLabel)
		}
	}
	return nil
}

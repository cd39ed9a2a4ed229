package adjudicator

import (
	"context"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/policydoc"
)

func TestNormalizeConditionExactHit(t *testing.T) {
	mapped, exact := NormalizeCondition("DAMAGED_DEFECTIVE")
	require.True(t, exact)
	require.Equal(t, "Damaged, defective, or incorrect", mapped)
}

func TestNormalizeConditionUnknownMisses(t *testing.T) {
	_, exact := NormalizeCondition("SOMETHING_ELSE")
	require.False(t, exact)
}

func TestFuzzyMatchCategoryExactCaseInsensitive(t *testing.T) {
	match, ok := fuzzyMatchCategory("electronics", []string{"Electronics", "Apparel"})
	require.True(t, ok)
	require.Equal(t, "Electronics", match)
}

func TestFuzzyMatchCategorySubstring(t *testing.T) {
	match, ok := fuzzyMatchCategory("Women's Apparel", []string{"Apparel", "Electronics"})
	require.True(t, ok)
	require.Equal(t, "Apparel", match)
}

func TestFuzzyMatchCategoryRatioFallback(t *testing.T) {
	match, ok := fuzzyMatchCategory("Electronix", []string{"Electronics", "Furniture"})
	require.True(t, ok)
	require.Equal(t, "Electronics", match)
}

func TestFuzzyMatchCategoryNoMatch(t *testing.T) {
	_, ok := fuzzyMatchCategory("Completely Unrelated Thing", []string{"Electronics", "Furniture"})
	require.False(t, ok)
}

type fakeProvider struct {
	text string
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: p.text}, nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func newTestAdjudicator(read func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error), providerText string) *Adjudicator {
	return NewAdjudicator(read, &fakeProvider{text: providerText}, llm.NewRegistry(2), "test-model", "Acme", &policydoc.Corpus{})
}

func TestClassifyCategoryFuzzyMatchesWithoutLLMCall(t *testing.T) {
	calls := 0
	read := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		calls++
		return []map[string]interface{}{{"name": "Electronics"}, {"name": "Apparel"}}, nil
	}
	a := newTestAdjudicator(read, `{"category":"should not be called"}`)
	category, _, err := a.ClassifyCategory(context.Background(), "Bluetooth Speaker", "Electronics", "Audio")
	require.NoError(t, err)
	require.Equal(t, "Electronics", category)
	require.Equal(t, 1, calls, "categories should be fetched once and cached")
}

func TestClassifyCategoryFallsBackToLLM(t *testing.T) {
	read := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		return []map[string]interface{}{{"name": "Electronics"}, {"name": "Furniture"}}, nil
	}
	a := newTestAdjudicator(read, `{"category":"Furniture","confidence":0.8}`)
	category, confidence, err := a.ClassifyCategory(context.Background(), "Recliner Chair", "Home Goods", "Seating")
	require.NoError(t, err)
	require.Equal(t, "Furniture", category)
	require.Equal(t, 0.8, confidence)
}

func TestClassifyCategoryDefaultsWhenGraphEmpty(t *testing.T) {
	read := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		return nil, nil
	}
	a := newTestAdjudicator(read, `{}`)
	category, _, err := a.ClassifyCategory(context.Background(), "Widget", "Misc", "")
	require.NoError(t, err)
	require.Equal(t, "Most products", category)
}

func TestTraverseGroupsHopsByRelationshipType(t *testing.T) {
	windowNode := neo4j.Node{ElementId: "n1", Props: map[string]interface{}{"days": int64(30), "source_citation": "policy.pdf:page1:line5"}}
	feeNode := neo4j.Node{ElementId: "n2", Props: map[string]interface{}{"name": "restocking", "source_citation": "policy.pdf:page2:line9"}}
	read := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		require.Equal(t, "Electronics", params["cat"])
		return []map[string]interface{}{
			{"r1_type": "HAS_RETURN_WINDOW", "h1": windowNode, "h2": nil, "h3": nil},
			{"r1_type": "SUBJECT_TO_FEE", "h1": feeNode, "h2": nil, "h3": nil},
		}, nil
	}
	a := newTestAdjudicator(read, "")
	result, err := a.Traverse(context.Background(), "Electronics")
	require.NoError(t, err)
	require.Len(t, result.Windows, 1)
	require.Len(t, result.Fees, 1)
	require.ElementsMatch(t, []string{"policy.pdf:page1:line5", "policy.pdf:page2:line9"}, result.Citations)
}

func TestTraverseDeduplicatesRepeatedNodes(t *testing.T) {
	windowNode := neo4j.Node{ElementId: "n1", Props: map[string]interface{}{"days": int64(30)}}
	read := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		return []map[string]interface{}{
			{"r1_type": "HAS_RETURN_WINDOW", "h1": windowNode},
			{"r1_type": "HAS_RETURN_WINDOW", "h1": windowNode},
		}, nil
	}
	a := newTestAdjudicator(read, "")
	result, err := a.Traverse(context.Background(), "Electronics")
	require.NoError(t, err)
	require.Len(t, result.Windows, 1)
}

func TestReasonParsesDecisionResponse(t *testing.T) {
	read := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		return nil, nil
	}
	a := newTestAdjudicator(read, `{"decision":"APPROVED","reasoning":"within window","policy_citations":["policy.pdf:page1:line1"]}`)
	decision, err := a.Reason(context.Background(), Context{OrderID: "o1"}, &TraversalResult{}, "")
	require.NoError(t, err)
	require.Equal(t, "APPROVED", decision.Decision)
	require.Equal(t, "within window", decision.Reasoning)
}

func TestComputeDaysSinceDeliveryFallsBackToSentinel(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 9999, ComputeDaysSinceDelivery(nil, nil, now))
}

func TestComputeDaysSinceDeliveryUsesReturnRequestDate(t *testing.T) {
	delivered, _ := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	requested, _ := time.Parse(time.RFC3339, "2026-01-20T00:00:00Z")
	now, _ := time.Parse(time.RFC3339, "2026-02-10T00:00:00Z")
	require.Equal(t, 19, ComputeDaysSinceDelivery(&delivered, &requested, now))
}

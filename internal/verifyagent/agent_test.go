package verifyagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/mcpserver"
)

type fakeTools struct {
	tools []mcpserver.Tool
	calls []string
}

func (f *fakeTools) ListTools(ctx context.Context) ([]mcpserver.Tool, error) { return f.tools, nil }
func (f *fakeTools) CallTool(ctx context.Context, name string, args interface{}) (string, bool, error) {
	f.calls = append(f.calls, name)
	switch name {
	case "verify_from_email_matches_customer":
		return `{"matched": true, "customer": {"customer_id": "c1"}}`, false, nil
	case "find_order_by_order_invoice_id":
		return `{"found": true, "data": {"order_id": "o1", "order_invoice_id": "INV-1"}}`, false, nil
	}
	return "", false, nil
}

type scriptedProvider struct {
	replies []string
	idx     int
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	r := p.replies[p.idx]
	if p.idx < len(p.replies)-1 {
		p.idx++
	}
	return &llm.Response{Text: r}, nil
}
func (p *scriptedProvider) HealthCheck(ctx context.Context) error { return nil }

func TestVerifyTerminatesWithVerifiedDataOnCleanMatch(t *testing.T) {
	tools := &fakeTools{tools: []mcpserver.Tool{
		{Name: "verify_from_email_matches_customer"},
		{Name: "find_order_by_order_invoice_id"},
	}}
	provider := &scriptedProvider{replies: []string{
		`{"tool_name":"verify_from_email_matches_customer","arguments":{"from_email":"a@example.com"}}`,
		`{"tool_name":"find_order_by_order_invoice_id","arguments":{"order_invoice_id":"INV-1","verification_email":"a@example.com"}}`,
		`{"action":"terminate","reason":"found it","verified_data":{"order_id":"o1"}}`,
	}}
	a := NewAgent(tools, provider, llm.NewRegistry(2), "")
	result, err := a.Verify(context.Background(), map[string]string{"customer_email": "a@example.com"})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "o1", result.VerifiedData["order_id"])
	require.Empty(t, result.FuzzyToolsUsed)
}

func TestVerifyTracksFuzzyToolUsage(t *testing.T) {
	tools := &fakeTools{tools: []mcpserver.Tool{{Name: "llm_find_orders"}}}
	provider := &scriptedProvider{replies: []string{
		`{"tool_name":"llm_find_orders","arguments":{"sql":"SELECT 1 FROM orders LIMIT $1","params":[1]}}`,
		`{"action":"terminate","reason":"done","verified_data":null}`,
	}}
	a := NewAgent(tools, provider, llm.NewRegistry(2), "")
	result, err := a.Verify(context.Background(), map[string]string{})
	require.NoError(t, err)
	require.Equal(t, []string{"llm_find_orders"}, result.FuzzyToolsUsed)
	require.Nil(t, result.VerifiedData)
}

func TestVerifyReturnsReasonOnTerminate(t *testing.T) {
	tools := &fakeTools{tools: []mcpserver.Tool{{Name: "verify_from_email_matches_customer"}}}
	provider := &scriptedProvider{replies: []string{
		`{"action":"terminate","reason":"Email verification mismatch: invoice belongs to another customer","verified_data":null}`,
	}}
	a := NewAgent(tools, provider, llm.NewRegistry(2), "")
	result, err := a.Verify(context.Background(), map[string]string{"customer_email": "mallory@example.com"})
	require.NoError(t, err)
	require.Contains(t, result.Reason, "Email verification mismatch")
}

func TestOverrideShortlistLimitForcesDeterministicSize(t *testing.T) {
	args := map[string]interface{}{"sql": "SELECT 1 FROM orders LIMIT $1", "params": []interface{}{999}}
	overrideShortlistLimit(args, false)
	require.Equal(t, 5, args["params"].([]interface{})[0])

	args = map[string]interface{}{"sql": "SELECT 1 FROM orders LIMIT $1", "params": []interface{}{999}}
	overrideShortlistLimit(args, true)
	require.Equal(t, 1, args["params"].([]interface{})[0])
}

func TestHasStrongIdentifierDetectsInvoiceFields(t *testing.T) {
	require.True(t, hasStrongIdentifier(map[string]string{"order_invoice_id": "INV-1"}))
	require.True(t, hasStrongIdentifier(map[string]string{"invoice_number": "A-1"}))
	require.False(t, hasStrongIdentifier(map[string]string{"customer_email": "a@example.com"}))
}

func TestVerifyOverridesLLMFindOrdersLimitDeterministically(t *testing.T) {
	tools := &fakeTools{tools: []mcpserver.Tool{{Name: "llm_find_orders"}}}
	toolCaller := &capturingTools{fakeTools: tools}
	provider := &scriptedProvider{replies: []string{
		`{"tool_name":"llm_find_orders","arguments":{"sql":"SELECT 1 FROM orders LIMIT $1","params":[500]}}`,
		`{"action":"terminate","reason":"done","verified_data":null}`,
	}}
	a := NewAgent(toolCaller, provider, llm.NewRegistry(2), "")
	_, err := a.Verify(context.Background(), map[string]string{"order_invoice_id": "INV-9"})
	require.NoError(t, err)
	m, ok := toolCaller.lastArgs.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 1, m["params"].([]interface{})[0])
}

type capturingTools struct {
	*fakeTools
	lastArgs interface{}
}

func (c *capturingTools) CallTool(ctx context.Context, name string, args interface{}) (string, bool, error) {
	c.lastArgs = args
	return c.fakeTools.CallTool(ctx, name, args)
}

func TestVerifyHandlesUnknownToolWithoutCrashing(t *testing.T) {
	tools := &fakeTools{tools: []mcpserver.Tool{{Name: "verify_from_email_matches_customer"}}}
	provider := &scriptedProvider{replies: []string{
		`{"tool_name":"nonexistent_tool","arguments":{}}`,
		`{"action":"terminate","reason":"gave up","verified_data":null}`,
	}}
	a := NewAgent(tools, provider, llm.NewRegistry(2), "")
	result, err := a.Verify(context.Background(), map[string]string{})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Empty(t, tools.calls)
}

func TestVerifyReturnsNilAfterMaxTurnsWithoutTerminate(t *testing.T) {
	replies := make([]string, MaxTurns)
	for i := range replies {
		replies[i] = `{"tool_name":"verify_from_email_matches_customer","arguments":{}}`
	}
	tools := &fakeTools{tools: []mcpserver.Tool{{Name: "verify_from_email_matches_customer"}}}
	provider := &scriptedProvider{replies: replies}
	a := NewAgent(tools, provider, llm.NewRegistry(2), "")
	result, err := a.Verify(context.Background(), map[string]string{})
	require.NoError(t, err)
	require.Nil(t, result)
}

package mcpserver

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runServer(t *testing.T, ts *ToolSet, requests []string) []Response {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	out := &bytes.Buffer{}
	s := &Server{name: "test", version: "0.1", tools: ts, in: in, out: out}
	require.NoError(t, s.Start())

	var responses []Response
	dec := json.NewDecoder(out)
	for dec.More() {
		var r Response
		require.NoError(t, dec.Decode(&r))
		responses = append(responses, r)
	}
	return responses
}

func TestUnknownToolReturnsFeedbackNotCrash(t *testing.T) {
	ts := NewToolSet()
	responses := runServer(t, ts, []string{
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"nonexistent","arguments":{}},"id":1}`,
	})
	require.Len(t, responses, 1)
	result, ok := responses[0].Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, result["isError"])
}

func TestToolsListReturnsRegisteredTools(t *testing.T) {
	ts := NewToolSet()
	ts.Register(Tool{Name: "ping"}, func(args json.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	})
	responses := runServer(t, ts, []string{`{"jsonrpc":"2.0","method":"tools/list","id":1}`})
	require.Len(t, responses, 1)
	result, ok := responses[0].Result.(map[string]interface{})
	require.True(t, ok)
	tools, ok := result["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
}

func TestToolsCallInvokesHandler(t *testing.T) {
	ts := NewToolSet()
	ts.Register(Tool{Name: "echo"}, func(args json.RawMessage) (interface{}, error) {
		var in struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(args, &in)
		return map[string]string{"echoed": in.Text}, nil
	})
	responses := runServer(t, ts, []string{
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}},"id":1}`,
	})
	require.Len(t, responses, 1)
	result, ok := responses[0].Result.(map[string]interface{})
	require.True(t, ok)
	content, ok := result["content"].([]interface{})
	require.True(t, ok)
	require.Len(t, content, 1)
}

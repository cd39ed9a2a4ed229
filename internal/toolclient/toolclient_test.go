package toolclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/mcpserver"
)

// newPipedClient wires a Client directly to in-memory pipes, bypassing
// exec.Command entirely, so the request-framing and response-correlation
// logic can be tested without spawning a real subprocess.
func newPipedClient(t *testing.T) (*Client, *bufio.Reader, io.Writer) {
	t.Helper()
	clientReadsFromUs, weWriteToClient := io.Pipe()
	weReadFromClient, clientWritesToUs := io.Pipe()

	c := &Client{
		name:    "test",
		stdin:   clientWritesToUs,
		stdout:  bufio.NewReader(clientReadsFromUs),
		log:     zerolog.Nop(),
		pending: make(map[int64]chan mcpserver.Response),
	}
	go c.readLoop()
	return c, bufio.NewReader(weReadFromClient), weWriteToClient
}

func TestToInt64Conversions(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int64
		ok   bool
	}{
		{float64(3), 3, true},
		{int64(7), 7, true},
		{int(9), 9, true},
		{"nope", 0, false},
	}
	for _, tc := range cases {
		got, ok := toInt64(tc.in)
		require.Equal(t, tc.ok, ok)
		if ok {
			require.Equal(t, tc.want, got)
		}
	}
}

func TestCallToolReturnsTextAndErrorFlag(t *testing.T) {
	c, readFromClient, writeToClient := newPipedClient(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		line, err := readFromClient.ReadBytes('\n')
		require.NoError(t, err)
		var req mcpserver.Request
		require.NoError(t, json.Unmarshal(line, &req))
		require.Equal(t, "tools/call", req.Method)

		resp := mcpserver.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: mcpserver.CallToolResult{
				Content: []mcpserver.ContentItem{{Type: "text", Text: "order not found"}},
				IsError: true,
			},
		}
		raw, err := json.Marshal(resp)
		require.NoError(t, err)
		_, err = writeToClient.Write(append(raw, '\n'))
		require.NoError(t, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	text, isError, err := c.CallTool(ctx, "llm_find_orders", map[string]interface{}{"sql": "SELECT 1"})
	require.NoError(t, err)
	require.True(t, isError)
	require.Equal(t, "order not found", text)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("server goroutine never observed the request")
	}
}

func TestCallToolPropagatesProtocolLevelError(t *testing.T) {
	c, readFromClient, writeToClient := newPipedClient(t)

	go func() {
		line, _ := readFromClient.ReadBytes('\n')
		var req mcpserver.Request
		_ = json.Unmarshal(line, &req)
		resp := mcpserver.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &mcpserver.RPCError{Code: -32602, Message: "invalid params"},
		}
		raw, _ := json.Marshal(resp)
		_, _ = writeToClient.Write(append(raw, '\n'))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.CallTool(ctx, "llm_find_orders", map[string]interface{}{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid params")
}

func TestCallContextCancellationUnblocksWaiter(t *testing.T) {
	c, _, _ := newPipedClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.CallTool(ctx, "slow_tool", map[string]interface{}{})
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("CallTool did not unblock on context cancellation")
	}
}

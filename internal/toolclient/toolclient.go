// Package toolclient is the tool client harness (component G): it
// launches each configured tool server (doc parser, defect vision, DB
// verification) as a subprocess over stdio and multiplexes JSON-RPC
// tools/call requests to them, matching
// original_source/mcp_processor/processor.py's server_configs/
// connect_to_all_servers, which launches each tool server with
// sys.executable and talks to it over stdin/stdout.
package toolclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/mcpserver"
)

// ServerConfig names one subprocess to launch and the arguments it needs,
// mirroring the original's per-server dict of {command, args}.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
}

// Client supervises one subprocess tool server's lifecycle and request/
// response correlation.
type Client struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	log    zerolog.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan mcpserver.Response
}

// Start launches the subprocess and performs the MCP initialize
// handshake.
func Start(ctx context.Context, cfg ServerConfig, log zerolog.Logger) (*Client, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("toolclient(%s): stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("toolclient(%s): stdout pipe: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("toolclient(%s): start: %w", cfg.Name, err)
	}

	c := &Client{
		name:    cfg.Name,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		log:     log,
		pending: make(map[int64]chan mcpserver.Response),
	}
	go c.readLoop()

	if _, err := c.call(ctx, "initialize", map[string]interface{}{}); err != nil {
		return nil, fmt.Errorf("toolclient(%s): initialize: %w", cfg.Name, err)
	}
	if err := c.notify("notifications/initialized", map[string]interface{}{}); err != nil {
		return nil, fmt.Errorf("toolclient(%s): initialized notification: %w", cfg.Name, err)
	}
	return c, nil
}

func (c *Client) readLoop() {
	for {
		line, err := c.stdout.ReadBytes('\n')
		if len(line) > 0 {
			var resp mcpserver.Response
			if err := json.Unmarshal(line, &resp); err == nil {
				c.dispatchResponse(resp)
			}
		}
		if err != nil {
			c.log.Warn().Err(err).Str("server", c.name).Msg("tool server stdout closed")
			return
		}
	}
}

func (c *Client) dispatchResponse(resp mcpserver.Response) {
	id, ok := toInt64(resp.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (mcpserver.Response, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return mcpserver.Response{}, err
	}
	req := mcpserver.Request{JSONRPC: "2.0", Method: method, Params: paramsRaw, ID: id}
	raw, err := json.Marshal(req)
	if err != nil {
		return mcpserver.Response{}, err
	}

	ch := make(chan mcpserver.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.mu.Lock()
	_, werr := c.stdin.Write(append(raw, '\n'))
	c.mu.Unlock()
	if werr != nil {
		return mcpserver.Response{}, fmt.Errorf("toolclient(%s): write request: %w", c.name, werr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return mcpserver.Response{}, ctx.Err()
	}
}

func (c *Client) notify(method string, params interface{}) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req := mcpserver.Request{JSONRPC: "2.0", Method: method, Params: paramsRaw}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.stdin.Write(append(raw, '\n'))
	return err
}

// ListTools returns the subprocess's advertised tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]mcpserver.Tool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []mcpserver.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool invokes a named tool and returns its result text (the
// concatenation of its content blocks) plus whether the subprocess
// flagged the call as an error — the caller (the verification agent
// loop) feeds error text back to the model rather than aborting.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (string, bool, error) {
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		return "", false, err
	}
	if resp.Error != nil {
		return "", true, fmt.Errorf("%s", resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return "", false, err
	}
	var result mcpserver.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, err
	}
	var text string
	for _, c := range result.Content {
		text += c.Text
	}
	return text, result.IsError, nil
}

func (c *Client) Close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

// Pool supervises every configured tool server for one case worker run.
type Pool struct {
	clients map[string]*Client
}

func StartPool(ctx context.Context, configs []ServerConfig, log zerolog.Logger) (*Pool, error) {
	pool := &Pool{clients: make(map[string]*Client, len(configs))}
	for _, cfg := range configs {
		client, err := Start(ctx, cfg, log)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("toolclient: start %s: %w", cfg.Name, err)
		}
		pool.clients[cfg.Name] = client
	}
	return pool, nil
}

func (p *Pool) Get(name string) (*Client, bool) {
	c, ok := p.clients[name]
	return c, ok
}

func (p *Pool) Close() {
	for _, c := range p.clients {
		_ = c.Close()
	}
}

package toolclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/internal/httpclient"
)

// DefaultSSEResponseTimeout bounds how long an SSE-style response is
// awaited.
const DefaultSSEResponseTimeout = 5 * time.Minute

// HTTPConfig configures the SSE and StreamableHTTP transports, both of
// which speak JSON-RPC 2.0 over plain HTTP(S).
type HTTPConfig struct {
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpClient is shared by the SSE and StreamableHTTP variants; the
// difference between them is only which Transport label the extension
// config carries and whether an mcp-session-id header is tracked across
// requests.
type httpClient struct {
	cfg       HTTPConfig
	streaming bool // true for streamable-http (tracks mcp-session-id)
	http      *httpclient.Client

	mu        sync.RWMutex
	sessionID string

	idSeq atomic.Int64

	notifyMu sync.Mutex
	notify   []chan Notification
}

// NewSSE constructs an SSE transport client.
func NewSSE(cfg HTTPConfig) Client { return newHTTPClient(cfg, false) }

// NewStreamableHTTP constructs a streamable-HTTP transport client, which
// differs from SSE by carrying an mcp-session-id across requests.
func NewStreamableHTTP(cfg HTTPConfig) Client { return newHTTPClient(cfg, true) }

func newHTTPClient(cfg HTTPConfig, streaming bool) *httpClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultSSEResponseTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &httpClient{
		cfg:       cfg,
		streaming: streaming,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

func (c *httpClient) Initialize(ctx context.Context, info ClientInfo) (ServerInfo, error) {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": info.Name, "version": info.Version},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return ServerInfo{}, err
	}

	var result struct {
		Instructions string `json:"instructions"`
		Capabilities struct {
			Resources json.RawMessage `json:"resources"`
			Prompts   json.RawMessage `json:"prompts"`
		} `json:"capabilities"`
	}
	_ = json.Unmarshal(resp, &result)
	return ServerInfo{
		Instructions:      result.Instructions,
		SupportsResources: len(result.Capabilities.Resources) > 0,
		SupportsPrompts:   len(result.Capabilities.Prompts) > 0,
	}, nil
}

func (c *httpClient) ListTools(ctx context.Context) ([]agent.Tool, error) {
	var out []agent.Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Tools []struct {
				Name        string         `json:"name"`
				Description string         `json:"description"`
				InputSchema map[string]any `json:"inputSchema"`
				Annotations struct {
					ReadOnlyHint bool `json:"readOnlyHint"`
				} `json:"annotations"`
			} `json:"tools"`
			NextCursor string `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, newErr(ErrProtocol, "list_tools", err)
		}
		for _, t := range page.Tools {
			out = append(out, agent.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Annotations: agent.Annotations{ReadOnlyHint: t.Annotations.ReadOnlyHint},
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

func (c *httpClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, newErr(ErrProtocol, "call_tool", err)
	}
	out := &ToolCallResult{IsError: result.IsError}
	for _, c := range result.Content {
		out.Content = append(out.Content, agent.ResultContent{Text: c.Text})
	}
	return out, nil
}

func (c *httpClient) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, newErr(ErrProtocol, "list_resources", err)
	}
	return page.Resources, nil
}

func (c *httpClient) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result struct {
		Contents []struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
			Blob     string `json:"blob"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, newErr(ErrProtocol, "read_resource", err)
	}
	if len(result.Contents) == 0 {
		return &ResourceContent{URI: uri}, nil
	}
	first := result.Contents[0]
	return &ResourceContent{URI: first.URI, MimeType: first.MimeType, Text: first.Text, Blob: []byte(first.Blob)}, nil
}

func (c *httpClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, newErr(ErrProtocol, "list_prompts", err)
	}
	return page.Prompts, nil
}

func (c *httpClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptResult, error) {
	raw, err := c.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var result struct {
		Description string `json:"description"`
		Messages    []struct {
			Role    string `json:"role"`
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, newErr(ErrProtocol, "get_prompt", err)
	}
	messages := make([]agent.Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		role := agent.RoleUser
		if m.Role == "assistant" {
			role = agent.RoleAssistant
		}
		messages = append(messages, agent.Message{Role: role, Content: []agent.Content{agent.TextContent{Text: m.Content.Text}}})
	}
	return &PromptResult{Description: result.Description, Messages: messages}, nil
}

// Subscribe returns a channel fed by notification objects observed
// in-band on JSON-RPC responses (id-less "method" members), which SSE
// servers interleave with the frames carrying the actual response.
func (c *httpClient) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification, 100)
	c.notifyMu.Lock()
	c.notify = append(c.notify, ch)
	c.notifyMu.Unlock()

	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (c *httpClient) Close() error { return nil }

func (c *httpClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqBody := jsonRPCRequest{JSONRPC: "2.0", ID: c.idSeq.Add(1), Method: method, Params: params}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newErr(ErrProtocol, method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, newErr(ErrTransport, method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.streaming {
		c.mu.RLock()
		sessionID := c.sessionID
		c.mu.RUnlock()
		if sessionID != "" {
			httpReq.Header.Set("mcp-session-id", sessionID)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newErr(ErrTimeout, method, ctx.Err())
		}
		return nil, newErr(ErrTransport, method, err)
	}
	defer resp.Body.Close()

	if c.streaming {
		if sessionID := resp.Header.Get("mcp-session-id"); sessionID != "" {
			c.mu.Lock()
			c.sessionID = sessionID
			c.mu.Unlock()
		}
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, newErr(ErrTransport, method, fmt.Errorf("http %d: %s", resp.StatusCode, string(b)))
	}

	var rpcResp *jsonRPCResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpcResp, err = c.readSSEResponse(ctx, resp)
	} else {
		var body []byte
		body, err = io.ReadAll(resp.Body)
		if err == nil {
			rpcResp = &jsonRPCResponse{}
			err = json.Unmarshal(body, rpcResp)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, newErr(ErrTimeout, method, ctx.Err())
		}
		return nil, newErr(ErrProtocol, method, err)
	}
	if rpcResp.Error != nil {
		return nil, newErr(ErrProtocol, method, fmt.Errorf("%d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	return rpcResp.Result, nil
}

// readSSEResponse reads the first complete JSON-RPC frame from an SSE
// body, tolerating interleaved notification frames by forwarding them to
// any active Subscribe channels instead of treating them as the response.
func (c *httpClient) readSSEResponse(ctx context.Context, resp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			raw := data.String()
			data.Reset()

			var probe struct {
				Method string `json:"method"`
			}
			if json.Unmarshal([]byte(raw), &probe) == nil && probe.Method != "" {
				c.dispatchNotification(ctx, probe.Method, raw)
				return nil
			}

			var parsed jsonRPCResponse
			if json.Unmarshal([]byte(raw), &parsed) != nil {
				return nil
			}
			return &parsed
		}

		for {
			line, err := reader.ReadBytes('\n')
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if parsed := flush(); parsed != nil {
					done <- result{resp: parsed}
					return
				}
			} else if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				done <- result{err: err}
				return
			}
		}
		if parsed := flush(); parsed != nil {
			done <- result{resp: parsed}
			return
		}
		done <- result{err: fmt.Errorf("sse stream ended without a response")}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-time.After(c.cfg.Timeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", c.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *httpClient) dispatchNotification(ctx context.Context, method, raw string) {
	var frame struct {
		Params map[string]any `json:"params"`
	}
	_ = json.Unmarshal([]byte(raw), &frame)

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, ch := range c.notify {
		select {
		case ch <- Notification{Method: method, Params: frame.Params}:
		case <-ctx.Done():
		default:
		}
	}
}

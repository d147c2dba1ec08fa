package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kpekel/agentloop/agent"
)

// StdioConfig configures a subprocess-backed MCP client.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// stdioClient spawns command as a subprocess and speaks MCP over its
// stdin/stdout, via mark3labs/mcp-go.
type stdioClient struct {
	cfg StdioConfig

	mu          sync.Mutex
	inner       *client.Client
	initialized bool
}

// NewStdio constructs (but does not start) a subprocess tool client.
func NewStdio(cfg StdioConfig) Client {
	return &stdioClient{cfg: cfg}
}

func (c *stdioClient) Initialize(ctx context.Context, info ClientInfo) (ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inner, err := client.NewStdioMCPClient(c.cfg.Command, envSlice(c.cfg.Env), c.cfg.Args...)
	if err != nil {
		return ServerInfo{}, newErr(ErrTransport, "initialize", fmt.Errorf("spawn %s: %w", c.cfg.Command, err))
	}
	if err := inner.Start(ctx); err != nil {
		return ServerInfo{}, newErr(ErrTransport, "initialize", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: info.Name, Version: info.Version}
	initReq.Params.ProtocolVersion = "2024-11-05"

	result, err := inner.Initialize(ctx, initReq)
	if err != nil {
		inner.Close()
		return ServerInfo{}, newErr(ErrProtocol, "initialize", err)
	}

	c.inner = inner
	c.initialized = true

	return ServerInfo{
		Instructions:      result.Instructions,
		SupportsResources: result.Capabilities.Resources != nil,
		SupportsPrompts:   result.Capabilities.Prompts != nil,
	}, nil
}

func (c *stdioClient) client() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, newErr(ErrNotInitialized, "client", nil)
	}
	return c.inner, nil
}

func (c *stdioClient) ListTools(ctx context.Context) ([]agent.Tool, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}

	var out []agent.Tool
	cursor := ""
	for {
		req := mcp.ListToolsRequest{}
		if cursor != "" {
			req.Params.Cursor = mcp.Cursor(cursor)
		}
		resp, err := inner.ListTools(ctx, req)
		if err != nil {
			return nil, newErr(ErrTransport, "list_tools", err)
		}
		for _, t := range resp.Tools {
			out = append(out, agent.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaToMap(t.InputSchema),
				Annotations: agent.Annotations{ReadOnlyHint: t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint},
			})
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = string(resp.NextCursor)
	}
	return out, nil
}

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := inner.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newErr(ErrTimeout, "call_tool", ctx.Err())
		}
		return nil, newErr(ErrTransport, "call_tool", err)
	}

	return toolResultFromMCP(resp), nil
}

func (c *stdioClient) ListResources(ctx context.Context) ([]Resource, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}
	resp, err := inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, newErr(ErrTransport, "list_resources", err)
	}
	out := make([]Resource, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		out = append(out, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
	}
	return out, nil
}

func (c *stdioClient) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	resp, err := inner.ReadResource(ctx, req)
	if err != nil {
		return nil, newErr(ErrTransport, "read_resource", err)
	}
	if len(resp.Contents) == 0 {
		return &ResourceContent{URI: uri}, nil
	}
	switch content := resp.Contents[0].(type) {
	case mcp.TextResourceContents:
		return &ResourceContent{URI: content.URI, MimeType: content.MIMEType, Text: content.Text}, nil
	case mcp.BlobResourceContents:
		return &ResourceContent{URI: content.URI, MimeType: content.MIMEType, Blob: []byte(content.Blob)}, nil
	default:
		return &ResourceContent{URI: uri}, nil
	}
}

func (c *stdioClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}
	resp, err := inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, newErr(ErrTransport, "list_prompts", err)
	}
	out := make([]Prompt, 0, len(resp.Prompts))
	for _, p := range resp.Prompts {
		args := make([]string, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, a.Name)
		}
		out = append(out, Prompt{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return out, nil
}

func (c *stdioClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptResult, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	strArgs := make(map[string]string, len(args))
	for k, v := range args {
		strArgs[k] = fmt.Sprintf("%v", v)
	}
	req.Params.Arguments = strArgs

	resp, err := inner.GetPrompt(ctx, req)
	if err != nil {
		return nil, newErr(ErrTransport, "get_prompt", err)
	}

	messages := make([]agent.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		role := agent.RoleUser
		if m.Role == mcp.RoleAssistant {
			role = agent.RoleAssistant
		}
		if tc, ok := m.Content.(mcp.TextContent); ok {
			messages = append(messages, agent.Message{Role: role, Content: []agent.Content{agent.TextContent{Text: tc.Text}}})
		}
	}
	return &PromptResult{Description: resp.Description, Messages: messages}, nil
}

// Subscribe registers for MCP notifications on the underlying stdio
// transport. Closing ctx ends the subscription; a notification arriving
// after that is dropped rather than racing the channel close, since the
// transport library may still fire the callback once cancellation has
// begun.
func (c *stdioClient) Subscribe(ctx context.Context) (<-chan Notification, error) {
	inner, err := c.client()
	if err != nil {
		return nil, err
	}

	out := make(chan Notification, 100)
	var mu sync.Mutex
	closed := false

	inner.OnNotification(func(n mcp.JSONRPCNotification) {
		params := map[string]any{}
		if raw, err := json.Marshal(n.Params); err == nil {
			_ = json.Unmarshal(raw, &params)
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- Notification{Method: n.Method, Params: params}:
		default: // consumer stalled with a full buffer; drop
		}
	})

	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out, nil
}

func (c *stdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner == nil {
		return nil
	}
	err := c.inner.Close()
	c.inner = nil
	c.initialized = false
	return err
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func toolResultFromMCP(resp *mcp.CallToolResult) *ToolCallResult {
	out := &ToolCallResult{IsError: resp.IsError}
	for _, c := range resp.Content {
		switch content := c.(type) {
		case mcp.TextContent:
			out.Content = append(out.Content, agent.ResultContent{Text: content.Text})
		default:
			raw, _ := json.Marshal(content)
			out.Content = append(out.Content, agent.ResultContent{Raw: raw})
		}
	}
	return out
}

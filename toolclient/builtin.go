package toolclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/kpekel/agentloop/agent"
)

// BuiltinHandler implements one in-process tool. It is the Go-native
// equivalent of an MCP server's single tool, served from the same
// process instead of a subprocess or HTTP endpoint.
type BuiltinHandler struct {
	Tool agent.Tool
	Call func(ctx context.Context, args map[string]any) (*ToolCallResult, error)
}

// builtinClient is the fourth Client variant: no network or subprocess at
// all, just a registered set of Go closures, loaded through
// extension.Manager.AddBuiltinExtension for embedder-defined in-process
// tools. The loop's own platform__* tools do not go through it; the loop
// dispatches those itself.
type builtinClient struct {
	mu       sync.RWMutex
	handlers map[string]BuiltinHandler
}

// NewBuiltin constructs an in-process client exposing the given handlers.
func NewBuiltin(handlers ...BuiltinHandler) Client {
	c := &builtinClient{handlers: make(map[string]BuiltinHandler, len(handlers))}
	for _, h := range handlers {
		c.handlers[h.Tool.Name] = h
	}
	return c
}

func (c *builtinClient) Initialize(ctx context.Context, info ClientInfo) (ServerInfo, error) {
	return ServerInfo{}, nil
}

func (c *builtinClient) ListTools(ctx context.Context) ([]agent.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]agent.Tool, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h.Tool)
	}
	return out, nil
}

func (c *builtinClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	c.mu.RLock()
	h, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, newErr(ErrProtocol, "call_tool", fmt.Errorf("unknown builtin tool %q", name))
	}
	return h.Call(ctx, args)
}

func (c *builtinClient) ListResources(ctx context.Context) ([]Resource, error) { return nil, nil }

func (c *builtinClient) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	return nil, newErr(ErrProtocol, "read_resource", fmt.Errorf("builtin client exposes no resources"))
}

func (c *builtinClient) ListPrompts(ctx context.Context) ([]Prompt, error) { return nil, nil }

func (c *builtinClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptResult, error) {
	return nil, newErr(ErrProtocol, "get_prompt", fmt.Errorf("builtin client exposes no prompts"))
}

// Subscribe returns a channel that never receives anything and closes with
// ctx: builtin tools do not emit progress notifications.
func (c *builtinClient) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (c *builtinClient) Close() error { return nil }

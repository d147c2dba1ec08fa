// Package toolclient implements C1: a uniform capability handle over one
// tool backend. Five concrete variants share the Client interface —
// subprocess (Stdio), Server-Sent Events (SSE), streamable HTTP, an
// in-process Builtin, and a go-plugin subprocess (Plugin) — so the
// extension manager (package extension) can treat them interchangeably.
package toolclient

import (
	"context"
	"time"

	"github.com/kpekel/agentloop/agent"
)

// DefaultTimeout is applied to a call when its extension config does not
// override it.
const DefaultTimeout = 60 * time.Second

// ClientInfo identifies this agent to a server during Initialize.
type ClientInfo struct {
	Name    string
	Version string
}

// ServerInfo is what a server reports back from Initialize.
type ServerInfo struct {
	Instructions      string
	SupportsResources bool
	SupportsPrompts   bool
}

// ToolCallResult is the synchronous outcome of one CallTool. The
// extension manager wraps this into an asynchronous
// future-plus-notification-stream pair once dispatch begins.
type ToolCallResult struct {
	Content []agent.ResultContent
	IsError bool
}

// Resource is a flattened MCP resource descriptor.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ResourceContent is the body of a read_resource call.
type ResourceContent struct {
	URI      string
	MimeType string
	Text     string
	Blob     []byte
}

// Prompt is a named, parameterized prompt template a server exposes.
type Prompt struct {
	Name        string
	Description string
	Arguments   []string
}

// PromptResult is the rendered output of get_prompt.
type PromptResult struct {
	Description string
	Messages    []agent.Message
}

// Notification is a provider-emitted JSON-RPC notification, scoped to
// whichever tool call is in flight when it arrives.
type Notification struct {
	Method string
	Params map[string]any
}

// Client is the capability set every transport implements.
type Client interface {
	// Initialize performs the MCP handshake. Must be called once before
	// any other method. The stdio variant serializes it behind a
	// per-client mutex; the other variants do not guard concurrent calls.
	Initialize(ctx context.Context, info ClientInfo) (ServerInfo, error)

	// ListTools pages through the server's tool catalogue until
	// exhausted, returning the merged, unprefixed list.
	ListTools(ctx context.Context) ([]agent.Tool, error)

	// CallTool invokes one tool by its unprefixed name and blocks for the
	// result. The context's deadline governs the call; a transport that
	// exceeds it returns ErrTimeout.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)

	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) (*ResourceContent, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptResult, error)

	// Subscribe returns a channel of notifications scoped to this
	// client's session. The channel closes when ctx is done.
	Subscribe(ctx context.Context) (<-chan Notification, error)

	Close() error
}

// Package agent holds the data model shared by every other package in this
// module: messages, tools, tool calls, and the events the loop streams back
// to its caller. Nothing in this package knows how to dispatch a tool or
// talk to a model provider — it only defines the shapes those packages
// exchange.
package agent

import "encoding/json"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an ordered sequence of typed content parts, immutable once
// appended to a conversation's history.
type Message struct {
	Role    Role
	Content []Content
}

// NewUserMessage builds a single-part user text message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []Content{TextContent{Text: text}}}
}

// NewAssistantMessage builds a single-part assistant text message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []Content{TextContent{Text: text}}}
}

// WithContent appends content parts and returns the extended message. It
// does not mutate the receiver, since messages are immutable once they
// join history.
func (m Message) WithContent(parts ...Content) Message {
	out := Message{Role: m.Role, Content: make([]Content, 0, len(m.Content)+len(parts))}
	out.Content = append(out.Content, m.Content...)
	out.Content = append(out.Content, parts...)
	return out
}

// ToolRequests returns every ToolRequestContent part in the message, in
// order.
func (m Message) ToolRequests() []ToolRequestContent {
	var out []ToolRequestContent
	for _, c := range m.Content {
		if tr, ok := c.(ToolRequestContent); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Content is implemented by every content-part variant a Message can
// carry. The marker method keeps the set closed to this package.
type Content interface {
	isContent()
}

// TextContent is plain assistant or user text.
type TextContent struct {
	Text string
}

func (TextContent) isContent() {}

// ToolRequestContent is the model asking for a tool call. ID correlates
// this request with its eventual ToolResponseContent. Arguments is the raw
// JSON object the model supplied; ArgsError is set instead when the
// model's request could not be parsed into a ToolCall at all — such
// requests still get an id-matched error response rather than being
// silently dropped.
type ToolRequestContent struct {
	ID        string
	ToolCall  ToolCall
	ArgsError error
}

func (ToolRequestContent) isContent() {}

// ToolResponseContent is the answer to a ToolRequestContent, keyed by Id.
// Exactly one of Result or Err is set.
type ToolResponseContent struct {
	ID     string
	Result []ResultContent
	Err    error
}

func (ToolResponseContent) isContent() {}

// ResultContent is one piece of a tool call's successful output. Text
// covers the common case; Raw preserves arbitrary JSON payloads (e.g. MCP
// resource blobs) that aren't plain text.
type ResultContent struct {
	Text string
	Raw  json.RawMessage
}

// ContextLengthExceededContent is a distinguished marker appended to the
// assistant message that ends a reply when the provider reports the
// conversation no longer fits the model's context window.
type ContextLengthExceededContent struct{}

func (ContextLengthExceededContent) isContent() {}

package agent

// ModelMode reports which side of a lead/worker provider produced a turn.
type ModelMode string

const (
	ModelModeLead    ModelMode = "lead"
	ModelModeWorker  ModelMode = "worker"
	ModelModeUnknown ModelMode = "unknown"
)

// EventKind discriminates the AgentEvent union.
type EventKind int

const (
	EventMessage EventKind = iota
	EventMcpNotification
	EventModelChange
)

// AgentEvent is the tagged variant streamed to the loop's caller (C8). Only
// the fields relevant to Kind are populated.
type AgentEvent struct {
	Kind EventKind

	// EventMessage
	Message Message

	// EventMcpNotification
	RequestID    string
	Notification map[string]any

	// EventModelChange
	ActiveModel string
	Mode        ModelMode
}

// NewMessageEvent wraps a Message as an AgentEvent.
func NewMessageEvent(m Message) AgentEvent {
	return AgentEvent{Kind: EventMessage, Message: m}
}

// NewMcpNotificationEvent wraps a scoped JSON-RPC notification. requestID
// is either a live tool-call id in the current turn or a subagent id.
func NewMcpNotificationEvent(requestID string, payload map[string]any) AgentEvent {
	return AgentEvent{Kind: EventMcpNotification, RequestID: requestID, Notification: payload}
}

// NewModelChangeEvent wraps a lead/worker provider's active-model report.
// The loop must emit this before the Message it describes.
func NewModelChangeEvent(activeModel string, mode ModelMode) AgentEvent {
	return AgentEvent{Kind: EventModelChange, ActiveModel: activeModel, Mode: mode}
}

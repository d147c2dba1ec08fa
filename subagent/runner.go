// Package subagent exposes a single builtin tool, subagent__run_task,
// that launches a nested instance of the agent loop sharing the parent's
// provider but starting from a blank conversation.
package subagent

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/toolclient"
)

// ToolName is reserved for this runner; only exposed when ALPHA_FEATURES is
// enabled.
const ToolName = "subagent__run_task"

// Looper is the capability the runner needs from the agent loop. The loop
// package (which imports this one to register ToolName) implements it, so
// subagent never imports loop and no cycle forms.
type Looper interface {
	Run(ctx context.Context, messages []agent.Message) (Stream, error)
}

// Stream is the subset of eventstream.Stream the runner consumes: just the
// read side. Declared locally (rather than importing eventstream) so this
// package's only dependency on the rest of the module is agent and
// toolclient.
type Stream interface {
	Events() <-chan agent.AgentEvent
}

// Runner owns the nested-loop tool's lifecycle.
type Runner struct {
	newLoop func() Looper
}

// NewRunner constructs a Runner. newLoop must build a fresh Looper each
// call: a new conversation, a new permission decision store never shared
// with the parent, the same underlying provider.
func NewRunner(newLoop func() Looper) *Runner {
	return &Runner{newLoop: newLoop}
}

// Tool describes subagent__run_task's schema for the model.
func (r *Runner) Tool() agent.Tool {
	return agent.Tool{
		Name:        ToolName,
		Description: "Delegate a self-contained task to a fresh sub-agent and return its final answer.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "The task for the sub-agent to complete.",
				},
			},
			"required": []any{"task"},
		},
	}
}

// Handler builds the toolclient.BuiltinHandler that dispatches
// subagent__run_task. onNotification is called once per event the nested
// loop emits, lifted to carry the sub-id that correlates it back to this
// call.
func (r *Runner) Handler(onNotification func(subID string, lifted agent.AgentEvent)) toolclient.BuiltinHandler {
	return toolclient.BuiltinHandler{
		Tool: r.Tool(),
		Call: func(ctx context.Context, args map[string]any) (*toolclient.ToolCallResult, error) {
			task, _ := args["task"].(string)
			if strings.TrimSpace(task) == "" {
				return nil, errors.New("subagent: task argument is required")
			}

			subID := uuid.NewString()
			sub := r.newLoop()

			stream, err := sub.Run(ctx, []agent.Message{agent.NewUserMessage(task)})
			if err != nil {
				return nil, err
			}

			var final strings.Builder
			for ev := range stream.Events() {
				if onNotification != nil {
					onNotification(subID, lift(subID, ev))
				}
				if ev.Kind == agent.EventMessage && ev.Message.Role == agent.RoleAssistant {
					for _, c := range ev.Message.Content {
						if t, ok := c.(agent.TextContent); ok {
							final.WriteString(t.Text)
						}
					}
				}
			}

			return &toolclient.ToolCallResult{Content: []agent.ResultContent{{Text: final.String()}}}, nil
		},
	}
}

// lift rewraps a nested loop's event as an McpNotification scoped to subID,
// so the parent's event stream multiplexes it alongside its own in-flight
// tool-call notifications.
func lift(subID string, ev agent.AgentEvent) agent.AgentEvent {
	if ev.Kind == agent.EventMcpNotification {
		return agent.NewMcpNotificationEvent(subID, ev.Notification)
	}
	payload := map[string]any{"kind": ev.Kind}
	if ev.Kind == agent.EventMessage {
		payload["role"] = string(ev.Message.Role)
	}
	if ev.Kind == agent.EventModelChange {
		payload["active_model"] = ev.ActiveModel
	}
	return agent.NewMcpNotificationEvent(subID, payload)
}

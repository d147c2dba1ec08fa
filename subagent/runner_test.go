package subagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpekel/agentloop/agent"
)

type fakeStream struct {
	ch chan agent.AgentEvent
}

func (f fakeStream) Events() <-chan agent.AgentEvent { return f.ch }

type fakeLooper struct {
	events []agent.AgentEvent
}

func (f fakeLooper) Run(ctx context.Context, messages []agent.Message) (Stream, error) {
	ch := make(chan agent.AgentEvent, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	close(ch)
	return fakeStream{ch: ch}, nil
}

func TestRunTaskReturnsFinalAssistantText(t *testing.T) {
	looper := fakeLooper{events: []agent.AgentEvent{
		agent.NewMessageEvent(agent.NewAssistantMessage("the answer is 42")),
	}}
	r := NewRunner(func() Looper { return looper })

	var notified []string
	handler := r.Handler(func(subID string, ev agent.AgentEvent) {
		notified = append(notified, subID)
	})

	result, err := handler.Call(context.Background(), map[string]any{"task": "what is the answer"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "the answer is 42", result.Content[0].Text)
	assert.Len(t, notified, 1, "every nested event should be lifted exactly once")
}

func TestRunTaskLiftsNotificationsWithSubID(t *testing.T) {
	looper := fakeLooper{events: []agent.AgentEvent{
		agent.NewMcpNotificationEvent("inner-call", map[string]any{"method": "progress"}),
		agent.NewMessageEvent(agent.NewAssistantMessage("ok")),
	}}
	r := NewRunner(func() Looper { return looper })

	var lifted []agent.AgentEvent
	handler := r.Handler(func(subID string, ev agent.AgentEvent) {
		assert.Equal(t, subID, ev.RequestID, "lifted events must carry the sub-id, not the inner call id")
		lifted = append(lifted, ev)
	})

	_, err := handler.Call(context.Background(), map[string]any{"task": "report progress"})
	require.NoError(t, err)
	require.Len(t, lifted, 2)
	assert.Equal(t, agent.EventMcpNotification, lifted[0].Kind)
}

func TestRunTaskRequiresTaskArgument(t *testing.T) {
	r := NewRunner(func() Looper { return fakeLooper{} })
	handler := r.Handler(nil)
	_, err := handler.Call(context.Background(), map[string]any{})
	assert.Error(t, err)
}

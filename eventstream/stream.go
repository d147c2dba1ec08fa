// Package eventstream implements a bounded, single-producer, cancellable
// channel of agent.AgentEvent: the stream a caller consumes for one
// in-flight reply.
package eventstream

import (
	"context"

	"github.com/kpekel/agentloop/agent"
)

// Channel buffer capacities shared with the loop's answer channels.
const (
	ConfirmationBuffer = 32
	ToolResultBuffer   = 32
	NotificationBuffer = 100
)

// Stream is the producer side of one reply's event stream. The loop owns
// the Stream; its caller only ever sees the Events() channel.
type Stream struct {
	events chan agent.AgentEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Stream bound to ctx. Cancelling ctx (or calling
// Cancel) stops further emission at the next suspension point.
func New(parent context.Context) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		events: make(chan agent.AgentEvent, NotificationBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is the stream's cancellation context; the loop selects on
// s.Context().Done() at every suspension point between provider and tool
// calls.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Cancel stops the stream. Safe to call multiple times.
func (s *Stream) Cancel() {
	s.cancel()
}

// Emit delivers one event, blocking only until the buffer has room or the
// stream is cancelled — whichever happens first. A cancelled stream drops
// the event rather than blocking forever, matching "in-flight
// notifications may be dropped".
func (s *Stream) Emit(ev agent.AgentEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close signals no more events will be emitted. Must be called exactly
// once, by the producer, after the loop's state machine exits.
func (s *Stream) Close() {
	close(s.events)
}

// Events is the consumer-facing read-only channel.
func (s *Stream) Events() <-chan agent.AgentEvent {
	return s.events
}

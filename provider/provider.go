// Package provider defines the model-provider boundary the
// loop calls once per turn, plus the one concrete adapter this module
// ships: an Anthropic-backed Provider built on anthropics/anthropic-sdk-go.
package provider

import (
	"context"
	"errors"

	"github.com/kpekel/agentloop/agent"
)

// ErrorKind discriminates Provider.Complete's failure modes.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorContextLengthExceeded
	ErrorRateLimited
	ErrorAuthentication
	ErrorTransport
	ErrorUsage
	ErrorExecution
)

// Error wraps an underlying provider failure with the kind the loop
// switches on: a ContextLengthExceeded gets its own marker and ends the
// reply; everything else becomes an error Assistant message.
type Error struct {
	Kind  ErrorKind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "provider error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsContextLengthExceeded reports whether err (or something it wraps) is a
// context-length-exceeded Provider error.
func IsContextLengthExceeded(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorContextLengthExceeded
}

// LeadWorkerInfo is the optional lead/worker capability.
type LeadWorkerInfo struct {
	LeadModel   string
	WorkerModel string
	ActiveModel string
}

// LeadWorker is implemented by providers that route different turns to
// different underlying models. The loop type-asserts for it after a
// successful Complete to decide whether to emit a ModelChange event.
type LeadWorker interface {
	AsLeadWorker() (LeadWorkerInfo, bool)
}

// TurnResetter is implemented by providers whose lead/worker routing
// depends on how many turns the current reply has taken. The loop
// type-asserts for it at the start of every Run call and rewinds the
// counter, so a fresh reply starts back on the lead model instead of
// inheriting whichever turn count the provider's last reply left behind.
type TurnResetter interface {
	ResetTurn()
}

// Embedder is the optional embeddings capability. The router's vector
// strategy does not consume it: it always embeds with the local hash
// (see router.hashEmbed).
type Embedder interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is the single collaborator the loop calls once per turn.
type Provider interface {
	// Complete asks the model for the next message given the system
	// prompt, full message history, and currently visible tool catalogue.
	Complete(ctx context.Context, system string, messages []agent.Message, tools []agent.Tool) (agent.Message, agent.Usage, error)
}

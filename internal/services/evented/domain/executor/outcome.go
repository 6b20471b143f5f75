// Package executor runs commands against business-logic handlers and reports
// one of three outcomes: success, retryable conflict, or rejection.
package executor

import (
	"context"
	"fmt"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

// Kind is the outcome class of an executed command.
type Kind int

const (
	// Success means events were persisted (or, for a dry run, would be).
	Success Kind = iota
	// Retryable means another writer advanced the aggregate first.
	Retryable
	// Rejected means the handler refused the command; never retry it.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of executing one command book.
type Outcome struct {
	Kind Kind `json:"kind"`
	// Events holds the persisted pages on Success.
	Events book.EventBook `json:"events"`
	// Reason explains Retryable and Rejected outcomes verbatim.
	Reason string `json:"reason,omitempty"`
	// Current optionally carries fresh aggregate state on Retryable, so the
	// caller can retry without another fetch.
	Current *book.EventBook `json:"current,omitempty"`
	// Command is the rejected command on Rejected.
	Command *book.CommandBook `json:"command,omitempty"`
}

// Succeeded builds a Success outcome.
func Succeeded(events book.EventBook) Outcome {
	return Outcome{Kind: Success, Events: events}
}

// Conflicted builds a Retryable outcome.
func Conflicted(reason string, current *book.EventBook) Outcome {
	return Outcome{Kind: Retryable, Reason: reason, Current: current}
}

// Refused builds a Rejected outcome.
func Refused(reason string, cmd book.CommandBook) Outcome {
	return Outcome{Kind: Rejected, Reason: reason, Command: &cmd}
}

// Executor executes command books. A non-nil error is a transport or
// internal failure and is never folded into Retryable.
type Executor interface {
	Execute(ctx context.Context, cmd book.CommandBook) (Outcome, error)
}

// DryRunner executes commands speculatively without persisting or
// publishing.
type DryRunner interface {
	DryRun(ctx context.Context, cmd book.CommandBook) (Outcome, error)
}

// Publisher receives newly persisted events.
type Publisher interface {
	Publish(ctx context.Context, events book.EventBook)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, cmd book.CommandBook) (Outcome, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, cmd book.CommandBook) (Outcome, error) {
	return f(ctx, cmd)
}

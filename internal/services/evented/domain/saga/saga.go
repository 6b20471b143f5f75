// Package saga runs reactive workflows: a saga observes a source event book,
// declares the destinations it needs, and issues commands against their
// fresh state, retrying conflicted destinations with backoff.
package saga

import (
	"context"
	"fmt"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

// Saga is a reactive workflow.
type Saga interface {
	Name() string
	// Prepare declares the destination covers Execute needs.
	Prepare(ctx context.Context, source book.EventBook) ([]book.Cover, error)
	// Execute builds commands from the source and the destination states,
	// given in the order Prepare declared them.
	Execute(ctx context.Context, source book.EventBook, destinations []book.EventBook) ([]book.CommandBook, error)
}

// Domains is optionally implemented by sagas to restrict which source
// domains trigger them. Sagas without it see every event book.
type Domains interface {
	SourceDomains() []string
}

// State is a RetryContext state.
type State int

const (
	Preparing State = iota
	Fetching
	Executing
	Dispatching
	Retrying
	Compensating
	Done
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Fetching:
		return "fetching"
	case Executing:
		return "executing"
	case Dispatching:
		return "dispatching"
	case Retrying:
		return "retrying"
	case Compensating:
		return "compensating"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExhaustedError reports a saga whose conflicted commands were still
// conflicting when the retry policy ran out.
type ExhaustedError struct {
	Saga     string
	Attempts int
	// Reason is the last conflict reason, verbatim.
	Reason string
	Covers []book.Cover
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("saga %s: retries exhausted after %d attempts: %s", e.Saga, e.Attempts, e.Reason)
}

// Unwrap exposes the exhaustion as a platform error so callers can map it to
// a status code.
func (e *ExhaustedError) Unwrap() error {
	return apperrors.WithMetadata(apperrors.CodeRetriesExhausted, e.Reason, map[string]string{"saga": e.Saga})
}

// Package handler defines the business-logic contract domains implement and
// an explicit registry that dispatches commands by payload type.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

// Handler turns a command and the aggregate's prior history into new event
// payloads. Returning a *Rejection is a permanent business refusal; any other
// error is an internal failure.
type Handler interface {
	Handle(ctx context.Context, cmd book.CommandBook, prior book.EventBook) ([]book.Payload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd book.CommandBook, prior book.EventBook) ([]book.Payload, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd book.CommandBook, prior book.EventBook) ([]book.Payload, error) {
	return f(ctx, cmd, prior)
}

// Snapshotter is implemented by handlers that can materialize state.
type Snapshotter interface {
	// Snapshot materializes the state after history. The executor fills in
	// the sequence and creation time.
	Snapshot(ctx context.Context, history book.EventBook) (book.Payload, book.Retention, error)
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context, history book.EventBook) (book.Payload, book.Retention, error)

// Snapshot calls f.
func (f SnapshotFunc) Snapshot(ctx context.Context, history book.EventBook) (book.Payload, book.Retention, error) {
	return f(ctx, history)
}

type snapshotting struct {
	Handler
	SnapshotFunc
}

// WithSnapshots returns a handler that also implements Snapshotter.
func WithSnapshots(h Handler, fn SnapshotFunc) Handler {
	if h == nil || fn == nil {
		return h
	}
	return snapshotting{Handler: h, SnapshotFunc: fn}
}

// Rejection is a business precondition failure. Reason is surfaced verbatim.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// Reject returns a rejection with the given reason.
func Reject(reason string) error {
	return &Rejection{Reason: reason}
}

// Rejectf returns a rejection with a formatted reason.
func Rejectf(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// AsRejection reports whether err carries a business rejection, either a
// *Rejection or a platform error coded as a business rejection.
func AsRejection(err error) (string, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) && rejection != nil {
		return rejection.Reason, true
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Code == apperrors.CodeBusinessRejection {
		return appErr.Message, true
	}
	return "", false
}

var (
	// ErrTypeURLRequired indicates a registration without a type URL.
	ErrTypeURLRequired = errors.New("type url is required")
	// ErrFuncRequired indicates a registration without a function.
	ErrFuncRequired = errors.New("handler func is required")
	// ErrAlreadyRegistered indicates a duplicate registration.
	ErrAlreadyRegistered = errors.New("type url is already registered")
)

// Command is one page of a command book together with its envelope.
type Command struct {
	Cover  book.Cover
	Page   book.CommandPage
	Origin *book.SagaCommandOrigin
}

// Func handles one command page. State is the aggregate history including
// the events produced by earlier pages of the same book.
type Func func(ctx context.Context, cmd Command, state book.EventBook) ([]book.Payload, error)

// Registry maps payload type URLs to handler funcs. It is built at startup
// and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds typeURL to fn.
func (r *Registry) Register(typeURL string, fn Func) error {
	if r == nil {
		return errors.New("registry is required")
	}
	typeURL = strings.TrimSpace(typeURL)
	if typeURL == "" {
		return ErrTypeURLRequired
	}
	if fn == nil {
		return ErrFuncRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[typeURL]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, typeURL)
	}
	r.funcs[typeURL] = fn
	return nil
}

// Lookup returns the func bound to typeURL.
func (r *Registry) Lookup(typeURL string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[typeURL]
	return fn, ok
}

// Types lists registered type URLs in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.funcs))
	for typeURL := range r.funcs {
		types = append(types, typeURL)
	}
	sort.Strings(types)
	return types
}

// Handle dispatches each page to its registered func in order. Events from
// earlier pages are visible to later ones.
func (r *Registry) Handle(ctx context.Context, cmd book.CommandBook, prior book.EventBook) ([]book.Payload, error) {
	state := prior
	state.Pages = append([]book.EventPage(nil), prior.Pages...)
	var out []book.Payload
	for _, page := range cmd.Pages {
		fn, ok := r.Lookup(page.Payload.TypeURL)
		if !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeHandlerMissing,
				"no handler registered for "+page.Payload.TypeURL,
				map[string]string{"domain": cmd.Cover.Domain, "type_url": page.Payload.TypeURL})
		}
		payloads, err := fn(ctx, Command{Cover: cmd.Cover, Page: page, Origin: cmd.SagaOrigin}, state)
		if err != nil {
			return nil, err
		}
		next := state.NextSequence()
		for i, payload := range payloads {
			state.Pages = append(state.Pages, book.EventPage{Sequence: next + uint64(i), Payload: payload})
		}
		out = append(out, payloads...)
	}
	return out, nil
}

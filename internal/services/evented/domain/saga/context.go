package saga

import (
	"sync"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

// RetryContext is the per-invocation state of one saga run: the source, the
// destinations fetched so far, the attempt counter and the state history.
type RetryContext struct {
	saga   Saga
	source book.EventBook

	mu          sync.Mutex
	state       State
	transitions []State
	attempt     int
	covers      []book.Cover
	dests       []book.EventBook
}

func newRetryContext(s Saga, source book.EventBook) *RetryContext {
	return &RetryContext{saga: s, source: source, state: Preparing, transitions: []State{Preparing}}
}

// State returns the current state.
func (rc *RetryContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Transitions returns every state entered, in order.
func (rc *RetryContext) Transitions() []State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]State(nil), rc.transitions...)
}

// Attempt returns the current retry number, 0 on the first dispatch.
func (rc *RetryContext) Attempt() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.attempt
}

func (rc *RetryContext) enter(s State) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == s {
		return
	}
	rc.state = s
	rc.transitions = append(rc.transitions, s)
}

func (rc *RetryContext) destinations() []book.EventBook {
	return append([]book.EventBook(nil), rc.dests...)
}

// destination returns the current state of a declared destination.
func (rc *RetryContext) destination(key book.Key) (book.EventBook, bool) {
	for i, cover := range rc.covers {
		if cover.Key() == key {
			return rc.dests[i], true
		}
	}
	return book.EventBook{}, false
}

// origin stamps commands with the saga and triggering event.
func (rc *RetryContext) origin() *book.SagaCommandOrigin {
	var seq uint64
	if next := rc.source.NextSequence(); next > 0 {
		seq = next - 1
	}
	return &book.SagaCommandOrigin{
		SagaName:           rc.saga.Name(),
		TriggeringCover:    rc.source.Cover,
		TriggeringSequence: seq,
	}
}

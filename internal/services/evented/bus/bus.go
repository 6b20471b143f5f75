// Package bus fans committed event books out to saga invocations.
package bus

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/executor"
	"github.com/louisbranch/evented/internal/services/evented/domain/saga"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// Runner executes one saga for one source book.
type Runner interface {
	Run(ctx context.Context, s saga.Saga, source book.EventBook) (saga.Result, error)
}

// Bus is an in-process publisher: each published book starts one goroutine
// per subscribed saga. It satisfies executor.Publisher.
type Bus struct {
	ctx       context.Context
	runner    Runner
	positions storage.PositionStore
	logf      func(string, ...any)

	mu    sync.RWMutex
	sagas []saga.Saga
	wg    sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithPositions records the last handled sequence per saga and aggregate, and
// skips redelivered books at or below it.
func WithPositions(positions storage.PositionStore) Option {
	return func(b *Bus) { b.positions = positions }
}

// WithLogger overrides log.Printf.
func WithLogger(logf func(string, ...any)) Option {
	return func(b *Bus) {
		if logf != nil {
			b.logf = logf
		}
	}
}

// New builds a bus whose saga runs live until ctx is done.
func New(ctx context.Context, runner Runner, opts ...Option) (*Bus, error) {
	if runner == nil {
		return nil, errors.New("saga runner is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b := &Bus{ctx: ctx, runner: runner, logf: log.Printf}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Subscribe adds a saga. Sagas implementing saga.Domains only see books of
// their source domains.
func (b *Bus) Subscribe(s saga.Saga) error {
	if s == nil || strings.TrimSpace(s.Name()) == "" {
		return errors.New("saga name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.sagas {
		if existing.Name() == s.Name() {
			return errors.New("saga already subscribed: " + s.Name())
		}
	}
	b.sagas = append(b.sagas, s)
	return nil
}

// Publish hands book to every matching saga without waiting for them.
func (b *Bus) Publish(_ context.Context, source book.EventBook) {
	if len(source.Pages) == 0 {
		return
	}
	b.mu.RLock()
	sagas := append([]saga.Saga(nil), b.sagas...)
	b.mu.RUnlock()

	for _, s := range sagas {
		if !subscribed(s, source.Cover.Domain) {
			continue
		}
		b.wg.Add(1)
		go func(s saga.Saga) {
			defer b.wg.Done()
			b.deliver(b.ctx, s, source)
		}(s)
	}
}

var _ executor.Publisher = (*Bus)(nil)

// Wait blocks until every started saga run has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) deliver(ctx context.Context, s saga.Saga, source book.EventBook) {
	key := source.Cover.Key()
	last := source.Pages[len(source.Pages)-1].Sequence
	if b.positions != nil {
		seen, ok, err := b.positions.Get(ctx, s.Name(), key)
		if err != nil {
			b.logf("bus: read position %s/%s: %v", s.Name(), key, err)
		} else if ok && last <= seen {
			return
		}
	}

	result, err := b.runner.Run(ctx, s, source)
	if err != nil {
		b.logf("bus: saga %s for %s: %v", s.Name(), key, err)
		return
	}
	if result.State == saga.Compensating {
		b.logf("bus: saga %s for %s compensated %d rejected commands", s.Name(), key, len(result.Rejections))
	}
	if b.positions != nil {
		if err := b.positions.Put(ctx, s.Name(), key, last); err != nil {
			b.logf("bus: write position %s/%s: %v", s.Name(), key, err)
		}
	}
}

func subscribed(s saga.Saga, domain string) bool {
	filter, ok := s.(saga.Domains)
	if !ok {
		return true
	}
	for _, d := range filter.SourceDomains() {
		if d == domain {
			return true
		}
	}
	return false
}

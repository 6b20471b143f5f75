package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/saga"
	"github.com/louisbranch/evented/internal/services/evented/storage/memory"
)

type namedSaga struct {
	name    string
	domains []string
}

func (s namedSaga) Name() string { return s.name }

func (s namedSaga) Prepare(context.Context, book.EventBook) ([]book.Cover, error) { return nil, nil }

func (s namedSaga) Execute(context.Context, book.EventBook, []book.EventBook) ([]book.CommandBook, error) {
	return nil, nil
}

type filteredSaga struct{ namedSaga }

func (s filteredSaga) SourceDomains() []string { return s.domains }

type fakeRunner struct {
	mu   sync.Mutex
	runs map[string]int
	err  error
}

func (f *fakeRunner) Run(_ context.Context, s saga.Saga, _ book.EventBook) (saga.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs == nil {
		f.runs = make(map[string]int)
	}
	f.runs[s.Name()]++
	return saga.Result{State: saga.Done}, f.err
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[name]
}

func orderBook(last uint64) book.EventBook {
	b := book.EventBook{Cover: book.Cover{Domain: "orders", Root: uuid.MustParse("7f1d2c3b-4a59-4687-9a0b-1c2d3e4f5a6b")}}
	for seq := uint64(0); seq <= last; seq++ {
		b.Pages = append(b.Pages, book.EventPage{Sequence: seq, Payload: book.Payload{TypeURL: "orders.Placed"}})
	}
	return b
}

func quiet(string, ...any) {}

func TestPublishFansOutToMatchingSagas(t *testing.T) {
	runner := &fakeRunner{}
	b, err := New(context.Background(), runner, WithLogger(quiet))
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	for _, s := range []saga.Saga{
		namedSaga{name: "audit"},
		filteredSaga{namedSaga{name: "fulfillment", domains: []string{"orders"}}},
		filteredSaga{namedSaga{name: "payouts", domains: []string{"wallet"}}},
	} {
		if err := b.Subscribe(s); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	b.Publish(context.Background(), orderBook(0))
	b.Wait()

	if runner.count("audit") != 1 || runner.count("fulfillment") != 1 {
		t.Fatalf("runs = %v", runner.runs)
	}
	if runner.count("payouts") != 0 {
		t.Fatal("saga filtered to wallet must not see orders")
	}
}

func TestPublishSkipsSeenPositions(t *testing.T) {
	runner := &fakeRunner{}
	positions := memory.NewPositionStore()
	b, _ := New(context.Background(), runner, WithPositions(positions), WithLogger(quiet))
	if err := b.Subscribe(namedSaga{name: "fulfillment"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(context.Background(), orderBook(1))
	b.Wait()
	b.Publish(context.Background(), orderBook(1))
	b.Wait()
	if got := runner.count("fulfillment"); got != 1 {
		t.Fatalf("runs = %d, want redelivery skipped", got)
	}

	seq, ok, err := positions.Get(context.Background(), "fulfillment", orderBook(0).Cover.Key())
	if err != nil || !ok || seq != 1 {
		t.Fatalf("position = %d, %v, %v", seq, ok, err)
	}

	b.Publish(context.Background(), orderBook(2))
	b.Wait()
	if got := runner.count("fulfillment"); got != 2 {
		t.Fatalf("runs = %d, want new events delivered", got)
	}
}

func TestFailedRunDoesNotAdvancePosition(t *testing.T) {
	runner := &fakeRunner{err: errors.New("transport down")}
	positions := memory.NewPositionStore()
	b, _ := New(context.Background(), runner, WithPositions(positions), WithLogger(quiet))
	_ = b.Subscribe(namedSaga{name: "fulfillment"})

	b.Publish(context.Background(), orderBook(0))
	b.Wait()
	if _, ok, _ := positions.Get(context.Background(), "fulfillment", orderBook(0).Cover.Key()); ok {
		t.Fatal("failed run must be redeliverable")
	}
}

func TestPublishEmptyBook(t *testing.T) {
	runner := &fakeRunner{}
	b, _ := New(context.Background(), runner)
	_ = b.Subscribe(namedSaga{name: "audit"})
	b.Publish(context.Background(), book.EventBook{})
	b.Wait()
	if runner.count("audit") != 0 {
		t.Fatal("empty book must not start a saga")
	}
}

func TestSubscribeValidation(t *testing.T) {
	b, _ := New(context.Background(), &fakeRunner{})
	if err := b.Subscribe(nil); err == nil {
		t.Fatal("expected nil saga error")
	}
	if err := b.Subscribe(namedSaga{name: "audit"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Subscribe(namedSaga{name: "audit"}); err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("expected runner error")
	}
}

// Package storagetest holds behavior tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

func pages(from uint64, n int) []book.EventPage {
	out := make([]book.EventPage, n)
	for i := range out {
		out[i] = book.EventPage{
			Sequence:  from + uint64(i),
			Payload:   book.Payload{TypeURL: "test.Happened", Value: []byte{byte(i)}},
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		}
	}
	return out
}

// EventStore exercises an EventStore implementation.
func EventStore(t *testing.T, newStore func(t *testing.T) storage.EventStore) {
	t.Run("append and read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cover := book.Cover{Domain: "orders", Root: uuid.New(), CorrelationID: "corr-a"}

		if err := s.Add(ctx, cover, pages(0, 3)); err != nil {
			t.Fatalf("add: %v", err)
		}
		got, err := s.Get(ctx, cover.Key())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got) != 3 || got[2].Sequence != 2 || got[1].Payload.Value[0] != 1 {
			t.Fatalf("pages = %+v", got)
		}
		from, err := s.GetFrom(ctx, cover.Key(), 2)
		if err != nil {
			t.Fatalf("get from: %v", err)
		}
		if len(from) != 1 || from[0].Sequence != 2 {
			t.Fatalf("get from pages = %+v", from)
		}
	})

	t.Run("missing aggregate is empty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Get(context.Background(), book.Key{Domain: "orders", Root: uuid.New()})
		if err != nil || len(got) != 0 {
			t.Fatalf("get = %v, %v", got, err)
		}
	})

	t.Run("rejects stale and gapped appends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cover := book.Cover{Domain: "orders", Root: uuid.New()}
		if err := s.Add(ctx, cover, pages(0, 2)); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := s.Add(ctx, cover, pages(1, 1)); !errors.Is(err, storage.ErrSequenceConflict) {
			t.Fatalf("stale err = %v", err)
		}
		if err := s.Add(ctx, cover, pages(3, 1)); !errors.Is(err, storage.ErrSequenceConflict) {
			t.Fatalf("gap err = %v", err)
		}
		got, _ := s.Get(ctx, cover.Key())
		if len(got) != 2 {
			t.Fatalf("pages after rejected appends = %d, want 2", len(got))
		}
	})

	t.Run("editions are separate histories", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		root := uuid.New()
		if err := s.Add(ctx, book.Cover{Domain: "orders", Root: root}, pages(0, 2)); err != nil {
			t.Fatalf("add main: %v", err)
		}
		if err := s.Add(ctx, book.Cover{Domain: "orders", Root: root, Edition: "what-if"}, pages(0, 1)); err != nil {
			t.Fatalf("add edition: %v", err)
		}
		got, _ := s.Get(ctx, book.Key{Domain: "orders", Root: root, Edition: "what-if"})
		if len(got) != 1 {
			t.Fatalf("edition pages = %d, want 1", len(got))
		}
	})

	t.Run("concurrent writers never duplicate sequences", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cover := book.Cover{Domain: "orders", Root: uuid.New()}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Add(ctx, cover, pages(0, 1)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("winning writers = %d, want 1", wins)
		}
		got, _ := s.Get(ctx, cover.Key())
		if len(got) != 1 {
			t.Fatalf("pages = %d, want 1", len(got))
		}
	})

	t.Run("by correlation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := book.Cover{Domain: "inventory", Root: uuid.New(), CorrelationID: "corr-1"}
		second := book.Cover{Domain: "inventory", Root: uuid.New(), CorrelationID: "corr-1"}
		other := book.Cover{Domain: "orders", Root: uuid.New(), CorrelationID: "corr-1"}

		if err := s.Add(ctx, first, pages(0, 1)); err != nil {
			t.Fatalf("add first: %v", err)
		}
		if err := s.Add(ctx, second, pages(0, 2)); err != nil {
			t.Fatalf("add second: %v", err)
		}
		if err := s.Add(ctx, other, pages(0, 1)); err != nil {
			t.Fatalf("add other: %v", err)
		}
		uncorrelated := first
		uncorrelated.CorrelationID = "corr-2"
		if err := s.Add(ctx, uncorrelated, pages(1, 1)); err != nil {
			t.Fatalf("add uncorrelated: %v", err)
		}

		books, err := s.GetByCorrelation(ctx, "inventory", "corr-1")
		if err != nil {
			t.Fatalf("get by correlation: %v", err)
		}
		if len(books) != 2 {
			t.Fatalf("books = %d, want 2", len(books))
		}
		if books[0].Cover.Root != first.Root || len(books[0].Pages) != 1 {
			t.Fatalf("first book = %+v", books[0])
		}
		if books[1].Cover.Root != second.Root || len(books[1].Pages) != 2 {
			t.Fatalf("second book = %+v", books[1])
		}
		if books[0].Cover.CorrelationID != "corr-1" {
			t.Fatalf("correlation = %q", books[0].Cover.CorrelationID)
		}
	})
}

// SnapshotStore exercises a SnapshotStore implementation.
func SnapshotStore(t *testing.T, newStore func(t *testing.T) storage.SnapshotStore) {
	snap := func(seq uint64, retention book.Retention) book.Snapshot {
		return book.Snapshot{
			Sequence:  seq,
			Payload:   book.Payload{TypeURL: "test.State", Value: []byte{byte(seq)}},
			Retention: retention,
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		}
	}

	t.Run("missing is not found", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), book.Key{Domain: "orders", Root: uuid.New()}); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want not found", err)
		}
	})

	t.Run("transient snapshots are reaped on next write", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := book.Key{Domain: "orders", Root: uuid.New()}

		for _, sn := range []book.Snapshot{
			snap(4, book.RetentionPersist),
			snap(9, book.RetentionTransient),
			snap(14, book.RetentionTransient),
		} {
			if err := s.Put(ctx, key, sn); err != nil {
				t.Fatalf("put %d: %v", sn.Sequence, err)
			}
		}

		latest, err := s.Get(ctx, key)
		if err != nil || latest.Sequence != 14 || latest.Payload.Value[0] != 14 {
			t.Fatalf("latest = %+v, %v", latest, err)
		}
		if _, err := s.GetAtSeq(ctx, key, 13); err != nil {
			t.Fatalf("get at 13: %v", err)
		}
		at, _ := s.GetAtSeq(ctx, key, 13)
		if at.Sequence != 4 {
			t.Fatalf("snapshot at 13 = %d, want persisted 4 (9 was reaped)", at.Sequence)
		}
		if _, err := s.GetAtSeq(ctx, key, 3); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want not found", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := book.Key{Domain: "orders", Root: uuid.New()}
		if err := s.Put(ctx, key, snap(2, book.RetentionPersist)); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.Delete(ctx, key, 2); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, key, 2); err != nil {
			t.Fatalf("delete missing: %v", err)
		}
		if _, err := s.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want not found", err)
		}
	})
}

// PositionStore exercises a PositionStore implementation.
func PositionStore(t *testing.T, newStore func(t *testing.T) storage.PositionStore) {
	s := newStore(t)
	ctx := context.Background()
	key := book.Key{Domain: "orders", Root: uuid.New()}

	if _, ok, err := s.Get(ctx, "order-fulfillment", key); err != nil || ok {
		t.Fatalf("get empty = %v, %v", ok, err)
	}
	if err := s.Put(ctx, "order-fulfillment", key, 3); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "order-fulfillment", key, 5); err != nil {
		t.Fatalf("put again: %v", err)
	}
	seq, ok, err := s.Get(ctx, "order-fulfillment", key)
	if err != nil || !ok || seq != 5 {
		t.Fatalf("get = %d, %v, %v", seq, ok, err)
	}
	if _, ok, _ := s.Get(ctx, "other-saga", key); ok {
		t.Fatal("positions must be per subscriber")
	}
}

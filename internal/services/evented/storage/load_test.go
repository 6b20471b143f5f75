package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
	"github.com/louisbranch/evented/internal/services/evented/storage/memory"
)

func TestLoadStartsAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	snapshots := memory.NewSnapshotStore()
	cover := book.Cover{Domain: "cart", Root: uuid.New()}

	var pages []book.EventPage
	for i := uint64(0); i < 5; i++ {
		pages = append(pages, book.EventPage{Sequence: i, Payload: book.Payload{TypeURL: "cart.ItemAdded"}, CreatedAt: time.Now()})
	}
	if err := events.Add(ctx, cover, pages); err != nil {
		t.Fatalf("add: %v", err)
	}

	loaded, err := storage.Load(ctx, events, snapshots, cover)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Snapshot != nil || len(loaded.Pages) != 5 || loaded.NextSequence() != 5 {
		t.Fatalf("loaded without snapshot = %+v", loaded)
	}

	if err := snapshots.Put(ctx, cover.Key(), book.Snapshot{Sequence: 2, Retention: book.RetentionTransient}); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	loaded, err = storage.Load(ctx, events, snapshots, cover)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Snapshot == nil || loaded.Snapshot.Sequence != 2 {
		t.Fatalf("snapshot = %+v", loaded.Snapshot)
	}
	if len(loaded.Pages) != 2 || loaded.Pages[0].Sequence != 3 || loaded.NextSequence() != 5 {
		t.Fatalf("pages after snapshot = %+v", loaded.Pages)
	}
}

func TestLoadEmptyAggregate(t *testing.T) {
	cover := book.Cover{Domain: "cart", Root: uuid.New(), CorrelationID: "c"}
	loaded, err := storage.Load(context.Background(), memory.NewEventStore(), nil, cover)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Empty() || loaded.NextSequence() != 0 || loaded.Cover != cover {
		t.Fatalf("loaded = %+v", loaded)
	}
}

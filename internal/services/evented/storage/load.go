package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
)

// Load assembles the current EventBook of cover: the latest snapshot, when
// snapshots is non-nil and holds one, followed by the events after it.
func Load(ctx context.Context, events EventStore, snapshots SnapshotStore, cover book.Cover) (book.EventBook, error) {
	if events == nil {
		return book.EventBook{}, errors.New("event store is required")
	}
	key := cover.Key()
	result := book.EventBook{Cover: cover}

	var from uint64
	if snapshots != nil {
		snapshot, err := snapshots.Get(ctx, key)
		switch {
		case err == nil:
			result.Snapshot = &snapshot
			from = snapshot.Sequence + 1
		case errors.Is(err, ErrNotFound):
		default:
			return book.EventBook{}, fmt.Errorf("load snapshot %s: %w", key, err)
		}
	}

	pages, err := events.GetFrom(ctx, key, from)
	if err != nil {
		return book.EventBook{}, fmt.Errorf("load events %s: %w", key, err)
	}
	if err := book.CheckContiguous(pages, from); err != nil {
		return book.EventBook{}, fmt.Errorf("load events %s: %w", key, err)
	}
	result.Pages = pages
	return result, nil
}

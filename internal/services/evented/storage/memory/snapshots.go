package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// SnapshotStore keeps snapshots in memory, ordered by sequence.
type SnapshotStore struct {
	mu        sync.Mutex
	snapshots map[book.Key][]book.Snapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[book.Key][]book.Snapshot)}
}

// Get returns the latest snapshot of key.
func (s *SnapshotStore) Get(ctx context.Context, key book.Key) (book.Snapshot, error) {
	return s.GetAtSeq(ctx, key, ^uint64(0))
}

// GetAtSeq returns the latest snapshot of key at or below seq.
func (s *SnapshotStore) GetAtSeq(ctx context.Context, key book.Key, seq uint64) (book.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return book.Snapshot{}, err
	}
	if s == nil {
		return book.Snapshot{}, errors.New("snapshot store is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[key]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Sequence <= seq {
			return list[i], nil
		}
	}
	return book.Snapshot{}, storage.ErrNotFound
}

// Put stores snapshot, replacing one at the same sequence, and reaps older
// transient snapshots.
func (s *SnapshotStore) Put(ctx context.Context, key book.Key, snapshot book.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("snapshot store is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]book.Snapshot, 0, len(s.snapshots[key])+1)
	for _, existing := range s.snapshots[key] {
		if existing.Sequence == snapshot.Sequence {
			continue
		}
		if existing.Sequence < snapshot.Sequence && existing.Retention != book.RetentionPersist {
			continue
		}
		kept = append(kept, existing)
	}
	kept = append(kept, snapshot)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Sequence < kept[j].Sequence })
	s.snapshots[key] = kept
	return nil
}

// Delete removes the snapshot of key at seq.
func (s *SnapshotStore) Delete(ctx context.Context, key book.Key, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("snapshot store is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[key]
	for i, existing := range list {
		if existing.Sequence == seq {
			s.snapshots[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)

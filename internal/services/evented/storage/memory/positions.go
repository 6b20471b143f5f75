package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

type positionKey struct {
	subscriber string
	key        book.Key
}

// PositionStore keeps subscriber positions in memory.
type PositionStore struct {
	mu        sync.Mutex
	positions map[positionKey]uint64
}

// NewPositionStore creates an empty position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[positionKey]uint64)}
}

// Get returns the last processed sequence of subscriber for key.
func (s *PositionStore) Get(ctx context.Context, subscriber string, key book.Key) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if s == nil {
		return 0, false, errors.New("position store is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.positions[positionKey{subscriber: subscriber, key: key}]
	return seq, ok, nil
}

// Put records seq as processed.
func (s *PositionStore) Put(ctx context.Context, subscriber string, key book.Key, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("position store is required")
	}
	if strings.TrimSpace(subscriber) == "" {
		return errors.New("subscriber is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey{subscriber: subscriber, key: key}] = seq
	return nil
}

var _ storage.PositionStore = (*PositionStore)(nil)

// NewStores returns a fresh set of in-memory aggregate stores.
func NewStores() storage.Stores {
	return storage.Stores{
		Events:    NewEventStore(),
		Snapshots: NewSnapshotStore(),
		Positions: NewPositionStore(),
	}
}

// Package memory provides in-process stores for tests and single-node runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

type storedEvent struct {
	page          book.EventPage
	correlationID string
	order         uint64
}

// EventStore keeps event histories in memory.
type EventStore struct {
	mu      sync.Mutex
	streams map[book.Key][]storedEvent
	writes  uint64
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{streams: make(map[book.Key][]storedEvent)}
}

// Add appends pages when the first one carries the stored next sequence.
func (s *EventStore) Add(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("event store is required")
	}
	if err := cover.Validate(); err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cover.Key()
	stream := s.streams[key]
	var next uint64
	if n := len(stream); n > 0 {
		next = stream[n-1].page.Sequence + 1
	}
	if err := book.CheckContiguous(pages, next); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSequenceConflict, err)
	}
	for _, page := range pages {
		s.writes++
		stream = append(stream, storedEvent{page: page, correlationID: cover.CorrelationID, order: s.writes})
	}
	s.streams[key] = stream
	return nil
}

// Get returns the full history of key.
func (s *EventStore) Get(ctx context.Context, key book.Key) ([]book.EventPage, error) {
	return s.GetFrom(ctx, key, 0)
}

// GetFrom returns the pages of key with sequence >= from.
func (s *EventStore) GetFrom(ctx context.Context, key book.Key, from uint64) ([]book.EventPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("event store is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pages []book.EventPage
	for _, stored := range s.streams[key] {
		if stored.page.Sequence >= from {
			pages = append(pages, stored.page)
		}
	}
	return pages, nil
}

// GetByCorrelation returns the pages of domain written under correlationID,
// grouped per aggregate in order of first write.
func (s *EventStore) GetByCorrelation(ctx context.Context, domain, correlationID string) ([]book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("event store is required")
	}
	if correlationID == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type match struct {
		first uint64
		book  book.EventBook
	}
	var matches []match
	for key, stream := range s.streams {
		if key.Domain != domain {
			continue
		}
		m := match{book: book.EventBook{Cover: book.Cover{
			Domain: key.Domain, Edition: key.Edition, Root: key.Root, CorrelationID: correlationID,
		}}}
		for _, stored := range stream {
			if stored.correlationID != correlationID {
				continue
			}
			if len(m.book.Pages) == 0 {
				m.first = stored.order
			}
			m.book.Pages = append(m.book.Pages, stored.page)
		}
		if len(m.book.Pages) > 0 {
			matches = append(matches, m)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].first < matches[j].first })
	books := make([]book.EventBook, len(matches))
	for i, m := range matches {
		books[i] = m.book
	}
	return books, nil
}

var _ storage.EventStore = (*EventStore)(nil)

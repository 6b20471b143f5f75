// Package fetch resolves destination aggregates to their current history for
// sagas. Fetchers never fail: any error reads as "no history yet".
package fetch

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// Fetcher returns the current EventBook of a destination, or nil when it
// cannot be found or reached.
type Fetcher interface {
	Fetch(ctx context.Context, cover book.Cover) *book.EventBook
	FetchByCorrelation(ctx context.Context, domain, correlationID string) *book.EventBook
}

// Store fetches from local stores.
type Store struct {
	events    storage.EventStore
	snapshots storage.SnapshotStore
	logf      func(string, ...any)
}

// NewStore builds a store-backed fetcher; snapshots may be nil.
func NewStore(events storage.EventStore, snapshots storage.SnapshotStore) *Store {
	return &Store{events: events, snapshots: snapshots, logf: log.Printf}
}

// Fetch loads the history of cover. An aggregate without events yields nil.
func (s *Store) Fetch(ctx context.Context, cover book.Cover) *book.EventBook {
	if s == nil || s.events == nil {
		return nil
	}
	loaded, err := storage.Load(ctx, s.events, s.snapshots, cover)
	if err != nil {
		s.logf("fetch %s: %v", cover.Key(), err)
		return nil
	}
	if loaded.Empty() {
		return nil
	}
	return &loaded
}

// FetchByCorrelation loads the full history of the first aggregate of domain
// that was written under correlationID.
func (s *Store) FetchByCorrelation(ctx context.Context, domain, correlationID string) *book.EventBook {
	if s == nil || s.events == nil || strings.TrimSpace(correlationID) == "" {
		return nil
	}
	books, err := s.events.GetByCorrelation(ctx, domain, correlationID)
	if err != nil {
		s.logf("fetch %s by correlation %s: %v", domain, correlationID, err)
		return nil
	}
	if len(books) == 0 {
		return nil
	}
	return s.Fetch(ctx, books[0].Cover)
}

// Router dispatches to a fetcher per domain, falling back to a default.
type Router struct {
	mu       sync.RWMutex
	domains  map[string]Fetcher
	fallback Fetcher
}

// NewRouter builds a router; fallback may be nil.
func NewRouter(fallback Fetcher) *Router {
	return &Router{domains: make(map[string]Fetcher), fallback: fallback}
}

// Route sends domain to f.
func (r *Router) Route(domain string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[domain] = f
}

func (r *Router) fetcher(domain string) Fetcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.domains[domain]; ok {
		return f
	}
	return r.fallback
}

// Fetch resolves cover through its domain's fetcher.
func (r *Router) Fetch(ctx context.Context, cover book.Cover) *book.EventBook {
	f := r.fetcher(cover.Domain)
	if f == nil {
		return nil
	}
	return f.Fetch(ctx, cover)
}

// FetchByCorrelation resolves through domain's fetcher.
func (r *Router) FetchByCorrelation(ctx context.Context, domain, correlationID string) *book.EventBook {
	f := r.fetcher(domain)
	if f == nil {
		return nil
	}
	return f.FetchByCorrelation(ctx, domain, correlationID)
}

var (
	_ Fetcher = (*Store)(nil)
	_ Fetcher = (*Router)(nil)
)

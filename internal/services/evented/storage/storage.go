// Package storage declares the persistence contracts of the runtime. Every
// store is keyed by (domain, edition, root) and, where relevant, a sequence.
package storage

import (
	"context"

	apperrors "github.com/louisbranch/evented/internal/platform/errors"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/domain/sequence"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSequenceConflict indicates another writer advanced the aggregate before
// an append. It matches any error coded as a sequence conflict.
var ErrSequenceConflict = apperrors.New(apperrors.CodeSequenceConflict, sequence.ConflictReason)

// EventStore persists append-only event histories.
type EventStore interface {
	// Add appends pages to the history addressed by cover. The first page
	// must carry the stored next sequence and pages must be contiguous;
	// otherwise nothing is written and ErrSequenceConflict is returned.
	// The cover's correlation id is recorded with every page.
	Add(ctx context.Context, cover book.Cover, pages []book.EventPage) error
	// Get returns the full history, empty when the aggregate has none.
	Get(ctx context.Context, key book.Key) ([]book.EventPage, error)
	// GetFrom returns the pages with sequence >= from.
	GetFrom(ctx context.Context, key book.Key, from uint64) ([]book.EventPage, error)
	// GetByCorrelation returns, per aggregate of domain, the pages written
	// under correlationID, ordered by first write.
	GetByCorrelation(ctx context.Context, domain, correlationID string) ([]book.EventBook, error)
}

// SnapshotStore persists materialized aggregate state.
type SnapshotStore interface {
	// Get returns the latest snapshot or ErrNotFound.
	Get(ctx context.Context, key book.Key) (book.Snapshot, error)
	// GetAtSeq returns the latest snapshot at or below seq or ErrNotFound.
	GetAtSeq(ctx context.Context, key book.Key, seq uint64) (book.Snapshot, error)
	// Put stores snapshot and reaps older transient snapshots of the same
	// aggregate.
	Put(ctx context.Context, key book.Key, snapshot book.Snapshot) error
	// Delete removes the snapshot at seq. Missing snapshots are not an error.
	Delete(ctx context.Context, key book.Key, seq uint64) error
}

// PositionStore records how far a named subscriber has processed each
// aggregate.
type PositionStore interface {
	// Get returns the last processed sequence; ok is false when the
	// subscriber has not processed the aggregate yet.
	Get(ctx context.Context, subscriber string, key book.Key) (seq uint64, ok bool, err error)
	Put(ctx context.Context, subscriber string, key book.Key, seq uint64) error
}

// Stores bundles the aggregate stores of one backend.
type Stores struct {
	Events    EventStore
	Snapshots SnapshotStore
	Positions PositionStore
}

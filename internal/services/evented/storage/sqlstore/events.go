package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// EventStore persists event pages in the events table.
type EventStore struct {
	db *DB
}

// Add appends pages in one transaction. A page that collides with a stored
// sequence, or a batch that does not start at the stored next sequence,
// fails with storage.ErrSequenceConflict.
func (s *EventStore) Add(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.ready(); err != nil {
		return err
	}
	if err := cover.Validate(); err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}

	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := cover.Key()
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.db.q(`
SELECT MAX(sequence) FROM events WHERE domain = ? AND edition = ? AND root = ?
`), keyArgs(key)...).Scan(&last); err != nil {
		return fmt.Errorf("read next sequence: %w", err)
	}
	var next uint64
	if last.Valid {
		next = uint64(last.Int64) + 1
	}
	if err := book.CheckContiguous(pages, next); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSequenceConflict, err)
	}

	insert := s.db.q(`
INSERT INTO events (
	domain,
	edition,
	root,
	sequence,
	type_url,
	payload,
	correlation_id,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	for _, page := range pages {
		_, err := tx.ExecContext(ctx, insert,
			key.Domain,
			key.Edition,
			key.Root.String(),
			int64(page.Sequence),
			page.Payload.TypeURL,
			page.Payload.Value,
			cover.CorrelationID,
			toMillis(page.CreatedAt),
		)
		if err != nil {
			if s.db.unique(err) {
				return fmt.Errorf("%w: sequence %d already stored", storage.ErrSequenceConflict, page.Sequence)
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		if s.db.unique(err) {
			return storage.ErrSequenceConflict
		}
		return fmt.Errorf("commit append: %w", err)
	}
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
	if err := s.db.ready(); err != nil {
		return nil, err
	}

	args := append(keyArgs(key), int64(from))
	rows, err := s.db.sqlDB.QueryContext(ctx, s.db.q(`
SELECT sequence, type_url, payload, created_at
FROM events
WHERE domain = ? AND edition = ? AND root = ? AND sequence >= ?
ORDER BY sequence ASC
`), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var pages []book.EventPage
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return pages, nil
}

// GetByCorrelation groups the correlated pages of domain per aggregate, in
// order of each aggregate's first correlated write.
func (s *EventStore) GetByCorrelation(ctx context.Context, domain, correlationID string) ([]book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.db.ready(); err != nil {
		return nil, err
	}
	if correlationID == "" {
		return nil, nil
	}

	rows, err := s.db.sqlDB.QueryContext(ctx, s.db.q(`
SELECT edition, root, sequence, type_url, payload, created_at
FROM events
WHERE domain = ? AND correlation_id = ?
ORDER BY id ASC
`), domain, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list correlated events: %w", err)
	}
	defer rows.Close()

	var books []book.EventBook
	index := make(map[book.Key]int)
	for rows.Next() {
		var (
			edition, root string
			seq, created  int64
			page          book.EventPage
		)
		if err := rows.Scan(&edition, &root, &seq, &page.Payload.TypeURL, &page.Payload.Value, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rootID, err := uuid.Parse(root)
		if err != nil {
			return nil, fmt.Errorf("parse root %q: %w", root, err)
		}
		page.Sequence = uint64(seq)
		page.CreatedAt = fromMillis(created)

		key := book.Key{Domain: domain, Edition: edition, Root: rootID}
		i, ok := index[key]
		if !ok {
			i = len(books)
			index[key] = i
			books = append(books, book.EventBook{Cover: book.Cover{
				Domain: domain, Edition: edition, Root: rootID, CorrelationID: correlationID,
			}})
		}
		books[i].Pages = append(books[i].Pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate correlated events: %w", err)
	}
	return books, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (book.EventPage, error) {
	var (
		page    book.EventPage
		seq     int64
		created int64
	)
	if err := row.Scan(&seq, &page.Payload.TypeURL, &page.Payload.Value, &created); err != nil {
		return book.EventPage{}, fmt.Errorf("scan event: %w", err)
	}
	page.Sequence = uint64(seq)
	page.CreatedAt = fromMillis(created)
	return page, nil
}

var _ storage.EventStore = (*EventStore)(nil)

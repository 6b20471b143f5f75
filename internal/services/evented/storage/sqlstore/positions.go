package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// PositionStore persists subscriber positions in the positions table.
type PositionStore struct {
	db *DB
}

// Get returns the last processed sequence of subscriber for key.
func (s *PositionStore) Get(ctx context.Context, subscriber string, key book.Key) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if err := s.db.ready(); err != nil {
		return 0, false, err
	}

	var seq int64
	err := s.db.sqlDB.QueryRowContext(ctx, s.db.q(`
SELECT sequence FROM positions
WHERE subscriber = ? AND domain = ? AND edition = ? AND root = ?
`), append([]any{subscriber}, keyArgs(key)...)...).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get position: %w", err)
	}
	return uint64(seq), true, nil
}

// Put records seq as processed.
func (s *PositionStore) Put(ctx context.Context, subscriber string, key book.Key, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(subscriber) == "" {
		return fmt.Errorf("subscriber is required")
	}

	if _, err := s.db.sqlDB.ExecContext(ctx, s.db.q(`
INSERT INTO positions (
	subscriber,
	domain,
	edition,
	root,
	sequence,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (subscriber, domain, edition, root) DO UPDATE SET
	sequence = excluded.sequence,
	updated_at = excluded.updated_at
`),
		subscriber,
		key.Domain,
		key.Edition,
		key.Root.String(),
		int64(seq),
		toMillis(s.db.now()),
	); err != nil {
		return fmt.Errorf("put position: %w", err)
	}
	return nil
}

var _ storage.PositionStore = (*PositionStore)(nil)

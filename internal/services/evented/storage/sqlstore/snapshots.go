package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// SnapshotStore persists snapshots in the snapshots table.
type SnapshotStore struct {
	db *DB
}

// Get returns the latest snapshot of key.
func (s *SnapshotStore) Get(ctx context.Context, key book.Key) (book.Snapshot, error) {
	return s.latest(ctx, key, `
SELECT sequence, type_url, payload, retention, created_at
FROM snapshots
WHERE domain = ? AND edition = ? AND root = ?
ORDER BY sequence DESC
LIMIT 1
`, keyArgs(key)...)
}

// GetAtSeq returns the latest snapshot of key at or below seq.
func (s *SnapshotStore) GetAtSeq(ctx context.Context, key book.Key, seq uint64) (book.Snapshot, error) {
	return s.latest(ctx, key, `
SELECT sequence, type_url, payload, retention, created_at
FROM snapshots
WHERE domain = ? AND edition = ? AND root = ? AND sequence <= ?
ORDER BY sequence DESC
LIMIT 1
`, append(keyArgs(key), int64(seq))...)
}

func (s *SnapshotStore) latest(ctx context.Context, key book.Key, query string, args ...any) (book.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return book.Snapshot{}, err
	}
	if err := s.db.ready(); err != nil {
		return book.Snapshot{}, err
	}

	var (
		snapshot  book.Snapshot
		seq       int64
		retention string
		created   int64
	)
	err := s.db.sqlDB.QueryRowContext(ctx, s.db.q(query), args...).Scan(
		&seq,
		&snapshot.Payload.TypeURL,
		&snapshot.Payload.Value,
		&retention,
		&created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return book.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	snapshot.Sequence = uint64(seq)
	snapshot.Retention = book.Retention(retention)
	snapshot.CreatedAt = fromMillis(created)
	return snapshot, nil
}

// Put upserts snapshot and deletes older transient snapshots of key.
func (s *SnapshotStore) Put(ctx context.Context, key book.Key, snapshot book.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.ready(); err != nil {
		return err
	}

	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	reap := append(keyArgs(key), int64(snapshot.Sequence), string(book.RetentionPersist))
	if _, err := tx.ExecContext(ctx, s.db.q(`
DELETE FROM snapshots
WHERE domain = ? AND edition = ? AND root = ? AND sequence < ? AND retention <> ?
`), reap...); err != nil {
		return fmt.Errorf("reap snapshots: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.q(`
INSERT INTO snapshots (
	domain,
	edition,
	root,
	sequence,
	type_url,
	payload,
	retention,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (domain, edition, root, sequence) DO UPDATE SET
	type_url = excluded.type_url,
	payload = excluded.payload,
	retention = excluded.retention,
	created_at = excluded.created_at
`),
		key.Domain,
		key.Edition,
		key.Root.String(),
		int64(snapshot.Sequence),
		snapshot.Payload.TypeURL,
		snapshot.Payload.Value,
		string(snapshot.Retention),
		toMillis(snapshot.CreatedAt),
	); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot of key at seq.
func (s *SnapshotStore) Delete(ctx context.Context, key book.Key, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.ready(); err != nil {
		return err
	}
	if _, err := s.db.sqlDB.ExecContext(ctx, s.db.q(`
DELETE FROM snapshots WHERE domain = ? AND edition = ? AND root = ? AND sequence = ?
`), append(keyArgs(key), int64(seq))...); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)

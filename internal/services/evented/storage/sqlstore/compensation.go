package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/evented/internal/services/evented/domain/compensation"
)

// ClaimStore records compensated rejections so a restarted process never
// compensates one twice.
type ClaimStore struct {
	db *DB
}

// Claim returns true when key was not claimed before.
func (s *ClaimStore) Claim(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.db.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("claim key is required")
	}

	res, err := s.db.sqlDB.ExecContext(ctx, s.db.q(`
INSERT INTO compensation_claims (claim_key, claimed_at) VALUES (?, ?)
ON CONFLICT (claim_key) DO NOTHING
`), key, toMillis(s.db.now()))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s rows: %w", key, err)
	}
	return n == 1, nil
}

// DeadLetterStore keeps dead letters in the dead_letters table.
type DeadLetterStore struct {
	db *DB
}

// Send stores letter.
func (s *DeadLetterStore) Send(ctx context.Context, letter compensation.Letter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.ready(); err != nil {
		return err
	}
	body, err := json.Marshal(letter.Notification)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = s.db.now()
	}

	if _, err := s.db.sqlDB.ExecContext(ctx, s.db.q(`
INSERT INTO dead_letters (
	letter_key,
	saga,
	reason,
	notification,
	created_at
) VALUES (?, ?, ?, ?, ?)
`),
		letter.Key,
		letter.Notification.SagaName,
		letter.Notification.Reason,
		body,
		toMillis(letter.CreatedAt),
	); err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

// List returns up to limit letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]compensation.Letter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.db.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.db.sqlDB.QueryContext(ctx, s.db.q(`
SELECT letter_key, notification, created_at
FROM dead_letters
ORDER BY created_at DESC, id DESC
LIMIT ?
`), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]compensation.Letter, 0, limit)
	for rows.Next() {
		var (
			letter  compensation.Letter
			body    []byte
			created int64
		)
		if err := rows.Scan(&letter.Key, &body, &created); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(body, &letter.Notification); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", letter.Key, err)
		}
		letter.CreatedAt = fromMillis(created)
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

var (
	_ compensation.ClaimStore     = (*ClaimStore)(nil)
	_ compensation.DeadLetterSink = (*DeadLetterStore)(nil)
)

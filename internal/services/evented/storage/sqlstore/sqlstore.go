// Package sqlstore implements the storage contracts over database/sql. The
// sqlite and postgres packages open the database, apply their migrations and
// supply the dialect.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/louisbranch/evented/internal/platform/storage/sqlmigrate"
	"github.com/louisbranch/evented/internal/services/evented/domain/book"
	"github.com/louisbranch/evented/internal/services/evented/storage"
)

// DB is a migrated database shared by every store of one backend.
type DB struct {
	sqlDB   *sql.DB
	dialect sqlmigrate.Dialect
	unique  func(error) bool
	now     func() time.Time
}

// New wraps sqlDB. isUniqueViolation reports whether an insert lost to an
// existing row.
func New(sqlDB *sql.DB, dialect sqlmigrate.Dialect, isUniqueViolation func(error) bool) *DB {
	if isUniqueViolation == nil {
		isUniqueViolation = func(error) bool { return false }
	}
	return &DB{
		sqlDB:   sqlDB,
		dialect: dialect,
		unique:  isUniqueViolation,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.sqlDB
}

// Close releases the connection pool.
func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

func (d *DB) ready() error {
	if d == nil || d.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (d *DB) q(query string) string {
	return d.dialect.Rebind(query)
}

// Events returns the event store.
func (d *DB) Events() *EventStore { return &EventStore{db: d} }

// Snapshots returns the snapshot store.
func (d *DB) Snapshots() *SnapshotStore { return &SnapshotStore{db: d} }

// Positions returns the subscriber position store.
func (d *DB) Positions() *PositionStore { return &PositionStore{db: d} }

// Claims returns the compensation claim store.
func (d *DB) Claims() *ClaimStore { return &ClaimStore{db: d} }

// DeadLetters returns the dead-letter table.
func (d *DB) DeadLetters() *DeadLetterStore { return &DeadLetterStore{db: d} }

// Stores bundles the aggregate stores.
func (d *DB) Stores() storage.Stores {
	return storage.Stores{
		Events:    d.Events(),
		Snapshots: d.Snapshots(),
		Positions: d.Positions(),
	}
}

func keyArgs(key book.Key) []any {
	return []any{key.Domain, key.Edition, key.Root.String()}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

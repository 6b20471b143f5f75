// Package postgres opens the PostgreSQL backend of the evented stores.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/louisbranch/evented/internal/platform/storage/sqlmigrate"
	"github.com/louisbranch/evented/internal/services/evented/storage/sqlstore"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// Store is a migrated PostgreSQL database.
type Store struct {
	*sqlstore.DB
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	if err := sqlmigrate.Apply(ctx, sqlDB, migrationFS, "migrations", sqlmigrate.Postgres); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return New(sqlDB), nil
}

// New wraps an already migrated database.
func New(sqlDB *sql.DB) *Store {
	return &Store{DB: sqlstore.New(sqlDB, sqlmigrate.Postgres, isUniqueViolation)}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Package sqlite opens the SQLite backend of the evented stores.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/louisbranch/evented/internal/platform/storage/sqlmigrate"
	"github.com/louisbranch/evented/internal/services/evented/storage/sqlstore"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a migrated SQLite database.
type Store struct {
	*sqlstore.DB
}

// Open opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Appends read the stored next sequence and insert in one transaction;
	// a single connection keeps those transactions from interleaving.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlmigrate.Apply(context.Background(), sqlDB, migrationFS, "migrations", sqlmigrate.SQLite); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{DB: sqlstore.New(sqlDB, sqlmigrate.SQLite, isUniqueViolation)}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

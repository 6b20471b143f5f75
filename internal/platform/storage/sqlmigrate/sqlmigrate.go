// Package sqlmigrate applies embedded SQL migrations to SQLite and Postgres
// databases, recording each file once in schema_migrations.
package sqlmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// Dialect selects placeholder syntax for the bookkeeping statements.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Rebind rewrites the ? placeholders of query for the dialect.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Apply executes every *.sql file under root in lexical order, skipping files
// already recorded. Each file runs in its own transaction together with its
// bookkeeping row, so a failed migration is never recorded.
func Apply(ctx context.Context, db *sql.DB, migrationFS fs.FS, root string, dialect Dialect) error {
	if db == nil {
		return errors.New("sql db is required")
	}
	if migrationFS == nil {
		return errors.New("migration fs is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := "CREATE TABLE IF NOT EXISTS " + migrationTable + " (name TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)"
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		key := path.Join(root, file)
		applied, err := isApplied(ctx, db, dialect, key)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		content, err := fs.ReadFile(migrationFS, key)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := applyOne(ctx, db, dialect, key, ExtractUp(string(content))); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, dialect Dialect, key, upSQL string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if strings.TrimSpace(upSQL) != "" {
		if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExists(err) {
			return err
		}
	}
	record := fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (%s, %s) ON CONFLICT (name) DO NOTHING",
		migrationTable, dialect.placeholder(1), dialect.placeholder(2))
	if _, err := tx.ExecContext(ctx, record, key, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

// ExtractUp returns the SQL in the "-- +migrate Up" section, or the whole
// content when the file has no markers.
func ExtractUp(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	body := content[upIdx+len(up):]
	if downIdx := strings.Index(body, down); downIdx != -1 {
		return body[:downIdx]
	}
	return body
}

// IsAlreadyExists reports whether err indicates idempotent DDL success.
func IsAlreadyExists(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func isApplied(ctx context.Context, db *sql.DB, dialect Dialect, key string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = "+dialect.placeholder(1), key).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

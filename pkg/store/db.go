package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"        // postgres driver
	_ "modernc.org/sqlite"       // sqlite driver for single-node deployments
)

// Sentinel errors shared by all store operations.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Dialect selects placeholder and locking behavior.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a sql.DB with dialect-aware helpers. All registry persistence
// goes through it.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects using a DSN. postgres:// DSNs use lib/pq; anything else is
// treated as a SQLite path (file:... or plain path), matching how the
// server ships both backends.
func Open(dsn string) (*DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		return &DB{db: db, dialect: DialectPostgres}, nil
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite is single-writer; serialize access instead of surfacing
	// SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	return &DB{db: db, dialect: DialectSQLite}, nil
}

// NewWithDB wraps an existing handle (used by tests with sqlmock).
func NewWithDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Init creates the schema.
func (d *DB) Init(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Raw exposes the underlying handle for maintenance queries and tests.
func (d *DB) Raw() *sql.DB {
	return d.db
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// q rewrites $N placeholders to ? for SQLite. Queries are written with
// strictly ascending, non-repeating placeholders so positional rewrite is
// safe.
func (d *DB) q(query string) string {
	if d.dialect == DialectPostgres {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

// forUpdate returns the row-lock clause for the dialect. SQLite's single
// writer makes the clause unnecessary there.
func (d *DB) forUpdate() string {
	if d.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// inTx runs fn in a transaction, committing on nil error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// normalizeRepoURL strips a single trailing slash; source-repo matching is
// exact beyond that.
func normalizeRepoURL(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}

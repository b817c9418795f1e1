package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/doc-ocr/internal/config"
	"github.com/spherical/doc-ocr/internal/domain"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ocr_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	source       TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	request_id   TEXT NOT NULL DEFAULT '',
	page_count   INTEGER NOT NULL DEFAULT 0,
	doc_pages    INTEGER NOT NULL DEFAULT 0,
	result_path  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ocr_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	source       TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	request_id   TEXT NOT NULL DEFAULT '',
	page_count   INTEGER NOT NULL DEFAULT 0,
	doc_pages    INTEGER NOT NULL DEFAULT 0,
	result_path  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`

// Open connects to the configured job ledger and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		driver, dsn string
		maxOpen     int
	)
	switch cfg.Driver {
	case "sqlite":
		driver, dsn, maxOpen = "sqlite3", cfg.SQLite.Path, cfg.SQLite.MaxOpenConns
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, domain.PersistenceError("create database directory", err)
			}
		}
	case "postgres":
		driver, dsn, maxOpen = "postgres", cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported database driver %q", cfg.Driver), nil)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, domain.PersistenceError("open database", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.Driver == "postgres" {
		if cfg.Postgres.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		}
		if cfg.Postgres.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.PersistenceError("connect to database", err)
	}
	if err := Migrate(ctx, db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the job ledger table.
func Migrate(ctx context.Context, db DB, driver string) error {
	schema := sqliteSchema
	if driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return domain.PersistenceError("migrate job ledger", err)
	}
	return nil
}

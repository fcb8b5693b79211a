// Package db provides the transaction boundary every mutating engine
// operation runs inside: a thin wrapper over database/sql backed by
// github.com/lib/pq, plus the embedded migration runner that brings a
// fresh Postgres database up to the registry/changeset/snapshot schema.
//
// All mutating calls are all-or-nothing via the enclosing transaction;
// Tx is the only handle engine code is given, so a caller cannot
// accidentally issue a write outside one.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"tshgo/internal/logging"
)

// ErrTxRequired is returned when a mutating call is attempted without an
// active transaction handle.
var ErrTxRequired = errors.New("db: transaction required")

// Tx is the transaction handle passed to every mutating and reading
// engine operation. It is satisfied by *sql.Tx. Its query methods return
// the concrete *sql.Rows and *sql.Row types, so an implementation needs a
// real database/sql driver behind it; a plain in-memory fake cannot
// produce those values.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a *sql.DB opened against Postgres and runs the transaction
// boundary: WithTx begins a transaction, invokes fn with it, and commits
// or rolls back depending on fn's error. Engine methods take the Tx that
// fn receives.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Config configures Open.
type Config struct {
	DSN    string
	Logger *slog.Logger
}

// Open connects to Postgres at cfg.DSN and applies any pending embedded
// migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	logger := logging.Default(cfg.Logger)

	conn, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: open postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ping postgres: %w", err)
	}

	d := &DB{sql: conn, logger: logger.With("component", "db")}
	if err := d.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// WithTx runs fn inside a fresh transaction at the default isolation
// level, committing on success and rolling back on any error (including
// a panic, which is re-raised after rollback).
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Error("rollback failed", "cause", err, "rollback_error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit transaction: %w", err)
	}
	return nil
}

// RequireTx is a guard mutating operations call first, surfacing
// ErrTxRequired before any I/O if tx is nil.
func RequireTx(tx Tx) error {
	if tx == nil {
		return ErrTxRequired
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
)

// Row is the single-row scan surface of database/sql's Row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows is the multi-row surface of database/sql's Rows.
type Rows interface {
	Close() error
	Err() error
	Next() bool
	Scan(dest ...interface{}) error
}

// Result is the portion of database/sql's Result the repositories use.
type Result interface {
	RowsAffected() (int64, error)
}

// Queryable runs reads. Both a live connection pool and an open transaction
// satisfy it, so repository read paths work unchanged inside a transaction.
type Queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) Row
}

// Executable runs writes.
type Executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// DB adapts *sql.DB to the interfaces above.
type DB struct {
	*sql.DB
}

var (
	_ Queryable  = &DB{}
	_ Executable = &DB{}
)

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return db.DB.QueryContext(ctx, query, args...)
}
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	return db.DB.QueryRowContext(ctx, query, args...)
}
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error) {
	return db.DB.ExecContext(ctx, query, args...)
}

// Tx adapts *sql.Tx to the interfaces above.
type Tx struct {
	*sql.Tx
}

var (
	_ Queryable  = &Tx{}
	_ Executable = &Tx{}
)

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return tx.Tx.QueryContext(ctx, query, args...)
}
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	return tx.Tx.QueryRowContext(ctx, query, args...)
}
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error) {
	return tx.Tx.ExecContext(ctx, query, args...)
}

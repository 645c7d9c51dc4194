// Package store holds the repository operations over the accounting database.
// Every operation is an explicit keyed lookup or write that returns plain
// values from internal/models; nothing is loaded lazily.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/angariumd/gpuledger/internal/db"
)

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs repository operations against either the database handle or an
// open transaction.
type Queries struct {
	q querier
}

type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Read returns queries that run outside of any transaction.
func (s *Store) Read() *Queries {
	return &Queries{q: s.db}
}

// InTx runs fn in one transaction. fn may be rerun after a conflict, so it must
// not hold on to values read in a previous attempt.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&Queries{q: tx})
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func emptyNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

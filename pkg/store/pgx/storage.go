package pgx

import (
	"context"
	"errors"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Store implements the chunk and graph storage interfaces on PostgreSQL
// with pgvector. Vector similarity, full-text ranking and sparse term
// weights all live in the database so candidate scoring happens close to
// the data.
//
// A Store should be created using NewStore with a pgx connection or pool.
type Store struct {
	conn pgxIConn
}

// NewStore creates a new Store using an existing database connection or
// pool. The schema must already be migrated.
func NewStore(conn pgxIConn) *Store {
	return &Store{conn: conn}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgxv5.ErrNoRows)
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"quill/internal/db"
)

// Repo holds the typed queries of the letter, doll and client stores. Every method takes the
// Querier to run on, so engine units of work pass their *sql.Tx and read paths pass the DB.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set update matched no row because the row changed.
	ErrConflict = errors.New("concurrent update conflict")
)

// New returns a Repo bound to an open store.
func New(conn *db.DB) Repo {
	return Repo{DB: conn.DB, Dialect: conn.Dialect}
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) exec(ctx context.Context, q Querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, r.q(query), args...)
}

func (r Repo) insertReturningID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, r.q(query+` RETURNING id`), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func expectAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

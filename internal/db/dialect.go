package db

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the few places where SQLite and PostgreSQL disagree.
type Dialect struct {
	Name string
}

var (
	SQLite   = Dialect{Name: DriverSQLite}
	Postgres = Dialect{Name: DriverPostgres}
)

// Rebind rewrites ? placeholders into $n for PostgreSQL. Queries must not carry a literal ?.
func (d Dialect) Rebind(query string) string {
	if d.Name != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate is the row-lock suffix for a SELECT. SQLite already holds the database write lock.
func (d Dialect) ForUpdate() string {
	if d.Name == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// ILike is the case-insensitive LIKE operator.
func (d Dialect) ILike() string {
	if d.Name == DriverPostgres {
		return "ILIKE"
	}
	return "LIKE"
}

// TxOptions returns the isolation used by engine units of work.
func (d Dialect) TxOptions() *sql.TxOptions {
	if d.Name == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// IsRetryable reports whether err is a transient concurrency failure after which the whole
// transaction can be replayed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		return false
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

package repo

import (
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"fixline/internal/db"
)

// Repo is the SQL store for requests, assignments and workers. Every method
// takes a db.Querier so it can run on the pool or inside a transaction; a nil
// querier means the pool.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func (r Repo) q(q db.Querier) db.Querier {
	if q == nil {
		return r.DB
	}
	return q
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

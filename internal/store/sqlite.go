package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
)

// Extended result codes for constraint violations on keys.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

var sqliteDialect = dialect{
	name:      "sqlite",
	forUpdate: "",
	seq:       "rowid",
	timeArg:   func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	retryable: func(error) bool { return false },
	duplicate: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		return se.Code() == sqliteConstraintPrimaryKey || se.Code() == sqliteConstraintUnique
	},
}

// NewSQLiteStore opens (or creates) a SQLite database at path. Use
// ":memory:" for a throwaway database. The pool is pinned to one
// connection, which serialises every transaction.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}
	return newSQLStore(db, &sqliteDialect), nil
}

func nowText() string {
	return time.Now().UTC().Format(sqliteTimeLayout)
}

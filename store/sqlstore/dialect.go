package sqlstore

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the "pgx" driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/beacon"
)

// Dialect describes the differences between supported databases.
type Dialect struct {
	// Name selects the embedded migration set.
	Name string
	// Driver is the database/sql driver name.
	Driver string

	numbered    bool
	lockSuffix  string
	singleConn  bool
	isDuplicate func(error) bool
	isTransient func(error) bool
}

// Postgres is the PostgreSQL dialect, using the pgx stdlib driver.
var Postgres = &Dialect{
	Name:       "postgres",
	Driver:     "pgx",
	numbered:   true,
	lockSuffix: " FOR UPDATE",
	isDuplicate: func(err error) bool {
		return pgCode(err) == "23505"
	},
	isTransient: func(err error) bool {
		switch pgCode(err) {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	},
}

// SQLite is the SQLite dialect, using modernc.org/sqlite.
var SQLite = &Dialect{
	Name:       "sqlite",
	Driver:     "sqlite",
	singleConn: true,
	isDuplicate: func(err error) bool {
		switch sqliteCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
	isTransient: func(err error) bool {
		switch sqliteCode(err) & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	},
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

// Rebind rewrites '?' placeholders into the dialect's style.
func (d *Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify marks retryable driver errors. Other errors pass through.
func (d *Dialect) classify(err error) error {
	if err == nil {
		return nil
	}
	if d.isTransient(err) {
		return beacon.MarkTransient(err)
	}
	return err
}

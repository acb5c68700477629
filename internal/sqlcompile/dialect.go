package sqlcompile

import (
	"fmt"
	"strconv"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name string

	// Returning reports INSERT ... RETURNING support for key capture.
	Returning bool

	// Numbered selects $1, $2 placeholders instead of '?'.
	Numbered bool

	// GeneratedKeyDDL is the column definition of a generated integer key.
	GeneratedKeyDDL string

	// DatabasePragmas run once when a database handle is opened.
	DatabasePragmas []string

	// ConnPragmas run on every connection checked out of the pool.
	ConnPragmas []string

	types map[string]string
}

// SQLite covers both mattn/go-sqlite3 ("sqlite3") and modernc.org/sqlite ("sqlite").
// Generated keys are read through LastInsertId.
var SQLite = Dialect{
	Name:            "sqlite",
	GeneratedKeyDDL: "INTEGER PRIMARY KEY AUTOINCREMENT",
	DatabasePragmas: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	},
	ConnPragmas: []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	},
	types: map[string]string{
		"integer":   "INTEGER",
		"text":      "TEXT",
		"boolean":   "BOOLEAN",
		"real":      "REAL",
		"blob":      "BLOB",
		"timestamp": "TIMESTAMP",
	},
}

// Postgres is used with the pgx database/sql driver ("pgx").
var Postgres = Dialect{
	Name:            "postgres",
	Returning:       true,
	Numbered:        true,
	GeneratedKeyDDL: "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY",
	types: map[string]string{
		"integer":   "BIGINT",
		"text":      "TEXT",
		"boolean":   "BOOLEAN",
		"real":      "DOUBLE PRECISION",
		"blob":      "BYTEA",
		"timestamp": "TIMESTAMPTZ",
	},
}

// DialectFor maps a registered database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// DialectByName looks a dialect up by its Name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case SQLite.Name:
		return SQLite, nil
	case Postgres.Name:
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
}

func (d Dialect) columnType(t string) string {
	if s, ok := d.types[t]; ok {
		return s
	}
	return "TEXT"
}

func (d Dialect) params() *params {
	return &params{numbered: d.Numbered}
}

// params hands out placeholders in order.
type params struct {
	numbered bool
	n        int
}

func (p *params) next() string {
	p.n++
	if p.numbered {
		return "$" + strconv.Itoa(p.n)
	}
	return "?"
}

package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlmigrate "github.com/louisbranch/matchsync/internal/platform/storage/sqlmigrate"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect names a supported relational store.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect validates a dialect name.
func ParseDialect(raw string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(raw))); d {
	case SQLite, Postgres, MySQL:
		return d, nil
	case "postgresql", "pg":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", raw)
	}
}

func (d Dialect) driverName() string {
	return string(d)
}

func (d Dialect) flavor() sqlmigrate.Flavor {
	return sqlmigrate.Flavor(d)
}

// maxParams is the bind-parameter ceiling of one statement.
func (d Dialect) maxParams() int {
	switch d {
	case SQLite:
		return 32766
	default:
		return 65535
	}
}

func (d Dialect) quote(ident string) string {
	if d == MySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (d Dialect) bind(n int) string {
	return d.flavor().Bind(n)
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.bind(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) columnType(col domain.Column, key bool) string {
	switch d {
	case Postgres:
		switch col.Type {
		case domain.Integer:
			return "BIGINT"
		case domain.Real:
			return "DOUBLE PRECISION"
		case domain.Timestamp:
			return "TIMESTAMPTZ"
		case domain.Boolean:
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	case MySQL:
		switch col.Type {
		case domain.Integer:
			return "BIGINT"
		case domain.Real:
			return "DOUBLE"
		case domain.Timestamp:
			return "DATETIME(6)"
		case domain.Boolean:
			return "BOOLEAN"
		default:
			if key {
				return "VARCHAR(191)"
			}
			return "TEXT"
		}
	default:
		switch col.Type {
		case domain.Integer, domain.Boolean:
			return "INTEGER"
		case domain.Real:
			return "REAL"
		default:
			return "TEXT"
		}
	}
}

// sqliteTimeLayout is fixed width so stored timestamps compare as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// bindTime converts a timestamp to the value the driver stores.
func (d Dialect) bindTime(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// greatest returns the dialect's two-argument maximum function.
func (d Dialect) greatest() string {
	if d == SQLite {
		return "MAX"
	}
	return "GREATEST"
}

// insertIgnore returns the statement prefix and suffix that make a
// multi-row insert skip rows whose key already exists.
func (d Dialect) insertIgnore() (prefix, suffix string) {
	if d == MySQL {
		return "INSERT IGNORE INTO", ""
	}
	return "INSERT INTO", " ON CONFLICT DO NOTHING"
}

// tupleIn renders the membership test for n key tuples of width columns,
// with placeholders starting at first.
func (d Dialect) tupleIn(cols []string, n, first int) string {
	var b strings.Builder
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.quote(c)
	}
	if len(cols) == 1 {
		b.WriteString(quoted[0])
		b.WriteString(" IN (")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.bind(first + i))
		}
		b.WriteString(")")
		return b.String()
	}
	b.WriteString("(" + strings.Join(quoted, ", ") + ") IN (")
	if d == SQLite {
		b.WriteString("VALUES ")
	}
	p := first
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.bind(p))
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

// isUniqueViolation reports whether err is a primary-key or unique conflict.
func (d Dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}

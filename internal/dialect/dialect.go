package dialect

import (
	"fmt"
	"strings"
)

// Dialect identifies a supported target database type
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// Parse resolves a dialect name to a Dialect, accepting common aliases
func Parse(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect: %q", name)
	}
}

// DriverName returns the database/sql driver name registered for the dialect
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	}
	return string(d)
}

// TransactionalDDL reports whether the dialect supports DDL statements
// inside a transaction. MySQL issues an implicit commit on most DDL, so a
// multi-statement migration cannot be made atomic there.
func (d Dialect) TransactionalDDL() bool {
	switch d {
	case Postgres, SQLite:
		return true
	default:
		return false
	}
}

// SupportsAdvisoryLocks reports whether the dialect has a native
// session-scoped advisory lock primitive. Dialects without one fall back to
// a table-row lock with expiry.
func (d Dialect) SupportsAdvisoryLocks() bool {
	switch d {
	case Postgres, MySQL:
		return true
	default:
		return false
	}
}

// SupportsDollarQuoting reports whether the dialect allows PostgreSQL-style
// $tag$...$tag$ string literals. The statement splitter must not treat
// semicolons inside such literals as statement boundaries.
func (d Dialect) SupportsDollarQuoting() bool {
	return d == Postgres
}

// String returns the dialect identifier as stored in the ledger's db_type column
func (d Dialect) String() string {
	return string(d)
}

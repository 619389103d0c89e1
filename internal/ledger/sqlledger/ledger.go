package sqlledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
	"github.com/toolsascode/sqlmigrate/internal/ledger"
)

// TableName is the fixed name of the migration ledger table
const TableName = "schema_migrations"

// Ledger implements ledger.Ledger on top of a sqlx connection pool. The SQL
// is ANSI apart from placeholder style, which sqlx rebinds per driver, so
// one implementation serves every supported dialect.
type Ledger struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

// New creates a ledger over an open database handle
func New(db *sqlx.DB, d dialect.Dialect) *Ledger {
	return &Ledger{db: db, dialect: d}
}

// Initialize creates the schema_migrations table if needed
func (l *Ledger) Initialize(ctx context.Context) error {
	createSQL := `
		CREATE TABLE IF NOT EXISTS ` + TableName + ` (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			module VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum CHAR(64) NOT NULL,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			db_type VARCHAR(20) NOT NULL,
			error_message TEXT
		)`
	if _, err := l.db.ExecContext(ctx, createSQL); err != nil {
		return l.unavailable("create table", err)
	}
	return nil
}

const selectColumns = `version, name, module, applied_at, checksum,
	execution_time_ms, status, db_type, COALESCE(error_message, '') AS error_message`

// FindAllApplied returns all records, ordered ascending by version
func (l *Ledger) FindAllApplied(ctx context.Context) ([]*ledger.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM ` + TableName + ` ORDER BY version ASC`

	var records []*ledger.Record
	if err := l.db.SelectContext(ctx, &records, query); err != nil {
		return nil, l.unavailable("select all", err)
	}
	return records, nil
}

// FindByVersion returns the record for a version, or nil when absent
func (l *Ledger) FindByVersion(ctx context.Context, version string) (*ledger.Record, error) {
	query := l.db.Rebind(`SELECT ` + selectColumns + ` FROM ` + TableName + ` WHERE version = ?`)

	var record ledger.Record
	err := l.db.GetContext(ctx, &record, query, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, l.unavailable("select by version", err)
	}
	return &record, nil
}

// FindAppliedByModule returns all records for a module, ordered ascending by version
func (l *Ledger) FindAppliedByModule(ctx context.Context, module string) ([]*ledger.Record, error) {
	query := l.db.Rebind(`SELECT ` + selectColumns + ` FROM ` + TableName +
		` WHERE module = ? ORDER BY version ASC`)

	var records []*ledger.Record
	if err := l.db.SelectContext(ctx, &records, query, module); err != nil {
		return nil, l.unavailable("select by module", err)
	}
	return records, nil
}

// Record inserts a new row. Ledger writes happen only while the migration
// lock is held, so the existence check and the insert cannot race; the
// primary key on version backstops the invariant regardless.
func (l *Ledger) Record(ctx context.Context, record *ledger.Record) error {
	existing, err := l.FindByVersion(ctx, record.Version)
	if err != nil {
		return err
	}
	if existing != nil {
		return &ledger.DuplicateVersionError{Version: record.Version}
	}

	if record.AppliedAt.IsZero() {
		record.AppliedAt = time.Now().UTC()
	}

	query := l.db.Rebind(`
		INSERT INTO ` + TableName + `
			(version, name, module, applied_at, checksum, execution_time_ms, status, db_type, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = l.db.ExecContext(ctx, query,
		record.Version, record.Name, record.Module, record.AppliedAt,
		record.Checksum, record.ExecutionTimeMs, record.Status,
		record.DBType, record.ErrorMessage)
	if err != nil {
		return l.unavailable("insert", err)
	}
	return nil
}

// UpdateStatus updates status, execution time and error message in place
func (l *Ledger) UpdateStatus(ctx context.Context, version, status string, executionTimeMs int64, errorMessage string) error {
	query := l.db.Rebind(`
		UPDATE ` + TableName + `
		SET status = ?, execution_time_ms = ?, error_message = ?, applied_at = ?
		WHERE version = ?`)

	result, err := l.db.ExecContext(ctx, query, status, executionTimeMs, errorMessage, time.Now().UTC(), version)
	if err != nil {
		return l.unavailable("update status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return l.unavailable("update status", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: version %s", ledger.ErrNotFound, version)
	}
	return nil
}

// Delete removes the record for a version, reporting whether a row existed
func (l *Ledger) Delete(ctx context.Context, version string) (bool, error) {
	query := l.db.Rebind(`DELETE FROM ` + TableName + ` WHERE version = ?`)

	result, err := l.db.ExecContext(ctx, query, version)
	if err != nil {
		return false, l.unavailable("delete", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, l.unavailable("delete", err)
	}
	return affected > 0, nil
}

// VerifyChecksum reports whether the recorded checksum matches expected.
// A missing record fails with ErrNotFound: "not applied" must never be
// conflated with "applied but drifted".
func (l *Ledger) VerifyChecksum(ctx context.Context, version, expected string) (bool, error) {
	record, err := l.FindByVersion(ctx, version)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, fmt.Errorf("%w: version %s", ledger.ErrNotFound, version)
	}
	return record.Checksum == expected, nil
}

// GetLast returns the most recently applied record by version order
func (l *Ledger) GetLast(ctx context.Context) (*ledger.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM ` + TableName + ` ORDER BY version DESC LIMIT 1`

	var record ledger.Record
	err := l.db.GetContext(ctx, &record, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, l.unavailable("select last", err)
	}
	return &record, nil
}

// Count returns the number of ledger records
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var count int
	if err := l.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+TableName); err != nil {
		return 0, l.unavailable("count", err)
	}
	return count, nil
}

// unavailable wraps a storage failure so callers can match ledger.ErrUnavailable
func (l *Ledger) unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ledger.ErrUnavailable, op, l.dialect, err)
}

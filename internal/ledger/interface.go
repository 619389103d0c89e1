package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status values for a ledger record
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled-back"
)

// Record is a row in the schema_migrations table, one per applied up
// migration. At most one record exists per version; the storage layer
// enforces this with a primary key on version.
type Record struct {
	Version         string    `db:"version"`
	Name            string    `db:"name"`
	Module          string    `db:"module"`
	AppliedAt       time.Time `db:"applied_at"`
	Checksum        string    `db:"checksum"`
	ExecutionTimeMs int64     `db:"execution_time_ms"`
	Status          string    `db:"status"`
	DBType          string    `db:"db_type"`
	ErrorMessage    string    `db:"error_message"`
}

// Ledger manages the persistent record of applied migrations. Every
// implementation must surface connectivity failures as ErrUnavailable; the
// runner treats those as fatal and never retries at this layer.
type Ledger interface {
	// Initialize creates the schema_migrations table if needed
	Initialize(ctx context.Context) error

	// FindAllApplied returns all records, ordered ascending by version
	FindAllApplied(ctx context.Context) ([]*Record, error)

	// FindByVersion returns the record for a version, or nil when absent
	FindByVersion(ctx context.Context, version string) (*Record, error)

	// FindAppliedByModule returns all records for a module, ordered ascending by version
	FindAppliedByModule(ctx context.Context, module string) ([]*Record, error)

	// Record inserts a new row. Inserting an existing version fails with a
	// DuplicateVersionError; use UpdateStatus to change an existing row.
	Record(ctx context.Context, record *Record) error

	// UpdateStatus updates status, execution time and error message in place
	UpdateStatus(ctx context.Context, version, status string, executionTimeMs int64, errorMessage string) error

	// Delete removes the record for a version, reporting whether a row existed
	Delete(ctx context.Context, version string) (bool, error)

	// VerifyChecksum reports whether the recorded checksum matches expected
	VerifyChecksum(ctx context.Context, version, expected string) (bool, error)

	// GetLast returns the most recently applied record by version order, or
	// nil when the ledger is empty
	GetLast(ctx context.Context) (*Record, error)

	// Count returns the number of ledger records
	Count(ctx context.Context) (int, error)
}

// ErrUnavailable marks a ledger operation that failed because the database
// could not be reached or queried. Always fatal to the caller.
var ErrUnavailable = errors.New("migration ledger unavailable")

// ErrNotFound marks an operation against a version with no ledger record
var ErrNotFound = errors.New("migration record not found")

// DuplicateVersionError reports an insert for a version that already has a
// ledger record
type DuplicateVersionError struct {
	Version string
}

// Error implements the error interface
func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("ledger already has a record for version %s", e.Version)
}

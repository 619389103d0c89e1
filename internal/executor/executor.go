package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
	"github.com/toolsascode/sqlmigrate/internal/discovery"
	"github.com/toolsascode/sqlmigrate/internal/logger"
)

// Options controls how a migration's SQL is executed
type Options struct {
	// Transactional wraps the whole migration in one transaction when the
	// dialect supports transactional DDL. Defaults to true; a mid-migration
	// failure then leaves no partial schema change.
	Transactional bool
}

// DefaultOptions returns the default execution options
func DefaultOptions() Options {
	return Options{Transactional: true}
}

// Result captures the outcome of executing one migration's SQL
type Result struct {
	Success            bool
	ExecutionTimeMs    int64
	StatementsExecuted int
	// FailedStatement is the zero-based index of the statement that failed,
	// or -1. For non-transactional dialects this is the manual-recovery
	// pointer: statements before it are committed.
	FailedStatement int
	Err             error
}

// Executor runs migration SQL against the target database one statement at
// a time, capturing timing and the exact failure point
type Executor struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

// New creates an executor for an open database handle
func New(db *sqlx.DB, d dialect.Dialect) *Executor {
	return &Executor{db: db, dialect: d}
}

// DBType returns the target dialect
func (e *Executor) DBType() dialect.Dialect {
	return e.dialect
}

// SupportsTransactions reports whether the dialect can run DDL transactionally
func (e *Executor) SupportsTransactions() bool {
	return e.dialect.TransactionalDDL()
}

// ValidateSQL statically checks migration SQL without touching the
// database: lexical integrity and presence of at least one executable
// statement. A failure here is a SyntaxError and is never retryable.
func (e *Executor) ValidateSQL(sqlText string) error {
	statements, err := splitStatements(sqlText, e.dialect)
	if err != nil {
		return err
	}
	if len(statements) == 0 {
		return &SyntaxError{Reason: "no executable statements"}
	}
	return nil
}

// ExecuteMigration runs one migration file's SQL
func (e *Executor) ExecuteMigration(ctx context.Context, file *discovery.MigrationFile, opts Options) *Result {
	logger.Debug("executing migration %s_%s_%s (%s)", file.Version, file.Module, file.Name, file.Direction)
	return e.ExecuteSQL(ctx, file.Content, opts)
}

// ExecuteSQL splits and runs SQL statements, transactionally when possible
func (e *Executor) ExecuteSQL(ctx context.Context, sqlText string, opts Options) *Result {
	result := &Result{FailedStatement: -1}
	started := time.Now()
	defer func() {
		result.ExecutionTimeMs = time.Since(started).Milliseconds()
	}()

	statements, err := splitStatements(sqlText, e.dialect)
	if err != nil {
		result.Err = err
		return result
	}
	if len(statements) == 0 {
		result.Err = &SyntaxError{Reason: "no executable statements"}
		return result
	}

	if opts.Transactional && e.dialect.TransactionalDDL() {
		e.executeTransactional(ctx, statements, result)
	} else {
		e.executeSequential(ctx, statements, result)
	}

	result.Success = result.Err == nil
	return result
}

// executeTransactional runs all statements inside a single transaction
func (e *Executor) executeTransactional(ctx context.Context, statements []string, result *Result) {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		result.Err = fmt.Errorf("failed to begin transaction: %w", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	for idx, stmt := range statements {
		// Cancellation happens only between statements; a running
		// statement is never interrupted mid-flight.
		if err := ctx.Err(); err != nil {
			result.FailedStatement = idx
			result.Err = err
			return
		}

		logger.Debug("statement %d: %s", idx, stmt)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			result.FailedStatement = idx
			result.Err = &ExecutionError{StatementIndex: idx, Statement: stmt, Err: err}
			return
		}
		result.StatementsExecuted++
	}

	if err := tx.Commit(); err != nil {
		result.Err = fmt.Errorf("failed to commit transaction: %w", err)
	}
}

// executeSequential runs statements one by one outside a transaction. Used
// for dialects where DDL is not transactional; on failure the result names
// the failing statement so the already-committed prefix is identifiable.
func (e *Executor) executeSequential(ctx context.Context, statements []string, result *Result) {
	for idx, stmt := range statements {
		if err := ctx.Err(); err != nil {
			result.FailedStatement = idx
			result.Err = err
			return
		}

		logger.Debug("statement %d: %s", idx, stmt)
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			result.FailedStatement = idx
			result.Err = &ExecutionError{StatementIndex: idx, Statement: stmt, Err: err}
			return
		}
		result.StatementsExecuted++
	}
}

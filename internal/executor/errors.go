package executor

import "fmt"

// SyntaxError reports SQL rejected before execution. Never retryable.
type SyntaxError struct {
	Reason string
}

// Error implements the error interface
func (e *SyntaxError) Error() string {
	return "sql syntax error: " + e.Reason
}

// ExecutionError reports a statement that failed at the database. Whether a
// retry is sensible depends on the statement, so the retry decision is left
// to the caller.
type ExecutionError struct {
	StatementIndex int
	Statement      string
	Err            error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sql execution error at statement %d: %v", e.StatementIndex, e.Err)
}

// Unwrap returns the underlying database error
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

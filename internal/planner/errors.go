package planner

import "fmt"

// IrreversibleMigrationError reports a rollback request against a migration
// with no usable down script. It aborts planning before anything executes;
// a silent skip here would leave the ledger claiming a state the schema is
// not in.
type IrreversibleMigrationError struct {
	Version string
	Reason  string
}

// Error implements the error interface
func (e *IrreversibleMigrationError) Error() string {
	return fmt.Sprintf("migration %s is not reversible: %s", e.Version, e.Reason)
}

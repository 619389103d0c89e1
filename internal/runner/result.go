package runner

import (
	"fmt"
	"time"

	"github.com/toolsascode/sqlmigrate/internal/lock"
	"github.com/toolsascode/sqlmigrate/internal/planner"
)

// Outcome values for one executed (or reported) plan item
const (
	OutcomeSuccess      = "success"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeRolledBack   = "rolled-back"
	OutcomePlanned      = "planned"       // read-only commands: would execute
	OutcomeNotAttempted = "not-attempted" // halted before reaching this item
)

// ItemResult is the per-migration slice of the aggregate result. "skipped"
// and "not-attempted" are distinct on purpose: a skip was decided by the
// planner, not-attempted means an earlier failure halted the run.
type ItemResult struct {
	Version         string
	Module          string
	Name            string
	Action          planner.Action
	Outcome         string
	Reason          string
	ExecutionTimeMs int64
}

// Result aggregates one runner invocation for the caller to report. The
// front-end maps Success to the process exit status.
type Result struct {
	Command      planner.Command
	Plan         *planner.Plan
	Items        []ItemResult
	SuccessCount int
	FailureCount int
	DriftCount   int
	TotalTimeMs  int64
	StartedAt    time.Time
	Success      bool
	LockStatus   *lock.Status // lock state observed before acquiring
}

// LockTimeoutError reports that the migration lock stayed held for the
// whole acquisition window. This is a recoverable condition: the caller may
// retry the whole invocation later.
type LockTimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("migration lock not acquired within %s", e.Timeout)
}

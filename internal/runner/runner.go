package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
	"github.com/toolsascode/sqlmigrate/internal/discovery"
	"github.com/toolsascode/sqlmigrate/internal/executor"
	"github.com/toolsascode/sqlmigrate/internal/ledger"
	"github.com/toolsascode/sqlmigrate/internal/lock"
	"github.com/toolsascode/sqlmigrate/internal/logger"
	"github.com/toolsascode/sqlmigrate/internal/planner"
)

// State names the runner's position in its per-invocation state machine
type State string

const (
	StateIdle          State = "idle"
	StateLockAcquiring State = "lock-acquiring"
	StatePlanning      State = "planning"
	StateExecuting     State = "executing"
	StateLockReleasing State = "lock-releasing"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Options configures a Runner. All collaborators are interfaces or small
// concrete types, so tests substitute in-memory doubles freely.
type Options struct {
	Ledger      ledger.Ledger
	Lock        lock.Manager
	Executor    SQLExecutor
	BasePath    string        // migration directory
	Module      string        // optional module filter
	LockTimeout time.Duration // bound on lock acquisition
	DryRun      bool          // build and report the plan, execute nothing
}

// SQLExecutor is the slice of the executor the runner drives
type SQLExecutor interface {
	ExecuteMigration(ctx context.Context, file *discovery.MigrationFile, opts executor.Options) *executor.Result
	SupportsTransactions() bool
	DBType() dialect.Dialect
}

// Runner coordinates one migration invocation: lock, plan, execute, record,
// unlock. It is single-threaded per invocation; concurrency control lives
// entirely in the lock manager.
type Runner struct {
	opts Options
}

// New creates a runner
func New(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes one command end to end and returns the aggregate result.
// Execution halts on the first failed migration; the lock release runs on
// every path out of the executing state.
func (r *Runner) Run(ctx context.Context, req planner.Request) (*Result, error) {
	started := time.Now()
	state := StateIdle
	result := &Result{Command: req.Command, StartedAt: started}

	// Lock status is captured before acquiring so the status report can
	// name a foreign holder.
	if lockStatus, err := r.opts.Lock.CheckStatus(ctx); err == nil {
		result.LockStatus = lockStatus
	}

	state = StateLockAcquiring
	logger.Debug("runner state: %s", state)
	holderID := lock.NewHolderID()
	acquired, err := r.opts.Lock.Acquire(ctx, holderID, r.opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		return nil, &LockTimeoutError{Timeout: r.opts.LockTimeout}
	}

	defer func() {
		// Guaranteed cleanup: a stuck lock would outlive any failure
		// reported here.
		logger.Debug("runner state: %s", StateLockReleasing)
		if _, releaseErr := r.opts.Lock.Release(context.WithoutCancel(ctx), holderID); releaseErr != nil {
			logger.Error("failed to release migration lock: %v", releaseErr)
		}
	}()

	state = StatePlanning
	logger.Debug("runner state: %s", state)

	if err := r.opts.Ledger.Initialize(ctx); err != nil {
		return nil, err
	}

	files, err := discovery.Discover(r.opts.BasePath, discovery.Options{
		Module:      r.opts.Module,
		IncludeDown: true,
	})
	if err != nil {
		return nil, err
	}

	// A module filter must scope the ledger view too: with the other
	// modules' files filtered out of discovery, their records would read
	// as vanished migrations.
	var records []*ledger.Record
	if r.opts.Module != "" {
		records, err = r.opts.Ledger.FindAppliedByModule(ctx, r.opts.Module)
	} else {
		records, err = r.opts.Ledger.FindAllApplied(ctx)
	}
	if err != nil {
		return nil, err
	}

	plan, err := planner.Build(files, records, req)
	if err != nil {
		return nil, err
	}
	result.Plan = plan

	recordsByVersion := make(map[string]*ledger.Record, len(records))
	for _, rec := range records {
		recordsByVersion[rec.Version] = rec
	}

	if r.readOnly(req.Command) {
		r.report(plan, result)
	} else {
		state = StateExecuting
		logger.Debug("runner state: %s", state)
		r.execute(ctx, plan, recordsByVersion, result)
	}

	result.TotalTimeMs = time.Since(started).Milliseconds()
	result.Success = result.FailureCount == 0

	if result.Success {
		logger.Debug("runner state: %s", StateDone)
	} else {
		logger.Debug("runner state: %s", StateFailed)
	}
	return result, nil
}

// ForceUnlock evicts whoever holds the migration lock. Operator escape
// hatch only; see lock.Manager.ForceRelease.
func (r *Runner) ForceUnlock(ctx context.Context) error {
	return r.opts.Lock.ForceRelease(ctx)
}

// readOnly reports whether the command never mutates state
func (r *Runner) readOnly(cmd planner.Command) bool {
	return r.opts.DryRun || cmd == planner.CommandStatus || cmd == planner.CommandVerify
}

// report fills item results straight from the plan without executing
func (r *Runner) report(plan *planner.Plan, result *Result) {
	for _, item := range plan.Items {
		outcome := OutcomeSkipped
		if item.Action != planner.ActionSkip {
			outcome = OutcomePlanned
		}
		result.Items = append(result.Items, ItemResult{
			Version: item.Migration.Version,
			Module:  item.Migration.Module,
			Name:    item.Migration.Name,
			Action:  item.Action,
			Outcome: outcome,
			Reason:  item.Reason,
		})
		if isDriftReason(item.Reason) {
			result.DriftCount++
		}
	}
}

// execute drives the executor through the plan in order
func (r *Runner) execute(ctx context.Context, plan *planner.Plan, records map[string]*ledger.Record, result *Result) {
	halted := false

	for _, item := range plan.Items {
		if halted {
			result.Items = append(result.Items, ItemResult{
				Version: item.Migration.Version,
				Module:  item.Migration.Module,
				Name:    item.Migration.Name,
				Action:  item.Action,
				Outcome: OutcomeNotAttempted,
				Reason:  "earlier migration failed",
			})
			continue
		}

		switch item.Action {
		case planner.ActionSkip:
			result.Items = append(result.Items, ItemResult{
				Version: item.Migration.Version,
				Module:  item.Migration.Module,
				Name:    item.Migration.Name,
				Action:  item.Action,
				Outcome: OutcomeSkipped,
				Reason:  item.Reason,
			})
			if isDriftReason(item.Reason) {
				result.DriftCount++
			}
		case planner.ActionApply:
			halted = !r.applyOne(ctx, item, records, result)
		case planner.ActionRollback:
			halted = !r.rollbackOne(ctx, item, records, result)
		}
	}
}

// applyOne executes a forward migration and records the outcome. Returns
// false when the run must halt.
func (r *Runner) applyOne(ctx context.Context, item planner.Item, records map[string]*ledger.Record, result *Result) bool {
	file := item.Migration
	logger.Info("applying %s_%s_%s", file.Version, file.Module, file.Name)

	execResult := r.opts.Executor.ExecuteMigration(ctx, &file, executor.DefaultOptions())

	itemResult := ItemResult{
		Version:         file.Version,
		Module:          file.Module,
		Name:            file.Name,
		Action:          planner.ActionApply,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
	}

	status := ledger.StatusSuccess
	errorMessage := ""
	if execResult.Err != nil {
		status = ledger.StatusFailed
		errorMessage = execResult.Err.Error()
		itemResult.Outcome = OutcomeFailed
		itemResult.Reason = errorMessage
		result.FailureCount++
		logger.Error("migration %s failed: %v", file.Version, execResult.Err)
	} else {
		itemResult.Outcome = OutcomeSuccess
		itemResult.Reason = item.Reason
		result.SuccessCount++
	}

	record := &ledger.Record{
		Version:         file.Version,
		Name:            file.Name,
		Module:          file.Module,
		AppliedAt:       time.Now().UTC(),
		Checksum:        file.Checksum,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
		Status:          status,
		DBType:          r.opts.Executor.DBType().String(),
		ErrorMessage:    errorMessage,
	}

	// A prior failed or rolled-back record is replaced, not updated in
	// place: an in-place status update would keep the first attempt's
	// checksum, and the recorded checksum must describe the content that
	// actually ran.
	var ledgerErr error
	if _, exists := records[file.Version]; exists {
		_, ledgerErr = r.opts.Ledger.Delete(ctx, file.Version)
	}
	if ledgerErr == nil {
		ledgerErr = r.opts.Ledger.Record(ctx, record)
		records[file.Version] = record
	}
	if ledgerErr != nil {
		itemResult.Outcome = OutcomeFailed
		itemResult.Reason = fmt.Sprintf("ledger update failed: %v", ledgerErr)
		if execResult.Err == nil {
			result.SuccessCount--
			result.FailureCount++
		}
		result.Items = append(result.Items, itemResult)
		return false
	}

	result.Items = append(result.Items, itemResult)
	return execResult.Err == nil
}

// rollbackOne executes a down migration and deletes the ledger record on
// success. Returns false when the run must halt.
func (r *Runner) rollbackOne(ctx context.Context, item planner.Item, records map[string]*ledger.Record, result *Result) bool {
	file := item.Migration
	logger.Info("rolling back %s_%s_%s", file.Version, file.Module, file.Name)

	execResult := r.opts.Executor.ExecuteMigration(ctx, item.Down, executor.DefaultOptions())

	itemResult := ItemResult{
		Version:         file.Version,
		Module:          file.Module,
		Name:            file.Name,
		Action:          planner.ActionRollback,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
	}

	if execResult.Err != nil {
		itemResult.Outcome = OutcomeFailed
		itemResult.Reason = execResult.Err.Error()
		result.FailureCount++
		logger.Error("rollback of %s failed: %v", file.Version, execResult.Err)

		// Transactional rollback leaves the schema as applied, so the
		// success record stays truthful. A partial non-transactional
		// rollback leaves the schema indeterminate: mark the record
		// failed so forward progress blocks until an operator resolves it.
		if !r.opts.Executor.SupportsTransactions() && execResult.StatementsExecuted > 0 {
			if err := r.opts.Ledger.UpdateStatus(ctx, file.Version, ledger.StatusFailed, execResult.ExecutionTimeMs, execResult.Err.Error()); err != nil {
				logger.Error("failed to mark %s failed after partial rollback: %v", file.Version, err)
			}
		}
		result.Items = append(result.Items, itemResult)
		return false
	}

	if _, err := r.opts.Ledger.Delete(ctx, file.Version); err != nil {
		itemResult.Outcome = OutcomeFailed
		itemResult.Reason = fmt.Sprintf("ledger delete failed: %v", err)
		result.FailureCount++
		result.Items = append(result.Items, itemResult)
		return false
	}

	delete(records, file.Version)
	itemResult.Outcome = OutcomeRolledBack
	itemResult.Reason = item.Reason
	result.SuccessCount++
	result.Items = append(result.Items, itemResult)
	return true
}

// isDriftReason matches the planner's drift reasons without re-deriving them
func isDriftReason(reason string) bool {
	return strings.Contains(reason, "drift")
}

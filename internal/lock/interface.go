package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
)

// Status describes the current holder of the migration lock
type Status struct {
	Locked     bool
	HolderID   string
	AcquiredAt time.Time
}

// Manager is the cross-process mutual-exclusion lock guarding migration
// runs. The lock lives in the target database itself, never in process
// memory, so the at-most-one-holder invariant holds across hosts.
type Manager interface {
	// Acquire blocks up to timeout, polling with backoff. It returns false
	// on timeout: lock contention is an expected outcome, not an error.
	// Errors are reserved for connectivity failures.
	Acquire(ctx context.Context, holderID string, timeout time.Duration) (bool, error)

	// Release releases the lock held by holderID, reporting whether a lock
	// was actually released
	Release(ctx context.Context, holderID string) (bool, error)

	// CheckStatus reports the current lock state without modifying it
	CheckStatus(ctx context.Context) (*Status, error)

	// ForceRelease evicts the current holder regardless of who it is. This
	// is an operator escape hatch for a crashed holder and is never invoked
	// automatically; using it while the holder is alive forfeits the
	// mutual-exclusion guarantee.
	ForceRelease(ctx context.Context) error
}

// ErrUnavailable marks a lock operation that failed due to a connectivity
// failure, as opposed to the lock being held by someone else
var ErrUnavailable = errors.New("lock manager unavailable")

// New selects the lock implementation for the dialect: native advisory
// locks where the database has them, otherwise a table-row lock with expiry
func New(db *sqlx.DB, d dialect.Dialect, databaseName string, rowlockTTL time.Duration) Manager {
	if d.SupportsAdvisoryLocks() {
		return newAdvisoryLock(db, d, databaseName)
	}
	return newRowLock(db, d, rowlockTTL)
}

// NewHolderID generates an opaque identifier for a lock holder, unique per
// process and invocation
func NewHolderID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString())
}

// lockKey derives the 64-bit advisory lock key for a database. The name is
// salted so the engine never collides with application advisory locks.
func lockKey(databaseName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("sqlmigrate:" + databaseName))
	return int64(h.Sum64())
}

// backoff polling bounds for Acquire
const (
	pollInitialInterval = 100 * time.Millisecond
	pollMaxInterval     = 2 * time.Second
)

// poll runs try until it succeeds, the timeout elapses, or ctx is done.
// Intervals double up to pollMaxInterval so contention is not a busy loop.
func poll(ctx context.Context, timeout time.Duration, try func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	interval := pollInitialInterval

	for {
		acquired, err := try()
		if err != nil || acquired {
			return acquired, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		wait := interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
		if interval < pollMaxInterval {
			interval *= 2
		}
	}
}

package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
)

// advisoryLock implements Manager with the database's native advisory lock
// primitive: pg_try_advisory_lock on PostgreSQL, GET_LOCK on MySQL. Both
// are session-scoped, so the lock is held on a single pinned connection
// that stays open until release.
type advisoryLock struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	key     int64
	name    string

	mu         sync.Mutex
	conn       *sql.Conn // pinned while the lock is held
	holderID   string
	acquiredAt time.Time
}

func newAdvisoryLock(db *sqlx.DB, d dialect.Dialect, databaseName string) *advisoryLock {
	return &advisoryLock{
		db:      db,
		dialect: d,
		key:     lockKey(databaseName),
		name:    "sqlmigrate:" + databaseName,
	}
}

// Acquire polls the advisory lock up to timeout on a dedicated connection
func (a *advisoryLock) Acquire(ctx context.Context, holderID string, timeout time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return false, fmt.Errorf("lock already held in this process by %s", a.holderID)
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	acquired, err := poll(ctx, timeout, func() (bool, error) {
		return a.tryAcquire(ctx, conn)
	})
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	a.conn = conn
	a.holderID = holderID
	a.acquiredAt = time.Now().UTC()
	return true, nil
}

// tryAcquire attempts one non-blocking lock grab on the pinned connection
func (a *advisoryLock) tryAcquire(ctx context.Context, conn *sql.Conn) (bool, error) {
	switch a.dialect {
	case dialect.Postgres:
		var acquired bool
		err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, a.key).Scan(&acquired)
		if err != nil {
			return false, fmt.Errorf("%w: pg_try_advisory_lock: %v", ErrUnavailable, err)
		}
		return acquired, nil
	case dialect.MySQL:
		var acquired sql.NullInt64
		err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, a.name).Scan(&acquired)
		if err != nil {
			return false, fmt.Errorf("%w: GET_LOCK: %v", ErrUnavailable, err)
		}
		return acquired.Valid && acquired.Int64 == 1, nil
	default:
		return false, fmt.Errorf("dialect %s has no advisory locks", a.dialect)
	}
}

// Release releases the advisory lock and returns the pinned connection to
// the pool
func (a *advisoryLock) Release(ctx context.Context, holderID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return false, nil
	}
	if a.holderID != holderID {
		return false, fmt.Errorf("lock held by %s, not %s", a.holderID, holderID)
	}

	var err error
	switch a.dialect {
	case dialect.Postgres:
		var released bool
		err = a.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, a.key).Scan(&released)
	case dialect.MySQL:
		var released sql.NullInt64
		err = a.conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, a.name).Scan(&released)
	}

	closeErr := a.conn.Close()
	a.conn = nil
	a.holderID = ""
	a.acquiredAt = time.Time{}

	if err != nil {
		return false, fmt.Errorf("%w: release: %v", ErrUnavailable, err)
	}
	if closeErr != nil && !errors.Is(closeErr, sql.ErrConnDone) {
		return false, fmt.Errorf("%w: close lock connection: %v", ErrUnavailable, closeErr)
	}
	return true, nil
}

// CheckStatus inspects the database's lock catalog for the current holder
func (a *advisoryLock) CheckStatus(ctx context.Context) (*Status, error) {
	a.mu.Lock()
	local := a.conn != nil
	holderID := a.holderID
	acquiredAt := a.acquiredAt
	a.mu.Unlock()

	if local {
		return &Status{Locked: true, HolderID: holderID, AcquiredAt: acquiredAt}, nil
	}

	switch a.dialect {
	case dialect.Postgres:
		// The 64-bit key is split across classid (high half) and objid
		// (low half) in pg_locks.
		var pid sql.NullInt64
		err := a.db.QueryRowContext(ctx, `
			SELECT pid FROM pg_locks
			WHERE locktype = 'advisory'
			  AND classid = $1 AND objid = $2 AND granted
			LIMIT 1`,
			uint32(uint64(a.key)>>32), uint32(uint64(a.key))).Scan(&pid)
		if errors.Is(err, sql.ErrNoRows) {
			return &Status{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: pg_locks: %v", ErrUnavailable, err)
		}
		return &Status{Locked: true, HolderID: fmt.Sprintf("pid:%d", pid.Int64)}, nil
	case dialect.MySQL:
		var connID sql.NullInt64
		err := a.db.QueryRowContext(ctx, `SELECT IS_USED_LOCK(?)`, a.name).Scan(&connID)
		if err != nil {
			return nil, fmt.Errorf("%w: IS_USED_LOCK: %v", ErrUnavailable, err)
		}
		if !connID.Valid {
			return &Status{}, nil
		}
		return &Status{Locked: true, HolderID: fmt.Sprintf("connection:%d", connID.Int64)}, nil
	default:
		return nil, fmt.Errorf("dialect %s has no advisory locks", a.dialect)
	}
}

// ForceRelease terminates the holding session. Advisory locks cannot be
// released from another session, so eviction means killing the holder's
// backend; the status check identifies it first.
func (a *advisoryLock) ForceRelease(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		// Local holder: release normally instead of killing the session.
		holderID := a.holderID
		a.mu.Unlock()
		_, err := a.Release(ctx, holderID)
		return err
	}
	a.mu.Unlock()

	switch a.dialect {
	case dialect.Postgres:
		_, err := a.db.ExecContext(ctx, `
			SELECT pg_terminate_backend(pid) FROM pg_locks
			WHERE locktype = 'advisory'
			  AND classid = $1 AND objid = $2 AND granted`,
			uint32(uint64(a.key)>>32), uint32(uint64(a.key)))
		if err != nil {
			return fmt.Errorf("%w: pg_terminate_backend: %v", ErrUnavailable, err)
		}
		return nil
	case dialect.MySQL:
		var connID sql.NullInt64
		err := a.db.QueryRowContext(ctx, `SELECT IS_USED_LOCK(?)`, a.name).Scan(&connID)
		if err != nil {
			return fmt.Errorf("%w: IS_USED_LOCK: %v", ErrUnavailable, err)
		}
		if !connID.Valid {
			return nil
		}
		if _, err := a.db.ExecContext(ctx, fmt.Sprintf("KILL %d", connID.Int64)); err != nil {
			return fmt.Errorf("%w: KILL: %v", ErrUnavailable, err)
		}
		return nil
	default:
		return fmt.Errorf("dialect %s has no advisory locks", a.dialect)
	}
}

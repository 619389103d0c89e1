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

// rowLockTable is the single-row lock table used for dialects without a
// native advisory lock primitive
const rowLockTable = "schema_migrations_lock"

// rowLock implements Manager with a single-row claim table. The claim is a
// single UPDATE with a "free or expired" predicate, so atomicity comes from
// the database's own row update, not from in-process state. A TTL lets the
// claim of a crashed holder lapse without operator intervention.
type rowLock struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	ttl     time.Duration

	initOnce sync.Once
	initErr  error
}

func newRowLock(db *sqlx.DB, d dialect.Dialect, ttl time.Duration) *rowLock {
	return &rowLock{db: db, dialect: d, ttl: ttl}
}

// initialize creates the lock table and seeds its single row. holder_id =
// '' means unlocked; the row is never deleted.
func (r *rowLock) initialize(ctx context.Context) error {
	r.initOnce.Do(func() {
		createSQL := `
			CREATE TABLE IF NOT EXISTS ` + rowLockTable + ` (
				id INTEGER PRIMARY KEY,
				holder_id VARCHAR(255) NOT NULL DEFAULT '',
				acquired_at TIMESTAMP NOT NULL,
				expires_at TIMESTAMP NOT NULL
			)`
		if _, err := r.db.ExecContext(ctx, createSQL); err != nil {
			r.initErr = fmt.Errorf("%w: create lock table: %v", ErrUnavailable, err)
			return
		}

		epoch := time.Unix(0, 0).UTC()
		var seedSQL string
		switch r.dialect {
		case dialect.MySQL:
			seedSQL = `INSERT IGNORE INTO ` + rowLockTable + ` (id, holder_id, acquired_at, expires_at) VALUES (1, '', ?, ?)`
		case dialect.Postgres:
			seedSQL = `INSERT INTO ` + rowLockTable + ` (id, holder_id, acquired_at, expires_at) VALUES (1, '', ?, ?) ON CONFLICT (id) DO NOTHING`
		default:
			seedSQL = `INSERT OR IGNORE INTO ` + rowLockTable + ` (id, holder_id, acquired_at, expires_at) VALUES (1, '', ?, ?)`
		}
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(seedSQL), epoch, epoch); err != nil {
			r.initErr = fmt.Errorf("%w: seed lock row: %v", ErrUnavailable, err)
		}
	})
	return r.initErr
}

// Acquire claims the lock row if it is free or its previous claim expired
func (r *rowLock) Acquire(ctx context.Context, holderID string, timeout time.Duration) (bool, error) {
	if err := r.initialize(ctx); err != nil {
		return false, err
	}

	claimSQL := r.db.Rebind(`
		UPDATE ` + rowLockTable + `
		SET holder_id = ?, acquired_at = ?, expires_at = ?
		WHERE id = 1 AND (holder_id = '' OR expires_at <= ?)`)

	return poll(ctx, timeout, func() (bool, error) {
		now := time.Now().UTC()
		result, err := r.db.ExecContext(ctx, claimSQL, holderID, now, now.Add(r.ttl), now)
		if err != nil {
			return false, fmt.Errorf("%w: claim lock row: %v", ErrUnavailable, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("%w: claim lock row: %v", ErrUnavailable, err)
		}
		return affected == 1, nil
	})
}

// Release frees the lock row, but only for the named holder
func (r *rowLock) Release(ctx context.Context, holderID string) (bool, error) {
	if err := r.initialize(ctx); err != nil {
		return false, err
	}

	releaseSQL := r.db.Rebind(`
		UPDATE ` + rowLockTable + `
		SET holder_id = '', acquired_at = ?, expires_at = ?
		WHERE id = 1 AND holder_id = ?`)

	epoch := time.Unix(0, 0).UTC()
	result, err := r.db.ExecContext(ctx, releaseSQL, epoch, epoch, holderID)
	if err != nil {
		return false, fmt.Errorf("%w: release lock row: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: release lock row: %v", ErrUnavailable, err)
	}
	return affected == 1, nil
}

// CheckStatus reads the lock row
func (r *rowLock) CheckStatus(ctx context.Context) (*Status, error) {
	if err := r.initialize(ctx); err != nil {
		return nil, err
	}

	var row struct {
		HolderID   string    `db:"holder_id"`
		AcquiredAt time.Time `db:"acquired_at"`
		ExpiresAt  time.Time `db:"expires_at"`
	}
	query := `SELECT holder_id, acquired_at, expires_at FROM ` + rowLockTable + ` WHERE id = 1`
	err := r.db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read lock row: %v", ErrUnavailable, err)
	}

	if row.HolderID == "" || !row.ExpiresAt.After(time.Now().UTC()) {
		return &Status{}, nil
	}
	return &Status{Locked: true, HolderID: row.HolderID, AcquiredAt: row.AcquiredAt}, nil
}

// ForceRelease frees the lock row regardless of holder
func (r *rowLock) ForceRelease(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}

	epoch := time.Unix(0, 0).UTC()
	query := r.db.Rebind(`UPDATE ` + rowLockTable + ` SET holder_id = '', acquired_at = ?, expires_at = ? WHERE id = 1`)
	if _, err := r.db.ExecContext(ctx, query, epoch, epoch); err != nil {
		return fmt.Errorf("%w: force release: %v", ErrUnavailable, err)
	}
	return nil
}

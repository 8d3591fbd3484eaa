package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/types"
)

// probeInterval is how often an acquire retries while waiting
const probeInterval = 100 * time.Millisecond

// Locker provides named cluster-wide mutexes on Postgres advisory locks.
// Session locks pin a dedicated connection and are held until released or
// the session dies; transactional locks release with their transaction.
type Locker struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// NewLocker creates a Locker on the shared connection pool
func NewLocker(db *sqlx.DB) *Locker {
	return &Locker{
		db:     db,
		logger: log.WithComponent("lock"),
	}
}

// Handle represents a held session lock. The embedded connection is the
// lock's session: losing it loses the lock.
type Handle struct {
	Name Name
	key  int64
	conn *sqlx.Conn
}

// Acquire takes the named lock in session mode, probing every 100ms until
// timeout. Returns ErrLockTimeout when the lock stays busy.
func (l *Locker) Acquire(ctx context.Context, name Name, timeout time.Duration) (*Handle, error) {
	key, err := Key(name)
	if err != nil {
		return nil, err
	}

	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock session: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		var acquired bool
		if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("lock probe failed for %q: %w", name, err)
		}
		if acquired {
			metrics.LockAcquisitions.WithLabelValues(string(name), "acquired").Inc()
			l.logger.Debug().Str("lock", string(name)).Msg("acquired session lock")
			return &Handle{Name: name, key: key, conn: conn}, nil
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			metrics.LockAcquisitions.WithLabelValues(string(name), "timeout").Inc()
			return nil, fmt.Errorf("lock %q: %w", name, types.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// Release explicitly drops a session lock. Returns ErrLockNotHeld when the
// session no longer holds it (connection loss, double release).
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.conn == nil {
		return types.ErrLockNotHeld
	}
	defer func() {
		_ = h.conn.Close()
		h.conn = nil
	}()

	var released bool
	if err := h.conn.QueryRowxContext(ctx, `SELECT pg_advisory_unlock($1)`, h.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", h.Name, err)
	}
	if !released {
		return types.ErrLockNotHeld
	}
	l.logger.Debug().Str("lock", string(h.Name)).Msg("released session lock")
	return nil
}

// Held reports whether this handle's session still holds the lock. A node
// that believed itself leader must demote when this turns false.
func (l *Locker) Held(ctx context.Context, h *Handle) (bool, error) {
	if h == nil || h.conn == nil {
		return false, nil
	}
	classid, objid := splitKey(h.key)
	var held bool
	err := h.conn.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND granted
			  AND classid = $1::oid AND objid = $2::oid
			  AND pid = pg_backend_pid()
		)`, uint32(classid), uint32(objid)).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to check lock %q: %w", h.Name, err)
	}
	return held, nil
}

// Locked reports whether any session in the cluster holds the named lock.
// Advisory only: the answer can be stale by the time the caller acts on it.
func (l *Locker) Locked(ctx context.Context, name Name) (bool, error) {
	key, err := Key(name)
	if err != nil {
		return false, err
	}
	classid, objid := splitKey(key)
	var locked bool
	err = l.db.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND granted
			  AND classid = $1::oid AND objid = $2::oid
		)`, uint32(classid), uint32(objid)).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("failed to check lock %q: %w", name, err)
	}
	return locked, nil
}

// AcquireTx takes the named lock in transactional mode inside tx. The lock
// releases automatically at commit or rollback; there is no explicit release.
func (l *Locker) AcquireTx(ctx context.Context, tx *sqlx.Tx, name Name, timeout time.Duration) error {
	key, err := Key(name)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		var acquired bool
		if err := tx.QueryRowxContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&acquired); err != nil {
			return fmt.Errorf("lock probe failed for %q: %w", name, err)
		}
		if acquired {
			metrics.LockAcquisitions.WithLabelValues(string(name), "acquired").Inc()
			return nil
		}
		if time.Now().After(deadline) {
			metrics.LockAcquisitions.WithLabelValues(string(name), "timeout").Inc()
			return fmt.Errorf("lock %q: %w", name, types.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// WithLock runs fn while holding the named session lock, releasing it on
// every exit path including panics.
func (l *Locker) WithLock(ctx context.Context, name Name, timeout time.Duration, fn func(ctx context.Context) error) error {
	h, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), h); err != nil && !errors.Is(err, types.ErrLockNotHeld) {
			l.logger.Warn().Err(err).Str("lock", string(name)).Msg("failed to release lock")
		}
	}()
	return fn(ctx)
}

// HolderInfo describes one advisory lock holder for debugging
type HolderInfo struct {
	Name    Name  `json:"name"`
	Key     int64 `json:"key"`
	PID     int   `json:"pid"`
	Granted bool  `json:"granted"`
}

// List enumerates advisory lock holders across the cluster
func (l *Locker) List(ctx context.Context) ([]HolderInfo, error) {
	rows, err := l.db.QueryxContext(ctx, `
		SELECT classid::bigint, objid::bigint, pid, granted
		FROM pg_locks WHERE locktype = 'advisory'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list advisory locks: %w", err)
	}
	defer rows.Close()

	var out []HolderInfo
	for rows.Next() {
		var classid, objid int64
		var info HolderInfo
		if err := rows.Scan(&classid, &objid, &info.PID, &info.Granted); err != nil {
			return nil, fmt.Errorf("failed to scan lock row: %w", err)
		}
		info.Key = classid<<32 | objid
		info.Name = nameForKey(info.Key)
		out = append(out, info)
	}
	return out, rows.Err()
}

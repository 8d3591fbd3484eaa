package lock

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/types"
)

func TestKeyResolution(t *testing.T) {
	tests := []struct {
		name    Name
		wantKey int64
		wantErr bool
	}{
		{name: NameInit, wantKey: 1},
		{name: NameUnseal, wantKey: 2},
		{name: NameMasterKeyRotation, wantKey: 3},
		{name: NameBackup, wantKey: 4},
		{name: NameAutoUnseal, wantKey: 5},
		{name: NameLeader, wantKey: 6},
		{name: Custom(0), wantKey: customKeyBase},
		{name: Custom(42), wantKey: customKeyBase + 42},
		{name: Name("bogus"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			key, err := Key(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestCustomRangeDisjoint(t *testing.T) {
	for name, key := range wellKnownKeys {
		if key >= customKeyBase {
			t.Errorf("well-known key %q=%d collides with the custom range", name, key)
		}
	}
}

func TestNameForKeyRoundTrip(t *testing.T) {
	for name := range wellKnownKeys {
		key, err := Key(name)
		require.NoError(t, err)
		assert.Equal(t, name, nameForKey(key))
	}
	assert.Equal(t, Custom(7), nameForKey(customKeyBase+7))
}

func TestSplitKey(t *testing.T) {
	hi, lo := splitKey(customKeyBase + 3)
	assert.Equal(t, int64(customKeyBase+3), int64(uint32(hi))<<32|int64(uint32(lo)))

	hi, lo = splitKey(6)
	assert.Equal(t, int32(0), hi)
	assert.Equal(t, int32(6), lo)
}

func newMockLocker(t *testing.T) (*Locker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLocker(sqlx.NewDb(db, "sqlmock")), mock
}

func TestAcquireImmediate(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	h, err := locker.Acquire(context.Background(), NameInit, time.Second)
	require.NoError(t, err)
	assert.Equal(t, NameInit, h.Name)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	require.NoError(t, locker.Release(context.Background(), h))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireTimeout(t *testing.T) {
	locker, mock := newMockLocker(t)

	// every probe finds the lock busy
	for i := 0; i < 5; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
			WithArgs(int64(6)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	}

	_, err := locker.Acquire(context.Background(), NameLeader, 250*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrLockTimeout)
}

func TestReleaseLost(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	h, err := locker.Acquire(context.Background(), NameLeader, time.Second)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(false))
	err = locker.Release(context.Background(), h)
	assert.ErrorIs(t, err, types.ErrLockNotHeld)

	// double release is also not-held
	assert.ErrorIs(t, locker.Release(context.Background(), h), types.ErrLockNotHeld)
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	wantErr := errors.New("inner failure")
	err := locker.WithLock(context.Background(), NameBackup, time.Second, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	assert.Panics(t, func() {
		_ = locker.WithLock(context.Background(), NameBackup, time.Second, func(ctx context.Context) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocked(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	locked, err := locker.Locked(context.Background(), NameLeader)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestAcquireCountsOutcomes(t *testing.T) {
	locker, mock := newMockLocker(t)

	acquired := testutil.ToFloat64(metrics.LockAcquisitions.WithLabelValues(string(NameBackup), "acquired"))
	timedOut := testutil.ToFloat64(metrics.LockAcquisitions.WithLabelValues(string(NameBackup), "timeout"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	h, err := locker.Acquire(context.Background(), NameBackup, time.Second)
	require.NoError(t, err)
	assert.Equal(t, acquired+1, testutil.ToFloat64(metrics.LockAcquisitions.WithLabelValues(string(NameBackup), "acquired")))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	require.NoError(t, locker.Release(context.Background(), h))

	// every probe finds the lock busy
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
			WithArgs(int64(4)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	}

	_, err = locker.Acquire(context.Background(), NameBackup, 50*time.Millisecond)
	require.ErrorIs(t, err, types.ErrLockTimeout)
	assert.Equal(t, timedOut+1, testutil.ToFloat64(metrics.LockAcquisitions.WithLabelValues(string(NameBackup), "timeout")))
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/feedsentry/feedsentry/internal/store"
)

func TestKVGetReturnsValue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	kv, err := NewKVWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("streams/abc").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"id":"abc"}`)))

	got, err := kv.Get(context.Background(), "streams/abc")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"id":"abc"}`), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKVGetMissingKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	kv, err := NewKVWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	_, err = kv.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKVPutUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	kv, err := NewKVWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO kv_entries").
		WithArgs("dedup/x", []byte("1"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, kv.Put(context.Background(), "dedup/x", []byte("1"), time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKVList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	kv, err := NewKVWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT key FROM kv_entries").
		WithArgs("streams/").
		WillReturnRows(pgxmock.NewRows([]string{"key"}).
			AddRow("streams/a").
			AddRow("streams/b"))

	keys, err := kv.List(context.Background(), "streams/")
	require.NoError(t, err)
	require.Equal(t, []string{"streams/a", "streams/b"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockerAcquireAndRelease(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	locker := NewLockerWithPool(mock)

	mock.ExpectExec("INSERT INTO kv_locks").
		WithArgs("stream:abc", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM kv_locks").
		WithArgs("stream:abc", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	lock, err := locker.Acquire(context.Background(), "stream:abc", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockerContendedLock(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	locker := NewLockerWithPool(mock)

	mock.ExpectExec("INSERT INTO kv_locks").
		WithArgs("stream:abc", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err = locker.Acquire(context.Background(), "stream:abc", time.Minute)
	require.ErrorIs(t, err, store.ErrLockHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

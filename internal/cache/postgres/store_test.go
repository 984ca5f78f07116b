package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestSetUpsertsWithExpiry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO flowlens_cache").
		WithArgs("score:abc", []byte(`{"final_score":0.9}`), testNow.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Set(context.Background(), "score:abc", []byte(`{"final_score":0.9}`), time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHitAndMiss(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM flowlens_cache").
		WithArgs("hit", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("cached")))
	mock.ExpectQuery("SELECT value FROM flowlens_cache").
		WithArgs("miss", testNow).
		WillReturnError(pgx.ErrNoRows)

	got, ok, err := store.Get(context.Background(), "hit")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cached"), got)

	_, ok, err = store.Get(context.Background(), "miss")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPropagatesDriverErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM flowlens_cache").
		WithArgs("k", testNow).
		WillReturnError(errors.New("connection reset"))

	_, ok, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestEnsureSchemaAndPurge(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS flowlens_cache").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("DELETE FROM flowlens_cache").
		WithArgs(testNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.EnsureSchema(context.Background()))
	n, err := store.Purge(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectsInvalidTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "cache; DROP TABLE x", nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

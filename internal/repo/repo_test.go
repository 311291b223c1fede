package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestWriteMulti_EmptyIsNoop(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)
	require.NoError(t, r.WriteMulti(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteMulti_BuildsBatchedUpsert(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectPrepare(`INSERT INTO entries .* VALUES \(\?,\?,\?,\?,\?\),\(\?,\?,\?,\?,\?\) ON CONFLICT`).
		ExpectExec().
		WithArgs(int64(1), "a", []byte("va"), int64(3), sqlmock.AnyArg(),
			int64(2), "b", []byte("vb"), int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := r.WriteMulti(context.Background(), []Payload{
		{Key: "a", KeyHash: 1, Value: []byte("va"), ByteSize: 3},
		{Key: "b", KeyHash: 2, Value: []byte("vb"), ByteSize: 3},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteMulti_RejectsOversizedBatch(t *testing.T) {
	t.Parallel()
	r, _ := newMock(t)

	payloads := make([]Payload, MaxBatch+1)
	err := r.WriteMulti(context.Background(), payloads)
	require.Error(t, err)
}

func TestReadMulti_MapsByReturnedKey(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow("a", []byte("va")).
		AddRow("b", []byte("vb"))
	mock.ExpectPrepare(`SELECT key, value FROM entries WHERE key_hash IN`).
		ExpectQuery().
		WithArgs(int64(1), int64(2)).
		WillReturnRows(rows)

	got, err := r.ReadMulti(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("va"), "b": []byte("vb")}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadMulti_Empty(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	got, err := r.ReadMulti(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByKeyHash_ReturnsAffectedCount(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectPrepare(`DELETE FROM entries WHERE key_hash IN`).
		ExpectExec().
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := r.DeleteByKeyHash(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearTruncate(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectExec(`TRUNCATE TABLE entries`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.ClearTruncate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearDelete_StopsWhenNoRowsAffected(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectExec(`DELETE FROM entries WHERE id IN`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec(`DELETE FROM entries WHERE id IN`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.ClearDelete(context.Background(), 10))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockAndWrite_NoExistingRow(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT key, value FROM entries WHERE key_hash = \? FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO entries`).
		WithArgs(int64(5), "k", []byte("new"), int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var sawFound bool
	newVal, err := r.LockAndWrite(context.Background(), 5, "k",
		func(v []byte) int64 { return int64(len(v)) + 4 },
		func(current []byte, found bool) ([]byte, bool) {
			sawFound = found
			return []byte("new"), true
		})

	require.NoError(t, err)
	assert.Equal(t, []byte("new"), newVal)
	assert.False(t, sawFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockAndWrite_HashCollisionTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"key", "value"}).AddRow("other-key", []byte("theirs"))
	mock.ExpectQuery(`SELECT key, value FROM entries WHERE key_hash = \? FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(rows)
	mock.ExpectExec(`INSERT INTO entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var sawFound bool
	var sawCurrent []byte
	_, err := r.LockAndWrite(context.Background(), 5, "requested-key",
		func(v []byte) int64 { return int64(len(v)) },
		func(current []byte, found bool) ([]byte, bool) {
			sawFound, sawCurrent = found, current
			return []byte("mine"), true
		})

	require.NoError(t, err)
	assert.False(t, sawFound, "a stored row under a different key must surface as absent")
	assert.Nil(t, sawCurrent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockAndWrite_NoWriteCommitsWithoutUpsert(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"key", "value"}).AddRow("k", []byte("cur"))
	mock.ExpectQuery(`SELECT key, value FROM entries WHERE key_hash = \? FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(rows)
	mock.ExpectCommit()

	got, err := r.LockAndWrite(context.Background(), 5, "k",
		func(v []byte) int64 { return 0 },
		func(current []byte, found bool) ([]byte, bool) { return nil, false })

	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRange_EmptyTable(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"max", "min"}).AddRow(nil, nil)
	mock.ExpectQuery(`SELECT MAX\(id\), MIN\(id\) FROM entries`).WillReturnRows(rows)

	n, err := r.IDRange(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRange_NonEmptyTable(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"max", "min"}).AddRow(10, 1)
	mock.ExpectQuery(`SELECT MAX\(id\), MIN\(id\) FROM entries`).WillReturnRows(rows)

	n, err := r.IDRange(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOldestIDs(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now).AddRow(2, now)
	mock.ExpectQuery(`SELECT id, created_at FROM entries ORDER BY id ASC LIMIT \?`).
		WithArgs(2).
		WillReturnRows(rows)

	got, err := r.OldestIDs(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].ID)
}

func TestDeleteByID_Empty(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	n, err := r.DeleteByID(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEstimatedSize_NoRows(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"max", "min"}).AddRow(nil, nil)
	mock.ExpectQuery(`SELECT MAX\(id\), MIN\(id\) FROM entries`).WillReturnRows(rows)

	n, err := r.EstimatedSize(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSampleIDs_ReturnsAllWhenKExceedsCandidates(t *testing.T) {
	t.Parallel()

	got := SampleIDs([]int64{1, 2, 3}, 5)
	assert.ElementsMatch(t, []int64{1, 2, 3}, got)
}

func TestSampleIDs_ReturnsExactlyK(t *testing.T) {
	t.Parallel()

	candidates := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	got := SampleIDs(candidates, 4)
	assert.Len(t, got, 4)

	seen := make(map[int64]bool)
	for _, id := range got {
		assert.False(t, seen[id], "SampleIDs must not repeat an id")
		seen[id] = true
	}
}

func TestPrepared_CachesStatementPerOperationAndSize(t *testing.T) {
	t.Parallel()
	r, mock := newMock(t)

	mock.ExpectPrepare(`SELECT 1`)
	mock.ExpectPrepare(`SELECT 1`)

	build := func() string { return "SELECT 1" }
	s1, err := r.prepared(context.Background(), "op", 1, build)
	require.NoError(t, err)
	s2, err := r.prepared(context.Background(), "op", 1, build)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "same (op,size) pair must reuse the cached statement")

	s3, err := r.prepared(context.Background(), "op", 2, build)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3, "different batch size must prepare a new statement")
}

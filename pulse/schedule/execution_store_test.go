package schedule

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/drip/errors"
	driptest "github.com/teranos/drip/internal/testing"
	"github.com/teranos/drip/internal/util"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *ExecutionStore {
	t.Helper()
	clock := t0
	return NewExecutionStore(driptest.CreateTestDB(t)).WithClock(func() time.Time { return clock })
}

func TestBucket(t *testing.T) {
	width := 5 * time.Minute

	b := Bucket(t0, width)
	assert.Equal(t, b, Bucket(t0.Add(4*time.Minute+59*time.Second), width), "same window")
	assert.Equal(t, b+1, Bucket(t0.Add(5*time.Minute), width), "next window")
	assert.Equal(t, t0.UnixMilli()/width.Milliseconds(), b)
	assert.Equal(t, int64(-1), Bucket(time.UnixMilli(-1), width), "floor before epoch")
	assert.Equal(t, "exec_5926656", ExecutionID(5926656))
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := FormatTimestamp(t0.Add(1500 * time.Millisecond).In(time.FixedZone("CET", 3600)))
	assert.Equal(t, "2026-03-02T09:00:01.500Z", ts)

	parsed, err := ParseTimestamp(ts)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(t0.Add(1500*time.Millisecond)))

	parsed, err = ParseTimestamp("2026-03-02T10:00:00+01:00")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(t0))

	parsed, err = ParseTimestamp("2026-03-02 09:00:00")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(t0), "sqlite datetime() output reads as UTC")
	assert.Equal(t, time.UTC, parsed.Location())

	parsed, err = ParseTimestamp("2026-03-02T09:00:00.250")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(t0.Add(250*time.Millisecond)))

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestCreateIfAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exec := NewRunningExecution(42, t0)
	created, err := store.CreateIfAbsent(ctx, exec)
	require.NoError(t, err)
	assert.True(t, created)

	again, err := store.CreateIfAbsent(ctx, NewRunningExecution(42, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, again, "second insert for the same bucket must lose")

	got, err := store.GetExecution(ctx, "exec_42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Bucket)
	assert.Equal(t, ExecutionStatusRunning, got.Status)
	assert.Equal(t, FormatTimestamp(t0), got.StartedAt, "loser must not overwrite")
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.DurationMs)
	assert.False(t, got.IsTerminal())
}

func TestCreateIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := store.CreateIfAbsent(context.Background(), NewRunningExecution(7, t0))
			if err == nil && created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestCompleteExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateIfAbsent(ctx, NewRunningExecution(1, t0))
	require.NoError(t, err)

	sample := `[{"enrollment_id":"e1","error":"boom"}]`
	err = store.CompleteExecution(ctx, "exec_1", ExecutionResult{
		ProcessedCount: 3,
		SuccessCount:   2,
		FailureCount:   1,
		ErrorSample:    &sample,
		DurationMs:     1250,
	})
	require.NoError(t, err)

	got, err := store.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
	require.NotNil(t, got.ErrorSample)
	assert.JSONEq(t, sample, *got.ErrorSample)
	assert.Equal(t, util.Ptr(1250), got.DurationMs)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.IsTerminal())

	// Completed is terminal: a second completion or a failure is a conflict
	err = store.CompleteExecution(ctx, "exec_1", ExecutionResult{})
	assert.True(t, errors.IsConflictError(err))
	err = store.FailExecution(ctx, "exec_1", "late", 0)
	assert.True(t, errors.IsConflictError(err))
}

func TestFailAndReacquire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateIfAbsent(ctx, NewRunningExecution(9, t0))
	require.NoError(t, err)

	require.NoError(t, store.FailExecution(ctx, "exec_9", "fetch: database locked", 40))

	got, err := store.GetExecution(ctx, "exec_9")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "fetch: database locked", *got.ErrorMessage)

	ok, err := store.Reacquire(ctx, "exec_9")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reacquire(ctx, "exec_9")
	require.NoError(t, err)
	assert.False(t, ok, "already running")

	got, err = store.GetExecution(ctx, "exec_9")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)
}

func TestResetExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateIfAbsent(ctx, NewRunningExecution(3, t0))
	require.NoError(t, err)

	require.NoError(t, store.ResetExecution(ctx, "exec_3"))

	got, err := store.GetExecution(ctx, "exec_3")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, got.Status)

	err = store.ResetExecution(ctx, "exec_3")
	assert.True(t, errors.IsInvalidRequestError(err), "failed records cannot be reset")

	err = store.ResetExecution(ctx, "exec_404")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetExecution_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetExecution(context.Background(), "exec_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_, err := store.CreateIfAbsent(ctx, NewRunningExecution(i, t0.Add(time.Duration(i)*5*time.Minute)))
		require.NoError(t, err)
	}
	require.NoError(t, store.CompleteExecution(ctx, "exec_1", ExecutionResult{}))
	require.NoError(t, store.CompleteExecution(ctx, "exec_2", ExecutionResult{}))
	require.NoError(t, store.FailExecution(ctx, "exec_3", "boom", 1))

	all, total, err := store.ListExecutions(ctx, 2, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, all, 2)
	assert.Equal(t, "exec_5", all[0].ID, "newest first")
	assert.Equal(t, "exec_4", all[1].ID)

	page2, _, err := store.ListExecutions(ctx, 2, 2, "")
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "exec_3", page2[0].ID)

	completed, total, err := store.ListExecutions(ctx, 10, 0, ExecutionStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, completed, 2)

	none, total, err := store.ListExecutions(ctx, 10, 0, "bogus")
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestCleanupOldExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := t0.AddDate(0, 0, -100)
	_, err := store.CreateIfAbsent(ctx, NewRunningExecution(1, old))
	require.NoError(t, err)
	require.NoError(t, store.CompleteExecution(ctx, "exec_1", ExecutionResult{}))

	_, err = store.CreateIfAbsent(ctx, NewRunningExecution(2, old))
	require.NoError(t, err) // stuck running, must survive

	_, err = store.CreateIfAbsent(ctx, NewRunningExecution(3, t0.AddDate(0, 0, -10)))
	require.NoError(t, err)
	require.NoError(t, store.CompleteExecution(ctx, "exec_3", ExecutionResult{}))

	deleted, err := store.CleanupOldExecutions(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetExecution(ctx, "exec_1")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetExecution(ctx, "exec_2")
	assert.NoError(t, err)
	_, err = store.GetExecution(ctx, "exec_3")
	assert.NoError(t, err)
}

func TestExecutionStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewExecutionStore(db).WithClock(func() time.Time { return t0 })
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO drip_executions")).WillReturnError(boom)
	_, err = store.CreateIfAbsent(ctx, NewRunningExecution(1, t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "exec_1")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE drip_executions")).
		WithArgs(ExecutionStatusFailed, sqlmock.AnyArg(), 5, "fatal", sqlmock.AnyArg(), "exec_1", ExecutionStatusRunning).
		WillReturnError(boom)
	err = store.FailExecution(ctx, "exec_1", "fatal", 5)
	assert.True(t, errors.Is(err, boom))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM drip_executions")).WillReturnError(boom)
	_, _, err = store.ListExecutions(ctx, 10, 0, "")
	assert.Error(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE drip_executions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.CompleteExecution(ctx, "exec_1", ExecutionResult{})
	assert.True(t, errors.IsConflictError(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

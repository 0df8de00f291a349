package distribution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/distribution"
	"github.com/warp/referral-engine/distribution/store"
)

func newLedger(t *testing.T) (*distribution.Ledger, *store.TxMemory, *clockwork.FakeClock) {
	t.Helper()
	s := store.NewTxMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	return distribution.NewLedger(s, clock), s, clock
}

func queuedBatch(t *testing.T, l *distribution.Ledger, id distribution.BatchID) distribution.RewardBatch {
	t.Helper()
	b, err := l.Create(context.Background(), distribution.RewardBatch{
		BatchID:         id,
		SourceAccountID: "src",
		Currency:        distribution.CurrencyCoin,
		EarnedAmount:    d("10"),
		Status:          distribution.BatchCompleted, // ignored: Create always starts queued
		Attempts:        7,
	})
	require.NoError(t, err)
	return b
}

func TestLedger_CreateStartsQueued(t *testing.T) {
	l, _, clock := newLedger(t)
	b := queuedBatch(t, l, "b-1")

	assert.Equal(t, distribution.BatchQueued, b.Status)
	assert.Equal(t, 0, b.Attempts)
	assert.Equal(t, clock.Now().UTC(), b.CreatedAt)
	assert.Nil(t, b.StartedAt)
	assert.Nil(t, b.CompletedAt)
}

func TestLedger_CreateNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	queuedBatch(t, l, "b-1")
	_, err := l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)

	_, err = l.Create(ctx, distribution.RewardBatch{BatchID: "b-1", SourceAccountID: "other", Currency: distribution.CurrencyTON})
	assert.ErrorIs(t, err, distribution.ErrDuplicateBatch)

	got, err := l.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchProcessing, got.Status)
	assert.Equal(t, distribution.AccountID("src"), got.SourceAccountID)
}

func TestLedger_BeginAttemptCountsAttempts(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newLedger(t)
	queuedBatch(t, l, "b-1")

	b, err := l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchProcessing, b.Status)
	assert.Equal(t, 1, b.Attempts)
	require.NotNil(t, b.StartedAt)

	clock.Advance(time.Second)
	b, err = l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Attempts)
	assert.Equal(t, clock.Now().UTC(), *b.StartedAt)
}

func TestLedger_CompletedBatchIsFinal(t *testing.T) {
	// GIVEN: A completed batch
	// WHEN: A late worker or recovery touches it
	// THEN: Every transition is refused and nothing changes

	ctx := context.Background()
	l, s, _ := newLedger(t)
	queuedBatch(t, l, "b-1")
	b, err := l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx distribution.Store) error {
		return l.CompleteIn(ctx, tx, "b-1", b.Attempts, distribution.SettlementResult{TotalDistributed: d("0")})
	})
	require.NoError(t, err)

	_, err = l.BeginAttempt(ctx, "b-1")
	assert.ErrorIs(t, err, distribution.ErrBatchSettled)
	assert.False(t, distribution.IsRetryable(err))

	assert.ErrorIs(t, l.Requeue(ctx, "b-1"), distribution.ErrInvalidTransition)
	assert.ErrorIs(t, l.MarkFailed(ctx, "b-1", errors.New("late")), distribution.ErrInvalidTransition)

	got, err := l.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestLedger_CompletionGuardedOnAttempt(t *testing.T) {
	// GIVEN: Attempt 1 is still running when attempt 2 takes the batch over
	// WHEN: Attempt 1 tries to complete
	// THEN: Its completion is refused

	ctx := context.Background()
	l, s, _ := newLedger(t)
	queuedBatch(t, l, "b-1")
	first, err := l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)
	_, err = l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx distribution.Store) error {
		return l.CompleteIn(ctx, tx, "b-1", first.Attempts, distribution.SettlementResult{})
	})
	var terr *distribution.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, distribution.BatchCompleted, terr.To)
}

func TestLedger_RecordAttemptErrorKeepsProcessing(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	queuedBatch(t, l, "b-1")
	b, err := l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)

	require.NoError(t, l.RecordAttemptError(ctx, "b-1", b.Attempts, errors.New("deadlock detected")))

	got, err := l.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchProcessing, got.Status)
	assert.Equal(t, "deadlock detected", got.ErrorMessage)
}

func TestLedger_FailedThenRequeued(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	queuedBatch(t, l, "b-1")
	_, err := l.BeginAttempt(ctx, "b-1")
	require.NoError(t, err)

	// queued -> failed is not a worker transition.
	queuedBatch(t, l, "b-2")
	assert.ErrorIs(t, l.MarkFailed(ctx, "b-2", errors.New("x")), distribution.ErrInvalidTransition)

	require.NoError(t, l.MarkFailed(ctx, "b-1", errors.New("gave up")))
	got, err := l.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchFailed, got.Status)
	assert.Equal(t, "gave up", got.ErrorMessage)

	require.NoError(t, l.Requeue(ctx, "b-1"))
	got, err = l.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestLedger_ScanOldestFirst(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newLedger(t)
	for _, id := range []distribution.BatchID{"c", "a", "b"} {
		queuedBatch(t, l, id)
		clock.Advance(time.Second)
	}

	got, err := l.Scan(ctx, distribution.BatchFilter{Statuses: []distribution.BatchStatus{distribution.BatchQueued}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, distribution.BatchID("c"), got[0].BatchID)
	assert.Equal(t, distribution.BatchID("a"), got[1].BatchID)
}

func TestLedger_MissingBatch(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)

	_, err := l.Get(ctx, "nope")
	assert.ErrorIs(t, err, distribution.ErrBatchNotFound)
	_, err = l.BeginAttempt(ctx, "nope")
	assert.ErrorIs(t, err, distribution.ErrBatchNotFound)
}

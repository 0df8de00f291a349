// Package storetest is the behavioural contract every distribution.TxStore
// implementation must satisfy. Backend test files call Run with a factory
// that returns a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/distribution"
)

// Factory returns a new empty store. Cleanup is registered on t.
type Factory func(t *testing.T) distribution.TxStore

// Run executes the whole contract against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, open(t)) })
	t.Run("InviterChain", func(t *testing.T) { testInviterChain(t, open(t)) })
	t.Run("CreditBalances", func(t *testing.T) { testCreditBalances(t, open(t)) })
	t.Run("BatchLifecycle", func(t *testing.T) { testBatchLifecycle(t, open(t)) })
	t.Run("ScanBatches", func(t *testing.T) { testScanBatches(t, open(t)) })
	t.Run("LedgerTransactions", func(t *testing.T) { testLedgerTransactions(t, open(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, open(t)) })
	t.Run("ConcurrentCredits", func(t *testing.T) { testConcurrentCredits(t, open(t)) })
}

var base = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func equalAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, amt(want).Equal(got), "want %s, got %s", want, got)
}

func account(t *testing.T, s distribution.Store, id, inviter distribution.AccountID) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), distribution.Account{ID: id, InviterID: inviter, CreatedAt: base}))
}

func batch(id distribution.BatchID, created time.Time) distribution.RewardBatch {
	return distribution.RewardBatch{
		BatchID:          id,
		SourceAccountID:  "src",
		Currency:         distribution.CurrencyCoin,
		EarnedAmount:     amt("100.12345678"),
		Status:           distribution.BatchQueued,
		TotalDistributed: decimal.Zero,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

// =============================================================================
// ACCOUNTS & CHAIN
// =============================================================================

func testAccounts(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	account(t, s, "root", "")
	account(t, s, "kid", "root")

	err := s.CreateAccount(ctx, distribution.Account{ID: "root", CreatedAt: base})
	assert.ErrorIs(t, err, distribution.ErrDuplicateAccount)

	err = s.CreateAccount(ctx, distribution.Account{ID: "orphan", InviterID: "ghost", CreatedAt: base})
	assert.ErrorIs(t, err, distribution.ErrInviterNotFound)

	got, err := s.GetAccount(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, distribution.AccountID("root"), got.InviterID)
	assert.True(t, got.Balance(distribution.CurrencyCoin).IsZero())

	_, err = s.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, distribution.ErrAccountNotFound)

	inviter, ok, err := s.InviterOf(ctx, "kid")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, distribution.AccountID("root"), inviter)

	_, ok, err = s.InviterOf(ctx, "root")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.InviterOf(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testInviterChain(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	account(t, s, "n0", "")
	for i := 1; i <= 25; i++ {
		account(t, s, distribution.AccountID(fmt.Sprintf("n%d", i)), distribution.AccountID(fmt.Sprintf("n%d", i-1)))
	}

	chain, err := s.InviterChain(ctx, "n25", 20)
	require.NoError(t, err)
	require.Len(t, chain, 20)
	for i, link := range chain {
		assert.Equal(t, i+1, link.Level)
		assert.Equal(t, distribution.AccountID(fmt.Sprintf("n%d", 24-i)), link.AccountID)
	}

	iterative, err := distribution.IterativeResolver{}.Resolve(ctx, s, "n25", 20)
	require.NoError(t, err)
	assert.Equal(t, iterative, chain)

	chain, err = s.InviterChain(ctx, "n3", 20)
	require.NoError(t, err)
	assert.Len(t, chain, 3)

	chain, err = s.InviterChain(ctx, "n0", 20)
	require.NoError(t, err)
	assert.Empty(t, chain)

	chain, err = s.InviterChain(ctx, "ghost", 20)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

// =============================================================================
// BALANCES
// =============================================================================

func testCreditBalances(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	account(t, s, "a", "")
	account(t, s, "b", "")

	require.NoError(t, s.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{
		{AccountID: "a", Amount: amt("1.5")},
		{AccountID: "b", Amount: amt("0.00000001")},
	}, base))
	require.NoError(t, s.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{
		{AccountID: "a", Amount: amt("2.25")},
	}, base))
	require.NoError(t, s.CreditBalances(ctx, distribution.CurrencyTON, []distribution.Credit{
		{AccountID: "a", Amount: amt("7")},
	}, base))

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	equalAmount(t, "3.75", a.Balance(distribution.CurrencyCoin))
	equalAmount(t, "7", a.Balance(distribution.CurrencyTON))

	b, err := s.GetAccount(ctx, "b")
	require.NoError(t, err)
	equalAmount(t, "0.00000001", b.Balance(distribution.CurrencyCoin))

	err = s.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{{AccountID: "ghost", Amount: amt("1")}}, base)
	assert.ErrorIs(t, err, distribution.ErrAccountNotFound)
}

// =============================================================================
// BATCHES
// =============================================================================

func testBatchLifecycle(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, batch("b-1", base)))
	assert.ErrorIs(t, s.CreateBatch(ctx, batch("b-1", base)), distribution.ErrDuplicateBatch)

	got, err := s.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchQueued, got.Status)
	equalAmount(t, "100.12345678", got.EarnedAmount)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.StartedAt)

	_, err = s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, distribution.ErrBatchNotFound)

	start := base.Add(time.Second)
	require.NoError(t, s.TransitionBatch(ctx, "b-1", distribution.Transition{
		From:              []distribution.BatchStatus{distribution.BatchQueued},
		To:                distribution.BatchProcessing,
		IncrementAttempts: true,
		At:                start,
	}))

	err = s.TransitionBatch(ctx, "b-1", distribution.Transition{
		From: []distribution.BatchStatus{distribution.BatchQueued},
		To:   distribution.BatchProcessing,
		At:   start,
	})
	assert.ErrorIs(t, err, distribution.ErrInvalidTransition)

	err = s.TransitionBatch(ctx, "missing", distribution.Transition{
		From: []distribution.BatchStatus{distribution.BatchQueued},
		To:   distribution.BatchProcessing,
		At:   start,
	})
	assert.ErrorIs(t, err, distribution.ErrBatchNotFound)

	// Wrong attempt number: refused.
	err = s.TransitionBatch(ctx, "b-1", distribution.Transition{
		From:            []distribution.BatchStatus{distribution.BatchProcessing},
		To:              distribution.BatchCompleted,
		RequireAttempts: 2,
		At:              start,
	})
	assert.ErrorIs(t, err, distribution.ErrInvalidTransition)

	levels, recipients := 3, 2
	total := amt("9.5")
	msg := ""
	done := base.Add(2 * time.Second)
	require.NoError(t, s.TransitionBatch(ctx, "b-1", distribution.Transition{
		From:             []distribution.BatchStatus{distribution.BatchProcessing},
		To:               distribution.BatchCompleted,
		RequireAttempts:  1,
		LevelsProcessed:  &levels,
		RecipientCount:   &recipients,
		TotalDistributed: &total,
		ErrorMessage:     &msg,
		CompletedAt:      &done,
		At:               done,
	}))

	got, err = s.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 3, got.LevelsProcessed)
	assert.Equal(t, 2, got.RecipientCount)
	equalAmount(t, "9.5", got.TotalDistributed)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(start))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	assert.True(t, got.UpdatedAt.Equal(done))
}

func testScanBatches(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	for i, id := range []distribution.BatchID{"q-old", "p-old", "f-old", "p-new", "c-done"} {
		require.NoError(t, s.CreateBatch(ctx, batch(id, base.Add(time.Duration(i)*time.Minute))))
	}
	move := func(id distribution.BatchID, to distribution.BatchStatus, at time.Time, bump bool) {
		require.NoError(t, s.TransitionBatch(ctx, id, distribution.Transition{
			From:              []distribution.BatchStatus{distribution.BatchQueued, distribution.BatchProcessing},
			To:                to,
			IncrementAttempts: bump,
			At:                at,
		}))
	}
	move("p-old", distribution.BatchProcessing, base.Add(5*time.Minute), true)
	move("f-old", distribution.BatchProcessing, base.Add(5*time.Minute), true)
	move("f-old", distribution.BatchFailed, base.Add(30*time.Minute), false)
	move("p-new", distribution.BatchProcessing, base.Add(20*time.Minute), true)
	move("c-done", distribution.BatchProcessing, base.Add(5*time.Minute), true)
	move("c-done", distribution.BatchCompleted, base.Add(5*time.Minute), false)

	ids := func(bs []distribution.RewardBatch) []distribution.BatchID {
		out := make([]distribution.BatchID, len(bs))
		for i, b := range bs {
			out[i] = b.BatchID
		}
		return out
	}
	recoverable := []distribution.BatchStatus{distribution.BatchQueued, distribution.BatchProcessing, distribution.BatchFailed}

	all, err := s.ScanBatches(ctx, distribution.BatchFilter{Statuses: recoverable})
	require.NoError(t, err)
	assert.Equal(t, []distribution.BatchID{"q-old", "p-old", "f-old", "p-new"}, ids(all))

	stale, err := s.ScanBatches(ctx, distribution.BatchFilter{Statuses: recoverable, StaleBefore: base.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []distribution.BatchID{"q-old", "p-old", "f-old"}, ids(stale))

	limited, err := s.ScanBatches(ctx, distribution.BatchFilter{Statuses: recoverable, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []distribution.BatchID{"q-old", "p-old"}, ids(limited))

	budget, err := s.ScanBatches(ctx, distribution.BatchFilter{Statuses: recoverable, MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, []distribution.BatchID{"q-old"}, ids(budget))

	spent, err := s.ScanBatches(ctx, distribution.BatchFilter{
		Statuses:    []distribution.BatchStatus{distribution.BatchProcessing},
		MinAttempts: 1,
		StaleBefore: base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, []distribution.BatchID{"p-old"}, ids(spent))

	everything, err := s.ScanBatches(ctx, distribution.BatchFilter{})
	require.NoError(t, err)
	assert.Len(t, everything, 5)
}

// =============================================================================
// LEDGER TRANSACTIONS
// =============================================================================

func ledgerRows(id distribution.BatchID, recipient distribution.AccountID, levels ...int) []distribution.LedgerTransaction {
	var rows []distribution.LedgerTransaction
	for _, l := range levels {
		rows = append(rows, distribution.LedgerTransaction{
			ID:              fmt.Sprintf("%s/%02d", id, l),
			BatchID:         id,
			RecipientID:     recipient,
			SourceAccountID: "src",
			Level:           l,
			Percent:         amt("0.01"),
			Amount:          amt("0.25"),
			Currency:        distribution.CurrencyTON,
			CreatedAt:       base.Add(time.Duration(l) * time.Second),
		})
	}
	return rows
}

func testLedgerTransactions(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	account(t, s, "r", "")
	require.NoError(t, s.CreateBatch(ctx, batch("b-1", base)))
	require.NoError(t, s.CreateBatch(ctx, batch("b-2", base)))

	require.NoError(t, s.InsertLedgerTransactions(ctx, ledgerRows("b-1", "r", 2, 1)))
	require.NoError(t, s.InsertLedgerTransactions(ctx, ledgerRows("b-2", "r", 3)))

	err := s.InsertLedgerTransactions(ctx, ledgerRows("b-1", "r", 1))
	assert.Error(t, err)

	rows, err := s.TransactionsForBatch(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Level)
	assert.Equal(t, 2, rows[1].Level)
	assert.Equal(t, distribution.CurrencyTON, rows[0].Currency)
	equalAmount(t, "0.25", rows[0].Amount)
	equalAmount(t, "0.01", rows[0].Percent)

	recent, err := s.RecentTransactions(ctx, "r", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, distribution.BatchID("b-2"), recent[0].BatchID)

	none, err := s.RecentTransactions(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testWithTxRollback(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	account(t, s, "r", "")
	require.NoError(t, s.CreateBatch(ctx, batch("b-1", base)))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx distribution.Store) error {
		if err := tx.CreditBalances(ctx, distribution.CurrencyTON, []distribution.Credit{{AccountID: "r", Amount: amt("5")}}, base); err != nil {
			return err
		}
		if err := tx.InsertLedgerTransactions(ctx, ledgerRows("b-1", "r", 1)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := s.GetAccount(ctx, "r")
	require.NoError(t, err)
	assert.True(t, a.Balance(distribution.CurrencyTON).IsZero())
	rows, err := s.TransactionsForBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, s.WithTx(ctx, func(tx distribution.Store) error {
		return tx.CreditBalances(ctx, distribution.CurrencyTON, []distribution.Credit{{AccountID: "r", Amount: amt("5")}}, base)
	}))
	a, err = s.GetAccount(ctx, "r")
	require.NoError(t, err)
	equalAmount(t, "5", a.Balance(distribution.CurrencyTON))
}

func testConcurrentCredits(t *testing.T, s distribution.TxStore) {
	ctx := context.Background()
	account(t, s, "r", "")

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx distribution.Store) error {
				return tx.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{{AccountID: "r", Amount: amt("0.1")}}, base)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	a, err := s.GetAccount(ctx, "r")
	require.NoError(t, err)
	equalAmount(t, "2", a.Balance(distribution.CurrencyCoin))
}

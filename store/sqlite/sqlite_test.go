package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/distribution"
	"github.com/warp/referral-engine/distribution/storetest"
	"github.com/warp/referral-engine/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) distribution.TxStore {
		return newTestStore(t)
	})
}

func TestSQLite_FileDatabaseReopens(t *testing.T) {
	// GIVEN: A file-backed store with a credited balance
	// WHEN: The store is closed and opened again
	// THEN: The schema migration is idempotent and the balance survived

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "referral.db")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "a"}))
	require.NoError(t, s.CreditBalances(ctx, distribution.CurrencyTON, []distribution.Credit{
		{AccountID: "a", Amount: decimal.RequireFromString("12.34567891")},
	}, time.Now()))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "12.34567891", a.Balance(distribution.CurrencyTON).String())
}

func TestSQLite_InviterChainStopsAtCycle(t *testing.T) {
	// GIVEN: a -> b -> c -> a, written directly in SQL since the API
	// cannot create a cycle
	// WHEN: The chain of a is resolved
	// THEN: Each account appears at most once and a itself is never paid

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "c"}))
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "b", InviterID: "c"}))
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "a", InviterID: "b"}))
	_, err := s.db.Exec(`UPDATE accounts SET inviter_id = 'a' WHERE id = 'c'`)
	require.NoError(t, err)

	chain, err := s.InviterChain(ctx, "a", 20)
	require.NoError(t, err)
	assert.Equal(t, distribution.Chain{
		{AccountID: "b", Level: 1},
		{AccountID: "c", Level: 2},
	}, chain)

	iterative, err := distribution.IterativeResolver{}.Resolve(ctx, s, "a", 20)
	require.NoError(t, err)
	assert.Equal(t, chain, iterative)
}

func TestSQLite_InviterChainSelfLoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "a"}))
	_, err := s.db.Exec(`UPDATE accounts SET inviter_id = 'a' WHERE id = 'a'`)
	require.NoError(t, err)

	chain, err := s.InviterChain(ctx, "a", 20)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func units(t *testing.T, s string) int64 {
	t.Helper()
	u, err := toUnits(decimal.RequireFromString(s))
	require.NoError(t, err)
	return u
}

func TestSQLite_AmountsTruncateToUnits(t *testing.T) {
	assert.Equal(t, int64(123456789), units(t, "1.234567899"))
	assert.Equal(t, "1.23456789", fromUnits(123456789).String())
	assert.Equal(t, int64(1), units(t, "0.00000001"))
	assert.Equal(t, int64(0), units(t, "0.000000009"))
}

func TestSQLite_UnitsRange(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), units(t, distribution.MaxAmount.String()))
	assert.True(t, fromUnits(math.MaxInt64).Equal(distribution.MaxAmount))

	for _, s := range []string{"92233720368.54775808", "184467440837.09551616", "1e11", "-92233720368.54775809"} {
		_, err := toUnits(decimal.RequireFromString(s))
		assert.ErrorIs(t, err, distribution.ErrAmountOverflow, s)
	}
}

func TestSQLite_OversizedAmountsRefused(t *testing.T) {
	// GIVEN: A balance already at the top of the fixed-point range
	// WHEN: More is credited, or a batch or row carries an oversized amount
	// THEN: The write fails with ErrAmountOverflow and nothing changes

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "whale"}))
	require.NoError(t, s.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{
		{AccountID: "whale", Amount: distribution.MaxAmount},
	}, now))

	err := s.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{
		{AccountID: "whale", Amount: decimal.RequireFromString("0.00000001")},
	}, now)
	assert.ErrorIs(t, err, distribution.ErrAmountOverflow)

	a, err := s.GetAccount(ctx, "whale")
	require.NoError(t, err)
	assert.True(t, a.Balance(distribution.CurrencyCoin).Equal(distribution.MaxAmount), a.Balance(distribution.CurrencyCoin).String())

	err = s.CreditBalances(ctx, distribution.CurrencyTON, []distribution.Credit{
		{AccountID: "whale", Amount: decimal.RequireFromString("1e11")},
	}, now)
	assert.ErrorIs(t, err, distribution.ErrAmountOverflow)

	err = s.CreateBatch(ctx, distribution.RewardBatch{
		BatchID:         "big",
		SourceAccountID: "whale",
		Currency:        distribution.CurrencyCoin,
		EarnedAmount:    decimal.RequireFromString("1e11"),
		Status:          distribution.BatchQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	assert.ErrorIs(t, err, distribution.ErrAmountOverflow)
	_, err = s.GetBatch(ctx, "big")
	assert.ErrorIs(t, err, distribution.ErrBatchNotFound)
}

func TestSQLite_CreditStampsCallerTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "a"}))
	require.NoError(t, s.CreditBalances(ctx, distribution.CurrencyCoin, []distribution.Credit{
		{AccountID: "a", Amount: decimal.NewFromInt(1)},
	}, at))

	var stamped string
	require.NoError(t, s.db.QueryRow(`SELECT updated_at FROM account_balances WHERE account_id = 'a'`).Scan(&stamped))
	assert.Equal(t, formatTime(at), stamped)
}

func TestSQLite_EngineAtAmountBoundary(t *testing.T) {
	// GIVEN: An engine on SQLite paying 5% to the direct inviter
	// WHEN: An accrual of exactly MaxAmount arrives, then one just above it
	// THEN: The first settles with an exact commission; the second is
	// rejected at enqueue and never reaches the ledger

	ctx := context.Background()
	s := newTestStore(t)
	tbl, err := distribution.NewCommissionTable(map[int]decimal.Decimal{1: decimal.RequireFromString("0.05")}, 20)
	require.NoError(t, err)
	e, err := distribution.NewEngine(s, distribution.Config{Table: tbl, Logger: logger.NewTest()})
	require.NoError(t, err)

	_, err = e.CreateAccount(ctx, "P", "")
	require.NoError(t, err)
	_, err = e.CreateAccount(ctx, "kid", "P")
	require.NoError(t, err)

	id, err := e.OnAccrual(ctx, "kid", distribution.MaxAmount, distribution.CurrencyCoin)
	require.NoError(t, err)
	require.NoError(t, e.Drain(ctx))

	b, err := e.GetBatchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, distribution.BatchCompleted, b.Status)
	assert.True(t, b.EarnedAmount.Equal(distribution.MaxAmount))
	want := decimal.RequireFromString("4611686018.42738790")
	assert.True(t, b.TotalDistributed.Equal(want), b.TotalDistributed.String())

	p, err := e.GetAccount(ctx, "P")
	require.NoError(t, err)
	assert.True(t, p.Balance(distribution.CurrencyCoin).Equal(want), p.Balance(distribution.CurrencyCoin).String())

	for _, amount := range []string{"92233720368.54775808", "184467440837.09551616"} {
		_, err = e.OnAccrual(ctx, "kid", decimal.RequireFromString(amount), distribution.CurrencyCoin)
		assert.ErrorIs(t, err, distribution.ErrInvalidAmount, amount)
	}
	batches, err := e.ListBatches(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

/*
settlement.go - Atomic settlement of one reward batch

One call to Settle runs inside a single storage transaction:

  1. resolve the inviter chain of the source account (bounded by maxLevels)
  2. calculate per-level commissions
  3. aggregate them into one credit per distinct recipient
  4. credit balances with in-place increments
  5. insert every LedgerTransaction row in one statement
  6. processing -> completed, guarded on the attempt number

The "-> processing" transition happens before Settle, in its own committed
write (see Ledger.BeginAttempt). A failure anywhere in 1-6 rolls the whole
transaction back: no balance change survives without its ledger rows, and
the batch row is left in processing for the worker or recovery to retry.

An empty chain is not an error. The batch completes with zero totals.
*/
package distribution

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// SettlementResult holds the final counts of a settled batch.
type SettlementResult struct {
	LevelsProcessed  int
	RecipientCount   int
	TotalDistributed decimal.Decimal
	Transactions     []LedgerTransaction
}

// Settler performs atomic settlement against a transactional store.
type Settler struct {
	store      TxStore
	ledger     *Ledger
	calculator Calculator
	maxLevels  int
	clock      clockwork.Clock
}

func NewSettler(store TxStore, ledger *Ledger, calculator Calculator, maxLevels int, clock clockwork.Clock) *Settler {
	if maxLevels <= 0 {
		maxLevels = DefaultMaxLevels
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Settler{
		store:      store,
		ledger:     ledger,
		calculator: calculator,
		maxLevels:  maxLevels,
		clock:      clock,
	}
}

// Settle pays out one batch. batch must be the row returned by
// Ledger.BeginAttempt for this attempt.
func (s *Settler) Settle(ctx context.Context, batch RewardBatch, resolver ChainResolver, table CommissionTable) (SettlementResult, error) {
	if batch.Status != BatchProcessing {
		return SettlementResult{}, &TransitionError{BatchID: batch.BatchID, To: BatchCompleted, From: []BatchStatus{BatchProcessing}}
	}

	var result SettlementResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		chain, err := resolver.Resolve(ctx, tx, batch.SourceAccountID, s.maxLevels)
		if err != nil {
			return err
		}

		commissions, err := s.calculator.Calculate(batch.EarnedAmount, chain, table)
		if err != nil {
			return err
		}

		credits := Aggregate(commissions)
		if len(credits) > 0 {
			if err := tx.CreditBalances(ctx, batch.Currency, credits, s.clock.Now().UTC()); err != nil {
				return fmt.Errorf("credit balances: %w", err)
			}
		}

		rows := s.transactions(batch, commissions)
		if len(rows) > 0 {
			if err := tx.InsertLedgerTransactions(ctx, rows); err != nil {
				return fmt.Errorf("insert ledger transactions: %w", err)
			}
		}

		result = SettlementResult{
			LevelsProcessed:  len(chain),
			RecipientCount:   len(credits),
			TotalDistributed: Total(commissions),
			Transactions:     rows,
		}
		return s.ledger.CompleteIn(ctx, tx, batch.BatchID, batch.Attempts, result)
	})
	if err != nil {
		return SettlementResult{}, fmt.Errorf("settle batch %s (attempt %d): %w", batch.BatchID, batch.Attempts, err)
	}
	return result, nil
}

// transactions builds one row per (recipient, level). Row ids are derived
// from the batch id and level, so a second insert for the same batch
// collides on the primary key.
func (s *Settler) transactions(batch RewardBatch, commissions []Commission) []LedgerTransaction {
	now := s.clock.Now().UTC()
	rows := make([]LedgerTransaction, 0, len(commissions))
	for _, c := range commissions {
		rows = append(rows, LedgerTransaction{
			ID:              fmt.Sprintf("%s/%02d", batch.BatchID, c.Level),
			BatchID:         batch.BatchID,
			RecipientID:     c.RecipientID,
			SourceAccountID: batch.SourceAccountID,
			Level:           c.Level,
			Percent:         c.Percent,
			Amount:          c.Amount,
			Currency:        batch.Currency,
			CreatedAt:       now,
		})
	}
	return rows
}

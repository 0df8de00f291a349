/*
store.go - Persistence interfaces for accounts, batches and ledger rows

KEY INTERFACES:
  Store:   Account graph, balances, Distribution Ledger rows, ledger transactions
  TxStore: Store plus WithTx for the single settlement transaction

MUTATION RULES:
  - Balances change only through CreditBalances, which must be an atomic
    "add to current value" at the storage layer. Never read-then-write.
  - InsertLedgerTransactions is only called inside WithTx, next to
    CreditBalances, so a payout row never exists without its balance change.
  - Batch rows change only through TransitionBatch, a conditional update
    that fails with ErrInvalidTransition when the row is not in an allowed
    source status.

IMPLEMENTATIONS:
  - store/sqlite:              default backend
  - store/postgres:            pgx backend
  - distribution/store/memory: in-memory, for tests
*/
package distribution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

// ChainSource is what the chain resolvers read from.
type ChainSource interface {
	// InviterOf returns the direct inviter of id. ok is false when the
	// account does not exist or has no inviter.
	InviterOf(ctx context.Context, id AccountID) (inviter AccountID, ok bool, err error)

	// InviterChain resolves the whole chain in one store-side recursive
	// query, bounded by maxLevels and guarded against cycles.
	InviterChain(ctx context.Context, id AccountID, maxLevels int) (Chain, error)
}

type Store interface {
	ChainSource

	// CreateAccount inserts an account. The inviter, when set, must exist.
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// CreditBalances adds each credit to the recipient's balance in place
	// and stamps the balance rows with at.
	CreditBalances(ctx context.Context, currency Currency, credits []Credit, at time.Time) error

	// CreateBatch inserts a new ledger row. Returns ErrDuplicateBatch if the
	// id exists; it never overwrites.
	CreateBatch(ctx context.Context, batch RewardBatch) error
	GetBatch(ctx context.Context, id BatchID) (*RewardBatch, error)
	TransitionBatch(ctx context.Context, id BatchID, t Transition) error
	ScanBatches(ctx context.Context, filter BatchFilter) ([]RewardBatch, error)

	// InsertLedgerTransactions writes all payout rows of a batch in one statement.
	InsertLedgerTransactions(ctx context.Context, txs []LedgerTransaction) error
	TransactionsForBatch(ctx context.Context, id BatchID) ([]LedgerTransaction, error)
	RecentTransactions(ctx context.Context, recipient AccountID, limit int) ([]LedgerTransaction, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a storage transaction. If fn returns an
	// error the transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// TRANSITIONS & FILTERS
// =============================================================================

// Transition is a conditional batch update. Only non-nil fields are written.
type Transition struct {
	From []BatchStatus
	To   BatchStatus

	// RequireAttempts, when > 0, also requires attempts == RequireAttempts.
	RequireAttempts int

	// IncrementAttempts bumps the attempt counter and sets started_at.
	IncrementAttempts bool

	LevelsProcessed  *int
	RecipientCount   *int
	TotalDistributed *decimal.Decimal
	ErrorMessage     *string
	CompletedAt      *time.Time

	At time.Time
}

// Allows reports whether a batch in status s may take this transition.
func (t Transition) Allows(s BatchStatus, attempts int) bool {
	if t.RequireAttempts > 0 && attempts != t.RequireAttempts {
		return false
	}
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// Apply writes the transition onto an in-memory batch.
func (t Transition) Apply(b *RewardBatch) {
	b.Status = t.To
	b.UpdatedAt = t.At
	if t.IncrementAttempts {
		b.Attempts++
		at := t.At
		b.StartedAt = &at
	}
	if t.LevelsProcessed != nil {
		b.LevelsProcessed = *t.LevelsProcessed
	}
	if t.RecipientCount != nil {
		b.RecipientCount = *t.RecipientCount
	}
	if t.TotalDistributed != nil {
		b.TotalDistributed = *t.TotalDistributed
	}
	if t.ErrorMessage != nil {
		b.ErrorMessage = *t.ErrorMessage
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		b.CompletedAt = &at
	}
}

// BatchFilter selects ledger rows for recovery and listings.
// Results are ordered oldest first (created_at, then batch id).
type BatchFilter struct {
	Statuses []BatchStatus

	// StaleBefore, when non-zero, only matches queued and processing rows
	// whose updated_at is at or before it. Failed rows are unaffected.
	StaleBefore time.Time

	// MaxAttempts, when > 0, only matches rows with attempts < MaxAttempts.
	MaxAttempts int

	// MinAttempts, when > 0, only matches rows with attempts >= MinAttempts.
	MinAttempts int

	Limit int
}

// Matches applies the filter to an in-memory batch.
func (f BatchFilter) Matches(b RewardBatch) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == b.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.StaleBefore.IsZero() && b.Status != BatchFailed && b.UpdatedAt.After(f.StaleBefore) {
		return false
	}
	if f.MaxAttempts > 0 && b.Attempts >= f.MaxAttempts {
		return false
	}
	if f.MinAttempts > 0 && b.Attempts < f.MinAttempts {
		return false
	}
	return true
}

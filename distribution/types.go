/*
Package distribution provides the referral commission distribution engine.

PURPOSE:
  Whenever an account earns base income (farming yield, boost income), every
  inviter above it - up to MaxLevels ancestors - receives a percentage of the
  newly earned amount. This package resolves the inviter chain, computes the
  per-level commissions and settles them exactly once per earning event.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:           Identity with one balance per supported currency
  - Chain / ChainLink: Ordered ancestors of an account with 1-based levels
  - RewardBatch:       Distribution Ledger row, one per earning event
  - LedgerTransaction: One payout record per (recipient, level)
  - Credit:            Aggregated balance increment for one recipient

DESIGN PRINCIPLES:
  1. Exactly once: a BatchID maps to at most one successful balance mutation
  2. Precision: amounts are decimal.Decimal, truncated to AmountPlaces
  3. Atomicity: balances and ledger rows are written in one storage transaction
  4. Recoverability: the batch row is created before any work is buffered

SEE ALSO:
  - commission.go: Commission table and calculator
  - chain.go:      Inviter chain resolution strategies
  - settlement.go: Atomic settlement of one batch
  - engine.go:     Public entry points (OnAccrual, Recover, queries)
*/
package distribution

import (
	"math"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// AmountPlaces is the fixed-point precision of every stored amount.
const AmountPlaces int32 = 8

// MaxAmount is the largest amount every backend can hold: int64 units of
// 10^-8, about 9.22e10. Larger earned amounts are rejected at enqueue.
var MaxAmount = decimal.New(math.MaxInt64, -AmountPlaces)

// DefaultMaxLevels is the depth of the inviter chain that receives commissions.
const DefaultMaxLevels = 20

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type BatchID string
type Currency string

const (
	CurrencyCoin Currency = "COIN"
	CurrencyTON  Currency = "TON"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// ValidateAccountID rejects ids the chain queries cannot safely carry.
func ValidateAccountID(id AccountID) error {
	if !accountIDPattern.MatchString(string(id)) {
		return &ValidationError{Field: "account_id", Reason: "must match [A-Za-z0-9_.:@-]{1,128}", Err: ErrInvalidAccountID}
	}
	return nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a referral participant. InviterID is empty for root accounts.
type Account struct {
	ID        AccountID
	InviterID AccountID
	Balances  map[Currency]decimal.Decimal
	CreatedAt time.Time
}

// Balance returns the balance in the given currency (zero if never credited).
func (a Account) Balance(c Currency) decimal.Decimal {
	if b, ok := a.Balances[c]; ok {
		return b
	}
	return decimal.Zero
}

// =============================================================================
// INVITER CHAIN
// =============================================================================

// ChainLink is one ancestor in an inviter chain. Level 1 is the direct inviter.
type ChainLink struct {
	AccountID AccountID
	Level     int
}

// Chain is ordered by ascending level.
type Chain []ChainLink

// =============================================================================
// REWARD BATCH - Distribution Ledger row
// =============================================================================

type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the worker is done with a batch in this status.
// A failed batch may still be picked up again by recovery while it has
// attempt budget left.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchQueued, BatchProcessing, BatchCompleted, BatchFailed:
		return true
	}
	return false
}

// RewardBatch represents one "distribute commissions for this earning event"
// operation. BatchID is the idempotency key.
type RewardBatch struct {
	BatchID          BatchID
	SourceAccountID  AccountID
	Currency         Currency
	EarnedAmount     decimal.Decimal
	Status           BatchStatus
	LevelsProcessed  int
	RecipientCount   int
	TotalDistributed decimal.Decimal
	ErrorMessage     string
	Attempts         int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// =============================================================================
// LEDGER TRANSACTION - One payout per (recipient, level)
// =============================================================================

type LedgerTransaction struct {
	ID              string
	BatchID         BatchID
	RecipientID     AccountID
	SourceAccountID AccountID
	Level           int
	Percent         decimal.Decimal
	Amount          decimal.Decimal
	Currency        Currency
	CreatedAt       time.Time
}

// Credit is the aggregated balance increment for one recipient in one batch.
type Credit struct {
	AccountID AccountID
	Amount    decimal.Decimal
}

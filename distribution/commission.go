/*
commission.go - Commission table and per-level commission calculation

COMMISSION TABLE:
  An immutable mapping level (1..MaxLevels) -> rate, where rate is a fraction
  (0.05 = 5%). Levels without an entry contribute nothing and are skipped.
  The table is configuration: it is loaded once (see factory/table.go) and
  swapped as a whole through Engine.SetCommissionTable.

CALCULATOR:
  Pure function of (earned amount, chain, table). No store access, so the
  arithmetic is unit-testable in isolation:

    earned=100, chain=[A@1, B@2, C@3], table={1:0.05, 2:0.03, 3:0.02}
      -> A=5, B=3, C=2 (total 10)

  Amounts are truncated to AmountPlaces. Entries below MinReward are dropped,
  and zero amounts are never produced.

AGGREGATION:
  A recipient reached at several levels keeps one Commission per level (one
  ledger row each) but receives one Credit equal to the sum.
*/
package distribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMMISSION TABLE
// =============================================================================

// CommissionTable maps level -> rate. The zero value pays nothing.
type CommissionTable struct {
	rates map[int]decimal.Decimal
}

// NewCommissionTable validates and copies the given rates.
func NewCommissionTable(rates map[int]decimal.Decimal, maxLevels int) (CommissionTable, error) {
	if maxLevels <= 0 {
		maxLevels = DefaultMaxLevels
	}
	copied := make(map[int]decimal.Decimal, len(rates))
	for level, rate := range rates {
		if level < 1 || level > maxLevels {
			return CommissionTable{}, &ValidationError{
				Field:  "level",
				Reason: fmt.Sprintf("level %d outside 1..%d", level, maxLevels),
				Err:    ErrInvalidCommissionTable,
			}
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return CommissionTable{}, &ValidationError{
				Field:  "percent",
				Reason: fmt.Sprintf("level %d rate %s outside [0, 1]", level, rate),
				Err:    ErrInvalidCommissionTable,
			}
		}
		// Ledger rows store the rate with AmountPlaces digits.
		if !rate.Equal(rate.Truncate(AmountPlaces)) {
			return CommissionTable{}, &ValidationError{
				Field:  "percent",
				Reason: fmt.Sprintf("level %d rate %s has more than %d decimal places", level, rate, AmountPlaces),
				Err:    ErrInvalidCommissionTable,
			}
		}
		copied[level] = rate
	}
	return CommissionTable{rates: copied}, nil
}

// Rate returns the rate for a level and whether the level has an entry.
func (t CommissionTable) Rate(level int) (decimal.Decimal, bool) {
	r, ok := t.rates[level]
	return r, ok
}

// Levels returns the configured levels in ascending order.
func (t CommissionTable) Levels() []int {
	levels := make([]int, 0, len(t.rates))
	for l := range t.rates {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

// Rates returns a copy of the level -> rate mapping.
func (t CommissionTable) Rates() map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal, len(t.rates))
	for l, r := range t.rates {
		out[l] = r
	}
	return out
}

// TotalRate is the sum of rates for levels 1..depth.
func (t CommissionTable) TotalRate(depth int) decimal.Decimal {
	total := decimal.Zero
	for l, r := range t.rates {
		if l <= depth {
			total = total.Add(r)
		}
	}
	return total
}

func (t CommissionTable) IsEmpty() bool { return len(t.rates) == 0 }

// =============================================================================
// CALCULATOR
// =============================================================================

// Commission is one computed payout before settlement.
type Commission struct {
	RecipientID AccountID
	Level       int
	Percent     decimal.Decimal
	Amount      decimal.Decimal
}

// Calculator turns an earned amount and a chain into commissions.
type Calculator struct {
	// MinReward drops commissions strictly below it. Zero disables filtering.
	MinReward decimal.Decimal
}

// Calculate returns one Commission per paid (recipient, level), in chain order.
func (c Calculator) Calculate(earned decimal.Decimal, chain Chain, table CommissionTable) ([]Commission, error) {
	if err := ValidateEarnedAmount(earned); err != nil {
		return nil, err
	}

	var out []Commission
	for _, link := range chain {
		rate, ok := table.Rate(link.Level)
		if !ok {
			continue
		}
		amount := earned.Mul(rate).Truncate(AmountPlaces)
		if amount.Sign() <= 0 {
			continue
		}
		if c.MinReward.IsPositive() && amount.LessThan(c.MinReward) {
			continue
		}
		out = append(out, Commission{
			RecipientID: link.AccountID,
			Level:       link.Level,
			Percent:     rate,
			Amount:      amount,
		})
	}
	return out, nil
}

// Aggregate folds commissions into one Credit per recipient, sorted by
// account id so concurrent settlements touch rows in the same order.
func Aggregate(commissions []Commission) []Credit {
	sums := make(map[AccountID]decimal.Decimal, len(commissions))
	for _, c := range commissions {
		sums[c.RecipientID] = sums[c.RecipientID].Add(c.Amount)
	}
	credits := make([]Credit, 0, len(sums))
	for id, amount := range sums {
		credits = append(credits, Credit{AccountID: id, Amount: amount})
	}
	sort.Slice(credits, func(i, j int) bool { return credits[i].AccountID < credits[j].AccountID })
	return credits
}

// Total sums commission amounts.
func Total(commissions []Commission) decimal.Decimal {
	total := decimal.Zero
	for _, c := range commissions {
		total = total.Add(c.Amount)
	}
	return total
}

// =============================================================================
// AMOUNT VALIDATION
// =============================================================================

// ValidateEarnedAmount rejects negative amounts and amounts above MaxAmount.
func ValidateEarnedAmount(earned decimal.Decimal) error {
	if earned.IsNegative() {
		return &ValidationError{Field: "earned_amount", Reason: "must not be negative", Err: ErrInvalidAmount}
	}
	if earned.GreaterThan(MaxAmount) {
		return &ValidationError{Field: "earned_amount", Reason: fmt.Sprintf("must not exceed %s", MaxAmount), Err: ErrInvalidAmount}
	}
	return nil
}

// AmountFromFloat converts an upstream float, rejecting NaN and infinities.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &ValidationError{Field: "earned_amount", Reason: "must be finite", Err: ErrInvalidAmount}
	}
	d := decimal.NewFromFloat(f)
	if err := ValidateEarnedAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

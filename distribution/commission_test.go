package distribution_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/distribution"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func table(t *testing.T, rates map[int]string) distribution.CommissionTable {
	t.Helper()
	parsed := make(map[int]decimal.Decimal, len(rates))
	for level, r := range rates {
		parsed[level] = d(r)
	}
	tbl, err := distribution.NewCommissionTable(parsed, distribution.DefaultMaxLevels)
	require.NoError(t, err)
	return tbl
}

func chainOf(ids ...distribution.AccountID) distribution.Chain {
	chain := make(distribution.Chain, len(ids))
	for i, id := range ids {
		chain[i] = distribution.ChainLink{AccountID: id, Level: i + 1}
	}
	return chain
}

// =============================================================================
// COMMISSION TABLE
// =============================================================================

func TestCommissionTable_RejectsOutOfRangeLevels(t *testing.T) {
	_, err := distribution.NewCommissionTable(map[int]decimal.Decimal{21: d("0.01")}, 20)
	require.Error(t, err)
	assert.ErrorIs(t, err, distribution.ErrInvalidCommissionTable)
	assert.True(t, distribution.IsValidation(err))

	_, err = distribution.NewCommissionTable(map[int]decimal.Decimal{0: d("0.01")}, 20)
	assert.ErrorIs(t, err, distribution.ErrInvalidCommissionTable)
}

func TestCommissionTable_RejectsOutOfRangeRates(t *testing.T) {
	_, err := distribution.NewCommissionTable(map[int]decimal.Decimal{1: d("-0.01")}, 20)
	assert.ErrorIs(t, err, distribution.ErrInvalidCommissionTable)

	_, err = distribution.NewCommissionTable(map[int]decimal.Decimal{1: d("1.01")}, 20)
	assert.ErrorIs(t, err, distribution.ErrInvalidCommissionTable)

	_, err = distribution.NewCommissionTable(map[int]decimal.Decimal{1: d("0.012345678")}, 20)
	assert.ErrorIs(t, err, distribution.ErrInvalidCommissionTable)

	// Trailing zeros beyond the stored precision are fine.
	_, err = distribution.NewCommissionTable(map[int]decimal.Decimal{1: d("0.0123456700")}, 20)
	assert.NoError(t, err)

	// A 100% level-1 rate is a legal configuration.
	_, err = distribution.NewCommissionTable(map[int]decimal.Decimal{1: d("1")}, 20)
	assert.NoError(t, err)
}

func TestCommissionTable_IsImmutableCopy(t *testing.T) {
	rates := map[int]decimal.Decimal{1: d("0.05")}
	tbl, err := distribution.NewCommissionTable(rates, 20)
	require.NoError(t, err)

	rates[1] = d("0.5")
	got := tbl.Rates()
	got[2] = d("0.1")

	r, ok := tbl.Rate(1)
	require.True(t, ok)
	assertAmount(t, "0.05", r)
	_, ok = tbl.Rate(2)
	assert.False(t, ok)
	assert.Equal(t, []int{1}, tbl.Levels())
}

func TestCommissionTable_TotalRate(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.05", 2: "0.03", 3: "0.02", 10: "0.01"})
	assertAmount(t, "0.10", tbl.TotalRate(3))
	assertAmount(t, "0.11", tbl.TotalRate(20))
	assert.False(t, tbl.IsEmpty())
	assert.True(t, distribution.CommissionTable{}.IsEmpty())
}

// =============================================================================
// CALCULATOR
// =============================================================================

func TestCalculator_ThreeLevelExample(t *testing.T) {
	// GIVEN: earned 100, chain [A@1, B@2, C@3], table {1:5%, 2:3%, 3:2%}
	// WHEN: Calculating commissions
	// THEN: A=5, B=3, C=2, total 10

	tbl := table(t, map[int]string{1: "0.05", 2: "0.03", 3: "0.02"})
	got, err := distribution.Calculator{}.Calculate(d("100"), chainOf("A", "B", "C"), tbl)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, distribution.AccountID("A"), got[0].RecipientID)
	assert.Equal(t, 1, got[0].Level)
	assertAmount(t, "5", got[0].Amount)
	assertAmount(t, "3", got[1].Amount)
	assertAmount(t, "2", got[2].Amount)
	assertAmount(t, "0.03", got[1].Percent)
	assertAmount(t, "10", distribution.Total(got))
}

func TestCalculator_SumMatchesTotalRate(t *testing.T) {
	// GIVEN: A 20-level chain and a rate on every level
	// THEN: sum(amounts) == earned * sum(rates) within fixed-point truncation

	rates := map[int]string{}
	ids := make([]distribution.AccountID, 20)
	for i := 1; i <= 20; i++ {
		rates[i] = "0.0137"
		ids[i-1] = distribution.AccountID("acct-" + string(rune('a'+i)))
	}
	tbl := table(t, rates)
	earned := d("12345.6789")

	got, err := distribution.Calculator{}.Calculate(earned, chainOf(ids...), tbl)
	require.NoError(t, err)
	require.Len(t, got, 20)

	expected := earned.Mul(tbl.TotalRate(20))
	diff := expected.Sub(distribution.Total(got)).Abs()
	tolerance := decimal.New(1, -distribution.AmountPlaces).Mul(decimal.NewFromInt(20))
	assert.True(t, diff.LessThanOrEqual(tolerance), "diff %s exceeds %s", diff, tolerance)
}

func TestCalculator_EmptyChain(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.05"})
	got, err := distribution.Calculator{}.Calculate(d("100"), distribution.Chain{}, tbl)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCalculator_SkipsLevelsWithoutRate(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.05", 3: "0.02"})
	got, err := distribution.Calculator{}.Calculate(d("100"), chainOf("A", "B", "C", "D"), tbl)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, distribution.AccountID("A"), got[0].RecipientID)
	assert.Equal(t, distribution.AccountID("C"), got[1].RecipientID)
	assert.Equal(t, 3, got[1].Level)
}

func TestCalculator_MinRewardDropsSmallAmounts(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.05", 2: "0.001"})
	calc := distribution.Calculator{MinReward: d("0.5")}

	got, err := calc.Calculate(d("100"), chainOf("A", "B"), tbl)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, distribution.AccountID("A"), got[0].RecipientID)
}

func TestCalculator_DropsZeroAmounts(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.05", 2: "0"})
	got, err := distribution.Calculator{}.Calculate(d("0.00000001"), chainOf("A", "B"), tbl)
	require.NoError(t, err)
	// 0.00000001 * 0.05 truncates to zero at 8 places.
	assert.Empty(t, got)
}

func TestCalculator_TruncatesToAmountPlaces(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.03"})
	got, err := distribution.Calculator{}.Calculate(d("0.123456789"), chainOf("A"), tbl)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assertAmount(t, "0.0037037", got[0].Amount)
}

func TestCalculator_RejectsNegativeAmount(t *testing.T) {
	tbl := table(t, map[int]string{1: "0.05"})
	_, err := distribution.Calculator{}.Calculate(d("-1"), chainOf("A"), tbl)
	assert.ErrorIs(t, err, distribution.ErrInvalidAmount)
	assert.True(t, distribution.IsValidation(err))
}

func TestAmountFromFloat_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -0.5} {
		_, err := distribution.AmountFromFloat(f)
		assert.ErrorIs(t, err, distribution.ErrInvalidAmount, "value %v", f)
	}
	got, err := distribution.AmountFromFloat(12.5)
	require.NoError(t, err)
	assertAmount(t, "12.5", got)
}

// =============================================================================
// AGGREGATION
// =============================================================================

func TestAggregate_OneCreditPerRecipient(t *testing.T) {
	commissions := []distribution.Commission{
		{RecipientID: "R", Level: 3, Amount: d("1")},
		{RecipientID: "B", Level: 1, Amount: d("2")},
		{RecipientID: "R", Level: 7, Amount: d("0.5")},
	}

	credits := distribution.Aggregate(commissions)

	require.Len(t, credits, 2)
	assert.Equal(t, distribution.AccountID("B"), credits[0].AccountID)
	assert.Equal(t, distribution.AccountID("R"), credits[1].AccountID)
	assertAmount(t, "1.5", credits[1].Amount)
}

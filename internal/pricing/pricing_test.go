package pricing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testTable() *Table {
	return NewTable(map[string]ModelPrice{
		"sonnet": {InputPerMillion: d("3"), OutputPerMillion: d("15")},
		"long": {
			InputPerMillion:             d("1"),
			OutputPerMillion:            d("2"),
			LongContextThreshold:        100,
			LongContextInputPerMillion:  d("10"),
			LongContextOutputPerMillion: d("20"),
		},
		"free": {},
	})
}

func newEstimator(t *testing.T, o Oracle) *Estimator {
	t.Helper()
	e, err := NewEstimator(o, EstimatorConfig{}, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		size, per, want int64
	}{
		{0, 4, 0},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{400, 4, 100},
		{7, 0, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.size, tt.per), "size=%d per=%d", tt.size, tt.per)
	}
}

func TestCostToCents(t *testing.T) {
	margin := d("1.25")
	assert.Equal(t, int64(0), CostToCents(decimal.Zero, margin))
	assert.Equal(t, int64(0), CostToCents(d("-1"), margin))
	assert.Equal(t, int64(1), CostToCents(d("0.00000002"), margin))
	assert.Equal(t, int64(2), CostToCents(d("0.01503"), margin))
	// exact cents are not rounded further
	assert.Equal(t, int64(125), CostToCents(d("1"), margin))
}

func TestEstimate(t *testing.T) {
	e := newEstimator(t, testTable())

	est, err := e.Estimate(context.Background(), Request{
		ModelID:         "sonnet",
		SystemPrompt:    strings.Repeat("a", 20),
		Turns:           []Turn{{Role: "user", Text: strings.Repeat("b", 20)}},
		MaxOutputTokens: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, Estimate{
		InputTokensEstimate:  10,
		OutputTokensEstimate: 1000,
		EstimatedCostCents:   2,
		PricingTier:          TierStandard,
	}, est)
}

func TestEstimateEmptyPromptAndZeroOutput(t *testing.T) {
	e := newEstimator(t, testTable())

	est, err := e.Estimate(context.Background(), Request{ModelID: "sonnet"})
	require.NoError(t, err)
	assert.Zero(t, est.InputTokensEstimate)
	assert.Equal(t, int64(1), est.OutputTokensEstimate)
	assert.Equal(t, int64(1), est.EstimatedCostCents)
}

func TestEstimateFreeModelCostsNothing(t *testing.T) {
	e := newEstimator(t, testTable())

	est, err := e.Estimate(context.Background(), Request{ModelID: "free", SystemPrompt: "hello", MaxOutputTokens: 10})
	require.NoError(t, err)
	assert.Zero(t, est.EstimatedCostCents)
}

func TestEstimateLongContextTier(t *testing.T) {
	e := newEstimator(t, testTable())

	short, err := e.Estimate(context.Background(), Request{ModelID: "long", SystemPrompt: strings.Repeat("x", 40), MaxOutputTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, TierStandard, short.PricingTier)

	long, err := e.Estimate(context.Background(), Request{ModelID: "long", SystemPrompt: strings.Repeat("x", 400), MaxOutputTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, TierLongContext, long.PricingTier)
}

func TestEstimateUnknownModel(t *testing.T) {
	e := newEstimator(t, testTable())

	_, err := e.Estimate(context.Background(), Request{ModelID: "mystery", MaxOutputTokens: 10})
	assert.ErrorIs(t, err, ErrPricingUnavailable)
}

type failingOracle struct{}

func (failingOracle) Cost(context.Context, string, Usage) (Quote, error) {
	return Quote{}, errors.New("upstream down")
}

func TestEstimateOracleError(t *testing.T) {
	e := newEstimator(t, failingOracle{})

	_, err := e.Estimate(context.Background(), Request{ModelID: "sonnet"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPricingUnavailable)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestNewEstimatorRejectsBadMargin(t *testing.T) {
	_, err := NewEstimator(testTable(), EstimatorConfig{SafetyMargin: d("1")}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEstimator(testTable(), EstimatorConfig{SafetyMargin: d("0.9")}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEstimator(testTable(), EstimatorConfig{CharsPerToken: -1}, zerolog.Nop())
	assert.ErrorContains(t, err, "must not be negative")
}

func TestNewEstimatorZeroValuesUseDefaults(t *testing.T) {
	e, err := NewEstimator(testTable(), EstimatorConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultCharsPerToken), e.charsPerToken)
	assert.True(t, DefaultSafetyMargin.Equal(e.margin))
}

func TestTableFromSpecs(t *testing.T) {
	table, err := TableFromSpecs(map[string]PriceSpec{
		"a": {Input: "0.15", Output: "0.60"},
		"b": {Input: "1.25", Output: "10", LongContextThreshold: 200000, LongContextInput: "2.5", LongContextOutput: "15"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.Models())

	b, ok := table.Get("b")
	require.True(t, ok)
	assert.True(t, b.LongContextInputPerMillion.Equal(d("2.5")))

	_, err = TableFromSpecs(map[string]PriceSpec{"bad": {Input: "abc"}})
	assert.Error(t, err)
	_, err = TableFromSpecs(map[string]PriceSpec{"neg": {Input: "-1"}})
	assert.Error(t, err)
}

func TestTableCost(t *testing.T) {
	table := testTable()

	q, err := table.Cost(context.Background(), "sonnet", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	require.NoError(t, err)
	assert.True(t, q.HasPricing)
	assert.True(t, q.TotalCostUSD.Equal(d("18")), q.TotalCostUSD.String())

	q, err = table.Cost(context.Background(), "unknown", Usage{})
	require.NoError(t, err)
	assert.False(t, q.HasPricing)

	table.Set("unknown", ModelPrice{InputPerMillion: d("1")})
	q, err = table.Cost(context.Background(), "unknown", Usage{InputTokens: 2_000_000})
	require.NoError(t, err)
	assert.True(t, q.TotalCostUSD.Equal(d("2")))
}

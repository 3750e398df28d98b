package pricing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Defaults for NewEstimator.
const (
	DefaultCharsPerToken = 4
)

// DefaultSafetyMargin scales the raw USD cost before rounding.
var DefaultSafetyMargin = decimal.NewFromFloat(1.25)

var hundred = decimal.NewFromInt(100)

// Turn is one conversation turn included in the prompt.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request describes a model call about to be made.
type Request struct {
	ModelID         string `json:"model_id"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	Turns           []Turn `json:"turns,omitempty"`
	MaxOutputTokens int64  `json:"max_output_tokens"`
}

// Estimate is the pessimistic cost of a Request.
type Estimate struct {
	InputTokensEstimate  int64  `json:"input_tokens_estimate"`
	OutputTokensEstimate int64  `json:"output_tokens_estimate"`
	EstimatedCostCents   int64  `json:"estimated_cost_cents"`
	PricingTier          string `json:"pricing_tier"`
}

// EstimatorConfig tunes an Estimator. Zero values take defaults.
type EstimatorConfig struct {
	SafetyMargin  decimal.Decimal
	CharsPerToken int
}

// Estimator computes reservation amounts from an Oracle.
type Estimator struct {
	oracle        Oracle
	margin        decimal.Decimal
	charsPerToken int64
	log           zerolog.Logger
}

// NewEstimator validates cfg and returns an Estimator. The safety margin
// must be greater than 1. Zero values select the defaults.
func NewEstimator(oracle Oracle, cfg EstimatorConfig, logger zerolog.Logger) (*Estimator, error) {
	if cfg.SafetyMargin.IsZero() {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.CharsPerToken == 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	if cfg.SafetyMargin.LessThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("pricing: safety margin must be greater than 1, got %s", cfg.SafetyMargin)
	}
	if cfg.CharsPerToken < 0 {
		return nil, fmt.Errorf("pricing: chars per token must not be negative, got %d", cfg.CharsPerToken)
	}
	return &Estimator{
		oracle:        oracle,
		margin:        cfg.SafetyMargin,
		charsPerToken: int64(cfg.CharsPerToken),
		log:           logger.With().Str("component", "estimator").Logger(),
	}, nil
}

// Estimate prices req. It fails with ErrPricingUnavailable when the oracle
// has no price for the model.
func (e *Estimator) Estimate(ctx context.Context, req Request) (Estimate, error) {
	size := int64(len(req.SystemPrompt))
	for _, t := range req.Turns {
		size += int64(len(t.Text))
	}

	input := EstimateTokens(size, e.charsPerToken)
	output := max(req.MaxOutputTokens, 1)

	quote, err := e.oracle.Cost(ctx, req.ModelID, Usage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("pricing oracle: %w", err)
	}
	if !quote.HasPricing {
		e.log.Warn().Str("model_id", req.ModelID).Msg("no pricing for model")
		return Estimate{}, fmt.Errorf("%w: %s", ErrPricingUnavailable, req.ModelID)
	}

	cents := CostToCents(quote.TotalCostUSD, e.margin)

	e.log.Debug().
		Str("model_id", req.ModelID).
		Int64("input_tokens", input).
		Int64("output_tokens", output).
		Str("cost_usd", quote.TotalCostUSD.String()).
		Int64("estimated_cost_cents", cents).
		Str("pricing_tier", quote.PricingTier).
		Msg("cost estimated")

	return Estimate{
		InputTokensEstimate:  input,
		OutputTokensEstimate: output,
		EstimatedCostCents:   cents,
		PricingTier:          quote.PricingTier,
	}, nil
}

// EstimateTokens is ceil(size / charsPerToken), with 0 for no text.
func EstimateTokens(size, charsPerToken int64) int64 {
	if size <= 0 {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return (size + charsPerToken - 1) / charsPerToken
}

// CostToCents applies margin and rounds up to whole cents. Any positive
// cost is at least one cent.
func CostToCents(usd, margin decimal.Decimal) int64 {
	if !usd.IsPositive() {
		return 0
	}
	cents := usd.Mul(margin).Mul(hundred).Ceil().IntPart()
	if cents < 1 {
		cents = 1
	}
	return cents
}

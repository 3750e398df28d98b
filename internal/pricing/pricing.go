// Package pricing turns a model call into a cent-denominated cost estimate.
//
// Prices are held as decimals (USD per million tokens) and never pass
// through floating point. The estimate is deliberately pessimistic: token
// counts come from a byte heuristic and the USD cost is scaled by a safety
// margin before being rounded up to whole cents, so a reservation sized from
// it normally covers the real cost.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrPricingUnavailable is returned when no price is known for a model.
var ErrPricingUnavailable = errors.New("pricing: no pricing available for model")

// Pricing tiers.
const (
	TierStandard    = "standard"
	TierLongContext = "long_context"
)

var million = decimal.NewFromInt(1_000_000)

// Usage is a token count for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Quote is an oracle's answer for one usage.
type Quote struct {
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	HasPricing   bool            `json:"has_pricing"`
	PricingTier  string          `json:"pricing_tier,omitempty"`
}

// Oracle prices token usage for a model.
type Oracle interface {
	Cost(ctx context.Context, modelID string, usage Usage) (Quote, error)
}

// ModelPrice holds per-million-token USD prices for one model. When
// LongContextThreshold is non-zero and a call's total tokens exceed it,
// the long-context prices apply; a zero long-context price falls back to
// the standard one.
type ModelPrice struct {
	InputPerMillion             decimal.Decimal
	OutputPerMillion            decimal.Decimal
	LongContextThreshold        int64
	LongContextInputPerMillion  decimal.Decimal
	LongContextOutputPerMillion decimal.Decimal
}

// PriceSpec is the textual form of a ModelPrice, as found in config files.
type PriceSpec struct {
	Input                string `mapstructure:"input_per_million" json:"input_per_million"`
	Output               string `mapstructure:"output_per_million" json:"output_per_million"`
	LongContextThreshold int64  `mapstructure:"long_context_threshold" json:"long_context_threshold,omitempty"`
	LongContextInput     string `mapstructure:"long_context_input_per_million" json:"long_context_input_per_million,omitempty"`
	LongContextOutput    string `mapstructure:"long_context_output_per_million" json:"long_context_output_per_million,omitempty"`
}

// Parse converts p to a ModelPrice. Negative prices are rejected.
func (p PriceSpec) Parse() (ModelPrice, error) {
	parse := func(field, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", field, err)
		}
		if d.IsNegative() {
			return decimal.Zero, fmt.Errorf("%s: negative price %s", field, v)
		}
		return d, nil
	}

	var (
		mp  ModelPrice
		err error
	)
	if mp.InputPerMillion, err = parse("input_per_million", p.Input); err != nil {
		return ModelPrice{}, err
	}
	if mp.OutputPerMillion, err = parse("output_per_million", p.Output); err != nil {
		return ModelPrice{}, err
	}
	if mp.LongContextInputPerMillion, err = parse("long_context_input_per_million", p.LongContextInput); err != nil {
		return ModelPrice{}, err
	}
	if mp.LongContextOutputPerMillion, err = parse("long_context_output_per_million", p.LongContextOutput); err != nil {
		return ModelPrice{}, err
	}
	if p.LongContextThreshold < 0 {
		return ModelPrice{}, fmt.Errorf("long_context_threshold: must not be negative")
	}
	mp.LongContextThreshold = p.LongContextThreshold
	return mp, nil
}

// Table is an in-memory Oracle keyed by model id. It is safe for
// concurrent use and may be updated while serving.
type Table struct {
	mu     sync.RWMutex
	models map[string]ModelPrice
}

// NewTable returns a table holding models.
func NewTable(models map[string]ModelPrice) *Table {
	t := &Table{models: make(map[string]ModelPrice, len(models))}
	for id, p := range models {
		t.models[id] = p
	}
	return t
}

// TableFromSpecs parses every spec into a Table.
func TableFromSpecs(specs map[string]PriceSpec) (*Table, error) {
	models := make(map[string]ModelPrice, len(specs))
	for id, spec := range specs {
		p, err := spec.Parse()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", id, err)
		}
		models[id] = p
	}
	return NewTable(models), nil
}

// Set adds or replaces a model's price.
func (t *Table) Set(modelID string, p ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[modelID] = p
}

// Get returns a model's price.
func (t *Table) Get(modelID string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.models[modelID]
	return p, ok
}

// Models lists known model ids in sorted order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.models))
	for id := range t.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cost prices usage. An unknown model yields a Quote with HasPricing false
// and no error.
func (t *Table) Cost(_ context.Context, modelID string, usage Usage) (Quote, error) {
	p, ok := t.Get(modelID)
	if !ok {
		return Quote{HasPricing: false}, nil
	}

	tier := TierStandard
	in, out := p.InputPerMillion, p.OutputPerMillion
	total := usage.TotalTokens
	if total == 0 {
		total = usage.InputTokens + usage.OutputTokens
	}
	if p.LongContextThreshold > 0 && total > p.LongContextThreshold {
		tier = TierLongContext
		if !p.LongContextInputPerMillion.IsZero() {
			in = p.LongContextInputPerMillion
		}
		if !p.LongContextOutputPerMillion.IsZero() {
			out = p.LongContextOutputPerMillion
		}
	}

	cost := decimal.NewFromInt(usage.InputTokens).Mul(in).
		Add(decimal.NewFromInt(usage.OutputTokens).Mul(out)).
		Div(million)

	return Quote{TotalCostUSD: cost, HasPricing: true, PricingTier: tier}, nil
}

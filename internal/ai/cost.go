package ai

import (
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailpilot/internal/model"
)

// Pricing and usage validation failures are contract errors: fatal to
// the call, never retried.
var (
	ErrUnknownModel       = errors.New("model not in pricing table")
	ErrInvalidUsage       = errors.New("invalid usage telemetry")
	ErrMissingCachedPrice = errors.New("no cached-token price configured")
)

// PricingTable holds per-model per-million-token prices. It is built
// once from configuration and passed to the recorder explicitly, so
// tests can substitute synthetic tables.
type PricingTable struct {
	prices map[string]model.ModelPrice
}

// NewPricingTable validates and freezes a pricing configuration.
func NewPricingTable(prices map[string]model.ModelPrice) (*PricingTable, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("pricing table is empty")
	}
	for name, p := range prices {
		if name == "" {
			return nil, fmt.Errorf("pricing table has an unnamed model")
		}
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			return nil, fmt.Errorf("negative price for model %s", name)
		}
		if p.CachedPerMTok != nil && *p.CachedPerMTok < 0 {
			return nil, fmt.Errorf("negative cached price for model %s", name)
		}
	}

	frozen := make(map[string]model.ModelPrice, len(prices))
	for name, p := range prices {
		frozen[name] = p
	}
	return &PricingTable{prices: frozen}, nil
}

// Has reports whether the table prices the given model.
func (t *PricingTable) Has(modelName string) bool {
	_, ok := t.prices[modelName]
	return ok
}

// Cost computes the USD cost of a call from its token breakdown.
// Reporting cached tokens for a model with no cached price is a
// configuration error, not silently zeroed.
func (t *PricingTable) Cost(modelName string, inputTokens, outputTokens, cachedTokens int) (float64, error) {
	price, ok := t.prices[modelName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, modelName)
	}
	if inputTokens < 0 || outputTokens < 0 || cachedTokens < 0 {
		return 0, fmt.Errorf("%w: negative token count", ErrInvalidUsage)
	}

	cost := (float64(inputTokens)*price.InputPerMTok +
		float64(outputTokens)*price.OutputPerMTok) / 1_000_000

	if cachedTokens > 0 {
		if price.CachedPerMTok == nil {
			return 0, fmt.Errorf("%w: model %q reported %d cached tokens",
				ErrMissingCachedPrice, modelName, cachedTokens)
		}
		cost += float64(cachedTokens) * *price.CachedPerMTok / 1_000_000
	}

	return cost, nil
}

// Usage is the raw telemetry returned by a generation call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
	Latency      time.Duration
}

// Recorder converts raw generation telemetry into validated,
// immutable metrics records.
type Recorder struct {
	table *PricingTable
}

// NewRecorder creates a recorder over an explicitly constructed
// pricing table.
func NewRecorder(table *PricingTable) *Recorder {
	return &Recorder{table: table}
}

// Record validates the telemetry and produces the metrics record
// attached to a message before it is persisted.
func (r *Recorder) Record(modelName string, usage Usage) (model.MessageMetrics, error) {
	if usage.Latency < 0 {
		return model.MessageMetrics{}, fmt.Errorf("%w: negative latency", ErrInvalidUsage)
	}

	cost, err := r.table.Cost(modelName, usage.InputTokens, usage.OutputTokens, usage.CachedTokens)
	if err != nil {
		return model.MessageMetrics{}, err
	}

	return model.MessageMetrics{
		Model:          modelName,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		CachedTokens:   usage.CachedTokens,
		TotalTokens:    usage.InputTokens + usage.OutputTokens,
		CostUSD:        cost,
		ResponseTimeMS: int(usage.Latency.Milliseconds()),
	}, nil
}

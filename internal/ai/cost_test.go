package ai

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nhle/mailpilot/internal/model"
)

func testPricing() map[string]model.ModelPrice {
	cached := 0.30
	return map[string]model.ModelPrice{
		"claude-sonnet-4-20250514": {
			InputPerMTok:  3.0,
			OutputPerMTok: 15.0,
			CachedPerMTok: &cached,
		},
		"no-cache-model": {
			InputPerMTok:  1.0,
			OutputPerMTok: 2.0,
		},
	}
}

func newTestTable(t *testing.T) *PricingTable {
	t.Helper()
	table, err := NewPricingTable(testPricing())
	if err != nil {
		t.Fatalf("NewPricingTable: %v", err)
	}
	return table
}

func TestCost(t *testing.T) {
	table := newTestTable(t)

	// 1000 input at $3/MTok + 500 output at $15/MTok = $0.0105
	cost, err := table.Cost("claude-sonnet-4-20250514", 1000, 500, 0)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if math.Abs(cost-0.0105) > 1e-12 {
		t.Fatalf("expected cost 0.0105, got %v", cost)
	}
}

func TestCostWithCachedTokens(t *testing.T) {
	table := newTestTable(t)

	cost, err := table.Cost("claude-sonnet-4-20250514", 1000, 500, 2000)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	want := 0.0105 + 2000*0.30/1_000_000
	if math.Abs(cost-want) > 1e-12 {
		t.Fatalf("expected cost %v, got %v", want, cost)
	}
}

func TestCostZeroUsage(t *testing.T) {
	table := newTestTable(t)

	cost, err := table.Cost("claude-sonnet-4-20250514", 0, 0, 0)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected zero cost, got %v", cost)
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Cost("gpt-nonsense", 100, 100, 0)
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestCostNegativeTokens(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Cost("claude-sonnet-4-20250514", -1, 100, 0)
	if !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
}

func TestCostMissingCachedPrice(t *testing.T) {
	table := newTestTable(t)

	// Cached tokens against a model with no cached price is a config
	// error, not a silent zero.
	_, err := table.Cost("no-cache-model", 100, 100, 50)
	if !errors.Is(err, ErrMissingCachedPrice) {
		t.Fatalf("expected ErrMissingCachedPrice, got %v", err)
	}

	// But zero cached tokens is fine.
	if _, err := table.Cost("no-cache-model", 100, 100, 0); err != nil {
		t.Fatalf("Cost with zero cached tokens: %v", err)
	}
}

func TestNewPricingTableRejectsInvalid(t *testing.T) {
	if _, err := NewPricingTable(nil); err == nil {
		t.Fatal("expected error for empty table")
	}

	if _, err := NewPricingTable(map[string]model.ModelPrice{
		"m": {InputPerMTok: -1},
	}); err == nil {
		t.Fatal("expected error for negative price")
	}

	neg := -0.1
	if _, err := NewPricingTable(map[string]model.ModelPrice{
		"m": {InputPerMTok: 1, OutputPerMTok: 1, CachedPerMTok: &neg},
	}); err == nil {
		t.Fatal("expected error for negative cached price")
	}
}

func TestRecord(t *testing.T) {
	rec := NewRecorder(newTestTable(t))

	metrics, err := rec.Record("claude-sonnet-4-20250514", Usage{
		InputTokens:  1000,
		OutputTokens: 500,
		Latency:      1200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if metrics.Model != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected model %q", metrics.Model)
	}
	if metrics.TotalTokens != 1500 {
		t.Errorf("expected total 1500, got %d", metrics.TotalTokens)
	}
	if math.Abs(metrics.CostUSD-0.0105) > 1e-12 {
		t.Errorf("expected cost 0.0105, got %v", metrics.CostUSD)
	}
	if metrics.ResponseTimeMS != 1200 {
		t.Errorf("expected 1200ms, got %d", metrics.ResponseTimeMS)
	}
}

func TestRecordNegativeLatency(t *testing.T) {
	rec := NewRecorder(newTestTable(t))

	_, err := rec.Record("claude-sonnet-4-20250514", Usage{Latency: -time.Second})
	if !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
}

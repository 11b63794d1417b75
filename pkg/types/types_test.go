package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func lvl(price, size float64) DecimalLevel {
	return DecimalLevel{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

func TestOBIAggregatesAllLevelsNotJustTop(t *testing.T) {
	t.Parallel()

	book := OrderBookSnapshot{
		Bids: []DecimalLevel{lvl(0.49, 100), lvl(0.48, 300)},
		Asks: []DecimalLevel{lvl(0.51, 100), lvl(0.52, 100)},
	}

	// Top-of-book alone is balanced (100 vs 100, OBI 0); the deeper bid size
	// should tilt the aggregated imbalance positive.
	got, ok := book.OBI()
	if !ok {
		t.Fatal("expected OBI to be computable with bids and asks present")
	}
	want := (400.0 - 200.0) / (400.0 + 200.0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("OBI() = %v, want %v (aggregated across all levels)", got, want)
	}
}

func TestOBIMissingSideReturnsNotOK(t *testing.T) {
	t.Parallel()
	book := OrderBookSnapshot{Bids: []DecimalLevel{lvl(0.49, 100)}}
	if _, ok := book.OBI(); ok {
		t.Error("expected OBI to be unavailable with no ask side")
	}
}

package inventory

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

const testAsset = "yes-token"

func newTestManager() *Manager {
	return New(testAsset, 0.1, 1.0, time.Minute, time.Hour)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOnFillBuyIncreasesPosition(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.50"), Size: d("10")})

	pos := m.Snapshot()
	if !pos.Shares.Equal(d("10")) {
		t.Errorf("Shares = %v, want 10", pos.Shares)
	}
	if !pos.AvgEntryPrice.Equal(d("0.50")) {
		t.Errorf("AvgEntryPrice = %v, want 0.50", pos.AvgEntryPrice)
	}
}

func TestOnFillBuyAveragesEntryPrice(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.50"), Size: d("10")})
	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.60"), Size: d("10")})

	pos := m.Snapshot()
	if !pos.Shares.Equal(d("20")) {
		t.Errorf("Shares = %v, want 20", pos.Shares)
	}
	// (0.50*10 + 0.60*10) / 20 = 0.55
	if !pos.AvgEntryPrice.Equal(d("0.55")) {
		t.Errorf("AvgEntryPrice = %v, want 0.55", pos.AvgEntryPrice)
	}
}

func TestOnFillSellRealizesPnL(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.50"), Size: d("10")})
	m.OnFill(types.Fill{Side: types.SELL, AssetID: testAsset, Price: d("0.60"), Size: d("5")})

	pos := m.Snapshot()
	if !pos.Shares.Equal(d("5")) {
		t.Errorf("Shares = %v, want 5", pos.Shares)
	}
	// (0.60 - 0.50) * 5 = 0.50
	if !pos.RealizedPnL.Equal(d("0.50")) {
		t.Errorf("RealizedPnL = %v, want 0.50", pos.RealizedPnL)
	}
}

func TestOnFillSellToFlatClearsAvgEntry(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.40"), Size: d("10")})
	m.OnFill(types.Fill{Side: types.SELL, AssetID: testAsset, Price: d("0.50"), Size: d("10")})

	pos := m.Snapshot()
	if !pos.Shares.IsZero() {
		t.Errorf("Shares = %v, want 0", pos.Shares)
	}
	if !pos.AvgEntryPrice.IsZero() {
		t.Errorf("AvgEntryPrice = %v, want 0 after full close", pos.AvgEntryPrice)
	}
	if !pos.RealizedPnL.Equal(d("1.0")) {
		t.Errorf("RealizedPnL = %v, want 1.0", pos.RealizedPnL)
	}
}

func TestNetDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		shares string
		max    string
		want   float64
	}{
		{"flat", "0", "100", 0},
		{"fully long", "100", "100", 1.0},
		{"fully short", "-100", "100", -1.0},
		{"half long", "50", "100", 0.5},
		{"clamped above max", "200", "100", 1.0},
		{"clamped below max", "-200", "100", -1.0},
		{"zero max is safe", "50", "0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newTestManager()
			if tt.shares != "0" {
				size := d(tt.shares)
				side := types.BUY
				if size.IsNegative() {
					side = types.SELL
					size = size.Abs()
				}
				m.OnFill(types.Fill{Side: side, AssetID: testAsset, Price: d("0.50"), Size: size})
			}

			got := m.NetDelta(d(tt.max))
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("NetDelta() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateMarkToMarket(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.50"), Size: d("10")})
	m.UpdateMarkToMarket(d("0.60"))

	pos := m.Snapshot()
	// 10 * (0.60 - 0.50) = 1.0
	if !pos.UnrealizedPnL.Equal(d("1.0")) {
		t.Errorf("UnrealizedPnL = %v, want 1.0", pos.UnrealizedPnL)
	}
}

func TestTotalExposureUSD(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.OnFill(types.Fill{Side: types.BUY, AssetID: testAsset, Price: d("0.50"), Size: d("10")})

	got := m.TotalExposureUSD(d("0.60"))
	if !got.Equal(d("6.0")) {
		t.Errorf("TotalExposureUSD = %v, want 6.0", got)
	}
}

func TestDynamicGammaFallsBackToBaseWithoutHistory(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	got := m.DynamicGamma()
	if got != m.gammaBase {
		t.Errorf("DynamicGamma() = %v, want base %v", got, m.gammaBase)
	}
}

func TestDynamicGammaScalesWithRecentVolatility(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	base := time.Now().Add(-2 * time.Hour)
	// long window: flat prices (zero volatility baseline).
	for i := 0; i < 10; i++ {
		m.RecordPriceSample(base.Add(time.Duration(i)*time.Minute), d("0.50"))
	}
	// short window: choppy prices just before "now".
	now := base.Add(50 * time.Minute)
	prices := []string{"0.50", "0.55", "0.48", "0.58", "0.45"}
	for i, p := range prices {
		m.RecordPriceSample(now.Add(time.Duration(i)*time.Second), d(p))
	}

	got := m.DynamicGamma()
	if got < m.gammaBase {
		t.Errorf("DynamicGamma() = %v, want >= base %v when recent vol is elevated", got, m.gammaBase)
	}
	if got > m.gammaMax {
		t.Errorf("DynamicGamma() = %v, exceeds gammaMax %v", got, m.gammaMax)
	}
}

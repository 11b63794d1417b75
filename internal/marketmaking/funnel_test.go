package marketmaking

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

func baseMarket(now time.Time) types.MarketInfo {
	return types.MarketInfo{
		ID:              "m1",
		Slug:            "will-it-happen",
		Question:        "Will it happen?",
		Category:        "politics",
		YesTokenID:      "yes",
		NoTokenID:       "no",
		TickSize:        types.Tick001,
		MinOrderSize:    decimal.NewFromFloat(1),
		Active:          true,
		AcceptingOrders: true,
		EndDate:         now.Add(30 * 24 * time.Hour),
		Liquidity:       decimal.NewFromFloat(10000),
		Volume24h:       decimal.NewFromFloat(5000),
		BestBid:         decimal.NewFromFloat(0.45),
		BestAsk:         decimal.NewFromFloat(0.47),
		Spread:          decimal.NewFromFloat(0.02),
	}
}

func newTestFunnel(now time.Time) *Funnel {
	params := FunnelParams{
		Discovery: config.DiscoveryConfig{
			MaxEndDateDays:          365,
			MinLiquidity:            5000,
			MinVolumeLiquidityRatio: 0,
			SmallAccountEquityUSD:   0,
		},
		Strategy: config.StrategyConfig{OrderSizeUSD: 100},
	}
	return NewFunnel(params, nil, clock.NewFake(now))
}

func TestEligibleMarketPassesAllLayers(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	ok, layer := f.Eligible(baseMarket(now), decimal.NewFromFloat(10000))
	if !ok {
		t.Fatalf("expected eligible market to pass, rejected at %q", layer)
	}
}

func TestTimeHorizonRejectsFarFutureMarket(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	m := baseMarket(now)
	m.EndDate = now.Add(1000 * 24 * time.Hour)

	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "time_horizon" {
		t.Errorf("got ok=%v layer=%q, want rejection at time_horizon", ok, layer)
	}
}

func TestBinaryCheckRejectsMissingTokenIDs(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	m := baseMarket(now)
	m.NoTokenID = ""

	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "binary_check" {
		t.Errorf("got ok=%v layer=%q, want rejection at binary_check", ok, layer)
	}
}

func TestStatusLayerRejectsClosedMarket(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	m := baseMarket(now)
	m.Closed = true

	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "status" {
		t.Errorf("got ok=%v layer=%q, want rejection at status", ok, layer)
	}
}

func TestDynamicLiquidityRejectsBelowThreshold(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	m := baseMarket(now)
	m.Liquidity = decimal.NewFromFloat(100)

	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "dynamic_liquidity" {
		t.Errorf("got ok=%v layer=%q, want rejection at dynamic_liquidity", ok, layer)
	}
}

func TestSmallAccountRelaxFactorLowersLiquidityThreshold(t *testing.T) {
	t.Parallel()
	now := time.Now()
	params := FunnelParams{
		Discovery: config.DiscoveryConfig{
			MinLiquidity:            5000,
			SmallAccountEquityUSD:   1000,
			SmallAccountRelaxFactor: 0.1,
		},
		Strategy: config.StrategyConfig{OrderSizeUSD: 100},
	}
	f := NewFunnel(params, []string{"politics"}, clock.NewFake(now))

	m := baseMarket(now)
	m.Liquidity = decimal.NewFromFloat(600) // below 5000, above 5000*0.1=500

	ok, layer := f.Eligible(m, decimal.NewFromFloat(500)) // below the 1000 small-account cutoff
	if !ok {
		t.Fatalf("expected small-account relax to admit the market, rejected at %q", layer)
	}
}

func TestMicrostructureRejectsWideSpread(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	m := baseMarket(now)
	m.Spread = decimal.NewFromFloat(0.10)

	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "microstructure_spread" {
		t.Errorf("got ok=%v layer=%q, want rejection at microstructure_spread", ok, layer)
	}
}

func TestMicrostructureRejectsExtremePrices(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	low := baseMarket(now)
	low.BestBid = decimal.NewFromFloat(0.01)
	if ok, layer := f.Eligible(low, decimal.NewFromFloat(10000)); ok || layer != "microstructure_extreme_low" {
		t.Errorf("got ok=%v layer=%q, want rejection at microstructure_extreme_low", ok, layer)
	}

	high := baseMarket(now)
	high.BestAsk = decimal.NewFromFloat(0.99)
	if ok, layer := f.Eligible(high, decimal.NewFromFloat(10000)); ok || layer != "microstructure_extreme_high" {
		t.Errorf("got ok=%v layer=%q, want rejection at microstructure_extreme_high", ok, layer)
	}
}

func TestVolumeLiquidityRatioRejectsThinVolume(t *testing.T) {
	t.Parallel()
	now := time.Now()
	params := FunnelParams{
		Discovery: config.DiscoveryConfig{MinLiquidity: 5000, MinVolumeLiquidityRatio: 1.0},
		Strategy:  config.StrategyConfig{OrderSizeUSD: 100},
	}
	f := NewFunnel(params, nil, clock.NewFake(now))

	m := baseMarket(now)
	m.Volume24h = decimal.NewFromFloat(100) // ratio 100/10000 = 0.01 << 1.0

	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "volume_liquidity_ratio" {
		t.Errorf("got ok=%v layer=%q, want rejection at volume_liquidity_ratio", ok, layer)
	}
}

func TestCategoryMatchRejectsNonPriorityCategory(t *testing.T) {
	t.Parallel()
	now := time.Now()
	params := FunnelParams{
		Discovery: config.DiscoveryConfig{MinLiquidity: 5000},
		Strategy:  config.StrategyConfig{OrderSizeUSD: 100},
	}
	f := NewFunnel(params, []string{"crypto"}, clock.NewFake(now))

	m := baseMarket(now) // category "politics"
	ok, layer := f.Eligible(m, decimal.NewFromFloat(10000))
	if ok || layer != "category_match" {
		t.Errorf("got ok=%v layer=%q, want rejection at category_match", ok, layer)
	}
}

func TestRiskAdjustedSizingRejectsCoarseTickOrLargeMinOrder(t *testing.T) {
	t.Parallel()
	now := time.Now()
	f := newTestFunnel(now)

	coarseTick := baseMarket(now)
	coarseTick.TickSize = types.Tick01
	if ok, layer := f.Eligible(coarseTick, decimal.NewFromFloat(10000)); ok || layer != "risk_adjusted_sizing_tick" {
		t.Errorf("got ok=%v layer=%q, want rejection at risk_adjusted_sizing_tick", ok, layer)
	}

	bigMinOrder := baseMarket(now)
	bigMinOrder.MinOrderSize = decimal.NewFromFloat(1000)
	if ok, layer := f.Eligible(bigMinOrder, decimal.NewFromFloat(10000)); ok || layer != "risk_adjusted_sizing_notional" {
		t.Errorf("got ok=%v layer=%q, want rejection at risk_adjusted_sizing_notional", ok, layer)
	}
}

package arbitrage

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/cache"
	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: price, Size: size}
}

func newTestScanner(cfg config.ArbitrageConfig) (*Scanner, *cache.Cache, *clock.Fake) {
	fake := clock.NewFake(time.Now())
	c := cache.New(fake)
	s := NewScanner(cfg, c, nil, fake, testLogger())
	return s, c, fake
}

func threeOutcomeEvent() types.Event {
	return types.Event{
		EventID: "evt-1",
		Outcomes: []types.Outcome{
			{AssetID: "a1", TickSize: types.Tick01},
			{AssetID: "a2", TickSize: types.Tick01},
			{AssetID: "a3", TickSize: types.Tick01},
		},
	}
}

func TestScanEventDetectsAskSumBelowOne(t *testing.T) {
	t.Parallel()
	s, c, _ := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01, TakerFeeBps: 0})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")

	s.scanEvent("evt-1")

	opp, ok := s.Best()
	if !ok {
		t.Fatal("expected an opportunity to be detected (sum of asks = 0.90)")
	}
	if !opp.SumOfAsks.Equal(decimal.RequireFromString("0.90")) {
		t.Errorf("SumOfAsks = %v, want 0.90", opp.SumOfAsks)
	}
	if !opp.GrossProfit.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("GrossProfit = %v, want 0.10", opp.GrossProfit)
	}
}

func TestScanEventRejectsAskSumAboveThreshold(t *testing.T) {
	t.Parallel()
	s, c, _ := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.34", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.34", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.34", "100")}, "h")

	s.scanEvent("evt-1") // sum = 1.02, above the 0.98 threshold

	if _, ok := s.Best(); ok {
		t.Fatal("did not expect an opportunity when the ask sum is near/above 1")
	}
}

func TestScanEventRejectsBelowMinProfit(t *testing.T) {
	t.Parallel()
	s, c, _ := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.5, TakerFeeBps: 0})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	// sum = 0.90, gross profit 0.10, well below MinProfitPct=0.5
	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")

	s.scanEvent("evt-1")

	if _, ok := s.Best(); ok {
		t.Fatal("expected opportunity to be rejected for net profit below min_profit_pct")
	}
}

func TestScanEventSkipsOnStaleLeg(t *testing.T) {
	t.Parallel()
	s, c, fake := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")

	fake.Advance(staleBookMax + time.Second)

	s.scanEvent("evt-1")

	if _, ok := s.Best(); ok {
		t.Fatal("expected no opportunity once a leg's book is stale")
	}
}

func TestScanEventUsesSmallestLegSizeAsMaxShares(t *testing.T) {
	t.Parallel()
	s, c, _ := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01, TakerFeeBps: 0})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "10")}, "h") // thin leg
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "50")}, "h")

	s.scanEvent("evt-1")

	opp, ok := s.Best()
	if !ok {
		t.Fatal("expected an opportunity")
	}
	if !opp.MaxShares.Equal(decimal.RequireFromString("10")) {
		t.Errorf("MaxShares = %v, want 10 (smallest leg)", opp.MaxShares)
	}
}

func TestNegRiskNormalizationPicksSmallerSum(t *testing.T) {
	t.Parallel()
	s, c, _ := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01, TakerFeeBps: 0})
	event := threeOutcomeEvent()
	event.NegRisk = true
	s.SetEvents([]types.Event{event})

	// raw sum = 0.30*3 = 0.90; inverse = 1 - 0.90 = 0.10, which is smaller.
	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")

	s.scanEvent("evt-1")

	opp, ok := s.Best()
	if !ok {
		t.Fatal("expected an opportunity under neg-risk normalization")
	}
	if !opp.SumOfAsks.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("SumOfAsks = %v, want 0.10 (normalized inverse)", opp.SumOfAsks)
	}
}

func TestBestExpiresOpportunityAfterTTL(t *testing.T) {
	t.Parallel()
	s, c, fake := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01, TakerFeeBps: 0})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")

	s.scanEvent("evt-1")
	if _, ok := s.Best(); !ok {
		t.Fatal("expected an opportunity before TTL expiry")
	}

	fake.Advance(opportunityTTL + time.Second)
	if _, ok := s.Best(); ok {
		t.Fatal("expected opportunity to have expired after its TTL")
	}
}

func TestClearRemovesActiveOpportunity(t *testing.T) {
	t.Parallel()
	s, c, _ := newTestScanner(config.ArbitrageConfig{MinProfitPct: 0.01, TakerFeeBps: 0})
	s.SetEvents([]types.Event{threeOutcomeEvent()})

	_ = c.ApplySnapshot("a1", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a2", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")
	_ = c.ApplySnapshot("a3", nil, []types.PriceLevel{lvl("0.30", "100")}, "h")

	s.scanEvent("evt-1")
	if _, ok := s.Best(); !ok {
		t.Fatal("expected an opportunity before Clear")
	}

	s.Clear("evt-1")
	if _, ok := s.Best(); ok {
		t.Fatal("expected no opportunity after Clear")
	}
}

func TestNettingBonusZeroWithoutCoordinator(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScanner(config.ArbitrageConfig{NettingBonusPerSharePct: 0.5})

	got := s.nettingBonus("evt-1", []types.ArbLeg{{AssetID: "a1"}})
	if got != 0 {
		t.Errorf("nettingBonus() = %v, want 0 with a nil coordinator", got)
	}
}

package portfolio

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(cfg config.RiskConfig, now time.Time) (*Aggregator, *clock.Fake) {
	fake := clock.NewFake(now)
	return NewAggregator(cfg, fake, testLogger()), fake
}

func TestProcessReportAccumulatesGlobalExposure(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 1000, MaxGlobalExposure: 10000, MaxDailyLoss: 1000}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(100), Timestamp: time.Now()})
	a.processReport(Report{MarketID: "m2", ExposureUSD: decimal.NewFromFloat(200), Timestamp: time.Now()})

	snap := a.Snapshot()
	if !snap.GlobalExposureUSD.Equal(decimal.NewFromFloat(300)) {
		t.Errorf("GlobalExposureUSD = %v, want 300", snap.GlobalExposureUSD)
	}
	if snap.ActiveMarkets != 2 {
		t.Errorf("ActiveMarkets = %d, want 2", snap.ActiveMarkets)
	}
}

func TestPerMarketPositionLimitTripsKillSwitch(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100, MaxGlobalExposure: 10000, MaxDailyLoss: 10000, CooldownAfterKill: time.Minute}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(150), Timestamp: time.Now()})

	if !a.IsKillSwitchActive() {
		t.Fatal("expected kill switch active after per-market limit breach")
	}

	select {
	case sig := <-a.KillCh():
		if sig.MarketID != "m1" {
			t.Errorf("KillSignal.MarketID = %q, want m1", sig.MarketID)
		}
	default:
		t.Fatal("expected a kill signal on the channel")
	}
}

func TestGlobalExposureLimitTripsKillSwitchWithEmptyMarketID(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100000, MaxGlobalExposure: 500, MaxDailyLoss: 10000, CooldownAfterKill: time.Minute}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(600), Timestamp: time.Now()})

	select {
	case sig := <-a.KillCh():
		if sig.MarketID != "" {
			t.Errorf("KillSignal.MarketID = %q, want empty (global)", sig.MarketID)
		}
	default:
		t.Fatal("expected a kill signal on the channel")
	}
}

func TestMaxDailyLossTripsKillSwitch(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100000, MaxGlobalExposure: 100000, MaxDailyLoss: 100, CooldownAfterKill: time.Minute}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(10), RealizedPnL: decimal.NewFromFloat(-150), Timestamp: time.Now()})

	if !a.IsKillSwitchActive() {
		t.Fatal("expected kill switch active after daily loss breach")
	}
}

func TestRapidPriceMovementTripsKillSwitch(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{
		MaxPositionPerMarket: 100000, MaxGlobalExposure: 100000, MaxDailyLoss: 100000,
		KillSwitchDropPct: 0.05, KillSwitchWindowSec: 60, CooldownAfterKill: time.Minute,
	}
	a, _ := newTestAggregator(cfg, time.Now())
	now := time.Now()

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(10), MidPrice: decimal.NewFromFloat(0.50), Timestamp: now})
	if a.IsKillSwitchActive() {
		t.Fatal("first report should only set the anchor, not trip the kill switch")
	}

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(10), MidPrice: decimal.NewFromFloat(0.60), Timestamp: now.Add(10 * time.Second)})
	if !a.IsKillSwitchActive() {
		t.Fatal("expected kill switch active after a >5% move within the window")
	}
}

func TestPriceMovementAnchorResetsOutsideWindow(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{
		MaxPositionPerMarket: 100000, MaxGlobalExposure: 100000, MaxDailyLoss: 100000,
		KillSwitchDropPct: 0.05, KillSwitchWindowSec: 10, CooldownAfterKill: time.Minute,
	}
	a, _ := newTestAggregator(cfg, time.Now())
	now := time.Now()

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(10), MidPrice: decimal.NewFromFloat(0.50), Timestamp: now})
	// Move happens after the anchor window expired, so it just re-anchors.
	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(10), MidPrice: decimal.NewFromFloat(0.60), Timestamp: now.Add(time.Minute)})

	if a.IsKillSwitchActive() {
		t.Fatal("price move outside the anchor window should not trip the kill switch")
	}
}

func TestKillSwitchClearsAfterCooldown(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100, MaxGlobalExposure: 100000, MaxDailyLoss: 100000, CooldownAfterKill: time.Minute}
	a, fake := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(150), Timestamp: fake.Now()})
	if !a.IsKillSwitchActive() {
		t.Fatal("expected kill switch active right after breach")
	}

	fake.Advance(2 * time.Minute)
	if a.IsKillSwitchActive() {
		t.Fatal("expected kill switch to clear once cooldown has elapsed")
	}
}

func TestAvailableBalanceUSDReflectsHeadroom(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100000, MaxGlobalExposure: 1000, MaxDailyLoss: 100000}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(400), Timestamp: time.Now()})

	got := a.AvailableBalanceUSD()
	if !got.Equal(decimal.NewFromFloat(600)) {
		t.Errorf("AvailableBalanceUSD() = %v, want 600", got)
	}
}

func TestAvailableBalanceUSDNeverGoesNegative(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100000, MaxGlobalExposure: 100, MaxDailyLoss: 100000}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(500), Timestamp: time.Now()})

	got := a.AvailableBalanceUSD()
	if got.IsNegative() {
		t.Errorf("AvailableBalanceUSD() = %v, want clamped to 0", got)
	}
}

func TestRemoveMarketClearsExposure(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{MaxPositionPerMarket: 100000, MaxGlobalExposure: 100000, MaxDailyLoss: 100000}
	a, _ := newTestAggregator(cfg, time.Now())

	a.processReport(Report{MarketID: "m1", ExposureUSD: decimal.NewFromFloat(50), Timestamp: time.Now()})
	if got := a.ExposureUSD("m1"); !got.Equal(decimal.NewFromFloat(50)) {
		t.Fatalf("precondition: ExposureUSD(m1) = %v, want 50", got)
	}

	a.RemoveMarket("m1")
	if got := a.ExposureUSD("m1"); !got.IsZero() {
		t.Errorf("ExposureUSD(m1) after removal = %v, want 0", got)
	}
}

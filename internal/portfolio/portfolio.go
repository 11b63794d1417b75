// Package portfolio aggregates per-market exposure and PnL across every
// running market-making slot into the global risk limits spec.md §4.4 and
// §7 describe: per-market and global exposure caps, a daily-loss kill
// switch, and a rapid-price-movement kill switch. It also implements
// gateway.PortfolioView so the Execution Gateway can validate new orders
// against live global exposure without importing this package's internals.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/internal/metrics"
)

// Report is submitted by each market-making slot every quote cycle.
type Report struct {
	MarketID      string
	MidPrice      decimal.Decimal
	ExposureUSD   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Timestamp     time.Time
}

// KillSignal tells the supervisor to stop quoting. An empty MarketID means
// every market.
type KillSignal struct {
	MarketID string
	Reason   string
}

type priceAnchor struct {
	price decimal.Decimal
	at    time.Time
}

// Aggregator tracks global exposure/PnL and trips kill signals when a limit
// is breached. One instance serves the whole process.
type Aggregator struct {
	cfg    config.RiskConfig
	clk    clock.Clock
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]Report
	totalExposure    decimal.Decimal
	totalRealizedPnL decimal.Decimal
	killActive       bool
	killUntil        time.Time
	anchors          map[string]priceAnchor

	reportCh chan Report
	killCh   chan KillSignal
}

// NewAggregator creates a portfolio risk aggregator.
func NewAggregator(cfg config.RiskConfig, clk clock.Clock, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With("component", "portfolio"),
		positions: make(map[string]Report),
		anchors:   make(map[string]priceAnchor),
		reportCh:  make(chan Report, 256),
		killCh:    make(chan KillSignal, 10),
	}
}

// Run processes incoming reports and periodically clears an expired kill
// switch, until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := a.clk.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.reportCh:
			a.processReport(r)
		case <-ticker.C():
			a.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (a *Aggregator) Report(r Report) {
	select {
	case a.reportCh <- r:
	default:
		a.logger.Warn("portfolio report channel full, dropping report", "market", r.MarketID)
	}
}

// KillCh returns the channel the supervisor reads kill signals from.
func (a *Aggregator) KillCh() <-chan KillSignal { return a.killCh }

// RemoveMarket clears tracked state for a stopped market.
func (a *Aggregator) RemoveMarket(marketID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.positions, marketID)
	delete(a.anchors, marketID)
}

// IsKillSwitchActive reports whether the kill switch is currently engaged.
func (a *Aggregator) IsKillSwitchActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.killActive {
		return false
	}
	if a.clk.Now().After(a.killUntil) {
		a.killActive = false
		return false
	}
	return true
}

// AvailableBalanceUSD implements gateway.PortfolioView. The engine doesn't
// track a separate free-cash ledger; remaining global exposure headroom
// stands in for it, since every dollar of headroom is a dollar still
// available to risk.
func (a *Aggregator) AvailableBalanceUSD() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	remaining := decimal.NewFromFloat(a.cfg.MaxGlobalExposure).Sub(a.totalExposure)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// ExposureUSD implements gateway.PortfolioView.
func (a *Aggregator) ExposureUSD(marketID string) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if pos, ok := a.positions[marketID]; ok {
		return pos.ExposureUSD
	}
	return decimal.Zero
}

// MaxExposureUSD implements gateway.PortfolioView.
func (a *Aggregator) MaxExposureUSD(marketID string) decimal.Decimal {
	return decimal.NewFromFloat(a.cfg.MaxPositionPerMarket)
}

// Snapshot is the aggregate risk view the status endpoint reports.
type Snapshot struct {
	GlobalExposureUSD    decimal.Decimal
	MaxGlobalExposureUSD float64
	TotalRealizedPnL     decimal.Decimal
	TotalUnrealizedPnL   decimal.Decimal
	KillSwitchActive     bool
	KillSwitchUntil      time.Time
	ActiveMarkets        int
}

// Snapshot returns the current aggregate risk view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var unrealized decimal.Decimal
	for _, p := range a.positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	return Snapshot{
		GlobalExposureUSD:    a.totalExposure,
		MaxGlobalExposureUSD: a.cfg.MaxGlobalExposure,
		TotalRealizedPnL:     a.totalRealizedPnL,
		TotalUnrealizedPnL:   unrealized,
		KillSwitchActive:     a.killActive,
		KillSwitchUntil:      a.killUntil,
		ActiveMarkets:        len(a.positions),
	}
}

func (a *Aggregator) processReport(r Report) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.positions[r.MarketID] = r

	a.totalExposure = decimal.Zero
	a.totalRealizedPnL = decimal.Zero
	var totalUnrealized decimal.Decimal
	for _, p := range a.positions {
		a.totalExposure = a.totalExposure.Add(p.ExposureUSD)
		a.totalRealizedPnL = a.totalRealizedPnL.Add(p.RealizedPnL)
		totalUnrealized = totalUnrealized.Add(p.UnrealizedPnL)
	}

	if r.ExposureUSD.GreaterThan(decimal.NewFromFloat(a.cfg.MaxPositionPerMarket)) {
		a.emitKillLocked(r.MarketID, "per-market position limit breached")
	}
	if a.totalExposure.GreaterThan(decimal.NewFromFloat(a.cfg.MaxGlobalExposure)) {
		a.emitKillLocked("", "global exposure limit breached")
	}

	totalPnL := a.totalRealizedPnL.Add(totalUnrealized)
	if totalPnL.LessThan(decimal.NewFromFloat(-a.cfg.MaxDailyLoss)) {
		a.emitKillLocked("", "max daily loss breached")
	}

	a.checkPriceMovementLocked(r)
}

// checkPriceMovementLocked fires the kill switch when a market's mid moves
// more than KillSwitchDropPct within KillSwitchWindowSec of its last anchor.
func (a *Aggregator) checkPriceMovementLocked(r Report) {
	window := time.Duration(a.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := a.anchors[r.MarketID]
	if !ok || r.Timestamp.Sub(anchor.at) > window {
		a.anchors[r.MarketID] = priceAnchor{price: r.MidPrice, at: r.Timestamp}
		return
	}
	if anchor.price.IsZero() {
		return
	}

	pctChange := r.MidPrice.Sub(anchor.price).Div(anchor.price).Abs()
	if pctChange.GreaterThan(decimal.NewFromFloat(a.cfg.KillSwitchDropPct)) {
		pctF, _ := pctChange.Float64()
		a.emitKillLocked(r.MarketID, fmt.Sprintf("rapid price movement: %.1f%% in %ds", pctF*100, a.cfg.KillSwitchWindowSec))
	}
}

func (a *Aggregator) clearExpiredKillSwitch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.killActive && a.clk.Now().After(a.killUntil) {
		a.killActive = false
		a.logger.Info("kill switch cooldown expired")
	}
}

func (a *Aggregator) emitKillLocked(marketID, reason string) {
	a.killActive = true
	a.killUntil = a.clk.Now().Add(a.cfg.CooldownAfterKill)
	a.logger.Error("kill switch engaged", "market", marketID, "reason", reason, "cooldown_until", a.killUntil)
	metrics.Default.IncKillSwitchTrips()

	sig := KillSignal{MarketID: marketID, Reason: reason}
	select {
	case a.killCh <- sig:
	default:
		select {
		case <-a.killCh:
		default:
		}
		a.killCh <- sig
	}
}

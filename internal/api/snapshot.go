package api

import (
	"time"

	"tradingcore/internal/config"
	"tradingcore/internal/portfolio"
)

// MarketSnapshotProvider provides snapshot access to supervisor state. The
// supervisor implements this directly; it is the only coupling between the
// trading engine and this read-only status surface.
type MarketSnapshotProvider interface {
	GetMarketsSnapshot() []MarketStatus
	GetScannerInfo() ScannerInfo
	GetPortfolio() *portfolio.Aggregator
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(
	provider MarketSnapshotProvider,
	cfg config.Config,
) DashboardSnapshot {
	markets := provider.GetMarketsSnapshot()

	portSnap := provider.GetPortfolio().Snapshot()

	var totalRealized, totalUnrealized float64
	for _, m := range markets {
		totalRealized += m.Position.RealizedPnL
		totalUnrealized += m.Position.UnrealizedPnL
	}

	return DashboardSnapshot{
		Timestamp:       time.Now(),
		Markets:         markets,
		TotalRealized:   totalRealized,
		TotalUnrealized: totalUnrealized,
		TotalPnL:        totalRealized + totalUnrealized,
		Risk:            convertPortfolioSnapshot(portSnap, cfg),
		Config:          NewConfigSummary(cfg),
		Scanner:         provider.GetScannerInfo(),
	}
}

// convertPortfolioSnapshot converts the portfolio aggregator's internal
// snapshot (decimal.Decimal throughout) to the API's float64 wire format.
func convertPortfolioSnapshot(snap portfolio.Snapshot, cfg config.Config) RiskSnapshot {
	globalExposure, _ := snap.GlobalExposureUSD.Float64()
	realized, _ := snap.TotalRealizedPnL.Float64()
	unrealized, _ := snap.TotalUnrealizedPnL.Float64()

	exposurePct := 0.0
	if snap.MaxGlobalExposureUSD > 0 {
		exposurePct = globalExposure / snap.MaxGlobalExposureUSD * 100
	}

	reason := ""
	if snap.KillSwitchActive {
		reason = "active"
	}

	return RiskSnapshot{
		GlobalExposure:       globalExposure,
		MaxGlobalExposure:    snap.MaxGlobalExposureUSD,
		ExposurePct:          exposurePct,
		KillSwitchActive:     snap.KillSwitchActive,
		KillSwitchUntil:      snap.KillSwitchUntil,
		KillSwitchReason:     reason,
		TotalRealizedPnL:     realized,
		TotalUnrealizedPnL:   unrealized,
		MaxPositionPerMarket: cfg.Risk.MaxPositionPerMarket,
		MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
		MaxMarketsActive:     cfg.Risk.MaxMarketsActive,
		CurrentMarketsActive: snap.ActiveMarkets,
	}
}

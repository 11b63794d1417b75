package supervisor

import (
	"github.com/shopspring/decimal"

	"tradingcore/internal/api"
	"tradingcore/pkg/types"
)

// GetScannerInfo reports the most recent market-scan result for the status
// endpoint. Zero-valued until the first scan completes.
func (s *Supervisor) GetScannerInfo() api.ScannerInfo {
	s.lastScanMu.Lock()
	defer s.lastScanMu.Unlock()
	return api.ScannerInfo{
		LastScanTime:    s.lastScan.ScannedAt,
		MarketsSelected: len(s.lastScan.Markets),
	}
}

// GetMarketsSnapshot builds the per-market status view the dashboard reads,
// satisfying api.MarketSnapshotProvider.
func (s *Supervisor) GetMarketsSnapshot() []api.MarketStatus {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()

	out := make([]api.MarketStatus, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, s.marketStatus(slot))
	}
	return out
}

func (s *Supervisor) marketStatus(slot *marketSlot) api.MarketStatus {
	info := slot.info
	pos := slot.inventory.Snapshot()

	snap, _ := s.cache.Get(info.YesTokenID)
	mid, _ := snap.Mid()
	bestBid, _ := snap.BestBid()
	bestAsk, _ := snap.BestAsk()

	midF, _ := mid.Float64()
	bidF, _ := bestBid.Float64()
	askF, _ := bestAsk.Float64()
	spread := askF - bidF
	spreadBps := 0.0
	if midF > 0 {
		spreadBps = spread / midF * 10000
	}

	tick, _ := info.TickSize.Value().Float64()
	liquidity, _ := info.Liquidity.Float64()
	volume, _ := info.Volume24h.Float64()

	status := api.MarketStatus{
		ConditionID: info.ConditionID,
		Slug:        info.Slug,
		Question:    info.Question,
		MidPrice:    midF,
		BestBid:     bidF,
		BestAsk:     askF,
		Spread:      spread,
		SpreadBps:   spreadBps,
		LastUpdated: snap.Timestamp,
		IsStale:     s.cache.IsStale(info.YesTokenID, s.cfg.Strategy.StaleBookTimeout),
		Position:    positionSnapshot(pos, mid, slot.inventory.NetDelta(decimal.NewFromFloat(s.cfg.Risk.MaxPositionPerMarket))),
		TickSize:    tick,
		EndDate:     info.EndDate,
		Liquidity:   liquidity,
		Volume24h:   volume,
	}

	if bid, ask := slot.maker.ActiveQuotes(); bid != nil || ask != nil {
		if bid != nil {
			price, _ := bid.Price.Float64()
			size, _ := bid.RemainingSize().Float64()
			status.ActiveBid = &api.QuoteInfo{Price: price, Size: size, OrderID: bid.ID, Timestamp: bid.PlacedAt}
		}
		if ask != nil {
			price, _ := ask.Price.Float64()
			size, _ := ask.RemainingSize().Float64()
			status.ActiveAsk = &api.QuoteInfo{Price: price, Size: size, OrderID: ask.ID, Timestamp: ask.PlacedAt}
		}
	}

	return status
}

// positionSnapshot maps the single signed-share inventory position (Yes
// token only, No implied as the complement) into the dashboard's
// Yes/No-split view: a positive position is long Yes, negative is long No.
func positionSnapshot(pos types.Position, mid decimal.Decimal, skew float64) api.PositionSnapshot {
	yesQty, noQty := 0.0, 0.0
	avgYes, avgNo := 0.0, 0.0

	shares, _ := pos.Shares.Float64()
	avgEntry, _ := pos.AvgEntryPrice.Float64()
	if shares >= 0 {
		yesQty = shares
		avgYes = avgEntry
	} else {
		noQty = -shares
		avgNo = avgEntry
	}

	realized, _ := pos.RealizedPnL.Float64()
	unrealized, _ := pos.UnrealizedPnL.Float64()
	exposure, _ := pos.Shares.Mul(mid).Abs().Float64()

	return api.PositionSnapshot{
		YesQty:        yesQty,
		NoQty:         noQty,
		AvgEntryYes:   avgYes,
		AvgEntryNo:    avgNo,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		ExposureUSD:   exposure,
		Skew:          skew,
		LastUpdated:   pos.LastUpdated,
	}
}

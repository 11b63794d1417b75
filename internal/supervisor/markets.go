package supervisor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/api"
	"tradingcore/internal/discovery"
	"tradingcore/internal/inventory"
	"tradingcore/internal/marketmaking"
	"tradingcore/internal/portfolio"
	"tradingcore/pkg/types"
)

// manageMarkets is the main orchestration loop. It reacts to three events:
// scanner results (start/stop markets to match the latest opportunity set),
// kill signals from the portfolio aggregator (stop affected markets), and a
// periodic tick that pushes every running market's PortfolioReport.
func (s *Supervisor) manageMarkets(ctx context.Context) {
	reportTicker := s.clk.NewTicker(2 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case result := <-s.marketScanner.Results():
			s.reconcileMarkets(result)
		case kill := <-s.portfolio.KillCh():
			s.handleKillSignal(kill)
		case <-reportTicker.C():
			s.reportPortfolio()
		}
	}
}

func (s *Supervisor) reportPortfolio() {
	now := s.clk.Now()
	s.slotsMu.RLock()
	for _, slot := range s.slots {
		s.portfolio.Report(slot.maker.PortfolioReport(now))
	}
	s.slotsMu.RUnlock()

	if halted, _ := s.gw.IsHalted(); halted && !s.portfolio.IsKillSwitchActive() {
		s.gw.Resume()
	}
}

// reconcileMarkets diffs the desired market set (from the scanner) against
// currently running markets. Stops markets no longer desired, starts newly
// discovered ones.
func (s *Supervisor) reconcileMarkets(result discovery.MarketScanResult) {
	s.lastScanMu.Lock()
	s.lastScan = result
	s.lastScanMu.Unlock()

	desired := make(map[string]types.MarketAllocation)
	for _, alloc := range result.Markets {
		desired[alloc.Market.ConditionID] = alloc
	}

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	for id := range s.slots {
		if _, ok := desired[id]; !ok {
			s.stopMarketLocked(id)
		}
	}

	if s.portfolio.IsKillSwitchActive() {
		return
	}

	for id, alloc := range desired {
		if _, ok := s.slots[id]; !ok {
			equity := s.portfolio.AvailableBalanceUSD()
			if ok, reason := s.funnel.Eligible(alloc.Market, equity); !ok {
				s.logger.Debug("market rejected by eligibility funnel", "slug", alloc.Market.Slug, "layer", reason)
				continue
			}
			s.startMarketLocked(alloc)
		}
	}
}

func (s *Supervisor) startMarketLocked(alloc types.MarketAllocation) {
	info := alloc.Market
	if info.YesTokenID == "" || info.NoTokenID == "" {
		s.logger.Warn("skipping market with missing token IDs", "slug", info.Slug)
		return
	}

	inv := inventory.New(info.YesTokenID, s.cfg.Strategy.Gamma, s.cfg.Inventory.GammaMax, s.cfg.Inventory.ShortWindow, s.cfg.Inventory.LongWindow)

	tradeCh := make(chan types.WSTradeEvent, 64)
	orderCh := make(chan types.WSOrderEvent, 64)

	maker := marketmaking.NewMaker(
		s.cfg.Strategy,
		s.cfg.Risk,
		info,
		s.cache,
		inv,
		s.gw,
		s.portfolio,
		s.clk,
		s.logger,
	)

	ctx, cancel := context.WithCancel(s.ctx)

	slot := &marketSlot{
		info:      info,
		inventory: inv,
		maker:     maker,
		cancel:    cancel,
		tradeCh:   tradeCh,
		orderCh:   orderCh,
	}
	s.slots[info.ConditionID] = slot
	s.coordinator.Register(info.ConditionID, maker)

	s.tokenMapMu.Lock()
	s.tokenMap[info.YesTokenID] = info.ConditionID
	s.tokenMap[info.NoTokenID] = info.ConditionID
	s.tokenMapMu.Unlock()

	s.mktFeed.Subscribe([]string{info.YesTokenID, info.NoTokenID}, nil)
	s.usrFeed.Subscribe(nil, []string{info.ConditionID})

	for _, tokenID := range []string{info.YesTokenID, info.NoTokenID} {
		resp, err := s.rest.GetOrderBook(ctx, tokenID)
		if err != nil {
			s.logger.Error("failed to get initial book", "token", tokenID, "error", err)
			continue
		}
		if err := s.cache.ApplySnapshot(tokenID, resp.Bids, resp.Asks, resp.Hash); err != nil {
			s.logger.Error("failed to apply initial snapshot", "token", tokenID, "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		maker.Run(ctx, tradeCh, orderCh)
	}()

	s.logger.Info("market started", "slug", info.Slug, "condition_id", info.ConditionID, "score", alloc.Score)
}

func (s *Supervisor) stopMarketLocked(conditionID string) {
	slot, ok := s.slots[conditionID]
	if !ok {
		return
	}

	slot.cancel()

	s.mktFeed.Unsubscribe([]string{slot.info.YesTokenID, slot.info.NoTokenID}, nil)
	s.usrFeed.Unsubscribe(nil, []string{conditionID})

	s.coordinator.Unregister(conditionID)
	s.portfolio.RemoveMarket(conditionID)

	s.tokenMapMu.Lock()
	delete(s.tokenMap, slot.info.YesTokenID)
	delete(s.tokenMap, slot.info.NoTokenID)
	s.tokenMapMu.Unlock()

	delete(s.slots, conditionID)

	s.logger.Info("market stopped", "slug", slot.info.Slug)
}

func (s *Supervisor) handleKillSignal(kill portfolio.KillSignal) {
	s.logger.Error("kill signal received", "market", kill.MarketID, "reason", kill.Reason)

	s.emitDashboardEvent(api.DashboardEvent{
		Type:      "kill",
		Timestamp: s.clk.Now(),
		MarketID:  kill.MarketID,
		Data:      api.NewKillEvent(kill.Reason, kill.Reason, s.clk.Now().Add(s.cfg.Risk.CooldownAfterKill), kill.MarketID),
	})

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	if kill.MarketID == "" {
		// A global kill (daily loss, global exposure) must halt the gateway
		// itself: stopping market-making slots alone leaves the arbitrage
		// executor's independent PlaceBasket calls unblocked, and the very
		// next discovery scan could otherwise restart a stopped market.
		s.gw.Halt(kill.Reason)
		for id := range s.slots {
			s.stopMarketLocked(id)
		}
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := s.rest.CancelAll(cancelCtx); err != nil {
			s.logger.Error("failed to cancel all orders", "error", err)
		}
		cancelCancel()
		return
	}
	s.stopMarketLocked(kill.MarketID)
}

// watchEvents keeps the arbitrage scanner's watched-event set current and
// subscribes/unsubscribes the WS market feed for any leg asset not already
// covered by a running market-making slot.
func (s *Supervisor) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-s.eventScanner.Results():
			s.arbScanner.SetEvents(result.Events)
			s.reconcileArbSubscriptions(result.Events)
		}
	}
}

func (s *Supervisor) reconcileArbSubscriptions(events []types.Event) {
	desired := make(map[string]bool)
	for _, e := range events {
		for _, o := range e.Outcomes {
			desired[o.AssetID] = true
		}
	}

	s.arbAssetsMu.Lock()
	defer s.arbAssetsMu.Unlock()

	var toAdd, toRemove []string
	for id := range desired {
		if !s.arbAssets[id] {
			toAdd = append(toAdd, id)
		}
	}
	for id := range s.arbAssets {
		if !desired[id] {
			toRemove = append(toRemove, id)
		}
	}

	if len(toAdd) > 0 {
		s.mktFeed.Subscribe(toAdd, nil)
		for _, id := range toAdd {
			s.arbAssets[id] = true
			resp, err := s.rest.GetOrderBook(s.ctx, id)
			if err != nil {
				s.logger.Error("failed to get initial book for arb leg", "asset_id", id, "error", err)
				continue
			}
			if err := s.cache.ApplySnapshot(id, resp.Bids, resp.Asks, resp.Hash); err != nil {
				s.logger.Error("failed to apply initial snapshot for arb leg", "asset_id", id, "error", err)
			}
		}
	}
	if len(toRemove) > 0 {
		// Don't unsubscribe an asset a market-making slot still needs.
		s.tokenMapMu.RLock()
		filtered := toRemove[:0]
		for _, id := range toRemove {
			if _, stillUsed := s.tokenMap[id]; !stillUsed {
				filtered = append(filtered, id)
			}
		}
		s.tokenMapMu.RUnlock()

		if len(filtered) > 0 {
			s.mktFeed.Unsubscribe(filtered, nil)
		}
		for _, id := range toRemove {
			delete(s.arbAssets, id)
		}
	}
}

// dispatchMarketEvents routes WS market events into the cache and, for
// book/price-change events, lets the cache's own update-handler machinery
// fan out to maker and scanner consumers.
func (s *Supervisor) dispatchMarketEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.mktFeed.BookEvents():
			if err := s.cache.ApplySnapshot(evt.AssetID, evt.Buys, evt.Sells, evt.Hash); err != nil {
				s.logger.Error("failed to apply book event", "asset_id", evt.AssetID, "error", err)
			}
		case evt := <-s.mktFeed.PriceChangeEvents():
			for _, pc := range evt.PriceChanges {
				price, err := decimal.NewFromString(pc.Price)
				if err != nil {
					continue
				}
				size, err := decimal.NewFromString(pc.Size)
				if err != nil {
					continue
				}
				if err := s.cache.ApplyPriceChange(pc.AssetID, types.Side(pc.Side), price, size, pc.Hash); err != nil {
					s.logger.Error("failed to apply price change", "asset_id", pc.AssetID, "error", err)
				}
			}
		}
	}
}

// dispatchUserEvents routes WS user events to the correct slot's channels.
func (s *Supervisor) dispatchUserEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-s.usrFeed.TradeEvents():
			s.routeTrade(trade)
		case order := <-s.usrFeed.OrderEvents():
			s.routeOrder(order)
			s.gw.ApplyOrderEvent(order)
		}
	}
}

func (s *Supervisor) routeTrade(trade types.WSTradeEvent) {
	s.slotsMu.RLock()
	slot, ok := s.slots[trade.Market]
	s.slotsMu.RUnlock()
	if !ok {
		return
	}
	select {
	case slot.tradeCh <- trade:
	default:
		s.logger.Warn("trade channel full", "market", trade.Market)
	}
}

func (s *Supervisor) routeOrder(order types.WSOrderEvent) {
	s.slotsMu.RLock()
	slot, ok := s.slots[order.Market]
	s.slotsMu.RUnlock()
	if !ok {
		return
	}
	select {
	case slot.orderCh <- order:
	default:
		s.logger.Warn("order channel full", "market", order.Market)
	}
}

// GetMarketScanner returns the market scanner for status reporting.
func (s *Supervisor) GetMarketScanner() *discovery.MarketScanner { return s.marketScanner }

// GetPortfolio returns the portfolio risk aggregator for status reporting.
func (s *Supervisor) GetPortfolio() *portfolio.Aggregator { return s.portfolio }

// ArbOpportunity returns the best live arbitrage opportunity, if any.
func (s *Supervisor) ArbOpportunity() (types.ArbitrageOpportunity, bool) {
	return s.arbScanner.Best()
}

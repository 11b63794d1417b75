// Package marketmaking implements the Market-Making Strategy: the Tier-1
// eligibility funnel (funnel.go), the Avellaneda-Stoikov quoting engine
// (this file), and the toxic-flow/adverse-selection guards (flow.go) that
// gate every quote cycle. It also implements the read-only Cross-Strategy
// Coordinator capability the arbitrage scanner consumes (coordinator.go).
package marketmaking

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/cache"
	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/internal/gateway"
	"tradingcore/internal/inventory"
	"tradingcore/internal/metrics"
	"tradingcore/internal/portfolio"
	"tradingcore/pkg/types"
)

// Maker runs the Avellaneda-Stoikov strategy for a single binary market,
// quoting the Yes token only (the No side is the implied complement).
type Maker struct {
	cfg        config.StrategyConfig
	riskCfg    config.RiskConfig
	marketInfo types.MarketInfo

	cache     *cache.Cache
	inventory *inventory.Manager
	gw        *gateway.Gateway
	portfolio gateway.PortfolioView
	clk       clock.Clock

	flow    *FlowTracker
	markout *MarkoutTracker
	vol     *VolatilityDetector

	mu           sync.Mutex
	activeOrders map[string]types.OpenOrder // orderID -> order
	lastSkew     float64
	lastMid      decimal.Decimal
	hasLastQuote bool
	silentUntil  time.Time
	lastQuoteAt  time.Time

	pendingMu       sync.Mutex
	pendingMarkouts []pendingMarkout

	dirty chan struct{}

	logger *slog.Logger
}

type pendingMarkout struct {
	fill  types.Fill
	dueAt time.Time
}

// NewMaker creates a strategy instance for one market.
func NewMaker(
	cfg config.StrategyConfig,
	riskCfg config.RiskConfig,
	info types.MarketInfo,
	c *cache.Cache,
	inv *inventory.Manager,
	gw *gateway.Gateway,
	portfolio gateway.PortfolioView,
	clk clock.Clock,
	logger *slog.Logger,
) *Maker {
	m := &Maker{
		cfg:          cfg,
		riskCfg:      riskCfg,
		marketInfo:   info,
		cache:        c,
		inventory:    inv,
		gw:           gw,
		portfolio:    portfolio,
		clk:          clk,
		flow:         NewFlowTracker(clk, cfg.ReactiveWindow, cfg.ReactiveFillThreshold),
		markout:      NewMarkoutTracker(cfg.MarkoutWindow, cfg.MarkoutSampleSize, cfg.MarkoutNegativeStreakThreshold, cfg.MarkoutWidenFactor, cfg.MarkoutMaxWiden, cfg.MarkoutResetStreak),
		vol:          NewVolatilityDetector(cfg.VolShortSamples, cfg.VolLongSamples, cfg.VolZScoreClamp),
		activeOrders: make(map[string]types.OpenOrder),
		dirty:        make(chan struct{}, 1),
		logger:       logger.With("component", "marketmaking", "market", info.Slug),
	}
	c.RegisterUpdateHandler(func(assetID string) {
		if assetID != info.YesTokenID {
			return
		}
		select {
		case m.dirty <- struct{}{}:
		default:
		}
	})
	return m
}

// Run is the main loop for this market. Blocks until ctx is cancelled.
func (m *Maker) Run(ctx context.Context, tradeCh <-chan types.WSTradeEvent, orderCh <-chan types.WSOrderEvent) {
	interval := m.cfg.RefreshInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	markoutTicker := time.NewTicker(time.Second)
	defer markoutTicker.Stop()

	m.logger.Info("strategy started", "tick_size", m.marketInfo.TickSize, "order_size", m.cfg.OrderSizeUSD)

	for {
		select {
		case <-ctx.Done():
			m.cancelAllMyOrders(context.Background())
			m.logger.Info("strategy stopped")
			return

		case trade := <-tradeCh:
			m.handleFill(ctx, trade)

		case order := <-orderCh:
			m.handleOrderEvent(order)

		case <-m.dirty:
			m.maybeQuoteUpdate(ctx, interval)

		case <-ticker.C:
			m.maybeQuoteUpdate(ctx, interval)

		case <-markoutTicker.C:
			m.processPendingMarkouts()
		}
	}
}

// maybeQuoteUpdate runs quoteUpdate, honoring the "at most every
// RefreshInterval" ceiling regardless of which case woke the loop: a
// snapshot-update signal on m.dirty triggers a requote immediately unless
// one already ran within the last interval, in which case the next tick (or
// the next dirty signal once the interval elapses) picks it up.
func (m *Maker) maybeQuoteUpdate(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	now := m.clk.Now()
	if !m.lastQuoteAt.IsZero() && now.Sub(m.lastQuoteAt) < interval {
		m.mu.Unlock()
		return
	}
	m.lastQuoteAt = now
	m.mu.Unlock()

	m.quoteUpdate(ctx)
}

// quoteUpdate is the core per-tick logic: stale-book check, toxic-flow
// guards, Avellaneda-Stoikov quote computation, hysteresis, reconciliation.
func (m *Maker) quoteUpdate(ctx context.Context) {
	if m.cache.IsStale(m.marketInfo.YesTokenID, m.cfg.StaleBookTimeout) {
		m.logger.Warn("book is stale, cancelling all orders")
		m.cancelAllMyOrders(ctx)
		return
	}

	m.mu.Lock()
	inSilence := m.clk.Now().Before(m.silentUntil)
	m.mu.Unlock()
	if inSilence {
		return
	}

	book, ok := m.cache.Get(m.marketInfo.YesTokenID)
	if !ok {
		return
	}
	microPrice, ok := book.MicroPrice()
	if !ok {
		return
	}
	mid, hasMid := book.Mid()
	if !hasMid {
		mid = microPrice
	}

	m.inventory.UpdateMarkToMarket(mid)
	m.vol.RecordPrice(mid, m.clk.Now())

	m.mu.Lock()
	m.lastMid = mid
	m.mu.Unlock()

	obi, hasOBI := book.OBI()

	// Reactive toxic-flow circuit breaker: flash-cancel and enter a silent
	// observation window.
	if m.cfg.ReactiveGuardEnabled && hasOBI && m.flow.ShouldTrip(obi, m.cfg.ReactiveOBIThreshold) {
		m.logger.Warn("reactive toxic flow breaker tripped", "obi", obi, "fill_count", m.flow.FillCount())
		if err := m.gw.FlashCancelMarket(ctx, m.marketInfo.ConditionID); err != nil {
			m.logger.Error("flash cancel failed", "error", err)
		}
		m.mu.Lock()
		m.activeOrders = make(map[string]types.OpenOrder)
		m.silentUntil = m.clk.Now().Add(m.cfg.ReactiveSilentWindow)
		m.mu.Unlock()
		return
	}

	// Predictive toxic-flow guard: pull quotes if microprice deviates from
	// mid beyond the threshold.
	if m.cfg.PredictiveGuardEnabled && !mid.IsZero() {
		deviation := microPrice.Sub(mid).Abs().Div(mid)
		devF, _ := deviation.Float64()
		if devF > m.cfg.PredictiveGuardThresholdPct {
			m.logger.Debug("predictive toxic flow guard active, pulling quotes", "deviation", devF)
			m.cancelAllMyOrders(ctx)
			return
		}
	}

	remainingBudget := m.remainingBudget()
	if remainingBudget.LessThanOrEqual(decimal.Zero) {
		m.cancelAllMyOrders(ctx)
		return
	}

	quote, skew, ok := m.computeQuotes(microPrice, remainingBudget)
	if !ok {
		return
	}

	// Skew hysteresis: skip requoting if inventory skew barely changed.
	m.mu.Lock()
	skewDelta := math.Abs(skew - m.lastSkew)
	hasLast := m.hasLastQuote
	m.mu.Unlock()
	if hasLast && skewDelta < m.cfg.SkewHysteresisPct {
		return
	}

	if err := m.reconcileOrders(ctx, quote, mid); err != nil {
		m.logger.Error("reconcile orders failed", "error", err)
		return
	}

	m.mu.Lock()
	m.lastSkew = skew
	m.hasLastQuote = true
	m.mu.Unlock()
}

func (m *Maker) remainingBudget() decimal.Decimal {
	if m.portfolio == nil {
		return decimal.NewFromFloat(m.riskCfg.MaxPositionPerMarket)
	}
	used := m.portfolio.ExposureUSD(m.marketInfo.ID)
	max := m.portfolio.MaxExposureUSD(m.marketInfo.ID)
	remaining := max.Sub(used)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// computeQuotes implements spec.md's Avellaneda-Stoikov formulas:
//
//	reservation = microprice - q * gamma * sigma^2
//	halfSpread  = (gamma*sigma^2 + ln(1+gamma/k)) / 2, floored at MIN_SPREAD
//	bid = reservation - halfSpread, ask = reservation + halfSpread
//
// with boundary widening near the 0/1 price edges and the adverse-selection
// markout multiplier applied to both the half-spread and the skew term.
func (m *Maker) computeQuotes(microPrice, remainingBudget decimal.Decimal) (*types.QuotePair, float64, bool) {
	midF, _ := microPrice.Float64()
	if midF <= 0 {
		return nil, 0, false
	}

	maxShares := decimal.NewFromFloat(m.riskCfg.MaxPositionPerMarket).Div(microPrice)
	q := m.inventory.NetDelta(maxShares)
	gamma := m.inventory.DynamicGamma()
	if gamma <= 0 {
		gamma = m.cfg.Gamma
	}
	k := m.cfg.K
	if k <= 0 {
		k = 1
	}

	sigma2 := m.cfg.Sigma * m.cfg.Sigma
	if clampFactor, triggered := m.vol.ZScore(); triggered {
		sigma2 *= clampFactor
	}

	widen := m.markout.WidenFactor()

	reservation := midF - q*gamma*sigma2*widen
	minSpread := float64(m.cfg.DefaultSpreadBps) / 10000.0
	halfSpread := (gamma*sigma2 + math.Log(1+gamma/k)) / 2.0 * widen
	if halfSpread < minSpread/2 {
		halfSpread = minSpread / 2
	}

	boundaryThreshold := m.cfg.BoundaryBps / 10000.0
	if boundaryThreshold > 0 && (reservation < boundaryThreshold || reservation > 1-boundaryThreshold) {
		widenFactor := m.cfg.BoundaryWidenFactor
		if widenFactor <= 0 {
			widenFactor = 3.0
		}
		halfSpread *= widenFactor
	}

	bidRaw := reservation - halfSpread
	askRaw := reservation + halfSpread

	tick := m.marketInfo.TickSize.Value()
	tickF, _ := tick.Float64()

	// Hard boundary caps: bid never above 0.98, ask never below 0.02.
	bidRaw = math.Min(bidRaw, 0.98)
	askRaw = math.Max(askRaw, 0.02)
	bidRaw = clampF(bidRaw, tickF, 1-tickF)
	askRaw = clampF(askRaw, tickF, 1-tickF)
	if bidRaw >= askRaw {
		bidRaw = askRaw - tickF
	}

	bidPrice := roundToTick(bidRaw, m.marketInfo.TickSize, true)
	askPrice := roundToTick(askRaw, m.marketInfo.TickSize, false)
	if bidPrice.GreaterThanOrEqual(askPrice) {
		askPrice = bidPrice.Add(tick)
	}

	absQ := math.Abs(q)
	sizeFactor := 1.0 - 0.5*absQ
	baseSize := decimal.NewFromFloat(m.cfg.OrderSizeUSD).Div(microPrice).Mul(decimal.NewFromFloat(sizeFactor))
	bidSize := decimal.Max(baseSize, m.marketInfo.MinOrderSize)
	askSize := decimal.Max(baseSize, m.marketInfo.MinOrderSize)

	bidNotional := bidSize.Mul(bidPrice)
	askNotional := askSize.Mul(askPrice)
	total := bidNotional.Add(askNotional)
	if total.GreaterThan(remainingBudget) && total.IsPositive() {
		scale := remainingBudget.Div(total)
		bidSize = bidSize.Mul(scale)
		askSize = askSize.Mul(scale)
	}

	var bid, ask *types.UserOrder
	if bidSize.GreaterThanOrEqual(m.marketInfo.MinOrderSize) && bidPrice.IsPositive() && bidPrice.LessThan(decimal.NewFromInt(1)) {
		bid = &types.UserOrder{
			TokenID:   m.marketInfo.YesTokenID,
			Price:     bidPrice,
			Size:      bidSize,
			Side:      types.BUY,
			OrderType: types.OrderTypeGTC,
			PostOnly:  true,
			TickSize:  m.marketInfo.TickSize,
		}
	}
	if askSize.GreaterThanOrEqual(m.marketInfo.MinOrderSize) && askPrice.IsPositive() && askPrice.LessThan(decimal.NewFromInt(1)) {
		ask = &types.UserOrder{
			TokenID:   m.marketInfo.YesTokenID,
			Price:     askPrice,
			Size:      askSize,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
			PostOnly:  true,
			TickSize:  m.marketInfo.TickSize,
		}
	}

	m.logger.Debug("quotes computed",
		"mid", midF, "q", q, "gamma", gamma, "reservation", reservation,
		"bid", bidPrice.String(), "ask", askPrice.String(), "widen", widen)

	return &types.QuotePair{
		MarketID:    m.marketInfo.ConditionID,
		YesTokenID:  m.marketInfo.YesTokenID,
		NoTokenID:   m.marketInfo.NoTokenID,
		Bid:         bid,
		Ask:         ask,
		GeneratedAt: m.clk.Now(),
		Skew:        q,
	}, q, true
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundToTick(v float64, tick types.TickSize, roundDown bool) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if roundDown {
		return d.Truncate(tick.Decimals())
	}
	factor := decimal.New(1, tick.Decimals())
	return d.Mul(factor).Ceil().Div(factor)
}

// reconcileOrders diffs desired quotes against active orders: an existing
// order is kept if its price is within one tick and remaining size is
// within 10% of the desired size; everything else is cancelled (TTL'd
// orders are always cancelled regardless of match). New orders go in
// cancel-then-place.
func (m *Maker) reconcileOrders(ctx context.Context, desired *types.QuotePair, referenceMid decimal.Decimal) error {
	tick := m.marketInfo.TickSize.Value()
	sizeTolerance := decimal.NewFromFloat(0.10)
	ttl := m.cfg.OrderTTL

	m.mu.Lock()
	var toCancel []string
	matchedBid, matchedAsk := false, false
	now := m.clk.Now()

	for id, order := range m.activeOrders {
		if ttl > 0 && now.Sub(order.PlacedAt) > ttl {
			toCancel = append(toCancel, id)
			continue
		}
		if order.Side == types.BUY && desired.Bid != nil {
			if order.Price.Sub(desired.Bid.Price).Abs().LessThanOrEqual(tick) &&
				order.RemainingSize().Sub(desired.Bid.Size).Abs().Div(desired.Bid.Size).LessThanOrEqual(sizeTolerance) {
				matchedBid = true
				continue
			}
		}
		if order.Side == types.SELL && desired.Ask != nil {
			if order.Price.Sub(desired.Ask.Price).Abs().LessThanOrEqual(tick) &&
				order.RemainingSize().Sub(desired.Ask.Size).Abs().Div(desired.Ask.Size).LessThanOrEqual(sizeTolerance) {
				matchedAsk = true
				continue
			}
		}
		toCancel = append(toCancel, id)
	}

	var toPlace []types.UserOrder
	if !matchedBid && desired.Bid != nil {
		toPlace = append(toPlace, *desired.Bid)
	}
	if !matchedAsk && desired.Ask != nil {
		toPlace = append(toPlace, *desired.Ask)
	}
	m.mu.Unlock()

	if len(toCancel) > 0 {
		if err := m.gw.Cancel(ctx, toCancel); err != nil {
			return err
		}
		m.mu.Lock()
		for _, id := range toCancel {
			delete(m.activeOrders, id)
			metrics.Default.IncQuotesCancelled()
		}
		m.mu.Unlock()
	}

	for _, order := range toPlace {
		resp, err := m.gw.Place(ctx, gateway.PlaceRequest{
			Order:        order,
			Market:       m.marketInfo,
			Portfolio:    m.portfolio,
			ReferenceMid: referenceMid,
		})
		if resp != nil && resp.Success && resp.OrderID != "" {
			m.mu.Lock()
			m.activeOrders[resp.OrderID] = types.OpenOrder{
				ID: resp.OrderID, Market: m.marketInfo.ConditionID, AssetID: order.TokenID,
				Side: order.Side, Price: order.Price, OriginalSize: order.Size,
				TIF: order.OrderType, PostOnly: order.PostOnly, State: types.OrderOpen,
				PlacedAt: m.clk.Now(),
			}
			m.mu.Unlock()
			metrics.Default.IncQuotesPlaced()
		} else if err != nil {
			m.logger.Error("order placement failed", "error", err, "side", order.Side, "price", order.Price.String())
			metrics.Default.IncOrdersRejected()
		}
	}

	return nil
}

// handleFill processes a trade event from the user WS channel. The
// opposite side is cancelled immediately, before the fill is reflected in
// inventory, to prevent double-exposure while the book has just moved.
func (m *Maker) handleFill(ctx context.Context, trade types.WSTradeEvent) {
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return
	}
	size, err := decimal.NewFromString(trade.Size)
	if err != nil {
		return
	}
	side := types.Side(trade.Side)

	m.mu.Lock()
	var opposite []string
	for id, o := range m.activeOrders {
		if o.Side == side.Opposite() {
			opposite = append(opposite, id)
		}
	}
	m.mu.Unlock()
	if len(opposite) > 0 {
		if err := m.gw.Cancel(ctx, opposite); err != nil {
			m.logger.Error("cancel opposite side after fill failed", "error", err)
		} else {
			m.mu.Lock()
			for _, id := range opposite {
				delete(m.activeOrders, id)
			}
			m.mu.Unlock()
		}
	}

	fill := types.Fill{
		Timestamp: m.clk.Now(),
		Side:      side,
		AssetID:   trade.AssetID,
		Price:     price,
		Size:      size,
		TradeID:   trade.ID,
	}
	m.inventory.OnFill(fill)
	m.flow.AddFill(fill)
	metrics.Default.IncFillsReceived()

	m.pendingMu.Lock()
	m.pendingMarkouts = append(m.pendingMarkouts, pendingMarkout{fill: fill, dueAt: m.clk.Now().Add(m.markout.Delay())})
	m.pendingMu.Unlock()

	pos := m.inventory.Snapshot()
	m.logger.Info("fill", "side", trade.Side, "price", price.String(), "size", size.String(), "realized_pnl", pos.RealizedPnL.String())
}

// processPendingMarkouts resolves any markout measurement whose delay has
// elapsed, feeding the result to the adverse-selection self-tune. If the
// tracker's widen factor maxes out, engage the gateway's inventory defense
// mode so new quote-side placement pauses while the book flattens.
func (m *Maker) processPendingMarkouts() {
	m.pendingMu.Lock()
	now := m.clk.Now()
	var ready []pendingMarkout
	var remaining []pendingMarkout
	for _, p := range m.pendingMarkouts {
		if !p.dueAt.After(now) {
			ready = append(ready, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	m.pendingMarkouts = remaining
	m.pendingMu.Unlock()

	for _, p := range ready {
		book, ok := m.cache.Get(p.fill.AssetID)
		if !ok {
			continue
		}
		mid, ok := book.Mid()
		if !ok {
			continue
		}
		m.markout.RecordMarkout(p.fill.Price, mid, p.fill.Side, now)
	}

	if m.markout.WidenFactor() >= m.cfg.MarkoutMaxWiden && m.cfg.MarkoutMaxWiden > 0 {
		m.gw.TripInventoryDefense(m.marketInfo.ID)
	}
}

// handleOrderEvent processes order lifecycle events from the user WS channel.
func (m *Maker) handleOrderEvent(event types.WSOrderEvent) {
	m.gw.ApplyOrderEvent(event)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch event.Type {
	case "CANCELLATION":
		delete(m.activeOrders, event.ID)
	case "UPDATE", "PLACEMENT":
		if order, ok := m.activeOrders[event.ID]; ok {
			if matched, err := decimal.NewFromString(event.SizeMatched); err == nil {
				order.SizeMatched = matched
				m.activeOrders[event.ID] = order
			}
		}
	}
}

// cancelAllMyOrders cancels every active order for this market.
func (m *Maker) cancelAllMyOrders(ctx context.Context) {
	m.mu.Lock()
	hasOrders := len(m.activeOrders) > 0
	m.mu.Unlock()
	if !hasOrders {
		return
	}
	if err := m.gw.FlashCancelMarket(ctx, m.marketInfo.ConditionID); err != nil {
		m.logger.Error("cancel all orders failed", "error", err)
		return
	}
	m.mu.Lock()
	m.activeOrders = make(map[string]types.OpenOrder)
	m.mu.Unlock()
}

// InventorySnapshot exposes the current position, used by the Cross-Strategy
// Coordinator. Read-only: callers cannot mutate strategy state through it.
func (m *Maker) InventorySnapshot() types.Position {
	return m.inventory.Snapshot()
}

// Outcomes returns the two asset ids this maker quotes, used to build the
// coordinator's market->asset index.
func (m *Maker) Outcomes() (yes, no string) {
	return m.marketInfo.YesTokenID, m.marketInfo.NoTokenID
}

// ActiveQuotes returns a copy of the currently resting bid and ask, if any,
// for the status endpoint. Nil means no order is currently resting on that
// side.
func (m *Maker) ActiveQuotes() (bid, ask *types.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.activeOrders {
		o := o
		switch o.Side {
		case types.BUY:
			bid = &o
		case types.SELL:
			ask = &o
		}
	}
	return bid, ask
}

// PortfolioReport builds the per-market exposure/PnL snapshot the portfolio
// risk aggregator consumes, using the last mid observed during quoting.
func (m *Maker) PortfolioReport(at time.Time) portfolio.Report {
	pos := m.inventory.Snapshot()
	m.mu.Lock()
	mid := m.lastMid
	m.mu.Unlock()

	return portfolio.Report{
		MarketID:      m.marketInfo.ID,
		MidPrice:      mid,
		ExposureUSD:   m.inventory.TotalExposureUSD(mid),
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		Timestamp:     at,
	}
}

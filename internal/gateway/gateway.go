// Package gateway implements the Execution Gateway / Order Manager: the
// single choke-point every order — market-making or arbitrage — passes
// through. No other package is permitted to call the REST client's order
// endpoints directly.
//
// Every order goes through validate -> rate-limit -> send -> record:
//
//  1. validate applies, in order, the halted check, the Inventory Defense
//     Mode check (post-only orders only) and six trading validations
//     (invalid_order, insufficient_balance, position_limit, price_guard,
//     slippage_guard, daily_volume_limit). The halted check runs first and
//     short-circuits everything else.
//  2. rate-limit and send are delegated to transport.RestClient, which
//     already waits on the appropriate token bucket before making the call.
//  3. record updates the open-order book, the per-market daily volume
//     counter, and (via the caller's Fill callback) the inventory manager.
//
// Post-only orders that get rejected for crossing the book are retried with
// a repriced limit up to MaxPostOnlyRetries times. A sufficiently adverse
// signal (see TripInventoryDefense) halts new quote-side order placement
// for InventoryDefenseTTL while still allowing cancels, so the book can be
// flattened without adding risk. On feed disconnect, FlashCancelAll pulls
// every resting order immediately rather than waiting for staleness checks.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingcore/internal/cache"
	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/internal/errs"
	"tradingcore/internal/transport"
	"tradingcore/pkg/types"
)

// PortfolioView is the minimal read-only balance/exposure view the gateway
// needs from the inventory layer to validate orders. Implemented by the
// supervisor-level aggregator that knows every market's exposure.
type PortfolioView interface {
	AvailableBalanceUSD() decimal.Decimal
	ExposureUSD(marketID string) decimal.Decimal
	MaxExposureUSD(marketID string) decimal.Decimal
}

// Gateway is the single order choke-point.
type Gateway struct {
	cfg    config.GatewayConfig
	rest   *transport.RestClient
	cache  *cache.Cache
	clk    clock.Clock
	logger *slog.Logger

	mu             sync.RWMutex
	halted         bool
	haltedReason   string
	openOrders     map[string]types.OpenOrder // orderID -> order
	dailyVolumeUSD map[string]decimal.Decimal // marketID -> USD traded today
	dailyResetDate string

	defenseMu    sync.Mutex
	defenseUntil map[string]time.Time // marketID -> expiry
}

// New creates an Execution Gateway.
func New(cfg config.GatewayConfig, rest *transport.RestClient, c *cache.Cache, clk clock.Clock, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:            cfg,
		rest:           rest,
		cache:          c,
		clk:            clk,
		logger:         logger.With("component", "gateway"),
		openOrders:     make(map[string]types.OpenOrder),
		dailyVolumeUSD: make(map[string]decimal.Decimal),
		dailyResetDate: clk.Now().UTC().Format("2006-01-02"),
		defenseUntil:   make(map[string]time.Time),
	}
}

// Halt stops all new order placement (cancels are still permitted). Called
// by the risk/circuit-breaker layer.
func (g *Gateway) Halt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = true
	g.haltedReason = reason
	g.logger.Error("gateway halted", "reason", reason)
}

// Resume clears a halt.
func (g *Gateway) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	g.haltedReason = ""
	g.logger.Info("gateway resumed")
}

// IsHalted reports the current halt state and reason.
func (g *Gateway) IsHalted() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted, g.haltedReason
}

// TripInventoryDefense halts new quote-side placement for one market for
// InventoryDefenseTTL. Cancels are unaffected, and arbitrage orders (never
// post-only) are unaffected in every market. Called when adverse-selection
// markout or a toxic flow signal indicates the market's current quotes are
// being picked off, or when post-only retries are exhausted for it.
func (g *Gateway) TripInventoryDefense(marketID string) {
	g.defenseMu.Lock()
	defer g.defenseMu.Unlock()
	until := g.clk.Now().Add(g.cfg.InventoryDefenseTTL)
	g.defenseUntil[marketID] = until
	g.logger.Warn("inventory defense mode engaged", "market", marketID, "until", until)
}

func (g *Gateway) inDefenseMode(marketID string) bool {
	g.defenseMu.Lock()
	defer g.defenseMu.Unlock()
	until, ok := g.defenseUntil[marketID]
	return ok && g.clk.Now().Before(until)
}

// PlaceRequest bundles a validated order request with the portfolio context
// needed to validate it.
type PlaceRequest struct {
	Order      types.UserOrder
	Market     types.MarketInfo
	Portfolio  PortfolioView
	ReferenceMid decimal.Decimal // for price_guard / slippage_guard
}

// Place runs validate -> rate-limit -> send -> record for a single order.
func (g *Gateway) Place(ctx context.Context, req PlaceRequest) (*types.OrderResponse, error) {
	if err := g.validate(req); err != nil {
		return nil, err
	}

	order := req.Order
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}

	resp, err := g.postWithPostOnlyRetry(ctx, order, req)
	if err != nil {
		return nil, err
	}

	g.record(order, req.Market.ID, resp)
	return resp, nil
}

// PlaceBasket places every leg of an atomic arbitrage basket with a shared
// correlation id, bypassing the post-only retry path (basket legs are FOK).
func (g *Gateway) PlaceBasket(ctx context.Context, legs []PlaceRequest) (string, []types.OrderResponse, error) {
	basketID := uuid.NewString()
	responses := make([]types.OrderResponse, 0, len(legs))

	for _, leg := range legs {
		if err := g.validate(leg); err != nil {
			return basketID, responses, err
		}
		leg.Order.BasketID = basketID
		leg.Order.OrderType = types.OrderTypeFOK
		if leg.Order.ClientOrderID == "" {
			leg.Order.ClientOrderID = uuid.NewString()
		}
	}

	orders := make([]types.UserOrder, len(legs))
	for i, leg := range legs {
		orders[i] = leg.Order
	}

	resp, err := g.rest.PostOrders(ctx, orders)
	if err != nil {
		return basketID, responses, err
	}

	for i, r := range resp {
		g.record(orders[i], legs[i].Market.ID, &r)
		responses = append(responses, r)
	}
	return basketID, responses, nil
}

// postWithPostOnlyRetry places the order, and if it's a post-only order
// rejected for crossing the book, reprices one tick away from the cross and
// retries up to MaxPostOnlyRetries times.
func (g *Gateway) postWithPostOnlyRetry(ctx context.Context, order types.UserOrder, req PlaceRequest) (*types.OrderResponse, error) {
	maxRetries := g.cfg.MaxPostOnlyRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	attempt := order
	for i := 0; i <= maxRetries; i++ {
		results, err := g.rest.PostOrders(ctx, []types.UserOrder{attempt})
		if err != nil {
			var apiErr *errs.ApiError
			if isTimeout(err) {
				// Outcome unknown at the venue; probe before giving up.
				probed, perr := g.probeAfterTimeout(ctx, attempt)
				if perr == nil && probed != nil {
					return probed, nil
				}
			}
			_ = apiErr
			return nil, err
		}
		if len(results) == 0 {
			return nil, &errs.ApiError{Kind: errs.ApiInvalidResponse, Err: fmt.Errorf("empty order response")}
		}

		result := results[0]
		if result.Success || !attempt.PostOnly {
			return &result, nil
		}
		if i == maxRetries {
			break
		}

		// Rejected post-only order: reprice one tick away from the cross and retry.
		tick := attempt.TickSize.Value()
		if attempt.Side == types.BUY {
			attempt.Price = attempt.Price.Sub(tick)
		} else {
			attempt.Price = attempt.Price.Add(tick)
		}
		g.logger.Info("post-only rejected, repricing and retrying",
			"attempt", i+1, "new_price", attempt.Price.String())
	}

	g.TripInventoryDefense(req.Market.ID)
	return nil, &errs.TradingError{Kind: errs.TradingOrderRejected, Err: fmt.Errorf("post-only order rejected after retries")}
}

func isTimeout(err error) bool {
	apiErr, ok := err.(*errs.ApiError)
	return ok && apiErr.Kind == errs.ApiTimeout
}

// probeAfterTimeout checks whether an order whose POST timed out actually
// landed at the venue, by status-probing the client order id.
func (g *Gateway) probeAfterTimeout(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.StatusProbeTimeout)
	defer cancel()

	status, err := g.rest.GetOrderStatus(probeCtx, order.ClientOrderID)
	if err != nil || status == nil {
		return nil, fmt.Errorf("order status unknown after timeout")
	}
	return &types.OrderResponse{Success: true, OrderID: status.ID, Status: string(status.State)}, nil
}

// validate applies the Execution Gateway's full validation chain, in the
// order spec.md §4.3 specifies. The halted check runs first and
// short-circuits every other check.
func (g *Gateway) validate(req PlaceRequest) error {
	if halted, reason := g.IsHalted(); halted {
		return &errs.CircuitBreakerTripped{Scope: errs.CircuitDaily, Reason: reason}
	}
	// Inventory Defense Mode blocks new post-only quote placement for the
	// affected market only; arbitrage legs (never post-only) pass through.
	if req.Order.PostOnly && g.inDefenseMode(req.Market.ID) {
		return &errs.CircuitBreakerTripped{Scope: errs.CircuitToxicFlow, Reason: "inventory defense mode active"}
	}

	order := req.Order

	if order.Price.LessThanOrEqual(decimal.Zero) || order.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &errs.TradingError{Kind: errs.TradingInvalidOrder, Err: fmt.Errorf("price %s out of (0,1) bounds", order.Price)}
	}
	if order.Size.LessThanOrEqual(decimal.Zero) {
		return &errs.TradingError{Kind: errs.TradingInvalidOrder, Err: fmt.Errorf("size must be positive")}
	}
	if order.TokenID == "" {
		return &errs.TradingError{Kind: errs.TradingInvalidOrder, Err: fmt.Errorf("missing token id")}
	}

	notional := order.Price.Mul(order.Size)

	if req.Portfolio != nil {
		if order.Side == types.BUY && notional.GreaterThan(req.Portfolio.AvailableBalanceUSD()) {
			return &errs.TradingError{Kind: errs.TradingInsufficientBalance, Err: fmt.Errorf("notional %s exceeds available balance", notional)}
		}

		projected := req.Portfolio.ExposureUSD(req.Market.ID).Add(notional)
		if projected.GreaterThan(req.Portfolio.MaxExposureUSD(req.Market.ID)) {
			return &errs.TradingError{Kind: errs.TradingPositionLimit, Err: fmt.Errorf("projected exposure %s exceeds limit", projected)}
		}
	}

	if !req.ReferenceMid.IsZero() && g.cfg.MaxPriceGuardPct > 0 {
		deviation := order.Price.Sub(req.ReferenceMid).Abs().Div(req.ReferenceMid)
		devF, _ := deviation.Float64()
		if devF > g.cfg.MaxPriceGuardPct {
			return &errs.TradingError{Kind: errs.TradingPriceGuard, Err: fmt.Errorf("price %s deviates %.2f%% from reference mid %s", order.Price, devF*100, req.ReferenceMid)}
		}
	}

	if order.OrderType != types.OrderTypeGTC && g.cfg.MaxSlippagePct > 0 {
		if book, ok := g.cache.Get(order.TokenID); ok {
			if slip, ok := expectedSlippage(book, order); ok && slip > g.cfg.MaxSlippagePct {
				return &errs.TradingError{Kind: errs.TradingSlippageExceeded, Err: fmt.Errorf("expected slippage %.4f exceeds limit", slip)}
			}
		}
	}

	if g.cfg.MaxDailyVolumeUSD > 0 {
		used := g.dailyVolumeFor(req.Market.ID)
		if used.Add(notional).GreaterThan(decimal.NewFromFloat(g.cfg.MaxDailyVolumeUSD)) {
			return &errs.TradingError{Kind: errs.TradingDailyVolumeLimit, Err: fmt.Errorf("daily volume limit reached for %s", req.Market.ID)}
		}
	}

	return nil
}

// expectedSlippage estimates, in price terms relative to mid, how far a
// marketable order would need to walk the book to fill its full size.
func expectedSlippage(book types.OrderBookSnapshot, order types.UserOrder) (float64, bool) {
	mid, ok := book.Mid()
	if !ok || mid.IsZero() {
		return 0, false
	}

	var levels []types.DecimalLevel
	if order.Side == types.BUY {
		levels = book.Asks
	} else {
		levels = book.Bids
	}

	remaining := order.Size
	var worst decimal.Decimal
	for _, lvl := range levels {
		worst = lvl.Price
		if remaining.LessThanOrEqual(lvl.Size) {
			remaining = decimal.Zero
			break
		}
		remaining = remaining.Sub(lvl.Size)
	}
	if worst.IsZero() {
		return 0, false
	}

	slip := worst.Sub(mid).Abs().Div(mid)
	f, _ := slip.Float64()
	return f, true
}

// dailyVolumeFor returns today's traded USD notional for a market, rolling
// over the counters first if the UTC date has changed.
func (g *Gateway) dailyVolumeFor(marketID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	today := g.clk.Now().UTC().Format("2006-01-02")
	if today != g.dailyResetDate {
		g.dailyVolumeUSD = make(map[string]decimal.Decimal)
		g.dailyResetDate = today
	}
	return g.dailyVolumeUSD[marketID]
}

func (g *Gateway) record(order types.UserOrder, marketID string, resp *types.OrderResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := g.clk.Now().UTC().Format("2006-01-02")
	if today != g.dailyResetDate {
		g.dailyVolumeUSD = make(map[string]decimal.Decimal)
		g.dailyResetDate = today
	}

	notional := order.Price.Mul(order.Size)
	g.dailyVolumeUSD[marketID] = g.dailyVolumeUSD[marketID].Add(notional)

	if resp != nil && resp.Success && resp.OrderID != "" {
		g.openOrders[resp.OrderID] = types.OpenOrder{
			ID:            resp.OrderID,
			ClientOrderID: order.ClientOrderID,
			BasketID:      order.BasketID,
			Market:        marketID,
			AssetID:       order.TokenID,
			Side:          order.Side,
			Price:         order.Price,
			OriginalSize:  order.Size,
			TIF:           order.OrderType,
			PostOnly:      order.PostOnly,
			State:         types.OrderOpen,
			PlacedAt:      g.clk.Now(),
		}
	}
}

// OrderStatus polls the venue for one order's current state, used by the
// arbitrage executor's fill-monitoring poll (basket legs are FOK and may
// resolve between polls rather than via a WS event). Updates the locally
// tracked copy, if any, to match.
func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	order, err := g.rest.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	g.mu.Lock()
	if order.State == types.OrderFilled || order.State == types.OrderCancelled || order.State == types.OrderRejected {
		delete(g.openOrders, orderID)
	} else {
		g.openOrders[orderID] = *order
	}
	g.mu.Unlock()
	return order, nil
}

// Cancel cancels specific orders and removes them from the open-order book.
func (g *Gateway) Cancel(ctx context.Context, orderIDs []string) error {
	resp, err := g.rest.CancelOrders(ctx, orderIDs)
	if err != nil {
		return err
	}
	g.mu.Lock()
	for _, id := range resp.Canceled {
		delete(g.openOrders, id)
	}
	g.mu.Unlock()
	return nil
}

// FlashCancelMarket cancels every resting order for one market immediately.
// Called by the market-making Maker, including its reactive toxic-flow
// circuit breaker; feed disconnects go through FlashCancelAll instead.
func (g *Gateway) FlashCancelMarket(ctx context.Context, conditionID string) error {
	_, err := g.rest.CancelMarketOrders(ctx, conditionID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	for id, o := range g.openOrders {
		if o.Market == conditionID {
			delete(g.openOrders, id)
		}
	}
	g.mu.Unlock()
	return nil
}

// FlashCancelAll cancels every resting order across every market. Called by
// the supervisor's market-feed disconnect handler.
func (g *Gateway) FlashCancelAll(ctx context.Context) error {
	_, err := g.rest.CancelAll(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.openOrders = make(map[string]types.OpenOrder)
	g.mu.Unlock()
	return nil
}

// OpenOrders returns a snapshot of currently tracked open orders for a market.
func (g *Gateway) OpenOrders(marketID string) []types.OpenOrder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.OpenOrder, 0)
	for _, o := range g.openOrders {
		if o.Market == marketID {
			out = append(out, o)
		}
	}
	return out
}

// ApplyOrderEvent updates tracked state from a WS order lifecycle event. An
// order the gateway has no local record of (e.g. placed before a process
// restart) is adopted into the open-order book rather than discarded, so
// its position is still tracked and it can still be cancelled.
func (g *Gateway) ApplyOrderEvent(ev types.WSOrderEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.openOrders[ev.ID]
	if !ok {
		if ev.Type == "CANCELLATION" {
			return
		}
		adopted, adoptable := adoptOpenOrder(ev)
		if !adoptable {
			return
		}
		o = adopted
		g.logger.Info("adopted untracked order from WS event", "order_id", ev.ID, "market", ev.Market)
	}
	switch ev.Type {
	case "CANCELLATION":
		delete(g.openOrders, ev.ID)
	case "UPDATE", "PLACEMENT":
		if matched, err := decimal.NewFromString(ev.SizeMatched); err == nil {
			o.SizeMatched = matched
		}
		if o.RemainingSize().IsZero() {
			o.State = types.OrderFilled
			delete(g.openOrders, ev.ID)
		} else if o.SizeMatched.IsPositive() {
			o.State = types.OrderPartiallyFilled
			g.openOrders[ev.ID] = o
		} else {
			g.openOrders[ev.ID] = o
		}
	}
}

// adoptOpenOrder builds an OpenOrder from a WS event for an order the
// gateway has no local record of, so it can be inserted into the Open set
// instead of silently discarded.
func adoptOpenOrder(ev types.WSOrderEvent) (types.OpenOrder, bool) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return types.OpenOrder{}, false
	}
	size, err := decimal.NewFromString(ev.OriginalSize)
	if err != nil {
		return types.OpenOrder{}, false
	}
	return types.OpenOrder{
		ID:           ev.ID,
		Market:       ev.Market,
		AssetID:      ev.AssetID,
		Side:         types.Side(ev.Side),
		Price:        price,
		OriginalSize: size,
		State:        types.OrderOpen,
	}, true
}

// DailyVolume returns today's traded USD notional for a market.
func (g *Gateway) DailyVolume(marketID string) decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dailyVolumeUSD[marketID]
}

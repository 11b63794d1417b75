package arbitrage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/cache"
	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/internal/errs"
	"tradingcore/internal/gateway"
	"tradingcore/internal/metrics"
	"tradingcore/pkg/types"
)

// minDepthShares is the live re-check depth floor applied to every leg
// during pre-flight, independent of the size originally detected.
const minDepthShares = 10

// Executor runs the Atomic Basket Execution protocol spec.md §4.7 describes:
// pre-flight validation, concurrent FOK placement, fill-monitoring poll,
// resolution (success or best-effort unwind), and a cooldown/circuit-breaker
// pair that throttles retries after repeated aborts.
type Executor struct {
	cfg    config.ArbitrageConfig
	gw     *gateway.Gateway
	cache  *cache.Cache
	clk    clock.Clock
	logger *slog.Logger

	mu               sync.Mutex
	remainingBudget  decimal.Decimal
	lastAttemptAt    time.Time
	consecutiveAbort int
	circuitUntil     time.Time
}

// NewExecutor creates an Atomic Basket Executor seeded with the configured
// arbitrage budget.
func NewExecutor(cfg config.ArbitrageConfig, gw *gateway.Gateway, c *cache.Cache, clk clock.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:             cfg,
		gw:              gw,
		cache:           c,
		clk:             clk,
		logger:          logger.With("component", "arbitrage_executor"),
		remainingBudget: decimal.NewFromFloat(cfg.ArbBudgetUSD),
	}
}

// Run consumes opportunities and attempts the basket execution protocol for
// each, honoring cooldown and the consecutive-abort circuit breaker.
func (e *Executor) Run(ctx context.Context, opportunities <-chan types.ArbitrageOpportunity, scanner *Scanner) {
	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-opportunities:
			if !ok {
				return
			}
			e.attempt(ctx, opp)
			if scanner != nil {
				scanner.Clear(opp.EventID)
			}
		}
	}
}

func (e *Executor) attempt(ctx context.Context, opp types.ArbitrageOpportunity) {
	e.mu.Lock()
	now := e.clk.Now()
	if now.Before(e.circuitUntil) {
		e.mu.Unlock()
		e.logger.Warn("skipping opportunity, circuit breaker active", "event_id", opp.EventID, "until", e.circuitUntil)
		return
	}
	cooldown := e.cfg.CooldownAfterAttempt
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	if now.Sub(e.lastAttemptAt) < cooldown {
		e.mu.Unlock()
		return
	}
	e.lastAttemptAt = now
	e.mu.Unlock()

	if err := e.preflight(opp); err != nil {
		e.logger.Info("opportunity aborted at pre-flight", "event_id", opp.EventID, "reason", err)
		metrics.Default.IncOpportunitiesRejected("preflight_failed")
		e.recordAbort()
		return
	}

	submittedAt := e.clk.Now()
	legs := e.buildLegs(opp)
	basketID, responses, err := e.gw.PlaceBasket(ctx, legs)
	if err != nil {
		e.logger.Error("basket placement failed", "event_id", opp.EventID, "basket_id", basketID, "error", err)
		metrics.Default.IncOpportunitiesFailed()
		e.recordAbort()
		return
	}

	states := e.pollFills(ctx, responses)
	if e.allFilled(states) {
		e.mu.Lock()
		e.remainingBudget = e.remainingBudget.Sub(opp.RequiredCapital)
		e.consecutiveAbort = 0
		e.mu.Unlock()
		e.logger.Info("arbitrage basket filled", "event_id", opp.EventID, "basket_id", basketID,
			"net_profit_per_share", opp.NetProfit.String(), "shares", opp.MaxShares.String())
		metrics.Default.IncOpportunitiesExecuted()
		metrics.Default.ObserveFillLatency(float64(e.clk.Now().Sub(submittedAt).Milliseconds()))
		return
	}

	e.unwind(ctx, opp, responses, states)
	metrics.Default.IncOpportunitiesFailed()
	e.recordAbort()
}

// preflight re-validates everything the original detection assumed still
// holds: live depth, slippage bound, gateway halt state, and remaining
// budget.
func (e *Executor) preflight(opp types.ArbitrageOpportunity) error {
	for _, leg := range opp.Legs {
		snap, ok := e.cache.Get(leg.AssetID)
		if !ok {
			return &errs.DataValidationError{Reason: "no cached book for leg " + leg.AssetID}
		}
		ask, hasAsk := snap.BestAsk()
		if !hasAsk {
			return &errs.DataValidationError{Reason: "no live ask for leg " + leg.AssetID}
		}
		if len(snap.Asks) == 0 || snap.Asks[0].Size.LessThan(decimal.NewFromInt(minDepthShares)) {
			return &errs.DataValidationError{Reason: "insufficient live depth for leg " + leg.AssetID}
		}

		maxSlip := e.cfg.MaxSlippagePerLegUSD
		if maxSlip <= 0 {
			maxSlip = 0.005
		}
		deviation := ask.Sub(leg.AskPrice).Abs()
		if deviation.GreaterThan(decimal.NewFromFloat(maxSlip)) {
			return &errs.TradingError{Kind: errs.TradingSlippageExceeded, Err: nil}
		}
	}

	if halted, reason := e.gw.IsHalted(); halted {
		return &errs.CircuitBreakerTripped{Scope: errs.CircuitDaily, Reason: reason}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if opp.RequiredCapital.GreaterThan(e.remainingBudget) {
		return &errs.TradingError{Kind: errs.TradingInsufficientBalance, Err: nil}
	}
	return nil
}

// buildLegs converts an opportunity's legs to FOK buy requests, priced one
// tick above the detected ask to improve fill probability. That extra tick is
// not checked against MaxSlippagePerLegUSD; preflight compares only the live
// ask with the detected ask.
func (e *Executor) buildLegs(opp types.ArbitrageOpportunity) []gateway.PlaceRequest {
	legs := make([]gateway.PlaceRequest, len(opp.Legs))
	for i, l := range opp.Legs {
		tick := l.TickSize.Value()
		price := l.AskPrice.Add(tick)
		order := types.UserOrder{
			TokenID:   l.AssetID,
			Price:     price,
			Size:      opp.MaxShares,
			Side:      types.BUY,
			OrderType: types.OrderTypeFOK,
			TickSize:  l.TickSize,
		}
		legs[i] = gateway.PlaceRequest{
			Order:        order,
			Market:       types.MarketInfo{ID: opp.EventID, TickSize: l.TickSize},
			ReferenceMid: l.AskPrice,
		}
	}
	return legs
}

// pollFills polls every leg's terminal state at OrderCheckInterval, bounded
// by OrderTimeout.
func (e *Executor) pollFills(ctx context.Context, responses []types.OrderResponse) map[string]types.OrderState {
	states := make(map[string]types.OrderState, len(responses))
	for _, r := range responses {
		if !r.Success || r.OrderID == "" {
			continue
		}
		states[r.OrderID] = types.OrderPending
	}

	interval := e.cfg.OrderCheckInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timeout := e.cfg.OrderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := e.clk.Now().Add(timeout)
	ticker := e.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		for orderID, state := range states {
			if isTerminal(state) {
				continue
			}
			open, err := e.gw.OrderStatus(ctx, orderID)
			if err != nil || open == nil {
				continue
			}
			states[orderID] = open.State
		}

		if allTerminalStates(states) || e.clk.Now().After(deadline) {
			return states
		}

		select {
		case <-ctx.Done():
			return states
		case <-ticker.C():
		}
	}
}

func isTerminal(s types.OrderState) bool {
	return s == types.OrderFilled || s == types.OrderCancelled || s == types.OrderRejected
}

func allTerminalStates(states map[string]types.OrderState) bool {
	for _, s := range states {
		if !isTerminal(s) {
			return false
		}
	}
	return true
}

func (e *Executor) allFilled(states map[string]types.OrderState) bool {
	if len(states) == 0 {
		return false
	}
	for _, s := range states {
		if s != types.OrderFilled {
			return false
		}
	}
	return true
}

// unwind runs the abort path: cancel every leg still open, and flatten any
// leg that filled partially with an emergency IOC sell at the touch. This is
// the cost the venue's lack of a native atomic multi-leg primitive imposes.
func (e *Executor) unwind(ctx context.Context, opp types.ArbitrageOpportunity, responses []types.OrderResponse, states map[string]types.OrderState) {
	var wg sync.WaitGroup
	for orderID, state := range states {
		if state == types.OrderFilled || state == types.OrderCancelled || state == types.OrderRejected {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.gw.Cancel(ctx, []string{id}); err != nil {
				e.logger.Error("cancel failed during unwind", "order_id", id, "error", err)
			}
		}(orderID)
	}
	wg.Wait()

	for i, r := range responses {
		if !r.Success || r.OrderID == "" {
			continue
		}
		open, err := e.gw.OrderStatus(ctx, r.OrderID)
		if err != nil || open == nil {
			continue
		}
		if open.SizeMatched.LessThanOrEqual(decimal.Zero) {
			continue
		}
		leg := opp.Legs[i]
		snap, ok := e.cache.Get(leg.AssetID)
		if !ok {
			continue
		}
		bid, hasBid := snap.BestBid()
		if !hasBid {
			continue
		}
		sellReq := gateway.PlaceRequest{
			Order: types.UserOrder{
				TokenID:   leg.AssetID,
				Price:     bid,
				Size:      open.SizeMatched,
				Side:      types.SELL,
				OrderType: types.OrderTypeIOC,
				TickSize:  leg.TickSize,
			},
			Market:       types.MarketInfo{ID: opp.EventID, TickSize: leg.TickSize},
			ReferenceMid: bid,
		}
		if _, err := e.gw.Place(ctx, sellReq); err != nil {
			e.logger.Error("emergency unwind sell failed", "asset_id", leg.AssetID, "error", err)
		} else {
			e.logger.Warn("emergency unwind sell placed", "asset_id", leg.AssetID, "size", open.SizeMatched.String())
		}
	}
}

func (e *Executor) recordAbort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveAbort++
	maxAborts := e.cfg.MaxConsecutiveAborts
	if maxAborts <= 0 {
		maxAborts = 3
	}
	if e.consecutiveAbort >= maxAborts {
		pause := e.cfg.CircuitBreakerPause
		if pause <= 0 {
			pause = 30 * time.Second
		}
		e.circuitUntil = e.clk.Now().Add(pause)
		e.consecutiveAbort = 0
		e.logger.Error("arbitrage circuit breaker tripped", "pause", pause)
	}
}

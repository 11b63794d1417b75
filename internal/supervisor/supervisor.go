// Package supervisor is the central orchestrator of the trading engine.
//
// It wires together every subsystem:
//
//  1. MarketScanner discovers wide-spread binary markets; EventScanner
//     discovers multi-outcome events for the arbitrage path.
//  2. Supervisor starts/stops a Maker goroutine per market (reconcileMarkets)
//     and keeps the arbitrage Scanner's watched-event set current.
//  3. Each market gets an inventory.Manager and a marketmaking.Maker; every
//     event watched for arbitrage gets its legs subscribed on the market
//     data feed so the cache has live books for the scanner to read.
//  4. Two WebSocket feeds (market data + user fills) dispatch events to the
//     correct market slot or, for arbitrage-only assets, just keep the
//     cache warm.
//  5. The portfolio Aggregator watches every market's reported exposure and
//     can trigger a kill switch that stops affected markets.
//
// Every task started by Start runs under supervise, which recovers a panic,
// logs it, and restarts the function after a backoff rather than taking the
// whole process down — something the single-strategy predecessor of this
// orchestrator didn't need, since one panicking goroutine here shouldn't be
// allowed to silently stop the other strategy. Per-market Maker goroutines
// (startMarketLocked) run outside supervise and are not restarted.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradingcore/internal/api"
	"tradingcore/internal/arbitrage"
	"tradingcore/internal/blacklist"
	"tradingcore/internal/cache"
	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/internal/discovery"
	"tradingcore/internal/gateway"
	"tradingcore/internal/inventory"
	"tradingcore/internal/marketmaking"
	"tradingcore/internal/portfolio"
	"tradingcore/internal/ratelimit"
	"tradingcore/internal/secrets"
	"tradingcore/internal/transport"
	"tradingcore/pkg/types"
)

// restartBackoff is how long a panicking supervised goroutine waits before
// it's restarted.
const restartBackoff = 5 * time.Second

// marketSlot represents one actively market-made market. Each slot runs a
// dedicated goroutine (maker.Run) with its own inventory manager.
type marketSlot struct {
	info      types.MarketInfo
	inventory *inventory.Manager
	maker     *marketmaking.Maker
	cancel    context.CancelFunc
	tradeCh   chan types.WSTradeEvent
	orderCh   chan types.WSOrderEvent
}

// Supervisor orchestrates every component of the trading engine. It owns
// the lifecycle of all goroutines and manages market start/stop transitions.
type Supervisor struct {
	cfg    config.Config
	clk    clock.Clock
	logger *slog.Logger

	auth    *transport.Auth
	rest    *transport.RestClient
	mktFeed *transport.WSFeed
	usrFeed *transport.WSFeed
	cache   *cache.Cache
	gw      *gateway.Gateway

	blacklist     *blacklist.Manager
	marketScanner *discovery.MarketScanner
	eventScanner  *discovery.EventScanner
	funnel        *marketmaking.Funnel
	coordinator   *marketmaking.Coordinator
	portfolio     *portfolio.Aggregator
	arbScanner    *arbitrage.Scanner
	arbExecutor   *arbitrage.Executor

	slots   map[string]*marketSlot // conditionID -> slot
	slotsMu sync.RWMutex

	// tokenMap maps tokenID -> conditionID so WS market events (keyed by
	// token) can be routed to the correct market slot (keyed by condition).
	tokenMap   map[string]string
	tokenMapMu sync.RWMutex

	// arbAssets tracks which asset ids are currently WS-subscribed purely
	// for arbitrage leg pricing (not already covered by a market slot), so
	// they can be unsubscribed when an event drops out of the watched set.
	arbAssets   map[string]bool
	arbAssetsMu sync.Mutex

	lastScanMu sync.Mutex
	lastScan   discovery.MarketScanResult

	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component together. If L2 API credentials aren't
// configured, it derives them via L1 (EIP-712) auth.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	clk := clock.New()

	auth, err := transport.NewAuth(cfg.Wallet, clk, secrets.NewConfigProvider(&cfg))
	if err != nil {
		return nil, err
	}

	rl := ratelimit.New(clk, cfg.RateLimit)
	rest := transport.NewRestClient(cfg.API, cfg.DryRun, auth, rl, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1")
		creds, err := rest.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	mktFeed := transport.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := transport.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	c := cache.New(clk)
	gw := gateway.New(cfg.Gateway, rest, c, clk, logger)

	bl := blacklist.New(cfg.Blacklist.Keywords, cfg.Blacklist.SettlementHorizon, cfg.Blacklist.ManualBlacklistIDs)
	marketScanner := discovery.NewMarketScanner(cfg.API.GammaBaseURL, cfg.Discovery, cfg.Risk, bl, logger)
	eventScanner := discovery.NewEventScanner(cfg.API.GammaBaseURL, cfg.Discovery, bl, logger)

	funnel := marketmaking.NewFunnel(marketmaking.FunnelParams{Discovery: cfg.Discovery, Strategy: cfg.Strategy}, cfg.Discovery.IncludeKeywords, clk)
	coordinator := marketmaking.NewCoordinator()

	riskAgg := portfolio.NewAggregator(cfg.Risk, clk, logger)

	arbScanner := arbitrage.NewScanner(cfg.Arbitrage, c, coordinator, clk, logger)
	arbExecutor := arbitrage.NewExecutor(cfg.Arbitrage, gw, c, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:           cfg,
		clk:           clk,
		logger:        logger.With("component", "supervisor"),
		auth:          auth,
		rest:          rest,
		mktFeed:       mktFeed,
		usrFeed:       usrFeed,
		cache:         c,
		gw:            gw,
		blacklist:     bl,
		marketScanner: marketScanner,
		eventScanner:  eventScanner,
		funnel:        funnel,
		coordinator:   coordinator,
		portfolio:     riskAgg,
		arbScanner:    arbScanner,
		arbExecutor:   arbExecutor,
		slots:         make(map[string]*marketSlot),
		tokenMap:      make(map[string]string),
		arbAssets:     make(map[string]bool),
		dashboardEvents: make(chan api.DashboardEvent, 256),
		ctx:           ctx,
		cancel:        cancel,
	}

	// On feed disconnect, flash-cancel everything immediately rather than
	// waiting for per-market staleness checks to catch up.
	c.RegisterDisconnectHandler(func(reason string) {
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelCancel()
		if err := gw.FlashCancelAll(cancelCtx); err != nil {
			s.logger.Error("flash-cancel-all failed on disconnect", "reason", reason, "error", err)
		}
	})
	mktFeed.OnDisconnect(c.NotifyDisconnect)
	mktFeed.OnRehydrate(s.refreshBooks)

	return s, nil
}

// DashboardEvents returns the channel the optional status endpoint's
// WebSocket hub broadcasts from.
func (s *Supervisor) DashboardEvents() <-chan api.DashboardEvent {
	return s.dashboardEvents
}

func (s *Supervisor) emitDashboardEvent(evt api.DashboardEvent) {
	select {
	case s.dashboardEvents <- evt:
	default:
		s.logger.Warn("dashboard event channel full, dropping event")
	}
}

// refreshBooks re-fetches every currently subscribed asset's order book over
// REST, run once per successful (re)connect so the cache isn't relying on
// incremental WS deltas alone after a gap.
func (s *Supervisor) refreshBooks(ctx context.Context) {
	assetIDs := make(map[string]bool)

	s.slotsMu.RLock()
	for _, slot := range s.slots {
		assetIDs[slot.info.YesTokenID] = true
		assetIDs[slot.info.NoTokenID] = true
	}
	s.slotsMu.RUnlock()

	s.arbAssetsMu.Lock()
	for id := range s.arbAssets {
		assetIDs[id] = true
	}
	s.arbAssetsMu.Unlock()

	for assetID := range assetIDs {
		resp, err := s.rest.GetOrderBook(ctx, assetID)
		if err != nil {
			s.logger.Error("failed to refresh order book", "asset_id", assetID, "error", err)
			continue
		}
		if err := s.cache.ApplySnapshot(assetID, resp.Bids, resp.Asks, resp.Hash); err != nil {
			s.logger.Error("failed to apply refreshed snapshot", "asset_id", assetID, "error", err)
		}
	}
}

// supervise runs fn in a loop, recovering from a panic, logging it, waiting
// restartBackoff, and restarting — until ctx is cancelled.
func (s *Supervisor) supervise(name string, fn func(ctx context.Context)) {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.runOnce(name, fn)
		if s.ctx.Err() != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.clk.After(restartBackoff):
		}
	}
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervised task panicked, restarting after backoff", "task", name, "panic", r)
		}
	}()
	fn(s.ctx)
}

func (s *Supervisor) goSupervised(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go s.supervise(name, fn)
}

// Start launches all background goroutines: WS feeds, scanners, the
// portfolio aggregator, the arbitrage path, event dispatchers, and the main
// market management loop.
func (s *Supervisor) Start() error {
	s.goSupervised("ws_market", s.mktFeed.Run)
	s.goSupervised("ws_user", s.usrFeed.Run)
	s.goSupervised("market_scanner", s.marketScanner.Run)
	s.goSupervised("portfolio", s.portfolio.Run)
	s.goSupervised("dispatch_market", s.dispatchMarketEvents)
	s.goSupervised("dispatch_user", s.dispatchUserEvents)
	s.goSupervised("manage_markets", s.manageMarkets)

	if s.cfg.Arbitrage.Enabled {
		s.goSupervised("event_scanner", s.eventScanner.Run)
		s.goSupervised("arb_scanner", s.arbScanner.Run)
		s.goSupervised("arb_executor", func(ctx context.Context) {
			s.arbExecutor.Run(ctx, s.arbScanner.Opportunities(), s.arbScanner)
		})
		s.goSupervised("event_watch", s.watchEvents)
	}

	return nil
}

// Stop gracefully shuts down: cancels all contexts, sends a cancel-all to
// the exchange as a safety net (all state is transient; nothing is
// persisted, per spec.md §6's "Persisted state: none required"), and waits
// for every goroutine to return.
func (s *Supervisor) Stop() {
	s.logger.Info("shutting down")

	s.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), s.cfg.Strategy.StaleBookTimeout)
	if _, err := s.rest.CancelAll(cancelCtx); err != nil {
		s.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}
	cancelCancel()

	s.wg.Wait()

	s.logger.Info("shutdown complete")
}

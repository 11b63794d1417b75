// Package arbitrage implements the Arbitrage Scanner & Atomic Basket
// Executor: ask-sum-below-1 detection across every outcome of a discovered
// Event, and the best-effort atomic multi-leg execution protocol that
// follows a detected opportunity.
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
	"tradingcore/internal/marketmaking"
	"tradingcore/internal/metrics"
	"tradingcore/pkg/types"
)

// opportunityTTL bounds how long a detected opportunity stays eligible for
// execution once ranked; the book has likely moved past that.
const opportunityTTL = 3 * time.Second

// staleBookMax is how old a leg's cached snapshot may be before the scan
// rejects the whole event rather than trade on stale data.
const staleBookMax = 2 * time.Second

// Scanner watches every subscribed outcome for ask-sum-below-1 opportunities
// across the events registered with it. Detection is event-driven: a cache
// update on any subscribed asset schedules a debounced rescan of every event
// that asset belongs to.
type Scanner struct {
	cfg         config.ArbitrageConfig
	cache       *cache.Cache
	coordinator *marketmaking.Coordinator
	clk         clock.Clock
	logger      *slog.Logger

	mu          sync.Mutex
	events      map[string]types.Event
	assetEvents map[string][]string
	pending     map[string]bool

	activeMu sync.Mutex
	active   map[string]scoredOpportunity

	dirtyCh  chan string
	resultCh chan types.ArbitrageOpportunity
}

type scoredOpportunity struct {
	opp       types.ArbitrageOpportunity
	score     float64
	expiresAt time.Time
}

// NewScanner creates a Scanner. coordinator may be nil if cross-strategy
// netting bonuses aren't desired (e.g. arbitrage-only deployment).
func NewScanner(cfg config.ArbitrageConfig, c *cache.Cache, coordinator *marketmaking.Coordinator, clk clock.Clock, logger *slog.Logger) *Scanner {
	s := &Scanner{
		cfg:         cfg,
		cache:       c,
		coordinator: coordinator,
		clk:         clk,
		logger:      logger.With("component", "arbitrage_scanner"),
		events:      make(map[string]types.Event),
		assetEvents: make(map[string][]string),
		pending:     make(map[string]bool),
		active:      make(map[string]scoredOpportunity),
		dirtyCh:     make(chan string, 4096),
		resultCh:    make(chan types.ArbitrageOpportunity, 256),
	}
	c.RegisterUpdateHandler(s.onCacheUpdate)
	return s
}

func (s *Scanner) onCacheUpdate(assetID string) {
	s.mu.Lock()
	eventIDs := append([]string(nil), s.assetEvents[assetID]...)
	s.mu.Unlock()
	for _, id := range eventIDs {
		select {
		case s.dirtyCh <- id:
		default:
			s.logger.Warn("dirty channel full, dropping rescan trigger", "event_id", id)
		}
	}
}

// SetEvents replaces the set of events under watch, rebuilding the
// asset->event reverse index used to route cache updates to rescans.
func (s *Scanner) SetEvents(events []types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]types.Event, len(events))
	s.assetEvents = make(map[string][]string)
	for _, e := range events {
		s.events[e.EventID] = e
		for _, o := range e.Outcomes {
			s.assetEvents[o.AssetID] = append(s.assetEvents[o.AssetID], e.EventID)
		}
	}
}

// Opportunities returns the channel opportunities are pushed to as they're
// detected, for a consumer that wants to react immediately rather than poll
// Best().
func (s *Scanner) Opportunities() <-chan types.ArbitrageOpportunity {
	return s.resultCh
}

// Run drains debounced rescan triggers until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case eventID := <-s.dirtyCh:
			s.mu.Lock()
			if s.pending[eventID] {
				s.mu.Unlock()
				continue
			}
			s.pending[eventID] = true
			s.mu.Unlock()
			go s.debounceScan(ctx, eventID)
		}
	}
}

func (s *Scanner) debounceScan(ctx context.Context, eventID string) {
	debounce := s.cfg.ScanDebounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-s.clk.After(debounce):
		s.scanEvent(eventID)
	}
	s.mu.Lock()
	delete(s.pending, eventID)
	s.mu.Unlock()
}

// scanEvent computes the ask-sum across every outcome of a single event and,
// if an opportunity survives every check, records it.
func (s *Scanner) scanEvent(eventID string) {
	s.mu.Lock()
	event, ok := s.events[eventID]
	s.mu.Unlock()
	if !ok {
		return
	}

	legs := make([]types.ArbLeg, 0, len(event.Outcomes))
	for _, o := range event.Outcomes {
		if s.cache.IsStale(o.AssetID, staleBookMax) {
			s.logger.Debug("leg stale, skipping event", "event_id", eventID, "asset_id", o.AssetID)
			return
		}
		snap, ok := s.cache.Get(o.AssetID)
		if !ok {
			return
		}
		ask, hasAsk := snap.BestAsk()
		if !hasAsk || len(snap.Asks) == 0 {
			return
		}
		legs = append(legs, types.ArbLeg{AssetID: o.AssetID, AskPrice: ask, AskSize: snap.Asks[0].Size, TickSize: o.TickSize})
	}
	if len(legs) < 2 {
		return
	}

	sumAsks := decimal.Zero
	for _, l := range legs {
		sumAsks = sumAsks.Add(l.AskPrice)
	}

	// Neg-risk normalisation: some neg-risk events quote inverse semantics
	// where the meaningful sum is 1-S rather than S.
	if event.NegRisk {
		inverse := decimal.NewFromInt(1).Sub(sumAsks)
		if inverse.LessThan(sumAsks) {
			sumAsks = inverse
		}
	}

	threshold := decimal.NewFromFloat(0.98)
	if sumAsks.GreaterThanOrEqual(threshold) {
		return
	}

	grossProfit := decimal.NewFromInt(1).Sub(sumAsks)
	takerFee := decimal.NewFromFloat(float64(s.cfg.TakerFeeBps) / 10000)
	n := decimal.NewFromInt(int64(len(legs)))
	netProfit := grossProfit.Sub(sumAsks.Mul(takerFee).Mul(n))

	minProfit := decimal.NewFromFloat(s.cfg.MinProfitPct)
	if netProfit.LessThanOrEqual(minProfit) {
		metrics.Default.IncOpportunitiesRejected("below_min_profit")
		return
	}

	maxShares := legs[0].AskSize
	for _, l := range legs[1:] {
		if l.AskSize.LessThan(maxShares) {
			maxShares = l.AskSize
		}
	}

	requiredCapital := sumAsks.Mul(maxShares)
	if requiredCapital.LessThanOrEqual(decimal.Zero) {
		metrics.Default.IncOpportunitiesRejected("zero_required_capital")
		return
	}
	requiredF, _ := requiredCapital.Float64()
	netF, _ := netProfit.Mul(maxShares).Float64()
	roi := netF / requiredF

	bonus := s.nettingBonus(eventID, legs)

	opp := types.ArbitrageOpportunity{
		EventID:         eventID,
		Legs:            legs,
		SumOfAsks:       sumAsks,
		GrossProfit:     grossProfit,
		NetProfit:       netProfit,
		MaxShares:       maxShares,
		RequiredCapital: requiredCapital,
		ROI:             roi,
		InventoryBonus:  bonus,
		DetectedAt:      s.clk.Now(),
	}

	score := roi * (1 + bonus)

	s.activeMu.Lock()
	s.active[eventID] = scoredOpportunity{opp: opp, score: score, expiresAt: s.clk.Now().Add(opportunityTTL)}
	s.activeMu.Unlock()

	s.logger.Info("arbitrage opportunity detected",
		"event_id", eventID, "sum_asks", sumAsks.String(), "net_profit", netProfit.String(),
		"roi", roi, "netting_bonus", bonus, "max_shares", maxShares.String())

	metrics.Default.IncOpportunitiesDetected()
	profitBps, _ := netProfit.Mul(decimal.NewFromInt(10000)).Float64()
	metrics.Default.ObserveProfitBps(profitBps)

	select {
	case s.resultCh <- opp:
	default:
		s.logger.Warn("opportunity channel full", "event_id", eventID)
	}
}

// nettingBonus scores the cross-strategy bonus: legs that would buy into an
// outcome the market-making strategy is currently net short of reduce the
// bot's aggregate directional exposure, so they're worth scoring higher.
// Market-making inventory is indexed by condition/market id; for two-outcome
// events the event id and the underlying market id coincide, which is the
// only case the coordinator currently has inventory for.
func (s *Scanner) nettingBonus(eventID string, legs []types.ArbLeg) float64 {
	if s.coordinator == nil || s.cfg.NettingBonusPerSharePct <= 0 {
		return 0
	}
	inventory := s.coordinator.GetMarketInventory(eventID)
	if len(inventory) == 0 {
		return 0
	}
	var bonus float64
	for _, l := range legs {
		shares, ok := inventory[l.AssetID]
		if !ok || !shares.IsNegative() {
			continue
		}
		absShares, _ := shares.Abs().Float64()
		bonus += absShares * s.cfg.NettingBonusPerSharePct
	}
	return bonus
}

// Best returns the highest-scored, still-fresh opportunity across every
// watched event, for the executor to act on.
func (s *Scanner) Best() (types.ArbitrageOpportunity, bool) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	now := s.clk.Now()
	var best *scoredOpportunity
	for id, so := range s.active {
		if now.After(so.expiresAt) {
			delete(s.active, id)
			continue
		}
		if best == nil || so.score > best.score {
			local := so
			best = &local
		}
	}
	if best == nil {
		return types.ArbitrageOpportunity{}, false
	}
	return best.opp, true
}

// Clear drops an opportunity from the active set, e.g. after an execution
// attempt (successful or aborted) so the same stale quote isn't retried.
func (s *Scanner) Clear(eventID string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, eventID)
}

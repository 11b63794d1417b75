// Package discovery polls the Gamma API to find tradeable markets (for the
// market-making strategy) and multi-outcome events (for the arbitrage
// scanner), ranking and filtering both before anything downstream ever sees
// them.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradingcore/internal/blacklist"
	"tradingcore/internal/config"
	"tradingcore/internal/errs"
	"tradingcore/pkg/types"
)

// MarketScanResult contains markets ranked by market-making opportunity quality.
type MarketScanResult struct {
	Markets   []types.MarketAllocation
	ScannedAt time.Time
}

// EventScanResult contains multi-outcome events ranked for arbitrage scanning.
type EventScanResult struct {
	Events    []types.Event
	ScannedAt time.Time
}

// MarketScanner periodically polls Gamma /markets for wide-spread binary
// markets and ranks them by:
//
//	score = spread * sqrt(volume24h) * min(liquidity/10000, 1)
type MarketScanner struct {
	httpClient *resty.Client
	cfg        config.DiscoveryConfig
	riskCfg    config.RiskConfig
	blacklist  *blacklist.Manager
	logger     *slog.Logger
	resultCh   chan MarketScanResult
}

// NewMarketScanner creates a market scanner pointed at the Gamma API.
func NewMarketScanner(gammaBaseURL string, cfg config.DiscoveryConfig, riskCfg config.RiskConfig, bl *blacklist.Manager, logger *slog.Logger) *MarketScanner {
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &MarketScanner{
		httpClient: client,
		cfg:        cfg,
		riskCfg:    riskCfg,
		blacklist:  bl,
		logger:     logger.With("component", "discovery.markets"),
		resultCh:   make(chan MarketScanResult, 1),
	}
}

// Results returns the channel consumers read ranked markets from.
func (s *MarketScanner) Results() <-chan MarketScanResult {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *MarketScanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *MarketScanner) scan(ctx context.Context) {
	markets, err := s.fetchMarkets(ctx)
	if err != nil {
		s.logger.Error("market scan failed", "error", err)
		return
	}

	filtered := s.filterMarkets(markets)
	ranked := s.rankMarkets(filtered)

	if len(ranked) > s.riskCfg.MaxMarketsActive {
		ranked = ranked[:s.riskCfg.MaxMarketsActive]
	}

	result := MarketScanResult{Markets: ranked, ScannedAt: time.Now()}

	s.logger.Info("market scan complete",
		"total", len(markets), "filtered", len(filtered), "selected", len(ranked))

	replaceResult(s.resultCh, result)
}

func replaceResult[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (s *MarketScanner) fetchMarkets(ctx context.Context) ([]types.GammaMarket, error) {
	var allMarkets []types.GammaMarket
	offset := 0
	limit := 100

	for {
		var page []types.GammaMarket
		resp, err := s.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: fmt.Errorf("fetch markets page %d: %w", offset, err)}
		}
		if resp.StatusCode() != 200 {
			return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("fetch markets")}
		}

		allMarkets = append(allMarkets, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	return allMarkets, nil
}

// filterMarkets applies hard filters: inactive/closed/no-book, include/
// exclude slug and keyword lists, blacklist (manual/keyword/horizon),
// liquidity/volume/spread thresholds, end-date horizon, missing token IDs.
func (s *MarketScanner) filterMarkets(markets []types.GammaMarket) []types.GammaMarket {
	excluded := toLowerSet(s.cfg.ExcludeSlugs)
	includeConditionIDs := toLowerSet(s.cfg.IncludeConditionIDs)
	includeSlugs := toLowerSet(s.cfg.IncludeSlugs)
	includeKeywords := toLowerList(s.cfg.IncludeKeywords)
	excludeKeywords := toLowerList(s.cfg.ExcludeKeywords)

	hasIncludeFilter := len(includeConditionIDs) > 0 || len(includeSlugs) > 0 || len(includeKeywords) > 0

	now := time.Now()
	maxEnd := now.AddDate(0, 0, s.cfg.MaxEndDateDays)

	var result []types.GammaMarket
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
			continue
		}

		slugLower := strings.ToLower(m.Slug)
		questionLower := strings.ToLower(m.Question)
		conditionLower := strings.ToLower(m.ConditionID)

		if hasIncludeFilter {
			matched := includeConditionIDs[conditionLower] || includeSlugs[slugLower]
			if !matched {
				for _, kw := range includeKeywords {
					if strings.Contains(slugLower, kw) || strings.Contains(questionLower, kw) {
						matched = true
						break
					}
				}
			}
			if !matched {
				continue
			}
		}

		if excluded[slugLower] {
			continue
		}
		if containsAny(slugLower, questionLower, excludeKeywords) {
			continue
		}

		var endDate time.Time
		if m.EndDate != "" {
			parsed, err := time.Parse(time.RFC3339, m.EndDate)
			if err != nil {
				continue
			}
			endDate = parsed
			if endDate.Before(now) || endDate.After(maxEnd) {
				continue
			}
		}

		if s.blacklist != nil {
			if blocked, reason := s.blacklist.IsBlacklisted(m.ID, m.ConditionID, m.Question, endDate, now); blocked {
				s.logger.Debug("market blacklisted", "market", m.ID, "reason", reason)
				continue
			}
		}

		liquidity, _ := strconv.ParseFloat(m.Liquidity, 64)
		if liquidity < s.cfg.MinLiquidity {
			continue
		}
		if m.Volume24hr < s.cfg.MinVolume24h {
			continue
		}
		if m.Spread < s.cfg.MinSpread {
			continue
		}
		if liquidity > 0 && s.cfg.MinVolumeLiquidityRatio > 0 && m.Volume24hr/liquidity < s.cfg.MinVolumeLiquidityRatio {
			continue
		}

		if m.ClobTokenIds == "" {
			continue
		}

		result = append(result, m)
	}

	return result
}

func toLowerSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, v := range in {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out[v] = true
		}
	}
	return out
}

func toLowerList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsAny(slug, question string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(slug, kw) || strings.Contains(question, kw) {
			return true
		}
	}
	return false
}

// rankMarkets scores and sorts markets: score = spread * sqrt(volume) *
// liquidityFactor, where liquidityFactor saturates at 1.0 above $10k.
func (s *MarketScanner) rankMarkets(markets []types.GammaMarket) []types.MarketAllocation {
	type scored struct {
		market types.GammaMarket
		score  float64
	}

	scoredMarkets := make([]scored, 0, len(markets))
	for _, m := range markets {
		liquidity, _ := strconv.ParseFloat(m.Liquidity, 64)
		liquidityFactor := math.Min(liquidity/10000.0, 1.0)
		score := m.Spread * math.Sqrt(m.Volume24hr) * liquidityFactor
		scoredMarkets = append(scoredMarkets, scored{market: m, score: score})
	}

	sort.Slice(scoredMarkets, func(i, j int) bool {
		return scoredMarkets[i].score > scoredMarkets[j].score
	})

	result := make([]types.MarketAllocation, len(scoredMarkets))
	for i, sm := range scoredMarkets {
		result[i] = types.MarketAllocation{
			Market:         convertToMarketInfo(sm.market),
			MaxPositionUSD: decimal.NewFromFloat(s.riskCfg.MaxPositionPerMarket),
			Score:          sm.score,
		}
	}

	return result
}

func convertToMarketInfo(gm types.GammaMarket) types.MarketInfo {
	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)

	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		var ids []string
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &ids); err == nil {
			tokenIDs = ids
		}
	}

	var yesToken, noToken string
	if len(tokenIDs) >= 2 {
		yesToken = tokenIDs[0]
		noToken = tokenIDs[1]
	}

	var tickSize types.TickSize
	switch {
	case gm.OrderPriceMinTickSize == 0.1:
		tickSize = types.Tick01
	case gm.OrderPriceMinTickSize == 0.001:
		tickSize = types.Tick0001
	case gm.OrderPriceMinTickSize == 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	return types.MarketInfo{
		ID:          gm.ID,
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:         gm.Question,
		Category:         gm.Category,
		YesTokenID:       yesToken,
		NoTokenID:        noToken,
		TickSize:         tickSize,
		MinOrderSize:     decimal.NewFromFloat(gm.OrderMinSize),
		NegRisk:          gm.NegRisk,
		Active:           gm.Active,
		Closed:           gm.Closed,
		AcceptingOrders:  gm.AcceptingOrders,
		EndDate:          endDate,
		Liquidity:        decimal.NewFromFloat(liquidity),
		Volume24h:        decimal.NewFromFloat(gm.Volume24hr),
		BestBid:          decimal.NewFromFloat(gm.BestBid),
		BestAsk:          decimal.NewFromFloat(gm.BestAsk),
		Spread:           decimal.NewFromFloat(gm.Spread),
		LastTradePrice:   decimal.NewFromFloat(gm.LastTradePrice),
		RewardsMinSize:   decimal.NewFromFloat(gm.RewardsMinSize),
		RewardsMaxSpread: decimal.NewFromFloat(gm.RewardsMaxSpread),
	}
}

// EventScanner periodically polls Gamma /events for multi-outcome events,
// keeping only events with at least MinOutcomes outcomes and dropping
// neg-risk events whose outcome list still carries unresolved placeholder
// legs (no clobTokenIds yet assigned).
type EventScanner struct {
	httpClient *resty.Client
	cfg        config.DiscoveryConfig
	blacklist  *blacklist.Manager
	logger     *slog.Logger
	resultCh   chan EventScanResult
}

// NewEventScanner creates an event scanner pointed at the Gamma API.
func NewEventScanner(gammaBaseURL string, cfg config.DiscoveryConfig, bl *blacklist.Manager, logger *slog.Logger) *EventScanner {
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &EventScanner{
		httpClient: client,
		cfg:        cfg,
		blacklist:  bl,
		logger:     logger.With("component", "discovery.events"),
		resultCh:   make(chan EventScanResult, 1),
	}
}

func (s *EventScanner) Results() <-chan EventScanResult { return s.resultCh }

func (s *EventScanner) Run(ctx context.Context) {
	s.scan(ctx)

	interval := s.cfg.EventsPollInterval
	if interval <= 0 {
		interval = s.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *EventScanner) scan(ctx context.Context) {
	raw, err := s.fetchEvents(ctx)
	if err != nil {
		s.logger.Error("event scan failed", "error", err)
		return
	}

	minOutcomes := s.cfg.MinOutcomes
	if minOutcomes < 3 {
		minOutcomes = 3
	}

	now := time.Now()
	events := make([]types.Event, 0, len(raw))
	for _, ge := range raw {
		if !ge.Active || ge.Closed {
			continue
		}
		if len(ge.Markets) < minOutcomes {
			continue
		}

		endDate, _ := time.Parse(time.RFC3339, ge.EndDate)

		if s.blacklist != nil {
			if blocked, reason := s.blacklist.IsBlacklisted(ge.ID, "", ge.Title, endDate, now); blocked {
				s.logger.Debug("event blacklisted", "event", ge.ID, "reason", reason)
				continue
			}
		}

		outcomes := make([]types.Outcome, 0, len(ge.Markets))
		hasPlaceholder := false
		for _, m := range ge.Markets {
			var ids []string
			if m.ClobTokenIds == "" || json.Unmarshal([]byte(m.ClobTokenIds), &ids) != nil || len(ids) == 0 {
				hasPlaceholder = true
				break
			}
			outcomes = append(outcomes, types.Outcome{
				AssetID:  ids[0],
				Name:     m.Question,
				TickSize: tickSizeFromFloat(m.OrderPriceMinTickSize),
			})
		}
		if hasPlaceholder {
			// neg-risk event still carrying unresolved placeholder outcomes;
			// skip until every leg has a real clobTokenIds assignment.
			continue
		}

		events = append(events, types.Event{
			EventID:  ge.ID,
			Slug:     ge.Slug,
			Title:    ge.Title,
			Outcomes: outcomes,
			NegRisk:  ge.NegRisk,
			EndDate:  endDate,
		})
	}

	replaceResult(s.resultCh, EventScanResult{Events: events, ScannedAt: now})
	s.logger.Info("event scan complete", "total", len(raw), "eligible", len(events))
}

func (s *EventScanner) fetchEvents(ctx context.Context) ([]types.GammaEvent, error) {
	var allEvents []types.GammaEvent
	offset := 0
	limit := 100

	for {
		var page []types.GammaEvent
		resp, err := s.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/events")
		if err != nil {
			return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: fmt.Errorf("fetch events page %d: %w", offset, err)}
		}
		if resp.StatusCode() != 200 {
			return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("fetch events")}
		}

		allEvents = append(allEvents, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	return allEvents, nil
}

func tickSizeFromFloat(v float64) types.TickSize {
	switch {
	case v == 0.1:
		return types.Tick01
	case v == 0.001:
		return types.Tick0001
	case v == 0.0001:
		return types.Tick00001
	default:
		return types.Tick001
	}
}

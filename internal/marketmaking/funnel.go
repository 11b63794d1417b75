package marketmaking

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

// FunnelParams bundles the two config sections the Tier-1 eligibility
// funnel reads from — discovery thresholds and the risk-adjusted-sizing
// cutoffs that live under strategy.
type FunnelParams struct {
	Discovery config.DiscoveryConfig
	Strategy  config.StrategyConfig
}

// thresholds a deployment hasn't named a config field for; these come
// straight from spec.md §4.6's worked example values.
const (
	maxSpreadPct    = 0.03
	extremeLowPrice = 0.02
	extremeHighPct  = 0.98
	maxTickSize     = "0.01"
)

// Funnel is the Tier-1 eligibility filter: a market passes every layer in
// order or is dropped at the first one it fails. Run against the full
// market list after the blacklist has already removed anything killed at
// that layer.
type Funnel struct {
	params           FunnelParams
	priorityKeywords []string
	clk              clock.Clock
}

// NewFunnel creates a Tier-1 eligibility funnel. priorityKeywords names the
// categories (e.g. "crypto", "politics") eligible for the small-account
// liquidity fallback.
func NewFunnel(params FunnelParams, priorityKeywords []string, clk clock.Clock) *Funnel {
	lowered := make([]string, 0, len(priorityKeywords))
	for _, k := range priorityKeywords {
		lowered = append(lowered, strings.ToLower(k))
	}
	return &Funnel{params: params, priorityKeywords: lowered, clk: clk}
}

// Eligible runs the 8-layer funnel against a single market. portfolioEquityUSD
// is the account's total equity, used by layer 4's small-account fallback.
// Returns (true, "") on acceptance, or (false, layerName) on the first
// rejected layer.
func (f *Funnel) Eligible(m types.MarketInfo, portfolioEquityUSD decimal.Decimal) (bool, string) {
	d := f.params.Discovery
	s := f.params.Strategy

	// Layer 1: time-horizon (redundant with the blacklist's settlement
	// horizon, but enforced per-event here too).
	if d.MaxEndDateDays > 0 && !m.EndDate.IsZero() {
		horizon := time.Duration(d.MaxEndDateDays) * 24 * time.Hour
		if m.EndDate.Before(f.clk.Now()) || m.EndDate.Sub(f.clk.Now()) > horizon {
			return false, "time_horizon"
		}
	}

	// Layer 2: binary check — exactly two outcomes.
	if m.YesTokenID == "" || m.NoTokenID == "" {
		return false, "binary_check"
	}

	// Layer 3: status.
	if !m.Active || m.Closed || !m.AcceptingOrders {
		return false, "status"
	}

	// Layer 4: dynamic liquidity, with small-account fallback for
	// priority-category markets.
	liquidityF, _ := m.Liquidity.Float64()
	threshold := d.MinLiquidity
	if portfolioEquityUSD.LessThan(decimal.NewFromFloat(d.SmallAccountEquityUSD)) && f.isPriorityCategory(m) {
		threshold = d.MinLiquidity * d.SmallAccountRelaxFactor
		if threshold <= 0 {
			threshold = d.MinLiquidity
		}
	}
	if liquidityF < threshold {
		return false, "dynamic_liquidity"
	}

	// Layer 5: microstructure quality.
	spreadF, _ := m.Spread.Float64()
	bidF, _ := m.BestBid.Float64()
	askF, _ := m.BestAsk.Float64()
	if spreadF > maxSpreadPct {
		return false, "microstructure_spread"
	}
	if bidF <= extremeLowPrice {
		return false, "microstructure_extreme_low"
	}
	if askF >= extremeHighPct {
		return false, "microstructure_extreme_high"
	}

	// Layer 6: volume-to-liquidity ratio.
	volF, _ := m.Volume24h.Float64()
	if liquidityF > 0 && d.MinVolumeLiquidityRatio > 0 && volF/liquidityF < d.MinVolumeLiquidityRatio {
		return false, "volume_liquidity_ratio"
	}

	// Layer 7: category match. An empty target-category list means
	// server-side filtering is already in effect (see §6), so this layer
	// is a no-op rather than rejecting every market.
	if len(f.priorityKeywords) > 0 && !f.isPriorityCategory(m) {
		return false, "category_match"
	}

	// Layer 8: risk-adjusted sizing.
	if m.TickSize.Value().GreaterThan(decimal.RequireFromString(maxTickSize)) {
		return false, "risk_adjusted_sizing_tick"
	}
	if m.MinOrderSize.GreaterThan(decimal.NewFromFloat(s.OrderSizeUSD)) {
		return false, "risk_adjusted_sizing_notional"
	}

	return true, ""
}

func (f *Funnel) isPriorityCategory(m types.MarketInfo) bool {
	if len(f.priorityKeywords) == 0 {
		return true
	}
	category := strings.ToLower(m.Category)
	question := strings.ToLower(m.Question)
	for _, kw := range f.priorityKeywords {
		if strings.Contains(category, kw) || strings.Contains(question, kw) {
			return true
		}
	}
	return false
}

// RejectionLog formats a rejection for structured logging at the call site.
func RejectionLog(m types.MarketInfo, layer string) string {
	return fmt.Sprintf("market %s (%s) rejected at layer %s", m.ID, m.Slug, layer)
}

// Package inventory is the Inventory Manager: per-asset position tracking
// (average-cost, realized/unrealized P&L) plus the dynamic risk-aversion
// parameter the market-making strategy needs every quote cycle.
//
// Risk aversion scales with realized volatility:
//
//	gamma = min(gammaBase * (1 + sigmaShort/sigmaLong), gammaMax)
//
// sigmaShort and sigmaLong are the standard deviation of returns over a
// short (e.g. 60s) and long (e.g. 24h) trailing window of mid-price
// samples, so a market that has gotten choppier recently relative to its
// own baseline gets quoted more defensively without any manual retune.
package inventory

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// Manager holds one asset's pkg/types.Position behind a lock, together with
// the mid-price samples DynamicGamma reads.
type Manager struct {
	mu        sync.RWMutex
	assetID   string
	gammaBase float64
	gammaMax  float64

	pos types.Position

	shortWindow time.Duration
	longWindow  time.Duration
	samples     []priceSample
}

type priceSample struct {
	t     time.Time
	price float64
}

// New creates an inventory manager for a single asset.
func New(assetID string, gammaBase, gammaMax float64, shortWindow, longWindow time.Duration) *Manager {
	return &Manager{
		assetID:     assetID,
		gammaBase:   gammaBase,
		gammaMax:    gammaMax,
		shortWindow: shortWindow,
		longWindow:  longWindow,
		pos:         types.Position{AssetID: assetID},
	}
}

// OnFill applies a fill to the position using average-cost accounting.
// Buys increase the position and recompute the weighted average entry
// price; sells realize P&L against the existing average entry and reduce
// the position, zeroing the average entry once the position is flat.
func (m *Manager) OnFill(fill types.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch fill.Side {
	case types.BUY:
		totalCost := m.pos.AvgEntryPrice.Mul(m.pos.Shares).Add(fill.Price.Mul(fill.Size))
		m.pos.Shares = m.pos.Shares.Add(fill.Size)
		if m.pos.Shares.IsPositive() {
			m.pos.AvgEntryPrice = totalCost.Div(m.pos.Shares)
		}
		if m.pos.FirstEntry.IsZero() {
			m.pos.FirstEntry = fill.Timestamp
		}
	case types.SELL:
		matched := fill.Size
		if matched.GreaterThan(m.pos.Shares) {
			matched = m.pos.Shares
		}
		realized := fill.Price.Sub(m.pos.AvgEntryPrice).Mul(matched)
		m.pos.RealizedPnL = m.pos.RealizedPnL.Add(realized)
		m.pos.Shares = m.pos.Shares.Sub(fill.Size)
		if m.pos.Shares.LessThanOrEqual(decimal.Zero) {
			m.pos.AvgEntryPrice = decimal.Zero
		}
	}

	m.pos.LastFill = &fill
	m.pos.LastUpdated = fill.Timestamp
}

// Snapshot returns a copy of the current position.
func (m *Manager) Snapshot() types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

// NetDelta returns the inventory skew used by the quoting formula,
// normalized to [-1, 1]. Positive means net long.
func (m *Manager) NetDelta(maxShares decimal.Decimal) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if maxShares.IsZero() {
		return 0
	}
	q, _ := m.pos.Shares.Div(maxShares).Float64()
	if q > 1 {
		q = 1
	}
	if q < -1 {
		q = -1
	}
	return q
}

// UpdateMarkToMarket recomputes unrealized P&L against the current mid price.
func (m *Manager) UpdateMarkToMarket(mid decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos.UnrealizedPnL = mid.Sub(m.pos.AvgEntryPrice).Mul(m.pos.Shares)

	m.samples = append(m.samples, priceSample{t: time.Now(), price: mustFloat(mid)})
	m.evictStaleSamplesLocked()
}

// RecordPriceSample feeds a mid-price observation into the volatility
// windows without otherwise touching the position (used by callers marking
// to market on every book tick rather than every fill).
func (m *Manager) RecordPriceSample(t time.Time, mid decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, priceSample{t: t, price: mustFloat(mid)})
	m.evictStaleSamplesLocked()
}

func (m *Manager) evictStaleSamplesLocked() {
	if len(m.samples) == 0 {
		return
	}
	cutoff := m.samples[len(m.samples)-1].t.Add(-m.longWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].t.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
}

// TotalExposureUSD returns the USD notional of the current position at mid.
func (m *Manager) TotalExposureUSD(mid decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos.Shares.Mul(mid).Abs()
}

// DynamicGamma returns the volatility-scaled risk-aversion parameter:
// gamma = min(gammaBase * (1 + sigmaShort/sigmaLong), gammaMax). Falls back
// to gammaBase if there isn't enough history in either window yet.
func (m *Manager) DynamicGamma() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	if len(m.samples) > 0 {
		now = m.samples[len(m.samples)-1].t
	}

	sigmaShort := stdDevReturns(m.samples, now.Add(-m.shortWindow))
	sigmaLong := stdDevReturns(m.samples, now.Add(-m.longWindow))

	if sigmaLong <= 0 || sigmaShort <= 0 {
		return m.gammaBase
	}

	gamma := m.gammaBase * (1 + sigmaShort/sigmaLong)
	if gamma > m.gammaMax {
		gamma = m.gammaMax
	}
	return gamma
}

// stdDevReturns computes the standard deviation of consecutive log returns
// among samples at or after cutoff.
func stdDevReturns(samples []priceSample, cutoff time.Time) float64 {
	var prices []float64
	for _, s := range samples {
		if !s.t.Before(cutoff) && s.price > 0 {
			prices = append(prices, s.price)
		}
	}
	if len(prices) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

package marketmaking

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/pkg/types"
)

// FlowTracker implements the reactive toxic-flow circuit breaker: it counts
// recent fills in a rolling window and, combined with order-book imbalance,
// decides whether the market just swept through the quoted size in one
// direction (a sign an informed trader is picking off stale quotes).
type FlowTracker struct {
	mu  sync.Mutex
	clk clock.Clock

	window    time.Duration
	fills     []types.Fill
	threshold int // N_fills

	lastTripAt time.Time
}

// NewFlowTracker creates a reactive circuit breaker: trip when more than
// threshold fills land within window.
func NewFlowTracker(clk clock.Clock, window time.Duration, threshold int) *FlowTracker {
	return &FlowTracker{clk: clk, window: window, threshold: threshold}
}

// AddFill records a fill and evicts anything outside the window.
func (ft *FlowTracker) AddFill(fill types.Fill) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.fills = append(ft.fills, fill)
	ft.evictStaleLocked()
}

func (ft *FlowTracker) evictStaleLocked() {
	if len(ft.fills) == 0 {
		return
	}
	cutoff := ft.clk.Now().Add(-ft.window)
	i := 0
	for i < len(ft.fills) && ft.fills[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		ft.fills = ft.fills[i:]
	}
}

// FillCount returns the number of fills currently inside the window.
func (ft *FlowTracker) FillCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.evictStaleLocked()
	return len(ft.fills)
}

// ShouldTrip reports whether fill velocity plus order-book imbalance cross
// the reactive breaker's threshold: fill-velocity > N_fills per window AND
// |OBI| > obiThreshold.
func (ft *FlowTracker) ShouldTrip(obi float64, obiThreshold float64) bool {
	count := ft.FillCount()
	return count > ft.threshold && math.Abs(obi) > obiThreshold
}

// MarkoutSample is one fill's delayed markout measurement.
type MarkoutSample struct {
	Markout float64
	At      time.Time
}

// MarkoutTracker implements the adverse-selection self-tune: every fill's
// P&L is measured `delay` later against the then-current mid. A persistent
// negative mean markout means the book is adversely selecting the bot's
// quotes, so spread and skew sensitivity widen; a persistent positive run
// resets them.
type MarkoutTracker struct {
	mu sync.Mutex

	delay      time.Duration
	sampleSize int

	negStreakThreshold int
	widenFactor        float64
	maxWiden           float64
	resetStreak        int

	samples        []MarkoutSample
	currentWiden   float64
	negStreak      int
	posStreak      int
}

// NewMarkoutTracker creates a tracker using the thresholds spec.md §4.6
// describes: delay (e.g. 5s), sampleSize (e.g. 20), negStreakThreshold
// (e.g. 10 consecutive negative-mean windows), widenFactor (1.15), maxWiden
// (2.5), resetStreak (10 consecutive positive windows).
func NewMarkoutTracker(delay time.Duration, sampleSize, negStreakThreshold int, widenFactor, maxWiden float64, resetStreak int) *MarkoutTracker {
	return &MarkoutTracker{
		delay:              delay,
		sampleSize:         sampleSize,
		negStreakThreshold: negStreakThreshold,
		widenFactor:        widenFactor,
		maxWiden:           maxWiden,
		resetStreak:        resetStreak,
		currentWiden:       1.0,
	}
}

// Delay is the markout measurement delay.
func (mt *MarkoutTracker) Delay() time.Duration { return mt.delay }

// RecordMarkout adds a completed markout measurement:
// markout = (mid_{t+delay} - fill_price) * side_sign.
func (mt *MarkoutTracker) RecordMarkout(fillPrice, midAtDelay decimal.Decimal, side types.Side, at time.Time) {
	sign := 1.0
	if side == types.SELL {
		sign = -1.0
	}
	diff, _ := midAtDelay.Sub(fillPrice).Float64()
	markout := diff * sign

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.samples = append(mt.samples, MarkoutSample{Markout: markout, At: at})
	if len(mt.samples) > mt.sampleSize {
		mt.samples = mt.samples[len(mt.samples)-mt.sampleSize:]
	}

	if len(mt.samples) < 10 {
		return
	}

	mean := meanMarkout(mt.samples)
	if mean < 0 {
		mt.negStreak++
		mt.posStreak = 0
		if mt.negStreak >= mt.negStreakThreshold {
			mt.currentWiden *= mt.widenFactor
			if mt.currentWiden > mt.maxWiden {
				mt.currentWiden = mt.maxWiden
			}
			mt.negStreak = 0
		}
	} else {
		mt.posStreak++
		mt.negStreak = 0
		if mt.posStreak >= mt.resetStreak {
			mt.currentWiden = 1.0
			mt.posStreak = 0
		}
	}
}

func meanMarkout(samples []MarkoutSample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.Markout
	}
	return sum / float64(len(samples))
}

// WidenFactor returns the current multiplier applied to base half-spread
// and skew sensitivity (1.0 under normal conditions, up to maxWiden under
// sustained adverse selection).
func (mt *MarkoutTracker) WidenFactor() float64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.currentWiden == 0 {
		return 1.0
	}
	return mt.currentWiden
}

// priceSample is one mid-price observation fed to the volatility detector.
type priceSample struct {
	price float64
	at    time.Time
}

// VolatilityDetector maintains short and long trailing mid-price windows
// and computes the drift-clamped z-score spec.md §4.6 describes: when the
// short-window mean diverges from the long-window mean by more than
// zScoreClamp standard deviations of the long window, volatility-driven
// quote adjustments are clamped to that many std devs rather than chasing
// the spike.
type VolatilityDetector struct {
	mu sync.Mutex

	shortSamples int
	longSamples  int
	zScoreClamp  float64

	history []priceSample
}

// NewVolatilityDetector creates a detector using the short/long sample
// counts and clamp threshold from config.StrategyConfig.
func NewVolatilityDetector(shortSamples, longSamples int, zScoreClamp float64) *VolatilityDetector {
	return &VolatilityDetector{shortSamples: shortSamples, longSamples: longSamples, zScoreClamp: zScoreClamp}
}

// RecordPrice appends a mid-price sample, evicting anything beyond the long
// window's capacity.
func (vd *VolatilityDetector) RecordPrice(mid decimal.Decimal, at time.Time) {
	f, _ := mid.Float64()
	vd.mu.Lock()
	defer vd.mu.Unlock()
	vd.history = append(vd.history, priceSample{price: f, at: at})
	if len(vd.history) > vd.longSamples {
		vd.history = vd.history[len(vd.history)-vd.longSamples:]
	}
}

// ZScore returns the z-score clamp factor in [0,1]: 1.0 means no clamping
// needed, values below 1.0 scale a caller's volatility-driven adjustment
// down to zScoreClamp standard deviations of the long window.
func (vd *VolatilityDetector) ZScore() (clampFactor float64, triggered bool) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	if len(vd.history) < vd.longSamples {
		return 1.0, false
	}

	longMean, longStd := meanStd(vd.history)
	if longStd == 0 {
		return 1.0, false
	}

	shortWindow := vd.history
	if len(shortWindow) > vd.shortSamples {
		shortWindow = shortWindow[len(shortWindow)-vd.shortSamples:]
	}
	shortMean, _ := meanStd(shortWindow)

	z := math.Abs(shortMean-longMean) / longStd
	if z <= vd.zScoreClamp {
		return 1.0, false
	}
	return vd.zScoreClamp / z, true
}

func meanStd(samples []priceSample) (mean, std float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.price
	}
	mean = sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s.price - mean
		variance += d * d
	}
	if len(samples) > 1 {
		variance /= float64(len(samples) - 1)
	}
	return mean, math.Sqrt(variance)
}

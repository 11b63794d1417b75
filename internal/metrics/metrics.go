// Package metrics holds lightweight in-process counters and latency samples
// for the status endpoint (internal/api) to expose as a JSON snapshot.
//
// There's no Prometheus registry here and no scrape endpoint: the counters
// are plain atomics behind a package-level Registry, read by the status
// endpoint on each request. Naming follows the *_total / *_bps convention of
// a Prometheus counter/histogram pair without actually being one.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Registry is the process-wide metrics store. Use the package-level Default
// unless a test needs an isolated instance.
type Registry struct {
	opportunitiesDetected  atomic.Int64
	opportunitiesRejected  atomic.Int64
	opportunitiesExecuted  atomic.Int64
	opportunitiesFailed    atomic.Int64
	quotesPlaced           atomic.Int64
	quotesCancelled        atomic.Int64
	fillsReceived          atomic.Int64
	ordersRejected         atomic.Int64
	killSwitchTrips        atomic.Int64

	mu           sync.Mutex
	profitBps    sampleWindow
	fillLatency  sampleWindow
	rejectReasons map[string]int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		rejectReasons: make(map[string]int64),
	}
}

// Default is the process-wide registry wired into every component that
// reports metrics; internal/api reads it when building a status snapshot.
var Default = New()

// IncOpportunitiesDetected counts one arbitrage opportunity surfacing above
// the configured spread threshold, before fee/profitability filtering.
func (r *Registry) IncOpportunitiesDetected() { r.opportunitiesDetected.Add(1) }

// IncOpportunitiesRejected counts one opportunity discarded after detection
// (negative net profit, stale book, below min size, ...), tagged by reason.
func (r *Registry) IncOpportunitiesRejected(reason string) {
	r.opportunitiesRejected.Add(1)
	r.mu.Lock()
	r.rejectReasons[reason]++
	r.mu.Unlock()
}

// IncOpportunitiesExecuted counts one basket that reached full execution.
func (r *Registry) IncOpportunitiesExecuted() { r.opportunitiesExecuted.Add(1) }

// IncOpportunitiesFailed counts one basket that failed or had to unwind.
func (r *Registry) IncOpportunitiesFailed() { r.opportunitiesFailed.Add(1) }

// IncQuotesPlaced counts one resting order placed by the market-making
// strategy (bid or ask, counted separately by the caller if needed).
func (r *Registry) IncQuotesPlaced() { r.quotesPlaced.Add(1) }

// IncQuotesCancelled counts one resting order cancelled, whether replaced on
// the next quote cycle or pulled by a risk/staleness guard.
func (r *Registry) IncQuotesCancelled() { r.quotesCancelled.Add(1) }

// IncFillsReceived counts one fill applied to an inventory manager.
func (r *Registry) IncFillsReceived() { r.fillsReceived.Add(1) }

// IncOrdersRejected counts one order rejected by the gateway's pre-trade
// checks or the exchange itself.
func (r *Registry) IncOrdersRejected() { r.ordersRejected.Add(1) }

// IncKillSwitchTrips counts one portfolio kill-switch activation.
func (r *Registry) IncKillSwitchTrips() { r.killSwitchTrips.Add(1) }

// ObserveProfitBps records a realized or estimated arbitrage profit margin,
// in basis points, into the recent-activity window.
func (r *Registry) ObserveProfitBps(bps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profitBps.add(bps)
}

// ObserveFillLatency records the time in milliseconds between order
// submission and a leg's first fill.
func (r *Registry) ObserveFillLatency(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fillLatency.add(ms)
}

// Snapshot is a point-in-time copy of every counter and sample summary, safe
// to marshal directly to JSON.
type Snapshot struct {
	OpportunitiesDetected int64 `json:"opportunities_detected_total"`
	OpportunitiesRejected int64 `json:"opportunities_rejected_total"`
	OpportunitiesExecuted int64 `json:"opportunities_executed_total"`
	OpportunitiesFailed   int64 `json:"opportunities_failed_total"`
	QuotesPlaced          int64 `json:"quotes_placed_total"`
	QuotesCancelled       int64 `json:"quotes_cancelled_total"`
	FillsReceived         int64 `json:"fills_received_total"`
	OrdersRejected        int64 `json:"orders_rejected_total"`
	KillSwitchTrips       int64 `json:"kill_switch_trips_total"`

	RejectReasons map[string]int64 `json:"reject_reasons"`

	ProfitBps   WindowStats `json:"profit_bps"`
	FillLatency WindowStats `json:"fill_latency_ms"`
}

// Snapshot copies out the current state of every counter and window.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	reasons := make(map[string]int64, len(r.rejectReasons))
	for k, v := range r.rejectReasons {
		reasons[k] = v
	}

	return Snapshot{
		OpportunitiesDetected: r.opportunitiesDetected.Load(),
		OpportunitiesRejected: r.opportunitiesRejected.Load(),
		OpportunitiesExecuted: r.opportunitiesExecuted.Load(),
		OpportunitiesFailed:   r.opportunitiesFailed.Load(),
		QuotesPlaced:          r.quotesPlaced.Load(),
		QuotesCancelled:       r.quotesCancelled.Load(),
		FillsReceived:         r.fillsReceived.Load(),
		OrdersRejected:        r.ordersRejected.Load(),
		KillSwitchTrips:       r.killSwitchTrips.Load(),
		RejectReasons:         reasons,
		ProfitBps:             r.profitBps.stats(),
		FillLatency:           r.fillLatency.stats(),
	}
}

// WindowStats summarizes a sampleWindow for the status endpoint: count, min,
// max, and mean over whatever samples are currently retained.
type WindowStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// sampleWindowCap bounds memory: only the most recent N samples are kept,
// old ones are dropped FIFO. This is a rolling summary for the status
// endpoint, not a durable histogram.
const sampleWindowCap = 512

// sampleWindow is a fixed-capacity ring buffer of float64 samples. Not
// safe for concurrent use on its own; callers hold Registry.mu.
type sampleWindow struct {
	samples []float64
	next    int
	full    bool
}

func (w *sampleWindow) add(v float64) {
	if w.samples == nil {
		w.samples = make([]float64, sampleWindowCap)
	}
	w.samples[w.next] = v
	w.next = (w.next + 1) % sampleWindowCap
	if w.next == 0 {
		w.full = true
	}
}

func (w *sampleWindow) stats() WindowStats {
	n := w.next
	if w.full {
		n = sampleWindowCap
	}
	if n == 0 {
		return WindowStats{}
	}

	min, max, sum := w.samples[0], w.samples[0], 0.0
	for i := 0; i < n; i++ {
		v := w.samples[i]
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return WindowStats{
		Count: n,
		Min:   min,
		Max:   max,
		Mean:  sum / float64(n),
	}
}

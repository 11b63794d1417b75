// Package ratelimit implements per-endpoint-class rate limiting for the
// exchange API.
//
// The venue enforces limits measured in requests per 10-second windows. The
// Order and Cancel buckets use a continuous-refill fractional token bucket
// (refilling smoothly rather than in 10s bursts, to avoid hammering the
// edge of the window) sized to spec.md §4.2's defaults. The Read bucket
// (order book / market data polling) is backed by golang.org/x/time/rate,
// which offers the same continuous-refill behavior through a well-known
// library for the class of calls that don't need the venue-specific retry
// characteristics the order/cancel path does.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradingcore/internal/clock"
	"tradingcore/internal/config"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled. Uses an injected Clock so tests can drive refill deterministically.
type TokenBucket struct {
	mu       sync.Mutex
	clock    clock.Clock
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(clk clock.Clock, capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		clock:    clk,
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: clk.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := tb.clock.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tb.clock.After(wait):
			// retry
		}
	}
}

// Tokens returns the current fractional token count, for tests and metrics.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// Limiter groups the per-endpoint-class rate limiters. Every trading
// operation must call the appropriate Wait() before making the HTTP request
// — this is the only place rate limiting happens, so no caller can bypass it.
type Limiter struct {
	Order  *TokenBucket  // POST /order(s) — placing new orders
	Cancel *TokenBucket  // DELETE /order(s), /cancel-all, /cancel-market-orders
	Read   *rate.Limiter // GET /book, /markets, /events — market data reads
}

// New creates rate limiters from config, defaulting to spec.md §4.2's
// numbers when a field is unset (zero value).
func New(clk clock.Clock, cfg config.RateLimitConfig) *Limiter {
	orderRate := cfg.OrderRatePerSec
	if orderRate == 0 {
		orderRate = 10
	}
	orderBurst := cfg.OrderBurst
	if orderBurst == 0 {
		orderBurst = 20
	}
	cancelRate := cfg.CancelRatePerSec
	if cancelRate == 0 {
		cancelRate = 10
	}
	cancelBurst := cfg.CancelBurst
	if cancelBurst == 0 {
		cancelBurst = 20
	}
	readRate := cfg.ReadRatePerSec
	if readRate == 0 {
		readRate = 50
	}
	readBurst := cfg.ReadBurst
	if readBurst == 0 {
		readBurst = 100
	}

	return &Limiter{
		Order:  NewTokenBucket(clk, orderBurst, orderRate),
		Cancel: NewTokenBucket(clk, cancelBurst, cancelRate),
		Read:   rate.NewLimiter(rate.Limit(readRate), readBurst),
	}
}

// WaitRead blocks until a read-class token is available or ctx is cancelled.
func (l *Limiter) WaitRead(ctx context.Context) error {
	return l.Read.Wait(ctx)
}

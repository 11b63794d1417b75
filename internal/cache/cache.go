// Package cache is the Market Data Manager & State Cache: the single
// in-memory source of truth for order book state, keyed by asset id. It
// applies snapshot and incremental events from the WebSocket market feed
// and exposes a read-only, concurrency-safe view to every consumer
// (market-making quoting, arbitrage scanning, the status endpoint).
//
// Unlike a single binary market's two-sided book, this cache holds one
// OrderBookSnapshot per asset (outcome), so it serves both two-outcome
// markets and N-outcome events uniformly.
package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/internal/errs"
	"tradingcore/pkg/types"
)

// DisconnectHandler is invoked when the underlying feed disconnects, before
// any reconnect attempt begins, so consumers can react (e.g. flash-cancel
// resting orders) while the cache still holds the last-known book.
type DisconnectHandler func(reason string)

// UpdateHandler is invoked after every successful book mutation for an asset.
type UpdateHandler func(assetID string)

// Cache is the concurrency-safe per-asset order book store.
type Cache struct {
	clk clock.Clock

	mu      sync.RWMutex
	books   map[string]types.OrderBookSnapshot // assetID -> snapshot
	updated map[string]time.Time               // assetID -> last update time

	handlersMu         sync.Mutex
	updateHandlers     []UpdateHandler
	disconnectHandlers []DisconnectHandler
}

// New creates an empty cache.
func New(clk clock.Clock) *Cache {
	return &Cache{
		clk:     clk,
		books:   make(map[string]types.OrderBookSnapshot),
		updated: make(map[string]time.Time),
	}
}

// RegisterUpdateHandler subscribes to every book mutation.
func (c *Cache) RegisterUpdateHandler(h UpdateHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.updateHandlers = append(c.updateHandlers, h)
}

// RegisterDisconnectHandler subscribes to feed disconnect notifications.
// Handlers run synchronously, before the feed begins reconnecting, so a
// handler that flash-cancels resting orders is guaranteed to run against
// the last-known book rather than racing a fresh snapshot.
func (c *Cache) RegisterDisconnectHandler(h DisconnectHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.disconnectHandlers = append(c.disconnectHandlers, h)
}

// NotifyDisconnect runs all registered disconnect handlers. Called by the
// transport layer immediately on detecting a dropped connection, before any
// reconnect/backoff logic runs.
func (c *Cache) NotifyDisconnect(reason string) {
	c.handlersMu.Lock()
	handlers := append([]DisconnectHandler(nil), c.disconnectHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (c *Cache) notifyUpdate(assetID string) {
	c.handlersMu.Lock()
	handlers := append([]UpdateHandler(nil), c.updateHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(assetID)
	}
}

// Get returns the current snapshot for an asset and whether it exists.
func (c *Cache) Get(assetID string) (types.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.books[assetID]
	return snap, ok
}

// ApplySnapshot replaces the entire book for an asset (a "book" WS event).
func (c *Cache) ApplySnapshot(assetID string, bids, asks []types.PriceLevel, hash string) error {
	bidLevels, err := parseLevels(bids)
	if err != nil {
		return err
	}
	askLevels, err := parseLevels(asks)
	if err != nil {
		return err
	}

	now := c.clk.Now()
	snap := types.OrderBookSnapshot{
		AssetID:   assetID,
		Bids:      bidLevels,
		Asks:      askLevels,
		Hash:      hash,
		Timestamp: now,
	}

	c.mu.Lock()
	c.books[assetID] = snap
	c.updated[assetID] = now
	c.mu.Unlock()

	c.notifyUpdate(assetID)
	return nil
}

// ApplyPriceChange mutates individual levels of an existing book in place.
// A size of zero removes the level; any other size upserts it, replacing
// the level at that price if present or inserting in sorted order
// otherwise. Unlike a naive "touch the timestamp only" implementation, this
// is the operation that actually keeps the cached book correct between
// snapshots.
func (c *Cache) ApplyPriceChange(assetID string, side types.Side, price, size decimal.Decimal, hash string) error {
	if price.IsNegative() || size.IsNegative() {
		return &errs.DataValidationError{Reason: "price_change with negative price or size"}
	}

	now := c.clk.Now()

	c.mu.Lock()
	snap, ok := c.books[assetID]
	if !ok {
		snap = types.OrderBookSnapshot{AssetID: assetID}
	}

	switch side {
	case types.BUY:
		snap.Bids = upsertLevel(snap.Bids, price, size, true)
	case types.SELL:
		snap.Asks = upsertLevel(snap.Asks, price, size, false)
	default:
		c.mu.Unlock()
		return &errs.DataValidationError{Reason: "price_change with unknown side"}
	}
	snap.Hash = hash
	snap.Timestamp = now

	c.books[assetID] = snap
	c.updated[assetID] = now
	c.mu.Unlock()

	c.notifyUpdate(assetID)
	return nil
}

// upsertLevel inserts, replaces, or removes a single price level, keeping
// bids sorted descending and asks sorted ascending.
func upsertLevel(levels []types.DecimalLevel, price, size decimal.Decimal, descending bool) []types.DecimalLevel {
	idx := -1
	for i, lvl := range levels {
		if lvl.Price.Equal(price) {
			idx = i
			break
		}
	}

	if size.IsZero() {
		if idx >= 0 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if idx >= 0 {
		levels[idx].Size = size
		return levels
	}

	newLevel := types.DecimalLevel{Price: price, Size: size}
	insertAt := len(levels)
	for i, lvl := range levels {
		if descending && price.GreaterThan(lvl.Price) {
			insertAt = i
			break
		}
		if !descending && price.LessThan(lvl.Price) {
			insertAt = i
			break
		}
	}
	levels = append(levels, types.DecimalLevel{})
	copy(levels[insertAt+1:], levels[insertAt:])
	levels[insertAt] = newLevel
	return levels
}

func parseLevels(raw []types.PriceLevel) ([]types.DecimalLevel, error) {
	out := make([]types.DecimalLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, &errs.DataValidationError{Reason: "unparseable price level: " + lvl.Price}
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			return nil, &errs.DataValidationError{Reason: "unparseable size level: " + lvl.Size}
		}
		out = append(out, types.DecimalLevel{Price: price, Size: size})
	}
	return out, nil
}

// IsStale reports whether the asset's book hasn't updated within maxAge, or
// has never been populated at all.
func (c *Cache) IsStale(assetID string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.updated[assetID]
	if !ok {
		return true
	}
	return c.clk.Now().Sub(last) > maxAge
}

// LastUpdated returns the last time the asset's book changed.
func (c *Cache) LastUpdated(assetID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.updated[assetID]
	return t, ok
}

package marketmaking

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Coordinator implements the Cross-Strategy Coordinator: a tiny read-only
// interface the arbitrage scorer consumes to learn the market-making
// strategy's current per-asset exposure, so a netting opportunity can be
// scored higher. It never exposes anything that lets the arb path mutate
// market-making state.
type Coordinator struct {
	mu      sync.RWMutex
	makers  map[string]*Maker   // marketID (condition id) -> maker
	markets map[string][]string // marketID -> [yesTokenID, noTokenID]
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		makers:  make(map[string]*Maker),
		markets: make(map[string][]string),
	}
}

// Register adds a maker's market to the coordinator's index.
func (c *Coordinator) Register(marketID string, maker *Maker) {
	yes, no := maker.Outcomes()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.makers[marketID] = maker
	c.markets[marketID] = []string{yes, no}
}

// Unregister removes a market, e.g. when its maker shuts down.
func (c *Coordinator) Unregister(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.makers, marketID)
	delete(c.markets, marketID)
}

// GetMarketInventory returns the signed share count per asset id for a
// market currently quoted by the market-making strategy. Returns an empty
// map if the market isn't being made.
func (c *Coordinator) GetMarketInventory(marketID string) map[string]decimal.Decimal {
	c.mu.RLock()
	maker, ok := c.makers[marketID]
	c.mu.RUnlock()
	if !ok {
		return map[string]decimal.Decimal{}
	}

	pos := maker.InventorySnapshot()
	return map[string]decimal.Decimal{pos.AssetID: pos.Shares}
}

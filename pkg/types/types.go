// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order types, market
// and event metadata, order book snapshots, fills, and WebSocket event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// All price, size, and money quantities are decimal.Decimal, never float64.
// The venue quotes prices to 4 decimal places and the arbitrage path sums
// across several legs; float64 accumulates rounding error exactly where it
// matters most (tick boundaries, profit thresholds), so every numeric field
// that crosses a component boundary uses the decimal type.
package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order time-in-force values.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fills entirely immediately or is cancelled
	OrderTypeIOC OrderType = "IOC" // Immediate-Or-Cancel: fills what it can, remainder cancels
)

// OrderState is the lifecycle state of a tracked order.
type OrderState string

const (
	OrderPending        OrderState = "PENDING"
	OrderOpen           OrderState = "OPEN"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled         OrderState = "FILLED"
	OrderCancelled      OrderState = "CANCELLED"
	OrderRejected       OrderState = "REJECTED"
)

// IsTerminal reports whether the state is one from which no further
// transition is possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int32 {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int32 {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Value returns the tick size as a decimal (e.g. "0.01" -> 0.01).
func (t TickSize) Value() decimal.Decimal {
	d, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.NewFromFloat(0.01)
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Market / Event / Outcome (spec §3 Data Model)
// ————————————————————————————————————————————————————————————————————————

// Outcome is one tradeable leg of an Event: a single asset with its market
// metadata. Binary markets are represented as two-outcome events.
type Outcome struct {
	AssetID  string // CLOB token ID — the Asset identifier
	Name     string // e.g. "Yes", "Democratic Nominee"
	TickSize TickSize
}

// Event is a mutually-exclusive group of one or more markets with N >= 2
// outcomes; exactly one will settle to 1.0, the rest to 0.0.
type Event struct {
	EventID     string
	Slug        string
	Title       string
	Outcomes    []Outcome
	NegRisk     bool // additional unnamed placeholder outcomes may exist
	EndDate     time.Time
	Liquidity   decimal.Decimal
	Volume24h   decimal.Decimal
}

// MarketInfo is the internal representation of a tradeable binary market —
// a two-outcome Event specialised for the market-making path.
type MarketInfo struct {
	ID          string // Gamma market ID
	ConditionID string // CTF condition ID (cancels + user WS subscription)
	Slug        string
	Question    string
	Category    string // tag/category used by the Tier-1 eligibility funnel

	YesTokenID string
	NoTokenID  string

	TickSize     TickSize
	MinOrderSize decimal.Decimal
	NegRisk      bool

	Active          bool
	Closed          bool
	AcceptingOrders bool
	EndDate         time.Time
	Liquidity       decimal.Decimal
	Volume24h       decimal.Decimal

	BestBid        decimal.Decimal
	BestAsk        decimal.Decimal
	Spread         decimal.Decimal
	LastTradePrice decimal.Decimal

	RewardsMinSize   decimal.Decimal
	RewardsMaxSpread decimal.Decimal
}

// MarketAllocation is emitted by discovery to tell the strategy layer which
// markets to trade and how much capital to allocate.
type MarketAllocation struct {
	Market         MarketInfo
	MaxPositionUSD decimal.Decimal
	Score          float64 // composite opportunity score, dimensionless ranking only
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order request produced by a strategy. The
// gateway converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	ClientOrderID string // assigned before any network call, for idempotent tracking
	TokenID       string
	Price         decimal.Decimal
	Size          decimal.Decimal
	Side          Side
	OrderType     OrderType // GTC, FOK, or IOC
	PostOnly      bool
	TickSize      TickSize
	Expiration    int64 // unix timestamp, 0 = no expiry
	FeeRateBps    int

	// BasketID groups orders that belong to the same atomic arbitrage
	// attempt; empty for market-making orders.
	BasketID string
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /order(s).
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

// OrderResponse is the REST API response for each order in a batch POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// OpenOrder represents a live order tracked by the Execution Gateway.
type OpenOrder struct {
	ID            string
	ClientOrderID string
	BasketID      string
	Market        string // condition ID
	AssetID       string
	Side          Side
	Price         decimal.Decimal
	OriginalSize  decimal.Decimal
	SizeMatched   decimal.Decimal
	TIF           OrderType
	PostOnly      bool
	State         OrderState
	Fills         []Fill
	PlacedAt      time.Time
}

// RemainingSize is the order's unfilled quantity.
func (o OpenOrder) RemainingSize() decimal.Decimal {
	return o.OriginalSize.Sub(o.SizeMatched)
}

// CancelResponse is returned by DELETE /order(s), /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// QuotePair represents the desired bid and ask the strategy wants active for
// a single market. Nil means that side should be pulled (no order).
type QuotePair struct {
	MarketID    string
	YesTokenID  string
	NoTokenID   string
	Bid         *UserOrder
	Ask         *UserOrder
	GeneratedAt time.Time
	Skew        float64 // inventory skew used to generate this quote, for hysteresis comparison
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book. Price and Size
// arrive as strings over the wire to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// DecimalLevel is a (price, size) pair after decimal parsing.
type DecimalLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a point-in-time view of one asset's order book.
type OrderBookSnapshot struct {
	AssetID   string
	Bids      []DecimalLevel // sorted descending by price (best bid first)
	Asks      []DecimalLevel // sorted ascending by price (best ask first)
	Hash      string
	Timestamp time.Time
}

// BestBid returns the top of book bid, or false if empty.
func (s OrderBookSnapshot) BestBid() (decimal.Decimal, bool) {
	if len(s.Bids) == 0 {
		return decimal.Zero, false
	}
	return s.Bids[0].Price, true
}

// BestAsk returns the top of book ask, or false if empty.
func (s OrderBookSnapshot) BestAsk() (decimal.Decimal, bool) {
	if len(s.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.Asks[0].Price, true
}

// MicroPrice returns the volume-weighted mid:
// (bid_size*best_ask + ask_size*best_bid) / (bid_size+ask_size).
// Returns a zero value and false if either side of the book is empty, and
// falls back to the simple mid if both top-of-book sizes are zero.
func (s OrderBookSnapshot) MicroPrice() (decimal.Decimal, bool) {
	bid, hasBid := s.BestBid()
	ask, hasAsk := s.BestAsk()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	bidSize := s.Bids[0].Size
	askSize := s.Asks[0].Size
	denom := bidSize.Add(askSize)
	if denom.IsZero() {
		return bid.Add(ask).Div(decimal.NewFromInt(2)), true
	}
	num := bidSize.Mul(ask).Add(askSize.Mul(bid))
	return num.Div(denom), true
}

// Mid returns the simple midpoint (bestBid+bestAsk)/2.
func (s OrderBookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, hasBid := s.BestBid()
	ask, hasAsk := s.BestAsk()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Spread returns bestAsk - bestBid.
func (s OrderBookSnapshot) Spread() (decimal.Decimal, bool) {
	bid, hasBid := s.BestBid()
	ask, hasAsk := s.BestAsk()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// OBI (order-book imbalance) is the normalised difference of aggregated bid
// and ask size across every displayed level: (sumBid - sumAsk) / (sumBid + sumAsk).
func (s OrderBookSnapshot) OBI() (float64, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, false
	}
	var bidSize, askSize decimal.Decimal
	for _, lvl := range s.Bids {
		bidSize = bidSize.Add(lvl.Size)
	}
	for _, lvl := range s.Asks {
		askSize = askSize.Add(lvl.Size)
	}
	denom := bidSize.Add(askSize)
	if denom.IsZero() {
		return 0, false
	}
	num := bidSize.Sub(askSize)
	f, _ := num.Div(denom).Float64()
	return f, true
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and Fills
// ————————————————————————————————————————————————————————————————————————

// Fill records a single execution.
type Fill struct {
	Timestamp time.Time
	Side      Side
	AssetID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	TradeID   string
	OrderID   string
}

// Position is a per-asset holding, owned by the Inventory Manager.
type Position struct {
	AssetID       string
	Shares        decimal.Decimal // signed: positive = long
	AvgEntryPrice decimal.Decimal
	FirstEntry    time.Time
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastFill      *Fill
	LastUpdated   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Arbitrage
// ————————————————————————————————————————————————————————————————————————

// ArbLeg is one outcome's quoted price and available size at detection time.
type ArbLeg struct {
	AssetID  string
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	TickSize TickSize
}

// ArbitrageOpportunity is an ephemeral record of a detected ask-sum-below-1
// basket across all outcomes of an Event.
type ArbitrageOpportunity struct {
	EventID          string
	Legs             []ArbLeg
	SumOfAsks        decimal.Decimal
	GrossProfit      decimal.Decimal // per share, before fees
	NetProfit        decimal.Decimal // per share, after taker fees
	MaxShares        decimal.Decimal // min over legs of displayed ask size
	RequiredCapital  decimal.Decimal
	ROI              float64 // net profit / required capital
	InventoryBonus   float64 // cross-strategy netting bonus applied to ROI
	DetectedAt       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at that level (0 = removed)
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSLastTradeEvent updates the last-trade price only.
type WSLastTradeEvent struct {
	EventType string `json:"event_type"` // "last_trade_price"
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Outcome   string `json:"outcome"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Outcome         string   `json:"outcome"`
	Owner           string   `json:"owner"`
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting to
// a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg dynamically subscribes or unsubscribes after connect.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// ————————————————————————————————————————————————————————————————————————
// Gamma discovery wire shapes
// ————————————————————————————————————————————————————————————————————————

// GammaMarket is the JSON shape returned by the Gamma /markets endpoint.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Category              string  `json:"category"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	EndDate               string  `json:"endDate"`
	Liquidity             string  `json:"liquidity"`
	Volume24hr            float64 `json:"volume24hr"`
	Outcomes              string  `json:"outcomes"`
	OutcomePrices         string  `json:"outcomePrices"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	Spread                float64 `json:"spread"`
	BestBid               float64 `json:"bestBid"`
	BestAsk               float64 `json:"bestAsk"`
	LastTradePrice        float64 `json:"lastTradePrice"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
	RewardsMinSize        float64 `json:"rewardsMinSize"`
	RewardsMaxSpread      float64 `json:"rewardsMaxSpread"`
}

// GammaEvent is the JSON shape returned by the Gamma /events endpoint: a
// mutually-exclusive group of markets (outcomes).
type GammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Active  bool          `json:"active"`
	Closed  bool          `json:"closed"`
	EndDate string        `json:"endDate"`
	NegRisk bool          `json:"negRisk"`
	Markets []GammaMarket `json:"markets"`
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradingcore/pkg/types"
)

const (
	pingInterval     = 5 * time.Second  // spec-mandated keepalive interval
	readTimeout      = 12 * time.Second // ~2 missed pings before treating the connection as dead
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readBufferSize   = 256
	tradeBufferSize  = 64
)

// ChannelType distinguishes the market-data channel from the user (fills,
// order lifecycle) channel.
type ChannelType int

const (
	ChannelMarket ChannelType = iota
	ChannelUser
)

// RehydrateFunc is called once per successful (re)connect, after
// subscriptions are sent, so the cache can be refreshed from REST before
// relying on incremental WS deltas again. Registered by the cache/gateway
// wiring layer, not by WSFeed itself.
type RehydrateFunc func(ctx context.Context)

// DisconnectFunc is called the instant a read/write failure is detected,
// before any reconnect attempt begins.
type DisconnectFunc func(reason string)

// WSFeed manages a single WebSocket connection (market or user channel)
// with automatic reconnect and resubscription.
type WSFeed struct {
	url         string
	channelType ChannelType
	auth        *Auth // nil for market channel

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.Mutex
	subscribed   map[string]bool

	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	lastTradeCh   chan types.WSLastTradeEvent
	tradeCh       chan types.WSTradeEvent
	orderCh       chan types.WSOrderEvent

	onDisconnect  DisconnectFunc
	onRehydrate   RehydrateFunc

	logger *slog.Logger
}

// NewMarketFeed creates a WS feed for the public market-data channel.
func NewMarketFeed(url string, logger *slog.Logger) *WSFeed {
	return newFeed(url, ChannelMarket, nil, logger)
}

// NewUserFeed creates a WS feed for the authenticated user channel.
func NewUserFeed(url string, auth *Auth, logger *slog.Logger) *WSFeed {
	return newFeed(url, ChannelUser, auth, logger)
}

func newFeed(url string, ct ChannelType, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:           url,
		channelType:   ct,
		auth:          auth,
		subscribed:    make(map[string]bool),
		bookCh:        make(chan types.WSBookEvent, readBufferSize),
		priceChangeCh: make(chan types.WSPriceChangeEvent, readBufferSize),
		lastTradeCh:   make(chan types.WSLastTradeEvent, readBufferSize),
		tradeCh:       make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:       make(chan types.WSOrderEvent, tradeBufferSize),
		logger:        logger.With("component", "ws", "channel", channelName(ct)),
	}
}

func channelName(ct ChannelType) string {
	if ct == ChannelUser {
		return "user"
	}
	return "market"
}

func (f *WSFeed) BookEvents() <-chan types.WSBookEvent               { return f.bookCh }
func (f *WSFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceChangeCh }
func (f *WSFeed) LastTradeEvents() <-chan types.WSLastTradeEvent     { return f.lastTradeCh }
func (f *WSFeed) TradeEvents() <-chan types.WSTradeEvent             { return f.tradeCh }
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent             { return f.orderCh }

// OnDisconnect registers the handler fired the instant a disconnect is
// detected, before reconnect begins.
func (f *WSFeed) OnDisconnect(h DisconnectFunc) { f.onDisconnect = h }

// OnRehydrate registers the handler fired once per successful (re)connect,
// after subscriptions are replayed.
func (f *WSFeed) OnRehydrate(h RehydrateFunc) { f.onRehydrate = h }

// Run connects and reconnects with exponential backoff until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		f.logger.Warn("ws disconnected, reconnecting", "reason", reason, "backoff", backoff)
		if f.onDisconnect != nil {
			f.onDisconnect(reason)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds assets/markets to track on the channel, sending an update
// message if already connected.
func (f *WSFeed) Subscribe(assetIDs, markets []string) {
	f.subscribedMu.Lock()
	for _, id := range assetIDs {
		f.subscribed[id] = true
	}
	for _, m := range markets {
		f.subscribed[m] = true
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{AssetIDs: assetIDs, Markets: markets, Operation: "subscribe"}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("subscribe failed, will replay on reconnect", "error", err)
	}
}

// Unsubscribe removes assets/markets from tracking.
func (f *WSFeed) Unsubscribe(assetIDs, markets []string) {
	f.subscribedMu.Lock()
	for _, id := range assetIDs {
		delete(f.subscribed, id)
	}
	for _, m := range markets {
		delete(f.subscribed, m)
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{AssetIDs: assetIDs, Markets: markets, Operation: "unsubscribe"}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("unsubscribe failed", "error", err)
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("initial subscription: %w", err)
	}

	if f.onRehydrate != nil {
		f.onRehydrate(ctx)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.dispatchMessage(message)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.Lock()
	var assetIDs, markets []string
	for id := range f.subscribed {
		assetIDs = append(assetIDs, id)
	}
	f.subscribedMu.Unlock()
	_ = markets

	msg := types.WSSubscribeMsg{
		Type:     channelName(f.channelType),
		AssetIDs: assetIDs,
	}
	if f.channelType == ChannelUser && f.auth != nil {
		msg.Auth = f.auth.WSAuthPayload()
		msg.Markets = assetIDs
		msg.AssetIDs = nil
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) dispatchMessage(raw []byte) {
	var probe struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		f.logger.Warn("unparseable ws message", "error", err)
		return
	}

	switch probe.EventType {
	case "book":
		var ev types.WSBookEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			f.logger.Warn("bad book event", "error", err)
			return
		}
		f.sendNonBlocking("book", func() bool { return trySend(f.bookCh, ev) })
	case "price_change":
		var ev types.WSPriceChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			f.logger.Warn("bad price_change event", "error", err)
			return
		}
		f.sendNonBlocking("price_change", func() bool { return trySend(f.priceChangeCh, ev) })
	case "last_trade_price":
		var ev types.WSLastTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			f.logger.Warn("bad last_trade_price event", "error", err)
			return
		}
		f.sendNonBlocking("last_trade_price", func() bool { return trySend(f.lastTradeCh, ev) })
	case "trade":
		var ev types.WSTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			f.logger.Warn("bad trade event", "error", err)
			return
		}
		f.sendNonBlocking("trade", func() bool { return trySend(f.tradeCh, ev) })
	case "order":
		var ev types.WSOrderEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			f.logger.Warn("bad order event", "error", err)
			return
		}
		f.sendNonBlocking("order", func() bool { return trySend(f.orderCh, ev) })
	default:
		// PONG and unrecognised frames are ignored.
	}
}

func (f *WSFeed) sendNonBlocking(kind string, send func() bool) {
	if !send() {
		f.logger.Warn("event channel full, dropping message", "kind", kind)
	}
}

func trySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(messageType int, data []byte) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

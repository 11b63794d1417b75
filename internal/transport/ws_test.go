package transport

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func wsTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchMessageRoutesBookEvent(t *testing.T) {
	t.Parallel()
	f := NewMarketFeed("wss://example", wsTestLogger())

	f.dispatchMessage([]byte(`{"event_type":"book","asset_id":"a1","market":"m1","hash":"h1",
		"buys":[{"price":"0.40","size":"100"}],"sells":[{"price":"0.60","size":"100"}]}`))

	select {
	case ev := <-f.BookEvents():
		if ev.AssetID != "a1" || ev.Hash != "h1" {
			t.Errorf("book event = %+v, want asset_id a1 / hash h1", ev)
		}
	default:
		t.Fatal("expected a book event on BookEvents()")
	}
}

func TestDispatchMessageRoutesPriceChangeEvent(t *testing.T) {
	t.Parallel()
	f := NewMarketFeed("wss://example", wsTestLogger())

	f.dispatchMessage([]byte(`{"event_type":"price_change","market":"m1",
		"price_changes":[{"asset_id":"a1","price":"0.55","size":"10","side":"BUY"}]}`))

	select {
	case ev := <-f.PriceChangeEvents():
		if len(ev.PriceChanges) != 1 || ev.PriceChanges[0].AssetID != "a1" {
			t.Errorf("price_change event = %+v, want one change for asset a1", ev)
		}
	default:
		t.Fatal("expected a price_change event on PriceChangeEvents()")
	}
}

func TestDispatchMessageRoutesLastTradePriceEvent(t *testing.T) {
	t.Parallel()
	f := NewMarketFeed("wss://example", wsTestLogger())

	f.dispatchMessage([]byte(`{"event_type":"last_trade_price","asset_id":"a1","price":"0.52"}`))

	select {
	case ev := <-f.LastTradeEvents():
		if ev.Price != "0.52" {
			t.Errorf("last_trade_price event = %+v, want price 0.52", ev)
		}
	default:
		t.Fatal("expected a last_trade_price event on LastTradeEvents()")
	}
}

func TestDispatchMessageRoutesTradeEvent(t *testing.T) {
	t.Parallel()
	f := NewUserFeed("wss://example", nil, wsTestLogger())

	f.dispatchMessage([]byte(`{"event_type":"trade","id":"t1","market":"m1","asset_id":"a1","side":"BUY","size":"5","price":"0.5"}`))

	select {
	case ev := <-f.TradeEvents():
		if ev.ID != "t1" {
			t.Errorf("trade event = %+v, want id t1", ev)
		}
	default:
		t.Fatal("expected a trade event on TradeEvents()")
	}
}

func TestDispatchMessageRoutesOrderEvent(t *testing.T) {
	t.Parallel()
	f := NewUserFeed("wss://example", nil, wsTestLogger())

	f.dispatchMessage([]byte(`{"event_type":"order","id":"o1","market":"m1","asset_id":"a1","side":"BUY",
		"price":"0.5","original_size":"10","size_matched":"4"}`))

	select {
	case ev := <-f.OrderEvents():
		if ev.ID != "o1" || ev.SizeMatched != "4" {
			t.Errorf("order event = %+v, want id o1 / size_matched 4", ev)
		}
	default:
		t.Fatal("expected an order event on OrderEvents()")
	}
}

func TestDispatchMessageIgnoresUnrecognizedEventType(t *testing.T) {
	t.Parallel()
	f := NewMarketFeed("wss://example", wsTestLogger())

	// Should not panic and should not deliver anything anywhere.
	f.dispatchMessage([]byte(`{"event_type":"PONG"}`))

	select {
	case ev := <-f.BookEvents():
		t.Fatalf("unexpected book event: %+v", ev)
	default:
	}
}

func TestDispatchMessageDropsMalformedJSONWithoutPanicking(t *testing.T) {
	t.Parallel()
	f := NewMarketFeed("wss://example", wsTestLogger())

	f.dispatchMessage([]byte(`not json at all`))
	f.dispatchMessage([]byte(`{"event_type":"book","buys":"not-an-array"}`))

	select {
	case ev := <-f.BookEvents():
		t.Fatalf("unexpected book event from malformed payload: %+v", ev)
	default:
	}
}

func TestDispatchMessageDropsWhenChannelFull(t *testing.T) {
	t.Parallel()
	f := NewUserFeed("wss://example", nil, wsTestLogger())

	// Fill the trade channel to capacity so the next send is non-blocking and dropped.
	for i := 0; i < tradeBufferSize; i++ {
		f.dispatchMessage([]byte(`{"event_type":"trade","id":"fill","market":"m1","asset_id":"a1","side":"BUY","size":"1","price":"0.5"}`))
	}

	// One more should be dropped rather than blocking the caller.
	done := make(chan struct{})
	go func() {
		f.dispatchMessage([]byte(`{"event_type":"trade","id":"overflow","market":"m1","asset_id":"a1","side":"BUY","size":"1","price":"0.5"}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatchMessage blocked on a full channel instead of dropping the event")
	}
}

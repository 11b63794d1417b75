package api

import (
	"testing"
	"time"

	"tradingcore/pkg/types"
)

func TestNewFillEventCopiesPositionAndTradeFields(t *testing.T) {
	t.Parallel()
	trade := types.WSTradeEvent{ID: "t1", Side: "BUY", Outcome: "Yes"}
	pos := PositionSnapshot{YesQty: 10, NoQty: 0, RealizedPnL: 1, UnrealizedPnL: 2}

	ev := NewFillEvent(trade, pos, "some-market", 0.5, 10)

	if ev.OrderID != "t1" || ev.Side != "BUY" || ev.TokenType != "Yes" {
		t.Errorf("NewFillEvent trade fields = %+v, want id t1 / side BUY / token Yes", ev)
	}
	if ev.YesQty != 10 || ev.RealizedPnL != 1 || ev.UnrealizedPnL != 2 {
		t.Errorf("NewFillEvent position fields = %+v, want carried over from PositionSnapshot", ev)
	}
	if ev.MarketSlug != "some-market" || ev.Price != 0.5 || ev.Size != 10 {
		t.Errorf("NewFillEvent = %+v, want market/price/size set from args", ev)
	}
}

func TestNewOrderEventSetsStatusAndSide(t *testing.T) {
	t.Parallel()
	ev := NewOrderEvent("o1", "PLACED", "SELL", 0.6, 5)

	if ev.OrderID != "o1" || ev.Status != "PLACED" || ev.Side != "SELL" {
		t.Errorf("NewOrderEvent = %+v, want id o1 / status PLACED / side SELL", ev)
	}
	if ev.Price != 0.6 || ev.Size != 5 {
		t.Errorf("NewOrderEvent price/size = %v/%v, want 0.6/5", ev.Price, ev.Size)
	}
}

func TestNewPositionEventCarriesSnapshotFields(t *testing.T) {
	t.Parallel()
	pos := PositionSnapshot{YesQty: 4, NoQty: 1, AvgEntryYes: 0.3, ExposureUSD: 12}

	ev := NewPositionEvent(pos, "m-slug", 0.45)

	if ev.MarketSlug != "m-slug" || ev.MidPrice != 0.45 {
		t.Errorf("NewPositionEvent = %+v, want market m-slug / mid 0.45", ev)
	}
	if ev.YesQty != 4 || ev.ExposureUSD != 12 {
		t.Errorf("NewPositionEvent = %+v, want snapshot fields carried over", ev)
	}
}

func TestNewKillEventSetsAllFields(t *testing.T) {
	t.Parallel()
	until := time.Now().Add(time.Hour)

	ev := NewKillEvent("daily_loss", "exceeded limit", until, "cond1")

	if ev.Reason != "daily_loss" || ev.Details != "exceeded limit" {
		t.Errorf("NewKillEvent reason/details = %q/%q, want daily_loss/exceeded limit", ev.Reason, ev.Details)
	}
	if !ev.Until.Equal(until) || ev.MarketID != "cond1" {
		t.Errorf("NewKillEvent Until/MarketID = %v/%q, want %v/cond1", ev.Until, ev.MarketID, until)
	}
}

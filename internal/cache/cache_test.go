package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/clock"
	"tradingcore/pkg/types"
)

const testAsset = "asset-1"

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: price, Size: size}
}

func TestApplySnapshotThenGet(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))

	err := c.ApplySnapshot(testAsset,
		[]types.PriceLevel{lvl("0.45", "100"), lvl("0.44", "50")},
		[]types.PriceLevel{lvl("0.46", "100"), lvl("0.47", "50")},
		"hash1")
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	snap, ok := c.Get(testAsset)
	if !ok {
		t.Fatal("Get did not find applied snapshot")
	}
	bid, _ := snap.BestBid()
	ask, _ := snap.BestAsk()
	if !bid.Equal(decimal.RequireFromString("0.45")) {
		t.Errorf("BestBid = %v, want 0.45", bid)
	}
	if !ask.Equal(decimal.RequireFromString("0.46")) {
		t.Errorf("BestAsk = %v, want 0.46", ask)
	}
}

func TestApplySnapshotRejectsUnparseablePrice(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))

	err := c.ApplySnapshot(testAsset, []types.PriceLevel{lvl("not-a-number", "1")}, nil, "h")
	if err == nil {
		t.Fatal("expected error for unparseable price level")
	}
}

func TestApplyPriceChangeUpsertsNewLevel(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))
	_ = c.ApplySnapshot(testAsset, []types.PriceLevel{lvl("0.45", "100")}, []types.PriceLevel{lvl("0.50", "100")}, "h0")

	err := c.ApplyPriceChange(testAsset, types.BUY, decimal.RequireFromString("0.46"), decimal.RequireFromString("20"), "h1")
	if err != nil {
		t.Fatalf("ApplyPriceChange: %v", err)
	}

	snap, _ := c.Get(testAsset)
	bid, _ := snap.BestBid()
	// 0.46 is a better (higher) bid than the existing 0.45, so it becomes best.
	if !bid.Equal(decimal.RequireFromString("0.46")) {
		t.Errorf("BestBid = %v, want 0.46", bid)
	}
	if len(snap.Bids) != 2 {
		t.Errorf("len(Bids) = %d, want 2", len(snap.Bids))
	}
}

func TestApplyPriceChangeZeroSizeRemovesLevel(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))
	_ = c.ApplySnapshot(testAsset,
		[]types.PriceLevel{lvl("0.45", "100"), lvl("0.44", "50")},
		nil, "h0")

	err := c.ApplyPriceChange(testAsset, types.BUY, decimal.RequireFromString("0.45"), decimal.Zero, "h1")
	if err != nil {
		t.Fatalf("ApplyPriceChange: %v", err)
	}

	snap, _ := c.Get(testAsset)
	bid, ok := snap.BestBid()
	if !ok {
		t.Fatal("expected remaining bid level")
	}
	if !bid.Equal(decimal.RequireFromString("0.44")) {
		t.Errorf("BestBid = %v, want 0.44 after removing top level", bid)
	}
}

func TestApplyPriceChangeRejectsNegativeValues(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))

	if err := c.ApplyPriceChange(testAsset, types.BUY, decimal.RequireFromString("-1"), decimal.RequireFromString("1"), "h"); err == nil {
		t.Error("expected error for negative price")
	}
	if err := c.ApplyPriceChange(testAsset, types.BUY, decimal.RequireFromString("1"), decimal.RequireFromString("-1"), "h"); err == nil {
		t.Error("expected error for negative size")
	}
}

func TestApplyPriceChangeOnAskSortsAscending(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))
	_ = c.ApplySnapshot(testAsset, nil, []types.PriceLevel{lvl("0.55", "10")}, "h0")

	_ = c.ApplyPriceChange(testAsset, types.SELL, decimal.RequireFromString("0.52"), decimal.RequireFromString("5"), "h1")

	snap, _ := c.Get(testAsset)
	ask, _ := snap.BestAsk()
	if !ask.Equal(decimal.RequireFromString("0.52")) {
		t.Errorf("BestAsk = %v, want 0.52 (lower ask should sort first)", ask)
	}
}

func TestIsStaleUnknownAssetIsStale(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))
	if !c.IsStale("never-seen", time.Minute) {
		t.Error("IsStale should be true for an asset never populated")
	}
}

func TestIsStaleBecomesTrueAfterMaxAge(t *testing.T) {
	t.Parallel()
	fake := clock.NewFake(time.Now())
	c := New(fake)
	_ = c.ApplySnapshot(testAsset, []types.PriceLevel{lvl("0.5", "1")}, []types.PriceLevel{lvl("0.6", "1")}, "h")

	if c.IsStale(testAsset, time.Minute) {
		t.Error("freshly applied snapshot should not be stale")
	}

	fake.Advance(2 * time.Minute)
	if !c.IsStale(testAsset, time.Minute) {
		t.Error("snapshot should be stale after exceeding max age")
	}
}

func TestUpdateHandlersFireOnMutation(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))

	var seen []string
	c.RegisterUpdateHandler(func(assetID string) { seen = append(seen, assetID) })

	_ = c.ApplySnapshot(testAsset, nil, nil, "h")
	_ = c.ApplyPriceChange(testAsset, types.BUY, decimal.RequireFromString("0.5"), decimal.RequireFromString("1"), "h2")

	if len(seen) != 2 {
		t.Fatalf("update handler fired %d times, want 2", len(seen))
	}
}

func TestDisconnectHandlersFireOnNotify(t *testing.T) {
	t.Parallel()
	c := New(clock.NewFake(time.Now()))

	fired := false
	var reason string
	c.RegisterDisconnectHandler(func(r string) { fired = true; reason = r })

	c.NotifyDisconnect("ws closed")
	if !fired {
		t.Fatal("disconnect handler did not fire")
	}
	if reason != "ws closed" {
		t.Errorf("reason = %q, want %q", reason, "ws closed")
	}
}

package supervisor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

func TestPositionSnapshotLongYesMapping(t *testing.T) {
	t.Parallel()
	now := time.Now()
	pos := types.Position{
		Shares:        decimal.NewFromFloat(100),
		AvgEntryPrice: decimal.NewFromFloat(0.40),
		RealizedPnL:   decimal.NewFromFloat(5),
		UnrealizedPnL: decimal.NewFromFloat(2),
		LastUpdated:   now,
	}

	got := positionSnapshot(pos, decimal.NewFromFloat(0.45), 0.2)

	if got.YesQty != 100 || got.NoQty != 0 {
		t.Errorf("YesQty/NoQty = %v/%v, want 100/0 for a positive position", got.YesQty, got.NoQty)
	}
	if got.AvgEntryYes != 0.40 || got.AvgEntryNo != 0 {
		t.Errorf("AvgEntryYes/AvgEntryNo = %v/%v, want 0.40/0", got.AvgEntryYes, got.AvgEntryNo)
	}
	if got.ExposureUSD != 45 {
		t.Errorf("ExposureUSD = %v, want 45 (100 * 0.45)", got.ExposureUSD)
	}
	if got.Skew != 0.2 {
		t.Errorf("Skew = %v, want 0.2 passed through", got.Skew)
	}
}

func TestPositionSnapshotShortMapsToNoQty(t *testing.T) {
	t.Parallel()
	pos := types.Position{
		Shares:        decimal.NewFromFloat(-50),
		AvgEntryPrice: decimal.NewFromFloat(0.60),
	}

	got := positionSnapshot(pos, decimal.NewFromFloat(0.55), -0.1)

	if got.YesQty != 0 || got.NoQty != 50 {
		t.Errorf("YesQty/NoQty = %v/%v, want 0/50 for a negative position", got.YesQty, got.NoQty)
	}
	if got.AvgEntryNo != 0.60 || got.AvgEntryYes != 0 {
		t.Errorf("AvgEntryYes/AvgEntryNo = %v/%v, want 0/0.60", got.AvgEntryYes, got.AvgEntryNo)
	}
	if got.ExposureUSD != 27.5 {
		t.Errorf("ExposureUSD = %v, want 27.5 (50 * 0.55)", got.ExposureUSD)
	}
}

func TestPositionSnapshotFlatPositionIsZero(t *testing.T) {
	t.Parallel()
	got := positionSnapshot(types.Position{}, decimal.NewFromFloat(0.50), 0)

	if got.YesQty != 0 || got.NoQty != 0 || got.ExposureUSD != 0 {
		t.Errorf("positionSnapshot(zero position) = %+v, want all-zero fields", got)
	}
}

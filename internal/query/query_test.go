package query

import (
	"testing"

	"recoengine/internal/store"
)

func pnl(v float64) *float64 { return &v }

func TestComputeBinWinRateAndProfitFactor(t *testing.T) {
	rows := []*store.Recommendation{
		{ID: "a", PnLPercent: pnl(10)},
		{ID: "b", PnLPercent: pnl(-5)},
		{ID: "c", PnLPercent: pnl(20)},
		{ID: "d", PnLPercent: pnl(-5)},
	}

	b := computeBin("overall", rows)
	if b.Count != 4 {
		t.Fatalf("expected count 4, got %d", b.Count)
	}
	if b.WinRate != 50 {
		t.Fatalf("expected win rate 50, got %v", b.WinRate)
	}
	wantAvg := (10 - 5 + 20 - 5) / 4.0
	if b.AveragePnL != wantAvg {
		t.Fatalf("expected average pnl %v, got %v", wantAvg, b.AveragePnL)
	}
	wantPF := 30.0 / 10.0
	if b.ProfitFactor != wantPF {
		t.Fatalf("expected profit factor %v, got %v", wantPF, b.ProfitFactor)
	}
}

func TestComputeBinEmptyRows(t *testing.T) {
	b := computeBin("empty", nil)
	if b.Count != 0 || b.WinRate != 0 || b.AveragePnL != 0 || b.ProfitFactor != 0 {
		t.Fatalf("expected zero-value bin for no rows, got %+v", b)
	}
}

func TestComputeBinCountsRowsWithoutPnLInDenominator(t *testing.T) {
	rows := []*store.Recommendation{
		{ID: "a", PnLPercent: pnl(10)},
		{ID: "b", PnLPercent: nil},
	}
	b := computeBin("mixed", rows)
	if b.Count != 2 {
		t.Fatalf("expected count to include all rows, got %d", b.Count)
	}
	if b.AveragePnL != 5 {
		t.Fatalf("expected average pnl to divide by row count (10/2=5), got %v", b.AveragePnL)
	}
}

func TestComputeBinNoLossesLeavesProfitFactorZero(t *testing.T) {
	rows := []*store.Recommendation{
		{ID: "a", PnLPercent: pnl(10)},
		{ID: "b", PnLPercent: pnl(5)},
	}
	b := computeBin("winners", rows)
	if b.ProfitFactor != 0 {
		t.Fatalf("expected profit factor 0 when there are no losses, got %v", b.ProfitFactor)
	}
}

func makeRowsByPrice(prices ...float64) []*store.Recommendation {
	rows := make([]*store.Recommendation, len(prices))
	for i, p := range prices {
		rows[i] = &store.Recommendation{ID: string(rune('a' + i)), EntryPrice: p, PnLPercent: pnl(1)}
	}
	return rows
}

func TestQuantileBinsSplitsIntoEqualGroups(t *testing.T) {
	rows := makeRowsByPrice(10, 20, 30, 40, 50, 60, 70, 80)
	bins := binRows(rows, 4, BinQuantile)
	if len(bins) != 4 {
		t.Fatalf("expected 4 quantile bins, got %d", len(bins))
	}
	for _, b := range bins {
		if b.Count != 2 {
			t.Fatalf("expected each quantile bin to hold 2 rows, got %d", b.Count)
		}
	}
}

func TestQuantileBinsSkipsEmptyBucketsWhenFewerRowsThanBins(t *testing.T) {
	rows := makeRowsByPrice(10, 20)
	bins := binRows(rows, 4, BinQuantile)
	total := 0
	for _, b := range bins {
		total += b.Count
	}
	if total != 2 {
		t.Fatalf("expected all rows distributed across non-empty bins, got total %d", total)
	}
}

func TestEvenBinsSplitsByPriceRange(t *testing.T) {
	rows := makeRowsByPrice(0, 25, 50, 75, 100)
	bins := binRows(rows, 4, BinEven)

	total := 0
	for _, b := range bins {
		total += b.Count
	}
	if total != len(rows) {
		t.Fatalf("expected every row assigned to a bucket, got total %d of %d", total, len(rows))
	}
}

func TestEvenBinsCollapsesToOneBucketWhenAllPricesEqual(t *testing.T) {
	rows := makeRowsByPrice(50, 50, 50)
	bins := binRows(rows, 4, BinEven)
	if len(bins) != 1 {
		t.Fatalf("expected a single bucket when price range has zero width, got %d", len(bins))
	}
	if bins[0].Count != 3 {
		t.Fatalf("expected the single bucket to hold all rows, got %d", bins[0].Count)
	}
}

func TestBinRowsEmptyInputReturnsNil(t *testing.T) {
	if bins := binRows(nil, 4, BinQuantile); bins != nil {
		t.Fatalf("expected nil bins for empty input, got %+v", bins)
	}
}

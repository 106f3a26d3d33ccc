package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func fill(symbol string, side schema.OrderSide, qty, price float64) schema.Fill {
	return schema.Fill{Symbol: symbol, Side: side, Qty: qty, Price: price}
}

func TestAverageCostOnAdds(t *testing.T) {
	b := NewBook(1_000_000)

	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 100, 100))
	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 100, 110))

	pos, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 200, pos.Qty, 1e-9)
	assert.InDelta(t, 105, pos.AvgCost, 1e-9)
	assert.InDelta(t, 1_000_000-21_000, b.Cash(), 1e-9)
}

func TestRealizedPnLOnReduce(t *testing.T) {
	b := NewBook(100_000)

	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 100, 100))
	b.ApplyFill(fill("AAPL", schema.OrderSideSell, 40, 110))

	pos, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 60, pos.Qty, 1e-9)
	assert.InDelta(t, 100, pos.AvgCost, 1e-9)
	assert.InDelta(t, 400, pos.RealizedPnL, 1e-9)

	b.ApplyFill(fill("AAPL", schema.OrderSideSell, 60, 90))
	pos, _ = b.Position("AAPL")
	assert.InDelta(t, 0, pos.Qty, 1e-9)
	assert.InDelta(t, 400-600, pos.RealizedPnL, 1e-9)
}

func TestCrossThroughZero(t *testing.T) {
	b := NewBook(100_000)

	b.ApplyFill(fill("XOM", schema.OrderSideBuy, 100, 50))
	b.ApplyFill(fill("XOM", schema.OrderSideSell, 150, 60))

	pos, ok := b.Position("XOM")
	require.True(t, ok)
	assert.InDelta(t, -50, pos.Qty, 1e-9)
	assert.InDelta(t, 60, pos.AvgCost, 1e-9)
	assert.InDelta(t, 1000, pos.RealizedPnL, 1e-9)
}

func TestShortPositionPnL(t *testing.T) {
	b := NewBook(100_000)

	b.ApplyFill(fill("MSFT", schema.OrderSideSell, 100, 200))
	b.ApplyFill(fill("MSFT", schema.OrderSideBuy, 100, 180))

	pos, ok := b.Position("MSFT")
	require.True(t, ok)
	assert.InDelta(t, 0, pos.Qty, 1e-9)
	assert.InDelta(t, 2000, pos.RealizedPnL, 1e-9)
	assert.InDelta(t, 102_000, b.Cash(), 1e-9)
}

func TestEquityAndUnrealized(t *testing.T) {
	b := NewBook(100_000)

	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 100, 100))
	b.SetMark("AAPL", 120)

	assert.InDelta(t, 90_000+12_000, b.Equity(), 1e-9)

	summary := b.PnLToday()
	assert.InDelta(t, 2000, summary.Unrealized, 1e-9)
	assert.InDelta(t, 0, summary.RealizedToday, 1e-9)
	assert.InDelta(t, 102_000, summary.Equity, 1e-9)
}

func TestDailyRollover(t *testing.T) {
	now := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	b := NewBook(100_000).WithClock(func() time.Time { return now })

	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 10, 100))
	b.ApplyFill(fill("AAPL", schema.OrderSideSell, 10, 90))

	assert.InDelta(t, -100, b.PnLToday().RealizedToday, 1e-9)

	now = now.Add(2 * time.Hour)
	summary := b.PnLToday()
	assert.Equal(t, "2026-03-03", summary.Date)
	assert.InDelta(t, 0, summary.RealizedToday, 1e-9)
}

func TestExposureView(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "AAPL", Sector: "TECH"}))
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "MSFT", Sector: "TECH"}))

	b := NewBook(100_000)
	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 100, 100))
	b.ApplyFill(fill("MSFT", schema.OrderSideSell, 50, 200))
	b.SetMark("AAPL", 110)
	b.SetMark("MSFT", 200)

	view := b.ExposureView(reg)
	assert.InDelta(t, 11_000, view.Positions["AAPL"], 1e-9)
	assert.InDelta(t, -10_000, view.Positions["MSFT"], 1e-9)
	assert.InDelta(t, 21_000, view.SectorNotional["TECH"], 1e-9)
	assert.InDelta(t, 0, view.DailyRealizedLoss, 1e-9)

	// Book a loss and see it surface as a positive loss figure.
	b.ApplyFill(fill("AAPL", schema.OrderSideSell, 100, 90))
	view = b.ExposureView(reg)
	assert.InDelta(t, 1000, view.DailyRealizedLoss, 1e-9)
}

func TestPositionsSortedAndFlatHidden(t *testing.T) {
	b := NewBook(100_000)
	b.ApplyFill(fill("MSFT", schema.OrderSideBuy, 10, 10))
	b.ApplyFill(fill("AAPL", schema.OrderSideBuy, 10, 10))
	b.SetMark("ZZZZ", 5)

	got := b.Positions()
	require.Len(t, got, 2)
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, "MSFT", got[1].Symbol)
}

// Package state maintains the in-memory account book: positions with average
// cost, realized and unrealized PnL, mark prices, and cash. Every mutation
// flows through ApplyFill or SetMark so the book stays internally consistent.
package state

import (
	"math"
	"sort"
	"sync"
	"time"

	"main/internal/risk"
	"main/internal/schema"
)

// Position is one symbol's holding.
type Position struct {
	Symbol      string  `msgpack:"symbol" json:"symbol"`
	Qty         float64 `msgpack:"qty" json:"qty"`
	AvgCost     float64 `msgpack:"avgCost" json:"avgCost"`
	Mark        float64 `msgpack:"mark" json:"mark"`
	RealizedPnL float64 `msgpack:"realizedPnl" json:"realizedPnl"`
}

// UnrealizedPnL returns the open PnL at the current mark. Zero when no mark
// has been seen yet.
func (p Position) UnrealizedPnL() float64 {
	if p.Mark <= 0 || p.Qty == 0 {
		return 0
	}
	return (p.Mark - p.AvgCost) * p.Qty
}

// Notional returns the absolute marked value of the holding.
func (p Position) Notional() float64 {
	mark := p.Mark
	if mark <= 0 {
		mark = p.AvgCost
	}
	return math.Abs(p.Qty * mark)
}

// PnLSummary is the daily PnL snapshot served to clients.
type PnLSummary struct {
	Date          string  `msgpack:"date" json:"date"`
	RealizedToday float64 `msgpack:"realizedToday" json:"realizedToday"`
	Unrealized    float64 `msgpack:"unrealized" json:"unrealized"`
	Equity        float64 `msgpack:"equity" json:"equity"`
	Cash          float64 `msgpack:"cash" json:"cash"`
}

// Book is the account state. Safe for concurrent use.
type Book struct {
	mu            sync.RWMutex
	positions     map[string]*Position
	cash          float64
	realizedToday float64
	day           string

	now func() time.Time
}

// NewBook creates a book seeded with a starting cash balance.
func NewBook(cash float64) *Book {
	b := &Book{
		positions: make(map[string]*Position),
		cash:      cash,
		now:       func() time.Time { return time.Now().UTC() },
	}
	b.day = b.now().Format("2006-01-02")
	return b
}

// WithClock swaps the time source, used by tests.
func (b *Book) WithClock(now func() time.Time) *Book {
	if now != nil {
		b.now = now
		b.day = now().Format("2006-01-02")
	}
	return b
}

// ApplyFill folds one execution into the book: cash moves, average cost is
// reweighted on adds, and realized PnL is booked on reductions. A fill that
// crosses through zero opens the remainder at the fill price.
func (b *Book) ApplyFill(fill schema.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	pos, ok := b.positions[fill.Symbol]
	if !ok {
		pos = &Position{Symbol: fill.Symbol}
		b.positions[fill.Symbol] = pos
	}

	qty := fill.Qty
	if fill.Side == schema.OrderSideSell {
		qty = -qty
	}
	b.cash -= qty * fill.Price

	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, qty):
		// Adding to (or opening) a position reweights the average cost.
		total := pos.Qty + qty
		pos.AvgCost = (pos.AvgCost*pos.Qty + fill.Price*qty) / total
		pos.Qty = total
	case math.Abs(qty) <= math.Abs(pos.Qty):
		// Reducing books realized PnL on the closed quantity.
		closed := -qty
		realized := (fill.Price - pos.AvgCost) * closed
		pos.RealizedPnL += realized
		b.realizedToday += realized
		pos.Qty += qty
		if pos.Qty == 0 {
			pos.AvgCost = 0
		}
	default:
		// Crossing zero closes the whole position and opens the remainder.
		realized := (fill.Price - pos.AvgCost) * pos.Qty
		pos.RealizedPnL += realized
		b.realizedToday += realized
		pos.Qty += qty
		pos.AvgCost = fill.Price
	}
	pos.Mark = fill.Price
}

// SetMark updates a symbol's mark price.
func (b *Book) SetMark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		b.positions[symbol] = pos
	}
	pos.Mark = price
}

// Position returns one symbol's holding.
func (b *Book) Position(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok || (pos.Qty == 0 && pos.RealizedPnL == 0) {
		return Position{}, false
	}
	return *pos, true
}

// Positions lists non-flat holdings sorted by symbol.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if pos.Qty != 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Cash returns the cash balance.
func (b *Book) Cash() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// Equity returns cash plus the marked value of every holding.
func (b *Book) Equity() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equityLocked()
}

func (b *Book) equityLocked() float64 {
	equity := b.cash
	for _, pos := range b.positions {
		mark := pos.Mark
		if mark <= 0 {
			mark = pos.AvgCost
		}
		equity += pos.Qty * mark
	}
	return equity
}

// PnLToday returns the daily PnL summary.
func (b *Book) PnLToday() PnLSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	unrealized := 0.0
	for _, pos := range b.positions {
		unrealized += pos.UnrealizedPnL()
	}
	return PnLSummary{
		Date:          b.day,
		RealizedToday: b.realizedToday,
		Unrealized:    unrealized,
		Equity:        b.equityLocked(),
		Cash:          b.cash,
	}
}

// Mark returns the last seen mark for a symbol, zero when unknown.
func (b *Book) Mark(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos, ok := b.positions[symbol]; ok {
		return pos.Mark
	}
	return 0
}

// ExposureView assembles the account snapshot the risk engine checks
// against, with sector notionals resolved through the registry.
func (b *Book) ExposureView(registry *schema.Registry) risk.ExposureView {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	view := risk.ExposureView{
		Equity:         b.equityLocked(),
		Positions:      make(map[string]float64, len(b.positions)),
		SectorNotional: make(map[string]float64),
	}
	for sym, pos := range b.positions {
		if pos.Qty == 0 {
			continue
		}
		mark := pos.Mark
		if mark <= 0 {
			mark = pos.AvgCost
		}
		view.Positions[sym] = pos.Qty * mark
		if registry != nil {
			if sector := registry.Sector(sym); sector != "" {
				view.SectorNotional[sector] += math.Abs(pos.Qty * mark)
			}
		}
	}
	if b.realizedToday < 0 {
		view.DailyRealizedLoss = -b.realizedToday
	}
	return view
}

// rollDay resets the daily realized counter when the UTC date changes.
// Caller holds b.mu.
func (b *Book) rollDay() {
	day := b.now().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.realizedToday = 0
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

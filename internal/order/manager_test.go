package order

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/audit"
	"main/internal/bus"
	"main/internal/conn"
	"main/internal/gateway"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
)

type harness struct {
	sim    *gateway.Sim
	risk   *risk.Engine
	book   *state.Book
	audit  *audit.Log
	events *bus.Broadcaster
	conn   *conn.Manager
	mgr    *Manager
}

func openLimits() schema.RiskLimits {
	return schema.RiskLimits{
		MaxOrderValue: 10_000_000,
		MaxOpenOrders: 100,
	}
}

func newHarness(t *testing.T, limits schema.RiskLimits) *harness {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "AAPL", Sector: "TECH"}))
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "XOM", Sector: "ENERGY"}))

	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	h := &harness{
		sim:    gateway.NewSim(gateway.SimConfig{Seed: 11}, reg),
		risk:   risk.NewEngine(limits, reg),
		book:   state.NewBook(10_000_000),
		audit:  log,
		events: bus.New(),
	}
	h.conn = conn.NewManager(h.sim, h.events, conn.Config{
		SubmitTimeout: 200 * time.Millisecond,
		Backoff:       conn.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	h.mgr = NewManager(Deps{
		Risk:     h.risk,
		Book:     h.book,
		Conn:     h.conn,
		Audit:    h.audit,
		Events:   h.events,
		Registry: reg,
	})
	h.conn.OnReconnect(func(ctx context.Context) { h.mgr.Reconcile(ctx) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.conn.Run(ctx) }()
	go func() { _ = h.mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.events.Close()
		_ = h.audit.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for h.conn.State() != schema.ConnConnected {
		if time.Now().After(deadline) {
			t.Fatal("gateway never connected")
		}
		time.Sleep(time.Millisecond)
	}
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want schema.OrderStatus) schema.OrderRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := h.mgr.Status(id); ok && rec.Status == want {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	rec, _ := h.mgr.Status(id)
	t.Fatalf("order %s never reached %s, stuck at %s", id, want, rec.Status)
	return schema.OrderRecord{}
}

func marketIntent(symbol string, side schema.OrderSide, qty float64) schema.OrderIntent {
	return schema.OrderIntent{
		Side:        side,
		Symbol:      symbol,
		Qty:         qty,
		Type:        schema.OrderTypeMarket,
		TimeInForce: schema.TimeInForceDay,
	}
}

func (h *harness) restingIntent(t *testing.T, symbol string) schema.OrderIntent {
	t.Helper()
	q, err := h.sim.Quote(context.Background(), symbol)
	require.NoError(t, err)
	return schema.OrderIntent{
		Side:        schema.OrderSideBuy,
		Symbol:      symbol,
		Qty:         10,
		Type:        schema.OrderTypeLimit,
		LimitPrice:  q.Bid * 0.5,
		TimeInForce: schema.TimeInForceGTC,
	}
}

func TestSubmitFillsAndBooks(t *testing.T) {
	h := newHarness(t, openLimits())

	rec, cerr := h.mgr.Submit(context.Background(), marketIntent("AAPL", schema.OrderSideBuy, 100), "cli")
	require.Nil(t, cerr)
	assert.NotEmpty(t, rec.BrokerOrderID)
	assert.NotEqual(t, schema.StatusPendingSubmit, rec.Status)

	final := h.waitStatus(t, rec.ClientOrderID, schema.StatusFilled)
	assert.InDelta(t, 100, final.FilledQty, 1e-9)
	assert.Greater(t, final.AvgFillPrice, 0.0)

	deadline := time.Now().Add(time.Second)
	for {
		if pos, ok := h.book.Position("AAPL"); ok && pos.Qty == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("book never saw the fill")
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, h.risk.OpenOrders())

	fills := h.mgr.Fills("AAPL")
	require.Len(t, fills, 1)
	assert.InDelta(t, 100, fills[0].Qty, 1e-9)

	entries, err := h.audit.Entries(audit.Filter{Kind: schema.AuditOrder})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 3) // accepted, submitted, fill
}

func TestIdempotentResubmission(t *testing.T) {
	h := newHarness(t, openLimits())

	intent := marketIntent("AAPL", schema.OrderSideBuy, 10)
	intent.IdempotencyKey = "retry-1"

	first, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)
	second, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)

	assert.Equal(t, first.ClientOrderID, second.ClientOrderID)
	assert.Len(t, h.mgr.List(ListFilter{Symbol: "AAPL"}), 1)
}

func TestIdempotencyKeyFreedAfterReject(t *testing.T) {
	h := newHarness(t, openLimits())
	h.sim.FailNext("insufficient margin")

	intent := marketIntent("AAPL", schema.OrderSideBuy, 5)
	intent.IdempotencyKey = "retry-2"

	first, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.NotNil(t, cerr)
	require.Equal(t, schema.StatusRejected, first.Status)

	// The dead record no longer pins the key; the retry goes through.
	second, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)
	assert.NotEqual(t, first.ClientOrderID, second.ClientOrderID)
	assert.NotEqual(t, schema.StatusRejected, second.Status)

	// And the key now pins the live record again.
	third, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)
	assert.Equal(t, second.ClientOrderID, third.ClientOrderID)
}

func TestIdempotencyKeyExpiresWithWindow(t *testing.T) {
	limits := openLimits()
	limits.DuplicateWindowSec = 5
	h := newHarness(t, limits)

	var skew atomic.Int64
	h.mgr.WithClock(func() time.Time {
		return time.Now().UTC().Add(time.Duration(skew.Load()))
	})

	intent := h.restingIntent(t, "AAPL")
	intent.IdempotencyKey = "window-1"
	first, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)

	again, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)
	assert.Equal(t, first.ClientOrderID, again.ClientOrderID)

	skew.Store(int64(10 * time.Second))
	retry := intent
	retry.Qty = intent.Qty + 1
	fresh, cerr := h.mgr.Submit(context.Background(), retry, "cli")
	require.Nil(t, cerr)
	assert.NotEqual(t, first.ClientOrderID, fresh.ClientOrderID)
}

func TestRiskRejectionSurfacesCode(t *testing.T) {
	limits := openLimits()
	limits.MaxOrderValue = 50
	h := newHarness(t, limits)

	_, cerr := h.mgr.Submit(context.Background(), marketIntent("AAPL", schema.OrderSideBuy, 100), "cli")
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeInvalidArgs, cerr.Code)
	assert.Contains(t, cerr.Message, "max_order_value")
	assert.Empty(t, h.mgr.List(ListFilter{}))
	assert.Equal(t, 0, h.risk.OpenOrders())

	entries, err := h.audit.Entries(audit.Filter{Kind: schema.AuditRisk})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, string(schema.CodeInvalidArgs), entries[0].ResultCode)
}

func TestValidationRejects(t *testing.T) {
	h := newHarness(t, openLimits())

	cases := []schema.OrderIntent{
		{Side: schema.OrderSideBuy, Symbol: "", Qty: 1, Type: schema.OrderTypeMarket},
		{Side: "LONG", Symbol: "AAPL", Qty: 1, Type: schema.OrderTypeMarket},
		{Side: schema.OrderSideBuy, Symbol: "AAPL", Qty: 0, Type: schema.OrderTypeMarket},
		{Side: schema.OrderSideBuy, Symbol: "AAPL", Qty: 1, Type: schema.OrderTypeLimit},
		{Side: schema.OrderSideBuy, Symbol: "AAPL", Qty: 1, Type: "TRAILING"},
	}
	for _, intent := range cases {
		_, cerr := h.mgr.Submit(context.Background(), intent, "cli")
		require.NotNil(t, cerr, "%+v", intent)
		assert.Equal(t, schema.CodeInvalidArgs, cerr.Code)
	}

	_, cerr := h.mgr.Submit(context.Background(), marketIntent("ZZZZ", schema.OrderSideBuy, 1), "cli")
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeInvalidSymbol, cerr.Code)
}

func TestGatewayRejectMarksRejected(t *testing.T) {
	h := newHarness(t, openLimits())
	h.sim.FailNext("insufficient margin")

	rec, cerr := h.mgr.Submit(context.Background(), marketIntent("AAPL", schema.OrderSideBuy, 1), "cli")
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeRejected, cerr.Code)
	assert.Equal(t, schema.StatusRejected, rec.Status)
	assert.Equal(t, 0, h.risk.OpenOrders())
}

func TestCancelRestingOrder(t *testing.T) {
	h := newHarness(t, openLimits())

	rec, cerr := h.mgr.Submit(context.Background(), h.restingIntent(t, "AAPL"), "cli")
	require.Nil(t, cerr)
	require.Equal(t, schema.StatusSubmitted, rec.Status)

	require.Nil(t, h.mgr.Cancel(context.Background(), rec.ClientOrderID, "cli"))
	final := h.waitStatus(t, rec.ClientOrderID, schema.StatusCancelled)
	assert.Equal(t, "cancelled by broker", final.Reason)
	assert.Equal(t, 0, h.risk.OpenOrders())

	cerr = h.mgr.Cancel(context.Background(), rec.ClientOrderID, "cli")
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeInvalidArgs, cerr.Code)
}

func TestCancelAllSweepsOpenOrders(t *testing.T) {
	h := newHarness(t, openLimits())

	for i := 0; i < 3; i++ {
		_, cerr := h.mgr.Submit(context.Background(), h.restingIntent(t, "AAPL"), "cli")
		require.Nil(t, cerr)
	}
	require.Len(t, h.mgr.List(ListFilter{Open: true}), 3)

	result := h.mgr.CancelAll(context.Background(), "cli")
	assert.Equal(t, 3, result.Requested)
	assert.Empty(t, result.Failed)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.mgr.List(ListFilter{Open: true})) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("orders never cancelled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBracketLifecycle(t *testing.T) {
	h := newHarness(t, openLimits())

	q, err := h.sim.Quote(context.Background(), "AAPL")
	require.NoError(t, err)

	intent := marketIntent("AAPL", schema.OrderSideBuy, 10)
	intent.Bracket = &schema.BracketSpec{
		TakeProfitPrice: q.Ask * 1.03, // close enough for the walk to reach
		StopLossPrice:   q.Bid * 0.97,
	}
	parent, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)
	require.Equal(t, schema.BracketRoleParent, parent.BracketRole)
	require.NotEmpty(t, parent.BracketGroupID)

	h.waitStatus(t, parent.ClientOrderID, schema.StatusFilled)

	// Both exit legs reach the broker after the parent fill.
	var tp, sl schema.OrderRecord
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tp, sl = schema.OrderRecord{}, schema.OrderRecord{}
		for _, rec := range h.mgr.List(ListFilter{Open: true}) {
			switch rec.BracketRole {
			case schema.BracketRoleTakeProfit:
				tp = rec
			case schema.BracketRoleStopLoss:
				sl = rec
			}
		}
		if tp.Status == schema.StatusSubmitted && sl.Status == schema.StatusSubmitted {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, schema.StatusSubmitted, tp.Status, "take profit never submitted")
	require.Equal(t, schema.StatusSubmitted, sl.Status, "stop loss never submitted")
	assert.Equal(t, parent.BracketGroupID, tp.BracketGroupID)

	// Walk the market until one leg fills; the sibling must die with it.
	for i := 0; i < 20_000; i++ {
		h.sim.Step()
		open := h.mgr.List(ListFilter{Open: true})
		if len(open) == 0 {
			break
		}
		time.Sleep(100 * time.Microsecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(h.mgr.List(ListFilter{Open: true})) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bracket group never resolved: %+v", h.mgr.List(ListFilter{Open: true}))
		}
		time.Sleep(time.Millisecond)
	}

	tpFinal, _ := h.mgr.Status(tp.ClientOrderID)
	slFinal, _ := h.mgr.Status(sl.ClientOrderID)
	filled := 0
	cancelled := 0
	for _, rec := range []schema.OrderRecord{tpFinal, slFinal} {
		switch rec.Status {
		case schema.StatusFilled:
			filled++
		case schema.StatusCancelled:
			cancelled++
		}
	}
	assert.Equal(t, 1, filled, "exactly one leg fills")
	assert.Equal(t, 1, cancelled, "the sibling is cancelled")
}

func TestParentCancelTearsDownGroup(t *testing.T) {
	h := newHarness(t, openLimits())

	q, err := h.sim.Quote(context.Background(), "XOM")
	require.NoError(t, err)

	intent := h.restingIntent(t, "XOM")
	intent.Bracket = &schema.BracketSpec{
		TakeProfitPrice: q.Ask * 1.5,
		StopLossPrice:   q.Bid * 0.25,
	}
	parent, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.Nil(t, cerr)

	require.Nil(t, h.mgr.Cancel(context.Background(), parent.ClientOrderID, "cli"))
	h.waitStatus(t, parent.ClientOrderID, schema.StatusCancelled)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.mgr.List(ListFilter{Open: true})) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("children survived parent cancel")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRejectedParentReapsChildren(t *testing.T) {
	h := newHarness(t, openLimits())

	q, err := h.sim.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	h.sim.FailNext("insufficient margin")

	intent := marketIntent("AAPL", schema.OrderSideBuy, 10)
	intent.Bracket = &schema.BracketSpec{
		TakeProfitPrice: q.Ask * 1.5,
		StopLossPrice:   q.Bid * 0.5,
	}
	parent, cerr := h.mgr.Submit(context.Background(), intent, "cli")
	require.NotNil(t, cerr)
	require.Equal(t, schema.StatusRejected, parent.Status)

	// The exit legs die with the parent instead of lingering open.
	assert.Empty(t, h.mgr.List(ListFilter{Open: true}))
	assert.Equal(t, 0, h.mgr.OpenCount())
	assert.Equal(t, 0, h.risk.OpenOrders())
}

func TestTimeoutLeavesOrderForReconcile(t *testing.T) {
	h := newHarness(t, openLimits())
	h.sim.SilenceSubmits(1)

	rec, cerr := h.mgr.Submit(context.Background(), marketIntent("AAPL", schema.OrderSideBuy, 1), "cli")
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeTimeout, cerr.Code)
	assert.Equal(t, schema.StatusSubmitted, rec.Status)
	assert.Empty(t, rec.BrokerOrderID)
	assert.Equal(t, 1, h.risk.OpenOrders())

	// The broker never saw it, so reconciliation terminates it.
	h.mgr.Reconcile(context.Background())
	final := h.waitStatus(t, rec.ClientOrderID, schema.StatusCancelled)
	assert.Contains(t, final.Reason, "reconnect")
	assert.Equal(t, 0, h.risk.OpenOrders())
}

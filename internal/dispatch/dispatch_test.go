package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/audit"
	"main/internal/bus"
	"main/internal/conn"
	"main/internal/gateway"
	"main/internal/order"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/internal/wire"
)

type stubSession struct {
	actor      string
	subscribed [][]schema.Topic
	buffer     int
}

func (s *stubSession) Actor() string { return s.actor }

func (s *stubSession) Subscribe(topics []schema.Topic, buffer int) error {
	s.subscribed = append(s.subscribed, topics)
	s.buffer = buffer
	return nil
}

type harness struct {
	dispatch *Dispatcher
	orders   *order.Manager
	risk     *risk.Engine
	audit    *audit.Log
	events   *bus.Broadcaster
	sess     *stubSession
	reqID    uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "AAPL", Sector: "TECH"}))
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "XOM", Sector: "ENERGY"}))

	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	sim := gateway.NewSim(gateway.SimConfig{Seed: 23}, reg)
	events := bus.New()
	engine := risk.NewEngine(schema.RiskLimits{MaxOrderValue: 10_000_000, MaxOpenOrders: 100}, reg)
	book := state.NewBook(10_000_000)
	cm := conn.NewManager(sim, events, conn.Config{
		SubmitTimeout: 200 * time.Millisecond,
		Backoff:       conn.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	orders := order.NewManager(order.Deps{
		Risk:     engine,
		Book:     book,
		Conn:     cm,
		Audit:    log,
		Events:   events,
		Registry: reg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = cm.Run(ctx) }()
	go func() { _ = orders.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		events.Close()
		_ = log.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for cm.State() != schema.ConnConnected {
		if time.Now().After(deadline) {
			t.Fatal("gateway never connected")
		}
		time.Sleep(time.Millisecond)
	}

	h := &harness{
		orders: orders,
		risk:   engine,
		audit:  log,
		events: events,
		sess:   &stubSession{actor: "agent-1"},
	}
	h.dispatch = New(Deps{
		Conn:      cm,
		Orders:    orders,
		Risk:      engine,
		Book:      book,
		Audit:     log,
		Events:    events,
		Registry:  reg,
		StartedAt: time.Now(),
		Version:   "test",
	})
	return h
}

func (h *harness) call(t *testing.T, cmd string, args map[string]any) wire.Response {
	t.Helper()
	h.reqID++
	return h.dispatch.Handle(context.Background(), wire.Request{ID: h.reqID, Cmd: cmd, Args: args}, h.sess)
}

func (h *harness) callOK(t *testing.T, cmd string, args map[string]any) wire.Response {
	t.Helper()
	resp := h.call(t, cmd, args)
	if !resp.OK {
		t.Fatalf("%s failed: %+v", cmd, resp.Error)
	}
	return resp
}

func errCode(t *testing.T, resp wire.Response) schema.ErrorCode {
	t.Helper()
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	return schema.ErrorCode(resp.Error.Code)
}

func TestUnknownCommandSuggestsNearest(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, "order.submti", nil)
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))
	assert.Equal(t, "order.submit", resp.Error.Details["didYouMean"])

	resp = h.call(t, "definitely.not.a.command", nil)
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))
	assert.NotContains(t, resp.Error.Details, "didYouMean")
}

func TestDaemonStatus(t *testing.T) {
	h := newHarness(t)

	resp := h.callOK(t, "daemon.status", nil)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "CONNECTED", data["state"])
	assert.Equal(t, true, data["connected"])
	assert.Equal(t, "test", data["version"])
	assert.Equal(t, false, data["halted"])
	assert.Equal(t, 2, data["instruments"])
}

func TestQuoteValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.callOK(t, "quote", map[string]any{"symbol": "aapl"})
	q := resp.Data.(gateway.Quote)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Greater(t, q.Ask, q.Bid)

	resp = h.call(t, "quote", nil)
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))

	resp = h.call(t, "quote", map[string]any{"symbol": "NOPE"})
	assert.Equal(t, schema.CodeInvalidSymbol, errCode(t, resp))
}

func TestHistoryArgs(t *testing.T) {
	h := newHarness(t)

	resp := h.callOK(t, "history", map[string]any{"symbol": "AAPL", "interval": "1h", "bars": 50})
	data := resp.Data.(map[string]any)
	bars := data["bars"].([]gateway.Bar)
	assert.Len(t, bars, 50)

	resp = h.call(t, "history", map[string]any{"symbol": "AAPL", "interval": "2h"})
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))

	resp = h.call(t, "history", map[string]any{"symbol": "AAPL", "bars": 100_000})
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))
}

func TestOrderSubmitRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp := h.callOK(t, "order.submit", map[string]any{
		"symbol": "AAPL",
		"side":   "BUY",
		"qty":    10,
		"type":   "MARKET",
	})
	rec := resp.Data.(schema.OrderRecord)
	require.NotEmpty(t, rec.ClientOrderID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, ok := h.orders.Status(rec.ClientOrderID)
		if ok && got.Status == schema.StatusFilled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order never filled, stuck at %s", got.Status)
		}
		time.Sleep(time.Millisecond)
	}

	resp = h.callOK(t, "order.status", map[string]any{"clientOrderId": rec.ClientOrderID})
	assert.Equal(t, schema.StatusFilled, resp.Data.(schema.OrderRecord).Status)

	resp = h.callOK(t, "orders.list", map[string]any{"symbol": "AAPL"})
	assert.Len(t, resp.Data.(map[string]any)["orders"], 1)

	resp = h.callOK(t, "fills.list", map[string]any{"symbol": "AAPL"})
	fills := resp.Data.(map[string]any)["fills"].([]schema.Fill)
	require.NotEmpty(t, fills)
	assert.Equal(t, 10.0, fills[0].Qty)

	resp = h.callOK(t, "positions", nil)
	positions := resp.Data.(map[string]any)["positions"].([]state.Position)
	require.Len(t, positions, 1)
	assert.Equal(t, 10.0, positions[0].Qty)
}

func TestSubmitValidationRejectsBeforeComponents(t *testing.T) {
	h := newHarness(t)

	cases := []map[string]any{
		{"side": "BUY", "qty": 10, "type": "MARKET"},                               // no symbol
		{"symbol": "AAPL", "side": "HOLD", "qty": 10},                              // bad side
		{"symbol": "AAPL", "side": "BUY", "qty": -5},                               // bad qty
		{"symbol": "AAPL", "side": "BUY", "qty": 10, "type": "TRAILING"},           // bad type
		{"symbol": "AAPL", "side": "BUY", "qty": 10, "timeInForce": "FOREVER"},     // bad tif
		{"symbol": "AAPL", "side": "BUY", "qty": 10, "type": "LIMIT", "limitPrice": -1},
	}
	for _, args := range cases {
		resp := h.call(t, "order.submit", args)
		assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp), "args %v", args)
	}
	assert.Zero(t, h.risk.OpenOrders())
}

func TestRiskHaltBlocksAndResumeRestores(t *testing.T) {
	h := newHarness(t)

	h.callOK(t, "risk.halt", map[string]any{"reason": "fat finger review"})

	resp := h.call(t, "order.submit", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 1, "type": "MARKET",
	})
	assert.Equal(t, schema.CodeRiskHalted, errCode(t, resp))

	h.callOK(t, "risk.resume", nil)
	h.callOK(t, "order.submit", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 1, "type": "MARKET",
	})
}

func TestRiskSetAndOverride(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, "risk.set", map[string]any{"param": "max_order_values", "value": 5000})
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))

	resp = h.callOK(t, "risk.set", map[string]any{"param": "max_order_value", "value": 5000})
	limits := resp.Data.(map[string]any)["limits"].(schema.RiskLimits)
	assert.Equal(t, 5000.0, limits.MaxOrderValue)

	resp = h.call(t, "risk.override", map[string]any{"param": "max_order_value", "value": 9000, "ttlSeconds": 60})
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp)) // reason required

	resp = h.callOK(t, "risk.override", map[string]any{
		"param": "max_order_value", "value": 9000, "ttlSeconds": 60, "reason": "earnings window",
	})
	ov := resp.Data.(schema.RiskOverride)
	assert.Equal(t, schema.ParamMaxOrderValue, ov.Param)

	resp = h.callOK(t, "risk.limits", nil)
	data := resp.Data.(map[string]any)
	assert.Equal(t, 9000.0, data["limits"].(schema.RiskLimits).MaxOrderValue)
	assert.Len(t, data["overrides"].([]schema.RiskOverride), 1)
}

func TestRiskCheckIsDryRun(t *testing.T) {
	h := newHarness(t)

	resp := h.callOK(t, "risk.check", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 10, "type": "LIMIT", "limitPrice": 100,
	})
	decision := resp.Data.(schema.RiskDecision)
	assert.True(t, decision.OK)
	assert.Zero(t, h.risk.OpenOrders())

	h.risk.Halt("drill")
	resp = h.callOK(t, "risk.check", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 10, "type": "LIMIT", "limitPrice": 100,
	})
	decision = resp.Data.(schema.RiskDecision)
	assert.False(t, decision.OK)
	assert.Equal(t, schema.CodeRiskHalted, decision.Code)
}

func TestRiskCheckPricesMarketOrders(t *testing.T) {
	h := newHarness(t)
	h.callOK(t, "risk.set", map[string]any{"param": "max_order_value", "value": 50})

	// A market order must be marked off a live quote, not a zero notional.
	resp := h.callOK(t, "risk.check", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 100, "type": "MARKET",
	})
	decision := resp.Data.(schema.RiskDecision)
	assert.False(t, decision.OK)
	assert.Contains(t, decision.Detail, "max_order_value")

	// The same intent fails the real submission the same way.
	resp = h.call(t, "order.submit", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 100, "type": "MARKET",
	})
	assert.Equal(t, decision.Code, errCode(t, resp))
}

func TestSubscribeTopicsValidated(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, "agent.subscribe", map[string]any{"topics": []any{"orders", "gossip"}})
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))
	assert.Empty(t, h.sess.subscribed)

	h.callOK(t, "agent.subscribe", map[string]any{"topics": []any{"orders", "fills"}, "buffer": 16})
	require.Len(t, h.sess.subscribed, 1)
	assert.Equal(t, []schema.Topic{schema.TopicOrders, schema.TopicFills}, h.sess.subscribed[0])
	assert.Equal(t, 16, h.sess.buffer)

	h.callOK(t, "agent.subscribe", nil)
	assert.Equal(t, schema.Topics(), h.sess.subscribed[1])
	assert.Equal(t, defaultSubscribeBuffer, h.sess.buffer)
}

func TestHeartbeatCountsAgents(t *testing.T) {
	h := newHarness(t)

	h.callOK(t, "agent.heartbeat", nil)
	resp := h.callOK(t, "daemon.status", nil)
	assert.Equal(t, 1, resp.Data.(map[string]any)["agents"])
}

func TestCommandsAreAudited(t *testing.T) {
	h := newHarness(t)

	h.callOK(t, "daemon.status", nil)
	h.call(t, "quote", map[string]any{"symbol": "NOPE"})

	resp := h.callOK(t, "audit.commands", nil)
	entries := resp.Data.(map[string]any)["entries"].([]schema.AuditEntry)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "agent-1", entries[0].Actor)
	assert.Equal(t, "daemon.status", entries[0].Payload["cmd"])
	assert.Equal(t, "OK", entries[0].ResultCode)
	assert.Equal(t, string(schema.CodeInvalidSymbol), entries[1].ResultCode)
}

func TestRiskChangesAudited(t *testing.T) {
	h := newHarness(t)

	h.callOK(t, "risk.halt", map[string]any{"reason": "drill"})
	h.callOK(t, "risk.resume", nil)

	resp := h.callOK(t, "audit.risk", nil)
	entries := resp.Data.(map[string]any)["entries"].([]schema.AuditEntry)
	require.Len(t, entries, 2)
	assert.Equal(t, "halt", entries[0].Payload["action"])
	assert.Equal(t, "resume", entries[1].Payload["action"])
}

func TestAuditExportRoundTrips(t *testing.T) {
	h := newHarness(t)

	h.callOK(t, "daemon.status", nil)
	h.callOK(t, "risk.limits", nil)

	resp := h.callOK(t, "audit.export", map[string]any{"format": "jsonl", "kind": "command"})
	data := resp.Data.(map[string]any)
	assert.Equal(t, "jsonl", data["format"])

	parsed, err := audit.ParseJSONL(strings.NewReader(data["content"].(string)))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "daemon.status", parsed[0].Payload["cmd"])

	resp = h.call(t, "audit.export", map[string]any{"format": "xml"})
	assert.Equal(t, schema.CodeInvalidArgs, errCode(t, resp))
}

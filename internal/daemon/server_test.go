package daemon

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/audit"
	"main/internal/bus"
	"main/internal/client"
	"main/internal/conn"
	"main/internal/dispatch"
	"main/internal/gateway"
	"main/internal/order"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/internal/wire"
)

type harness struct {
	socket string
	events *bus.Broadcaster
	server *Server
	audit  *audit.Log
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "AAPL", Sector: "TECH"}))

	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	sim := gateway.NewSim(gateway.SimConfig{Seed: 31}, reg)
	events := bus.New()
	engine := risk.NewEngine(schema.RiskLimits{MaxOrderValue: 10_000_000, MaxOpenOrders: 100}, reg)
	book := state.NewBook(10_000_000)
	cm := conn.NewManager(sim, events, conn.Config{
		SubmitTimeout: 200 * time.Millisecond,
		Backoff:       conn.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	orders := order.NewManager(order.Deps{
		Risk: engine, Book: book, Conn: cm, Audit: log, Events: events, Registry: reg,
	})
	d := dispatch.New(dispatch.Deps{
		Conn: cm, Orders: orders, Risk: engine, Book: book, Audit: log,
		Events: events, Registry: reg, StartedAt: time.Now(), Version: "test",
	})

	socket := filepath.Join(t.TempDir(), "brokerd.sock")
	srv := New(Config{SocketPath: socket}, d, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = cm.Run(ctx) }()
	go func() { _ = orders.Run(ctx) }()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server never stopped")
		}
		events.Close()
		_ = log.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, cerr := client.Dial(socket, "ping", 50*time.Millisecond); cerr == nil {
			_ = c.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon socket never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for cm.State() != schema.ConnConnected {
		if time.Now().After(deadline) {
			t.Fatal("gateway never connected")
		}
		time.Sleep(time.Millisecond)
	}
	return &harness{socket: socket, events: events, server: srv, audit: log}
}

func (h *harness) dial(t *testing.T, actor string) *client.Client {
	t.Helper()
	c, cerr := client.Dial(h.socket, actor, time.Second)
	require.Nil(t, cerr)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callOK(t *testing.T, c *client.Client, cmd string, args map[string]any) wire.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, cerr := c.Call(ctx, cmd, args)
	require.Nil(t, cerr, "transport error on %s", cmd)
	require.True(t, resp.OK, "%s failed: %+v", cmd, resp.Error)
	return resp
}

func TestDialFailureIsDaemonNotRunning(t *testing.T) {
	_, cerr := client.Dial(filepath.Join(t.TempDir(), "nope.sock"), "cli", 100*time.Millisecond)
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeDaemonNotRunning, cerr.Code)
}

func TestRequestResponseOverSocket(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "cli")

	resp := callOK(t, c, "daemon.status", nil)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "CONNECTED", data["state"])

	resp = callOK(t, c, "order.submit", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 5, "type": "MARKET",
	})
	rec := decodeRecord(t, resp.Data)
	assert.NotEmpty(t, rec.ClientOrderID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = callOK(t, c, "order.status", map[string]any{"clientOrderId": rec.ClientOrderID})
		if decodeRecord(t, resp.Data).Status == schema.StatusFilled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("order never filled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsStreamToSubscriber(t *testing.T) {
	h := newHarness(t)
	watcher := h.dial(t, "watcher")
	trader := h.dial(t, "trader")

	got := make(chan wire.Event, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_ = watcher.Subscribe(ctx, []string{"orders", "fills"}, 32, func(ev wire.Event) bool {
			got <- ev
			return true
		})
	}()

	// Let the subscription land before publishing anything.
	deadline := time.Now().Add(2 * time.Second)
	for h.events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	callOK(t, trader, "order.submit", map[string]any{
		"symbol": "AAPL", "side": "BUY", "qty": 5, "type": "MARKET",
	})

	topics := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for !(topics["orders"] && topics["fills"]) {
		select {
		case ev := <-got:
			topics[ev.Topic] = true
		case <-timeout:
			t.Fatalf("missing topics, saw %v", topics)
		}
	}
	cancel()
	<-streamDone
}

func TestSessionTeardownLeavesOthersAlive(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, "a")
	b := h.dial(t, "b")

	callOK(t, a, "agent.subscribe", map[string]any{"topics": []string{"orders"}})
	require.Equal(t, 1, h.events.SubscriberCount())

	require.NoError(t, a.Close())

	deadline := time.Now().Add(2 * time.Second)
	for h.events.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	callOK(t, b, "daemon.status", nil)
}

func TestLaggedSubscriberGetsFellBehindNotice(t *testing.T) {
	events := bus.New()
	defer events.Close()
	srv := New(Config{SocketPath: filepath.Join(t.TempDir(), "brokerd.sock")}, nil, events, nil)

	srvConn, cliConn := net.Pipe()
	sess := newSession(srv, 1, srvConn)
	go sess.writeLoop()
	t.Cleanup(sess.shutdown)

	sub, err := events.Subscribe([]schema.Topic{schema.TopicOrders}, 1)
	require.NoError(t, err)
	sess.sub = sub

	// Overflow before the forwarder starts: the broadcaster parks the
	// notice and closes the stream, so the forwarder wakes up with the
	// event, notice and done cases all ready at once.
	events.Emit(schema.TopicOrders, map[string]any{"n": 1})
	events.Emit(schema.TopicOrders, map[string]any{"n": 2})
	require.Equal(t, 0, events.SubscriberCount())

	go sess.forward(sub)

	require.NoError(t, cliConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := wire.NewReader(cliConn, 0)
	for {
		frame, err := reader.ReadFrame()
		require.NoError(t, err, "stream ended before the fell-behind notice")
		require.Equal(t, wire.FrameEvent, frame.Kind)
		ev, err := wire.DecodeEvent(frame.Payload)
		require.NoError(t, err)
		if ev.Topic != string(schema.TopicConnection) {
			continue
		}
		assert.Equal(t, true, ev.Data["fellBehind"])
		return
	}
}

func TestActorReachesAuditTrail(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "ops-jane")

	callOK(t, c, "risk.halt", map[string]any{"reason": "drill"})
	callOK(t, c, "risk.resume", nil)

	entries, err := h.audit.Entries(audit.Filter{Kind: schema.AuditCommand, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ops-jane", entries[0].Actor)
}

func TestMalformedRequestGetsErrorResponse(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "cli")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, cerr := c.Call(ctx, "order.submti", nil)
	require.Nil(t, cerr)
	require.False(t, resp.OK)
	assert.Equal(t, string(schema.CodeInvalidArgs), resp.Error.Code)
	assert.Equal(t, "order.submit", resp.Error.Details["didYouMean"])
}

// decodeRecord tolerates both the in-process struct and the msgpack map the
// wire round-trip produces.
func decodeRecord(t *testing.T, data any) schema.OrderRecord {
	t.Helper()
	switch v := data.(type) {
	case schema.OrderRecord:
		return v
	case map[string]any:
		rec := schema.OrderRecord{}
		if s, ok := v["clientOrderId"].(string); ok {
			rec.ClientOrderID = s
		}
		if s, ok := v["status"].(string); ok {
			rec.Status = schema.OrderStatus(s)
		}
		return rec
	default:
		t.Fatalf("unexpected record payload %T", data)
		return schema.OrderRecord{}
	}
}

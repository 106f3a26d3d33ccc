package conn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/gateway"
	"main/internal/schema"
)

func testClient(t *testing.T) *gateway.Sim {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Add(schema.Instrument{Symbol: "AAPL", Sector: "TECH"}))
	return gateway.NewSim(gateway.SimConfig{Seed: 7}, reg)
}

func fastConfig() Config {
	return Config{
		SubmitTimeout: 200 * time.Millisecond,
		Backoff:       Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}
}

func waitForState(t *testing.T, m *Manager, want schema.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, got %s", want, m.State())
}

func waitForHooks(t *testing.T, calls *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("hook calls never reached %d, got %d", want, calls.Load())
}

func TestRunConnectsAndPublishesState(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub, err := events.Subscribe([]schema.Topic{schema.TopicConnection}, 16)
	require.NoError(t, err)
	defer sub.Close()

	m := NewManager(testClient(t), events, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitForState(t, m, schema.ConnConnected)

	var states []string
	for len(states) < 2 {
		select {
		case env := <-sub.Events():
			states = append(states, env.Data["state"].(string))
		case <-time.After(time.Second):
			t.Fatal("missing connection events")
		}
	}
	assert.Equal(t, []string{"CONNECTING", "CONNECTED"}, states)
}

func TestReconnectAfterDrop(t *testing.T) {
	client := testClient(t)
	m := NewManager(client, nil, fastConfig())

	var hookCalls atomic.Int32
	m.OnReconnect(func(context.Context) { hookCalls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitForState(t, m, schema.ConnConnected)
	waitForHooks(t, &hookCalls, 1)

	client.Disconnect("broker maintenance")
	waitForState(t, m, schema.ConnConnected)
	waitForHooks(t, &hookCalls, 2)

	assert.Equal(t, uint64(1), m.Reconnects())
	assert.Contains(t, m.LastDropReason(), "broker maintenance")
}

func TestDropDegradesAndSignalsConnected(t *testing.T) {
	events := bus.New()
	defer events.Close()
	sub, err := events.Subscribe([]schema.Topic{schema.TopicConnection}, 16)
	require.NoError(t, err)
	defer sub.Close()

	client := testClient(t)
	m := NewManager(client, events, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	waitForState(t, m, schema.ConnConnected)
	client.Disconnect("broker maintenance")
	waitForState(t, m, schema.ConnConnected)

	// CONNECTING, CONNECTED, then the drop: DEGRADED before the retry.
	var states []string
	connected := map[string]bool{}
	for len(states) < 4 {
		select {
		case env := <-sub.Events():
			state := env.Data["state"].(string)
			states = append(states, state)
			connected[state] = env.Data["connected"].(bool)
		case <-time.After(time.Second):
			t.Fatalf("missing connection events, got %v", states)
		}
	}
	assert.Contains(t, states, "DEGRADED")
	assert.False(t, connected["DEGRADED"])
	assert.True(t, connected["CONNECTED"])
}

func TestSubmitWhileDisconnected(t *testing.T) {
	m := NewManager(testClient(t), nil, fastConfig())

	_, cerr := m.Submit(context.Background(), schema.OrderRecord{ClientOrderID: "c1", Symbol: "AAPL"})
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeDisconnected, cerr.Code)

	cancelErr := m.Cancel(context.Background(), "SIM-000001")
	require.NotNil(t, cancelErr)
	assert.Equal(t, schema.CodeDisconnected, cancelErr.Code)
}

func TestSubmitTimeoutClassification(t *testing.T) {
	client := testClient(t)
	m := NewManager(client, nil, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitForState(t, m, schema.ConnConnected)

	client.SilenceSubmits(1)
	start := time.Now()
	_, cerr := m.Submit(context.Background(), schema.OrderRecord{
		ClientOrderID: "c2",
		Symbol:        "AAPL",
		Side:          schema.OrderSideBuy,
		Qty:           1,
		Type:          schema.OrderTypeMarket,
	})
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeTimeout, cerr.Code)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSubmitRejectClassification(t *testing.T) {
	client := testClient(t)
	m := NewManager(client, nil, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitForState(t, m, schema.ConnConnected)

	client.FailNext("insufficient margin")
	_, cerr := m.Submit(context.Background(), schema.OrderRecord{
		ClientOrderID: "c3",
		Symbol:        "AAPL",
		Side:          schema.OrderSideBuy,
		Qty:           1,
		Type:          schema.OrderTypeMarket,
	})
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeRejected, cerr.Code)
	assert.Contains(t, cerr.Message, "insufficient margin")
}

func TestCallWrapsReads(t *testing.T) {
	client := testClient(t)
	m := NewManager(client, nil, fastConfig())

	_, cerr := Call(context.Background(), m, "quote", func(ctx context.Context) (gateway.Quote, error) {
		return m.Client().Quote(ctx, "AAPL")
	})
	require.NotNil(t, cerr)
	assert.Equal(t, schema.CodeDisconnected, cerr.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitForState(t, m, schema.ConnConnected)

	q, cerr := Call(context.Background(), m, "quote", func(ctx context.Context) (gateway.Quote, error) {
		return m.Client().Quote(ctx, "AAPL")
	})
	require.Nil(t, cerr)
	assert.Greater(t, q.Last, 0.0)
}

func TestBackoffGrowthAndCap(t *testing.T) {
	b := Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second}

	assert.Equal(t, 500*time.Millisecond, b.Next(1))
	assert.Equal(t, time.Second, b.Next(2))
	assert.Equal(t, 16*time.Second, b.Next(6))
	assert.Equal(t, 30*time.Second, b.Next(8))
	assert.Equal(t, 30*time.Second, b.Next(50))

	jittered := Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := jittered.Next(3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

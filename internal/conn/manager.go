// Package conn owns gateway connectivity: a single reconnect loop with
// exponential backoff, an atomically readable connection state, and submit
// and cancel wrappers that classify failures into the client-facing codes.
package conn

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/gateway"
	"main/internal/schema"
)

// Config tunes the manager.
type Config struct {
	SubmitTimeout time.Duration // default 5s
	Backoff       Backoff
}

// Manager runs the reconnect loop and fronts every gateway call made by the
// rest of the daemon.
type Manager struct {
	client gateway.Client
	bus    *bus.Broadcaster
	cfg    Config

	state      atomic.Uint32
	reconnects atomic.Uint64
	lastDrop   atomic.Value // string

	mu          sync.Mutex
	onReconnect func(ctx context.Context)
}

// NewManager wraps a gateway client. Events publishes connection state
// transitions on the connection topic; it may be nil in tests.
func NewManager(client gateway.Client, events *bus.Broadcaster, cfg Config) *Manager {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	m := &Manager{client: client, bus: events, cfg: cfg}
	m.state.Store(uint32(schema.ConnDisconnected))
	m.lastDrop.Store("")
	return m
}

// OnReconnect registers the hook invoked after every successful connect,
// including the first. The Order Manager uses it to reconcile open orders.
func (m *Manager) OnReconnect(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Run drives the connect/reconnect loop until ctx ends. It is the only
// goroutine that moves the connection state.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			m.setState(schema.ConnDisconnected, "shutdown")
			return err
		}

		m.setState(schema.ConnConnecting, "")
		if err := m.client.Connect(ctx); err != nil {
			attempt++
			wait := m.cfg.Backoff.Next(attempt)
			logs.Warnf("gateway connect failed (attempt %d, retry in %s): %+v", attempt, wait, err)
			m.setState(schema.ConnDisconnected, err.Error())
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		if attempt > 0 {
			m.reconnects.Add(1)
		}
		attempt = 0
		m.setState(schema.ConnConnected, "")
		logs.Info("gateway connected")

		m.mu.Lock()
		hook := m.onReconnect
		m.mu.Unlock()
		if hook != nil {
			hook(ctx)
		}

		select {
		case <-ctx.Done():
			_ = m.client.Close()
			m.setState(schema.ConnDisconnected, "shutdown")
			return ctx.Err()
		case err := <-m.client.Done():
			reason := "session closed"
			if err != nil {
				reason = err.Error()
			}
			logs.Warnf("gateway session dropped: %s", reason)
			// An unexpected drop degrades the session while reconnection
			// is pending; Disconnected is reserved for deliberate stops.
			m.setState(schema.ConnDegraded, reason)
			attempt++
			if !sleepCtx(ctx, m.cfg.Backoff.Next(attempt)) {
				return ctx.Err()
			}
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() schema.ConnectionState {
	return schema.ConnectionState(m.state.Load())
}

// Reconnects returns how many times the session was re-established.
func (m *Manager) Reconnects() uint64 {
	return m.reconnects.Load()
}

// LastDropReason returns the most recent drop cause, "" when none.
func (m *Manager) LastDropReason() string {
	s, _ := m.lastDrop.Load().(string)
	return s
}

// Client exposes the underlying gateway for event channel access.
func (m *Manager) Client() gateway.Client {
	return m.client
}

func (m *Manager) setState(next schema.ConnectionState, reason string) {
	prev := schema.ConnectionState(m.state.Swap(uint32(next)))
	if reason != "" {
		m.lastDrop.Store(reason)
	}
	if prev == next {
		return
	}
	if m.bus != nil {
		m.bus.Emit(schema.TopicConnection, map[string]any{
			"state":     next.String(),
			"connected": next == schema.ConnConnected,
			"reason":    reason,
		})
	}
}

// Submit sends an order with the submit timeout and classifies failures.
// A deadline hit is reported as TIMEOUT with the order possibly live at the
// broker; callers must not assume it was rejected.
func (m *Manager) Submit(ctx context.Context, ord schema.OrderRecord) (string, *schema.CodedError) {
	if m.State() != schema.ConnConnected {
		return "", schema.NewCodedError(schema.CodeDisconnected, "gateway disconnected")
	}
	subCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()
	brokerID, err := m.client.SubmitOrder(subCtx, ord)
	if err != nil {
		return "", m.classify(err, "submit")
	}
	return brokerID, nil
}

// Cancel sends a cancel request with the submit timeout.
func (m *Manager) Cancel(ctx context.Context, brokerOrderID string) *schema.CodedError {
	if m.State() != schema.ConnConnected {
		return schema.NewCodedError(schema.CodeDisconnected, "gateway disconnected")
	}
	subCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()
	if err := m.client.CancelOrder(subCtx, brokerOrderID); err != nil {
		return m.classify(err, "cancel")
	}
	return nil
}

// Call runs a read-only gateway operation with the submit timeout and
// classified failure.
func Call[T any](ctx context.Context, m *Manager, op string, fn func(ctx context.Context) (T, error)) (T, *schema.CodedError) {
	var zero T
	if m.State() != schema.ConnConnected {
		return zero, schema.NewCodedError(schema.CodeDisconnected, "gateway disconnected")
	}
	subCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()
	out, err := fn(subCtx)
	if err != nil {
		return zero, m.classify(err, op)
	}
	return out, nil
}

// classify maps a gateway error to the closed client-facing code set.
func (m *Manager) classify(err error, op string) *schema.CodedError {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return schema.NewCodedError(schema.CodeTimeout, op+" timed out").
			WithDetail("timeout", m.cfg.SubmitTimeout.String())
	case stderrors.Is(err, gateway.ErrNotConnected):
		return schema.NewCodedError(schema.CodeDisconnected, "gateway disconnected")
	case stderrors.Is(err, gateway.ErrRejected):
		return schema.NewCodedError(schema.CodeRejected, err.Error())
	case stderrors.Is(err, gateway.ErrUnknownOrder):
		return schema.NewCodedError(schema.CodeInvalidArgs, err.Error())
	case stderrors.Is(err, context.Canceled):
		return schema.NewCodedError(schema.CodeInternal, op+" cancelled")
	default:
		logs.Errorf("gateway %s failed: %+v", op, err)
		return schema.NewCodedError(schema.CodeInternal, op+" failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

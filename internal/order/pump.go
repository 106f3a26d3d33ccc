package order

import (
	"context"

	"github.com/yanun0323/logs"

	"main/internal/conn"
	"main/internal/gateway"
	"main/internal/schema"
)

// Run consumes gateway order events and market data until ctx ends. It is
// the only writer of fill bookkeeping.
func (m *Manager) Run(ctx context.Context) error {
	client := m.deps.Conn.Client()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.OrderEvents():
			if !ok {
				return nil
			}
			m.handleOrderEvent(ctx, ev)
		case q, ok := <-client.MarketData():
			if !ok {
				return nil
			}
			m.deps.Book.SetMark(q.Symbol, q.Mid())
		}
	}
}

func (m *Manager) handleOrderEvent(ctx context.Context, ev gateway.OrderEvent) {
	clientID := m.resolveClientID(ev)
	if clientID == "" {
		logs.Warnf("order event %s for unknown order (broker id %s)", ev.Kind, ev.BrokerOrderID)
		return
	}

	switch ev.Kind {
	case gateway.OrderEventAck:
		// Late acks adopt the broker id for orders stuck after a timeout.
		_, _ = m.transition(clientID, "", "", ev.BrokerOrderID)
	case gateway.OrderEventFill:
		if ev.Fill != nil {
			m.applyFill(ctx, clientID, *ev.Fill)
		}
	case gateway.OrderEventCancel:
		rec, moved := m.transition(clientID, schema.StatusCancelled, "cancelled by broker", "")
		if !moved {
			return
		}
		m.releaseFor(rec)
		_ = m.auditOrder("gateway", rec, "cancelled")
		m.emitOrder(rec)
		m.reapChildren(ctx, rec, "gateway")
	case gateway.OrderEventReject:
		rec, moved := m.transition(clientID, schema.StatusRejected, ev.Reason, "")
		if !moved {
			return
		}
		m.releaseFor(rec)
		_ = m.auditOrder("gateway", rec, string(schema.CodeRejected))
		m.emitOrder(rec)
		m.reapChildren(ctx, rec, "gateway")
	case gateway.OrderEventExpire:
		rec, moved := m.transition(clientID, schema.StatusExpired, "expired at broker", "")
		if !moved {
			return
		}
		m.releaseFor(rec)
		_ = m.auditOrder("gateway", rec, "expired")
		m.emitOrder(rec)
		m.reapChildren(ctx, rec, "gateway")
	default:
		logs.Warnf("unknown order event kind %q", ev.Kind)
	}
}

func (m *Manager) resolveClientID(ev gateway.OrderEvent) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ClientOrderID != "" {
		if _, ok := m.orders[ev.ClientOrderID]; ok {
			return ev.ClientOrderID
		}
	}
	if ev.BrokerOrderID != "" {
		return m.byBroker[ev.BrokerOrderID]
	}
	return ""
}

// applyFill folds one execution into the record, the position book, and the
// event stream, then drives bracket group transitions.
func (m *Manager) applyFill(ctx context.Context, clientID string, fill schema.Fill) {
	m.mu.Lock()
	rec, ok := m.orders[clientID]
	if !ok || rec.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	// A fill can outrun the submit path's own bookkeeping; a fill implies
	// the broker acknowledged.
	if rec.Status == schema.StatusPendingSubmit {
		rec.Status = schema.StatusSubmitted
	}
	prevFilled := rec.FilledQty
	rec.AvgFillPrice = (rec.AvgFillPrice*prevFilled + fill.Price*fill.Qty) / (prevFilled + fill.Qty)
	rec.FilledQty = prevFilled + fill.Qty
	full := rec.FilledQty >= rec.Qty
	next := schema.StatusPartFilled
	if full {
		next = schema.StatusFilled
	}
	if rec.Status.CanTransition(next) {
		rec.Status = next
	}
	rec.UpdatedAt = m.now()
	snapshot := *rec
	m.fills = append(m.fills, fill)
	m.mu.Unlock()

	m.deps.Book.ApplyFill(fill)

	_ = m.auditOrder("gateway", snapshot, "fill")
	m.emitOrder(snapshot)
	if m.deps.Events != nil {
		m.deps.Events.Emit(schema.TopicFills, map[string]any{
			"clientOrderId": snapshot.ClientOrderID,
			"symbol":        fill.Symbol,
			"side":          string(fill.Side),
			"qty":           fill.Qty,
			"price":         fill.Price,
		})
		m.deps.Events.Emit(schema.TopicPositions, map[string]any{
			"symbol": fill.Symbol,
		})
		summary := m.deps.Book.PnLToday()
		m.deps.Events.Emit(schema.TopicPnL, map[string]any{
			"realizedToday": summary.RealizedToday,
			"unrealized":    summary.Unrealized,
			"equity":        summary.Equity,
		})
	}

	if full {
		m.releaseFor(snapshot)
		switch snapshot.BracketRole {
		case schema.BracketRoleParent:
			m.releaseChildren(ctx, snapshot.BracketGroupID)
		case schema.BracketRoleTakeProfit, schema.BracketRoleStopLoss:
			m.onChildFilled(ctx, snapshot.ClientOrderID, snapshot.BracketGroupID)
		}
	}
}

// Reconcile aligns local records with the broker's working order list after
// a reconnect. Orders the broker no longer knows are terminated; orders left
// in limbo by an ack timeout adopt the broker id when the broker has them.
func (m *Manager) Reconcile(ctx context.Context) {
	open, cerr := conn.Call(ctx, m.deps.Conn, "openOrders", func(ctx context.Context) ([]schema.OrderRecord, error) {
		return m.deps.Conn.Client().OpenOrders(ctx)
	})
	if cerr != nil {
		logs.Warnf("reconcile skipped: %s", cerr.Message)
		return
	}

	byBroker := make(map[string]schema.OrderRecord, len(open))
	byClient := make(map[string]schema.OrderRecord, len(open))
	for _, rec := range open {
		if rec.BrokerOrderID != "" {
			byBroker[rec.BrokerOrderID] = rec
		}
		if rec.ClientOrderID != "" {
			byClient[rec.ClientOrderID] = rec
		}
	}

	m.mu.Lock()
	type action struct {
		id       string
		adopt    string
		presumed bool
	}
	var actions []action
	for id, rec := range m.orders {
		if rec.Status.IsTerminal() || rec.Status == schema.StatusPendingRisk {
			continue
		}
		if rec.BrokerOrderID == "" {
			// Ack timeout limbo: adopt when the broker reports it.
			if remote, ok := byClient[id]; ok && remote.BrokerOrderID != "" {
				actions = append(actions, action{id: id, adopt: remote.BrokerOrderID})
			} else if rec.Status == schema.StatusSubmitted {
				actions = append(actions, action{id: id, presumed: true})
			}
			continue
		}
		if _, ok := byBroker[rec.BrokerOrderID]; !ok && rec.Status != schema.StatusFilled {
			actions = append(actions, action{id: id, presumed: true})
		}
	}
	m.mu.Unlock()

	for _, act := range actions {
		if act.adopt != "" {
			rec, _ := m.transition(act.id, "", "reconciled after reconnect", act.adopt)
			_ = m.auditOrder("daemon", rec, "reconciled")
			m.emitOrder(rec)
			continue
		}
		rec, moved := m.transition(act.id, schema.StatusCancelled, "not open at broker after reconnect", "")
		if !moved {
			continue
		}
		m.releaseFor(rec)
		_ = m.auditOrder("daemon", rec, "reconciled")
		m.emitOrder(rec)
		m.reapChildren(ctx, rec, "daemon")
	}
	logs.Infof("reconcile complete: %d broker open orders, %d local adjustments", len(open), len(actions))
}

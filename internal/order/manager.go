// Package order owns the order lifecycle: validation, idempotent submission
// through the risk engine, gateway hand-off, fill and cancel bookkeeping,
// bracket groups, and reconciliation after a reconnect. Every transition is
// audit-logged before the caller sees the result.
package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/audit"
	"main/internal/bus"
	"main/internal/conn"
	"main/internal/gateway"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
)

// Deps wires the manager's collaborators.
type Deps struct {
	Risk     *risk.Engine
	Book     *state.Book
	Conn     *conn.Manager
	Audit    *audit.Log
	Events   *bus.Broadcaster
	Registry *schema.Registry
	Metrics  *obs.Metrics
}

// Manager is the order state owner. All record mutation happens under mu;
// gateway I/O never does.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	orders   map[string]*schema.OrderRecord // by client order id
	byBroker map[string]string
	byIdem   map[string]string
	fills    []schema.Fill
	brackets map[string]*bracketGroup

	now func() time.Time
}

// NewManager creates an empty manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		orders:   make(map[string]*schema.OrderRecord),
		byBroker: make(map[string]string),
		byIdem:   make(map[string]string),
		brackets: make(map[string]*bracketGroup),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock swaps the time source, used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Submit runs the full pipeline: validate, idempotency lookup, risk check,
// durable intent, gateway hand-off, result bookkeeping. A resubmission with a
// known idempotency key returns the original record without side effects.
func (m *Manager) Submit(ctx context.Context, intent schema.OrderIntent, actor string) (schema.OrderRecord, *schema.CodedError) {
	start := time.Now()
	defer func() { m.deps.Metrics.ObserveSubmit(time.Since(start)) }()
	if cerr := validateIntent(intent, m.deps.Registry); cerr != nil {
		return schema.OrderRecord{}, cerr
	}

	if intent.IdempotencyKey != "" {
		if rec, ok := m.idempotentMatch(intent.IdempotencyKey); ok {
			return rec, nil
		}
	}

	mark := m.ReferencePrice(ctx, intent.Symbol)
	if intent.ReferencePrice(mark) <= 0 {
		return schema.OrderRecord{}, schema.NewCodedError(schema.CodeInvalidArgs,
			"no reference price available for "+intent.Symbol)
	}

	view := m.deps.Book.ExposureView(m.deps.Registry)
	view.Mark = mark
	decision := m.deps.Risk.Admit(intent, view)
	if !decision.OK {
		m.deps.Metrics.RiskRejected(string(decision.Code))
		m.auditRisk(actor, map[string]any{
			"symbol": intent.Symbol,
			"side":   intent.Side,
			"qty":    intent.Qty,
			"detail": decision.Detail,
		}, string(decision.Code))
		return schema.OrderRecord{}, schema.NewCodedError(decision.Code, decision.Detail)
	}

	rec := m.createRecord(intent)
	if cerr := m.auditOrder(actor, rec, "accepted"); cerr != nil {
		m.dropRecord(rec.ClientOrderID)
		m.deps.Risk.Release()
		return schema.OrderRecord{}, cerr
	}

	// Gateway hand-off happens outside every lock.
	brokerID, cerr := m.deps.Conn.Submit(ctx, rec)
	switch {
	case cerr == nil:
		rec, _ = m.transition(rec.ClientOrderID, schema.StatusSubmitted, "", brokerID)
	case cerr.Code == schema.CodeTimeout:
		// The broker may have accepted; reconciliation resolves it.
		rec, _ = m.transition(rec.ClientOrderID, schema.StatusSubmitted, "ack timeout, pending reconcile", "")
		_ = m.auditOrder(actor, rec, string(schema.CodeTimeout))
		return rec, cerr
	default:
		var moved bool
		rec, moved = m.transition(rec.ClientOrderID, schema.StatusRejected, cerr.Message, "")
		if moved {
			m.deps.Risk.Release()
			m.reapChildren(ctx, rec, actor)
		}
		_ = m.auditOrder(actor, rec, string(cerr.Code))
		m.emitOrder(rec)
		return rec, cerr
	}

	_ = m.auditOrder(actor, rec, "submitted")
	m.emitOrder(rec)
	return rec, nil
}

// Cancel requests cancellation of one order. Orders still waiting on a
// bracket parent are cancelled locally; live orders go through the gateway
// and terminate when the broker confirms.
func (m *Manager) Cancel(ctx context.Context, clientOrderID, actor string) *schema.CodedError {
	m.mu.Lock()
	rec, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return schema.NewCodedError(schema.CodeInvalidArgs, "unknown order "+clientOrderID)
	}
	if rec.Status.IsTerminal() {
		m.mu.Unlock()
		return schema.NewCodedError(schema.CodeInvalidArgs,
			"order "+clientOrderID+" already "+string(rec.Status))
	}
	snapshot := *rec
	local := snapshot.BrokerOrderID == ""
	brokerID := snapshot.BrokerOrderID
	isBracketParent := snapshot.BracketRole == schema.BracketRoleParent && snapshot.FilledQty == 0
	m.mu.Unlock()

	if local {
		done, moved := m.transition(clientOrderID, schema.StatusCancelled, "cancelled before submission", "")
		if moved {
			m.releaseFor(done)
		}
		_ = m.auditOrder(actor, done, "cancelled")
		m.emitOrder(done)
	} else {
		if cerr := m.deps.Conn.Cancel(ctx, brokerID); cerr != nil {
			return cerr
		}
		_ = m.auditOrder(actor, snapshot, "cancel requested")
	}

	// Cancelling an unfilled parent takes the whole group down.
	if isBracketParent {
		m.cancelChildren(ctx, snapshot.BracketGroupID, actor, "parent cancelled")
	}
	return nil
}

// CancelAllResult summarizes a cancel sweep.
type CancelAllResult struct {
	Requested int      `msgpack:"requested" json:"requested"`
	Failed    []string `msgpack:"failed,omitempty" json:"failed,omitempty"`
}

// CancelAll requests cancellation of every non-terminal order.
func (m *Manager) CancelAll(ctx context.Context, actor string) CancelAllResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orders))
	for id, rec := range m.orders {
		if !rec.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	out := CancelAllResult{}
	for _, id := range ids {
		if cerr := m.Cancel(ctx, id, actor); cerr != nil {
			// Already-terminal races are not failures.
			if cerr.Code == schema.CodeInvalidArgs {
				continue
			}
			out.Failed = append(out.Failed, id)
			continue
		}
		out.Requested++
	}
	return out
}

// Status returns one order record.
func (m *Manager) Status(clientOrderID string) (schema.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return *rec, true
}

// ListFilter narrows List output. Zero values match everything.
type ListFilter struct {
	Symbol string
	Status schema.OrderStatus
	Open   bool // only non-terminal
}

// List returns matching orders, newest first.
func (m *Manager) List(filter ListFilter) []schema.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.OrderRecord, 0, len(m.orders))
	for _, rec := range m.orders {
		if filter.Symbol != "" && rec.Symbol != filter.Symbol {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Open && rec.Status.IsTerminal() {
			continue
		}
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

// Fills returns recorded executions, oldest first.
func (m *Manager) Fills(symbol string) []schema.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Fill, 0, len(m.fills))
	for _, f := range m.fills {
		if symbol != "" && f.Symbol != symbol {
			continue
		}
		out = append(out, f)
	}
	return out
}

// OpenCount returns the number of non-terminal orders.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.orders {
		if !rec.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// ReferencePrice resolves a mark for risk notional checks: the book first,
// then a live quote when connected. Zero when neither source has a price.
func (m *Manager) ReferencePrice(ctx context.Context, symbol string) float64 {
	if mark := m.deps.Book.Mark(symbol); mark > 0 {
		return mark
	}
	q, cerr := conn.Call(ctx, m.deps.Conn, "quote", func(ctx context.Context) (gateway.Quote, error) {
		return m.deps.Conn.Client().Quote(ctx, symbol)
	})
	if cerr != nil {
		return 0
	}
	if mid := q.Mid(); mid > 0 {
		m.deps.Book.SetMark(symbol, mid)
		return mid
	}
	return 0
}

// idempotentMatch returns the live record behind an idempotency key. A key
// whose order already failed terminally, or that fell out of the duplicate
// window, no longer pins the key: the retry proceeds as a fresh submission
// and the key rebinds to the new record.
func (m *Manager) idempotentMatch(key string) (schema.OrderRecord, bool) {
	window := time.Duration(m.deps.Risk.Limits().DuplicateWindowSec) * time.Second
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdem[key]
	if !ok {
		return schema.OrderRecord{}, false
	}
	rec, ok := m.orders[id]
	if !ok {
		return schema.OrderRecord{}, false
	}
	switch rec.Status {
	case schema.StatusRejected, schema.StatusCancelled, schema.StatusExpired:
		return schema.OrderRecord{}, false
	}
	if window > 0 && m.now().Sub(rec.CreatedAt) > window {
		return schema.OrderRecord{}, false
	}
	return *rec, true
}

func (m *Manager) createRecord(intent schema.OrderIntent) schema.OrderRecord {
	now := m.now()
	rec := schema.OrderRecord{
		ClientOrderID:  uuid.NewString(),
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Qty:            intent.Qty,
		Type:           intent.Type,
		LimitPrice:     intent.LimitPrice,
		StopPrice:      intent.StopPrice,
		TimeInForce:    intent.TimeInForce,
		Status:         schema.StatusPendingSubmit,
		IdempotencyKey: intent.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if intent.Bracket != nil {
		m.attachBracketLocked(&rec, *intent.Bracket)
	}
	m.orders[rec.ClientOrderID] = &rec
	if rec.IdempotencyKey != "" {
		m.byIdem[rec.IdempotencyKey] = rec.ClientOrderID
	}
	return rec
}

func (m *Manager) dropRecord(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[clientOrderID]
	if !ok {
		return
	}
	delete(m.orders, clientOrderID)
	if rec.IdempotencyKey != "" {
		delete(m.byIdem, rec.IdempotencyKey)
	}
	if rec.BracketGroupID != "" {
		m.detachBracketLocked(rec)
	}
}

// transition moves one order, respecting the state machine. An empty status
// leaves it unchanged; brokerID and reason update when non-empty. The bool
// reports whether the status actually moved to next.
func (m *Manager) transition(clientOrderID string, next schema.OrderStatus, reason, brokerID string) (schema.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	moved := false
	if next != "" && next != rec.Status {
		if rec.Status.CanTransition(next) {
			rec.Status = next
			moved = true
			if next.IsTerminal() {
				m.deps.Metrics.OrderTerminal(string(next))
			}
		} else {
			logs.Warnf("order %s: illegal transition %s -> %s dropped", clientOrderID, rec.Status, next)
		}
	}
	if reason != "" {
		rec.Reason = reason
	}
	if brokerID != "" {
		rec.BrokerOrderID = brokerID
		m.byBroker[brokerID] = clientOrderID
	}
	rec.UpdatedAt = m.now()
	return *rec, moved
}

func (m *Manager) auditOrder(actor string, rec schema.OrderRecord, resultCode string) *schema.CodedError {
	_, err := m.deps.Audit.Append(schema.AuditOrder, actor, map[string]any{
		"clientOrderId": rec.ClientOrderID,
		"brokerOrderId": rec.BrokerOrderID,
		"symbol":        rec.Symbol,
		"side":          string(rec.Side),
		"qty":           rec.Qty,
		"type":          string(rec.Type),
		"status":        string(rec.Status),
		"reason":        rec.Reason,
	}, resultCode)
	if err != nil {
		logs.Errorf("audit append failed for order %s: %+v", rec.ClientOrderID, err)
		return schema.NewCodedError(schema.CodeInternal, "audit append failed")
	}
	return nil
}

func (m *Manager) auditRisk(actor string, payload map[string]any, resultCode string) {
	if _, err := m.deps.Audit.Append(schema.AuditRisk, actor, payload, resultCode); err != nil {
		logs.Errorf("audit append failed for risk event: %+v", err)
	}
}

// releaseFor returns the risk reservation an order consumed. Bracket exit
// legs never consumed one, so they release nothing.
func (m *Manager) releaseFor(rec schema.OrderRecord) {
	if rec.BracketRole == schema.BracketRoleTakeProfit || rec.BracketRole == schema.BracketRoleStopLoss {
		return
	}
	m.deps.Risk.Release()
}

func (m *Manager) emitOrder(rec schema.OrderRecord) {
	if m.deps.Events == nil {
		return
	}
	m.deps.Events.Emit(schema.TopicOrders, map[string]any{
		"clientOrderId": rec.ClientOrderID,
		"brokerOrderId": rec.BrokerOrderID,
		"symbol":        rec.Symbol,
		"side":          string(rec.Side),
		"status":        string(rec.Status),
		"filledQty":     rec.FilledQty,
		"reason":        rec.Reason,
	})
}

func sortRecords(recs []schema.OrderRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ClientOrderID < recs[j].ClientOrderID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

package order

import (
	"context"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

// bracketGroup tracks one parent with its two contingent exit legs. The
// children stay local until the parent fills; once one child fills, the
// other is cancelled (one-cancels-other).
type bracketGroup struct {
	id       string
	parentID string
	tpID     string
	slID     string
	released bool
}

// attachBracketLocked creates the two child records alongside the parent.
// Caller holds m.mu.
func (m *Manager) attachBracketLocked(parent *schema.OrderRecord, spec schema.BracketSpec) {
	groupID := uuid.NewString()
	parent.BracketGroupID = groupID
	parent.BracketRole = schema.BracketRoleParent

	exitSide := schema.OrderSideSell
	if parent.Side == schema.OrderSideSell {
		exitSide = schema.OrderSideBuy
	}
	now := m.now()

	tp := &schema.OrderRecord{
		ClientOrderID:  uuid.NewString(),
		Symbol:         parent.Symbol,
		Side:           exitSide,
		Qty:            parent.Qty,
		Type:           schema.OrderTypeLimit,
		LimitPrice:     spec.TakeProfitPrice,
		TimeInForce:    schema.TimeInForceGTC,
		Status:         schema.StatusPendingRisk,
		BracketGroupID: groupID,
		BracketRole:    schema.BracketRoleTakeProfit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sl := &schema.OrderRecord{
		ClientOrderID:  uuid.NewString(),
		Symbol:         parent.Symbol,
		Side:           exitSide,
		Qty:            parent.Qty,
		Type:           schema.OrderTypeStop,
		StopPrice:      spec.StopLossPrice,
		TimeInForce:    schema.TimeInForceGTC,
		Status:         schema.StatusPendingRisk,
		BracketGroupID: groupID,
		BracketRole:    schema.BracketRoleStopLoss,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.orders[tp.ClientOrderID] = tp
	m.orders[sl.ClientOrderID] = sl
	m.brackets[groupID] = &bracketGroup{
		id:       groupID,
		parentID: parent.ClientOrderID,
		tpID:     tp.ClientOrderID,
		slID:     sl.ClientOrderID,
	}
}

// detachBracketLocked removes a group whose parent never made it to the
// gateway. Caller holds m.mu.
func (m *Manager) detachBracketLocked(parent *schema.OrderRecord) {
	group, ok := m.brackets[parent.BracketGroupID]
	if !ok {
		return
	}
	delete(m.orders, group.tpID)
	delete(m.orders, group.slID)
	delete(m.brackets, group.id)
}

// releaseChildren submits both exit legs after the parent filled.
func (m *Manager) releaseChildren(ctx context.Context, groupID string) {
	m.mu.Lock()
	group, ok := m.brackets[groupID]
	if !ok || group.released {
		m.mu.Unlock()
		return
	}
	group.released = true
	childIDs := []string{group.tpID, group.slID}
	m.mu.Unlock()

	for _, id := range childIDs {
		rec, moved := m.transition(id, schema.StatusPendingSubmit, "", "")
		if !moved {
			continue
		}
		brokerID, cerr := m.deps.Conn.Submit(ctx, rec)
		if cerr != nil {
			logs.Errorf("bracket child %s submit failed: %s", id, cerr.Message)
			rec, _ = m.transition(id, schema.StatusRejected, cerr.Message, "")
			_ = m.auditOrder("daemon", rec, string(cerr.Code))
			m.emitOrder(rec)
			continue
		}
		rec, _ = m.transition(id, schema.StatusSubmitted, "", brokerID)
		_ = m.auditOrder("daemon", rec, "submitted")
		m.emitOrder(rec)
	}
}

// onChildFilled cancels the surviving sibling.
func (m *Manager) onChildFilled(ctx context.Context, childID, groupID string) {
	m.mu.Lock()
	group, ok := m.brackets[groupID]
	if !ok {
		m.mu.Unlock()
		return
	}
	siblingID := group.tpID
	if childID == group.tpID {
		siblingID = group.slID
	}
	m.mu.Unlock()

	if cerr := m.Cancel(ctx, siblingID, "daemon"); cerr != nil &&
		cerr.Code != schema.CodeInvalidArgs {
		logs.Warnf("bracket sibling %s cancel failed: %s", siblingID, cerr.Message)
	}
}

// reapChildren tears the exit legs down whenever their parent ends anywhere
// but Filled, no matter which path terminated it.
func (m *Manager) reapChildren(ctx context.Context, rec schema.OrderRecord, actor string) {
	if rec.BracketRole != schema.BracketRoleParent || rec.Status == schema.StatusFilled {
		return
	}
	m.cancelChildren(ctx, rec.BracketGroupID, actor, "parent "+string(rec.Status))
}

// cancelChildren tears down both legs, used when the parent is cancelled or
// rejected before filling.
func (m *Manager) cancelChildren(ctx context.Context, groupID, actor, reason string) {
	m.mu.Lock()
	group, ok := m.brackets[groupID]
	if !ok {
		m.mu.Unlock()
		return
	}
	childIDs := []string{group.tpID, group.slID}
	m.mu.Unlock()

	for _, id := range childIDs {
		if cerr := m.Cancel(ctx, id, actor); cerr != nil &&
			cerr.Code != schema.CodeInvalidArgs {
			logs.Warnf("bracket child %s cancel failed (%s): %s", id, reason, cerr.Message)
		}
	}
}

// Package schema defines the domain types shared by every daemon component:
// order enums and records, risk limits, audit entries, event envelopes, and
// the closed client-facing error code set.
package schema

import "time"

// OrderSide describes order direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// IsValid reports whether the side is a known value.
func (s OrderSide) IsValid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType describes order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// IsValid reports whether the order type is a known value.
func (t OrderType) IsValid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
		return true
	default:
		return false
	}
}

// TimeInForce describes order time-in-force.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// IsValid reports whether the time-in-force is a known value.
func (t TimeInForce) IsValid() bool {
	switch t {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	default:
		return false
	}
}

// OrderStatus tracks the lifecycle of an order record.
type OrderStatus string

const (
	StatusPendingRisk   OrderStatus = "PENDING_RISK"
	StatusPendingSubmit OrderStatus = "PENDING_SUBMIT"
	StatusSubmitted     OrderStatus = "SUBMITTED"
	StatusPartFilled    OrderStatus = "PARTIALLY_FILLED"
	StatusFilled        OrderStatus = "FILLED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusExpired       OrderStatus = "EXPIRED"
)

// IsTerminal reports whether an order may never leave this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the status may move to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPendingRisk:
		return next == StatusPendingSubmit || next == StatusRejected || next == StatusCancelled
	case StatusPendingSubmit:
		return next == StatusSubmitted || next == StatusRejected || next == StatusCancelled
	case StatusSubmitted:
		switch next {
		case StatusPartFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
			return true
		}
		return false
	case StatusPartFilled:
		switch next {
		case StatusSubmitted, StatusPartFilled, StatusFilled, StatusCancelled, StatusExpired:
			return true
		}
		return false
	default:
		return false
	}
}

// BracketRole marks an order's position inside a bracket group.
type BracketRole string

const (
	BracketRoleNone       BracketRole = ""
	BracketRoleParent     BracketRole = "PARENT"
	BracketRoleTakeProfit BracketRole = "TAKE_PROFIT"
	BracketRoleStopLoss   BracketRole = "STOP_LOSS"
)

// BracketSpec carries the two contingent exit legs of a bracket order.
type BracketSpec struct {
	TakeProfitPrice float64 `msgpack:"takeProfitPrice" json:"takeProfitPrice"`
	StopLossPrice   float64 `msgpack:"stopLossPrice" json:"stopLossPrice"`
}

// OrderIntent is the unvalidated submission input. It is never persisted;
// it exists only for the duration of validation.
type OrderIntent struct {
	Side           OrderSide    `msgpack:"side" json:"side"`
	Symbol         string       `msgpack:"symbol" json:"symbol"`
	Qty            float64      `msgpack:"qty" json:"qty"`
	Type           OrderType    `msgpack:"type" json:"type"`
	LimitPrice     float64      `msgpack:"limitPrice,omitempty" json:"limitPrice,omitempty"`
	StopPrice      float64      `msgpack:"stopPrice,omitempty" json:"stopPrice,omitempty"`
	TimeInForce    TimeInForce  `msgpack:"timeInForce" json:"timeInForce"`
	IdempotencyKey string       `msgpack:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	Bracket        *BracketSpec `msgpack:"bracket,omitempty" json:"bracket,omitempty"`
}

// ReferencePrice returns the price used for notional calculations. Market
// orders fall back to the supplied mark price.
func (i OrderIntent) ReferencePrice(mark float64) float64 {
	if i.Type == OrderTypeMarket || i.LimitPrice <= 0 {
		return mark
	}
	return i.LimitPrice
}

// OrderRecord is the durable unit owned by the Order Manager. The unique key
// is ClientOrderID; IdempotencyKey forms a secondary unique index when set.
type OrderRecord struct {
	ClientOrderID  string      `msgpack:"clientOrderId" json:"clientOrderId"`
	BrokerOrderID  string      `msgpack:"brokerOrderId,omitempty" json:"brokerOrderId,omitempty"`
	Symbol         string      `msgpack:"symbol" json:"symbol"`
	Side           OrderSide   `msgpack:"side" json:"side"`
	Qty            float64     `msgpack:"qty" json:"qty"`
	FilledQty      float64     `msgpack:"filledQty" json:"filledQty"`
	AvgFillPrice   float64     `msgpack:"avgFillPrice" json:"avgFillPrice"`
	Type           OrderType   `msgpack:"type" json:"type"`
	LimitPrice     float64     `msgpack:"limitPrice,omitempty" json:"limitPrice,omitempty"`
	StopPrice      float64     `msgpack:"stopPrice,omitempty" json:"stopPrice,omitempty"`
	TimeInForce    TimeInForce `msgpack:"timeInForce" json:"timeInForce"`
	Status         OrderStatus `msgpack:"status" json:"status"`
	Reason         string      `msgpack:"reason,omitempty" json:"reason,omitempty"`
	IdempotencyKey string      `msgpack:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	BracketGroupID string      `msgpack:"bracketGroupId,omitempty" json:"bracketGroupId,omitempty"`
	BracketRole    BracketRole `msgpack:"bracketRole,omitempty" json:"bracketRole,omitempty"`
	CreatedAt      time.Time   `msgpack:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time   `msgpack:"updatedAt" json:"updatedAt"`
}

// LeavesQty returns the unfilled remainder.
func (r OrderRecord) LeavesQty() float64 {
	leaves := r.Qty - r.FilledQty
	if leaves < 0 {
		return 0
	}
	return leaves
}

// Fill is a single execution report from the gateway.
type Fill struct {
	BrokerOrderID string    `msgpack:"brokerOrderId" json:"brokerOrderId"`
	Symbol        string    `msgpack:"symbol" json:"symbol"`
	Side          OrderSide `msgpack:"side" json:"side"`
	Qty           float64   `msgpack:"qty" json:"qty"`
	Price         float64   `msgpack:"price" json:"price"`
	Timestamp     time.Time `msgpack:"timestamp" json:"timestamp"`
}

// ConnectionState is the gateway connectivity state owned by the Connection
// Manager.
type ConnectionState uint8

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnDegraded
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "DISCONNECTED"
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

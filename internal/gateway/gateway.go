// Package gateway defines the broker gateway capability and its two
// implementations: a deterministic in-process simulator with fault injection
// and a websocket bridge to an external gateway process.
package gateway

import (
	"context"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrNotConnected = errors.New("gateway: not connected")
	ErrRejected     = errors.New("gateway: order rejected")
	ErrUnknownOrder = errors.New("gateway: unknown order")
)

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol    string    `msgpack:"symbol" json:"symbol"`
	Bid       float64   `msgpack:"bid" json:"bid"`
	Ask       float64   `msgpack:"ask" json:"ask"`
	Last      float64   `msgpack:"last" json:"last"`
	BidSize   float64   `msgpack:"bidSize" json:"bidSize"`
	AskSize   float64   `msgpack:"askSize" json:"askSize"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
}

// Mid returns the midpoint, falling back to last when one side is empty.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Bar is one OHLCV history bar.
type Bar struct {
	Symbol string    `msgpack:"symbol" json:"symbol"`
	Open   float64   `msgpack:"open" json:"open"`
	High   float64   `msgpack:"high" json:"high"`
	Low    float64   `msgpack:"low" json:"low"`
	Close  float64   `msgpack:"close" json:"close"`
	Volume float64   `msgpack:"volume" json:"volume"`
	Start  time.Time `msgpack:"start" json:"start"`
}

// HistoryRequest selects a bar series.
type HistoryRequest struct {
	Symbol   string `msgpack:"symbol" json:"symbol"`
	Interval string `msgpack:"interval" json:"interval"` // 1m, 5m, 1h, 1d
	Bars     int    `msgpack:"bars" json:"bars"`
}

// OptionContract is one strike row of an option chain.
type OptionContract struct {
	Symbol       string  `msgpack:"symbol" json:"symbol"`
	Expiry       string  `msgpack:"expiry" json:"expiry"` // YYYY-MM-DD
	Strike       float64 `msgpack:"strike" json:"strike"`
	Right        string  `msgpack:"right" json:"right"` // C or P
	Bid          float64 `msgpack:"bid" json:"bid"`
	Ask          float64 `msgpack:"ask" json:"ask"`
	OpenInterest int64   `msgpack:"openInterest" json:"openInterest"`
}

// AccountSummary is the broker-side account snapshot.
type AccountSummary struct {
	AccountID   string    `msgpack:"accountId" json:"accountId"`
	Cash        float64   `msgpack:"cash" json:"cash"`
	Equity      float64   `msgpack:"equity" json:"equity"`
	BuyingPower float64   `msgpack:"buyingPower" json:"buyingPower"`
	Timestamp   time.Time `msgpack:"timestamp" json:"timestamp"`
}

// BrokerPosition is the broker-side view of one holding.
type BrokerPosition struct {
	Symbol  string  `msgpack:"symbol" json:"symbol"`
	Qty     float64 `msgpack:"qty" json:"qty"`
	AvgCost float64 `msgpack:"avgCost" json:"avgCost"`
}

// OrderEventKind tags an asynchronous order report.
type OrderEventKind string

const (
	OrderEventAck    OrderEventKind = "ack"
	OrderEventReject OrderEventKind = "reject"
	OrderEventCancel OrderEventKind = "cancel"
	OrderEventFill   OrderEventKind = "fill"
	OrderEventExpire OrderEventKind = "expire"
)

// OrderEvent is an asynchronous report from the broker about one order.
type OrderEvent struct {
	Kind          OrderEventKind
	ClientOrderID string
	BrokerOrderID string
	Reason        string
	Fill          *schema.Fill
	Timestamp     time.Time
}

// Client is the broker gateway capability. Implementations must be safe for
// concurrent use; blocking calls honor the context deadline.
type Client interface {
	// Connect establishes the session. It returns once the session is
	// usable; the session then lives until Close or a broker-side drop.
	Connect(ctx context.Context) error
	// Close tears the session down. Safe to call on a dead session.
	Close() error
	// Connected reports whether the session is currently live.
	Connected() bool
	// Done yields one error when the live session drops. A fresh channel is
	// armed by each successful Connect.
	Done() <-chan error

	// SubmitOrder sends an order and returns the broker order id from the
	// acknowledgement. Fills arrive later through OrderEvents.
	SubmitOrder(ctx context.Context, ord schema.OrderRecord) (string, error)
	// CancelOrder requests cancellation by broker order id.
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// OpenOrders lists orders the broker still considers working.
	OpenOrders(ctx context.Context) ([]schema.OrderRecord, error)

	Account(ctx context.Context) (AccountSummary, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	History(ctx context.Context, req HistoryRequest) ([]Bar, error)
	Chain(ctx context.Context, symbol string) ([]OptionContract, error)

	// OrderEvents yields acks, fills, cancels, and rejects. The channel is
	// owned by the client and survives reconnects.
	OrderEvents() <-chan OrderEvent
	// MarketData yields top-of-book updates for the subscribed universe.
	MarketData() <-chan Quote
}

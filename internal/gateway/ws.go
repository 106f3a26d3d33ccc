package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

// WSConfig configures the websocket bridge.
type WSConfig struct {
	Endpoint    string        // ws://host:port/path
	DialTimeout time.Duration // default 5s
	CallTimeout time.Duration // default 5s, per request unless ctx is tighter
	Symbols     []string      // market data subscriptions on connect
}

// WS bridges the gateway capability over a websocket JSON protocol to an
// external gateway process. Prices travel as decimal strings.
type WS struct {
	cfg WSConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan error
	pending   map[string]chan wsMessage

	writeMu sync.Mutex

	orderCh chan OrderEvent
	mdCh    chan Quote
}

type wsMessage struct {
	Type   string          `json:"type"` // request | response | orderEvent | tick
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  *wsOrderEvent   `json:"event,omitempty"`
	Tick   *wsTick         `json:"tick,omitempty"`
}

type wsOrderEvent struct {
	Kind          string  `json:"kind"`
	ClientOrderID string  `json:"clientOrderId"`
	BrokerOrderID string  `json:"brokerOrderId"`
	Reason        string  `json:"reason,omitempty"`
	Fill          *wsFill `json:"fill,omitempty"`
	Ts            int64   `json:"ts"`
}

type wsFill struct {
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Qty    decimal.Decimal `json:"qty"`
	Price  decimal.Decimal `json:"price"`
	Ts     int64           `json:"ts"`
}

type wsTick struct {
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Last    decimal.Decimal `json:"last"`
	BidSize decimal.Decimal `json:"bidSize"`
	AskSize decimal.Decimal `json:"askSize"`
	Ts      int64           `json:"ts"`
}

// NewWS creates an unconnected bridge client.
func NewWS(cfg WSConfig) *WS {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &WS{
		cfg:     cfg,
		pending: make(map[string]chan wsMessage),
		orderCh: make(chan OrderEvent, 256),
		mdCh:    make(chan Quote, 256),
	}
}

// Connect dials the bridge and subscribes market data.
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.cfg.Endpoint, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", w.cfg.Endpoint)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.done = make(chan error, 1)
	w.mu.Unlock()

	go w.readPump(conn)

	if len(w.cfg.Symbols) > 0 {
		params, _ := json.Marshal(map[string]any{"symbols": w.cfg.Symbols})
		if _, err := w.call(ctx, "market.subscribe", params); err != nil {
			_ = w.Close()
			return errors.Wrap(err, "subscribe market data")
		}
	}
	return nil
}

// Close tears the session down.
func (w *WS) Close() error {
	w.teardown(nil)
	return nil
}

// Connected reports session liveness.
func (w *WS) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Done yields the drop cause for the current session.
func (w *WS) Done() <-chan error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// OrderEvents yields bridge order reports.
func (w *WS) OrderEvents() <-chan OrderEvent { return w.orderCh }

// MarketData yields bridge ticks.
func (w *WS) MarketData() <-chan Quote { return w.mdCh }

// SubmitOrder forwards the order and returns the broker id from the ack.
func (w *WS) SubmitOrder(ctx context.Context, ord schema.OrderRecord) (string, error) {
	params, err := json.Marshal(map[string]any{
		"clientOrderId": ord.ClientOrderID,
		"symbol":        ord.Symbol,
		"side":          ord.Side,
		"qty":           fmt.Sprintf("%v", ord.Qty),
		"type":          ord.Type,
		"limitPrice":    fmt.Sprintf("%v", ord.LimitPrice),
		"stopPrice":     fmt.Sprintf("%v", ord.StopPrice),
		"timeInForce":   ord.TimeInForce,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal submit params")
	}
	result, err := w.call(ctx, "order.submit", params)
	if err != nil {
		return "", err
	}
	var out struct {
		BrokerOrderID string `json:"brokerOrderId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", errors.Wrap(err, "decode submit result")
	}
	return out.BrokerOrderID, nil
}

// CancelOrder forwards a cancel request.
func (w *WS) CancelOrder(ctx context.Context, brokerOrderID string) error {
	params, _ := json.Marshal(map[string]any{"brokerOrderId": brokerOrderID})
	_, err := w.call(ctx, "order.cancel", params)
	return err
}

// OpenOrders fetches the broker's working order list.
func (w *WS) OpenOrders(ctx context.Context) ([]schema.OrderRecord, error) {
	result, err := w.call(ctx, "orders.open", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ClientOrderID string          `json:"clientOrderId"`
		BrokerOrderID string          `json:"brokerOrderId"`
		Symbol        string          `json:"symbol"`
		Side          string          `json:"side"`
		Qty           decimal.Decimal `json:"qty"`
		FilledQty     decimal.Decimal `json:"filledQty"`
		Type          string          `json:"type"`
		LimitPrice    decimal.Decimal `json:"limitPrice"`
		StopPrice     decimal.Decimal `json:"stopPrice"`
		TimeInForce   string          `json:"timeInForce"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, errors.Wrap(err, "decode open orders")
	}
	out := make([]schema.OrderRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, schema.OrderRecord{
			ClientOrderID: row.ClientOrderID,
			BrokerOrderID: row.BrokerOrderID,
			Symbol:        row.Symbol,
			Side:          schema.OrderSide(row.Side),
			Qty:           toFloat(row.Qty),
			FilledQty:     toFloat(row.FilledQty),
			Type:          schema.OrderType(row.Type),
			LimitPrice:    toFloat(row.LimitPrice),
			StopPrice:     toFloat(row.StopPrice),
			TimeInForce:   schema.TimeInForce(row.TimeInForce),
			Status:        schema.StatusSubmitted,
		})
	}
	return out, nil
}

// Account fetches the broker account snapshot.
func (w *WS) Account(ctx context.Context) (AccountSummary, error) {
	result, err := w.call(ctx, "account", nil)
	if err != nil {
		return AccountSummary{}, err
	}
	var row struct {
		AccountID   string          `json:"accountId"`
		Cash        decimal.Decimal `json:"cash"`
		Equity      decimal.Decimal `json:"equity"`
		BuyingPower decimal.Decimal `json:"buyingPower"`
		Ts          int64           `json:"ts"`
	}
	if err := json.Unmarshal(result, &row); err != nil {
		return AccountSummary{}, errors.Wrap(err, "decode account")
	}
	return AccountSummary{
		AccountID:   row.AccountID,
		Cash:        toFloat(row.Cash),
		Equity:      toFloat(row.Equity),
		BuyingPower: toFloat(row.BuyingPower),
		Timestamp:   time.Unix(0, row.Ts).UTC(),
	}, nil
}

// Positions fetches broker-side holdings.
func (w *WS) Positions(ctx context.Context) ([]BrokerPosition, error) {
	result, err := w.call(ctx, "positions", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol  string          `json:"symbol"`
		Qty     decimal.Decimal `json:"qty"`
		AvgCost decimal.Decimal `json:"avgCost"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, errors.Wrap(err, "decode positions")
	}
	out := make([]BrokerPosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, BrokerPosition{
			Symbol:  row.Symbol,
			Qty:     toFloat(row.Qty),
			AvgCost: toFloat(row.AvgCost),
		})
	}
	return out, nil
}

// Quote fetches one top-of-book snapshot.
func (w *WS) Quote(ctx context.Context, symbol string) (Quote, error) {
	params, _ := json.Marshal(map[string]any{"symbol": symbol})
	result, err := w.call(ctx, "quote", params)
	if err != nil {
		return Quote{}, err
	}
	var row wsTick
	if err := json.Unmarshal(result, &row); err != nil {
		return Quote{}, errors.Wrap(err, "decode quote")
	}
	return tickToQuote(symbol, row), nil
}

// History fetches a bar series.
func (w *WS) History(ctx context.Context, req HistoryRequest) ([]Bar, error) {
	params, _ := json.Marshal(map[string]any{
		"symbol":   req.Symbol,
		"interval": req.Interval,
		"bars":     req.Bars,
	})
	result, err := w.call(ctx, "history", params)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Open   decimal.Decimal `json:"open"`
		High   decimal.Decimal `json:"high"`
		Low    decimal.Decimal `json:"low"`
		Close  decimal.Decimal `json:"close"`
		Volume decimal.Decimal `json:"volume"`
		Ts     int64           `json:"ts"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	out := make([]Bar, 0, len(rows))
	for _, row := range rows {
		out = append(out, Bar{
			Symbol: req.Symbol,
			Open:   toFloat(row.Open),
			High:   toFloat(row.High),
			Low:    toFloat(row.Low),
			Close:  toFloat(row.Close),
			Volume: toFloat(row.Volume),
			Start:  time.Unix(0, row.Ts).UTC(),
		})
	}
	return out, nil
}

// Chain fetches an option chain.
func (w *WS) Chain(ctx context.Context, symbol string) ([]OptionContract, error) {
	params, _ := json.Marshal(map[string]any{"symbol": symbol})
	result, err := w.call(ctx, "chain", params)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Expiry       string          `json:"expiry"`
		Strike       decimal.Decimal `json:"strike"`
		Right        string          `json:"right"`
		Bid          decimal.Decimal `json:"bid"`
		Ask          decimal.Decimal `json:"ask"`
		OpenInterest int64           `json:"openInterest"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, errors.Wrap(err, "decode chain")
	}
	out := make([]OptionContract, 0, len(rows))
	for _, row := range rows {
		out = append(out, OptionContract{
			Symbol:       symbol,
			Expiry:       row.Expiry,
			Strike:       toFloat(row.Strike),
			Right:        row.Right,
			Bid:          toFloat(row.Bid),
			Ask:          toFloat(row.Ask),
			OpenInterest: row.OpenInterest,
		})
	}
	return out, nil
}

// call sends one request and waits for its correlated response.
func (w *WS) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := w.conn
	id := uuid.NewString()
	ch := make(chan wsMessage, 1)
	w.pending[id] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	payload, err := json.Marshal(wsMessage{Type: "request", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	w.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	w.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "write %s", method)
	}

	timeout := w.cfg.CallTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !resp.OK {
			if resp.Code == "REJECTED" {
				return nil, errors.Wrap(ErrRejected, resp.Error)
			}
			return nil, errors.Errorf("%s failed: %s", method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (w *WS) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			w.teardown(errors.Wrap(err, "read"))
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logs.Warnf("gateway ws: malformed message dropped: %v", err)
			continue
		}
		switch msg.Type {
		case "response":
			w.mu.Lock()
			ch, ok := w.pending[msg.ID]
			w.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "orderEvent":
			if msg.Event != nil {
				w.dispatchOrderEvent(*msg.Event)
			}
		case "tick":
			if msg.Tick != nil {
				select {
				case w.mdCh <- tickToQuote(msg.Tick.Symbol, *msg.Tick):
				default:
				}
			}
		default:
			logs.Warnf("gateway ws: unknown message type %q", msg.Type)
		}
	}
}

func (w *WS) dispatchOrderEvent(ev wsOrderEvent) {
	out := OrderEvent{
		Kind:          OrderEventKind(ev.Kind),
		ClientOrderID: ev.ClientOrderID,
		BrokerOrderID: ev.BrokerOrderID,
		Reason:        ev.Reason,
		Timestamp:     time.Unix(0, ev.Ts).UTC(),
	}
	if ev.Fill != nil {
		out.Fill = &schema.Fill{
			BrokerOrderID: ev.BrokerOrderID,
			Symbol:        ev.Fill.Symbol,
			Side:          schema.OrderSide(ev.Fill.Side),
			Qty:           toFloat(ev.Fill.Qty),
			Price:         toFloat(ev.Fill.Price),
			Timestamp:     time.Unix(0, ev.Fill.Ts).UTC(),
		}
	}
	select {
	case w.orderCh <- out:
	default:
		logs.Warnf("gateway ws: order event channel full, dropping %s for %s", out.Kind, out.ClientOrderID)
	}
}

// teardown closes the session once and fails outstanding calls.
func (w *WS) teardown(cause error) {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return
	}
	w.connected = false
	conn := w.conn
	w.conn = nil
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
	if cause != nil {
		w.done <- cause
	}
	close(w.done)
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func tickToQuote(symbol string, t wsTick) Quote {
	return Quote{
		Symbol:    symbol,
		Bid:       toFloat(t.Bid),
		Ask:       toFloat(t.Ask),
		Last:      toFloat(t.Last),
		BidSize:   toFloat(t.BidSize),
		AskSize:   toFloat(t.AskSize),
		Timestamp: time.Unix(0, t.Ts).UTC(),
	}
}

// toFloat converts a decimal string field, tolerating empty values.
func toFloat(d decimal.Decimal) float64 {
	s := fmt.Sprint(d)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

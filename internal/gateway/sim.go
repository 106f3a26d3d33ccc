package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

// SimConfig tunes the simulator. Zero values get usable defaults.
type SimConfig struct {
	Seed         int64
	AccountID    string
	Cash         float64
	BasePrice    float64
	Spread       float64
	TickInterval time.Duration // 0 disables the background tick loop

	// Fault injection.
	RejectRate  float64       // probability a submission is rejected
	SubmitDelay time.Duration // artificial latency before every ack
}

// Sim is a deterministic in-process broker. Prices follow a seeded random
// walk over the registry universe; market orders fill at the touch, resting
// limit and stop orders fill when a tick crosses them.
type Sim struct {
	cfg      SimConfig
	registry *schema.Registry

	mu         sync.Mutex
	connected  bool
	done       chan error
	stop       chan struct{}
	rng        *rand.Rand
	prices     map[string]float64
	resting    map[string]schema.OrderRecord
	positions  map[string]*BrokerPosition
	cash       float64
	nextID     int
	failNext   string
	silentSubs int

	orderCh chan OrderEvent
	mdCh    chan Quote
	wg      sync.WaitGroup
}

// NewSim creates a simulator over the registry universe.
func NewSim(cfg SimConfig, registry *schema.Registry) *Sim {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "SIM000001"
	}
	if cfg.Cash <= 0 {
		cfg.Cash = 1_000_000
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 100
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 0.02
	}
	s := &Sim{
		cfg:       cfg,
		registry:  registry,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		prices:    make(map[string]float64),
		resting:   make(map[string]schema.OrderRecord),
		positions: make(map[string]*BrokerPosition),
		cash:      cfg.Cash,
		orderCh:   make(chan OrderEvent, 256),
		mdCh:      make(chan Quote, 256),
	}
	if registry != nil {
		for i, sym := range registry.Symbols() {
			s.prices[sym] = cfg.BasePrice + float64(i)*7
		}
	}
	return s
}

// Connect brings the session up and starts the tick loop.
func (s *Sim) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	s.connected = true
	s.done = make(chan error, 1)
	s.stop = make(chan struct{})
	if s.cfg.TickInterval > 0 {
		s.wg.Add(1)
		go s.tickLoop(s.stop)
	}
	return nil
}

// Close tears the session down without reporting a drop.
func (s *Sim) Close() error {
	s.shutdown(nil)
	s.wg.Wait()
	return nil
}

// Disconnect simulates a broker-side drop: the session dies and Done fires.
func (s *Sim) Disconnect(reason string) {
	s.shutdown(errors.Errorf("simulated drop: %s", reason))
}

func (s *Sim) shutdown(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.connected = false
	close(s.stop)
	if cause != nil {
		s.done <- cause
	}
	close(s.done)
}

// Connected reports session liveness.
func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done yields the drop cause for the current session.
func (s *Sim) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// FailNext rejects the next submission with the given reason.
func (s *Sim) FailNext(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = reason
}

// SilenceSubmits makes the next n submissions hang until the caller's
// deadline, used to exercise timeout classification.
func (s *Sim) SilenceSubmits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentSubs = n
}

// SubmitOrder acknowledges the order and fills it per the price model.
func (s *Sim) SubmitOrder(ctx context.Context, ord schema.OrderRecord) (string, error) {
	if s.cfg.SubmitDelay > 0 {
		select {
		case <-time.After(s.cfg.SubmitDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	if s.silentSubs > 0 {
		s.silentSubs--
		s.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	if reason := s.failNext; reason != "" {
		s.failNext = ""
		s.mu.Unlock()
		return "", errors.Wrap(ErrRejected, reason)
	}
	if s.cfg.RejectRate > 0 && s.rng.Float64() < s.cfg.RejectRate {
		s.mu.Unlock()
		return "", errors.Wrap(ErrRejected, "random reject")
	}

	s.nextID++
	brokerID := fmt.Sprintf("SIM-%06d", s.nextID)
	ord.BrokerOrderID = brokerID
	now := time.Now().UTC()
	s.emitLocked(OrderEvent{
		Kind:          OrderEventAck,
		ClientOrderID: ord.ClientOrderID,
		BrokerOrderID: brokerID,
		Timestamp:     now,
	})

	if fill, ok := s.tryFillLocked(ord); ok {
		s.applyFillLocked(ord, fill)
	} else {
		s.resting[brokerID] = ord
	}
	s.mu.Unlock()
	return brokerID, nil
}

// CancelOrder cancels a resting order.
func (s *Sim) CancelOrder(_ context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	ord, ok := s.resting[brokerOrderID]
	if !ok {
		return errors.Wrapf(ErrUnknownOrder, "%s", brokerOrderID)
	}
	delete(s.resting, brokerOrderID)
	s.emitLocked(OrderEvent{
		Kind:          OrderEventCancel,
		ClientOrderID: ord.ClientOrderID,
		BrokerOrderID: brokerOrderID,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

// OpenOrders lists resting orders.
func (s *Sim) OpenOrders(_ context.Context) ([]schema.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]schema.OrderRecord, 0, len(s.resting))
	for _, ord := range s.resting {
		out = append(out, ord)
	}
	return out, nil
}

// Account returns the simulated account snapshot.
func (s *Sim) Account(_ context.Context) (AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return AccountSummary{}, ErrNotConnected
	}
	equity := s.cash
	for sym, pos := range s.positions {
		equity += pos.Qty * s.prices[sym]
	}
	return AccountSummary{
		AccountID:   s.cfg.AccountID,
		Cash:        s.cash,
		Equity:      equity,
		BuyingPower: s.cash * 2,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Positions lists simulated holdings.
func (s *Sim) Positions(_ context.Context) ([]BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]BrokerPosition, 0, len(s.positions))
	for _, pos := range s.positions {
		if pos.Qty != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// Quote returns the current synthetic top of book.
func (s *Sim) Quote(_ context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Quote{}, ErrNotConnected
	}
	last, ok := s.prices[symbol]
	if !ok {
		return Quote{}, errors.Errorf("gateway: no market for %s", symbol)
	}
	return s.quoteLocked(symbol, last), nil
}

// History synthesizes a deterministic bar series ending at the current price.
func (s *Sim) History(_ context.Context, req HistoryRequest) ([]Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	last, ok := s.prices[req.Symbol]
	if !ok {
		return nil, errors.Errorf("gateway: no market for %s", req.Symbol)
	}
	n := req.Bars
	if n <= 0 {
		n = 30
	}
	step, err := intervalDuration(req.Interval)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s.cfg.Seed + int64(len(req.Symbol))))
	start := time.Now().UTC().Truncate(step).Add(-time.Duration(n) * step)
	bars := make([]Bar, 0, n)
	price := last * 0.97
	for i := 0; i < n; i++ {
		open := price
		price += price * (rng.Float64() - 0.48) * 0.01
		hi := maxf(open, price) * 1.002
		lo := minf(open, price) * 0.998
		bars = append(bars, Bar{
			Symbol: req.Symbol,
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  price,
			Volume: float64(1000 + rng.Intn(9000)),
			Start:  start.Add(time.Duration(i) * step),
		})
	}
	return bars, nil
}

// Chain synthesizes an option chain around the current price.
func (s *Sim) Chain(_ context.Context, symbol string) ([]OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	last, ok := s.prices[symbol]
	if !ok {
		return nil, errors.Errorf("gateway: no market for %s", symbol)
	}
	expiry := time.Now().UTC().AddDate(0, 1, 0).Format("2006-01-02")
	atm := float64(int(last/5)) * 5
	out := make([]OptionContract, 0, 22)
	for i := -5; i <= 5; i++ {
		strike := atm + float64(i)*5
		if strike <= 0 {
			continue
		}
		intrinsic := maxf(0, last-strike)
		for _, right := range []string{"C", "P"} {
			mid := intrinsic + 1.5
			if right == "P" {
				mid = maxf(0, strike-last) + 1.5
			}
			out = append(out, OptionContract{
				Symbol:       symbol,
				Expiry:       expiry,
				Strike:       strike,
				Right:        right,
				Bid:          mid - 0.05,
				Ask:          mid + 0.05,
				OpenInterest: int64(100 * (6 - absInt(i))),
			})
		}
	}
	return out, nil
}

// OrderEvents yields the simulator's order reports.
func (s *Sim) OrderEvents() <-chan OrderEvent { return s.orderCh }

// MarketData yields synthetic top-of-book ticks.
func (s *Sim) MarketData() <-chan Quote { return s.mdCh }

// Step advances the price walk one tick and sweeps resting orders. Tests use
// it for deterministic control; the background loop calls it on a timer.
func (s *Sim) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	for sym := range s.prices {
		s.prices[sym] *= 1 + (s.rng.Float64()-0.5)*0.004
		q := s.quoteLocked(sym, s.prices[sym])
		select {
		case s.mdCh <- q:
		default:
		}
	}
	s.sweepRestingLocked()
}

func (s *Sim) tickLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

func (s *Sim) quoteLocked(symbol string, last float64) Quote {
	half := s.cfg.Spread / 2
	return Quote{
		Symbol:    symbol,
		Bid:       last - half,
		Ask:       last + half,
		Last:      last,
		BidSize:   100,
		AskSize:   100,
		Timestamp: time.Now().UTC(),
	}
}

// tryFillLocked reports whether the order is immediately marketable and at
// what price.
func (s *Sim) tryFillLocked(ord schema.OrderRecord) (price float64, ok bool) {
	last, known := s.prices[ord.Symbol]
	if !known {
		return 0, false
	}
	q := s.quoteLocked(ord.Symbol, last)
	switch ord.Type {
	case schema.OrderTypeMarket:
		if ord.Side == schema.OrderSideBuy {
			return q.Ask, true
		}
		return q.Bid, true
	case schema.OrderTypeLimit:
		if ord.Side == schema.OrderSideBuy && ord.LimitPrice >= q.Ask {
			return q.Ask, true
		}
		if ord.Side == schema.OrderSideSell && ord.LimitPrice <= q.Bid {
			return q.Bid, true
		}
	case schema.OrderTypeStop:
		if ord.Side == schema.OrderSideBuy && q.Last >= ord.StopPrice {
			return q.Ask, true
		}
		if ord.Side == schema.OrderSideSell && q.Last <= ord.StopPrice {
			return q.Bid, true
		}
	}
	return 0, false
}

func (s *Sim) sweepRestingLocked() {
	for id, ord := range s.resting {
		if price, ok := s.tryFillLocked(ord); ok {
			delete(s.resting, id)
			s.applyFillLocked(ord, price)
		}
	}
}

func (s *Sim) applyFillLocked(ord schema.OrderRecord, price float64) {
	qty := ord.LeavesQty()
	signed := qty
	if ord.Side == schema.OrderSideSell {
		signed = -qty
	}
	pos, ok := s.positions[ord.Symbol]
	if !ok {
		pos = &BrokerPosition{Symbol: ord.Symbol}
		s.positions[ord.Symbol] = pos
	}
	if pos.Qty+signed != 0 {
		pos.AvgCost = (pos.AvgCost*pos.Qty + price*signed) / (pos.Qty + signed)
	} else {
		pos.AvgCost = 0
	}
	pos.Qty += signed
	s.cash -= signed * price

	s.emitLocked(OrderEvent{
		Kind:          OrderEventFill,
		ClientOrderID: ord.ClientOrderID,
		BrokerOrderID: ord.BrokerOrderID,
		Fill: &schema.Fill{
			BrokerOrderID: ord.BrokerOrderID,
			Symbol:        ord.Symbol,
			Side:          ord.Side,
			Qty:           qty,
			Price:         price,
			Timestamp:     time.Now().UTC(),
		},
		Timestamp: time.Now().UTC(),
	})
}

func (s *Sim) emitLocked(ev OrderEvent) {
	select {
	case s.orderCh <- ev:
	default:
		logs.Warnf("sim order event channel full, dropping %s for %s", ev.Kind, ev.ClientOrderID)
	}
}

func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "", "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, errors.Errorf("gateway: unsupported interval %q", interval)
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

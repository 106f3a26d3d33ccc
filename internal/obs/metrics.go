// Package obs exposes the daemon's Prometheus metrics and the optional
// /metrics HTTP listener.
package obs

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

// Metrics is the daemon's metric set, backed by a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	ordersSubmitted prometheus.Counter
	ordersFilled    prometheus.Counter
	ordersCancelled prometheus.Counter
	ordersRejected  prometheus.Counter
	submitLatency   prometheus.Histogram

	riskRejections *prometheus.CounterVec

	reconnects      prometheus.Counter
	connectionState prometheus.Gauge

	busDrops    prometheus.Counter
	subscribers prometheus.Gauge

	openOrders prometheus.Gauge
	equity     prometheus.Gauge
	auditSeq   prometheus.Gauge
}

// NewMetrics builds the metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "requests_total",
			Help:      "Commands served, by command name and result code.",
		}, []string{"cmd", "code"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "brokerd",
			Name:      "request_duration_seconds",
			Help:      "Command handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cmd"}),
		ordersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "orders_submitted_total",
			Help:      "Orders accepted and handed to the gateway.",
		}),
		ordersFilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "orders_filled_total",
			Help:      "Orders that reached FILLED.",
		}),
		ordersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "orders_cancelled_total",
			Help:      "Orders that reached CANCELLED.",
		}),
		ordersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "orders_rejected_total",
			Help:      "Orders that reached REJECTED.",
		}),
		submitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brokerd",
			Name:      "submit_duration_seconds",
			Help:      "Gateway submission round-trip latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		riskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "risk_rejections_total",
			Help:      "Pre-trade rejections, by error code.",
		}, []string{"code"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "gateway_reconnects_total",
			Help:      "Gateway session re-establishments.",
		}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "gateway_connection_state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
		}),
		busDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "event_subscriber_drops_total",
			Help:      "Subscribers dropped for falling behind.",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "event_subscribers",
			Help:      "Live event subscriptions.",
		}),
		openOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "open_orders",
			Help:      "Non-terminal orders.",
		}),
		equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "equity",
			Help:      "Account equity.",
		}),
		auditSeq: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerd",
			Name:      "audit_sequence",
			Help:      "Last assigned audit sequence number.",
		}),
	}
}

// ObserveRequest records one served command.
func (m *Metrics) ObserveRequest(cmd, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(cmd, code).Inc()
	m.requestLatency.WithLabelValues(cmd).Observe(took.Seconds())
}

// ObserveSubmit records a gateway submission round trip.
func (m *Metrics) ObserveSubmit(took time.Duration) {
	if m == nil {
		return
	}
	m.ordersSubmitted.Inc()
	m.submitLatency.Observe(took.Seconds())
}

// OrderTerminal records an order reaching a terminal status.
func (m *Metrics) OrderTerminal(status string) {
	if m == nil {
		return
	}
	switch status {
	case "FILLED":
		m.ordersFilled.Inc()
	case "CANCELLED":
		m.ordersCancelled.Inc()
	case "REJECTED":
		m.ordersRejected.Inc()
	}
}

// RiskRejected records a pre-trade rejection.
func (m *Metrics) RiskRejected(code string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(code).Inc()
}

// Reconnected records a session re-establishment.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnectionState records the connection state ordinal.
func (m *Metrics) SetConnectionState(state uint8) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// SubscriberDropped records a lagging subscriber being cut off.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.busDrops.Inc()
}

// SetSubscribers records the live subscription count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SetOpenOrders records the non-terminal order count.
func (m *Metrics) SetOpenOrders(n int) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(n))
}

// SetEquity records account equity.
func (m *Metrics) SetEquity(v float64) {
	if m == nil {
		return
	}
	m.equity.Set(v)
}

// SetAuditSeq records the last audit sequence.
func (m *Metrics) SetAuditSeq(seq uint64) {
	if m == nil {
		return
	}
	m.auditSeq.Set(float64(seq))
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics listener until ctx ends. addr empty disables it.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

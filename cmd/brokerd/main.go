// brokerd is the broker-execution daemon: it owns the gateway connection,
// order and risk state, the audit trail, and the event stream, and serves
// clients over a Unix domain socket.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/audit"
	"main/internal/bus"
	"main/internal/conn"
	"main/internal/daemon"
	"main/internal/dispatch"
	"main/internal/gateway"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/order"
	"main/internal/risk"
	"main/internal/state"
)

const version = "0.1.0"

const gaugeInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown signal received")
		cancel()
	}()

	if loaded.Pyroscope.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.Pyroscope.ApplicationName,
			ServerAddress:   loaded.Pyroscope.ServerAddress,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	if err := run(ctx, *configPath, loaded); err != nil {
		log.Fatalf("brokerd failed: %v", err)
	}
}

func run(ctx context.Context, configPath string, loaded ops.Loaded) error {
	auditLog, err := audit.Open(audit.DefaultConfig(loaded.AuditDir))
	if err != nil {
		return err
	}
	defer func() { _ = auditLog.Close() }()

	events := bus.New()
	defer events.Close()
	metrics := obs.NewMetrics()
	events.OnDrop(metrics.SubscriberDropped)

	gw, err := buildGateway(loaded)
	if err != nil {
		return err
	}
	cm := conn.NewManager(gw, events, conn.Config{SubmitTimeout: loaded.SubmitTimeout})
	book := state.NewBook(loaded.Cash)
	engine := risk.NewEngine(loaded.Limits, loaded.Registry)
	orders := order.NewManager(order.Deps{
		Risk:     engine,
		Book:     book,
		Conn:     cm,
		Audit:    auditLog,
		Events:   events,
		Registry: loaded.Registry,
		Metrics:  metrics,
	})
	cm.OnReconnect(func(ctx context.Context) {
		metrics.Reconnected()
		orders.Reconcile(ctx)
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Conn:      cm,
		Orders:    orders,
		Risk:      engine,
		Book:      book,
		Audit:     auditLog,
		Events:    events,
		Registry:  loaded.Registry,
		Metrics:   metrics,
		StartedAt: time.Now(),
		Version:   version,
	})
	server := daemon.New(daemon.Config{SocketPath: loaded.SocketPath}, dispatcher, events, metrics)

	go func() { _ = cm.Run(ctx) }()
	go func() { _ = orders.Run(ctx) }()
	go func() {
		if err := ops.Watch(ctx, configPath, func(next ops.Loaded) {
			engine.Reload(next.Limits)
			logs.Infof("risk limits reloaded from %s", configPath)
		}); err != nil {
			logs.Warnf("config watch disabled: %v", err)
		}
	}()
	if loaded.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, loaded.MetricsAddr); err != nil {
				logs.Warnf("metrics server stopped: %v", err)
			}
		}()
	}
	go sampleGauges(ctx, metrics, cm, orders, book, auditLog, events)

	logs.Infof("brokerd %s starting, gateway=%s instruments=%d", version, loaded.Gateway.Kind, loaded.Registry.Count())
	return server.Run(ctx)
}

func buildGateway(loaded ops.Loaded) (gateway.Client, error) {
	switch loaded.Gateway.Kind {
	case "ws":
		return gateway.NewWS(gateway.WSConfig{
			Endpoint: loaded.Gateway.Endpoint,
			Symbols:  loaded.Registry.Symbols(),
		}), nil
	default:
		return gateway.NewSim(gateway.SimConfig{
			Seed:         loaded.Gateway.SimSeed,
			Cash:         loaded.Cash,
			BasePrice:    loaded.Gateway.SimBasePrice,
			TickInterval: time.Duration(loaded.Gateway.SimTickMillis) * time.Millisecond,
		}, loaded.Registry), nil
	}
}

func sampleGauges(ctx context.Context, m *obs.Metrics, cm *conn.Manager, orders *order.Manager, book *state.Book, auditLog *audit.Log, events *bus.Broadcaster) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetConnectionState(uint8(cm.State()))
			m.SetOpenOrders(orders.OpenCount())
			m.SetEquity(book.Equity())
			m.SetAuditSeq(auditLog.Seq())
			m.SetSubscribers(events.SubscriberCount())
		}
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}

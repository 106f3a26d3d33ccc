// Package dispatch maps client commands onto the daemon's components. The
// command table is closed; envelope validation happens here, before any
// stateful component is touched. Risk rejections leave as ok:false responses
// with a specific code, never as transport failures.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/yanun0323/logs"

	"main/internal/audit"
	"main/internal/bus"
	"main/internal/conn"
	"main/internal/obs"
	"main/internal/order"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/internal/wire"
)

// suggestion cutoff for unknown commands. Anything further away than this is
// probably not a typo.
const maxSuggestDistance = 4

// heartbeatWindow bounds how long an agent counts as live after its last
// agent.heartbeat.
const heartbeatWindow = 2 * time.Minute

// Session is the per-connection surface a handler may touch. The daemon
// server implements it; tests supply a stub.
type Session interface {
	// Actor identifies the caller for audit entries.
	Actor() string
	// Subscribe attaches an event stream to the session. At most one stream
	// per session.
	Subscribe(topics []schema.Topic, buffer int) error
}

// Deps carries every component a handler may need.
type Deps struct {
	Conn      *conn.Manager
	Orders    *order.Manager
	Risk      *risk.Engine
	Book      *state.Book
	Audit     *audit.Log
	Events    *bus.Broadcaster
	Registry  *schema.Registry
	Metrics   *obs.Metrics
	StartedAt time.Time
	Version   string
}

type handlerFunc func(ctx context.Context, args map[string]any, sess Session) (any, *schema.CodedError)

// Dispatcher routes request envelopes to command handlers.
type Dispatcher struct {
	deps  Deps
	table map[string]handlerFunc
	names []string

	mu    sync.Mutex
	beats map[string]time.Time
	now   func() time.Time
}

// New builds the dispatcher with the full command table.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:  deps,
		beats: make(map[string]time.Time),
		now:   time.Now,
	}
	d.table = map[string]handlerFunc{
		"daemon.status":   d.daemonStatus,
		"quote":           d.quote,
		"history":         d.history,
		"chain":           d.chain,
		"order.submit":    d.orderSubmit,
		"order.cancel":    d.orderCancel,
		"order.cancelAll": d.orderCancelAll,
		"order.status":    d.orderStatus,
		"orders.list":     d.ordersList,
		"fills.list":      d.fillsList,
		"positions":       d.positions,
		"pnl":             d.pnl,
		"balance":         d.balance,
		"exposure":        d.exposure,
		"risk.check":      d.riskCheck,
		"risk.limits":     d.riskLimits,
		"risk.set":        d.riskSet,
		"risk.halt":       d.riskHalt,
		"risk.resume":     d.riskResume,
		"risk.override":   d.riskOverride,
		"agent.heartbeat": d.agentHeartbeat,
		"agent.subscribe": d.agentSubscribe,
		"audit.orders":    d.auditOrders,
		"audit.commands":  d.auditCommands,
		"audit.risk":      d.auditRisk,
		"audit.export":    d.auditExport,
	}
	d.names = make([]string, 0, len(d.table))
	for name := range d.table {
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

// Commands lists every command name in a stable order.
func (d *Dispatcher) Commands() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Handle runs one request to completion and returns the response envelope.
// The command audit entry is appended before the response is returned.
func (d *Dispatcher) Handle(ctx context.Context, req wire.Request, sess Session) wire.Response {
	start := d.now()
	h, ok := d.table[req.Cmd]
	if !ok {
		cerr := schema.NewCodedError(schema.CodeInvalidArgs, fmt.Sprintf("unknown command %q", req.Cmd))
		if near := d.nearest(req.Cmd); near != "" {
			cerr = cerr.WithDetail("didYouMean", near)
		}
		d.deps.Metrics.ObserveRequest(req.Cmd, string(schema.CodeInvalidArgs), time.Since(start))
		return wire.ErrResponse(req.ID, cerr)
	}

	data, cerr := h(ctx, req.Args, sess)
	code := "OK"
	if cerr != nil {
		code = string(cerr.Code)
	}
	d.auditCommand(sess.Actor(), req.Cmd, req.Args, code)
	d.deps.Metrics.ObserveRequest(req.Cmd, code, time.Since(start))
	if cerr != nil {
		return wire.ErrResponse(req.ID, cerr)
	}
	return wire.OkResponse(req.ID, data)
}

func (d *Dispatcher) nearest(cmd string) string {
	best, bestDist := "", maxSuggestDistance+1
	for _, name := range d.names {
		if dist := levenshtein.ComputeDistance(cmd, name); dist < bestDist {
			best, bestDist = name, dist
		}
	}
	return best
}

func (d *Dispatcher) auditCommand(actor, cmd string, args map[string]any, code string) {
	payload := map[string]any{"cmd": cmd}
	if len(args) > 0 {
		payload["args"] = args
	}
	if _, err := d.deps.Audit.Append(schema.AuditCommand, actor, payload, code); err != nil {
		logs.Errorf("audit append failed for command %s by %s: %+v", cmd, actor, err)
	}
}

func (d *Dispatcher) auditRiskChange(actor string, payload map[string]any) {
	if _, err := d.deps.Audit.Append(schema.AuditRisk, actor, payload, "OK"); err != nil {
		logs.Errorf("audit append failed for risk change by %s: %+v", actor, err)
	}
}

func (d *Dispatcher) liveAgents(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for actor, at := range d.beats {
		if now.Sub(at) > heartbeatWindow {
			delete(d.beats, actor)
			continue
		}
		n++
	}
	return n
}

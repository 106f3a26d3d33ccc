package dispatch

import (
	"context"

	"main/internal/conn"
	"main/internal/gateway"
	"main/internal/schema"
)

const (
	defaultHistoryBars = 100
	maxHistoryBars     = 1000
)

func (d *Dispatcher) daemonStatus(_ context.Context, _ map[string]any, _ Session) (any, *schema.CodedError) {
	now := d.now()
	connState := d.deps.Conn.State()
	return map[string]any{
		"state":          connState.String(),
		"connected":      connState == schema.ConnConnected,
		"uptimeSeconds":  int64(now.Sub(d.deps.StartedAt).Seconds()),
		"version":        d.deps.Version,
		"reconnects":     d.deps.Conn.Reconnects(),
		"lastDropReason": d.deps.Conn.LastDropReason(),
		"openOrders":     d.deps.Orders.OpenCount(),
		"auditSeq":       d.deps.Audit.Seq(),
		"subscribers":    d.deps.Events.SubscriberCount(),
		"agents":         d.liveAgents(now),
		"halted":         d.deps.Risk.Halted(),
		"instruments":    d.deps.Registry.Count(),
	}, nil
}

func (d *Dispatcher) quote(ctx context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	symbol, cerr := argSymbol(args)
	if cerr != nil {
		return nil, cerr
	}
	if !d.deps.Registry.Known(symbol) {
		return nil, schema.NewCodedError(schema.CodeInvalidSymbol, "unknown symbol "+symbol)
	}
	return conn.Call(ctx, d.deps.Conn, "quote", func(ctx context.Context) (gateway.Quote, error) {
		return d.deps.Conn.Client().Quote(ctx, symbol)
	})
}

func (d *Dispatcher) history(ctx context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	symbol, cerr := argSymbol(args)
	if cerr != nil {
		return nil, cerr
	}
	if !d.deps.Registry.Known(symbol) {
		return nil, schema.NewCodedError(schema.CodeInvalidSymbol, "unknown symbol "+symbol)
	}
	interval := argString(args, "interval")
	switch interval {
	case "1m", "5m", "1h", "1d":
	case "":
		interval = "1d"
	default:
		return nil, invalidArgs("interval must be one of 1m, 5m, 1h, 1d, got %q", interval)
	}
	bars, ok := argInt(args, "bars")
	if !ok {
		bars = defaultHistoryBars
	}
	if bars <= 0 || bars > maxHistoryBars {
		return nil, invalidArgs("bars must be in (0, %d], got %d", maxHistoryBars, bars)
	}
	req := gateway.HistoryRequest{Symbol: symbol, Interval: interval, Bars: bars}
	out, cerr := conn.Call(ctx, d.deps.Conn, "history", func(ctx context.Context) ([]gateway.Bar, error) {
		return d.deps.Conn.Client().History(ctx, req)
	})
	if cerr != nil {
		return nil, cerr
	}
	return map[string]any{"symbol": symbol, "interval": interval, "bars": out}, nil
}

func (d *Dispatcher) chain(ctx context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	symbol, cerr := argSymbol(args)
	if cerr != nil {
		return nil, cerr
	}
	if !d.deps.Registry.Known(symbol) {
		return nil, schema.NewCodedError(schema.CodeInvalidSymbol, "unknown symbol "+symbol)
	}
	out, cerr := conn.Call(ctx, d.deps.Conn, "chain", func(ctx context.Context) ([]gateway.OptionContract, error) {
		return d.deps.Conn.Client().Chain(ctx, symbol)
	})
	if cerr != nil {
		return nil, cerr
	}
	return map[string]any{"symbol": symbol, "contracts": out}, nil
}

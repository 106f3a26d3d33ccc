package dispatch

import (
	"context"
	"math"
	"sort"

	"main/internal/conn"
	"main/internal/gateway"
	"main/internal/schema"
)

func (d *Dispatcher) positions(_ context.Context, _ map[string]any, _ Session) (any, *schema.CodedError) {
	return map[string]any{"positions": d.deps.Book.Positions()}, nil
}

func (d *Dispatcher) pnl(_ context.Context, _ map[string]any, _ Session) (any, *schema.CodedError) {
	return d.deps.Book.PnLToday(), nil
}

// balance reports the local book and, when the gateway is reachable, the
// broker-side account snapshot next to it so drift is visible.
func (d *Dispatcher) balance(ctx context.Context, _ map[string]any, _ Session) (any, *schema.CodedError) {
	out := map[string]any{
		"cash":   d.deps.Book.Cash(),
		"equity": d.deps.Book.Equity(),
	}
	acct, cerr := conn.Call(ctx, d.deps.Conn, "account", func(ctx context.Context) (gateway.AccountSummary, error) {
		return d.deps.Conn.Client().Account(ctx)
	})
	if cerr == nil {
		out["accountId"] = acct.AccountID
		out["buyingPower"] = acct.BuyingPower
		out["brokerCash"] = acct.Cash
		out["brokerEquity"] = acct.Equity
	}
	return out, nil
}

func (d *Dispatcher) exposure(_ context.Context, _ map[string]any, _ Session) (any, *schema.CodedError) {
	view := d.deps.Book.ExposureView(d.deps.Registry)

	type symbolExposure struct {
		Symbol      string  `msgpack:"symbol" json:"symbol"`
		Notional    float64 `msgpack:"notional" json:"notional"`
		PctOfEquity float64 `msgpack:"pctOfEquity" json:"pctOfEquity"`
		Sector      string  `msgpack:"sector" json:"sector"`
	}
	type sectorExposure struct {
		Sector      string  `msgpack:"sector" json:"sector"`
		Notional    float64 `msgpack:"notional" json:"notional"`
		PctOfEquity float64 `msgpack:"pctOfEquity" json:"pctOfEquity"`
	}

	pct := func(notional float64) float64 {
		if view.Equity <= 0 {
			return 0
		}
		return math.Abs(notional) / view.Equity * 100
	}

	symbols := make([]symbolExposure, 0, len(view.Positions))
	for symbol, notional := range view.Positions {
		symbols = append(symbols, symbolExposure{
			Symbol:      symbol,
			Notional:    notional,
			PctOfEquity: pct(notional),
			Sector:      d.deps.Registry.Sector(symbol),
		})
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Symbol < symbols[j].Symbol })

	sectors := make([]sectorExposure, 0, len(view.SectorNotional))
	for sector, notional := range view.SectorNotional {
		sectors = append(sectors, sectorExposure{Sector: sector, Notional: notional, PctOfEquity: pct(notional)})
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i].Sector < sectors[j].Sector })

	return map[string]any{
		"equity":            view.Equity,
		"symbols":           symbols,
		"sectors":           sectors,
		"openOrders":        d.deps.Risk.OpenOrders(),
		"dailyRealizedLoss": view.DailyRealizedLoss,
	}, nil
}

package dispatch

import (
	"context"
	"strings"

	"main/internal/order"
	"main/internal/schema"
)

// parseIntent builds an OrderIntent from request args. Enum membership and
// numeric sanity are checked here so bad input never reaches the risk engine
// or order manager; cross-field consistency stays with the order manager.
func parseIntent(args map[string]any) (schema.OrderIntent, *schema.CodedError) {
	var intent schema.OrderIntent

	symbol, cerr := argSymbol(args)
	if cerr != nil {
		return intent, cerr
	}
	intent.Symbol = symbol

	side := schema.OrderSide(strings.ToUpper(argString(args, "side")))
	if !side.IsValid() {
		return intent, invalidArgs("side must be BUY or SELL, got %q", argString(args, "side"))
	}
	intent.Side = side

	qty, ok := argFloat(args, "qty")
	if !ok || qty <= 0 {
		return intent, invalidArgs("qty must be a positive number")
	}
	intent.Qty = qty

	typ := schema.OrderType(strings.ToUpper(argString(args, "type")))
	if typ == "" {
		typ = schema.OrderTypeMarket
	}
	if !typ.IsValid() {
		return intent, invalidArgs("type must be MARKET, LIMIT, or STOP, got %q", argString(args, "type"))
	}
	intent.Type = typ

	tif := schema.TimeInForce(strings.ToUpper(argString(args, "timeInForce")))
	if tif == "" {
		tif = schema.TimeInForceDay
	}
	if !tif.IsValid() {
		return intent, invalidArgs("timeInForce must be DAY, GTC, IOC, or FOK, got %q", argString(args, "timeInForce"))
	}
	intent.TimeInForce = tif

	if price, ok := argFloat(args, "limitPrice"); ok {
		if price <= 0 {
			return intent, invalidArgs("limitPrice must be positive")
		}
		intent.LimitPrice = price
	}
	if price, ok := argFloat(args, "stopPrice"); ok {
		if price <= 0 {
			return intent, invalidArgs("stopPrice must be positive")
		}
		intent.StopPrice = price
	}
	intent.IdempotencyKey = argString(args, "idempotencyKey")

	if raw, ok := argMap(args, "bracket"); ok {
		tp, tpOK := argFloat(raw, "takeProfitPrice")
		sl, slOK := argFloat(raw, "stopLossPrice")
		if !tpOK || !slOK || tp <= 0 || sl <= 0 {
			return intent, invalidArgs("bracket requires positive takeProfitPrice and stopLossPrice")
		}
		intent.Bracket = &schema.BracketSpec{TakeProfitPrice: tp, StopLossPrice: sl}
	}
	return intent, nil
}

func (d *Dispatcher) orderSubmit(ctx context.Context, args map[string]any, sess Session) (any, *schema.CodedError) {
	intent, cerr := parseIntent(args)
	if cerr != nil {
		return nil, cerr
	}
	rec, cerr := d.deps.Orders.Submit(ctx, intent, sess.Actor())
	if cerr != nil {
		return nil, cerr
	}
	return rec, nil
}

func (d *Dispatcher) orderCancel(ctx context.Context, args map[string]any, sess Session) (any, *schema.CodedError) {
	id := argString(args, "clientOrderId")
	if id == "" {
		return nil, invalidArgs("clientOrderId is required")
	}
	if cerr := d.deps.Orders.Cancel(ctx, id, sess.Actor()); cerr != nil {
		return nil, cerr
	}
	rec, _ := d.deps.Orders.Status(id)
	return rec, nil
}

func (d *Dispatcher) orderCancelAll(ctx context.Context, _ map[string]any, sess Session) (any, *schema.CodedError) {
	return d.deps.Orders.CancelAll(ctx, sess.Actor()), nil
}

func (d *Dispatcher) orderStatus(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	id := argString(args, "clientOrderId")
	if id == "" {
		return nil, invalidArgs("clientOrderId is required")
	}
	rec, ok := d.deps.Orders.Status(id)
	if !ok {
		return nil, invalidArgs("unknown order %q", id)
	}
	return rec, nil
}

func (d *Dispatcher) ordersList(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	filter := order.ListFilter{
		Symbol: strings.ToUpper(argString(args, "symbol")),
		Open:   argBool(args, "open"),
	}
	if raw := argString(args, "status"); raw != "" {
		status := schema.OrderStatus(strings.ToUpper(raw))
		switch status {
		case schema.StatusPendingRisk, schema.StatusPendingSubmit, schema.StatusSubmitted,
			schema.StatusPartFilled, schema.StatusFilled, schema.StatusRejected,
			schema.StatusCancelled, schema.StatusExpired:
		default:
			return nil, invalidArgs("unknown status %q", raw)
		}
		filter.Status = status
	}
	return map[string]any{"orders": d.deps.Orders.List(filter)}, nil
}

func (d *Dispatcher) fillsList(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	symbol := strings.ToUpper(argString(args, "symbol"))
	return map[string]any{"fills": d.deps.Orders.Fills(symbol)}, nil
}

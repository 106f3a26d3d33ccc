package order

import (
	"fmt"

	"main/internal/schema"
)

// validateIntent rejects malformed submissions before any stateful component
// is touched.
func validateIntent(intent schema.OrderIntent, registry *schema.Registry) *schema.CodedError {
	if intent.Symbol == "" {
		return schema.NewCodedError(schema.CodeInvalidArgs, "symbol is required")
	}
	if !intent.Side.IsValid() {
		return schema.NewCodedError(schema.CodeInvalidArgs,
			fmt.Sprintf("invalid side %q", intent.Side))
	}
	if !intent.Type.IsValid() {
		return schema.NewCodedError(schema.CodeInvalidArgs,
			fmt.Sprintf("invalid order type %q", intent.Type))
	}
	if intent.TimeInForce != "" && !intent.TimeInForce.IsValid() {
		return schema.NewCodedError(schema.CodeInvalidArgs,
			fmt.Sprintf("invalid time in force %q", intent.TimeInForce))
	}
	if intent.Qty <= 0 {
		return schema.NewCodedError(schema.CodeInvalidArgs, "qty must be positive")
	}
	if intent.Type == schema.OrderTypeLimit && intent.LimitPrice <= 0 {
		return schema.NewCodedError(schema.CodeInvalidArgs, "limit orders require limitPrice")
	}
	if intent.Type == schema.OrderTypeStop && intent.StopPrice <= 0 {
		return schema.NewCodedError(schema.CodeInvalidArgs, "stop orders require stopPrice")
	}
	if intent.Bracket != nil {
		if intent.Bracket.TakeProfitPrice <= 0 || intent.Bracket.StopLossPrice <= 0 {
			return schema.NewCodedError(schema.CodeInvalidArgs,
				"bracket orders require takeProfitPrice and stopLossPrice")
		}
		if intent.Side == schema.OrderSideBuy && intent.Bracket.TakeProfitPrice <= intent.Bracket.StopLossPrice {
			return schema.NewCodedError(schema.CodeInvalidArgs,
				"buy bracket requires takeProfitPrice above stopLossPrice")
		}
		if intent.Side == schema.OrderSideSell && intent.Bracket.TakeProfitPrice >= intent.Bracket.StopLossPrice {
			return schema.NewCodedError(schema.CodeInvalidArgs,
				"sell bracket requires takeProfitPrice below stopLossPrice")
		}
	}
	if registry != nil && registry.Count() > 0 && !registry.Known(intent.Symbol) {
		return schema.NewCodedError(schema.CodeInvalidSymbol,
			fmt.Sprintf("unknown symbol %s", intent.Symbol))
	}
	return nil
}

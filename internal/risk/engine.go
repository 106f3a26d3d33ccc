// Package risk implements the pre-trade risk engine: a mutable limit set with
// time-boxed overrides, a global halt switch, and an ordered chain of checks
// evaluated atomically against submission accounting (open-order
// reservations, a sliding rate window, duplicate-intent detection).
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// rateWindow is the span of the sliding submission-rate window.
const rateWindow = time.Minute

var (
	ErrUnknownParam = errors.New("risk: unknown limit param")
	ErrInvalidValue = errors.New("risk: invalid limit value")
)

// ExposureView is the account snapshot a check evaluates against. It is
// assembled by the caller; the engine never reaches into other components.
type ExposureView struct {
	Equity            float64
	Positions         map[string]float64 // signed position notional per symbol
	SectorNotional    map[string]float64 // absolute notional per sector
	DailyRealizedLoss float64            // positive value means a loss
	Mark              float64            // mark price for the intent's symbol
}

// Engine owns the limit state. All methods are safe for concurrent use; a
// Check that admits an intent registers it in the rate window, the duplicate
// window, and the open-order reservation count inside the same critical
// section, so two concurrent submissions can never both pass a limit only one
// should have passed.
type Engine struct {
	mu        sync.Mutex
	base      schema.RiskLimits
	overrides map[schema.RiskParam]schema.RiskOverride
	registry  *schema.Registry

	openOrders int
	rateStamps []time.Time
	recent     []fingerprint

	now func() time.Time
}

type fingerprint struct {
	symbol string
	side   schema.OrderSide
	qty    float64
	price  float64
	at     time.Time
}

// NewEngine creates an engine with the given base limits.
func NewEngine(base schema.RiskLimits, registry *schema.Registry) *Engine {
	return &Engine{
		base:      base.Clone(),
		overrides: make(map[schema.RiskParam]schema.RiskOverride),
		registry:  registry,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock swaps the time source, used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Admit runs the check chain and, on success, registers the submission
// against the rate window, duplicate window, and open-order count as one
// atomic step. Callers that admit an intent must later call Release when the
// order fails downstream or reaches a terminal state.
func (e *Engine) Admit(intent schema.OrderIntent, view ExposureView) schema.RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check(intent, view, true)
}

// Evaluate runs the check chain without registering the submission. Used by
// the risk.check command for dry runs.
func (e *Engine) Evaluate(intent schema.OrderIntent, view ExposureView) schema.RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check(intent, view, false)
}

// Release returns one open-order reservation, called when an admitted order
// reaches a terminal state or never made it to the gateway.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openOrders > 0 {
		e.openOrders--
	}
}

// OpenOrders returns the current reservation count.
func (e *Engine) OpenOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openOrders
}

// check evaluates every limit in a fixed order; the first failure wins and
// carries its specific code, never a merged generic rejection.
func (e *Engine) check(intent schema.OrderIntent, view ExposureView, commit bool) schema.RiskDecision {
	now := e.now()
	limits := e.resolvedLimits(now)

	if limits.Halted {
		return schema.Deny(schema.CodeRiskHalted, "trading halted")
	}

	if limits.SymbolBlocklist[intent.Symbol] {
		return schema.Deny(schema.CodeInvalidSymbol, fmt.Sprintf("%s is blocklisted", intent.Symbol))
	}
	if len(limits.SymbolAllowlist) > 0 && !limits.SymbolAllowlist[intent.Symbol] {
		return schema.Deny(schema.CodeInvalidSymbol, fmt.Sprintf("%s is not on the allowlist", intent.Symbol))
	}
	if e.registry != nil && e.registry.Count() > 0 && !e.registry.Known(intent.Symbol) {
		return schema.Deny(schema.CodeInvalidSymbol, fmt.Sprintf("unknown symbol %s", intent.Symbol))
	}

	price := intent.ReferencePrice(view.Mark)
	notional := math.Abs(price * intent.Qty)
	if limits.MaxOrderValue > 0 && notional > limits.MaxOrderValue {
		return schema.Deny(schema.CodeInvalidArgs,
			fmt.Sprintf("order value %.2f exceeds max_order_value %.2f", notional, limits.MaxOrderValue))
	}

	if limits.MaxPositionPct > 0 && view.Equity > 0 {
		projected := math.Abs(view.Positions[intent.Symbol] + signedNotional(intent.Side, notional))
		if pct := projected / view.Equity * 100; pct > limits.MaxPositionPct {
			return schema.Deny(schema.CodeInvalidArgs,
				fmt.Sprintf("projected position %.1f%% exceeds max_position_pct %.1f%%", pct, limits.MaxPositionPct))
		}
	}

	if view.Equity > 0 {
		sector := ""
		if e.registry != nil {
			sector = e.registry.Sector(intent.Symbol)
		}
		if limits.MaxSectorExposurePct > 0 && sector != "" {
			projected := view.SectorNotional[sector] + notional
			if pct := projected / view.Equity * 100; pct > limits.MaxSectorExposurePct {
				return schema.Deny(schema.CodeInvalidArgs,
					fmt.Sprintf("projected %s exposure %.1f%% exceeds max_sector_exposure_pct %.1f%%",
						sector, pct, limits.MaxSectorExposurePct))
			}
		}
		if limits.MaxSingleNamePct > 0 {
			projected := math.Abs(view.Positions[intent.Symbol]) + notional
			if pct := projected / view.Equity * 100; pct > limits.MaxSingleNamePct {
				return schema.Deny(schema.CodeInvalidArgs,
					fmt.Sprintf("projected single-name exposure %.1f%% exceeds max_single_name_pct %.1f%%",
						pct, limits.MaxSingleNamePct))
			}
		}
		if limits.MaxDailyLossPct > 0 && view.DailyRealizedLoss > 0 {
			if pct := view.DailyRealizedLoss / view.Equity * 100; pct >= limits.MaxDailyLossPct {
				return schema.Deny(schema.CodeInvalidArgs,
					fmt.Sprintf("daily loss %.1f%% breaches max_daily_loss_pct %.1f%%", pct, limits.MaxDailyLossPct))
			}
		}
	}

	if limits.MaxOpenOrders > 0 && e.openOrders >= limits.MaxOpenOrders {
		return schema.Deny(schema.CodeRateLimited,
			fmt.Sprintf("open order count %d at max_open_orders %d", e.openOrders, limits.MaxOpenOrders))
	}

	e.pruneRate(now)
	if limits.OrderRateLimit > 0 && len(e.rateStamps) >= limits.OrderRateLimit {
		return schema.Deny(schema.CodeRateLimited,
			fmt.Sprintf("order_rate_limit %d per %s reached", limits.OrderRateLimit, rateWindow))
	}

	dupWindow := time.Duration(limits.DuplicateWindowSec) * time.Second
	if dupWindow > 0 {
		e.pruneRecent(now, dupWindow)
		for _, fp := range e.recent {
			if fp.symbol == intent.Symbol && fp.side == intent.Side &&
				fp.qty == intent.Qty && fp.price == intent.LimitPrice {
				return schema.Deny(schema.CodeDuplicateOrder,
					fmt.Sprintf("matching %s %s order within %s", intent.Side, intent.Symbol, dupWindow))
			}
		}
	}

	if commit {
		e.openOrders++
		e.rateStamps = append(e.rateStamps, now)
		if dupWindow > 0 {
			e.recent = append(e.recent, fingerprint{
				symbol: intent.Symbol,
				side:   intent.Side,
				qty:    intent.Qty,
				price:  intent.LimitPrice,
				at:     now,
			})
		}
	}
	return schema.Allow()
}

func signedNotional(side schema.OrderSide, notional float64) float64 {
	if side == schema.OrderSideSell {
		return -notional
	}
	return notional
}

func (e *Engine) pruneRate(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := e.rateStamps[:0]
	for _, ts := range e.rateStamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.rateStamps = kept
}

func (e *Engine) pruneRecent(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := e.recent[:0]
	for _, fp := range e.recent {
		if fp.at.After(cutoff) {
			kept = append(kept, fp)
		}
	}
	e.recent = kept
}

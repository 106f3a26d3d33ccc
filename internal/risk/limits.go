package risk

import (
	"sort"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

// Limits returns the effective limits with unexpired overrides applied.
func (e *Engine) Limits() schema.RiskLimits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolvedLimits(e.now())
}

// Set permanently updates one numeric limit on the base record. Overrides on
// the same param keep shadowing it until they expire.
func (e *Engine) Set(param schema.RiskParam, value float64) error {
	if !param.IsValid() {
		return errors.Wrapf(ErrUnknownParam, "%s", param)
	}
	if value < 0 {
		return errors.Wrapf(ErrInvalidValue, "%s = %v", param, value)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	applyParam(&e.base, param, value)
	logs.Infof("risk limit set: %s = %v", param, value)
	return nil
}

// SetAllowlist replaces the symbol allowlist. An empty list disables
// allowlist filtering.
func (e *Engine) SetAllowlist(symbols []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base.SymbolAllowlist = toSet(symbols)
}

// SetBlocklist replaces the symbol blocklist.
func (e *Engine) SetBlocklist(symbols []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base.SymbolBlocklist = toSet(symbols)
}

// Reload swaps the base limits wholesale, preserving the halt flag and any
// active overrides. Used by config hot reload.
func (e *Engine) Reload(base schema.RiskLimits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	halted := e.base.Halted
	e.base = base.Clone()
	e.base.Halted = halted
	logs.Info("risk base limits reloaded")
}

// Override shadows one numeric limit until expiry. A second override on the
// same param replaces the first.
func (e *Engine) Override(param schema.RiskParam, value float64, ttl time.Duration, reason string) (schema.RiskOverride, error) {
	if !param.IsValid() {
		return schema.RiskOverride{}, errors.Wrapf(ErrUnknownParam, "%s", param)
	}
	if value < 0 {
		return schema.RiskOverride{}, errors.Wrapf(ErrInvalidValue, "%s = %v", param, value)
	}
	if ttl <= 0 {
		return schema.RiskOverride{}, errors.Wrap(ErrInvalidValue, "override ttl must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ov := schema.RiskOverride{
		Param:     param,
		Value:     value,
		ExpiresAt: e.now().Add(ttl),
		Reason:    reason,
	}
	e.overrides[param] = ov
	logs.Warnf("risk override active: %s = %v until %s (%s)", param, value, ov.ExpiresAt.Format(time.RFC3339), reason)
	return ov, nil
}

// ClearOverride removes an active override before its expiry.
func (e *Engine) ClearOverride(param schema.RiskParam) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.overrides[param]; !ok {
		return false
	}
	delete(e.overrides, param)
	return true
}

// Overrides lists unexpired overrides sorted by param name.
func (e *Engine) Overrides() []schema.RiskOverride {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneOverrides(e.now())
	out := make([]schema.RiskOverride, 0, len(e.overrides))
	for _, ov := range e.overrides {
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Param < out[j].Param })
	return out
}

// Halt blocks every subsequent submission until Resume.
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.base.Halted {
		e.base.Halted = true
		logs.Warnf("risk halt engaged: %s", reason)
	}
}

// Resume lifts a halt.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.base.Halted {
		e.base.Halted = false
		logs.Info("risk halt lifted")
	}
}

// Halted reports the halt flag.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base.Halted
}

// resolvedLimits prunes expired overrides and returns the base limits with
// the survivors applied. Caller holds e.mu.
func (e *Engine) resolvedLimits(now time.Time) schema.RiskLimits {
	e.pruneOverrides(now)
	out := e.base.Clone()
	for _, ov := range e.overrides {
		applyParam(&out, ov.Param, ov.Value)
	}
	return out
}

func (e *Engine) pruneOverrides(now time.Time) {
	for param, ov := range e.overrides {
		if ov.Expired(now) {
			delete(e.overrides, param)
			logs.Infof("risk override expired: %s", param)
		}
	}
}

func applyParam(l *schema.RiskLimits, param schema.RiskParam, value float64) {
	switch param {
	case schema.ParamMaxPositionPct:
		l.MaxPositionPct = value
	case schema.ParamMaxOrderValue:
		l.MaxOrderValue = value
	case schema.ParamMaxDailyLossPct:
		l.MaxDailyLossPct = value
	case schema.ParamMaxSectorExposurePct:
		l.MaxSectorExposurePct = value
	case schema.ParamMaxSingleNamePct:
		l.MaxSingleNamePct = value
	case schema.ParamMaxOpenOrders:
		l.MaxOpenOrders = int(value)
	case schema.ParamOrderRateLimit:
		l.OrderRateLimit = int(value)
	case schema.ParamDuplicateWindowSec:
		l.DuplicateWindowSec = int(value)
	}
}

func toSet(symbols []string) map[string]bool {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[s] = true
	}
	return out
}

package schema

import "time"

// RiskParam names a single tunable risk limit.
type RiskParam string

const (
	ParamMaxPositionPct       RiskParam = "max_position_pct"
	ParamMaxOrderValue        RiskParam = "max_order_value"
	ParamMaxDailyLossPct      RiskParam = "max_daily_loss_pct"
	ParamMaxSectorExposurePct RiskParam = "max_sector_exposure_pct"
	ParamMaxSingleNamePct     RiskParam = "max_single_name_pct"
	ParamMaxOpenOrders        RiskParam = "max_open_orders"
	ParamOrderRateLimit       RiskParam = "order_rate_limit"
	ParamDuplicateWindowSec   RiskParam = "duplicate_window_seconds"
)

// IsValid reports whether the param names a known numeric limit.
func (p RiskParam) IsValid() bool {
	switch p {
	case ParamMaxPositionPct, ParamMaxOrderValue, ParamMaxDailyLossPct,
		ParamMaxSectorExposurePct, ParamMaxSingleNamePct, ParamMaxOpenOrders,
		ParamOrderRateLimit, ParamDuplicateWindowSec:
		return true
	default:
		return false
	}
}

// RiskLimits is the mutable limit record owned by the Risk Engine. It is
// mutated only through the engine's set/override/halt/resume operations.
type RiskLimits struct {
	MaxPositionPct       float64         `msgpack:"maxPositionPct" json:"maxPositionPct"`
	MaxOrderValue        float64         `msgpack:"maxOrderValue" json:"maxOrderValue"`
	MaxDailyLossPct      float64         `msgpack:"maxDailyLossPct" json:"maxDailyLossPct"`
	MaxSectorExposurePct float64         `msgpack:"maxSectorExposurePct" json:"maxSectorExposurePct"`
	MaxSingleNamePct     float64         `msgpack:"maxSingleNamePct" json:"maxSingleNamePct"`
	MaxOpenOrders        int             `msgpack:"maxOpenOrders" json:"maxOpenOrders"`
	OrderRateLimit       int             `msgpack:"orderRateLimit" json:"orderRateLimit"`
	DuplicateWindowSec   int             `msgpack:"duplicateWindowSeconds" json:"duplicateWindowSeconds"`
	SymbolAllowlist      map[string]bool `msgpack:"symbolAllowlist,omitempty" json:"symbolAllowlist,omitempty"`
	SymbolBlocklist      map[string]bool `msgpack:"symbolBlocklist,omitempty" json:"symbolBlocklist,omitempty"`
	Halted               bool            `msgpack:"halted" json:"halted"`
}

// Clone returns a deep copy so callers never alias the engine's base limits.
func (l RiskLimits) Clone() RiskLimits {
	out := l
	if l.SymbolAllowlist != nil {
		out.SymbolAllowlist = make(map[string]bool, len(l.SymbolAllowlist))
		for k, v := range l.SymbolAllowlist {
			out.SymbolAllowlist[k] = v
		}
	}
	if l.SymbolBlocklist != nil {
		out.SymbolBlocklist = make(map[string]bool, len(l.SymbolBlocklist))
		for k, v := range l.SymbolBlocklist {
			out.SymbolBlocklist[k] = v
		}
	}
	return out
}

// RiskOverride is a temporary shadow over one RiskLimits field. Expired
// overrides are pruned lazily on read.
type RiskOverride struct {
	Param     RiskParam `msgpack:"param" json:"param"`
	Value     float64   `msgpack:"value" json:"value"`
	ExpiresAt time.Time `msgpack:"expiresAt" json:"expiresAt"`
	Reason    string    `msgpack:"reason" json:"reason"`
}

// Expired reports whether the override has lapsed at now.
func (o RiskOverride) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// RiskDecision is the outcome of a pre-trade check. A rejection carries the
// specific failing code and a human-readable detail.
type RiskDecision struct {
	OK     bool      `msgpack:"ok" json:"ok"`
	Code   ErrorCode `msgpack:"code,omitempty" json:"code,omitempty"`
	Detail string    `msgpack:"detail,omitempty" json:"detail,omitempty"`
}

// Allow returns an approving decision.
func Allow() RiskDecision {
	return RiskDecision{OK: true}
}

// Deny returns a rejecting decision with a specific code.
func Deny(code ErrorCode, detail string) RiskDecision {
	return RiskDecision{OK: false, Code: code, Detail: detail}
}

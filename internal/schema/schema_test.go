package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusRejected, StatusCancelled, StatusExpired}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
		for _, next := range []OrderStatus{
			StatusPendingRisk, StatusPendingSubmit, StatusSubmitted,
			StatusPartFilled, StatusFilled, StatusRejected, StatusCancelled, StatusExpired,
		} {
			assert.False(t, s.CanTransition(next), "%s -> %s must be refused", s, next)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, StatusPendingRisk.CanTransition(StatusPendingSubmit))
	assert.True(t, StatusPendingRisk.CanTransition(StatusRejected))
	assert.True(t, StatusPendingRisk.CanTransition(StatusCancelled))
	assert.False(t, StatusPendingRisk.CanTransition(StatusSubmitted))

	assert.True(t, StatusPendingSubmit.CanTransition(StatusSubmitted))
	assert.True(t, StatusPendingSubmit.CanTransition(StatusRejected))
	assert.True(t, StatusPendingSubmit.CanTransition(StatusCancelled))
	assert.False(t, StatusPendingSubmit.CanTransition(StatusFilled))

	assert.True(t, StatusSubmitted.CanTransition(StatusPartFilled))
	assert.True(t, StatusSubmitted.CanTransition(StatusCancelled))
	assert.True(t, StatusPartFilled.CanTransition(StatusSubmitted))
	assert.True(t, StatusPartFilled.CanTransition(StatusFilled))
	assert.False(t, StatusPartFilled.CanTransition(StatusRejected))
}

func TestRiskLimitsClone(t *testing.T) {
	base := RiskLimits{
		MaxOrderValue:   50000,
		SymbolBlocklist: map[string]bool{"GME": true},
	}
	clone := base.Clone()
	clone.SymbolBlocklist["AMC"] = true
	assert.False(t, base.SymbolBlocklist["AMC"], "clone must not alias base maps")
}

func TestOverrideExpiry(t *testing.T) {
	now := time.Now()
	o := RiskOverride{Param: ParamMaxOrderValue, Value: 100, ExpiresAt: now.Add(time.Hour)}
	assert.False(t, o.Expired(now))
	assert.True(t, o.Expired(now.Add(time.Hour)))
	assert.True(t, o.Expired(now.Add(2*time.Hour)))
}

func TestTopicClosedSet(t *testing.T) {
	for _, topic := range Topics() {
		assert.True(t, topic.IsValid())
	}
	assert.False(t, Topic("trades").IsValid())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Instrument{Symbol: "AAPL", Sector: "tech"}))
	require.NoError(t, r.Add(Instrument{Symbol: "XOM", Sector: "energy"}))
	require.Error(t, r.Add(Instrument{Symbol: "AAPL", Sector: "tech"}))
	require.Error(t, r.Add(Instrument{}))

	assert.Equal(t, "tech", r.Sector("AAPL"))
	assert.Equal(t, "", r.Sector("MSFT"))
	assert.True(t, r.Known("XOM"))
	assert.Equal(t, []string{"AAPL", "XOM"}, r.Symbols())
}

func TestReferencePrice(t *testing.T) {
	limit := OrderIntent{Type: OrderTypeLimit, LimitPrice: 101.5}
	assert.Equal(t, 101.5, limit.ReferencePrice(100))

	market := OrderIntent{Type: OrderTypeMarket}
	assert.Equal(t, 100.0, market.ReferencePrice(100))
}

package schema

import "time"

// Topic is a named category of streamed events. The set is closed.
type Topic string

const (
	TopicOrders     Topic = "orders"
	TopicFills      Topic = "fills"
	TopicPositions  Topic = "positions"
	TopicPnL        Topic = "pnl"
	TopicRisk       Topic = "risk"
	TopicConnection Topic = "connection"
)

// Topics lists every valid topic in a stable order.
func Topics() []Topic {
	return []Topic{TopicOrders, TopicFills, TopicPositions, TopicPnL, TopicRisk, TopicConnection}
}

// IsValid reports whether the topic belongs to the closed set.
func (t Topic) IsValid() bool {
	switch t {
	case TopicOrders, TopicFills, TopicPositions, TopicPnL, TopicRisk, TopicConnection:
		return true
	default:
		return false
	}
}

// EventEnvelope is an ephemeral event fanned out to subscribers. It is not
// persisted beyond the broadcaster's bounded buffers.
type EventEnvelope struct {
	Topic     Topic          `msgpack:"topic" json:"topic"`
	Timestamp time.Time      `msgpack:"timestamp" json:"timestamp"`
	Data      map[string]any `msgpack:"data" json:"data"`
}

// AuditKind classifies an audit entry.
type AuditKind string

const (
	AuditCommand AuditKind = "command"
	AuditOrder   AuditKind = "order"
	AuditRisk    AuditKind = "risk"
)

// IsValid reports whether the kind is a known value.
func (k AuditKind) IsValid() bool {
	switch k {
	case AuditCommand, AuditOrder, AuditRisk:
		return true
	default:
		return false
	}
}

// AuditEntry is one immutable row of the append-only audit trail. Seq is
// assigned by the Audit Logger, strictly increasing and gapless for a single
// daemon lifetime.
type AuditEntry struct {
	Seq        uint64         `msgpack:"seq" json:"seq"`
	Timestamp  time.Time      `msgpack:"timestamp" json:"timestamp"`
	Kind       AuditKind      `msgpack:"kind" json:"kind"`
	Actor      string         `msgpack:"actor" json:"actor"`
	Payload    map[string]any `msgpack:"payload" json:"payload"`
	ResultCode string         `msgpack:"resultCode" json:"resultCode"`
}

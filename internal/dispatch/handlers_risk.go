package dispatch

import (
	"context"
	"time"

	"main/internal/schema"
)

const (
	defaultSubscribeBuffer = 64
	maxSubscribeBuffer     = 1024
	maxOverrideTTL         = 24 * time.Hour
)

// riskCheck is the dry run: same mark resolution and decision chain as a
// real submission, no reservation taken.
func (d *Dispatcher) riskCheck(ctx context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	intent, cerr := parseIntent(args)
	if cerr != nil {
		return nil, cerr
	}
	mark := d.deps.Orders.ReferencePrice(ctx, intent.Symbol)
	if intent.ReferencePrice(mark) <= 0 {
		return nil, schema.NewCodedError(schema.CodeInvalidArgs,
			"no reference price available for "+intent.Symbol)
	}
	view := d.deps.Book.ExposureView(d.deps.Registry)
	view.Mark = mark
	return d.deps.Risk.Evaluate(intent, view), nil
}

func (d *Dispatcher) riskLimits(_ context.Context, _ map[string]any, _ Session) (any, *schema.CodedError) {
	return map[string]any{
		"limits":    d.deps.Risk.Limits(),
		"overrides": d.deps.Risk.Overrides(),
	}, nil
}

func (d *Dispatcher) riskSet(_ context.Context, args map[string]any, sess Session) (any, *schema.CodedError) {
	param := schema.RiskParam(argString(args, "param"))
	value, ok := argFloat(args, "value")
	if !ok {
		return nil, invalidArgs("value must be a number")
	}
	if err := d.deps.Risk.Set(param, value); err != nil {
		return nil, invalidArgs("%s", err.Error())
	}
	d.auditRiskChange(sess.Actor(), map[string]any{
		"action": "set",
		"param":  string(param),
		"value":  value,
	})
	d.deps.Events.Emit(schema.TopicRisk, map[string]any{
		"action": "set",
		"param":  string(param),
		"value":  value,
		"actor":  sess.Actor(),
	})
	return map[string]any{"limits": d.deps.Risk.Limits()}, nil
}

func (d *Dispatcher) riskHalt(_ context.Context, args map[string]any, sess Session) (any, *schema.CodedError) {
	reason := argString(args, "reason")
	if reason == "" {
		reason = "operator halt"
	}
	d.deps.Risk.Halt(reason)
	d.auditRiskChange(sess.Actor(), map[string]any{"action": "halt", "reason": reason})
	d.deps.Events.Emit(schema.TopicRisk, map[string]any{
		"action": "halt",
		"reason": reason,
		"actor":  sess.Actor(),
	})
	return map[string]any{"halted": true, "reason": reason}, nil
}

func (d *Dispatcher) riskResume(_ context.Context, _ map[string]any, sess Session) (any, *schema.CodedError) {
	d.deps.Risk.Resume()
	d.auditRiskChange(sess.Actor(), map[string]any{"action": "resume"})
	d.deps.Events.Emit(schema.TopicRisk, map[string]any{"action": "resume", "actor": sess.Actor()})
	return map[string]any{"halted": false}, nil
}

func (d *Dispatcher) riskOverride(_ context.Context, args map[string]any, sess Session) (any, *schema.CodedError) {
	param := schema.RiskParam(argString(args, "param"))
	value, ok := argFloat(args, "value")
	if !ok {
		return nil, invalidArgs("value must be a number")
	}
	ttlSec, ok := argInt(args, "ttlSeconds")
	if !ok || ttlSec <= 0 {
		return nil, invalidArgs("ttlSeconds must be a positive integer")
	}
	ttl := time.Duration(ttlSec) * time.Second
	if ttl > maxOverrideTTL {
		return nil, invalidArgs("ttlSeconds exceeds the %s maximum", maxOverrideTTL)
	}
	reason := argString(args, "reason")
	if reason == "" {
		return nil, invalidArgs("reason is required for overrides")
	}
	ov, err := d.deps.Risk.Override(param, value, ttl, reason)
	if err != nil {
		return nil, invalidArgs("%s", err.Error())
	}
	d.auditRiskChange(sess.Actor(), map[string]any{
		"action":    "override",
		"param":     string(param),
		"value":     value,
		"expiresAt": ov.ExpiresAt.Format(time.RFC3339),
		"reason":    reason,
	})
	d.deps.Events.Emit(schema.TopicRisk, map[string]any{
		"action": "override",
		"param":  string(param),
		"value":  value,
		"actor":  sess.Actor(),
	})
	return ov, nil
}

func (d *Dispatcher) agentHeartbeat(_ context.Context, _ map[string]any, sess Session) (any, *schema.CodedError) {
	now := d.now()
	d.mu.Lock()
	d.beats[sess.Actor()] = now
	d.mu.Unlock()
	return map[string]any{
		"serverTime": now.UnixNano(),
		"state":      d.deps.Conn.State().String(),
	}, nil
}

func (d *Dispatcher) agentSubscribe(_ context.Context, args map[string]any, sess Session) (any, *schema.CodedError) {
	var topics []schema.Topic
	if raw, ok := argStrings(args, "topics"); ok {
		for _, name := range raw {
			topic := schema.Topic(name)
			if !topic.IsValid() {
				return nil, invalidArgs("unknown topic %q", name)
			}
			topics = append(topics, topic)
		}
	}
	if len(topics) == 0 {
		topics = schema.Topics()
	}
	buffer, ok := argInt(args, "buffer")
	if !ok {
		buffer = defaultSubscribeBuffer
	}
	if buffer <= 0 || buffer > maxSubscribeBuffer {
		return nil, invalidArgs("buffer must be in (0, %d], got %d", maxSubscribeBuffer, buffer)
	}
	if err := sess.Subscribe(topics, buffer); err != nil {
		return nil, invalidArgs("%s", err.Error())
	}
	names := make([]string, len(topics))
	for i, topic := range topics {
		names[i] = string(topic)
	}
	return map[string]any{"topics": names, "buffer": buffer}, nil
}

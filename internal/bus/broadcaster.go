// Package bus implements the in-process event broadcaster: components publish
// domain events and N concurrent subscribers receive them filtered by topic
// through bounded per-subscriber buffers. A slow subscriber never blocks
// publication; on overflow it gets a fell-behind notice and its stream ends.
package bus

import (
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrBusClosed     = errors.New("bus: broadcaster closed")
	ErrNoTopics      = errors.New("bus: subscription needs at least one topic")
	ErrInvalidTopic  = errors.New("bus: invalid topic")
	ErrInvalidBuffer = errors.New("bus: buffer size must be > 0")
)

const defaultBuffer = 256

// Broadcaster fans events out to subscribers keyed by topic.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	// onDrop observes subscriber overflow, used for metrics.
	onDrop func()
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*Subscription)}
}

// OnDrop registers a callback invoked once per subscriber overflow.
func (b *Broadcaster) OnDrop(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscription is one subscriber's bounded event stream.
type Subscription struct {
	id     uint64
	topics map[schema.Topic]bool
	ch     chan schema.EventEnvelope
	notice chan schema.EventEnvelope
	done   chan struct{}

	b      *Broadcaster
	once   sync.Once
	lagged bool
}

// Events is the subscriber's bounded event channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan schema.EventEnvelope {
	return s.ch
}

// Notices carries at most one fell-behind notice before the stream closes.
func (s *Subscription) Notices() <-chan schema.EventEnvelope {
	return s.notice
}

// Done is closed when the subscription has ended for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Topics reports whether the subscription covers the topic.
func (s *Subscription) Topics() []schema.Topic {
	out := make([]schema.Topic, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close unregisters the subscription and releases its buffer. Safe to call
// multiple times and from any goroutine; other subscribers are unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s.id)
		close(s.done)
		close(s.ch)
	})
}

// Subscribe registers a new subscriber for the given topics. buffer <= 0
// selects the default.
func (b *Broadcaster) Subscribe(topics []schema.Topic, buffer int) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	if buffer == 0 {
		buffer = defaultBuffer
	}
	if buffer < 0 {
		return nil, ErrInvalidBuffer
	}
	set := make(map[schema.Topic]bool, len(topics))
	for _, t := range topics {
		if !t.IsValid() {
			return nil, ErrInvalidTopic
		}
		set[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topics: set,
		ch:     make(chan schema.EventEnvelope, buffer),
		notice: make(chan schema.EventEnvelope, 1),
		done:   make(chan struct{}),
		b:      b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers the envelope to every subscriber of its topic without
// blocking. Subscribers whose buffer is full are marked lagged: they receive
// a connection-topic notice and their stream is closed.
func (b *Broadcaster) Publish(env schema.EventEnvelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var lagged []*Subscription
	onDrop := b.onDrop
	for _, sub := range b.subs {
		if !sub.topics[env.Topic] || sub.lagged {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			lagged = append(lagged, sub)
		}
	}
	b.mu.RUnlock()

	if len(lagged) == 0 {
		return
	}

	b.mu.Lock()
	for _, sub := range lagged {
		if sub.lagged {
			continue
		}
		sub.lagged = true
		sub.notice <- schema.EventEnvelope{
			Topic:     schema.TopicConnection,
			Timestamp: time.Now().UTC(),
			Data: map[string]any{
				"fellBehind": true,
				"reason":     "subscriber buffer overflow",
			},
		}
		if onDrop != nil {
			onDrop()
		}
	}
	b.mu.Unlock()

	for _, sub := range lagged {
		sub.Close()
	}
}

// Emit is a convenience wrapper building the envelope.
func (b *Broadcaster) Emit(topic schema.Topic, data map[string]any) {
	b.Publish(schema.EventEnvelope{Topic: topic, Timestamp: time.Now().UTC(), Data: data})
}

// Close ends every subscription and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

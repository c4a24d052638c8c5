// Package bus implements the in-process publish/subscribe fabric. Every
// state change in the daemon flows through here: command updates, telemetry
// aggregates, alarms, health transitions, and breaker events. Delivery is
// best-effort and per-subscriber FIFO; a slow subscriber loses its oldest
// buffered messages rather than blocking publishers.
package bus

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity used when the
// configured size is zero.
const DefaultBuffer = 64

// Message is the envelope delivered to subscribers. Payload must be
// JSON-marshalable; the WebSocket layer serializes it as-is.
type Message struct {
	Topic   string    `json:"topic"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// Subscription is a handle to a set of topic subscriptions sharing one
// delivery channel. Read messages from C; call Close to detach.
type Subscription struct {
	// C yields messages for all subscribed topics in delivery order.
	C <-chan Message

	ch     chan Message
	done   chan struct{}
	topics []string
	bus    *Bus
	once   sync.Once
}

// Done is closed when the subscription has been detached from the bus.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Topics returns the topic patterns this subscription was created with.
func (s *Subscription) Topics() []string { return s.topics }

// Close detaches the subscription. The delivery channel is left open so a
// concurrent publish never panics; readers should select on Done.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Bus fans published messages out to topic subscribers. Topic names are
// opaque strings; a subscription pattern ending in "*" matches every topic
// with the preceding prefix (e.g. "alarms:*" matches "alarms:power").
type Bus struct {
	mu     sync.RWMutex
	exact  map[string]map[*Subscription]struct{}
	prefix map[string]map[*Subscription]struct{}

	buffer  int
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a bus whose subscribers get buffered channels of the given
// size (DefaultBuffer when size <= 0).
func New(log *zap.Logger, m *metrics.Metrics, size int) *Bus {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Bus{
		exact:   make(map[string]map[*Subscription]struct{}),
		prefix:  make(map[string]map[*Subscription]struct{}),
		buffer:  size,
		log:     log.Named("bus"),
		metrics: m,
	}
}

// Subscribe registers a new subscription for the given topic patterns and
// returns its handle. At least one topic is required.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	ch := make(chan Message, b.buffer)
	s := &Subscription{
		C:      ch,
		ch:     ch,
		done:   make(chan struct{}),
		topics: topics,
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		if p, ok := strings.CutSuffix(t, "*"); ok {
			if b.prefix[p] == nil {
				b.prefix[p] = make(map[*Subscription]struct{})
			}
			b.prefix[p][s] = struct{}{}
			continue
		}
		if b.exact[t] == nil {
			b.exact[t] = make(map[*Subscription]struct{})
		}
		b.exact[t][s] = struct{}{}
	}
	return s
}

// Unsubscribe detaches the subscription; equivalent to sub.Close.
func (b *Bus) Unsubscribe(s *Subscription) { s.Close() }

// Publish delivers a message to every current subscriber of topic. It never
// blocks: when a subscriber's buffer is full its oldest message is dropped
// to make room.
func (b *Bus) Publish(topic, event string, payload any) {
	msg := Message{Topic: topic, Event: event, Payload: payload, TS: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.exact[topic] {
		b.deliver(s, msg)
	}
	for p, subs := range b.prefix {
		if !strings.HasPrefix(topic, p) {
			continue
		}
		for s := range subs {
			b.deliver(s, msg)
		}
	}
	b.metrics.BusPublished.Inc()
}

func (b *Bus) deliver(s *Subscription, msg Message) {
	select {
	case s.ch <- msg:
		return
	default:
	}

	// Buffer full: drop the oldest queued message and retry once.
	select {
	case <-s.ch:
		b.metrics.BusDropped.Inc()
	default:
	}
	select {
	case s.ch <- msg:
	default:
		b.metrics.BusDropped.Inc()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range s.topics {
		if p, ok := strings.CutSuffix(t, "*"); ok {
			delete(b.prefix[p], s)
			if len(b.prefix[p]) == 0 {
				delete(b.prefix, p)
			}
			continue
		}
		delete(b.exact[t], s)
		if len(b.exact[t]) == 0 {
			delete(b.exact, t)
		}
	}
}

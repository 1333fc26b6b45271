// Package bus provides topic based publish/subscribe fan-out of conversation
// events. Every backend keeps one queue per local subscriber so a slow
// consumer never blocks the publisher or other subscribers.
package bus

import (
	"context"
	"sync"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// Bus is the event bus contract shared by the local and brokered backends.
// Publish is fire-and-forget: subscribers that are not attached when an
// event is published never see it.
type Bus interface {
	Publish(ctx context.Context, topic string, env event.Envelope) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Unsubscribe(sub *Subscription)
	Close() error
}

// Subscription is a live attachment to a topic. Events arrive on C in
// publish order. C is closed when the subscription is removed.
type Subscription struct {
	topic string
	q     *queue
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// C returns the delivery channel.
func (s *Subscription) C() <-chan event.Envelope { return s.q.out }

// Pending returns the number of events queued but not yet received.
func (s *Subscription) Pending() int { return s.q.len() }

// hub is the process-local subscriber table used by every backend.
type hub struct {
	backend string
	limit   int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func newHub(backend string, limit int) *hub {
	return &hub{
		backend: backend,
		limit:   limit,
		topics:  make(map[string]map[*Subscription]struct{}),
	}
}

// add registers a new subscription and reports whether it is the first on topic.
func (h *hub) add(topic string) (*Subscription, bool) {
	dropped := metrics.BusEventsDroppedTotal.WithLabelValues(h.backend)
	sub := &Subscription{
		topic: topic,
		q:     newQueue(h.limit, dropped.Inc),
	}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	metrics.BusSubscriptionsActive.WithLabelValues(h.backend).Inc()
	return sub, !ok
}

// remove detaches sub, closes its queue and reports whether the topic has no
// subscribers left. Removing an unknown subscription is a no-op.
func (h *hub) remove(sub *Subscription) (removed, last bool) {
	h.mu.Lock()
	subs, ok := h.topics[sub.topic]
	if ok {
		_, removed = subs[sub]
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
			last = true
		}
	}
	h.mu.Unlock()

	if removed {
		sub.q.close()
		metrics.BusSubscriptionsActive.WithLabelValues(h.backend).Dec()
	}
	return removed, removed && last
}

func (h *hub) dispatch(topic string, env event.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		sub.q.push(env)
	}
}

func (h *hub) subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, subs := range topics {
		for sub := range subs {
			sub.q.close()
			metrics.BusSubscriptionsActive.WithLabelValues(h.backend).Dec()
		}
	}
}

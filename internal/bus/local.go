package bus

import (
	"context"

	"github.com/capitalize-ai/conversation-engine/internal/event"
)

// LocalBus fans events out to subscribers within this process. It is the
// single-process backing: publishes never reach other instances.
type LocalBus struct {
	hub *hub
}

// NewLocalBus creates an in-memory bus. queueLimit > 0 bounds every
// subscriber queue with a drop-oldest policy; 0 leaves queues unbounded.
func NewLocalBus(queueLimit int) *LocalBus {
	return &LocalBus{hub: newHub("local", queueLimit)}
}

// Publish delivers env to every current subscriber of topic.
func (b *LocalBus) Publish(ctx context.Context, topic string, env event.Envelope) error {
	b.hub.dispatch(topic, env)
	return nil
}

// Subscribe attaches a new queue to topic.
func (b *LocalBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub, _ := b.hub.add(topic)
	return sub, nil
}

// Unsubscribe detaches sub and closes its channel.
func (b *LocalBus) Unsubscribe(sub *Subscription) {
	b.hub.remove(sub)
}

// Subscribers returns the number of live subscriptions on topic.
func (b *LocalBus) Subscribers(topic string) int {
	return b.hub.subscribers(topic)
}

// Close removes every subscription.
func (b *LocalBus) Close() error {
	b.hub.closeAll()
	return nil
}

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// NATSSubjectPrefix prefixes every conversation subject.
const NATSSubjectPrefix = "im.conv"

// NATSSubject returns the core NATS subject of a topic.
func NATSSubject(topic string) string {
	return fmt.Sprintf("%s.%s", NATSSubjectPrefix, topic)
}

// NATSBus shares topics across instances over core NATS subjects. Each
// instance holds one broker subscription per topic with local subscribers
// and fans received events out through its own queues.
type NATSBus struct {
	conn   *nats.Conn
	hub    *hub
	logger *logger.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus creates a bus over an established NATS connection.
func NewNATSBus(conn *nats.Conn, queueLimit int, log *logger.Logger) *NATSBus {
	return &NATSBus{
		conn:   conn,
		hub:    newHub("nats", queueLimit),
		logger: log.Named("bus.nats"),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Publish sends env to every instance subscribed to topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(NATSSubject(topic), data); err != nil {
		return fmt.Errorf("%w: nats publish: %v", model.ErrUnavailable, err)
	}
	return nil
}

// Subscribe attaches a local queue to topic, creating the broker
// subscription on first use.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; !ok {
		ns, err := b.conn.Subscribe(NATSSubject(topic), func(m *nats.Msg) {
			var env event.Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				b.logger.Warn("dropping undecodable event",
					zap.String("subject", m.Subject),
					zap.Error(err),
				)
				return
			}
			b.hub.dispatch(topic, env)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: nats subscribe: %v", model.ErrUnavailable, err)
		}

		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = b.conn.FlushWithContext(flushCtx)
		cancel()
		if err != nil {
			_ = ns.Unsubscribe()
			return nil, fmt.Errorf("%w: nats flush: %v", model.ErrUnavailable, err)
		}
		b.subs[topic] = ns
	}

	sub, _ := b.hub.add(topic)
	return sub, nil
}

// Unsubscribe detaches sub and drops the broker subscription once the topic
// has no local subscribers.
func (b *NATSBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, last := b.hub.remove(sub); !last {
		return
	}
	if ns, ok := b.subs[sub.topic]; ok {
		delete(b.subs, sub.topic)
		if err := ns.Unsubscribe(); err != nil {
			b.logger.Warn("nats unsubscribe failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

// Close removes every local subscription and broker subscription. The
// connection itself is owned by the caller.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, ns := range b.subs {
		_ = ns.Unsubscribe()
		delete(b.subs, topic)
	}
	b.hub.closeAll()
	return nil
}

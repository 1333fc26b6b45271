package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// RedisChannelPrefix prefixes every conversation channel.
const RedisChannelPrefix = "im:conv:"

// RedisChannel returns the Redis pub/sub channel of a topic.
func RedisChannel(topic string) string {
	return RedisChannelPrefix + topic
}

// RedisBus shares topics across instances over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	hub    *hub
	logger *logger.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus creates a bus over a Redis client.
func NewRedisBus(client *redis.Client, queueLimit int, log *logger.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		hub:    newHub("redis", queueLimit),
		logger: log.Named("bus.redis"),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish sends env to every instance subscribed to topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, RedisChannel(topic), data).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", model.ErrUnavailable, err)
	}
	return nil
}

// Subscribe attaches a local queue to topic, subscribing the channel on first use.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; !ok {
		ps := b.client.Subscribe(ctx, RedisChannel(topic))
		// Wait for the subscription confirmation so no publish is missed after return.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("%w: redis subscribe: %v", model.ErrUnavailable, err)
		}
		b.subs[topic] = ps
		go b.receive(topic, ps)
	}

	sub, _ := b.hub.add(topic)
	return sub, nil
}

func (b *RedisBus) receive(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var env event.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("dropping undecodable event",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
			continue
		}
		b.hub.dispatch(topic, env)
	}
}

// Unsubscribe detaches sub and closes the channel subscription once the
// topic has no local subscribers.
func (b *RedisBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, last := b.hub.remove(sub); !last {
		return
	}
	if ps, ok := b.subs[sub.topic]; ok {
		delete(b.subs, sub.topic)
		if err := ps.Close(); err != nil {
			b.logger.Warn("redis unsubscribe failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

// Close removes every local subscription and channel subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, topic)
	}
	b.hub.closeAll()
	return nil
}

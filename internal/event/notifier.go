package event

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// Publisher is the publish half of the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Topic returns the bus topic of a conversation.
func Topic(conversationID string) string {
	return conversationID
}

const publishTimeout = 2 * time.Second

// Notifier publishes events that follow a committed write. Publication is a
// non-critical side effect: failures are logged and counted, never returned,
// and never roll the write back.
type Notifier struct {
	pub    Publisher
	logger *logger.Logger
}

// NewNotifier creates a notifier over pub.
func NewNotifier(pub Publisher, log *logger.Logger) *Notifier {
	return &Notifier{pub: pub, logger: log.Named("notifier")}
}

// Notify publishes p on the conversation topic.
func (n *Notifier) Notify(ctx context.Context, conversationID string, p Payload) bool {
	env, err := New(conversationID, p)
	if err != nil {
		n.failed(p.Kind(), conversationID, err)
		return false
	}
	return n.publish(ctx, env)
}

// NotifyUser publishes p on the conversation topic, addressed to one user.
func (n *Notifier) NotifyUser(ctx context.Context, conversationID, toUserID string, p Payload) bool {
	env, err := NewTargeted(conversationID, toUserID, p)
	if err != nil {
		n.failed(p.Kind(), conversationID, err)
		return false
	}
	return n.publish(ctx, env)
}

func (n *Notifier) publish(ctx context.Context, env Envelope) bool {
	// The write already committed; a cancelled request must not suppress the event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := n.pub.Publish(ctx, Topic(env.ConversationID), env); err != nil {
		n.failed(env.Event, env.ConversationID, err)
		return false
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(env.Event)).Inc()
	return true
}

func (n *Notifier) failed(kind Kind, conversationID string, err error) {
	metrics.EventPublishFailuresTotal.WithLabelValues(string(kind)).Inc()
	n.logger.Warn("event publish failed",
		zap.String("event", string(kind)),
		zap.String("conversation_id", conversationID),
		zap.Error(err),
	)
}

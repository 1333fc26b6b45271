package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-engine/internal/bus"
	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/rtc"
	"github.com/capitalize-ai/conversation-engine/internal/sequencer"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, topic string, env event.Envelope) error {
	return errors.New("broker down")
}

type failingCounter struct{}

func (failingCounter) Incr(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingCounter) Raise(ctx context.Context, key string, floor int64) error {
	return errors.New("connection refused")
}

func (failingCounter) Name() string { return "failing" }

type harness struct {
	store    *store.Memory
	bus      *bus.LocalBus
	clock    *fakeClock
	convs    *ConversationService
	msgs     *MessageService
	receipts *ReceiptService
	calls    *CallService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	publisher   event.Publisher
	sequencer   *sequencer.Sequencer
	media       MediaResolver
	ringTimeout time.Duration
}

func withPublisher(p event.Publisher) harnessOption {
	return func(c *harnessConfig) { c.publisher = p }
}

func withSequencer(s *sequencer.Sequencer) harnessOption {
	return func(c *harnessConfig) { c.sequencer = s }
}

func withMedia(m MediaResolver) harnessOption {
	return func(c *harnessConfig) { c.media = m }
}

func withRingTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.ringTimeout = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	b := bus.NewLocalBus(0)
	t.Cleanup(func() { b.Close() })

	cfg := harnessConfig{publisher: b, ringTimeout: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sequencer == nil {
		seq, err := sequencer.New(sequencer.ModeLocal, nil, sequencer.NewLocalCounter(nil), log)
		if err != nil {
			t.Fatalf("sequencer.New: %v", err)
		}
		cfg.sequencer = seq
	}

	notifier := event.NewNotifier(cfg.publisher, log)
	clock := newFakeClock()
	h := &harness{
		store:    st,
		bus:      b,
		clock:    clock,
		convs:    NewConversationService(st, log),
		msgs:     NewMessageService(st, cfg.sequencer, notifier, cfg.media, log),
		receipts: NewReceiptService(st, notifier, log),
		calls: NewCallService(st, notifier, rtc.NewStaticICE(rtc.ICEOptions{
			STUNServers: []string{"stun:stun.example.com:3478"},
		}), cfg.ringTimeout, log),
	}
	h.convs.now = clock.Now
	h.msgs.now = clock.Now
	h.receipts.now = clock.Now
	h.calls.now = clock.Now
	t.Cleanup(h.calls.Close)
	return h
}

// conversation creates a group conversation owned by members[0].
func (h *harness) conversation(t *testing.T, members ...string) string {
	t.Helper()
	conv, err := h.convs.Create(context.Background(), members[0], &model.CreateConversationRequest{
		Kind:      model.ConversationGroup,
		MemberIDs: members[1:],
	})
	if err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	return conv.ID
}

func (h *harness) sendText(t *testing.T, convID, sender, text string) *model.Message {
	t.Helper()
	msg, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Type:           model.MessageText,
		Content:        textJSON(text),
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return msg
}

func (h *harness) subscribe(t *testing.T, convID string) *bus.Subscription {
	t.Helper()
	sub, err := h.bus.Subscribe(context.Background(), event.Topic(convID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { h.bus.Unsubscribe(sub) })
	return sub
}

func textJSON(s string) []byte {
	return []byte(`{"text":"` + s + `"}`)
}

func nextEvent(t *testing.T, sub *bus.Subscription) event.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Envelope{}
}

func expectNoEvent(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected event %s", env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func strPtr(s string) *string { return &s }

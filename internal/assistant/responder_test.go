package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/capitalize-ai/conversation-engine/internal/bus"
	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/llm"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/sequencer"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

type fakeLLM struct {
	tokens []string
	err    error
	// streamErr fails CompleteStream before any token.
	streamErr error

	mu       sync.Mutex
	requests []*llm.CompletionRequest
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: strings.Join(f.tokens, ""), Model: "fake-1"}, nil
}

func (f *fakeLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	for i, tok := range f.tokens {
		if err := cb(tok, i); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: strings.Join(f.tokens, ""), Model: "fake-1"}, nil
}

func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Models() []string { return []string{"fake-1"} }

type fixture struct {
	store     *store.Memory
	msgs      *service.MessageService
	responder *Responder
	conv      string
}

func newFixture(t *testing.T, client llm.Client, assistants ...string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, client, Config{Model: "fake-1", System: "be brief"}, assistants...)
}

func newFixtureWithConfig(t *testing.T, client llm.Client, cfg Config, assistants ...string) *fixture {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	b := bus.NewLocalBus(0)
	t.Cleanup(func() { b.Close() })

	seq, err := sequencer.New(sequencer.ModeLocal, nil, sequencer.NewLocalCounter(nil), log)
	if err != nil {
		t.Fatalf("sequencer.New: %v", err)
	}
	msgs := service.NewMessageService(st, seq, event.NewNotifier(b, log), nil, log)
	r := New(client, st, msgs, cfg, log)
	msgs.Observe(r)

	conv, err := service.NewConversationService(st, log).Create(context.Background(), "alice", &model.CreateConversationRequest{
		Kind:         model.ConversationGroup,
		MemberIDs:    []string{"bob"},
		AssistantIDs: assistants,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return &fixture{store: st, msgs: msgs, responder: r, conv: conv.ID}
}

func (f *fixture) send(t *testing.T, sender, text string) {
	t.Helper()
	content, _ := json.Marshal(map[string]string{"text": text})
	if _, err := f.msgs.CreateMessage(context.Background(), service.CreateMessageInput{
		ConversationID: f.conv,
		SenderID:       sender,
		Type:           model.MessageText,
		Content:        content,
	}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
}

func (f *fixture) chunks(t *testing.T) []model.Message {
	t.Helper()
	page, err := f.msgs.ListMessages(context.Background(), "alice", f.conv, service.ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	var out []model.Message
	for _, m := range page.Messages {
		if m.Type == model.MessageStreamChunk {
			out = append(out, m)
		}
	}
	return out
}

func TestResponderStreamsReply(t *testing.T) {
	client := &fakeLLM{tokens: []string{"Hi", " there"}}
	f := newFixture(t, client, "helper")

	f.send(t, "alice", "hello")
	f.responder.Close()

	chunks := f.chunks(t)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	var text strings.Builder
	for i, c := range chunks {
		if c.SenderID != "helper" || *c.ChunkIndex != i || *c.StreamID != *chunks[0].StreamID {
			t.Errorf("chunk %d = %+v", i, c)
		}
		var body struct {
			Chunk string `json:"chunk"`
		}
		json.Unmarshal(c.Content, &body)
		text.WriteString(body.Chunk)
	}
	if !chunks[2].IsEnd || chunks[1].IsEnd {
		t.Error("only the last chunk should end the stream")
	}
	if text.String() != "Hi there" {
		t.Errorf("reply = %q", text.String())
	}

	req := client.requests[0]
	if req.System != "be brief" || len(req.Messages) != 1 || req.Messages[0].Content != "alice: hello" {
		t.Errorf("request = %+v", req)
	}
}

func TestResponderIgnoresConversationsWithoutAssistant(t *testing.T) {
	client := &fakeLLM{tokens: []string{"x"}}
	f := newFixture(t, client)

	f.send(t, "alice", "hello")
	f.responder.Close()

	if len(client.requests) != 0 || len(f.chunks(t)) != 0 {
		t.Errorf("responder answered without an assistant member")
	}
}

func TestResponderClosesStreamOnFailure(t *testing.T) {
	client := &fakeLLM{tokens: []string{"partial"}, err: errors.New("overloaded")}
	f := newFixture(t, client, "helper")

	f.send(t, "bob", "hello")
	f.responder.Close()

	chunks := f.chunks(t)
	if len(chunks) != 2 || !chunks[1].IsEnd {
		t.Fatalf("chunks = %+v", chunks)
	}
}

// replyText joins the chunks of a single reply stream.
func replyText(t *testing.T, chunks []model.Message) string {
	t.Helper()
	var text strings.Builder
	for _, c := range chunks {
		var body struct {
			Chunk string `json:"chunk"`
		}
		json.Unmarshal(c.Content, &body)
		text.WriteString(body.Chunk)
	}
	return text.String()
}

func TestResponderBufferedReply(t *testing.T) {
	client := &fakeLLM{tokens: []string{"Hi", " there"}}
	f := newFixtureWithConfig(t, client, Config{Model: "fake-1", Buffered: true}, "helper")

	f.send(t, "alice", "hello")
	f.responder.Close()

	chunks := f.chunks(t)
	if len(chunks) != 2 || chunks[0].IsEnd || !chunks[1].IsEnd {
		t.Fatalf("chunks = %+v", chunks)
	}
	if got := replyText(t, chunks); got != "Hi there" {
		t.Errorf("reply = %q", got)
	}
	if len(client.requests) != 1 || client.requests[0].Stream {
		t.Errorf("requests = %+v, want one buffered request", client.requests)
	}
}

func TestResponderFallsBackWhenStreamFails(t *testing.T) {
	client := &fakeLLM{tokens: []string{"late", " answer"}, streamErr: errors.New("stream unsupported")}
	f := newFixture(t, client, "helper")

	f.send(t, "alice", "hello")
	f.responder.Close()

	chunks := f.chunks(t)
	if len(chunks) != 2 || !chunks[1].IsEnd {
		t.Fatalf("chunks = %+v", chunks)
	}
	if got := replyText(t, chunks); got != "late answer" {
		t.Errorf("reply = %q", got)
	}
	if len(client.requests) != 2 || !client.requests[0].Stream || client.requests[1].Stream {
		t.Errorf("requests = %+v, want streamed then buffered", client.requests)
	}
}

func TestResponderHistoryIncludesOwnReplies(t *testing.T) {
	client := &fakeLLM{tokens: []string{"one", "two"}}
	f := newFixture(t, client, "helper")

	f.send(t, "alice", "first")
	f.responder.Close()

	// A closed responder ignores messages, so use a fresh one for the second turn.
	r := New(client, f.store, f.msgs, Config{}, logger.NewNop())
	f.msgs.Observe(r)
	f.send(t, "bob", "second")
	r.Close()

	req := client.requests[len(client.requests)-1]
	want := []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "alice: first"},
		{Role: llm.RoleAssistant, Content: "onetwo"},
		{Role: llm.RoleUser, Content: "bob: second"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("history = %+v", req.Messages)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

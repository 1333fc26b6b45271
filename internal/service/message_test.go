package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/sequencer"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

func TestCreateMessageRetryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	sub := h.subscribe(t, conv)

	in := CreateMessageInput{
		ConversationID: conv,
		SenderID:       "alice",
		Type:           model.MessageText,
		Content:        textJSON("hello"),
		ClientMsgID:    strPtr("c1"),
	}
	replays := testutil.ToFloat64(metrics.IdempotentReplaysTotal)
	first, err := h.msgs.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if got := testutil.ToFloat64(metrics.IdempotentReplaysTotal) - replays; got != 0 {
		t.Errorf("replays after first send = %v, want 0", got)
	}
	if first.SeqValue() != 1 {
		t.Fatalf("seq = %d, want 1", first.SeqValue())
	}

	retry, err := h.msgs.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.ID != first.ID || retry.SeqValue() != 1 {
		t.Fatalf("retry = %s seq %d, want %s seq 1", retry.ID, retry.SeqValue(), first.ID)
	}
	if got := testutil.ToFloat64(metrics.IdempotentReplaysTotal) - replays; got != 1 {
		t.Errorf("replays after one retry = %v, want 1", got)
	}

	c, _ := h.store.GetConversation(ctx, conv)
	if c.LastSeq != 1 {
		t.Errorf("last_seq = %d, want 1", c.LastSeq)
	}

	if env := nextEvent(t, sub); env.Event != event.MessageCreated {
		t.Fatalf("event = %s", env.Event)
	}
	expectNoEvent(t, sub)

	// The next new message takes the next sequence: the retry consumed none.
	if next := h.sendText(t, conv, "alice", "again"); next.SeqValue() != 2 {
		t.Errorf("next seq = %d, want 2", next.SeqValue())
	}
}

func TestCreateMessageConcurrentRetries(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")

	replays := testutil.ToFloat64(metrics.IdempotentReplaysTotal)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
				ConversationID: conv,
				SenderID:       "alice",
				Type:           model.MessageText,
				Content:        textJSON("hi"),
				ClientMsgID:    strPtr("same"),
			})
			if err != nil {
				t.Errorf("CreateMessage: %v", err)
				return
			}
			ids[i] = msg.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("retries produced different messages: %v", ids)
		}
	}
	resp, err := h.msgs.ListMessages(context.Background(), "alice", conv, ListOptions{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Errorf("stored %d messages, want 1", len(resp.Messages))
	}
	if got := testutil.ToFloat64(metrics.IdempotentReplaysTotal) - replays; got != float64(len(ids)-1) {
		t.Errorf("replays = %v, want %d", got, len(ids)-1)
	}
}

func TestCreateMessageRequiresMembership(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")

	_, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: conv,
		SenderID:       "mallory",
		Type:           model.MessageText,
		Content:        textJSON("hi"),
	})
	if !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCreateMessageValidatesContent(t *testing.T) {
	h := newHarness(t, withMedia(NewMemoryMedia("m-1")))
	conv := h.conversation(t, "alice", "bob")

	tests := []struct {
		name    string
		typ     model.MessageType
		content string
		wantErr error
	}{
		{"text", model.MessageText, `{"text":"hi"}`, nil},
		{"empty text", model.MessageText, `{"text":"  "}`, model.ErrInvalidPayload},
		{"missing text", model.MessageText, `{"body":"hi"}`, model.ErrInvalidPayload},
		{"not an object", model.MessageText, `"hi"`, model.ErrInvalidPayload},
		{"audio", model.MessageAudio, `{"media_id":"m-1"}`, nil},
		{"audio without media", model.MessageAudio, `{}`, model.ErrInvalidPayload},
		{"file with unknown media", model.MessageFile, `{"media_id":"m-404"}`, model.ErrNotFound},
		{"image by url", model.MessageImage, `{"url":"https://cdn.example.com/a.png"}`, nil},
		{"video without source", model.MessageVideo, `{"caption":"x"}`, model.ErrInvalidPayload},
		{"system", model.MessageSystem, `{"event":"renamed"}`, nil},
		{"stream chunk", model.MessageStreamChunk, `{"chunk":"x"}`, model.ErrInvalidPayload},
		{"unknown type", model.MessageType("sticker"), `{}`, model.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
				ConversationID: conv,
				SenderID:       "alice",
				Type:           tt.typ,
				Content:        json.RawMessage(tt.content),
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateMessageReplyToOtherConversation(t *testing.T) {
	h := newHarness(t)
	x := h.conversation(t, "alice", "bob")
	y := h.conversation(t, "alice", "carol")
	other := h.sendText(t, y, "alice", "elsewhere")

	_, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: x,
		SenderID:       "alice",
		Type:           model.MessageText,
		Content:        textJSON("re"),
		ReplyTo:        &other.ID,
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	parent := h.sendText(t, x, "bob", "question")
	reply, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: x,
		SenderID:       "alice",
		Type:           model.MessageText,
		Content:        textJSON("answer"),
		ReplyTo:        &parent.ID,
	})
	if err != nil || *reply.ReplyTo != parent.ID {
		t.Fatalf("reply = %+v, %v", reply, err)
	}
}

func TestConcurrentSendsAreOrdered(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	sub := h.subscribe(t, conv)

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := h.msgs.CreateMessage(context.Background(), CreateMessageInput{
					ConversationID: conv,
					SenderID:       sender,
					Type:           model.MessageText,
					Content:        textJSON(fmt.Sprintf("m%d", j)),
				}); err != nil {
					t.Errorf("CreateMessage: %v", err)
				}
			}
		}([]string{"alice", "bob"}[i%2])
	}
	wg.Wait()

	// Subscribers observe events in sequence order.
	var last int64
	for i := 0; i < senders*perSender; i++ {
		p, err := nextEvent(t, sub).Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		seq := *p.(event.MessageCreatedPayload).Message.Seq
		if seq <= last {
			t.Fatalf("event seq %d after %d", seq, last)
		}
		last = seq
	}

	resp, err := h.msgs.ListMessages(context.Background(), "alice", conv, ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(resp.Messages) != senders*perSender {
		t.Fatalf("listed %d messages", len(resp.Messages))
	}
	for i := 1; i < len(resp.Messages); i++ {
		if resp.Messages[i].SeqValue() <= resp.Messages[i-1].SeqValue() {
			t.Fatalf("list out of order at %d: %d after %d", i, resp.Messages[i].SeqValue(), resp.Messages[i-1].SeqValue())
		}
	}
	if h.msgs.lanes.size() != 0 {
		t.Errorf("lanes not released: %d", h.msgs.lanes.size())
	}
}

func TestListMessagesPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	for i := 0; i < 5; i++ {
		h.sendText(t, conv, "alice", fmt.Sprintf("m%d", i))
	}

	page, err := h.msgs.ListMessages(ctx, "bob", conv, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore || page.Messages[0].SeqValue() != 1 {
		t.Fatalf("first page = %d messages, has_more %v", len(page.Messages), page.HasMore)
	}

	after := int64(3)
	rest, err := h.msgs.ListMessages(ctx, "bob", conv, ListOptions{AfterSeq: &after})
	if err != nil {
		t.Fatalf("ListMessages after: %v", err)
	}
	if len(rest.Messages) != 2 || rest.HasMore || rest.Messages[0].SeqValue() != 4 {
		t.Fatalf("after page = %+v", rest)
	}

	if _, err := h.msgs.ListMessages(ctx, "mallory", conv, ListOptions{}); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("non-member err = %v", err)
	}
}

func TestPublishFailureKeepsWrite(t *testing.T) {
	h := newHarness(t, withPublisher(failingPublisher{}))
	conv := h.conversation(t, "alice", "bob")
	failures := metrics.EventPublishFailuresTotal.WithLabelValues(string(event.MessageCreated))
	before := testutil.ToFloat64(failures)

	msg := h.sendText(t, conv, "alice", "still stored")

	if got := testutil.ToFloat64(failures) - before; got != 1 {
		t.Errorf("publish failures = %v, want 1", got)
	}
	stored, err := h.store.GetMessage(context.Background(), msg.ID)
	if err != nil || stored.SeqValue() != 1 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestSharedSequencerUnavailable(t *testing.T) {
	seq, err := sequencer.New(sequencer.ModeShared, failingCounter{}, nil, logger.NewNop())
	if err != nil {
		t.Fatalf("sequencer.New: %v", err)
	}
	h := newHarness(t, withSequencer(seq))
	conv := h.conversation(t, "alice", "bob")

	_, err = h.msgs.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: conv,
		SenderID:       "alice",
		Type:           model.MessageText,
		Content:        textJSON("lost"),
	})
	if !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	resp, _ := h.msgs.ListMessages(context.Background(), "alice", conv, ListOptions{})
	if len(resp.Messages) != 0 {
		t.Errorf("message stored without a sequence")
	}
}

func TestStreamChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	sub := h.subscribe(t, conv)

	var chunks []*model.Message
	for i, text := range []string{"Hel", "lo", "!"} {
		msg, err := h.msgs.CreateStreamChunk(ctx, StreamChunkInput{
			ConversationID: conv,
			SenderID:       "alice",
			Chunk:          text,
			End:            i == 2,
			ClientMsgID:    strPtr("s1"),
			ChunkIndex:     intPtr(i),
		})
		if err != nil {
			t.Fatalf("CreateStreamChunk: %v", err)
		}
		chunks = append(chunks, msg)
	}

	for i, c := range chunks {
		if *c.StreamID != "s1" || *c.ChunkIndex != i || c.SeqValue() != int64(i+1) {
			t.Errorf("chunk %d = stream %s index %d seq %d", i, *c.StreamID, *c.ChunkIndex, c.SeqValue())
		}
		if c.Type != model.MessageStreamChunk || c.IsEnd != (i == 2) {
			t.Errorf("chunk %d type %s end %v", i, c.Type, c.IsEnd)
		}
	}

	var last event.StreamChunkPayload
	for range chunks {
		env := nextEvent(t, sub)
		if env.Event != event.MessageStreamChunk {
			t.Fatalf("event = %s", env.Event)
		}
		p, _ := env.Decode()
		last = p.(event.StreamChunkPayload)
	}
	if !last.StreamEnd {
		t.Error("last chunk event missing stream_end")
	}

	// A retried chunk resolves to the stored one.
	replays := testutil.ToFloat64(metrics.IdempotentReplaysTotal)
	retry, err := h.msgs.CreateStreamChunk(ctx, StreamChunkInput{
		ConversationID: conv,
		SenderID:       "alice",
		Chunk:          "lo",
		ChunkIndex:     intPtr(1),
		ClientMsgID:    strPtr("s1"),
	})
	if err != nil || retry.ID != chunks[1].ID {
		t.Fatalf("retry = %v, %v; want %s", retry, err, chunks[1].ID)
	}
	expectNoEvent(t, sub)
	if got := testutil.ToFloat64(metrics.IdempotentReplaysTotal) - replays; got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}

	if _, err := h.msgs.CreateStreamChunk(ctx, StreamChunkInput{ConversationID: conv, SenderID: "mallory", Chunk: "x"}); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("non-member chunk err = %v", err)
	}
}

func intPtr(i int) *int { return &i }

func TestStreamChunkRetryRequiresIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")

	_, err := h.msgs.CreateStreamChunk(ctx, StreamChunkInput{
		ConversationID: conv,
		SenderID:       "alice",
		Chunk:          "Hel",
		ClientMsgID:    strPtr("s1"),
	})
	if !errors.Is(err, model.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if got, _ := h.store.GetConversation(ctx, conv); got.LastSeq != 0 {
		t.Errorf("rejected chunk consumed seq %d", got.LastSeq)
	}
}

func TestStreamChunkAutoIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		msg, err := h.msgs.CreateStreamChunk(ctx, StreamChunkInput{
			ConversationID: conv,
			SenderID:       "alice",
			Chunk:          "x",
			StreamID:       strPtr("auto"),
			End:            i == 2,
		})
		if err != nil {
			t.Fatalf("CreateStreamChunk: %v", err)
		}
		if *msg.ChunkIndex != i {
			t.Errorf("chunk %d got index %d", i, *msg.ChunkIndex)
		}
	}
	if n := h.msgs.streams.open(); n != 0 {
		t.Errorf("%d streams still open after the final chunk", n)
	}
}

func TestStreamChunkFailureReleasesIndex(t *testing.T) {
	seq, err := sequencer.New(sequencer.ModeShared, failingCounter{}, nil, logger.NewNop())
	if err != nil {
		t.Fatalf("sequencer.New: %v", err)
	}
	h := newHarness(t, withSequencer(seq))
	conv := h.conversation(t, "alice", "bob")

	_, err = h.msgs.CreateStreamChunk(context.Background(), StreamChunkInput{
		ConversationID: conv,
		SenderID:       "alice",
		Chunk:          "x",
		StreamID:       strPtr("s1"),
	})
	if !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if i := h.msgs.streams.next("s1"); i != 0 {
		t.Errorf("next index after failed chunk = %d, want 0", i)
	}
}

func TestStreamIndexEvictsIdleStreams(t *testing.T) {
	clock := newFakeClock()
	x := newStreamIndex(clock.Now)

	x.next("stale")
	x.next("stale")
	clock.Advance(streamIdleTTL / 2)
	x.set("busy", 4)

	clock.Advance(streamIdleTTL / 2)
	if i := x.next("busy"); i != 5 {
		t.Errorf("busy stream index = %d, want 5", i)
	}
	if x.open() != 1 {
		t.Fatalf("open streams = %d, want only the busy one", x.open())
	}
	if i := x.next("stale"); i != 0 {
		t.Errorf("evicted stream restarted at %d", i)
	}
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *recordingObserver) MessageCreated(ctx context.Context, msg *model.Message) {
	o.mu.Lock()
	o.seen = append(o.seen, msg.ID)
	o.mu.Unlock()
}

func TestObserversSeeNewMessagesOnly(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob")
	obs := &recordingObserver{}
	h.msgs.Observe(obs)

	in := CreateMessageInput{
		ConversationID: conv,
		SenderID:       "alice",
		Type:           model.MessageText,
		Content:        textJSON("hi"),
		ClientMsgID:    strPtr("c1"),
	}
	h.msgs.CreateMessage(context.Background(), in)
	h.msgs.CreateMessage(context.Background(), in)
	h.msgs.CreateStreamChunk(context.Background(), StreamChunkInput{ConversationID: conv, SenderID: "alice", Chunk: "x"})

	if len(obs.seen) != 1 {
		t.Errorf("observer saw %d messages, want 1", len(obs.seen))
	}
}

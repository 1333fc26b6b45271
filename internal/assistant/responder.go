// Package assistant lets LLM-backed conversation members answer human
// messages. Replies are streamed as stream_chunk messages through the
// ingestion pipeline, so they are sequenced and fanned out like any other.
// A buffered reply arrives as a single chunk followed by the closing one.
package assistant

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/llm"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

// Config tunes the responder.
type Config struct {
	Model        string
	System       string
	MaxTokens    int
	HistoryLimit int
	Timeout      time.Duration
	// Buffered requests whole completions instead of token streams.
	Buffered bool
}

// Responder answers text messages in conversations with an assistant member.
type Responder struct {
	client   llm.Client
	store    store.Store
	messages *service.MessageService
	cfg      Config
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a responder. Register it with MessageService.Observe.
func New(client llm.Client, st store.Store, messages *service.MessageService, cfg Config, log *logger.Logger) *Responder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		client:   client,
		store:    st,
		messages: messages,
		cfg:      cfg,
		logger:   log.Named("assistant"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// MessageCreated starts a reply when a human posts text in a conversation
// that has an assistant member. It returns immediately.
func (r *Responder) MessageCreated(ctx context.Context, msg *model.Message) {
	if msg.Type != model.MessageText || r.ctx.Err() != nil {
		return
	}
	members, err := r.store.ListMembers(ctx, msg.ConversationID)
	if err != nil {
		r.logger.Warn("failed to list members", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}

	var assistantID string
	for _, m := range members {
		if m.Role != model.RoleAssistant {
			continue
		}
		if m.UserID == msg.SenderID {
			return
		}
		if assistantID == "" {
			assistantID = m.UserID
		}
	}
	if assistantID == "" {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.respond(assistantID, *msg)
	}()
}

// Close cancels running replies and waits for them to finish.
func (r *Responder) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Responder) respond(assistantID string, trigger model.Message) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	log := r.logger.With(
		zap.String("conversation_id", trigger.ConversationID),
		zap.String("assistant_id", assistantID),
		zap.String("trigger_id", trigger.ID),
	)

	history, err := r.history(ctx, assistantID, trigger)
	if err != nil {
		log.Warn("failed to load history", zap.Error(err))
		return
	}

	streamID := uuid.Must(uuid.NewV7()).String()
	chunk := func(text string, index int, end bool) error {
		_, err := r.messages.CreateStreamChunk(ctx, service.StreamChunkInput{
			ConversationID: trigger.ConversationID,
			SenderID:       assistantID,
			Chunk:          text,
			StreamID:       &streamID,
			ChunkIndex:     &index,
			End:            end,
		})
		return err
	}

	req := &llm.CompletionRequest{
		Model:     r.cfg.Model,
		System:    r.cfg.System,
		Messages:  history,
		MaxTokens: r.cfg.MaxTokens,
		Stream:    !r.cfg.Buffered,
	}

	start := time.Now()
	var sent int
	var resp *llm.CompletionResponse
	if r.cfg.Buffered {
		resp, sent, err = r.complete(ctx, req, chunk)
	} else {
		resp, err = r.client.CompleteStream(ctx, req, func(token string, index int) error {
			if err := chunk(token, sent, false); err != nil {
				return err
			}
			sent++
			return nil
		})
		if err != nil && sent == 0 && ctx.Err() == nil {
			log.Info("stream failed before the first token, retrying buffered", zap.Error(err))
			resp, sent, err = r.complete(ctx, req, chunk)
		}
	}

	modelName := r.cfg.Model
	if resp != nil && resp.Model != "" {
		modelName = resp.Model
	}

	// The closing chunk is written on failure too so clients can finish the stream.
	if endErr := chunk("", sent, true); endErr != nil {
		log.Warn("failed to close stream", zap.String("stream_id", streamID), zap.Error(endErr))
	}

	if err != nil {
		metrics.RecordLLMStream(modelName, "error", time.Since(start).Seconds(), 0, 0)
		log.Warn("assistant reply failed", zap.String("stream_id", streamID), zap.Int("chunks", sent), zap.Error(err))
		return
	}
	metrics.RecordLLMStream(modelName, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	log.Info("assistant replied",
		zap.String("stream_id", streamID),
		zap.Int("chunks", sent),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
}

// complete asks for a whole reply and writes it as one chunk. It returns the
// number of chunks written.
func (r *Responder) complete(ctx context.Context, req *llm.CompletionRequest, chunk func(string, int, bool) error) (*llm.CompletionResponse, int, error) {
	buffered := *req
	buffered.Stream = false
	resp, err := r.client.Complete(ctx, &buffered)
	if err != nil {
		return nil, 0, err
	}
	if resp.Content == "" {
		return resp, 0, nil
	}
	if err := chunk(resp.Content, 0, false); err != nil {
		return resp, 0, err
	}
	return resp, 1, nil
}

// history builds the transcript up to and including trigger. Human text is
// attributed to its sender; the assistant's own streams are reassembled.
func (r *Responder) history(ctx context.Context, assistantID string, trigger model.Message) ([]llm.ChatMessage, error) {
	after := max(trigger.SeqValue()-int64(r.cfg.HistoryLimit), 0)
	page, err := r.messages.ListMessages(ctx, assistantID, trigger.ConversationID, service.ListOptions{
		Limit:    r.cfg.HistoryLimit,
		AfterSeq: &after,
	})
	if err != nil {
		return nil, err
	}

	var out []llm.ChatMessage
	var stream string
	for _, m := range page.Messages {
		if m.SeqValue() > trigger.SeqValue() {
			break
		}
		switch {
		case m.Type == model.MessageText && m.SenderID != assistantID:
			var c struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(m.Content, &c) != nil {
				continue
			}
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: m.SenderID + ": " + c.Text})
			stream = ""
		case m.Type == model.MessageStreamChunk && m.SenderID == assistantID && m.StreamID != nil:
			var c struct {
				Chunk string `json:"chunk"`
			}
			if json.Unmarshal(m.Content, &c) != nil {
				continue
			}
			if n := len(out); n > 0 && stream == *m.StreamID {
				out[n-1].Content += c.Chunk
				continue
			}
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: c.Chunk})
			stream = *m.StreamID
		}
	}
	return llm.NormalizeTurns(out), nil
}

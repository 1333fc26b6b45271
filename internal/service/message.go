package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/sequencer"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// MessageObserver is told about every newly persisted, non-chunk message.
// Implementations must not block.
type MessageObserver interface {
	MessageCreated(ctx context.Context, msg *model.Message)
}

// CreateMessageInput is a send request from an authenticated user.
type CreateMessageInput struct {
	ConversationID string
	SenderID       string
	Type           model.MessageType
	Content        json.RawMessage
	ReplyTo        *string
	ClientMsgID    *string
}

// StreamChunkInput appends one chunk to a stream.
type StreamChunkInput struct {
	ConversationID string
	SenderID       string
	Chunk          string
	StreamID       *string
	ChunkIndex     *int
	End            bool
	ClientMsgID    *string
}

// ListOptions selects a page of messages.
type ListOptions struct {
	Limit    int
	BeforeID string
	AfterSeq *int64
}

// MessageService is the ingestion pipeline: every message is sequenced,
// persisted and then announced on the event bus.
type MessageService struct {
	store     store.Store
	sequencer *sequencer.Sequencer
	notifier  *event.Notifier
	media     MediaResolver
	logger    *logger.Logger
	now       func() time.Time

	lanes   *keyedMutex
	streams *streamIndex

	mu        sync.RWMutex
	observers []MessageObserver
}

// NewMessageService creates a new message service. media may be nil, in which
// case media references are checked for shape only.
func NewMessageService(
	st store.Store,
	seq *sequencer.Sequencer,
	notifier *event.Notifier,
	media MediaResolver,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:     st,
		sequencer: seq,
		notifier:  notifier,
		media:     media,
		logger:    log.Named("messages"),
		now:       time.Now,
		lanes:     newKeyedMutex(),
		streams:   newStreamIndex(time.Now),
	}
}

// Observe registers o for newly created messages.
func (s *MessageService) Observe(o MessageObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// CreateMessage validates and ingests a message. A retry carrying a
// client_msg_id already stored for the sender returns the stored message
// without consuming a sequence or publishing an event.
func (s *MessageService) CreateMessage(ctx context.Context, in CreateMessageInput) (msg *model.Message, err error) {
	ctx, span := tracing.Start(ctx, "message.create",
		attribute.String("conversation_id", in.ConversationID),
		attribute.String("type", string(in.Type)),
	)
	defer func() { tracing.End(span, err) }()

	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", model.ErrInvalidPayload, in.Type)
	}
	if _, err := requireMember(ctx, s.store, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}
	if existing, err := s.findExisting(ctx, in.ConversationID, in.SenderID, in.ClientMsgID); existing != nil || err != nil {
		return s.replay(existing), err
	}
	if err := validateContent(ctx, s.media, in.Type, in.Content); err != nil {
		return nil, err
	}
	if in.ReplyTo != nil {
		parent, err := s.store.GetMessage(ctx, *in.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("reply_to: %w", err)
		}
		if parent.ConversationID != in.ConversationID {
			return nil, fmt.Errorf("reply_to %s: %w", *in.ReplyTo, model.ErrNotFound)
		}
	}

	msg = &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		ReplyTo:        in.ReplyTo,
		ClientMsgID:    in.ClientMsgID,
		Status:         model.StatusSent,
	}
	msg, created, err := s.ingest(ctx, msg, func(m *model.Message) event.Payload {
		return event.MessageCreatedPayload{Message: m.View()}
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.notifyObservers(ctx, msg)
	}
	return msg, nil
}

// CreateStreamChunk ingests one chunk of a streamed reply. Chunks of a
// stream share stream_id and each receives its own sequence number.
func (s *MessageService) CreateStreamChunk(ctx context.Context, in StreamChunkInput) (msg *model.Message, err error) {
	ctx, span := tracing.Start(ctx, "message.stream_chunk",
		attribute.String("conversation_id", in.ConversationID),
	)
	defer func() { tracing.End(span, err) }()

	if _, err := requireMember(ctx, s.store, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}

	streamID := uuid.Must(uuid.NewV7()).String()
	switch {
	case in.StreamID != nil && *in.StreamID != "":
		streamID = *in.StreamID
	case in.ClientMsgID != nil && *in.ClientMsgID != "":
		streamID = *in.ClientMsgID
	}

	// A retry is only recognizable by its explicit index.
	if in.ClientMsgID != nil && *in.ClientMsgID != "" && in.ChunkIndex == nil {
		return nil, fmt.Errorf("%w: chunk_index is required with client_msg_id", model.ErrInvalidPayload)
	}

	var index int
	reserved := false
	if in.ChunkIndex != nil {
		if *in.ChunkIndex < 0 {
			return nil, fmt.Errorf("%w: negative chunk_index", model.ErrInvalidPayload)
		}
		index = s.streams.set(streamID, *in.ChunkIndex)
	} else {
		index = s.streams.next(streamID)
		reserved = true
	}

	// Chunks share the client's message id, so each chunk gets its own key.
	var clientMsgID *string
	if in.ClientMsgID != nil && *in.ClientMsgID != "" {
		key := fmt.Sprintf("%s#%d", *in.ClientMsgID, index)
		clientMsgID = &key
		if existing, err := s.findExisting(ctx, in.ConversationID, in.SenderID, clientMsgID); existing != nil || err != nil {
			return s.replay(existing), err
		}
	}

	content, err := json.Marshal(chunkContent{Chunk: in.Chunk})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}

	msg = &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           model.MessageStreamChunk,
		Content:        content,
		ClientMsgID:    clientMsgID,
		Status:         model.StatusSent,
		StreamID:       &streamID,
		ChunkIndex:     &index,
		IsEnd:          in.End,
	}
	msg, _, err = s.ingest(ctx, msg, func(m *model.Message) event.Payload {
		return event.StreamChunkPayload{Message: m.View(), StreamEnd: m.IsEnd}
	})
	switch {
	case err != nil && reserved:
		s.streams.release(streamID, index)
	case err == nil && in.End:
		s.streams.done(streamID)
	}
	return msg, err
}

// ingest runs sequence assignment, persistence and publication for msg
// while holding the conversation's lane. It reports whether msg was newly
// stored; when a concurrent send with the same idempotency key won, the
// winner's row is returned instead.
func (s *MessageService) ingest(ctx context.Context, msg *model.Message, payload func(*model.Message) event.Payload) (*model.Message, bool, error) {
	unlock := s.lanes.Lock(msg.ConversationID)
	defer unlock()

	// Re-check under the lane so same-process retries never consume a seq.
	if existing, err := s.findExisting(ctx, msg.ConversationID, msg.SenderID, msg.ClientMsgID); existing != nil || err != nil {
		return s.replay(existing), false, err
	}

	seq, err := s.sequencer.Next(ctx, msg.ConversationID)
	if err != nil {
		return nil, false, err
	}
	msg.Seq = &seq
	msg.CreatedAt = s.now().UTC()

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) && msg.ClientMsgID != nil {
			winner, findErr := s.store.FindMessageByClientID(ctx, msg.ConversationID, msg.SenderID, *msg.ClientMsgID)
			if findErr == nil {
				s.logger.Info("idempotency race lost, returning stored message",
					zap.String("conversation_id", msg.ConversationID),
					zap.String("message_id", winner.ID),
					zap.Int64("abandoned_seq", seq),
				)
				return s.replay(winner), false, nil
			}
		}
		s.logger.Warn("message persist failed, sequence abandoned",
			zap.String("conversation_id", msg.ConversationID),
			zap.Int64("seq", seq),
			zap.Error(err),
		)
		return nil, false, fmt.Errorf("failed to store message: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	s.notifier.Notify(ctx, msg.ConversationID, payload(msg))

	s.logger.Debug("message ingested",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.Int64("seq", seq),
	)
	return msg, true, nil
}

func (s *MessageService) findExisting(ctx context.Context, conversationID, senderID string, clientMsgID *string) (*model.Message, error) {
	if clientMsgID == nil || *clientMsgID == "" {
		return nil, nil
	}
	msg, err := s.store.FindMessageByClientID(ctx, conversationID, senderID, *clientMsgID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed idempotency lookup: %w", err)
	}
	return msg, nil
}

// replay counts a stored message handed back in place of a new one.
func (s *MessageService) replay(msg *model.Message) *model.Message {
	if msg != nil {
		metrics.IdempotentReplaysTotal.Inc()
	}
	return msg
}

func (s *MessageService) notifyObservers(ctx context.Context, msg *model.Message) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o.MessageCreated(ctx, msg)
	}
}

// GetMessage returns a message of a conversation the user belongs to.
func (s *MessageService) GetMessage(ctx context.Context, userID, messageID string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := requireMember(ctx, s.store, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a page of a conversation in sequence order.
func (s *MessageService) ListMessages(ctx context.Context, userID, conversationID string, opts ListOptions) (resp *model.ListMessagesResponse, err error) {
	ctx, span := tracing.Start(ctx, "message.list", attribute.String("conversation_id", conversationID))
	defer func() { tracing.End(span, err) }()

	if _, err := requireMember(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, store.MessageQuery{
		Limit:    limit + 1,
		BeforeID: opts.BeforeID,
		AfterSeq: opts.AfterSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	resp = &model.ListMessagesResponse{ConversationID: conversationID, Messages: msgs}
	if len(msgs) > limit {
		resp.Messages = msgs[:limit]
		resp.HasMore = true
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	return resp, nil
}

// streamIdleTTL is how long an unfinished stream keeps its index.
const streamIdleTTL = 10 * time.Minute

// streamIndex tracks the next chunk index of open streams in this process.
// Streams that never send their final chunk are forgotten once idle.
type streamIndex struct {
	mu        sync.Mutex
	now       func() time.Time
	streams   map[string]*openStream
	lastSweep time.Time
}

type openStream struct {
	next    int
	touched time.Time
}

func newStreamIndex(now func() time.Time) *streamIndex {
	return &streamIndex{now: now, streams: make(map[string]*openStream), lastSweep: now()}
}

// next returns the stream's next index and advances it.
func (x *streamIndex) next(streamID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := x.touch(streamID)
	i := st.next
	st.next++
	return i
}

// set records an explicit index and returns it.
func (x *streamIndex) set(streamID string, index int) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := x.touch(streamID)
	if index+1 > st.next {
		st.next = index + 1
	}
	return index
}

// release gives back an index handed out by next whose chunk was not stored.
func (x *streamIndex) release(streamID string, index int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if st, ok := x.streams[streamID]; ok && st.next == index+1 {
		st.next = index
	}
}

func (x *streamIndex) done(streamID string) {
	x.mu.Lock()
	delete(x.streams, streamID)
	x.mu.Unlock()
}

func (x *streamIndex) open() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.streams)
}

// touch returns the stream's entry, creating it, and evicts idle streams.
// The caller holds mu.
func (x *streamIndex) touch(streamID string) *openStream {
	now := x.now()
	if now.Sub(x.lastSweep) >= streamIdleTTL {
		for id, st := range x.streams {
			if now.Sub(st.touched) >= streamIdleTTL {
				delete(x.streams, id)
			}
		}
		x.lastSweep = now
	}
	st, ok := x.streams[streamID]
	if !ok {
		st = &openStream{}
		x.streams[streamID] = st
	}
	st.touched = now
	return st
}

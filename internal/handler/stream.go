package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/bus"
	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

const (
	replayPageSize    = 100
	heartbeatInterval = 30 * time.Second
)

// StreamHandler serves conversation events as server-sent events for clients
// that cannot hold a WebSocket.
type StreamHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	bus                 bus.Bus
	logger              *logger.Logger
	heartbeat           time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	b bus.Bus,
	log *logger.Logger,
) *StreamHandler {
	return &StreamHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		bus:                 b,
		logger:              log.Named("sse"),
		heartbeat:           heartbeatInterval,
	}
}

// ReplayCompleteEvent represents the completion of message replay.
type ReplayCompleteEvent struct {
	LastSeq      int64 `json:"last_seq"`
	MessageCount int   `json:"message_count"`
}

// Events handles GET /api/v1/conversations/{conversationID}/events
// Supports ?after_seq=N for resuming from a specific point.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "conversationID")

	ok, err := h.conversationService.IsMember(ctx, conversationID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !ok {
		writeServiceError(w, h.logger, fmt.Errorf("conversation %s: %w", conversationID, model.ErrForbidden))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub, err := h.bus.Subscribe(ctx, event.Topic(conversationID))
	if err != nil {
		writeServiceError(w, h.logger, fmt.Errorf("subscribe: %w", model.ErrUnavailable))
		return
	}
	defer h.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(zap.String("conversation_id", conversationID), zap.String("user_id", userID))

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	lastSeq, _ := queryInt64(r, "after_seq")
	var replayed int
	for {
		after := lastSeq
		resp, err := h.messageService.ListMessages(ctx, userID, conversationID, service.ListOptions{
			Limit:    replayPageSize,
			AfterSeq: &after,
		})
		if err != nil {
			log.Warn("failed to replay messages", zap.Error(err))
			sendSSEEvent(w, flusher, "error", map[string]string{
				"code":    model.ErrorCode(err),
				"message": "failed to replay messages",
			})
			return
		}
		for _, msg := range resp.Messages {
			if ctx.Err() != nil {
				return
			}
			sendSSEEvent(w, flusher, "message", msg)
			lastSeq = max(lastSeq, msg.SeqValue())
			replayed++
		}
		if !resp.HasMore {
			break
		}
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSeq:      lastSeq,
		MessageCount: replayed,
	})
	log.Debug("message replay complete", zap.Int("messages_replayed", replayed), zap.Int64("last_seq", lastSeq))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]int64{"ts": time.Now().Unix()})
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if !env.DeliverableTo(userID) || replayedAlready(env, lastSeq) {
				continue
			}
			if err := sendSSEEvent(w, flusher, string(env.Event), env); err != nil {
				log.Warn("failed to encode event", zap.String("event", string(env.Event)), zap.Error(err))
			}
		}
	}
}

// replayedAlready reports whether env carries a message the replay already sent.
func replayedAlready(env event.Envelope, lastSeq int64) bool {
	if env.Event != event.MessageCreated && env.Event != event.MessageStreamChunk {
		return false
	}
	var p struct {
		Message model.MessageView `json:"message"`
	}
	if json.Unmarshal(env.Data, &p) != nil {
		return false
	}
	return p.Message.Seq != nil && *p.Message.Seq <= lastSeq
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// List handles GET /api/v1/conversations/{conversationID}/messages
//
// Query: limit, before_id (older page), after_seq (catch-up).
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := service.ListOptions{
		Limit:    queryInt(r, "limit", 0),
		BeforeID: r.URL.Query().Get("before_id"),
	}
	if seq, ok := queryInt64(r, "after_seq"); ok {
		opts.AfterSeq = &seq
	}

	resp, err := h.messageService.ListMessages(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "conversationID"), opts)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{conversationID}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = model.MessageText
	}

	msg, err := h.messageService.CreateMessage(ctx, service.CreateMessageInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       middleware.GetUserID(ctx),
		Type:           req.Type,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
}

// StreamChunk handles POST /api/v1/conversations/{conversationID}/stream
func (h *MessageHandler) StreamChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.StreamChunkRequest
	if !decode(w, r, &req) {
		return
	}

	msg, err := h.messageService.CreateStreamChunk(ctx, service.StreamChunkInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       middleware.GetUserID(ctx),
		Chunk:          req.Chunk,
		StreamID:       req.StreamID,
		ChunkIndex:     req.ChunkIndex,
		End:            req.StreamEnd,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
}

// Get handles GET /api/v1/messages/{messageID}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := h.messageService.GetMessage(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "messageID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

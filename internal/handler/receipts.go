package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// ReceiptHandler handles delivery and read receipts.
type ReceiptHandler struct {
	receipts *service.ReceiptService
	logger   *logger.Logger
}

// NewReceiptHandler creates a new receipt handler.
func NewReceiptHandler(receipts *service.ReceiptService, log *logger.Logger) *ReceiptHandler {
	return &ReceiptHandler{receipts: receipts, logger: log}
}

// Delivered handles POST /api/v1/conversations/{conversationID}/messages/{messageID}/delivered
//
// A mark that changes nothing still answers 204.
func (h *ReceiptHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	receipt, err := h.receipts.MarkDelivered(ctx,
		chi.URLParam(r, "conversationID"),
		chi.URLParam(r, "messageID"),
		middleware.GetUserID(ctx),
	)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if receipt == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Read handles POST /api/v1/conversations/{conversationID}/read
func (h *ReceiptHandler) Read(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ReadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.LastReadMessageID == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "last_read_message_id is required")
		return
	}

	cur, err := h.receipts.MarkRead(ctx, chi.URLParam(r, "conversationID"), middleware.GetUserID(ctx), req.LastReadMessageID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// List handles GET /api/v1/conversations/{conversationID}/messages/{messageID}/receipts
func (h *ReceiptHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp, err := h.receipts.ListReceipts(ctx,
		middleware.GetUserID(ctx),
		chi.URLParam(r, "conversationID"),
		chi.URLParam(r, "messageID"),
	)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

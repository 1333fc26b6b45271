package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/rtc"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// CallHandler handles call signaling endpoints.
type CallHandler struct {
	calls  *service.CallService
	logger *logger.Logger
}

// NewCallHandler creates a new call handler.
func NewCallHandler(calls *service.CallService, log *logger.Logger) *CallHandler {
	return &CallHandler{calls: calls, logger: log}
}

type callResponse struct {
	*model.CallState
	ICEConfiguration *rtc.ClientConfiguration `json:"ice_configuration,omitempty"`
}

type signalRequest struct {
	ToUserID string          `json:"to_user_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Initiate handles POST /api/v1/conversations/{conversationID}/calls
func (h *CallHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	call, err := h.calls.CreateCall(ctx, chi.URLParam(r, "conversationID"), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	ice := h.calls.ICEConfiguration(userID)
	writeJSON(w, http.StatusCreated, callResponse{
		CallState:        &model.CallState{Call: call, Participants: []string{userID}},
		ICEConfiguration: &ice,
	})
}

// History handles GET /api/v1/conversations/{conversationID}/calls
func (h *CallHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "conversationID")
	calls, err := h.calls.History(ctx, middleware.GetUserID(ctx), conversationID, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"calls":           calls,
	})
}

// Active handles GET /api/v1/conversations/{conversationID}/calls/active
func (h *CallHandler) Active(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.calls.ActiveCall(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ICE handles GET /api/v1/calls/ice-configuration
func (h *CallHandler) ICE(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.calls.ICEConfiguration(middleware.GetUserID(r.Context())))
}

// Get handles GET /api/v1/calls/{callID}
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.calls.GetCall(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "callID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Accept handles POST /api/v1/calls/{callID}/accept
func (h *CallHandler) Accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "callID")

	joined, err := h.calls.JoinCall(ctx, callID, userID)
	if err == nil && !joined {
		err = fmt.Errorf("call %s has ended: %w", callID, model.ErrConflict)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	state, err := h.calls.GetCall(ctx, userID, callID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	ice := h.calls.ICEConfiguration(userID)
	writeJSON(w, http.StatusOK, callResponse{CallState: state, ICEConfiguration: &ice})
}

// Reject handles POST /api/v1/calls/{callID}/reject
func (h *CallHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, model.CallRejected)
}

// UpdateStatus handles PUT /api/v1/calls/{callID}/status
func (h *CallHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateCallStatusRequest
	if !decode(w, r, &req) {
		return
	}
	h.transition(w, r, req.Status)
}

func (h *CallHandler) transition(w http.ResponseWriter, r *http.Request, status model.CallStatus) {
	ctx := r.Context()
	call, err := h.calls.UpdateCallStatus(ctx, chi.URLParam(r, "callID"), status, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// Hangup handles POST /api/v1/calls/{callID}/hangup
func (h *CallHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "callID")

	left, err := h.calls.LeaveCall(ctx, callID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !left {
		writeError(w, http.StatusConflict, "conflict", "not an active participant of this call")
		return
	}
	state, err := h.calls.GetCall(ctx, userID, callID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Signal handles POST /api/v1/calls/{callID}/signal
func (h *CallHandler) Signal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req signalRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.calls.Relay(ctx, chi.URLParam(r, "callID"), middleware.GetUserID(ctx), req.ToUserID, req.Payload); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

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
	"github.com/capitalize-ai/conversation-engine/internal/rtc"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

// DefaultRingTimeout is how long a call may stay unanswered before it is missed.
const DefaultRingTimeout = 45 * time.Second

// CallService coordinates the call lifecycle and relays signaling. All
// mutations of one call are serialized.
type CallService struct {
	store       store.Store
	notifier    *event.Notifier
	ice         rtc.ICEProvider
	logger      *logger.Logger
	now         func() time.Time
	ringTimeout time.Duration

	calls *keyedMutex
	convs *keyedMutex

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewCallService creates a call coordinator. A ringTimeout of zero uses
// DefaultRingTimeout; a negative one disables the timeout.
func NewCallService(st store.Store, notifier *event.Notifier, ice rtc.ICEProvider, ringTimeout time.Duration, log *logger.Logger) *CallService {
	if ringTimeout == 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &CallService{
		store:       st,
		notifier:    notifier,
		ice:         ice,
		logger:      log.Named("calls"),
		now:         time.Now,
		ringTimeout: ringTimeout,
		calls:       newKeyedMutex(),
		convs:       newKeyedMutex(),
		timers:      make(map[string]*time.Timer),
	}
}

// CreateCall starts a call in a conversation with the initiator as its first
// participant. It fails with model.ErrConflict while another call of the
// conversation is not terminal.
func (s *CallService) CreateCall(ctx context.Context, conversationID, initiatorID string) (call *model.Call, err error) {
	ctx, span := tracing.Start(ctx, "call.create", attribute.String("conversation_id", conversationID))
	defer func() { tracing.End(span, err) }()

	if _, err := requireMember(ctx, s.store, conversationID, initiatorID); err != nil {
		return nil, err
	}

	unlock := s.convs.Lock(conversationID)
	defer unlock()

	active, err := s.store.ActiveCall(ctx, conversationID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: call %s is already active in %s", model.ErrConflict, active.ID, conversationID)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	now := s.now().UTC()
	call = &model.Call{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		InitiatorID:    initiatorID,
		Status:         model.CallInitiated,
		StartTime:      now,
	}
	initiator := model.Participant{CallID: call.ID, UserID: initiatorID, JoinTime: now}
	if err := s.store.CreateCall(ctx, call, initiator); err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}
	metrics.CallsTotal.WithLabelValues(string(model.CallInitiated)).Inc()

	s.logger.Info("call initiated",
		zap.String("call_id", call.ID),
		zap.String("conversation_id", conversationID),
		zap.String("initiator_id", initiatorID),
	)

	s.notifier.Notify(ctx, conversationID, event.CallIncomingPayload{
		CallID:           call.ID,
		FromUserID:       initiatorID,
		ICEConfiguration: s.iceJSON(initiatorID),
	})
	s.armRingTimeout(call.ID)
	return call, nil
}

// JoinCall adds userID to a non-terminal call. The first join by anyone but
// the initiator answers a call that is initiated or ringing. Joining twice
// reports true without a second event; joining a terminal call reports false.
func (s *CallService) JoinCall(ctx context.Context, callID, userID string) (joined bool, err error) {
	ctx, span := tracing.Start(ctx, "call.join", attribute.String("call_id", callID))
	defer func() { tracing.End(span, err) }()

	unlock := s.calls.Lock(callID)
	defer unlock()

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return false, err
	}
	if _, err := requireMember(ctx, s.store, call.ConversationID, userID); err != nil {
		return false, err
	}
	if call.Status.IsTerminal() {
		return false, nil
	}

	now := s.now().UTC()
	added, err := s.store.AddParticipant(ctx, model.Participant{CallID: callID, UserID: userID, JoinTime: now})
	if err != nil {
		return false, fmt.Errorf("failed to add participant: %w", err)
	}
	if !added {
		return true, nil
	}

	answered := false
	if userID != call.InitiatorID && (call.Status == model.CallInitiated || call.Status == model.CallRinging) {
		call.Status = model.CallAnswered
		call.AnswerTime = &now
		if err := s.store.UpdateCall(ctx, call); err != nil {
			return false, fmt.Errorf("failed to answer call: %w", err)
		}
		s.disarmRingTimeout(callID)
		metrics.CallsTotal.WithLabelValues(string(model.CallAnswered)).Inc()
		answered = true
	}

	s.notifier.Notify(ctx, call.ConversationID, event.NewCallPayload(event.CallParticipantJoined, call, userID))
	if answered {
		s.notifier.Notify(ctx, call.ConversationID, event.NewCallPayload(event.CallStatusChanged, call, userID))
	}
	return true, nil
}

// LeaveCall closes userID's participation. When the last active participant
// leaves, a non-terminal call completes. It reports false if the user was
// not an active participant.
func (s *CallService) LeaveCall(ctx context.Context, callID, userID string) (left bool, err error) {
	ctx, span := tracing.Start(ctx, "call.leave", attribute.String("call_id", callID))
	defer func() { tracing.End(span, err) }()

	unlock := s.calls.Lock(callID)
	defer unlock()

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	left, err = s.store.LeaveParticipant(ctx, callID, userID, now)
	if err != nil {
		return false, fmt.Errorf("failed to leave call: %w", err)
	}
	if !left {
		return false, nil
	}

	remaining, err := s.store.ActiveParticipants(ctx, callID)
	if err != nil {
		return true, fmt.Errorf("failed to count participants: %w", err)
	}

	completed := false
	if len(remaining) == 0 && !call.Status.IsTerminal() {
		call.Finish(model.CallCompleted, now)
		if err := s.store.UpdateCall(ctx, call); err != nil {
			return true, fmt.Errorf("failed to complete call: %w", err)
		}
		s.finished(call)
		completed = true
	}

	s.notifier.Notify(ctx, call.ConversationID, event.NewCallPayload(event.CallParticipantLeft, call, userID))
	if completed {
		s.notifier.Notify(ctx, call.ConversationID, event.NewCallPayload(event.CallStatusChanged, call, userID))
	}
	return true, nil
}

// UpdateCallStatus applies an explicit transition. userID may be empty for
// system transitions; otherwise the user must be a conversation member.
// Transitions the state machine forbids fail with model.ErrConflict.
func (s *CallService) UpdateCallStatus(ctx context.Context, callID string, status model.CallStatus, userID string) (call *model.Call, err error) {
	ctx, span := tracing.Start(ctx, "call.update_status",
		attribute.String("call_id", callID),
		attribute.String("status", string(status)),
	)
	defer func() { tracing.End(span, err) }()

	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown call status %q", model.ErrInvalidPayload, status)
	}

	unlock := s.calls.Lock(callID)
	defer unlock()

	call, err = s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		if _, err := requireMember(ctx, s.store, call.ConversationID, userID); err != nil {
			return nil, err
		}
	}
	if !model.CanTransition(call.Status, status) {
		return nil, fmt.Errorf("%w: call %s cannot move from %s to %s", model.ErrConflict, callID, call.Status, status)
	}
	if err := s.apply(ctx, call, status, userID); err != nil {
		return nil, err
	}
	return call, nil
}

// apply moves call to status, persists it and broadcasts the change. The
// caller holds the call's lock and has checked the transition.
func (s *CallService) apply(ctx context.Context, call *model.Call, status model.CallStatus, userID string) error {
	now := s.now().UTC()
	switch {
	case status == model.CallAnswered:
		call.Status = status
		call.AnswerTime = &now
		s.disarmRingTimeout(call.ID)
	case status.IsTerminal():
		call.Finish(status, now)
	default:
		call.Status = status
	}

	if err := s.store.UpdateCall(ctx, call); err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	if status.IsTerminal() {
		if err := s.store.CloseParticipants(ctx, call.ID, now); err != nil {
			return fmt.Errorf("failed to close participants: %w", err)
		}
		s.finished(call)
	} else {
		metrics.CallsTotal.WithLabelValues(string(status)).Inc()
	}

	s.logger.Info("call status changed",
		zap.String("call_id", call.ID),
		zap.String("status", string(status)),
	)
	s.notifier.Notify(ctx, call.ConversationID, event.NewCallPayload(event.CallStatusChanged, call, userID))
	return nil
}

// Relay validates a signaling payload and forwards it to toUserID only. The
// sender must be an active participant of a non-terminal call.
func (s *CallService) Relay(ctx context.Context, callID, fromUserID, toUserID string, payload json.RawMessage) error {
	clean, err := rtc.ValidateSignal(payload)
	if err != nil {
		return err
	}
	if toUserID == "" || toUserID == fromUserID {
		return fmt.Errorf("%w: signal needs another recipient", model.ErrInvalidPayload)
	}

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.IsTerminal() {
		return fmt.Errorf("%w: call %s has ended", model.ErrConflict, callID)
	}
	active, err := s.store.ActiveParticipants(ctx, callID)
	if err != nil {
		return err
	}
	if !hasParticipant(active, fromUserID) {
		return fmt.Errorf("%w: %s is not in call %s", model.ErrForbidden, fromUserID, callID)
	}
	if _, err := requireMember(ctx, s.store, call.ConversationID, toUserID); err != nil {
		return err
	}

	s.notifier.NotifyUser(ctx, call.ConversationID, toUserID, event.SignalPayload{
		CallID:     callID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Payload:    clean,
	})
	return nil
}

// GetCall returns a call and its active participants.
func (s *CallService) GetCall(ctx context.Context, userID, callID string) (*model.CallState, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if _, err := requireMember(ctx, s.store, call.ConversationID, userID); err != nil {
		return nil, err
	}
	return s.state(ctx, call)
}

// ActiveCall returns the non-terminal call of a conversation.
func (s *CallService) ActiveCall(ctx context.Context, userID, conversationID string) (*model.CallState, error) {
	if _, err := requireMember(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}
	call, err := s.store.ActiveCall(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.state(ctx, call)
}

// History returns the conversation's calls, newest first.
func (s *CallService) History(ctx context.Context, userID, conversationID string, limit, offset int) ([]model.Call, error) {
	if _, err := requireMember(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	calls, err := s.store.ListCalls(ctx, conversationID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	if calls == nil {
		calls = []model.Call{}
	}
	return calls, nil
}

// ICEConfiguration returns the client ICE configuration for userID.
func (s *CallService) ICEConfiguration(userID string) rtc.ClientConfiguration {
	return rtc.ForClient(s.ice.Configuration(userID))
}

// Close stops pending ring timeouts.
func (s *CallService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *CallService) state(ctx context.Context, call *model.Call) (*model.CallState, error) {
	active, err := s.store.ActiveParticipants(ctx, call.ID)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(active))
	for _, p := range active {
		users = append(users, p.UserID)
	}
	return &model.CallState{Call: call, Participants: users}, nil
}

func (s *CallService) finished(call *model.Call) {
	s.disarmRingTimeout(call.ID)
	metrics.CallsTotal.WithLabelValues(string(call.Status)).Inc()
	if call.DurationSec != nil {
		metrics.CallDuration.Observe(float64(*call.DurationSec))
	}
}

func (s *CallService) iceJSON(userID string) json.RawMessage {
	data, err := json.Marshal(s.ICEConfiguration(userID))
	if err != nil {
		s.logger.Warn("failed to encode ice configuration", zap.Error(err))
		return nil
	}
	return data
}

func (s *CallService) armRingTimeout(callID string) {
	if s.ringTimeout < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[callID] = time.AfterFunc(s.ringTimeout, func() { s.expire(callID) })
}

func (s *CallService) disarmRingTimeout(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

// expire marks a call missed if nobody answered it in time.
func (s *CallService) expire(callID string) {
	s.mu.Lock()
	delete(s.timers, callID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := s.calls.Lock(callID)
	defer unlock()

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		s.logger.Warn("ring timeout lookup failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	if call.Status != model.CallInitiated && call.Status != model.CallRinging {
		return
	}
	if err := s.apply(ctx, call, model.CallMissed, ""); err != nil {
		s.logger.Warn("ring timeout transition failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	s.logger.Info("call missed after ring timeout", zap.String("call_id", callID))
}

func hasParticipant(ps []model.Participant, userID string) bool {
	for _, p := range ps {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

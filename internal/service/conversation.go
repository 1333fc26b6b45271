// Package service provides the business logic of the conversation engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store  store.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.Store, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		logger: log.Named("conversations"),
		now:    time.Now,
	}
}

// Create creates a conversation owned by creatorID. The creator is added
// first, followed by req.MemberIDs and then req.AssistantIDs.
func (s *ConversationService) Create(ctx context.Context, creatorID string, req *model.CreateConversationRequest) (conv *model.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "conversation.create")
	defer func() { tracing.End(span, err) }()

	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown conversation type %q", model.ErrInvalidPayload, req.Kind)
	}

	now := s.now().UTC()
	conv = &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      req.Kind,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	seen := make(map[string]bool)
	var members []model.Member
	add := func(userID string, role model.MemberRole) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		members = append(members, model.Member{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           role,
			JoinedAt:       now,
		})
	}
	add(creatorID, model.RoleOwner)
	for _, id := range req.MemberIDs {
		add(id, model.RoleMember)
	}
	humans := len(members)
	for _, id := range req.AssistantIDs {
		add(id, model.RoleAssistant)
	}

	if req.Kind == model.ConversationDirect && humans != 2 {
		return nil, fmt.Errorf("%w: a direct conversation has exactly two members", model.ErrInvalidPayload)
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a conversation needs another member", model.ErrInvalidPayload)
	}

	if err := s.store.CreateConversation(ctx, conv, members); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("type", string(conv.Kind)),
		zap.Int("members", len(members)),
	)
	return conv, nil
}

// Get returns a conversation the user belongs to.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.ConversationSummary, error) {
	member, err := requireMember(ctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, conv, member)
}

// List returns the user's conversations, most recently active first, each
// with its last message and the user's unread count.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (resp *model.ListConversationsResponse, err error) {
	ctx, span := tracing.Start(ctx, "conversation.list", attribute.String("user_id", userID))
	defer func() { tracing.End(span, err) }()

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	convs, err := s.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	resp = &model.ListConversationsResponse{Conversations: make([]model.ConversationSummary, 0, len(convs))}
	for i := range convs {
		member, err := s.store.GetMember(ctx, convs[i].ID, userID)
		if err != nil {
			return nil, err
		}
		sum, err := s.summarize(ctx, &convs[i], member)
		if err != nil {
			return nil, err
		}
		resp.Conversations = append(resp.Conversations, *sum)
	}
	return resp, nil
}

// Members returns the members of a conversation the user belongs to.
func (s *ConversationService) Members(ctx context.Context, userID, conversationID string) ([]model.Member, error) {
	if _, err := requireMember(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, conversationID)
}

// IsMember reports whether userID belongs to conversationID.
func (s *ConversationService) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := requireMember(ctx, s.store, conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrForbidden):
		return false, nil
	default:
		return false, err
	}
}

func (s *ConversationService) summarize(ctx context.Context, conv *model.Conversation, member *model.Member) (*model.ConversationSummary, error) {
	sum := &model.ConversationSummary{Conversation: *conv}
	last, err := s.store.LastMessage(ctx, conv.ID)
	switch {
	case err == nil:
		sum.LastMessage = last
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}
	unread := model.UnreadCount(conv, member)
	sum.UnreadCount = &unread
	return sum, nil
}

// requireMember returns the membership row or an error wrapping
// model.ErrForbidden. Unknown conversations are reported the same way.
func requireMember(ctx context.Context, st store.Store, conversationID, userID string) (*model.Member, error) {
	m, err := st.GetMember(ctx, conversationID, userID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s is not a member of %s", model.ErrForbidden, userID, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	return m, nil
}

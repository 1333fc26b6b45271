package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

// ReceiptService tracks per-user delivery and read state.
type ReceiptService struct {
	store    store.Store
	notifier *event.Notifier
	logger   *logger.Logger
	now      func() time.Time
}

// NewReceiptService creates a new receipt service.
func NewReceiptService(st store.Store, notifier *event.Notifier, log *logger.Logger) *ReceiptService {
	return &ReceiptService{
		store:    st,
		notifier: notifier,
		logger:   log.Named("receipts"),
		now:      time.Now,
	}
}

// MarkDelivered records that messageID reached userID. Unknown messages,
// messages from another conversation, the sender's own messages and
// non-members are ignored and return a nil receipt.
func (s *ReceiptService) MarkDelivered(ctx context.Context, conversationID, messageID, userID string) (r *model.Receipt, err error) {
	ctx, span := tracing.Start(ctx, "receipt.delivered",
		attribute.String("conversation_id", conversationID),
		attribute.String("message_id", messageID),
	)
	defer func() { tracing.End(span, err) }()

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID || msg.SenderID == userID {
		return nil, nil
	}
	if _, err := s.store.GetMember(ctx, conversationID, userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	r, err = s.store.MarkReceipt(ctx, s.newReceipt(msg, userID), false, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}
	if err := s.store.AdvanceMessageStatus(ctx, messageID, model.StatusDelivered); err != nil {
		return nil, fmt.Errorf("failed to advance message status: %w", err)
	}

	s.notifier.Notify(ctx, conversationID, event.ReceiptDeliveredPayload{
		MessageID: messageID,
		Seq:       msg.Seq,
		UserID:    userID,
	})
	return r, nil
}

// MarkRead moves userID's read cursor forward to lastReadMessageID. An
// anchor at or behind the current cursor leaves everything unchanged and
// reports Advanced=false.
func (s *ReceiptService) MarkRead(ctx context.Context, conversationID, userID, lastReadMessageID string) (cur *model.ReadCursor, err error) {
	ctx, span := tracing.Start(ctx, "receipt.read",
		attribute.String("conversation_id", conversationID),
		attribute.String("message_id", lastReadMessageID),
	)
	defer func() { tracing.End(span, err) }()

	member, err := requireMember(ctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	anchor, err := s.store.GetMessage(ctx, lastReadMessageID)
	if err != nil {
		return nil, err
	}
	if anchor.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s in %s: %w", lastReadMessageID, conversationID, model.ErrNotFound)
	}

	cur = &model.ReadCursor{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: member.LastReadMessageID,
		LastReadSeq:       member.LastReadSeq,
	}

	advanced, err := s.store.AdvanceReadCursor(ctx, conversationID, userID, anchor.ID, anchor.SeqValue())
	if err != nil {
		return nil, fmt.Errorf("failed to advance read cursor: %w", err)
	}
	if !advanced {
		s.logger.Debug("stale read anchor ignored",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Int64("anchor_seq", anchor.SeqValue()),
			zap.Int64("cursor_seq", member.LastReadSeq),
		)
		return cur, nil
	}

	cur.LastReadMessageID = &anchor.ID
	cur.LastReadSeq = anchor.SeqValue()
	cur.Advanced = true

	if anchor.SenderID != userID {
		if _, err := s.store.MarkReceipt(ctx, s.newReceipt(anchor, userID), true, s.now().UTC()); err != nil {
			return nil, fmt.Errorf("failed to record read: %w", err)
		}
		if err := s.store.AdvanceMessageStatus(ctx, anchor.ID, model.StatusRead); err != nil {
			return nil, fmt.Errorf("failed to advance message status: %w", err)
		}
	}

	s.notifier.Notify(ctx, conversationID, event.ReceiptReadPayload{
		UserID:            userID,
		LastReadMessageID: cur.LastReadMessageID,
		LastReadSeq:       cur.LastReadSeq,
	})
	return cur, nil
}

// ListReceipts returns the receipts of a message. The caller must be a member.
func (s *ReceiptService) ListReceipts(ctx context.Context, userID, conversationID, messageID string) (*model.ListReceiptsResponse, error) {
	if _, err := requireMember(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s in %s: %w", messageID, conversationID, model.ErrNotFound)
	}
	receipts, err := s.store.ListReceipts(ctx, conversationID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	if receipts == nil {
		receipts = []model.Receipt{}
	}
	return &model.ListReceiptsResponse{MessageID: messageID, Receipts: receipts}, nil
}

// UnreadCount returns how many sequenced messages userID has not read.
func (s *ReceiptService) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	member, err := requireMember(ctx, s.store, conversationID, userID)
	if err != nil {
		return 0, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return model.UnreadCount(conv, member), nil
}

func (s *ReceiptService) newReceipt(msg *model.Message, userID string) model.Receipt {
	return model.Receipt{
		ID:             uuid.Must(uuid.NewV7()).String(),
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
	}
}

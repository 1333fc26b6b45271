// Package store persists conversations, messages, receipts and calls.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// ErrDuplicateKey is returned by InsertMessage when the idempotency key
// (conversation, sender, client_msg_id) is already taken.
var ErrDuplicateKey = fmt.Errorf("%w: duplicate idempotency key", model.ErrConflict)

// ErrDuplicateSeq is returned by InsertMessage when the conversation already
// holds a message with the same sequence number.
var ErrDuplicateSeq = fmt.Errorf("%w: duplicate sequence", model.ErrConflict)

// MessageQuery selects a page of a conversation's messages. Results are
// ordered by seq ascending with unsequenced messages last, ties broken by
// creation time.
type MessageQuery struct {
	Limit int
	// BeforeID keeps messages created strictly before this message.
	BeforeID string
	// AfterSeq keeps sequenced messages with seq strictly greater than this.
	AfterSeq *int64
}

// Store is the durable store used by the services. Lookups of missing rows
// return errors wrapping model.ErrNotFound.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	CreateConversation(ctx context.Context, conv *model.Conversation, members []model.Member) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations returns the conversations userID belongs to, most recently active first.
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	GetMember(ctx context.Context, conversationID, userID string) (*model.Member, error)
	ListMembers(ctx context.Context, conversationID string) ([]model.Member, error)

	// InsertMessage stores msg and, in the same transaction, advances the
	// conversation's last_seq to max(last_seq, msg.seq) and its updated_at.
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	FindMessageByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]model.Message, error)
	// LastMessage returns the most recently created message of a conversation.
	LastMessage(ctx context.Context, conversationID string) (*model.Message, error)
	// AdvanceMessageStatus moves a message's status forward. It never regresses.
	AdvanceMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) error

	// MarkReceipt upserts the (message, user) receipt. delivered_at is set if
	// unset; with read, read_at is set too. Existing timestamps never change.
	MarkReceipt(ctx context.Context, r model.Receipt, read bool, now time.Time) (*model.Receipt, error)
	ListReceipts(ctx context.Context, conversationID, messageID string) ([]model.Receipt, error)
	// AdvanceReadCursor moves the member's read cursor to seq if seq is ahead
	// of the current cursor and reports whether it moved.
	AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID string, seq int64) (bool, error)

	// CreateCall stores a new call with its initiator as the first active
	// participant. It fails with model.ErrConflict when the conversation
	// already has a non-terminal call.
	CreateCall(ctx context.Context, call *model.Call, initiator model.Participant) error
	GetCall(ctx context.Context, id string) (*model.Call, error)
	ActiveCall(ctx context.Context, conversationID string) (*model.Call, error)
	// ListCalls returns a conversation's calls, newest first.
	ListCalls(ctx context.Context, conversationID string, limit, offset int) ([]model.Call, error)
	UpdateCall(ctx context.Context, call *model.Call) error
	// AddParticipant adds an active row and reports false if the user is already active.
	AddParticipant(ctx context.Context, p model.Participant) (bool, error)
	// LeaveParticipant closes the user's active row and reports false if there is none.
	LeaveParticipant(ctx context.Context, callID, userID string, at time.Time) (bool, error)
	CloseParticipants(ctx context.Context, callID string, at time.Time) error
	ActiveParticipants(ctx context.Context, callID string) ([]model.Participant, error)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
}

// Package model defines data structures for the conversation engine.
package model

import (
	"time"
)

// ConversationKind distinguishes one-to-one from multi-party conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	return k == ConversationDirect || k == ConversationGroup
}

// MemberRole is the role a user holds in a conversation.
type MemberRole string

const (
	RoleOwner     MemberRole = "owner"
	RoleMember    MemberRole = "member"
	RoleAssistant MemberRole = "assistant"
)

// Valid reports whether r is a known member role.
func (r MemberRole) Valid() bool {
	switch r {
	case RoleOwner, RoleMember, RoleAssistant:
		return true
	}
	return false
}

// Conversation represents a conversation thread.
//
// LastSeq is the highest sequence number persisted in the conversation. It is
// advanced only by the ingestion pipeline and never decreases.
type Conversation struct {
	ID        string           `json:"conversation_id"`
	Kind      ConversationKind `json:"type"`
	Name      string           `json:"name,omitempty"`
	LastSeq   int64            `json:"last_seq"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Member is a user's membership row in a conversation.
type Member struct {
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Role              MemberRole `json:"role"`
	JoinedAt          time.Time  `json:"joined_at"`
	LastReadMessageID *string    `json:"last_read_message_id,omitempty"`
	LastReadSeq       int64      `json:"last_read_seq"`
	Muted             bool       `json:"muted"`
}

// UnreadCount is conversation.last_seq minus the member's read cursor, floored at zero.
func UnreadCount(conv *Conversation, member *Member) int64 {
	if conv == nil || member == nil {
		return 0
	}
	if n := conv.LastSeq - member.LastReadSeq; n > 0 {
		return n
	}
	return 0
}

// CreateConversationRequest is the request to create a new conversation.
// The first entry of MemberIDs becomes the owner.
type CreateConversationRequest struct {
	Kind         ConversationKind `json:"type"`
	Name         string           `json:"name,omitempty"`
	MemberIDs    []string         `json:"member_ids"`
	AssistantIDs []string         `json:"assistant_ids,omitempty"`
}

// ConversationSummary is a conversation decorated for a specific viewer.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount *int64   `json:"unread_count,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

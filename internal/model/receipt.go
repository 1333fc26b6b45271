package model

import (
	"time"
)

// Receipt is the per (message, user) delivery state. Both timestamps are set
// at most once; ReadAt implies DeliveredAt.
type Receipt struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// MarkDelivered sets DeliveredAt if unset and reports whether it changed.
func (r *Receipt) MarkDelivered(now time.Time) bool {
	if r.DeliveredAt != nil {
		return false
	}
	r.DeliveredAt = &now
	return true
}

// MarkRead sets ReadAt (and DeliveredAt) if unset and reports whether anything changed.
func (r *Receipt) MarkRead(now time.Time) bool {
	changed := r.MarkDelivered(now)
	if r.ReadAt == nil {
		r.ReadAt = &now
		changed = true
	}
	return changed
}

// DeliveredRequest reports a message as delivered to the caller.
type DeliveredRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ReadRequest advances the caller's read cursor.
type ReadRequest struct {
	ConversationID    string `json:"conversation_id"`
	LastReadMessageID string `json:"last_read_message_id"`
}

// ReadCursor is the outcome of a read mark.
type ReadCursor struct {
	ConversationID    string  `json:"conversation_id"`
	UserID            string  `json:"user_id"`
	LastReadMessageID *string `json:"last_read_message_id"`
	LastReadSeq       int64   `json:"last_read_seq"`
	Advanced          bool    `json:"advanced"`
}

// ListReceiptsResponse is the response for listing receipts of a message.
type ListReceiptsResponse struct {
	MessageID string    `json:"message_id"`
	Receipts  []Receipt `json:"receipts"`
}

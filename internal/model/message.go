package model

import (
	"encoding/json"
	"time"
)

// MessageType is the closed set of message kinds.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageFile        MessageType = "file"
	MessageAudio       MessageType = "audio"
	MessageVideo       MessageType = "video"
	MessageSystem      MessageType = "system"
	MessageAI          MessageType = "ai"
	MessageStreamChunk MessageType = "stream_chunk"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio,
		MessageVideo, MessageSystem, MessageAI, MessageStreamChunk:
		return true
	}
	return false
}

// MessageStatus is the delivery status of a message. It only moves forward.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses: sent < delivered < read.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Advance returns the later of s and to.
func (s MessageStatus) Advance(to MessageStatus) MessageStatus {
	if to.Rank() > s.Rank() {
		return to
	}
	return s
}

// Message represents a persisted conversation message.
type Message struct {
	ID             string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Type           MessageType     `json:"type"`
	Content        json.RawMessage `json:"content"`
	ReplyTo        *string         `json:"reply_to,omitempty"`
	ClientMsgID    *string         `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Seq            *int64          `json:"seq"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	Status         MessageStatus   `json:"status"`

	// Streaming fields, set only on stream_chunk messages.
	StreamID   *string `json:"stream_id,omitempty"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
	IsEnd      bool    `json:"is_end,omitempty"`
}

// SeqValue returns the assigned sequence or zero when none was assigned.
func (m *Message) SeqValue() int64 {
	if m.Seq == nil {
		return 0
	}
	return *m.Seq
}

// MessageView is the projection carried by message events.
type MessageView struct {
	MessageID string          `json:"message_id"`
	SenderID  string          `json:"sender_id"`
	Type      MessageType     `json:"type"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	Seq       *int64          `json:"seq"`
	ReplyTo   *string         `json:"reply_to"`
	StreamID  *string         `json:"stream_id,omitempty"`
	ChunkIdx  *int            `json:"chunk_index,omitempty"`
}

// View projects m for event payloads.
func (m *Message) View() MessageView {
	return MessageView{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Seq:       m.Seq,
		ReplyTo:   m.ReplyTo,
		StreamID:  m.StreamID,
		ChunkIdx:  m.ChunkIndex,
	}
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	Type           MessageType     `json:"type"`
	Content        json.RawMessage `json:"content"`
	ReplyTo        *string         `json:"reply_to,omitempty"`
	ClientMsgID    *string         `json:"client_msg_id,omitempty"`
}

// StreamChunkRequest is the request to append one chunk to a stream.
type StreamChunkRequest struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	Chunk          string  `json:"chunk"`
	StreamID       *string `json:"stream_id,omitempty"`
	ChunkIndex     *int    `json:"chunk_index,omitempty"`
	StreamEnd      bool    `json:"stream_end"`
	ClientMsgID    *string `json:"client_msg_id,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
}

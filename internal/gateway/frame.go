package gateway

import (
	"encoding/json"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/rtc"
)

// InboundType is the type of a client frame.
type InboundType string

const (
	FrameSubscribe    InboundType = "subscribe"
	FrameUnsubscribe  InboundType = "unsubscribe"
	FramePing         InboundType = "ping"
	FramePong         InboundType = "pong"
	FrameSendMsg      InboundType = "send_msg"
	FrameStreamChunk  InboundType = "stream_chunk"
	FrameDelivered    InboundType = "delivered"
	FrameRead         InboundType = "read"
	FrameTyping       InboundType = "typing"
	FrameCallInitiate InboundType = "call.initiate"
	FrameCallRinging  InboundType = "call.ringing"
	FrameCallAccept   InboundType = "call.accept"
	FrameCallReject   InboundType = "call.reject"
	FrameCallHangup   InboundType = "call.hangup"
	FrameCallSignal   InboundType = "call.webrtc.signal"
)

// Valid reports whether t is a known inbound frame type.
func (t InboundType) Valid() bool {
	switch t {
	case FrameSubscribe, FrameUnsubscribe, FramePing, FramePong, FrameSendMsg,
		FrameStreamChunk, FrameDelivered, FrameRead, FrameTyping, FrameCallInitiate,
		FrameCallRinging, FrameCallAccept, FrameCallReject, FrameCallHangup, FrameCallSignal:
		return true
	}
	return false
}

// Inbound is a decoded client frame. Which fields are meaningful depends on Type.
type Inbound struct {
	Type InboundType `json:"type"`
	// Ref is echoed in acks and errors so clients can correlate replies.
	Ref string `json:"id,omitempty"`

	ConversationID    string `json:"conversation_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`

	MsgType     model.MessageType `json:"msg_type,omitempty"`
	Content     json.RawMessage   `json:"content,omitempty"`
	ReplyTo     *string           `json:"reply_to,omitempty"`
	ClientMsgID *string           `json:"client_msg_id,omitempty"`

	Chunk      string  `json:"chunk,omitempty"`
	StreamID   *string `json:"stream_id,omitempty"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
	StreamEnd  bool    `json:"stream_end,omitempty"`

	Typing *bool `json:"typing,omitempty"`

	CallID   string          `json:"call_id,omitempty"`
	ToUserID string          `json:"to_user_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// OutboundType is the type of a server frame.
type OutboundType string

const (
	OutSubscribed       OutboundType = "subscribed"
	OutUnsubscribed     OutboundType = "unsubscribed"
	OutAck              OutboundType = "ack"
	OutError            OutboundType = "error"
	OutEvent            OutboundType = "event"
	OutPing             OutboundType = "ping"
	OutPong             OutboundType = "pong"
	OutCallInitiated    OutboundType = "call.initiated"
	OutICEConfiguration OutboundType = "call.ice_configuration"
)

// Ack events name the operation being acknowledged.
const (
	AckMessageSent   = "message.sent"
	AckStreamSent    = "stream.sent"
	AckDelivered     = "receipt.delivered"
	AckRead          = "receipt.read"
	AckCallUpdated   = "call.updated"
	AckSignalRelayed = "call.signal_relayed"
)

// Outbound is a server frame.
type Outbound struct {
	Type OutboundType `json:"type"`
	Ref  string       `json:"ref,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`

	// ack
	Event     string `json:"event,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Seq       *int64 `json:"seq,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// event
	Data *event.Envelope `json:"data,omitempty"`

	// call.initiated, call.ice_configuration
	CallID           string                   `json:"call_id,omitempty"`
	Status           model.CallStatus         `json:"status,omitempty"`
	ICEConfiguration *rtc.ClientConfiguration `json:"ice_configuration,omitempty"`
}

func errorFrame(ref string, err error) Outbound {
	code := model.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return Outbound{Type: OutError, Ref: ref, Code: code, Message: msg}
}

func eventFrame(env event.Envelope) Outbound {
	return Outbound{Type: OutEvent, ConversationID: env.ConversationID, Data: &env}
}

// Package event defines the closed set of events fanned out on conversation topics.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// Kind identifies an event variant.
type Kind string

const (
	MessageCreated        Kind = "message.created"
	MessageStreamChunk    Kind = "message.stream_chunk"
	ReceiptDelivered      Kind = "receipt.delivered"
	ReceiptRead           Kind = "receipt.read"
	CallStatusChanged     Kind = "call.status_changed"
	CallParticipantJoined Kind = "call.participant_joined"
	CallParticipantLeft   Kind = "call.participant_left"
	CallIncoming          Kind = "call.incoming"
	CallSignal            Kind = "call.signal"
	Typing                Kind = "typing"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case MessageCreated, MessageStreamChunk, ReceiptDelivered, ReceiptRead,
		CallStatusChanged, CallParticipantJoined, CallParticipantLeft,
		CallIncoming, CallSignal, Typing:
		return true
	}
	return false
}

// Envelope is the unit carried by the event bus. Data holds the JSON encoding
// of the Payload matching Event. ToUserID, when set, restricts delivery to
// the sessions of that user.
type Envelope struct {
	Event          Kind            `json:"event"`
	ConversationID string          `json:"conversation_id"`
	ToUserID       string          `json:"to_user_id,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

// MessageCreatedPayload carries the full projection of a new message.
type MessageCreatedPayload struct {
	Message model.MessageView `json:"message"`
}

func (MessageCreatedPayload) Kind() Kind { return MessageCreated }

// StreamChunkPayload carries one chunk of a streamed message.
type StreamChunkPayload struct {
	Message   model.MessageView `json:"message"`
	StreamEnd bool              `json:"stream_end"`
}

func (StreamChunkPayload) Kind() Kind { return MessageStreamChunk }

// ReceiptDeliveredPayload reports a per-user delivery.
type ReceiptDeliveredPayload struct {
	MessageID string `json:"message_id"`
	Seq       *int64 `json:"seq"`
	UserID    string `json:"user_id"`
}

func (ReceiptDeliveredPayload) Kind() Kind { return ReceiptDelivered }

// ReceiptReadPayload reports an advanced read cursor.
type ReceiptReadPayload struct {
	UserID            string  `json:"user_id"`
	LastReadMessageID *string `json:"last_read_message_id"`
	LastReadSeq       int64   `json:"last_read_seq"`
}

func (ReceiptReadPayload) Kind() Kind { return ReceiptRead }

// CallPayload is shared by the three call lifecycle events. Event selects
// which one it is.
type CallPayload struct {
	Event       Kind             `json:"-"`
	CallID      string           `json:"call_id"`
	Status      model.CallStatus `json:"status"`
	InitiatorID string           `json:"initiator_id"`
	StartTime   time.Time        `json:"start_time"`
	AnswerTime  *time.Time       `json:"answer_time"`
	EndTime     *time.Time       `json:"end_time"`
	DurationSec *int64           `json:"duration_sec"`
	UserID      *string          `json:"user_id"`
}

func (p CallPayload) Kind() Kind { return p.Event }

// NewCallPayload projects a call for the given lifecycle event.
func NewCallPayload(kind Kind, call *model.Call, userID string) CallPayload {
	p := CallPayload{
		Event:       kind,
		CallID:      call.ID,
		Status:      call.Status,
		InitiatorID: call.InitiatorID,
		StartTime:   call.StartTime,
		AnswerTime:  call.AnswerTime,
		EndTime:     call.EndTime,
		DurationSec: call.DurationSec,
	}
	if userID != "" {
		p.UserID = &userID
	}
	return p
}

// CallIncomingPayload invites the conversation to a new call.
type CallIncomingPayload struct {
	CallID           string          `json:"call_id"`
	FromUserID       string          `json:"from_user_id"`
	ICEConfiguration json.RawMessage `json:"ice_configuration,omitempty"`
}

func (CallIncomingPayload) Kind() Kind { return CallIncoming }

// SignalPayload relays a validated SDP or ICE payload between participants.
type SignalPayload struct {
	CallID     string          `json:"call_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

func (SignalPayload) Kind() Kind { return CallSignal }

// TypingPayload is an ephemeral typing indicator. It is never persisted.
type TypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

func (TypingPayload) Kind() Kind { return Typing }

// New encodes p into an envelope for conversationID.
func New(conversationID string, p Payload) (Envelope, error) {
	if !p.Kind().Valid() {
		return Envelope{}, fmt.Errorf("unknown event kind %q", p.Kind())
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return Envelope{Event: p.Kind(), ConversationID: conversationID, Data: data}, nil
}

// NewTargeted encodes p into an envelope delivered only to toUserID.
func NewTargeted(conversationID, toUserID string, p Payload) (Envelope, error) {
	env, err := New(conversationID, p)
	if err != nil {
		return Envelope{}, err
	}
	env.ToUserID = toUserID
	return env, nil
}

// Decode returns the typed payload of env.
func (env Envelope) Decode() (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch env.Event {
	case MessageCreated:
		var v MessageCreatedPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case MessageStreamChunk:
		var v StreamChunkPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ReceiptDelivered:
		var v ReceiptDeliveredPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ReceiptRead:
		var v ReceiptReadPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case CallStatusChanged, CallParticipantJoined, CallParticipantLeft:
		var v CallPayload
		err = json.Unmarshal(env.Data, &v)
		v.Event = env.Event
		p = v
	case CallIncoming:
		var v CallIncomingPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case CallSignal:
		var v SignalPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case Typing:
		var v TypingPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Event, err)
	}
	return p, nil
}

// DeliverableTo reports whether a session of userID should receive env.
func (env Envelope) DeliverableTo(userID string) bool {
	return env.ToUserID == "" || env.ToUserID == userID
}

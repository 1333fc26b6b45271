package model

import (
	"time"
)

// CallStatus is a state of the call lifecycle.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallCompleted CallStatus = "completed"
	CallMissed    CallStatus = "missed"
	CallRejected  CallStatus = "rejected"
)

// Valid reports whether s is a known call status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallInitiated, CallRinging, CallAnswered, CallCompleted, CallMissed, CallRejected:
		return true
	}
	return false
}

// IsTerminal reports whether s ends the call.
func (s CallStatus) IsTerminal() bool {
	return s == CallCompleted || s == CallMissed || s == CallRejected
}

// CanTransition reports whether the state machine allows from -> to.
//
//	initiated -> ringing | answered | completed | missed | rejected
//	ringing   -> answered | completed | missed | rejected
//	answered  -> completed | missed | rejected
//
// Terminal states have no outgoing edges.
func CanTransition(from, to CallStatus) bool {
	if from.IsTerminal() || !to.Valid() || from == to {
		return false
	}
	switch to {
	case CallInitiated:
		return false
	case CallRinging:
		return from == CallInitiated
	case CallAnswered:
		return from == CallInitiated || from == CallRinging
	default:
		return true
	}
}

// Call is a call log row.
type Call struct {
	ID             string     `json:"call_id"`
	ConversationID string     `json:"conversation_id"`
	InitiatorID    string     `json:"initiator_id"`
	Status         CallStatus `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	AnswerTime     *time.Time `json:"answer_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	DurationSec    *int64     `json:"duration_sec,omitempty"`
}

// Finish moves the call into a terminal status at now. DurationSec is set
// only when the call was answered.
func (c *Call) Finish(status CallStatus, now time.Time) {
	c.Status = status
	c.EndTime = &now
	if c.AnswerTime != nil {
		d := int64(now.Sub(*c.AnswerTime) / time.Second)
		if d < 0 {
			d = 0
		}
		c.DurationSec = &d
	}
}

// Participant is a user's presence in a call. Active iff LeaveTime is nil.
type Participant struct {
	CallID    string     `json:"call_id"`
	UserID    string     `json:"user_id"`
	JoinTime  time.Time  `json:"join_time"`
	LeaveTime *time.Time `json:"leave_time,omitempty"`
}

// Active reports whether the participant has not left.
func (p *Participant) Active() bool {
	return p.LeaveTime == nil
}

// CallState bundles a call with its currently active participants.
type CallState struct {
	Call         *Call    `json:"call"`
	Participants []string `json:"participants"`
}

// InitiateCallRequest is the request body to start a call.
type InitiateCallRequest struct {
	ConversationID string `json:"conversation_id"`
}

// UpdateCallStatusRequest is the request body for explicit call transitions.
type UpdateCallStatusRequest struct {
	Status CallStatus `json:"status"`
}

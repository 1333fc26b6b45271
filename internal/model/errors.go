package model

import "errors"

// Error taxonomy shared by every service. Callers wrap these with
// fmt.Errorf("...: %w", err) and boundaries match them with errors.Is.
var (
	// ErrForbidden is a membership or permission failure. Not retried.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is a duplicate active call or a state machine violation.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is an unknown conversation, message or call.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is a required shared backend that cannot be reached.
	ErrUnavailable = errors.New("unavailable")
	// ErrInvalidPayload is a malformed message body or signaling payload.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ErrorCode maps an error to the short code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "internal"
	}
}

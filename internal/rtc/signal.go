package rtc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// SignalType is the kind of a relayed signaling payload.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is a client supplied SDP description or ICE candidate.
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type candidateSignal struct {
	Type      SignalType              `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ValidateSignal checks raw structurally and returns the sanitized payload to
// relay. SDP and ICE semantics are not interpreted. Failures wrap
// model.ErrInvalidPayload.
func ValidateSignal(raw json.RawMessage) (json.RawMessage, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, fmt.Errorf("%w: signal is not a JSON object", model.ErrInvalidPayload)
	}

	switch sig.Type {
	case SignalOffer, SignalAnswer:
		sdp := SanitizeSDP(sig.SDP)
		if err := ValidateSDP(sdp); err != nil {
			return nil, err
		}
		return json.Marshal(webrtc.SessionDescription{
			Type: webrtc.NewSDPType(string(sig.Type)),
			SDP:  sdp,
		})
	case SignalCandidate:
		if err := ValidateCandidate(sig.Candidate); err != nil {
			return nil, err
		}
		return json.Marshal(candidateSignal{Type: SignalCandidate, Candidate: *sig.Candidate})
	default:
		return nil, fmt.Errorf("%w: unknown signal type %q", model.ErrInvalidPayload, sig.Type)
	}
}

// ValidateSDP requires the version, origin and session-name lines.
func ValidateSDP(sdp string) error {
	var hasVersion, hasOrigin, hasSession bool
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "v="):
			hasVersion = true
		case strings.HasPrefix(line, "o="):
			hasOrigin = true
		case strings.HasPrefix(line, "s="):
			hasSession = true
		}
	}
	if !hasVersion || !hasOrigin || !hasSession {
		return fmt.Errorf("%w: sdp must contain v=, o= and s= lines", model.ErrInvalidPayload)
	}
	return nil
}

// ValidateCandidate requires a "candidate:" string and an sdpMLineIndex.
func ValidateCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return fmt.Errorf("%w: missing candidate", model.ErrInvalidPayload)
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") {
		return fmt.Errorf("%w: candidate must start with \"candidate:\"", model.ErrInvalidPayload)
	}
	if c.SDPMLineIndex == nil {
		return fmt.Errorf("%w: candidate missing sdpMLineIndex", model.ErrInvalidPayload)
	}
	return nil
}

// SanitizeSDP trims every line and drops blank lines and lines without '='.
func SanitizeSDP(sdp string) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(sdp), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.Contains(line, "=") {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\r\n")
}

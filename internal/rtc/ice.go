// Package rtc validates WebRTC signaling payloads and builds the ICE
// configuration handed to call participants.
package rtc

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEProvider supplies the ICE configuration for a user joining a call.
type ICEProvider interface {
	Configuration(userID string) webrtc.Configuration
}

// ICEOptions configures a StaticICE provider.
type ICEOptions struct {
	// STUNServers are full STUN URLs, e.g. "stun:stun.l.google.com:19302".
	STUNServers []string
	// TURNServer is host[:port] of a TURN relay. Empty disables TURN.
	TURNServer   string
	TURNUsername string
	TURNPassword string
}

// StaticICE builds the configuration from fixed STUN URLs and static TURN
// credentials. Credential minting is left to the TURN deployment.
type StaticICE struct {
	servers []webrtc.ICEServer
}

// NewStaticICE creates a provider from opts.
func NewStaticICE(opts ICEOptions) *StaticICE {
	var servers []webrtc.ICEServer
	var stun []string
	for _, s := range opts.STUNServers {
		if s = strings.TrimSpace(s); s != "" {
			stun = append(stun, s)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if opts.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{
				"turn:" + opts.TURNServer,
				"turns:" + opts.TURNServer,
			},
			Username:       opts.TURNUsername,
			Credential:     opts.TURNPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return &StaticICE{servers: servers}
}

// Configuration returns the peer connection configuration for userID.
func (p *StaticICE) Configuration(userID string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, len(p.servers))
	copy(servers, p.servers)
	return webrtc.Configuration{
		ICEServers:           servers,
		ICETransportPolicy:   webrtc.ICETransportPolicyAll,
		BundlePolicy:         webrtc.BundlePolicyBalanced,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: 4,
	}
}

// ClientServer is an ICE server as a browser RTCPeerConnection expects it.
type ClientServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ClientConfiguration is the RTCConfiguration dictionary sent to clients.
type ClientConfiguration struct {
	ICEServers           []ClientServer `json:"iceServers"`
	ICETransportPolicy   string         `json:"iceTransportPolicy"`
	BundlePolicy         string         `json:"bundlePolicy"`
	RTCPMuxPolicy        string         `json:"rtcpMuxPolicy"`
	ICECandidatePoolSize uint8          `json:"iceCandidatePoolSize"`
}

// ForClient projects cfg onto the browser dictionary.
func ForClient(cfg webrtc.Configuration) ClientConfiguration {
	out := ClientConfiguration{
		ICEServers:           make([]ClientServer, 0, len(cfg.ICEServers)),
		ICETransportPolicy:   cfg.ICETransportPolicy.String(),
		BundlePolicy:         cfg.BundlePolicy.String(),
		RTCPMuxPolicy:        cfg.RTCPMuxPolicy.String(),
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
	}
	for _, s := range cfg.ICEServers {
		cs := ClientServer{URLs: s.URLs, Username: s.Username}
		if c, ok := s.Credential.(string); ok {
			cs.Credential = c
		}
		out.ICEServers = append(out.ICEServers, cs)
	}
	return out
}

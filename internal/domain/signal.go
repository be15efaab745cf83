package domain

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is the opaque negotiation payload exchanged between two peers.
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func (s Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrValidation, s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate signal without candidate", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported signal type %q", ErrValidation, s.Type)
	}
	return nil
}

// SessionDescription converts an offer or answer into the pion form.
func (s Signal) SessionDescription() webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if s.Type == SignalAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: s.SDP}
}

// SignalEnvelope routes a Signal to exactly one remote participant.
// SenderID is stamped by the relay.
type SignalEnvelope struct {
	RoomID   string         `json:"roomId"`
	SenderID string         `json:"senderId,omitempty"`
	TargetID string         `json:"targetId"`
	Signal   Signal         `json:"signal"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

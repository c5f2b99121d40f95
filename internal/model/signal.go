package model

import "fmt"

// SignalKind tags the variant carried by a Signal.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// SessionDescription is an opaque SDP blob carried by offers and answers.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// ICECandidate is an opaque trickled ICE candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is a negotiation message exchanged between the two devices of a
// session. Exactly one payload variant is populated, matching Kind. The
// relay checks the shape and never interprets the payload.
type Signal struct {
	Kind           SignalKind          `json:"type"`
	SenderDeviceID string              `json:"senderDeviceId"`
	TargetDeviceID string              `json:"targetDeviceId"`
	Description    *SessionDescription `json:"description,omitempty"`
	Candidate      *ICECandidate       `json:"candidate,omitempty"`
}

// NewOffer builds an offer signal.
func NewOffer(from, to, sdp string) Signal {
	return Signal{Kind: SignalOffer, SenderDeviceID: from, TargetDeviceID: to, Description: &SessionDescription{SDP: sdp}}
}

// NewAnswer builds an answer signal.
func NewAnswer(from, to, sdp string) Signal {
	return Signal{Kind: SignalAnswer, SenderDeviceID: from, TargetDeviceID: to, Description: &SessionDescription{SDP: sdp}}
}

// NewCandidate builds a candidate signal.
func NewCandidate(from, to string, candidate ICECandidate) Signal {
	return Signal{Kind: SignalCandidate, SenderDeviceID: from, TargetDeviceID: to, Candidate: &candidate}
}

// Validate checks that the tag matches the populated variant.
func (s Signal) Validate() error {
	if s.SenderDeviceID == "" || s.TargetDeviceID == "" {
		return fmt.Errorf("signal requires sender and target device ids")
	}
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.Description == nil || s.Candidate != nil {
			return fmt.Errorf("%s signal must carry exactly a session description", s.Kind)
		}
	case SignalCandidate:
		if s.Candidate == nil || s.Description != nil {
			return fmt.Errorf("candidate signal must carry exactly a candidate")
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return nil
}

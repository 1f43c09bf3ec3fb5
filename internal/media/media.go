// Package media defines the contract between the session lifecycle
// machine and the real-time media collaborator. The lifecycle machine
// treats a Session as a black box: it feeds remote descriptions and
// candidates in, receives local ones back through Callbacks, and
// observes a single connectivity state. Once Close is called no
// further callbacks fire.
package media

import (
	"github.com/lancall/lancall/internal/protocol"
)

// State is the connectivity state a media session reports.
type State int

const (
	StateNegotiating State = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callbacks are invoked by a Session, asynchronously and at most once
// per event. All fields must be set before the session is used.
type Callbacks struct {
	// OnLocalDescription delivers a local session description. sdpType
	// is one of the protocol SDP type strings (offer, answer, ...).
	OnLocalDescription func(sdpType, sdp string)

	// OnLocalCandidate delivers one gathered local candidate.
	OnLocalCandidate func(c protocol.Candidate)

	// OnStateChange reports connectivity transitions.
	OnStateChange func(s State)
}

// Session is one media negotiation attempt. Sessions are single-use:
// after Close the session is dead and a fresh one must be created for
// any further negotiation.
type Session interface {
	// CreateOffer starts negotiation from the initiator side. The
	// resulting description arrives via OnLocalDescription.
	CreateOffer() error

	// HandleRemoteOffer applies a remote offer and produces an answer
	// via OnLocalDescription.
	HandleRemoteOffer(sdp string) error

	// HandleRemoteAnswer applies a remote answer or pranswer.
	HandleRemoteAnswer(sdp string) error

	// AddRemoteCandidate applies one remote candidate.
	AddRemoteCandidate(c protocol.Candidate) error

	// Close tears the session down. No callbacks fire afterwards.
	Close() error
}

// Factory creates media sessions. The initiator flag selects which
// side drives offer creation.
type Factory interface {
	NewSession(initiator bool, cb Callbacks) (Session, error)
}

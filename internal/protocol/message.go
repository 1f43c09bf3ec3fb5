// Package protocol defines the signaling messages exchanged between two
// endpoints and their wire encoding. The wire format is owned by this
// package and must stay stable: new message kinds are additive only.
package protocol

// Kind identifies a signaling message variant on the wire.
type Kind uint8

const (
	KindHello      Kind = 0x01
	KindSDP        Kind = 0x02
	KindCandidate  Kind = 0x03
	KindDisconnect Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindSDP:
		return "SDP"
	case KindCandidate:
		return "CANDIDATE"
	case KindDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// SDP description types carried by the SDP message. These mirror the
// standard session description exchange vocabulary.
const (
	SDPOffer    = "offer"
	SDPAnswer   = "answer"
	SDPPranswer = "pranswer"
	SDPRollback = "rollback"
)

// Message is a signaling message variant.
type Message interface {
	Kind() Kind
}

// Hello announces the sender's display name. It is the first message
// sent on a fresh transport by both sides.
type Hello struct {
	DisplayName string `cbor:"name"`
}

func (Hello) Kind() Kind { return KindHello }

// SDP carries a session description (offer, answer, pranswer or
// rollback) produced by the local media session.
type SDP struct {
	Type string `cbor:"type"`
	Body string `cbor:"body"`
}

func (SDP) Kind() Kind { return KindSDP }

// Candidate carries one network reachability candidate. MediaID is nil
// when the candidate is not bound to a specific media section.
type Candidate struct {
	Body      string  `cbor:"body"`
	LineIndex int32   `cbor:"line"`
	MediaID   *string `cbor:"mid"`
}

func (Candidate) Kind() Kind { return KindCandidate }

// Disconnect signals a graceful, remote-initiated session close. It
// carries no payload.
type Disconnect struct{}

func (Disconnect) Kind() Kind { return KindDisconnect }

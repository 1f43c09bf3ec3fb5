package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DecodeReason classifies why a frame failed to decode.
type DecodeReason int

const (
	ReasonEmptyFrame DecodeReason = iota
	ReasonUnknownKind
	ReasonBadPayload
)

func (r DecodeReason) String() string {
	switch r {
	case ReasonEmptyFrame:
		return "empty frame"
	case ReasonUnknownKind:
		return "unknown kind"
	case ReasonBadPayload:
		return "bad payload"
	default:
		return "unknown"
	}
}

// DecodeError reports a frame that could not be decoded. A DecodeError
// is recoverable: the receiver drops the frame and continues reading.
type DecodeError struct {
	Reason DecodeReason
	Kind   Kind // set for ReasonBadPayload and ReasonUnknownKind
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// encMode is the deterministic CBOR encoder shared by all Encode calls.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// Encode serializes msg as a one-byte kind tag followed by the CBOR
// encoding of the variant body. Encoding is deterministic.
func Encode(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, byte(msg.Kind()))
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses a frame produced by Encode. Unknown kind tags and
// malformed bodies yield a *DecodeError, never a panic.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: ReasonEmptyFrame}
	}

	kind := Kind(data[0])
	body := data[1:]

	var msg Message
	var err error
	switch kind {
	case KindHello:
		var m Hello
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindSDP:
		var m SDP
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindCandidate:
		var m Candidate
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindDisconnect:
		var m Disconnect
		err = cbor.Unmarshal(body, &m)
		msg = m
	default:
		return nil, &DecodeError{Reason: ReasonUnknownKind, Kind: kind}
	}
	if err != nil {
		return nil, &DecodeError{Reason: ReasonBadPayload, Kind: kind, Err: err}
	}
	return msg, nil
}

package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/lancall/lancall/internal/protocol"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DefaultConfig is the peer connection configuration used when none is
// supplied. On a LAN the host candidates usually win; STUN is a
// fallback for segmented networks.
func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: defaultSTUNServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// WebRTC is a Factory producing pion-backed media sessions.
type WebRTC struct {
	Config webrtc.Configuration
	Logger *logrus.Logger
}

// NewWebRTC returns a factory with the default configuration.
func NewWebRTC(log *logrus.Logger) *WebRTC {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebRTC{Config: DefaultConfig(), Logger: log}
}

func (w *WebRTC) NewSession(initiator bool, cb Callbacks) (Session, error) {
	pc, err := webrtc.NewPeerConnection(w.Config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &webrtcSession{pc: pc, cb: cb, log: w.Logger, lastState: -1}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.isClosed() {
			return
		}
		init := c.ToJSON()
		cand := protocol.Candidate{Body: init.Candidate, MediaID: init.SDPMid}
		if init.SDPMLineIndex != nil {
			cand.LineIndex = int32(*init.SDPMLineIndex)
		}
		cb.OnLocalCandidate(cand)
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		if s.isClosed() {
			return
		}
		s.reportState(mapConnectionState(cs))
	})

	if initiator {
		// The initiator opens an ordered control channel so the offer
		// has a section to negotiate even before any tracks exist.
		ordered := true
		if _, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}
	}

	return s, nil
}

type webrtcSession struct {
	pc  *webrtc.PeerConnection
	cb  Callbacks
	log *logrus.Logger

	mu        sync.Mutex
	closed    bool
	lastState State
}

func (s *webrtcSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// reportState forwards connectivity transitions, deduplicated so each
// state is delivered at most once in a row.
func (s *webrtcSession) reportState(st State) {
	s.mu.Lock()
	if s.closed || st == s.lastState {
		s.mu.Unlock()
		return
	}
	s.lastState = st
	s.mu.Unlock()
	s.cb.OnStateChange(st)
}

func (s *webrtcSession) CreateOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if !s.isClosed() {
		s.cb.OnLocalDescription(protocol.SDPOffer, offer.SDP)
	}
	return nil
}

func (s *webrtcSession) HandleRemoteOffer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if !s.isClosed() {
		s.cb.OnLocalDescription(protocol.SDPAnswer, answer.SDP)
	}
	return nil
}

func (s *webrtcSession) HandleRemoteAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (s *webrtcSession) AddRemoteCandidate(c protocol.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Body, SDPMid: c.MediaID}
	if c.LineIndex >= 0 {
		line := uint16(c.LineIndex)
		init.SDPMLineIndex = &line
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

func (s *webrtcSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}

func mapConnectionState(cs webrtc.PeerConnectionState) State {
	switch cs {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return StateNegotiating
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	default:
		return StateFailed
	}
}

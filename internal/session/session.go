// Package session owns the connection lifecycle between this endpoint
// and one remote peer: role negotiation, signaling relay, reconnection
// with exponential backoff, timeout supervision of stuck attempts, and
// the presentation gate that defers terminal teardown until an
// external transition effect has finished.
//
// All lifecycle state lives on a single owner goroutine. Commands,
// transport events, media callbacks and timer firings are posted onto
// it as closures; nothing mutates manager fields from outside the
// loop. Closures tied to a particular connection attempt carry the
// attempt generation current when they were created and are discarded
// on arrival if a newer attempt has superseded them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lancall/lancall/internal/discovery"
	"github.com/lancall/lancall/internal/media"
	"github.com/lancall/lancall/internal/protocol"
	"github.com/lancall/lancall/internal/transport"
)

// State is the single coherent lifecycle state exposed to observers.
type State int

const (
	StateDisconnected State = iota
	StateBrowsing
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBrowsing:
		return "browsing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// GateState is the presentation gate's state. The gate lets an
// external transition effect run before terminal teardown proceeds.
type GateState int

const (
	GateClosed GateState = iota
	GateOpening
	GateOpen
	GateClosing
)

func (g GateState) String() string {
	switch g {
	case GateClosed:
		return "closed"
	case GateOpening:
		return "opening"
	case GateOpen:
		return "open"
	case GateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Role is the asymmetric part each endpoint plays in one attempt.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

const (
	defaultMaxAttempts    = 5
	defaultConnectTimeout = 10 * time.Second
	defaultGateTimeout    = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	DisplayName string
	Discovery   discovery.Discovery
	Media       media.Factory
	Logger      *logrus.Logger

	// MaxAttempts bounds reconnection attempts per connect. Zero
	// means the default of 5.
	MaxAttempts int

	// ConnectTimeout bounds how long a fresh transport may take to
	// become ready. Zero means the default of 10 s.
	ConnectTimeout time.Duration

	// GateTimeout bounds how long terminal teardown waits for the
	// presentation layer's completion callback. Zero means 5 s.
	GateTimeout time.Duration
}

// Snapshot is a point-in-time copy of the observable surface.
type Snapshot struct {
	State State
	Gate  GateState

	// Peer is the connecting/connected peer, nil otherwise.
	Peer *discovery.Peer

	// Peers is the discovered peer list.
	Peers []discovery.Peer

	// RemoteClosed reports that the remote ended the session
	// gracefully. Cleared by the observer via ClearRemoteClosed.
	RemoteClosed bool
}

// Manager is the connection lifecycle state machine.
type Manager struct {
	cfg Config
	log *logrus.Logger

	calls  chan func()
	notify chan Snapshot
	done   chan struct{}

	stopOnce sync.Once
	newTimer timerFunc

	// Everything below is owned by the run loop.
	state    State
	gate     GateState
	role     Role
	gen      uint64
	mediaGen uint64
	attempt  int
	browsing bool

	peer     *discovery.Peer
	lastPeer discovery.Peer

	conn *transport.Conn
	sess media.Session

	remoteClosed bool

	cancelConnectTimer func() bool
	cancelRetryTimer   func() bool
	cancelGateTimer    func() bool

	// Published observable state.
	mu       sync.Mutex
	snap     Snapshot
	onChange func(Snapshot)
}

// New validates cfg, applies defaults and returns an unstarted Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("session: discovery collaborator is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("session: media factory is required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.GateTimeout == 0 {
		cfg.GateTimeout = defaultGateTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Manager{
		cfg:      cfg,
		log:      log,
		calls:    make(chan func(), 64),
		notify:   make(chan Snapshot, 1),
		done:     make(chan struct{}),
		newTimer: stdTimer,
	}, nil
}

// Start launches the owner loop. It must be called exactly once.
func (m *Manager) Start() {
	go m.run()
	go m.notifyLoop()
}

// Stop tears the session down and exits the owner loop. It blocks
// until the loop has released both sub-resources.
func (m *Manager) Stop() {
	stopped := make(chan struct{})
	m.do(func() {
		m.disarmTimers()
		m.closeMedia()
		m.closeConn()
		m.peer = nil
		m.stopOnce.Do(func() { close(m.done) })
		close(stopped)
	})
	select {
	case <-stopped:
	case <-m.done:
	}
}

func (m *Manager) run() {
	events := m.cfg.Discovery.Events()
	for {
		select {
		case fn := <-m.calls:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleDiscoveryEvent(ev)
		case <-m.done:
			return
		}
	}
}

// do posts fn to the owner loop.
func (m *Manager) do(fn func()) {
	select {
	case m.calls <- fn:
	case <-m.done:
	}
}

// guarded wraps fn so it is dropped if the attempt generation has
// moved on by the time it runs.
func (m *Manager) guarded(gen uint64, fn func()) func() {
	return func() {
		if m.gen != gen {
			return
		}
		fn()
	}
}

// schedule arms a single-fire timer whose handler runs on the owner
// loop, guarded by the given generation.
func (m *Manager) schedule(d time.Duration, gen uint64, fn func()) func() bool {
	return m.newTimer(d, func() {
		m.do(m.guarded(gen, fn))
	})
}

// --- Commands (presentation layer surface) ---

// OnChange registers a callback invoked with the latest Snapshot after
// observable changes. It runs on a dedicated notifier goroutine, so it
// may block and may issue Manager commands; snapshots published while
// the callback runs are coalesced into the most recent one.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// ClearRemoteClosed resets the remote-closed flag after the observer
// has displayed it.
func (m *Manager) ClearRemoteClosed() {
	m.do(func() {
		m.remoteClosed = false
		m.publish()
	})
}

// StartBrowsing begins peer discovery. While connecting or connected
// browsing stays suspended and resumes when the session returns to
// idle.
func (m *Manager) StartBrowsing() {
	m.do(func() {
		m.browsing = true
		if m.state == StateDisconnected {
			m.state = StateBrowsing
			if err := m.cfg.Discovery.StartBrowsing(); err != nil {
				m.log.WithError(err).Error("start browsing")
			}
			m.publish()
		}
	})
}

// StopBrowsing stops peer discovery.
func (m *Manager) StopBrowsing() {
	m.do(func() {
		m.browsing = false
		m.cfg.Discovery.StopBrowsing()
		if m.state == StateBrowsing {
			m.state = StateDisconnected
			m.publish()
		}
	})
}

// StartAdvertising makes this endpoint visible to remote browsers.
func (m *Manager) StartAdvertising() {
	m.do(func() {
		if err := m.cfg.Discovery.StartAdvertising(); err != nil {
			m.log.WithError(err).Error("start advertising")
		}
	})
}

// StopAdvertising withdraws this endpoint's advertisement.
func (m *Manager) StopAdvertising() {
	m.do(func() { m.cfg.Discovery.StopAdvertising() })
}

// Connect starts an outbound session attempt to the given peer. The
// local endpoint takes the initiator role.
func (m *Manager) Connect(peer discovery.Peer) {
	m.do(func() { m.connect(peer) })
}

// Disconnect ends the current session. A best-effort disconnect
// message is sent first; while connected, teardown is deferred until
// the presentation gate reports its closing transition complete.
func (m *Manager) Disconnect() {
	m.do(func() { m.disconnect() })
}

// CompleteTransition is the presentation gate's completion callback.
func (m *Manager) CompleteTransition() {
	m.do(func() {
		switch m.gate {
		case GateOpening:
			m.gate = GateOpen
			m.publish()
		case GateClosing:
			m.finishTeardown()
		}
	})
}

// --- Owner-loop internals ---

func (m *Manager) connect(peer discovery.Peer) {
	if m.state == StateConnecting || m.state == StateConnected {
		m.log.WithField("peer", peer.DisplayName).Warn("connect ignored: session already active")
		return
	}

	// A parked transport from an earlier responder attempt is
	// superseded by a fresh outbound attempt.
	m.disarmTimers()
	m.closeMedia()
	m.closeConn()

	m.role = RoleInitiator
	m.attempt = 0
	p := peer
	m.peer = &p
	m.lastPeer = peer
	m.setConnecting()
	m.openTransport()
}

func (m *Manager) handleDiscoveryEvent(ev discovery.Event) {
	switch ev.Kind {
	case discovery.Inbound:
		m.acceptInbound(ev)
	case discovery.PeerFound, discovery.PeerUpdated, discovery.PeerLost:
		m.publish()
	}
}

func (m *Manager) acceptInbound(ev discovery.Event) {
	if m.state == StateConnecting || m.state == StateConnected {
		// Exactly one active transport at a time.
		m.log.Warn("rejecting inbound transport: session already active")
		_ = ev.Conn.Close()
		return
	}

	m.disarmTimers()
	m.closeMedia()
	m.closeConn()

	m.role = RoleResponder
	m.attempt = 0
	p := ev.Peer
	m.peer = &p
	m.lastPeer = ev.Peer
	m.setConnecting()
	m.adopt(transport.New(ev.Conn, m.log))
}

// setConnecting enters the connecting state, suspending browsing.
func (m *Manager) setConnecting() {
	if m.browsing {
		m.cfg.Discovery.StopBrowsing()
	}
	m.state = StateConnecting
	m.publish()
}

// setIdle returns to disconnected (or browsing, when enabled).
func (m *Manager) setIdle() {
	if m.browsing {
		m.state = StateBrowsing
		if err := m.cfg.Discovery.StartBrowsing(); err != nil {
			m.log.WithError(err).Error("resume browsing")
		}
	} else {
		m.state = StateDisconnected
	}
	m.publish()
}

// openTransport dials the last-known peer and adopts the resulting
// stream. The connect timeout covers the dial and the transport's
// preparing→ready window.
func (m *Manager) openTransport() {
	gen := m.gen
	peer := m.lastPeer
	m.armConnectTimer(gen)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		nc, err := m.cfg.Discovery.Open(ctx, peer)

		m.do(func() {
			if m.gen != gen {
				if nc != nil {
					_ = nc.Close()
				}
				return
			}
			if err != nil {
				m.routeConnectionError(fmt.Errorf("open transport: %w", err))
				return
			}
			m.adopt(transport.New(nc, m.log))
		})
	}()
}

// adopt installs c as the active transport and pumps its events onto
// the owner loop. Late events from a superseded transport are dropped
// by the generation guard.
func (m *Manager) adopt(c *transport.Conn) {
	gen := m.gen
	m.conn = c
	if m.cancelConnectTimer == nil {
		m.armConnectTimer(gen)
	}

	go func() {
		for ev := range c.Events() {
			ev := ev
			m.do(m.guarded(gen, func() {
				if m.conn != c {
					return
				}
				m.handleTransportEvent(ev)
			}))
		}
	}()

	c.Start()
}

func (m *Manager) armConnectTimer(gen uint64) {
	m.cancelConnectTimer = m.schedule(m.cfg.ConnectTimeout, gen, func() {
		m.cancelConnectTimer = nil
		m.routeConnectionError(fmt.Errorf("transport not ready after %s", m.cfg.ConnectTimeout))
	})
}

func (m *Manager) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventReady:
		m.transportReady()
	case transport.EventMessage:
		m.handleMessage(ev.Msg)
	case transport.EventFailed:
		m.routeConnectionError(ev.Err)
	case transport.EventCancelled:
		m.routeConnectionError(fmt.Errorf("transport cancelled"))
	}
}

func (m *Manager) transportReady() {
	if m.cancelConnectTimer != nil {
		m.cancelConnectTimer()
		m.cancelConnectTimer = nil
	}

	m.send(protocol.Hello{DisplayName: m.cfg.DisplayName})

	if m.role == RoleInitiator {
		m.startMedia(true)
	}
	// The responder waits for the remote offer; its media session is
	// created lazily when the offer arrives.
}

// startMedia creates a fresh media session and, on the initiator
// side, kicks off offer creation.
func (m *Manager) startMedia(initiator bool) {
	gen := m.gen
	m.mediaGen++
	mediaGen := m.mediaGen

	post := func(fn func()) {
		m.do(m.guarded(gen, func() {
			if m.mediaGen != mediaGen {
				return
			}
			fn()
		}))
	}

	sess, err := m.cfg.Media.NewSession(initiator, media.Callbacks{
		OnLocalDescription: func(sdpType, sdp string) {
			post(func() { m.send(protocol.SDP{Type: sdpType, Body: sdp}) })
		},
		OnLocalCandidate: func(c protocol.Candidate) {
			post(func() { m.send(c) })
		},
		OnStateChange: func(s media.State) {
			post(func() { m.handleMediaState(s) })
		},
	})
	if err != nil {
		m.log.WithError(err).Error("create media session")
		m.routeMediaFailure()
		return
	}
	m.sess = sess

	if initiator {
		if err := sess.CreateOffer(); err != nil {
			m.log.WithError(err).Error("create offer")
			m.routeMediaFailure()
		}
	}
}

func (m *Manager) handleMessage(msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.Hello:
		m.handleHello(msg)
	case protocol.SDP:
		m.handleSDP(msg)
	case protocol.Candidate:
		m.handleCandidate(msg)
	case protocol.Disconnect:
		m.handleRemoteDisconnect()
	default:
		m.log.WithField("kind", msg.Kind()).Warn("unhandled message kind")
	}
}

// handleHello corrects the peer's display name in place.
func (m *Manager) handleHello(msg protocol.Hello) {
	if m.peer == nil {
		return
	}
	m.peer.DisplayName = msg.DisplayName
	m.lastPeer.DisplayName = msg.DisplayName
	m.publish()
}

func (m *Manager) handleSDP(msg protocol.SDP) {
	switch msg.Type {
	case protocol.SDPOffer:
		// A retry may have torn media down while keeping signaling
		// alive; a fresh remote offer revives a responder session
		// over the existing transport.
		if (m.state == StateDisconnected || m.state == StateBrowsing) && m.conn != nil {
			m.role = RoleResponder
			p := m.lastPeer
			m.peer = &p
			m.setConnecting()
		}
		if m.sess == nil {
			m.startMedia(false)
		}
		if m.sess == nil {
			return
		}
		if err := m.sess.HandleRemoteOffer(msg.Body); err != nil {
			m.log.WithError(err).Error("handle remote offer")
			m.routeMediaFailure()
		}
	case protocol.SDPAnswer, protocol.SDPPranswer:
		if m.sess == nil {
			m.log.Debug("dropping answer: no media session")
			return
		}
		if err := m.sess.HandleRemoteAnswer(msg.Body); err != nil {
			m.log.WithError(err).Error("handle remote answer")
			m.routeMediaFailure()
		}
	default:
		m.log.WithField("type", msg.Type).Debug("dropping unsupported description type")
	}
}

func (m *Manager) handleCandidate(msg protocol.Candidate) {
	if m.sess == nil {
		m.log.Debug("dropping candidate: no media session")
		return
	}
	if err := m.sess.AddRemoteCandidate(msg); err != nil {
		m.log.WithError(err).Warn("add remote candidate")
	}
}

// handleRemoteDisconnect processes a graceful close from the remote:
// retries are disarmed for good and teardown begins, gated by the
// presentation transition when a call was established.
func (m *Manager) handleRemoteDisconnect() {
	if m.cancelRetryTimer != nil {
		m.cancelRetryTimer()
		m.cancelRetryTimer = nil
	}
	m.attempt = m.cfg.MaxAttempts
	m.remoteClosed = true
	m.beginTeardown()
}

func (m *Manager) handleMediaState(s media.State) {
	switch s {
	case media.StateConnected:
		if m.state != StateConnecting {
			return
		}
		m.state = StateConnected
		m.gate = GateOpening
		m.publish()
	case media.StateDisconnected, media.StateFailed:
		if m.state == StateConnecting || m.state == StateConnected {
			m.routeMediaFailure()
		}
	}
}

// --- Failure policy ---

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// routeMediaFailure applies the reconnection policy to a failed media
// negotiation. Only an initiator retries; the transport is kept when
// it is still usable.
func (m *Manager) routeMediaFailure() {
	m.closeMedia()

	if m.state == StateConnected {
		// The established call is over regardless of which side's
		// media broke; the attempt record died on connect, so teardown
		// goes through the gate and nothing is retried.
		m.beginTeardown()
		return
	}

	if m.role == RoleResponder {
		// The remote initiator owns retries. With a live transport we
		// park and wait for its next offer; otherwise this attempt is
		// over.
		if m.conn != nil && m.conn.Ready() {
			m.peer = nil
			m.role = RoleNone
			m.setIdle()
		} else {
			m.finishTeardown()
		}
		return
	}

	if m.attempt >= m.cfg.MaxAttempts {
		m.log.WithField("attempts", m.attempt).Warn("giving up: max reconnection attempts reached")
		m.finishTeardown()
		return
	}

	m.attempt++
	delay := backoffDelay(m.attempt)
	m.log.WithFields(logrus.Fields{"attempt": m.attempt, "delay": delay}).Info("media negotiation failed, scheduling retry")

	if m.conn != nil && m.conn.Ready() {
		// Only negotiation failed; re-offer over the existing
		// transport instead of re-establishing it.
		gen := m.gen
		m.cancelRetryTimer = m.schedule(delay, gen, func() {
			m.cancelRetryTimer = nil
			m.retryMedia()
		})
		return
	}

	m.scheduleRestart(delay)
}

// retryMedia re-creates the media session over the existing transport.
// If the transport died while waiting, fall back to a full reconnect.
func (m *Manager) retryMedia() {
	if m.conn == nil || !m.conn.Ready() {
		m.closeConn()
		m.openTransport()
		return
	}
	m.startMedia(true)
}

// routeConnectionError applies the reconnection policy to a transport
// failure, cancellation, dial error or connect timeout.
func (m *Manager) routeConnectionError(err error) {
	m.log.WithError(err).Warn("connection error")

	if m.state == StateConnected {
		m.beginTeardown()
		return
	}
	if m.state != StateConnecting {
		// A parked responder transport died; nothing to retry.
		m.disarmTimers()
		m.closeMedia()
		m.closeConn()
		m.publish()
		return
	}

	if m.role != RoleInitiator || m.attempt >= m.cfg.MaxAttempts {
		m.finishTeardown()
		return
	}

	m.attempt++
	delay := backoffDelay(m.attempt)
	m.log.WithFields(logrus.Fields{"attempt": m.attempt, "delay": delay}).Info("scheduling reconnect")
	m.scheduleRestart(delay)
}

// scheduleRestart tears down both sub-resources and re-runs the full
// connect sequence against the last-known peer after the delay.
func (m *Manager) scheduleRestart(delay time.Duration) {
	m.disarmTimers()
	m.closeMedia()
	m.closeConn()

	gen := m.gen
	m.cancelRetryTimer = m.schedule(delay, gen, func() {
		m.cancelRetryTimer = nil
		m.openTransport()
	})
}

// --- Teardown ---

func (m *Manager) disconnect() {
	if m.conn != nil && m.conn.Ready() {
		// Best-effort: failure to send must not block teardown.
		if err := m.conn.Send(protocol.Disconnect{}); err != nil {
			m.log.WithError(err).Debug("send disconnect")
		}
	}
	if m.cancelRetryTimer != nil {
		m.cancelRetryTimer()
		m.cancelRetryTimer = nil
	}
	m.attempt = m.cfg.MaxAttempts
	m.beginTeardown()
}

// beginTeardown starts teardown. While connected the presentation
// gate runs its closing transition first; terminal cleanup waits for
// CompleteTransition (or the gate safety timer).
func (m *Manager) beginTeardown() {
	if m.state == StateConnected {
		m.gate = GateClosing
		m.publish()

		gen := m.gen
		m.cancelGateTimer = m.schedule(m.cfg.GateTimeout, gen, func() {
			m.cancelGateTimer = nil
			m.log.Warn("presentation transition never completed, forcing teardown")
			m.finishTeardown()
		})
		return
	}
	m.finishTeardown()
}

// finishTeardown clears the attempt and both sub-resources and
// returns to idle.
func (m *Manager) finishTeardown() {
	m.disarmTimers()
	m.closeMedia()
	m.closeConn()
	m.peer = nil
	m.role = RoleNone
	m.gate = GateClosed
	m.setIdle()
}

func (m *Manager) disarmTimers() {
	if m.cancelConnectTimer != nil {
		m.cancelConnectTimer()
		m.cancelConnectTimer = nil
	}
	if m.cancelRetryTimer != nil {
		m.cancelRetryTimer()
		m.cancelRetryTimer = nil
	}
	if m.cancelGateTimer != nil {
		m.cancelGateTimer()
		m.cancelGateTimer = nil
	}
}

// closeMedia closes the media session, if any. Late callbacks from it
// are discarded by the media generation bump.
func (m *Manager) closeMedia() {
	if m.sess == nil {
		return
	}
	_ = m.sess.Close()
	m.sess = nil
	m.mediaGen++
}

// closeConn retires the active transport. Bumping the attempt
// generation silences its pump and any timers tied to it.
func (m *Manager) closeConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.gen++
}

func (m *Manager) send(msg protocol.Message) {
	if m.conn == nil || !m.conn.Ready() {
		m.log.WithField("kind", msg.Kind()).Debug("dropping outbound message: transport not ready")
		return
	}
	if err := m.conn.Send(msg); err != nil {
		m.log.WithError(err).WithField("kind", msg.Kind()).Warn("send failed")
	}
}

// publish copies the observable state and notifies the observer.
func (m *Manager) publish() {
	var peer *discovery.Peer
	if m.peer != nil {
		p := *m.peer
		peer = &p
	}

	snap := Snapshot{
		State:        m.state,
		Gate:         m.gate,
		Peer:         peer,
		Peers:        m.cfg.Discovery.Peers(),
		RemoteClosed: m.remoteClosed,
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	// Latest-wins handoff to the notifier. The owner loop is the only
	// sender, so after draining a stale snapshot the send succeeds.
	for {
		select {
		case m.notify <- snap:
			return
		default:
			select {
			case <-m.notify:
			default:
			}
		}
	}
}

// notifyLoop delivers snapshots to the observer callback off the owner
// loop, so the callback can block or post commands without wedging it.
func (m *Manager) notifyLoop() {
	for {
		select {
		case snap := <-m.notify:
			m.mu.Lock()
			fn := m.onChange
			m.mu.Unlock()
			if fn != nil {
				fn(snap)
			}
		case <-m.done:
			return
		}
	}
}

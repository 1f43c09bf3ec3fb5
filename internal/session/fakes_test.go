package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lancall/lancall/internal/discovery"
	"github.com/lancall/lancall/internal/media"
	"github.com/lancall/lancall/internal/protocol"
	"github.com/lancall/lancall/internal/transport"
)

const waitBudget = 5 * time.Second

// fakeScheduler replaces the manager's timer source so tests can
// inspect armed delays and fire them without sleeping.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (s *fakeScheduler) newTimer(d time.Duration, fn func()) func() bool {
	ft := &fakeTimer{delay: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, ft)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ft.fired || ft.cancelled {
			return false
		}
		ft.cancelled = true
		return true
	}
}

func (s *fakeScheduler) fire(ft *fakeTimer) {
	s.mu.Lock()
	if ft.fired || ft.cancelled {
		s.mu.Unlock()
		return
	}
	ft.fired = true
	fn := ft.fn
	s.mu.Unlock()
	fn()
}

// snapshot returns value copies so assertions never race with the
// owner loop cancelling timers.
func (s *fakeScheduler) snapshot() []fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fakeTimer, len(s.timers))
	for i, ft := range s.timers {
		out[i] = *ft
	}
	return out
}

func (s *fakeScheduler) waitTimer(t *testing.T, pred func(*fakeTimer) bool) *fakeTimer {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ft := range s.timers {
			if pred(ft) {
				s.mu.Unlock()
				return ft
			}
		}
		s.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a matching timer, have %+v", s.snapshot())
	return nil
}

// fakeDiscovery is a scriptable discovery collaborator. Dials pop
// pre-queued conns unless an Open override is installed.
type fakeDiscovery struct {
	events chan discovery.Event
	dials  chan net.Conn

	mu          sync.Mutex
	openFn      func(context.Context, discovery.Peer) (net.Conn, error)
	openCount   int
	browsing    bool
	advertising bool
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{
		events: make(chan discovery.Event, 16),
		dials:  make(chan net.Conn, 16),
	}
}

func (d *fakeDiscovery) Events() <-chan discovery.Event { return d.events }

func (d *fakeDiscovery) Peers() []discovery.Peer { return nil }

func (d *fakeDiscovery) Open(ctx context.Context, p discovery.Peer) (net.Conn, error) {
	d.mu.Lock()
	d.openCount++
	fn := d.openFn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	select {
	case nc := <-d.dials:
		return nc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDiscovery) StartBrowsing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.browsing = true
	return nil
}

func (d *fakeDiscovery) StopBrowsing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.browsing = false
}

func (d *fakeDiscovery) StartAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = true
	return nil
}

func (d *fakeDiscovery) StopAdvertising() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = false
}

func (d *fakeDiscovery) Close() error { return nil }

func (d *fakeDiscovery) setOpen(fn func(context.Context, discovery.Peer) (net.Conn, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openFn = fn
}

func (d *fakeDiscovery) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}

func (d *fakeDiscovery) isBrowsing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browsing
}

func (d *fakeDiscovery) inject(ev discovery.Event) { d.events <- ev }

// fakeMediaFactory hands out recording sessions. With auto set, each
// session completes a loopback negotiation: offers and answers are
// surfaced as local descriptions and connectivity follows.
type fakeMediaFactory struct {
	auto bool

	mu       sync.Mutex
	sessions []*fakeMediaSession
	failNext bool
}

func (f *fakeMediaFactory) NewSession(initiator bool, cb media.Callbacks) (media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("fake media: refused")
	}
	s := &fakeMediaSession{initiator: initiator, cb: cb, auto: f.auto}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeMediaFactory) all() []*fakeMediaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeMediaSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

func (f *fakeMediaFactory) last() *fakeMediaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeMediaFactory) waitSession(t *testing.T, n int) *fakeMediaSession {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sessions) >= n {
			s := f.sessions[n-1]
			f.mu.Unlock()
			return s
		}
		f.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for media session %d", n)
	return nil
}

type fakeMediaSession struct {
	initiator bool
	cb        media.Callbacks
	auto      bool

	mu           sync.Mutex
	closed       bool
	offers       int
	remoteOffers []string
	offerErr     error
}

func (s *fakeMediaSession) failRemoteOffers(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerErr = err
}

func (s *fakeMediaSession) CreateOffer() error {
	s.mu.Lock()
	s.offers++
	auto := s.auto && !s.closed
	s.mu.Unlock()
	if auto {
		s.cb.OnLocalDescription("offer", "sdp-offer")
	}
	return nil
}

func (s *fakeMediaSession) HandleRemoteOffer(sdp string) error {
	s.mu.Lock()
	s.remoteOffers = append(s.remoteOffers, sdp)
	auto := s.auto && !s.closed
	err := s.offerErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		s.cb.OnLocalDescription("answer", "sdp-answer")
		s.cb.OnStateChange(media.StateConnected)
	}
	return nil
}

func (s *fakeMediaSession) HandleRemoteAnswer(sdp string) error {
	s.mu.Lock()
	auto := s.auto && !s.closed
	s.mu.Unlock()
	if auto {
		s.cb.OnStateChange(media.StateConnected)
	}
	return nil
}

func (s *fakeMediaSession) AddRemoteCandidate(c protocol.Candidate) error { return nil }

func (s *fakeMediaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// connectivity reports a state change the way the real engine would,
// from outside the owner loop.
func (s *fakeMediaSession) connectivity(st media.State) {
	s.cb.OnStateChange(st)
}

func (s *fakeMediaSession) waitOffers(t *testing.T, n int) int {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := s.offers
		s.mu.Unlock()
		if got >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers
}

func (s *fakeMediaSession) requireClosed(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected media session to be closed")
}

type harness struct {
	m     *Manager
	disc  *fakeDiscovery
	media *fakeMediaFactory
	sched *fakeScheduler
	peer  discovery.Peer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		disc:  newFakeDiscovery(),
		media: &fakeMediaFactory{},
		sched: &fakeScheduler{},
		peer:  discovery.Peer{ID: "peer-1", DisplayName: "remote", Addr: "fake"},
	}
	m, err := New(Config{
		DisplayName: "local",
		Discovery:   h.disc,
		Media:       h.media,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.newTimer = h.sched.newTimer
	m.Start()
	t.Cleanup(m.Stop)
	h.m = m
	return h
}

// expectDial queues the local side of a fresh pipe for the next Open
// and returns the remote side wrapped in a started transport.
func (h *harness) expectDial(t *testing.T) *transport.Conn {
	t.Helper()
	local, remoteNC := net.Pipe()
	t.Cleanup(func() { local.Close(); remoteNC.Close() })
	h.disc.dials <- local
	remote := transport.New(remoteNC, quietLogger())
	remote.Start()
	drainReady(t, remote)
	return remote
}

// connectToConnected drives the manager through a full initiator
// handshake and returns the remote transport end.
func (h *harness) connectToConnected(t *testing.T) *transport.Conn {
	t.Helper()
	remote := h.expectDial(t)
	h.m.Connect(h.peer)
	nextEvent(t, remote, transport.EventMessage) // hello
	sess := h.media.waitSession(t, 1)
	sess.connectivity(media.StateConnected)
	h.waitFor(t, func(s Snapshot) bool { return s.State == StateConnected })
	return remote
}

func (h *harness) waitFor(t *testing.T, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	return waitForSnapshot(t, h.m, pred)
}

// settle gives in-flight cross-goroutine events time to land, then
// flushes the command queue.
func (h *harness) settle() {
	time.Sleep(50 * time.Millisecond)
	ch := make(chan struct{})
	h.m.do(func() { close(ch) })
	<-ch
}

func waitForSnapshot(t *testing.T, m *Manager, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = m.Snapshot()
		if pred(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for snapshot, last %+v", snap)
	return snap
}

func newManager(t *testing.T, name string, disc discovery.Discovery, mf media.Factory) *Manager {
	t.Helper()
	m, err := New(Config{
		DisplayName: name,
		Discovery:   disc,
		Media:       mf,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

// pairedDiscovery wires two fake discoveries so that a dial on one
// surfaces as an inbound stream on the other.
func pairedDiscovery() (*fakeDiscovery, *fakeDiscovery) {
	a := newFakeDiscovery()
	b := newFakeDiscovery()
	cross := func(peerTo *fakeDiscovery) func(context.Context, discovery.Peer) (net.Conn, error) {
		return func(ctx context.Context, p discovery.Peer) (net.Conn, error) {
			c1, c2 := net.Pipe()
			peerTo.inject(discovery.Event{Kind: discovery.Inbound, Peer: discovery.Peer{Addr: p.Addr}, Conn: c2})
			return c1, nil
		}
	}
	a.setOpen(cross(b))
	b.setOpen(cross(a))
	return a, b
}

func drainReady(t *testing.T, c *transport.Conn) {
	t.Helper()
	nextEvent(t, c, transport.EventReady)
}

func nextEvent(t *testing.T, c *transport.Conn, want transport.EventKind) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("event channel closed while waiting for %v", want)
		}
		if ev.Kind != want {
			t.Fatalf("expected event %v, got %v", want, ev.Kind)
		}
		return ev
	case <-time.After(waitBudget):
		t.Fatalf("timed out waiting for event %v", want)
	}
	return transport.Event{}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

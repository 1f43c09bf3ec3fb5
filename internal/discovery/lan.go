package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/libp2p/zeroconf/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultService = "_lancall._tcp"
	defaultDomain  = "local."

	dialTimeout   = 5 * time.Second
	pruneInterval = 10 * time.Second
	staleAfter    = 60 * time.Second
)

// Config configures a LAN discovery instance.
type Config struct {
	InstanceID  string // required, stable unique id for this endpoint
	DisplayName string // required, advertised human-readable name
	Port        int    // signaling listen port, 0 for ephemeral
	Service     string // DNS-SD service type, defaulted when empty
	Domain      string // DNS-SD domain, defaulted when empty
	Logger      *logrus.Logger
}

// LAN discovers peers on the local network over DNS-SD and accepts
// inbound signaling streams on a TCP listener. It implements Discovery.
type LAN struct {
	cfg    Config
	log    *logrus.Logger
	ln     net.Listener
	events chan Event
	tasks  *taskgroup.Group
	done   chan struct{}

	mu           sync.Mutex
	peers        map[string]*peerEntry
	server       *zeroconf.Server
	browseCancel context.CancelFunc
	closed       bool
}

type peerEntry struct {
	peer     Peer
	lastSeen time.Time
}

// NewLAN opens the signaling listener and starts accepting inbound
// streams. Advertising and browsing stay off until requested.
func NewLAN(cfg Config) (*LAN, error) {
	if cfg.InstanceID == "" {
		return nil, errors.New("discovery: instance id is required")
	}
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}

	d := &LAN{
		cfg:    cfg,
		log:    log,
		ln:     ln,
		events: make(chan Event, 32),
		tasks:  taskgroup.New(nil),
		done:   make(chan struct{}),
		peers:  make(map[string]*peerEntry),
	}

	d.tasks.Go(d.acceptLoop)
	d.tasks.Go(d.pruneLoop)
	return d, nil
}

func (d *LAN) Events() <-chan Event { return d.events }

// Addr returns the listener address inbound streams arrive on.
func (d *LAN) Addr() net.Addr { return d.ln.Addr() }

func (d *LAN) Peers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	peers := make([]Peer, 0, len(d.peers))
	for _, e := range d.peers {
		peers = append(peers, e.peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DisplayName < peers[j].DisplayName })
	return peers
}

func (d *LAN) Open(ctx context.Context, p Peer) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: dial %s: %w", p.Addr, err)
	}
	return conn, nil
}

// StartAdvertising registers this endpoint's DNS-SD service record.
func (d *LAN) StartAdvertising() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil || d.closed {
		return nil
	}

	port := d.ln.Addr().(*net.TCPAddr).Port
	txt := []string{"id=" + d.cfg.InstanceID, "name=" + d.cfg.DisplayName}
	server, err := zeroconf.Register(d.cfg.InstanceID, d.cfg.Service, d.cfg.Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: advertise: %w", err)
	}
	d.server = server
	d.log.WithField("port", port).Debug("advertising on the local network")
	return nil
}

func (d *LAN) StopAdvertising() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}

// StartBrowsing begins resolving peer service records. Known peers are
// kept across a stop/start cycle; staleness pruning removes the dead.
func (d *LAN) StartBrowsing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browseCancel != nil || d.closed {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.browseCancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 16)
	d.tasks.Go(func() error {
		for entry := range entries {
			d.handleEntry(entry)
		}
		return nil
	})
	d.tasks.Go(func() error {
		if err := zeroconf.Browse(ctx, d.cfg.Service, d.cfg.Domain, entries); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Warn("browse stopped")
		}
		return nil
	})
	return nil
}

func (d *LAN) StopBrowsing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browseCancel != nil {
		d.browseCancel()
		d.browseCancel = nil
	}
}

func (d *LAN) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.browseCancel != nil {
		d.browseCancel()
		d.browseCancel = nil
	}
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
	d.mu.Unlock()

	close(d.done)
	err := d.ln.Close()
	_ = d.tasks.Wait()
	close(d.events)
	return err
}

func (d *LAN) acceptLoop() error {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return nil
		}
		peer := Peer{Addr: conn.RemoteAddr().String()}
		if !d.emit(Event{Kind: Inbound, Peer: peer, Conn: conn}) {
			_ = conn.Close()
			return nil
		}
	}
}

func (d *LAN) pruneLoop() error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return nil
		case <-ticker.C:
			for _, p := range d.prune() {
				if !d.emit(Event{Kind: PeerLost, Peer: p}) {
					return nil
				}
			}
		}
	}
}

func (d *LAN) prune() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lost []Peer
	cutoff := time.Now().Add(-staleAfter)
	for id, e := range d.peers {
		if e.lastSeen.Before(cutoff) {
			lost = append(lost, e.peer)
			delete(d.peers, id)
		}
	}
	return lost
}

func (d *LAN) handleEntry(entry *zeroconf.ServiceEntry) {
	id, name := parseTXT(entry.Text)
	if id == "" || id == d.cfg.InstanceID {
		return
	}

	addr := entryAddr(entry)
	if addr == "" {
		return
	}

	peer := Peer{ID: id, DisplayName: name, Addr: addr}

	d.mu.Lock()
	prev, known := d.peers[id]
	d.peers[id] = &peerEntry{peer: peer, lastSeen: time.Now()}
	d.mu.Unlock()

	switch {
	case !known:
		d.emit(Event{Kind: PeerFound, Peer: peer})
	case prev.peer != peer:
		d.emit(Event{Kind: PeerUpdated, Peer: peer})
	}
}

func (d *LAN) emit(ev Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.done:
		return false
	}
}

func parseTXT(txt []string) (id, name string) {
	for _, kv := range txt {
		switch {
		case strings.HasPrefix(kv, "id="):
			id = strings.TrimPrefix(kv, "id=")
		case strings.HasPrefix(kv, "name="):
			name = strings.TrimPrefix(kv, "name=")
		}
	}
	return id, name
}

func entryAddr(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprintf("%d", entry.Port))
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), fmt.Sprintf("%d", entry.Port))
	}
	return ""
}

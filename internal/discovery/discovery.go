// Package discovery supplies the session layer with a live set of
// reachable peers, a way to open a signaling stream to one of them,
// and inbound streams opened by remote peers.
package discovery

import (
	"context"
	"net"
)

// Peer is one reachable endpoint on the network.
type Peer struct {
	ID          string // stable unique instance id
	DisplayName string // human-readable, may be corrected post-connect
	Addr        string // host:port of the peer's signaling listener
}

// EventKind discriminates discovery events.
type EventKind int

const (
	// PeerFound announces a newly reachable peer.
	PeerFound EventKind = iota
	// PeerUpdated announces a change to a known peer's name or address.
	PeerUpdated
	// PeerLost announces that a peer is no longer reachable.
	PeerLost
	// Inbound carries a stream connection opened by a remote peer.
	Inbound
)

// Event is delivered on the discovery event channel. Conn is set only
// for Inbound events.
type Event struct {
	Kind EventKind
	Peer Peer
	Conn net.Conn
}

// Discovery is the collaborator contract consumed by the session
// layer. Advertise/browse lifecycles are started and stopped around
// the session's own state transitions.
type Discovery interface {
	// Events returns the channel discovery events are delivered on.
	// It is closed by Close.
	Events() <-chan Event

	// Peers returns a snapshot of the currently known peers.
	Peers() []Peer

	// Open dials a signaling stream to the given peer.
	Open(ctx context.Context, p Peer) (net.Conn, error)

	StartBrowsing() error
	StopBrowsing()
	StartAdvertising() error
	StopAdvertising()

	Close() error
}

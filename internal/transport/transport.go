// Package transport provides reliable, ordered, length-prefixed
// delivery of signaling messages over a single stream connection.
//
// A Conn owns no protocol semantics: it frames outgoing messages,
// runs the receive loop for incoming ones, and reports its own
// lifecycle upward through an event channel. Timeout supervision of a
// stuck connection attempt belongs to the owner, not here.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lancall/lancall/internal/protocol"
)

const (
	// maxFrameSize bounds a single message payload. Signaling messages
	// are small control frames; anything larger is a corrupt stream.
	maxFrameSize = 1 << 20

	// maxConsecutiveDecodeFailures bounds how many undecodable frames
	// in a row are tolerated before the stream is declared corrupt.
	maxConsecutiveDecodeFailures = 8
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StatePreparing State = iota
	StateReady
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// EventKind discriminates transport events.
type EventKind int

const (
	// EventReady fires once when framing may begin.
	EventReady EventKind = iota
	// EventMessage carries one decoded signaling message.
	EventMessage
	// EventFailed fires once when the stream breaks. Terminal.
	EventFailed
	// EventCancelled fires once after a local Close. Terminal.
	EventCancelled
)

// Event is delivered on the Conn's event channel. After a terminal
// event the channel is closed.
type Event struct {
	Kind EventKind
	Msg  protocol.Message
	Err  error
}

// Conn frames signaling messages over one net.Conn.
type Conn struct {
	nc     net.Conn
	log    *logrus.Logger
	state  atomic.Int32
	events chan Event

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// New wraps nc in a Conn in the preparing state. Call Start to begin
// the receive loop.
func New(nc net.Conn, log *logrus.Logger) *Conn {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Conn{
		nc:     nc,
		log:    log,
		events: make(chan Event, 16),
	}
}

// Events returns the channel transport events are delivered on. The
// channel is closed after a terminal event.
func (c *Conn) Events() <-chan Event { return c.events }

// State reports the current transport state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Ready reports whether framing is active.
func (c *Conn) Ready() bool { return c.State() == StateReady }

// RemoteAddr returns the remote endpoint of the underlying stream.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Start transitions the transport to ready and begins the receive
// loop. It must be called exactly once.
func (c *Conn) Start() {
	if !c.state.CompareAndSwap(int32(StatePreparing), int32(StateReady)) {
		return
	}
	c.events <- Event{Kind: EventReady}
	go c.readLoop()
}

// Send frames and writes one message. The prefix and payload are
// submitted as a single write. Send is safe for concurrent use; the
// caller treats failures as advisory and handles stream death through
// the event channel instead.
func (c *Conn) Send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("send %s: frame too large (%d bytes)", msg.Kind(), len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}

// Close cancels the transport. The receive loop observes the closed
// stream and emits EventCancelled. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		// Started conns report cancellation through the read loop.
		// A conn closed before Start emits it directly, since no loop
		// is running to do so.
		wasPreparing := c.state.CompareAndSwap(int32(StatePreparing), int32(StateCancelled))
		c.state.CompareAndSwap(int32(StateReady), int32(StateCancelled))
		_ = c.nc.Close()
		if wasPreparing {
			c.events <- Event{Kind: EventCancelled}
			close(c.events)
		}
	})
}

func (c *Conn) readLoop() {
	defer close(c.events)

	var decodeFailures int
	for {
		// Do not re-arm on a transport that is no longer ready: a
		// reconnect may have superseded this stream already.
		if c.State() != StateReady {
			c.events <- Event{Kind: EventCancelled}
			return
		}

		payload, err := c.readFrame()
		if err != nil {
			if c.State() == StateCancelled || errors.Is(err, net.ErrClosed) {
				c.events <- Event{Kind: EventCancelled}
			} else {
				c.state.Store(int32(StateFailed))
				c.events <- Event{Kind: EventFailed, Err: err}
			}
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			// A single bad frame is dropped and the loop continues. An
			// unbroken run of them means the stream itself is corrupt.
			decodeFailures++
			c.log.WithError(err).Warn("dropping undecodable frame")
			if decodeFailures >= maxConsecutiveDecodeFailures {
				c.state.Store(int32(StateFailed))
				c.events <- Event{Kind: EventFailed, Err: fmt.Errorf("%d consecutive decode failures: %w", decodeFailures, err)}
				return
			}
			continue
		}
		decodeFailures = 0

		c.events <- Event{Kind: EventMessage, Msg: msg}
	}
}

func (c *Conn) readFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.nc, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

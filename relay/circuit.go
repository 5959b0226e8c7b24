package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/limits"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
)

// Circuit is a virtual connection to a remote node tunneled through a relay
// session. It implements transport.Conn so a regular Session runs on top of it.
//
// Inbound DATA payloads are queued per circuit and consumed by exactly one
// reader, the wrapping session's receiver, which keeps them in order.
type Circuit struct {
	id     uint64
	local  peer.ID
	remote peer.Info
	relay  *session.Session
	mux    *Multiplexer

	ack      chan struct{}
	ackOnce  sync.Once
	nack     chan struct{}
	nackOnce sync.Once

	inMu     sync.Mutex
	inbound  [][]byte
	inSignal chan struct{}

	closed       chan struct{}
	closeOnce    sync.Once
	remoteClosed atomic.Bool

	session *session.Session
}

func newCircuit(id uint64, local peer.ID, remote peer.Info, relay *session.Session, mux *Multiplexer) *Circuit {
	return &Circuit{
		id:       id,
		local:    local,
		remote:   remote,
		relay:    relay,
		mux:      mux,
		ack:      make(chan struct{}),
		nack:     make(chan struct{}),
		inSignal: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// ID returns the circuit's connection id.
func (c *Circuit) ID() uint64 {
	return c.id
}

// Remote returns the node at the other end of the circuit.
func (c *Circuit) Remote() peer.Info {
	return c.remote
}

// Relay returns the session the circuit travels through.
func (c *Circuit) Relay() *session.Session {
	return c.relay
}

// Session returns the session running on top of the circuit.
func (c *Circuit) Session() *session.Session {
	return c.session
}

// ReadMessage returns the next inbound payload, or io.EOF once the circuit closed.
func (c *Circuit) ReadMessage() ([]byte, error) {
	for {
		c.inMu.Lock()
		if len(c.inbound) > 0 {
			frame := c.inbound[0]
			c.inbound[0] = nil
			c.inbound = c.inbound[1:]
			c.inMu.Unlock()
			return frame, nil
		}
		c.inMu.Unlock()

		select {
		case <-c.inSignal:
		case <-c.closed:
			return nil, io.EOF
		case <-c.relay.Done():
			return nil, fmt.Errorf("relay %s closed: %w", c.relay.PeerID().Short(), io.EOF)
		}
	}
}

// deliver appends an inbound DATA payload.
func (c *Circuit) deliver(payload []byte) {
	c.inMu.Lock()
	c.inbound = append(c.inbound, payload)
	c.inMu.Unlock()

	select {
	case c.inSignal <- struct{}{}:
	default:
	}
}

// WriteMessage sends frame as a DATA message through the relay.
func (c *Circuit) WriteMessage(frame []byte) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	if err := limits.ValidateRelayPayload(frame); err != nil {
		return err
	}
	return c.relay.Send(&message.Relayed{
		Kind:         message.RelayDATA,
		Source:       c.local,
		Destination:  c.remote.ID,
		ConnectionID: c.id,
		Payload:      frame,
	})
}

// Close ends the circuit. The remote end is told with an EOF unless it
// closed first.
func (c *Circuit) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if !c.remoteClosed.Load() {
			c.sendControl(message.RelayEOF)
		}
		c.mux.remove(c)
	})
	return nil
}

// RemoteAddr returns the relayed address of the remote node.
func (c *Circuit) RemoteAddr() net.Addr {
	return &Address{Relay: c.relay.PeerID(), Peer: c.remote.ID, ConnectionID: c.id}
}

// Tunneled is always true.
func (c *Circuit) Tunneled() bool {
	return true
}

func (c *Circuit) sendControl(kind message.RelayKind) {
	_ = c.relay.Send(&message.Relayed{
		Kind:         kind,
		Source:       c.local,
		Destination:  c.remote.ID,
		ConnectionID: c.id,
	})
}

func (c *Circuit) signalAck() {
	c.ackOnce.Do(func() { close(c.ack) })
}

func (c *Circuit) signalNack() {
	c.nackOnce.Do(func() { close(c.nack) })
}

// waitForAck blocks until the remote end answered the SYN.
func (c *Circuit) waitForAck(ctx context.Context, clk clock.Clock, timeout time.Duration) error {
	timer := clk.Timer(timeout)
	defer timer.Stop()

	fail := func(err error) error {
		return peer.NewError(peer.KindRelayHandshakeFailed, c.remote.ID, "relay connect", err)
	}

	select {
	case <-c.ack:
		return nil
	case <-c.nack:
		return fail(errors.New("circuit refused (NACK)"))
	case <-c.relay.Done():
		return fail(fmt.Errorf("relay %s disconnected", c.relay.PeerID().Short()))
	case <-c.closed:
		return fail(errors.New("circuit closed"))
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timer.C:
		return fail(fmt.Errorf("no ACK within %s", timeout))
	}
}

package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/sirupsen/logrus"
)

const (
	// pendingWarnThreshold logs a warning when more circuits are pending.
	pendingWarnThreshold = 100
	// pendingSevereThreshold logs an error when more circuits are pending.
	pendingSevereThreshold = 500
)

// ErrDisabled is returned by Dial when relayed connections are switched off.
var ErrDisabled = errors.New("relayed connections are disabled")

// SessionLookup finds live, accepted sessions by node id.
type SessionLookup interface {
	Session(id peer.ID) *session.Session
}

// Acceptor hands an initialized inbound circuit session to the registry.
type Acceptor interface {
	Accept(ctx context.Context, s *session.Session) error
}

// Finder selects the relay session outbound circuits travel through.
type Finder interface {
	FindRelay() *session.Session
}

// Config holds the relay protocol settings.
type Config struct {
	// Enabled allows outbound circuits and accepting inbound SYNs.
	Enabled bool
	// AckTimeout bounds the wait for the answer to a SYN.
	AckTimeout time.Duration
	// Session configures sessions running on circuits.
	Session session.Config
}

type circuitKey struct {
	remote peer.ID
	id     uint64
}

// Multiplexer implements the virtual circuit protocol. It opens circuits
// through a relay, accepts circuits addressed to this node and, when this
// node is the relay, forwards messages between connected nodes.
type Multiplexer struct {
	self     session.IdentityFunc
	codec    message.Codec
	sessions SessionLookup
	acceptor Acceptor
	finder   Finder
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics
	sessOpts []session.Option

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[circuitKey]*Circuit

	forwarded      atomic.Uint64
	forwardedBytes atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Multiplexer.
type Option func(*Multiplexer)

// WithClock sets the clock for ACK timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Multiplexer) {
		m.clock = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Multiplexer) {
		m.metrics = mt
	}
}

// WithSessionOptions sets options applied to every circuit session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(m *Multiplexer) {
		m.sessOpts = append(m.sessOpts, opts...)
	}
}

// NewMultiplexer creates a multiplexer. Connection ids start at a random
// offset so ids of different nodes rarely meet on the same relay.
func NewMultiplexer(self session.IdentityFunc, codec message.Codec, sessions SessionLookup, acceptor Acceptor, finder Finder, cfg Config, opts ...Option) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		self:     self,
		codec:    codec,
		sessions: sessions,
		acceptor: acceptor,
		finder:   finder,
		cfg:      cfg,
		clock:    clock.New(),
		pending:  make(map[circuitKey]*Circuit),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		m.nextID.Store(binary.BigEndian.Uint64(seed[:]) >> 16)
	}
	return m
}

// Dial opens a circuit to dest through the current relay and runs the
// session handshake over it. The returned session waits in the pending set
// until Release is called after it was accepted.
func (m *Multiplexer) Dial(ctx context.Context, dest peer.Info) (*session.Session, error) {
	if !m.cfg.Enabled {
		return nil, peer.NewError(peer.KindRelayUnavailable, dest.ID, "relay connect", ErrDisabled)
	}
	self := m.self()
	if dest.ID == self.ID {
		return nil, peer.NewError(peer.KindLoopback, dest.ID, "relay connect", nil)
	}

	relay := m.finder.FindRelay()
	if relay == nil {
		return nil, peer.NewError(peer.KindRelayUnavailable, dest.ID, "relay connect", errors.New("no relay connected"))
	}
	if relay.PeerID() == dest.ID {
		return nil, peer.NewError(peer.KindRelayUnavailable, dest.ID, "relay connect", errors.New("destination is the relay"))
	}

	c := m.newCircuitSession(m.nextID.Add(1), self.ID, dest, relay)
	m.addPending(c)

	logrus.WithFields(logrus.Fields{
		"function":      "Multiplexer.Dial",
		"peer":          dest.ID.Short(),
		"relay":         relay.PeerID().Short(),
		"connection_id": c.id,
	}).Debug("Opening relayed connection")

	c.sendControl(message.RelaySYN)

	if err := c.waitForAck(ctx, m.clock, m.cfg.AckTimeout); err != nil {
		c.session.Shutdown()
		m.remove(c)
		return nil, err
	}
	if err := c.session.Init(ctx); err != nil {
		c.session.Shutdown()
		m.remove(c)
		return nil, err
	}
	return c.session, nil
}

func (m *Multiplexer) newCircuitSession(id uint64, local peer.ID, remote peer.Info, relay *session.Session) *Circuit {
	c := newCircuit(id, local, remote, relay, m)
	opts := append([]session.Option{}, m.sessOpts...)
	opts = append(opts, session.WithCloseHook(func(*session.Session) { m.remove(c) }))
	c.session = session.New(c, m.codec, m.self, m.cfg.Session, opts...)
	return c
}

// Release drops an accepted circuit session from the pending set. Sessions
// on other transports are ignored.
func (m *Multiplexer) Release(s *session.Session) {
	if c, ok := s.Conn().(*Circuit); ok {
		m.remove(c)
	}
}

// HandleRelayedMessage processes a relayed message that arrived on from.
// Messages addressed to this node drive local circuits; all others are
// forwarded.
func (m *Multiplexer) HandleRelayedMessage(from *session.Session, msg *message.Relayed) {
	if msg.Destination == m.self().ID {
		m.processForSelf(from, msg)
		return
	}
	m.route(from, msg)
}

// route forwards msg to its destination verbatim. Unreachable destinations
// are answered with NACK for a SYN and EOF otherwise.
func (m *Multiplexer) route(from *session.Session, msg *message.Relayed) {
	if msg.Source != from.PeerID() {
		logrus.WithFields(logrus.Fields{
			"function": "Multiplexer.route",
			"from":     from.PeerID().Short(),
			"source":   msg.Source.Short(),
		}).Warn("Dropping relayed message with forged source")
		return
	}

	dest := m.sessions.Session(msg.Destination)
	if dest == nil || !dest.IsConnected() {
		switch msg.Kind {
		case message.RelaySYN:
			_ = from.Send(msg.Reply(message.RelayNACK))
		case message.RelayEOF, message.RelayNACK:
		default:
			_ = from.Send(msg.Reply(message.RelayEOF))
		}
		logrus.WithFields(logrus.Fields{
			"function":      "Multiplexer.route",
			"source":        msg.Source.Short(),
			"destination":   msg.Destination.Short(),
			"kind":          msg.Kind.String(),
			"connection_id": msg.ConnectionID,
		}).Debug("Relay destination not connected")
		return
	}

	if err := dest.Send(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Multiplexer.route",
			"destination": msg.Destination.Short(),
			"error":       err.Error(),
		}).Debug("Failed to forward relayed message")
		return
	}
	m.forwarded.Add(1)
	m.forwardedBytes.Add(uint64(len(msg.Payload)))
	m.metrics.Relayed(len(msg.Payload))
}

func (m *Multiplexer) processForSelf(from *session.Session, msg *message.Relayed) {
	if msg.Kind == message.RelaySYN {
		m.acceptCircuit(from, msg)
		return
	}

	c := m.resolve(msg.Source, msg.ConnectionID)
	if c == nil {
		if msg.Kind == message.RelayDATA {
			_ = from.Send(msg.Reply(message.RelayEOF))
		}
		logrus.WithFields(logrus.Fields{
			"function":      "Multiplexer.processForSelf",
			"source":        msg.Source.Short(),
			"kind":          msg.Kind.String(),
			"connection_id": msg.ConnectionID,
		}).Debug("Relayed message for unknown circuit")
		return
	}
	if c.relay != from {
		logrus.WithFields(logrus.Fields{
			"function":      "Multiplexer.processForSelf",
			"from":          from.PeerID().Short(),
			"source":        msg.Source.Short(),
			"kind":          msg.Kind.String(),
			"connection_id": msg.ConnectionID,
		}).Warn("Dropping relayed message received outside its circuit's relay")
		return
	}

	switch msg.Kind {
	case message.RelayACK:
		c.signalAck()
	case message.RelayNACK:
		c.remoteClosed.Store(true)
		c.signalNack()
		c.session.Shutdown()
		m.remove(c)
	case message.RelayEOF:
		c.remoteClosed.Store(true)
		c.session.Shutdown()
		m.remove(c)
	case message.RelayDATA:
		c.deliver(msg.Payload)
	}
}

// resolve finds a circuit by remote node and connection id: first the live
// session of the source node, then the pending set.
func (m *Multiplexer) resolve(source peer.ID, id uint64) *Circuit {
	if s := m.sessions.Session(source); s != nil {
		if c, ok := s.Conn().(*Circuit); ok && c.id == id {
			return c
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[circuitKey{remote: source, id: id}]
}

func (m *Multiplexer) acceptCircuit(from *session.Session, syn *message.Relayed) {
	if !m.cfg.Enabled {
		_ = from.Send(syn.Reply(message.RelayNACK))
		return
	}

	m.mu.Lock()
	_, exists := m.pending[circuitKey{remote: syn.Source, id: syn.ConnectionID}]
	m.mu.Unlock()
	if exists {
		logrus.WithFields(logrus.Fields{
			"function":      "Multiplexer.acceptCircuit",
			"source":        syn.Source.Short(),
			"connection_id": syn.ConnectionID,
		}).Warn("Connection id already pending, refusing circuit")
		_ = from.Send(syn.Reply(message.RelayNACK))
		return
	}

	c := m.newCircuitSession(syn.ConnectionID, syn.Destination, peer.Info{ID: syn.Source}, from)
	m.addPending(c)
	go m.initializeInbound(c)
}

// initializeInbound acknowledges the SYN, runs the handshake and hands the
// session to the acceptor. On failure the circuit is refused with NACK.
func (m *Multiplexer) initializeInbound(c *Circuit) {
	defer m.remove(c)

	c.sendControl(message.RelayACK)

	err := c.session.Init(m.ctx)
	if err == nil {
		if remote := c.session.RemoteIdentity(); remote.ID != c.remote.ID {
			err = peer.NewError(peer.KindProtocolViolation, c.remote.ID, "relay accept",
				fmt.Errorf("identity %s does not match circuit source", remote.ID.Short()))
		}
	}
	if err == nil {
		err = m.acceptor.Accept(m.ctx, c.session)
	}
	if err == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Multiplexer.initializeInbound",
		"source":        c.remote.ID.Short(),
		"connection_id": c.id,
		"error":         err.Error(),
	}).Info("Inbound relayed connection failed")

	c.remoteClosed.Store(true)
	c.sendControl(message.RelayNACK)
	c.session.Shutdown()
}

func (m *Multiplexer) addPending(c *Circuit) {
	m.mu.Lock()
	m.pending[circuitKey{remote: c.remote.ID, id: c.id}] = c
	n := len(m.pending)
	m.mu.Unlock()

	m.metrics.SetPendingCircuits(n)
	fields := logrus.Fields{"function": "Multiplexer.addPending", "pending": n}
	switch {
	case n > pendingSevereThreshold:
		logrus.WithFields(fields).Error("Excessive number of pending relayed connections")
	case n > pendingWarnThreshold:
		logrus.WithFields(fields).Warn("Many pending relayed connections")
	}
}

func (m *Multiplexer) remove(c *Circuit) {
	key := circuitKey{remote: c.remote.ID, id: c.id}
	m.mu.Lock()
	if m.pending[key] == c {
		delete(m.pending, key)
	}
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.SetPendingCircuits(n)
}

// PendingCount returns the number of circuits not yet accepted.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats reports how many messages and payload bytes this node relayed for others.
func (m *Multiplexer) Stats() (messages, bytes uint64) {
	return m.forwarded.Load(), m.forwardedBytes.Load()
}

// Close shuts down every pending circuit and stops inbound initializers.
func (m *Multiplexer) Close() {
	m.cancel()

	m.mu.Lock()
	circuits := make([]*Circuit, 0, len(m.pending))
	for _, c := range m.pending {
		circuits = append(circuits, c)
	}
	m.mu.Unlock()

	for _, c := range circuits {
		c.session.Shutdown()
	}
}

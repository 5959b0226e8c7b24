// Package session implements the per-peer connection state machine: the
// identity handshake, the outbound queue with its on-demand sender, the
// receiver loop, keep-alive supervision and idempotent shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateConnected
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// closingProblem is sent to the remote side when a started session shuts down.
const closingProblem = "Closing connection, EOF"

// Handler receives the messages of a session once an identity has been
// accepted. It is called on the session's receiver goroutine, so messages
// of one session are handled in arrival order.
type Handler interface {
	HandleMessage(s *Session, msg message.Message)
}

// Classifier decides LAN membership and local-interface membership of the
// remote address.
type Classifier interface {
	IsOnLAN(addr net.Addr) bool
	IsLocalInterface(addr net.Addr) bool
}

// IdentityFunc returns the local identity template. Session fills in the
// magic id, timestamp and tunneled flag.
type IdentityFunc func() peer.Identity

// Config holds the timing and queue limits of a session.
type Config struct {
	// HandshakeTimeout bounds the wait for the remote Identity.
	HandshakeTimeout time.Duration
	// IdentityReplyTimeout bounds the wait for the remote IdentityReply.
	IdentityReplyTimeout time.Duration
	// KeepAliveTimeout closes a session silent for longer; a Ping is sent
	// after a third of it.
	KeepAliveTimeout time.Duration
	// SendQueueWarn logs a warning above this many queued messages.
	SendQueueWarn int
	// SendQueueMax shuts the session down above this many queued messages.
	SendQueueMax int
}

// DefaultConfig returns the timings of a direct connection.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     60 * time.Second,
		IdentityReplyTimeout: 60 * time.Second,
		KeepAliveTimeout:     2 * time.Minute,
		SendQueueWarn:        50,
		SendQueueMax:         2000,
	}
}

// Session is one logical connection to a remote node over any transport.Conn.
type Session struct {
	conn       transport.Conn
	codec      message.Codec
	local      IdentityFunc
	cfg        Config
	clock      clock.Clock
	classifier Classifier
	metrics    *metrics.Metrics
	magics     *MagicIDs
	closeHooks []func(*Session)

	state   atomic.Int32
	started atomic.Bool

	mu             sync.RWMutex
	myIdentity     *peer.Identity
	remoteIdentity *peer.Identity
	reply          *message.IdentityReply
	handler        Handler
	onLAN          bool
	omitBandwidth  bool

	identityCh   chan struct{}
	identityOnce sync.Once
	replyCh      chan struct{}
	replyOnce    sync.Once

	queueMu sync.Mutex
	queue   []message.Message
	sending bool
	drained chan struct{}
	warnLog rate.Sometimes

	sendMu sync.Mutex

	kaMu          sync.Mutex
	lastKeepAlive time.Time

	done    chan struct{}
	closing atomic.Bool
	errMu   sync.Mutex
	err     error
}

// Option customizes a Session.
type Option func(*Session)

// WithClock sets the clock driving timeouts and keep-alive.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithClassifier sets the LAN classifier.
func WithClassifier(c Classifier) Option {
	return func(s *Session) {
		s.classifier = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithMagicIDs records issued magic ids in a shared set.
func WithMagicIDs(m *MagicIDs) Option {
	return func(s *Session) {
		s.magics = m
	}
}

// WithCloseHook registers a function called once after the session closed.
// Hooks must not call Shutdown on the same session.
func WithCloseHook(fn func(*Session)) Option {
	return func(s *Session) {
		s.closeHooks = append(s.closeHooks, fn)
	}
}

// New creates a session over conn. Nothing is sent before Init.
func New(conn transport.Conn, codec message.Codec, local IdentityFunc, cfg Config, opts ...Option) *Session {
	drained := make(chan struct{})
	close(drained)

	s := &Session{
		conn:       conn,
		codec:      codec,
		local:      local,
		cfg:        cfg,
		clock:      clock.New(),
		identityCh: make(chan struct{}),
		replyCh:    make(chan struct{}),
		drained:    drained,
		done:       make(chan struct{}),
		warnLog:    rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init performs the first half of the handshake: it starts the receiver,
// sends the local Identity and waits for the remote Identity. On failure the
// session is closed and the error carries KindHandshakeTimeout or
// KindPeerDisconnected.
func (s *Session) Init(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateInit), int32(StateHandshaking)) {
		return peer.NewError(peer.KindProtocolViolation, "", "init", fmt.Errorf("session is %s", s.State()))
	}
	s.started.Store(true)

	ident := s.local()
	ident.MagicID = newMagicID()
	ident.Timestamp = s.clock.Now().UTC()
	ident.Tunneled = s.conn.Tunneled()
	s.magics.Remember(ident.MagicID)

	s.mu.Lock()
	s.myIdentity = &ident
	s.mu.Unlock()

	go s.receive()
	_ = s.enqueue(&message.Identity{Peer: ident})

	if err := s.wait(ctx, s.identityCh, s.cfg.HandshakeTimeout, "init"); err != nil {
		s.metrics.Handshake("failed")
		s.shutdownWith(err)
		return err
	}

	s.analyseConnection()
	s.metrics.Handshake("ok")
	go s.keepAlive()

	remote := s.RemoteIdentity()
	logrus.WithFields(logrus.Fields{
		"function": "Session.Init",
		"peer":     remote.ID.Short(),
		"nick":     remote.Nick,
		"remote":   s.remoteAddrString(),
		"on_lan":   s.OnLAN(),
		"tunneled": s.Tunneled(),
		"magic":    Fingerprint(ident.MagicID),
	}).Debug("Received remote identity")

	return nil
}

// wait blocks until ch is closed, the session closes, ctx ends or timeout passes.
func (s *Session) wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration, op string) error {
	timer := s.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-s.done:
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), op, s.Err())
	case <-ctx.Done():
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), op, ctx.Err())
	case <-timer.C:
		return peer.NewError(peer.KindHandshakeTimeout, s.PeerID(), op, fmt.Errorf("no answer within %s", timeout))
	}
}

func (s *Session) analyseConnection() {
	remote := s.RemoteIdentity()
	addr := s.conn.RemoteAddr()

	onLAN, omit := false, false
	if s.classifier != nil && !s.conn.Tunneled() && !remote.Tunneled {
		onLAN = s.classifier.IsOnLAN(addr)
		omit = s.classifier.IsLocalInterface(addr)
	}

	s.mu.Lock()
	s.onLAN = onLAN
	s.omitBandwidth = omit
	s.mu.Unlock()
}

// AcceptIdentity completes the handshake: it binds h, sends an accepting
// IdentityReply and waits for the remote reply. A rejection unbinds h and
// returns false with a KindIdentityRejected error; a timeout or disconnect
// closes the session. Never retries.
func (s *Session) AcceptIdentity(ctx context.Context, h Handler) (bool, error) {
	if s.State() != StateHandshaking || s.RemoteIdentity() == nil {
		return false, peer.NewError(peer.KindProtocolViolation, s.PeerID(), "accept identity", fmt.Errorf("session is %s", s.State()))
	}

	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()

	if err := s.Send(&message.IdentityReply{Accepted: true}); err != nil {
		s.unbind()
		return false, err
	}

	if err := s.wait(ctx, s.replyCh, s.cfg.IdentityReplyTimeout, "accept identity"); err != nil {
		s.unbind()
		s.shutdownWith(err)
		return false, err
	}

	s.mu.RLock()
	reply := s.reply
	s.mu.RUnlock()

	if !reply.Accepted {
		logrus.WithFields(logrus.Fields{
			"function": "Session.AcceptIdentity",
			"peer":     s.PeerID().Short(),
			"reason":   reply.Message,
		}).Warn("Remote side rejected our identity")
		s.unbind()
		return false, peer.NewError(peer.KindIdentityRejected, s.PeerID(), "accept identity", errors.New(reply.Message))
	}

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateConnected)) {
		s.unbind()
		return false, peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "accept identity", s.Err())
	}
	s.metrics.SessionOpened()

	logrus.WithFields(logrus.Fields{
		"function": "Session.AcceptIdentity",
		"peer":     s.PeerID().Short(),
		"remote":   s.remoteAddrString(),
	}).Info("Session connected")

	return true, nil
}

func (s *Session) unbind() {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
}

// Reject refuses the remote identity: it queues a rejecting IdentityReply
// and a fatal Problem, gives the sender a moment to flush and shuts down.
func (s *Session) Reject(code message.ProblemCode, reason error) {
	msg := reason.Error()
	_ = s.Send(&message.IdentityReply{Accepted: false, Message: msg})
	_ = s.Send(&message.Problem{Message: msg, Fatal: true, Code: code})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.WaitForEmptySendQueue(ctx)

	s.shutdownWith(reason)
}

// Send queues msg for delivery and never blocks. Application and relayed
// messages are refused before the remote identity arrived. Exceeding the
// hard queue limit drops msg and shuts the session down asynchronously.
func (s *Session) Send(msg message.Message) error {
	if s.isClosing() {
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "send", transport.ErrConnClosed)
	}
	switch msg.Type() {
	case message.TypeApplication, message.TypeRelayed:
		if s.RemoteIdentity() == nil {
			return peer.NewError(peer.KindProtocolViolation, "", "send", fmt.Errorf("%s before handshake", msg.Type()))
		}
	}
	return s.enqueue(msg)
}

func (s *Session) enqueue(msg message.Message) error {
	s.queueMu.Lock()
	if s.isClosing() {
		s.queueMu.Unlock()
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "send", transport.ErrConnClosed)
	}

	n := len(s.queue) + 1
	if s.cfg.SendQueueMax > 0 && n > s.cfg.SendQueueMax {
		s.queueMu.Unlock()
		err := peer.NewError(peer.KindQueueOverflow, s.PeerID(), "send", fmt.Errorf("%d messages queued", n-1))
		logrus.WithFields(logrus.Fields{
			"function": "Session.Send",
			"peer":     s.PeerID().Short(),
			"queued":   n - 1,
			"limit":    s.cfg.SendQueueMax,
		}).Error("Send queue overflow, disconnecting")
		s.metrics.QueueOverflow()
		go s.shutdownWith(err)
		return err
	}

	s.queue = append(s.queue, msg)
	if s.cfg.SendQueueWarn > 0 && n > s.cfg.SendQueueWarn {
		s.warnLog.Do(func() {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Send",
				"peer":     s.PeerID().Short(),
				"queued":   n,
				"type":     msg.Type().String(),
			}).Warn("Send queue is filling up")
		})
	}

	spawn := !s.sending
	if spawn {
		s.sending = true
		s.drained = make(chan struct{})
	}
	s.queueMu.Unlock()

	if spawn {
		go s.runSender()
	}
	return nil
}

// runSender drains the queue and exits when it is empty. At most one sender
// runs per session.
func (s *Session) runSender() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.sending = false
			close(s.drained)
			s.queueMu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		if err := s.SendSync(msg); err != nil {
			if !s.isClosing() {
				logrus.WithFields(logrus.Fields{
					"function": "Session.runSender",
					"peer":     s.PeerID().Short(),
					"type":     msg.Type().String(),
					"error":    err.Error(),
				}).Debug("Send failed, disconnecting")
			}
			s.shutdownWith(peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "send", err))
		}
	}
}

// SendSync encodes and writes msg immediately, serialized with every other write.
func (s *Session) SendSync(msg message.Message) error {
	frame, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteMessage(frame)
}

// trySendSync is SendSync that gives up instead of waiting behind a blocked write.
func (s *Session) trySendSync(msg message.Message) error {
	frame, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if !s.sendMu.TryLock() {
		return errors.New("transport busy")
	}
	defer s.sendMu.Unlock()
	return s.conn.WriteMessage(frame)
}

// WaitForEmptySendQueue blocks until every queued message was written, the
// session closed or ctx ended.
func (s *Session) WaitForEmptySendQueue(ctx context.Context) error {
	s.queueMu.Lock()
	drained := s.drained
	s.queueMu.Unlock()

	select {
	case <-drained:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen returns the number of queued, unsent messages.
func (s *Session) QueueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

func (s *Session) touch() {
	s.kaMu.Lock()
	s.lastKeepAlive = s.clock.Now()
	s.kaMu.Unlock()
}

// LastKeepAlive returns the time the last frame arrived, zero if none did.
func (s *Session) LastKeepAlive() time.Time {
	s.kaMu.Lock()
	defer s.kaMu.Unlock()
	return s.lastKeepAlive
}

// Shutdown closes the session. It is idempotent and safe from any goroutine:
// only the first call tears down, later calls return immediately, and every
// blocked waiter is woken.
func (s *Session) Shutdown() {
	s.shutdownWith(nil)
}

func (s *Session) shutdownWith(reason error) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if reason == nil {
		reason = peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "shutdown", transport.ErrConnClosed)
	}
	s.setErr(reason)

	prev := State(s.state.Swap(int32(StateShuttingDown)))
	if s.started.Load() && prev != StateInit {
		problem := &message.Problem{Message: closingProblem, Fatal: true, Code: message.ProblemDisconnected}
		if err := s.trySendSync(problem); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.Shutdown",
				"peer":     s.PeerID().Short(),
				"error":    err.Error(),
			}).Debug("Could not announce shutdown")
		}
	}

	close(s.done)

	s.queueMu.Lock()
	s.queue = nil
	s.queueMu.Unlock()

	s.mu.Lock()
	s.handler = nil
	if s.myIdentity != nil {
		s.magics.Forget(s.myIdentity.MagicID)
		s.myIdentity.MagicID = ""
	}
	if s.remoteIdentity != nil {
		s.remoteIdentity.MagicID = ""
	}
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.Shutdown",
			"peer":     s.PeerID().Short(),
			"error":    err.Error(),
		}).Debug("Transport close failed")
	}

	s.state.Store(int32(StateClosed))
	s.metrics.SessionClosed(peer.KindOf(reason).String())

	logrus.WithFields(logrus.Fields{
		"function": "Session.Shutdown",
		"peer":     s.PeerID().Short(),
		"remote":   s.remoteAddrString(),
		"reason":   reason.Error(),
	}).Debug("Session closed")

	for _, hook := range s.closeHooks {
		hook(s)
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Err returns the reason the session closed, nil while it is open.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isClosing() bool {
	return s.closing.Load()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether the handshake completed and the session is open.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// LocalIdentity returns the identity sent to the remote side, nil before Init.
func (s *Session) LocalIdentity() *peer.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.myIdentity == nil {
		return nil
	}
	id := *s.myIdentity
	return &id
}

// RemoteIdentity returns the identity received from the remote side, nil
// before it arrived.
func (s *Session) RemoteIdentity() *peer.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteIdentity == nil {
		return nil
	}
	id := *s.remoteIdentity
	return &id
}

// PeerID returns the remote node id, empty before the remote identity arrived.
func (s *Session) PeerID() peer.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteIdentity == nil {
		return ""
	}
	return s.remoteIdentity.ID
}

// MyMagicID returns the local magic id, empty before Init and after shutdown.
func (s *Session) MyMagicID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.myIdentity == nil {
		return ""
	}
	return s.myIdentity.MagicID
}

// RemoteMagicID returns the remote magic id, empty before it arrived and after shutdown.
func (s *Session) RemoteMagicID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteIdentity == nil {
		return ""
	}
	return s.remoteIdentity.MagicID
}

// OnLAN reports whether the remote node is on the local network.
func (s *Session) OnLAN() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onLAN
}

// SetOnLAN overrides the LAN classification.
func (s *Session) SetOnLAN(onLAN bool) {
	s.mu.Lock()
	s.onLAN = onLAN
	s.mu.Unlock()
}

// OmitBandwidthLimit reports whether bandwidth limits should not apply
// because the remote address is one of this host's interfaces.
func (s *Session) OmitBandwidthLimit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.omitBandwidth
}

// TimeDelta returns the clock skew of the remote node at handshake time.
func (s *Session) TimeDelta() time.Duration {
	remote := s.RemoteIdentity()
	local := s.LocalIdentity()
	if remote == nil || local == nil {
		return 0
	}
	return remote.TimeDelta(local.Timestamp)
}

// Conn returns the underlying transport connection.
func (s *Session) Conn() transport.Conn {
	return s.conn
}

// RemoteAddr returns the transport's remote address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Tunneled reports whether the session travels through a relay.
func (s *Session) Tunneled() bool {
	return s.conn.Tunneled()
}

func (s *Session) remoteAddrString() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Session) String() string {
	id := s.PeerID()
	if id == "" {
		return fmt.Sprintf("session(%s, %s)", s.remoteAddrString(), s.State())
	}
	return fmt.Sprintf("session(%s@%s, %s)", id.Short(), s.remoteAddrString(), s.State())
}

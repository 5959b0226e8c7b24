// Package registry keeps the known nodes of a peerlink node and its live,
// accepted sessions. It decides which inbound or outbound session becomes
// the one session per remote node and dispatches session messages.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send when no live session exists.
var ErrNotConnected = errors.New("node not connected")

// MessageHandler receives application messages from accepted sessions.
type MessageHandler func(from peer.ID, msg message.Message)

// RelayHandler processes relayed messages.
type RelayHandler interface {
	HandleRelayedMessage(from *session.Session, msg *message.Relayed)
}

// Registry holds nodes and live sessions. It is the session.Handler bound to
// every accepted session.
type Registry struct {
	self    session.IdentityFunc
	magics  *session.MagicIDs
	clock   clock.Clock
	metrics *metrics.Metrics

	mu        sync.RWMutex
	nodes     map[peer.ID]*Node
	live      map[peer.ID]*session.Session
	accepting map[peer.ID]*session.Session
	relay     RelayHandler
	handler   MessageHandler
	onAccept  []func(*session.Session)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock sets the clock used for node timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithMagicIDs sets the store of issued magic ids used for loopback detection.
func WithMagicIDs(m *session.MagicIDs) Option {
	return func(r *Registry) {
		r.magics = m
	}
}

// WithMessageHandler sets the receiver of application messages.
func WithMessageHandler(h MessageHandler) Option {
	return func(r *Registry) {
		r.handler = h
	}
}

// New creates an empty registry.
func New(self session.IdentityFunc, opts ...Option) *Registry {
	r := &Registry{
		self:      self,
		clock:     clock.New(),
		nodes:     make(map[peer.ID]*Node),
		live:      make(map[peer.ID]*session.Session),
		accepting: make(map[peer.ID]*session.Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRelayHandler sets the receiver of relayed messages.
func (r *Registry) SetRelayHandler(h RelayHandler) {
	r.mu.Lock()
	r.relay = h
	r.mu.Unlock()
}

// OnAccept registers fn to run after a session became live.
func (r *Registry) OnAccept(fn func(*session.Session)) {
	r.mu.Lock()
	r.onAccept = append(r.onAccept, fn)
	r.mu.Unlock()
}

// SelfID returns the local node id.
func (r *Registry) SelfID() peer.ID {
	return r.self().ID
}

// AddNode adds a node or merges info into the known one.
func (r *Registry) AddNode(info peer.Info) (*Node, error) {
	if !info.Valid() {
		return nil, fmt.Errorf("add node %q: invalid node info", info.ID)
	}
	if info.ID == r.SelfID() {
		return nil, fmt.Errorf("add node %s: %w", info.ID.Short(), peer.ErrLoopback)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[info.ID]; ok {
		n.update(info)
		return n, nil
	}
	n := newNode(info)
	r.nodes[info.ID] = n

	logrus.WithFields(logrus.Fields{
		"function": "Registry.AddNode",
		"peer":     info.ID.Short(),
		"nick":     info.Nick,
		"address":  info.ConnectAddress,
	}).Debug("Node added")
	return n, nil
}

// Node returns the known node with the given id or nil.
func (r *Registry) Node(id peer.ID) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// Nodes returns all known nodes.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// KnownPeers returns the info of all known nodes.
func (r *Registry) KnownPeers() []peer.Info {
	nodes := r.Nodes()
	out := make([]peer.Info, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Info())
	}
	return out
}

// SetFriend marks a known node as friend.
func (r *Registry) SetFriend(id peer.ID, friend bool) error {
	n := r.Node(id)
	if n == nil {
		return fmt.Errorf("set friend %s: unknown node", id.Short())
	}
	n.SetFriend(friend)
	return nil
}

// Session returns the live session to id or nil.
func (r *Registry) Session(id peer.ID) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[id]
}

// IsConnected reports whether a live, connected session to id exists.
func (r *Registry) IsConnected(id peer.ID) bool {
	s := r.Session(id)
	return s != nil && s.IsConnected()
}

// ConnectedSessions returns all live sessions that are connected.
func (r *Registry) ConnectedSessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.live))
	for _, s := range r.live {
		if s.IsConnected() {
			out = append(out, s)
		}
	}
	return out
}

// CountConnectedSupernodes returns the number of connected supernodes.
func (r *Registry) CountConnectedSupernodes() int {
	count := 0
	for _, s := range r.ConnectedSessions() {
		if remote := s.RemoteIdentity(); remote != nil && remote.Supernode {
			count++
		}
	}
	return count
}

// rank orders concurrent sessions to the same node. A session only
// replaces a live one with a strictly higher rank.
func rank(s *session.Session) int {
	if s.OnLAN() {
		return 1
	}
	return 0
}

// Accept completes the handshake of an initialized session and installs it
// as the live session for its node. Loopback sessions and duplicates are
// rejected and shut down. A duplicate on the LAN replaces a live session
// that is not.
func (r *Registry) Accept(ctx context.Context, s *session.Session) error {
	remote := s.RemoteIdentity()
	if remote == nil {
		err := peer.NewError(peer.KindProtocolViolation, "", "accept", errors.New("remote identity missing"))
		s.Reject(message.ProblemProtocolViolation, err)
		return err
	}
	id := remote.ID

	if id == r.SelfID() || r.magics.Contains(remote.MagicID) {
		err := peer.NewError(peer.KindLoopback, id, "accept", nil)
		s.Reject(message.ProblemGeneric, err)
		return err
	}

	r.mu.Lock()
	var replaced *session.Session
	if pending := r.accepting[id]; pending != nil {
		r.mu.Unlock()
		return r.rejectDuplicate(s, "acceptance already in progress")
	}
	if existing := r.live[id]; existing != nil && existing.IsConnected() {
		if rank(s) <= rank(existing) {
			r.mu.Unlock()
			return r.rejectDuplicate(s, "already connected")
		}
		replaced = existing
	}
	r.accepting[id] = s
	node := r.nodes[id]
	if node == nil {
		node = newNode(remote.Info)
		r.nodes[id] = node
	}
	r.mu.Unlock()

	ok, err := s.AcceptIdentity(ctx, r)

	r.mu.Lock()
	delete(r.accepting, id)
	if ok {
		r.live[id] = s
	}
	hooks := append([]func(*session.Session){}, r.onAccept...)
	n := len(r.live)
	r.mu.Unlock()

	if !ok {
		s.Shutdown()
		return err
	}
	if !s.IsConnected() {
		r.SessionClosed(s)
		return peer.NewError(peer.KindPeerDisconnected, id, "accept", s.Err())
	}

	node.connected(r.clock.Now(), remote)
	r.metrics.SetLiveSessions(n)

	if replaced != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.Accept",
			"peer":     id.Short(),
			"old":      replaced.String(),
			"new":      s.String(),
		}).Info("Replacing session with LAN session")
		replaced.Shutdown()
	}
	for _, fn := range hooks {
		fn(s)
	}
	return nil
}

func (r *Registry) rejectDuplicate(s *session.Session, reason string) error {
	err := peer.NewError(peer.KindDuplicateConnection, s.PeerID(), "accept", errors.New(reason))
	logrus.WithFields(logrus.Fields{
		"function": "Registry.Accept",
		"peer":     s.PeerID().Short(),
		"session":  s.String(),
		"reason":   reason,
	}).Debug("Rejecting duplicate session")
	s.Reject(message.ProblemDuplicateConnection, err)
	return err
}

// SessionClosed forgets s if it is the live session of its node. It is
// installed as close hook on every session.
func (r *Registry) SessionClosed(s *session.Session) {
	id := s.PeerID()
	if id == "" {
		return
	}

	r.mu.Lock()
	current := r.live[id] == s
	if current {
		delete(r.live, id)
	}
	node := r.nodes[id]
	n := len(r.live)
	r.mu.Unlock()

	if !current {
		return
	}
	if node != nil {
		node.Seen(r.clock.Now())
	}
	r.metrics.SetLiveSessions(n)

	fields := logrus.Fields{
		"function": "Registry.SessionClosed",
		"peer":     id.Short(),
	}
	if err := s.Err(); err != nil {
		fields["reason"] = err.Error()
	}
	logrus.WithFields(fields).Info("Session closed")
}

// HandleMessage dispatches a message from an accepted session: relayed
// messages go to the relay handler, everything else to the message handler.
func (r *Registry) HandleMessage(s *session.Session, msg message.Message) {
	r.mu.RLock()
	relay, handler := r.relay, r.handler
	node := r.nodes[s.PeerID()]
	r.mu.RUnlock()

	if node != nil {
		node.Seen(r.clock.Now())
	}

	switch m := msg.(type) {
	case *message.Relayed:
		if relay == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Registry.HandleMessage",
				"peer":     s.PeerID().Short(),
			}).Debug("Dropping relayed message, relaying not configured")
			return
		}
		relay.HandleRelayedMessage(s, m)
	case *message.Problem:
		logrus.WithFields(logrus.Fields{
			"function": "Registry.HandleMessage",
			"peer":     s.PeerID().Short(),
			"problem":  m.Message,
			"fatal":    m.Fatal,
		}).Info("Problem from remote node")
		if handler != nil {
			handler(s.PeerID(), m)
		}
	default:
		if handler != nil {
			handler(s.PeerID(), m)
		}
	}
}

// Send queues msg on the live session to id.
func (r *Registry) Send(id peer.ID, msg message.Message) error {
	s := r.Session(id)
	if s == nil || !s.IsConnected() {
		return fmt.Errorf("send to %s: %w", id.Short(), ErrNotConnected)
	}
	return s.Send(msg)
}

// Close shuts down every live session.
func (r *Registry) Close() {
	r.mu.RLock()
	sessions := make([]*session.Session, 0, len(r.live)+len(r.accepting))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	for _, s := range r.accepting {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Shutdown()
	}
}

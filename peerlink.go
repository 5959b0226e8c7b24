package peerlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/factory"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/reconnect"
	"github.com/opd-ai/peerlink/registry"
	"github.com/opd-ai/peerlink/relay"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
)

// magicIDCacheSize bounds the number of issued magic ids remembered for
// loopback detection.
const magicIDCacheSize = 4096

var (
	// ErrAlreadyStarted is returned by Start on a running node.
	ErrAlreadyStarted = errors.New("node already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("node stopped")
)

// Option customizes a Node.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	handler    registry.MessageHandler
	clock      clock.Clock
}

// WithRegisterer registers the node's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithMessageHandler receives every application message and problem from
// accepted sessions.
func WithMessageHandler(h registry.MessageHandler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Stats is a snapshot of the node's connection state.
type Stats struct {
	LiveSessions     int
	KnownNodes       int
	ReconnectQueue   int
	ReconnectWorkers int
	PendingCircuits  int
	RelayedMessages  uint64
	RelayedBytes     uint64
}

// Node runs the peer-connection layer of one process: listeners, the
// registry of known nodes and live sessions, the connection factory, the
// relay multiplexer and the reconnect scheduler.
type Node struct {
	cfg     *config.Config
	clock   clock.Clock
	metrics *metrics.Metrics
	codec   *message.WireCodec
	magics  *session.MagicIDs

	sessCfg  session.Config
	sessOpts []session.Option

	tcp       *transport.TCPDialer
	quicCfg   transport.QUICConfig
	registry  *registry.Registry
	finder    *relay.NamingFinder
	mux       *relay.Multiplexer
	factory   *factory.ConnectionFactory
	scheduler *reconnect.Scheduler
	relayTask *relay.ConnectTask

	advertise atomic.Pointer[string]

	mu        sync.Mutex
	listeners []transport.Listener
	group     *errgroup.Group
	cancel    context.CancelFunc
	started   bool
	stopped   bool
}

// New wires a node from cfg. Nothing listens or dials before Start.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	classifier, err := transport.NewLinkClassifier(cfg.LANCIDRs)
	if err != nil {
		return nil, fmt.Errorf("lan networks: %w", err)
	}
	codec, err := message.NewWireCodec()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     &cfg,
		clock:   o.clock,
		metrics: metrics.New(o.registerer),
		codec:   codec,
		magics:  session.NewMagicIDs(magicIDCacheSize),
		sessCfg: sessionConfig(&cfg),
	}
	if cfg.AdvertiseAddress != "" {
		n.advertise.Store(&cfg.AdvertiseAddress)
	}

	n.registry = registry.New(n.identity,
		registry.WithClock(n.clock),
		registry.WithMetrics(n.metrics),
		registry.WithMagicIDs(n.magics),
		registry.WithMessageHandler(o.handler),
	)
	n.sessOpts = []session.Option{
		session.WithClock(n.clock),
		session.WithClassifier(classifier),
		session.WithMetrics(n.metrics),
		session.WithMagicIDs(n.magics),
		session.WithCloseHook(n.registry.SessionClosed),
	}

	n.finder, err = relay.NewNamingFinder(n.registry, cfg.RelayNamePattern)
	if err != nil {
		codec.Close()
		return nil, err
	}

	relayedCfg := n.sessCfg
	relayedCfg.IdentityReplyTimeout = cfg.RelayedIdentityReplyTimeout
	n.mux = relay.NewMultiplexer(n.identity, codec, n.registry, n.registry, n.finder,
		relay.Config{
			Enabled:    cfg.UseRelayedConnections,
			AckTimeout: cfg.RelayAckTimeout,
			Session:    relayedCfg,
		},
		relay.WithClock(n.clock),
		relay.WithMetrics(n.metrics),
		relay.WithSessionOptions(n.sessOpts...),
	)
	n.registry.SetRelayHandler(n.mux)
	n.registry.OnAccept(n.mux.Release)

	n.tcp = &transport.TCPDialer{
		Timeout:      cfg.DialTimeout,
		KeepAlive:    cfg.KeepAliveTimeout / 3,
		WriteTimeout: cfg.KeepAliveTimeout,
		Metrics:      n.metrics,
	}
	n.quicCfg = transport.QUICConfig{
		IdleTimeout:     cfg.KeepAliveTimeout,
		KeepAlivePeriod: cfg.KeepAliveTimeout / 3,
		StreamTimeout:   cfg.HandshakeTimeout,
	}
	factoryOpts := []factory.Option{
		factory.WithTCPDialer(n.tcp),
		factory.WithRelay(n.mux),
		factory.WithSessionOptions(n.sessOpts...),
	}
	if cfg.UseDatagramConnections {
		factoryOpts = append(factoryOpts, factory.WithQUICDialer(transport.NewQUICDialer(n.quicCfg, n.metrics)))
	}
	n.factory = factory.New(n.identity, codec, n.registry, factory.Config{
		DialTimeout: cfg.DialTimeout,
		UseDatagram: cfg.UseDatagramConnections,
		UseRelay:    cfg.UseRelayedConnections,
		Session:     n.sessCfg,
	}, factoryOpts...)

	n.scheduler = reconnect.New(n.registry, n.factory, reconnectConfig(&cfg),
		reconnect.WithClock(n.clock),
		reconnect.WithMetrics(n.metrics),
		reconnect.WithRelayChecker(n.finder),
	)
	n.relayTask = relay.NewConnectTask(n.finder, n.identity, n, cfg.RelayConnectInterval, n.clock)

	return n, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HandshakeTimeout:     cfg.HandshakeTimeout,
		IdentityReplyTimeout: cfg.IdentityReplyTimeout,
		KeepAliveTimeout:     cfg.KeepAliveTimeout,
		SendQueueWarn:        cfg.SendQueueWarn,
		SendQueueMax:         cfg.SendQueueMax,
	}
}

func reconnectConfig(cfg *config.Config) reconnect.Config {
	rc := reconnect.DefaultConfig()
	rc.MinWorkers = cfg.ReconnectMinWorkers
	rc.MaxWorkers = cfg.ReconnectMaxWorkers
	rc.AttemptBudget = cfg.ReconnectAttemptBudget
	rc.ResizeInterval = cfg.ReconnectResizeInterval
	rc.IdleWait = cfg.ReconnectIdleWait
	rc.MaxNodeOfflineTime = cfg.MaxNodeOfflineTime
	rc.SupernodesToConnect = cfg.SupernodesToConnect
	return rc
}

// identity describes this node in outgoing handshakes.
func (n *Node) identity() peer.Identity {
	return peer.Identity{
		Info: peer.Info{
			ID:             peer.ID(n.cfg.NodeID),
			Nick:           n.cfg.Nick,
			ConnectAddress: n.Addr(),
		},
		ProtocolVersion: n.cfg.ProtocolVersion,
		Supernode:       n.cfg.Supernode,
	}
}

// Start opens the listeners, seeds the configured peers and starts the
// reconnect scheduler and the relay connect task. The node runs until Stop
// or until ctx ends.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return ErrAlreadyStarted
	}

	if err := n.listenLocked(); err != nil {
		for _, l := range n.listeners {
			_ = l.Close()
		}
		n.listeners = nil
		return err
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)
	for _, l := range n.listeners {
		l := l
		n.group.Go(func() error { return n.acceptLoop(ctx, l) })
	}

	for _, p := range n.cfg.Peers {
		node, err := n.registry.AddNode(p.Info())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Node.Start",
				"peer":     p.ID,
				"error":    err.Error(),
			}).Warn("Ignoring configured peer")
			continue
		}
		node.SetFriend(p.Friend)
	}

	n.scheduler.Start(ctx)
	n.group.Go(func() error {
		n.relayTask.Run(ctx)
		return nil
	})
	n.started = true

	logrus.WithFields(logrus.Fields{
		"function":  "Node.Start",
		"id":        n.cfg.NodeID,
		"nick":      n.cfg.Nick,
		"advertise": n.Addr(),
		"listeners": len(n.listeners),
		"peers":     len(n.cfg.Peers),
	}).Info("Node started")
	return nil
}

func (n *Node) listenLocked() error {
	if n.cfg.TCPListen != "" {
		l, err := transport.ListenTCP(n.cfg.TCPListen, n.tcp)
		if err != nil {
			return err
		}
		n.listeners = append(n.listeners, l)
		addr := l.Addr().String()
		n.advertise.CompareAndSwap(nil, &addr)
	}
	if n.cfg.QUICListen != "" {
		l, err := transport.ListenQUIC(n.cfg.QUICListen, n.quicCfg, n.metrics)
		if err != nil {
			return err
		}
		n.listeners = append(n.listeners, l)
	}
	return nil
}

// acceptLoop hands every inbound connection to its own handshake goroutine
// until the listener closes.
func (n *Node) acceptLoop(ctx context.Context, l transport.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		n.group.Go(func() error {
			n.handleInbound(ctx, conn)
			return nil
		})
	}
}

func (n *Node) handleInbound(ctx context.Context, conn transport.Conn) {
	s := session.New(conn, n.codec, n.identity, n.sessCfg, n.sessOpts...)
	err := s.Init(ctx)
	if err == nil {
		err = n.registry.Accept(ctx, s)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.handleInbound",
			"remote":   conn.RemoteAddr().String(),
			"kind":     peer.KindOf(err).String(),
			"error":    err.Error(),
		}).Debug("Inbound connection not accepted")
	}
}

// Stop closes the listeners, stops the scheduler and shuts down every
// session. It is safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	started := n.started
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()

	var errs error
	for _, l := range listeners {
		errs = multierr.Append(errs, l.Close())
	}
	if started {
		n.cancel()
		n.scheduler.Stop()
	}
	n.mux.Close()
	n.registry.Close()
	if started {
		errs = multierr.Append(errs, n.group.Wait())
	}
	errs = multierr.Append(errs, n.codec.Close())

	logrus.WithFields(logrus.Fields{
		"function": "Node.Stop",
		"id":       n.cfg.NodeID,
	}).Info("Node stopped")
	return errs
}

// ID returns the local node id.
func (n *Node) ID() peer.ID {
	return peer.ID(n.cfg.NodeID)
}

// Addr returns the address advertised to other nodes. It is empty until
// Start when no advertise address is configured.
func (n *Node) Addr() string {
	if addr := n.advertise.Load(); addr != nil {
		return *addr
	}
	return ""
}

// AddNode makes a node known and considers it for reconnection.
func (n *Node) AddNode(info peer.Info) (*registry.Node, error) {
	node, err := n.registry.AddNode(info)
	if err != nil {
		return nil, err
	}
	n.scheduler.ConsiderReconnectionTo(node)
	return node, nil
}

// SetFriend changes the friend flag of a known node. Friends are always
// eligible for reconnection.
func (n *Node) SetFriend(id peer.ID, friend bool) error {
	if err := n.registry.SetFriend(id, friend); err != nil {
		return err
	}
	if friend {
		n.scheduler.ConsiderReconnectionTo(n.registry.Node(id))
	}
	return nil
}

// Connect opens a session to info unless one is already live.
func (n *Node) Connect(ctx context.Context, info peer.Info) (*session.Session, error) {
	if s := n.registry.Session(info.ID); s != nil && s.IsConnected() {
		return s, nil
	}
	if _, err := n.registry.AddNode(info); err != nil {
		return nil, err
	}
	return n.factory.Connect(ctx, info)
}

// ConnectAddr opens a session to whichever node answers at addr.
func (n *Node) ConnectAddr(ctx context.Context, addr string) (*session.Session, error) {
	return n.factory.ConnectAddr(ctx, addr)
}

// Send queues msg on the live session to id.
func (n *Node) Send(id peer.ID, msg message.Message) error {
	return n.registry.Send(id, msg)
}

// Sessions returns the live sessions.
func (n *Node) Sessions() []*session.Session {
	return n.registry.ConnectedSessions()
}

// Session returns the live session to id or nil.
func (n *Node) Session(id peer.ID) *session.Session {
	s := n.registry.Session(id)
	if s == nil || !s.IsConnected() {
		return nil
	}
	return s
}

// WaitConnected blocks until a live session to id exists or ctx ends.
func (n *Node) WaitConnected(ctx context.Context, id peer.ID) (*session.Session, error) {
	ticker := n.clock.Ticker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s := n.Session(id); s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", id.Short(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the node's connection state.
func (n *Node) Stats() Stats {
	queued, workers := n.scheduler.Stats()
	msgs, bytes := n.mux.Stats()
	return Stats{
		LiveSessions:     len(n.registry.ConnectedSessions()),
		KnownNodes:       len(n.registry.Nodes()),
		ReconnectQueue:   queued,
		ReconnectWorkers: workers,
		PendingCircuits:  n.mux.PendingCount(),
		RelayedMessages:  msgs,
		RelayedBytes:     bytes,
	}
}

package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testNode is a minimal node: it keeps live sessions, routes relayed
// messages to its multiplexer and collects application messages.
type testNode struct {
	t      *testing.T
	ident  peer.Identity
	codec  message.Codec
	mux    *Multiplexer
	finder *NamingFinder

	mu    sync.Mutex
	live  map[peer.ID]*session.Session
	known []peer.Info

	apps    chan *message.Application
	relayed chan *message.Relayed
}

func sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.IdentityReplyTimeout = 5 * time.Second
	return cfg
}

func newTestNode(t *testing.T, id, nick string, enabled bool) *testNode {
	t.Helper()
	codec, err := message.NewWireCodec()
	require.NoError(t, err)

	n := &testNode{
		t: t,
		ident: peer.Identity{
			Info:            peer.Info{ID: peer.ID(id), Nick: nick, ConnectAddress: "10.0.0.1:7777"},
			ProtocolVersion: 1,
		},
		codec:   codec,
		live:    make(map[peer.ID]*session.Session),
		apps:    make(chan *message.Application, 256),
		relayed: make(chan *message.Relayed, 256),
	}
	n.finder, err = NewNamingFinder(n, "^relay")
	require.NoError(t, err)

	cfg := Config{Enabled: enabled, AckTimeout: 2 * time.Second, Session: sessionConfig()}
	n.mux = NewMultiplexer(n.self, codec, n, n, n.finder, cfg,
		WithSessionOptions(session.WithCloseHook(n.forget)))

	t.Cleanup(func() {
		n.mux.Close()
		for _, s := range n.ConnectedSessions() {
			s.Shutdown()
		}
		codec.Close()
	})
	return n
}

func (n *testNode) self() peer.Identity {
	return n.ident
}

func (n *testNode) Session(id peer.ID) *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live[id]
}

func (n *testNode) Accept(ctx context.Context, s *session.Session) error {
	ok, err := s.AcceptIdentity(ctx, n)
	if !ok {
		return err
	}
	n.mu.Lock()
	n.live[s.PeerID()] = s
	n.mu.Unlock()
	n.mux.Release(s)
	return nil
}

func (n *testNode) forget(s *session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.live[s.PeerID()] == s {
		delete(n.live, s.PeerID())
	}
}

func (n *testNode) HandleMessage(s *session.Session, msg message.Message) {
	switch m := msg.(type) {
	case *message.Relayed:
		select {
		case n.relayed <- m:
		default:
		}
		n.mux.HandleRelayedMessage(s, m)
	case *message.Application:
		n.apps <- m
	}
}

func (n *testNode) ConnectedSessions() []*session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*session.Session, 0, len(n.live))
	for _, s := range n.live {
		if s.IsConnected() {
			out = append(out, s)
		}
	}
	return out
}

func (n *testNode) KnownPeers() []peer.Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peer.Info(nil), n.known...)
}

func (n *testNode) addKnown(info peer.Info) {
	n.mu.Lock()
	n.known = append(n.known, info)
	n.mu.Unlock()
}

// link connects a and b with a direct session over an in-memory pipe.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	pa, pb := net.Pipe()
	ca := transport.NewFramedConn(pa, "pipe", transport.WithWriteTimeout(2*time.Second))
	cb := transport.NewFramedConn(pb, "pipe", transport.WithWriteTimeout(2*time.Second))

	sa := session.New(ca, a.codec, a.self, sessionConfig(), session.WithCloseHook(a.forget))
	sb := session.New(cb, b.codec, b.self, sessionConfig(), session.WithCloseHook(b.forget))

	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error { return sa.Init(ctx) })
	g.Go(func() error { return sb.Init(ctx) })
	require.NoError(t, g.Wait())

	g.Go(func() error { return a.Accept(ctx, sa) })
	g.Go(func() error { return b.Accept(ctx, sb) })
	require.NoError(t, g.Wait())
}

// nextRelayed waits for a relayed message of the given kind.
func (n *testNode) nextRelayed(kind message.RelayKind) *message.Relayed {
	n.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-n.relayed:
			if m.Kind == kind {
				return m
			}
		case <-timeout:
			n.t.Fatalf("no %s received", kind)
			return nil
		}
	}
}

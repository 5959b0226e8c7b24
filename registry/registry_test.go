package registry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func identityOf(id string, supernode bool) session.IdentityFunc {
	return func() peer.Identity {
		return peer.Identity{
			Info:            peer.Info{ID: peer.ID(id), Nick: id, ConnectAddress: "10.0.0.1:7777"},
			ProtocolVersion: 1,
			Supernode:       supernode,
		}
	}
}

func testCodec(t *testing.T) message.Codec {
	t.Helper()
	c, err := message.NewWireCodec()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.IdentityReplyTimeout = 5 * time.Second
	return cfg
}

type lanClassifier bool

func (c lanClassifier) IsOnLAN(net.Addr) bool          { return bool(c) }
func (c lanClassifier) IsLocalInterface(net.Addr) bool { return false }

// initPair runs Init on both ends of a fresh pipe and returns the session
// owned by the registry side and the remote side.
func initPair(t *testing.T, local, remote session.IdentityFunc, localOpts, remoteOpts []session.Option) (*session.Session, *session.Session) {
	t.Helper()
	codec := testCodec(t)
	pa, pb := net.Pipe()
	ca := transport.NewFramedConn(pa, "pipe", transport.WithWriteTimeout(2*time.Second))
	cb := transport.NewFramedConn(pb, "pipe", transport.WithWriteTimeout(2*time.Second))

	sa := session.New(ca, codec, local, sessionConfig(), localOpts...)
	sb := session.New(cb, codec, remote, sessionConfig(), remoteOpts...)
	t.Cleanup(func() {
		sa.Shutdown()
		sb.Shutdown()
	})

	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error { return sa.Init(ctx) })
	g.Go(func() error { return sb.Init(ctx) })
	require.NoError(t, g.Wait())
	return sa, sb
}

type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (b *inbox) handle(_ peer.ID, msg message.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

type nopHandler struct{}

func (nopHandler) HandleMessage(*session.Session, message.Message) {}

// connect accepts a session on reg while the remote side accepts with a
// no-op handler.
func connect(t *testing.T, reg *Registry, remoteID string, localOpts ...session.Option) (*session.Session, *session.Session) {
	t.Helper()
	localOpts = append(localOpts, session.WithCloseHook(reg.SessionClosed))
	s, remote := initPair(t, reg.self, identityOf(remoteID, false), localOpts, nil)

	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error { return reg.Accept(ctx, s) })
	g.Go(func() error {
		_, err := remote.AcceptIdentity(ctx, nopHandler{})
		return err
	})
	require.NoError(t, g.Wait())
	return s, remote
}

func TestRegistry_Accept(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	box := &inbox{}
	reg := New(identityOf("self", false), WithClock(mock), WithMessageHandler(box.handle))

	var accepted []peer.ID
	reg.OnAccept(func(s *session.Session) { accepted = append(accepted, s.PeerID()) })

	s, remote := connect(t, reg, "node-a")

	assert.Same(t, s, reg.Session("node-a"))
	assert.True(t, reg.IsConnected("node-a"))
	assert.Equal(t, []peer.ID{"node-a"}, accepted)
	require.Len(t, reg.ConnectedSessions(), 1)

	node := reg.Node("node-a")
	require.NotNil(t, node)
	assert.Equal(t, mock.Now(), node.LastConnect())
	assert.True(t, node.IsOnline())

	require.NoError(t, remote.Send(&message.Application{Kind: 1, Payload: []byte("hi")}))
	assert.Eventually(t, func() bool { return box.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Send("node-a", &message.Application{Kind: 2}))
	err := reg.Send("node-b", &message.Application{Kind: 2})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestRegistry_SessionClosedForgetsLiveSession(t *testing.T) {
	reg := New(identityOf("self", false))
	s, _ := connect(t, reg, "node-a")

	s.Shutdown()
	assert.Eventually(t, func() bool { return reg.Session("node-a") == nil }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, reg.IsConnected("node-a"))
	assert.NotNil(t, reg.Node("node-a"), "node survives its session")
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	reg := New(identityOf("self", false))
	first, _ := connect(t, reg, "node-a")

	second, _ := initPair(t, reg.self, identityOf("node-a", false),
		[]session.Option{session.WithCloseHook(reg.SessionClosed)}, nil)
	err := reg.Accept(context.Background(), second)

	require.Error(t, err)
	assert.Equal(t, peer.KindDuplicateConnection, peer.KindOf(err))
	assert.Eventually(t, func() bool { return second.State() == session.StateClosed }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, first.IsConnected())
	assert.Same(t, first, reg.Session("node-a"))
}

func TestRegistry_LANSessionReplacesRemoteOne(t *testing.T) {
	reg := New(identityOf("self", false))
	first, _ := connect(t, reg, "node-a")
	require.False(t, first.OnLAN())

	second, _ := connect(t, reg, "node-a", session.WithClassifier(lanClassifier(true)))
	require.True(t, second.OnLAN())

	assert.Same(t, second, reg.Session("node-a"))
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replaced session was not shut down")
	}
	assert.Same(t, second, reg.Session("node-a"), "closing the replaced session keeps the new one")
}

func TestRegistry_RejectsSelf(t *testing.T) {
	reg := New(identityOf("self", false))
	s, _ := initPair(t, reg.self, identityOf("self", false), nil, nil)

	err := reg.Accept(context.Background(), s)
	assert.Equal(t, peer.KindLoopback, peer.KindOf(err))
	assert.Nil(t, reg.Session("self"))
}

func TestRegistry_RejectsOwnMagicID(t *testing.T) {
	magics := session.NewMagicIDs(16)
	reg := New(identityOf("self", false), WithMagicIDs(magics))

	// The remote end issued its magic id from the same store, as if this
	// node dialed its own listener under another id.
	s, _ := initPair(t, reg.self, identityOf("alias", false), nil,
		[]session.Option{session.WithMagicIDs(magics)})

	err := reg.Accept(context.Background(), s)
	assert.Equal(t, peer.KindLoopback, peer.KindOf(err))
}

type recordingRelay struct {
	ch chan *message.Relayed
}

func (r *recordingRelay) HandleRelayedMessage(_ *session.Session, msg *message.Relayed) {
	r.ch <- msg
}

func TestRegistry_DispatchesRelayedMessages(t *testing.T) {
	box := &inbox{}
	reg := New(identityOf("self", false), WithMessageHandler(box.handle))
	relay := &recordingRelay{ch: make(chan *message.Relayed, 1)}
	reg.SetRelayHandler(relay)

	_, remote := connect(t, reg, "node-a")
	require.NoError(t, remote.Send(&message.Relayed{Kind: message.RelaySYN, Source: "node-a", Destination: "node-b", ConnectionID: 3}))

	select {
	case m := <-relay.ch:
		assert.Equal(t, uint64(3), m.ConnectionID)
	case <-time.After(5 * time.Second):
		t.Fatal("relayed message not dispatched")
	}
	assert.Zero(t, box.count())
}

func TestRegistry_CountConnectedSupernodes(t *testing.T) {
	reg := New(identityOf("self", false))
	connect(t, reg, "node-a")

	s, remote := initPair(t, reg.self, identityOf("super-1", true),
		[]session.Option{session.WithCloseHook(reg.SessionClosed)}, nil)
	var g errgroup.Group
	g.Go(func() error { return reg.Accept(context.Background(), s) })
	g.Go(func() error {
		_, err := remote.AcceptIdentity(context.Background(), nopHandler{})
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, reg.CountConnectedSupernodes())
	assert.True(t, reg.Node("super-1").IsSupernode())
}

func TestRegistry_AddNode(t *testing.T) {
	reg := New(identityOf("self", false))

	_, err := reg.AddNode(peer.Info{})
	assert.Error(t, err)
	_, err = reg.AddNode(peer.Info{ID: "self"})
	assert.True(t, errors.Is(err, peer.ErrLoopback))

	n, err := reg.AddNode(peer.Info{ID: "node-a", Nick: "alice"})
	require.NoError(t, err)
	again, err := reg.AddNode(peer.Info{ID: "node-a", ConnectAddress: "10.0.0.5:7777"})
	require.NoError(t, err)
	assert.Same(t, n, again)
	assert.Equal(t, peer.Info{ID: "node-a", Nick: "alice", ConnectAddress: "10.0.0.5:7777"}, n.Info())
	assert.Len(t, reg.KnownPeers(), 1)

	require.NoError(t, reg.SetFriend("node-a", true))
	assert.True(t, n.IsFriend())
	assert.Error(t, reg.SetFriend("node-x", true))
}

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNamingFinder_InvalidPattern(t *testing.T) {
	_, err := NewNamingFinder(nil, "([")
	assert.Error(t, err)
}

func TestNamingFinder_IsRelay(t *testing.T) {
	f, err := NewNamingFinder(nil, "^relay")
	require.NoError(t, err)

	assert.True(t, f.IsRelay(peer.Info{ID: "relay-eu-1"}))
	assert.True(t, f.IsRelay(peer.Info{ID: "abc", Nick: "relay"}))
	assert.False(t, f.IsRelay(peer.Info{ID: "node-a", Nick: "alice"}))
}

func TestNamingFinder_FindRelay(t *testing.T) {
	a := newTestNode(t, "node-a", "alice", true)
	b := newTestNode(t, "node-b", "bob", true)
	link(t, a, b)

	assert.Nil(t, a.finder.FindRelay(), "non-relay peers are never chosen")

	r := newTestNode(t, "relay-1", "relay", true)
	link(t, a, r)

	relay := a.finder.FindRelay()
	require.NotNil(t, relay)
	assert.Equal(t, peer.ID("relay-1"), relay.PeerID())
	assert.Same(t, relay, a.finder.FindRelay(), "connected relay is cached")

	relay.Shutdown()
	<-relay.Done()
	assert.Eventually(t, func() bool { return a.finder.FindRelay() == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestNamingFinder_Candidate(t *testing.T) {
	a := newTestNode(t, "node-a", "alice", true)

	_, ok := a.finder.Candidate()
	assert.False(t, ok)

	a.addKnown(peer.Info{ID: "node-b", ConnectAddress: "10.0.0.2:7777"})
	a.addKnown(peer.Info{ID: "relay-2"})
	_, ok = a.finder.Candidate()
	assert.False(t, ok, "relays without address cannot be dialed")

	a.addKnown(peer.Info{ID: "relay-3", ConnectAddress: "10.0.0.3:7777"})
	info, ok := a.finder.Candidate()
	require.True(t, ok)
	assert.Equal(t, peer.ID("relay-3"), info.ID)
}

// linkConnector connects by linking from to the named test node.
type linkConnector struct {
	t     *testing.T
	from  *testNode
	nodes map[peer.ID]*testNode

	mu    sync.Mutex
	calls []peer.ID
}

func (c *linkConnector) Connect(_ context.Context, info peer.Info) (*session.Session, error) {
	c.mu.Lock()
	c.calls = append(c.calls, info.ID)
	c.mu.Unlock()
	to, ok := c.nodes[info.ID]
	if !ok {
		return nil, errors.New("unreachable")
	}
	link(c.t, c.from, to)
	return c.from.Session(info.ID), nil
}

func (c *linkConnector) attempts() []peer.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.ID(nil), c.calls...)
}

// gatedConnector blocks every attempt until release is closed, then fails.
type gatedConnector struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (c *gatedConnector) Connect(ctx context.Context, _ peer.Info) (*session.Session, error) {
	c.calls.Add(1)
	c.entered <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return nil, errors.New("connection refused")
}

func TestConnectTask_RunOnce(t *testing.T) {
	a := newTestNode(t, "node-a", "alice", true)
	r := newTestNode(t, "relay-1", "relay", true)
	conn := &linkConnector{t: t, from: a, nodes: map[peer.ID]*testNode{"relay-1": r}}
	task := NewConnectTask(a.finder, a.self, conn, 20*time.Second, nil)
	ctx := context.Background()

	id, err := task.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, id, "no candidate known")

	a.addKnown(peer.Info{ID: "relay-1", Nick: "relay", ConnectAddress: "10.0.0.9:7777"})
	id, err = task.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, peer.ID("relay-1"), id)
	assert.NotNil(t, a.Session("relay-1"))

	id, err = task.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, id, "relay already connected")
	assert.Equal(t, []peer.ID{"relay-1"}, conn.attempts())
}

func TestConnectTask_RunOnceFailure(t *testing.T) {
	a := newTestNode(t, "node-a", "alice", true)
	a.addKnown(peer.Info{ID: "relay-1", ConnectAddress: "10.0.0.9:7777"})
	conn := &linkConnector{t: t, from: a}
	task := NewConnectTask(a.finder, a.self, conn, 20*time.Second, nil)

	id, err := task.RunOnce(context.Background())
	assert.ErrorContains(t, err, "unreachable")
	assert.Empty(t, id)
}

func TestConnectTask_ConcurrentRunsShareOneAttempt(t *testing.T) {
	a := newTestNode(t, "node-a", "alice", true)
	a.addKnown(peer.Info{ID: "relay-1", ConnectAddress: "10.0.0.9:7777"})
	conn := &gatedConnector{entered: make(chan struct{}, 4), release: make(chan struct{})}
	task := NewConnectTask(a.finder, a.self, conn, 20*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := task.RunOnce(ctx)
		errs <- err
	}()
	select {
	case <-conn.entered:
	case <-ctx.Done():
		t.Fatal("first attempt never started")
	}
	go func() {
		_, err := task.RunOnce(ctx)
		errs <- err
	}()

	// let the second call reach the in-flight attempt before releasing it
	time.Sleep(50 * time.Millisecond)
	close(conn.release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorContains(t, err, "connection refused")
		case <-ctx.Done():
			t.Fatal("RunOnce did not return")
		}
	}
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestConnectTask_RelayNeverConnectsRelays(t *testing.T) {
	r := newTestNode(t, "relay-1", "relay", true)
	r.addKnown(peer.Info{ID: "relay-2", ConnectAddress: "10.0.0.9:7777"})
	conn := &linkConnector{t: t, from: r}

	task := NewConnectTask(r.finder, r.self, conn, 20*time.Second, nil)
	id, err := task.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, conn.attempts())
}

func TestConnectTask_Run(t *testing.T) {
	a := newTestNode(t, "node-a", "alice", true)
	a.addKnown(peer.Info{ID: "relay-1", ConnectAddress: "10.0.0.9:7777"})
	conn := &linkConnector{t: t, from: a}
	mock := clock.NewMock()

	task := NewConnectTask(a.finder, a.self, conn, 20*time.Second, mock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	assert.Eventually(t, func() bool {
		mock.Add(20 * time.Second)
		return len(conn.attempts()) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) message.Codec {
	t.Helper()
	c, err := message.NewWireCodec()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func identityOf(id string) IdentityFunc {
	return func() peer.Identity {
		return peer.Identity{
			Info:            peer.Info{ID: peer.ID(id), Nick: id, ConnectAddress: "10.0.0.1:7777"},
			ProtocolVersion: 1,
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.IdentityReplyTimeout = 5 * time.Second
	return cfg
}

// framedPair returns two framed connections joined by an in-memory pipe.
func framedPair(t *testing.T) (*transport.FramedConn, *transport.FramedConn) {
	t.Helper()
	a, b := net.Pipe()
	ca := transport.NewFramedConn(a, "pipe", transport.WithWriteTimeout(2*time.Second))
	cb := transport.NewFramedConn(b, "pipe", transport.WithWriteTimeout(2*time.Second))
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

// recordingHandler collects delivered messages.
type recordingHandler struct {
	mu       sync.Mutex
	messages []message.Message
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 1024)}
}

func (h *recordingHandler) HandleMessage(_ *Session, msg message.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) received() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Message(nil), h.messages...)
}

// rawPeer drives the remote end of a session frame by frame.
type rawPeer struct {
	t      *testing.T
	conn   *transport.FramedConn
	codec  message.Codec
	frames chan message.Message
}

func newRawPeer(t *testing.T, conn *transport.FramedConn, codec message.Codec) *rawPeer {
	p := &rawPeer{t: t, conn: conn, codec: codec, frames: make(chan message.Message, 1024)}
	go func() {
		defer close(p.frames)
		for {
			frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := codec.Unmarshal(frame)
			if err != nil {
				continue
			}
			p.frames <- msg
		}
	}()
	return p
}

func (p *rawPeer) send(msg message.Message) {
	p.t.Helper()
	frame, err := p.codec.Marshal(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(frame))
}

// sendAsync writes msg from its own goroutine. A session reads nothing
// before Init and pipe writes block until read, so messages that Init
// consumes must be sent this way.
func (p *rawPeer) sendAsync(msg message.Message) <-chan struct{} {
	p.t.Helper()
	frame, err := p.codec.Marshal(msg)
	require.NoError(p.t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(p.t, p.conn.WriteMessage(frame))
	}()
	return done
}

// sendIdentity sends a fresh identity for id ahead of Init.
func (p *rawPeer) sendIdentity(id string) <-chan struct{} {
	return p.sendAsync(&message.Identity{Peer: peer.Identity{
		Info:      peer.Info{ID: peer.ID(id), Nick: id},
		MagicID:   newMagicID(),
		Timestamp: time.Now().UTC(),
	}})
}

// expect returns the next received message of type typ, skipping others.
func (p *rawPeer) expect(typ message.Type) message.Message {
	p.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-p.frames:
			require.True(p.t, ok, "connection closed while waiting for %s", typ)
			if msg.Type() == typ {
				return msg
			}
		case <-timeout:
			require.FailNow(p.t, "timed out waiting for "+typ.String())
		}
	}
}

// blockingConn never completes a write until it is closed.
type blockingConn struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, transport.ErrConnClosed
}

func (c *blockingConn) WriteMessage([]byte) error {
	<-c.closed
	return transport.ErrConnClosed
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *blockingConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4000}
}

func (c *blockingConn) Tunneled() bool { return false }

type fixedClassifier struct {
	lan, local bool
}

func (c fixedClassifier) IsOnLAN(net.Addr) bool          { return c.lan }
func (c fixedClassifier) IsLocalInterface(net.Addr) bool { return c.local }

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peerlink/limits"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/sirupsen/logrus"
)

// Network names reported by the stream transports.
const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"
)

var (
	// ErrOldProtocol indicates the remote side announced the legacy protocol.
	ErrOldProtocol = errors.New("remote speaks an incompatible old protocol")

	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrListenerClosed indicates Accept on a closed listener.
	ErrListenerClosed = errors.New("listener closed")
)

// Stream is a reliable, connected byte stream: the capability every stream
// transport provides.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Conn is a message-oriented connection. Sessions only depend on Conn, so a
// framed stream and a relayed virtual circuit are interchangeable.
//
// ReadMessage is called from a single goroutine. WriteMessage may be called
// concurrently and writes each frame atomically.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
	// Tunneled reports whether the connection travels through another node.
	Tunneled() bool
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	Network() string
}

// Listener accepts inbound connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// FramedConn carries length-prefixed frames over a Stream:
//
//	[4-byte big-endian length][payload]
type FramedConn struct {
	stream       Stream
	network      string
	writeTimeout time.Duration
	metrics      *metrics.Metrics

	header [limits.FrameHeaderSize]byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// FramedOption customizes a FramedConn.
type FramedOption func(*FramedConn)

// WithWriteTimeout bounds every frame write when the stream supports write deadlines.
func WithWriteTimeout(d time.Duration) FramedOption {
	return func(c *FramedConn) {
		c.writeTimeout = d
	}
}

// WithMetrics counts frame bytes.
func WithMetrics(m *metrics.Metrics) FramedOption {
	return func(c *FramedConn) {
		c.metrics = m
	}
}

// NewFramedConn wraps a stream.
func NewFramedConn(stream Stream, network string, opts ...FramedOption) *FramedConn {
	c := &FramedConn{
		stream:       stream,
		network:      network,
		writeTimeout: 30 * time.Second,
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadMessage reads exactly one frame. It returns io.EOF when the remote
// side announced a graceful close, ErrOldProtocol for the legacy magic and
// a limits error for any other illegal length.
func (c *FramedConn) ReadMessage() ([]byte, error) {
	if _, err := io.ReadFull(c.stream, c.header[:]); err != nil {
		return nil, c.readError(err)
	}

	length := int32(binary.BigEndian.Uint32(c.header[:]))
	switch length {
	case limits.OldProtocolMagic:
		return nil, ErrOldProtocol
	case limits.FrameEOF:
		return nil, io.EOF
	}
	if err := limits.ValidateLength(length); err != nil {
		return nil, err
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(c.stream, frame); err != nil {
		return nil, c.readError(err)
	}
	c.metrics.AddBytesIn(c.network, limits.FrameHeaderSize+len(frame))
	return frame, nil
}

func (c *FramedConn) readError(err error) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("truncated frame: %w", err)
	}
	return err
}

// WriteMessage writes one frame.
func (c *FramedConn) WriteMessage(frame []byte) error {
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}

	buf := make([]byte, limits.FrameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[limits.FrameHeaderSize:], frame)

	if err := c.write(buf); err != nil {
		return err
	}
	c.metrics.AddBytesOut(c.network, len(buf))
	return nil
}

func (c *FramedConn) write(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	if d, ok := c.stream.(writeDeadliner); ok && c.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.stream.Write(buf)
	return err
}

// Close announces a graceful close to the remote side and closes the stream.
func (c *FramedConn) Close() error {
	c.closeOnce.Do(func() {
		var eof [limits.FrameHeaderSize]byte
		fe := limits.FrameEOF
		binary.BigEndian.PutUint32(eof[:], uint32(fe))

		// A writer stuck on a full stream keeps the lock; skip the
		// announcement rather than wait for it.
		if c.writeMu.TryLock() {
			if d, ok := c.stream.(writeDeadliner); ok {
				_ = d.SetWriteDeadline(time.Now().Add(time.Second))
			}
			if _, err := c.stream.Write(eof[:]); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "FramedConn.Close",
					"remote":   c.stream.RemoteAddr().String(),
					"error":    err.Error(),
				}).Debug("Failed to announce EOF")
			}
			close(c.closed)
			c.writeMu.Unlock()
		} else {
			close(c.closed)
		}

		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote stream address.
func (c *FramedConn) RemoteAddr() net.Addr {
	return c.stream.RemoteAddr()
}

// LocalAddr returns the local stream address.
func (c *FramedConn) LocalAddr() net.Addr {
	return c.stream.LocalAddr()
}

// Tunneled is always false for stream transports.
func (c *FramedConn) Tunneled() bool {
	return false
}

// Network returns the network name of the underlying transport.
func (c *FramedConn) Network() string {
	return c.network
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/peerlink/metrics"
	"github.com/sirupsen/logrus"
)

// TCPDialer opens framed TCP connections.
type TCPDialer struct {
	Timeout      time.Duration
	KeepAlive    time.Duration
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Network returns NetworkTCP.
func (d *TCPDialer) Network() string {
	return NetworkTCP
}

// Dial connects to addr and returns a framed connection.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	configureTCP(conn)

	logrus.WithFields(logrus.Fields{
		"function": "TCPDialer.Dial",
		"remote":   conn.RemoteAddr().String(),
	}).Debug("TCP connection established")

	return d.wrap(conn), nil
}

func (d *TCPDialer) wrap(conn net.Conn) *FramedConn {
	opts := []FramedOption{WithMetrics(d.Metrics)}
	if d.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(d.WriteTimeout))
	}
	return NewFramedConn(conn, NetworkTCP, opts...)
}

func configureTCP(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "configureTCP",
			"error":    err.Error(),
		}).Debug("Failed to disable Nagle")
	}
}

// TCPListener accepts framed TCP connections.
type TCPListener struct {
	listener net.Listener
	dialer   *TCPDialer
}

// ListenTCP listens on addr. The dialer supplies write timeout and metrics
// for accepted connections and may be nil.
func ListenTCP(addr string, dialer *TCPDialer) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	if dialer == nil {
		dialer = &TCPDialer{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "ListenTCP",
		"address":  ln.Addr().String(),
	}).Info("TCP listener started")

	return &TCPListener{listener: ln, dialer: dialer}, nil
}

// Accept waits for the next inbound connection.
func (l *TCPListener) Accept() (Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	configureTCP(conn)
	return l.dialer.wrap(conn), nil
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listening address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/peerlink/metrics"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// QUICConfig tunes the datagram transport.
type QUICConfig struct {
	// IdleTimeout closes a QUIC connection without any traffic.
	IdleTimeout time.Duration
	// KeepAlivePeriod sends QUIC level keep-alives.
	KeepAlivePeriod time.Duration
	// StreamTimeout bounds how long an inbound connection may take to open its stream.
	StreamTimeout time.Duration
}

func (c QUICConfig) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        c.IdleTimeout,
		KeepAlivePeriod:       c.KeepAlivePeriod,
		MaxIncomingStreams:    4,
		MaxIncomingUniStreams: -1,
	}
}

// quicStream adapts one bidirectional QUIC stream to Stream. Closing it
// closes the whole QUIC connection.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *quicStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

func (s *quicStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

func (s *quicStream) Close() error {
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

// QUICDialer opens framed connections over a single QUIC stream. It is the
// datagram-based alternative to TCP.
type QUICDialer struct {
	config  QUICConfig
	tls     *tls.Config
	metrics *metrics.Metrics
}

// NewQUICDialer creates a dialer.
func NewQUICDialer(cfg QUICConfig, m *metrics.Metrics) *QUICDialer {
	return &QUICDialer{config: cfg, tls: clientTLSConfig(), metrics: m}
}

// Network returns NetworkQUIC.
func (d *QUICDialer) Network() string {
	return NetworkQUIC
}

// Dial connects to addr (a UDP host:port) and opens the session stream.
func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, d.tls, d.config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}

	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("open quic stream %s: %w", addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "QUICDialer.Dial",
		"remote":   qc.RemoteAddr().String(),
	}).Debug("QUIC connection established")

	return NewFramedConn(&quicStream{conn: qc, stream: st}, NetworkQUIC, WithMetrics(d.metrics)), nil
}

// QUICListener accepts framed QUIC connections. A connection is handed out
// once its peer opened the session stream.
type QUICListener struct {
	listener *quic.Listener
	config   QUICConfig
	metrics  *metrics.Metrics
	conns    chan Conn
	ctx      context.Context
	cancel   context.CancelFunc
}

// ListenQUIC listens on the UDP address addr.
func ListenQUIC(addr string, cfg QUICConfig, m *metrics.Metrics) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}

	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		listener: ln,
		config:   cfg,
		metrics:  m,
		conns:    make(chan Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
	go l.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "ListenQUIC",
		"address":  ln.Addr().String(),
	}).Info("QUIC listener started")

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		qc, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "QUICListener.acceptLoop",
					"error":    err.Error(),
				}).Warn("QUIC accept failed")
			}
			return
		}
		go l.awaitStream(qc)
	}
}

func (l *QUICListener) awaitStream(qc *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, l.config.StreamTimeout)
	defer cancel()

	st, err := qc.AcceptStream(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "QUICListener.awaitStream",
			"remote":   qc.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Peer did not open a stream")
		_ = qc.CloseWithError(1, "no stream")
		return
	}

	conn := NewFramedConn(&quicStream{conn: qc, stream: st}, NetworkQUIC, WithMetrics(l.metrics))
	select {
	case l.conns <- conn:
	case <-l.ctx.Done():
		_ = conn.Close()
	}
}

// Accept waits for the next inbound connection.
func (l *QUICListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.cancel()
	return l.listener.Close()
}

// Addr returns the listening UDP address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

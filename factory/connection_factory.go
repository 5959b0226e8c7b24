package factory

//go:generate mockgen -source=connection_factory.go -destination=mocks_test.go -package=factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrNoAlternatives is returned when every connection strategy failed.
var ErrNoAlternatives = errors.New("no further connection alternatives")

// Acceptor completes the handshake of an initialized session and makes it
// the live session of its node.
type Acceptor interface {
	Accept(ctx context.Context, s *session.Session) error
}

// RelayDialer opens sessions through a relay.
type RelayDialer interface {
	Dial(ctx context.Context, dest peer.Info) (*session.Session, error)
}

// Config selects the strategies TryToConnect may use.
type Config struct {
	// DialTimeout bounds each direct dial. Zero means no extra bound.
	DialTimeout time.Duration
	// UseDatagram enables the QUIC strategy.
	UseDatagram bool
	// UseRelay enables the relay strategy.
	UseRelay bool
	// Session configures sessions on direct connections.
	Session session.Config
}

// ConnectionFactory opens sessions to remote nodes, trying a direct TCP
// connection first, then QUIC, then a relay.
type ConnectionFactory struct {
	self     session.IdentityFunc
	codec    message.Codec
	acceptor Acceptor
	cfg      Config

	tcp      transport.Dialer
	quic     transport.Dialer
	relay    RelayDialer
	sessOpts []session.Option
}

// Option customizes a ConnectionFactory.
type Option func(*ConnectionFactory)

// WithTCPDialer sets the stream dialer used for direct connections.
func WithTCPDialer(d transport.Dialer) Option {
	return func(f *ConnectionFactory) {
		f.tcp = d
	}
}

// WithQUICDialer sets the datagram dialer.
func WithQUICDialer(d transport.Dialer) Option {
	return func(f *ConnectionFactory) {
		f.quic = d
	}
}

// WithRelay sets the relay dialer.
func WithRelay(r RelayDialer) Option {
	return func(f *ConnectionFactory) {
		f.relay = r
	}
}

// WithSessionOptions sets options for every direct session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(f *ConnectionFactory) {
		f.sessOpts = append(f.sessOpts, opts...)
	}
}

// New creates a connection factory. Without WithTCPDialer a plain
// transport.TCPDialer is used.
func New(self session.IdentityFunc, codec message.Codec, acceptor Acceptor, cfg Config, opts ...Option) *ConnectionFactory {
	f := &ConnectionFactory{
		self:     self,
		codec:    codec,
		acceptor: acceptor,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tcp == nil {
		f.tcp = &transport.TCPDialer{Timeout: cfg.DialTimeout}
	}
	return f
}

// TryToConnect opens a session to info and waits for the remote identity.
// The session is not accepted yet and its remote identity is not checked.
func (f *ConnectionFactory) TryToConnect(ctx context.Context, info peer.Info) (*session.Session, error) {
	var errs error

	if info.HasAddress() {
		s, err := f.dialDirect(ctx, f.tcp, info.ConnectAddress)
		if err == nil {
			return s, nil
		}
		errs = multierr.Append(errs, err)

		if f.cfg.UseDatagram && f.quic != nil {
			s, err := f.dialDirect(ctx, f.quic, info.ConnectAddress)
			if err == nil {
				return s, nil
			}
			errs = multierr.Append(errs, err)
		}
	}

	if f.cfg.UseRelay && f.relay != nil {
		s, err := f.relay.Dial(ctx, info)
		if err == nil {
			return s, nil
		}
		errs = multierr.Append(errs, err)
	}

	if errs == nil {
		errs = peer.NewError(peer.KindRelayUnavailable, info.ID, "connect", errors.New("no address and no relay"))
	}

	logrus.WithFields(logrus.Fields{
		"function": "ConnectionFactory.TryToConnect",
		"peer":     info.ID.Short(),
		"address":  info.ConnectAddress,
		"error":    errs.Error(),
	}).Debug("All connection strategies failed")

	return nil, fmt.Errorf("connect %s: %w: %w", info.ID.Short(), ErrNoAlternatives, errs)
}

// TryToConnectAddr opens a direct TCP session to addr.
func (f *ConnectionFactory) TryToConnectAddr(ctx context.Context, addr string) (*session.Session, error) {
	if peer.IsNullAddress(addr) {
		return nil, fmt.Errorf("connect %q: %w", addr, ErrNoAlternatives)
	}
	return f.dialDirect(ctx, f.tcp, addr)
}

func (f *ConnectionFactory) dialDirect(ctx context.Context, d transport.Dialer, addr string) (*session.Session, error) {
	dialCtx := ctx
	if f.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := d.Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	s := session.New(conn, f.codec, f.self, f.cfg.Session, f.sessOpts...)
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("%s %s: %w", d.Network(), addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ConnectionFactory.dialDirect",
		"network":  d.Network(),
		"address":  addr,
		"peer":     s.PeerID().Short(),
	}).Debug("Direct session initialized")
	return s, nil
}

// Connect opens a session to info, verifies that the expected node answered
// and accepts the session. A different node yields a
// *peer.InvalidIdentityError carrying the identity that answered.
func (f *ConnectionFactory) Connect(ctx context.Context, info peer.Info) (*session.Session, error) {
	s, err := f.TryToConnect(ctx, info)
	if err != nil {
		return nil, err
	}

	if remote := s.RemoteIdentity(); remote.ID != info.ID {
		s.Shutdown()
		logrus.WithFields(logrus.Fields{
			"function": "ConnectionFactory.Connect",
			"expected": info.ID.Short(),
			"got":      remote.ID.Short(),
			"address":  info.ConnectAddress,
		}).Warn("Reached a different node than expected")
		return nil, &peer.InvalidIdentityError{Expected: info, Got: *remote}
	}

	if err := f.acceptor.Accept(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ConnectAddr connects to whatever node listens on addr and accepts it.
func (f *ConnectionFactory) ConnectAddr(ctx context.Context, addr string) (*session.Session, error) {
	s, err := f.TryToConnectAddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := f.acceptor.Accept(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

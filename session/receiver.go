package session

import (
	"errors"
	"io"

	"github.com/opd-ai/peerlink/limits"
	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
)

// receive reads frames until the transport fails or a message ends the
// session, then shuts the session down.
func (s *Session) receive() {
	for {
		frame, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdownWith(s.readError(err))
			return
		}
		s.touch()

		msg, err := s.codec.Unmarshal(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.receive",
				"peer":     s.PeerID().Short(),
				"size":     len(frame),
				"error":    err.Error(),
			}).Warn("Dropping undecodable message")
			continue
		}

		if !s.dispatch(msg) {
			return
		}
	}
}

func (s *Session) readError(err error) error {
	fields := logrus.Fields{
		"function": "Session.receive",
		"peer":     s.PeerID().Short(),
		"remote":   s.remoteAddrString(),
	}
	switch {
	case errors.Is(err, io.EOF):
		logrus.WithFields(fields).Debug("Remote side closed the connection")
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "receive", err)
	case errors.Is(err, transport.ErrOldProtocol):
		logrus.WithFields(fields).Warn("Remote side speaks an old protocol, disconnecting")
		return peer.NewError(peer.KindProtocolViolation, s.PeerID(), "receive", err)
	case errors.Is(err, limits.ErrIllegalFrameLength), errors.Is(err, limits.ErrFrameTooLarge):
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Illegal frame, disconnecting")
		return peer.NewError(peer.KindProtocolViolation, s.PeerID(), "receive", err)
	case errors.Is(err, transport.ErrConnClosed):
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "receive", err)
	default:
		if !s.isClosing() {
			fields["error"] = err.Error()
			logrus.WithFields(fields).Debug("Read failed, disconnecting")
		}
		if kind := peer.KindOf(err); kind != peer.KindUnknown {
			return err
		}
		return peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "receive", err)
	}
}

// dispatch handles one message and reports whether receiving continues.
func (s *Session) dispatch(msg message.Message) bool {
	switch m := msg.(type) {
	case *message.Identity:
		s.receivedIdentity(m)
	case *message.IdentityReply:
		s.mu.Lock()
		if s.reply == nil {
			reply := *m
			s.reply = &reply
		}
		s.mu.Unlock()
		s.replyOnce.Do(func() { close(s.replyCh) })
	case *message.Ping:
		_ = s.Send(&message.Pong{Sequence: m.Sequence})
	case *message.Pong, *message.KeepAlive:
	case *message.Problem:
		return s.receivedProblem(m)
	default:
		h := s.boundHandler()
		if h == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.dispatch",
				"peer":     s.PeerID().Short(),
				"type":     msg.Type().String(),
			}).Warn("Message before identity was accepted, disconnecting")
			s.shutdownWith(peer.NewError(peer.KindProtocolViolation, s.PeerID(), "receive", errors.New(msg.Type().String()+" before handshake")))
			return false
		}
		h.HandleMessage(s, msg)
	}
	return true
}

func (s *Session) receivedIdentity(m *message.Identity) {
	s.mu.Lock()
	if s.remoteIdentity != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Session.dispatch",
			"peer":     s.PeerID().Short(),
		}).Warn("Ignoring repeated identity")
		return
	}
	ident := m.Peer
	s.remoteIdentity = &ident
	s.mu.Unlock()

	s.identityOnce.Do(func() { close(s.identityCh) })
}

func (s *Session) receivedProblem(p *message.Problem) bool {
	if h := s.boundHandler(); h != nil {
		h.HandleMessage(s, p)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Session.dispatch",
			"peer":     s.PeerID().Short(),
			"problem":  p.Message,
			"code":     p.Code,
			"fatal":    p.Fatal,
		}).Info("Problem from remote side")
	}

	if p.Fatal {
		s.shutdownWith(peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "receive", errors.New(p.Message)))
		return false
	}
	return true
}

func (s *Session) boundHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

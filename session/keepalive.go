package session

import (
	"fmt"
	"time"

	"github.com/opd-ai/peerlink/message"
	"github.com/opd-ai/peerlink/peer"
	"github.com/sirupsen/logrus"
)

// keepAlive pings an idle session every third of the keep-alive timeout
// and shuts it down once it stayed silent for the full timeout.
func (s *Session) keepAlive() {
	if s.cfg.KeepAliveTimeout <= 0 {
		return
	}
	interval := s.cfg.KeepAliveTimeout / 3
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.checkKeepAlive(interval) {
				return
			}
		}
	}
}

func (s *Session) checkKeepAlive(interval time.Duration) bool {
	last := s.LastKeepAlive()
	now := s.clock.Now()
	idle := now.Sub(last)

	if !last.IsZero() && idle > s.cfg.KeepAliveTimeout {
		logrus.WithFields(logrus.Fields{
			"function": "Session.checkKeepAlive",
			"peer":     s.PeerID().Short(),
			"idle":     idle.String(),
		}).Warn("Keep-alive timeout, disconnecting")
		s.shutdownWith(peer.NewError(peer.KindPeerDisconnected, s.PeerID(), "keep-alive", fmt.Errorf("silent for %s", idle)))
		return false
	}

	if last.IsZero() || idle >= interval {
		if err := s.Send(&message.Ping{Sequence: -1}); err != nil {
			return false
		}
	}
	return true
}

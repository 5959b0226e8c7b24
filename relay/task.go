package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Connector opens a session to a node.
type Connector interface {
	Connect(ctx context.Context, info peer.Info) (*session.Session, error)
}

// ConnectTask keeps a relay connected. Nodes that are relays themselves
// never run it.
type ConnectTask struct {
	finder    *NamingFinder
	self      session.IdentityFunc
	connector Connector
	interval  time.Duration
	clock     clock.Clock

	group singleflight.Group
}

// NewConnectTask creates a task checking every interval.
func NewConnectTask(finder *NamingFinder, self session.IdentityFunc, connector Connector, interval time.Duration, clk clock.Clock) *ConnectTask {
	if clk == nil {
		clk = clock.New()
	}
	return &ConnectTask{
		finder:    finder,
		self:      self,
		connector: connector,
		interval:  interval,
		clock:     clk,
	}
}

// Run checks periodically until ctx is done.
func (t *ConnectTask) Run(ctx context.Context) {
	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "ConnectTask.Run",
					"kind":     peer.KindOf(err).String(),
					"error":    err.Error(),
				}).Info("Relay connection failed")
			}
		}
	}
}

// RunOnce connects to a relay candidate unless a relay is already
// connected. Only one attempt runs at a time; concurrent callers wait for
// it and share its result. It returns the id of the relay connected to.
func (t *ConnectTask) RunOnce(ctx context.Context) (peer.ID, error) {
	v, err, _ := t.group.Do("relay-connect", func() (interface{}, error) {
		return t.connect(ctx)
	})
	id, _ := v.(peer.ID)
	return id, err
}

func (t *ConnectTask) connect(ctx context.Context) (peer.ID, error) {
	if t.finder.IsRelay(t.self().Info) {
		return "", nil
	}
	if relay := t.finder.FindRelay(); relay != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ConnectTask.connect",
			"relay":    relay.PeerID().Short(),
		}).Debug("Using relay")
		return "", nil
	}

	candidate, ok := t.finder.Candidate()
	if !ok {
		logrus.WithField("function", "ConnectTask.connect").Debug("No relay found yet")
		return "", nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "ConnectTask.connect",
		"relay":    candidate.ID.Short(),
		"nick":     candidate.Nick,
	}).Info("Trying to connect to relay")

	s, err := t.connector.Connect(ctx, candidate)
	if err != nil {
		return "", fmt.Errorf("connect to relay %s: %w", candidate.ID.Short(), err)
	}
	return s.PeerID(), nil
}

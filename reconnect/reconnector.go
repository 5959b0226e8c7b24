package reconnect

import (
	"context"
	"errors"
	"sync"

	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/registry"
	"github.com/sirupsen/logrus"
)

// worker takes candidates from the queue and connects them, one attempt per
// budget.
type worker struct {
	id    int
	sched *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newWorker(parent context.Context, id int, s *Scheduler) *worker {
	ctx, cancel := context.WithCancel(parent)
	return &worker{
		id:     id,
		sched:  s,
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// softShutdown stops the worker after its current attempt.
func (w *worker) softShutdown() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// shutdown stops the worker and cancels its current attempt.
func (w *worker) shutdown() {
	w.softShutdown()
	w.cancel()
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) stopping() bool {
	select {
	case <-w.quit:
		return true
	case <-w.ctx.Done():
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer w.cancel()
	logrus.WithFields(logrus.Fields{
		"function": "worker.run",
		"worker":   w.id,
	}).Debug("Reconnect worker started")

	for !w.stopping() {
		n := w.sched.next(w)
		if n == nil {
			continue
		}

		start := w.sched.clock.Now()
		w.attempt(n)
		n.UnmarkConnecting()

		// Bound the attempt rate per worker.
		rest := w.sched.cfg.AttemptBudget - w.sched.clock.Since(start)
		if rest <= 0 {
			continue
		}
		select {
		case <-w.sched.clock.After(rest):
		case <-w.quit:
		case <-w.ctx.Done():
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "worker.run",
		"worker":   w.id,
	}).Debug("Reconnect worker stopped")
}

func (w *worker) attempt(n *registry.Node) {
	info := n.Info()
	ctx, cancel := context.WithTimeout(w.ctx, w.sched.cfg.AttemptBudget)
	defer cancel()

	_, err := w.sched.connector.Connect(ctx, info)
	if err == nil {
		w.sched.metrics.ReconnectAttempt("ok")
		logrus.WithFields(logrus.Fields{
			"function": "worker.attempt",
			"worker":   w.id,
			"peer":     info.ID.Short(),
		}).Debug("Reconnected")
		return
	}

	var invalid *peer.InvalidIdentityError
	if !errors.As(err, &invalid) {
		w.sched.metrics.ReconnectAttempt("failed")
		logrus.WithFields(logrus.Fields{
			"function": "worker.attempt",
			"worker":   w.id,
			"peer":     info.ID.Short(),
			"error":    err.Error(),
		}).Debug("Reconnect failed")
		return
	}

	w.sched.metrics.ReconnectAttempt("wrong_identity")
	n.SetWrongIdentity(true)
	w.fallback(ctx, info, invalid)
}

// fallback handles a node that answered under another identity: it connects
// to the address without expecting an identity and queues the node found
// there.
func (w *worker) fallback(ctx context.Context, expected peer.Info, invalid *peer.InvalidIdentityError) {
	fields := logrus.Fields{
		"function": "worker.fallback",
		"worker":   w.id,
		"expected": expected.ID.Short(),
		"found":    invalid.Got.ID.Short(),
		"address":  expected.ConnectAddress,
	}

	found := invalid.Got.Info
	if found.ConnectAddress == "" || invalid.Got.Tunneled {
		found.ConnectAddress = expected.ConnectAddress
	}
	other, err := w.sched.nodes.AddNode(found)
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Ignoring node found at address")
		return
	}

	if _, err := w.sched.connector.ConnectAddr(ctx, expected.ConnectAddress); err == nil {
		logrus.WithFields(fields).Info("Connected to node found at address")
		return
	}

	queued := w.sched.ConsiderReconnectionTo(other)
	fields["queued"] = queued
	logrus.WithFields(fields).Info("Invalid identity at address")
}

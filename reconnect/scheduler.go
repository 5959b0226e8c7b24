// Package reconnect keeps the node connected to the peers it cares about.
//
// The Scheduler maintains a priority queue of reconnect candidates and a
// resizable pool of workers that take candidates from the front and try to
// connect them, one attempt per AttemptBudget and worker.
package reconnect

//go:generate mockgen -source=scheduler.go -destination=mocks_test.go -package=reconnect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/registry"
	"github.com/opd-ai/peerlink/session"
	"github.com/sirupsen/logrus"
)

// queueWarnThreshold logs a warning when a rebuilt queue is longer.
const queueWarnThreshold = 100

// Nodes is the view of the registry the scheduler works on.
type Nodes interface {
	Nodes() []*registry.Node
	Node(id peer.ID) *registry.Node
	AddNode(info peer.Info) (*registry.Node, error)
	IsConnected(id peer.ID) bool
	CountConnectedSupernodes() int
	SelfID() peer.ID
}

// Connector opens and accepts sessions.
type Connector interface {
	Connect(ctx context.Context, info peer.Info) (*session.Session, error)
	ConnectAddr(ctx context.Context, addr string) (*session.Session, error)
}

// RelayChecker tells relays apart. Relays are connected by the relay task,
// never by the queue.
type RelayChecker interface {
	IsRelay(info peer.Info) bool
}

// Config holds the scheduler tunables.
type Config struct {
	MinWorkers          int
	MaxWorkers          int
	AttemptBudget       time.Duration
	ResizeInterval      time.Duration
	IdleWait            time.Duration
	MaxNodeOfflineTime  time.Duration
	SupernodesToConnect int
	// ImmediateGrace is how long a node marked for immediate reconnect may
	// wait in the queue before an extra worker is spawned for it.
	ImmediateGrace time.Duration
	// StartStagger delays the start of each additional worker.
	StartStagger time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          2,
		MaxWorkers:          5,
		AttemptBudget:       10 * time.Second,
		ResizeInterval:      2 * time.Minute,
		IdleWait:            2 * time.Minute,
		MaxNodeOfflineTime:  10 * time.Hour,
		SupernodesToConnect: 3,
		ImmediateGrace:      20 * time.Millisecond,
		StartStagger:        500 * time.Millisecond,
	}
}

// Scheduler owns the reconnect queue and the worker pool.
type Scheduler struct {
	nodes     Nodes
	connector Connector
	relays    RelayChecker
	cfg       Config
	clock     clock.Clock
	metrics   *metrics.Metrics

	mu      sync.Mutex
	queue   []*registry.Node
	notify  chan struct{}
	started bool

	wmu     sync.Mutex
	workers []*worker
	nextID  int
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock for idle waits, budgets and resizing.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithRelayChecker excludes relays from the queue.
func WithRelayChecker(r RelayChecker) Option {
	return func(s *Scheduler) {
		s.relays = r
	}
}

// New creates a stopped scheduler.
func New(nodes Nodes, connector Connector, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		nodes:     nodes,
		connector: connector,
		cfg:       cfg,
		clock:     clock.New(),
		notify:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the queue, starts the minimum number of workers and the pool
// resizer. The scheduler runs until Stop or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.Rebuild()
	for i := 0; i < s.cfg.MinWorkers; i++ {
		s.spawnWorker(time.Duration(i) * s.cfg.StartStagger)
	}

	s.wg.Add(1)
	go s.resizeLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Scheduler.Start",
		"workers":  s.cfg.MinWorkers,
		"queue":    s.QueueLen(),
	}).Info("Reconnect scheduler started")
}

// Stop shuts every worker down immediately, cancelling attempts in flight,
// and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wmu.Lock()
	for _, w := range s.workers {
		w.shutdown()
	}
	s.workers = nil
	s.wmu.Unlock()

	s.wg.Wait()
	s.metrics.SetReconnectWorkers(0)
}

func (s *Scheduler) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stats returns the queue length and the number of workers.
func (s *Scheduler) Stats() (queued, workers int) {
	s.wmu.Lock()
	workers = len(s.workers)
	s.wmu.Unlock()
	return s.QueueLen(), workers
}

// QueueLen returns the number of queued candidates.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Queue returns the ids of the queued candidates in order.
func (s *Scheduler) Queue() []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]peer.ID, len(s.queue))
	for i, n := range s.queue {
		ids[i] = n.ID()
	}
	return ids
}

// Rebuild refills the queue from scratch with all eligible nodes.
func (s *Scheduler) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked()
}

func (s *Scheduler) rebuildLocked() {
	before := len(s.queue)
	supernodes := s.nodes.CountConnectedSupernodes()
	now := s.clock.Now()

	s.queue = s.queue[:0]
	for _, n := range s.nodes.Nodes() {
		if s.eligible(n, supernodes, now) {
			s.queue = append(s.queue, n)
		}
	}
	sortByPriority(s.queue)
	s.metrics.SetReconnectQueue(len(s.queue))

	fields := logrus.Fields{
		"function": "Scheduler.Rebuild",
		"queue":    len(s.queue),
		"before":   before,
	}
	if len(s.queue) > queueWarnThreshold {
		logrus.WithFields(fields).Warn("Reconnect queue is very long")
	} else {
		logrus.WithFields(fields).Debug("Reconnect queue rebuilt")
	}
	if len(s.queue) > 0 {
		s.notifyLocked()
	}
}

// notifyLocked wakes every idle worker.
func (s *Scheduler) notifyLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// eligible decides whether n belongs into the queue.
func (s *Scheduler) eligible(n *registry.Node, connectedSupernodes int, now time.Time) bool {
	info := n.Info()
	switch {
	case !info.Valid(), info.ID == s.nodes.SelfID():
		return false
	case s.nodes.IsConnected(info.ID), n.IsConnecting():
		return false
	case n.HasWrongIdentity():
		return false
	case s.relays != nil && s.relays.IsRelay(info):
		return false
	case n.IsFriend():
		return true
	case n.DontConnect():
		return false
	}

	last := n.LastSeen()
	if lc := n.LastConnect(); lc.After(last) {
		last = lc
	}
	if last.IsZero() || now.Sub(last) > s.cfg.MaxNodeOfflineTime {
		return false
	}
	if n.IsSupernode() {
		return connectedSupernodes < s.cfg.SupernodesToConnect
	}
	return true
}

// priority scores a candidate: friends before supernodes before nodes
// connected to the network.
func priority(n *registry.Node) int {
	score := 0
	if n.IsFriend() {
		score += 8
	}
	if n.IsSupernode() {
		score += 4
	}
	if n.IsOnline() {
		score += 2
	}
	return score
}

// sortByPriority orders by priority, then by last successful connect,
// most recent first.
func sortByPriority(nodes []*registry.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		pi, pj := priority(nodes[i]), priority(nodes[j])
		if pi != pj {
			return pi > pj
		}
		return nodes[i].LastConnect().After(nodes[j].LastConnect())
	})
}

// ConsiderReconnectionTo queues n if it is eligible and not queued yet.
func (s *Scheduler) ConsiderReconnectionTo(n *registry.Node) bool {
	if !s.isStarted() {
		return false
	}
	supernodes := s.nodes.CountConnectedSupernodes()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eligible(n, supernodes, s.clock.Now()) || s.indexLocked(n) >= 0 {
		return false
	}
	s.queue = append(s.queue, n)
	sortByPriority(s.queue)
	s.metrics.SetReconnectQueue(len(s.queue))
	s.notifyLocked()
	return true
}

func (s *Scheduler) indexLocked(n *registry.Node) int {
	for i, q := range s.queue {
		if q == n {
			return i
		}
	}
	return -1
}

func (s *Scheduler) contains(n *registry.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(n) >= 0
}

// MarkForImmediateReconnect moves the node to the front of the queue. If no
// worker picked it up after ImmediateGrace, an extra worker is started.
// Eligibility rules do not apply; it returns false for unknown, connected
// or connecting nodes.
func (s *Scheduler) MarkForImmediateReconnect(id peer.ID) bool {
	n := s.nodes.Node(id)
	if n == nil || !s.isStarted() {
		return false
	}
	if s.nodes.IsConnected(id) || n.IsConnecting() {
		return false
	}

	s.mu.Lock()
	if i := s.indexLocked(n); i >= 0 {
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
	}
	s.queue = append([]*registry.Node{n}, s.queue...)
	s.metrics.SetReconnectQueue(len(s.queue))
	s.notifyLocked()
	ctx := s.ctx
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Scheduler.MarkForImmediateReconnect",
		"peer":     id.Short(),
	}).Debug("Node marked for immediate reconnect")

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.ImmediateGrace):
		}
		if s.contains(n) && s.isStarted() {
			logrus.WithFields(logrus.Fields{
				"function": "Scheduler.MarkForImmediateReconnect",
				"peer":     id.Short(),
			}).Debug("Spawning extra worker for faster reconnect")
			s.spawnWorker(0)
		}
	}()
	return true
}

// next takes the front candidate and marks it connecting. It blocks for at
// most IdleWait on an empty queue and returns nil when there is nothing to
// do or w should stop.
func (s *Scheduler) next(w *worker) *registry.Node {
	s.mu.Lock()
	if len(s.queue) == 0 {
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-s.clock.After(s.cfg.IdleWait):
		case <-w.quit:
			return nil
		case <-w.ctx.Done():
			return nil
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.rebuildLocked()
		}
	}
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	s.metrics.SetReconnectQueue(len(s.queue))

	if s.nodes.IsConnected(n.ID()) || n.IsConnecting() {
		return nil
	}
	if n.MarkConnecting() >= 2 {
		n.UnmarkConnecting()
		return nil
	}
	return n
}

func (s *Scheduler) resizeLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.ResizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.resize()
		}
	}
}

// targetWorkers returns the pool size for a queue length: one worker per
// three candidates, clamped to [min, max].
func targetWorkers(queued, min, max int) int {
	n := queued / 3
	if n > max {
		n = max
	}
	if n < min {
		n = min
	}
	return n
}

// resize prunes exited workers and grows or shrinks the pool towards the
// target size. Shrinking is soft and never stops the last worker.
func (s *Scheduler) resize() {
	if !s.isStarted() {
		return
	}
	target := targetWorkers(s.QueueLen(), s.cfg.MinWorkers, s.cfg.MaxWorkers)

	s.wmu.Lock()
	alive := s.workers[:0]
	for _, w := range s.workers {
		if !w.exited() {
			alive = append(alive, w)
		}
	}
	s.workers = alive
	diff := target - len(s.workers)

	var stopped []*worker
	for diff < 0 && len(s.workers) > 1 {
		stopped = append(stopped, s.workers[0])
		s.workers = s.workers[1:]
		diff++
	}
	spawn := 0
	if diff > 0 {
		spawn = diff
	}
	s.wmu.Unlock()

	for _, w := range stopped {
		w.softShutdown()
	}
	for i := 0; i < spawn; i++ {
		s.spawnWorker(time.Duration(i) * s.cfg.StartStagger)
	}

	if spawn > 0 || len(stopped) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Scheduler.resize",
			"target":   target,
			"spawned":  spawn,
			"stopped":  len(stopped),
			"queue":    s.QueueLen(),
		}).Debug("Resized reconnect worker pool")
	}
}

func (s *Scheduler) spawnWorker(delay time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.wmu.Lock()
	s.nextID++
	w := newWorker(ctx, s.nextID, s)
	s.workers = append(s.workers, w)
	n := len(s.workers)
	s.wg.Add(1)
	s.wmu.Unlock()

	s.metrics.SetReconnectWorkers(n)

	go func() {
		defer s.wg.Done()
		defer close(w.done)
		if delay > 0 {
			select {
			case <-s.clock.After(delay):
			case <-w.ctx.Done():
				return
			case <-w.quit:
				return
			}
		}
		w.run()
	}()
}

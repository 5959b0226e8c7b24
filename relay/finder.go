package relay

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"

	"github.com/opd-ai/peerlink/peer"
	"github.com/opd-ai/peerlink/session"
)

// Directory exposes the nodes a relay is chosen from.
type Directory interface {
	ConnectedSessions() []*session.Session
	KnownPeers() []peer.Info
}

// NamingFinder selects relays by name: every node whose nick or id matches
// the pattern acts as a relay. The chosen relay is cached while it stays
// connected.
type NamingFinder struct {
	dir     Directory
	pattern *regexp.Regexp
	shuffle func(n int, swap func(i, j int))

	mu      sync.Mutex
	current *session.Session
}

// NewNamingFinder compiles pattern and returns a finder over dir.
func NewNamingFinder(dir Directory, pattern string) (*NamingFinder, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("relay name pattern %q: %w", pattern, err)
	}
	return &NamingFinder{dir: dir, pattern: re, shuffle: rand.Shuffle}, nil
}

// IsRelay reports whether info names a relay.
func (f *NamingFinder) IsRelay(info peer.Info) bool {
	return f.pattern.MatchString(info.Nick) || f.pattern.MatchString(string(info.ID))
}

// FindRelay returns a connected relay session or nil.
func (f *NamingFinder) FindRelay() *session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil && f.current.IsConnected() {
		return f.current
	}
	f.current = nil

	var candidates []*session.Session
	for _, s := range f.dir.ConnectedSessions() {
		remote := s.RemoteIdentity()
		if remote == nil || s.Tunneled() {
			continue
		}
		if f.IsRelay(remote.Info) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	f.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	f.current = candidates[0]
	return f.current
}

// Candidate returns a known relay that is not connected yet.
func (f *NamingFinder) Candidate() (peer.Info, bool) {
	connected := make(map[peer.ID]bool)
	for _, s := range f.dir.ConnectedSessions() {
		connected[s.PeerID()] = true
	}

	var candidates []peer.Info
	for _, info := range f.dir.KnownPeers() {
		if !connected[info.ID] && info.HasAddress() && f.IsRelay(info) {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return peer.Info{}, false
	}
	f.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[0], true
}

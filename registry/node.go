package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/peerlink/peer"
)

// Node is a known remote node and the state the reconnect scheduler and the
// relay finder decide on. Live sessions are kept by the Registry.
type Node struct {
	mu            sync.RWMutex
	info          peer.Info
	friend        bool
	supernode     bool
	online        bool
	wrongIdentity bool
	dontConnect   bool
	lastConnect   time.Time
	lastSeen      time.Time

	connecting atomic.Int32
}

func newNode(info peer.Info) *Node {
	return &Node{info: info}
}

// Info returns the node's id, nick and connect address.
func (n *Node) Info() peer.Info {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info
}

// ID returns the node id.
func (n *Node) ID() peer.ID {
	return n.Info().ID
}

// update merges newer information. Empty fields keep their old value.
func (n *Node) update(info peer.Info) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if info.Nick != "" {
		n.info.Nick = info.Nick
	}
	if info.ConnectAddress != "" {
		n.info.ConnectAddress = info.ConnectAddress
	}
}

// IsFriend reports whether the node is a friend.
func (n *Node) IsFriend() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.friend
}

// SetFriend marks or unmarks the node as friend.
func (n *Node) SetFriend(friend bool) {
	n.mu.Lock()
	n.friend = friend
	n.mu.Unlock()
}

// IsSupernode reports whether the node announced itself as supernode.
func (n *Node) IsSupernode() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.supernode
}

// SetSupernode sets the supernode flag.
func (n *Node) SetSupernode(supernode bool) {
	n.mu.Lock()
	n.supernode = supernode
	n.mu.Unlock()
}

// IsOnline reports whether the node was recently reported connected to
// the network.
func (n *Node) IsOnline() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

// SetOnline sets the connected-to-network flag.
func (n *Node) SetOnline(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
}

// HasWrongIdentity reports whether the last connect reached a different node.
func (n *Node) HasWrongIdentity() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.wrongIdentity
}

// SetWrongIdentity records the outcome of an identity check.
func (n *Node) SetWrongIdentity(wrong bool) {
	n.mu.Lock()
	n.wrongIdentity = wrong
	n.mu.Unlock()
}

// DontConnect reports whether outbound connects to the node are disabled.
func (n *Node) DontConnect() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dontConnect
}

// SetDontConnect disables or enables outbound connects.
func (n *Node) SetDontConnect(v bool) {
	n.mu.Lock()
	n.dontConnect = v
	n.mu.Unlock()
}

// LastConnect returns the time of the last successful connect.
func (n *Node) LastConnect() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastConnect
}

// SetLastConnect restores the time of the last successful connect, e.g.
// from a persisted node list.
func (n *Node) SetLastConnect(t time.Time) {
	n.mu.Lock()
	n.lastConnect = t
	n.mu.Unlock()
}

// LastSeen returns when the node was last heard of.
func (n *Node) LastSeen() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastSeen
}

// Seen records that the node was heard of at t.
func (n *Node) Seen(t time.Time) {
	n.mu.Lock()
	if t.After(n.lastSeen) {
		n.lastSeen = t
	}
	n.mu.Unlock()
}

func (n *Node) connected(t time.Time, ident *peer.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastConnect = t
	n.lastSeen = t
	n.wrongIdentity = false
	n.online = true
	n.supernode = ident.Supernode
	if ident.Nick != "" {
		n.info.Nick = ident.Nick
	}
	if !ident.Tunneled && !peer.IsNullAddress(ident.ConnectAddress) {
		n.info.ConnectAddress = ident.ConnectAddress
	}
}

// MarkConnecting registers a connection attempt and returns the number of
// attempts now in flight.
func (n *Node) MarkConnecting() int {
	return int(n.connecting.Add(1))
}

// UnmarkConnecting ends an attempt registered with MarkConnecting.
func (n *Node) UnmarkConnecting() {
	if n.connecting.Add(-1) < 0 {
		n.connecting.Store(0)
	}
}

// IsConnecting reports whether an attempt is in flight.
func (n *Node) IsConnecting() bool {
	return n.connecting.Load() > 0
}

func (n *Node) String() string {
	return n.Info().String()
}

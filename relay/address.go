package relay

import (
	"fmt"

	"github.com/opd-ai/peerlink/peer"
)

// Address is the remote address of a virtual circuit. It implements net.Addr.
type Address struct {
	Relay        peer.ID
	Peer         peer.ID
	ConnectionID uint64
}

// Network returns the network type for a relayed address.
func (a *Address) Network() string {
	return "relay"
}

// String returns a string representation of the relayed address.
func (a *Address) String() string {
	return fmt.Sprintf("relay://%s/%s#%d", a.Relay.Short(), a.Peer.Short(), a.ConnectionID)
}

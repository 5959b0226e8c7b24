// Package peer defines the identity value types exchanged during a session
// handshake and the error taxonomy shared by every connection component.
package peer

import (
	"net"
	"strconv"
	"time"
)

// ID is the opaque, unique identifier of a node.
type ID string

// String returns the id as a string.
func (id ID) String() string {
	return string(id)
}

// Short returns a prefix of the id suitable for log fields.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Info describes a known node: its id, nickname and the address it
// accepts direct connections on.
type Info struct {
	ID             ID
	Nick           string
	ConnectAddress string
}

// Valid reports whether the info identifies a node at all.
func (i Info) Valid() bool {
	return i.ID != ""
}

// HasAddress reports whether the node advertises a usable direct address.
// An empty host or an unspecified IP (0.0.0.0, ::) counts as no address.
func (i Info) HasAddress() bool {
	return !IsNullAddress(i.ConnectAddress)
}

// String returns "nick (id)" or the id alone when no nickname is known.
func (i Info) String() string {
	if i.Nick == "" {
		return string(i.ID)
	}
	return i.Nick + " (" + i.ID.Short() + ")"
}

// IsNullAddress reports whether a host:port string carries no reachable host.
func IsNullAddress(hostport string) bool {
	if hostport == "" {
		return true
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || host == "" || port == "" || port == "0" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// Identity is the self-description a node sends as the first message of a
// session. It is immutable once received.
type Identity struct {
	Info
	ProtocolVersion uint32
	// MagicID is a long random token generated per session, used to detect
	// loopback connections and to tell sessions apart in logs.
	MagicID   string
	Timestamp time.Time
	Tunneled  bool
	Supernode bool
}

// Valid reports whether the identity carries a node id and a magic id.
func (id *Identity) Valid() bool {
	return id != nil && id.ID != "" && id.MagicID != ""
}

// TimeDelta returns the clock skew between the remote node and local time.
// A positive value means the remote clock is ahead.
func (id *Identity) TimeDelta(local time.Time) time.Duration {
	if id == nil || id.Timestamp.IsZero() {
		return 0
	}
	return id.Timestamp.Sub(local)
}

// RemoteListenerPort returns the port the remote node accepts direct
// connections on, or -1 when the node is tunneled or advertises no address.
func (id *Identity) RemoteListenerPort() int {
	if id == nil || id.Tunneled || IsNullAddress(id.ConnectAddress) {
		return -1
	}
	_, port, err := net.SplitHostPort(id.ConnectAddress)
	if err != nil {
		return -1
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return -1
	}
	return p
}

package peer

import (
	"errors"
	"fmt"
)

// Kind classifies a connection failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindHandshakeTimeout means the remote identity or identity reply did not arrive in time.
	KindHandshakeTimeout
	// KindPeerDisconnected means the transport closed before the operation completed.
	KindPeerDisconnected
	// KindProtocolViolation means the remote side sent an illegal frame or message.
	KindProtocolViolation
	// KindDuplicateConnection means a live session to the same node already exists.
	KindDuplicateConnection
	// KindRelayUnavailable means no relay could carry a virtual circuit.
	KindRelayUnavailable
	// KindRelayHandshakeFailed means the circuit SYN was refused or never answered.
	KindRelayHandshakeFailed
	// KindQueueOverflow means the outbound queue exceeded its hard limit.
	KindQueueOverflow
	// KindIdentityRejected means the remote side refused our identity.
	KindIdentityRejected
	// KindLoopback means the session connects this node to itself.
	KindLoopback
)

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrHandshakeTimeout     = errors.New("handshake timeout")
	ErrPeerDisconnected     = errors.New("peer disconnected")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrDuplicateConnection  = errors.New("duplicate connection")
	ErrRelayUnavailable     = errors.New("relay unavailable")
	ErrRelayHandshakeFailed = errors.New("relay handshake failed")
	ErrQueueOverflow        = errors.New("send queue overflow")
	ErrIdentityRejected     = errors.New("identity rejected")
	ErrLoopback             = errors.New("loopback connection")
)

var kindSentinels = map[Kind]error{
	KindHandshakeTimeout:     ErrHandshakeTimeout,
	KindPeerDisconnected:     ErrPeerDisconnected,
	KindProtocolViolation:    ErrProtocolViolation,
	KindDuplicateConnection:  ErrDuplicateConnection,
	KindRelayUnavailable:     ErrRelayUnavailable,
	KindRelayHandshakeFailed: ErrRelayHandshakeFailed,
	KindQueueOverflow:        ErrQueueOverflow,
	KindIdentityRejected:     ErrIdentityRejected,
	KindLoopback:             ErrLoopback,
}

// String returns the human readable name of the kind.
func (k Kind) String() string {
	if err, ok := kindSentinels[k]; ok {
		return err.Error()
	}
	return "unknown"
}

// ConnectionError represents a connection failure with additional context
type ConnectionError struct {
	Kind Kind
	Peer ID     // remote node if known
	Op   string // operation that failed
	Err  error  // underlying error, may be nil
}

// NewError creates a new ConnectionError.
func NewError(kind Kind, peer ID, op string, err error) *ConnectionError {
	return &ConnectionError{
		Kind: kind,
		Peer: peer,
		Op:   op,
		Err:  err,
	}
}

func (e *ConnectionError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Peer != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Peer.Short())
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's kind.
func (e *ConnectionError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Temporary reports whether retrying the same operation later may succeed.
func (e *ConnectionError) Temporary() bool {
	switch e.Kind {
	case KindHandshakeTimeout, KindPeerDisconnected, KindRelayUnavailable,
		KindRelayHandshakeFailed, KindQueueOverflow, KindDuplicateConnection:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of the first ConnectionError in err's chain.
func KindOf(err error) Kind {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// InvalidIdentityError is returned when the node reached at an address is not
// the node that was expected there.
type InvalidIdentityError struct {
	Expected Info
	Got      Identity
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("invalid identity: expected %s, got %s", e.Expected.ID.Short(), e.Got.ID.Short())
}

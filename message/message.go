// Package message defines the messages exchanged over a session and the
// codec that turns them into frame payloads.
package message

import (
	"fmt"

	"github.com/opd-ai/peerlink/peer"
)

// Type identifies a message on the wire.
type Type uint8

const (
	TypeIdentity Type = iota + 1
	TypeIdentityReply
	TypePing
	TypePong
	TypeProblem
	TypeRelayed
	TypeKeepAlive
	TypeApplication
)

var typeNames = map[Type]string{
	TypeIdentity:      "Identity",
	TypeIdentityReply: "IdentityReply",
	TypePing:          "Ping",
	TypePong:          "Pong",
	TypeProblem:       "Problem",
	TypeRelayed:       "Relayed",
	TypeKeepAlive:     "KeepAlive",
	TypeApplication:   "Application",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Message is implemented by every message shape.
type Message interface {
	Type() Type
}

// Identity carries the sender's self-description. It is the first message
// of every session.
type Identity struct {
	Peer peer.Identity
}

// IdentityReply accepts or rejects the receiver's identity.
type IdentityReply struct {
	Accepted bool
	Message  string
}

// Ping requests a Pong with the same sequence.
type Ping struct {
	Sequence int64
}

// Pong answers a Ping.
type Pong struct {
	Sequence int64
}

// ProblemCode classifies a Problem.
type ProblemCode uint32

const (
	ProblemGeneric ProblemCode = iota
	ProblemDisconnected
	ProblemDuplicateConnection
	ProblemIdentityRejected
	ProblemProtocolViolation
)

// Problem reports an error to the remote side. A fatal problem ends the session.
type Problem struct {
	Message string
	Fatal   bool
	Code    ProblemCode
}

func (p *Problem) String() string {
	if p.Fatal {
		return fmt.Sprintf("fatal problem %d: %s", p.Code, p.Message)
	}
	return fmt.Sprintf("problem %d: %s", p.Code, p.Message)
}

// RelayKind is the control type of a relayed message.
type RelayKind uint8

const (
	RelaySYN RelayKind = iota + 1
	RelayACK
	RelayNACK
	RelayEOF
	RelayDATA
)

func (k RelayKind) String() string {
	switch k {
	case RelaySYN:
		return "SYN"
	case RelayACK:
		return "ACK"
	case RelayNACK:
		return "NACK"
	case RelayEOF:
		return "EOF"
	case RelayDATA:
		return "DATA"
	default:
		return fmt.Sprintf("RelayKind(%d)", uint8(k))
	}
}

// Relayed is a virtual circuit message travelling through a relay node.
// The relay forwards it verbatim and never decodes Payload.
type Relayed struct {
	Kind         RelayKind
	Source       peer.ID
	Destination  peer.ID
	ConnectionID uint64
	Payload      []byte
}

// Reply creates a control message for the same circuit travelling back to
// the source.
func (r *Relayed) Reply(kind RelayKind) *Relayed {
	return &Relayed{
		Kind:         kind,
		Source:       r.Destination,
		Destination:  r.Source,
		ConnectionID: r.ConnectionID,
	}
}

// KeepAlive is a liveness message without content.
type KeepAlive struct{}

// Application is an opaque message for the entity bound to the session.
type Application struct {
	Kind    uint32
	Payload []byte
}

func (*Identity) Type() Type      { return TypeIdentity }
func (*IdentityReply) Type() Type { return TypeIdentityReply }
func (*Ping) Type() Type          { return TypePing }
func (*Pong) Type() Type          { return TypePong }
func (*Problem) Type() Type       { return TypeProblem }
func (*Relayed) Type() Type       { return TypeRelayed }
func (*KeepAlive) Type() Type     { return TypeKeepAlive }
func (*Application) Type() Type   { return TypeApplication }

/*
Package relay tunnels sessions between nodes that cannot reach each other
directly.

A Circuit is a virtual connection carried inside RelayedMessages over an
established session to a relay node. Circuits implement transport.Conn, so a
regular session.Session runs on top of them unchanged:

	initiator                relay                 target
	    |---- SYN ------------->|---- SYN ------------->|
	    |<--- ACK --------------|<--- ACK --------------|
	    |==== DATA (Identity, IdentityReply, ...) ======|
	    |---- EOF ------------->|---- EOF ------------->|

The Multiplexer owns all circuits of a node. It opens circuits with Dial,
answers SYNs addressed to this node and, when this node is the relay,
forwards messages between its connected sessions without decoding their
payloads. A destination that is not connected is answered with NACK for a
SYN and EOF for anything else.

Relays are chosen by name through NamingFinder; ConnectTask connects to
a relay candidate whenever none is connected. Messages for an existing
circuit are only taken from the session that circuit runs over.
*/
package relay

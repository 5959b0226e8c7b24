// Package transport provides the message-oriented connections sessions run
// on.
//
// Every transport carries length-prefixed frames:
//
//	[4-byte big-endian signed length][payload]
//
// Two reserved lengths exist. -1 is sent by a peer that is closing the
// connection, and a specific negative sentinel identifies peers speaking the
// old, incompatible protocol. Frames larger than limits.MaxFrameSize are
// protocol violations.
//
// # Transport Implementations
//
// TCP:
//
//	d := &TCPDialer{Timeout: 30 * time.Second}
//	conn, err := d.Dial(ctx, "10.0.0.2:1337")
//
// QUIC, used for datagram connections, opens one bidirectional stream per
// connection and frames it the same way:
//
//	d := NewQUICDialer(QUICConfig{IdleTimeout: 2 * time.Minute}, nil)
//	conn, err := d.Dial(ctx, "10.0.0.2:1337")
//
// Relayed connections are built by package relay on top of an existing
// session and satisfy the same Conn interface.
//
// # LAN Detection
//
// LinkClassifier decides whether a remote address belongs to a local
// network (private ranges or configured CIDRs) and whether it is one of this
// host's own interfaces.
package transport

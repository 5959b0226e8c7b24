// Package peerlink implements the peer-connection layer of a decentralized
// file synchronization client.
//
// A Node keeps at most one live session per remote node. Sessions run over
// TCP, over QUIC, or through a relay node as a virtual circuit, and every
// session starts with the same handshake: both sides exchange an Identity,
// then each side answers the other with an IdentityReply. After that the
// session carries application messages in order, with keep-alive pings on
// idle links and a bounded send queue.
//
// # Getting Started
//
//	cfg := config.Default()
//	cfg.NodeID = "node-1"
//	cfg.Nick = "laptop"
//	cfg.Peers = []config.Peer{{ID: "node-2", Address: "10.0.0.2:1337", Friend: true}}
//
//	node, err := peerlink.New(cfg, peerlink.WithMessageHandler(
//	    func(from peer.ID, msg message.Message) {
//	        log.Printf("%s: %T", from, msg)
//	    }))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
// # Connection Strategies
//
// Connecting to a node tries, in order, a direct TCP connection to its
// advertised address, a QUIC connection to the same address when datagram
// connections are enabled, and finally a circuit through a connected relay.
// Relays are ordinary nodes whose nickname or id matches the configured
// relay pattern.
//
// # Reconnection
//
// A pool of workers keeps reconnecting to known nodes that are not
// connected. Friends come first, then supernodes, then nodes recently seen
// online. The pool grows and shrinks with the queue length.
//
// # Thread Safety
//
// All Node methods are safe for concurrent use.
package peerlink

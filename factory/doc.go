// Package factory opens sessions to remote nodes.
//
// A ConnectionFactory tries the available strategies in a fixed order and
// returns the first session whose handshake produced a remote identity:
//
//  1. a direct TCP connection, when the node advertises an address
//  2. a QUIC connection to the same address, when datagram connections are enabled
//  3. a virtual circuit through a relay, when relayed connections are enabled
//
// Errors of all failed strategies are combined and wrapped with
// ErrNoAlternatives, so both errors.Is(err, ErrNoAlternatives) and
// peer.KindOf(err) work on the result.
//
// # Usage
//
//	f := factory.New(self, codec, reg, factory.Config{
//		DialTimeout: 30 * time.Second,
//		UseRelay:    true,
//		Session:     session.DefaultConfig(),
//	}, factory.WithRelay(mux))
//
//	s, err := f.Connect(ctx, peer.Info{ID: "node-b", ConnectAddress: "198.51.100.7:1337"})
//	var invalid *peer.InvalidIdentityError
//	if errors.As(err, &invalid) {
//		// another node answers on that address
//	}
package factory

// Package session implements one logical connection to a remote node.
//
// A Session runs over any transport.Conn and owns its handshake, receive
// loop, send queue and keep-alive timer. The handshake has two phases:
//
//	local                         remote
//	  | ---------- Identity -------> |   Init
//	  | <--------- Identity -------- |
//	  | ------- IdentityReply -----> |   AcceptIdentity
//	  | <------ IdentityReply ------ |
//
// Init sends the local Identity and waits for the remote one. The caller
// then decides whether to accept the remote node (loopback and duplicate
// checks live outside this package) and calls AcceptIdentity, which sends
// the local verdict and waits for the remote verdict.
//
// Outbound messages go through a queue drained by a sender goroutine that
// only exists while the queue is non-empty. A queue above SendQueueWarn logs
// a rate limited warning; above SendQueueMax the session shuts down with
// KindQueueOverflow without blocking the caller.
//
// A session is shut down exactly once: the first Shutdown closes Done,
// closes the connection and runs the close hooks. Later calls return
// immediately.
package session

// Package limits provides centralized frame size constants and validation functions
// for the peerlink wire protocol.
//
// # Frame Layout
//
// Every stream transport carries frames of the form
//
//	[4-byte big-endian signed length][payload]
//
// Two lengths are reserved and never describe a payload:
//
//   - FrameEOF (-1): the remote side closes gracefully.
//   - OldProtocolMagic (-1393754107): the remote side speaks the legacy protocol
//     and the connection must be dropped immediately.
//
// Any other length that is zero, negative or above MaxFrameSize is a protocol
// violation.
//
// # Validation Functions
//
//	if err := limits.ValidateLength(n); err != nil {
//	    // ErrIllegalFrameLength or ErrFrameTooLarge
//	}
//
//	if err := limits.ValidateFrame(payload); err != nil {
//	    // ErrFrameEmpty or ErrFrameTooLarge
//	}
package limits

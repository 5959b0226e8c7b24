// Package limits provides centralized frame size limits for the peer wire protocol.
// This ensures consistent validation across the framing, codec and relay layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest frame payload accepted from a stream transport.
	// Larger announced lengths are treated as protocol violations (16MB).
	MaxFrameSize = 16 * 1024 * 1024

	// MaxRelayPayload is the largest DATA payload a relay circuit carries.
	// It leaves room for the relay envelope inside one frame.
	MaxRelayPayload = MaxFrameSize - 1024

	// FrameHeaderSize is the size of the big-endian length prefix.
	FrameHeaderSize = 4

	// FrameEOF is the reserved length announcing a graceful close.
	FrameEOF int32 = -1

	// OldProtocolMagic is the reserved length sent by peers that speak the
	// legacy, unframed protocol. It is never a valid length.
	OldProtocolMagic int32 = -1393754107

	// CompressThreshold is the encoded body size above which the codec compresses.
	CompressThreshold = 4 * 1024
)

var (
	// ErrFrameEmpty indicates an empty frame payload was provided
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameTooLarge indicates a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrIllegalFrameLength indicates a non-positive, non-reserved length prefix
	ErrIllegalFrameLength = errors.New("illegal frame length")
)

// ValidateFrameSize validates a frame payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateFrameSize(frame []byte, maxSize int) error {
	if len(frame) == 0 {
		return ErrFrameEmpty
	}
	if len(frame) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, len(frame), maxSize)
	}
	return nil
}

// ValidateFrame validates an outgoing frame payload against MaxFrameSize.
func ValidateFrame(frame []byte) error {
	return ValidateFrameSize(frame, MaxFrameSize)
}

// ValidateRelayPayload validates a relayed DATA payload against MaxRelayPayload.
func ValidateRelayPayload(payload []byte) error {
	if len(payload) > MaxRelayPayload {
		return fmt.Errorf("%w: relay payload size %d exceeds limit %d", ErrFrameTooLarge, len(payload), MaxRelayPayload)
	}
	return nil
}

// ValidateLength checks an announced length prefix that is neither FrameEOF
// nor OldProtocolMagic. Callers handle the reserved values first.
func ValidateLength(length int32) error {
	if length <= 0 {
		return fmt.Errorf("%w: %d", ErrIllegalFrameLength, length)
	}
	if int64(length) > MaxFrameSize {
		return fmt.Errorf("%w: announced size %d exceeds limit %d", ErrFrameTooLarge, length, MaxFrameSize)
	}
	return nil
}

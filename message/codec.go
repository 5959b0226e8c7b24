package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opd-ai/peerlink/limits"
	"github.com/opd-ai/peerlink/peer"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnknownType indicates a frame whose type tag has no message shape.
	// The receiver logs it and continues.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed indicates a frame that could not be decoded.
	// The receiver logs it and continues.
	ErrMalformed = errors.New("malformed message")
)

const (
	flagCompressed byte = 1 << 0

	headerSize = 2
)

// Codec turns messages into frame payloads and back.
type Codec interface {
	Marshal(msg Message) ([]byte, error)
	Unmarshal(frame []byte) (Message, error)
}

// WireCodec encodes a message as
//
//	[flags byte][type byte][protobuf wire body]
//
// and compresses bodies above a threshold with zstd. It is safe for
// concurrent use.
type WireCodec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// CodecOption customizes a WireCodec.
type CodecOption func(*WireCodec)

// WithCompressThreshold sets the body size above which bodies are compressed.
// A negative value disables compression.
func WithCompressThreshold(n int) CodecOption {
	return func(c *WireCodec) {
		c.threshold = n
	}
}

// NewWireCodec creates the default codec.
func NewWireCodec(opts ...CodecOption) (*WireCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limits.MaxFrameSize)))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &WireCodec{
		threshold: limits.CompressThreshold,
		enc:       enc,
		dec:       dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the compression resources.
func (c *WireCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// Marshal encodes msg into a frame payload.
func (c *WireCodec) Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("marshal nil message")
	}
	body, err := appendBody(nil, msg)
	if err != nil {
		return nil, err
	}

	var flags byte
	if c.threshold >= 0 && len(body) > c.threshold {
		body = c.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagCompressed
	}

	frame := make([]byte, 0, headerSize+len(body))
	frame = append(frame, flags, byte(msg.Type()))
	frame = append(frame, body...)

	if err := limits.ValidateFrame(frame); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return frame, nil
}

// Unmarshal decodes a frame payload. Errors wrap ErrUnknownType or ErrMalformed.
func (c *WireCodec) Unmarshal(frame []byte) (Message, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, len(frame))
	}
	flags, typ, body := frame[0], Type(frame[1]), frame[headerSize:]

	msg := newMessage(typ)
	if msg == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, frame[1])
	}

	if flags&flagCompressed != 0 {
		plain, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress %s: %v", ErrMalformed, typ, err)
		}
		body = plain
	}

	if err := decodeBody(msg, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}
	return msg, nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeIdentity:
		return &Identity{}
	case TypeIdentityReply:
		return &IdentityReply{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeProblem:
		return &Problem{}
	case TypeRelayed:
		return &Relayed{}
	case TypeKeepAlive:
		return &KeepAlive{}
	case TypeApplication:
		return &Application{}
	default:
		return nil
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBody(b []byte, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Identity:
		id := m.Peer
		b = appendString(b, 1, string(id.ID))
		b = appendString(b, 2, id.Nick)
		b = appendString(b, 3, id.ConnectAddress)
		b = appendVarint(b, 4, uint64(id.ProtocolVersion))
		b = appendString(b, 5, id.MagicID)
		if !id.Timestamp.IsZero() {
			b = appendVarint(b, 6, protowire.EncodeZigZag(id.Timestamp.UnixMilli()))
		}
		b = appendVarint(b, 7, protowire.EncodeBool(id.Tunneled))
		b = appendVarint(b, 8, protowire.EncodeBool(id.Supernode))
	case *IdentityReply:
		b = appendVarint(b, 1, protowire.EncodeBool(m.Accepted))
		b = appendString(b, 2, m.Message)
	case *Ping:
		b = appendVarint(b, 1, protowire.EncodeZigZag(m.Sequence))
	case *Pong:
		b = appendVarint(b, 1, protowire.EncodeZigZag(m.Sequence))
	case *Problem:
		b = appendString(b, 1, m.Message)
		b = appendVarint(b, 2, protowire.EncodeBool(m.Fatal))
		b = appendVarint(b, 3, uint64(m.Code))
	case *Relayed:
		if err := limits.ValidateRelayPayload(m.Payload); err != nil {
			return nil, err
		}
		b = appendVarint(b, 1, uint64(m.Kind))
		b = appendString(b, 2, string(m.Source))
		b = appendString(b, 3, string(m.Destination))
		b = appendVarint(b, 4, m.ConnectionID)
		b = appendBytes(b, 5, m.Payload)
	case *KeepAlive:
	case *Application:
		b = appendVarint(b, 1, uint64(m.Kind))
		b = appendBytes(b, 2, m.Payload)
	default:
		return nil, fmt.Errorf("marshal: unsupported message %T", msg)
	}
	return b, nil
}

// field is one decoded protobuf field. Bytes aliases the input buffer.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeBody(msg Message, body []byte) error {
	switch m := msg.(type) {
	case *Identity:
		return walkFields(body, func(f field) error {
			switch f.num {
			case 1:
				m.Peer.ID = peer.ID(f.bytes)
			case 2:
				m.Peer.Nick = string(f.bytes)
			case 3:
				m.Peer.ConnectAddress = string(f.bytes)
			case 4:
				m.Peer.ProtocolVersion = uint32(f.varint)
			case 5:
				m.Peer.MagicID = string(f.bytes)
			case 6:
				m.Peer.Timestamp = time.UnixMilli(protowire.DecodeZigZag(f.varint)).UTC()
			case 7:
				m.Peer.Tunneled = protowire.DecodeBool(f.varint)
			case 8:
				m.Peer.Supernode = protowire.DecodeBool(f.varint)
			}
			return nil
		})
	case *IdentityReply:
		return walkFields(body, func(f field) error {
			switch f.num {
			case 1:
				m.Accepted = protowire.DecodeBool(f.varint)
			case 2:
				m.Message = string(f.bytes)
			}
			return nil
		})
	case *Ping:
		return walkFields(body, func(f field) error {
			if f.num == 1 {
				m.Sequence = protowire.DecodeZigZag(f.varint)
			}
			return nil
		})
	case *Pong:
		return walkFields(body, func(f field) error {
			if f.num == 1 {
				m.Sequence = protowire.DecodeZigZag(f.varint)
			}
			return nil
		})
	case *Problem:
		return walkFields(body, func(f field) error {
			switch f.num {
			case 1:
				m.Message = string(f.bytes)
			case 2:
				m.Fatal = protowire.DecodeBool(f.varint)
			case 3:
				m.Code = ProblemCode(f.varint)
			}
			return nil
		})
	case *Relayed:
		err := walkFields(body, func(f field) error {
			switch f.num {
			case 1:
				m.Kind = RelayKind(f.varint)
			case 2:
				m.Source = peer.ID(f.bytes)
			case 3:
				m.Destination = peer.ID(f.bytes)
			case 4:
				m.ConnectionID = f.varint
			case 5:
				m.Payload = append([]byte(nil), f.bytes...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if m.Kind < RelaySYN || m.Kind > RelayDATA {
			return fmt.Errorf("relay kind %d", m.Kind)
		}
		return nil
	case *KeepAlive:
		return walkFields(body, func(field) error { return nil })
	case *Application:
		return walkFields(body, func(f field) error {
			switch f.num {
			case 1:
				m.Kind = uint32(f.varint)
			case 2:
				m.Payload = append([]byte(nil), f.bytes...)
			}
			return nil
		})
	}
	return fmt.Errorf("unsupported message %T", msg)
}

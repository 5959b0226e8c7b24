package message

import (
	"bytes"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, opts ...CodecOption) *WireCodec {
	t.Helper()
	c, err := NewWireCodec(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWireCodec_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	ts := time.Date(2024, 3, 9, 10, 11, 12, 0, time.UTC)

	messages := []Message{
		&Identity{Peer: peer.Identity{
			Info:            peer.Info{ID: "node-a", Nick: "alpha", ConnectAddress: "10.0.0.2:7000"},
			ProtocolVersion: 3,
			MagicID:         "magic",
			Timestamp:       ts,
			Tunneled:        true,
			Supernode:       true,
		}},
		&IdentityReply{Accepted: false, Message: "duplicate"},
		&Ping{Sequence: -1},
		&Pong{Sequence: 42},
		&Problem{Message: "Closing connection, EOF", Fatal: true, Code: ProblemDisconnected},
		&Relayed{Kind: RelayDATA, Source: "a", Destination: "b", ConnectionID: 1 << 40, Payload: []byte{1, 2, 3}},
		&KeepAlive{},
		&Application{Kind: 9, Payload: []byte("hello")},
	}

	for _, msg := range messages {
		t.Run(msg.Type().String(), func(t *testing.T) {
			frame, err := codec.Marshal(msg)
			require.NoError(t, err)
			assert.Equal(t, byte(msg.Type()), frame[1])

			decoded, err := codec.Unmarshal(frame)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestWireCodec_CompressesLargeBodies(t *testing.T) {
	codec := newTestCodec(t, WithCompressThreshold(64))
	payload := bytes.Repeat([]byte("peerlink "), 1000)

	frame, err := codec.Marshal(&Application{Kind: 1, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, flagCompressed, frame[0]&flagCompressed)
	assert.Less(t, len(frame), len(payload))

	decoded, err := codec.Unmarshal(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.(*Application).Payload)
}

func TestWireCodec_CompressionDisabled(t *testing.T) {
	codec := newTestCodec(t, WithCompressThreshold(-1))

	frame, err := codec.Marshal(&Application{Payload: bytes.Repeat([]byte{7}, 10000)})
	require.NoError(t, err)
	assert.Zero(t, frame[0]&flagCompressed)
}

func TestWireCodec_UnmarshalErrors(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Unmarshal([]byte{0})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = codec.Unmarshal([]byte{0, 200, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownType)

	// truncated string field
	_, err = codec.Unmarshal([]byte{0, byte(TypeProblem), 0x0a, 0x05, 'a'})
	assert.ErrorIs(t, err, ErrMalformed)

	// compressed flag with garbage body
	_, err = codec.Unmarshal([]byte{flagCompressed, byte(TypePing), 0xde, 0xad})
	assert.ErrorIs(t, err, ErrMalformed)

	// relayed message without a valid kind
	_, err = codec.Unmarshal([]byte{0, byte(TypeRelayed)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWireCodec_SkipsUnknownFields(t *testing.T) {
	codec := newTestCodec(t)

	frame, err := codec.Marshal(&Pong{Sequence: 5})
	require.NoError(t, err)
	// field 15, varint 1
	frame = append(frame, 0x78, 0x01)

	decoded, err := codec.Unmarshal(frame)
	require.NoError(t, err)
	assert.Equal(t, &Pong{Sequence: 5}, decoded)
}

func TestRelayed_Reply(t *testing.T) {
	syn := &Relayed{Kind: RelaySYN, Source: "a", Destination: "b", ConnectionID: 7, Payload: []byte{1}}

	nack := syn.Reply(RelayNACK)
	assert.Equal(t, RelayNACK, nack.Kind)
	assert.Equal(t, peer.ID("b"), nack.Source)
	assert.Equal(t, peer.ID("a"), nack.Destination)
	assert.Equal(t, uint64(7), nack.ConnectionID)
	assert.Nil(t, nack.Payload)
}

package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReservedLengthsAreNotValid(t *testing.T) {
	assert.Error(t, ValidateLength(FrameEOF))
	assert.Error(t, ValidateLength(OldProtocolMagic))
	assert.True(t, errors.Is(ValidateLength(0), ErrIllegalFrameLength))
}

func TestValidateLength(t *testing.T) {
	tests := []struct {
		name    string
		length  int32
		wantErr error
	}{
		{"one byte", 1, nil},
		{"max frame", MaxFrameSize, nil},
		{"negative", -7, ErrIllegalFrameLength},
		{"over max", MaxFrameSize + 1, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLength(tt.length)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateFrame(t *testing.T) {
	assert.ErrorIs(t, ValidateFrame(nil), ErrFrameEmpty)
	assert.NoError(t, ValidateFrame([]byte{1}))
	assert.ErrorIs(t, ValidateFrameSize(make([]byte, 10), 9), ErrFrameTooLarge)
}

func TestValidateRelayPayload(t *testing.T) {
	assert.NoError(t, ValidateRelayPayload(nil))
	assert.NoError(t, ValidateRelayPayload(make([]byte, 128)))
	assert.ErrorIs(t, ValidateRelayPayload(make([]byte, MaxRelayPayload+1)), ErrFrameTooLarge)
}

package dnscrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPad(t *testing.T) {
	testCases := []struct {
		name    string
		len     int
		minSize int
		maxSize int
		want    int
	}{{
		name:    "block",
		len:     20,
		minSize: 0,
		maxSize: 0,
		want:    64,
	}, {
		name:    "exact_block",
		len:     63,
		minSize: 0,
		maxSize: 0,
		want:    64,
	}, {
		name:    "next_block",
		len:     64,
		minSize: 0,
		maxSize: 0,
		want:    128,
	}, {
		name:    "min_size",
		len:     20,
		minSize: MinUDPQuerySize,
		maxSize: 0,
		want:    MinUDPQuerySize,
	}, {
		name:    "max_size",
		len:     70,
		minSize: 0,
		maxSize: 100,
		want:    100,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			packet := bytes.Repeat([]byte{0x01}, tc.len)

			padded, err := pad(packet, tc.minSize, tc.maxSize)
			require.NoError(t, err)

			assert.Len(t, padded, tc.want)
			assert.Equal(t, byte(0x80), padded[tc.len])

			got, err := unpad(padded)
			require.NoError(t, err)

			assert.Equal(t, packet, got)
		})
	}
}

func TestUnpad_bad(t *testing.T) {
	testCases := []struct {
		name   string
		packet []byte
	}{{
		name:   "empty",
		packet: nil,
	}, {
		name:   "zeros",
		packet: make([]byte, 64),
	}, {
		name:   "bad_byte",
		packet: append(bytes.Repeat([]byte{0x01}, 30), 0x80, 0x01, 0x00),
	}, {
		name:   "too_short",
		packet: append(bytes.Repeat([]byte{0x01}, MinDNSPacketSize-1), 0x80, 0x00),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := unpad(tc.packet)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

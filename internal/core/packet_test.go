package core

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalRTP(t *testing.T, ssrc uint32, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 1,
			Timestamp:      3000,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

func TestParseHeader(t *testing.T) {
	b := marshalRTP(t, 1234567890, make([]byte, 160))
	require.Len(t, b, 172)

	h, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234567890), h.SSRC)
	assert.Equal(t, uint8(96), h.PayloadType)
}

func TestParseHeaderRejectsShortPacket(t *testing.T) {
	_, err := ParseHeader(make([]byte, 8))
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestParseHeaderRejectsVersion(t *testing.T) {
	b := marshalRTP(t, 1, nil)
	b[0] = 0x40 // version 1
	_, err := ParseHeader(b)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestParseHeaderRejectsMissingCSRCs(t *testing.T) {
	b := marshalRTP(t, 1, nil)
	b[0] |= 0x03 // claims three CSRCs that are not there
	_, err := ParseHeader(b)
	assert.ErrorIs(t, err, ErrHeaderTruncated)
}

func TestPeekSSRC(t *testing.T) {
	ssrc, ok := PeekSSRC(marshalRTP(t, 0xdeadbeef, []byte("x")))
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), ssrc)

	_, ok = PeekSSRC([]byte{0x80})
	assert.False(t, ok)
}

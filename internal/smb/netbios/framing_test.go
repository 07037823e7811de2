package netbios

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	payload := []byte("hello smb")
	framed, err := Frame(payload, 0)
	require.NoError(t, err)

	assert.Equal(t, byte(TypeSessionMessage), framed[0])
	assert.Equal(t, len(payload), int(framed[1])<<16|int(framed[2])<<8|int(framed[3]))
	assert.Equal(t, payload, framed[HeaderSize:])
}

func TestFrameTooLarge(t *testing.T) {
	_, err := Frame(make([]byte, 100), 64)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.ErrorIs(t, err, ErrFraming)
}

// TestAssemblerByteByByte feeds a framed payload one byte at a time and
// expects exactly one reassembled payload, identical to the original.
func TestAssemblerByteByByte(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, 300)
	framed, err := Frame(payload, 0)
	require.NoError(t, err)

	a := NewAssembler(1024)
	var got [][]byte
	for _, b := range framed {
		out, err := a.Feed([]byte{b})
		require.NoError(t, err)
		got = append(got, out...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
	assert.Zero(t, a.Buffered())
}

func TestAssemblerMultipleFramesInOneChunk(t *testing.T) {
	var stream []byte
	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range want {
		framed, err := Frame(p, 0)
		require.NoError(t, err)
		stream = append(stream, framed...)
	}
	// Keepalives interleaved in the stream are dropped transparently.
	stream = append(Keepalive(), stream...)

	a := NewAssembler(0)
	got, err := a.Feed(stream)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAssemblerEmptyPayload(t *testing.T) {
	framed, err := Frame(nil, 0)
	require.NoError(t, err)

	a := NewAssembler(0)
	got, err := a.Feed(framed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0])
}

func TestAssemblerOversizedFrame(t *testing.T) {
	a := NewAssembler(16)
	_, err := a.Feed([]byte{TypeSessionMessage, 0, 0, 17})
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// Poisoned: every later call fails the same way.
	_, err = a.Feed(nil)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestAssemblerUnexpectedFrameType(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed([]byte{TypeSessionRequest, 0, 0, 0x44})
	require.ErrorIs(t, err, ErrFraming)
}

func TestNameRoundTrip(t *testing.T) {
	encoded := EncodeName("fileserver", 0x20)
	require.Len(t, encoded, 34)

	name, suffix, err := DecodeName(encoded)
	require.NoError(t, err)
	assert.Equal(t, "FILESERVER", name)
	assert.Equal(t, byte(0x20), suffix)
}

func TestSessionRequestRoundTrip(t *testing.T) {
	msg := SessionRequest("server", "client", 0x20, 0x00)
	require.Len(t, msg, 72)
	assert.Equal(t, byte(TypeSessionRequest), msg[0])

	called, calling, err := ParseSessionRequest(msg[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, "SERVER", called)
	assert.Equal(t, "CLIENT", calling)
}

func TestNegativeResponseCodes(t *testing.T) {
	assert.Equal(t, byte(ErrCodeCalledNotPresent), NegativeResponse(ErrCodeCalledNotPresent)[4])
	// Unknown codes collapse to unspecified.
	assert.Equal(t, byte(ErrCodeUnspecified), NegativeResponse(0x42)[4])
}

func TestRetargetRoundTrip(t *testing.T) {
	msg, err := RetargetResponse(net.IPv4(172, 23, 255, 12), 8139)
	require.NoError(t, err)

	ip, port, err := ParseRetarget(msg[HeaderSize:])
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(172, 23, 255, 12)))
	assert.Equal(t, uint16(8139), port)

	_, err = RetargetResponse(net.ParseIP("::1"), 445)
	require.Error(t, err)
}

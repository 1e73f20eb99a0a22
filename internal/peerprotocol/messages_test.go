package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripSimpleMessages(t *testing.T) {
	cases := []Message{
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{42},
		BitfieldMessage{[]byte{0xff, 0x00}},
		RequestMessage{1, 2, 3},
		CancelMessage{1, 2, 3},
		PortMessage{6881},
	}
	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m))
		bfLen := 0
		if bm, ok := m.(BitfieldMessage); ok {
			bfLen = len(bm.Data)
		}
		got, err := ReadMessage(&buf, bfLen)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	got, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, KeepAlive{}, got)
}

func TestPieceHeaderStreaming(t *testing.T) {
	var buf bytes.Buffer
	block := []byte("hello world")
	require.NoError(t, EncodePieceHeader(&buf, 7, 16384, len(block)))
	buf.Write(block)

	msg, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	pm, ok := msg.(PieceMessage)
	require.True(t, ok)
	require.Equal(t, uint32(7), pm.Index)
	require.Equal(t, uint32(16384), pm.Begin)
	require.Equal(t, uint32(len(block)), pm.Length)

	got := make([]byte, pm.Length)
	_, err = buf.Read(got)
	require.NoError(t, err)
	require.Equal(t, block, got)
}

func TestOversizeMessageRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeLength(&buf, maxMessageLength+1))
	_, _, _, err := ReadMessageHeader(&buf)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestBitfieldLengthMismatchRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, BitfieldMessage{[]byte{0xff}}))
	_, err := ReadMessage(&buf, 2)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestUnknownIDPreservesConnection(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeLength(&buf, 3))
	buf.Write([]byte{200, 'a', 'b'})
	buf.Write([]byte{0, 0, 0, 1, byte(Choke)}) // next message must still be readable

	msg, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	id, ok := msg.ID()
	require.True(t, ok)
	require.Equal(t, MessageID(200), id)

	msg2, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, ChokeMessage{}, msg2)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := &Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{4, 5, 6}}
	h.Extensions.SetDHT()
	h.Extensions.SetExtensionProtocol()
	h.Extensions.SetFastExtension()
	require.NoError(t, h.Write(&buf))
	require.Equal(t, HandshakeLength, buf.Len())

	got, err := ReadHandshake(&buf, &h.InfoHash)
	require.NoError(t, err)
	require.Equal(t, h.InfoHash, got.InfoHash)
	require.Equal(t, h.PeerID, got.PeerID)
	require.True(t, got.Extensions.DHT())
	require.True(t, got.Extensions.ExtensionProtocol())
	require.True(t, got.Extensions.FastExtension())
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	var buf bytes.Buffer
	h := &Handshake{InfoHash: [20]byte{1}, PeerID: [20]byte{2}}
	require.NoError(t, h.Write(&buf))

	want := [20]byte{9, 9, 9}
	_, err := ReadHandshake(&buf, &want)
	require.ErrorIs(t, err, ErrProtocol)
}

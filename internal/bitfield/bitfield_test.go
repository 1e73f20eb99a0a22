package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(9)
	bf.Set(3)

	b := bf.Bytes()
	require.Len(t, b, 2)
	// piece 0 is the MSB of byte 0.
	require.Equal(t, byte(0x90), b[0]) // bits 0 and 3 set: 1001 0000
	require.Equal(t, byte(0x40), b[1]) // bit 9 is bit index 1 of byte 1: 0100 0000

	bf2, err := NewBytes(b, 10)
	require.NoError(t, err)
	require.True(t, bf2.Test(0))
	require.True(t, bf2.Test(3))
	require.True(t, bf2.Test(9))
	require.Equal(t, uint32(3), bf2.Count())
}

func TestNewBytesRejectsTrailingBits(t *testing.T) {
	// 10 pieces needs 2 bytes (16 bits), bits 10-15 must be zero.
	b := []byte{0x00, 0x01}
	_, err := NewBytes(b, 10)
	require.Error(t, err)
}

func TestNewBytesRejectsWrongLength(t *testing.T) {
	_, err := NewBytes([]byte{0x00}, 100)
	require.Error(t, err)
}

func TestAllAndMissing(t *testing.T) {
	have := New(4)
	have.Set(0)
	have.Set(1)
	have.Set(2)
	have.Set(3)
	require.True(t, have.All())

	mine := New(4)
	mine.Set(1)

	var missing []uint32
	mine.Missing(have, func(i uint32) { missing = append(missing, i) })
	require.ElementsMatch(t, []uint32{0, 2, 3}, missing)
}

func TestIndexes(t *testing.T) {
	bf := New(8)
	bf.Set(5)
	bf.Set(1)
	bf.Set(6)
	require.Equal(t, []uint32{1, 5, 6}, bf.Indexes())
}

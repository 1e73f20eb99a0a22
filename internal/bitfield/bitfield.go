// Package bitfield implements a piece bitfield: one bit per piece, with
// the wire-exact MSB-first byte layout the peer protocol requires for the
// BITFIELD message and an efficient set representation for availability
// counting.
package bitfield

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Bitfield is a fixed-size set of piece indexes.
type Bitfield struct {
	bm     *roaring.Bitmap
	length uint32
}

// New returns an empty bitfield for length pieces.
func New(length uint32) *Bitfield {
	return &Bitfield{bm: roaring.New(), length: length}
}

// NewBytes parses the wire-exact MSB-first byte layout (one bit per piece,
// MSB of byte 0 is piece 0) into a Bitfield. Trailing bits beyond length
// must be zero; a set trailing bit is a protocol violation.
func NewBytes(b []byte, length uint32) (*Bitfield, error) {
	want := int((length + 7) / 8)
	if len(b) != want {
		return nil, fmt.Errorf("bitfield: expected %d bytes for %d pieces, got %d", want, length, len(b))
	}
	bf := New(length)
	for i := uint32(0); i < length; i++ {
		byteIndex := i / 8
		bitIndex := 7 - (i % 8)
		if b[byteIndex]&(1<<bitIndex) != 0 {
			bf.bm.Add(i)
		}
	}
	for i := length; i < uint32(want)*8; i++ {
		byteIndex := i / 8
		bitIndex := 7 - (i % 8)
		if b[byteIndex]&(1<<bitIndex) != 0 {
			return nil, fmt.Errorf("bitfield: trailing bit %d set beyond piece count %d", i, length)
		}
	}
	return bf, nil
}

// Len returns the number of pieces this bitfield covers.
func (bf *Bitfield) Len() uint32 { return bf.length }

// Set marks piece i as present.
func (bf *Bitfield) Set(i uint32) { bf.bm.Add(i) }

// Clear unmarks piece i. Used only by explicit recheck.
func (bf *Bitfield) Clear(i uint32) { bf.bm.Remove(i) }

// Test reports whether piece i is present.
func (bf *Bitfield) Test(i uint32) bool { return bf.bm.Contains(i) }

// Count returns the number of set pieces.
func (bf *Bitfield) Count() uint32 { return uint32(bf.bm.GetCardinality()) }

// All reports whether every piece is present.
func (bf *Bitfield) All() bool { return bf.Count() == bf.length }

// Indexes returns the set piece indexes in ascending order.
func (bf *Bitfield) Indexes() []uint32 {
	out := make([]uint32, 0, bf.bm.GetCardinality())
	it := bf.bm.Iterator()
	for it.HasNext() {
		out = append(out, it.Next())
	}
	return out
}

// Bytes serializes to the wire-exact MSB-first byte layout.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.length+7)/8)
	it := bf.bm.Iterator()
	for it.HasNext() {
		i := it.Next()
		if i >= bf.length {
			continue
		}
		byteIndex := i / 8
		bitIndex := 7 - (i % 8)
		out[byteIndex] |= 1 << bitIndex
	}
	return out
}

// Clone returns an independent copy.
func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{bm: bf.bm.Clone(), length: bf.length}
}

// Missing calls f for every piece index not set in bf but set in have.
func (bf *Bitfield) Missing(have *Bitfield, f func(uint32)) {
	diff := roaring.AndNot(have.bm, bf.bm)
	it := diff.Iterator()
	for it.HasNext() {
		f(it.Next())
	}
}

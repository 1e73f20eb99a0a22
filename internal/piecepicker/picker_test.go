package piecepicker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/realAndi/Torm-sub004/internal/bitfield"
	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/internal/piece"
)

func fourPieces() []*piece.Piece {
	pieces := make([]*piece.Piece, 4)
	for i := range pieces {
		pieces[i] = piece.New(uint32(i), 16*1024, [20]byte{byte(i)}, 16*1024)
	}
	return pieces
}

func fullBitfield(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := uint32(0); i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestNoEligiblePieceWhenPeerHasNothingWeWant(t *testing.T) {
	pieces := fourPieces()
	p := New(pieces, RarestFirst, 1)
	empty := bitfield.New(4)
	_, err := p.NextPiece(empty, false)
	require.ErrorIs(t, err, errs.ErrNoEligiblePiece)
}

func TestSequentialAlwaysPicksLowestIndex(t *testing.T) {
	pieces := fourPieces()
	p := New(pieces, Sequential, 1)
	// Exhaust the random-first bootstrap window so it can't mask the
	// sequential behavior.
	for i := 0; i < RandomFirstCount+1; i++ {
		p.NotePieceAcquired()
	}
	have := fullBitfield(4)

	got, err := p.NextPiece(have, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.Index)

	pieces[0].State = piece.Verified
	got, err = p.NextPiece(have, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Index)
}

func TestRarestFirstPrefersLeastAvailablePiece(t *testing.T) {
	pieces := fourPieces()
	p := New(pieces, RarestFirst, 1)
	for i := 0; i < RandomFirstCount+1; i++ {
		p.NotePieceAcquired()
	}

	// Piece 2 is rarest: only one peer's bitfield covers it.
	bfA := fullBitfield(4)
	bfB := bitfield.New(4)
	bfB.Set(0)
	bfB.Set(1)
	bfB.Set(3)
	p.AddPeerBitfield(bfA)
	p.AddPeerBitfield(bfB)
	require.Equal(t, 1, p.Availability(2))
	require.Equal(t, 2, p.Availability(0))

	got, err := p.NextPiece(fullBitfield(4), false)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Index)
}

func TestRarestFirstBreaksTiesByLowestIndex(t *testing.T) {
	pieces := fourPieces()
	p := New(pieces, RarestFirst, 1)
	for i := 0; i < RandomFirstCount+1; i++ {
		p.NotePieceAcquired()
	}

	// Every piece is equally available (one peer), so the tie should
	// resolve to the lowest index every time regardless of RNG seed.
	have := fullBitfield(4)
	p.AddPeerBitfield(have)

	for i := 0; i < 5; i++ {
		got, err := p.NextPiece(have, false)
		require.NoError(t, err)
		require.EqualValues(t, 0, got.Index)
	}
}

func TestEndgameAllowsInFlightPieces(t *testing.T) {
	pieces := fourPieces()
	pieces[0].State = piece.InFlight
	for i := 1; i < 4; i++ {
		pieces[i].State = piece.Verified
	}
	p := New(pieces, RarestFirst, 1)
	have := fullBitfield(4)

	_, err := p.NextPiece(have, false)
	require.ErrorIs(t, err, errs.ErrNoEligiblePiece)

	got, err := p.NextPiece(have, true)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.Index)
}

func TestRemovePeerBitfieldDecrementsAvailability(t *testing.T) {
	pieces := fourPieces()
	p := New(pieces, RarestFirst, 1)
	bf := fullBitfield(4)
	p.AddPeerBitfield(bf)
	require.Equal(t, 1, p.Availability(0))
	p.RemovePeerBitfield(bf)
	require.Equal(t, 0, p.Availability(0))
}

// Package piecepicker decides which piece to request next. It implements
// the session's four selection strategies: an initial random-first phase to
// diversify what a fresh peer has to offer the swarm, rarest-first for the
// steady state, sequential ordering for streaming-style downloads, and
// endgame duplication once no piece is still missing and some are in flight.
//
// A Picker is owned by a single session goroutine; it is not safe for
// concurrent use.
package piecepicker

import (
	"math/rand"

	"github.com/realAndi/Torm-sub004/internal/bitfield"
	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/internal/piece"
)

// Strategy selects how NextPiece ranks eligible pieces.
type Strategy int

const (
	// RarestFirst picks, among pieces the peer has, the one with the
	// fewest other peers announcing it. This is the default steady-state
	// strategy.
	RarestFirst Strategy = iota
	// Sequential always picks the lowest-index eligible piece.
	Sequential
)

// RandomFirstCount is how many pieces are picked at random (instead of
// rarest-first) at the start of a download, so an early connection isn't
// forced to fetch the single rarest piece in the swarm before it has
// anything to trade.
const RandomFirstCount = 4

// Picker tracks per-piece availability across the swarm and hands out the
// next piece to request for a given peer's bitfield.
type Picker struct {
	pieces       []*piece.Piece
	availability []int
	strategy     Strategy
	acquired     int
	rng          *rand.Rand
}

// New builds a picker over pieces, indexed by piece index.
func New(pieces []*piece.Piece, strategy Strategy, seed int64) *Picker {
	return &Picker{
		pieces:       pieces,
		availability: make([]int, len(pieces)),
		strategy:     strategy,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// AddPeerBitfield increments availability for every piece set in bf, e.g.
// when a peer completes its handshake and sends its BITFIELD.
func (p *Picker) AddPeerBitfield(bf *bitfield.Bitfield) {
	for _, i := range bf.Indexes() {
		p.availability[i]++
	}
}

// RemovePeerBitfield decrements availability for every piece set in bf,
// e.g. when a peer disconnects.
func (p *Picker) RemovePeerBitfield(bf *bitfield.Bitfield) {
	for _, i := range bf.Indexes() {
		if p.availability[i] > 0 {
			p.availability[i]--
		}
	}
}

// PeerHave records a single HAVE announcement.
func (p *Picker) PeerHave(index uint32) {
	p.availability[index]++
}

// PeerGone decrements availability for a disconnected peer's HAVE-derived
// entries; callers pass the peer's full bitfield at disconnect time via
// RemovePeerBitfield instead of replaying individual HAVEs.
func (p *Picker) PeerGone(bf *bitfield.Bitfield) {
	p.RemovePeerBitfield(bf)
}

// NotePieceAcquired should be called once a piece verifies successfully, so
// the random-first bootstrap phase knows when to switch over to
// rarest-first.
func (p *Picker) NotePieceAcquired() {
	p.acquired++
}

// NextPiece returns the next piece to request from a peer with bitfield
// peerHas. endgame, when true, also makes already in-flight pieces eligible
// so they can be requested redundantly from multiple peers. It returns
// errs.ErrNoEligiblePiece if peerHas has nothing left we want.
func (p *Picker) NextPiece(peerHas *bitfield.Bitfield, endgame bool) (*piece.Piece, error) {
	var eligible []int
	for _, idx := range peerHas.Indexes() {
		if int(idx) >= len(p.pieces) {
			continue
		}
		pc := p.pieces[idx]
		switch pc.State {
		case piece.Missing:
			eligible = append(eligible, int(idx))
		case piece.InFlight:
			if endgame {
				eligible = append(eligible, int(idx))
			}
		}
	}
	if len(eligible) == 0 {
		return nil, errs.ErrNoEligiblePiece
	}

	if p.strategy == Sequential {
		best := eligible[0]
		for _, idx := range eligible[1:] {
			if idx < best {
				best = idx
			}
		}
		return p.pieces[best], nil
	}

	if p.acquired < RandomFirstCount {
		return p.pieces[eligible[p.rng.Intn(len(eligible))]], nil
	}
	return p.pieces[p.rarest(eligible)], nil
}

// rarest returns the index, among candidates, with the lowest availability
// count, breaking ties by lowest piece index.
func (p *Picker) rarest(candidates []int) int {
	min := p.availability[candidates[0]]
	for _, idx := range candidates[1:] {
		if p.availability[idx] < min {
			min = p.availability[idx]
		}
	}
	var tied []int
	for _, idx := range candidates {
		if p.availability[idx] == min {
			tied = append(tied, idx)
		}
	}
	return tied[0]
}

// Availability reports how many peers are known to have the given piece.
func (p *Picker) Availability(index uint32) int {
	if int(index) >= len(p.availability) {
		return 0
	}
	return p.availability[index]
}

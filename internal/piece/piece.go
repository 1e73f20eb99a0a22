// Package piece models one piece of a torrent: its state, its block map
// while in flight, and the invariants the session engine relies on — a
// piece is verified iff every block has been received and its SHA-1
// matches the descriptor's digest for that index.
package piece

import "time"

// State is one of the five states a piece can be in.
type State int

const (
	// Missing: no blocks requested or received.
	Missing State = iota
	// InFlight: at least one block requested, not yet all received.
	InFlight
	// CompleteUnverified: all blocks received, hash check pending.
	CompleteUnverified
	// Verified: hash check passed; safe to serve to peers.
	Verified
	// CorruptPendingRetry: hash check failed; reset, awaiting re-request.
	CorruptPendingRetry
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InFlight:
		return "in-flight"
	case CompleteUnverified:
		return "complete-unverified"
	case Verified:
		return "verified"
	case CorruptPendingRetry:
		return "corrupt-pending-retry"
	default:
		return "unknown"
	}
}

// BlockState is one of the three states a block can be in.
type BlockState int

const (
	Unrequested BlockState = iota
	Requested
	Received
)

// Block is a fixed-size slice of a piece, the wire request unit.
type Block struct {
	Index  uint32 // block index within the piece
	Begin  uint32 // byte offset within the piece
	Length uint32

	State       BlockState
	RequestedTo string // peer identity the block was requested to
	RequestedAt time.Time
	Data        []byte // populated once State == Received
}

// Piece is one fixed-size unit of torrent data, individually verified.
type Piece struct {
	Index  uint32
	Length uint32
	Hash   [20]byte

	State  State
	Blocks []Block

	// Endgame marks that this piece's blocks may be requested from more
	// than one peer concurrently.
	Endgame bool
}

// New builds a Piece split into blockSize-sized blocks (the last block may
// be shorter).
func New(index uint32, length uint32, hash [20]byte, blockSize uint32) *Piece {
	n := length / blockSize
	if length%blockSize != 0 {
		n++
	}
	blocks := make([]Block, n)
	for i := range blocks {
		begin := uint32(i) * blockSize
		l := blockSize
		if begin+l > length {
			l = length - begin
		}
		blocks[i] = Block{Index: uint32(i), Begin: begin, Length: l}
	}
	return &Piece{Index: index, Length: length, Hash: hash, Blocks: blocks, State: Missing}
}

// AllReceived reports whether every block has been received.
func (p *Piece) AllReceived() bool {
	for i := range p.Blocks {
		if p.Blocks[i].State != Received {
			return false
		}
	}
	return true
}

// Assemble concatenates all received block data into one buffer. Callers
// must only call this after AllReceived returns true.
func (p *Piece) Assemble() []byte {
	buf := make([]byte, 0, p.Length)
	for i := range p.Blocks {
		buf = append(buf, p.Blocks[i].Data...)
	}
	return buf
}

// Reset clears all block state, returning the piece to Missing. Used when
// verification fails or on explicit recheck.
func (p *Piece) Reset() {
	p.State = Missing
	p.Endgame = false
	for i := range p.Blocks {
		p.Blocks[i] = Block{Index: p.Blocks[i].Index, Begin: p.Blocks[i].Begin, Length: p.Blocks[i].Length}
	}
}

// NumPendingOrUnrequested reports how many blocks are not yet received.
func (p *Piece) NumPendingOrUnrequested() int {
	n := 0
	for i := range p.Blocks {
		if p.Blocks[i].State != Received {
			n++
		}
	}
	return n
}

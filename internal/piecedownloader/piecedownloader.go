// Package piecedownloader drives the request/response cycle needed to pull
// one piece's blocks from one peer. The session runs at most one downloader
// per piece. During endgame it sends duplicate requests for the piece to
// other peers itself and routes their PIECE replies into that one
// downloader; whichever copy of a block arrives first wins, and the
// session CANCELs the duplicates when the piece completes.
package piecedownloader

import (
	"github.com/realAndi/Torm-sub004/internal/peer"
	"github.com/realAndi/Torm-sub004/internal/peerprotocol"
	"github.com/realAndi/Torm-sub004/internal/piece"
)

// RequestKey identifies one requested block, for reject/cancel correlation.
type RequestKey struct {
	Begin uint32
}

// BlockArrival is a received block payload for this downloader's piece.
type BlockArrival struct {
	Begin uint32
	Data  []byte
}

// PieceDownloader requests and assembles all blocks of Piece from Peer.
type PieceDownloader struct {
	Piece *piece.Piece
	Peer  *peer.Peer

	// BlockArrivedC receives blocks as they're decoded off the wire for
	// this piece; the session demuxes PIECE messages to the right
	// downloader by (peer, piece index) before forwarding here.
	BlockArrivedC chan BlockArrival
	// RejectC receives a key when a pending request is given up on; the
	// session sends here when its request-timeout scan expires a request.
	// A choke arrives on ChokeC instead.
	RejectC chan RequestKey
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	// NudgeC asks the downloader to try queuing more requests, without any
	// state change of its own. Used to retry after a download-bandwidth
	// cap that refused a request earlier has had time to refill.
	NudgeC chan struct{}

	// DoneC receives the assembled piece data once every block has
	// arrived. Run never sends on ErrC; a failed peer connection stops the
	// downloader through stopC instead.
	DoneC chan []byte
	ErrC  chan error

	// AllowN, if set, gates each block request against a download
	// bandwidth cap; a refusal stops that requestMore pass rather than
	// queuing over the limit. Nil means unlimited.
	AllowN func(n int) bool
}

// New creates a downloader for p against pe. The piece's blocks are assumed
// freshly built (piece.New) or reset (piece.Reset) before this is called.
func New(p *piece.Piece, pe *peer.Peer) *PieceDownloader {
	return &PieceDownloader{
		Piece:         p,
		Peer:          pe,
		BlockArrivedC: make(chan BlockArrival),
		RejectC:       make(chan RequestKey),
		ChokeC:        make(chan struct{}),
		UnchokeC:      make(chan struct{}),
		NudgeC:        make(chan struct{}, 1),
		DoneC:         make(chan []byte, 1),
		ErrC:          make(chan error, 1),
	}
}

// Run drives the downloader until the piece is complete, the peer chokes
// and never unchokes, or stopC is closed. It blocks, so the session runs it
// in its own goroutine and multiplexes the result channels back into its
// own select loop.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	d.Piece.State = piece.InFlight
	d.requestMore()
	for {
		select {
		case m := <-d.BlockArrivedC:
			d.onBlock(m)
			if d.Piece.AllReceived() {
				d.Piece.State = piece.CompleteUnverified
				d.DoneC <- d.Piece.Assemble()
				return
			}
			d.requestMore()
		case k := <-d.RejectC:
			d.onReject(k)
			d.requestMore()
		case <-d.ChokeC:
			d.onChoke()
		case <-d.UnchokeC:
			d.requestMore()
		case <-d.NudgeC:
			d.requestMore()
		case <-stopC:
			// Release any blocks we'd requested but not yet received so
			// whoever takes over the piece sees them as unrequested. No
			// further select branch of this goroutine runs after this.
			d.onChoke()
			return
		}
	}
}

func (d *PieceDownloader) requestMore() {
	if d.Peer.PeerChoking {
		return
	}
	for d.Peer.HasPipelineCapacity() {
		b := d.nextUnrequestedBlock()
		if b == nil {
			return
		}
		if d.AllowN != nil && !d.AllowN(int(b.Length)) {
			return // over the download cap for now; retried on the next nudge
		}
		b.State = piece.Requested
		b.RequestedTo = d.Peer.String()
		d.Peer.AddRequest(d.Piece.Index, b.Begin, b.Length)
		d.Peer.Conn.Send(peerprotocol.RequestMessage{Index: d.Piece.Index, Begin: b.Begin, Length: b.Length})
	}
}

func (d *PieceDownloader) nextUnrequestedBlock() *piece.Block {
	for i := range d.Piece.Blocks {
		if d.Piece.Blocks[i].State == piece.Unrequested {
			return &d.Piece.Blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) onBlock(m BlockArrival) {
	for i := range d.Piece.Blocks {
		b := &d.Piece.Blocks[i]
		if b.Begin != m.Begin {
			continue
		}
		if b.State == piece.Received {
			return // already satisfied by a duplicate requester's copy (endgame)
		}
		b.Data = m.Data
		b.State = piece.Received
		d.Peer.RemoveRequest(d.Piece.Index, m.Begin)
		d.Peer.RecordDownload(int64(len(m.Data)))
		return
	}
}

func (d *PieceDownloader) onReject(k RequestKey) {
	for i := range d.Piece.Blocks {
		b := &d.Piece.Blocks[i]
		if b.Begin == k.Begin && b.State == piece.Requested {
			b.State = piece.Unrequested
			d.Peer.RemoveRequest(d.Piece.Index, b.Begin)
			return
		}
	}
}

func (d *PieceDownloader) onChoke() {
	for i := range d.Piece.Blocks {
		b := &d.Piece.Blocks[i]
		if b.State == piece.Requested {
			b.State = piece.Unrequested
		}
	}
	d.Peer.ClearRequests()
}

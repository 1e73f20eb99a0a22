// Package peer tracks the protocol and scheduling state associated with one
// connected peer: choke/interest flags, the peer's announced bitfield,
// outstanding block requests, and rolling transfer rates. It sits on top of
// internal/peerconn, which only knows about bytes and frames.
package peer

import (
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/realAndi/Torm-sub004/internal/bitfield"
	"github.com/realAndi/Torm-sub004/internal/peerconn"
)

// DefaultPipelineDepth is used until enough download rate history has
// accumulated to size the pipeline adaptively.
const DefaultPipelineDepth = 5

// MaxPipelineDepth bounds the adaptive pipeline size (spec.md §4.3).
const MaxPipelineDepth = 32

// blockSizeForPipeline is the assumed block size used to convert a download
// rate in bytes/sec into a number of in-flight blocks.
const blockSizeForPipeline = 16 * 1024

// SnubThreshold is how long a peer can go without satisfying an outstanding
// request before it is considered snubbing us.
const SnubThreshold = 60 * time.Second

// RequestKey identifies one outstanding block request.
type RequestKey struct {
	PieceIndex uint32
	Begin      uint32
}

// Request records when a block was requested from this peer, so a scan can
// find requests that have aged past the request timeout.
type Request struct {
	Key         RequestKey
	Length      uint32
	RequestedAt time.Time
}

// Peer is the bookkeeping record for one connected, handshaked peer.
type Peer struct {
	Conn *peerconn.Conn
	ID   [20]byte

	Bitfield *bitfield.Bitfield

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// OptimisticUnchoked marks a peer unchoked outside the regular
	// rate-ranked rotation (spec.md §4.4).
	OptimisticUnchoked bool

	// Snubbed is set when the peer hasn't delivered a requested block
	// within SnubThreshold of requesting it.
	Snubbed bool

	ConnectedAt time.Time
	Incoming    bool

	downloadRate metrics.EWMA
	uploadRate   metrics.EWMA

	BytesDownloaded int64
	BytesUploaded   int64

	requests map[RequestKey]*Request

	// UnchokedSince records when Unchoke last ran for this peer. Snub
	// detection (CheckSnub) goes by request age and does not read it.
	UnchokedSince time.Time
}

// New creates a Peer wrapping an already-handshaked connection. AmChoking
// and PeerChoking both start true, matching the protocol's choked-by-default
// initial state.
func New(conn *peerconn.Conn, bitfieldLen uint32, incoming bool) *Peer {
	return &Peer{
		Conn:         conn,
		ID:           conn.PeerID,
		Bitfield:     bitfield.New(bitfieldLen),
		AmChoking:    true,
		PeerChoking:  true,
		ConnectedAt:  time.Now(),
		Incoming:     incoming,
		downloadRate: metrics.NewEWMA1(),
		uploadRate:   metrics.NewEWMA1(),
		requests:     make(map[RequestKey]*Request),
	}
}

// Tick advances the rolling rate EWMAs. Callers invoke this once per second
// from the owning session's timer loop.
func (p *Peer) Tick() {
	if p.downloadRate == nil {
		return
	}
	p.downloadRate.Tick()
	p.uploadRate.Tick()
}

// RecordDownload accounts for n bytes received from this peer. Receiving
// data clears the peer's snubbed mark.
func (p *Peer) RecordDownload(n int64) {
	if p.downloadRate != nil {
		p.downloadRate.Update(n)
	}
	p.BytesDownloaded += n
	if n > 0 {
		p.Snubbed = false
	}
}

// RecordUpload accounts for n bytes sent to this peer.
func (p *Peer) RecordUpload(n int64) {
	if p.uploadRate != nil {
		p.uploadRate.Update(n)
	}
	p.BytesUploaded += n
}

// DownloadRate returns the smoothed bytes/sec we are receiving from this
// peer. A Peer that wasn't built via New (e.g. a test fixture) has no EWMA
// and reports a rate of zero rather than panicking.
func (p *Peer) DownloadRate() float64 {
	if p.downloadRate == nil {
		return 0
	}
	return p.downloadRate.Rate()
}

// UploadRate returns the smoothed bytes/sec we are sending to this peer.
func (p *Peer) UploadRate() float64 {
	if p.uploadRate == nil {
		return 0
	}
	return p.uploadRate.Rate()
}

// PipelineDepth returns how many blocks may be outstanding to this peer at
// once, scaled by recent download rate: max(5, min(32, rate/16KiB)).
func (p *Peer) PipelineDepth() int {
	scaled := int(p.DownloadRate() / blockSizeForPipeline)
	if scaled < DefaultPipelineDepth {
		return DefaultPipelineDepth
	}
	if scaled > MaxPipelineDepth {
		return MaxPipelineDepth
	}
	return scaled
}

// HasPipelineCapacity reports whether another request can be sent without
// exceeding PipelineDepth.
func (p *Peer) HasPipelineCapacity() bool {
	return len(p.requests) < p.PipelineDepth()
}

// AddRequest records a newly sent block request.
func (p *Peer) AddRequest(index, begin, length uint32) {
	k := RequestKey{PieceIndex: index, Begin: begin}
	p.requests[k] = &Request{Key: k, Length: length, RequestedAt: time.Now()}
}

// RemoveRequest clears a request once its block arrives or is cancelled. It
// reports whether the request was actually outstanding.
func (p *Peer) RemoveRequest(index, begin uint32) bool {
	k := RequestKey{PieceIndex: index, Begin: begin}
	if _, ok := p.requests[k]; !ok {
		return false
	}
	delete(p.requests, k)
	return true
}

// OutstandingRequests returns a snapshot of all requests currently awaiting
// a response from this peer.
func (p *Peer) OutstandingRequests() []*Request {
	out := make([]*Request, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r)
	}
	return out
}

// NumOutstandingRequests reports how many blocks are currently in flight to
// this peer.
func (p *Peer) NumOutstandingRequests() int { return len(p.requests) }

// ClearRequests drops all outstanding requests, e.g. after the peer chokes
// us or disconnects.
func (p *Peer) ClearRequests() {
	p.requests = make(map[RequestKey]*Request)
}

// OldestRequestAge returns the age of the longest-outstanding request, or 0
// if there are none. Used for snub detection and request-timeout scans.
func (p *Peer) OldestRequestAge() time.Duration {
	var oldest time.Time
	for _, r := range p.requests {
		if oldest.IsZero() || r.RequestedAt.Before(oldest) {
			oldest = r.RequestedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// CheckSnub marks the peer as snubbed if it has an outstanding request older
// than SnubThreshold, and returns the current snub state.
func (p *Peer) CheckSnub() bool {
	if len(p.requests) > 0 && p.OldestRequestAge() > SnubThreshold {
		p.Snubbed = true
	}
	return p.Snubbed
}

// Unchoke marks the peer unchoked from now, resetting the anti-snub clock.
func (p *Peer) Unchoke() {
	p.AmChoking = false
	p.UnchokedSince = time.Now()
}

// Choke marks the peer choked and drops any optimistic-unchoke status.
func (p *Peer) Choke() {
	p.AmChoking = true
	p.OptimisticUnchoked = false
}

// String returns the peer's remote address for logging.
func (p *Peer) String() string {
	if p.Conn == nil || p.Conn.Addr() == nil {
		return "<unknown>"
	}
	return p.Conn.Addr().String()
}

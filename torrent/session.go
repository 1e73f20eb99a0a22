// Package torrent implements the per-torrent session engine: the
// coordinator that owns one torrent's peer set, piece state, and verified
// bitfield, and drives the request/verify/write/choke cycle on a single
// goroutine. Everything else in the module (wire codec, piece picker,
// choker, rate limiter, storage/checkpoint/oracle adapters) is wired
// together here.
package torrent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/realAndi/Torm-sub004/internal/bitfield"
	"github.com/realAndi/Torm-sub004/internal/blocklist"
	"github.com/realAndi/Torm-sub004/internal/checkpoint"
	"github.com/realAndi/Torm-sub004/internal/choker"
	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/internal/logger"
	"github.com/realAndi/Torm-sub004/internal/oracle"
	"github.com/realAndi/Torm-sub004/internal/peer"
	"github.com/realAndi/Torm-sub004/internal/peerconn"
	"github.com/realAndi/Torm-sub004/internal/peerprotocol"
	"github.com/realAndi/Torm-sub004/internal/piece"
	"github.com/realAndi/Torm-sub004/internal/piecedownloader"
	"github.com/realAndi/Torm-sub004/internal/piecepicker"
	"github.com/realAndi/Torm-sub004/internal/piecewriter"
	"github.com/realAndi/Torm-sub004/internal/ratelimiter"
	"github.com/realAndi/Torm-sub004/internal/storage"
	"github.com/realAndi/Torm-sub004/internal/verifier"
)

// Status is one of the session's lifecycle states (spec.md §4.6).
type Status int

const (
	StatusStopped Status = iota
	StatusChecking
	StatusDownloading
	StatusSeeding
	StatusPaused
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusChecking:
		return "checking"
	case StatusDownloading:
		return "downloading"
	case StatusSeeding:
		return "seeding"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies the kind of Event delivered on Session.Events().
type EventKind int

const (
	EventPieceVerified EventKind = iota
	EventPieceFailed
	EventPeerConnected
	EventPeerDisconnected
	EventStatusChanged
	EventStatsTick
)

// Event is the single typed notification the session emits; a caller fans
// these out to whatever subscribers it has (spec.md §9's design note
// against a publish/subscribe registry inside the core).
type Event struct {
	InfoHash   [20]byte
	Kind       EventKind
	PieceIndex uint32
	Peer       string
	Err        error
	Stats      Stats
}

// Stats is the payload of a stats_tick event (spec.md §6).
type Stats struct {
	Status            Status
	PiecesVerified    int
	PiecesTotal       int
	BytesDownloaded   int64
	BytesUploaded     int64
	BytesWasted       int64
	DownloadBPS       float64
	UploadBPS         float64
	NumPeers          int
	ETA               time.Duration
}

// Options configures session-level policy; every field defaults to the
// value named in spec.md when left zero (see DefaultOptions).
type Options struct {
	MaxConnAttempts     int // bounded dial pool, default 50
	MinPeers            int // refresh oracle below this count, default 30
	PeerRefreshInterval time.Duration

	UnchokedPeers   int
	OptimisticSlots int
	ChokeTick       time.Duration
	OptimisticTick  time.Duration

	RequestTimeout            time.Duration
	RequestScanTick           time.Duration
	MaxRequestTimeoutsPerPeer int

	StatsTick    time.Duration
	AutoSaveTick time.Duration

	PeerConnectTimeout time.Duration
	PeerIdleTimeout    time.Duration
	BlockSize          uint32

	// EncryptionPrimary, when set, tries the obfuscated (MSE) handshake
	// first on outbound dials and falls back to plaintext, reversing
	// spec.md §4.1's default ordering. Mirrors the teacher's
	// Encryption.ForceOutgoing knob.
	EncryptionPrimary bool

	MaxVerificationFailures int // before contributing peers are blacklisted

	DownloadLimit int // bytes/sec, 0 = unlimited
	UploadLimit   int

	VerifierWorkers    int
	PieceWriterWorkers int

	Seed int64 // RNG seed for the picker/choker; 0 lets them self-seed from time

	// Strategy picks the piece-selection strategy. Zero value is
	// piecepicker.RarestFirst; set piecepicker.Sequential for streaming-style
	// in-order downloads.
	Strategy piecepicker.Strategy
}

// DefaultOptions returns the session options matching spec.md's defaults.
func DefaultOptions() Options {
	return Options{
		MaxConnAttempts:           50,
		MinPeers:                  30,
		PeerRefreshInterval:       120 * time.Second,
		UnchokedPeers:             choker.DefaultUnchokedPeers,
		OptimisticSlots:           choker.DefaultOptimisticSlots,
		ChokeTick:                 10 * time.Second,
		OptimisticTick:            30 * time.Second,
		RequestTimeout:            60 * time.Second,
		RequestScanTick:           1 * time.Second,
		MaxRequestTimeoutsPerPeer: 3,
		StatsTick:                 1 * time.Second,
		AutoSaveTick:              60 * time.Second,
		PeerConnectTimeout:        peerconn.DefaultConnectTimeout,
		PeerIdleTimeout:           peerconn.DefaultIdleTimeout,
		BlockSize:                 16 * 1024,
		MaxVerificationFailures:   2,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.MaxConnAttempts <= 0 {
		o.MaxConnAttempts = d.MaxConnAttempts
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.MinPeers <= 0 {
		o.MinPeers = d.MinPeers
	}
	if o.PeerRefreshInterval <= 0 {
		o.PeerRefreshInterval = d.PeerRefreshInterval
	}
	if o.UnchokedPeers <= 0 {
		o.UnchokedPeers = d.UnchokedPeers
	}
	if o.OptimisticSlots <= 0 {
		o.OptimisticSlots = d.OptimisticSlots
	}
	if o.ChokeTick <= 0 {
		o.ChokeTick = d.ChokeTick
	}
	if o.OptimisticTick <= 0 {
		o.OptimisticTick = d.OptimisticTick
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.RequestScanTick <= 0 {
		o.RequestScanTick = d.RequestScanTick
	}
	if o.MaxRequestTimeoutsPerPeer <= 0 {
		o.MaxRequestTimeoutsPerPeer = d.MaxRequestTimeoutsPerPeer
	}
	if o.StatsTick <= 0 {
		o.StatsTick = d.StatsTick
	}
	if o.AutoSaveTick <= 0 {
		o.AutoSaveTick = d.AutoSaveTick
	}
	if o.PeerConnectTimeout <= 0 {
		o.PeerConnectTimeout = d.PeerConnectTimeout
	}
	if o.PeerIdleTimeout <= 0 {
		o.PeerIdleTimeout = d.PeerIdleTimeout
	}
	if o.BlockSize == 0 {
		o.BlockSize = d.BlockSize
	}
	if o.MaxVerificationFailures <= 0 {
		o.MaxVerificationFailures = d.MaxVerificationFailures
	}
}

// Collaborators bundles the three interfaces the core consumes (spec.md
// §6): a peer-list oracle, a storage sink, and a checkpoint sink, plus the
// client-wide bandwidth buckets a session manager shares across every
// torrent it runs.
type Collaborators struct {
	Oracle     oracle.Oracle
	Storage    storage.Storage
	Checkpoint checkpoint.Sink
	GlobalDown *rate.Limiter // shared across torrents in a client; may be nil
	GlobalUp   *rate.Limiter
}

// activeDownload pairs a running PieceDownloader with the stop channel
// that cancels its goroutine.
type activeDownload struct {
	d     *piecedownloader.PieceDownloader
	stopC chan struct{}
}

// pieceDownload tracks one piece's in-progress downloader, keyed by the
// peer driving it. Only one downloader runs per piece; endgame duplicate
// requesters are tracked in Session.endgameDupes instead.
type pieceDownload struct {
	byPeer map[*peer.Peer]*activeDownload
}

// Session coordinates one torrent: its peer set, piece state, and verified
// bitfield, on a single event-loop goroutine (run()).
type Session struct {
	Desc *Descriptor
	opts Options
	log  logger.Logger
	id   [20]byte // our peer id

	store      storage.Storage
	checkpoint checkpoint.Sink
	oracle     oracle.Oracle
	downLimiter *ratelimiter.Limiter
	upLimiter   *ratelimiter.Limiter

	pieces   []*piece.Piece
	verified *bitfield.Bitfield
	picker   *piecepicker.Picker
	choker   *choker.Choker
	verifier *verifier.Verifier
	writer   *piecewriter.Writer
	blocked  *blocklist.Blocklist

	connSem *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex // guards status and the byte counters, read by Stats() off-loop
	status Status

	bytesDownloaded int64
	bytesUploaded   int64
	bytesWasted     int64
	dirty           bool

	pieceFailures map[uint32]int

	peers            map[*peer.Peer]struct{}
	downloaders      map[uint32]*pieceDownload
	peerCurrentPiece map[*peer.Peer]*piece.Piece
	// endgameDupes tracks peers that have been handed duplicate requests
	// for a piece already being pulled by its primary downloader, so a
	// completion can CANCEL their outstanding requests and so a PIECE
	// reply from one of them is routed to the primary downloader instead
	// of spinning up a second goroutine mutating the same *piece.Piece.
	endgameDupes map[uint32]map[*peer.Peer]struct{}
	peerTimeouts map[*peer.Peer]int

	eventsC chan Event

	pauseC  chan struct{}
	resumeC chan struct{}

	addPeersC chan []*net.TCPAddr
	incomingC chan net.Conn
	statsReqC chan chan Stats
	recheckC  chan struct{}

	dialResultC       chan dialResult
	peerMessageC      chan peerMessageEvent
	peerDisconnectedC chan peerDisconnect

	verifyResultC chan verifier.Result
	writeResultC  chan piecewriter.Result
	pieceDoneC    chan pieceDoneEvent
	pieceErrC     chan pieceErrEvent

	closeC    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

type dialResult struct {
	addr *net.TCPAddr
	pe   *peer.Peer
	err  error
}

type peerMessageEvent struct {
	pe  *peer.Peer
	msg peerprotocol.Message
}

type peerDisconnect struct {
	pe  *peer.Peer
	err error
}

type pieceDoneEvent struct {
	pe *peer.Peer
	pi *piece.Piece
	data []byte
}

type pieceErrEvent struct {
	pe  *peer.Peer
	pi  *piece.Piece
	err error
}

// New builds a Session for desc. id is this client's 20-byte peer id, sent
// on every handshake. The session is not started until Start is called.
func New(desc *Descriptor, id [20]byte, col Collaborators, opts Options) (*Session, error) {
	if col.Storage == nil || col.Checkpoint == nil || col.Oracle == nil {
		return nil, fmt.Errorf("%w: storage, checkpoint and oracle collaborators are required", errs.ErrFatal)
	}
	opts.setDefaults()

	pieces := make([]*piece.Piece, desc.NumPieces())
	for i := range pieces {
		pieces[i] = piece.New(uint32(i), desc.PieceLen(uint32(i)), desc.PieceHashes[i], opts.BlockSize)
	}

	downLimiter := ratelimiter.New(col.GlobalDown, opts.DownloadLimit, 0)
	upLimiter := ratelimiter.New(col.GlobalUp, opts.UploadLimit, 0)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Desc:              desc,
		opts:              opts,
		log:               logger.New("torrent " + desc.Name),
		id:                id,
		store:             col.Storage,
		checkpoint:        col.Checkpoint,
		oracle:            col.Oracle,
		downLimiter:       downLimiter,
		upLimiter:         upLimiter,
		pieces:            pieces,
		verified:          bitfield.New(uint32(len(pieces))),
		picker:            piecepicker.New(pieces, opts.Strategy, opts.Seed),
		choker:            choker.New(opts.UnchokedPeers, opts.OptimisticSlots, opts.Seed),
		verifier:          verifier.New(maxInt(opts.VerifierWorkers, 1)),
		writer:            piecewriter.New(col.Storage, maxInt(opts.PieceWriterWorkers, 1), int(desc.PieceLength)),
		blocked:           blocklist.New(blocklist.DefaultCapacity),
		connSem:           semaphore.NewWeighted(int64(opts.MaxConnAttempts)),
		ctx:               ctx,
		cancel:            cancel,
		status:            StatusStopped,
		pieceFailures:     make(map[uint32]int),
		peers:             make(map[*peer.Peer]struct{}),
		downloaders:       make(map[uint32]*pieceDownload),
		peerCurrentPiece:  make(map[*peer.Peer]*piece.Piece),
		endgameDupes:      make(map[uint32]map[*peer.Peer]struct{}),
		peerTimeouts:      make(map[*peer.Peer]int),
		eventsC:           make(chan Event, 256),
		pauseC:            make(chan struct{}),
		resumeC:           make(chan struct{}),
		addPeersC:         make(chan []*net.TCPAddr, 8),
		incomingC:         make(chan net.Conn, 8),
		statsReqC:         make(chan chan Stats),
		recheckC:          make(chan struct{}),
		dialResultC:       make(chan dialResult, 64),
		peerMessageC:      make(chan peerMessageEvent, 256),
		peerDisconnectedC: make(chan peerDisconnect, 64),
		verifyResultC:     make(chan verifier.Result, 16),
		writeResultC:      make(chan piecewriter.Result, 16),
		pieceDoneC:        make(chan pieceDoneEvent, 16),
		pieceErrC:         make(chan pieceErrEvent, 16),
		closeC:            make(chan struct{}),
	}
	return s, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Events returns the session's single event sink.
func (s *Session) Events() <-chan Event { return s.eventsC }

// Start launches the event loop goroutine, which moves the session to
// checking, then downloading/seeding once the initial recheck completes.
// Only the first call has any effect; later calls, including calls after
// Stop, are no-ops.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop requests the session shut down: in-flight connections are closed,
// the verification/write queues are drained without blocking for their
// results, and the event loop goroutine exits. Stop blocks until the loop
// has exited.
func (s *Session) Stop() {
	s.closeOnce.Do(func() { close(s.closeC) })
	s.wg.Wait()
}

// Pause keeps connections open but stops issuing new requests.
func (s *Session) Pause() {
	select {
	case s.pauseC <- struct{}{}:
	case <-s.closeC:
	}
}

// Resume leaves the paused state.
func (s *Session) Resume() {
	select {
	case s.resumeC <- struct{}{}:
	case <-s.closeC:
	}
}

// AddPeers feeds candidate addresses into the dial pool, e.g. from a
// manual add or an external oracle refresh.
func (s *Session) AddPeers(addrs []*net.TCPAddr) {
	select {
	case s.addPeersC <- addrs:
	case <-s.closeC:
	}
}

// AddIncomingConn hands the session an already-accepted TCP connection to
// handshake and fold into the peer set.
func (s *Session) AddIncomingConn(conn net.Conn) {
	select {
	case s.incomingC <- conn:
	case <-s.closeC:
		conn.Close()
	}
}

// Stats returns a snapshot of the session's current counters and status.
func (s *Session) Stats() Stats {
	req := make(chan Stats, 1)
	select {
	case s.statsReqC <- req:
		return <-req
	case <-s.closeC:
		return s.snapshotStats()
	}
}

func (s *Session) snapshotStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Status:          s.status,
		PiecesVerified:  int(s.verified.Count()),
		PiecesTotal:     len(s.pieces),
		BytesDownloaded: s.bytesDownloaded,
		BytesUploaded:   s.bytesUploaded,
		BytesWasted:     s.bytesWasted,
		NumPeers:        len(s.peers),
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.choker.SetSeeding(st == StatusSeeding)
		s.emit(Event{Kind: EventStatusChanged, InfoHash: s.Desc.InfoHash})
	}
}

func (s *Session) emit(ev Event) {
	ev.InfoHash = s.Desc.InfoHash
	select {
	case s.eventsC <- ev:
	default:
		// Slow consumer: drop rather than block the event loop. stats_tick
		// is sampled again next tick so this only loses a redundant update.
	}
}

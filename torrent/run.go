package torrent

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/realAndi/Torm-sub004/internal/bitfield"
	"github.com/realAndi/Torm-sub004/internal/checkpoint"
	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/internal/peer"
	"github.com/realAndi/Torm-sub004/internal/peerconn"
	"github.com/realAndi/Torm-sub004/internal/peerprotocol"
	"github.com/realAndi/Torm-sub004/internal/piece"
	"github.com/realAndi/Torm-sub004/internal/piecedownloader"
	"github.com/realAndi/Torm-sub004/internal/piecewriter"
	"github.com/realAndi/Torm-sub004/internal/verifier"
)

// run is the session's single mutation goroutine: every peer record,
// piece, and the verified bitfield is touched only from here. Everything
// else (peer reader/writer goroutines, dial attempts, verification,
// storage writes) is a suspension point that posts its result back onto
// one of the channels this select loop owns.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.shutdown()

	s.initialCheck()
	if s.verified.All() {
		s.setStatus(StatusSeeding)
	} else {
		s.setStatus(StatusDownloading)
	}

	s.refreshPeers()

	chokeTicker := time.NewTicker(s.opts.ChokeTick)
	defer chokeTicker.Stop()
	optimisticTicker := time.NewTicker(s.opts.OptimisticTick)
	defer optimisticTicker.Stop()
	requestScanTicker := time.NewTicker(s.opts.RequestScanTick)
	defer requestScanTicker.Stop()
	statsTicker := time.NewTicker(s.opts.StatsTick)
	defer statsTicker.Stop()
	autosaveTicker := time.NewTicker(s.opts.AutoSaveTick)
	defer autosaveTicker.Stop()
	peerRefreshTicker := time.NewTicker(s.opts.PeerRefreshInterval)
	defer peerRefreshTicker.Stop()

	paused := false

	for {
		select {
		case <-s.closeC:
			return

		case <-s.pauseC:
			paused = true
			s.setStatus(StatusPaused)

		case <-s.resumeC:
			paused = false
			if s.verified.All() {
				s.setStatus(StatusSeeding)
			} else {
				s.setStatus(StatusDownloading)
			}

		case addrs := <-s.addPeersC:
			s.dialAddrs(addrs)

		case conn := <-s.incomingC:
			go s.acceptIncoming(conn)

		case req := <-s.statsReqC:
			req <- s.snapshotStats()

		case dr := <-s.dialResultC:
			s.handleDialResult(dr)

		case pm := <-s.peerMessageC:
			s.handlePeerMessage(pm.pe, pm.msg)

		case pd := <-s.peerDisconnectedC:
			s.handlePeerDisconnected(pd.pe, pd.err)

		case ev := <-s.pieceDoneC:
			s.handlePieceDone(ev)

		case ev := <-s.pieceErrC:
			s.handlePieceErr(ev)

		case res := <-s.verifyResultC:
			s.handleVerifyResult(res)

		case res := <-s.writeResultC:
			s.handleWriteResult(res)

		case <-chokeTicker.C:
			if !paused {
				s.tickChoke()
			}

		case <-optimisticTicker.C:
			if !paused {
				s.tickOptimistic()
			}

		case <-requestScanTicker.C:
			if !paused {
				s.tickRequestScan()
			}

		case <-statsTicker.C:
			s.tickStats()

		case <-autosaveTicker.C:
			s.tickAutosave()

		case <-peerRefreshTicker.C:
			if !paused {
				s.refreshPeers()
			}

		case <-s.recheckC:
			s.initialCheck()
		}
	}
}

// shutdown tears down every resource the session owns. It runs once, after
// run()'s select loop returns.
func (s *Session) shutdown() {
	s.cancel()
	for pe := range s.peers {
		pe.Conn.Destroy()
	}
	s.verifier.Close()
	s.writer.Close()
	s.saveCheckpoint()
}

// initialCheck seeds the verified bitfield on startup (spec.md §4.6
// `checking` state). A saved checkpoint is trusted as-is, so a resumed
// torrent skips re-hashing every piece; with no checkpoint (first add, or
// one that predates this torrent), every piece is read from storage and
// verified against the descriptor's hash instead. A read error or hash
// mismatch just leaves the piece Missing; only unreadable storage is
// skipped over, not treated as fatal, since an empty/partial data
// directory is the common case for a fresh torrent.
func (s *Session) initialCheck() {
	s.setStatus(StatusChecking)
	if s.loadCheckpoint() {
		return
	}
	for _, pi := range s.pieces {
		offset := s.pieceOffset(pi.Index)
		data, err := s.store.ReadBlock(offset, int(pi.Length))
		if err != nil {
			continue
		}
		if verifier.Verify(pi, data) {
			pi.State = piece.Verified
			s.verified.Set(pi.Index)
		}
	}
}

// loadCheckpoint restores piece/byte-counter state from a previously
// saved checkpoint, if one exists for this torrent. It reports whether a
// checkpoint was found and applied.
func (s *Session) loadCheckpoint() bool {
	st, found, err := s.checkpoint.Load(s.Desc.InfoHash)
	if err != nil || !found || len(st.VerifiedBitmap) == 0 {
		return false
	}
	bf, err := bitfield.NewBytes(st.VerifiedBitmap, uint32(len(s.pieces)))
	if err != nil {
		return false
	}
	for _, idx := range bf.Indexes() {
		s.pieces[idx].State = piece.Verified
		s.verified.Set(idx)
	}
	s.bytesDownloaded = st.BytesDownloaded
	s.bytesUploaded = st.BytesUploaded
	return true
}

func (s *Session) pieceOffset(index uint32) int64 {
	return int64(index) * int64(s.Desc.PieceLength)
}

// refreshPeers tops the dial pool up from the oracle when the live peer
// count is below MinPeers.
func (s *Session) refreshPeers() {
	need := s.opts.MinPeers - len(s.peers)
	if need <= 0 {
		return
	}
	addrs, err := s.oracle.NextPeers(s.Desc.InfoHash, need)
	if err != nil || len(addrs) == 0 {
		return
	}
	s.dialAddrs(addrs)
}

func (s *Session) dialAddrs(addrs []*net.TCPAddr) {
	for _, addr := range addrs {
		if s.blocked.Contains(addr.String()) {
			continue
		}
		addr := addr
		go s.dialOne(addr)
	}
}

func (s *Session) bitfieldLen() int {
	return int((uint32(len(s.pieces)) + 7) / 8)
}

func (s *Session) dialOne(addr *net.TCPAddr) {
	if err := s.connSem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.connSem.Release(1)

	opts := peerconn.Options{
		ConnectTimeout: s.opts.PeerConnectTimeout,
		IdleTimeout:    s.opts.PeerIdleTimeout,
		BitfieldLen:    s.bitfieldLen(),
	}
	conn, err := s.dialAndHandshake(addr, opts)
	var pe *peer.Peer
	if err == nil {
		pe = peer.New(conn, uint32(len(s.pieces)), false)
	}
	select {
	case s.dialResultC <- dialResult{addr: addr, pe: pe, err: err}:
	case <-s.closeC:
		if conn != nil {
			conn.Destroy()
		}
	}
}

// dialAndHandshake tries the two handshake kinds in the order spec.md §4.1
// names: plaintext first, obfuscated (MSE) as the fallback, unless
// EncryptionPrimary reverses that order.
func (s *Session) dialAndHandshake(addr *net.TCPAddr, opts peerconn.Options) (*peerconn.Conn, error) {
	first, second := peerconn.DialAndHandshake, peerconn.DialAndHandshakeEncrypted
	if s.opts.EncryptionPrimary {
		first, second = second, first
	}
	conn, err := first(s.ctx, addr, s.Desc.InfoHash, s.id, peerprotocol.ExtensionBytes{}, opts)
	if err == nil {
		return conn, nil
	}
	return second(s.ctx, addr, s.Desc.InfoHash, s.id, peerprotocol.ExtensionBytes{}, opts)
}

// acceptIncoming completes the responder side of a handshake for an
// already-accepted socket, auto-detecting plaintext vs. obfuscated (MSE).
func (s *Session) acceptIncoming(conn net.Conn) {
	opts := peerconn.Options{
		ConnectTimeout: s.opts.PeerConnectTimeout,
		IdleTimeout:    s.opts.PeerIdleTimeout,
		BitfieldLen:    s.bitfieldLen(),
	}
	pc, err := peerconn.AcceptHandshakeAuto(conn, s.Desc.InfoHash, s.id, peerprotocol.ExtensionBytes{}, opts)
	if err != nil {
		return
	}
	pe := peer.New(pc, uint32(len(s.pieces)), true)
	select {
	case s.dialResultC <- dialResult{pe: pe}:
	case <-s.closeC:
		pc.Destroy()
	}
}

func (s *Session) handleDialResult(dr dialResult) {
	if dr.err != nil {
		if dr.addr != nil {
			s.oracle.ReportFailure(s.Desc.InfoHash, dr.addr)
			if errors.Is(dr.err, errs.ErrProtocol) {
				s.blocked.Add(dr.addr.String())
			}
		}
		return
	}
	pe := dr.pe
	s.peers[pe] = struct{}{}
	if dr.addr != nil {
		s.oracle.ReportSuccess(s.Desc.InfoHash, dr.addr)
	}
	go s.pumpPeerMessages(pe)
	if s.verified.Count() > 0 {
		pe.Conn.Send(peerprotocol.BitfieldMessage{Data: s.verified.Bytes()})
	}
	s.emit(Event{Kind: EventPeerConnected, Peer: pe.String()})
}

// pumpPeerMessages forwards one connection's decoded messages and terminal
// error onto the session's own channels, so run() remains the only
// goroutine mutating peer/piece state.
func (s *Session) pumpPeerMessages(pe *peer.Peer) {
	for {
		select {
		case msg := <-pe.Conn.Messages():
			select {
			case s.peerMessageC <- peerMessageEvent{pe: pe, msg: msg}:
			case <-s.closeC:
				return
			}
		case err := <-pe.Conn.Errors():
			select {
			case s.peerDisconnectedC <- peerDisconnect{pe: pe, err: err}:
			case <-s.closeC:
			}
			return
		case <-s.closeC:
			return
		}
	}
}

func (s *Session) handlePeerMessage(pe *peer.Peer, msg peerprotocol.Message) {
	if _, ok := s.peers[pe]; !ok {
		return // already disconnected; message raced the teardown
	}
	switch m := msg.(type) {
	case peerprotocol.ChokeMessage:
		s.handleChoke(pe)
	case peerprotocol.UnchokeMessage:
		s.handleUnchoke(pe)
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.BitfieldMessage:
		s.handleBitfield(pe, m.Data)
	case peerprotocol.HaveMessage:
		s.handleHave(pe, m.Index)
	case peerprotocol.RequestMessage:
		s.handleRequest(pe, m)
	case peerprotocol.PieceMessage:
		s.handlePieceMessage(pe, m)
	case peerprotocol.CancelMessage:
		// No pending-upload queue to cancel against: requests are served
		// synchronously as they arrive. Accepted so the connection isn't
		// treated as sending an unknown/invalid message.
	case peerprotocol.PortMessage:
		// DHT is a Non-goal; the port is noted by nothing.
	}
}

func (s *Session) handleChoke(pe *peer.Peer) {
	pe.PeerChoking = true
	if ad := s.activeDownloadFor(pe); ad != nil {
		select {
		case ad.d.ChokeC <- struct{}{}:
		case <-ad.stopC:
		}
	}
}

func (s *Session) handleUnchoke(pe *peer.Peer) {
	pe.PeerChoking = false
	if ad := s.activeDownloadFor(pe); ad != nil {
		select {
		case ad.d.UnchokeC <- struct{}{}:
		case <-ad.stopC:
		}
		return
	}
	s.maybeRequestMore(pe)
}

func (s *Session) handleBitfield(pe *peer.Peer, data []byte) {
	bf, err := bitfield.NewBytes(data, uint32(len(s.pieces)))
	if err != nil {
		s.disconnectPeer(pe, err)
		return
	}
	pe.Bitfield = bf
	s.picker.AddPeerBitfield(bf)
	s.updateInterest(pe)
	s.maybeRequestMore(pe)
}

func (s *Session) handleHave(pe *peer.Peer, index uint32) {
	if int(index) >= len(s.pieces) {
		return
	}
	pe.Bitfield.Set(index)
	s.picker.PeerHave(index)
	s.updateInterest(pe)
	s.maybeRequestMore(pe)
}

// updateInterest tells pe whether we're interested in it: interested iff
// its bitfield has at least one piece we haven't verified yet.
func (s *Session) updateInterest(pe *peer.Peer) {
	wanted := false
	for _, idx := range pe.Bitfield.Indexes() {
		if !s.verified.Test(idx) {
			wanted = true
			break
		}
	}
	if wanted == pe.AmInterested {
		return
	}
	pe.AmInterested = wanted
	if wanted {
		pe.Conn.Send(peerprotocol.InterestedMessage{})
	} else {
		pe.Conn.Send(peerprotocol.NotInterestedMessage{})
	}
}

func (s *Session) handleRequest(pe *peer.Peer, m peerprotocol.RequestMessage) {
	if pe.AmChoking {
		return
	}
	if int(m.Index) >= len(s.pieces) || !s.verified.Test(m.Index) {
		return
	}
	if !s.upLimiter.AllowN(int(m.Length)) {
		// Over the upload cap this tick. Dropped rather than queued: the
		// peer will simply not see a reply and re-request on its own
		// timeout, same as a REQUEST lost on the wire.
		return
	}
	offset := s.pieceOffset(m.Index) + int64(m.Begin)
	data, err := s.store.ReadBlock(offset, int(m.Length))
	if err != nil {
		return
	}
	pe.Conn.SendPiece(m.Index, m.Begin, data)
	pe.RecordUpload(int64(len(data)))
	s.bytesUploaded += int64(len(data))
}

func (s *Session) handlePieceMessage(pe *peer.Peer, m peerprotocol.PieceMessage) {
	ad := s.lookupDownload(m.Index, pe)
	if ad == nil {
		return
	}
	if dupes, ok := s.endgameDupes[m.Index]; ok {
		if _, dup := dupes[pe]; dup {
			pe.RemoveRequest(m.Index, m.Begin)
			pe.RecordDownload(int64(len(m.Data)))
		}
	}
	s.bytesDownloaded += int64(len(m.Data))
	if s.blockAlreadyReceived(ad.d.Piece, m.Begin) {
		// Endgame: some other holder's PIECE for this exact block already
		// landed; this one is a duplicate and needs no further cancelling.
		return
	}
	s.cancelDuplicateBlock(m.Index, m.Begin, uint32(len(m.Data)), pe)
	select {
	case ad.d.BlockArrivedC <- piecedownloader.BlockArrival{Begin: m.Begin, Data: m.Data}:
	case <-ad.stopC:
	}
}

func (s *Session) blockAlreadyReceived(pi *piece.Piece, begin uint32) bool {
	for i := range pi.Blocks {
		if pi.Blocks[i].Begin == begin {
			return pi.Blocks[i].State == piece.Received
		}
	}
	return false
}

// cancelDuplicateBlock sends CANCEL to every other peer known to be holding
// a duplicate outstanding request for (index, begin), the moment the first
// PIECE for that block arrives from winner — rather than waiting for the
// whole piece to complete (spec.md §4.3 endgame).
func (s *Session) cancelDuplicateBlock(index, begin, length uint32, winner *peer.Peer) {
	cancelOne := func(pe *peer.Peer) {
		if pe == winner {
			return
		}
		if pe.RemoveRequest(index, begin) {
			pe.Conn.Send(peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length})
		}
	}
	if pd, ok := s.downloaders[index]; ok {
		for pe := range pd.byPeer {
			cancelOne(pe)
		}
	}
	if dupes, ok := s.endgameDupes[index]; ok {
		for pe := range dupes {
			cancelOne(pe)
		}
	}
}

// activeDownloadFor returns pe's own downloader, if it's the primary for
// whatever piece it's currently assigned to.
func (s *Session) activeDownloadFor(pe *peer.Peer) *activeDownload {
	pi, ok := s.peerCurrentPiece[pe]
	if !ok || pi == nil {
		return nil
	}
	return s.lookupDownload(pi.Index, pe)
}

func (s *Session) lookupDownload(index uint32, pe *peer.Peer) *activeDownload {
	pd, ok := s.downloaders[index]
	if !ok {
		return nil
	}
	if ad, ok := pd.byPeer[pe]; ok {
		return ad
	}
	// A duplicate (endgame) requester routes to the primary downloader.
	for _, ad := range pd.byPeer {
		return ad
	}
	return nil
}

func (s *Session) endgameActive() bool {
	if s.verified.All() {
		return false
	}
	inFlight := false
	for _, pi := range s.pieces {
		switch pi.State {
		case piece.Missing:
			return false
		case piece.InFlight:
			inFlight = true
		}
	}
	return inFlight
}

// maybeRequestMore gives pe a piece to work on if it's idle and unchoked.
// If every remaining piece already has a primary downloader (endgame), pe
// is added as a duplicate requester on one of them instead of starting a
// second mutator goroutine over the same piece.
func (s *Session) maybeRequestMore(pe *peer.Peer) {
	if pe.Bitfield == nil || pe.PeerChoking || !pe.AmInterested {
		return
	}
	if _, busy := s.peerCurrentPiece[pe]; busy {
		return
	}
	endgame := s.endgameActive()
	pi, err := s.picker.NextPiece(pe.Bitfield, endgame)
	if err != nil {
		return
	}
	if pi.State == piece.InFlight && endgame {
		s.addDuplicateRequester(pe, pi)
		return
	}
	s.startDownload(pe, pi)
}

func (s *Session) startDownload(pe *peer.Peer, pi *piece.Piece) {
	d := piecedownloader.New(pi, pe)
	d.AllowN = s.downLimiter.AllowN
	stopC := make(chan struct{})
	pd, ok := s.downloaders[pi.Index]
	if !ok {
		pd = &pieceDownload{byPeer: make(map[*peer.Peer]*activeDownload)}
		s.downloaders[pi.Index] = pd
	}
	ad := &activeDownload{d: d, stopC: stopC}
	pd.byPeer[pe] = ad
	s.peerCurrentPiece[pe] = pi
	// Mark the piece in flight before the goroutine starts, so the next
	// NextPiece call on this loop does not hand it to a second downloader.
	pi.State = piece.InFlight

	go d.Run(stopC)
	go func() {
		select {
		case data := <-d.DoneC:
			select {
			case s.pieceDoneC <- pieceDoneEvent{pe: pe, pi: pi, data: data}:
			case <-s.closeC:
			}
		case err := <-d.ErrC:
			select {
			case s.pieceErrC <- pieceErrEvent{pe: pe, pi: pi, err: err}:
			case <-s.closeC:
			}
		case <-stopC:
		}
	}()
}

// addDuplicateRequester sends pe a request for whichever of pi's blocks
// aren't yet received, up to its pipeline capacity, without creating a
// second PieceDownloader.
func (s *Session) addDuplicateRequester(pe *peer.Peer, pi *piece.Piece) {
	dupes, ok := s.endgameDupes[pi.Index]
	if !ok {
		dupes = make(map[*peer.Peer]struct{})
		s.endgameDupes[pi.Index] = dupes
	}
	dupes[pe] = struct{}{}
	s.peerCurrentPiece[pe] = pi

	for i := range pi.Blocks {
		if !pe.HasPipelineCapacity() {
			break
		}
		b := &pi.Blocks[i]
		if b.State == piece.Received {
			continue
		}
		if !s.downLimiter.AllowN(int(b.Length)) {
			break
		}
		pe.AddRequest(pi.Index, b.Begin, b.Length)
		pe.Conn.Send(peerprotocol.RequestMessage{Index: pi.Index, Begin: b.Begin, Length: b.Length})
	}
}

func (s *Session) handlePieceDone(ev pieceDoneEvent) {
	s.clearDownload(ev.pi.Index, ev.pe)
	s.cancelDuplicates(ev.pi.Index, ev.pe)
	s.verifier.Submit(ev.pi, ev.data, s.verifyResultC)
}

func (s *Session) handlePieceErr(ev pieceErrEvent) {
	s.clearDownload(ev.pi.Index, ev.pe)
	// The peer that failed mid-download is unreliable for this piece;
	// return its requested-but-unreceived blocks to unrequested so another
	// assignment can pick them up once something re-triggers selection.
	s.resetRequestedBlocks(ev.pi)
}

func (s *Session) clearDownload(index uint32, pe *peer.Peer) {
	delete(s.peerCurrentPiece, pe)
	pd, ok := s.downloaders[index]
	if !ok {
		return
	}
	delete(pd.byPeer, pe)
	if len(pd.byPeer) == 0 {
		delete(s.downloaders, index)
	}
}

// cancelDuplicates sends CANCEL to every peer that was handed a duplicate
// endgame request for index, now that the winning peer delivered it.
func (s *Session) cancelDuplicates(index uint32, winner *peer.Peer) {
	dupes, ok := s.endgameDupes[index]
	if !ok {
		return
	}
	for pe := range dupes {
		for _, r := range pe.OutstandingRequests() {
			if r.Key.PieceIndex == index {
				pe.Conn.Send(peerprotocol.CancelMessage{Index: index, Begin: r.Key.Begin, Length: r.Length})
			}
		}
		pe.ClearRequests()
		delete(s.peerCurrentPiece, pe)
	}
	delete(s.endgameDupes, index)
}

func (s *Session) resetRequestedBlocks(pi *piece.Piece) {
	for i := range pi.Blocks {
		if pi.Blocks[i].State == piece.Requested {
			pi.Blocks[i].State = piece.Unrequested
			pi.Blocks[i].RequestedTo = ""
		}
	}
}

func (s *Session) handleVerifyResult(res verifier.Result) {
	pi := res.Piece
	if !res.OK {
		s.bytesWasted += int64(len(res.Data))
		s.pieceFailures[pi.Index]++
		if s.pieceFailures[pi.Index] >= s.opts.MaxVerificationFailures {
			for _, who := range contributingPeers(pi) {
				s.blocked.Add(who)
			}
		}
		pi.Reset()
		s.emit(Event{Kind: EventPieceFailed, PieceIndex: pi.Index, Err: errs.ErrVerification})
		s.reassignAllIdle()
		return
	}

	pi.State = piece.Verified
	s.verified.Set(pi.Index)
	s.picker.NotePieceAcquired()
	s.dirty = true
	s.writer.Write(pi, s.pieceOffset(pi.Index), res.Data, s.writeResultC)
	s.emit(Event{Kind: EventPieceVerified, PieceIndex: pi.Index})
	s.broadcastHave(pi.Index)
	for pe := range s.peers {
		s.updateInterest(pe)
	}
	s.checkCompletion()
	s.reassignAllIdle()
}

func (s *Session) handleWriteResult(res piecewriter.Result) {
	if res.Error != nil {
		s.setStatus(StatusPaused)
		s.emit(Event{Kind: EventPieceFailed, PieceIndex: res.Piece.Index, Err: fmt.Errorf("%w: %v", errs.ErrStorage, res.Error)})
	}
}

func contributingPeers(pi *piece.Piece) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range pi.Blocks {
		who := pi.Blocks[i].RequestedTo
		if who == "" {
			continue
		}
		if _, ok := seen[who]; ok {
			continue
		}
		seen[who] = struct{}{}
		out = append(out, who)
	}
	return out
}

func (s *Session) broadcastHave(index uint32) {
	for pe := range s.peers {
		if pe.Bitfield != nil && pe.Bitfield.Test(index) {
			continue
		}
		pe.Conn.Send(peerprotocol.HaveMessage{Index: index})
	}
}

func (s *Session) checkCompletion() {
	if s.verified.All() {
		s.setStatus(StatusSeeding)
	}
}

// reassignAllIdle gives every idle, interested, unchoked peer a chance to
// pick up newly freed work (a piece reset by verification failure, or
// blocks freed by a cancelled duplicate).
func (s *Session) reassignAllIdle() {
	for pe := range s.peers {
		if _, busy := s.peerCurrentPiece[pe]; !busy {
			s.maybeRequestMore(pe)
		}
	}
}

func (s *Session) handlePeerDisconnected(pe *peer.Peer, err error) {
	if _, ok := s.peers[pe]; !ok {
		return
	}
	delete(s.peers, pe)
	delete(s.peerTimeouts, pe)
	if pe.Bitfield != nil {
		s.picker.RemovePeerBitfield(pe.Bitfield)
	}
	if pi, busy := s.peerCurrentPiece[pe]; busy {
		if ad := s.lookupDownload(pi.Index, pe); ad != nil && ad.d.Peer == pe {
			// ad's own goroutine releases any blocks it had requested but
			// not yet received as it exits; touching pi.Blocks here too
			// would race with that goroutine until it observes stopC.
			close(ad.stopC)
		}
		s.clearDownload(pi.Index, pe)
	}
	if dupes, ok := s.endgameDupes[indexOfCurrentDupe(s, pe)]; ok {
		delete(dupes, pe)
	}
	pe.Conn.Destroy()
	s.emit(Event{Kind: EventPeerDisconnected, Peer: pe.String(), Err: err})
	s.reassignAllIdle()
}

// indexOfCurrentDupe scans every piece's dupe set and returns the index of
// the first one holding pe (pe only ever duplicates one piece at a time),
// or ^uint32(0) if none does.
func indexOfCurrentDupe(s *Session, pe *peer.Peer) uint32 {
	for idx, dupes := range s.endgameDupes {
		if _, ok := dupes[pe]; ok {
			return idx
		}
	}
	return ^uint32(0)
}

// disconnectPeer tears down pe immediately, called from within run() itself
// (e.g. a protocol violation or a request-timeout budget exceeded) rather
// than waiting for the connection's own error channel to fire.
func (s *Session) disconnectPeer(pe *peer.Peer, err error) {
	if _, ok := s.peers[pe]; !ok {
		return
	}
	s.handlePeerDisconnected(pe, err)
}

func (s *Session) tickChoke() {
	s.choker.TickRegular(s.peerSlice())
}

func (s *Session) tickOptimistic() {
	s.choker.TickOptimistic(s.peerSlice())
}

func (s *Session) peerSlice() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(s.peers))
	for pe := range s.peers {
		pe.Tick()
		out = append(out, pe)
	}
	return out
}

func (s *Session) tickRequestScan() {
	for pe := range s.peers {
		pe.CheckSnub()
		ad := s.activeDownloadFor(pe)
		if ad == nil {
			continue
		}
		select {
		case ad.d.NudgeC <- struct{}{}:
		default:
		}
		for _, r := range pe.OutstandingRequests() {
			if time.Since(r.RequestedAt) <= s.opts.RequestTimeout {
				continue
			}
			select {
			case ad.d.RejectC <- piecedownloader.RequestKey{Begin: r.Key.Begin}:
			case <-ad.stopC:
			}
			s.peerTimeouts[pe]++
		}
		if s.peerTimeouts[pe] >= s.opts.MaxRequestTimeoutsPerPeer {
			s.disconnectPeer(pe, errs.ErrTimeout)
		}
	}
}

func (s *Session) tickStats() {
	stats := s.snapshotStats()
	var down, up float64
	for pe := range s.peers {
		down += pe.DownloadRate()
		up += pe.UploadRate()
	}
	stats.DownloadBPS = down
	stats.UploadBPS = up
	if down > 0 {
		remaining := s.Desc.TotalLength - s.bytesDownloadedApprox()
		if remaining > 0 {
			stats.ETA = time.Duration(float64(remaining)/down) * time.Second
		}
	}
	s.emit(Event{Kind: EventStatsTick, Stats: stats})
}

func (s *Session) bytesDownloadedApprox() int64 {
	return int64(s.verified.Count()) * int64(s.Desc.PieceLength)
}

func (s *Session) tickAutosave() {
	if !s.dirty {
		return
	}
	s.saveCheckpoint()
}

func (s *Session) saveCheckpoint() {
	st := checkpoint.State{
		InfoHash:        s.Desc.InfoHash,
		NumPieces:       uint32(len(s.pieces)),
		VerifiedBitmap:  s.verified.Bytes(),
		BytesDownloaded: s.bytesDownloadedApprox(),
		BytesUploaded:   s.bytesUploaded,
		Status:          s.status.String(),
	}
	_ = s.checkpoint.Save(st)
	s.dirty = false
}

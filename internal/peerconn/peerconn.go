// Package peerconn wraps one TCP connection plus the wire codec: dialing,
// handshaking, and the steady-state read/write goroutine pair that feeds
// decoded messages to the session and drains an outbound send queue.
package peerconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/internal/logger"
	"github.com/realAndi/Torm-sub004/internal/mse"
	"github.com/realAndi/Torm-sub004/internal/peerprotocol"
)

// Defaults from the session-option table (spec.md §4.2, §9).
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	sendQueueHighWater    = 256
)

// Options configures a Conn's timeouts and backpressure policy.
type Options struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	BitfieldLen    int // ceil(numPieces/8), used to validate incoming BITFIELD
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

// Conn is one peer connection: a socket plus the codec, after handshake.
type Conn struct {
	conn net.Conn
	addr *net.TCPAddr
	opts Options
	log  logger.Logger

	PeerID     [20]byte
	Extensions peerprotocol.ExtensionBytes

	messagesC chan peerprotocol.Message
	sendC     chan outboundMsg
	errC      chan error

	lastActivity time.Time
	closeC       chan struct{}
	closeOnce    sync.Once
}

type outboundMsg struct {
	msg       peerprotocol.Message
	piece     []byte // non-nil for a PIECE message's block payload
	pieceHead struct{ index, begin uint32 }
	isPiece   bool
}

// DialAndHandshake connects to addr and performs the plaintext handshake
// (spec.md §4.1's first outbound attempt), returning a ready Conn.
func DialAndHandshake(ctx context.Context, addr *net.TCPAddr, infoHash, peerID [20]byte, extensions peerprotocol.ExtensionBytes, opts Options) (*Conn, error) {
	opts.setDefaults()
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return handshakeOutbound(conn, addr, infoHash, peerID, extensions, opts)
}

// DialAndHandshakeEncrypted connects to addr and performs the obfuscated
// (MSE) handshake (spec.md §4.1's second outbound attempt): a
// Diffie-Hellman key exchange in the clear, then the same inner
// BitTorrent handshake carried over the derived RC4 stream.
func DialAndHandshakeEncrypted(ctx context.Context, addr *net.TCPAddr, infoHash, peerID [20]byte, extensions peerprotocol.ExtensionBytes, opts Options) (*Conn, error) {
	opts.setDefaults()
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	enc, err := mse.NegotiateOutbound(conn, infoHash)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: mse negotiation: %v", errs.ErrProtocol, err)
	}
	conn.SetDeadline(time.Time{})
	return handshakeOutbound(enc, addr, infoHash, peerID, extensions, opts)
}

func dial(ctx context.Context, addr *net.TCPAddr, opts Options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrTimeout, addr, err)
	}
	return conn, nil
}

func handshakeOutbound(conn net.Conn, addr *net.TCPAddr, infoHash, peerID [20]byte, extensions peerprotocol.ExtensionBytes, opts Options) (*Conn, error) {
	hs := &peerprotocol.Handshake{Extensions: extensions, InfoHash: infoHash, PeerID: peerID}
	if err := hs.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(opts.ConnectTimeout))
	remote, err := peerprotocol.ReadHandshake(conn, &infoHash)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return newConn(conn, addr, remote.PeerID, remote.Extensions, opts), nil
}

// AcceptHandshake completes the responder side of a plaintext handshake on
// an already-accepted connection.
func AcceptHandshake(conn net.Conn, ourInfoHashes func([20]byte) bool, peerID [20]byte, extensions peerprotocol.ExtensionBytes, opts Options) (*Conn, error) {
	opts.setDefaults()
	return handshakeIncoming(conn, ourInfoHashes, peerID, extensions, opts)
}

// AcceptHandshakeAuto completes whichever of the two handshake kinds the
// remote side opened with: it peeks the connection's first byte without
// discarding it, and if that byte isn't the plaintext pstrlen it runs the
// MSE negotiation (keyed on infoHash, the single torrent this accepted
// socket is already known to belong to) before the inner handshake.
func AcceptHandshakeAuto(conn net.Conn, infoHash [20]byte, peerID [20]byte, extensions peerprotocol.ExtensionBytes, opts Options) (*Conn, error) {
	opts.setDefaults()
	conn.SetReadDeadline(time.Now().Add(opts.ConnectTimeout))
	var first [1]byte
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		conn.Close()
		return nil, err
	}
	peeked := &prefaceConn{Conn: conn, preface: first[:]}
	ourInfoHashes := func(ih [20]byte) bool { return ih == infoHash }
	if first[0] == peerprotocol.PstrLen {
		return handshakeIncoming(peeked, ourInfoHashes, peerID, extensions, opts)
	}
	enc, err := mse.NegotiateIncoming(peeked, infoHash)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: mse negotiation: %v", errs.ErrProtocol, err)
	}
	return handshakeIncoming(enc, ourInfoHashes, peerID, extensions, opts)
}

// prefaceConn replays a small already-read prefix before reading further
// from the underlying connection, so the first handshake byte can be
// peeked without being consumed.
type prefaceConn struct {
	net.Conn
	preface []byte
}

func (c *prefaceConn) Read(p []byte) (int, error) {
	if len(c.preface) > 0 {
		n := copy(p, c.preface)
		c.preface = c.preface[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func handshakeIncoming(conn net.Conn, ourInfoHashes func([20]byte) bool, peerID [20]byte, extensions peerprotocol.ExtensionBytes, opts Options) (*Conn, error) {
	remote, err := peerprotocol.ReadHandshake(conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ourInfoHashes(remote.InfoHash) {
		conn.Close()
		return nil, fmt.Errorf("%w: unknown info hash", errs.ErrProtocol)
	}
	hs := &peerprotocol.Handshake{Extensions: extensions, InfoHash: remote.InfoHash, PeerID: peerID}
	if err := hs.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	addr, _ := conn.RemoteAddr().(*net.TCPAddr)
	return newConn(conn, addr, remote.PeerID, remote.Extensions, opts), nil
}

func newConn(conn net.Conn, addr *net.TCPAddr, peerID [20]byte, ext peerprotocol.ExtensionBytes, opts Options) *Conn {
	c := &Conn{
		conn:         conn,
		addr:         addr,
		opts:         opts,
		log:          logger.New("peer " + addr.String()),
		PeerID:       peerID,
		Extensions:   ext,
		messagesC:    make(chan peerprotocol.Message, 64),
		sendC:        make(chan outboundMsg, sendQueueHighWater),
		errC:         make(chan error, 1),
		lastActivity: time.Now(),
		closeC:       make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Messages returns the channel of decoded inbound messages.
func (c *Conn) Messages() <-chan peerprotocol.Message { return c.messagesC }

// Errors returns the channel a terminal connection error is posted to,
// exactly once, before the connection closes itself.
func (c *Conn) Errors() <-chan error { return c.errC }

// Addr returns the remote endpoint.
func (c *Conn) Addr() *net.TCPAddr { return c.addr }

// Send enqueues a non-PIECE message for the write loop. On backpressure
// overflow, queued CANCEL messages are evicted first (the oldest queued
// CANCEL, whatever block it names) before the connection is torn down.
func (c *Conn) Send(msg peerprotocol.Message) {
	select {
	case c.sendC <- outboundMsg{msg: msg}:
	default:
		if c.evictCancel() {
			select {
			case c.sendC <- outboundMsg{msg: msg}:
			default:
				c.Destroy()
			}
			return
		}
		c.Destroy()
	}
}

// SendPiece enqueues a PIECE message; data is streamed after the header.
func (c *Conn) SendPiece(index, begin uint32, data []byte) {
	o := outboundMsg{isPiece: true, piece: data}
	o.pieceHead.index, o.pieceHead.begin = index, begin
	select {
	case c.sendC <- o:
	default:
		c.Destroy()
	}
}

// evictCancel drops the oldest queued CANCEL message to make room, per the
// backpressure policy in spec.md §4.2. It reports whether it found one.
func (c *Conn) evictCancel() bool {
	// Best-effort: drain up to queue depth looking for a cancel, re-queue
	// everything else in order.
	n := len(c.sendC)
	var kept []outboundMsg
	found := false
	for i := 0; i < n; i++ {
		m := <-c.sendC
		if !found {
			if cm, ok := m.msg.(peerprotocol.CancelMessage); ok {
				_ = cm
				found = true
				continue
			}
		}
		kept = append(kept, m)
	}
	for _, m := range kept {
		c.sendC <- m
	}
	return found
}

func (c *Conn) readLoop() {
	bfLen := c.opts.BitfieldLen
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		msg, err := peerprotocol.ReadMessage(c.conn, bfLen)
		if err != nil {
			c.fail(err)
			return
		}
		c.lastActivity = time.Now()
		if _, ok := msg.ID(); !ok {
			continue // keep-alive: just resets the idle deadline
		}
		if pm, ok := msg.(peerprotocol.PieceMessage); ok {
			data, err := peerprotocol.ReadPieceBlock(c.conn, make([]byte, pm.Length), pm.Length)
			if err != nil {
				c.fail(err)
				return
			}
			pm.Data = data
			msg = pm
		}
		select {
		case c.messagesC <- msg:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	keepAlive := time.NewTicker(c.opts.IdleTimeout / 2)
	defer keepAlive.Stop()
	for {
		select {
		case o := <-c.sendC:
			var err error
			if o.isPiece {
				err = peerprotocol.EncodePieceHeader(c.conn, o.pieceHead.index, o.pieceHead.begin, len(o.piece))
				if err == nil {
					_, err = c.conn.Write(o.piece)
				}
			} else {
				err = peerprotocol.Encode(c.conn, o.msg)
			}
			if err != nil {
				c.fail(err)
				return
			}
		case <-keepAlive.C:
			if err := peerprotocol.WriteKeepAlive(c.conn); err != nil {
				c.fail(err)
				return
			}
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	select {
	case c.errC <- err:
	default:
	}
	c.Destroy()
}

// Destroy is idempotent: it closes the socket and releases buffers.
func (c *Conn) Destroy() {
	c.closeOnce.Do(func() {
		close(c.closeC)
		c.conn.Close()
	})
}

// IdleFor reports how long it has been since any byte was read.
func (c *Conn) IdleFor() time.Duration { return time.Since(c.lastActivity) }

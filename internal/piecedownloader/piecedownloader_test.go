package piecedownloader

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realAndi/Torm-sub004/internal/peer"
	"github.com/realAndi/Torm-sub004/internal/peerconn"
	"github.com/realAndi/Torm-sub004/internal/peerprotocol"
	"github.com/realAndi/Torm-sub004/internal/piece"
)

// connectedPeer returns a peer.Peer backed by a real, handshaked loopback
// connection, unchoked so a downloader can request from it immediately.
func connectedPeer(t *testing.T) (*peer.Peer, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverC := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		serverC <- c
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientConn, err := peerconn.DialAndHandshake(ctx, addr, [20]byte{1}, [20]byte{2}, peerprotocol.ExtensionBytes{}, peerconn.Options{})
	require.NoError(t, err)

	raw := <-serverC
	_, err = peerconn.AcceptHandshake(raw, func([20]byte) bool { return true }, [20]byte{3}, peerprotocol.ExtensionBytes{}, peerconn.Options{})
	require.NoError(t, err)

	pe := peer.New(clientConn, 8, false)
	pe.PeerChoking = false
	return pe, raw
}

func TestDownloadsAllBlocksThenCompletes(t *testing.T) {
	pi := piece.New(0, 32*1024, [20]byte{1}, 16*1024)
	pe, raw := connectedPeer(t)
	defer pe.Conn.Destroy()
	defer raw.Close()

	d := New(pi, pe)
	stopC := make(chan struct{})
	go d.Run(stopC)

	require.Eventually(t, func() bool {
		return pi.Blocks[0].State == piece.Requested
	}, time.Second, 5*time.Millisecond)

	d.BlockArrivedC <- BlockArrival{Begin: 0, Data: make([]byte, 16384)}
	d.BlockArrivedC <- BlockArrival{Begin: 16384, Data: make([]byte, 16384)}

	select {
	case data := <-d.DoneC:
		require.Len(t, data, 32*1024)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for piece completion")
	}
}

func TestChokeResetsRequestedBlocks(t *testing.T) {
	pi := piece.New(0, 16*1024, [20]byte{1}, 16*1024)
	pe, raw := connectedPeer(t)
	defer pe.Conn.Destroy()
	defer raw.Close()

	d := New(pi, pe)
	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	require.Eventually(t, func() bool {
		return pi.Blocks[0].State == piece.Requested
	}, time.Second, 5*time.Millisecond)

	d.ChokeC <- struct{}{}
	require.Eventually(t, func() bool {
		return pi.Blocks[0].State == piece.Unrequested
	}, time.Second, 5*time.Millisecond)
}

func TestRejectReturnsBlockToUnrequested(t *testing.T) {
	pi := piece.New(0, 16*1024, [20]byte{1}, 16*1024)
	pe, raw := connectedPeer(t)
	defer pe.Conn.Destroy()
	defer raw.Close()

	d := New(pi, pe)
	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	require.Eventually(t, func() bool {
		return pi.Blocks[0].State == piece.Requested
	}, time.Second, 5*time.Millisecond)

	d.RejectC <- RequestKey{Begin: 0}
	require.Eventually(t, func() bool {
		return pi.Blocks[0].State == piece.Unrequested
	}, time.Second, 5*time.Millisecond)
}

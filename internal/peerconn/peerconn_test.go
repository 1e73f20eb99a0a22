package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realAndi/Torm-sub004/internal/peerprotocol"
)

func TestDialAndHandshakeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{1, 2, 3}
	serverID := [20]byte{9, 9, 9}
	clientID := [20]byte{8, 8, 8}

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		_, err = AcceptHandshake(conn, func(ih [20]byte) bool { return ih == infoHash }, serverID, peerprotocol.ExtensionBytes{}, Options{})
		serverDone <- err
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialAndHandshake(ctx, addr, infoHash, clientID, peerprotocol.ExtensionBytes{}, Options{})
	require.NoError(t, err)
	defer c.Destroy()
	require.Equal(t, serverID, c.PeerID)

	require.NoError(t, <-serverDone)
}

func TestEncryptedHandshakeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{4, 4, 4}
	serverID := [20]byte{7, 7, 7}
	clientID := [20]byte{6, 6, 6}

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		_, err = AcceptHandshakeAuto(conn, infoHash, serverID, peerprotocol.ExtensionBytes{}, Options{})
		serverDone <- err
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialAndHandshakeEncrypted(ctx, addr, infoHash, clientID, peerprotocol.ExtensionBytes{}, Options{})
	require.NoError(t, err)
	defer c.Destroy()
	require.Equal(t, serverID, c.PeerID)

	require.NoError(t, <-serverDone)
}

func TestAcceptHandshakeAutoDetectsPlaintext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{3, 3, 3}
	serverID := [20]byte{5, 5, 5}
	clientID := [20]byte{6, 6, 6}

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		_, err = AcceptHandshakeAuto(conn, infoHash, serverID, peerprotocol.ExtensionBytes{}, Options{})
		serverDone <- err
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialAndHandshake(ctx, addr, infoHash, clientID, peerprotocol.ExtensionBytes{}, Options{})
	require.NoError(t, err)
	defer c.Destroy()
	require.Equal(t, serverID, c.PeerID)

	require.NoError(t, <-serverDone)
}

func TestSendAndReceiveMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{5}
	serverConnC := make(chan *Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		sc, err := AcceptHandshake(conn, func(ih [20]byte) bool { return true }, [20]byte{2}, peerprotocol.ExtensionBytes{}, Options{})
		require.NoError(t, err)
		serverConnC <- sc
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialAndHandshake(ctx, addr, infoHash, [20]byte{1}, peerprotocol.ExtensionBytes{}, Options{})
	require.NoError(t, err)
	defer client.Destroy()

	server := <-serverConnC
	defer server.Destroy()

	client.Send(peerprotocol.InterestedMessage{})

	select {
	case msg := <-server.Messages():
		id, ok := msg.ID()
		require.True(t, ok)
		require.Equal(t, peerprotocol.Interested, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

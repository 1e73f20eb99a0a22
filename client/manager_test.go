package client

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	torm "github.com/realAndi/Torm-sub004"
)

type rawInfo struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
}

type rawMetaInfo struct {
	Info     bencode.RawMessage `bencode:"info"`
	Announce string             `bencode:"announce"`
}

func encodeTorrentFile(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	sum := sha1.Sum(data)
	info := rawInfo{Name: name, PieceLength: int64(len(data)), Pieces: string(sum[:]), Length: int64(len(data))}
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	raw, err := bencode.EncodeBytes(rawMetaInfo{Info: infoBytes, Announce: ""})
	require.NoError(t, err)
	return raw
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := torm.DefaultConfig
	cfg.DataDir = t.TempDir()
	m, err := New(cfg, [20]byte{1, 2, 3})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddTorrentStartsASession(t *testing.T) {
	m := testManager(t)
	raw := encodeTorrentFile(t, "hello.txt", []byte("hello world"))

	h, err := m.AddTorrent(bytes.NewReader(raw), nil)
	require.NoError(t, err)
	require.NotEmpty(t, h)

	sess, ok := m.Torrent(h)
	require.True(t, ok)
	require.NotNil(t, sess)

	require.Contains(t, m.Handles(), h)
}

func TestAddTorrentRejectsDuplicateInfoHash(t *testing.T) {
	m := testManager(t)
	raw := encodeTorrentFile(t, "dup.txt", []byte("same content"))

	_, err := m.AddTorrent(bytes.NewReader(raw), nil)
	require.NoError(t, err)

	_, err = m.AddTorrent(bytes.NewReader(raw), nil)
	require.Error(t, err)
}

func TestRemoveTorrentDeletesData(t *testing.T) {
	m := testManager(t)
	raw := encodeTorrentFile(t, "remove-me.txt", []byte("goodbye"))

	h, err := m.AddTorrent(bytes.NewReader(raw), nil)
	require.NoError(t, err)

	sess, ok := m.Torrent(h)
	require.True(t, ok)
	dataDir := filepath.Join(m.cfg.DataDir, hex.EncodeToString(sess.Desc.InfoHash[:]))

	require.NoError(t, m.RemoveTorrent(h, true))
	_, ok = m.Torrent(h)
	require.False(t, ok)
	require.NoDirExists(t, dataDir)
}

func TestRemoveTorrentUnknownHandle(t *testing.T) {
	m := testManager(t)
	require.Error(t, m.RemoveTorrent(Handle("does-not-exist"), false))
}

func TestAddPeersUnknownHandle(t *testing.T) {
	m := testManager(t)
	require.Error(t, m.AddPeers(Handle("nope"), nil))
}

func TestSetDownloadLimitDoesNotPanic(t *testing.T) {
	m := testManager(t)
	m.SetDownloadLimit(1024)
	m.SetUploadLimit(0)
	time.Sleep(time.Millisecond) // let the session loop, if any, settle
}

package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func encodeTorrentFile(t *testing.T, info rawInfo, announce string) []byte {
	t.Helper()
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)

	outer := struct {
		Info     bencode.RawMessage `bencode:"info"`
		Announce string             `bencode:"announce"`
	}{Info: infoBytes, Announce: announce}
	out, err := bencode.EncodeBytes(outer)
	require.NoError(t, err)
	return out
}

func TestParseSingleFileTorrent(t *testing.T) {
	piece0 := sha1.Sum([]byte("piece-zero"))
	piece1 := sha1.Sum([]byte("piece-one"))
	info := rawInfo{
		Name:        "movie.mp4",
		PieceLength: 16384,
		Pieces:      string(piece0[:]) + string(piece1[:]),
		Length:      30000,
	}
	raw := encodeTorrentFile(t, info, "http://tracker.example/announce")

	d, err := ParseFile(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "movie.mp4", d.Name)
	require.Equal(t, uint32(16384), d.PieceLength)
	require.Equal(t, 2, d.NumPieces())
	require.Equal(t, piece0, d.PieceHashes[0])
	require.Equal(t, piece1, d.PieceHashes[1])
	require.Equal(t, int64(30000), d.TotalLength)
	require.Len(t, d.Files, 1)
	require.Equal(t, "movie.mp4", d.Files[0].Path)
}

func TestParseMultiFileTorrent(t *testing.T) {
	piece0 := sha1.Sum([]byte("chunk"))
	info := rawInfo{
		Name:        "album",
		PieceLength: 16384,
		Pieces:      string(piece0[:]),
		Files: []rawFile{
			{Length: 100, Path: []string{"disc1", "track1.flac"}},
			{Length: 200, Path: []string{"disc1", "track2.flac"}},
		},
	}
	raw := encodeTorrentFile(t, info, "")

	d, err := ParseFile(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, d.Files, 2)
	require.Equal(t, "disc1/track1.flac", d.Files[0].Path)
	require.Equal(t, int64(300), d.TotalLength)
}

func TestParseRejectsMalformedPiecesLength(t *testing.T) {
	info := rawInfo{Name: "x", PieceLength: 16384, Pieces: "short", Length: 1}
	raw := encodeTorrentFile(t, info, "")

	_, err := ParseFile(bytes.NewReader(raw))
	require.Error(t, err)
}

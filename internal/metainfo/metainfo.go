// Package metainfo is a convenience helper, not part of the session core:
// it parses a bencoded .torrent file into a torrent.Descriptor so the rest
// of the module is usable end-to-end without a caller hand-building
// descriptors. The core itself only ever consumes an already-built
// Descriptor.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/zeebo/bencode"

	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/torrent"
)

const hashLen = 20

// rawFile mirrors one entry of the info dict's "files" list for a
// multi-file torrent.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
	Private     int       `bencode:"private"`
}

// rawMetaInfo mirrors the top-level bencoded dictionary of a .torrent file.
// RawInfo is kept undecoded so its exact bytes can be SHA-1 hashed for the
// info hash before being decoded a second time into rawInfo.
type rawMetaInfo struct {
	RawInfo  bencode.RawMessage `bencode:"info"`
	Announce string             `bencode:"announce"`
}

// ParseFile reads a bencoded .torrent file from r and builds a
// torrent.Descriptor from it.
func ParseFile(r io.Reader) (*torrent.Descriptor, error) {
	var raw rawMetaInfo
	if err := bencode.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode torrent file: %v", errs.ErrProtocol, err)
	}
	if len(raw.RawInfo) == 0 {
		return nil, fmt.Errorf("%w: torrent file has no info dict", errs.ErrProtocol)
	}

	var info rawInfo
	if err := bencode.DecodeBytes(raw.RawInfo, &info); err != nil {
		return nil, fmt.Errorf("%w: decode info dict: %v", errs.ErrProtocol, err)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: info dict has non-positive piece length", errs.ErrProtocol)
	}
	if len(info.Pieces)%hashLen != 0 {
		return nil, fmt.Errorf("%w: pieces string length %d is not a multiple of %d", errs.ErrProtocol, len(info.Pieces), hashLen)
	}

	infoHash := sha1.Sum(raw.RawInfo)

	numPieces := len(info.Pieces) / hashLen
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], info.Pieces[i*hashLen:(i+1)*hashLen])
	}

	d := &torrent.Descriptor{
		InfoHash:    infoHash,
		Name:        info.Name,
		PieceLength: uint32(info.PieceLength),
		PieceHashes: hashes,
		Private:     info.Private != 0,
	}

	if len(info.Files) == 0 {
		d.TotalLength = info.Length
		d.Files = []torrent.FileEntry{{Path: info.Name, Length: info.Length}}
		return d, nil
	}

	for _, f := range info.Files {
		path := f.Path[len(f.Path)-1]
		for i := 0; i < len(f.Path)-1; i++ {
			path = f.Path[i] + "/" + path
		}
		d.Files = append(d.Files, torrent.FileEntry{Path: path, Length: f.Length})
		d.TotalLength += f.Length
	}
	return d, nil
}

package torrent

// FileEntry is one file in a torrent's ordered file layout.
type FileEntry struct {
	Path   string
	Length int64
}

// Descriptor is a torrent's immutable metadata, fixed at add-time. It never
// changes for the life of a session; only the session's mutable state
// (piece/peer records) changes underneath it.
type Descriptor struct {
	InfoHash    [20]byte
	Name        string
	PieceLength uint32
	PieceHashes [][20]byte
	TotalLength int64
	Files       []FileEntry
	Private     bool
}

// NumPieces is the piece count implied by PieceHashes.
func (d *Descriptor) NumPieces() int { return len(d.PieceHashes) }

// PieceLen returns the length of the piece at index, accounting for the
// final piece being shorter than PieceLength when TotalLength isn't an
// exact multiple of it.
func (d *Descriptor) PieceLen(index uint32) uint32 {
	if int(index) == len(d.PieceHashes)-1 {
		last := d.TotalLength - int64(index)*int64(d.PieceLength)
		if last > 0 && last < int64(d.PieceLength) {
			return uint32(last)
		}
	}
	return d.PieceLength
}

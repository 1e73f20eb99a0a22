// Package checkpoint defines the Sink collaborator interface a session
// manager uses to persist and restore enough per-torrent state to resume
// after a restart without re-verifying pieces it already had. The core
// itself never touches disk for this; internal/checkpoint/boltcheckpoint
// provides the default embedded-KV-backed adapter.
package checkpoint

// State is everything needed to resume a torrent without a full recheck.
type State struct {
	InfoHash        [20]byte
	NumPieces       uint32
	VerifiedBitmap  []byte // wire-exact bitfield bytes, see internal/bitfield
	PeerBlacklist   []string
	BytesDownloaded int64
	BytesUploaded   int64
	Status          string
}

// Sink is the checkpoint collaborator a session manager saves to and loads
// from, keyed by info hash.
type Sink interface {
	Save(State) error
	Load(infoHash [20]byte) (*State, bool, error)
	Delete(infoHash [20]byte) error
}

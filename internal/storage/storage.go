// Package storage defines the block-addressed sink a session writes
// verified piece data to and reads served blocks back from. The session
// core only depends on this interface; internal/storage/filestore provides
// the default on-disk implementation, but callers may supply their own
// (e.g. to back a torrent with a sparse file, a ramdisk, or a remote blob
// store).
package storage

// Storage is the collaborator interface a session uses to persist and
// retrieve torrent data. All offsets are relative to the start of the
// torrent's concatenated file layout, the same addressing BitTorrent uses
// internally for multi-file torrents.
type Storage interface {
	// WriteBlock writes data at the given torrent-relative byte offset.
	WriteBlock(offset int64, data []byte) error
	// ReadBlock reads length bytes at the given torrent-relative byte
	// offset.
	ReadBlock(offset int64, length int) ([]byte, error)
	// Flush ensures all written blocks are durable.
	Flush() error
	// Close releases any resources (open file handles, etc).
	Close() error
}

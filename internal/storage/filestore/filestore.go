// Package filestore is the default storage.Storage: one or more files on
// disk, addressed as a single concatenated byte range the way BitTorrent's
// multi-file layout works. A single-file torrent is just the degenerate
// case of one entry spanning the whole length.
package filestore

import (
	"fmt"
	"os"
	"sort"

	"github.com/realAndi/Torm-sub004/internal/errs"
)

// FileEntry describes one file's place in the torrent's concatenated
// layout.
type FileEntry struct {
	Path   string
	Length int64
}

type openFile struct {
	FileEntry
	offset int64 // this file's starting offset in the concatenated layout
	f      *os.File
}

// Store is a storage.Storage backed by real files, opened once at
// construction and kept open for the torrent's lifetime.
type Store struct {
	files []openFile
	total int64
}

// New opens (creating and preallocating as needed) every file in entries
// under dir, in the order given, and returns a Store addressing them as one
// contiguous byte range.
func New(dir string, entries []FileEntry) (*Store, error) {
	s := &Store{files: make([]openFile, len(entries))}
	var offset int64
	for i, e := range entries {
		path := e.Path
		if dir != "" {
			path = dir + string(os.PathSeparator) + e.Path
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", errs.ErrStorage, path, err)
		}
		if err := f.Truncate(e.Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: preallocate %s: %v", errs.ErrStorage, path, err)
		}
		s.files[i] = openFile{FileEntry: e, offset: offset, f: f}
		offset += e.Length
	}
	s.total = offset
	return s, nil
}

// WriteBlock writes data at the torrent-relative offset, splitting across
// file boundaries as needed.
func (s *Store) WriteBlock(offset int64, data []byte) error {
	return s.forEachSpan(offset, len(data), func(f *openFile, localOff int64, span []byte) error {
		n, err := f.f.WriteAt(span, localOff)
		if err != nil {
			return fmt.Errorf("%w: write %s: %v", errs.ErrStorage, f.Path, err)
		}
		if n != len(span) {
			return fmt.Errorf("%w: partial write to %s: wrote %d of %d bytes", errs.ErrStorage, f.Path, n, len(span))
		}
		return nil
	}, data)
}

// ReadBlock reads length bytes starting at the torrent-relative offset.
func (s *Store) ReadBlock(offset int64, length int) ([]byte, error) {
	out := make([]byte, length)
	err := s.forEachSpan(offset, length, func(f *openFile, localOff int64, span []byte) error {
		n, err := f.f.ReadAt(span, localOff)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", errs.ErrStorage, f.Path, err)
		}
		if n != len(span) {
			return fmt.Errorf("%w: partial read from %s: got %d of %d bytes", errs.ErrStorage, f.Path, n, len(span))
		}
		return nil
	}, out)
	return out, err
}

// forEachSpan walks the byte range [offset, offset+n) across however many
// files it touches, calling do once per file with the portion of buf that
// belongs to that file.
func (s *Store) forEachSpan(offset int64, n int, do func(f *openFile, localOff int64, span []byte) error, buf []byte) error {
	if offset < 0 || int64(n) < 0 || offset+int64(n) > s.total {
		return fmt.Errorf("%w: range [%d,%d) out of bounds (total %d)", errs.ErrStorage, offset, offset+int64(n), s.total)
	}
	remaining := int64(n)
	pos := offset
	bufOff := 0
	idx := s.fileIndexForOffset(pos)
	for remaining > 0 {
		f := &s.files[idx]
		localOff := pos - f.offset
		avail := f.Length - localOff
		take := remaining
		if take > avail {
			take = avail
		}
		if err := do(f, localOff, buf[bufOff:bufOff+int(take)]); err != nil {
			return err
		}
		pos += take
		bufOff += int(take)
		remaining -= take
		idx++
	}
	return nil
}

func (s *Store) fileIndexForOffset(offset int64) int {
	return sort.Search(len(s.files), func(i int) bool {
		return s.files[i].offset+s.files[i].Length > offset
	})
}

// Flush fsyncs every open file.
func (s *Store) Flush() error {
	for i := range s.files {
		if err := s.files[i].f.Sync(); err != nil {
			return fmt.Errorf("%w: sync %s: %v", errs.ErrStorage, s.files[i].Path, err)
		}
	}
	return nil
}

// Close closes every open file.
func (s *Store) Close() error {
	var firstErr error
	for i := range s.files {
		if err := s.files[i].f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

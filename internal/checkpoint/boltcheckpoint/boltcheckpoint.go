// Package boltcheckpoint is the default checkpoint.Sink: one bbolt
// database file with a single top-level bucket, keyed by the torrent's raw
// 20-byte info hash, holding a JSON-encoded checkpoint.State per torrent.
package boltcheckpoint

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/realAndi/Torm-sub004/internal/checkpoint"
	"github.com/realAndi/Torm-sub004/internal/errs"
)

var torrentsBucket = []byte("torrents")

// Store is a bbolt-backed checkpoint.Sink.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures the torrents bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open checkpoint db: %v", errs.ErrStorage, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create torrents bucket: %v", errs.ErrStorage, err)
	}
	return &Store{db: db}, nil
}

// Save upserts the checkpoint state for state.InfoHash.
func (s *Store) Save(state checkpoint.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encode checkpoint: %v", errs.ErrStorage, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(torrentsBucket)
		return b.Put(state.InfoHash[:], data)
	})
}

// Load returns the saved state for infoHash, if any.
func (s *Store) Load(infoHash [20]byte) (*checkpoint.State, bool, error) {
	var state checkpoint.State
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(torrentsBucket)
		data := b.Get(infoHash[:])
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: decode checkpoint: %v", errs.ErrStorage, err)
	}
	if !found {
		return nil, false, nil
	}
	return &state, true, nil
}

// Delete removes the saved state for infoHash, e.g. once a torrent is
// removed from the client.
func (s *Store) Delete(infoHash [20]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(torrentsBucket).Delete(infoHash[:])
	})
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// Package client implements the multi-torrent session manager: the
// boundary between a user-facing command (add a torrent, list progress,
// remove a torrent) and the per-torrent engine in package torrent. It owns
// the collaborators every torrent shares (a checkpoint database and the
// client-wide bandwidth buckets) and starts/stops sessions on request.
package client

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/time/rate"

	torm "github.com/realAndi/Torm-sub004"
	"github.com/realAndi/Torm-sub004/internal/checkpoint/boltcheckpoint"
	"github.com/realAndi/Torm-sub004/internal/errs"
	"github.com/realAndi/Torm-sub004/internal/logger"
	"github.com/realAndi/Torm-sub004/internal/metainfo"
	"github.com/realAndi/Torm-sub004/internal/oracle/staticoracle"
	"github.com/realAndi/Torm-sub004/internal/ratelimiter"
	"github.com/realAndi/Torm-sub004/internal/storage/filestore"
	"github.com/realAndi/Torm-sub004/torrent"
)

// Handle addresses one torrent the manager is running, independent of its
// info hash. Adding a torrent whose info hash is already present fails
// with ErrDuplicate, so each info hash has at most one handle.
type Handle string

// entry is everything the manager tracks for one added torrent beyond the
// torrent.Session itself.
type entry struct {
	infoHash [20]byte
	sess     *torrent.Session
	store    *filestore.Store
	oracle   *staticoracle.Store
	dataDir  string
}

// Manager runs zero or more torrent.Sessions, sharing one checkpoint
// database and one pair of client-wide bandwidth buckets across all of
// them (spec.md §4.7).
type Manager struct {
	cfg torm.Config
	log logger.Logger
	id  [20]byte // this client's peer id, shared by every session it starts

	checkpointDB *boltcheckpoint.Store
	globalDown   *rate.Limiter
	globalUp     *rate.Limiter

	mu         sync.RWMutex
	entries    map[Handle]*entry
	byInfoHash map[[20]byte]Handle
}

// New opens the manager's checkpoint database under cfg.DataDir and
// prepares the client-wide bandwidth buckets. id is this client's 20-byte
// peer id, sent on every handshake of every torrent the manager starts.
// Call Close when done to stop every running torrent and release the
// database.
func New(cfg torm.Config, id [20]byte) (*Manager, error) {
	dataDir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: expand data dir: %v", errs.ErrFatal, err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", errs.ErrStorage, err)
	}
	cfg.DataDir = dataDir

	db, err := boltcheckpoint.Open(filepath.Join(dataDir, "checkpoints.db"))
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:          cfg,
		log:          logger.New("client"),
		id:           id,
		checkpointDB: db,
		globalDown:   ratelimiter.NewGlobal(cfg.DownloadLimit, 0),
		globalUp:     ratelimiter.NewGlobal(cfg.UploadLimit, 0),
		entries:      make(map[Handle]*entry),
		byInfoHash:   make(map[[20]byte]Handle),
	}, nil
}

// AddTorrent parses a bencoded .torrent file from r, opens its on-disk
// storage under the manager's data directory, and starts a session for it
// seeded with peerAddrs as initial dial candidates. It returns
// errs.ErrDuplicate if a torrent with the same info hash is already
// running.
func (m *Manager) AddTorrent(r io.Reader, peerAddrs []*net.TCPAddr) (Handle, error) {
	desc, err := metainfo.ParseFile(r)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	_, dup := m.byInfoHash[desc.InfoHash]
	m.mu.RUnlock()
	if dup {
		return "", errs.ErrDuplicate
	}

	dataDir := filepath.Join(m.cfg.DataDir, hex.EncodeToString(desc.InfoHash[:]))
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("%w: create torrent data dir: %v", errs.ErrStorage, err)
	}
	store, err := filestore.New(dataDir, fileEntries(desc.Files))
	if err != nil {
		return "", err
	}

	ora := staticoracle.New()
	ora.Seed(desc.InfoHash, peerAddrs)

	col := torrent.Collaborators{
		Oracle:     ora,
		Storage:    store,
		Checkpoint: m.checkpointDB,
		GlobalDown: m.globalDown,
		GlobalUp:   m.globalUp,
	}
	sess, err := torrent.New(desc, m.id, col, m.cfg.SessionOptions())
	if err != nil {
		store.Close()
		return "", err
	}

	m.mu.Lock()
	if _, dup := m.byInfoHash[desc.InfoHash]; dup {
		m.mu.Unlock()
		store.Close()
		return "", errs.ErrDuplicate
	}
	h := Handle(uuid.NewString())
	m.entries[h] = &entry{infoHash: desc.InfoHash, sess: sess, store: store, oracle: ora, dataDir: dataDir}
	m.byInfoHash[desc.InfoHash] = h
	m.mu.Unlock()

	sess.Start()
	m.log.Infof("added torrent %s (%s)", desc.Name, h)
	return h, nil
}

func fileEntries(files []torrent.FileEntry) []filestore.FileEntry {
	out := make([]filestore.FileEntry, len(files))
	for i, f := range files {
		out[i] = filestore.FileEntry{Path: f.Path, Length: f.Length}
	}
	return out
}

// RemoveTorrent stops h's session and removes its checkpoint. When
// deleteData is true its downloaded files are also removed from disk.
// Returns errs.ErrNotFound if h isn't a handle this manager holds.
func (m *Manager) RemoveTorrent(h Handle, deleteData bool) error {
	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		m.mu.Unlock()
		return errs.ErrNotFound
	}
	delete(m.entries, h)
	delete(m.byInfoHash, e.infoHash)
	m.mu.Unlock()

	e.sess.Stop()
	if err := e.store.Close(); err != nil {
		m.log.Warningf("close storage for %s: %v", h, err)
	}
	if err := m.checkpointDB.Delete(e.infoHash); err != nil {
		m.log.Warningf("delete checkpoint for %s: %v", h, err)
	}
	if deleteData {
		if err := os.RemoveAll(e.dataDir); err != nil {
			return fmt.Errorf("%w: remove data dir: %v", errs.ErrStorage, err)
		}
	}
	return nil
}

// Torrent returns the running session for h.
func (m *Manager) Torrent(h Handle) (*torrent.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[h]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// AddPeers feeds candidate addresses into h's session dial pool and into
// its oracle, so a future reconnect attempt can draw on them too.
func (m *Manager) AddPeers(h Handle, addrs []*net.TCPAddr) error {
	m.mu.RLock()
	e, ok := m.entries[h]
	m.mu.RUnlock()
	if !ok {
		return errs.ErrNotFound
	}
	e.oracle.Seed(e.infoHash, addrs)
	e.sess.AddPeers(addrs)
	return nil
}

// Handles returns every handle the manager currently holds, in no
// particular order.
func (m *Manager) Handles() []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Handle, 0, len(m.entries))
	for h := range m.entries {
		out = append(out, h)
	}
	return out
}

// SetDownloadLimit and SetUploadLimit adjust the client-wide bandwidth
// caps shared by every running torrent; 0 means unlimited.
func (m *Manager) SetDownloadLimit(bytesPerSec int) {
	m.globalDown.SetLimit(limitOrInf(bytesPerSec))
}

func (m *Manager) SetUploadLimit(bytesPerSec int) {
	m.globalUp.SetLimit(limitOrInf(bytesPerSec))
}

func limitOrInf(bytesPerSec int) rate.Limit {
	if bytesPerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(bytesPerSec)
}

// Close stops every running torrent and closes the checkpoint database.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[Handle]*entry)
	m.byInfoHash = make(map[[20]byte]Handle)
	m.mu.Unlock()

	for _, e := range entries {
		e.sess.Stop()
		e.store.Close()
	}
	return m.checkpointDB.Close()
}

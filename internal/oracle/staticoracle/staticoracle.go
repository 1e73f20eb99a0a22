// Package staticoracle is the default oracle.Oracle: an in-memory address
// list supplied up front per torrent, with failed addresses excluded from
// future NextPeers calls until explicitly reset. It's meant for manual
// peer lists and tests; a real deployment would swap in a tracker/DHT
// backed Oracle without the session core changing at all.
package staticoracle

import (
	"net"
	"sync"
)

// Store is an in-memory oracle.Oracle.
type Store struct {
	mu     sync.RWMutex
	addrs  map[[20]byte][]*net.TCPAddr
	failed map[[20]byte]map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		addrs:  make(map[[20]byte][]*net.TCPAddr),
		failed: make(map[[20]byte]map[string]struct{}),
	}
}

// Seed registers addrs as candidates for infoHash, e.g. from a magnet
// link's peer list or a manual add.
func (s *Store) Seed(infoHash [20]byte, addrs []*net.TCPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[infoHash] = append(s.addrs[infoHash], addrs...)
}

// NextPeers returns up to max addresses for infoHash that haven't been
// reported as failed.
func (s *Store) NextPeers(infoHash [20]byte, max int) ([]*net.TCPAddr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	failed := s.failed[infoHash]
	var out []*net.TCPAddr
	for _, a := range s.addrs[infoHash] {
		if failed != nil {
			if _, bad := failed[a.String()]; bad {
				continue
			}
		}
		out = append(out, a)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// ReportFailure excludes addr from future NextPeers calls for infoHash.
func (s *Store) ReportFailure(infoHash [20]byte, addr *net.TCPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed[infoHash] == nil {
		s.failed[infoHash] = make(map[string]struct{})
	}
	s.failed[infoHash][addr.String()] = struct{}{}
}

// ReportSuccess clears any failure record for addr, so a peer that comes
// back online can be retried.
func (s *Store) ReportSuccess(infoHash [20]byte, addr *net.TCPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.failed[infoHash]; m != nil {
		delete(m, addr.String())
	}
}

// Package blocklist is a per-session bounded memory of peers to avoid
// re-dialing: addresses that misbehaved badly enough to be blacklisted
// (a single dial that failed with a protocol error, or contributing to a
// piece that failed verification too many times).
// Capped with LRU eviction so a long-lived session doesn't grow it
// without bound.
package blocklist

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity is the maximum number of entries retained before the
// least-recently-touched one is evicted (spec.md §9).
const DefaultCapacity = 4096

// Blocklist is a fixed-capacity LRU set of blocked peer identities (an
// "ip:port" string, or a peer id, depending on what the caller blacklists
// by). Safe for concurrent use.
type Blocklist struct {
	cache *lru.Cache
}

// New builds a Blocklist with the given capacity, falling back to
// DefaultCapacity when capacity <= 0.
func New(capacity int) *Blocklist {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		// Only returned for a non-positive size, which New already rules out.
		panic(err)
	}
	return &Blocklist{cache: c}
}

// Add blocks key, evicting the least-recently-touched entry if the
// blocklist is already at capacity.
func (b *Blocklist) Add(key string) {
	b.cache.Add(key, struct{}{})
}

// Contains reports whether key is currently blocked, refreshing its
// recency on a hit.
func (b *Blocklist) Contains(key string) bool {
	_, ok := b.cache.Get(key)
	return ok
}

// Remove clears a blocklist entry, e.g. after an explicit unblock.
func (b *Blocklist) Remove(key string) {
	b.cache.Remove(key)
}

// Len reports the current number of blocked entries.
func (b *Blocklist) Len() int {
	return b.cache.Len()
}

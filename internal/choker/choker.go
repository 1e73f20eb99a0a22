// Package choker implements the unchoke rotation: a regular tick that keeps
// the K peers trading fastest with us unchoked, an optimistic tick that
// rotates a random additional slot so new peers get a chance to prove
// themselves, and anti-snubbing, which excludes an unresponsive unchoked
// peer from the regular ranking until it starts sending data again.
package choker

import (
	"math/rand"
	"sort"

	"github.com/realAndi/Torm-sub004/internal/peer"
)

// DefaultUnchokedPeers is K, the number of regular unchoke slots.
const DefaultUnchokedPeers = 4

// DefaultOptimisticSlots is how many additional peers are unchoked outside
// the rate-ranked rotation on each optimistic tick.
const DefaultOptimisticSlots = 1

// Choker runs the unchoke algorithm over a torrent's connected peers.
type Choker struct {
	unchokedPeers   int
	optimisticSlots int
	seeding         bool
	rng             *rand.Rand

	optimisticUnchoked []*peer.Peer
}

// New creates a Choker. unchokedPeers and optimisticSlots fall back to the
// package defaults when zero.
func New(unchokedPeers, optimisticSlots int, seed int64) *Choker {
	if unchokedPeers <= 0 {
		unchokedPeers = DefaultUnchokedPeers
	}
	if optimisticSlots <= 0 {
		optimisticSlots = DefaultOptimisticSlots
	}
	return &Choker{
		unchokedPeers:   unchokedPeers,
		optimisticSlots: optimisticSlots,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// SetSeeding switches the ranking metric: while seeding, peers are ranked by
// upload rate to them (reward peers who help propagate our pieces);
// otherwise by download rate from them (reward peers giving us blocks).
func (c *Choker) SetSeeding(seeding bool) { c.seeding = seeding }

// TickRegular re-ranks interested, non-optimistically-unchoked peers by
// rate and unchokes the top unchokedPeers of them, choking the rest.
// Snubbed peers are excluded from ranking entirely — they stay choked
// until they stop snubbing (detected elsewhere via peer.CheckSnub).
func (c *Choker) TickRegular(peers []*peer.Peer) {
	var candidates []*peer.Peer
	for _, pe := range peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked && !pe.Snubbed {
			candidates = append(candidates, pe)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if c.seeding {
			return candidates[i].UploadRate() > candidates[j].UploadRate()
		}
		return candidates[i].DownloadRate() > candidates[j].DownloadRate()
	})

	unchoked := 0
	for _, pe := range candidates {
		if unchoked < c.unchokedPeers {
			pe.Unchoke()
			unchoked++
		} else {
			pe.Choke()
		}
	}
	// Any peer that didn't even make the candidate list (uninterested or
	// snubbed) stays or becomes choked, unless it's the current optimistic
	// pick.
	for _, pe := range peers {
		if (!pe.PeerInterested || pe.Snubbed) && !pe.OptimisticUnchoked {
			pe.Choke()
		}
	}
}

// TickOptimistic rotates the optimistic-unchoke slots: previously chosen
// peers lose their optimistic status (and are re-choked unless the regular
// tick already unchoked them), then optimisticSlots new peers are picked at
// random from the remaining choked, interested peers.
func (c *Choker) TickOptimistic(peers []*peer.Peer) {
	for _, pe := range c.optimisticUnchoked {
		if pe.OptimisticUnchoked {
			pe.Choke()
		}
	}
	c.optimisticUnchoked = c.optimisticUnchoked[:0]

	var candidates []*peer.Peer
	for _, pe := range peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked && pe.AmChoking {
			candidates = append(candidates, pe)
		}
	}
	for i := 0; i < c.optimisticSlots && len(candidates) > 0; i++ {
		idx := c.rng.Intn(len(candidates))
		pe := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		pe.OptimisticUnchoked = true
		pe.Unchoke()
		c.optimisticUnchoked = append(c.optimisticUnchoked, pe)
	}
}

// NumUnchoked reports how many of peers are currently unchoked, for
// invariant checks (never more than unchokedPeers+optimisticSlots).
func NumUnchoked(peers []*peer.Peer) int {
	n := 0
	for _, pe := range peers {
		if !pe.AmChoking {
			n++
		}
	}
	return n
}

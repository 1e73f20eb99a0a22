package peer

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestPeer() *Peer {
	p := &Peer{
		AmChoking:   true,
		PeerChoking: true,
		requests:    make(map[RequestKey]*Request),
	}
	p.downloadRate = nopEWMA{}
	p.uploadRate = nopEWMA{}
	return p
}

func TestRequestLifecycle(t *testing.T) {
	p := newTestPeer()
	require.True(t, p.HasPipelineCapacity())

	p.AddRequest(1, 0, 16384)
	p.AddRequest(1, 16384, 16384)
	require.Equal(t, 2, p.NumOutstandingRequests())

	require.True(t, p.RemoveRequest(1, 0))
	require.False(t, p.RemoveRequest(1, 0))
	require.Equal(t, 1, p.NumOutstandingRequests())

	p.ClearRequests()
	require.Equal(t, 0, p.NumOutstandingRequests())
}

func TestPipelineDepthBounds(t *testing.T) {
	p := newTestPeer()
	require.Equal(t, DefaultPipelineDepth, p.PipelineDepth())
}

func TestCheckSnub(t *testing.T) {
	p := newTestPeer()
	p.requests[RequestKey{PieceIndex: 1}] = &Request{
		Key:         RequestKey{PieceIndex: 1},
		RequestedAt: time.Now().Add(-2 * SnubThreshold),
	}
	require.True(t, p.CheckSnub())
}

func TestChokeUnchoke(t *testing.T) {
	p := newTestPeer()
	p.OptimisticUnchoked = true
	p.Unchoke()
	require.False(t, p.AmChoking)
	require.False(t, p.UnchokedSince.IsZero())

	p.Choke()
	require.True(t, p.AmChoking)
	require.False(t, p.OptimisticUnchoked)
}

// nopEWMA satisfies metrics.EWMA without pulling in the real decay math,
// keeping these tests independent of tick timing.
type nopEWMA struct{}

func (nopEWMA) Rate() float64          { return 0 }
func (nopEWMA) Snapshot() metrics.EWMA { return nopEWMA{} }
func (nopEWMA) Tick()                  {}
func (nopEWMA) Update(n int64)         {}

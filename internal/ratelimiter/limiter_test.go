package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	l := New(nil, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, l.WaitN(ctx, 10<<20))
}

func TestAllowNRespectsPerTorrentLimit(t *testing.T) {
	l := New(nil, 100, 100)
	require.True(t, l.AllowN(100))
	require.False(t, l.AllowN(1))
}

func TestGlobalCapBindsAcrossTorrents(t *testing.T) {
	global := NewGlobal(100, 100)
	a := New(global, 1000, 1000)
	b := New(global, 1000, 1000)

	require.True(t, a.AllowN(100))
	// The global bucket is now empty even though b's own bucket is fresh.
	require.False(t, b.AllowN(1))
}

func TestSetLimitUpdatesPerTorrentBucket(t *testing.T) {
	l := New(nil, 10, 10)
	l.SetLimit(0)
	require.True(t, l.AllowN(1<<20))
}

package boltcheckpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/realAndi/Torm-sub004/internal/checkpoint"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	defer s.Close()

	ih := [20]byte{1, 2, 3}
	state := checkpoint.State{
		InfoHash:        ih,
		NumPieces:       10,
		VerifiedBitmap:  []byte{0xff, 0x00},
		BytesDownloaded: 1234,
		Status:          "downloading",
	}
	require.NoError(t, s.Save(state))

	got, found, err := s.Load(ih)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, state, *got)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	defer s.Close()

	_, found, err := s.Load([20]byte{9, 9, 9})
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteRemovesState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	defer s.Close()

	ih := [20]byte{5}
	require.NoError(t, s.Save(checkpoint.State{InfoHash: ih}))
	require.NoError(t, s.Delete(ih))

	_, found, err := s.Load(ih)
	require.NoError(t, err)
	require.False(t, found)
}

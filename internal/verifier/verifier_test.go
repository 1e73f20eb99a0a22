package verifier

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realAndi/Torm-sub004/internal/piece"
)

func TestVerifySync(t *testing.T) {
	data := []byte("some piece bytes")
	p := &piece.Piece{Hash: sha1.Sum(data)}
	require.True(t, Verify(p, data))
	require.False(t, Verify(p, []byte("different bytes")))
}

func TestAsyncSubmit(t *testing.T) {
	v := New(2)
	defer v.Close()

	data := []byte("async piece bytes")
	p := &piece.Piece{Index: 5, Hash: sha1.Sum(data)}
	resultC := make(chan Result, 1)
	v.Submit(p, data, resultC)

	select {
	case r := <-resultC:
		require.True(t, r.OK)
		require.Equal(t, p, r.Piece)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for verification result")
	}
}

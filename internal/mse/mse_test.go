package mse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffieHellmanAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	secretA := a.SharedSecret(b.Public[:])
	secretB := b.SharedSecret(a.Public[:])
	require.Equal(t, secretA, secretB)
}

func TestStreamCipherRoundTrip(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	secret := a.SharedSecret(b.Public[:])
	infoHash := [20]byte{1, 2, 3}

	encA, err := NewCipher(secret, "keyA", infoHash)
	require.NoError(t, err)
	decA, err := NewCipher(secret, "keyA", infoHash)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext := make([]byte, len(plaintext))
	encA.XORKeyStream(ciphertext, plaintext)
	require.NotEqual(t, plaintext, ciphertext)

	recovered := make([]byte, len(ciphertext))
	decA.XORKeyStream(recovered, ciphertext)
	require.True(t, bytes.Equal(plaintext, recovered))
}

func TestWrapEncryptsAndDecrypts(t *testing.T) {
	secret := []byte("a shared secret of some length!")
	infoHash := [20]byte{9}

	clientEnc, _ := NewCipher(secret, "keyA", infoHash)
	clientDec, _ := NewCipher(secret, "keyB", infoHash)
	serverEnc, _ := NewCipher(secret, "keyB", infoHash)
	serverDec, _ := NewCipher(secret, "keyA", infoHash)

	var wire bytes.Buffer
	client := Wrap(&wire, clientEnc, clientDec)
	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NotEqual(t, "hello", wire.String())

	server := Wrap(&wire, serverEnc, serverDec)
	got := make([]byte, 5)
	_, err = server.Read(got)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

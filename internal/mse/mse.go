// Package mse implements BitTorrent Message Stream Encryption (MSE): a
// Diffie-Hellman key exchange over a fixed 768-bit prime, followed by
// RC4 stream encryption (with the first 1024 bytes of keystream discarded)
// of the inner handshake. It is kept isolated from the plaintext codec so
// that a build only ever needs it when obfuscation is actually negotiated.
package mse

import (
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"errors"
	"io"
	"math/big"
	"net"
)

// dhPrime is the 768-bit MSE prime (P) from the BEP specifying MSE.
var dhPrime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF",
	16,
)

// dhGenerator is the MSE generator (G = 2).
var dhGenerator = big.NewInt(2)

// KeyPair holds one side's DH private/public values.
type KeyPair struct {
	private *big.Int
	Public  [96]byte // 768 bits
}

// GenerateKeyPair creates a fresh DH keypair using the MSE prime/generator.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return nil, err
	}
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	kp := &KeyPair{private: priv}
	pub.FillBytes(kp.Public[:])
	return kp, nil
}

// SharedSecret computes the shared DH secret given the peer's public value.
func (kp *KeyPair) SharedSecret(peerPublic []byte) []byte {
	y := new(big.Int).SetBytes(peerPublic)
	s := new(big.Int).Exp(y, kp.private, dhPrime)
	out := make([]byte, 96)
	s.FillBytes(out)
	return out
}

// discardBytes is the number of RC4 keystream bytes discarded before use,
// per the MSE specification.
const discardBytes = 1024

// NewCipher derives an RC4 stream cipher from the shared secret and a
// context string ("keyA"/"keyB" per MSE, distinguishing the two
// directions), discarding the first 1024 keystream bytes.
func NewCipher(sharedSecret []byte, context string, infoHash [20]byte) (*rc4.Cipher, error) {
	h := sha1.New()
	h.Write([]byte(context))
	h.Write(sharedSecret)
	h.Write(infoHash[:])
	key := h.Sum(nil)
	c, err := rc4.NewCipher(key[:20])
	if err != nil {
		return nil, err
	}
	discard := make([]byte, discardBytes)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// streamConn wraps a cipher pair around an io.ReadWriter, transparently
// encrypting writes and decrypting reads.
type streamConn struct {
	rw  io.ReadWriter
	enc *rc4.Cipher
	dec *rc4.Cipher
}

// Wrap returns an io.ReadWriter that RC4-encrypts everything written and
// decrypts everything read, using independent keystreams per direction.
func Wrap(rw io.ReadWriter, enc, dec *rc4.Cipher) io.ReadWriter {
	return &streamConn{rw: rw, enc: enc, dec: dec}
}

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.rw.Read(p)
	if n > 0 {
		c.dec.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	c.enc.XORKeyStream(buf, p)
	return c.rw.Write(buf)
}

// ErrNotNegotiated is returned when a peer does not support MSE and the
// caller should fall back to (or was already trying) the plaintext
// handshake.
var ErrNotNegotiated = errors.New("mse: peer did not negotiate encryption")

// netConn adapts a streamConn back into a net.Conn: Read/Write go through
// the cipher pair, every other method (deadlines, addresses, Close)
// passes straight through to the socket. Mirrors the teacher's btconn
// rwConn adapter (io.ReadWriter swapped in over an otherwise-untouched
// net.Conn).
type netConn struct {
	io.ReadWriter
	net.Conn
}

func (c *netConn) Read(p []byte) (int, error)  { return c.ReadWriter.Read(p) }
func (c *netConn) Write(p []byte) (int, error) { return c.ReadWriter.Write(p) }

// WrapConn returns a net.Conn that RC4-encrypts writes and decrypts reads
// over conn using enc/dec, while every other net.Conn method keeps
// operating on the underlying socket.
func WrapConn(conn net.Conn, enc, dec *rc4.Cipher) net.Conn {
	return &netConn{ReadWriter: Wrap(conn, enc, dec), Conn: conn}
}

// pubKeyLen is the wire size of a DH public value (768 bits).
const pubKeyLen = 96

// NegotiateOutbound performs the initiator side of the obfuscated
// handshake: both ends exchange DH public keys in the clear over conn,
// then derive a pair of RC4 streams from the shared secret and infoHash.
// Everything written to or read from the returned net.Conn from this
// point on, including the inner BitTorrent handshake, is transparently
// encrypted.
func NegotiateOutbound(conn net.Conn, infoHash [20]byte) (net.Conn, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(kp.Public[:]); err != nil {
		return nil, err
	}
	var peerPublic [pubKeyLen]byte
	if _, err := io.ReadFull(conn, peerPublic[:]); err != nil {
		return nil, err
	}
	secret := kp.SharedSecret(peerPublic[:])
	enc, err := NewCipher(secret, "keyA", infoHash)
	if err != nil {
		return nil, err
	}
	dec, err := NewCipher(secret, "keyB", infoHash)
	if err != nil {
		return nil, err
	}
	return WrapConn(conn, enc, dec), nil
}

// NegotiateIncoming performs the responder side of the obfuscated
// handshake for infoHash. The caller is expected to already know which
// torrent this accepted socket belongs to (e.g. it owns exactly that
// info-hash, or routed the connection upstream); unlike a full MSE
// implementation this does not probe multiple candidate info-hashes.
func NegotiateIncoming(conn net.Conn, infoHash [20]byte) (net.Conn, error) {
	var peerPublic [pubKeyLen]byte
	if _, err := io.ReadFull(conn, peerPublic[:]); err != nil {
		return nil, err
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(kp.Public[:]); err != nil {
		return nil, err
	}
	secret := kp.SharedSecret(peerPublic[:])
	enc, err := NewCipher(secret, "keyB", infoHash)
	if err != nil {
		return nil, err
	}
	dec, err := NewCipher(secret, "keyA", infoHash)
	if err != nil {
		return nil, err
	}
	return WrapConn(conn, enc, dec), nil
}

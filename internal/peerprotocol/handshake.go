package peerprotocol

import (
	"bytes"
	"fmt"
	"io"
)

// protocolString is the fixed BitTorrent protocol identifier.
const protocolString = "BitTorrent protocol"

// HandshakeLength is the fixed size of the plaintext handshake.
const HandshakeLength = 49 + len(protocolString)

// PstrLen is the first byte of a plaintext handshake: the length of
// protocolString. A connection whose first byte doesn't match this is
// either an obfuscated (MSE) handshake or garbage.
const PstrLen = byte(len(protocolString))

// ExtensionBytes are the 8 reserved handshake bytes advertising extension
// support.
type ExtensionBytes [8]byte

// Bit positions are counted from the most significant bit of the whole
// 64-bit reserved field, i.e. bit 0 is the MSB of reserved byte 0.
func (e *ExtensionBytes) set(bit uint) {
	e[bit/8] |= 1 << (7 - bit%8)
}

func (e ExtensionBytes) test(bit uint) bool {
	return e[bit/8]&(1<<(7-bit%8)) != 0
}

// SetDHT advertises DHT support (reserved byte 7, bit 0x01 -> bit 63 from
// the MSB, i.e. bit 44 counted the way the spec counts it: from the MSB of
// byte 7 downward only within that byte; equivalently bit index 63).
func (e *ExtensionBytes) SetDHT() { e.set(63) }

// DHT reports whether the peer advertised DHT support.
func (e ExtensionBytes) DHT() bool { return e.test(63) }

// SetExtensionProtocol advertises BEP 10 extension protocol support
// (reserved byte 5, bit 0x10).
func (e *ExtensionBytes) SetExtensionProtocol() { e.set(43) }

// ExtensionProtocol reports whether the peer advertised BEP 10 support.
func (e ExtensionBytes) ExtensionProtocol() bool { return e.test(43) }

// SetFastExtension advertises BEP 6 fast extension support (reserved byte
// 7, bit 0x04).
func (e *ExtensionBytes) SetFastExtension() { e.set(61) }

// FastExtension reports whether the peer advertised the fast extension.
func (e ExtensionBytes) FastExtension() bool { return e.test(61) }

// Handshake is the plaintext 68-byte handshake message.
type Handshake struct {
	Extensions ExtensionBytes
	InfoHash   [20]byte
	PeerID     [20]byte
}

// Write serializes the handshake to w.
func (h *Handshake) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(protocolString)))
	buf.WriteString(protocolString)
	buf.Write(h.Extensions[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadHandshake reads and validates a plaintext handshake from r. If
// wantInfoHash is non-nil, the read info-hash is compared against it and
// a mismatch yields an error that terminates the connection.
func ReadHandshake(r io.Reader, wantInfoHash *[20]byte) (*Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return nil, err
	}
	if int(lenByte[0]) != len(protocolString) {
		return nil, fmt.Errorf("%w: unexpected protocol string length %d", ErrProtocol, lenByte[0])
	}
	buf := make([]byte, lenByte[0]+8+20+20)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if string(buf[:lenByte[0]]) != protocolString {
		return nil, fmt.Errorf("%w: unexpected protocol string", ErrProtocol)
	}
	h := &Handshake{}
	off := int(lenByte[0])
	copy(h.Extensions[:], buf[off:off+8])
	off += 8
	copy(h.InfoHash[:], buf[off:off+20])
	off += 20
	copy(h.PeerID[:], buf[off:off+20])
	if wantInfoHash != nil && h.InfoHash != *wantInfoHash {
		return nil, fmt.Errorf("%w: info hash mismatch", ErrProtocol)
	}
	return h, nil
}

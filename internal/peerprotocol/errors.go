package peerprotocol

import "errors"

// ErrProtocol marks any wire framing or handshake violation: the caller
// must terminate the connection, never attempt to resynchronize the
// stream.
var ErrProtocol = errors.New("peerprotocol: protocol error")

// maxMessageLength bounds a message's declared length: block size
// (2^14 request default but up to 2^17 is tolerated for oversize blocks)
// plus the 9-byte piece message header overhead.
const maxMessageLength = 1<<17 + 9

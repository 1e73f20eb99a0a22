// Package oracle defines the peer-list collaborator interface a session
// consumes to find addresses to connect to. The core never speaks tracker
// or DHT wire protocols itself — that's explicitly out of scope — it only
// asks an Oracle for candidates and reports back which ones failed.
package oracle

import "net"

// Oracle supplies candidate peer addresses for a torrent and receives
// feedback about ones that didn't work out.
type Oracle interface {
	// NextPeers returns up to max candidate addresses for infoHash that
	// haven't already been reported as failed recently.
	NextPeers(infoHash [20]byte, max int) ([]*net.TCPAddr, error)
	// ReportFailure tells the oracle a connection attempt to addr failed,
	// so it can be deprioritized or excluded from future NextPeers calls.
	ReportFailure(infoHash [20]byte, addr *net.TCPAddr)
	// ReportSuccess tells the oracle a connection to addr succeeded.
	ReportSuccess(infoHash [20]byte, addr *net.TCPAddr)
}

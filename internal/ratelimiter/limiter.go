// Package ratelimiter implements bandwidth limiting for peer transfers: a
// token bucket per torrent per direction, composed with an optional global
// bucket shared across every torrent in the client. A transfer goes ahead
// only when both buckets have tokens for it. Torrents draw on the global
// bucket first come, first served; there is no weighted round-robin or
// per-torrent share of the global limit.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Unlimited configures a Limiter with no cap; WaitN never waits and AllowN
// never refuses.
const Unlimited = rate.Inf

// Limiter composes an optional global bucket with a per-torrent bucket.
// Both are *rate.Limiter so an Unlimited torrent or global cap degenerates
// to a no-op wait.
type Limiter struct {
	global     *rate.Limiter // shared across all torrents in a client; may be nil
	perTorrent *rate.Limiter
}

// New builds a Limiter. global may be nil for a single-torrent user with no
// client-wide cap. bytesPerSec == 0 means unlimited for that bucket;
// burst, when zero, defaults to bytesPerSec (or to a generous fixed burst
// when bytesPerSec is also 0/unlimited).
func New(global *rate.Limiter, bytesPerSec, burst int) *Limiter {
	limit := rate.Limit(bytesPerSec)
	if bytesPerSec <= 0 {
		limit = Unlimited
	}
	if burst <= 0 {
		burst = bytesPerSec
		if burst <= 0 {
			burst = 1 << 20
		}
	}
	return &Limiter{
		global:     global,
		perTorrent: rate.NewLimiter(limit, burst),
	}
}

// NewGlobal builds the client-wide shared bucket that per-torrent Limiters
// reference. bytesPerSec == 0 means unlimited.
func NewGlobal(bytesPerSec, burst int) *rate.Limiter {
	limit := rate.Limit(bytesPerSec)
	if bytesPerSec <= 0 {
		limit = Unlimited
	}
	if burst <= 0 {
		burst = bytesPerSec
		if burst <= 0 {
			burst = 1 << 20
		}
	}
	return rate.NewLimiter(limit, burst)
}

// WaitN blocks until n bytes may be sent/received, honoring both this
// torrent's own limit and, if set, the shared global limit. It returns
// early with ctx.Err() if ctx is cancelled first.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if err := l.perTorrent.WaitN(ctx, n); err != nil {
		return err
	}
	if l.global != nil {
		if err := l.global.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// SetLimit updates this torrent's own byte/sec cap; 0 means unlimited.
func (l *Limiter) SetLimit(bytesPerSec int) {
	limit := rate.Limit(bytesPerSec)
	if bytesPerSec <= 0 {
		limit = Unlimited
	}
	l.perTorrent.SetLimit(limit)
}

// AllowN reports whether n bytes may be sent/received right now without
// waiting, consuming the tokens if so. Used on the hot path to avoid
// blocking a session's single event-loop goroutine; callers that get false
// should requeue the transfer rather than call WaitN from the event loop.
//
// Checks the global bucket first: it's the one shared across torrents, so
// it's cheaper to fail fast on it before touching (and potentially having
// to report failure after already spending from) the per-torrent bucket.
func (l *Limiter) AllowN(n int) bool {
	now := time.Now()
	if l.global != nil && !l.global.AllowN(now, n) {
		return false
	}
	return l.perTorrent.AllowN(now, n)
}

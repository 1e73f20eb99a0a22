// Package verifier checks assembled pieces against the torrent
// descriptor's per-piece SHA-1 digests. Verification may be offloaded
// from a session's hot path onto a worker pool; results are posted back
// as events so the caller's single mutation goroutine stays the only
// place that updates piece state.
package verifier

import (
	"crypto/sha1"

	"github.com/realAndi/Torm-sub004/internal/piece"
)

// Result is posted back to the caller once a piece has been hashed.
type Result struct {
	Piece *piece.Piece
	Data  []byte
	OK    bool
}

// Verifier runs SHA-1 checks on a bounded worker pool, taking load off
// whichever goroutine owns the session's piece state.
type Verifier struct {
	jobs chan job
	done chan struct{}
}

type job struct {
	p      *piece.Piece
	data   []byte
	result chan<- Result
}

// New starts a verifier with the given number of workers.
func New(workers int) *Verifier {
	if workers < 1 {
		workers = 1
	}
	v := &Verifier{
		jobs: make(chan job, workers*4),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go v.worker()
	}
	return v
}

func (v *Verifier) worker() {
	for {
		select {
		case j, ok := <-v.jobs:
			if !ok {
				return
			}
			ok2 := Verify(j.p, j.data)
			select {
			case j.result <- Result{Piece: j.p, Data: j.data, OK: ok2}:
			case <-v.done:
			}
		case <-v.done:
			return
		}
	}
}

// Verify synchronously checks data against p's expected hash. Used both by
// the worker pool and directly by callers doing a blocking recheck pass.
func Verify(p *piece.Piece, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == p.Hash
}

// Submit enqueues a piece for asynchronous verification; the result is
// sent to resultC. Submit never blocks the caller beyond filling the
// worker queue.
func (v *Verifier) Submit(p *piece.Piece, data []byte, resultC chan<- Result) {
	v.jobs <- job{p: p, data: data, result: resultC}
}

// Close stops all workers. In-flight jobs may complete but their results
// are discarded if nothing is left to receive them; callers that want a
// clean drain should stop submitting and wait for outstanding results
// before calling Close.
func (v *Verifier) Close() {
	close(v.done)
}

// Package piecewriter dispatches a verified piece's assembled bytes to the
// storage sink. Writes run on a worker pool so a slow disk doesn't stall
// the session's single event-loop goroutine; results come back on a
// channel the same way verification results do.
package piecewriter

import (
	"sync"

	"github.com/realAndi/Torm-sub004/internal/piece"
	"github.com/realAndi/Torm-sub004/internal/storage"
)

// Result is posted back once a piece's bytes have been written (or have
// failed to write).
type Result struct {
	Piece  *piece.Piece
	Buffer []byte // returned to the pool by the caller once done with it
	Error  error
}

type job struct {
	p      *piece.Piece
	offset int64
	data   []byte
	result chan<- Result
}

// Writer writes verified piece data to a storage.Storage on a bounded
// worker pool, pooling the byte-slice buffers it's handed.
type Writer struct {
	store storage.Storage
	jobs  chan job
	done  chan struct{}
	pool  *sync.Pool
}

// New starts a Writer with the given number of workers, writing to store.
// bufSize should be the torrent's piece length, so pooled buffers are
// reusable across every Write call for this torrent.
func New(store storage.Storage, workers, bufSize int) *Writer {
	if workers < 1 {
		workers = 1
	}
	w := &Writer{
		store: store,
		jobs:  make(chan job, workers*2),
		done:  make(chan struct{}),
		pool: &sync.Pool{
			New: func() interface{} { return make([]byte, bufSize) },
		},
	}
	for i := 0; i < workers; i++ {
		go w.worker()
	}
	return w
}

// Get returns a pooled buffer sized for one piece.
func (w *Writer) Get() []byte { return w.pool.Get().([]byte) }

// Put returns a buffer to the pool once the caller is done with it (after
// receiving its Result).
func (w *Writer) Put(buf []byte) { w.pool.Put(buf) }

// Write enqueues p's data for writing at the given torrent-relative byte
// offset; the result, including any storage error, is sent to resultC.
func (w *Writer) Write(p *piece.Piece, offset int64, data []byte, resultC chan<- Result) {
	w.jobs <- job{p: p, offset: offset, data: data, result: resultC}
}

func (w *Writer) worker() {
	for {
		select {
		case j, ok := <-w.jobs:
			if !ok {
				return
			}
			err := w.store.WriteBlock(j.offset, j.data)
			select {
			case j.result <- Result{Piece: j.p, Buffer: j.data, Error: err}:
			case <-w.done:
			}
		case <-w.done:
			return
		}
	}
}

// Close stops all workers.
func (w *Writer) Close() { close(w.done) }

// Package stream implements the two stream-engine half-streams: Receiver for
// daemon-to-client downloads and Session for client-to-daemon uploads, both
// under credit-based backpressure (spec §4.4).
package stream

import (
	"errors"
	"io"
	"runtime"
	"sync"
)

// ErrCancelled names a consumer-initiated cancellation. Cancel neither stores
// nor returns it: the cancellation is graceful, Read ends with io.EOF, and
// State reports the receiver as closed.
var ErrCancelled = errors.New("isoconn: stream cancelled by consumer")

type downloadState int

const (
	downloadActive downloadState = iota
	downloadClosed
	downloadErrored
)

// Meta carries the response metadata delivered with response-stream-start.
type Meta struct {
	Status     int
	StatusText string
	Headers    [][2]string
}

// Receiver is the client-side half of a daemon -> client byte stream. It
// buffers chunks that arrive before the consumer reads them and exposes a
// blocking Read so it can be wrapped as an io.Reader body.
type Receiver struct {
	StreamID  uint64
	RequestID uint64
	Meta      Meta

	mu        sync.Mutex
	state     downloadState
	chunks    [][]byte
	cur       []byte // partially-consumed head of chunks
	err       error
	waiters   []chan struct{}
	finalized bool

	// pull sends a stream-pull frame granting additional credit; invoked by
	// Read whenever the buffer runs dry, per the §4.4 backpressure contract.
	pull func(credit uint64)
	// emitCancel sends a stream-error frame upward for a consumer-initiated
	// cancel; invoked at most once.
	emitCancel func(reason string)

	defaultCredit uint64
}

// NewReceiver constructs a Receiver. pull and emitCancel hook into the
// connection's outbound frame writer.
func NewReceiver(streamID, requestID uint64, meta Meta, defaultCredit uint64, pull func(credit uint64), emitCancel func(reason string)) *Receiver {
	r := &Receiver{
		StreamID:      streamID,
		RequestID:     requestID,
		Meta:          meta,
		pull:          pull,
		emitCancel:    emitCancel,
		defaultCredit: defaultCredit,
	}
	r.pull(defaultCredit)
	return r
}

func (r *Receiver) wakeAllLocked() {
	for _, w := range r.waiters {
		close(w)
	}
	r.waiters = nil
}

// PushChunk buffers an inbound response-stream-chunk, waking one waiting
// reader if present (otherwise it sits in the buffer until Read arrives).
func (r *Receiver) PushChunk(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return // late chunk after cancel/end/error: discarded
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.chunks = append(r.chunks, cp)
	if len(r.waiters) > 0 {
		w := r.waiters[0]
		r.waiters = r.waiters[1:]
		close(w)
	}
}

// End handles response-stream-end: flush is implicit (buffered chunks remain
// readable), close the stream once, and wake every waiter so blocked readers
// observe EOF.
func (r *Receiver) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	r.state = downloadClosed
	r.wakeAllLocked()
}

// Fail handles stream-error from the daemon. Per I4, already-buffered chunks
// remain visible; the error is only raised once they are drained (Read
// returns them first and yields err on the call after the buffer empties).
func (r *Receiver) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	r.state = downloadErrored
	r.err = err
	r.wakeAllLocked()
}

// Read implements io.Reader over the buffered/streaming chunks.
func (r *Receiver) Read(p []byte) (int, error) {
	for {
		r.mu.Lock()
		if len(r.cur) > 0 {
			n := copy(p, r.cur)
			r.cur = r.cur[n:]
			r.mu.Unlock()
			return n, nil
		}
		if len(r.chunks) > 0 {
			r.cur = r.chunks[0]
			r.chunks = r.chunks[1:]
			r.mu.Unlock()
			continue
		}
		// buffer empty: surface a stored error only after it has been drained
		if r.state == downloadErrored {
			err := r.err
			r.mu.Unlock()
			return 0, err
		}
		if r.state == downloadClosed {
			r.mu.Unlock()
			return 0, io.EOF
		}
		w := make(chan struct{})
		r.waiters = append(r.waiters, w)
		r.pull(r.defaultCredit)
		r.mu.Unlock()
		<-w
	}
}

// Cancel performs a graceful consumer-initiated cancellation: it emits
// stream-error upward with reason "cancelled by consumer", marks the receiver
// closed without raising an error to the consumer, wakes any blocked Read, and
// returns a channel that closes after a scheduling tick so that chunks which
// were already in flight are discarded cleanly rather than racing the close.
func (r *Receiver) Cancel() <-chan struct{} {
	r.mu.Lock()
	already := r.finalized
	if !already {
		r.finalized = true
		r.state = downloadClosed
		r.wakeAllLocked()
	}
	r.mu.Unlock()

	if !already && r.emitCancel != nil {
		r.emitCancel("cancelled by consumer")
	}

	settled := make(chan struct{})
	go func() {
		runtime.Gosched()
		close(settled)
	}()
	return settled
}

// State reports the terminal state for tests/observers.
func (r *Receiver) State() (active, closed, errored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == downloadActive, r.state == downloadClosed, r.state == downloadErrored
}

package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

type uploadState int

const (
	uploadActive uploadState = iota
	uploadClosing
	uploadClosed
)

// ErrSessionClosed is returned from AwaitCredit when the session has already
// been closed (by stream-close/stream-error or connection teardown).
var ErrSessionClosed = errors.New("isoconn: upload session closed")

// Session is the client-side half of a client -> daemon byte stream. It starts
// with zero credit (I5) and only releases bytes once AddCredit has been called
// by an inbound stream-pull frame.
type Session struct {
	StreamID uint64

	mu       sync.Mutex
	state    uploadState
	credit   uint64
	sent     uint64
	waiter   chan struct{} // at most one credit-waiter, per §3 Data Model
	closeErr error
}

// NewSession constructs an upload session with zero initial credit.
func NewSession(streamID uint64) *Session {
	return &Session{StreamID: streamID}
}

// AddCredit handles an inbound stream-pull, increasing available credit and
// resolving the single waiter if one is parked.
func (s *Session) AddCredit(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit += n
	if s.waiter != nil {
		close(s.waiter)
		s.waiter = nil
	}
}

// AwaitCredit blocks until at least need bytes of credit are available, the
// session closes, or ctx is cancelled.
func (s *Session) AwaitCredit(ctx context.Context, need uint64) error {
	for {
		s.mu.Lock()
		if s.state == uploadClosed {
			err := s.closeErr
			if err == nil {
				err = ErrSessionClosed
			}
			s.mu.Unlock()
			return err
		}
		if s.credit >= need {
			s.mu.Unlock()
			return nil
		}
		if s.waiter == nil {
			s.waiter = make(chan struct{})
		}
		w := s.waiter
		s.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Consume spends n bytes of credit; callers must have already awaited at
// least n via AwaitCredit (I5: credit never goes negative).
func (s *Session) Consume(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.credit {
		s.credit = 0
		return
	}
	s.credit -= n
	s.sent += n
}

// Close marks the session closed (stream-close sent, or the peer tore it
// down) and releases any parked credit-waiter so the pump unblocks.
func (s *Session) Close() { s.closeWith(nil) }

// Fail marks the session closed with err (stream-error, or connection loss)
// and releases any parked credit-waiter.
func (s *Session) Fail(err error) { s.closeWith(err) }

func (s *Session) closeWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == uploadClosed {
		return
	}
	s.state = uploadClosed
	s.closeErr = err
	if s.waiter != nil {
		close(s.waiter)
		s.waiter = nil
	}
}

// BytesSent reports bytes transmitted so far.
func (s *Session) BytesSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Pump reads src in chunkSize pieces, awaiting sufficient credit before each
// push, and invokes push for each chunk and closeFn/failFn exactly once at
// end of stream. It is the upload half of the §4.4 backpressure contract.
func Pump(ctx context.Context, s *Session, src io.Reader, chunkSize int, push func([]byte) error, closeFn func(), failFn func(error)) error {
	buf := make([]byte, chunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := s.AwaitCredit(ctx, uint64(n)); err != nil {
				failFn(err)
				return err
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := push(chunk); err != nil {
				failFn(err)
				return err
			}
			s.Consume(uint64(n))
		}
		if rerr != nil {
			if rerr == io.EOF {
				closeFn()
				s.Close()
				return nil
			}
			failFn(rerr)
			s.Fail(rerr)
			return rerr
		}
	}
}

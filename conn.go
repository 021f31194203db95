package isoconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coldforge/isoconn/internal/callback"
	"github.com/coldforge/isoconn/internal/logging"
	"github.com/coldforge/isoconn/internal/marshal"
	"github.com/coldforge/isoconn/internal/pending"
	"github.com/coldforge/isoconn/internal/stream"
	"github.com/coldforge/isoconn/internal/wire"
	"github.com/coldforge/isoconn/internal/wspush"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Conn is one multiplexed connection to a daemon. All state (pending
// requests, callback registrations, stream receivers/sessions, ws
// subscribers) lives behind stateMu; the read loop is the only goroutine that
// decodes frames and dispatches them, per SPEC_FULL.md §11.
type Conn struct {
	id     uuid.UUID
	nc     net.Conn
	opts   DialOptions
	logger *logging.Logger

	ids     *wire.IDAllocator
	decoder *wire.Decoder

	writeMu sync.Mutex

	stateMu         sync.Mutex
	pendingReg      *pending.Registry
	cbReg           *callback.Registry
	wsRouter        *wspush.Router
	downloads       map[uint64]*stream.Receiver
	uploads         map[uint64]*stream.Session
	callbackStreams map[uint64]context.CancelFunc
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConn(nc net.Conn, opts DialOptions) *Conn {
	ids := &wire.IDAllocator{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:         uuid.New(),
		nc:         nc,
		opts:       opts,
		logger:     opts.Logger.With(map[string]any{}),
		ids:        ids,
		decoder:    wire.NewDecoder(),
		pendingReg: pending.New(),
		cbReg:      callback.New(ids),
		wsRouter:   wspush.New(),
		downloads:       make(map[uint64]*stream.Receiver),
		uploads:         make(map[uint64]*stream.Session),
		callbackStreams: make(map[uint64]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// start launches the read loop and the pending-request deadline sweeper.
func (c *Conn) start() {
	c.logger = c.logger.With(map[string]any{"conn": c.id.String()})
	c.wg.Add(2)
	go c.readLoop()
	go c.sweepLoop()
}

func (c *Conn) writeFrame(m wire.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return &ProtocolError{Err: err}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(frame)
	return err
}

// sendRequest registers a pending entry for a fresh request id, writes build(id)
// as the outbound frame, and blocks until the response arrives, the deadline
// elapses, or the connection closes.
func (c *Conn) sendRequest(ctx context.Context, timeout time.Duration, build func(id uint64) wire.Message) (any, error) {
	id := c.ids.NextRequest()

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil, ErrConnectionClosed
	}
	handle := c.pendingReg.Register(id, timeout)
	c.stateMu.Unlock()

	if err := c.writeFrame(build(id)); err != nil {
		c.stateMu.Lock()
		c.pendingReg.Reject(id, err)
		c.stateMu.Unlock()
		return nil, err
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := handle.Wait()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			msgs, derr := c.decoder.Feed(buf[:n])
			for _, m := range msgs {
				c.dispatch(m)
			}
			if derr != nil {
				c.teardown(&ProtocolError{Err: derr})
				return
			}
		}
		if err != nil {
			c.teardown(fmt.Errorf("isoconn: read: %w", err))
			return
		}
	}
}

func (c *Conn) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.stateMu.Lock()
			expired := c.pendingReg.ExpiredIDs(now)
			for _, id := range expired {
				c.pendingReg.Reject(id, ErrRequestTimeout)
			}
			c.stateMu.Unlock()
		}
	}
}

func (c *Conn) dispatch(m wire.Message) {
	switch m.Type {
	case wire.TypeResponseOK:
		c.stateMu.Lock()
		ok := c.pendingReg.Resolve(m.RequestID, m.Payload)
		c.stateMu.Unlock()
		if !ok {
			c.logger.Warn("dropping response-ok for unknown request id", "requestId", m.RequestID)
		}

	case wire.TypeResponseError:
		c.stateMu.Lock()
		ok := c.pendingReg.Reject(m.RequestID, errPayloadToRemote(m.Err))
		c.stateMu.Unlock()
		if !ok {
			c.logger.Warn("dropping response-error for unknown request id", "requestId", m.RequestID)
		}

	case wire.TypeCreateRuntimeResult:
		c.stateMu.Lock()
		ok := c.pendingReg.Resolve(m.RequestID, createRuntimeResult{RuntimeID: m.RuntimeID, Reused: m.Reused})
		c.stateMu.Unlock()
		if !ok {
			c.logger.Warn("dropping create-runtime-result for unknown request id", "requestId", m.RequestID)
		}

	case wire.TypeResponseStreamStart:
		meta := stream.Meta{Status: m.Status, StatusText: m.StatusText, Headers: m.Headers}
		streamID := m.StreamID
		recv := stream.NewReceiver(streamID, m.RequestID, meta, c.opts.DefaultStreamCredit,
			func(credit uint64) { _ = c.writeFrame(wire.Message{Type: wire.TypeStreamPull, StreamID: streamID, Credit: credit}) },
			func(reason string) {
				_ = c.writeFrame(wire.Message{Type: wire.TypeStreamError, StreamID: streamID, Err: &wire.ErrorPayload{Name: "StreamCancelled", Message: reason}})
			})
		c.stateMu.Lock()
		c.downloads[streamID] = recv
		ok := c.pendingReg.Resolve(m.RequestID, recv)
		c.stateMu.Unlock()
		if !ok {
			c.logger.Warn("dropping response-stream-start for unknown request id", "requestId", m.RequestID)
		}

	case wire.TypeResponseStreamChunk:
		c.stateMu.Lock()
		recv := c.downloads[m.StreamID]
		c.stateMu.Unlock()
		if recv != nil {
			recv.PushChunk(m.Payload)
		} else {
			c.logger.Warn("dropping response-stream-chunk for unknown stream id", "streamId", m.StreamID)
		}

	case wire.TypeResponseStreamEnd:
		c.stateMu.Lock()
		recv := c.downloads[m.StreamID]
		delete(c.downloads, m.StreamID)
		c.stateMu.Unlock()
		if recv != nil {
			recv.End()
		} else {
			c.logger.Warn("dropping response-stream-end for unknown stream id", "streamId", m.StreamID)
		}

	case wire.TypeStreamError:
		c.stateMu.Lock()
		recv, isDownload := c.downloads[m.StreamID]
		delete(c.downloads, m.StreamID)
		up, isUpload := c.uploads[m.StreamID]
		delete(c.uploads, m.StreamID)
		c.stateMu.Unlock()
		if isDownload && recv != nil {
			recv.Fail(errPayloadToRemote(m.Err))
		}
		if isUpload && up != nil {
			up.Fail(errPayloadToRemote(m.Err))
		}
		if !isDownload && !isUpload {
			c.logger.Warn("dropping stream-error for unknown stream id", "streamId", m.StreamID)
		}

	case wire.TypeStreamPull:
		c.stateMu.Lock()
		up := c.uploads[m.StreamID]
		c.stateMu.Unlock()
		if up != nil {
			up.AddCredit(m.Credit)
		} else {
			c.logger.Warn("dropping stream-pull for unknown stream id", "streamId", m.StreamID)
		}

	case wire.TypeStreamClose:
		c.stateMu.Lock()
		up, ok := c.uploads[m.StreamID]
		delete(c.uploads, m.StreamID)
		c.stateMu.Unlock()
		if ok && up != nil {
			up.Close()
		} else {
			c.logger.Warn("dropping stream-close for unknown stream id", "streamId", m.StreamID)
		}

	case wire.TypeCallbackInvoke:
		c.handleCallbackInvoke(m)

	case wire.TypeCallbackStreamCancel:
		c.stateMu.Lock()
		cancel, ok := c.callbackStreams[m.StreamID]
		delete(c.callbackStreams, m.StreamID)
		c.stateMu.Unlock()
		if ok {
			cancel()
		} else {
			c.logger.Warn("dropping callback-stream-cancel for unknown stream id", "streamId", m.StreamID)
		}

	case wire.TypeWSCommand:
		cmd := wspush.Command{
			Type:         m.WSType,
			ConnectionID: m.ConnID,
			Data:         append([]byte(nil), m.WSData...),
			Code:         wspush.NormalizeCloseCode(m.WSCode, m.HasWSCode),
			HasCode:      m.HasWSCode,
			Reason:       m.WSReason,
		}
		c.stateMu.Lock()
		subs := c.wsRouter.Snapshot(m.RuntimeID)
		c.stateMu.Unlock()
		// Invoked outside stateMu: a subscriber that calls Unsubscribe from
		// inside its own callback re-acquires the same lock, which would
		// deadlock the read loop if held here.
		for _, sub := range subs {
			sub(cmd)
		}

	case wire.TypePong:
		// heartbeat acknowledgement; nothing to do.

	default:
		c.logger.Warn("dropping unhandled frame", "type", m.Type.String())
	}
}

// createRuntimeResult is the internal resolve payload for create-runtime,
// letting CreateRuntime read both the assigned id and the reused flag without
// a second round trip.
type createRuntimeResult struct {
	RuntimeID uint64
	Reused    bool
}

func errPayloadToRemote(e *wire.ErrorPayload) error {
	if e == nil {
		return &RemoteError{}
	}
	return &RemoteError{Name: e.Name, Message: e.Message, Stack: e.Stack}
}

// handleCallbackInvoke unmarshals the argument vector, dispatches to the
// registered host function off the read loop's own goroutine (so a slow
// callback never stalls frame decoding), and writes back a callback-response.
func (c *Conn) handleCallbackInvoke(m wire.Message) {
	args := make([]any, 0, len(m.Args))
	for _, raw := range m.Args {
		v, err := marshal.Decode(raw)
		if err != nil {
			c.writeCallbackError(m.RequestID, m.CallbackID, err)
			return
		}
		args = append(args, v)
	}

	kind, _ := c.cbReg.KindOf(m.CallbackID)
	if c.cbReg.NeedsRequestID(m.CallbackID) {
		args = append(args, m.RequestID)
	}
	if c.cbReg.NeedsIteratorID(m.CallbackID) {
		args = append(args, m.IteratorID)
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.DefaultRequestTimeout)
		defer cancel()

		result, err := c.cbReg.Invoke(ctx, m.CallbackID, args)
		if err != nil {
			c.writeCallbackError(m.RequestID, m.CallbackID, err)
			return
		}

		// §4.3: the fetch-streaming callback has already initiated its own
		// body stream (via streamCallbackResponse, called from inside the
		// registered handler); only stream frames complete this exchange,
		// never a callback-response.
		if kind == callback.KindFetchStreaming {
			return
		}

		c.stateMu.Lock()
		mv, merr := marshal.Value(c.cbReg, result)
		c.stateMu.Unlock()
		if merr != nil {
			c.writeCallbackError(m.RequestID, m.CallbackID, merr)
			return
		}
		payload, eerr := marshal.Encode(mv)
		if eerr != nil {
			c.writeCallbackError(m.RequestID, m.CallbackID, eerr)
			return
		}
		_ = c.writeFrame(wire.Message{
			Type:       wire.TypeCallbackResponse,
			RequestID:  m.RequestID,
			CallbackID: m.CallbackID,
			Payload:    payload,
		})
	}()
}

// streamCallbackResponse pumps body to the daemon as callback-stream-start/
// chunk/end frames correlated by a fresh stream id, for the streaming
// fetch-callback case of §4.3. It returns once the body is exhausted, body
// read fails, or the daemon cancels via callback-stream-cancel. No credit
// negotiation applies to this path: the daemon pulls frames as fast as the
// host emits them.
func (c *Conn) streamCallbackResponse(requestID uint64, status int, statusText string, headers [][2]string, body io.Reader, chunkSize int) error {
	streamID := c.ids.NextStream()
	ctx, cancel := context.WithCancel(c.ctx)
	c.stateMu.Lock()
	c.callbackStreams[streamID] = cancel
	c.stateMu.Unlock()
	defer func() {
		c.stateMu.Lock()
		delete(c.callbackStreams, streamID)
		c.stateMu.Unlock()
		cancel()
	}()

	if err := c.writeFrame(wire.Message{
		Type: wire.TypeCallbackStreamStart, RequestID: requestID, StreamID: streamID,
		Status: status, StatusText: statusText, Headers: headers,
	}); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := c.writeFrame(wire.Message{Type: wire.TypeCallbackStreamChunk, StreamID: streamID, Payload: chunk}); err != nil {
				return err
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return c.writeFrame(wire.Message{Type: wire.TypeCallbackStreamEnd, StreamID: streamID})
			}
			return rerr
		}
	}
}

func (c *Conn) writeCallbackError(requestID, callbackID uint64, err error) {
	c.logger.Warn("callback failed", "err", &CallbackError{CallbackID: callbackID, Err: err})
	_ = c.writeFrame(wire.Message{
		Type:       wire.TypeCallbackResponse,
		RequestID:  requestID,
		CallbackID: callbackID,
		Err:        &wire.ErrorPayload{Name: "CallbackError", Message: err.Error()},
	})
}

// teardown runs exactly once: it marks the connection closed, rejects every
// pending request, errors out every live download/upload, drops the ws
// subscriber map, and closes the socket. Resources are visited concurrently
// via errgroup, collecting the first error for logging only — teardown itself
// never fails.
func (c *Conn) teardown(reason error) {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return
	}
	c.closed = true
	downloads := c.downloads
	uploads := c.uploads
	c.downloads = make(map[uint64]*stream.Receiver)
	c.uploads = make(map[uint64]*stream.Session)
	c.wsRouter = wspush.New()
	c.stateMu.Unlock()

	c.cancel()

	var g errgroup.Group
	g.Go(func() error {
		c.stateMu.Lock()
		c.pendingReg.DrainAll()
		c.stateMu.Unlock()
		return nil
	})
	for _, recv := range downloads {
		recv := recv
		g.Go(func() error {
			recv.Fail(ErrConnectionClosed)
			return nil
		})
	}
	for _, up := range uploads {
		up := up
		g.Go(func() error {
			up.Fail(ErrConnectionClosed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("teardown fan-out error", "err", err)
	}

	_ = c.nc.Close()
	if reason != nil {
		c.logger.Info("connection closed", "reason", reason)
	}
}

// Close tears the connection down from the caller's side and waits for the
// read loop and sweeper to exit.
func (c *Conn) Close() error {
	c.teardown(nil)
	c.wg.Wait()
	return nil
}

// IsConnected reports whether the connection is still usable.
func (c *Conn) IsConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return !c.closed
}

// registerUpload files s under its StreamID (allocated by the caller) for
// stream-pull/close/error dispatch.
func (c *Conn) registerUpload(s *stream.Session) {
	c.stateMu.Lock()
	c.uploads[s.StreamID] = s
	c.stateMu.Unlock()
}

func (c *Conn) unregisterUpload(id uint64) {
	c.stateMu.Lock()
	delete(c.uploads, id)
	c.stateMu.Unlock()
}

// subscribeWS registers sub for push fan-out on runtimeID.
func (c *Conn) subscribeWS(runtimeID uint64, sub wspush.Subscriber) wspush.Subscription {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.wsRouter.Subscribe(runtimeID, sub)
}

func (c *Conn) unsubscribeWS(s wspush.Subscription) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.wsRouter.Unsubscribe(s)
}

func (c *Conn) disposeRuntimeWS(runtimeID uint64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.wsRouter.DisposeRuntime(runtimeID)
}

// registerCallback exposes the connection's callback registry to the public
// API (callbacks.go, runtime.go submodules) without leaking the internal
// package type.
func (c *Conn) registerCallback(kind callback.Kind, needsRequestID bool, fn callback.HostFunc) uint64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.cbReg.Register(kind, needsRequestID, fn)
}

// registerAsyncIteratorFunction exposes the callback registry's custom async
// generator wiring (§4.3, §8 scenario 5) to the public API.
func (c *Conn) registerAsyncIteratorFunction(fn func(ctx context.Context, args []any) (marshal.AsyncIterator, error)) (startID, nextID, returnID, throwID uint64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.cbReg.RegisterAsyncGeneratorFunction(fn)
}

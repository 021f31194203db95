package isoconn

import (
	"bytes"
	"context"
	"io"

	"github.com/coldforge/isoconn/internal/callback"
	"github.com/coldforge/isoconn/internal/marshal"
	"github.com/coldforge/isoconn/internal/stream"
	"github.com/coldforge/isoconn/internal/wire"
)

// Fetch dispatches host-originated fetch() calls through the daemon
// connection, inlining small bodies and streaming large ones (§4.4/§4.7).
type Fetch struct {
	h *RuntimeHandle
}

func newFetch(h *RuntimeHandle) *Fetch { return &Fetch{h: h} }

// FetchHandlerRequest is the inbound request a FetchStreamingHandler is
// asked to serve: a fetch() call the isolate routed to the host instead of
// letting the daemon resolve it itself.
type FetchHandlerRequest struct {
	Method  string
	URL     string
	Headers Headers
	Body    io.Reader
}

// FetchStreamingHandler answers a routed fetch() call by streaming its
// response body straight back to the daemon (§4.3's streaming fetch-callback
// case) rather than buffering the whole response in memory first. Body, if
// non-nil, is read to completion and then closed by the caller if it
// implements io.Closer.
type FetchStreamingHandler func(ctx context.Context, req FetchHandlerRequest) (status int, statusText string, headers Headers, body io.Reader, err error)

// RegisterFetchStreamingHandler wires fn as the daemon's fetch-streaming
// callback: the connection appends the invocation's request id to the
// argument vector (per §4.3's needs-request-id flag) so the handler's body can be pumped
// back correlated to that request, and no callback-response follows a
// successful call — only the stream frames themselves close out the
// exchange.
func (f *Fetch) RegisterFetchStreamingHandler(fn FetchStreamingHandler) uint64 {
	c := f.h.conn
	return c.registerCallback(callback.KindFetchStreaming, true, func(ctx context.Context, args []any) (any, error) {
		req, requestID, err := parseFetchHandlerInvocation(args)
		if err != nil {
			return nil, err
		}
		status, statusText, headers, body, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if body == nil {
			body = bytes.NewReader(nil)
		}
		if closer, ok := body.(io.Closer); ok {
			defer closer.Close()
		}
		return nil, c.streamCallbackResponse(requestID, status, statusText, [][2]string(headers), body, c.opts.StreamChunkSize)
	})
}

// parseFetchHandlerInvocation recovers the marshalled request object and the
// request id appended by handleCallbackInvoke from a fetch-streaming
// callback's argument vector.
func parseFetchHandlerInvocation(args []any) (FetchHandlerRequest, uint64, error) {
	var req FetchHandlerRequest
	if len(args) == 0 {
		return req, 0, errUnexpectedResponseShape
	}
	mreq, ok := args[0].(marshal.Request)
	if !ok {
		return req, 0, errUnexpectedResponseShape
	}
	req.Method = mreq.Method
	req.URL = mreq.URL
	req.Headers = Headers(mreq.Headers)
	if bb, ok := mreq.Body.(marshal.ByteBuffer); ok {
		req.Body = bytes.NewReader(bb)
	}

	requestID, ok := firstUint(args[1:])
	if !ok {
		return req, 0, errUnexpectedResponseShape
	}
	return req, requestID, nil
}

// FetchRequest is the public request shape; Body may be nil.
type FetchRequest struct {
	Method  string
	URL     string
	Headers Headers
	Body    io.Reader
}

// FetchResponse is the public response shape. Body is always non-nil and
// safe to read to completion; it is either an in-memory reader (inline
// bodies) or the live *stream.Receiver itself (streamed bodies).
type FetchResponse struct {
	Status     int
	StatusText string
	Headers    Headers
	Body       io.Reader
}

// Headers mirrors marshal.Headers at the public surface so callers don't
// need to import internal packages.
type Headers = marshal.Headers

// Dispatch sends req to the daemon and returns the daemon's response, or an
// error if dispatch itself failed (transport/timeout/remote error — a
// non-2xx HTTP status is still a successful dispatch and is reported via
// FetchResponse.Status).
func (f *Fetch) Dispatch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	c := f.h.conn
	threshold := c.opts.StreamThreshold

	var bodyField any
	var streamID uint64
	var pump func()

	if req.Body != nil {
		head := make([]byte, threshold+1)
		n, rerr := io.ReadFull(req.Body, head)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return nil, rerr
		}
		if n <= threshold {
			bodyField = marshal.ByteBuffer(append([]byte(nil), head[:n]...))
		} else {
			streamID = c.ids.NextStream()
			session := stream.NewSession(streamID)
			c.registerUpload(session)
			bodyField = marshal.BodyStreamRef{StreamID: streamID}
			full := io.MultiReader(bytes.NewReader(head[:n]), req.Body)
			pump = func() {
				defer c.unregisterUpload(streamID)
				_ = stream.Pump(ctx, session, full, c.opts.StreamChunkSize,
					func(chunk []byte) error {
						return c.writeFrame(wire.Message{Type: wire.TypeStreamPush, StreamID: streamID, Payload: chunk})
					},
					func() { _ = c.writeFrame(wire.Message{Type: wire.TypeStreamClose, StreamID: streamID}) },
					func(err error) {
						_ = c.writeFrame(wire.Message{Type: wire.TypeStreamError, StreamID: streamID,
							Err: &wire.ErrorPayload{Name: "UploadError", Message: err.Error()}})
					})
			}
		}
	}

	mreq := marshal.Request{Method: req.Method, URL: req.URL, Headers: marshal.Headers(req.Headers), Body: bodyField}
	payload, err := marshal.Encode(mreq)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	if pump != nil {
		go pump()
	}

	v, err := c.sendRequest(ctx, c.opts.DefaultRequestTimeout, func(id uint64) wire.Message {
		return wire.Message{Type: wire.TypeDispatchRequest, RequestID: id, RuntimeID: f.h.id, StreamID: streamID, Payload: payload}
	})
	if err != nil {
		return nil, err
	}

	switch tv := v.(type) {
	case *stream.Receiver:
		return &FetchResponse{
			Status:     tv.Meta.Status,
			StatusText: tv.Meta.StatusText,
			Headers:    marshal.Headers(tv.Meta.Headers),
			Body:       tv,
		}, nil
	case []byte:
		dv, derr := marshal.Decode(tv)
		if derr != nil {
			return nil, &ProtocolError{Err: derr}
		}
		resp, ok := dv.(marshal.Response)
		if !ok {
			return nil, &ProtocolError{Err: errUnexpectedResponseShape}
		}
		var body io.Reader = bytes.NewReader(nil)
		if bb, ok := resp.Body.(marshal.ByteBuffer); ok {
			body = bytes.NewReader(bb)
		}
		return &FetchResponse{Status: resp.Status, StatusText: resp.StatusText, Headers: resp.Headers, Body: body}, nil
	default:
		return nil, &ProtocolError{Err: errUnexpectedResponseShape}
	}
}

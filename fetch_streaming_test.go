package isoconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coldforge/isoconn/internal/marshal"
	"github.com/coldforge/isoconn/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestFetchStreamingHandlerPumpsBodyWithoutCallbackResponse(t *testing.T) {
	c, daemon := testConn(t)
	h := &RuntimeHandle{conn: c, id: 1}
	h.fetch = newFetch(h)

	callbackID := h.Fetch().RegisterFetchStreamingHandler(func(_ context.Context, req FetchHandlerRequest) (int, string, Headers, io.Reader, error) {
		require.Equal(t, "GET", req.Method)
		require.Equal(t, "https://example.invalid/", req.URL)
		return 200, "OK", Headers{{"content-type", "text/plain"}}, bytes.NewReader([]byte("hello world")), nil
	})

	reqPayload, err := marshal.Encode(marshal.Request{Method: "GET", URL: "https://example.invalid/"})
	require.NoError(t, err)

	const invokeRequestID = 42
	daemon.send(wire.Message{
		Type:       wire.TypeCallbackInvoke,
		RequestID:  invokeRequestID,
		CallbackID: callbackID,
		Args:       [][]byte{reqPayload},
	})

	start := daemon.recv()
	require.Equal(t, wire.TypeCallbackStreamStart, start.Type)
	require.Equal(t, uint64(invokeRequestID), start.RequestID)
	require.Equal(t, 200, start.Status)
	require.Equal(t, "OK", start.StatusText)
	streamID := start.StreamID

	var got []byte
	for {
		m := daemon.recv()
		if m.Type == wire.TypeCallbackStreamEnd {
			require.Equal(t, streamID, m.StreamID)
			break
		}
		require.Equal(t, wire.TypeCallbackStreamChunk, m.Type)
		require.Equal(t, streamID, m.StreamID)
		got = append(got, m.Payload...)
	}
	require.Equal(t, "hello world", string(got))
}

func TestFetchStreamingHandlerErrorBeforeStreamStartSendsCallbackError(t *testing.T) {
	c, daemon := testConn(t)
	h := &RuntimeHandle{conn: c, id: 1}
	h.fetch = newFetch(h)

	wantErr := errors.New("upstream unavailable")
	callbackID := h.Fetch().RegisterFetchStreamingHandler(func(context.Context, FetchHandlerRequest) (int, string, Headers, io.Reader, error) {
		return 0, "", nil, nil, wantErr
	})

	reqPayload, err := marshal.Encode(marshal.Request{Method: "GET", URL: "https://example.invalid/"})
	require.NoError(t, err)

	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 7, CallbackID: callbackID, Args: [][]byte{reqPayload}})

	resp := daemon.recv()
	require.Equal(t, wire.TypeCallbackResponse, resp.Type)
	require.NotNil(t, resp.Err)
}

func TestCallbackStreamCancelInvokesRegisteredCancelFunc(t *testing.T) {
	c, _ := testConn(t)

	cancelled := make(chan struct{})
	c.stateMu.Lock()
	c.callbackStreams[99] = func() { close(cancelled) }
	c.stateMu.Unlock()

	c.dispatch(wire.Message{Type: wire.TypeCallbackStreamCancel, StreamID: 99})

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("callback-stream-cancel was not dispatched to the registered cancel func")
	}

	c.stateMu.Lock()
	_, stillPresent := c.callbackStreams[99]
	c.stateMu.Unlock()
	require.False(t, stillPresent, "cancelled stream entry should be evicted")
}

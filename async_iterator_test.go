package isoconn

import (
	"context"
	"testing"

	"github.com/coldforge/isoconn/internal/marshal"
	"github.com/coldforge/isoconn/internal/wire"
	"github.com/stretchr/testify/require"
)

// rangeIterator yields 0..n-1, marking the final value done so the registry
// evicts it without a trailing empty call, matching the generator protocol
// internal/callback.Registry.RegisterIterator already expects.
type rangeIterator struct {
	n, i int
}

func (r *rangeIterator) Next(context.Context) (any, bool, error) {
	v := int64(r.i)
	r.i++
	return v, r.i >= r.n, nil
}

func (r *rangeIterator) Return(context.Context) error { return nil }

func TestAsyncIteratorFunctionYieldsValues(t *testing.T) {
	c, daemon := testConn(t)
	h := &RuntimeHandle{conn: c, id: 1}

	startID, nextID, _, _ := h.RegisterAsyncIteratorFunction(func(context.Context, []any) (marshal.AsyncIterator, error) {
		return &rangeIterator{n: 3}, nil
	})

	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 1, CallbackID: startID})
	startResp := daemon.recv()
	require.Equal(t, wire.TypeCallbackResponse, startResp.Type)
	require.Nil(t, startResp.Err)

	decoded, err := marshal.Decode(startResp.Payload)
	require.NoError(t, err)
	startMap, ok := decoded.(map[string]any)
	require.True(t, ok)
	iterID := uint64(startMap["iteratorId"].(int64))

	var got []int64
	for i := 0; i < 3; i++ {
		daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: uint64(2 + i), CallbackID: nextID, IteratorID: iterID})
		resp := daemon.recv()
		require.Equal(t, wire.TypeCallbackResponse, resp.Type)
		require.Nil(t, resp.Err)

		dv, err := marshal.Decode(resp.Payload)
		require.NoError(t, err)
		m, ok := dv.(map[string]any)
		require.True(t, ok)
		got = append(got, m["value"].(int64))
	}
	require.Equal(t, []int64{0, 1, 2}, got)

	// The final value was marked done, so the iterator was evicted; a
	// further next() on the same id fails rather than hanging or yielding
	// stale data.
	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 10, CallbackID: nextID, IteratorID: iterID})
	afterResp := daemon.recv()
	require.Equal(t, wire.TypeCallbackResponse, afterResp.Type)
	require.NotNil(t, afterResp.Err)
}

func TestAsyncIteratorFunctionReturnEvictsEarly(t *testing.T) {
	c, daemon := testConn(t)
	h := &RuntimeHandle{conn: c, id: 1}

	returned := make(chan struct{}, 1)
	startID, nextID, returnID, _ := h.RegisterAsyncIteratorFunction(func(context.Context, []any) (marshal.AsyncIterator, error) {
		return &signalingIterator{rangeIterator: rangeIterator{n: 100}, onReturn: func() { returned <- struct{}{} }}, nil
	})

	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 1, CallbackID: startID})
	startResp := daemon.recv()
	decoded, err := marshal.Decode(startResp.Payload)
	require.NoError(t, err)
	iterID := uint64(decoded.(map[string]any)["iteratorId"].(int64))

	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 2, CallbackID: nextID, IteratorID: iterID})
	nextResp := daemon.recv()
	require.Nil(t, nextResp.Err)

	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 3, CallbackID: returnID, IteratorID: iterID})
	retResp := daemon.recv()
	require.Equal(t, wire.TypeCallbackResponse, retResp.Type)
	require.Nil(t, retResp.Err)

	select {
	case <-returned:
	default:
		t.Fatal("Return was not called on the live iterator")
	}

	// return() evicted the iterator, so a later next() on the same id fails.
	daemon.send(wire.Message{Type: wire.TypeCallbackInvoke, RequestID: 4, CallbackID: nextID, IteratorID: iterID})
	afterResp := daemon.recv()
	require.Equal(t, wire.TypeCallbackResponse, afterResp.Type)
	require.NotNil(t, afterResp.Err)
}

type signalingIterator struct {
	rangeIterator
	onReturn func()
}

func (s *signalingIterator) Return(ctx context.Context) error {
	s.onReturn()
	return s.rangeIterator.Return(ctx)
}

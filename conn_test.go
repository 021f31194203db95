package isoconn

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coldforge/isoconn/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeDaemon reads decoded frames off one end of a net.Pipe and lets the test
// script scripted responses, standing in for the real daemon process the way
// the teacher's in-memory libp2p hosts stand in for real network peers.
type fakeDaemon struct {
	conn    net.Conn
	decoder *wire.Decoder
	t       *testing.T
}

func newFakeDaemon(t *testing.T, conn net.Conn) *fakeDaemon {
	return &fakeDaemon{conn: conn, decoder: wire.NewDecoder(), t: t}
}

func (f *fakeDaemon) recv() wire.Message {
	f.t.Helper()
	buf := make([]byte, 4096)
	for {
		n, err := f.conn.Read(buf)
		require.NoError(f.t, err)
		msgs, err := f.decoder.Feed(buf[:n])
		require.NoError(f.t, err)
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
}

func (f *fakeDaemon) send(m wire.Message) {
	f.t.Helper()
	frame, err := wire.Encode(m)
	require.NoError(f.t, err)
	_, err = f.conn.Write(frame)
	require.NoError(f.t, err)
}

func testConn(t *testing.T) (*Conn, *fakeDaemon) {
	client, server := net.Pipe()
	opts := DefaultDialOptions()
	opts.ConnectTimeout = time.Second
	c := newConn(client, opts)
	c.start()
	t.Cleanup(func() { _ = c.Close() })
	return c, newFakeDaemon(t, server)
}

func TestCreateRuntimeRoundTrip(t *testing.T) {
	c, daemon := testConn(t)

	done := make(chan *RuntimeHandle, 1)
	errCh := make(chan error, 1)
	go func() {
		h, err := c.CreateRuntime(context.Background(), RuntimeOptions{Namespace: "test"})
		if err != nil {
			errCh <- err
			return
		}
		done <- h
	}()

	req := daemon.recv()
	require.Equal(t, wire.TypeCreateRuntime, req.Type)
	daemon.send(wire.Message{Type: wire.TypeCreateRuntimeResult, RequestID: req.RequestID, RuntimeID: 7, Reused: false})

	select {
	case h := <-done:
		require.Equal(t, uint64(7), h.ID())
		require.False(t, h.Reused())
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CreateRuntime")
	}
}

func TestEvalPropagatesRemoteError(t *testing.T) {
	c, daemon := testConn(t)

	errCh := make(chan error, 1)
	go func() {
		h := &RuntimeHandle{conn: c, id: 1}
		errCh <- h.Eval(context.Background(), "throw new Error('boom')", EvalOptions{})
	}()

	req := daemon.recv()
	require.Equal(t, wire.TypeEval, req.Type)
	daemon.send(wire.Message{Type: wire.TypeResponseError, RequestID: req.RequestID,
		Err: &wire.ErrorPayload{Name: "Error", Message: "boom"}})

	err := <-errCh
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "boom", remote.Message)
}

func TestCloseRejectsOutstandingRequests(t *testing.T) {
	c, daemon := testConn(t)
	// Drain the daemon side so the client's write completes and the request
	// genuinely parks in the pending registry instead of blocking in Write.
	go func() { _, _ = io.Copy(io.Discard, daemon.conn) }()

	errCh := make(chan error, 1)
	go func() {
		h := &RuntimeHandle{conn: c, id: 1}
		errCh <- h.Eval(context.Background(), "1+1", EvalOptions{})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	err := <-errCh
	require.True(t, IsConnectionClosed(err))
	require.False(t, c.IsConnected())
}

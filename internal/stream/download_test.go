package stream

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiverBuffersAndReads(t *testing.T) {
	var pulled []uint64
	recv := NewReceiver(1, 1, Meta{Status: 200}, 1024, func(c uint64) { pulled = append(pulled, c) }, nil)
	require.Equal(t, []uint64{1024}, pulled)

	recv.PushChunk([]byte("hello "))
	recv.PushChunk([]byte("world"))
	recv.End()

	got, err := io.ReadAll(recv)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	active, closed, errored := recv.State()
	require.False(t, active)
	require.True(t, closed)
	require.False(t, errored)
}

func TestReceiverSurfacesErrorOnlyAfterDraining(t *testing.T) {
	recv := NewReceiver(1, 1, Meta{}, 1024, func(uint64) {}, nil)
	recv.PushChunk([]byte("x"))
	failure := errors.New("boom")
	recv.Fail(failure)

	buf := make([]byte, 1)
	n, err := recv.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = recv.Read(buf)
	require.ErrorIs(t, err, failure)
}

func TestReceiverCancelEmitsReasonOnce(t *testing.T) {
	var reasons []string
	recv := NewReceiver(1, 1, Meta{}, 1024, func(uint64) {}, func(reason string) { reasons = append(reasons, reason) })

	<-recv.Cancel()
	<-recv.Cancel()
	require.Equal(t, []string{"cancelled by consumer"}, reasons)
}

func TestReceiverDiscardsLateChunksAfterFinalize(t *testing.T) {
	recv := NewReceiver(1, 1, Meta{}, 1024, func(uint64) {}, nil)
	recv.End()
	recv.PushChunk([]byte("too late"))

	got, err := io.ReadAll(recv)
	require.NoError(t, err)
	require.Empty(t, got)
}

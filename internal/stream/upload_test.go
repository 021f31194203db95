package stream

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStartsWithZeroCredit(t *testing.T) {
	s := NewSession(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.AwaitCredit(ctx, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionUnblocksOnCredit(t *testing.T) {
	s := NewSession(1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.AddCredit(10)
	}()
	require.NoError(t, s.AwaitCredit(context.Background(), 10))
	s.Consume(10)
	require.Equal(t, uint64(10), s.BytesSent())
}

func TestPumpChunksAgainstCredit(t *testing.T) {
	s := NewSession(1)
	s.AddCredit(1000)

	var pushed [][]byte
	var closed bool
	src := bytes.NewReader([]byte("abcdefghij"))

	err := Pump(context.Background(), s, src, 4,
		func(chunk []byte) error { pushed = append(pushed, append([]byte(nil), chunk...)); return nil },
		func() { closed = true },
		func(error) {})

	require.NoError(t, err)
	require.True(t, closed)
	require.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}, pushed)
	require.Equal(t, uint64(10), s.BytesSent())
}

func TestSessionCloseUnblocksWaiter(t *testing.T) {
	s := NewSession(1)
	done := make(chan error, 1)
	go func() { done <- s.AwaitCredit(context.Background(), 10) }()
	time.Sleep(5 * time.Millisecond)
	s.Close()
	require.ErrorIs(t, <-done, ErrSessionClosed)
}

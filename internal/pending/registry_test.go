package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveDeliversPayload(t *testing.T) {
	r := New()
	h := r.Register(1, 0)
	require.True(t, r.Resolve(1, []byte("ok")))

	v, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), v)
	require.Equal(t, 0, r.Len())
}

func TestRejectDeliversError(t *testing.T) {
	r := New()
	h := r.Register(1, 0)
	require.True(t, r.Reject(1, &RemoteError{Name: "Error", Message: "bad"}))

	_, err := h.Wait()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "bad", remote.Message)
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	r := New()
	require.False(t, r.Resolve(99, nil))
}

func TestDoubleResolveOnlyFiresOnce(t *testing.T) {
	r := New()
	r.Register(1, 0)
	require.True(t, r.Resolve(1, 1))
	require.False(t, r.Resolve(1, 2))
}

func TestExpiredIDsAndSweep(t *testing.T) {
	r := New()
	h := r.Register(1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	expired := r.ExpiredIDs(time.Now())
	require.Equal(t, []uint64{1}, expired)

	r.Reject(1, ErrTimeout)
	_, err := h.Wait()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDrainAllRejectsEveryEntry(t *testing.T) {
	r := New()
	h1 := r.Register(1, 0)
	h2 := r.Register(2, 0)
	r.DrainAll()

	_, err1 := h1.Wait()
	_, err2 := h2.Wait()
	require.ErrorIs(t, err1, ErrConnectionClosed)
	require.ErrorIs(t, err2, ErrConnectionClosed)
	require.Equal(t, 0, r.Len())
}

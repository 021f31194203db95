package wspush

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPushDeliversToMatchingRuntime(t *testing.T) {
	r := New()
	var got []Command
	r.Subscribe(1, func(c Command) { got = append(got, c) })
	r.Subscribe(2, func(c Command) { t.Fatal("should not be delivered to runtime 2") })

	r.Push(1, Command{Type: "message", Data: []byte("hi")})
	require.Len(t, got, 1)
	require.Equal(t, "message", got[0].Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New()
	delivered := false
	sub := r.Subscribe(1, func(Command) { delivered = true })
	r.Unsubscribe(sub)
	r.Push(1, Command{Type: "message"})
	require.False(t, delivered)
}

func TestDisposeRuntimeDropsAllSubscribers(t *testing.T) {
	r := New()
	delivered := false
	r.Subscribe(1, func(Command) { delivered = true })
	r.Subscribe(1, func(Command) { delivered = true })
	r.DisposeRuntime(1)
	r.Push(1, Command{Type: "message"})
	require.False(t, delivered)
}

func TestNormalizeCloseCode(t *testing.T) {
	require.Equal(t, websocket.CloseNormalClosure, NormalizeCloseCode(0, false))
	require.Equal(t, websocket.CloseGoingAway, NormalizeCloseCode(websocket.CloseGoingAway, true))
	require.Equal(t, websocket.CloseNormalClosure, NormalizeCloseCode(9999, true))
}

package marshal

import (
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := Encode(v)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	return got
}

func TestCodecRoundTripsPrimitives(t *testing.T) {
	require.Equal(t, nil, roundTrip(t, nil))
	require.Equal(t, true, roundTrip(t, true))
	require.Equal(t, int64(42), roundTrip(t, int64(42)))
	require.Equal(t, 3.14, roundTrip(t, 3.14))
	require.Equal(t, "hi", roundTrip(t, "hi"))
	require.Equal(t, Undefined, roundTrip(t, Undefined))
}

func TestCodecRoundTripsContainers(t *testing.T) {
	in := []any{int64(1), "two", []any{true}}
	require.Equal(t, in, roundTrip(t, in))

	m := map[string]any{"a": int64(1), "b": "two"}
	require.Equal(t, m, roundTrip(t, m))
}

func TestCodecRoundTripsDomainKinds(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	require.Equal(t, Date{Time: now}, roundTrip(t, Date{Time: now}))

	u, _ := url.Parse("https://example.com/x?y=1")
	got := roundTrip(t, URL{URL: u}).(URL)
	require.Equal(t, u.String(), got.String())

	big7 := BigInt{Int: big.NewInt(123456789)}
	gotBig := roundTrip(t, big7).(BigInt)
	require.Equal(t, "123456789", gotBig.String())

	h := Headers{{"content-type", "text/plain"}}
	require.Equal(t, h, roundTrip(t, h))

	f := File{Name: "a.txt", ContentType: "text/plain", Data: ByteBuffer("hi"), LastModMS: 5}
	require.Equal(t, f, roundTrip(t, f))
}

func TestCodecRoundTripsReferences(t *testing.T) {
	require.Equal(t, FunctionRef{CallbackID: 9}, roundTrip(t, FunctionRef{CallbackID: 9}))
	require.Equal(t, PromiseRef{PromiseID: 1, ResolveCallbackID: 2}, roundTrip(t, PromiseRef{PromiseID: 1, ResolveCallbackID: 2}))
	require.Equal(t, AsyncIteratorRef{IteratorID: 1, NextCallbackID: 2, ReturnCallbackID: 3},
		roundTrip(t, AsyncIteratorRef{IteratorID: 1, NextCallbackID: 2, ReturnCallbackID: 3}))
}

func TestHeadersGetIsCaseInsensitive(t *testing.T) {
	h := Headers{{"Content-Type", "text/plain"}}
	v, ok := h.Get("content-type")
	require.True(t, ok)
	require.Equal(t, "text/plain", v)

	_, ok = h.Get("missing")
	require.False(t, ok)
}

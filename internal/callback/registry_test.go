package callback

import (
	"context"
	"testing"

	"github.com/coldforge/isoconn/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndInvoke(t *testing.T) {
	r := New(&wire.IDAllocator{})
	id := r.Register(KindSync, false, func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	})

	v, err := r.Invoke(context.Background(), id, []any{"hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestInvokeUnknownIDErrors(t *testing.T) {
	r := New(&wire.IDAllocator{})
	_, err := r.Invoke(context.Background(), 99, nil)
	require.Error(t, err)
}

func TestRegisterPromiseResolvesAndEvicts(t *testing.T) {
	r := New(&wire.IDAllocator{})
	resolved := make(chan struct{})
	promiseID, resolveID := r.RegisterPromise(fakePromise{value: "resolved", done: resolved})

	v, err := r.Invoke(context.Background(), resolveID, nil)
	require.NoError(t, err)
	require.Equal(t, "resolved", v)

	_, err = r.Invoke(context.Background(), resolveID, nil)
	require.Error(t, err, "resolving twice should fail: the promise entry is evicted after first resolution")
	_ = promiseID
}

func TestRegisterIteratorAdvancesAndEvictsOnDone(t *testing.T) {
	r := New(&wire.IDAllocator{})
	it := &fakeIterator{values: []any{"a", "b"}}
	_, nextID, _ := r.RegisterIterator(it)

	v1, err := r.Invoke(context.Background(), nextID, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"done": false, "value": "a"}, v1)

	v2, err := r.Invoke(context.Background(), nextID, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"done": false, "value": "b"}, v2)

	v3, err := r.Invoke(context.Background(), nextID, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"done": true, "value": nil}, v3)

	_, err = r.Invoke(context.Background(), nextID, nil)
	require.Error(t, err, "the iterator is evicted once next reports done")
}

type fakePromise struct {
	value any
	done  chan struct{}
}

func (p fakePromise) Await(context.Context) (any, error) { return p.value, nil }

type fakeIterator struct {
	values []any
	i      int
}

func (it *fakeIterator) Next(context.Context) (any, bool, error) {
	if it.i >= len(it.values) {
		return nil, true, nil
	}
	v := it.values[it.i]
	it.i++
	return v, false, nil
}

func (it *fakeIterator) Return(context.Context) error { return nil }

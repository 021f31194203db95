package marshal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	fnCalls      int
	promiseCalls int
	iterCalls    int
}

func (f *fakeRegistrar) RegisterFunction(Function) uint64 {
	f.fnCalls++
	return uint64(f.fnCalls)
}

func (f *fakeRegistrar) RegisterPromise(Promise) (uint64, uint64) {
	f.promiseCalls++
	return uint64(f.promiseCalls), 100 + uint64(f.promiseCalls)
}

func (f *fakeRegistrar) RegisterIterator(AsyncIterator) (uint64, uint64, uint64) {
	f.iterCalls++
	return uint64(f.iterCalls), 200 + uint64(f.iterCalls), 300 + uint64(f.iterCalls)
}

type fakePromise struct{ val any }

func (p fakePromise) Await(context.Context) (any, error) { return p.val, nil }

func TestValuePassesThroughPlainValues(t *testing.T) {
	reg := &fakeRegistrar{}
	got, err := Value(reg, "plain")
	require.NoError(t, err)
	require.Equal(t, "plain", got)
}

func TestValueReplacesFunctionWithRef(t *testing.T) {
	reg := &fakeRegistrar{}
	var fn Function = func(args []any) (any, error) { return nil, nil }
	got, err := Value(reg, fn)
	require.NoError(t, err)
	require.Equal(t, FunctionRef{CallbackID: 1}, got)
}

func TestValueReplacesPromiseWithRef(t *testing.T) {
	reg := &fakeRegistrar{}
	got, err := Value(reg, fakePromise{val: 1})
	require.NoError(t, err)
	require.Equal(t, PromiseRef{PromiseID: 1, ResolveCallbackID: 101}, got)
}

func TestValueWalksNestedContainers(t *testing.T) {
	reg := &fakeRegistrar{}
	var fn Function = func(args []any) (any, error) { return nil, nil }
	in := map[string]any{"list": []any{fn, "x"}}

	got, err := Value(reg, in)
	require.NoError(t, err)

	out := got.(map[string]any)
	list := out["list"].([]any)
	require.Equal(t, FunctionRef{CallbackID: 1}, list[0])
	require.Equal(t, "x", list[1])
}

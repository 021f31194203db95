package isoconn

import (
	"context"

	"github.com/coldforge/isoconn/internal/callback"
	"github.com/coldforge/isoconn/internal/marshal"
)

// CustomFunction is a host function exposed to isolate code by name at
// module-loader/eval time, invoked synchronously (blocking the isolate until
// it returns).
type CustomFunction func(ctx context.Context, args []any) (any, error)

// AsyncCustomFunction is the async-result counterpart of CustomFunction.
type AsyncCustomFunction func(ctx context.Context, args []any) (any, error)

// RegisterCustomFunction wires fn as a synchronous host-exposed function and
// returns its callback id, to be embedded wherever the caller's eval source
// or module graph references it.
func (h *RuntimeHandle) RegisterCustomFunction(fn CustomFunction) uint64 {
	return h.conn.registerCallback(callback.KindSync, false, callback.HostFunc(fn))
}

// RegisterAsyncCustomFunction wires fn as an async host-exposed function.
func (h *RuntimeHandle) RegisterAsyncCustomFunction(fn AsyncCustomFunction) uint64 {
	return h.conn.registerCallback(callback.KindAsync, false, callback.HostFunc(fn))
}

// ModuleLoader resolves an ES module specifier to source text.
type ModuleLoader func(ctx context.Context, specifier string) (source string, err error)

// RegisterModuleLoader wires fn as the runtime's module resolution hook.
func (h *RuntimeHandle) RegisterModuleLoader(fn ModuleLoader) uint64 {
	return h.conn.registerCallback(callback.KindAsync, false, func(ctx context.Context, args []any) (any, error) {
		var specifier string
		if len(args) > 0 {
			specifier, _ = args[0].(string)
		}
		return fn(ctx, specifier)
	})
}

// FSReader reads a host filesystem path requested from inside the isolate.
type FSReader func(ctx context.Context, path string) ([]byte, error)

// RegisterFSReader wires fn as the runtime's filesystem read hook.
func (h *RuntimeHandle) RegisterFSReader(fn FSReader) uint64 {
	return h.conn.registerCallback(callback.KindAsync, false, func(ctx context.Context, args []any) (any, error) {
		var path string
		if len(args) > 0 {
			path, _ = args[0].(string)
		}
		data, err := fn(ctx, path)
		if err != nil {
			return nil, err
		}
		return marshal.ByteBuffer(data), nil
	})
}

// AsyncIteratorFunction is a host-exposed custom async generator: calling it
// starts a fresh iterator, which the isolate then drives with next()/
// return()/throw() the same way it drives any other async iterator (§4.3,
// §8 scenario 5 — e.g. a function that yields 0..N-1).
type AsyncIteratorFunction func(ctx context.Context, args []any) (marshal.AsyncIterator, error)

// RegisterAsyncIteratorFunction wires fn as a host-exposed async generator
// and returns the four callback ids (start/next/return/throw) the daemon
// needs to drive one call's lifecycle.
func (h *RuntimeHandle) RegisterAsyncIteratorFunction(fn AsyncIteratorFunction) (startID, nextID, returnID, throwID uint64) {
	return h.conn.registerAsyncIteratorFunction(fn)
}

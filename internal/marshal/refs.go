// Package marshal implements the recursive marshalling bridge that maps rich
// host values into protocol-neutral references (§4.6) and round-trippable
// value kinds (§8), registering correlated callback ids for deferred
// resolution of any live reference it creates.
package marshal

import (
	"context"
)

// FunctionRef is the wire placeholder for a function returned from a callback;
// invoking it on the daemon side dispatches a callback-invoke for CallbackID.
type FunctionRef struct {
	CallbackID uint64
}

// PromiseRef is the wire placeholder for a promise returned from a callback.
// The daemon resolves it by invoking ResolveCallbackID, which awaits the
// stored promise and marshals its resolution value.
type PromiseRef struct {
	PromiseID         uint64
	ResolveCallbackID uint64
}

// AsyncIteratorRef is the wire placeholder for an async iterator returned from
// a callback. NextCallbackID advances it; ReturnCallbackID terminates it early.
type AsyncIteratorRef struct {
	IteratorID        uint64
	NextCallbackID    uint64
	ReturnCallbackID  uint64
}

// Function is a host function exposed back across the boundary. Args and the
// return value are already-marshalled-or-raw Go values; the bridge marshals
// the result with the same recursive walk used for callback results.
type Function func(args []any) (any, error)

// Promise is a deferred host value; Await blocks until it resolves or ctx is
// cancelled.
type Promise interface {
	Await(ctx context.Context) (any, error)
}

// AsyncIterator is a host-side async iterator exposed to the isolate.
type AsyncIterator interface {
	Next(ctx context.Context) (value any, done bool, err error)
	Return(ctx context.Context) error
}

// Registrar is implemented by the connection's callback registry. The bridge
// calls it once per live reference it discovers while walking a value, and
// the registry is responsible for allocating ids and wiring them to the
// kind-specific dispatch described in §4.3/§4.6.
type Registrar interface {
	RegisterFunction(fn Function) (callbackID uint64)
	RegisterPromise(p Promise) (promiseID uint64, resolveCallbackID uint64)
	RegisterIterator(it AsyncIterator) (iteratorID uint64, nextCallbackID uint64, returnCallbackID uint64)
}

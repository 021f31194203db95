// Package callback implements the callback registry: the callback id -> host
// function map, its classification into the kinds of §3/§4.3, argument and
// result marshalling, and the returned-value registries (promises, async
// iterators, returned functions) that the marshalling bridge populates.
package callback

import (
	"context"
	"fmt"

	"github.com/coldforge/isoconn/internal/marshal"
	"github.com/coldforge/isoconn/internal/wire"
	"golang.org/x/sync/semaphore"
)

// Kind classifies a registered callback, per §3's Callback descriptor.
type Kind int

const (
	KindSync Kind = iota
	KindAsync
	KindFetchStreaming
	KindIterStart
	KindIterNext
	KindIterReturn
	KindIterThrow
	KindPromiseResolver
	KindIteratorNext
	KindIteratorReturn
	KindFunctionInvoker
)

// HostFunc is a host-supplied callback body. ctx is cancelled on connection
// teardown; args are the already-unmarshalled argument vector.
type HostFunc func(ctx context.Context, args []any) (any, error)

// DefaultMaxConcurrentCallbacks bounds in-flight host callback invocations per
// connection (domain-stack wiring: golang.org/x/sync/semaphore).
const DefaultMaxConcurrentCallbacks = 64

type entry struct {
	kind           Kind
	needsRequestID bool
	needsIterID    bool
	fn             HostFunc
}

// Registry owns every callback id -> entry mapping plus the returned-value
// registries. Like pending.Registry it is owned by the single connection
// actor and must not be touched concurrently from outside it.
type Registry struct {
	ids *wire.IDAllocator
	sem *semaphore.Weighted

	entries   map[uint64]*entry
	promises  map[uint64]marshal.Promise
	iterators map[uint64]marshal.AsyncIterator
}

// New returns an empty registry bounding concurrent callback invocations to
// DefaultMaxConcurrentCallbacks.
func New(ids *wire.IDAllocator) *Registry {
	return &Registry{
		ids:       ids,
		sem:       semaphore.NewWeighted(DefaultMaxConcurrentCallbacks),
		entries:   make(map[uint64]*entry),
		promises:  make(map[uint64]marshal.Promise),
		iterators: make(map[uint64]marshal.AsyncIterator),
	}
}

// Register allocates a fresh callback id for a host-supplied function and
// files it under kind. needsRequestID flags the fetch-with-streaming case
// (§4.3): the inbound request id is appended to the argument vector.
func (r *Registry) Register(kind Kind, needsRequestID bool, fn HostFunc) uint64 {
	id := r.ids.NextCallback()
	r.entries[id] = &entry{kind: kind, needsRequestID: needsRequestID, fn: fn}
	return id
}

// RegisterIteratorGroup registers the four ids (:start/:next/:return/:throw)
// of a host-exposed async-generator custom function (§4.3).
func (r *Registry) RegisterIteratorGroup(start, next, ret, thr HostFunc) (startID, nextID, returnID, throwID uint64) {
	startID = r.Register(KindIterStart, false, start)
	nextID = r.Register(KindIterNext, false, next)
	r.entries[nextID].needsIterID = true
	returnID = r.Register(KindIterReturn, false, ret)
	r.entries[returnID].needsIterID = true
	throwID = r.Register(KindIterThrow, false, thr)
	r.entries[throwID].needsIterID = true
	return
}

// ---- marshal.Registrar ----

// RegisterFunction implements marshal.Registrar: a function returned from a
// callback's result becomes a new callback id whose invocation just calls fn.
func (r *Registry) RegisterFunction(fn marshal.Function) uint64 {
	return r.Register(KindFunctionInvoker, false, func(_ context.Context, args []any) (any, error) {
		return fn(args)
	})
}

// RegisterPromise implements marshal.Registrar: stores p under a fresh
// promise id and registers a resolve callback that awaits it, marshals the
// resolution recursively, and evicts the promise entry (§4.6).
func (r *Registry) RegisterPromise(p marshal.Promise) (promiseID, resolveCallbackID uint64) {
	promiseID = r.ids.NextPromise()
	r.promises[promiseID] = p
	resolveCallbackID = r.Register(KindPromiseResolver, false, func(ctx context.Context, _ []any) (any, error) {
		stored, ok := r.promises[promiseID]
		if !ok {
			return nil, fmt.Errorf("callback: unknown promise %d", promiseID)
		}
		delete(r.promises, promiseID)
		val, err := stored.Await(ctx)
		if err != nil {
			return nil, err
		}
		return marshal.Value(r, val)
	})
	return
}

// RegisterIterator implements marshal.Registrar: stores it under a fresh
// iterator id and registers next/return callbacks that advance it, marshal
// the yielded value, and evict on done/return (§4.6).
func (r *Registry) RegisterIterator(it marshal.AsyncIterator) (iteratorID, nextCallbackID, returnCallbackID uint64) {
	iteratorID = r.ids.NextIterator()
	r.iterators[iteratorID] = it
	nextCallbackID = r.Register(KindIteratorNext, false, func(ctx context.Context, _ []any) (any, error) {
		stored, ok := r.iterators[iteratorID]
		if !ok {
			return nil, fmt.Errorf("callback: unknown iterator %d", iteratorID)
		}
		value, done, err := stored.Next(ctx)
		if err != nil {
			delete(r.iterators, iteratorID)
			return nil, err
		}
		mv, err := marshal.Value(r, value)
		if err != nil {
			return nil, err
		}
		if done {
			delete(r.iterators, iteratorID)
		}
		return map[string]any{"done": done, "value": mv}, nil
	})
	returnCallbackID = r.Register(KindIteratorReturn, false, func(ctx context.Context, _ []any) (any, error) {
		stored, ok := r.iterators[iteratorID]
		delete(r.iterators, iteratorID)
		if !ok {
			return map[string]any{"done": true, "value": nil}, nil
		}
		err := stored.Return(ctx)
		return map[string]any{"done": true, "value": nil}, err
	})
	return
}

// RegisterAsyncGeneratorFunction wires fn as a host-exposed custom async
// generator function: calling it starts a fresh marshal.AsyncIterator, which
// the isolate then drives with next()/return()/throw() the same way it
// drives any other async iterator (§4.3, §8 scenario 5). The four returned
// ids are what the daemon invokes to drive one call's lifecycle.
func (r *Registry) RegisterAsyncGeneratorFunction(fn func(ctx context.Context, args []any) (marshal.AsyncIterator, error)) (startID, nextID, returnID, throwID uint64) {
	start := func(ctx context.Context, args []any) (any, error) {
		it, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		id := r.StartIterator(it)
		return map[string]any{"iteratorId": int64(id)}, nil
	}
	next := func(ctx context.Context, args []any) (any, error) {
		iterID, ok := lastUint(args)
		if !ok {
			return nil, fmt.Errorf("callback: async generator next missing iterator id")
		}
		it, ok := r.LookupIterator(iterID)
		if !ok {
			return nil, fmt.Errorf("callback: unknown async iterator %d", iterID)
		}
		value, done, err := it.Next(ctx)
		if err != nil {
			r.EvictIterator(iterID)
			return nil, err
		}
		if done {
			r.EvictIterator(iterID)
		}
		mv, err := marshal.Value(r, value)
		if err != nil {
			return nil, err
		}
		return map[string]any{"done": done, "value": mv}, nil
	}
	ret := func(ctx context.Context, args []any) (any, error) {
		iterID, ok := lastUint(args)
		if !ok {
			return nil, fmt.Errorf("callback: async generator return missing iterator id")
		}
		it, ok := r.LookupIterator(iterID)
		r.EvictIterator(iterID)
		if !ok {
			return map[string]any{"done": true, "value": nil}, nil
		}
		err := it.Return(ctx)
		return map[string]any{"done": true, "value": nil}, err
	}
	thr := func(ctx context.Context, args []any) (any, error) {
		iterID, ok := lastUint(args)
		if !ok {
			return nil, fmt.Errorf("callback: async generator throw missing iterator id")
		}
		it, ok := r.LookupIterator(iterID)
		r.EvictIterator(iterID)
		if ok {
			_ = it.Return(ctx)
		}
		var thrown any
		if len(args) > 0 {
			thrown = args[0]
		}
		return nil, fmt.Errorf("callback: async iterator terminated by throw: %v", thrown)
	}
	return r.RegisterIteratorGroup(start, next, ret, thr)
}

func lastUint(args []any) (uint64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := args[len(args)-1].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	case float64:
		return uint64(v), true
	default:
		return 0, false
	}
}

// ---- custom-function async iterator group (§4.3) ----

// StartIterator files the Go iterator produced by the registered :start
// function; called from the :start callback that
// RegisterAsyncGeneratorFunction registers. It stores the iterator under a
// fresh iterator id so subsequent :next/:return/:throw calls (which carry
// that id) can find it.
func (r *Registry) StartIterator(it marshal.AsyncIterator) uint64 {
	id := r.ids.NextIterator()
	r.iterators[id] = it
	return id
}

// LookupIterator fetches a live custom-function iterator by id.
func (r *Registry) LookupIterator(id uint64) (marshal.AsyncIterator, bool) {
	it, ok := r.iterators[id]
	return it, ok
}

// EvictIterator removes an iterator regardless of kind.
func (r *Registry) EvictIterator(id uint64) { delete(r.iterators, id) }

// ---- dispatch ----

// lookup returns the entry for id, if any.
func (r *Registry) lookup(id uint64) (*entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// NeedsRequestID/NeedsIteratorID/KindOf report dispatch-shaping facts about a
// registered callback id, used by the conn actor to build the argument
// vector and to decide whether a callback-response follows.
func (r *Registry) NeedsRequestID(id uint64) bool {
	e, ok := r.lookup(id)
	return ok && e.needsRequestID
}

func (r *Registry) NeedsIteratorID(id uint64) bool {
	e, ok := r.lookup(id)
	return ok && e.needsIterID
}

func (r *Registry) KindOf(id uint64) (Kind, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// Invoke runs the registered function for id with the semaphore bound
// respected, blocking if DefaultMaxConcurrentCallbacks are already in flight.
func (r *Registry) Invoke(ctx context.Context, id uint64, args []any) (any, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("callback: unknown callback %d", id)
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return e.fn(ctx, args)
}

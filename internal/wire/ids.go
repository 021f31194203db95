package wire

import "sync/atomic"

// IDAllocator hands out monotone, never-reused identifiers for one connection's
// lifetime (I3). Each counter starts at 1 so 0 can be used as a "no id" sentinel.
//
// The spec's Connection state bullet names three counters (request, callback,
// stream); its component table names a fourth (iterator). We add a fifth,
// promise, since promise ids and iterator ids index distinct registries
// (§3 "Returned-value registries") and conflating them would only save one
// field at the cost of confusing log output.
type IDAllocator struct {
	nextRequest  atomic.Uint64
	nextCallback atomic.Uint64
	nextStream   atomic.Uint64
	nextIterator atomic.Uint64
	nextPromise  atomic.Uint64
}

func (a *IDAllocator) NextRequest() uint64  { return a.nextRequest.Add(1) }
func (a *IDAllocator) NextCallback() uint64 { return a.nextCallback.Add(1) }
func (a *IDAllocator) NextStream() uint64   { return a.nextStream.Add(1) }
func (a *IDAllocator) NextIterator() uint64 { return a.nextIterator.Add(1) }
func (a *IDAllocator) NextPromise() uint64  { return a.nextPromise.Add(1) }

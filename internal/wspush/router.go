// Package wspush routes server-push ws-command frames (outbound WebSocket
// traffic originating inside an isolate) to per-runtime subscriber sets (§4.5).
package wspush

import (
	"github.com/gorilla/websocket"
)

// Command is the decoded payload of one ws-command push frame.
type Command struct {
	Type         string // "open" | "message" | "close" | "error"
	ConnectionID uint64
	Data         []byte
	Code         int
	HasCode      bool
	Reason       string
}

// NormalizeCloseCode validates/normalizes an inbound close code against the
// standard WebSocket status codes gorilla/websocket defines, falling back to
// CloseNormalClosure for an unrecognized or absent code rather than forwarding
// a nonsense value to subscribers.
func NormalizeCloseCode(code int, has bool) int {
	if !has {
		return websocket.CloseNormalClosure
	}
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseProtocolError,
		websocket.CloseUnsupportedData, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure,
		websocket.CloseInvalidFramePayloadData, websocket.ClosePolicyViolation, websocket.CloseMessageTooBig,
		websocket.CloseMandatoryExtension, websocket.CloseInternalServerErr, websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater, websocket.CloseTLSHandshake:
		return code
	default:
		return websocket.CloseNormalClosure
	}
}

// Subscriber receives every push Command delivered to its runtime.
type Subscriber func(Command)

// Router holds, per runtime id, the set of subscriber callbacks registered
// for outbound WebSocket command fan-out.
type Router struct {
	subs map[uint64]map[int]Subscriber
	next int
}

// New returns an empty router.
func New() *Router { return &Router{subs: make(map[uint64]map[int]Subscriber)} }

// Subscription identifies one subscriber for later Unsubscribe by identity.
type Subscription struct {
	runtimeID uint64
	id        int
}

// Subscribe registers sub for runtimeID and returns a handle for Unsubscribe.
func (r *Router) Subscribe(runtimeID uint64, sub Subscriber) Subscription {
	set, ok := r.subs[runtimeID]
	if !ok {
		set = make(map[int]Subscriber)
		r.subs[runtimeID] = set
	}
	r.next++
	id := r.next
	set[id] = sub
	return Subscription{runtimeID: runtimeID, id: id}
}

// Unsubscribe removes one subscriber by identity; a no-op if already removed.
func (r *Router) Unsubscribe(s Subscription) {
	if set, ok := r.subs[s.runtimeID]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(r.subs, s.runtimeID)
		}
	}
}

// DisposeRuntime drops every subscriber registered for runtimeID, called when
// a runtime façade is disposed.
func (r *Router) DisposeRuntime(runtimeID uint64) { delete(r.subs, runtimeID) }

// Push delivers cmd to every subscriber currently registered for runtimeID.
// Binary data is copied by the caller before Push is invoked (§4.5: "must be
// exposed to subscribers as a byte buffer distinct from any shared parser
// buffer"), so Push itself does not need to defensively copy again.
//
// Push itself holds no lock; the router's map is guarded by the caller
// (the connection's stateMu). Callers must not invoke subscriber callbacks
// while still holding that lock — use Snapshot instead and call Push-like
// delivery after releasing it, so a subscriber that unsubscribes itself
// doesn't deadlock re-acquiring the same lock.
func (r *Router) Push(runtimeID uint64, cmd Command) {
	for _, sub := range r.subs[runtimeID] {
		sub(cmd)
	}
}

// Snapshot returns a copy of the subscriber callbacks currently registered
// for runtimeID, safe to invoke after the caller has released whatever lock
// guards the router's map.
func (r *Router) Snapshot(runtimeID uint64) []Subscriber {
	set := r.subs[runtimeID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

package isoconn

import (
	"context"
	"sync"
	"time"

	"github.com/coldforge/isoconn/internal/callback"
)

// Timers backs an isolate's setTimeout/clearTimeout with the host's own
// clock (§4.7): the daemon has no wall clock of its own, so a "setTimeout"
// callback-invoke carries just the delay and resolves (as an async callback)
// once that much time has passed, letting the isolate's own JS continuation
// run the scheduled body; a timer cleared early answers with a cancellation
// error instead.
type Timers struct {
	h *RuntimeHandle

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]context.CancelFunc
}

func newTimers(h *RuntimeHandle) *Timers {
	return &Timers{h: h, pending: make(map[uint64]context.CancelFunc)}
}

// Enable wires the setTimeout/clearTimeout callback pair into the runtime and
// returns the two callback ids the daemon should be told about; CreateRuntime
// calls this before sending the create-runtime request and packages both ids
// into its payload.
func (t *Timers) Enable() (setTimeoutID, clearTimeoutID uint64) {
	setTimeoutID = t.h.conn.registerCallback(callback.KindAsync, false, t.handleSetTimeout)
	clearTimeoutID = t.h.conn.registerCallback(callback.KindSync, false, t.handleClearTimeout)
	return
}

func (t *Timers) handleSetTimeout(ctx context.Context, args []any) (any, error) {
	delay, _ := firstFloat(args)

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	timerCtx, cancel := context.WithCancel(ctx)
	t.pending[id] = cancel
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	timer := time.NewTimer(time.Duration(delay * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return int64(id), nil
	case <-timerCtx.Done():
		return int64(id), timerCtx.Err()
	}
}

func (t *Timers) handleClearTimeout(_ context.Context, args []any) (any, error) {
	id, _ := firstUint(args)
	t.mu.Lock()
	cancel, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return nil, nil
}

func firstFloat(args []any) (float64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := args[0].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func firstUint(args []any) (uint64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := args[0].(type) {
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

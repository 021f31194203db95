package isoconn

import (
	"context"
	"sync"

	"github.com/coldforge/isoconn/internal/callback"
)

// TestFailure is one uncaught failure reported by a runtime's test harness.
type TestFailure struct {
	TestName string
	Message  string
	Stack    string
}

// TestEnvironment exposes the optional test-harness integration a runtime
// created with RuntimeOptions.EnableTestEnvironment gets (§4.7): a
// "reportFailure" callback the isolate's test harness invokes, buffered so
// LastError() — recovered from original_source/ (SPEC_FULL.md §9) — can
// answer without a round trip.
type TestEnvironment struct {
	h          *RuntimeHandle
	enabled    bool
	callbackID uint64

	mu      sync.Mutex
	lastErr *TestFailure
	handler func(TestFailure)
}

// newTestEnvironment wires the reportFailure callback only when enabled is
// true; a disabled test environment never allocates a callback id the daemon
// would have no use for.
func newTestEnvironment(h *RuntimeHandle, enabled bool) *TestEnvironment {
	te := &TestEnvironment{h: h, enabled: enabled}
	if enabled {
		te.callbackID = h.conn.registerCallback(callback.KindSync, false, te.handleReportFailure)
	}
	return te
}

func (te *TestEnvironment) handleReportFailure(_ context.Context, args []any) (any, error) {
	var f TestFailure
	if len(args) > 0 {
		if m, ok := args[0].(map[string]any); ok {
			f.TestName, _ = m["testName"].(string)
			f.Message, _ = m["message"].(string)
			f.Stack, _ = m["stack"].(string)
		}
	}

	te.mu.Lock()
	te.lastErr = &f
	handler := te.handler
	te.mu.Unlock()

	if handler != nil {
		handler(f)
	}
	return nil, nil
}

// SetHandler installs a live forwarding hook called on every reported
// failure; fn may be nil to remove it. It fails with *ConfigurationError if
// this runtime wasn't created with RuntimeOptions.EnableTestEnvironment.
func (te *TestEnvironment) SetHandler(fn func(TestFailure)) error {
	if !te.enabled {
		return &ConfigurationError{Feature: "test environment"}
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	te.handler = fn
	return nil
}

// LastError returns the most recently reported uncaught test failure, or nil
// if none has been reported yet. It fails with *ConfigurationError if this
// runtime wasn't created with RuntimeOptions.EnableTestEnvironment.
func (te *TestEnvironment) LastError() (*TestFailure, error) {
	if !te.enabled {
		return nil, &ConfigurationError{Feature: "test environment"}
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.lastErr == nil {
		return nil, nil
	}
	cp := *te.lastErr
	return &cp, nil
}

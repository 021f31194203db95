package isoconn

import (
	"context"
	"sync"

	"github.com/coldforge/isoconn/internal/callback"
)

// ConsoleEntry is one buffered console line.
type ConsoleEntry struct {
	Level string
	Args  []any
}

// Console receives an isolate's console.* calls as callback invocations and
// buffers them for History(), the accessor recovered from original_source/
// that the distilled spec dropped (SPEC_FULL.md §9).
type Console struct {
	h          *RuntimeHandle
	callbackID uint64

	mu      sync.Mutex
	entries []ConsoleEntry
	handler func(level string, args []any)
}

func newConsole(h *RuntimeHandle) *Console {
	c := &Console{h: h}
	c.callbackID = h.conn.registerCallback(callback.KindSync, false, c.handleLog)
	return c
}

func (c *Console) handleLog(_ context.Context, args []any) (any, error) {
	var level string
	var rest []any
	if len(args) > 0 {
		level, _ = args[0].(string)
		rest = append([]any(nil), args[1:]...)
	}

	c.mu.Lock()
	c.entries = append(c.entries, ConsoleEntry{Level: level, Args: rest})
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(level, rest)
	}
	return nil, nil
}

// SetHandler installs a live forwarding hook invoked synchronously with the
// buffering already described above; fn may be nil to remove it.
func (c *Console) SetHandler(fn func(level string, args []any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// History returns every console line observed so far, oldest first.
func (c *Console) History() []ConsoleEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConsoleEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

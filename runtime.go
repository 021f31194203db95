package isoconn

import (
	"context"
	"time"

	"github.com/coldforge/isoconn/internal/marshal"
	"github.com/coldforge/isoconn/internal/wire"
)

// RuntimeOptions configures a runtime at creation time: which optional
// submodules the daemon should wire up for it, and every callback the
// daemon needs an id for before it can invoke host code (§4.3: "Callbacks
// are registered at runtime-creation time; their ids are packaged into the
// create-runtime request"). A nil handler field means that feature stays
// unreachable from the isolate for this runtime.
type RuntimeOptions struct {
	Namespace             string
	EnableTestEnvironment bool
	EnablePlaywright      bool

	CustomFunctions          map[string]CustomFunction
	AsyncCustomFunctions     map[string]AsyncCustomFunction
	AsyncIteratorFunctions   map[string]AsyncIteratorFunction
	ModuleLoader             ModuleLoader
	FSReader                 FSReader
	FetchStreamingHandler    FetchStreamingHandler
	PlaywrightCommandHandler CommandHandler
}

// RuntimeHandle is the façade over one isolated script-execution context,
// grounded on the teacher's coordinating-struct-over-injected-collaborators
// pattern (pkg/core/client.Client): Eval/Dispose plus typed submodule
// accessors rather than one flat method bag.
type RuntimeHandle struct {
	conn   *Conn
	id     uint64
	opts   RuntimeOptions
	reused bool

	fetch   *Fetch
	timers  *Timers
	console *Console
	testEnv *TestEnvironment
	pw      *Playwright
}

// CreateRuntime registers every callback opts supplies locally, packages
// their ids into the create-runtime request so the daemon can invoke them by
// id, and asks the daemon for a fresh (or reused, per opts.Namespace)
// runtime. Registration happens before the request is sent: a callback id
// the daemon was never told about can never be invoked (§6).
func (c *Conn) CreateRuntime(ctx context.Context, opts RuntimeOptions) (*RuntimeHandle, error) {
	h := &RuntimeHandle{conn: c, opts: opts}
	h.fetch = newFetch(h)
	h.timers = newTimers(h)
	h.console = newConsole(h)
	h.testEnv = newTestEnvironment(h, opts.EnableTestEnvironment)
	h.pw = newPlaywright(h, opts.EnablePlaywright)

	setTimeoutID, clearTimeoutID := h.timers.Enable()

	config := map[string]any{
		"namespace":              opts.Namespace,
		"testEnvironment":        opts.EnableTestEnvironment,
		"playwright":             opts.EnablePlaywright,
		"consoleCallbackId":      int64(h.console.callbackID),
		"setTimeoutCallbackId":   int64(setTimeoutID),
		"clearTimeoutCallbackId": int64(clearTimeoutID),
	}
	if h.testEnv.enabled {
		config["testEnvCallbackId"] = int64(h.testEnv.callbackID)
	}

	if len(opts.CustomFunctions) > 0 || len(opts.AsyncCustomFunctions) > 0 {
		ids := make(map[string]any, len(opts.CustomFunctions)+len(opts.AsyncCustomFunctions))
		for name, fn := range opts.CustomFunctions {
			ids[name] = int64(h.RegisterCustomFunction(fn))
		}
		for name, fn := range opts.AsyncCustomFunctions {
			ids[name] = int64(h.RegisterAsyncCustomFunction(fn))
		}
		config["customFunctionCallbackIds"] = ids
	}

	if len(opts.AsyncIteratorFunctions) > 0 {
		groups := make(map[string]any, len(opts.AsyncIteratorFunctions))
		for name, fn := range opts.AsyncIteratorFunctions {
			startID, nextID, returnID, throwID := h.RegisterAsyncIteratorFunction(fn)
			groups[name] = map[string]any{
				"startCallbackId":  int64(startID),
				"nextCallbackId":   int64(nextID),
				"returnCallbackId": int64(returnID),
				"throwCallbackId":  int64(throwID),
			}
		}
		config["asyncIteratorFunctionCallbackIds"] = groups
	}

	if opts.ModuleLoader != nil {
		config["moduleLoaderCallbackId"] = int64(h.RegisterModuleLoader(opts.ModuleLoader))
	}
	if opts.FSReader != nil {
		config["fsReaderCallbackId"] = int64(h.RegisterFSReader(opts.FSReader))
	}
	if opts.FetchStreamingHandler != nil {
		config["fetchStreamingCallbackId"] = int64(h.fetch.RegisterFetchStreamingHandler(opts.FetchStreamingHandler))
	}
	if opts.EnablePlaywright && opts.PlaywrightCommandHandler != nil {
		id, err := h.pw.RegisterCommandHandler(opts.PlaywrightCommandHandler)
		if err != nil {
			return nil, err
		}
		config["playwrightCallbackId"] = int64(id)
	}

	payload, err := marshal.Encode(config)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	v, err := c.sendRequest(ctx, c.opts.DefaultRequestTimeout, func(id uint64) wire.Message {
		return wire.Message{Type: wire.TypeCreateRuntime, RequestID: id, Payload: payload}
	})
	if err != nil {
		return nil, err
	}
	cr := v.(createRuntimeResult)
	h.id = cr.RuntimeID
	h.reused = cr.Reused
	return h, nil
}

// ID is the daemon-assigned runtime identifier.
func (h *RuntimeHandle) ID() uint64 { return h.id }

// Reused reports whether the daemon handed back an existing runtime for
// opts.Namespace instead of creating a fresh one.
func (h *RuntimeHandle) Reused() bool { return h.reused }

// EvalOptions configures one Eval call: an optional source filename (carried
// into the isolate's stack traces) and an optional execution deadline the
// daemon enforces on its side (§4.7). The zero value means "unset" for both.
type EvalOptions struct {
	Filename         string
	MaxExecutionTime time.Duration
}

// Eval runs source inside the runtime and waits for it to settle.
func (h *RuntimeHandle) Eval(ctx context.Context, source string, opts EvalOptions) error {
	payload, err := marshal.Encode(map[string]any{
		"source":           source,
		"filename":         opts.Filename,
		"maxExecutionTime": opts.MaxExecutionTime.Milliseconds(),
	})
	if err != nil {
		return &ProtocolError{Err: err}
	}
	_, err = h.conn.sendRequest(ctx, h.conn.opts.DefaultRequestTimeout, func(id uint64) wire.Message {
		return wire.Message{Type: wire.TypeEval, RequestID: id, RuntimeID: h.id, Payload: payload}
	})
	return err
}

// Dispose tears the runtime down on the daemon side and releases local
// bookkeeping (ws subscribers) for it. The underlying connection is
// untouched and may host other runtimes.
func (h *RuntimeHandle) Dispose(ctx context.Context) error {
	_, err := h.conn.sendRequest(ctx, h.conn.opts.DefaultRequestTimeout, func(id uint64) wire.Message {
		return wire.Message{Type: wire.TypeDisposeRuntime, RequestID: id, RuntimeID: h.id}
	})
	h.conn.disposeRuntimeWS(h.id)
	return err
}

// Fetch returns the fetch-dispatch submodule.
func (h *RuntimeHandle) Fetch() *Fetch { return h.fetch }

// Timers returns the host-timer submodule.
func (h *RuntimeHandle) Timers() *Timers { return h.timers }

// Console returns the console submodule.
func (h *RuntimeHandle) Console() *Console { return h.console }

// TestEnvironment returns the test-environment submodule. It is always
// present, but SetHandler and LastError fail with *ConfigurationError unless
// this runtime was created with RuntimeOptions.EnableTestEnvironment.
func (h *RuntimeHandle) TestEnvironment() *TestEnvironment { return h.testEnv }

// Playwright returns the playwright submodule. It is always present, but
// RegisterCommandHandler and Subscribe fail with *ConfigurationError unless
// this runtime was created with RuntimeOptions.EnablePlaywright.
func (h *RuntimeHandle) Playwright() *Playwright { return h.pw }

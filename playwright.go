package isoconn

import (
	"context"

	"github.com/coldforge/isoconn/internal/callback"
	"github.com/coldforge/isoconn/internal/wspush"
)

// Playwright exposes the optional browser-automation bridge a runtime
// created with RuntimeOptions.EnablePlaywright gets (§4.7): a host-supplied
// command executor the isolate's playwright shim calls into, plus the
// ws-command push subscription for the browser-side WebSocket traffic that
// shim drives (§4.5).
type Playwright struct {
	h       *RuntimeHandle
	enabled bool
}

func newPlaywright(h *RuntimeHandle, enabled bool) *Playwright {
	return &Playwright{h: h, enabled: enabled}
}

// CommandHandler executes one playwright protocol command and returns its
// JSON-shaped result.
type CommandHandler func(ctx context.Context, method string, params map[string]any) (any, error)

// RegisterCommandHandler wires fn as the callback the daemon invokes for
// every outbound playwright command. It fails with *ConfigurationError if
// this runtime wasn't created with RuntimeOptions.EnablePlaywright.
func (p *Playwright) RegisterCommandHandler(fn CommandHandler) (uint64, error) {
	if !p.enabled {
		return 0, &ConfigurationError{Feature: "playwright"}
	}
	return p.h.conn.registerCallback(callback.KindAsync, false, func(ctx context.Context, args []any) (any, error) {
		var method string
		var params map[string]any
		if len(args) > 0 {
			method, _ = args[0].(string)
		}
		if len(args) > 1 {
			params, _ = args[1].(map[string]any)
		}
		return fn(ctx, method, params)
	}), nil
}

// WSCommand mirrors wspush.Command at the public surface.
type WSCommand = wspush.Command

// Subscribe registers fn to receive every ws-command push routed to this
// runtime (the browser-side WebSocket traffic driven by the playwright
// shim), returning a handle for Unsubscribe. It fails with
// *ConfigurationError if this runtime wasn't created with
// RuntimeOptions.EnablePlaywright.
func (p *Playwright) Subscribe(fn func(WSCommand)) (PlaywrightSubscription, error) {
	if !p.enabled {
		return PlaywrightSubscription{}, &ConfigurationError{Feature: "playwright"}
	}
	sub := p.h.conn.subscribeWS(p.h.id, wspush.Subscriber(fn))
	return PlaywrightSubscription{conn: p.h.conn, sub: sub}, nil
}

// PlaywrightSubscription is a live ws-command push subscription.
type PlaywrightSubscription struct {
	conn *Conn
	sub  wspush.Subscription
}

// Unsubscribe stops delivery for this subscription. It is a no-op on the
// zero value returned alongside a failed Subscribe.
func (s PlaywrightSubscription) Unsubscribe() {
	if s.conn != nil {
		s.conn.unsubscribeWS(s.sub)
	}
}

package isoconn

import (
	"errors"
	"fmt"

	"github.com/coldforge/isoconn/internal/pending"
)

// ErrConnectionClosed is returned by any outstanding or new operation once the
// connection has gone away (transport-error kind, §7).
var ErrConnectionClosed = pending.ErrConnectionClosed

// ErrRequestTimeout is returned when an RPC's deadline elapses before a
// response arrives (request-timeout kind, §7).
var ErrRequestTimeout = pending.ErrTimeout

// RemoteError is returned when the daemon answers a request with
// response-error (remote-error kind, §7).
type RemoteError = pending.RemoteError

// CallbackError wraps a failure raised by host code while handling a
// callback-invoke frame (callback-error kind, §7). It is mostly useful to
// the daemon (it becomes a callback-response error field); the client surfaces
// it through logging and through the Logger passed to Dial.
type CallbackError struct {
	CallbackID uint64
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("isoconn: callback %d failed: %v", e.CallbackID, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// StreamError wraps a failure terminating a download or upload stream
// (stream-error kind, §7).
type StreamError struct {
	StreamID uint64
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("isoconn: stream %d error: %s", e.StreamID, e.Reason)
}

// ConfigurationError is thrown synchronously from façade methods that need a
// feature not enabled at runtime-creation time, e.g. test-environment methods
// called on a runtime created without TestEnvironment enabled.
type ConfigurationError struct {
	Feature string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("isoconn: %s is not enabled for this runtime", e.Feature)
}

// ProtocolError wraps a malformed-frame / unknown-message-type failure that
// terminates the connection (protocol-error kind, §7).
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("isoconn: protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

var errUnexpectedResponseShape = errors.New("isoconn: response payload did not decode to the expected shape")

// IsConnectionClosed reports whether err (possibly wrapped) is ErrConnectionClosed.
func IsConnectionClosed(err error) bool { return errors.Is(err, ErrConnectionClosed) }

// IsTimeout reports whether err (possibly wrapped) is ErrRequestTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrRequestTimeout) }

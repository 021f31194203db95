// Package wire implements the on-the-wire framing and message encoding described
// in the protocol: a 4-byte big-endian length prefix followed by a payload that
// carries a numeric type tag and the fields required by that tag.
package wire

// Type is the numeric tag identifying a message's shape.
type Type uint8

const (
	TypeCreateRuntime Type = iota + 1
	TypeCreateRuntimeResult
	TypeEval
	TypeDisposeRuntime
	TypeDispatchRequest
	TypeResponseOK
	TypeResponseError
	TypeResponseStreamStart
	TypeResponseStreamChunk
	TypeResponseStreamEnd
	TypeStreamPull
	TypeStreamPush
	TypeStreamClose
	TypeStreamError
	TypeCallbackInvoke
	TypeCallbackResponse
	TypeCallbackStreamStart
	TypeCallbackStreamChunk
	TypeCallbackStreamEnd
	TypeCallbackStreamCancel
	TypeWSCommand
	TypePong
)

func (t Type) String() string {
	switch t {
	case TypeCreateRuntime:
		return "create-runtime"
	case TypeCreateRuntimeResult:
		return "create-runtime-result"
	case TypeEval:
		return "eval"
	case TypeDisposeRuntime:
		return "dispose-runtime"
	case TypeDispatchRequest:
		return "dispatch-request"
	case TypeResponseOK:
		return "response-ok"
	case TypeResponseError:
		return "response-error"
	case TypeResponseStreamStart:
		return "response-stream-start"
	case TypeResponseStreamChunk:
		return "response-stream-chunk"
	case TypeResponseStreamEnd:
		return "response-stream-end"
	case TypeStreamPull:
		return "stream-pull"
	case TypeStreamPush:
		return "stream-push"
	case TypeStreamClose:
		return "stream-close"
	case TypeStreamError:
		return "stream-error"
	case TypeCallbackInvoke:
		return "callback-invoke"
	case TypeCallbackResponse:
		return "callback-response"
	case TypeCallbackStreamStart:
		return "callback-stream-start"
	case TypeCallbackStreamChunk:
		return "callback-stream-chunk"
	case TypeCallbackStreamEnd:
		return "callback-stream-end"
	case TypeCallbackStreamCancel:
		return "callback-stream-cancel"
	case TypeWSCommand:
		return "ws-command"
	case TypePong:
		return "pong"
	default:
		return "unknown"
	}
}

// ErrorPayload is the {name, message, stack?} shape carried by response-error and
// callback-response-with-error frames.
type ErrorPayload struct {
	Name    string
	Message string
	Stack   string // empty when absent
}

// Message is the decoded, typed form of one frame. Not every field is meaningful
// for every Type; callers switch on Type and read the fields that type defines.
type Message struct {
	Type Type

	RequestID  uint64
	CallbackID uint64
	StreamID   uint64
	RuntimeID  uint64
	IteratorID uint64

	// Generic opaque payload (already-marshalled value bytes, source code, etc).
	Payload []byte

	// Used by create-runtime-result.
	Reused bool

	// Used by response-stream-start / callback body streaming.
	Status     int
	StatusText string
	Headers    [][2]string

	// Used by stream-pull.
	Credit uint64

	// Used by response-error / callback-response error branch.
	Err *ErrorPayload

	// Used by callback-invoke: positional argument payloads, already marshalled.
	Args [][]byte

	// Used by ws-command push frames.
	ConnID     uint64
	WSType     string
	WSData     []byte
	WSCode     int
	WSReason   string
	HasWSCode  bool
}

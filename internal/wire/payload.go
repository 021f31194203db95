package wire

import (
	"encoding/binary"
	"fmt"
)

// writer is a small allocation-light byte builder with varint/length-prefixed
// helpers, in place of a reflection-based encoder.
type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

func (w *writer) bytesField(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) { w.bytesField([]byte(s)) }

func (w *writer) boolean(b bool) {
	if b {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *writer) headers(h [][2]string) {
	w.uvarint(uint64(len(h)))
	for _, kv := range h {
		w.str(kv[0])
		w.str(kv[1])
	}
}

func (w *writer) byteSlices(bs [][]byte) {
	w.uvarint(uint64(len(bs)))
	for _, b := range bs {
		w.bytesField(b)
	}
}

func (w *writer) errPayload(e *ErrorPayload) {
	if e == nil {
		w.boolean(false)
		return
	}
	w.boolean(true)
	w.str(e.Name)
	w.str(e.Message)
	w.str(e.Stack)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("%w: truncated payload", ErrProtocol)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: malformed varint", ErrProtocol)
	}
	r.off += n
	return v, nil
}

func (r *reader) bytesField() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.off)+n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: field length out of bounds", ErrProtocol)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) boolean() (bool, error) {
	b, err := r.byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *reader) headers() ([][2]string, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([][2]string, 0, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}

func (r *reader) byteSlices() ([][]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		out = append(out, cp)
	}
	return out, nil
}

func (r *reader) errPayload() (*ErrorPayload, error) {
	present, err := r.boolean()
	if err != nil || !present {
		return nil, err
	}
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	msg, err := r.str()
	if err != nil {
		return nil, err
	}
	stack, err := r.str()
	if err != nil {
		return nil, err
	}
	return &ErrorPayload{Name: name, Message: msg, Stack: stack}, nil
}

func encodePayload(m Message) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.byte(byte(m.Type))

	switch m.Type {
	case TypeCreateRuntime:
		w.uvarint(m.RequestID)
		w.bytesField(m.Payload)
	case TypeCreateRuntimeResult:
		w.uvarint(m.RequestID)
		w.uvarint(m.RuntimeID)
		w.boolean(m.Reused)
	case TypeEval, TypeDisposeRuntime:
		w.uvarint(m.RequestID)
		w.uvarint(m.RuntimeID)
		w.bytesField(m.Payload)
	case TypeDispatchRequest:
		w.uvarint(m.RequestID)
		w.uvarint(m.RuntimeID)
		w.uvarint(m.StreamID)
		w.bytesField(m.Payload)
	case TypeResponseOK:
		w.uvarint(m.RequestID)
		w.bytesField(m.Payload)
	case TypeResponseError:
		w.uvarint(m.RequestID)
		w.errPayload(m.Err)
	case TypeResponseStreamStart:
		w.uvarint(m.RequestID)
		w.uvarint(m.StreamID)
		w.uvarint(uint64(m.Status))
		w.str(m.StatusText)
		w.headers(m.Headers)
	case TypeResponseStreamChunk:
		w.uvarint(m.StreamID)
		w.bytesField(m.Payload)
	case TypeResponseStreamEnd:
		w.uvarint(m.StreamID)
	case TypeStreamPull:
		w.uvarint(m.StreamID)
		w.uvarint(m.Credit)
	case TypeStreamPush:
		w.uvarint(m.StreamID)
		w.bytesField(m.Payload)
	case TypeStreamClose:
		w.uvarint(m.StreamID)
	case TypeStreamError:
		w.uvarint(m.StreamID)
		w.errPayload(m.Err)
	case TypeCallbackInvoke:
		w.uvarint(m.RequestID)
		w.uvarint(m.CallbackID)
		w.uvarint(m.IteratorID)
		w.byteSlices(m.Args)
	case TypeCallbackResponse:
		w.uvarint(m.RequestID)
		w.uvarint(m.CallbackID)
		w.errPayload(m.Err)
		w.bytesField(m.Payload)
	case TypeCallbackStreamStart:
		w.uvarint(m.RequestID)
		w.uvarint(m.StreamID)
		w.uvarint(uint64(m.Status))
		w.str(m.StatusText)
		w.headers(m.Headers)
	case TypeCallbackStreamChunk:
		w.uvarint(m.StreamID)
		w.bytesField(m.Payload)
	case TypeCallbackStreamEnd:
		w.uvarint(m.StreamID)
	case TypeCallbackStreamCancel:
		w.uvarint(m.StreamID)
	case TypeWSCommand:
		w.uvarint(m.RuntimeID)
		w.str(m.WSType)
		w.uvarint(m.ConnID)
		w.bytesField(m.WSData)
		w.boolean(m.HasWSCode)
		w.uvarint(uint64(m.WSCode))
		w.str(m.WSReason)
	case TypePong:
		// no fields
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, m.Type)
	}
	return w.buf, nil
}

func decodePayload(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrProtocol)
	}
	r := &reader{buf: payload}
	tb, err := r.byte()
	if err != nil {
		return Message{}, err
	}
	m := Message{Type: Type(tb)}

	switch m.Type {
	case TypeCreateRuntime:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeCreateRuntimeResult:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.RuntimeID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Reused, err = r.boolean()
	case TypeEval, TypeDisposeRuntime:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.RuntimeID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeDispatchRequest:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.RuntimeID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeResponseOK:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeResponseError:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Err, err = r.errPayload()
	case TypeResponseStreamStart:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		var status uint64
		if status, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Status = int(status)
		if m.StatusText, err = r.str(); err != nil {
			return m, err
		}
		m.Headers, err = r.headers()
	case TypeResponseStreamChunk:
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeResponseStreamEnd:
		m.StreamID, err = r.uvarint()
	case TypeStreamPull:
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Credit, err = r.uvarint()
	case TypeStreamPush:
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeStreamClose:
		m.StreamID, err = r.uvarint()
	case TypeStreamError:
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Err, err = r.errPayload()
	case TypeCallbackInvoke:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.CallbackID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.IteratorID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Args, err = r.byteSlices()
	case TypeCallbackResponse:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.CallbackID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.Err, err = r.errPayload(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeCallbackStreamStart:
		if m.RequestID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		var status uint64
		if status, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Status = int(status)
		if m.StatusText, err = r.str(); err != nil {
			return m, err
		}
		m.Headers, err = r.headers()
	case TypeCallbackStreamChunk:
		if m.StreamID, err = r.uvarint(); err != nil {
			return m, err
		}
		m.Payload, err = r.bytesField()
	case TypeCallbackStreamEnd:
		m.StreamID, err = r.uvarint()
	case TypeCallbackStreamCancel:
		m.StreamID, err = r.uvarint()
	case TypeWSCommand:
		if m.RuntimeID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.WSType, err = r.str(); err != nil {
			return m, err
		}
		if m.ConnID, err = r.uvarint(); err != nil {
			return m, err
		}
		if m.WSData, err = r.bytesField(); err != nil {
			return m, err
		}
		if m.HasWSCode, err = r.boolean(); err != nil {
			return m, err
		}
		var code uint64
		if code, err = r.uvarint(); err != nil {
			return m, err
		}
		m.WSCode = int(code)
		m.WSReason, err = r.str()
	case TypePong:
		// no fields
	default:
		return m, fmt.Errorf("%w: unknown message type %d", ErrProtocol, m.Type)
	}
	return m, err
}

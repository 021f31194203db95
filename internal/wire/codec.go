package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameLength bounds a single frame's payload size. A length prefix beyond
// this is treated as a protocol error rather than an attempt to allocate an
// unbounded buffer.
const MaxFrameLength = 16 << 20

// ErrProtocol is wrapped by every framing/decoding failure.
var ErrProtocol = errors.New("wire: protocol error")

// ErrFrameTooLarge is returned when an inbound length prefix exceeds MaxFrameLength.
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds MaxFrameLength", ErrProtocol)

// Encode renders msg as one complete frame: a 4-byte big-endian length prefix
// followed by the encoded payload. The result is always written to the wire in
// a single call so frames never interleave.
func Encode(msg Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Decoder consumes arbitrary byte slices and yields complete messages, retaining
// any trailing partial frame across calls.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty streaming decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends p to the internal buffer and returns every message that is now
// fully available. An error is terminal: the caller must close the connection,
// per the protocol-error handling policy (undersized/oversized frames are not
// recoverable once the length prefix has been consumed).
func (d *Decoder) Feed(p []byte) ([]Message, error) {
	d.buf.Write(p)

	var out []Message
	for {
		b := d.buf.Bytes()
		if len(b) < 4 {
			break
		}
		n := binary.BigEndian.Uint32(b[:4])
		if n > MaxFrameLength {
			return out, ErrFrameTooLarge
		}
		if len(b) < 4+int(n) {
			break // partial frame; wait for more bytes
		}
		payload := make([]byte, n)
		copy(payload, b[4:4+n])
		msg, err := decodePayload(payload)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		d.buf.Next(4 + int(n))
	}
	return out, nil
}

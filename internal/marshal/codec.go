package marshal

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"regexp"
	"time"
)

// Encode and Decode serialize the fixed set of round-trippable value kinds
// (§8) plus the live references (§4.6) to and from bytes, the same
// hand-written, tag-prefixed style as internal/wire's frame payloads rather
// than a reflection-based general-purpose codec.
type tag byte

const (
	tagNil tag = iota
	tagUndefined
	tagBool
	tagInt64
	tagFloat64
	tagString
	tagBytes
	tagArray
	tagMap
	tagDate
	tagRegexp
	tagURL
	tagBigInt
	tagHeaders
	tagFile
	tagRequest
	tagResponse
	tagBodyStreamRef
	tagFunctionRef
	tagPromiseRef
	tagAsyncIteratorRef
)

func Encode(v any) ([]byte, error) {
	w := &vwriter{}
	if err := w.write(v); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func Decode(b []byte) (any, error) {
	r := &vreader{buf: b}
	return r.read()
}

type vwriter struct{ buf []byte }

func (w *vwriter) b(v byte)    { w.buf = append(w.buf, v) }
func (w *vwriter) raw(p []byte) { w.buf = append(w.buf, p...) }

func (w *vwriter) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.raw(tmp[:n])
}

func (w *vwriter) bytesField(p []byte) {
	w.uvarint(uint64(len(p)))
	w.raw(p)
}

func (w *vwriter) str(s string) { w.bytesField([]byte(s)) }

func (w *vwriter) write(v any) error {
	switch tv := v.(type) {
	case nil:
		w.b(byte(tagNil))
	case undefinedType:
		w.b(byte(tagUndefined))
	case bool:
		w.b(byte(tagBool))
		if tv {
			w.b(1)
		} else {
			w.b(0)
		}
	case int:
		return w.write(int64(tv))
	case int64:
		w.b(byte(tagInt64))
		w.uvarint(uint64(tv))
	case float64:
		w.b(byte(tagFloat64))
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(tv))
		w.raw(tmp[:])
	case string:
		w.b(byte(tagString))
		w.str(tv)
	case ByteBuffer:
		w.b(byte(tagBytes))
		w.bytesField(tv)
	case []byte:
		w.b(byte(tagBytes))
		w.bytesField(tv)
	case []any:
		w.b(byte(tagArray))
		w.uvarint(uint64(len(tv)))
		for _, e := range tv {
			if err := w.write(e); err != nil {
				return err
			}
		}
	case map[string]any:
		w.b(byte(tagMap))
		w.uvarint(uint64(len(tv)))
		for k, e := range tv {
			w.str(k)
			if err := w.write(e); err != nil {
				return err
			}
		}
	case Date:
		w.b(byte(tagDate))
		w.uvarint(uint64(tv.Time.UnixMilli()))
	case Regexp:
		w.b(byte(tagRegexp))
		w.str(tv.Source)
		w.str(tv.Flags)
	case URL:
		w.b(byte(tagURL))
		w.str(tv.String())
	case BigInt:
		w.b(byte(tagBigInt))
		w.str(tv.String())
	case Headers:
		w.b(byte(tagHeaders))
		w.uvarint(uint64(len(tv)))
		for _, kv := range tv {
			w.str(kv[0])
			w.str(kv[1])
		}
	case File:
		w.b(byte(tagFile))
		w.str(tv.Name)
		w.str(tv.ContentType)
		w.bytesField(tv.Data)
		w.uvarint(uint64(tv.LastModMS))
	case Request:
		w.b(byte(tagRequest))
		w.str(tv.Method)
		w.str(tv.URL)
		if err := w.write(tv.Headers); err != nil {
			return err
		}
		if err := w.write(tv.Body); err != nil {
			return err
		}
	case Response:
		w.b(byte(tagResponse))
		w.uvarint(uint64(tv.Status))
		w.str(tv.StatusText)
		if err := w.write(tv.Headers); err != nil {
			return err
		}
		if err := w.write(tv.Body); err != nil {
			return err
		}
	case BodyStreamRef:
		w.b(byte(tagBodyStreamRef))
		w.uvarint(tv.StreamID)
	case FunctionRef:
		w.b(byte(tagFunctionRef))
		w.uvarint(tv.CallbackID)
	case PromiseRef:
		w.b(byte(tagPromiseRef))
		w.uvarint(tv.PromiseID)
		w.uvarint(tv.ResolveCallbackID)
	case AsyncIteratorRef:
		w.b(byte(tagAsyncIteratorRef))
		w.uvarint(tv.IteratorID)
		w.uvarint(tv.NextCallbackID)
		w.uvarint(tv.ReturnCallbackID)
	default:
		return fmt.Errorf("marshal: unsupported value kind %T", v)
	}
	return nil
}

type vreader struct {
	buf []byte
	off int
}

func (r *vreader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("marshal: truncated value")
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *vreader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("marshal: malformed varint")
	}
	r.off += n
	return v, nil
}

func (r *vreader) bytesField() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.off)+n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("marshal: field out of bounds")
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *vreader) str() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *vreader) read() (any, error) {
	tb, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch tag(tb) {
	case tagNil:
		return nil, nil
	case tagUndefined:
		return Undefined, nil
	case tagBool:
		b, err := r.byte()
		return b != 0, err
	case tagInt64:
		v, err := r.uvarint()
		return int64(v), err
	case tagFloat64:
		if r.off+8 > len(r.buf) {
			return nil, fmt.Errorf("marshal: truncated float64")
		}
		bits := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
		r.off += 8
		return math.Float64frombits(bits), nil
	case tagString:
		return r.str()
	case tagBytes:
		b, err := r.bytesField()
		return ByteBuffer(b), err
	case tagArray:
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := r.read()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case tagMap:
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for i := uint64(0); i < n; i++ {
			k, err := r.str()
			if err != nil {
				return nil, err
			}
			v, err := r.read()
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case tagDate:
		ms, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		return Date{Time: time.UnixMilli(int64(ms)).UTC()}, nil
	case tagRegexp:
		src, err := r.str()
		if err != nil {
			return nil, err
		}
		flags, err := r.str()
		if err != nil {
			return nil, err
		}
		compiled, _ := regexp.Compile(src)
		return Regexp{Source: src, Flags: flags, Regexp: compiled}, nil
	case tagURL:
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, err
		}
		return URL{URL: u}, nil
	case tagBigInt:
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		n := new(big.Int)
		if _, ok := n.SetString(s, 10); !ok {
			return nil, fmt.Errorf("marshal: malformed big int %q", s)
		}
		return BigInt{Int: n}, nil
	case tagHeaders:
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		out := make(Headers, 0, n)
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
	case tagFile:
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		ct, err := r.str()
		if err != nil {
			return nil, err
		}
		data, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		ms, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		return File{Name: name, ContentType: ct, Data: ByteBuffer(data), LastModMS: int64(ms)}, nil
	case tagRequest:
		method, err := r.str()
		if err != nil {
			return nil, err
		}
		u, err := r.str()
		if err != nil {
			return nil, err
		}
		h, err := r.read()
		if err != nil {
			return nil, err
		}
		body, err := r.read()
		if err != nil {
			return nil, err
		}
		headers, _ := h.(Headers)
		return Request{Method: method, URL: u, Headers: headers, Body: body}, nil
	case tagResponse:
		status, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		statusText, err := r.str()
		if err != nil {
			return nil, err
		}
		h, err := r.read()
		if err != nil {
			return nil, err
		}
		body, err := r.read()
		if err != nil {
			return nil, err
		}
		headers, _ := h.(Headers)
		return Response{Status: int(status), StatusText: statusText, Headers: headers, Body: body}, nil
	case tagBodyStreamRef:
		id, err := r.uvarint()
		return BodyStreamRef{StreamID: id}, err
	case tagFunctionRef:
		id, err := r.uvarint()
		return FunctionRef{CallbackID: id}, err
	case tagPromiseRef:
		pid, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		rid, err := r.uvarint()
		return PromiseRef{PromiseID: pid, ResolveCallbackID: rid}, err
	case tagAsyncIteratorRef:
		iid, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		nid, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		rid, err := r.uvarint()
		return AsyncIteratorRef{IteratorID: iid, NextCallbackID: nid, ReturnCallbackID: rid}, err
	default:
		return nil, fmt.Errorf("marshal: unknown value tag %d", tb)
	}
}

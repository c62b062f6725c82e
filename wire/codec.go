package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// ErrorKind classifies a codec failure. Any decode failure is fatal to the
// connection; callers translate it into a Closing transition.
type ErrorKind string

const (
	ErrUnsupportedVersion ErrorKind = "unsupported_version"
	ErrUnknownTag         ErrorKind = "unknown_tag"
	ErrTruncated          ErrorKind = "truncated"
	ErrBadUTF8            ErrorKind = "bad_utf8"
	ErrOversize           ErrorKind = "oversize"
)

// CodecError reports a wire encode or decode failure.
type CodecError struct {
	Kind ErrorKind
	Err  error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("wire: %s", e.Kind)
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(kind ErrorKind, err error) *CodecError {
	return &CodecError{Kind: kind, Err: err}
}

// Encode serializes a TunnelMessage into its binary wire form.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(byte(m.variant()))

	switch v := m.(type) {
	case *Auth:
		writeString(&buf, v.ClientID)
		writeInt64(&buf, v.Timestamp)
		writeString(&buf, v.Signature)
	case *AuthResponse:
		writeBool(&buf, v.OK)
		writeString(&buf, string(v.Reason))
	case *HttpRequest:
		buf.Write(v.CorrelationID[:])
		writeString(&buf, v.Method)
		writeString(&buf, v.Path)
		writeString(&buf, v.Query)
		writeHeaders(&buf, v.Headers)
		writeBytes(&buf, v.Body)
		writeBool(&buf, v.HasClientIP)
		writeString(&buf, v.ClientIP)
	case *HttpResponse:
		buf.Write(v.CorrelationID[:])
		writeUint32(&buf, uint32(v.Status))
		writeHeaders(&buf, v.Headers)
		writeBytes(&buf, v.Body)
	case *Ping:
		writeUint64(&buf, v.Nonce)
	case *Pong:
		writeUint64(&buf, v.Nonce)
	case *Close:
		writeUint16(&buf, v.Code)
		writeString(&buf, string(v.Reason))
	default:
		return nil, codecErr(ErrUnknownTag, fmt.Errorf("unhandled message type %T", m))
	}

	if buf.Len() > MaxMessageBytes {
		return nil, codecErr(ErrOversize, fmt.Errorf("encoded size %d exceeds %d", buf.Len(), MaxMessageBytes))
	}
	return buf.Bytes(), nil
}

// Decode parses one binary-framed TunnelMessage. frame is exactly the
// payload of a single WebSocket binary frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) > MaxMessageBytes {
		return nil, codecErr(ErrOversize, fmt.Errorf("frame size %d exceeds %d", len(frame), MaxMessageBytes))
	}
	d := &decoder{buf: frame}

	version, err := d.readByte()
	if err != nil {
		return nil, codecErr(ErrTruncated, err)
	}
	if version != ProtocolVersion {
		return nil, codecErr(ErrUnsupportedVersion, fmt.Errorf("got version %d", version))
	}
	tagByte, err := d.readByte()
	if err != nil {
		return nil, codecErr(ErrTruncated, err)
	}
	tag := Variant(tagByte)

	var msg Message
	switch tag {
	case VariantAuth:
		a := &Auth{}
		if a.ClientID, err = d.readString(); err != nil {
			return nil, err
		}
		if a.Timestamp, err = d.readInt64(); err != nil {
			return nil, err
		}
		if a.Signature, err = d.readString(); err != nil {
			return nil, err
		}
		msg = a
	case VariantAuthResponse:
		r := &AuthResponse{}
		if r.OK, err = d.readBool(); err != nil {
			return nil, err
		}
		var reason string
		if reason, err = d.readString(); err != nil {
			return nil, err
		}
		r.Reason = CloseReason(reason)
		msg = r
	case VariantHttpRequest:
		req := &HttpRequest{}
		if err = d.readCorrelationID(&req.CorrelationID); err != nil {
			return nil, err
		}
		if req.Method, err = d.readString(); err != nil {
			return nil, err
		}
		if req.Path, err = d.readString(); err != nil {
			return nil, err
		}
		if req.Query, err = d.readString(); err != nil {
			return nil, err
		}
		if req.Headers, err = d.readHeaders(); err != nil {
			return nil, err
		}
		if req.Body, err = d.readBytes(); err != nil {
			return nil, err
		}
		if req.HasClientIP, err = d.readBool(); err != nil {
			return nil, err
		}
		if req.ClientIP, err = d.readString(); err != nil {
			return nil, err
		}
		msg = req
	case VariantHttpResponse:
		resp := &HttpResponse{}
		if err = d.readCorrelationID(&resp.CorrelationID); err != nil {
			return nil, err
		}
		var status uint32
		if status, err = d.readUint32(); err != nil {
			return nil, err
		}
		resp.Status = int(status)
		if resp.Headers, err = d.readHeaders(); err != nil {
			return nil, err
		}
		if resp.Body, err = d.readBytes(); err != nil {
			return nil, err
		}
		msg = resp
	case VariantPing:
		p := &Ping{}
		if p.Nonce, err = d.readUint64(); err != nil {
			return nil, err
		}
		msg = p
	case VariantPong:
		p := &Pong{}
		if p.Nonce, err = d.readUint64(); err != nil {
			return nil, err
		}
		msg = p
	case VariantClose:
		c := &Close{}
		if c.Code, err = d.readUint16(); err != nil {
			return nil, err
		}
		var reason string
		if reason, err = d.readString(); err != nil {
			return nil, err
		}
		c.Reason = CloseReason(reason)
		msg = c
	default:
		return nil, codecErr(ErrUnknownTag, fmt.Errorf("tag %d", tagByte))
	}

	if d.remaining() != 0 {
		return nil, codecErr(ErrTruncated, fmt.Errorf("%d trailing bytes", d.remaining()))
	}
	return msg, nil
}

// --- encode helpers ---

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeHeaders(buf *bytes.Buffer, hdrs []Header) {
	writeUint32(buf, uint32(len(hdrs)))
	for _, h := range hdrs {
		writeString(buf, h.Name)
		writeString(buf, h.Value)
	}
}

// --- decoder ---

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, codecErr(ErrTruncated, fmt.Errorf("need 1 byte"))
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, codecErr(ErrTruncated, fmt.Errorf("need %d bytes, have %d", n, d.remaining()))
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) readInt64() (int64, error) {
	v, err := d.readUint64()
	return int64(v), err
}

func (d *decoder) readBool() (bool, error) {
	b, err := d.readByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(MaxMessageBytes) {
		return nil, codecErr(ErrOversize, fmt.Errorf("field length %d exceeds %d", n, MaxMessageBytes))
	}
	b, err := d.readN(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *decoder) readString() (string, error) {
	b, err := d.readBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", codecErr(ErrBadUTF8, fmt.Errorf("invalid utf-8"))
	}
	return string(b), nil
}

func (d *decoder) readCorrelationID(out *[16]byte) error {
	b, err := d.readN(16)
	if err != nil {
		return err
	}
	copy(out[:], b)
	return nil
}

func (d *decoder) readHeaders() ([]Header, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(MaxMessageBytes) {
		return nil, codecErr(ErrOversize, fmt.Errorf("header count %d exceeds bound", n))
	}
	hdrs := make([]Header, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := d.readString()
		if err != nil {
			return nil, err
		}
		value, err := d.readString()
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, Header{Name: name, Value: value})
	}
	return hdrs, nil
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds the length prefix accepted by ReadFrame, guarding
// against a malicious or corrupt length field requesting an unbounded
// allocation. 64 MiB comfortably covers a batch learn of thousands of
// concepts with embeddings.
const MaxFrameSize = 64 << 20

// WriteFrame writes the length-prefixed frame described in spec §4.1:
// a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r. If the stream closes
// (or errors) before the declared length has been fully read, ReadFrame
// returns a *Error with KindFramingError, per spec §4.1's "framing rejects
// payloads whose declared length does not match what was read before the
// stream closes" guarantee.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err // clean close between frames, not a framing error
		}
		return nil, Errorf(KindFramingError, "reading frame length: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, Errorf(KindFramingError, "frame length %d exceeds maximum %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, Errorf(KindFramingError, "truncated frame: declared %d bytes: %v", n, err)
	}
	return payload, nil
}

// IsBinaryFrame reports whether the first byte of a frame's payload marks it as the binary protocol rather than the newline-delimited NL
// control surface (spec §6: "distinguished by the first byte of a frame
// being 0x00 ... NL is distinguished by the first byte being non-zero").
func IsBinaryFrame(firstByte byte) bool {
	return firstByte == 0x00
}

// writer is a small append-only binary encoder used by every wire type's
// Encode method. It never errors; bytes.Buffer.Write never fails.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) f32(v float32) {
	w.u32(floatToBits(v))
}

func (w *writer) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) { w.bytesField([]byte(s)) }

func (w *writer) strSlice(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) strMap(m map[string]string) {
	w.u32(uint32(len(m)))
	for k, v := range m {
		w.str(k)
		w.str(v)
	}
}

func (w *writer) f32Slice(fs []float32) {
	w.u32(uint32(len(fs)))
	for _, f := range fs {
		w.f32(f)
	}
}

func (w *writer) id16(b [16]byte) { w.buf.Write(b[:]) }

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader is the counterpart decoder; every method returns an error on
// truncated input so a malformed payload surfaces as KindFramingError
// rather than panicking.
type reader struct {
	buf *bytes.Reader
}

func newReader(b []byte) *reader { return &reader{buf: bytes.NewReader(b)} }

func (r *reader) u8() (uint8, error) {
	return r.buf.ReadByte()
}

func (r *reader) boolean() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *reader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r *reader) f32() (float32, error) {
	v, err := r.u32()
	if err != nil {
		return 0, err
	}
	return bitsToFloat(v), nil
}

func (r *reader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("protocol: field length %d exceeds maximum", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytesField()
	return string(b), err
}

func (r *reader) strSlice() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *reader) strMap() (map[string]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (r *reader) f32Slice() ([]float32, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]float32, 0, n)
	for i := uint32(0); i < n; i++ {
		f, err := r.f32()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *reader) id16() ([16]byte, error) {
	var id [16]byte
	if _, err := io.ReadFull(r.buf, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func (r *reader) done() error {
	if r.buf.Len() != 0 {
		return fmt.Errorf("protocol: %d trailing bytes after decode", r.buf.Len())
	}
	return nil
}

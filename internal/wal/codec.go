package wal

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/dreamware/cortex/internal/concept"
)

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// writeLenString and readLenString encode a string as a 4-byte big-endian
// length prefix followed by its UTF-8 bytes, matching the wire protocol's
// framing convention so the two on-disk formats stay visually consistent.
func writeLenString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readLenString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeLenStringSlice(buf *bytes.Buffer, ss []string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ss)))
	buf.Write(lenBuf[:])
	for _, s := range ss {
		writeLenString(buf, s)
	}
}

func readLenStringSlice(r *bytes.Reader) ([]string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]string, n)
	for i := range out {
		s, err := readLenString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func writeStringMap(buf *bytes.Buffer, m map[string]string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m)))
	buf.Write(lenBuf[:])
	for k, v := range m {
		writeLenString(buf, k)
		writeLenString(buf, v)
	}
}

func readStringMap(r *bytes.Reader) (map[string]string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readLenString(r)
		if err != nil {
			return nil, err
		}
		v, err := readLenString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func writeFloat32Slice(buf *bytes.Buffer, fs []float32) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(fs)))
	buf.Write(lenBuf[:])
	var fb [4]byte
	for _, f := range fs {
		binary.BigEndian.PutUint32(fb[:], math.Float32bits(f))
		buf.Write(fb[:])
	}
}

func readFloat32Slice(r *bytes.Reader) ([]float32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	out := make([]float32, n)
	var fb [4]byte
	for i := range out {
		if _, err := io.ReadFull(r, fb[:]); err != nil {
			return nil, err
		}
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(fb[:]))
	}
	return out, nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeFloat32(buf *bytes.Buffer, v float32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	buf.Write(b[:])
}

func readFloat32(r *bytes.Reader) (float32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b[:])), nil
}

func writeConceptBody(buf *bytes.Buffer, c *concept.Concept) {
	buf.Write(c.ID[:])
	writeLenString(buf, c.Content)
	writeFloat32Slice(buf, c.Embedding)
	writeLenString(buf, c.Metadata.Namespace)
	writeLenString(buf, c.Metadata.Creator)
	writeLenString(buf, string(c.Metadata.Type))
	writeLenStringSlice(buf, c.Metadata.Tags)
	writeStringMap(buf, c.Metadata.Attributes)
	if c.Metadata.SoftDeleted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint64(buf, uint64(c.Metadata.SchemaVersion))
	writeInt64(buf, c.CreatedAt.Unix())
	writeInt64(buf, c.LastAccessAt.Unix())
	writeUint64(buf, c.AccessCount)
	writeFloat32(buf, c.Strength)
	writeFloat32(buf, c.Confidence)
}

func readConceptBody(r *bytes.Reader) (*concept.Concept, error) {
	c := &concept.Concept{}
	if _, err := io.ReadFull(r, c.ID[:]); err != nil {
		return nil, err
	}
	var err error
	if c.Content, err = readLenString(r); err != nil {
		return nil, err
	}
	if c.Embedding, err = readFloat32Slice(r); err != nil {
		return nil, err
	}
	if c.Metadata.Namespace, err = readLenString(r); err != nil {
		return nil, err
	}
	if c.Metadata.Creator, err = readLenString(r); err != nil {
		return nil, err
	}
	typ, err := readLenString(r)
	if err != nil {
		return nil, err
	}
	c.Metadata.Type = concept.Type(typ)
	if c.Metadata.Tags, err = readLenStringSlice(r); err != nil {
		return nil, err
	}
	if c.Metadata.Attributes, err = readStringMap(r); err != nil {
		return nil, err
	}
	softDeleted, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	c.Metadata.SoftDeleted = softDeleted == 1
	schemaVersion, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	c.Metadata.SchemaVersion = uint32(schemaVersion)
	createdAt, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = unixToTime(createdAt)
	lastAccessAt, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	c.LastAccessAt = unixToTime(lastAccessAt)
	if c.AccessCount, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.Strength, err = readFloat32(r); err != nil {
		return nil, err
	}
	if c.Confidence, err = readFloat32(r); err != nil {
		return nil, err
	}
	return c, nil
}

func writeAssociationBody(buf *bytes.Buffer, a *concept.Association) {
	buf.Write(a.Source[:])
	buf.Write(a.Target[:])
	writeLenString(buf, string(a.Type))
	writeFloat32(buf, a.Confidence)
	writeFloat32(buf, a.Weight)
	writeInt64(buf, a.CreatedAt.Unix())
	writeInt64(buf, a.LastUsedAt.Unix())
}

func readAssociationBody(r *bytes.Reader) (*concept.Association, error) {
	a := &concept.Association{}
	if _, err := io.ReadFull(r, a.Source[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, a.Target[:]); err != nil {
		return nil, err
	}
	typ, err := readLenString(r)
	if err != nil {
		return nil, err
	}
	a.Type = concept.AssociationType(typ)
	if a.Confidence, err = readFloat32(r); err != nil {
		return nil, err
	}
	if a.Weight, err = readFloat32(r); err != nil {
		return nil, err
	}
	createdAt, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = unixToTime(createdAt)
	lastUsedAt, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	a.LastUsedAt = unixToTime(lastUsedAt)
	return a, nil
}

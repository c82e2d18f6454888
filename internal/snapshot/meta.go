package snapshot

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dreamware/cortex/internal/concept"
)

// encodeMetaBlob and decodeMetaBlob serialize the variable-length parts of
// concept.Metadata (namespace, creator, type, tags, attributes, schema
// version) that don't fit the concept section's fixed-width record. The
// blob is packed into the content section right after the concept's raw
// content bytes, addressed by its own offset/length pair.
func encodeMetaBlob(m concept.Metadata) []byte {
	var buf bytes.Buffer
	writeStr(&buf, m.Namespace)
	writeStr(&buf, m.Creator)
	writeStr(&buf, string(m.Type))
	writeStrSlice(&buf, m.Tags)
	writeStrMap(&buf, m.Attributes)
	var schemaBuf [4]byte
	binary.BigEndian.PutUint32(schemaBuf[:], m.SchemaVersion)
	buf.Write(schemaBuf[:])
	return buf.Bytes()
}

func decodeMetaBlob(data []byte) (concept.Metadata, error) {
	var m concept.Metadata
	r := bytes.NewReader(data)
	var err error
	if m.Namespace, err = readStr(r); err != nil {
		return m, err
	}
	if m.Creator, err = readStr(r); err != nil {
		return m, err
	}
	typ, err := readStr(r)
	if err != nil {
		return m, err
	}
	m.Type = concept.Type(typ)
	if m.Tags, err = readStrSlice(r); err != nil {
		return m, err
	}
	if m.Attributes, err = readStrMap(r); err != nil {
		return m, err
	}
	var schemaBuf [4]byte
	if _, err := io.ReadFull(r, schemaBuf[:]); err != nil {
		return m, err
	}
	m.SchemaVersion = binary.BigEndian.Uint32(schemaBuf[:])
	return m, nil
}

func writeStr(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readStr(r *bytes.Reader) (string, error) {
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

func writeStrSlice(buf *bytes.Buffer, ss []string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ss)))
	buf.Write(lenBuf[:])
	for _, s := range ss {
		writeStr(buf, s)
	}
}

func readStrSlice(r *bytes.Reader) ([]string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	out := make([]string, n)
	for i := range out {
		s, err := readStr(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func writeStrMap(buf *bytes.Buffer, m map[string]string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m)))
	buf.Write(lenBuf[:])
	for k, v := range m {
		writeStr(buf, k)
		writeStr(buf, v)
	}
}

func readStrMap(r *bytes.Reader) (map[string]string, error) {
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
		k, err := readStr(r)
		if err != nil {
			return nil, err
		}
		v, err := readStr(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

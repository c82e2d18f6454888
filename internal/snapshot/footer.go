package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dreamware/cortex/internal/concept"
)

// buildFooter assembles the footer region described in spec §4.3: a
// length-prefixed bloom filter blob followed by the offset index (count
// plus identifier/offset pairs). The trailing checksum is appended by the
// caller once the footer's own length is known.
func buildFooter(index []IndexEntry) ([]byte, error) {
	ids := make([]concept.Identifier, len(index))
	for i, e := range index {
		ids[i] = e.ID
	}
	mf, err := newMembershipFilter(ids)
	if err != nil {
		return nil, err
	}
	filterBlob, err := mf.marshal()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(filterBlob)))
	buf.Write(lenBuf[:])
	buf.Write(filterBlob)

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(index)))
	buf.Write(countBuf[:])

	for _, e := range index {
		buf.Write(e.ID[:])
		var offBuf [8]byte
		binary.BigEndian.PutUint64(offBuf[:], e.Offset)
		buf.Write(offBuf[:])
	}
	return buf.Bytes(), nil
}

// decodeFooter parses the footer region starting at data[0] (which must be
// data[footerOffset:] from the caller), returning the bloom filter and the
// full offset index.
func decodeFooter(data []byte) (*membershipFilter, []IndexEntry, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("snapshot: footer truncated before filter length")
	}
	filterLen := binary.BigEndian.Uint32(data[:4])
	pos := uint64(4)
	if pos+uint64(filterLen) > uint64(len(data)) {
		return nil, nil, fmt.Errorf("snapshot: footer truncated in filter blob")
	}
	mf, err := unmarshalMembershipFilter(data[pos : pos+uint64(filterLen)])
	if err != nil {
		return nil, nil, err
	}
	pos += uint64(filterLen)

	if pos+8 > uint64(len(data)) {
		return nil, nil, fmt.Errorf("snapshot: footer truncated before index count")
	}
	count := binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	entrySize := uint64(16 + 8)
	index := make([]IndexEntry, count)
	for i := uint64(0); i < count; i++ {
		if pos+entrySize > uint64(len(data)) {
			return nil, nil, fmt.Errorf("snapshot: footer truncated in index entries")
		}
		var e IndexEntry
		copy(e.ID[:], data[pos:pos+16])
		e.Offset = binary.BigEndian.Uint64(data[pos+16 : pos+24])
		index[i] = e
		pos += entrySize
	}
	return mf, index, nil
}

// parseFooterLength reports the total byte length of the footer region
// (filter blob + index), so the caller can locate the trailing checksum
// that follows it, without fully decoding the index.
func parseFooterLength(data []byte) (uint64, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("snapshot: footer truncated before filter length")
	}
	filterLen := binary.BigEndian.Uint32(data[:4])
	pos := uint64(4) + uint64(filterLen)
	if pos+8 > uint64(len(data)) {
		return 0, fmt.Errorf("snapshot: footer truncated before index count")
	}
	count := binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8
	pos += count * (16 + 8)
	if pos > uint64(len(data)) {
		return 0, io.ErrUnexpectedEOF
	}
	return pos, nil
}

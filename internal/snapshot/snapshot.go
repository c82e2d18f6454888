// Package snapshot implements the binary snapshot file described in spec
// §4.3: a single atomically-renamed file holding every concept,
// association, and embedding as of some WAL sequence number, laid out so
// that opening it is a memory map and reads are zero-copy slices.
//
// The file is built once per flush by Build, written to a temp path and
// renamed into place (the atomic install point named in spec §5.7), and
// opened for reads by Open, which memory-maps it via
// github.com/edsrzf/mmap-go. A File is read-only; there is no in-place
// mutation — the engine always writes a brand new file and swaps the
// pointer.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	"github.com/dreamware/cortex/internal/concept"
)

var magic = [8]byte{'C', 'O', 'R', 'T', 'E', 'X', 'S', 'N'}

// FormatVersion is bumped whenever the on-disk layout changes
// incompatibly.
const FormatVersion uint32 = 1

// ErrBadMagic is returned by Open when the file does not start with the
// expected magic tag.
var ErrBadMagic = fmt.Errorf("snapshot: bad magic tag")

// ErrChecksumMismatch is returned by Open (and reported by
// cmd/snapshotverify) when the trailing checksum does not match the
// recomputed one, meaning the file was corrupted or truncated.
var ErrChecksumMismatch = fmt.Errorf("snapshot: checksum mismatch")

// ErrVersionMismatch is returned by Open when the file's format version is
// newer than this binary understands.
var ErrVersionMismatch = fmt.Errorf("snapshot: unsupported format version")

// Header is the fixed-size leading structure of a snapshot file (spec
// §4.3's "fixed header"). All fields are fixed-width so it round-trips
// through encoding/binary without any variable-length handling.
type Header struct {
	Magic            [8]byte
	Version          uint32
	_                uint32 // alignment padding, reserved
	ConceptCount     uint64
	AssociationCount uint64
	VectorCount      uint64
	Dimension        uint32
	_                uint32 // alignment padding, reserved
	LastSeq          uint64
	ContentSectionLen uint64
	FooterOffset     uint64
	Reserved         [32]byte
}

var headerSize = binary.Size(Header{})

// conceptRecord is the fixed-width on-disk shape of one concept (spec
// §4.3's concept section). Content and serialized metadata live in the
// content section, addressed by offset/length; VectorIndex addresses the
// vector section, or vectorIndexNone if the concept has no embedding.
type conceptRecord struct {
	ID               [16]byte
	ContentOffset    uint64
	ContentLen       uint32
	MetaOffset       uint64
	MetaLen          uint32
	VectorIndex      uint32
	CreatedAtUnix    int64
	LastAccessAtUnix int64
	AccessCount      uint64
	Strength         float32
	Confidence       float32
	SoftDeleted      byte
	_                [3]byte // padding, reserved
}

const vectorIndexNone uint32 = 0xFFFFFFFF

var conceptRecordSize = binary.Size(conceptRecord{})

// associationRecord is the fixed-width on-disk shape of one association
// (spec §4.3's association section).
type associationRecord struct {
	Source        [16]byte
	Target        [16]byte
	TypeCode      byte
	_             [7]byte // padding, reserved
	Confidence    float32
	Weight        float32
	CreatedAtUnix int64
	LastUsedAtUnix int64
}

var associationRecordSize = binary.Size(associationRecord{})

var assocTypeCodes = map[concept.AssociationType]byte{
	concept.AssocSemantic:      1,
	concept.AssocCausal:        2,
	concept.AssocTemporal:      3,
	concept.AssocHierarchical:  4,
	concept.AssocCompositional: 5,
	concept.AssocOwner:         6,
	concept.AssocSession:       7,
	concept.AssocRole:          8,
}

var assocTypeNames = func() map[byte]concept.AssociationType {
	m := make(map[byte]concept.AssociationType, len(assocTypeCodes))
	for t, c := range assocTypeCodes {
		m[c] = t
	}
	return m
}()

// IndexEntry is one entry of the footer's offset index: an identifier and
// the byte offset of its fixed-width record within the concept section.
type IndexEntry struct {
	ID     concept.Identifier
	Offset uint64
}

// File is an opened, memory-mapped snapshot. All reads are zero-copy
// slices into the mapped region; File itself is safe for concurrent
// readers since it never mutates the mapping.
type File struct {
	data      mmap.MMap
	f         *os.File
	header    Header
	index     map[concept.Identifier]uint64 // id -> byte offset in concept section
	filter    *membershipFilter
	conceptsAt uint64
	assocsAt   uint64
	contentAt  uint64
	vectorsAt  uint64
	path      string
}

// Open memory-maps the snapshot file at path, validates its checksum and
// magic tag, and loads the footer's offset index into memory for O(1)
// identifier lookups (spec §4.3: "fixed-width primary records give O(1)
// random access").
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: mapping %s: %w", path, err)
	}

	sf := &File{data: data, f: f, path: path}
	if err := sf.parse(); err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}
	return sf, nil
}

func (sf *File) parse() error {
	if len(sf.data) < headerSize {
		return fmt.Errorf("snapshot: file too small for header")
	}
	hr := bytes.NewReader(sf.data[:headerSize])
	if err := binary.Read(hr, binary.BigEndian, &sf.header); err != nil {
		return fmt.Errorf("snapshot: decoding header: %w", err)
	}
	if sf.header.Magic != magic {
		return ErrBadMagic
	}
	if sf.header.Version > FormatVersion {
		return ErrVersionMismatch
	}

	sf.conceptsAt = uint64(headerSize)
	sf.assocsAt = sf.conceptsAt + sf.header.ConceptCount*uint64(conceptRecordSize)
	sf.contentAt = sf.assocsAt + sf.header.AssociationCount*uint64(associationRecordSize)
	sf.vectorsAt = sf.contentAt + sf.header.ContentSectionLen

	if sf.header.FooterOffset > uint64(len(sf.data)) {
		return fmt.Errorf("snapshot: footer offset beyond file size")
	}

	if err := verifyChecksum(sf.data, sf.header.FooterOffset); err != nil {
		return err
	}

	filter, index, err := decodeFooter(sf.data[sf.header.FooterOffset:])
	if err != nil {
		return err
	}
	sf.filter = filter
	sf.index = make(map[concept.Identifier]uint64, len(index))
	for _, e := range index {
		sf.index[e.ID] = e.Offset
	}
	return nil
}

// Close unmaps the file and releases its descriptor.
func (sf *File) Close() error {
	if err := sf.data.Unmap(); err != nil {
		return err
	}
	return sf.f.Close()
}

// ConceptCount, AssociationCount, VectorCount, Dimension, and LastSeq
// expose the fixed header fields.
func (sf *File) ConceptCount() uint64     { return sf.header.ConceptCount }
func (sf *File) AssociationCount() uint64 { return sf.header.AssociationCount }
func (sf *File) VectorCount() uint64      { return sf.header.VectorCount }
func (sf *File) Dimension() uint32        { return sf.header.Dimension }
func (sf *File) LastSeq() uint64          { return sf.header.LastSeq }

// MightContain is a fast negative-lookup short-circuit backed by the
// footer's bloom filter (spec §4.3): a false result means the identifier
// is definitely absent; a true result requires consulting the offset
// index to confirm.
func (sf *File) MightContain(id concept.Identifier) bool {
	return sf.filter.mightContain(id)
}

// Lookup returns the full Concept for id, or ok=false if absent.
func (sf *File) Lookup(id concept.Identifier) (*concept.Concept, bool, error) {
	if !sf.MightContain(id) {
		return nil, false, nil
	}
	offset, ok := sf.index[id]
	if !ok {
		return nil, false, nil
	}
	rec, err := sf.readConceptRecord(offset)
	if err != nil {
		return nil, false, err
	}
	if rec.ID != id {
		return nil, false, nil
	}
	c, err := sf.materializeConcept(rec)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Concepts iterates every concept record in the file in on-disk order,
// invoking fn for each. Iteration stops early if fn returns an error.
func (sf *File) Concepts(fn func(*concept.Concept) error) error {
	for i := uint64(0); i < sf.header.ConceptCount; i++ {
		offset := sf.conceptsAt + i*uint64(conceptRecordSize)
		rec, err := sf.readConceptRecord(offset)
		if err != nil {
			return err
		}
		c, err := sf.materializeConcept(rec)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// Associations iterates every association record in on-disk order.
func (sf *File) Associations(fn func(*concept.Association) error) error {
	for i := uint64(0); i < sf.header.AssociationCount; i++ {
		offset := sf.assocsAt + i*uint64(associationRecordSize)
		rec := associationRecord{}
		r := bytes.NewReader(sf.data[offset : offset+uint64(associationRecordSize)])
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return fmt.Errorf("snapshot: decoding association record: %w", err)
		}
		a := &concept.Association{
			Source:     rec.Source,
			Target:     rec.Target,
			Type:       assocTypeNames[rec.TypeCode],
			Confidence: rec.Confidence,
			Weight:     rec.Weight,
			CreatedAt:  unixToTime(rec.CreatedAtUnix),
			LastUsedAt: unixToTime(rec.LastUsedAtUnix),
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (sf *File) readConceptRecord(offset uint64) (conceptRecord, error) {
	var rec conceptRecord
	if offset+uint64(conceptRecordSize) > uint64(len(sf.data)) {
		return rec, fmt.Errorf("snapshot: concept record offset out of range")
	}
	r := bytes.NewReader(sf.data[offset : offset+uint64(conceptRecordSize)])
	if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
		return rec, fmt.Errorf("snapshot: decoding concept record: %w", err)
	}
	return rec, nil
}

func (sf *File) materializeConcept(rec conceptRecord) (*concept.Concept, error) {
	content := string(sf.data[sf.contentAt+rec.ContentOffset : sf.contentAt+rec.ContentOffset+uint64(rec.ContentLen)])
	meta, err := decodeMetaBlob(sf.data[sf.contentAt+rec.MetaOffset : sf.contentAt+rec.MetaOffset+uint64(rec.MetaLen)])
	if err != nil {
		return nil, err
	}
	meta.SoftDeleted = rec.SoftDeleted != 0

	var embedding []float32
	if rec.VectorIndex != vectorIndexNone {
		dim := uint64(sf.header.Dimension)
		start := sf.vectorsAt + uint64(rec.VectorIndex)*dim*4
		embedding = make([]float32, dim)
		r := bytes.NewReader(sf.data[start : start+dim*4])
		if err := binary.Read(r, binary.BigEndian, embedding); err != nil {
			return nil, fmt.Errorf("snapshot: decoding embedding: %w", err)
		}
	}

	return &concept.Concept{
		ID:           rec.ID,
		Content:      content,
		Embedding:    embedding,
		Metadata:     meta,
		CreatedAt:    unixToTime(rec.CreatedAtUnix),
		LastAccessAt: unixToTime(rec.LastAccessAtUnix),
		AccessCount:  rec.AccessCount,
		Strength:     rec.Strength,
		Confidence:   rec.Confidence,
	}, nil
}

// Build assembles a complete snapshot file for the given concepts and
// associations and installs it at path via write-temp-then-rename, the
// atomic install point named in spec §4.3/§5.7. dimension is the store's
// configured vector dimension (0 if the store has no vectors yet).
func Build(path string, concepts []*concept.Concept, associations []*concept.Association, dimension uint32, lastSeq uint64) error {
	var content bytes.Buffer
	var vectors bytes.Buffer
	conceptRecords := make([]conceptRecord, len(concepts))
	vectorCount := uint64(0)

	effectiveDimension := dimension
	if effectiveDimension == 0 {
		for _, c := range concepts {
			if len(c.Embedding) > 0 {
				effectiveDimension = uint32(len(c.Embedding))
				break
			}
		}
	}

	for i, c := range concepts {
		rec := conceptRecord{
			ID:               c.ID,
			ContentOffset:    uint64(content.Len()),
			ContentLen:       uint32(len(c.Content)),
			CreatedAtUnix:    c.CreatedAt.Unix(),
			LastAccessAtUnix: c.LastAccessAt.Unix(),
			AccessCount:      c.AccessCount,
			Strength:         c.Strength,
			Confidence:       c.Confidence,
			VectorIndex:      vectorIndexNone,
		}
		if c.Metadata.SoftDeleted {
			rec.SoftDeleted = 1
		}
		content.WriteString(c.Content)

		rec.MetaOffset = uint64(content.Len())
		metaBlob := encodeMetaBlob(c.Metadata)
		rec.MetaLen = uint32(len(metaBlob))
		content.Write(metaBlob)

		if len(c.Embedding) > 0 {
			if uint32(len(c.Embedding)) != effectiveDimension {
				return fmt.Errorf("snapshot: concept %s embedding dimension %d != store dimension %d", c.ID, len(c.Embedding), effectiveDimension)
			}
			rec.VectorIndex = uint32(vectorCount)
			vectorCount++
			for _, f := range c.Embedding {
				binary.Write(&vectors, binary.BigEndian, f) //nolint:errcheck
			}
		}
		conceptRecords[i] = rec
	}

	assocRecords := make([]associationRecord, len(associations))
	for i, a := range associations {
		assocRecords[i] = associationRecord{
			Source:         a.Source,
			Target:         a.Target,
			TypeCode:       assocTypeCodes[a.Type],
			Confidence:     a.Confidence,
			Weight:         a.Weight,
			CreatedAtUnix:  a.CreatedAt.Unix(),
			LastUsedAtUnix: a.LastUsedAt.Unix(),
		}
	}

	var body bytes.Buffer
	for _, rec := range conceptRecords {
		binary.Write(&body, binary.BigEndian, rec) //nolint:errcheck
	}
	for _, rec := range assocRecords {
		binary.Write(&body, binary.BigEndian, rec) //nolint:errcheck
	}
	body.Write(content.Bytes())
	body.Write(vectors.Bytes())

	header := Header{
		Magic:             magic,
		Version:           FormatVersion,
		ConceptCount:      uint64(len(concepts)),
		AssociationCount:  uint64(len(associations)),
		VectorCount:       vectorCount,
		Dimension:         effectiveDimension,
		LastSeq:           lastSeq,
		ContentSectionLen: uint64(content.Len()),
	}
	header.FooterOffset = uint64(headerSize) + uint64(body.Len())

	index := make([]IndexEntry, len(conceptRecords))
	for i, rec := range conceptRecords {
		index[i] = IndexEntry{ID: rec.ID, Offset: uint64(headerSize) + uint64(i*conceptRecordSize)}
	}
	footer, err := buildFooter(index)
	if err != nil {
		return fmt.Errorf("snapshot: building footer: %w", err)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, header) //nolint:errcheck
	out.Write(body.Bytes())
	out.Write(footer)

	checksum := xxhash.Sum64(out.Bytes())
	var checksumBuf [8]byte
	binary.BigEndian.PutUint64(checksumBuf[:], checksum)
	out.Write(checksumBuf[:])

	return atomicWrite(path, out.Bytes())
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: installing snapshot: %w", err)
	}
	return nil
}

// VerifyChecksum recomputes the trailing checksum of the snapshot file at
// path without memory-mapping or parsing the rest of it, the operation
// exposed standalone by cmd/snapshotverify (spec §4.3's "verifier tool").
func VerifyChecksum(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot: reading %s: %w", path, err)
	}
	if len(data) < headerSize {
		return fmt.Errorf("snapshot: file too small for header")
	}
	var header Header
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.BigEndian, &header); err != nil {
		return fmt.Errorf("snapshot: decoding header: %w", err)
	}
	if header.Magic != magic {
		return ErrBadMagic
	}
	return verifyChecksum(data, header.FooterOffset)
}

func verifyChecksum(data []byte, footerOffset uint64) error {
	footer, err := parseFooterLength(data[footerOffset:])
	if err != nil {
		return err
	}
	checksumAt := footerOffset + footer
	if checksumAt+8 > uint64(len(data)) {
		return fmt.Errorf("snapshot: file truncated before checksum")
	}
	want := binary.BigEndian.Uint64(data[checksumAt : checksumAt+8])
	got := xxhash.Sum64(data[:checksumAt])
	if want != got {
		return ErrChecksumMismatch
	}
	return nil
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

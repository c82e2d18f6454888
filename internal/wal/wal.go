// Package wal implements the durable write-ahead log described in spec
// §4.2: a single append-only byte stream per shard, where each record is a
// length-prefixed, self-describing mutation. append fsyncs before
// returning, replay_from supports crash recovery, and truncate releases
// records already absorbed by a snapshot.
//
// The on-disk lockfile (spec §6) is acquired for the lifetime of the Writer
// via github.com/gofrs/flock, enforcing the single-writer-per-shard
// invariant; a second process opening the same store directory fails fast
// at startup rather than silently corrupting the log.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/dreamware/cortex/internal/concept"
)

// ErrSequenceGap is returned by replay when the log is missing a sequence
// number, which should never happen for a log this process wrote itself but
// is checked defensively on recovery from an unexpected shutdown.
var ErrSequenceGap = errors.New("wal: sequence gap in log")

// ErrLocked is returned by Open when another process already holds the
// shard's lockfile.
var ErrLocked = errors.New("wal: store directory is locked by another process")

// OpType tags which mutation a Record describes.
type OpType uint8

const (
	OpWriteConcept OpType = iota + 1
	OpWriteAssociation
	OpDeleteConcept
	OpDeleteAssociation
	OpUpdateField
)

// Record is one self-describing WAL entry. Only the fields relevant to Op
// are populated; the rest are zero.
type Record struct {
	Concept     *concept.Concept
	Association *concept.Association
	FieldName   string
	FieldValue  string
	ConceptID   concept.Identifier
	AssocSource concept.Identifier
	AssocTarget concept.Identifier
	AssocType   concept.AssociationType
	Seq         uint64
	Op          OpType
}

// Writer is the single writer for one shard's wal.log file. Append is safe
// for concurrent callers (serialized internally, matching spec §5's "single
// writer per shard" shared-resource rule); the sequence number it hands
// back is monotone and gap-free.
type Writer struct {
	file    *os.File
	lock    *flock.Flock
	mu      sync.Mutex
	nextSeq uint64
	path    string
}

// Open opens (creating if absent) the WAL file at dir/wal.log, acquires the
// shard's advisory lockfile, and recovers the next sequence number by
// scanning any existing records. It returns ErrLocked if another process
// already holds the lock, satisfying the "lock contention" non-zero exit
// code named in spec §6.
func Open(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating store dir: %w", err)
	}
	lockPath := filepath.Join(dir, "lockfile")
	lk := flock.New(lockPath)
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("wal: acquiring lockfile: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		_ = lk.Unlock()
		return nil, fmt.Errorf("wal: opening wal.log: %w", err)
	}

	w := &Writer{file: f, lock: lk, path: path}
	if err := w.recoverNextSeq(); err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, err
	}
	return w, nil
}

func (w *Writer) recoverNextSeq() error {
	records, err := readAll(w.path)
	if err != nil {
		return err
	}
	var last uint64
	for _, r := range records {
		if r.Seq > last {
			last = r.Seq
		}
	}
	if len(records) > 0 {
		w.nextSeq = last + 1
	} else {
		w.nextSeq = 1
	}
	return nil
}

// Append writes one record, assigning it the next sequence number, and
// fsyncs before returning. Per spec §4.2's durability contract, a returned
// nil error means the bytes are durable on disk.
func (w *Writer) Append(rec Record) (uint64, error) {
	seqs, err := w.AppendGroup([]Record{rec})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendGroup writes several records as one fsync boundary (spec §4.6's
// "group commit" for a learn operation that also creates associations),
// returning their assigned sequence numbers in order.
func (w *Writer) AppendGroup(recs []Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs := make([]uint64, len(recs))
	var buf bytes.Buffer
	for i := range recs {
		recs[i].Seq = w.nextSeq
		seqs[i] = w.nextSeq
		w.nextSeq++
		encodeRecord(&buf, recs[i])
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("wal: append: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("wal: fsync: %w", err)
	}
	return seqs, nil
}

// NextSeq returns the sequence number that will be assigned to the next
// appended record, useful for snapshot headers recording "last absorbed".
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// ReplayFrom returns every record with Seq >= from, in ascending sequence
// order, for crash recovery into an empty read-view staging buffer (spec
// §4.2, §5.5).
func (w *Writer) ReplayFrom(from uint64) ([]Record, error) {
	all, err := readAll(w.path)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, r := range all {
		if r.Seq >= from {
			if len(out) > 0 && r.Seq != out[len(out)-1].Seq+1 {
				return nil, fmt.Errorf("%w: seq %d follows %d", ErrSequenceGap, r.Seq, out[len(out)-1].Seq)
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Truncate physically removes all records with Seq < upTo, rewriting the
// log file via a temp-file-then-rename so a crash mid-truncate never
// corrupts the log (spec §4.2: "truncate ... physically releases all
// records strictly below the given sequence number after a snapshot has
// absorbed them").
func (w *Writer) Truncate(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := readAll(w.path)
	if err != nil {
		return err
	}
	kept := all[:0:0]
	for _, r := range all {
		if r.Seq >= upTo {
			kept = append(kept, r)
		}
	}

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening compaction temp file: %w", err)
	}
	var buf bytes.Buffer
	for _, r := range kept {
		encodeRecord(&buf, r)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: writing compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("wal: fsync compacted log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal: installing compacted log: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopening wal.log after truncate: %w", err)
	}
	w.file = f
	return nil
}

// Close releases the lockfile and closes the underlying file. Safe to call
// once at shutdown.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.file.Close()
	if unlockErr := w.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

func readAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: opening for replay: %w", err)
	}
	defer f.Close()

	var records []Record
	for {
		rec, err := decodeRecord(f)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeRecord(buf *bytes.Buffer, r Record) {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, r.Seq) //nolint:errcheck
	body.WriteByte(byte(r.Op))
	switch r.Op {
	case OpWriteConcept:
		writeConceptBody(&body, r.Concept)
	case OpWriteAssociation:
		writeAssociationBody(&body, r.Association)
	case OpDeleteConcept:
		body.Write(r.ConceptID[:])
	case OpDeleteAssociation:
		body.Write(r.AssocSource[:])
		body.Write(r.AssocTarget[:])
		writeLenString(&body, string(r.AssocType))
	case OpUpdateField:
		body.Write(r.ConceptID[:])
		writeLenString(&body, r.FieldName)
		writeLenString(&body, r.FieldValue)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	buf.Write(lenBuf[:])
	buf.Write(body.Bytes())
}

func decodeRecord(f *os.File) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(f, body); err != nil {
		return Record{}, fmt.Errorf("wal: truncated record: %w", err)
	}
	br := bytes.NewReader(body)

	var rec Record
	if err := binary.Read(br, binary.BigEndian, &rec.Seq); err != nil {
		return Record{}, err
	}
	opByte, err := br.ReadByte()
	if err != nil {
		return Record{}, err
	}
	rec.Op = OpType(opByte)
	switch rec.Op {
	case OpWriteConcept:
		c, err := readConceptBody(br)
		if err != nil {
			return Record{}, err
		}
		rec.Concept = c
	case OpWriteAssociation:
		a, err := readAssociationBody(br)
		if err != nil {
			return Record{}, err
		}
		rec.Association = a
	case OpDeleteConcept:
		if _, err := io.ReadFull(br, rec.ConceptID[:]); err != nil {
			return Record{}, err
		}
	case OpDeleteAssociation:
		if _, err := io.ReadFull(br, rec.AssocSource[:]); err != nil {
			return Record{}, err
		}
		if _, err := io.ReadFull(br, rec.AssocTarget[:]); err != nil {
			return Record{}, err
		}
		t, err := readLenString(br)
		if err != nil {
			return Record{}, err
		}
		rec.AssocType = concept.AssociationType(t)
	case OpUpdateField:
		if _, err := io.ReadFull(br, rec.ConceptID[:]); err != nil {
			return Record{}, err
		}
		name, err := readLenString(br)
		if err != nil {
			return Record{}, err
		}
		val, err := readLenString(br)
		if err != nil {
			return Record{}, err
		}
		rec.FieldName, rec.FieldValue = name, val
	default:
		return Record{}, fmt.Errorf("wal: unknown op byte %d", opByte)
	}
	return rec, nil
}

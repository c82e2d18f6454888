package snapshot

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"

	"github.com/dreamware/cortex/internal/concept"
)

// falsePositiveRate bounds the footer bloom filter's false-positive rate
// for the negative-lookup short-circuit named in spec §4.3. It backs
// File.MightContain, which File.Lookup consults before the offset index.
const falsePositiveRate = 0.01

// membershipFilter wraps the footer's bloom filter over concept
// identifiers. A concept's 16-byte identifier is already the output of a
// strong hash (concept.IdentifierFor), so the filter hashes it again
// through xxhash to get the hash.Hash64 the bloomfilter package expects.
type membershipFilter struct {
	filter *bloomfilter.Filter
}

func newMembershipFilter(ids []concept.Identifier) (*membershipFilter, error) {
	n := uint64(len(ids))
	if n == 0 {
		n = 1
	}
	f, err := bloomfilter.NewOptimal(n, falsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("snapshot: building bloom filter: %w", err)
	}
	mf := &membershipFilter{filter: f}
	for _, id := range ids {
		mf.add(id)
	}
	return mf, nil
}

func (mf *membershipFilter) add(id concept.Identifier) {
	h := xxhash.New()
	h.Write(id[:]) //nolint:errcheck
	mf.filter.Add(h)
}

func (mf *membershipFilter) mightContain(id concept.Identifier) bool {
	if mf == nil || mf.filter == nil {
		return true // no filter loaded: fall back to consulting the index directly
	}
	h := xxhash.New()
	h.Write(id[:]) //nolint:errcheck
	return mf.filter.Contains(h)
}

func (mf *membershipFilter) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := mf.filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("snapshot: serializing bloom filter: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalMembershipFilter(data []byte) (*membershipFilter, error) {
	f, _, err := bloomfilter.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("snapshot: deserializing bloom filter: %w", err)
	}
	return &membershipFilter{filter: f}, nil
}

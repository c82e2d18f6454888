package engine

import (
	"sync"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/wal"
)

// writeLog is the short-lived staging area named C5 in the data model: it
// holds every WAL record appended since the last reconciliation fold, plus
// small indices so a point read can answer "does this connection's own
// pending write affect this identifier" in O(1) instead of rescanning the
// whole pending list (spec §4.5's read-your-writes contract).
//
// It is not literally a lock-free queue; a mutex-guarded slice plays the
// same role, matching the RWMutex-guarded maps used for every other
// shared structure in this codebase.
type writeLog struct {
	mu      sync.Mutex
	pending []wal.Record

	latestConcept map[concept.Identifier]int // index into pending

	edgeAddsBySource map[concept.Identifier][]*concept.Association
	edgeAddsByTarget map[concept.Identifier][]*concept.Association
	edgeDeletes      map[edgeKey]bool
}

func newWriteLog() *writeLog {
	return &writeLog{
		latestConcept:    make(map[concept.Identifier]int),
		edgeAddsBySource: make(map[concept.Identifier][]*concept.Association),
		edgeAddsByTarget: make(map[concept.Identifier][]*concept.Association),
		edgeDeletes:      make(map[edgeKey]bool),
	}
}

// stage appends a batch of already-durable WAL records (one AppendGroup
// call's worth) as a single atomic update to the overlay: no reader can
// observe half of the batch (spec §4.6's clear_namespace atomicity
// requirement).
func (wl *writeLog) stage(recs []wal.Record) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	for _, rec := range recs {
		idx := len(wl.pending)
		wl.pending = append(wl.pending, rec)
		wl.index(rec, idx)
	}
}

// apply is used once at startup to fold the WAL tail (records written
// after the last snapshot checkpoint but before a crash) into the overlay,
// one record at a time since they were not appended as a single group.
func (wl *writeLog) apply(rec wal.Record) {
	wl.stage([]wal.Record{rec})
}

func (wl *writeLog) index(rec wal.Record, idx int) {
	switch rec.Op {
	case wal.OpWriteConcept:
		wl.latestConcept[rec.Concept.ID] = idx
	case wal.OpDeleteConcept:
		wl.latestConcept[rec.ConceptID] = idx
	case wal.OpWriteAssociation:
		a := rec.Association
		key := keyOf(a)
		delete(wl.edgeDeletes, key)
		wl.edgeAddsBySource[a.Source] = append(wl.edgeAddsBySource[a.Source], a)
		wl.edgeAddsByTarget[a.Target] = append(wl.edgeAddsByTarget[a.Target], a)
	case wal.OpDeleteAssociation:
		key := edgeKey{Source: rec.AssocSource, Target: rec.AssocTarget, Type: rec.AssocType}
		wl.edgeDeletes[key] = true
		wl.edgeAddsBySource[key.Source] = removeEdge(wl.edgeAddsBySource[key.Source], key)
		wl.edgeAddsByTarget[key.Target] = removeEdge(wl.edgeAddsByTarget[key.Target], key)
	}
}

func (wl *writeLog) len() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return len(wl.pending)
}

// latestConceptRecord returns the most recently staged record touching id,
// if any.
func (wl *writeLog) latestConceptRecord(id concept.Identifier) (wal.Record, bool) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	idx, ok := wl.latestConcept[id]
	if !ok {
		return wal.Record{}, false
	}
	return wl.pending[idx], true
}

// stagedConceptIDs returns every identifier with a pending concept record,
// used by list_recent to include not-yet-folded concepts in its scan.
func (wl *writeLog) stagedConceptIDs() []concept.Identifier {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	out := make([]concept.Identifier, 0, len(wl.latestConcept))
	for id := range wl.latestConcept {
		out = append(out, id)
	}
	return out
}

// overlayOut and overlayIn return the edges outgoing from or incoming to
// id, staged since the last fold: additions not yet tombstoned.
func (wl *writeLog) overlayOut(id concept.Identifier) []*concept.Association {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return filterTombstoned(wl.edgeAddsBySource[id], wl.edgeDeletes)
}

func (wl *writeLog) overlayIn(id concept.Identifier) []*concept.Association {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return filterTombstoned(wl.edgeAddsByTarget[id], wl.edgeDeletes)
}

func (wl *writeLog) isDeletedEdge(key edgeKey) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.edgeDeletes[key]
}

func filterTombstoned(edges []*concept.Association, deletes map[edgeKey]bool) []*concept.Association {
	if len(edges) == 0 {
		return nil
	}
	out := make([]*concept.Association, 0, len(edges))
	for _, e := range edges {
		if !deletes[keyOf(e)] {
			out = append(out, e)
		}
	}
	return out
}

// snapshotPending returns a copy of every record staged since the last
// fold, for the reconciler to apply to a cloned read view.
func (wl *writeLog) snapshotPending() []wal.Record {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return append([]wal.Record(nil), wl.pending...)
}

// releasePrefix drops the first n records (already folded into the
// published read view) and rebuilds the indices over what remains.
func (wl *writeLog) releasePrefix(n int) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if n <= 0 {
		return
	}
	if n >= len(wl.pending) {
		wl.pending = nil
	} else {
		wl.pending = append([]wal.Record(nil), wl.pending[n:]...)
	}

	wl.latestConcept = make(map[concept.Identifier]int)
	wl.edgeAddsBySource = make(map[concept.Identifier][]*concept.Association)
	wl.edgeAddsByTarget = make(map[concept.Identifier][]*concept.Association)
	wl.edgeDeletes = make(map[edgeKey]bool)
	for idx, rec := range wl.pending {
		wl.index(rec, idx)
	}
}

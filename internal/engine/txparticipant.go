package engine

import (
	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/wal"
)

// This file is the engine-side half of internal/shardrouter's two-phase
// commit protocol (spec §4.7): a shard only ever sees "prepare this
// endpoint", "commit this mirror record", or "abort, release the pin" —
// it has no notion of a coordinator, transaction id, or the other
// participants.

// PrepareAssociationEndpoint validates that id names a live concept this
// shard owns and pins it so a concurrent delete_concept/clear_namespace
// cannot invalidate it before the coordinator decides (spec §4.7 step 1:
// "pins the affected records so concurrent writers cannot invalidate
// them"). Returns an abort-worthy error if the concept doesn't exist.
func (e *Engine) PrepareAssociationEndpoint(id concept.Identifier) error {
	c, ok := e.effectiveConcept(id)
	if !ok || c.Metadata.SoftDeleted {
		return protocol.Errorf(protocol.KindNotFound, "concept %s not found", id)
	}
	e.Pin(id)
	return nil
}

// AbortAssociationEndpoint releases a pin taken by PrepareAssociationEndpoint
// without applying any mutation (spec §4.7 step 3).
func (e *Engine) AbortAssociationEndpoint(id concept.Identifier) {
	e.Unpin(id)
}

// CommitAssociationMirror durably appends the association record to this
// shard's WAL (spec §3's mirror-record rule: both endpoints' shards carry
// the full association) and releases the pin taken on localEndpoint during
// prepare (spec §4.7 step 2).
func (e *Engine) CommitAssociationMirror(a *concept.Association, localEndpoint concept.Identifier) error {
	defer e.Unpin(localEndpoint)
	if _, err := e.appendAndStage([]wal.Record{{Op: wal.OpWriteAssociation, Association: a}}); err != nil {
		return protocol.Errorf(protocol.KindInternal, "wal append: %v", err)
	}
	return nil
}

// PrepareClearNamespace is clear_namespace's prepare step (spec §4.7 step
// 1): every concept id this shard currently holds in ns is pinned so a
// concurrent delete_concept or another in-flight transaction cannot
// invalidate it before the coordinator decides, but nothing is deleted
// yet. An id already pinned by another in-flight transaction is left
// alone and simply absent from the returned slice, which the coordinator
// commits or aborts as a unit in place of a per-id error.
func (e *Engine) PrepareClearNamespace(ns string) []concept.Identifier {
	candidates := e.namespaceConceptIDs(ns)
	pinned := candidates[:0]
	for _, id := range candidates {
		if e.isPinned(id) {
			continue
		}
		e.Pin(id)
		pinned = append(pinned, id)
	}
	return pinned
}

// AbortClearNamespace releases the pins PrepareClearNamespace took on ids
// without deleting anything (spec §4.7 step 3).
func (e *Engine) AbortClearNamespace(ids []concept.Identifier) {
	for _, id := range ids {
		e.Unpin(id)
	}
}

// CommitClearNamespace durably deletes exactly the ids PrepareClearNamespace
// pinned, cascading each one's associations, and releases every pin as it
// commits (spec §4.7 step 2). It operates only on the ids the prepare
// phase already validated and pinned, never on a fresh namespace scan, so
// the set a reader observes disappear is exactly the set every other
// shard in the transaction agreed to commit.
func (e *Engine) CommitClearNamespace(ids []concept.Identifier) (uint64, error) {
	defer func() {
		for _, id := range ids {
			e.Unpin(id)
		}
	}()
	if len(ids) == 0 {
		return 0, nil
	}
	var records []wal.Record
	for _, id := range ids {
		records = append(records, wal.Record{Op: wal.OpDeleteConcept, ConceptID: id})
		records = append(records, e.cascadeDeleteRecords(id)...)
	}
	if _, err := e.appendAndStage(records); err != nil {
		return 0, protocol.Errorf(protocol.KindInternal, "wal append: %v", err)
	}
	for _, id := range ids {
		e.index.Delete(id)
	}
	return uint64(len(ids)), nil
}

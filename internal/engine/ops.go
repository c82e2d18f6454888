package engine

import (
	"context"
	"sort"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/metrics"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/vectorindex"
	"github.com/dreamware/cortex/internal/wal"
)

// conceptTypeFor derives a concept's reserved type from its "kind"
// attribute, used by the server's administrative (subscription/goal)
// records; ordinary learn calls carry no such attribute and get the
// default TypeFact (spec §3, §4.9).
func conceptTypeFor(attrs map[string]string) concept.Type {
	switch attrs["kind"] {
	case "subscription":
		return concept.TypeSubscription
	case "goal":
		return concept.TypeGoal
	case "health_snapshot":
		return concept.TypeHealthSnapshot
	default:
		return concept.TypeFact
	}
}

// effectiveConcept resolves a concept by folding any record staged since
// the last reconciliation on top of the published read view, giving
// read-your-writes without waiting on the reconciler (spec §4.5).
func (e *Engine) effectiveConcept(id concept.Identifier) (*concept.Concept, bool) {
	rv := e.view.Load()
	base, ok := rv.concepts[id]
	rec, staged := e.wlog.latestConceptRecord(id)
	if !staged {
		return base, ok
	}
	switch rec.Op {
	case wal.OpWriteConcept:
		return rec.Concept, true
	case wal.OpDeleteConcept:
		if !ok {
			return nil, false
		}
		clone := *base
		clone.Metadata.SoftDeleted = true
		return &clone, true
	case wal.OpUpdateField:
		if !ok {
			return nil, false
		}
		clone := *base
		applyFieldUpdate(&clone, rec.FieldName, rec.FieldValue)
		return &clone, true
	default:
		return base, ok
	}
}

// appendAndStage durably appends records as one fsync group and stages
// them into the write-log overlay as a single atomic update (spec §4.6's
// "group commit").
func (e *Engine) appendAndStage(records []wal.Record) ([]uint64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	timer := metrics.NewTimer()
	seqs, err := e.wal.AppendGroup(records)
	timer.ObserveSeconds(metrics.WALAppendDuration)
	if err != nil {
		return nil, err
	}
	e.wlog.stage(records)
	for _, r := range records {
		metrics.WALAppendsTotal.WithLabelValues(opLabel(r.Op)).Inc()
	}
	return seqs, nil
}

func opLabel(op wal.OpType) string {
	switch op {
	case wal.OpWriteConcept:
		return "write_concept"
	case wal.OpWriteAssociation:
		return "write_association"
	case wal.OpDeleteConcept:
		return "delete_concept"
	case wal.OpDeleteAssociation:
		return "delete_association"
	case wal.OpUpdateField:
		return "update_field"
	default:
		return "unknown"
	}
}

// learnResult is the outcome of preparing one learn_concept call: either an
// error, or the WAL records it needs appended plus the embedding (if any)
// to insert into the vector index once those records are durable.
type learnResult struct {
	id        concept.Identifier
	records   []wal.Record
	embedding []float32
	err       error
}

func (e *Engine) prepareLearn(ctx context.Context, content string, opts protocol.LearnOptions, suppliedEmbedding []float32) learnResult {
	id := concept.IdentifierFor([]byte(content))

	if existing, ok := e.effectiveConcept(id); ok && !existing.Metadata.SoftDeleted {
		touched := *existing
		touched.Touch(currentTime())
		if opts.Strength > touched.Strength {
			touched.Strength = opts.Strength
		}
		if opts.Confidence > touched.Confidence {
			touched.Confidence = opts.Confidence
		}
		return learnResult{id: id, records: []wal.Record{{Op: wal.OpWriteConcept, Concept: &touched}}}
	}

	embedding := suppliedEmbedding
	if embedding == nil && opts.GenerateEmbedding {
		v, err := e.opts.Embedder.Embed(ctx, "", content)
		if err != nil {
			return learnResult{err: protocol.Errorf(protocol.KindEmbeddingUnavailable, "embedding service: %v", err)}
		}
		embedding = v
	}
	if len(embedding) > 0 {
		if e.opts.Dimension == 0 {
			e.opts.Dimension = len(embedding)
		} else if len(embedding) != e.opts.Dimension {
			return learnResult{err: protocol.Errorf(protocol.KindDimensionMismatch, "embedding has dimension %d, store requires %d", len(embedding), e.opts.Dimension)}
		}
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = e.opts.NamespaceDefault
	}
	strength := opts.Strength
	if strength == 0 {
		strength = 1
	}
	confidence := opts.Confidence
	if confidence == 0 {
		confidence = 1
	}
	now := currentTime()
	c := &concept.Concept{
		ID:      id,
		Content: content,
		Embedding: embedding,
		Metadata: concept.Metadata{
			Namespace:  namespace,
			Creator:    opts.Creator,
			Tags:       opts.Tags,
			Attributes: opts.Attributes,
			Type:       conceptTypeFor(opts.Attributes),
		},
		CreatedAt:    now,
		LastAccessAt: now,
		AccessCount:  1,
		Strength:     strength,
		Confidence:   confidence,
	}

	records := []wal.Record{{Op: wal.OpWriteConcept, Concept: c}}
	if opts.ExtractAssociations {
		for _, a := range e.opts.Extractor.Extract(c, opts) {
			records = append(records, wal.Record{Op: wal.OpWriteAssociation, Association: a})
		}
	}
	return learnResult{id: id, records: records, embedding: embedding}
}

// LearnConcept implements learn_concept (spec §4.6).
func (e *Engine) LearnConcept(ctx context.Context, content string, opts protocol.LearnOptions, embedding []float32) (concept.Identifier, error) {
	if e.wlog.len() >= e.opts.WriteLogHighWaterMark {
		return concept.Identifier{}, protocol.Errorf(protocol.KindOverload, "write log at capacity, retry after backoff")
	}
	res := e.prepareLearn(ctx, content, opts, embedding)
	if res.err != nil {
		return concept.Identifier{}, res.err
	}
	if _, err := e.appendAndStage(res.records); err != nil {
		return concept.Identifier{}, protocol.Errorf(protocol.KindInternal, "wal append: %v", err)
	}
	if len(res.embedding) > 0 {
		if err := e.index.Insert(res.id, res.embedding); err != nil {
			e.log.Warn().Err(err).Str("id", res.id.String()).Msg("vector index insert failed")
		}
	}
	return res.id, nil
}

// LearnBatch implements learn_batch: per-element preparation (so a single
// bad element doesn't abort the rest), but WAL appends for the whole batch
// are grouped into one fsync (spec §4.6).
func (e *Engine) LearnBatch(ctx context.Context, contents []string, opts protocol.LearnOptions) ([]concept.Identifier, []error) {
	ids := make([]concept.Identifier, len(contents))
	errs := make([]error, len(contents))
	if e.wlog.len() >= e.opts.WriteLogHighWaterMark {
		for i := range errs {
			errs[i] = protocol.Errorf(protocol.KindOverload, "write log at capacity, retry after backoff")
		}
		return ids, errs
	}

	type pendingInsert struct {
		id  concept.Identifier
		vec []float32
	}
	var allRecords []wal.Record
	var inserts []pendingInsert
	for i, content := range contents {
		res := e.prepareLearn(ctx, content, opts, nil)
		if res.err != nil {
			errs[i] = res.err
			continue
		}
		ids[i] = res.id
		allRecords = append(allRecords, res.records...)
		if len(res.embedding) > 0 {
			inserts = append(inserts, pendingInsert{id: res.id, vec: res.embedding})
		}
	}

	if len(allRecords) > 0 {
		if _, err := e.appendAndStage(allRecords); err != nil {
			werr := protocol.Errorf(protocol.KindInternal, "wal append: %v", err)
			for i := range errs {
				if errs[i] == nil {
					errs[i] = werr
				}
			}
			return ids, errs
		}
	}
	for _, ins := range inserts {
		if err := e.index.Insert(ins.id, ins.vec); err != nil {
			e.log.Warn().Err(err).Str("id", ins.id.String()).Msg("vector index insert failed")
		}
	}
	return ids, errs
}

// QueryConcept implements query_concept: a point lookup that touches
// access counters on success (spec §4.6).
func (e *Engine) QueryConcept(id concept.Identifier) (*concept.Concept, error) {
	c, ok := e.effectiveConcept(id)
	if !ok || c.Metadata.SoftDeleted {
		return nil, protocol.Errorf(protocol.KindNotFound, "concept %s not found", id)
	}
	touched := *c
	touched.Touch(currentTime())
	if _, err := e.appendAndStage([]wal.Record{{Op: wal.OpWriteConcept, Concept: &touched}}); err != nil {
		// query_concept "never fails unless the store is unreadable" (spec
		// §4.6): a touch-update append failure is logged, not returned.
		e.log.Warn().Err(err).Str("id", id.String()).Msg("touch update failed")
		return c, nil
	}
	return &touched, nil
}

// GetNeighbors implements get_neighbors: associated identifiers in
// insertion order (spec §4.6).
func (e *Engine) GetNeighbors(id concept.Identifier) ([]concept.Identifier, error) {
	if _, ok := e.effectiveConcept(id); !ok {
		return nil, protocol.Errorf(protocol.KindNotFound, "concept %s not found", id)
	}
	rv := e.view.Load()
	edges := append([]*concept.Association(nil), rv.out[id]...)
	edges = append(edges, e.wlog.overlayOut(id)...)

	out := make([]concept.Identifier, 0, len(edges))
	seen := make(map[concept.Identifier]bool, len(edges))
	for _, a := range edges {
		if e.wlog.isDeletedEdge(keyOf(a)) || seen[a.Target] {
			continue
		}
		seen[a.Target] = true
		out = append(out, a.Target)
	}
	return out, nil
}

// VectorSearch implements vector_search: delegates to the HNSW index, then
// filters out soft-deleted or foreign-namespace results (spec §4.6).
func (e *Engine) VectorSearch(query []float32, k int, efSearch int, namespace string) ([]vectorindex.Match, error) {
	if efSearch <= 0 {
		efSearch = k * 4
	}
	// Overfetch since some results may be filtered out below.
	raw, err := e.index.Search(query, k+k/2+10, efSearch)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindInternal, "vector search: %v", err)
	}
	out := make([]vectorindex.Match, 0, k)
	for _, m := range raw {
		c, ok := e.effectiveConcept(m.ID)
		if !ok || c.Metadata.SoftDeleted {
			continue
		}
		if namespace != "" && c.Metadata.Namespace != namespace {
			continue
		}
		out = append(out, m)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// cascadeDeleteRecords returns a delete-association record for every edge
// currently touching id, merging the published read view with whatever is
// staged but not yet folded (spec §3's cascade-on-delete invariant).
func (e *Engine) cascadeDeleteRecords(id concept.Identifier) []wal.Record {
	rv := e.view.Load()
	var edges []*concept.Association
	edges = append(edges, rv.out[id]...)
	edges = append(edges, rv.in[id]...)
	edges = append(edges, e.wlog.overlayOut(id)...)
	edges = append(edges, e.wlog.overlayIn(id)...)

	seen := make(map[edgeKey]bool, len(edges))
	var records []wal.Record
	for _, a := range edges {
		key := keyOf(a)
		if seen[key] || e.wlog.isDeletedEdge(key) {
			continue
		}
		seen[key] = true
		records = append(records, wal.Record{Op: wal.OpDeleteAssociation, AssocSource: a.Source, AssocTarget: a.Target, AssocType: a.Type})
	}
	return records
}

// DeleteConcept implements delete_concept: soft-delete plus cascade, and
// schedules the vector-index removal (spec §4.6). Idempotent.
func (e *Engine) DeleteConcept(id concept.Identifier) error {
	c, ok := e.effectiveConcept(id)
	if !ok || c.Metadata.SoftDeleted {
		return nil
	}
	if e.isPinned(id) {
		return protocol.Errorf(protocol.KindTxAborted, "concept %s pinned by a pending cross-shard transaction", id)
	}
	records := append([]wal.Record{{Op: wal.OpDeleteConcept, ConceptID: id}}, e.cascadeDeleteRecords(id)...)
	if _, err := e.appendAndStage(records); err != nil {
		return protocol.Errorf(protocol.KindInternal, "wal append: %v", err)
	}
	e.index.Delete(id)
	return nil
}

// namespaceConceptIDs returns every live (non-deleted) concept id in ns,
// merging the read view with anything staged but not yet folded.
func (e *Engine) namespaceConceptIDs(ns string) []concept.Identifier {
	rv := e.view.Load()
	seen := make(map[concept.Identifier]bool)
	var out []concept.Identifier
	consider := func(id concept.Identifier) {
		if seen[id] {
			return
		}
		seen[id] = true
		c, ok := e.effectiveConcept(id)
		if !ok || c.Metadata.SoftDeleted {
			return
		}
		if ns != "" && c.Metadata.Namespace != ns {
			return
		}
		out = append(out, id)
	}
	for id := range rv.concepts {
		consider(id)
	}
	for _, id := range e.wlog.stagedConceptIDs() {
		consider(id)
	}
	return out
}

// ClearNamespace implements clear_namespace: a bulk delete staged as one
// atomic group so concurrent readers observe either every matching
// concept gone or none of them (spec §4.6). Concepts pinned by a pending
// cross-shard transaction are skipped rather than failing the whole call.
func (e *Engine) ClearNamespace(ns string) (uint64, error) {
	all := e.namespaceConceptIDs(ns)
	ids := all[:0]
	for _, id := range all {
		if !e.isPinned(id) {
			ids = append(ids, id)
		}
	}
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

// ListRecent implements list_recent: newest-first by CreatedAt/LastAccessAt
// (spec §4.6).
func (e *Engine) ListRecent(ns string, limit int) []concept.Summary {
	rv := e.view.Load()
	out := rv.summaries(ns, 0)

	staged := e.wlog.stagedConceptIDs()
	if len(staged) > 0 {
		merged := make(map[concept.Identifier]concept.Summary, len(out)+len(staged))
		for _, s := range out {
			merged[s.ID] = s
		}
		for _, id := range staged {
			c, ok := e.effectiveConcept(id)
			if !ok || c.Metadata.SoftDeleted || (ns != "" && c.Metadata.Namespace != ns) {
				delete(merged, id)
				continue
			}
			merged[id] = c.ToSummary()
		}
		out = out[:0]
		for _, s := range merged {
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool { return lastTouch(out[i]).After(lastTouch(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

package engine

import (
	"sort"
	"time"

	"github.com/dreamware/cortex/internal/concept"
)

// edgeKey identifies an association uniquely by its (source, target, type)
// triple, matching the data model's statement that endpoints plus type
// determine an edge (spec §3).
type edgeKey struct {
	Source concept.Identifier
	Target concept.Identifier
	Type   concept.AssociationType
}

func keyOf(a *concept.Association) edgeKey {
	return edgeKey{Source: a.Source, Target: a.Target, Type: a.Type}
}

// readView is the immutable state a reconciliation cycle produces: every
// concept and association absorbed up through some WAL sequence number.
// Once published via Engine.view, a readView is never mutated — a new one
// replaces it wholesale (spec §4.5's "readers observe either the pre-fold
// or post-fold state, never an intermediate").
type readView struct {
	concepts map[concept.Identifier]*concept.Concept
	out      map[concept.Identifier][]*concept.Association // outgoing edges, insertion order
	in       map[concept.Identifier][]*concept.Association // incoming edges, insertion order
}

func newReadView(concepts []*concept.Concept, associations []*concept.Association) *readView {
	rv := &readView{
		concepts: make(map[concept.Identifier]*concept.Concept, len(concepts)),
		out:      make(map[concept.Identifier][]*concept.Association),
		in:       make(map[concept.Identifier][]*concept.Association),
	}
	for _, c := range concepts {
		rv.concepts[c.ID] = c
	}
	for _, a := range associations {
		rv.out[a.Source] = append(rv.out[a.Source], a)
		rv.in[a.Target] = append(rv.in[a.Target], a)
	}
	return rv
}

func (rv *readView) conceptCount() int {
	n := 0
	for _, c := range rv.concepts {
		if !c.Metadata.SoftDeleted {
			n++
		}
	}
	return n
}

func (rv *readView) associationCount() int {
	n := 0
	for _, edges := range rv.out {
		n += len(edges)
	}
	return n
}

func (rv *readView) allConcepts() []*concept.Concept {
	out := make([]*concept.Concept, 0, len(rv.concepts))
	for _, c := range rv.concepts {
		out = append(out, c)
	}
	return out
}

func (rv *readView) allAssociations() []*concept.Association {
	var out []*concept.Association
	for _, edges := range rv.out {
		out = append(out, edges...)
	}
	return out
}

// clone produces a shallow copy of rv's maps, used as the starting point
// for folding a batch of pending WAL records into a new view. Concept and
// Association values themselves are never mutated in place — a change
// always installs a new pointer — so sharing them between the old and new
// view is safe.
func (rv *readView) clone() *readView {
	next := &readView{
		concepts: make(map[concept.Identifier]*concept.Concept, len(rv.concepts)),
		out:      make(map[concept.Identifier][]*concept.Association, len(rv.out)),
		in:       make(map[concept.Identifier][]*concept.Association, len(rv.in)),
	}
	for id, c := range rv.concepts {
		next.concepts[id] = c
	}
	for id, edges := range rv.out {
		next.out[id] = append([]*concept.Association(nil), edges...)
	}
	for id, edges := range rv.in {
		next.in[id] = append([]*concept.Association(nil), edges...)
	}
	return next
}

func (rv *readView) addAssociation(a *concept.Association) {
	rv.out[a.Source] = append(rv.out[a.Source], a)
	rv.in[a.Target] = append(rv.in[a.Target], a)
}

func (rv *readView) removeAssociation(key edgeKey) {
	rv.out[key.Source] = removeEdge(rv.out[key.Source], key)
	rv.in[key.Target] = removeEdge(rv.in[key.Target], key)
}

func removeEdge(edges []*concept.Association, key edgeKey) []*concept.Association {
	out := edges[:0]
	for _, e := range edges {
		if keyOf(e) != key {
			out = append(out, e)
		}
	}
	return out
}

// removeConceptEdges strips every association touching id, used when a
// concept is deleted (spec §3's cascade invariant).
func (rv *readView) removeConceptEdges(id concept.Identifier) {
	for _, e := range append([]*concept.Association(nil), rv.out[id]...) {
		rv.removeAssociation(keyOf(e))
	}
	for _, e := range append([]*concept.Association(nil), rv.in[id]...) {
		rv.removeAssociation(keyOf(e))
	}
}

// summaries returns every non-deleted concept in ns (or every namespace if
// ns is empty), newest-first by max(CreatedAt, LastAccessAt), bounded to
// limit (spec §4.6's list_recent).
func (rv *readView) summaries(ns string, limit int) []concept.Summary {
	var out []concept.Summary
	for _, c := range rv.concepts {
		if c.Metadata.SoftDeleted {
			continue
		}
		if ns != "" && c.Metadata.Namespace != ns {
			continue
		}
		out = append(out, c.ToSummary())
	}
	sort.Slice(out, func(i, j int) bool {
		return lastTouch(out[i]).After(lastTouch(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func lastTouch(s concept.Summary) time.Time {
	if s.LastAccessAt.After(s.CreatedAt) {
		return s.LastAccessAt
	}
	return s.CreatedAt
}

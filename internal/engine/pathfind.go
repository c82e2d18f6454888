package engine

import (
	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
)

// PathStep is one hop of a found path: the association crossed and the
// concept arrived at.
type PathStep struct {
	Via *concept.Association
	To  concept.Identifier
}

// Path is the result of FindPath: the full sequence of identifiers from
// source to target, and a single combined confidence score.
type Path struct {
	Nodes      []concept.Identifier
	Steps      []PathStep
	Confidence float32
}

// defaultMaxHops bounds FindPath when the caller doesn't set one.
const defaultMaxHops = 6

type frontierEntry struct {
	prev concept.Identifier
	via  *concept.Association
	hops int
}

// FindPath searches for a connecting path between two concepts via
// bidirectional breadth-first search, never expanding a frontier past
// maxHops from either side. Association confidences along the path are
// combined by harmonic mean (so one weak link dominates the score, rather
// than being washed out by an arithmetic average); when several concepts
// join the two searches in the same layer, the path through the
// highest-strength meeting concept wins. This is exposed
// as a first-class engine operation even though nothing elsewhere in this
// module calls it, matching a traversal primitive any future subscription
// or goal-evaluator job can build on.
func (e *Engine) FindPath(from, to concept.Identifier, maxHops int) (Path, error) {
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if _, ok := e.effectiveConcept(from); !ok {
		return Path{}, protocol.Errorf(protocol.KindNotFound, "concept %s not found", from)
	}
	if _, ok := e.effectiveConcept(to); !ok {
		return Path{}, protocol.Errorf(protocol.KindNotFound, "concept %s not found", to)
	}
	if from == to {
		return Path{Nodes: []concept.Identifier{from}, Confidence: 1}, nil
	}

	cameFromFwd := map[concept.Identifier]frontierEntry{from: {}}
	cameFromBwd := map[concept.Identifier]frontierEntry{to: {}}
	frontierFwd := []concept.Identifier{from}
	frontierBwd := []concept.Identifier{to}

	var candidates []concept.Identifier
	for hop := 0; hop < maxHops && len(candidates) == 0; hop++ {
		if len(frontierFwd) == 0 || len(frontierBwd) == 0 {
			break
		}
		if len(frontierFwd) <= len(frontierBwd) {
			frontierFwd, candidates = e.expandFrontier(frontierFwd, cameFromFwd, cameFromBwd, false)
		} else {
			frontierBwd, candidates = e.expandFrontier(frontierBwd, cameFromBwd, cameFromFwd, true)
		}
	}
	if len(candidates) == 0 {
		return Path{}, protocol.Errorf(protocol.KindNotFound, "no path within %d hops", maxHops)
	}

	// Every candidate in this layer ties on hop count; break the tie in
	// favor of the one meeting on the highest-strength concept.
	meet := candidates[0]
	best := e.endpointStrength(meet)
	for _, c := range candidates[1:] {
		if s := e.endpointStrength(c); s > best {
			meet, best = c, s
		}
	}

	var fwdNodes []concept.Identifier
	var fwdSteps []PathStep
	for cur := meet; ; {
		fwdNodes = append([]concept.Identifier{cur}, fwdNodes...)
		entry := cameFromFwd[cur]
		if cur == from {
			break
		}
		fwdSteps = append([]PathStep{{Via: entry.via, To: cur}}, fwdSteps...)
		cur = entry.prev
	}

	var bwdNodes []concept.Identifier
	var bwdSteps []PathStep
	for cur := meet; cur != to; {
		entry := cameFromBwd[cur]
		bwdNodes = append(bwdNodes, entry.prev)
		bwdSteps = append(bwdSteps, PathStep{Via: entry.via, To: entry.prev})
		cur = entry.prev
	}

	nodes := append(fwdNodes, bwdNodes...)
	steps := append(fwdSteps, bwdSteps...)
	confidence := harmonicMeanConfidence(steps)
	return Path{Nodes: nodes, Steps: steps, Confidence: confidence}, nil
}

// expandFrontier advances one full BFS layer from frontier (already present
// in own), checking each newly-discovered neighbor against other (the
// opposite search's visited set) for a meeting point. It does not stop at
// the first meeting point found: every candidate at this layer ties on hop
// count, so all of them are returned for FindPath to break the tie by
// endpoint strength.
func (e *Engine) expandFrontier(
	frontier []concept.Identifier,
	own map[concept.Identifier]frontierEntry,
	other map[concept.Identifier]frontierEntry,
	reversed bool,
) ([]concept.Identifier, []concept.Identifier) {
	var next []concept.Identifier
	var meetings []concept.Identifier
	for _, id := range frontier {
		entry := own[id]
		for _, a := range e.adjacency(id, reversed) {
			neighbor := a.Target
			if reversed {
				neighbor = a.Source
			}
			if _, seen := own[neighbor]; seen {
				continue
			}
			own[neighbor] = frontierEntry{prev: id, via: a, hops: entry.hops + 1}
			next = append(next, neighbor)
			if _, met := other[neighbor]; met {
				meetings = append(meetings, neighbor)
			}
		}
	}
	return next, meetings
}

// adjacency returns the outgoing (or, if reversed, incoming) edges of id,
// merging the published view with the write-log overlay and deduplicating
// anything tombstoned since.
func (e *Engine) adjacency(id concept.Identifier, reversed bool) []*concept.Association {
	rv := e.view.Load()
	var edges []*concept.Association
	if reversed {
		edges = append(edges, rv.in[id]...)
		edges = append(edges, e.wlog.overlayIn(id)...)
	} else {
		edges = append(edges, rv.out[id]...)
		edges = append(edges, e.wlog.overlayOut(id)...)
	}
	out := make([]*concept.Association, 0, len(edges))
	seen := make(map[edgeKey]bool, len(edges))
	for _, a := range edges {
		key := keyOf(a)
		if seen[key] || e.wlog.isDeletedEdge(key) {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// harmonicMeanConfidence combines the confidences of every edge on a path
// via their harmonic mean, so a single weak link dominates the result
// rather than being diluted by strong ones elsewhere on the path.
func harmonicMeanConfidence(steps []PathStep) float32 {
	if len(steps) == 0 {
		return 1
	}
	var sumInv float64
	for _, s := range steps {
		c := float64(s.Via.Confidence)
		if c <= 0 {
			return 0
		}
		sumInv += 1 / c
	}
	return float32(float64(len(steps)) / sumInv)
}

// endpointStrength scores a meeting concept for FindPath's tie-break
// between equal-length paths; path confidence plays no part in it.
func (e *Engine) endpointStrength(id concept.Identifier) float32 {
	if c, ok := e.effectiveConcept(id); ok {
		return c.Strength
	}
	return 0
}

package vectorindex

import (
	"container/heap"
	"math"
	"sort"

	"github.com/dreamware/cortex/internal/concept"
)

// candidate pairs a node identifier with its distance to some query
// vector (smaller is closer). Search and insertion both operate over
// candidate lists.
type candidate struct {
	id   concept.Identifier
	dist float32
}

type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// l2Norm computes the Euclidean norm of v.
func l2Norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosineDistance returns 1 - cosine_similarity(a, b), so 0 means
// identical direction and larger values mean less similar. A zero-norm
// vector is treated as maximally distant from everything but itself.
func cosineDistance(a []float32, normA float32, b []float32, normB float32) float32 {
	if normA == 0 || normB == 0 {
		return 2
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	cos := dot / (normA * normB)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return 1 - cos
}

// distanceToSimilarity rescales a cosine distance back to the [0, 1]
// similarity score returned to callers (spec §9's Open Question
// resolution): identical vectors score 1.0, orthogonal vectors score 0.5,
// opposite vectors score 0.0.
func distanceToSimilarity(dist float32) float32 {
	cos := 1 - dist
	return (cos + 1) / 2
}

// distance computes the cosine distance between query (with precomputed
// norm queryNorm) and the stored node named id. Callers hold idx.mu.
func (idx *Index) distance(query []float32, queryNorm float32, id concept.Identifier) float32 {
	n, ok := idx.nodes[id]
	if !ok {
		return math.MaxFloat32
	}
	return cosineDistance(query, queryNorm, n.vector, n.norm)
}

// greedySearchLayer performs a single-best-result search-layer pass,
// used while descending through upper layers to find a good entry point
// for the layer below (spec §4.4's standard HNSW descent).
func (idx *Index) greedySearchLayer(query []float32, queryNorm float32, entry concept.Identifier, layer int, ef int) []candidate {
	entryDist := idx.distance(query, queryNorm, entry)
	return idx.searchLayerFrom(query, queryNorm, []candidate{{id: entry, dist: entryDist}}, layer, ef)
}

// searchLayerFrom is the core HNSW search-layer algorithm: a best-first
// traversal bounded by a result set of size ef. Callers hold idx.mu.
func (idx *Index) searchLayerFrom(query []float32, queryNorm float32, entryPoints []candidate, layer int, ef int) []candidate {
	visited := make(map[concept.Identifier]bool, ef*2)
	candidates := &minHeap{}
	results := &maxHeap{}
	heap.Init(candidates)
	heap.Init(results)

	for _, e := range entryPoints {
		if visited[e.id] {
			continue
		}
		visited[e.id] = true
		heap.Push(candidates, e)
		heap.Push(results, e)
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		n, ok := idx.nodes[c.id]
		if !ok || layer >= len(n.neighbors) {
			continue
		}
		for _, nbID := range n.neighbors[layer] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			d := idx.distance(query, queryNorm, nbID)
			if results.Len() < ef {
				heap.Push(candidates, candidate{id: nbID, dist: d})
				heap.Push(results, candidate{id: nbID, dist: d})
			} else if d < (*results)[0].dist {
				heap.Push(candidates, candidate{id: nbID, dist: d})
				heap.Push(results, candidate{id: nbID, dist: d})
				heap.Pop(results)
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// selectNeighbors trims a candidate list (already sorted ascending by
// distance) down to at most m entries.
func selectNeighbors(candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

func idsOf(candidates []candidate) []concept.Identifier {
	out := make([]concept.Identifier, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func removeID(ids []concept.Identifier, target concept.Identifier) []concept.Identifier {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// link adds a directed edge from `a` to `b` at layer, pruning a's
// neighbor list back down to the layer's max degree (mMax0 at layer 0, m
// above it) by keeping the closest neighbors to a's own vector. Callers
// hold idx.mu.
func (idx *Index) link(a, b concept.Identifier, layer int) {
	na, ok := idx.nodes[a]
	if !ok || layer >= len(na.neighbors) {
		return
	}
	na.neighbors[layer] = append(na.neighbors[layer], b)

	maxDegree := idx.m
	if layer == 0 {
		maxDegree = idx.mMax0
	}
	if len(na.neighbors[layer]) <= maxDegree {
		return
	}

	type scored struct {
		id   concept.Identifier
		dist float32
	}
	scoredNeighbors := make([]scored, 0, len(na.neighbors[layer]))
	for _, nb := range na.neighbors[layer] {
		nbNode, ok := idx.nodes[nb]
		if !ok {
			continue
		}
		scoredNeighbors = append(scoredNeighbors, scored{id: nb, dist: cosineDistance(na.vector, na.norm, nbNode.vector, nbNode.norm)})
	}
	sort.Slice(scoredNeighbors, func(i, j int) bool { return scoredNeighbors[i].dist < scoredNeighbors[j].dist })
	if len(scoredNeighbors) > maxDegree {
		scoredNeighbors = scoredNeighbors[:maxDegree]
	}
	kept := make([]concept.Identifier, len(scoredNeighbors))
	for i, s := range scoredNeighbors {
		kept[i] = s.id
	}
	na.neighbors[layer] = kept
}

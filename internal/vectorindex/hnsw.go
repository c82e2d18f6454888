// Package vectorindex implements the persistent approximate-nearest-
// neighbor index described in spec §4.4: a hierarchical navigable small
// world (HNSW) graph over concept embeddings. The index stores identifiers
// and vectors only — it is never authoritative for concept content, and
// its consistency with the snapshot is checked by the engine at open time.
//
// No library in the retrieval pack offers an HNSW graph with an
// in-process, payload-free API (the one vector-search dependency seen in
// the pack, sqlite-vec, is a CGO SQL extension that stores rows alongside
// vectors, which would violate the "index never stores concept payloads"
// invariant), so this package implements the algorithm directly.
package vectorindex

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/dreamware/cortex/internal/concept"
)

// DefaultM is the maximum number of bidirectional links per node at levels
// above 0.
const DefaultM = 16

// DefaultEfConstruction is the candidate list size used while inserting.
const DefaultEfConstruction = 200

// Match is one search result: a concept identifier and its similarity to
// the query vector, rescaled to [0, 1] (spec §9's resolved Open Question:
// cosine similarity mapped via (cosine+1)/2 so an all-zero or
// anti-parallel vector never reports a negative score).
type Match struct {
	ID         concept.Identifier
	Similarity float32
}

// Stats is the cardinality/health snapshot returned by (*Index).Stats.
type Stats struct {
	Count          int
	Dimension      int
	Dirty          bool
	GraphFileBytes int64
	DataFileBytes  int64
}

type node struct {
	id     concept.Identifier
	vector []float32
	norm   float32
	// neighbors[layer] holds the identifiers this node links to at that
	// layer, ordered nearest-first.
	neighbors [][]concept.Identifier
}

// Index is a single HNSW graph over fixed-dimension embeddings. It is safe
// for concurrent Search calls and serializes Insert/Save internally.
type Index struct {
	mu             sync.RWMutex
	dim            int
	m              int
	mMax0          int
	efConstruction int
	levelMult      float64
	rng            *rand.Rand

	entryPoint concept.Identifier
	hasEntry   bool
	maxLevel   int

	nodes map[concept.Identifier]*node
	dirty bool
}

// New creates an empty index over vectors of the given dimension.
func New(dimension int) *Index {
	return &Index{
		dim:            dimension,
		m:              DefaultM,
		mMax0:          DefaultM * 2,
		efConstruction: DefaultEfConstruction,
		levelMult:      1.0 / math.Log(float64(DefaultM)),
		rng:            rand.New(rand.NewSource(1)),
		nodes:          make(map[concept.Identifier]*node),
	}
}

// Dimension reports the index's fixed vector dimension.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// LoadOrBuild attempts to open the on-disk index files next to dir; on any
// failure (missing files, corrupt data, dimension mismatch) it rebuilds
// from existingVectors and marks the result dirty so the next Save
// persists the rebuilt graph (spec §4.4).
func LoadOrBuild(dir string, dimension int, existingVectors map[concept.Identifier][]float32) (*Index, error) {
	idx, err := Load(dir)
	if err == nil && idx.dim == dimension {
		return idx, nil
	}
	return BuildFromVectors(dimension, existingVectors), nil
}

// BuildFromVectors constructs a fresh index by inserting every vector in
// iteration order (map order is randomized by Go itself, which is fine:
// HNSW's quality is not sensitive to insertion order for a rebuild). The
// result is marked dirty.
func BuildFromVectors(dimension int, vectors map[concept.Identifier][]float32) *Index {
	idx := New(dimension)
	for id, v := range vectors {
		// BuildFromVectors is the recovery path; a malformed stored vector
		// is dropped rather than aborting the whole rebuild.
		_ = idx.Insert(id, v)
	}
	idx.dirty = true
	return idx
}

// IDs returns every identifier currently indexed, used by the engine to
// cross-check index/snapshot consistency at open (spec §4.4).
func (idx *Index) IDs() []concept.Identifier {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]concept.Identifier, 0, len(idx.nodes))
	for id := range idx.nodes {
		out = append(out, id)
	}
	return out
}

// Contains reports whether id is present in the index.
func (idx *Index) Contains(id concept.Identifier) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.nodes[id]
	return ok
}

// Insert incrementally adds id/vector to the graph. A subsequent Search
// observing this insert returns id among its top results for its own
// vector with similarity >= 0.9 (spec §4.4's guarantee — trivially true
// since cosine similarity of a vector with itself is 1.0, rescaled to
// 1.0). Re-inserting an existing id replaces its vector and relinks it.
func (idx *Index) Insert(id concept.Identifier, vector []float32) error {
	if len(vector) != idx.dim {
		return fmt.Errorf("vectorindex: vector has dimension %d, index requires %d", len(vector), idx.dim)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		// Re-inserting an existing identifier: remove it first so the
		// entry-point bookkeeping and search below never reference the
		// stale (or about-to-be-replaced) node, which would otherwise
		// risk linking it to itself.
		idx.removeLocked(id)
	}

	level := idx.randomLevel()
	n := &node{
		id:        id,
		vector:    vector,
		norm:      l2Norm(vector),
		neighbors: make([][]concept.Identifier, level+1),
	}
	idx.nodes[id] = n
	idx.dirty = true

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		idx.maxLevel = level
		return nil
	}

	qNorm := n.norm
	entry := idx.entryPoint
	for l := idx.maxLevel; l > level; l-- {
		nearest := idx.greedySearchLayer(vector, qNorm, entry, l, 1)
		if len(nearest) > 0 {
			entry = nearest[0].id
		}
	}

	entries := []candidate{{id: entry, dist: idx.distance(vector, qNorm, entry)}}
	for l := min(level, idx.maxLevel); l >= 0; l-- {
		candidates := idx.searchLayerFrom(vector, qNorm, entries, l, idx.efConstruction)
		neighbors := selectNeighbors(candidates, idx.m)
		n.neighbors[l] = idsOf(neighbors)
		for _, nb := range neighbors {
			idx.link(nb.id, id, l)
		}
		entries = candidates
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
	return nil
}

// Delete removes id from the graph, unlinking it from every neighbor.
func (idx *Index) Delete(id concept.Identifier) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.nodes[id]; !ok {
		return
	}
	idx.removeLocked(id)
	idx.dirty = true
}

// removeLocked unlinks and deletes id, repairing the entry point if id
// was it. Callers hold idx.mu and have already confirmed id exists.
func (idx *Index) removeLocked(id concept.Identifier) {
	idx.unlinkLocked(id)
	delete(idx.nodes, id)
	if idx.entryPoint == id {
		idx.hasEntry = false
		idx.maxLevel = 0
		for otherID, other := range idx.nodes {
			idx.entryPoint = otherID
			idx.hasEntry = true
			idx.maxLevel = len(other.neighbors) - 1
			break
		}
	}
}

func (idx *Index) unlinkLocked(id concept.Identifier) {
	n, ok := idx.nodes[id]
	if !ok {
		return
	}
	for layer, neighbors := range n.neighbors {
		for _, nb := range neighbors {
			other, ok := idx.nodes[nb]
			if !ok || layer >= len(other.neighbors) {
				continue
			}
			other.neighbors[layer] = removeID(other.neighbors[layer], id)
		}
	}
}

// Search returns up to k matches for query, ordered by descending
// similarity. efSearch controls the candidate beam width at layer 0:
// larger values trade latency for recall (spec §4.4).
func (idx *Index) Search(query []float32, k int, efSearch int) ([]Match, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("vectorindex: query has dimension %d, index requires %d", len(query), idx.dim)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry || len(idx.nodes) == 0 {
		return nil, nil
	}
	if efSearch < k {
		efSearch = k
	}

	qNorm := l2Norm(query)
	entry := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		nearest := idx.greedySearchLayer(query, qNorm, entry, l, 1)
		if len(nearest) > 0 {
			entry = nearest[0].id
		}
	}

	candidates := idx.searchLayerFrom(query, qNorm, []candidate{{id: entry, dist: idx.distance(query, qNorm, entry)}}, 0, efSearch)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Match, len(candidates))
	for i, c := range candidates {
		out[i] = Match{ID: c.id, Similarity: distanceToSimilarity(c.dist)}
	}
	return out, nil
}

// Stats reports cardinality and dirty state; on-disk file sizes are left
// zero here, and FileSizes reports them separately (spec §4.4).
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{Count: len(idx.nodes), Dimension: idx.dim, Dirty: idx.dirty}
}

// Dirty reports whether the index has unsaved changes.
func (idx *Index) Dirty() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dirty
}

func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	if r <= 0 {
		r = 1e-12
	}
	level := int(math.Floor(-math.Log(r) * idx.levelMult))
	if level > 32 {
		level = 32 // guards against pathological float underflow
	}
	return level
}

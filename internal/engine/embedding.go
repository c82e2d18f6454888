package engine

import (
	"context"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
)

// EmbeddingClient generates a vector for a piece of text, the pluggable
// backend learn_concept calls when it needs to generate-embedding (spec
// §4.6, §6). internal/embedclient provides the HTTP-backed implementation;
// engine depends only on this interface so it can be swapped or faked in
// tests without reaching into the HTTP client at all.
type EmbeddingClient interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// NoopEmbedder never produces a vector. It is the default when no
// EmbeddingClient is configured, so a store can run with vector search
// disabled entirely rather than failing every learn call.
type NoopEmbedder struct{}

func (NoopEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return nil, nil
}

// AssociationExtractor proposes associations for a newly-learned concept
// (spec §4.6's "optionally run association extraction").
type AssociationExtractor interface {
	Extract(c *concept.Concept, opts protocol.LearnOptions) []*concept.Association
}

// NoopExtractor proposes no associations. Useful for benchmarking or for
// stores that want learn_concept's extraction step disabled entirely.
type NoopExtractor struct{}

func (NoopExtractor) Extract(*concept.Concept, protocol.LearnOptions) []*concept.Association {
	return nil
}

// defaultMaxAssociations bounds SimilarityExtractor's output when the
// caller didn't set MaxAssociationsPerConcept.
const defaultMaxAssociations = 5

// similarityExtractorEfSearch is the ef_search value SimilarityExtractor
// uses for its internal vector-index query: a fixed, moderate recall
// budget since extraction runs on every learn rather than being a
// user-facing search.
const similarityExtractorEfSearch = 64

// SimilarityExtractor proposes a semantic association from a new concept
// to each of its nearest existing neighbors in the vector index, above a
// confidence floor. It is the default extractor, bound to the owning
// Engine so it can query the index directly without an extra round trip.
type SimilarityExtractor struct {
	engine *Engine
}

func (s SimilarityExtractor) Extract(c *concept.Concept, opts protocol.LearnOptions) []*concept.Association {
	if len(c.Embedding) == 0 || s.engine == nil {
		return nil
	}
	max := int(opts.MaxAssociationsPerConcept)
	if max <= 0 {
		max = defaultMaxAssociations
	}
	floor := opts.MinAssociationConfidence

	matches, err := s.engine.index.Search(c.Embedding, max+1, similarityExtractorEfSearch)
	if err != nil {
		return nil
	}
	now := currentTime()
	var out []*concept.Association
	for _, m := range matches {
		if m.ID == c.ID {
			continue
		}
		if m.Similarity < floor {
			continue
		}
		out = append(out, &concept.Association{
			Source:     c.ID,
			Target:     m.ID,
			Type:       concept.AssocSemantic,
			Confidence: m.Similarity,
			Weight:     1.0,
			CreatedAt:  now,
			LastUsedAt: now,
		})
		if len(out) >= max {
			break
		}
	}
	return out
}

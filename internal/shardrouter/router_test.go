package shardrouter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/protocol"
)

func openTestRouter(t *testing.T, numShards int) *Router {
	t.Helper()
	r, err := Open(t.TempDir(), numShards, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func noExtractOpts() protocol.LearnOptions {
	o := protocol.DefaultLearnOptions()
	o.GenerateEmbedding = false
	o.ExtractAssociations = false
	return o
}

func TestRouterRoutesLearnAndQueryToSameShard(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	id, err := r.LearnConcept(ctx, "routed fact", noExtractOpts(), nil)
	require.NoError(t, err)

	c, err := r.QueryConcept(id)
	require.NoError(t, err)
	assert.Equal(t, "routed fact", c.Content)
}

func TestShardForIsDeterministicAndWithinRange(t *testing.T) {
	r := openTestRouter(t, 8)
	id := concept.IdentifierFor([]byte("deterministic"))
	first := r.ShardFor(id)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.ShardFor(id))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}

func TestCreateAssociationSameShardIsDirect(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	opts := noExtractOpts()

	// Brute-force two contents landing on the same shard.
	var a, b concept.Identifier
	var shardA, shardB int
	for i := 0; ; i++ {
		contentA := fmt.Sprintf("same-shard-a-%d", i)
		contentB := fmt.Sprintf("same-shard-b-%d", i)
		idA := concept.IdentifierFor([]byte(contentA))
		idB := concept.IdentifierFor([]byte(contentB))
		if r.ShardFor(idA) == r.ShardFor(idB) {
			a, _ = r.LearnConcept(ctx, contentA, opts, nil)
			b, _ = r.LearnConcept(ctx, contentB, opts, nil)
			shardA, shardB = r.ShardFor(a), r.ShardFor(b)
			break
		}
		require.Less(t, i, 10000, "could not find two same-shard contents")
	}
	require.Equal(t, shardA, shardB)

	err := r.CreateAssociation(ctx, &concept.Association{Source: a, Target: b, Type: concept.AssocSemantic, Confidence: 1, Weight: 1})
	require.NoError(t, err)

	neighbors, err := r.GetNeighbors(a)
	require.NoError(t, err)
	assert.Contains(t, neighbors, b)
}

func TestCreateAssociationCrossShardUses2PC(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	opts := noExtractOpts()

	var a, b concept.Identifier
	for i := 0; ; i++ {
		contentA := fmt.Sprintf("cross-shard-a-%d", i)
		contentB := fmt.Sprintf("cross-shard-b-%d", i)
		idA := concept.IdentifierFor([]byte(contentA))
		idB := concept.IdentifierFor([]byte(contentB))
		if r.ShardFor(idA) != r.ShardFor(idB) {
			a, _ = r.LearnConcept(ctx, contentA, opts, nil)
			b, _ = r.LearnConcept(ctx, contentB, opts, nil)
			break
		}
		require.Less(t, i, 10000, "could not find two cross-shard contents")
	}
	require.NotEqual(t, r.ShardFor(a), r.ShardFor(b))

	err := r.CreateAssociation(ctx, &concept.Association{Source: a, Target: b, Type: concept.AssocSemantic, Confidence: 1, Weight: 1})
	require.NoError(t, err)

	// Mirror records: both endpoints' shards should report the edge.
	neighborsOfA, err := r.GetNeighbors(a)
	require.NoError(t, err)
	assert.Contains(t, neighborsOfA, b)
}

func TestClearNamespaceAcrossShards(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	opts := noExtractOpts()
	opts.Namespace = "scratch"

	var ids []concept.Identifier
	for i := 0; i < 20; i++ {
		id, err := r.LearnConcept(ctx, fmt.Sprintf("scratch item %d", i), opts, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := r.ClearNamespace(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)

	for _, id := range ids {
		_, err := r.QueryConcept(id)
		require.Error(t, err)
	}
}

func TestClearNamespaceAbortsWithoutMutatingAnyShard(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	opts := noExtractOpts()
	opts.Namespace = "scratch"

	var ids []concept.Identifier
	for i := 0; i < 20; i++ {
		id, err := r.LearnConcept(ctx, fmt.Sprintf("abort item %d", i), opts, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := r.ClearNamespace(cancelled, "scratch")
	require.Error(t, err)

	// Every concept must still be there: prepare pinned ids on every shard
	// but the cancelled context must have aborted before any shard committed
	// a delete, so no shard is left partially cleared.
	for _, id := range ids {
		_, err := r.QueryConcept(id)
		assert.NoError(t, err)
	}

	// Pins taken during the aborted prepare phase must be released, or a
	// subsequent real clear would hang forever waiting on them.
	n, err := r.ClearNamespace(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
}

func TestVectorSearchMergesAcrossShards(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	opts := protocol.DefaultLearnOptions()
	opts.GenerateEmbedding = false
	opts.ExtractAssociations = false

	for i := 0; i < 10; i++ {
		_, err := r.LearnConcept(ctx, fmt.Sprintf("vec item %d", i), opts, []float32{float32(i), 1})
		require.NoError(t, err)
	}

	matches, err := r.VectorSearch(ctx, []float32{5, 1}, 3, 20, "")
	require.NoError(t, err)
	assert.Len(t, matches, 3)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
	}
}

func TestStatsAggregatesAcrossShards(t *testing.T) {
	r := openTestRouter(t, 4)
	ctx := context.Background()
	opts := noExtractOpts()
	for i := 0; i < 12; i++ {
		_, err := r.LearnConcept(ctx, fmt.Sprintf("stat item %d", i), opts, nil)
		require.NoError(t, err)
	}
	stats := r.Stats()
	assert.Equal(t, uint64(12), stats.ConceptCount)
}

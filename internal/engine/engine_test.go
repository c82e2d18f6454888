package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/wal"
)

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func noEmbedOpts() protocol.LearnOptions {
	o := protocol.DefaultLearnOptions()
	o.GenerateEmbedding = false
	o.ExtractAssociations = false
	return o
}

func TestLearnConceptIsContentAddressed(t *testing.T) {
	e := openTestEngine(t, Options{})
	id1, err := e.LearnConcept(context.Background(), "the sky is blue", noEmbedOpts(), nil)
	require.NoError(t, err)
	id2, err := e.LearnConcept(context.Background(), "the sky is blue", noEmbedOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	c, err := e.QueryConcept(id1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.AccessCount) // initial learn + re-learn + the QueryConcept touch
}

func TestQueryConceptNotFound(t *testing.T) {
	e := openTestEngine(t, Options{})
	_, err := e.QueryConcept(concept.IdentifierFor([]byte("never learned")))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestReadYourWritesBeforeReconciliation(t *testing.T) {
	e := openTestEngine(t, Options{ReconcileIntervalMin: time.Hour, ReconcileIntervalMax: time.Hour, ReconcileIntervalBase: time.Hour})
	id, err := e.LearnConcept(context.Background(), "fresh fact", noEmbedOpts(), nil)
	require.NoError(t, err)

	// The reconciler interval is pinned to an hour, so this must be served
	// from the write-log overlay, not the (not yet folded) read view.
	c, err := e.QueryConcept(id)
	require.NoError(t, err)
	assert.Equal(t, "fresh fact", c.Content)
}

func TestLearnBatchGroupsAppendsAndReportsPerElementErrors(t *testing.T) {
	e := openTestEngine(t, Options{Dimension: 3})
	opts := noEmbedOpts()
	ids, errs := e.LearnBatch(context.Background(), []string{"a", "b", "c"}, opts)
	require.Len(t, ids, 3)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestDeleteConceptCascadesAssociations(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()
	opts := noEmbedOpts()
	a, err := e.LearnConcept(ctx, "alpha", opts, nil)
	require.NoError(t, err)
	b, err := e.LearnConcept(ctx, "beta", opts, nil)
	require.NoError(t, err)

	require.NoError(t, e.learnAssociationForTest(a, b))

	neighbors, err := e.GetNeighbors(a)
	require.NoError(t, err)
	require.Contains(t, neighbors, b)

	require.NoError(t, e.DeleteConcept(a))

	_, err = e.QueryConcept(a)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))

	neighborsOfB, err := e.GetNeighbors(b)
	require.NoError(t, err)
	assert.NotContains(t, neighborsOfB, a)
}

func TestClearNamespaceIsAtomicAcrossReaders(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()
	opts := noEmbedOpts()
	opts.Namespace = "scratch"
	var ids []concept.Identifier
	for i := 0; i < 5; i++ {
		id, err := e.LearnConcept(ctx, fmt.Sprintf("scratch fact %d", i), opts, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := e.ClearNamespace("scratch")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	for _, id := range ids {
		_, err := e.QueryConcept(id)
		require.Error(t, err)
	}
}

func TestListRecentOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()
	opts := noEmbedOpts()
	var ids []concept.Identifier
	for i := 0; i < 3; i++ {
		id, err := e.LearnConcept(ctx, fmt.Sprintf("item %d", i), opts, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	recent := e.ListRecent("", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
}

func TestVectorSearchFiltersSoftDeletedAndNamespace(t *testing.T) {
	e := openTestEngine(t, Options{Dimension: 2})
	ctx := context.Background()
	opts := protocol.DefaultLearnOptions()
	opts.GenerateEmbedding = false
	opts.ExtractAssociations = false
	opts.Namespace = "ns-a"

	id, err := e.LearnConcept(ctx, "vector fact", opts, []float32{1, 0})
	require.NoError(t, err)

	matches, err := e.VectorSearch([]float32{1, 0}, 5, 20, "ns-a")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)

	matches, err = e.VectorSearch([]float32{1, 0}, 5, 20, "ns-b")
	require.NoError(t, err)
	assert.Len(t, matches, 0)

	require.NoError(t, e.DeleteConcept(id))
	matches, err = e.VectorSearch([]float32{1, 0}, 5, 20, "ns-a")
	require.NoError(t, err)
	assert.Len(t, matches, 0)
}

func TestLearnConceptDimensionMismatch(t *testing.T) {
	e := openTestEngine(t, Options{Dimension: 4})
	ctx := context.Background()
	opts := protocol.DefaultLearnOptions()
	opts.GenerateEmbedding = false
	opts.ExtractAssociations = false

	_, err := e.LearnConcept(ctx, "bad vector", opts, []float32{1, 2})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindDimensionMismatch))
}

func TestLearnConceptOverload(t *testing.T) {
	e := openTestEngine(t, Options{WriteLogHighWaterMark: 1, ReconcileIntervalMin: time.Hour, ReconcileIntervalMax: time.Hour, ReconcileIntervalBase: time.Hour})
	ctx := context.Background()
	opts := noEmbedOpts()
	_, err := e.LearnConcept(ctx, "first", opts, nil)
	require.NoError(t, err)

	_, err = e.LearnConcept(ctx, "second", opts, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindOverload))
}

func TestFlushThenReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Dimension: 2}
	e, err := Open(dir, opts)
	require.NoError(t, err)

	ctx := context.Background()
	learnOpts := protocol.DefaultLearnOptions()
	learnOpts.GenerateEmbedding = false
	learnOpts.ExtractAssociations = false
	id, err := e.LearnConcept(ctx, "durable fact", learnOpts, []float32{0.5, 0.5})
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	reopened, err := Open(dir, opts)
	require.NoError(t, err)
	defer reopened.Close()

	c, err := reopened.QueryConcept(id)
	require.NoError(t, err)
	assert.Equal(t, "durable fact", c.Content)

	matches, err := reopened.VectorSearch([]float32{0.5, 0.5}, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
}

func TestCrashRecoveryReplaysWALTailWithoutFlush(t *testing.T) {
	dir := t.TempDir()
	opts := Options{}
	e, err := Open(dir, opts)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := e.LearnConcept(ctx, "unflushed fact", noEmbedOpts(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Close()) // no Flush: only the WAL has this record

	reopened, err := Open(dir, opts)
	require.NoError(t, err)
	defer reopened.Close()

	c, err := reopened.QueryConcept(id)
	require.NoError(t, err)
	assert.Equal(t, "unflushed fact", c.Content)
}

func TestDecayRemovesWeakConcepts(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()
	id, err := e.LearnConcept(ctx, "fading fact", noEmbedOpts(), nil)
	require.NoError(t, err)

	// Force the concept's last access far enough in the past that even a
	// single decay pass drives it under the threshold. Fold the staged learn
	// into the read view first, since that is what Decay scans.
	e.recon.foldNow()
	rv := e.view.Load()
	c := rv.concepts[id]
	c.LastAccessAt = time.Now().Add(-365 * 24 * time.Hour)

	removed, err := e.Decay()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = e.QueryConcept(id)
	require.Error(t, err)
}

func TestFindPathBidirectionalBFS(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()
	opts := noEmbedOpts()
	a, err := e.LearnConcept(ctx, "a", opts, nil)
	require.NoError(t, err)
	b, err := e.LearnConcept(ctx, "b", opts, nil)
	require.NoError(t, err)
	c, err := e.LearnConcept(ctx, "c", opts, nil)
	require.NoError(t, err)

	require.NoError(t, e.learnAssociationForTest(a, b))
	require.NoError(t, e.learnAssociationForTest(b, c))

	path, err := e.FindPath(a, c, 5)
	require.NoError(t, err)
	assert.Equal(t, []concept.Identifier{a, b, c}, path.Nodes)
	assert.Greater(t, path.Confidence, float32(0))
}

func TestFindPathNotFoundBeyondMaxHops(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()
	opts := noEmbedOpts()
	a, err := e.LearnConcept(ctx, "isolated a", opts, nil)
	require.NoError(t, err)
	b, err := e.LearnConcept(ctx, "isolated b", opts, nil)
	require.NoError(t, err)

	_, err = e.FindPath(a, b, 3)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

// learnAssociationForTest appends and stages a single association record
// directly, standing in for association extraction (disabled in these
// tests so fixture graphs are exact).
func (e *Engine) learnAssociationForTest(from, to concept.Identifier) error {
	now := currentTime()
	_, err := e.appendAndStage([]wal.Record{{
		Op: wal.OpWriteAssociation,
		Association: &concept.Association{
			Source:     from,
			Target:     to,
			Type:       concept.AssocSemantic,
			Confidence: 0.9,
			Weight:     1,
			CreatedAt:  now,
			LastUsedAt: now,
		},
	}})
	return err
}

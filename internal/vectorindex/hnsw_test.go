package vectorindex

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/concept"
)

func idFor(s string) concept.Identifier {
	return concept.IdentifierFor([]byte(s))
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	idx := New(4)
	err := idx.Insert(idFor("a"), []float32{1, 2})
	require.Error(t, err)
}

func TestInsertThenSearchFindsItself(t *testing.T) {
	idx := New(3)
	id := idFor("self")
	vec := []float32{1, 0, 0}
	require.NoError(t, idx.Insert(id, vec))

	matches, err := idx.Search(vec, 1, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
	assert.GreaterOrEqual(t, matches[0].Similarity, float32(0.9))
}

func TestSearchOrdersByDescendingSimilarity(t *testing.T) {
	idx := New(2)
	require.NoError(t, idx.Insert(idFor("close"), []float32{1, 0.05}))
	require.NoError(t, idx.Insert(idFor("far"), []float32{0, 1}))
	require.NoError(t, idx.Insert(idFor("exact"), []float32{1, 0}))

	matches, err := idx.Search([]float32{1, 0}, 3, 50)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, idFor("exact"), matches[0].ID)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
	}
}

func TestSearchRespectsK(t *testing.T) {
	idx := New(2)
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Insert(idFor(fmt.Sprintf("n%d", i)), []float32{float32(i), 1}))
	}
	matches, err := idx.Search([]float32{0, 1}, 5, 50)
	require.NoError(t, err)
	assert.Len(t, matches, 5)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	idx := New(2)
	id := idFor("gone")
	require.NoError(t, idx.Insert(id, []float32{1, 1}))
	require.True(t, idx.Contains(id))
	idx.Delete(id)
	assert.False(t, idx.Contains(id))

	matches, err := idx.Search([]float32{1, 1}, 5, 50)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, id, m.ID)
	}
}

func TestReinsertReplacesVector(t *testing.T) {
	idx := New(2)
	id := idFor("dup")
	require.NoError(t, idx.Insert(id, []float32{1, 0}))
	require.NoError(t, idx.Insert(id, []float32{0, 1}))

	matches, err := idx.Search([]float32{0, 1}, 1, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 0.01)
}

func TestSearchOnEmptyIndex(t *testing.T) {
	idx := New(3)
	matches, err := idx.Search([]float32{1, 2, 3}, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestStatsReportsCardinality(t *testing.T) {
	idx := New(2)
	require.NoError(t, idx.Insert(idFor("a"), []float32{1, 0}))
	require.NoError(t, idx.Insert(idFor("b"), []float32{0, 1}))

	stats := idx.Stats()
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 2, stats.Dimension)
	assert.True(t, stats.Dirty)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := New(3)
	for i := 0; i < 30; i++ {
		require.NoError(t, idx.Insert(idFor(fmt.Sprintf("node-%d", i)), []float32{float32(i), float32(i) * 2, 1}))
	}
	require.NoError(t, idx.Save(dir))
	assert.False(t, idx.Dirty())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 30, len(loaded.nodes))
	assert.Equal(t, idx.dim, loaded.dim)

	query := []float32{5, 10, 1}
	want, err := idx.Search(query, 5, 50)
	require.NoError(t, err)
	got, err := loaded.Search(query, 5, 50)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
	}
}

func TestLoadOrBuildFallsBackWhenFilesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	vectors := map[concept.Identifier][]float32{
		idFor("a"): {1, 0},
		idFor("b"): {0, 1},
	}
	idx, err := LoadOrBuild(dir, 2, vectors)
	require.NoError(t, err)
	assert.True(t, idx.Dirty())
	assert.Equal(t, 2, idx.Stats().Count)
}

func TestBuildFromVectorsIndexesEveryEntry(t *testing.T) {
	vectors := map[concept.Identifier][]float32{
		idFor("a"): {1, 0, 0},
		idFor("b"): {0, 1, 0},
		idFor("c"): {0, 0, 1},
	}
	idx := BuildFromVectors(3, vectors)
	assert.Equal(t, 3, idx.Stats().Count)
	for id := range vectors {
		assert.True(t, idx.Contains(id))
	}
}

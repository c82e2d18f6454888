package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/concept"
)

func sampleConcepts() []*concept.Concept {
	now := time.Now().UTC().Truncate(time.Second)
	return []*concept.Concept{
		{
			ID:      concept.IdentifierFor([]byte("alpha")),
			Content: "alpha content",
			Embedding: []float32{0.1, 0.2, 0.3, 0.4},
			Metadata: concept.Metadata{
				Namespace: "ns1",
				Creator:   "tester",
				Type:      concept.TypeFact,
				Tags:      []string{"x", "y"},
				Attributes: map[string]string{"k": "v"},
			},
			CreatedAt:    now,
			LastAccessAt: now,
			AccessCount:  3,
			Strength:     0.9,
			Confidence:   0.8,
		},
		{
			ID:      concept.IdentifierFor([]byte("beta")),
			Content: "beta content, no vector",
			Metadata: concept.Metadata{
				Namespace:   "ns2",
				Type:        concept.TypeEntity,
				SoftDeleted: true,
			},
			CreatedAt:    now,
			LastAccessAt: now,
		},
	}
}

func sampleAssociations(cs []*concept.Concept) []*concept.Association {
	now := time.Now().UTC().Truncate(time.Second)
	return []*concept.Association{
		{
			Source:     cs[0].ID,
			Target:     cs[1].ID,
			Type:       concept.AssocSemantic,
			Confidence: 0.7,
			Weight:     1.0,
			CreatedAt:  now,
			LastUsedAt: now,
		},
	}
}

func TestBuildAndOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	as := sampleAssociations(cs)

	require.NoError(t, Build(path, cs, as, 4, 42))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	assert.Equal(t, uint64(2), sf.ConceptCount())
	assert.Equal(t, uint64(1), sf.AssociationCount())
	assert.Equal(t, uint64(1), sf.VectorCount())
	assert.Equal(t, uint32(4), sf.Dimension())
	assert.Equal(t, uint64(42), sf.LastSeq())
}

func TestLookupReturnsConceptWithEmbedding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	require.NoError(t, Build(path, cs, nil, 4, 0))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	c, ok, err := sf.Lookup(cs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cs[0].Content, c.Content)
	assert.Equal(t, cs[0].Embedding, c.Embedding)
	assert.Equal(t, cs[0].Metadata.Namespace, c.Metadata.Namespace)
	assert.Equal(t, cs[0].Metadata.Tags, c.Metadata.Tags)
	assert.Equal(t, cs[0].Metadata.Attributes, c.Metadata.Attributes)
	assert.Equal(t, cs[0].AccessCount, c.AccessCount)
}

func TestLookupReturnsConceptWithoutEmbedding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	require.NoError(t, Build(path, cs, nil, 4, 0))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	c, ok, err := sf.Lookup(cs[1].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, c.Embedding)
	assert.True(t, c.Metadata.SoftDeleted)
}

func TestLookupMissingConcept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	require.NoError(t, Build(path, cs, nil, 4, 0))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	_, ok, err := sf.Lookup(concept.IdentifierFor([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConceptsAndAssociationsIterate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	as := sampleAssociations(cs)
	require.NoError(t, Build(path, cs, as, 4, 0))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	var seen []concept.Identifier
	require.NoError(t, sf.Concepts(func(c *concept.Concept) error {
		seen = append(seen, c.ID)
		return nil
	}))
	assert.ElementsMatch(t, []concept.Identifier{cs[0].ID, cs[1].ID}, seen)

	var edges []concept.Association
	require.NoError(t, sf.Associations(func(a *concept.Association) error {
		edges = append(edges, *a)
		return nil
	}))
	require.Len(t, edges, 1)
	assert.Equal(t, as[0].Source, edges[0].Source)
	assert.Equal(t, as[0].Target, edges[0].Target)
	assert.Equal(t, as[0].Type, edges[0].Type)
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	require.NoError(t, Build(path, cs, nil, 4, 0))

	require.NoError(t, VerifyChecksum(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[len(corrupted)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	err = VerifyChecksum(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	require.NoError(t, os.WriteFile(path, make([]byte, headerSize+16), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestMightContainReportsPresentIdentifiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	require.NoError(t, Build(path, cs, nil, 4, 0))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	assert.True(t, sf.MightContain(cs[0].ID))
}

func TestBuildRejectsMismatchedDimension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	cs := sampleConcepts()
	cs[1].Embedding = []float32{1, 2} // wrong dimension vs cs[0]'s 4

	err := Build(path, cs, nil, 0, 0)
	require.Error(t, err)
}

func TestBuildEmptyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.dat")
	require.NoError(t, Build(path, nil, nil, 0, 0))

	sf, err := Open(path)
	require.NoError(t, err)
	defer sf.Close()

	assert.Equal(t, uint64(0), sf.ConceptCount())
	_, ok, err := sf.Lookup(concept.IdentifierFor([]byte("anything")))
	require.NoError(t, err)
	assert.False(t, ok)
}

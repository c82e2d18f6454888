package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/concept"
)

func mustConcept(t *testing.T, content string) *concept.Concept {
	t.Helper()
	now := time.Now().UTC()
	return &concept.Concept{
		ID:        concept.IdentifierFor([]byte(content)),
		Content:   content,
		Embedding: []float32{0.1, 0.2, 0.3},
		Metadata: concept.Metadata{
			Namespace: "default",
			Type:      concept.TypeFact,
			Tags:      []string{"a", "b"},
		},
		CreatedAt:    now,
		LastAccessAt: now,
		Strength:     1.0,
		Confidence:   1.0,
	}
}

func TestAppendAssignsMonotoneSequence(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	seq1, err := w.Append(Record{Op: OpWriteConcept, Concept: mustConcept(t, "one")})
	require.NoError(t, err)
	seq2, err := w.Append(Record{Op: OpWriteConcept, Concept: mustConcept(t, "two")})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
	assert.Equal(t, uint64(3), w.NextSeq())
}

func TestAppendGroupSharesOneFsync(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	c := mustConcept(t, "grouped")
	a := &concept.Association{Source: c.ID, Target: concept.IdentifierFor([]byte("other")), Type: concept.AssocSemantic, Confidence: 0.8, Weight: 1}
	seqs, err := w.AppendGroup([]Record{
		{Op: OpWriteConcept, Concept: c},
		{Op: OpWriteAssociation, Association: a},
	})
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	assert.Equal(t, uint64(1), seqs[0])
	assert.Equal(t, uint64(2), seqs[1])
}

func TestReplayRoundTripsConceptAndAssociation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	c := mustConcept(t, "replay-me")
	a := &concept.Association{Source: c.ID, Target: concept.IdentifierFor([]byte("target")), Type: concept.AssocCausal, Confidence: 0.5, Weight: 0.75}
	_, err = w.AppendGroup([]Record{
		{Op: OpWriteConcept, Concept: c},
		{Op: OpWriteAssociation, Association: a},
	})
	require.NoError(t, err)

	records, err := w.ReplayFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, OpWriteConcept, records[0].Op)
	assert.Equal(t, c.ID, records[0].Concept.ID)
	assert.Equal(t, c.Content, records[0].Concept.Content)
	assert.Equal(t, c.Embedding, records[0].Concept.Embedding)
	assert.Equal(t, c.Metadata.Tags, records[0].Concept.Tags)
	assert.WithinDuration(t, c.CreatedAt, records[0].Concept.CreatedAt, time.Second)

	assert.Equal(t, OpWriteAssociation, records[1].Op)
	assert.Equal(t, a.Source, records[1].Association.Source)
	assert.Equal(t, a.Target, records[1].Association.Target)
	assert.Equal(t, a.Type, records[1].Association.Type)
}

func TestReplayFromFiltersBySequence(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		_, err := w.Append(Record{Op: OpDeleteConcept, ConceptID: concept.IdentifierFor([]byte{byte(i)})})
		require.NoError(t, err)
	}

	records, err := w.ReplayFrom(3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(3), records[0].Seq)
	assert.Equal(t, uint64(5), records[2].Seq)
}

func TestTruncateRemovesAbsorbedRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 4; i++ {
		_, err := w.Append(Record{Op: OpDeleteConcept, ConceptID: concept.IdentifierFor([]byte{byte(i)})})
		require.NoError(t, err)
	}

	require.NoError(t, w.Truncate(3))

	records, err := w.ReplayFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Seq)
	assert.Equal(t, uint64(4), records[1].Seq)
}

func TestOpenRecoversNextSeqAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	_, err = w.Append(Record{Op: OpDeleteConcept, ConceptID: concept.IdentifierFor([]byte("a"))})
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpDeleteConcept, ConceptID: concept.IdentifierFor([]byte("b"))})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.NextSeq())
}

func TestOpenFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = Open(dir)
	require.ErrorIs(t, err, ErrLocked)
}

func TestOpenCreatesStoreDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "shard-0")
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(Record{Op: OpDeleteConcept, ConceptID: concept.IdentifierFor([]byte("x"))})
	require.NoError(t, err)
}

func TestUpdateFieldRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	id := concept.IdentifierFor([]byte("field-target"))
	_, err = w.Append(Record{Op: OpUpdateField, ConceptID: id, FieldName: "strength", FieldValue: "0.42"})
	require.NoError(t, err)

	records, err := w.ReplayFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ConceptID)
	assert.Equal(t, "strength", records[0].FieldName)
	assert.Equal(t, "0.42", records[0].FieldValue)
}

func TestDeleteAssociationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	src := concept.IdentifierFor([]byte("src"))
	dst := concept.IdentifierFor([]byte("dst"))
	_, err = w.Append(Record{Op: OpDeleteAssociation, AssocSource: src, AssocTarget: dst, AssocType: concept.AssocHierarchical})
	require.NoError(t, err)

	records, err := w.ReplayFrom(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, src, records[0].AssocSource)
	assert.Equal(t, dst, records[0].AssocTarget)
	assert.Equal(t, concept.AssocHierarchical, records[0].AssocType)
}

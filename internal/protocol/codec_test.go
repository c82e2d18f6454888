package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{ReqID: 1, Body: LearnConcept{Content: "hello", Options: DefaultLearnOptions()}},
		{ReqID: 2, Body: QueryConcept{ID: [16]byte{1, 2, 3}}},
		{ReqID: 3, Body: DeleteConcept{ID: [16]byte{4}}},
		{ReqID: 4, Body: ListRecent{Namespace: "ns", Limit: 10}},
		{ReqID: 5, Body: ClearNamespace{Namespace: "ns"}},
		{ReqID: 6, Body: GetStats{}},
		{ReqID: 7, Body: Flush{}},
		{ReqID: 8, Body: HealthCheck{}},
		{ReqID: 9, Body: VectorSearch{QueryText: "q", K: 5, EfSearch: 50}},
		{ReqID: 10, Body: Subscribe{Namespace: "ns", FilterType: "all", CallbackAddr: "127.0.0.1:9001"}},
		{ReqID: 11, Body: Unsubscribe{ID: [16]byte{9}}},
		{ReqID: 12, Body: ListSubscriptions{}},
		{ReqID: 13, Body: CreateGoal{Name: "g", Condition: "c", Action: "a"}},
		{ReqID: 14, Body: ListGoals{}},
		{ReqID: 15, Body: CancelGoal{ID: [16]byte{2}}},
		{ReqID: 16, Body: ProvideFeedback{ConceptID: [16]byte{3}, Positive: true, Comment: "good"}},
		{ReqID: 17, Body: GetAutonomyStats{}},
	}

	for _, req := range cases {
		payload, err := EncodeRequest(req)
		require.NoError(t, err)
		decoded, err := DecodeRequest(payload)
		require.NoError(t, err)
		assert.Equal(t, req, decoded)
	}
}

func TestLearnConceptWithEmbeddingRoundTrip(t *testing.T) {
	req := Request{ReqID: 1, Body: LearnConcept{
		Content:   "vectorized",
		Options:   DefaultLearnOptions(),
		Embedding: []float32{0.1, 0.2, 0.3},
	}}
	payload, err := EncodeRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []Response{
		{ReqID: 1, Result: LearnResult{ID: [16]byte{1}}},
		{ReqID: 2, Result: ConceptResult{Concept: ConceptView{
			ID: [16]byte{2}, Content: "c", Embedding: []float32{1, 2},
			Tags: []string{"a", "b"}, Attributes: map[string]string{"k": "v"},
		}}},
		{ReqID: 3, Result: DeleteResult{}},
		{ReqID: 4, Result: ListRecentResult{Concepts: []ConceptView{{ID: [16]byte{5}}}}},
		{ReqID: 5, Result: ClearNamespaceResult{Removed: 7}},
		{ReqID: 6, Result: StatsResult{Stats: Stats{ConceptCount: 3, ReconcilerHealth: 0.9}}},
		{ReqID: 7, Result: FlushResult{}},
		{ReqID: 8, Result: HealthCheckResult{Health: HealthStatus{Status: "ok"}}},
		{ReqID: 9, Result: VectorSearchResult{Matches: []Match{{ID: [16]byte{1}, Similarity: 0.95}}}},
		{ReqID: 10, Err: &Error{Kind: KindNotFound, Message: "nope"}},
	}

	for _, resp := range cases {
		payload, err := EncodeResponse(resp)
		require.NoError(t, err)
		decoded, err := DecodeResponse(payload)
		require.NoError(t, err)
		assert.Equal(t, resp, decoded)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{ReqID: 42, Body: QueryConcept{ID: [16]byte{9, 9}}}
	require.NoError(t, WriteRequest(&buf, req))

	decoded, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))
	truncated := buf.Bytes()[:6]
	_, err := ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFramingError))
}

func TestReadFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFramingError))
}

func TestIsBinaryFrame(t *testing.T) {
	assert.True(t, IsBinaryFrame(0x00))
	assert.False(t, IsBinaryFrame('L'))
}

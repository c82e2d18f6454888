package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/shardrouter"
)

func openTestRouter(t *testing.T) *shardrouter.Router {
	t.Helper()
	r, err := shardrouter.Open(t.TempDir(), 2, engine.Options{})
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

func TestEvaluateConditionComparisons(t *testing.T) {
	stats := protocol.Stats{ConceptCount: 100, ReconcilerHealth: 0.5}

	cases := []struct {
		condition string
		want      bool
	}{
		{"concept_count > 50", true},
		{"concept_count > 500", false},
		{"concept_count <= 100", true},
		{"concept_count == 100", true},
		{"reconciler_health < 1", true},
	}
	for _, c := range cases {
		got, err := evaluateCondition(c.condition, stats)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, c.condition)
	}
}

func TestEvaluateConditionRejectsMalformedInput(t *testing.T) {
	_, err := evaluateCondition("concept_count >", protocol.Stats{})
	assert.Error(t, err)

	_, err = evaluateCondition("nonexistent_stat > 1", protocol.Stats{})
	assert.Error(t, err)

	_, err = evaluateCondition("concept_count ~= 1", protocol.Stats{})
	assert.Error(t, err)
}

func TestHammingDistance(t *testing.T) {
	var a, b concept.Identifier
	assert.Equal(t, 0, hammingDistance(a, b))

	b[0] = 0x01
	assert.Equal(t, 1, hammingDistance(a, b))

	b[0] = 0xff
	assert.Equal(t, 8, hammingDistance(a, b))
}

func TestCosineSimilarity(t *testing.T) {
	identical := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, cosineSimilarity(identical, identical), 1e-6)

	orthogonal := [][]float32{{1, 0}, {0, 1}}
	assert.InDelta(t, 0.0, cosineSimilarity(orthogonal[0], orthogonal[1]), 1e-6)

	assert.Equal(t, float32(0), cosineSimilarity(nil, nil))
	assert.Equal(t, float32(0), cosineSimilarity([]float32{1}, []float32{1, 2}))
}

func TestGoalEvaluatorFiresActionOnce(t *testing.T) {
	r := openTestRouter(t)
	ctx := context.Background()

	opts := adminTestLearnOptions(KindGoal, map[string]string{
		AttrName:      "grow",
		AttrCondition: "concept_count >= 0",
		AttrAction:    "notify: grew",
	})
	_, err := r.LearnConcept(ctx, "goal:grow", opts, nil)
	require.NoError(t, err)

	runner := New(r, DefaultOptions())
	runner.runGoalEvaluator()

	goals := runner.listGoals()
	require.Len(t, goals, 1)
	runner.goalMu.Lock()
	fired := runner.goalFired[goals[0].id]
	runner.goalMu.Unlock()
	assert.True(t, fired)

	// A second pass must not re-fire (and must not error re-evaluating).
	runner.runGoalEvaluator()
}

func TestSubscriptionFanoutNotifiesOnNewConcept(t *testing.T) {
	r := openTestRouter(t)
	ctx := context.Background()

	subOpts := adminTestLearnOptions(KindSubscription, map[string]string{
		AttrNamespace:  "notes",
		AttrFilterType: "",
	})
	_, err := r.LearnConcept(ctx, "subscription:notes", subOpts, nil)
	require.NoError(t, err)

	runner := New(r, DefaultOptions())
	subs := runner.listSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "notes", subs[0].namespace)

	noteOpts := noExtractOpts()
	noteOpts.Namespace = "notes"
	_, err = r.LearnConcept(ctx, "a note", noteOpts, nil)
	require.NoError(t, err)

	// Exercise the fanout path directly; it should not panic or error even
	// with no reachable callback address configured (falls back to logging).
	runner.runSubscriptionFanout()
}

func TestGapDetectorFindsIsolatedConcept(t *testing.T) {
	r := openTestRouter(t)
	ctx := context.Background()
	_, err := r.LearnConcept(ctx, "lonely fact", noExtractOpts(), nil)
	require.NoError(t, err)

	runner := New(r, DefaultOptions())
	runner.runGapDetector()

	assert.GreaterOrEqual(t, runner.GapsDetected(), int32(1))
	found := false
	for _, g := range runner.Gaps() {
		if g.Kind == "isolated" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHealthSnapshotTrimsRing(t *testing.T) {
	r := openTestRouter(t)
	opts := DefaultOptions()
	opts.HealthRingSize = 2
	runner := New(r, opts)

	runner.runHealthSnapshot()
	runner.runHealthSnapshot()
	runner.runHealthSnapshot()
	runner.trimHealthRing()

	summaries := r.ListRecent(AdminNamespace, 0)
	var snapshots int
	for _, s := range summaries {
		if s.Type == concept.TypeHealthSnapshot {
			snapshots++
		}
	}
	assert.LessOrEqual(t, snapshots, 2)
}

func TestRunnerStartStopWithEverythingDisabled(t *testing.T) {
	r := openTestRouter(t)
	opts := DefaultOptions()
	opts.Enabled = false
	runner := New(r, opts)

	runner.Start()
	time.Sleep(10 * time.Millisecond)
	runner.Stop()
}

// adminTestLearnOptions mirrors internal/server's adminLearnOptions without
// importing internal/server, which would create an import cycle (server
// imports jobs for the shared admin constants this test also exercises).
func adminTestLearnOptions(kind string, attrs map[string]string) protocol.LearnOptions {
	o := protocol.DefaultLearnOptions()
	o.GenerateEmbedding = false
	o.ExtractAssociations = false
	o.Namespace = AdminNamespace
	full := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		full[k] = v
	}
	full[AttrKind] = kind
	o.Attributes = full
	return o
}

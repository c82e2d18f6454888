package jobs

import (
	"math"
	"math/bits"

	"github.com/dreamware/cortex/internal/concept"
)

// nearDuplicateHammingBits is the maximum Hamming distance, in bits, over
// the 128-bit content identifier for two concepts to be considered
// candidate near-duplicates (spec §4.9, §12: "Hamming distance over the
// xxhash digest is below a small threshold"). 128 bits is a lot of space;
// a distance this small between two independently-hashed identifiers is
// astronomically unlikely by chance. xxhash spreads any change in the
// content across the whole digest, so near-identical content does not
// produce nearby identifiers either.
const nearDuplicateHammingBits = 6

// nearDuplicateCosine is the minimum cosine similarity two concepts'
// embeddings must clear, in addition to the Hamming check, before being
// reported as a near-duplicate pair.
const nearDuplicateCosine = 0.95

// runGapDetector finds concepts with zero associations and near-duplicate
// pairs, replacing the previous cycle's findings (spec §4.9: "for the
// consumer to surface"). Scanning is capped at GapDetectorMaxScan concepts
// per cycle; with the cap active this job trades completeness for a
// bounded cycle cost, logged below rather than silently dropping work.
func (r *Runner) runGapDetector() {
	summaries := r.router.ListRecent("", r.opts.GapDetectorMaxScan)
	var candidates []concept.Summary
	for _, s := range summaries {
		if s.Namespace == AdminNamespace {
			continue
		}
		candidates = append(candidates, s)
	}
	if r.opts.GapDetectorMaxScan > 0 && len(candidates) >= r.opts.GapDetectorMaxScan {
		r.log.Debug().Int("scanned", len(candidates)).Msg("gap detector hit its scan cap; some concepts were not examined this cycle")
	}

	var findings []GapFinding
	findings = append(findings, r.findIsolated(candidates)...)
	findings = append(findings, r.findNearDuplicates(candidates)...)

	r.gapsMu.Lock()
	r.gaps = findings
	r.gapsMu.Unlock()
	r.gapsDetected.Store(int32(len(findings)))
}

func (r *Runner) findIsolated(candidates []concept.Summary) []GapFinding {
	var out []GapFinding
	for _, s := range candidates {
		neighbors, err := r.router.GetNeighbors(s.ID)
		if err != nil {
			continue
		}
		if len(neighbors) == 0 {
			out = append(out, GapFinding{Kind: "isolated", ConceptA: s.ID.String()})
		}
	}
	return out
}

func (r *Runner) findNearDuplicates(candidates []concept.Summary) []GapFinding {
	var out []GapFinding
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if hammingDistance(a.ID, b.ID) > nearDuplicateHammingBits {
				continue
			}
			if r.embeddingsDisagree(a.ID, b.ID) {
				continue
			}
			out = append(out, GapFinding{Kind: "near_duplicate", ConceptA: a.ID.String(), ConceptB: b.ID.String()})
		}
	}
	return out
}

// embeddingsDisagree reports whether both concepts carry an embedding and
// its cosine similarity falls short of nearDuplicateCosine. If either
// concept lacks an embedding, the Hamming check alone decides (returns
// false: "does not disagree").
func (r *Runner) embeddingsDisagree(a, b concept.Identifier) bool {
	ca, errA := r.router.QueryConcept(a)
	cb, errB := r.router.QueryConcept(b)
	if errA != nil || errB != nil || len(ca.Embedding) == 0 || len(cb.Embedding) == 0 {
		return false
	}
	return cosineSimilarity(ca.Embedding, cb.Embedding) < nearDuplicateCosine
}

func hammingDistance(a, b concept.Identifier) int {
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

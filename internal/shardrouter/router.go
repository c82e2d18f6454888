// Package shardrouter implements the horizontal sharding layer (C7): a
// pure consistent-hash placement function over a fixed shard count, and a
// two-phase-commit coordinator for the two kinds of mutation that cross
// shard boundaries (creating a cross-shard association, clearing a
// namespace). Everything else is delegated straight through to the owning
// shard's engine.Engine (spec §4.7).
//
// Placement uses xxhash (already this module's hash of choice, see
// internal/concept) rather than a cluster-assignment scheme, since every
// shard lives in this one process and there is no node registry to keep
// in sync.
package shardrouter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/cortex/internal/concept"
	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/vectorindex"
)

// MinShards and MaxShards bound the tunable shard count (spec §4.7: "N
// where N is fixed at init in [4, 16]").
const (
	MinShards = 4
	MaxShards = 16
)

// Router owns one engine.Engine per shard and routes every store operation
// to the shard(s) it touches. Safe for concurrent use; each shard serializes
// its own writes internally, and the router itself holds no mutable state
// besides the fixed shard slice.
type Router struct {
	shards []*engine.Engine
	tx     *Coordinator
}

// Open opens (or creates) a sharded store rooted at dir, with one
// subdirectory per shard. numShards is clamped to [MinShards, MaxShards].
func Open(dir string, numShards int, opts engine.Options) (*Router, error) {
	if numShards < MinShards {
		numShards = MinShards
	}
	if numShards > MaxShards {
		numShards = MaxShards
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shardrouter: creating root dir: %w", err)
	}

	shards := make([]*engine.Engine, numShards)
	for i := 0; i < numShards; i++ {
		shardOpts := opts
		shardOpts.ShardID = i
		shardDir := filepath.Join(dir, fmt.Sprintf("shard-%d", i))
		e, err := engine.Open(shardDir, shardOpts)
		if err != nil {
			for j := 0; j < i; j++ {
				shards[j].Close() //nolint:errcheck
			}
			return nil, fmt.Errorf("shardrouter: opening shard %d: %w", i, err)
		}
		shards[i] = e
	}

	r := &Router{shards: shards}
	r.tx = newCoordinator(r)
	logging.WithComponent("shardrouter").Info().Int("shards", numShards).Msg("router opened")
	return r, nil
}

// NumShards returns the fixed shard count this router was opened with.
func (r *Router) NumShards() int { return len(r.shards) }

// ShardFor computes the owning shard for id via consistent hashing: a pure
// function of the identifier's bytes, stable across process restarts since
// the identifier itself is content-addressed (spec §3, §4.7:
// "shard_of(id) = hash(id) mod N").
func (r *Router) ShardFor(id concept.Identifier) int {
	return int(xxhash.Sum64(id[:]) % uint64(len(r.shards)))
}

// Shard returns the engine owning shard i, for internal/jobs and
// internal/server to use directly (health/stats fan-out, background job
// wiring per shard).
func (r *Router) Shard(i int) *engine.Engine { return r.shards[i] }

// Close shuts down every shard engine, collecting the first error.
func (r *Router) Close() error {
	var first error
	for _, e := range r.shards {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Flush forces a flush on every shard, used by graceful shutdown.
func (r *Router) Flush() error {
	var first error
	for _, e := range r.shards {
		if err := e.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LearnConcept computes the content identifier, routes to its owning
// shard, and delegates (spec §4.6, §4.7: single-shard operations are
// delegated directly — learn_concept never spans shards since a concept
// belongs to exactly one).
func (r *Router) LearnConcept(ctx context.Context, content string, opts protocol.LearnOptions, embedding []float32) (concept.Identifier, error) {
	id := concept.IdentifierFor([]byte(content))
	return r.shards[r.ShardFor(id)].LearnConcept(ctx, content, opts, embedding)
}

// LearnBatch groups contents by destination shard and delegates each group
// as one LearnBatch call, so WAL appends stay grouped per shard rather than
// falling back to one-by-one routing.
func (r *Router) LearnBatch(ctx context.Context, contents []string, opts protocol.LearnOptions) ([]concept.Identifier, []error) {
	type slot struct {
		origIndex int
		content   string
	}
	byShard := make(map[int][]slot, len(r.shards))
	for i, content := range contents {
		id := concept.IdentifierFor([]byte(content))
		shard := r.ShardFor(id)
		byShard[shard] = append(byShard[shard], slot{origIndex: i, content: content})
	}

	ids := make([]concept.Identifier, len(contents))
	errs := make([]error, len(contents))
	for shard, slots := range byShard {
		group := make([]string, len(slots))
		for i, s := range slots {
			group[i] = s.content
		}
		gotIDs, gotErrs := r.shards[shard].LearnBatch(ctx, group, opts)
		for i, s := range slots {
			ids[s.origIndex] = gotIDs[i]
			errs[s.origIndex] = gotErrs[i]
		}
	}
	return ids, errs
}

// QueryConcept routes directly to id's shard.
func (r *Router) QueryConcept(id concept.Identifier) (*concept.Concept, error) {
	return r.shards[r.ShardFor(id)].QueryConcept(id)
}

// GetNeighbors routes directly to id's shard; mirror records mean both
// endpoints' shards carry every cross-shard edge, so a single-shard lookup
// is always complete (spec §3).
func (r *Router) GetNeighbors(id concept.Identifier) ([]concept.Identifier, error) {
	return r.shards[r.ShardFor(id)].GetNeighbors(id)
}

// DeleteConcept routes directly to id's shard. Any cross-shard mirror
// associations are cascaded by the owning engine locally; the mirrored
// copy on the other endpoint's shard is cleaned up by that shard's own
// delete when (if) that endpoint is later deleted, consistent with the
// spec's framing of delete_concept as a single-shard operation not listed
// among the cross-shard 2PC triggers.
func (r *Router) DeleteConcept(id concept.Identifier) error {
	return r.shards[r.ShardFor(id)].DeleteConcept(id)
}

// ProvideFeedback routes directly to id's shard.
func (r *Router) ProvideFeedback(id concept.Identifier, positive bool) error {
	return r.shards[r.ShardFor(id)].ProvideFeedback(id, positive)
}

// VectorSearch fans out to every shard concurrently (the vector index is
// partitioned along with its owning concepts) and merges the results by
// descending similarity.
func (r *Router) VectorSearch(ctx context.Context, query []float32, k, efSearch int, namespace string) ([]vectorindex.Match, error) {
	results := make([][]vectorindex.Match, len(r.shards))
	g, _ := errgroup.WithContext(ctx)
	for i, e := range r.shards {
		i, e := i, e
		g.Go(func() error {
			matches, err := e.VectorSearch(query, k, efSearch, namespace)
			if err != nil {
				return err
			}
			results[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []vectorindex.Match
	for _, m := range results {
		merged = append(merged, m...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Similarity > merged[j].Similarity })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// ListRecent fans out to every shard and merges by recency.
func (r *Router) ListRecent(ns string, limit int) []concept.Summary {
	var merged []concept.Summary
	for _, e := range r.shards {
		merged = append(merged, e.ListRecent(ns, 0)...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return lastTouch(merged[i]).After(lastTouch(merged[j]))
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func lastTouch(s concept.Summary) time.Time {
	if s.LastAccessAt.After(s.CreatedAt) {
		return s.LastAccessAt
	}
	return s.CreatedAt
}

// Stats aggregates every shard's point-in-time counters (spec §4.6's
// per-shard stats(), summed for the whole store).
func (r *Router) Stats() protocol.Stats {
	var out protocol.Stats
	var healthSum float32
	for _, e := range r.shards {
		s := e.Stats()
		out.ConceptCount += s.ConceptCount
		out.AssociationCount += s.AssociationCount
		out.VectorCount += s.VectorCount
		out.PendingWrites += s.PendingWrites
		if s.UptimeSeconds > out.UptimeSeconds {
			out.UptimeSeconds = s.UptimeSeconds
		}
		healthSum += s.ReconcilerHealth
	}
	if len(r.shards) > 0 {
		out.ReconcilerHealth = healthSum / float32(len(r.shards))
	}
	return out
}

// Health reports the coarsest-denominator health across all shards.
func (r *Router) Health() protocol.HealthStatus {
	stats := r.Stats()
	status := "ok"
	if stats.ReconcilerHealth < 0.5 {
		status = "degraded"
	}
	return protocol.HealthStatus{
		Status:           status,
		ReconcilerHealth: stats.ReconcilerHealth,
		PendingWrites:    stats.PendingWrites,
		UptimeSeconds:    stats.UptimeSeconds,
	}
}

// CreateAssociation creates an association between two concepts,
// delegating to a single shard directly if both endpoints live there, or
// running the two-phase commit protocol across both owning shards
// otherwise (spec §4.7).
func (r *Router) CreateAssociation(ctx context.Context, a *concept.Association) error {
	fromShard := r.ShardFor(a.Source)
	toShard := r.ShardFor(a.Target)
	if fromShard == toShard {
		return r.shards[fromShard].CommitAssociationMirror(a, a.Source)
	}
	return r.tx.commitCrossShardAssociation(ctx, a, fromShard, toShard)
}

// ClearNamespace runs a 2PC transaction across every shard that currently
// holds a concept in ns (spec §4.7: clear_namespace is named explicitly as
// a cross-shard trigger since it "touches many shards").
func (r *Router) ClearNamespace(ctx context.Context, ns string) (uint64, error) {
	return r.tx.clearNamespace(ctx, ns)
}
